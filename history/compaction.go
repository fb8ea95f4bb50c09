package history

import (
	"fmt"
	"time"
)

// CompactionSummaryName marks synthetic summary messages.
const CompactionSummaryName = "compaction_summary"

// CompactionPolicy bounds the stored message history.
type CompactionPolicy struct {
	// MaxMessages triggers compaction when exceeded. Zero disables it.
	MaxMessages int
	// KeepRecent messages are kept verbatim.
	KeepRecent int
	// SampleEvery keeps one of every n older plain messages.
	SampleEvery int
}

// DefaultCompactionPolicy compacts above 100 messages, keeping the last 15
// and every 5th older plain message.
func DefaultCompactionPolicy() CompactionPolicy {
	return CompactionPolicy{MaxMessages: 100, KeepRecent: 15, SampleEvery: 5}
}

// isPlain reports whether m is a user or assistant message without tool
// calls. Only plain messages are sampled.
func isPlain(m Message) bool {
	return (m.Role == RoleUser || m.Role == RoleAssistant) && len(m.ToolCalls) == 0
}

// Compact rewrites msgs when they exceed the policy. Every system message
// survives, the newest KeepRecent messages are kept verbatim, older plain
// messages are sampled and one system summary replaces the rest. The result
// has KeepRecent + older systems + sampled + 1 messages. The second return
// reports whether anything changed.
func Compact(msgs []Message, p CompactionPolicy, now time.Time) ([]Message, bool) {
	if p.MaxMessages <= 0 || len(msgs) <= p.MaxMessages {
		return msgs, false
	}
	keep := p.KeepRecent
	if keep < 0 {
		keep = 0
	}
	if keep > len(msgs) {
		keep = len(msgs)
	}
	every := p.SampleEvery
	if every <= 0 {
		every = 1
	}

	split := len(msgs) - keep
	older, recent := msgs[:split], msgs[split:]

	out := make([]Message, 0, keep+len(older)/every+2)
	systems, sampled, plain := 0, 0, 0
	for _, m := range older {
		switch {
		case m.Role == RoleSystem:
			out = append(out, m)
			systems++
		case isPlain(m):
			if plain%every == 0 {
				out = append(out, m)
				sampled++
			}
			plain++
		}
	}

	dropped := len(older) - systems - sampled
	out = append(out, Message{
		Role: RoleSystem,
		Name: CompactionSummaryName,
		Content: fmt.Sprintf("[Earlier conversation compacted] %d older messages were removed; %d sampled messages and the latest %d messages are kept.",
			dropped, sampled, keep),
		Timestamp: now,
	})
	return append(out, recent...), true
}
