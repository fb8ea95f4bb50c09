package smart

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/nachoal/stock-agent-go/history"
	"github.com/nachoal/stock-agent-go/skills"
)

const memoryExcerpt = 400

// buildPrompt puts session memory and the matched playbook in front of the
// user's question. History travels as text so compaction can never leave
// a tool message without its call.
func buildPrompt(sess *history.Session, stockCode string, skill *skills.Skill, message string, memory int) string {
	var b strings.Builder

	recent := recentExchanges(sess.Messages, memory)
	if stockCode != "" || len(recent) > 0 {
		b.WriteString("[Session context]\n")
		if stockCode != "" {
			fmt.Fprintf(&b, "Stock in focus: %s\n", stockCode)
		}
		if len(recent) > 0 {
			b.WriteString("Recent conversation:\n")
			for _, m := range recent {
				fmt.Fprintf(&b, "- %s: %s\n", m.Role, excerpt(m.Content, memoryExcerpt))
			}
		}
		b.WriteString("\n")
	}

	if skill != nil && skill.Body != "" {
		fmt.Fprintf(&b, "[Playbook: %s]\n%s\n\n", skill.Name, skill.Body)
	}

	if b.Len() == 0 {
		return message
	}
	b.WriteString("[Question]\n")
	b.WriteString(message)
	return b.String()
}

func recentExchanges(msgs []history.Message, n int) []history.Message {
	if n <= 0 {
		return nil
	}
	var out []history.Message
	for i := len(msgs) - 1; i >= 0 && len(out) < n; i-- {
		m := msgs[i]
		if (m.Role == history.RoleUser || m.Role == history.RoleAssistant) && len(m.ToolCalls) == 0 && strings.TrimSpace(m.Content) != "" {
			out = append(out, m)
		}
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out
}

func excerpt(s string, n int) string {
	s = strings.Join(strings.Fields(s), " ")
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	return string([]rune(s)[:n]) + "..."
}

// plannedTodos turns playbook steps into Todo Run seeds.
func plannedTodos(skill *skills.Skill) []history.PlannedTodo {
	if skill == nil {
		return nil
	}
	out := make([]history.PlannedTodo, 0, len(skill.Steps))
	for _, s := range skill.Steps {
		out = append(out, history.PlannedTodo{Title: s.Title, ToolName: s.Tool})
	}
	return out
}
