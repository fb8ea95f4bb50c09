// Package history persists conversation sessions and their Todo Runs.
package history

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/nachoal/stock-agent-go/internal/logging"
)

var (
	ErrSessionNotFound  = errors.New("session not found")
	ErrTodoRunNotFound  = errors.New("todo run not found")
	ErrTodoNotFound     = errors.New("todo item not found")
	ErrInvalidSessionID = errors.New("invalid session id")
)

const (
	// DefaultTodoRunRetention is how many Todo Runs a session keeps.
	DefaultTodoRunRetention = 20
	// DefaultTaskHistoryRetention is how many task records a session keeps.
	DefaultTaskHistoryRetention = 50

	previewLimit = 300
	titleLimit   = 50
)

var sessionIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,128}$`)

// ValidSessionID reports whether id can name a session record.
func ValidSessionID(id string) bool {
	return sessionIDPattern.MatchString(id)
}

// Store is the in-memory session cache with write-through persistence.
// Every mutation saves the touched session before returning.
type Store struct {
	backend          Backend
	compaction       CompactionPolicy
	runRetention     int
	historyRetention int
	readThrough      bool
	logger           *logging.Logger
	now              func() time.Time

	mu       sync.Mutex
	sessions map[string]*Session

	locksMu sync.Mutex
	locks   map[string]chan struct{}
}

// StoreOption configures a Store.
type StoreOption func(*Store)

// WithCompaction sets the message compaction policy.
func WithCompaction(p CompactionPolicy) StoreOption {
	return func(s *Store) { s.compaction = p }
}

// WithTodoRunRetention sets how many Todo Runs a session keeps.
func WithTodoRunRetention(n int) StoreOption {
	return func(s *Store) {
		if n > 0 {
			s.runRetention = n
		}
	}
}

// WithReadThrough makes reads reload from the backend, for processes
// observing sessions written by another process.
func WithReadThrough(enabled bool) StoreOption {
	return func(s *Store) { s.readThrough = enabled }
}

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) StoreOption {
	return func(s *Store) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) StoreOption {
	return func(s *Store) { s.now = now }
}

// NewStore creates a store over backend. Call Load to read existing
// sessions.
func NewStore(backend Backend, opts ...StoreOption) *Store {
	s := &Store{
		backend:          backend,
		compaction:       DefaultCompactionPolicy(),
		runRetention:     DefaultTodoRunRetention,
		historyRetention: DefaultTaskHistoryRetention,
		logger:           logging.Nop(),
		now:              time.Now,
		sessions:         make(map[string]*Session),
		locks:            make(map[string]chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Backend returns the persistence backend.
func (s *Store) Backend() Backend { return s.backend }

// Load replaces the cache with every session in the backend. Unreadable
// records are skipped.
func (s *Store) Load(ctx context.Context) (int, error) {
	ids, err := s.backend.List(ctx)
	if err != nil {
		return 0, fmt.Errorf("load sessions: %w", err)
	}

	loaded := make(map[string]*Session, len(ids))
	for _, id := range ids {
		sess, err := s.backend.Load(ctx, id)
		if err != nil {
			s.logger.WithSession(id).Warn("skipping unreadable session", "error", err)
			continue
		}
		loaded[id] = sess
	}

	s.mu.Lock()
	s.sessions = loaded
	s.mu.Unlock()
	return len(loaded), nil
}

// LockSession serializes turns on one session id. It blocks until the
// session is free or ctx ends.
func (s *Store) LockSession(ctx context.Context, id string) (func(), error) {
	s.locksMu.Lock()
	ch, ok := s.locks[id]
	if !ok {
		ch = make(chan struct{}, 1)
		s.locks[id] = ch
	}
	s.locksMu.Unlock()

	select {
	case ch <- struct{}{}:
		var once sync.Once
		return func() { once.Do(func() { <-ch }) }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// GetOrCreateSession returns the session for id, creating it when missing.
// An empty id creates a session with a generated id.
func (s *Store) GetOrCreateSession(ctx context.Context, id string, sc SessionContext) (*Session, error) {
	if id == "" {
		id = uuid.NewString()
	}
	if !ValidSessionID(id) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidSessionID, id)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	sess, err := s.getLocked(ctx, id)
	created := false
	switch {
	case errors.Is(err, ErrSessionNotFound):
		now := s.now()
		sess = &Session{ID: id, CreatedAt: now, UpdatedAt: now, Messages: []Message{}}
		s.sessions[id] = sess
		created = true
	case err != nil:
		return nil, err
	}

	changed := created
	if sc.StockCode != "" && sc.StockCode != sess.Metadata.StockCode {
		sess.Metadata.StockCode = sc.StockCode
		changed = true
	}
	if sc.DetailMode != nil && *sc.DetailMode != sess.Metadata.DetailMode {
		sess.Metadata.DetailMode = *sc.DetailMode
		changed = true
	}
	if changed {
		if !created {
			sess.UpdatedAt = s.now()
		}
		if err := s.persistLocked(ctx, sess); err != nil {
			return nil, err
		}
	}
	if created {
		s.logger.WithSession(id).Info("session created", "stock_code", sess.Metadata.StockCode)
	}
	return sess.Clone(), nil
}

// GetSession returns a snapshot of the session.
func (s *Store) GetSession(ctx context.Context, id string) (*Session, error) {
	var out *Session
	err := s.read(ctx, id, func(sess *Session) error {
		out = sess.Clone()
		return nil
	})
	return out, err
}

// AddMessage appends one message.
func (s *Store) AddMessage(ctx context.Context, id string, msg Message) error {
	return s.AddMessages(ctx, id, msg)
}

// AddMessages appends messages and compacts the history when it exceeds
// the policy.
func (s *Store) AddMessages(ctx context.Context, id string, msgs ...Message) error {
	return s.mutate(ctx, id, func(sess *Session, now time.Time) error {
		for _, m := range msgs {
			if m.Timestamp.IsZero() {
				m.Timestamp = now
			}
			sess.Messages = append(sess.Messages, m)
		}
		if sess.Metadata.Title == "" {
			sess.Metadata.Title = generateTitle(sess)
		}

		before := len(sess.Messages)
		if compacted, ok := Compact(sess.Messages, s.compaction, now); ok {
			sess.Messages = compacted
			sess.Metadata.Compactions++
			s.logger.WithSession(id).Info("history compacted", "before", before, "after", len(compacted))
		}
		return nil
	})
}

// StartTodoRun appends a running Todo Run seeded with planned items and
// makes it the active run. A still running previous run is marked failed.
func (s *Store) StartTodoRun(ctx context.Context, sessionID string, spec RunSpec) (*TodoRun, error) {
	var out *TodoRun
	err := s.mutate(ctx, sessionID, func(sess *Session, now time.Time) error {
		if prev := findRun(sess, sess.Metadata.ActiveTodoRunID); prev != nil && prev.Status == RunRunning {
			finishRun(prev, RunFailed, now)
			s.logger.WithSession(sessionID).WithRun(prev.ID).Warn("todo run superseded before finishing")
		}

		run := TodoRun{
			ID:          "run_" + uuid.NewString(),
			UserMessage: spec.UserMessage,
			StockCode:   spec.StockCode,
			ThinkHard:   spec.ThinkHard,
			Skill:       spec.Skill,
			Status:      RunRunning,
			Todos:       make([]TodoItem, 0, len(spec.Planned)),
			CreatedAt:   now,
			UpdatedAt:   now,
		}
		for _, p := range spec.Planned {
			run.Todos = append(run.Todos, TodoItem{
				ID:        newTodoID(),
				Title:     p.Title,
				Status:    TodoPending,
				ToolName:  p.ToolName,
				CreatedAt: now,
				UpdatedAt: now,
			})
		}

		runs := append(sess.Metadata.TodoRuns, run)
		if len(runs) > s.runRetention {
			runs = append([]TodoRun(nil), runs[len(runs)-s.runRetention:]...)
		}
		sess.Metadata.TodoRuns = runs
		sess.Metadata.ActiveTodoRunID = run.ID
		out = run.Clone()
		return nil
	})
	return out, err
}

// UpsertTodoForToolCall records progress of a tool call. The first write
// for a call id creates its item, or binds the first pending planned item
// for the same tool; later writes update status, result preview and error
// only.
func (s *Store) UpsertTodoForToolCall(ctx context.Context, sessionID, runID string, u TodoUpdate) (*TodoItem, error) {
	if u.ToolCallID == "" {
		return nil, errors.New("upsert todo: tool call id is required")
	}

	var out TodoItem
	err := s.mutate(ctx, sessionID, func(sess *Session, now time.Time) error {
		run := findRun(sess, runID)
		if run == nil {
			return fmt.Errorf("%w: %s", ErrTodoRunNotFound, runID)
		}

		idx := -1
		for i := range run.Todos {
			if run.Todos[i].ToolCallID == u.ToolCallID {
				idx = i
				break
			}
		}
		if idx < 0 && u.ToolName != "" {
			for i := range run.Todos {
				t := &run.Todos[i]
				if t.ToolCallID == "" && t.ToolName == u.ToolName && t.Status == TodoPending {
					t.ToolCallID = u.ToolCallID
					t.ToolArgs = u.ToolArgs
					idx = i
					break
				}
			}
		}

		if idx < 0 {
			status := u.Status
			if status == "" {
				status = TodoInProgress
			}
			title := u.Title
			if title == "" {
				title = defaultTodoTitle(u.ToolName)
			}
			run.Todos = append(run.Todos, TodoItem{
				ID:            newTodoID(),
				Title:         title,
				Status:        status,
				ToolCallID:    u.ToolCallID,
				ToolName:      u.ToolName,
				ToolArgs:      u.ToolArgs,
				ResultPreview: truncate(u.ResultPreview, previewLimit),
				Error:         u.Error,
				CreatedAt:     now,
				UpdatedAt:     now,
			})
			idx = len(run.Todos) - 1
		} else {
			t := &run.Todos[idx]
			if u.Status != "" {
				t.Status = u.Status
			}
			if u.ResultPreview != "" {
				t.ResultPreview = truncate(u.ResultPreview, previewLimit)
			}
			if u.Error != "" {
				t.Error = u.Error
			}
			t.UpdatedAt = now
		}

		run.UpdatedAt = now
		out = run.Todos[idx]
		out.ToolArgs = append([]byte(nil), out.ToolArgs...)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// UpdateTodoStatus sets the status of one item. detail becomes the error of
// a failed item and the result preview otherwise.
func (s *Store) UpdateTodoStatus(ctx context.Context, sessionID, runID, todoID string, status TodoStatus, detail string) error {
	return s.mutate(ctx, sessionID, func(sess *Session, now time.Time) error {
		run := findRun(sess, runID)
		if run == nil {
			return fmt.Errorf("%w: %s", ErrTodoRunNotFound, runID)
		}
		for i := range run.Todos {
			t := &run.Todos[i]
			if t.ID != todoID {
				continue
			}
			t.Status = status
			if detail != "" {
				if status == TodoFailed {
					t.Error = detail
				} else {
					t.ResultPreview = truncate(detail, previewLimit)
				}
			}
			t.UpdatedAt = now
			run.UpdatedAt = now
			return nil
		}
		return fmt.Errorf("%w: %s", ErrTodoNotFound, todoID)
	})
}

// FinishTodoRun closes a run and clears the active pointer when it points
// at that run. Pending items become skipped; items still in progress fail.
func (s *Store) FinishTodoRun(ctx context.Context, sessionID, runID string, status RunStatus) error {
	if status != RunCompleted && status != RunFailed {
		return fmt.Errorf("finish todo run: invalid terminal status %q", status)
	}
	return s.mutate(ctx, sessionID, func(sess *Session, now time.Time) error {
		run := findRun(sess, runID)
		if run == nil {
			return fmt.Errorf("%w: %s", ErrTodoRunNotFound, runID)
		}
		finishRun(run, status, now)
		if sess.Metadata.ActiveTodoRunID == runID {
			sess.Metadata.ActiveTodoRunID = ""
		}
		return nil
	})
}

// GetActiveTodoRun returns a snapshot of the active run.
func (s *Store) GetActiveTodoRun(ctx context.Context, sessionID string) (*TodoRun, error) {
	var out *TodoRun
	err := s.read(ctx, sessionID, func(sess *Session) error {
		run := findRun(sess, sess.Metadata.ActiveTodoRunID)
		if run == nil {
			return fmt.Errorf("%w: no active run in session %s", ErrTodoRunNotFound, sessionID)
		}
		out = run.Clone()
		return nil
	})
	return out, err
}

// GetLatestTodoRun returns a snapshot of the newest run, finished or not.
func (s *Store) GetLatestTodoRun(ctx context.Context, sessionID string) (*TodoRun, error) {
	var out *TodoRun
	err := s.read(ctx, sessionID, func(sess *Session) error {
		runs := sess.Metadata.TodoRuns
		if len(runs) == 0 {
			return fmt.Errorf("%w: session %s has no runs", ErrTodoRunNotFound, sessionID)
		}
		out = runs[len(runs)-1].Clone()
		return nil
	})
	return out, err
}

// RecordTask appends a task record, keeping the newest ones.
func (s *Store) RecordTask(ctx context.Context, sessionID string, rec TaskRecord) error {
	return s.mutate(ctx, sessionID, func(sess *Session, now time.Time) error {
		if rec.At.IsZero() {
			rec.At = now
		}
		h := append(sess.Metadata.TaskHistory, rec)
		if len(h) > s.historyRetention {
			h = append([]TaskRecord(nil), h[len(h)-s.historyRetention:]...)
		}
		sess.Metadata.TaskHistory = h
		return nil
	})
}

// AddTokenUsage accumulates token counts.
func (s *Store) AddTokenUsage(ctx context.Context, sessionID string, u TokenUsage) error {
	return s.mutate(ctx, sessionID, func(sess *Session, now time.Time) error {
		sess.Metadata.TokenUsage.PromptTokens += u.PromptTokens
		sess.Metadata.TokenUsage.CompletionTokens += u.CompletionTokens
		sess.Metadata.TokenUsage.TotalTokens += u.TotalTokens
		return nil
	})
}

// SetStockCode sets the security the session is about.
func (s *Store) SetStockCode(ctx context.Context, sessionID, code string) error {
	return s.mutate(ctx, sessionID, func(sess *Session, now time.Time) error {
		sess.Metadata.StockCode = code
		return nil
	})
}

// ListSessions summarizes sessions, most recently updated first.
func (s *Store) ListSessions(ctx context.Context) ([]SessionInfo, error) {
	if s.readThrough {
		if _, err := s.Load(ctx); err != nil {
			return nil, err
		}
	}

	s.mu.Lock()
	infos := make([]SessionInfo, 0, len(s.sessions))
	for _, sess := range s.sessions {
		infos = append(infos, sess.Info())
	}
	s.mu.Unlock()

	sort.Slice(infos, func(i, j int) bool {
		return infos[i].UpdatedAt.After(infos[j].UpdatedAt)
	})
	return infos, nil
}

// DeleteSession removes the session from cache and backend.
func (s *Store) DeleteSession(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.getLocked(ctx, id); err != nil {
		return err
	}
	return s.deleteLocked(ctx, id)
}

// Cleanup deletes sessions idle for longer than maxAge and returns how many
// were removed.
func (s *Store) Cleanup(ctx context.Context, maxAge time.Duration) (int, error) {
	if maxAge <= 0 {
		return 0, nil
	}
	cutoff := s.now().Add(-maxAge)

	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for id, sess := range s.sessions {
		if !sess.UpdatedAt.Before(cutoff) {
			continue
		}
		if err := s.deleteLocked(ctx, id); err != nil {
			return removed, err
		}
		removed++
	}
	if removed > 0 {
		s.logger.Info("expired sessions removed", "count", removed, "max_age", maxAge)
	}
	return removed, nil
}

func (s *Store) deleteLocked(ctx context.Context, id string) error {
	if err := s.backend.Delete(ctx, id); err != nil {
		return err
	}
	delete(s.sessions, id)

	s.locksMu.Lock()
	if ch, ok := s.locks[id]; ok && len(ch) == 0 {
		delete(s.locks, id)
	}
	s.locksMu.Unlock()
	return nil
}

// getLocked returns the cached session, falling back to the backend on a
// miss. With read-through enabled reads always hit the backend.
func (s *Store) getLocked(ctx context.Context, id string) (*Session, error) {
	if sess, ok := s.sessions[id]; ok && !s.readThrough {
		return sess, nil
	}
	if !ValidSessionID(id) {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	sess, err := s.backend.Load(ctx, id)
	if err != nil {
		return nil, err
	}
	s.sessions[id] = sess
	return sess, nil
}

func (s *Store) read(ctx context.Context, id string, fn func(*Session) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, err := s.getLocked(ctx, id)
	if err != nil {
		return err
	}
	return fn(sess)
}

func (s *Store) mutate(ctx context.Context, id string, fn func(*Session, time.Time) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, err := s.getLocked(ctx, id)
	if err != nil {
		return err
	}
	now := s.now()
	if err := fn(sess, now); err != nil {
		return err
	}
	sess.UpdatedAt = now
	return s.persistLocked(ctx, sess)
}

func (s *Store) persistLocked(ctx context.Context, sess *Session) error {
	if err := s.backend.Save(ctx, sess); err != nil {
		s.logger.WithSession(sess.ID).WithError(err).Error("session write-through failed")
		return fmt.Errorf("persist session %s: %w", sess.ID, err)
	}
	return nil
}

func findRun(sess *Session, runID string) *TodoRun {
	if runID == "" {
		return nil
	}
	for i := range sess.Metadata.TodoRuns {
		if sess.Metadata.TodoRuns[i].ID == runID {
			return &sess.Metadata.TodoRuns[i]
		}
	}
	return nil
}

func finishRun(run *TodoRun, status RunStatus, now time.Time) {
	for i := range run.Todos {
		t := &run.Todos[i]
		switch t.Status {
		case TodoPending:
			t.Status = TodoSkipped
			t.UpdatedAt = now
		case TodoInProgress:
			t.Status = TodoFailed
			if t.Error == "" {
				t.Error = "run ended before the step finished"
			}
			t.UpdatedAt = now
		}
	}
	run.Status = status
	run.UpdatedAt = now
	at := now
	run.FinishedAt = &at
}

func newTodoID() string {
	return "todo_" + uuid.NewString()[:8]
}

func defaultTodoTitle(toolName string) string {
	if toolName == "" {
		return "Run step"
	}
	return "Call " + toolName
}

// generateTitle uses the first line of the first user message.
func generateTitle(sess *Session) string {
	for _, msg := range sess.Messages {
		if msg.Role != RoleUser || strings.TrimSpace(msg.Content) == "" {
			continue
		}
		content := strings.TrimSpace(msg.Content)
		if idx := strings.IndexByte(content, '\n'); idx != -1 {
			content = content[:idx]
		}
		return truncate(content, titleLimit)
	}
	return ""
}

// truncate shortens s to at most n runes, marking the cut with "...".
func truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	r := []rune(s)
	return string(r[:n-3]) + "..."
}
