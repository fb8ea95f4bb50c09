package history

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2025, 3, 10, 9, 30, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func newTestStore(t *testing.T, opts ...StoreOption) (*Store, *MemoryBackend) {
	t.Helper()
	b := NewMemoryBackend()
	return NewStore(b, opts...), b
}

func TestGetOrCreateSession(t *testing.T) {
	ctx := context.Background()
	s, b := newTestStore(t)

	created, err := s.GetOrCreateSession(ctx, "", SessionContext{StockCode: "600519"})
	require.NoError(t, err)
	assert.NotEmpty(t, created.ID)
	assert.Equal(t, "600519", created.Metadata.StockCode)
	assert.Equal(t, 1, b.Saves())

	again, err := s.GetOrCreateSession(ctx, created.ID, SessionContext{})
	require.NoError(t, err)
	assert.Equal(t, created.ID, again.ID)
	assert.Equal(t, "600519", again.Metadata.StockCode)
	assert.Equal(t, 1, b.Saves(), "unchanged session is not rewritten")

	detail := true
	updated, err := s.GetOrCreateSession(ctx, created.ID, SessionContext{StockCode: "000858", DetailMode: &detail})
	require.NoError(t, err)
	assert.Equal(t, "000858", updated.Metadata.StockCode)
	assert.True(t, updated.Metadata.DetailMode)

	_, err = s.GetOrCreateSession(ctx, "../etc/passwd", SessionContext{})
	assert.ErrorIs(t, err, ErrInvalidSessionID)

	_, err = s.GetSession(ctx, "missing")
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestAddMessages_WriteThroughAndTitle(t *testing.T) {
	ctx := context.Background()
	s, b := newTestStore(t)
	sess, err := s.GetOrCreateSession(ctx, "s1", SessionContext{})
	require.NoError(t, err)

	require.NoError(t, s.AddMessage(ctx, sess.ID, Message{Role: RoleUser, Content: "How is Kweichow Moutai doing today?\nThanks"}))
	require.NoError(t, s.AddMessage(ctx, sess.ID, Message{Role: RoleAssistant, Content: "It is up 2%."}))

	stored, err := b.Load(ctx, "s1")
	require.NoError(t, err)
	require.Len(t, stored.Messages, 2)
	assert.Equal(t, "How is Kweichow Moutai doing today?", stored.Metadata.Title)
	assert.False(t, stored.Messages[0].Timestamp.IsZero())
}

func TestAddMessages_Compacts(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t, WithCompaction(CompactionPolicy{MaxMessages: 10, KeepRecent: 3, SampleEvery: 2}))
	_, err := s.GetOrCreateSession(ctx, "s1", SessionContext{})
	require.NoError(t, err)

	require.NoError(t, s.AddMessage(ctx, "s1", Message{Role: RoleSystem, Content: "system"}))
	for i := 0; i < 10; i++ {
		require.NoError(t, s.AddMessage(ctx, "s1", Message{Role: RoleUser, Content: fmt.Sprint("m", i)}))
	}

	sess, err := s.GetSession(ctx, "s1")
	require.NoError(t, err)
	// 11 messages: older 8 hold the system and m0..m6, sampled m0 m2 m4 m6.
	assert.Len(t, sess.Messages, 3+1+4+1)
	assert.Equal(t, "system", sess.Messages[0].Content)
	assert.Equal(t, "m9", sess.Messages[len(sess.Messages)-1].Content)
	assert.Equal(t, 1, sess.Metadata.Compactions)
}

func TestUpsertTodoForToolCall_SameCallUpdatesOneItem(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t)
	_, err := s.GetOrCreateSession(ctx, "s1", SessionContext{})
	require.NoError(t, err)
	run, err := s.StartTodoRun(ctx, "s1", RunSpec{UserMessage: "quote 600519"})
	require.NoError(t, err)

	_, err = s.UpsertTodoForToolCall(ctx, "s1", run.ID, TodoUpdate{
		ToolCallID: "call_1", ToolName: "get_stock_quote", ToolArgs: []byte(`{"code":"600519"}`), Status: TodoInProgress,
	})
	require.NoError(t, err)
	item, err := s.UpsertTodoForToolCall(ctx, "s1", run.ID, TodoUpdate{
		ToolCallID: "call_1", ToolName: "get_stock_quote", Title: "ignored", Status: TodoCompleted, ResultPreview: "price 1688",
	})
	require.NoError(t, err)
	assert.Equal(t, TodoCompleted, item.Status)

	latest, err := s.GetActiveTodoRun(ctx, "s1")
	require.NoError(t, err)
	require.Len(t, latest.Todos, 1)
	todo := latest.Todos[0]
	assert.Equal(t, TodoCompleted, todo.Status)
	assert.Equal(t, "Call get_stock_quote", todo.Title)
	assert.Equal(t, "price 1688", todo.ResultPreview)
	assert.JSONEq(t, `{"code":"600519"}`, string(todo.ToolArgs))
}

func TestUpsertTodoForToolCall_BindsPlannedItem(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t)
	_, err := s.GetOrCreateSession(ctx, "s1", SessionContext{})
	require.NoError(t, err)
	run, err := s.StartTodoRun(ctx, "s1", RunSpec{
		UserMessage: "technical view",
		Planned: []PlannedTodo{
			{Title: "Fetch quote", ToolName: "get_stock_quote"},
			{Title: "Read indicators", ToolName: "get_technical_indicators"},
			{Title: "Write conclusion"},
		},
	})
	require.NoError(t, err)
	require.Len(t, run.Todos, 3)
	assert.Equal(t, TodoPending, run.Todos[0].Status)

	_, err = s.UpsertTodoForToolCall(ctx, "s1", run.ID, TodoUpdate{ToolCallID: "c9", ToolName: "get_technical_indicators", Status: TodoInProgress})
	require.NoError(t, err)
	_, err = s.UpsertTodoForToolCall(ctx, "s1", run.ID, TodoUpdate{ToolCallID: "c10", ToolName: "get_fund_flow", Status: TodoInProgress})
	require.NoError(t, err)

	got, err := s.GetActiveTodoRun(ctx, "s1")
	require.NoError(t, err)
	require.Len(t, got.Todos, 4)
	assert.Equal(t, "c9", got.Todos[1].ToolCallID)
	assert.Equal(t, "Read indicators", got.Todos[1].Title)
	assert.Equal(t, TodoInProgress, got.Todos[1].Status)
	assert.Equal(t, "Call get_fund_flow", got.Todos[3].Title)

	require.NoError(t, s.UpdateTodoStatus(ctx, "s1", run.ID, got.Todos[2].ID, TodoCompleted, "done"))
	require.NoError(t, s.FinishTodoRun(ctx, "s1", run.ID, RunCompleted))

	_, err = s.GetActiveTodoRun(ctx, "s1")
	assert.ErrorIs(t, err, ErrTodoRunNotFound)

	final, err := s.GetLatestTodoRun(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, RunCompleted, final.Status)
	require.NotNil(t, final.FinishedAt)
	assert.Equal(t, TodoSkipped, final.Todos[0].Status, "unused planned step")
	assert.Equal(t, TodoFailed, final.Todos[1].Status, "unfinished step")
	assert.Equal(t, TodoCompleted, final.Todos[2].Status)
	assert.Equal(t, TodoFailed, final.Todos[3].Status)
	done, total := final.Progress()
	assert.Equal(t, 4, done)
	assert.Equal(t, 4, total)
}

func TestUpsertTodoForToolCall_Errors(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t)
	_, err := s.GetOrCreateSession(ctx, "s1", SessionContext{})
	require.NoError(t, err)

	_, err = s.UpsertTodoForToolCall(ctx, "s1", "run_missing", TodoUpdate{ToolCallID: "c1"})
	assert.ErrorIs(t, err, ErrTodoRunNotFound)
	_, err = s.UpsertTodoForToolCall(ctx, "s1", "run_missing", TodoUpdate{})
	assert.Error(t, err)
	assert.Error(t, s.FinishTodoRun(ctx, "s1", "run_missing", RunRunning))
}

func TestStartTodoRun_RetentionAndActive(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t)
	_, err := s.GetOrCreateSession(ctx, "s1", SessionContext{})
	require.NoError(t, err)

	var ids []string
	for i := 0; i < 25; i++ {
		run, err := s.StartTodoRun(ctx, "s1", RunSpec{UserMessage: fmt.Sprint("turn ", i)})
		require.NoError(t, err)
		ids = append(ids, run.ID)
	}

	sess, err := s.GetSession(ctx, "s1")
	require.NoError(t, err)
	require.Len(t, sess.Metadata.TodoRuns, DefaultTodoRunRetention)
	assert.Equal(t, ids[5], sess.Metadata.TodoRuns[0].ID, "oldest runs evicted")
	assert.Equal(t, ids[24], sess.Metadata.ActiveTodoRunID)

	// Starting a new run while one is running fails the old one.
	assert.Equal(t, RunFailed, sess.Metadata.TodoRuns[18].Status)
	assert.Equal(t, RunRunning, sess.Metadata.TodoRuns[19].Status)
}

func TestSnapshotsAreDeepCopies(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t)
	_, err := s.GetOrCreateSession(ctx, "s1", SessionContext{})
	require.NoError(t, err)
	run, err := s.StartTodoRun(ctx, "s1", RunSpec{Planned: []PlannedTodo{{Title: "a"}}})
	require.NoError(t, err)

	snap, err := s.GetActiveTodoRun(ctx, "s1")
	require.NoError(t, err)
	snap.Todos[0].Title = "changed"
	snap.Status = RunFailed
	run.Todos[0].Title = "changed too"

	again, err := s.GetActiveTodoRun(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, "a", again.Todos[0].Title)
	assert.Equal(t, RunRunning, again.Status)
}

func TestRecordTaskAndTokenUsage(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t)
	_, err := s.GetOrCreateSession(ctx, "s1", SessionContext{})
	require.NoError(t, err)

	require.NoError(t, s.RecordTask(ctx, "s1", TaskRecord{Query: "q", Agent: "general", ToolsUsed: 2, Success: true}))
	require.NoError(t, s.AddTokenUsage(ctx, "s1", TokenUsage{PromptTokens: 10, CompletionTokens: 5, TotalTokens: 15}))
	require.NoError(t, s.AddTokenUsage(ctx, "s1", TokenUsage{PromptTokens: 1, CompletionTokens: 1, TotalTokens: 2}))
	require.NoError(t, s.SetStockCode(ctx, "s1", "300750"))

	sess, err := s.GetSession(ctx, "s1")
	require.NoError(t, err)
	require.Len(t, sess.Metadata.TaskHistory, 1)
	assert.False(t, sess.Metadata.TaskHistory[0].At.IsZero())
	assert.Equal(t, 17, sess.Metadata.TokenUsage.TotalTokens)
	assert.Equal(t, "300750", sess.Metadata.StockCode)
}

func TestLockSession_SerializesTurns(t *testing.T) {
	s, _ := newTestStore(t)

	unlock, err := s.LockSession(context.Background(), "s1")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = s.LockSession(ctx, "s1")
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	other, err := s.LockSession(context.Background(), "s2")
	require.NoError(t, err)
	other()

	unlock()
	unlock()
	again, err := s.LockSession(context.Background(), "s1")
	require.NoError(t, err)
	again()
}

func TestListDeleteAndCleanup(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	s, b := newTestStore(t, WithClock(clock.Now))

	_, err := s.GetOrCreateSession(ctx, "old", SessionContext{})
	require.NoError(t, err)
	clock.Advance(48 * time.Hour)
	_, err = s.GetOrCreateSession(ctx, "new", SessionContext{})
	require.NoError(t, err)
	clock.Advance(time.Hour)
	require.NoError(t, s.AddMessage(ctx, "new", Message{Role: RoleUser, Content: "hi"}))

	infos, err := s.ListSessions(ctx)
	require.NoError(t, err)
	require.Len(t, infos, 2)
	assert.Equal(t, "new", infos[0].ID)
	assert.Equal(t, 1, infos[0].Messages)

	removed, err := s.Cleanup(ctx, 24*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 1, removed)
	_, err = b.Load(ctx, "old")
	assert.ErrorIs(t, err, ErrSessionNotFound)

	require.NoError(t, s.DeleteSession(ctx, "new"))
	assert.ErrorIs(t, s.DeleteSession(ctx, "new"), ErrSessionNotFound)
	ids, err := b.List(ctx)
	require.NoError(t, err)
	assert.Empty(t, ids)
}

func TestLoadAndReadThrough(t *testing.T) {
	ctx := context.Background()
	backend := NewMemoryBackend()
	writer := NewStore(backend)
	_, err := writer.GetOrCreateSession(ctx, "s1", SessionContext{StockCode: "600519"})
	require.NoError(t, err)

	fresh := NewStore(backend)
	n, err := fresh.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	reader := NewStore(backend, WithReadThrough(true))
	_, err = reader.GetActiveTodoRun(ctx, "s1")
	assert.ErrorIs(t, err, ErrTodoRunNotFound)

	run, err := writer.StartTodoRun(ctx, "s1", RunSpec{UserMessage: "go"})
	require.NoError(t, err)

	active, err := reader.GetActiveTodoRun(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, run.ID, active.ID)

	infos, err := reader.ListSessions(ctx)
	require.NoError(t, err)
	require.Len(t, infos, 1)
	assert.True(t, infos[0].Active)
}
