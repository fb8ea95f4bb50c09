package history

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleSession(id string) *Session {
	now := time.Date(2025, 5, 6, 10, 0, 0, 0, time.UTC)
	finished := now.Add(time.Minute)
	return &Session{
		ID:        id,
		CreatedAt: now,
		UpdatedAt: now,
		Messages: []Message{
			{Role: RoleUser, Content: "贵州茅台今天走势如何？", Timestamp: now},
			{Role: RoleAssistant, ToolCalls: []ToolCall{{ID: "c1", Type: "function", Function: FunctionCall{Name: "get_stock_quote", Arguments: `{"code":"600519"}`}}}, Timestamp: now},
		},
		Metadata: Metadata{
			Title:     "贵州茅台今天走势如何？",
			StockCode: "600519",
			TodoRuns: []TodoRun{{
				ID:         "run_1",
				Status:     RunCompleted,
				Todos:      []TodoItem{{ID: "todo_1", Title: "Fetch quote", Status: TodoCompleted, ToolCallID: "c1"}},
				CreatedAt:  now,
				UpdatedAt:  now,
				FinishedAt: &finished,
			}},
			TokenUsage: TokenUsage{TotalTokens: 42},
		},
	}
}

func exerciseBackend(t *testing.T, b Backend) {
	t.Helper()
	ctx := context.Background()

	_, err := b.Load(ctx, "nope")
	assert.ErrorIs(t, err, ErrSessionNotFound)

	s := sampleSession("b1")
	require.NoError(t, b.Save(ctx, s))
	require.NoError(t, b.Save(ctx, sampleSession("b2")))

	s.Metadata.StockCode = "000858"
	require.NoError(t, b.Save(ctx, s), "save overwrites")

	got, err := b.Load(ctx, "b1")
	require.NoError(t, err)
	assert.Equal(t, "000858", got.Metadata.StockCode)
	assert.Equal(t, s.Messages[0].Content, got.Messages[0].Content)
	assert.Equal(t, `{"code":"600519"}`, got.Messages[1].ToolCalls[0].Function.Arguments)
	require.Len(t, got.Metadata.TodoRuns, 1)
	assert.True(t, s.Metadata.TodoRuns[0].FinishedAt.Equal(*got.Metadata.TodoRuns[0].FinishedAt))

	ids, err := b.List(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"b1", "b2"}, ids)

	require.NoError(t, b.Delete(ctx, "b1"))
	require.NoError(t, b.Delete(ctx, "b1"), "delete is idempotent")
	ids, err = b.List(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"b2"}, ids)
}

func TestMemoryBackend(t *testing.T) {
	exerciseBackend(t, NewMemoryBackend())
}

func TestFileBackend(t *testing.T) {
	dir := t.TempDir()
	b, err := NewFileBackend(dir)
	require.NoError(t, err)
	exerciseBackend(t, b)

	_, err = os.Stat(filepath.Join(dir, "b2.json"))
	assert.NoError(t, err)

	// Stray files are not sessions.
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("x"), 0644))
	ids, err := b.List(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"b2"}, ids)
}

func TestSQLiteBackend(t *testing.T) {
	b, err := NewSQLiteBackend(filepath.Join(t.TempDir(), "sessions.db"))
	require.NoError(t, err)
	defer b.Close()
	exerciseBackend(t, b)
}

func TestRedisBackend(t *testing.T) {
	url := os.Getenv("REDIS_URL")
	if url == "" {
		t.Skip("REDIS_URL not set")
	}
	b, err := NewRedisBackendFromURL(url, "stock-agent-test-"+uuid.NewString()[:8], time.Minute)
	require.NoError(t, err)
	defer b.Close()
	exerciseBackend(t, b)
	require.NoError(t, b.Delete(context.Background(), "b2"))
}

func TestStoreOverFileBackendSurvivesRestart(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	b1, err := NewFileBackend(dir)
	require.NoError(t, err)
	first := NewStore(b1)
	_, err = first.GetOrCreateSession(ctx, "persisted", SessionContext{StockCode: "600036"})
	require.NoError(t, err)
	run, err := first.StartTodoRun(ctx, "persisted", RunSpec{UserMessage: "quote"})
	require.NoError(t, err)

	b2, err := NewFileBackend(dir)
	require.NoError(t, err)
	second := NewStore(b2)
	n, err := second.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	active, err := second.GetActiveTodoRun(ctx, "persisted")
	require.NoError(t, err)
	assert.Equal(t, run.ID, active.ID)
}
