package taskrunner

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nachoal/stock-agent-go/agent"
)

type workerFunc func(ctx context.Context, prompt string) (*agent.Response, error)

func (f workerFunc) Run(ctx context.Context, prompt string) (*agent.Response, error) {
	return f(ctx, prompt)
}

func staticFactory(w Worker) Factory {
	return func(string) (Worker, error) { return w, nil }
}

func echoWorker() Worker {
	return workerFunc(func(ctx context.Context, prompt string) (*agent.Response, error) {
		return &agent.Response{Content: "done: " + prompt, ToolsUsed: 2, Iterations: 3}, nil
	})
}

func TestRunTask_Success(t *testing.T) {
	r := New(staticFactory(echoWorker()))

	res := r.RunTask(context.Background(), Definition{ID: "t1", AgentType: "research", Prompt: "quote 600519", Context: "focus on volume"})
	assert.True(t, res.Success)
	assert.Equal(t, "done: quote 600519\n\nContext:\nfocus on volume", res.Output)
	assert.Equal(t, 2, res.ToolsUsed)
	assert.Equal(t, 3, res.Iterations)

	stored, ok := r.Result("t1")
	require.True(t, ok)
	assert.Equal(t, res, stored)
}

func TestRunTask_GeneratesID(t *testing.T) {
	res := New(staticFactory(echoWorker())).RunTask(context.Background(), Definition{Prompt: "x"})
	assert.True(t, strings.HasPrefix(res.ID, "task_"))
}

func TestRunTask_Timeout(t *testing.T) {
	slow := workerFunc(func(ctx context.Context, prompt string) (*agent.Response, error) {
		<-ctx.Done()
		time.Sleep(50 * time.Millisecond)
		return &agent.Response{Content: "late"}, nil
	})
	r := New(staticFactory(slow))

	start := time.Now()
	res := r.RunTask(context.Background(), Definition{ID: "slow", Prompt: "x", Timeout: 30 * time.Millisecond})
	assert.Less(t, time.Since(start), 500*time.Millisecond)

	assert.False(t, res.Success)
	assert.Contains(t, res.Error, "timed out")
	assert.Empty(t, res.Output)
}

func TestRunTask_Failures(t *testing.T) {
	cases := map[string]Factory{
		"worker error": staticFactory(workerFunc(func(ctx context.Context, prompt string) (*agent.Response, error) {
			return nil, errors.New("backend down")
		})),
		"panic": staticFactory(workerFunc(func(ctx context.Context, prompt string) (*agent.Response, error) {
			panic("bad state")
		})),
		"factory error": func(string) (Worker, error) { return nil, errors.New("unknown agent type") },
	}

	for name, factory := range cases {
		t.Run(name, func(t *testing.T) {
			res := New(factory).RunTask(context.Background(), Definition{ID: "t", Prompt: "x"})
			assert.False(t, res.Success)
			assert.NotEmpty(t, res.Error)
		})
	}
}

func TestRunParallel_ChunksSettleBeforeNextChunk(t *testing.T) {
	var (
		mu      sync.Mutex
		started = map[string]time.Time{}
		ended   = map[string]time.Time{}
		current int32
		peak    int32
	)

	w := workerFunc(func(ctx context.Context, prompt string) (*agent.Response, error) {
		mu.Lock()
		started[prompt] = time.Now()
		mu.Unlock()

		n := atomic.AddInt32(&current, 1)
		for {
			p := atomic.LoadInt32(&peak)
			if n <= p || atomic.CompareAndSwapInt32(&peak, p, n) {
				break
			}
		}
		time.Sleep(20 * time.Millisecond)
		atomic.AddInt32(&current, -1)

		mu.Lock()
		ended[prompt] = time.Now()
		mu.Unlock()
		return &agent.Response{Content: prompt}, nil
	})

	defs := make([]Definition, 7)
	for i := range defs {
		defs[i] = Definition{ID: fmt.Sprintf("t%d", i), Prompt: fmt.Sprintf("p%d", i)}
	}

	results := New(staticFactory(w)).RunParallel(context.Background(), defs)
	require.Len(t, results, 7)
	for i, res := range results {
		assert.Equal(t, fmt.Sprintf("t%d", i), res.ID)
		assert.True(t, res.Success)
	}
	assert.LessOrEqual(t, atomic.LoadInt32(&peak), int32(3))

	var lastOfFirstChunk time.Time
	for i := 0; i < 3; i++ {
		if e := ended[fmt.Sprintf("p%d", i)]; e.After(lastOfFirstChunk) {
			lastOfFirstChunk = e
		}
	}
	for i := 3; i < 6; i++ {
		assert.False(t, started[fmt.Sprintf("p%d", i)].Before(lastOfFirstChunk))
	}
}

func TestRunParallel_FailuresDoNotShortCircuit(t *testing.T) {
	w := workerFunc(func(ctx context.Context, prompt string) (*agent.Response, error) {
		if prompt == "bad" {
			return nil, errors.New("nope")
		}
		return &agent.Response{Content: prompt}, nil
	})
	results := New(staticFactory(w)).RunParallel(context.Background(), []Definition{
		{ID: "a", Prompt: "bad"}, {ID: "b", Prompt: "good"}, {ID: "c", Prompt: "good"}, {ID: "d", Prompt: "good"},
	})
	require.Len(t, results, 4)
	assert.False(t, results[0].Success)
	assert.True(t, results[1].Success)
	assert.True(t, results[3].Success)
}

func TestRunWithDependencies_Order(t *testing.T) {
	var mu sync.Mutex
	var order []string
	prompts := map[string]string{}

	w := workerFunc(func(ctx context.Context, prompt string) (*agent.Response, error) {
		id := strings.SplitN(prompt, "\n", 2)[0]
		mu.Lock()
		order = append(order, id)
		prompts[id] = prompt
		mu.Unlock()
		return &agent.Response{Content: "output of " + id}, nil
	})

	defs := []Definition{
		{ID: "report", Prompt: "report", Dependencies: []string{"quote", "technicals"}},
		{ID: "technicals", Prompt: "technicals", Dependencies: []string{"quote"}},
		{ID: "quote", Prompt: "quote"},
	}

	results, err := New(staticFactory(w)).RunWithDependencies(context.Background(), defs)
	require.NoError(t, err)
	require.Len(t, results, 3)
	assert.Equal(t, []string{"quote", "technicals", "report"}, order)

	assert.Equal(t, "report", results[0].ID)
	assert.Contains(t, prompts["report"], "- [quote] output of quote")
	assert.Contains(t, prompts["report"], "- [technicals] output of technicals")
	assert.NotContains(t, prompts["quote"], "prerequisite")
}

func TestRunWithDependencies_CycleFailsFast(t *testing.T) {
	var ran int32
	w := workerFunc(func(ctx context.Context, prompt string) (*agent.Response, error) {
		atomic.AddInt32(&ran, 1)
		return &agent.Response{}, nil
	})

	_, err := New(staticFactory(w)).RunWithDependencies(context.Background(), []Definition{
		{ID: "a", Prompt: "a", Dependencies: []string{"b"}},
		{ID: "b", Prompt: "b", Dependencies: []string{"a"}},
	})
	require.ErrorIs(t, err, ErrDependencyCycle)
	assert.Contains(t, err.Error(), "a, b")
	assert.EqualValues(t, 0, atomic.LoadInt32(&ran))
}

func TestRunWithDependencies_ValidatesInput(t *testing.T) {
	r := New(staticFactory(echoWorker()))

	_, err := r.RunWithDependencies(context.Background(), []Definition{{ID: "a", Dependencies: []string{"ghost"}}})
	assert.ErrorIs(t, err, ErrMissingDependency)

	_, err = r.RunWithDependencies(context.Background(), []Definition{{ID: "a"}, {ID: "a"}})
	assert.ErrorIs(t, err, ErrDuplicateTask)
}

func TestSummaryAndHooks(t *testing.T) {
	var starts, finishes int32
	ctx := WithHooks(context.Background(), Hooks{
		OnStart:  func(Definition) { atomic.AddInt32(&starts, 1) },
		OnFinish: func(Definition, Result) { atomic.AddInt32(&finishes, 1) },
	})

	w := workerFunc(func(ctx context.Context, prompt string) (*agent.Response, error) {
		if prompt == "fail" {
			return nil, errors.New("x")
		}
		return &agent.Response{ToolsUsed: 1}, nil
	})
	r := New(staticFactory(w))
	r.RunParallel(ctx, []Definition{{ID: "a", Prompt: "ok"}, {ID: "b", Prompt: "fail"}})

	s := r.Summary()
	assert.Equal(t, 2, s.Total)
	assert.Equal(t, 1, s.Succeeded)
	assert.Equal(t, 1, s.Failed)
	assert.Equal(t, 1, s.ToolsByTask["a"])
	assert.Contains(t, s.String(), "2 tasks: 1 succeeded, 1 failed")
	assert.EqualValues(t, 2, starts)
	assert.EqualValues(t, 2, finishes)

	r.Reset()
	assert.Empty(t, r.Results())
}
