package registry

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/nachoal/stock-agent-go/internal/logging"
	"github.com/nachoal/stock-agent-go/internal/metrics"
	"github.com/nachoal/stock-agent-go/tools"
	"github.com/nachoal/stock-agent-go/tools/limiter"
)

// RetryPolicy bounds attempts per tool call. Attempt n (1-based) that fails
// waits BaseDelay * 2^(n-1) before the next one.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
}

// DefaultRetryPolicy is three attempts with 1s, 2s backoff.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: 3, BaseDelay: time.Second}
}

// NoRetry runs each call exactly once.
func NoRetry() RetryPolicy {
	return RetryPolicy{MaxAttempts: 1}
}

// Delay returns the wait after the given failed attempt.
func (p RetryPolicy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	return p.BaseDelay << (attempt - 1)
}

// Executor runs tool calls from one registry through a shared limiter.
type Executor struct {
	registry *Registry
	limiter  limiter.Limiter
	retry    RetryPolicy
	parallel bool
	logger   *logging.Logger
	metrics  *metrics.Metrics
}

// ExecutorOption configures an Executor.
type ExecutorOption func(*Executor)

// WithLimiter sets the concurrency gate.
func WithLimiter(l limiter.Limiter) ExecutorOption {
	return func(e *Executor) {
		if l != nil {
			e.limiter = l
		}
	}
}

// WithRetryPolicy sets the retry policy.
func WithRetryPolicy(p RetryPolicy) ExecutorOption {
	return func(e *Executor) {
		if p.MaxAttempts < 1 {
			p.MaxAttempts = 1
		}
		e.retry = p
	}
}

// WithParallel toggles concurrent dispatch of a batch.
func WithParallel(parallel bool) ExecutorOption {
	return func(e *Executor) { e.parallel = parallel }
}

// WithExecutorLogger sets the logger.
func WithExecutorLogger(l *logging.Logger) ExecutorOption {
	return func(e *Executor) {
		if l != nil {
			e.logger = l
		}
	}
}

// WithExecutorMetrics sets the metrics sink.
func WithExecutorMetrics(m *metrics.Metrics) ExecutorOption {
	return func(e *Executor) { e.metrics = m }
}

// NewExecutor creates an executor. Without options it is parallel,
// unlimited and uses DefaultRetryPolicy.
func NewExecutor(r *Registry, opts ...ExecutorOption) *Executor {
	e := &Executor{
		registry: r,
		limiter:  limiter.Unlimited(),
		retry:    DefaultRetryPolicy(),
		parallel: true,
		logger:   logging.Nop(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Registry returns the registry the executor dispatches to.
func (e *Executor) Registry() *Registry {
	return e.registry
}

// ExecuteToolCall runs one call with retries. It never returns an error:
// failures are described in the result text and kept in Result.Error.
func (e *Executor) ExecuteToolCall(ctx context.Context, call tools.ToolCall) tools.ToolResult {
	start := time.Now()
	result := tools.ToolResult{ID: call.ID, Name: call.Name}

	if !e.registry.Has(call.Name) {
		result.Error = fmt.Errorf("%w: %s", ErrToolNotFound, call.Name)
		result.Result = fmt.Sprintf("Unknown tool: %s", call.Name)
		result.Duration = time.Since(start)
		e.metrics.ObserveToolCall(call.Name, false, result.Duration)
		return result
	}

	var lastErr error
	for attempt := 1; attempt <= e.retry.MaxAttempts; attempt++ {
		result.Attempts = attempt

		output, err := e.attempt(ctx, call)
		if err == nil {
			result.Result = output
			result.Duration = time.Since(start)
			e.metrics.ObserveToolCall(call.Name, true, result.Duration)
			return result
		}
		lastErr = err

		if !tools.IsRetryable(err) || attempt == e.retry.MaxAttempts || ctx.Err() != nil {
			break
		}

		delay := e.retry.Delay(attempt)
		e.logger.Debug("tool attempt failed, backing off",
			"tool", call.Name, "call_id", call.ID, "attempt", attempt, "delay", delay, "error", err)
		e.metrics.ToolRetry(call.Name)

		timer := time.NewTimer(delay)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			lastErr = errors.Join(err, ctx.Err())
		}
		if ctx.Err() != nil {
			break
		}
	}

	result.Error = lastErr
	result.Result = fmt.Sprintf("Tool %s failed after %d attempts: %v", call.Name, result.Attempts, lastErr)
	result.Duration = time.Since(start)
	e.metrics.ObserveToolCall(call.Name, false, result.Duration)
	e.logger.Warn("tool call failed", "tool", call.Name, "call_id", call.ID, "attempts", result.Attempts, "error", lastErr)
	return result
}

// attempt holds a limiter slot for exactly one execution.
func (e *Executor) attempt(ctx context.Context, call tools.ToolCall) (out string, err error) {
	if err := e.limiter.Acquire(ctx); err != nil {
		return "", err
	}
	e.metrics.ToolStarted()
	defer func() {
		e.metrics.ToolFinished()
		e.limiter.Release()
		if r := recover(); r != nil {
			err = fmt.Errorf("tool %s panicked: %v", call.Name, r)
		}
	}()
	return e.registry.Execute(ctx, call.Name, call.Arguments)
}

// ExecuteToolCalls runs a batch and waits for every call to settle.
// Results keep the order of calls.
func (e *Executor) ExecuteToolCalls(ctx context.Context, calls []tools.ToolCall) []tools.ToolResult {
	results := make([]tools.ToolResult, len(calls))
	if !e.parallel || len(calls) < 2 {
		for i, call := range calls {
			results[i] = e.ExecuteToolCall(ctx, call)
		}
		return results
	}

	var wg sync.WaitGroup
	for i, call := range calls {
		wg.Add(1)
		go func(idx int, tc tools.ToolCall) {
			defer wg.Done()
			results[idx] = e.ExecuteToolCall(ctx, tc)
		}(i, call)
	}
	wg.Wait()
	return results
}
