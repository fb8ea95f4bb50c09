package taskrunner

import "context"

// Hooks observe task lifecycle. Either callback may be nil; both may be
// called from several goroutines at once.
type Hooks struct {
	OnStart  func(Definition)
	OnFinish func(Definition, Result)
}

type hooksKey struct{}

// WithHooks attaches lifecycle hooks to every task run under ctx.
func WithHooks(ctx context.Context, h Hooks) context.Context {
	return context.WithValue(ctx, hooksKey{}, h)
}

func hooksFromContext(ctx context.Context) Hooks {
	h, _ := ctx.Value(hooksKey{}).(Hooks)
	return h
}

func (h Hooks) start(d Definition) {
	if h.OnStart != nil {
		h.OnStart(d)
	}
}

func (h Hooks) finish(d Definition, r Result) {
	if h.OnFinish != nil {
		h.OnFinish(d, r)
	}
}
