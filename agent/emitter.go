package agent

import "context"

type emitterKey struct{}

// Emitter receives events produced while tools run. It must be safe for
// concurrent use.
type Emitter func(StreamEvent)

// WithEmitter attaches fn to ctx so tools can publish events into the
// surrounding stream.
func WithEmitter(ctx context.Context, fn Emitter) context.Context {
	if fn == nil {
		return ctx
	}
	return context.WithValue(ctx, emitterKey{}, fn)
}

// EmitFromContext publishes ev to the stream attached to ctx, if any.
func EmitFromContext(ctx context.Context, ev StreamEvent) {
	if fn, ok := ctx.Value(emitterKey{}).(Emitter); ok {
		fn(ev)
	}
}
