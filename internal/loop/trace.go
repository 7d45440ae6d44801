package loop

import "context"

// startCycleSpan opens the tracing span for one cycle, or a no-op when
// tracing is not wired.
func (l *Loop) startCycleSpan(ctx context.Context, focus string) (context.Context, func()) {
	if l.opts.Tracing == nil {
		return ctx, func() {}
	}
	ctx, span := l.opts.Tracing.StartCycle(ctx, focus)
	return ctx, func() { span.End() }
}

// startToolSpan opens the tracing span for one tool invocation.
func (l *Loop) startToolSpan(ctx context.Context, tool string) (context.Context, func()) {
	if l.opts.Tracing == nil {
		return ctx, func() {}
	}
	ctx, span := l.opts.Tracing.StartToolCall(ctx, tool)
	return ctx, func() { span.End() }
}
