package instrument

import "context"

// NoopInstrumenter discards all spans. Used when metrics are disabled.
type NoopInstrumenter struct{}

func (n *NoopInstrumenter) StartSpan(ctx context.Context, source, component, action string) (context.Context, Span) {
	return ctx, &NoopSpan{traceID: GetTraceID(ctx)}
}

func (n *NoopInstrumenter) EmitBusinessEvent(context.Context, string, string, string, map[string]any) {
}

// NoopSpan discards all data.
type NoopSpan struct {
	traceID string
}

func (n *NoopSpan) End()                     {}
func (n *NoopSpan) SetStatus(string)         {}
func (n *NoopSpan) SetMetadata(string, any)  {}
func (n *NoopSpan) SetEntity(string, string) {}
func (n *NoopSpan) TraceID() string          { return n.traceID }
