package observer

import (
	"context"
	"sync"

	"github.com/mkalens/loom"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	otellog "go.opentelemetry.io/otel/log"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// ToolEvents converts the runtime's tool execution events into OTEL spans,
// metrics, and logs. Start events open a span; the matching end event
// (linked by its start sequence number) closes it. Safe for concurrent
// use; the runtime emits events from parallel workers.
type ToolEvents struct {
	inst *Instruments

	mu   sync.Mutex
	open map[int64]trace.Span
}

var _ loom.ToolObserver = (*ToolEvents)(nil)

// NewToolEvents returns an event sink suitable for loom.RunOptions.Observer.
func NewToolEvents(inst *Instruments) *ToolEvents {
	return &ToolEvents{inst: inst, open: make(map[int64]trace.Span)}
}

// OnToolEvent implements loom.ToolObserver.
func (t *ToolEvents) OnToolEvent(ev loom.ToolEvent) {
	switch ev.Type {
	case loom.EventToolStart:
		t.onStart(ev)
	case loom.EventToolEnd:
		t.onEnd(ev)
	}
}

func (t *ToolEvents) onStart(ev loom.ToolEvent) {
	_, span := t.inst.Tracer.Start(context.Background(), "tool.execute", trace.WithAttributes(
		AttrToolName.String(ev.Name),
		AttrToolTurn.Int(ev.Turn),
		AttrRunCorrelationID.String(ev.CorrelationID),
	))
	t.mu.Lock()
	t.open[ev.Seq] = span
	t.mu.Unlock()
}

func (t *ToolEvents) onEnd(ev loom.ToolEvent) {
	t.mu.Lock()
	span, ok := t.open[ev.StartSeq]
	delete(t.open, ev.StartSeq)
	t.mu.Unlock()

	status := "ok"
	if ev.Error != "" {
		status = "tool_error"
	}

	if ok {
		span.SetAttributes(AttrToolStatus.String(status))
		if ev.Error != "" {
			span.SetStatus(codes.Error, ev.Error)
		}
		span.End()
	}

	ctx := context.Background()
	durationMs := float64(ev.Duration.Milliseconds())
	t.inst.ToolExecutions.Add(ctx, 1, metric.WithAttributes(
		AttrToolName.String(ev.Name),
		attribute.String("status", status),
	))
	t.inst.ToolDuration.Record(ctx, durationMs, metric.WithAttributes(
		AttrToolName.String(ev.Name),
	))

	var rec otellog.Record
	rec.SetSeverity(otellog.SeverityInfo)
	rec.SetBody(otellog.StringValue("tool executed"))
	rec.AddAttributes(
		otellog.String("tool.name", ev.Name),
		otellog.String("tool.status", status),
		otellog.String("run.correlation_id", ev.CorrelationID),
		otellog.Float64("tool.duration_ms", durationMs),
	)
	t.inst.Logger.Emit(ctx, rec)
}
