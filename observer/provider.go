package observer

import (
	"context"
	"time"

	"github.com/mkalens/loom"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	otellog "go.opentelemetry.io/otel/log"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// ObservedProvider wraps a loom.Provider with OTEL instrumentation.
// Completion calls become spans, token counts feed the usage and cost
// counters, and the response usage is stamped with the estimated cost so
// it aggregates into the run total.
type ObservedProvider struct {
	inner loom.Provider
	inst  *Instruments
	model string
}

var _ loom.Provider = (*ObservedProvider)(nil)
var _ loom.StreamingProvider = (*ObservedProvider)(nil)

// WrapProvider returns an instrumented provider that emits traces,
// metrics, and logs.
func WrapProvider(inner loom.Provider, model string, inst *Instruments) *ObservedProvider {
	return &ObservedProvider{inner: inner, inst: inst, model: model}
}

func (o *ObservedProvider) Name() string { return o.inner.Name() }

// Complete implements loom.Provider.
func (o *ObservedProvider) Complete(ctx context.Context, req loom.Request) (loom.Response, error) {
	ctx, span := o.inst.Tracer.Start(ctx, "llm.complete", trace.WithAttributes(
		AttrLLMModel.String(o.model),
		AttrLLMProvider.String(o.inner.Name()),
		AttrToolCount.Int(len(req.Tools)),
	))
	defer span.End()
	start := time.Now()

	resp, err := o.inner.Complete(ctx, req)

	o.settle(ctx, span, "complete", start, &resp, err)
	return resp, err
}

// Stream implements loom.StreamingProvider. Providers without a streaming
// entry point fall back to Complete; the runtime handles chunk synthesis.
func (o *ObservedProvider) Stream(ctx context.Context, req loom.Request, onChunk func(loom.Chunk)) (loom.Response, error) {
	sp, ok := o.inner.(loom.StreamingProvider)
	if !ok {
		return o.Complete(ctx, req)
	}

	ctx, span := o.inst.Tracer.Start(ctx, "llm.stream", trace.WithAttributes(
		AttrLLMModel.String(o.model),
		AttrLLMProvider.String(o.inner.Name()),
		AttrToolCount.Int(len(req.Tools)),
	))
	defer span.End()
	start := time.Now()

	resp, err := sp.Stream(ctx, req, onChunk)

	o.settle(ctx, span, "stream", start, &resp, err)
	return resp, err
}

// settle records the span outcome and metrics for one provider call, and
// stamps the response usage with the estimated cost in cents.
func (o *ObservedProvider) settle(ctx context.Context, span trace.Span, method string, start time.Time, resp *loom.Response, err error) {
	durationMs := float64(time.Since(start).Milliseconds())
	status := "ok"
	if err != nil {
		status = "error"
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}

	usage := resp.Usage
	cost := o.inst.Cost.CalculateCents(o.model, usage.InputTokens, usage.OutputTokens)
	resp.Usage.EstimatedCostCents += cost

	span.SetAttributes(
		AttrTokensInput.Int(usage.InputTokens),
		AttrTokensOutput.Int(usage.OutputTokens),
		AttrCostCents.Float64(cost),
	)

	attrs := metric.WithAttributes(
		AttrLLMModel.String(o.model),
		AttrLLMProvider.String(o.inner.Name()),
		AttrLLMMethod.String(method),
		attribute.String("status", status),
	)
	o.inst.LLMRequests.Add(ctx, 1, attrs)
	o.inst.LLMDuration.Record(ctx, durationMs, attrs)
	o.inst.TokenUsage.Add(ctx, int64(usage.InputTokens+usage.OutputTokens), attrs)
	o.inst.CostTotal.Add(ctx, cost, attrs)

	var rec otellog.Record
	rec.SetSeverity(otellog.SeverityInfo)
	rec.SetBody(otellog.StringValue("llm call"))
	rec.AddAttributes(
		otellog.String("llm.model", o.model),
		otellog.String("llm.method", method),
		otellog.String("llm.status", status),
		otellog.Int("llm.tokens.input", usage.InputTokens),
		otellog.Int("llm.tokens.output", usage.OutputTokens),
		otellog.Float64("llm.cost_cents", cost),
		otellog.Float64("llm.duration_ms", durationMs),
	)
	o.inst.Logger.Emit(ctx, rec)
}
