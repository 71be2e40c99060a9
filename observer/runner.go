package observer

import (
	"context"
	"time"

	"github.com/strandkit/strand"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// ObservedRunner wraps a strand.Runner with OTEL instrumentation.
type ObservedRunner struct {
	inner strand.Runner
	inst  *Instruments
}

var _ strand.Runner = (*ObservedRunner)(nil)

// WrapRunner returns an instrumented runner that emits traces and metrics
// per model run.
func WrapRunner(inner strand.Runner, inst *Instruments) *ObservedRunner {
	return &ObservedRunner{inner: inner, inst: inst}
}

func (o *ObservedRunner) Name() string { return o.inner.Name() }

func (o *ObservedRunner) Run(ctx context.Context, req strand.RunRequest) (strand.RunResult, error) {
	ctx, span := o.inst.Tracer.Start(ctx, "run.blocking", trace.WithAttributes(
		attribute.String("run.model", req.Model),
		attribute.String("run.runner", o.inner.Name()),
	))
	defer span.End()
	start := time.Now()

	result, err := o.inner.Run(ctx, req)

	o.record(ctx, span, "run", req.Model, start, result.Usage, err)
	return result, err
}

func (o *ObservedRunner) RunStream(ctx context.Context, req strand.RunRequest, ch chan<- strand.RunEvent) (strand.RunResult, error) {
	ctx, span := o.inst.Tracer.Start(ctx, "run.stream", trace.WithAttributes(
		attribute.String("run.model", req.Model),
		attribute.String("run.runner", o.inner.Name()),
	))
	defer span.End()
	start := time.Now()

	// Wrap the channel to count events. The caller owns ch, so the
	// forwarder never closes it.
	wrapped := make(chan strand.RunEvent, max(cap(ch), 64))
	events := 0
	done := make(chan struct{})
	go func() {
		defer close(done)
		for ev := range wrapped {
			events++
			select {
			case ch <- ev:
			case <-ctx.Done():
				return
			}
		}
	}()

	result, err := o.inner.RunStream(ctx, req, wrapped)
	close(wrapped)
	<-done

	span.SetAttributes(attribute.Int("run.stream.events", events))
	o.record(ctx, span, "run_stream", req.Model, start, result.Usage, err)
	return result, err
}

func (o *ObservedRunner) record(ctx context.Context, span trace.Span, method, model string, start time.Time, usage strand.Usage, err error) {
	durationMs := float64(time.Since(start).Milliseconds())
	status := "ok"
	if err != nil {
		status = "error"
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}

	span.SetAttributes(
		attribute.Int("run.tokens.input", usage.InputTokens),
		attribute.Int("run.tokens.output", usage.OutputTokens),
	)

	base := []attribute.KeyValue{
		attribute.String("run.model", model),
		attribute.String("run.runner", o.inner.Name()),
	}
	o.inst.TokenUsage.Add(ctx, int64(usage.InputTokens), metric.WithAttributes(
		append(base, attribute.String("direction", "input"))...))
	o.inst.TokenUsage.Add(ctx, int64(usage.OutputTokens), metric.WithAttributes(
		append(base, attribute.String("direction", "output"))...))
	o.inst.RunRequests.Add(ctx, 1, metric.WithAttributes(
		append(base, attribute.String("run.method", method), attribute.String("status", status))...))
	o.inst.RunDuration.Record(ctx, durationMs, metric.WithAttributes(base...))
}
