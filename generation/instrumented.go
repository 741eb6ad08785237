package generation

import (
	"context"
	"time"

	"github.com/BaSui01/agentcanvas/types"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "github.com/BaSui01/agentcanvas/generation"

// Observer receives one record per finished generation call.
type Observer interface {
	RecordGeneration(model, status string, duration time.Duration)
}

// InstrumentedClient traces each call, records OTel metrics and reports to an
// optional Observer.
type InstrumentedClient struct {
	inner    Client
	observer Observer
	tracer   trace.Tracer

	calls    metric.Int64Counter
	duration metric.Float64Histogram
}

// NewInstrumentedClient wraps inner. observer may be nil.
func NewInstrumentedClient(inner Client, observer Observer) (*InstrumentedClient, error) {
	meter := otel.Meter(instrumentationName)
	c := &InstrumentedClient{
		inner:    inner,
		observer: observer,
		tracer:   otel.Tracer(instrumentationName),
	}

	var err error
	c.calls, err = meter.Int64Counter("generation.call.total",
		metric.WithDescription("Total number of generation calls"),
		metric.WithUnit("{call}"))
	if err != nil {
		return nil, err
	}
	c.duration, err = meter.Float64Histogram("generation.call.duration",
		metric.WithDescription("Generation call duration"),
		metric.WithUnit("s"))
	if err != nil {
		return nil, err
	}
	return c, nil
}

var _ Client = (*InstrumentedClient)(nil)

// Generate calls the inner client inside a "generation.call" span.
func (c *InstrumentedClient) Generate(ctx context.Context, req *Request) (string, error) {
	ctx, span := c.tracer.Start(ctx, "generation.call",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("workflow.node_id", req.NodeID),
			attribute.String("generation.model", req.Model),
			attribute.Int("generation.files", len(req.Files)),
			attribute.Bool("generation.search_grounding", req.SearchGrounding),
		))
	defer span.End()

	start := time.Now()
	text, err := c.inner.Generate(ctx, req)
	elapsed := time.Since(start)

	status := "success"
	if err != nil {
		status = "error"
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		if code := types.GetErrorCode(err); code != "" {
			span.SetAttributes(attribute.String("error.code", string(code)))
		}
	} else {
		span.SetAttributes(attribute.Int("generation.response_bytes", len(text)))
	}

	attrs := metric.WithAttributes(
		attribute.String("model", req.Model),
		attribute.String("status", status),
	)
	c.calls.Add(ctx, 1, attrs)
	c.duration.Record(ctx, elapsed.Seconds(), attrs)
	if c.observer != nil {
		c.observer.RecordGeneration(req.Model, status, elapsed)
	}
	return text, err
}
