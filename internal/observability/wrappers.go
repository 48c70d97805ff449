package observability

import (
	"context"
	"errors"
	"time"
	"unicode/utf8"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/jkaninda/nsbox/internal/engine"
)

// OperationEngineExecute is the anomaly detector key for engine statements.
const OperationEngineExecute = "engine.execute"

// maxSpanStatement bounds the statement text attached to spans.
const maxSpanStatement = 256

// InstrumentedEngine wraps an engine.Engine with metrics, tracing, and anomaly detection.
type InstrumentedEngine struct {
	inner   engine.Engine
	metrics *MetricsCollector
	tracer  trace.Tracer
	anomaly *AnomalyDetector
}

// NewInstrumentedEngine wraps an engine with observability. Any of
// metrics, ts, or anomaly may be nil.
func NewInstrumentedEngine(inner engine.Engine, metrics *MetricsCollector, ts *TracerSetup, anomaly *AnomalyDetector) *InstrumentedEngine {
	var tracer trace.Tracer
	if ts != nil {
		tracer = ts.Tracer()
	}
	return &InstrumentedEngine{
		inner:   inner,
		metrics: metrics,
		tracer:  tracer,
		anomaly: anomaly,
	}
}

func (e *InstrumentedEngine) Execute(ctx context.Context, namespace, statement string, params ...any) (*engine.Result, error) {
	var span trace.Span
	if e.tracer != nil {
		ctx, span = e.tracer.Start(ctx, "engine.execute",
			trace.WithSpanKind(trace.SpanKindClient),
			trace.WithAttributes(
				attribute.String("db.system", "postgresql"),
				attribute.String("db.namespace", namespace),
				attribute.String("db.query.text", truncateStatement(statement)),
				attribute.Int("db.query.params", len(params)),
			))
		defer span.End()
	}

	start := time.Now()
	res, err := e.inner.Execute(ctx, namespace, statement, params...)
	duration := time.Since(start).Seconds()

	status := "success"
	if err != nil {
		status = "error"
		if span != nil {
			var engErr *engine.Error
			if errors.As(err, &engErr) && engErr.Code != "" {
				span.SetAttributes(attribute.String("db.response.status_code", engErr.Code))
			}
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
	} else if span != nil {
		span.SetAttributes(
			attribute.Int64("db.response.rows_affected", res.RowCount),
			attribute.Bool("nsbox.truncated", res.Truncated),
		)
	}

	if e.metrics != nil {
		e.metrics.EngineStatementsTotal.WithLabelValues(status).Inc()
		e.metrics.EngineStatementDuration.WithLabelValues(status).Observe(duration)
		if res != nil {
			e.metrics.EngineRowsReturned.Add(float64(len(res.Rows)))
		}
	}

	if err != nil {
		e.anomaly.RecordError(OperationEngineExecute)
	} else {
		e.anomaly.RecordSuccess(OperationEngineExecute)
	}

	return res, err
}

// Ping forwards to the inner engine when it supports health checks.
func (e *InstrumentedEngine) Ping(ctx context.Context) error {
	if p, ok := e.inner.(engine.Pinger); ok {
		return p.Ping(ctx)
	}
	return nil
}

func truncateStatement(s string) string {
	if len(s) <= maxSpanStatement {
		return s
	}
	n := maxSpanStatement
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n] + "..."
}

var (
	_ engine.Engine = (*InstrumentedEngine)(nil)
	_ engine.Pinger = (*InstrumentedEngine)(nil)
)
