// Package telemetry wires OpenTelemetry metric and trace instruments for
// the sync engine, mirroring internal/storage/dolt/store.go's pattern in
// the teacher: package-level instruments registered against the global
// (initially no-op) provider in init(), and an explicit Init that installs
// a real SDK provider. Callers that never call Init still get working,
// harmless no-op instruments.
package telemetry

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	stdoutmetric "go.opentelemetry.io/otel/exporters/stdout/stdoutmetric"
	stdouttrace "go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "github.com/threadline/syncclient"

var tracer = otel.Tracer(instrumentationName)

// Metrics holds every counter/histogram the engine records. Instruments
// forward to the real provider automatically once Init runs, because they
// were registered against the global delegating meter.
var Metrics struct {
	FetchTooLong       metric.Int64Counter
	DuplicateSkipped    metric.Int64Counter
	CatchupFetches      metric.Int64Counter
	CatchupRetries      metric.Int64Counter
	FetchLatencyMs      metric.Float64Histogram
	LastSyncDateResets   metric.Int64Counter
}

func init() {
	m := otel.Meter(instrumentationName)
	Metrics.FetchTooLong, _ = m.Int64Counter("chatsync.bucket.fetch_too_long",
		metric.WithDescription("Catch-up fetches that returned resultType=tooLong"),
		metric.WithUnit("{fetch}"))
	Metrics.DuplicateSkipped, _ = m.Int64Counter("chatsync.bucket.updates_duplicate_skipped",
		metric.WithDescription("Updates dropped because seq <= cursor.seq"),
		metric.WithUnit("{update}"))
	Metrics.CatchupFetches, _ = m.Int64Counter("chatsync.bucket.catchup_fetches",
		metric.WithDescription("getUpdates RPCs issued by bucket catch-up loops"),
		metric.WithUnit("{rpc}"))
	Metrics.CatchupRetries, _ = m.Int64Counter("chatsync.bucket.catchup_retries",
		metric.WithDescription("Catch-up fetch attempts beyond the first per bucket"),
		metric.WithUnit("{retry}"))
	Metrics.FetchLatencyMs, _ = m.Float64Histogram("chatsync.bucket.fetch_latency_ms",
		metric.WithDescription("getUpdates round-trip latency"),
		metric.WithUnit("ms"))
	Metrics.LastSyncDateResets, _ = m.Int64Counter("chatsync.engine.last_sync_date_resets",
		metric.WithDescription("Times lastSyncDate was reset for staleness beyond the threshold"),
		metric.WithUnit("{reset}"))
}

// Options configures Init.
type Options struct {
	// StdoutExport, when true, installs stdout exporters for metrics and
	// traces (useful for local debugging and the demo CLI). When false,
	// Init installs providers with no exporter attached (instruments still
	// record, spans still create, but nothing is emitted) — a safe default
	// for library consumers who haven't opted into telemetry export.
	StdoutExport bool
}

// Init installs real SDK providers as the global OTel providers. Safe to
// call once at process startup; a second call replaces the providers.
func Init(ctx context.Context, opts Options) (shutdown func(context.Context) error, err error) {
	var shutdownFuncs []func(context.Context) error

	mp := sdkmetric.NewMeterProvider()
	if opts.StdoutExport {
		exp, err := stdoutmetric.New()
		if err != nil {
			return nil, fmt.Errorf("telemetry: stdout metric exporter: %w", err)
		}
		mp = sdkmetric.NewMeterProvider(
			sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exp)),
		)
	}
	otel.SetMeterProvider(mp)
	shutdownFuncs = append(shutdownFuncs, mp.Shutdown)

	tp := sdktrace.NewTracerProvider()
	if opts.StdoutExport {
		texp, err := stdouttrace.New()
		if err != nil {
			return nil, fmt.Errorf("telemetry: stdout trace exporter: %w", err)
		}
		tp = sdktrace.NewTracerProvider(sdktrace.WithBatcher(texp))
	}
	otel.SetTracerProvider(tp)
	shutdownFuncs = append(shutdownFuncs, tp.Shutdown)

	// Re-bind the package-level tracer to the new provider. The metric
	// instruments are not re-registered: they were created from otel's
	// global delegating meter, which already forwards to the provider
	// installed above (the global tracer delegates too, so this rebind
	// only makes the binding explicit).
	tracer = tp.Tracer(instrumentationName)

	return func(ctx context.Context) error {
		for _, fn := range shutdownFuncs {
			if err := fn(ctx); err != nil {
				return err
			}
		}
		return nil
	}, nil
}

// StartSpan starts a client-kind span for a suspension point (RPC call,
// catch-up fetch), matching the teacher's doltTracer.Start usage.
func StartSpan(ctx context.Context, name string) (context.Context, trace.Span) {
	return tracer.Start(ctx, name, trace.WithSpanKind(trace.SpanKindClient))
}

// EndSpan records an error (if any) and ends the span, mirroring the
// teacher's endSpan helper in internal/storage/dolt/store.go.
func EndSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
