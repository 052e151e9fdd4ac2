// Package observability wires actiond into OpenTelemetry and Prometheus.
//
// # Tracing and job metrics
//
// Initialize the provider at startup and wrap periodic jobs:
//
//	p, err := observability.New(ctx, cfg)
//	defer p.Shutdown(ctx)
//
//	ctx, done := p.TrackOperation(ctx, "refresh.reap")
//	n, err := reaper.Reap(ctx)
//	done(err)
//
// # Gauges
//
// The reconciler pushes each snapshot to two sinks that must agree: the
// OpenTelemetry gauges exported over OTLP (current) and the Prometheus
// gauges served on /metrics (legacy).
//
//	otelSink, _ := observability.NewOTelSink(p.Meter())
//	promSink := observability.NewPrometheusSink()
//	http.Handle("/metrics", promSink.Handler())
package observability
