package observability

import (
	"context"
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/prometheus/client_golang/prometheus/push"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/Mindburn-Labs/actiond/pkg/monitor"
)

// OTelSink records reconciler snapshots as OpenTelemetry gauges.
type OTelSink struct {
	waiting    metric.Int64Gauge
	failed     metric.Int64Gauge
	delayed    metric.Int64Gauge
	oldestWait metric.Float64Gauge
}

// NewOTelSink creates the gauges on meter.
func NewOTelSink(meter metric.Meter) (*OTelSink, error) {
	s := &OTelSink{}
	var err error
	if s.waiting, err = meter.Int64Gauge("actiond.waiting_count",
		metric.WithDescription("Actions waiting for a callback")); err != nil {
		return nil, err
	}
	if s.failed, err = meter.Int64Gauge("actiond.failed_count",
		metric.WithDescription("Actions that failed")); err != nil {
		return nil, err
	}
	if s.delayed, err = meter.Int64Gauge("actiond.delayed_count",
		metric.WithDescription("Waiting actions older than the dispatch grace period")); err != nil {
		return nil, err
	}
	if s.oldestWait, err = meter.Float64Gauge("actiond.oldest_waiting_age_hours",
		metric.WithDescription("Age of the oldest waiting action"),
		metric.WithUnit("h")); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *OTelSink) Name() string { return "otel" }

func (s *OTelSink) Write(ctx context.Context, snap monitor.Snapshot) error {
	for origin, n := range snap.Waiting {
		s.waiting.Record(ctx, int64(n), metric.WithAttributes(attribute.String("origin", string(origin))))
	}
	for origin, n := range snap.Failed {
		s.failed.Record(ctx, int64(n), metric.WithAttributes(attribute.String("origin", string(origin))))
	}
	for status, n := range snap.Delayed {
		s.delayed.Record(ctx, int64(n), metric.WithAttributes(attribute.String("status", status)))
	}
	for origin, h := range snap.OldestWaitingAgeHours {
		s.oldestWait.Record(ctx, h, metric.WithAttributes(attribute.String("origin", string(origin))))
	}
	return nil
}

// PrometheusSink exposes reconciler snapshots on a private registry.
type PrometheusSink struct {
	registry   *prometheus.Registry
	waiting    *prometheus.GaugeVec
	failed     *prometheus.GaugeVec
	delayed    *prometheus.GaugeVec
	oldestWait *prometheus.GaugeVec
}

const promNamespace = "actiond"

// NewPrometheusSink creates the legacy gauges.
func NewPrometheusSink() *PrometheusSink {
	reg := prometheus.NewRegistry()
	s := &PrometheusSink{
		registry: reg,
		waiting: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: promNamespace,
			Name:      "waiting_count",
			Help:      "Actions waiting for a callback",
		}, []string{"origin"}),
		failed: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: promNamespace,
			Name:      "failed_count",
			Help:      "Actions that failed",
		}, []string{"origin"}),
		delayed: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: promNamespace,
			Name:      "delayed_count",
			Help:      "Waiting actions older than the dispatch grace period",
		}, []string{"status"}),
		oldestWait: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: promNamespace,
			Name:      "oldest_waiting_age_hours",
			Help:      "Age of the oldest waiting action in hours",
		}, []string{"origin"}),
	}
	reg.MustRegister(s.waiting, s.failed, s.delayed, s.oldestWait)
	return s
}

func (s *PrometheusSink) Name() string { return "prometheus" }

func (s *PrometheusSink) Write(_ context.Context, snap monitor.Snapshot) error {
	for origin, n := range snap.Waiting {
		s.waiting.WithLabelValues(string(origin)).Set(float64(n))
	}
	for origin, n := range snap.Failed {
		s.failed.WithLabelValues(string(origin)).Set(float64(n))
	}
	for status, n := range snap.Delayed {
		s.delayed.WithLabelValues(status).Set(float64(n))
	}
	for origin, h := range snap.OldestWaitingAgeHours {
		s.oldestWait.WithLabelValues(string(origin)).Set(h)
	}
	return nil
}

// Registry returns the registry backing the sink.
func (s *PrometheusSink) Registry() *prometheus.Registry { return s.registry }

// Handler serves the registry in the Prometheus exposition format.
func (s *PrometheusSink) Handler() http.Handler {
	return promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{})
}

// PushSink fills a PrometheusSink and pushes its registry to a Pushgateway.
type PushSink struct {
	*PrometheusSink
	pusher *push.Pusher
}

// NewPushSink creates a sink that replaces the metrics of job on the
// Pushgateway at url on every write. client may be nil.
func NewPushSink(url, job string, client push.HTTPDoer) *PushSink {
	s := &PushSink{PrometheusSink: NewPrometheusSink()}
	s.pusher = push.New(url, job).Gatherer(s.registry)
	if client != nil {
		s.pusher = s.pusher.Client(client)
	}
	return s
}

func (s *PushSink) Name() string { return "pushgateway" }

func (s *PushSink) Write(ctx context.Context, snap monitor.Snapshot) error {
	if err := s.PrometheusSink.Write(ctx, snap); err != nil {
		return err
	}
	if err := s.pusher.PushContext(ctx); err != nil {
		return fmt.Errorf("pushgateway: %w", err)
	}
	return nil
}
