package metrics

import (
	"log/slog"
	"net/http"
	"time"

	"calsync/config"
	"calsync/internal/domain/service"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/fx"
)

const namespace = "calsync"

// Recorder implements service.Metrics on a dedicated registry
type Recorder struct {
	registry       *prometheus.Registry
	tokenLookups   *prometheus.CounterVec
	tokenExchanges *prometheus.CounterVec
	syncRuns       *prometheus.CounterVec
	syncDuration   *prometheus.HistogramVec
	syncChanges    *prometheus.CounterVec
}

// MetricsParams holds dependencies for metrics, injected by Fx
type MetricsParams struct {
	fx.In

	Config *config.Config
	Logger *slog.Logger
}

// MetricsResult exposes the recorder and the scrape handler
type MetricsResult struct {
	fx.Out

	Metrics    service.Metrics
	Handler    http.Handler          `name:"metricsHandler"`
	Registerer prometheus.Registerer `name:"metricsRegisterer"`
}

// New builds the recorder. When metrics are disabled a no-op recorder is returned,
// the handler answers 404 and the registerer is nil.
func New(params MetricsParams) MetricsResult {
	if params.Config.Metrics == nil || !params.Config.Metrics.Enabled {
		params.Logger.Info("Metrics disabled")

		return MetricsResult{
			Metrics: service.NoopMetrics{},
			Handler: http.NotFoundHandler(),
		}
	}

	recorder := NewPrometheusMetrics(prometheus.NewRegistry())
	params.Logger.Info("Metrics enabled", slog.String("path", params.Config.Metrics.Path))

	return MetricsResult{
		Metrics:    recorder,
		Handler:    recorder.Handler(),
		Registerer: recorder.registry,
	}
}

// NewPrometheusMetrics registers every collector on the given registry.
func NewPrometheusMetrics(registry *prometheus.Registry) *Recorder {
	m := &Recorder{
		registry: registry,
		tokenLookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "token",
			Name:      "cache_lookups_total",
			Help:      "Access token cache lookups by tier and outcome.",
		}, []string{"tier", "outcome"}),
		tokenExchanges: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "token",
			Name:      "exchanges_total",
			Help:      "Refresh credential exchanges by outcome.",
		}, []string{"outcome"}),
		syncRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sync",
			Name:      "runs_total",
			Help:      "Calendar sync runs by kind and outcome.",
		}, []string{"kind", "outcome"}),
		syncDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "sync",
			Name:      "duration_seconds",
			Help:      "Calendar sync duration.",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 10),
		}, []string{"kind"}),
		syncChanges: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sync",
			Name:      "event_changes_total",
			Help:      "Cached event changes applied by sync.",
		}, []string{"change"}),
	}

	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.tokenLookups,
		m.tokenExchanges,
		m.syncRuns,
		m.syncDuration,
		m.syncChanges,
	)

	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Recorder) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

func (m *Recorder) TokenLookup(tier, outcome string) {
	m.tokenLookups.WithLabelValues(tier, outcome).Inc()
}

func (m *Recorder) TokenExchange(outcome string) {
	m.tokenExchanges.WithLabelValues(outcome).Inc()
}

func (m *Recorder) SyncCompleted(kind, outcome string, elapsed time.Duration) {
	m.syncRuns.WithLabelValues(kind, outcome).Inc()
	m.syncDuration.WithLabelValues(kind).Observe(elapsed.Seconds())
}

func (m *Recorder) SyncChanges(added, updated, deleted int) {
	for change, count := range map[string]int{"added": added, "updated": updated, "deleted": deleted} {
		if count > 0 {
			m.syncChanges.WithLabelValues(change).Add(float64(count))
		}
	}
}

// Module provides the metrics FX module
//
//nolint:gochecknoglobals
var Module = fx.Options(
	fx.Provide(New),
)

