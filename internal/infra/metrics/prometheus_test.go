package metrics

import (
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"calsync/config"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecorder_CountsObservations(t *testing.T) {
	recorder := NewPrometheusMetrics(prometheus.NewRegistry())

	recorder.TokenLookup("redis", "hit")
	recorder.TokenLookup("redis", "hit")
	recorder.TokenLookup("local", "miss")
	recorder.TokenExchange("invalid_grant")
	recorder.SyncCompleted("full", "success", 150*time.Millisecond)
	recorder.SyncChanges(3, 0, 2)

	assert.InDelta(t, 2, testutil.ToFloat64(recorder.tokenLookups.WithLabelValues("redis", "hit")), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(recorder.tokenLookups.WithLabelValues("local", "miss")), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(recorder.tokenExchanges.WithLabelValues("invalid_grant")), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(recorder.syncRuns.WithLabelValues("full", "success")), 0)
	assert.InDelta(t, 3, testutil.ToFloat64(recorder.syncChanges.WithLabelValues("added")), 0)
	assert.InDelta(t, 2, testutil.ToFloat64(recorder.syncChanges.WithLabelValues("deleted")), 0)
	assert.Equal(t, 2, testutil.CollectAndCount(recorder.syncChanges))
}

func TestRecorder_HandlerExposesMetrics(t *testing.T) {
	recorder := NewPrometheusMetrics(prometheus.NewRegistry())
	recorder.TokenExchange("success")

	rec := httptest.NewRecorder()
	recorder.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `calsync_token_exchanges_total{outcome="success"} 1`)
}

func TestNew_DisabledUsesNoop(t *testing.T) {
	result := New(MetricsParams{
		Config: &config.Config{Metrics: &config.MetricsConfig{Enabled: false}},
		Logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	})

	rec := httptest.NewRecorder()
	result.Handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Nil(t, result.Registerer)
}

func TestNew_EnabledSharesRegistry(t *testing.T) {
	result := New(MetricsParams{
		Config: &config.Config{Metrics: &config.MetricsConfig{Enabled: true, Path: "/metrics"}},
		Logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	require.NotNil(t, result.Registerer)

	pending := prometheus.NewGauge(prometheus.GaugeOpts{Name: "calsync_test_pending", Help: "test gauge"})
	require.NoError(t, result.Registerer.Register(pending))
	pending.Set(3)

	rec := httptest.NewRecorder()
	result.Handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Contains(t, rec.Body.String(), "calsync_test_pending 3")
}
