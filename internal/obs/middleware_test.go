package obs_test

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/toko-gmpays/internal/obs"
)

func TestHTTPMetricsLabels(t *testing.T) {
	registry := prometheus.NewRegistry()
	metrics := obs.NewHTTPMetrics("gmpays", []float64{1, 10}, registry)
	handler := obs.HTTPObs{Metrics: metrics}.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))

	req := httptest.NewRequest(http.MethodPost, "/webhook", nil)
	req = req.WithContext(obs.WithRoutePattern(req.Context(), "/webhook"))
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)

	require.Equal(t, http.StatusUnauthorized, rr.Code)
	require.Equal(t, 1.0, testutil.ToFloat64(metrics.ReqTotal.WithLabelValues(http.MethodPost, "/webhook", "401")))
	require.NotZero(t, testutil.CollectAndCount(metrics.ReqDur))
	require.Zero(t, testutil.ToFloat64(metrics.InFlight))
}

func TestHTTPMetricsReuseRegistered(t *testing.T) {
	registry := prometheus.NewRegistry()
	first := obs.NewHTTPMetrics("gmpays", nil, registry)
	second := obs.NewHTTPMetrics("gmpays", nil, registry)
	require.Same(t, first.ReqTotal, second.ReqTotal)
}

func TestStatusRecorderKeepsFirstStatus(t *testing.T) {
	rr := httptest.NewRecorder()
	rec := obs.NewStatusRecorder(rr)
	_, _ = rec.Write([]byte("ok"))
	rec.WriteHeader(http.StatusTeapot)
	require.Equal(t, http.StatusOK, rec.Status())
	require.EqualValues(t, 2, rec.BytesWritten())
}

func TestDomainMetricsRegistered(t *testing.T) {
	obs.MustRegisterDomainMetrics("gmpays_test", prometheus.NewRegistry())
	require.NotNil(t, obs.NotificationTotal)
	obs.NotificationTotal.WithLabelValues("webhook", "applied").Inc()
	require.Equal(t, 1.0, testutil.ToFloat64(obs.NotificationTotal.WithLabelValues("webhook", "applied")))
}

func TestLabel(t *testing.T) {
	require.Equal(t, "unknown", obs.Label("  "))
	require.Equal(t, "invoice_paid", obs.Label(" Invoice Paid "))
}

func TestParseBucketsCSV(t *testing.T) {
	require.Equal(t, []float64{5, 25}, obs.ParseBucketsCSV("5, x, -1, 25"))
	require.Nil(t, obs.ParseBucketsCSV(""))
}
