package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	dto "github.com/prometheus/client_model/go"

	"github.com/block-directory/block-directory/internal/telemetry"
)

// histogramCount returns the sample count of the series matching labels.
func histogramCount(hv *prometheus.HistogramVec, labels prometheus.Labels) uint64 {
	obs, err := hv.GetMetricWith(labels)
	if err != nil {
		return 0
	}
	var dm dto.Metric
	if err := obs.(prometheus.Metric).Write(&dm); err != nil {
		return 0
	}
	return dm.GetHistogram().GetSampleCount()
}

// newMetricsRouter builds a Gin engine with MetricsMiddleware and one templated route.
func newMetricsRouter(status int) *gin.Engine {
	r := gin.New()
	r.Use(MetricsMiddleware())
	r.GET("/test/:id", func(c *gin.Context) { c.Status(status) })
	return r
}

func serve(r http.Handler, method, target string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(method, target, nil))
	return w
}

func TestMetricsMiddleware_CountsByRouteTemplate(t *testing.T) {
	counter := telemetry.HTTPRequestsTotal.WithLabelValues("GET", "/test/:id", "200")
	before := testutil.ToFloat64(counter)

	r := newMetricsRouter(http.StatusOK)
	serve(r, http.MethodGet, "/test/42")
	serve(r, http.MethodGet, "/test/43")

	if got := testutil.ToFloat64(counter) - before; got != 2 {
		t.Errorf("http_requests_total delta = %v, want 2", got)
	}
}

func TestMetricsMiddleware_RecordsDuration(t *testing.T) {
	labels := prometheus.Labels{"method": "GET", "path": "/test/:id"}
	before := histogramCount(telemetry.HTTPRequestDuration, labels)

	serve(newMetricsRouter(http.StatusOK), http.MethodGet, "/test/1")

	if after := histogramCount(telemetry.HTTPRequestDuration, labels); after != before+1 {
		t.Errorf("duration samples = %d, want %d", after, before+1)
	}
}

func TestMetricsMiddleware_NoRouteLabel(t *testing.T) {
	counter := telemetry.HTTPRequestsTotal.WithLabelValues("GET", "<no-route>", "404")
	before := testutil.ToFloat64(counter)

	r := gin.New()
	r.Use(MetricsMiddleware())
	serve(r, http.MethodGet, "/does-not-exist")

	if got := testutil.ToFloat64(counter) - before; got != 1 {
		t.Errorf("<no-route> delta = %v, want 1", got)
	}
}

func TestMetricsMiddleware_RecordsErrorStatus(t *testing.T) {
	counter := telemetry.HTTPRequestsTotal.WithLabelValues("GET", "/test/:id", "500")
	before := testutil.ToFloat64(counter)

	serve(newMetricsRouter(http.StatusInternalServerError), http.MethodGet, "/test/err")

	if got := testutil.ToFloat64(counter) - before; got != 1 {
		t.Errorf("status=500 delta = %v, want 1", got)
	}
}
