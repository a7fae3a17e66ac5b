package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestGinMiddlewareCountsByRoute(t *testing.T) {
	gin.SetMode(gin.TestMode)
	registry := prometheus.NewRegistry()
	m := newHTTPMetrics(registry, Config{ServiceName: "entitlements"})

	r := gin.New()
	r.Use(GinMiddleware(m))
	r.GET("/api/entitlements/:feature", func(c *gin.Context) { c.Status(http.StatusForbidden) })

	for i := 0; i < 2; i++ {
		w := httptest.NewRecorder()
		r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/entitlements/sms_marketing", nil))
	}

	got := testutil.ToFloat64(m.requests.WithLabelValues("/api/entitlements/:feature", http.MethodGet, "403"))
	if got != 2 {
		t.Fatalf("expected 2 requests, got %v", got)
	}
}

func TestNewHTTPMetricsReusesRegisteredCollectors(t *testing.T) {
	registry := prometheus.NewRegistry()
	first := newHTTPMetrics(registry, Config{})
	second := newHTTPMetrics(registry, Config{})
	if first.requests != second.requests {
		t.Fatal("expected the existing collector to be reused")
	}
}
