package router

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"

	"z-novel-studio/internal/config"
	"z-novel-studio/internal/interfaces/http/handler"
)

// TestSystemRoutes serves probes and the metrics endpoint.
func TestSystemRoutes(t *testing.T) {
	gin.SetMode(gin.TestMode)
	cfg := &config.Config{}
	cfg.Observability.Metrics.Enabled = true
	cfg.Observability.Metrics.Path = "/metrics"

	r := New(cfg, handler.NewHealthHandler("v-test", nil))
	for _, path := range []string{"/health", "/ready", "/live", "/metrics"} {
		w := httptest.NewRecorder()
		r.Engine().ServeHTTP(w, httptest.NewRequest(http.MethodGet, path, nil))
		if w.Code != http.StatusOK {
			t.Errorf("GET %s = %d, want 200", path, w.Code)
		}
		if w.Header().Get("X-Request-ID") == "" {
			t.Errorf("GET %s missing request id", path)
		}
	}
}
