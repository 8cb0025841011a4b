package middleware

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"z-novel-studio/internal/config"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type fakeLimiter struct {
	allow bool
	err   error
	keys  []string
}

func (f *fakeLimiter) Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, error) {
	f.keys = append(f.keys, key)
	return f.allow, f.err
}

func serve(engine *gin.Engine, method, path string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	engine.ServeHTTP(w, httptest.NewRequest(method, path, nil))
	return w
}

// TestRateLimit blocks, allows and fails open depending on the limiter.
func TestRateLimit(t *testing.T) {
	tests := []struct {
		name    string
		limiter *fakeLimiter
		want    int
	}{
		{"allowed", &fakeLimiter{allow: true}, http.StatusOK},
		{"blocked", &fakeLimiter{allow: false}, http.StatusTooManyRequests},
		{"limiter down", &fakeLimiter{err: errors.New("redis down")}, http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			engine := gin.New()
			engine.POST("/v1/projects/:pid/batches", RateLimit(config.RateLimitConfig{Enabled: true, RequestsPerMinute: 5}, tt.limiter), func(c *gin.Context) {
				c.Status(http.StatusOK)
			})

			w := serve(engine, http.MethodPost, "/v1/projects/p1/batches")
			if w.Code != tt.want {
				t.Fatalf("status = %d, want %d", w.Code, tt.want)
			}
			if len(tt.limiter.keys) != 1 || tt.limiter.keys[0] != "ratelimit:p1:/v1/projects/:pid/batches" {
				t.Fatalf("keys = %v", tt.limiter.keys)
			}
		})
	}
}

// TestRateLimitDisabled never consults the limiter.
func TestRateLimitDisabled(t *testing.T) {
	limiter := &fakeLimiter{}
	engine := gin.New()
	engine.GET("/x", RateLimit(config.RateLimitConfig{Enabled: false}, limiter), func(c *gin.Context) {
		c.Status(http.StatusNoContent)
	})
	if w := serve(engine, http.MethodGet, "/x"); w.Code != http.StatusNoContent || len(limiter.keys) != 0 {
		t.Fatalf("status = %d, keys = %v", w.Code, limiter.keys)
	}
}

// TestRecovery turns a panic into a 500 response.
func TestRecovery(t *testing.T) {
	engine := gin.New()
	engine.Use(Recovery())
	engine.GET("/panic", func(c *gin.Context) {
		panic("boom")
	})
	w := serve(engine, http.MethodGet, "/panic")
	if w.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", w.Code)
	}
}

// TestRequestID keeps a caller id and replaces an oversized one.
func TestRequestID(t *testing.T) {
	engine := gin.New()
	engine.Use(RequestID())
	engine.GET("/id", func(c *gin.Context) {
		c.String(http.StatusOK, c.GetString("request_id"))
	})

	req := httptest.NewRequest(http.MethodGet, "/id", nil)
	req.Header.Set(RequestIDHeader, "req-1")
	w := httptest.NewRecorder()
	engine.ServeHTTP(w, req)
	if w.Body.String() != "req-1" || w.Header().Get(RequestIDHeader) != "req-1" {
		t.Fatalf("request id = %q", w.Body.String())
	}

	req = httptest.NewRequest(http.MethodGet, "/id", nil)
	req.Header.Set(RequestIDHeader, strings.Repeat("x", 100))
	w = httptest.NewRecorder()
	engine.ServeHTTP(w, req)
	if len(w.Body.String()) != 36 {
		t.Fatalf("request id = %q, want generated uuid", w.Body.String())
	}
}

// TestRateLimitBatchScope keys batch routes by batch id.
func TestRateLimitBatchScope(t *testing.T) {
	limiter := &fakeLimiter{allow: true}
	engine := gin.New()
	engine.POST("/v1/batches/:bid/confirm", RateLimit(config.RateLimitConfig{Enabled: true}, limiter), func(c *gin.Context) {
		c.Status(http.StatusAccepted)
	})

	if w := serve(engine, http.MethodPost, "/v1/batches/b7/confirm"); w.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusAccepted)
	}
	if len(limiter.keys) != 1 || limiter.keys[0] != "ratelimit:b7:/v1/batches/:bid/confirm" {
		t.Fatalf("keys = %v", limiter.keys)
	}
}
