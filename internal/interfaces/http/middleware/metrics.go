package middleware

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"z-novel-studio/pkg/metrics"
)

// Metrics Prometheus 指标采集中间件；skip 中的路由（探针、指标端点）不计入
func Metrics(skip ...string) gin.HandlerFunc {
	skipped := make(map[string]struct{}, len(skip))
	for _, p := range skip {
		skipped[p] = struct{}{}
	}

	return func(c *gin.Context) {
		route := c.FullPath()
		if _, ok := skipped[route]; ok {
			c.Next()
			return
		}
		if route == "" {
			route = "unmatched"
		}
		start := time.Now()

		c.Next()

		method := c.Request.Method
		metrics.HTTPRequestsTotal.WithLabelValues(method, route, strconv.Itoa(c.Writer.Status())).Inc()
		metrics.HTTPRequestDuration.WithLabelValues(method, route).Observe(time.Since(start).Seconds())
		if n := c.Writer.Size(); n > 0 {
			metrics.HTTPResponseSize.WithLabelValues(method, route).Observe(float64(n))
		}
	}
}
