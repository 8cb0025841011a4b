// Package middleware 提供 HTTP 中间件
package middleware

import (
	"fmt"
	"net/http"
	"runtime/debug"

	"github.com/gin-gonic/gin"

	"z-novel-studio/pkg/errors"
	"z-novel-studio/pkg/logger"
)

// Recovery Panic 恢复中间件
// SSE 响应已经开始写出时只记录日志，不再改写状态码
func Recovery() gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if rec := recover(); rec != nil {
				logger.Error(c.Request.Context(), "panic recovered",
					fmt.Errorf("%v", rec),
					"stack", string(debug.Stack()),
					"path", c.Request.URL.Path,
					"method", c.Request.Method,
				)

				if c.Writer.Written() {
					c.Abort()
					return
				}
				c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
					"code":     errors.CodeInternalError,
					"message":  errors.ErrInternalError.Message,
					"trace_id": c.GetString("trace_id"),
				})
			}
		}()

		c.Next()
	}
}
