package api

import (
	"net/http"
	"strconv"
	"time"

	"mailpilot/pkg/logger"
	"mailpilot/pkg/trace"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// UserHeader 上游网关完成鉴权后注入的用户 ID
const UserHeader = "X-User-ID"

// UserMiddleware 从请求头读取用户 ID
func UserMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		userID, err := strconv.ParseInt(c.GetHeader(UserHeader), 10, 64)
		if err != nil || userID <= 0 {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "missing or invalid " + UserHeader})
			c.Abort()
			return
		}
		c.Set("user_id", userID)
		c.Next()
	}
}

// TraceMiddleware 复用或生成 trace id，并写回响应头
func TraceMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := trace.Ensure(c.Request.Context(), c.GetHeader(trace.HeaderName))
		c.Request = c.Request.WithContext(ctx)
		c.Header(trace.HeaderName, trace.FromContext(ctx))
		c.Next()
	}
}

// LoggingMiddleware 每个请求一行访问日志
func LoggingMiddleware(base *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		route := c.FullPath()
		if route == "" {
			route = c.Request.URL.Path
		}
		fields := []zap.Field{
			zap.String("method", c.Request.Method),
			zap.String("route", route),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)),
		}
		l := logger.WithTrace(c.Request.Context(), base)
		if c.Writer.Status() >= http.StatusInternalServerError {
			l.Error("HTTP request", fields...)
			return
		}
		l.Info("HTTP request", fields...)
	}
}

func userID(c *gin.Context) int64 {
	return c.GetInt64("user_id")
}
