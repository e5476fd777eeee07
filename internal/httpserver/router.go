package httpserver

import (
	"context"
	"net/http"
	"time"

	"mailpilot/internal/api"
	"mailpilot/pkg/otel"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// ReadinessCheck 就绪检查项，返回 nil 表示就绪
type ReadinessCheck func(ctx context.Context) error

type Router struct {
	Engine *gin.Engine
}

func NewRouter(
	inboxHandler *api.InboxHandler,
	adminHandler *api.AdminHandler,
	checks map[string]ReadinessCheck,
	logger *zap.Logger,
) *Router {
	r := gin.New()
	r.Use(gin.Recovery(), otel.GinMiddleware(), api.TraceMiddleware(), api.LoggingMiddleware(logger))

	// Health endpoints
	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.HEAD("/healthz", func(c *gin.Context) {
		c.Status(http.StatusOK)
	})

	r.GET("/readyz", func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), time.Second)
		defer cancel()

		for name, check := range checks {
			if err := check(ctx); err != nil {
				c.JSON(http.StatusServiceUnavailable, gin.H{"status": name + "_not_ready", "error": err.Error()})
				return
			}
		}
		c.JSON(http.StatusOK, gin.H{"status": "ready"})
	})

	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := r.Group("/api/v1")
	v1.Use(api.UserMiddleware())
	{
		v1.POST("/accounts/:account_id/sync", inboxHandler.EnqueueSync)
		v1.POST("/accounts/:account_id/replay", inboxHandler.ReplayMailbox)
		v1.POST("/accounts/:account_id/messages/:uid/process", inboxHandler.ProcessMessage)
		v1.POST("/accounts/:account_id/records/:email_id/reset", inboxHandler.ResetMessage)
	}

	admin := r.Group("/admin")
	{
		admin.POST("/outbox/events/:id/replay", adminHandler.ReplayOutboxEvent)
		admin.POST("/outbox/replay-failed", adminHandler.ReplayFailedEvents)
	}

	return &Router{Engine: r}
}

// Server 返回绑定到端口的 http.Server，由调用方负责优雅关闭
func (r *Router) Server(port string) *http.Server {
	return &http.Server{
		Addr:              ":" + port,
		Handler:           r.Engine,
		ReadHeaderTimeout: 10 * time.Second,
	}
}
