package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"
)

const (
	defaultReplayLimit = 100
	maxReplayLimit     = 1000
)

// OutboxReplayer 由 *outbox.ReplayService 实现
type OutboxReplayer interface {
	ReplayEvent(ctx context.Context, eventID int64) error
	ReplayFailedEvents(ctx context.Context, limit int) (int, error)
}

// AdminHandler 运维接口：重新发布 inbox.action_recorded 等 outbox 事件
type AdminHandler struct {
	outbox OutboxReplayer
	logger *zap.Logger
}

func NewAdminHandler(outbox OutboxReplayer, logger *zap.Logger) *AdminHandler {
	return &AdminHandler{outbox: outbox, logger: logger}
}

// ReplayOutboxEvent POST /admin/outbox/events/:id/replay
func (h *AdminHandler) ReplayOutboxEvent(c *gin.Context) {
	eventID, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || eventID <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid event id"})
		return
	}

	err = h.outbox.ReplayEvent(c.Request.Context(), eventID)
	switch {
	case errors.Is(err, pgx.ErrNoRows):
		c.JSON(http.StatusNotFound, gin.H{"error": "event not found", "event_id": eventID})
	case err != nil:
		h.logger.Error("Outbox event replay failed", zap.Int64("event_id", eventID), zap.Error(err))
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error(), "event_id": eventID})
	default:
		c.JSON(http.StatusOK, gin.H{"status": "published", "event_id": eventID})
	}
}

// ReplayFailedEvents POST /admin/outbox/replay-failed?limit=100
func (h *AdminHandler) ReplayFailedEvents(c *gin.Context) {
	limit, err := strconv.Atoi(c.DefaultQuery("limit", strconv.Itoa(defaultReplayLimit)))
	if err != nil || limit <= 0 {
		limit = defaultReplayLimit
	}
	limit = min(limit, maxReplayLimit)

	published, err := h.outbox.ReplayFailedEvents(c.Request.Context(), limit)
	if err != nil {
		h.logger.Error("Outbox bulk replay failed", zap.Int("limit", limit), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	h.logger.Info("Outbox failed events replayed", zap.Int("published", published), zap.Int("limit", limit))
	c.JSON(http.StatusOK, gin.H{"published": published, "limit": limit})
}
