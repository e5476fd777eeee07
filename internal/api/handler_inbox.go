package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	mqcontracts "mailpilot/contracts/mq"
	"mailpilot/internal/model"
	"mailpilot/internal/service/processor"
	"mailpilot/pkg/trace"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// InboxProcessor 由 *processor.Processor 实现
type InboxProcessor interface {
	ProcessUID(ctx context.Context, req processor.SingleRequest) (model.ProcessResult, error)
	ResetToPending(ctx context.Context, userID, accountID int64, emailID string) (bool, error)
	ReplayMailbox(ctx context.Context, userID, accountID int64, limit int) (model.BatchResult, error)
}

// JobPublisher 投递 inbox.process 任务
type JobPublisher interface {
	PublishWithContext(ctx context.Context, routingKey string, payload any) error
}

type InboxHandler struct {
	processor InboxProcessor
	publisher JobPublisher
	logger    *zap.Logger
}

func NewInboxHandler(processor InboxProcessor, publisher JobPublisher, logger *zap.Logger) *InboxHandler {
	return &InboxHandler{processor: processor, publisher: publisher, logger: logger}
}

type processRequest struct {
	Folder string       `json:"folder"`
	Kind   string       `json:"kind"`
	Draft  *model.Draft `json:"draft"`
}

// ProcessMessage 同步处理单封邮件
// POST /api/v1/accounts/:account_id/messages/:uid/process?force=true
func (h *InboxHandler) ProcessMessage(c *gin.Context) {
	accountID, ok := int64Param(c, "account_id")
	if !ok {
		return
	}
	uid, err := strconv.ParseUint(c.Param("uid"), 10, 32)
	if err != nil || uid == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid uid"})
		return
	}

	var req processRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
			return
		}
	}

	res, err := h.processor.ProcessUID(c.Request.Context(), processor.SingleRequest{
		UserID:    userID(c),
		AccountID: accountID,
		Folder:    req.Folder,
		UID:       uint32(uid),
		Kind:      req.Kind,
		Force:     c.Query("force") == "true",
		Draft:     req.Draft,
	})
	if err != nil {
		h.writeError(c, "process message", err)
		return
	}
	if !res.Success {
		c.JSON(statusFor(res.Err), res)
		return
	}
	c.JSON(http.StatusOK, res)
}

// ResetMessage 运维操作：把记录重置为 pending
// POST /api/v1/accounts/:account_id/records/:email_id/reset
func (h *InboxHandler) ResetMessage(c *gin.Context) {
	accountID, ok := int64Param(c, "account_id")
	if !ok {
		return
	}
	emailID := c.Param("email_id")

	updated, err := h.processor.ResetToPending(c.Request.Context(), userID(c), accountID, emailID)
	if err != nil {
		h.writeError(c, "reset message", err)
		return
	}
	if !updated {
		c.JSON(http.StatusNotFound, gin.H{"error": "record not found"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "pending", "email_id": emailID})
}

// ReplayMailbox 重新执行已提交但邮箱操作未完成的记录
// POST /api/v1/accounts/:account_id/replay?limit=50
func (h *InboxHandler) ReplayMailbox(c *gin.Context) {
	accountID, ok := int64Param(c, "account_id")
	if !ok {
		return
	}
	limit, err := strconv.Atoi(c.DefaultQuery("limit", "50"))
	if err != nil || limit <= 0 {
		limit = 50
	}

	out, err := h.processor.ReplayMailbox(c.Request.Context(), userID(c), accountID, limit)
	if err != nil {
		h.writeError(c, "replay mailbox", err)
		return
	}
	c.JSON(http.StatusOK, out)
}

type syncRequest struct {
	Folder    string `json:"folder"`
	Kind      string `json:"kind"`
	BatchSize int    `json:"batch_size"`
	Force     bool   `json:"force"`
}

// EnqueueSync 投递从第一页开始的批处理任务
// POST /api/v1/accounts/:account_id/sync
func (h *InboxHandler) EnqueueSync(c *gin.Context) {
	accountID, ok := int64Param(c, "account_id")
	if !ok {
		return
	}
	var req syncRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
			return
		}
	}
	if req.Kind != "" && req.Kind != mqcontracts.JobKindIncoming && req.Kind != mqcontracts.JobKindSent {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid kind"})
		return
	}

	ctx := c.Request.Context()
	job := mqcontracts.InboxJobPayload{
		UserID:    userID(c),
		AccountID: accountID,
		Folder:    req.Folder,
		Kind:      req.Kind,
		BatchSize: req.BatchSize,
		Force:     req.Force,
		TraceID:   trace.FromContext(ctx),
	}
	if err := h.publisher.PublishWithContext(ctx, mqcontracts.RoutingKeyInboxProcess, job); err != nil {
		h.writeError(c, "enqueue sync", err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"status": "queued", "trace_id": job.TraceID})
}

func (h *InboxHandler) writeError(c *gin.Context, op string, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		h.logger.Error("Inbox request failed", zap.String("op", op), zap.Error(err))
	}
	c.JSON(status, gin.H{"error": err.Error()})
}

// statusFor 错误类别到 HTTP 状态码
func statusFor(err error) int {
	if errors.Is(err, model.ErrDestinationMismatch) {
		return http.StatusInternalServerError
	}
	kind, _ := model.ClassifyError(err)
	switch kind {
	case model.KindMalformedInput, model.KindValidation:
		return http.StatusBadRequest
	case model.KindDuplicate:
		return http.StatusConflict
	case model.KindPermanent:
		return http.StatusUnprocessableEntity
	case model.KindTransient:
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func int64Param(c *gin.Context, name string) (int64, bool) {
	v, err := strconv.ParseInt(c.Param(name), 10, 64)
	if err != nil || v <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid " + name})
		return 0, false
	}
	return v, true
}
