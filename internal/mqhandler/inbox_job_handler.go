package mqhandler

import (
	"context"
	"encoding/json"
	"fmt"

	mqcontracts "mailpilot/contracts/mq"
	"mailpilot/internal/model"
	"mailpilot/internal/service/processor"
	"mailpilot/pkg/logger"
	"mailpilot/pkg/mq"
	"mailpilot/pkg/trace"
	"mailpilot/pkg/util"

	"go.uber.org/zap"
)

const retryHandlerName = "inbox"

// Processor 由 *processor.Processor 实现
type Processor interface {
	ProcessBatch(ctx context.Context, req processor.BatchRequest) (model.BatchResult, error)
	ProcessUID(ctx context.Context, req processor.SingleRequest) (model.ProcessResult, error)
}

// Publisher 用于投递下一页任务
type Publisher interface {
	PublishWithContext(ctx context.Context, routingKey string, payload any) error
}

// InboxJobHandler 消费 inbox.process 任务。
// 返回 nil → ack；返回普通错误 → requeue；返回 mq.Permanent → DLQ。
type InboxJobHandler struct {
	processor    Processor
	publisher    Publisher
	retryCounter *util.RetryCounter
	maxRetries   int64
	logger       *zap.Logger
}

func NewInboxJobHandler(
	processor Processor,
	publisher Publisher,
	retryCounter *util.RetryCounter,
	maxRetries int64,
	logger *zap.Logger,
) *InboxJobHandler {
	return &InboxJobHandler{
		processor:    processor,
		publisher:    publisher,
		retryCounter: retryCounter,
		maxRetries:   maxRetries,
		logger:       logger,
	}
}

func (h *InboxJobHandler) Handle(ctx context.Context, raw json.RawMessage) error {
	var payload mqcontracts.InboxJobPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		h.logger.Error("Invalid InboxJobPayload, sending to DLQ",
			zap.String("raw", string(raw)),
			zap.Error(err),
		)
		return mq.Permanent("bad_payload", err)
	}
	if payload.UserID == 0 || payload.AccountID == 0 {
		return mq.Permanent("bad_payload", fmt.Errorf("user_id and account_id are required: %w", model.ErrValidation))
	}
	if payload.Offset < 0 || payload.BatchSize < 0 {
		return mq.Permanent("bad_payload", fmt.Errorf("offset %d and batch_size %d must not be negative: %w",
			payload.Offset, payload.BatchSize, model.ErrValidation))
	}

	ctx = trace.Ensure(ctx, payload.TraceID)
	log := logger.WithTrace(ctx, h.logger).With(
		zap.Int64("user_id", payload.UserID),
		zap.Int64("account_id", payload.AccountID),
		zap.String("kind", payload.Kind),
		zap.Int("offset", payload.Offset),
	)
	retryKey := util.FormatRetryKey(retryHandlerName, jobKey(payload))

	if payload.UID != 0 {
		return h.handleSingle(ctx, log, payload, retryKey)
	}
	return h.handleBatch(ctx, log, payload, retryKey)
}

func (h *InboxJobHandler) handleSingle(ctx context.Context, log *zap.Logger, payload mqcontracts.InboxJobPayload, retryKey string) error {
	res, err := h.processor.ProcessUID(ctx, processor.SingleRequest{
		UserID:    payload.UserID,
		AccountID: payload.AccountID,
		Folder:    payload.Folder,
		UID:       payload.UID,
		Kind:      payload.Kind,
		Force:     payload.Force,
	})
	if err == nil {
		err = res.Err
	}
	if err == nil || res.Committed {
		// 已提交但邮箱操作失败的交给重放，不重投整个任务
		h.reset(ctx, log, retryKey)
		return nil
	}
	return h.handleError(ctx, log, err, retryKey)
}

func (h *InboxJobHandler) handleBatch(ctx context.Context, log *zap.Logger, payload mqcontracts.InboxJobPayload, retryKey string) error {
	out, err := h.processor.ProcessBatch(ctx, processor.BatchRequest{
		UserID:    payload.UserID,
		AccountID: payload.AccountID,
		Folder:    payload.Folder,
		Kind:      payload.Kind,
		Offset:    payload.Offset,
		BatchSize: payload.BatchSize,
		Force:     payload.Force,
		Since:     payload.Since,
	})
	if err != nil {
		return h.handleError(ctx, log, err, retryKey)
	}

	// 页内有可重试且未提交的失败时重投整页；已处理的邮件会被幂等检查跳过
	if transient := firstTransient(out.Results); transient != nil {
		if err := h.handleError(ctx, log, transient, retryKey); !mq.IsPermanent(err) {
			return err
		}
		log.Warn("Giving up on transient failures in page, continuing",
			zap.Int("failed", out.Failed),
		)
	} else {
		h.reset(ctx, log, retryKey)
	}

	if !out.HasMore {
		log.Info("Inbox job finished", zap.Int("fetched", out.Fetched))
		return nil
	}

	next := payload
	next.Offset = out.NextOffset
	next.TraceID = trace.FromContext(ctx)
	if err := h.publisher.PublishWithContext(ctx, mqcontracts.RoutingKeyInboxProcess, next); err != nil {
		log.Error("Failed to publish next page", zap.Int("next_offset", next.Offset), zap.Error(err))
		return err
	}
	log.Info("Next page scheduled", zap.Int("next_offset", next.Offset))
	return nil
}

// handleError 不可重试 → DLQ；可重试 → 超过预算后 DLQ，否则 requeue
func (h *InboxJobHandler) handleError(ctx context.Context, log *zap.Logger, err error, retryKey string) error {
	kind, retryable := model.ClassifyError(err)
	if !retryable {
		log.Warn("Inbox job failed permanently",
			zap.String("error_kind", string(kind)),
			zap.Error(err),
		)
		h.reset(ctx, log, retryKey)
		return mq.Permanent(string(kind), err)
	}

	count, cerr := h.retryCounter.IncrementAndGet(ctx, retryKey)
	if cerr != nil {
		// 计数失败时仍然重试，队列本身保证不丢
		log.Warn("Retry counter unavailable", zap.Error(cerr))
		return err
	}
	if !util.ShouldRetry(count, h.maxRetries, retryable) {
		log.Error("Max retries exceeded",
			zap.Int64("retry", count),
			zap.Error(err),
		)
		h.reset(ctx, log, retryKey)
		return mq.Permanent("max_retries", err)
	}

	log.Warn("Inbox job failed, will retry",
		zap.String("error_kind", string(kind)),
		zap.Int64("retry", count),
		zap.Error(err),
	)
	return err
}

func (h *InboxJobHandler) reset(ctx context.Context, log *zap.Logger, retryKey string) {
	if err := h.retryCounter.Reset(ctx, retryKey); err != nil {
		log.Debug("Failed to reset retry counter", zap.Error(err))
	}
}

func firstTransient(results []model.ProcessResult) error {
	for _, r := range results {
		if r.Success || r.Committed || r.Err == nil {
			continue
		}
		if _, retryable := model.ClassifyError(r.Err); retryable {
			return r.Err
		}
	}
	return nil
}

func jobKey(p mqcontracts.InboxJobPayload) string {
	kind := p.Kind
	if kind == "" {
		kind = mqcontracts.JobKindIncoming
	}
	if p.UID != 0 {
		return fmt.Sprintf("%d:%d:%s:uid:%d", p.UserID, p.AccountID, kind, p.UID)
	}
	return fmt.Sprintf("%d:%d:%s:offset:%d", p.UserID, p.AccountID, kind, p.Offset)
}
