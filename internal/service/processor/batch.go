package processor

import (
	"context"
	"fmt"
	"time"

	mqcontracts "mailpilot/contracts/mq"
	"mailpilot/internal/mailbox"
	"mailpilot/internal/model"
	"mailpilot/internal/service/relationship"
	"mailpilot/pkg/logger"
	"mailpilot/pkg/metrics"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// BatchRequest 一页邮件的处理请求
type BatchRequest struct {
	UserID    int64
	AccountID int64
	Folder    string
	Kind      string
	Offset    int
	BatchSize int
	Force     bool
	Since     time.Time
}

// ProcessBatch 拉取一页（最新的在前）并发处理。返回的 error 只表示整页无法开始，
// 单封邮件的失败记录在结果中，不影响同页其他邮件。
func (p *Processor) ProcessBatch(ctx context.Context, req BatchRequest) (model.BatchResult, error) {
	batchSize := req.BatchSize
	if batchSize <= 0 {
		batchSize = p.cfg.BatchSize
	}

	r, err := p.begin(ctx, req.UserID, req.AccountID, req.Kind != mqcontracts.JobKindSent)
	if err != nil {
		return model.BatchResult{}, err
	}
	defer r.close()

	folder := p.folderFor(r.prefs, req.Kind, req.Folder)
	summaries, err := r.session.FetchMessages(ctx, folder, mailbox.FetchOptions{
		Offset:     req.Offset,
		Limit:      batchSize,
		Descending: true,
		Since:      req.Since,
	})
	if err != nil {
		return model.BatchResult{}, err
	}

	var out model.BatchResult
	out.Fetched = len(summaries)
	out.HasMore, out.NextOffset = model.Pagination(req.Offset, batchSize, len(summaries))
	metrics.ObserveBatchSize(len(summaries))
	if len(summaries) == 0 {
		return out, nil
	}

	uids := make([]uint32, 0, len(summaries))
	for _, s := range summaries {
		uids = append(uids, s.UID)
	}
	raw, err := r.session.FetchRaw(ctx, folder, uids)
	if err != nil {
		return model.BatchResult{}, err
	}

	msgs := make([]model.InboundMessage, 0, len(summaries))
	keys := make([]string, 0, len(summaries))
	for _, s := range summaries {
		msg := model.InboundMessage{
			UID:         s.UID,
			MessageID:   s.MessageID,
			Subject:     s.Subject,
			From:        s.From,
			To:          s.To,
			Cc:          s.Cc,
			Date:        s.Date,
			Flags:       s.Flags,
			FullMessage: raw[s.UID],
		}
		msgs = append(msgs, msg)
		if k := msg.Key(r.account.ID); k != "" {
			keys = append(keys, k)
		}
	}

	var states map[string]model.ActionType
	if !req.Force {
		states, err = p.store.ActionStates(ctx, r.userID, r.account.ID, keys)
		if err != nil {
			return model.BatchResult{}, err
		}
	}

	ctx = relationship.WithCache(ctx)
	results := make([]model.ProcessResult, len(msgs))
	seen := make(map[string]bool, len(msgs))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.cfg.Concurrency)

	for i, msg := range msgs {
		key := msg.Key(r.account.ID)
		base := model.ProcessResult{UID: msg.UID, EmailID: key, Sender: msg.From, Subject: msg.Subject}

		// 同一页里重复的 Message-ID 只处理第一封
		if key != "" && seen[key] {
			results[i] = alreadyProcessed(base)
			continue
		}
		seen[key] = true

		if states[key].IsTerminal() {
			results[i] = alreadyProcessed(base)
			results[i].Action = states[key]
			continue
		}
		if len(msg.FullMessage) == 0 {
			results[i] = fail(base, fmt.Errorf("uid %d vanished before fetch: %w", msg.UID, model.ErrValidation))
			continue
		}

		i, msg := i, msg
		g.Go(func() error {
			// 单封失败只写入结果，不取消同页其他邮件
			results[i] = p.processOne(gctx, r, req.Kind, folder, msg, options{force: req.Force, prechecked: !req.Force})
			return nil
		})
	}
	_ = g.Wait()

	for _, res := range results {
		out.Add(res)
	}

	logger.ForAccount(ctx, p.logger, r.userID, r.account.ID).Info("Inbox batch finished",
		zap.String("folder", folder),
		zap.Int("offset", req.Offset),
		zap.Int("fetched", out.Fetched),
		zap.Int("processed", out.Processed),
		zap.Int("skipped", out.Skipped),
		zap.Int("failed", out.Failed),
		zap.Bool("has_more", out.HasMore),
		zap.Int("relationship_cache", relationship.CacheFrom(ctx).Len()),
	)
	return out, nil
}
