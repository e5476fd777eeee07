package processor

import (
	"context"
	"fmt"

	"mailpilot/internal/mailbox"
	"mailpilot/internal/model"
	"mailpilot/pkg/logger"

	"go.uber.org/zap"
)

// ReplayMailbox 对已提交但邮箱操作未完成的记录重新执行邮箱操作。
// 草稿类动作无法重放（草稿内容不落库），需要 ResetToPending 后重新处理。
func (p *Processor) ReplayMailbox(ctx context.Context, userID, accountID int64, limit int) (model.BatchResult, error) {
	if limit <= 0 {
		limit = p.cfg.BatchSize
	}
	records, err := p.store.PendingReplays(ctx, userID, accountID, limit)
	if err != nil {
		return model.BatchResult{}, err
	}

	var out model.BatchResult
	out.Fetched = len(records)
	if len(records) == 0 {
		return out, nil
	}

	r, err := p.begin(ctx, userID, accountID, false)
	if err != nil {
		return model.BatchResult{}, err
	}
	defer r.close()

	inbox := p.folderFor(r.prefs, "", "")
	for _, rec := range records {
		act := model.ActionType(rec.ActionTaken)
		res := model.ProcessResult{
			UID:           uint32(rec.UID),
			EmailID:       rec.EmailID,
			Subject:       rec.Subject,
			Action:        act,
			RecordID:      rec.ID,
			PersonEmailID: rec.PersonEmailID,
			Committed:     true,
		}
		if rec.DestinationFolder != nil {
			res.Destination = *rec.DestinationFolder
		}

		if act.IsDraft() {
			out.Add(fail(res, fmt.Errorf("draft action %s cannot be replayed: %w", act, model.ErrValidation)))
			continue
		}

		outcome, err := p.effector.Apply(ctx, r.session, mailbox.ApplyRequest{
			Action:      act,
			UID:         res.UID,
			Folder:      inbox,
			Destination: res.Destination,
		})
		if err != nil {
			out.Add(fail(res, fmt.Errorf("replay %s: %w", act, err)))
			continue
		}
		if err := p.store.MarkMailboxApplied(ctx, rec.ID); err != nil {
			out.Add(fail(res, err))
			continue
		}

		res.Success, res.Status = true, model.StatusProcessed
		res.Moved, res.Description = outcome.Moved, outcome.Description
		out.Add(res)
	}

	logger.ForAccount(ctx, p.logger, userID, accountID).Info("Mailbox replay finished",
		zap.Int("records", out.Fetched),
		zap.Int("replayed", out.Processed),
		zap.Int("failed", out.Failed),
	)
	return out, nil
}
