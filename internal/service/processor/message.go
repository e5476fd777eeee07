package processor

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	dbcontracts "mailpilot/contracts/db"
	mqcontracts "mailpilot/contracts/mq"
	"mailpilot/internal/mailbox"
	"mailpilot/internal/mailparse"
	"mailpilot/internal/model"
	"mailpilot/internal/repository"
	"mailpilot/internal/service/action"
	"mailpilot/internal/service/inference"
	"mailpilot/internal/service/relationship"
	"mailpilot/pkg/logger"
	"mailpilot/pkg/metrics"
	"mailpilot/pkg/otel"
	"mailpilot/pkg/trace"

	"go.uber.org/zap"
)

const noRecipientsMessage = "No recipients found for sent email"

type options struct {
	force bool
	draft *model.Draft
	// 批处理已经用一次批量查询做过幂等预检
	prechecked bool
}

func (p *Processor) processOne(ctx context.Context, r *run, kind, folder string, msg model.InboundMessage, opts options) model.ProcessResult {
	ctx, span := otel.MessageSpan(ctx, kind, r.account.ID, msg.UID)

	start := time.Now()
	var res model.ProcessResult
	if kind == mqcontracts.JobKindSent {
		res = p.processSent(ctx, r, msg, opts)
	} else {
		res = p.processIncoming(ctx, r, folder, msg, opts)
	}
	otel.EndMessageSpan(span, res.Status, string(res.Action), res.Err)
	p.summarize(ctx, r, res, time.Since(start))
	return res
}

func (p *Processor) processIncoming(ctx context.Context, r *run, folder string, msg model.InboundMessage, opts options) model.ProcessResult {
	res := model.ProcessResult{UID: msg.UID, Sender: msg.From, Subject: msg.Subject}

	key := msg.Key(r.account.ID)
	res.EmailID = key
	if key == "" {
		return fail(res, fmt.Errorf("message has neither message id nor uid: %w", model.ErrValidation))
	}

	if !opts.force && !opts.prechecked {
		done, err := p.store.IsProcessed(ctx, r.userID, r.account.ID, key)
		if err != nil {
			return fail(res, err)
		}
		if done {
			return alreadyProcessed(res)
		}
	}

	parsed, err := mailparse.Parse(msg.FullMessage)
	if err != nil {
		return fail(res, err)
	}
	res.Sender, res.Subject = parsed.From, parsed.Subject
	if mailparse.MessageDate(parsed, msg.Date).IsZero() {
		return fail(res, fmt.Errorf("message %s has no date: %w", key, model.ErrValidation))
	}

	safeText := mailparse.SafeText(parsed)
	history, err := p.store.RecentTextsWith(ctx, r.userID, parsed.Correspondent(), p.cfg.HistoryLimit)
	if err != nil {
		return fail(res, err)
	}

	analysis, err := p.determiner.Determine(ctx, action.Input{
		UserID:    r.userID,
		Email:     parsed,
		SafeText:  safeText,
		Prefs:     r.prefs,
		Draft:     opts.draft,
		People:    p.store,
		History:   history,
		Inference: r.inference,
	})
	if err != nil {
		return fail(res, err)
	}

	effective := action.Gate(analysis.Action, r.prefs)
	destination := action.Route(effective, r.prefs.Folders)
	res.RawAction, res.Action, res.Destination = analysis.Action, effective, destination

	var (
		draft     *model.Draft
		generated bool
	)
	if effective.IsDraft() {
		draft = opts.draft
		if draft == nil {
			draft, err = p.generateDraft(ctx, r, parsed, analysis, effective, history)
			if err != nil {
				return fail(res, err)
			}
			generated = true
		}
	}

	semantic, style := p.embed(ctx, r, parsed.BodyText)

	// 先提交决定，再执行不可逆的邮箱操作
	var recordID int64
	err = p.store.InTx(ctx, func(ctx context.Context, tx repository.Tx) error {
		rel, err := p.resolver.Resolve(ctx, tx, relationship.Input{
			UserID:  r.userID,
			Email:   parsed.From,
			ReplyTo: parsed.ReplyTo,
			Name:    parsed.FromName,
			History: history,
			Config:  r.prefs.Relationship,
		})
		if err != nil {
			return err
		}
		res.PersonEmailID = rel.PersonEmailID

		dest := destination
		rec := &dbcontracts.ActionRecord{
			UserID:            r.userID,
			EmailAccountID:    r.account.ID,
			EmailID:           key,
			PersonEmailID:     rel.PersonEmailID,
			ActionTaken:       string(effective),
			DestinationFolder: &dest,
			UID:               int64(msg.UID),
			Subject:           parsed.Subject,
			WordCount:         parsed.WordCount(),
			SemanticVector:    semantic,
			StyleVector:       style,
			RawText:           parsed.BodyText,
		}
		recordID, err = tx.UpsertAction(ctx, rec, opts.force)
		if err != nil {
			return err
		}

		if generated {
			if err := tx.InsertDraftTracking(ctx, draftTracking(recordID, r, key, draft)); err != nil {
				return err
			}
		}

		return tx.EnqueueEvent(ctx, mqcontracts.RoutingKeyActionRecorded, key, mqcontracts.ActionRecordedPayload{
			RecordID:    recordID,
			UserID:      r.userID,
			AccountID:   r.account.ID,
			EmailID:     key,
			Action:      string(effective),
			Destination: destination,
			TraceID:     trace.FromContext(ctx),
		})
	})
	if err != nil {
		if errors.Is(err, model.ErrDuplicate) {
			return alreadyProcessed(res)
		}
		return fail(res, err)
	}
	res.Committed, res.RecordID = true, recordID

	outcome, err := p.effector.Apply(ctx, r.session, mailbox.ApplyRequest{
		Action:      effective,
		UID:         msg.UID,
		Folder:      folder,
		Destination: destination,
		Draft:       draft,
		From:        r.account.Address,
	})
	if err != nil {
		return fail(res, fmt.Errorf("mailbox %s: %w", effective, err))
	}
	if outcome.Destination != destination {
		return fail(res, fmt.Errorf("recorded %q but mailbox used %q: %w", destination, outcome.Destination, model.ErrDestinationMismatch))
	}
	res.Moved, res.Description = outcome.Moved, outcome.Description

	if err := p.store.MarkMailboxApplied(ctx, recordID); err != nil {
		logger.WithTrace(ctx, p.logger).Warn("Failed to mark mailbox applied",
			zap.Int64("record_id", recordID),
			zap.Error(err),
		)
	}

	res.Success, res.Status = true, model.StatusProcessed
	return res
}

// processSent 记录用户发出的邮件，不做邮箱操作
func (p *Processor) processSent(ctx context.Context, r *run, msg model.InboundMessage, opts options) model.ProcessResult {
	res := model.ProcessResult{UID: msg.UID, Sender: msg.From, Subject: msg.Subject, Action: model.ActionSent}

	key := msg.Key(r.account.ID)
	res.EmailID = key
	if key == "" {
		return fail(res, fmt.Errorf("message has neither message id nor uid: %w", model.ErrValidation))
	}

	if !opts.force && !opts.prechecked {
		done, err := p.store.IsProcessed(ctx, r.userID, r.account.ID, key)
		if err != nil {
			return fail(res, err)
		}
		if done {
			return alreadyProcessed(res)
		}
	}

	parsed, err := mailparse.Parse(msg.FullMessage)
	if err != nil {
		return fail(res, err)
	}
	res.Sender, res.Subject = parsed.From, parsed.Subject

	recipients := parsed.Recipients()
	if len(recipients) == 0 {
		res = fail(res, fmt.Errorf("%s: %w", noRecipientsMessage, model.ErrValidation))
		res.Error = noRecipientsMessage
		return res
	}

	destination := action.Route(model.ActionSent, r.prefs.Folders)
	res.Destination = destination

	var recordID int64
	err = p.store.InTx(ctx, func(ctx context.Context, tx repository.Tx) error {
		rel, err := p.resolver.Resolve(ctx, tx, relationship.Input{
			UserID: r.userID,
			Email:  recipients[0],
			Config: r.prefs.Relationship,
		})
		if err != nil {
			return err
		}
		res.PersonEmailID = rel.PersonEmailID

		rec := &dbcontracts.ActionRecord{
			UserID:            r.userID,
			EmailAccountID:    r.account.ID,
			EmailID:           key,
			PersonEmailID:     rel.PersonEmailID,
			ActionTaken:       string(model.ActionSent),
			DestinationFolder: &destination,
			UID:               int64(msg.UID),
			Subject:           parsed.Subject,
			WordCount:         parsed.WordCount(),
			RawText:           parsed.BodyText,
		}
		recordID, err = tx.UpsertAction(ctx, rec, opts.force)
		return err
	})
	if err != nil {
		if errors.Is(err, model.ErrDuplicate) {
			return alreadyProcessed(res)
		}
		return fail(res, err)
	}

	res.Committed, res.RecordID = true, recordID
	res.Success, res.Status = true, model.StatusProcessed
	res.Description = "sent message recorded"
	return res
}

func (p *Processor) generateDraft(ctx context.Context, r *run, parsed *model.ParsedEmail, analysis model.Analysis, effective model.ActionType, history []string) (*model.Draft, error) {
	body, err := r.inference.GenerateReply(ctx, model.ReplyContext{
		UserID:       r.userID,
		Action:       effective,
		From:         parsed.From,
		Subject:      parsed.Subject,
		Body:         parsed.BodyText,
		Relationship: analysis.Relationship,
		History:      history,
	})
	if err != nil {
		return nil, fmt.Errorf("generate reply: %w", err)
	}

	d := &model.Draft{
		Body:         body,
		InReplyTo:    parsed.MessageID,
		References:   append([]string{}, parsed.References...),
		Relationship: analysis.Relationship,
		Meta: model.DraftMeta{
			Action:  effective,
			Urgency: analysis.Urgency,
			Context: analysis.Context,
		},
		Metadata: model.DraftMetadata{
			ExampleCount: len(history),
			GeneratedAt:  time.Now().UTC(),
		},
	}
	if analysis.Spam != nil {
		d.Metadata.SpamIndicators = analysis.Spam.Indicators
	}

	self := model.NormalizeAddress(r.account.Address)
	correspondent := parsed.Correspondent()
	switch effective {
	case model.ActionReply:
		d.To = []string{correspondent}
		d.Subject = prefixed("Re: ", parsed.Subject)
	case model.ActionReplyAll:
		d.To = []string{correspondent}
		d.Cc = without(append(append([]string{}, parsed.To...), parsed.Cc...), self, correspondent)
		d.Subject = prefixed("Re: ", parsed.Subject)
	case model.ActionForward, model.ActionForwardWithComment:
		if strings.Contains(analysis.AddressedTo, "@") {
			d.To = []string{model.NormalizeAddress(analysis.AddressedTo)}
		}
		d.Subject = prefixed("Fwd: ", parsed.Subject)
		d.Body = forwardBody(body, parsed, effective == model.ActionForwardWithComment)
	}
	return d, nil
}

// embed 嵌入向量是辅助数据，失败时不阻塞处理
func (p *Processor) embed(ctx context.Context, r *run, text string) (semantic, style []float32) {
	if strings.TrimSpace(text) == "" {
		return nil, nil
	}
	var err error
	if semantic, err = r.inference.Embed(ctx, inference.SpaceSemantic, text); err != nil {
		logger.WithTrace(ctx, p.logger).Warn("Semantic embedding failed", zap.Error(err))
		semantic = nil
	}
	if style, err = r.inference.Embed(ctx, inference.SpaceStyle, text); err != nil {
		logger.WithTrace(ctx, p.logger).Warn("Style embedding failed", zap.Error(err))
		style = nil
	}
	return semantic, style
}

// summarize 每封邮件一行汇总日志，无论成功与否
func (p *Processor) summarize(ctx context.Context, r *run, res model.ProcessResult, elapsed time.Duration) {
	fields := []zap.Field{
		zap.Int64("account_id", r.account.ID),
		zap.String("sender", res.Sender),
		zap.String("subject", res.Subject),
		zap.String("status", res.Status),
		zap.String("action", string(res.Action)),
		zap.String("destination", res.Destination),
		zap.Uint32("uid", res.UID),
		zap.Duration("elapsed", elapsed),
	}
	if res.Error != "" {
		fields = append(fields, zap.String("error", res.Error), zap.Bool("committed", res.Committed))
	}

	l := logger.WithTrace(ctx, p.logger)
	if res.Success {
		l.Info("inbox message processed", fields...)
	} else {
		l.Warn("inbox message processed", fields...)
	}
	metrics.IncrementMessageProcessed(res.Status, string(res.Action))
}

func fail(res model.ProcessResult, err error) model.ProcessResult {
	res.Success = false
	res.Status = model.StatusFailed
	res.Err = err
	res.Error = err.Error()
	return res
}

func alreadyProcessed(res model.ProcessResult) model.ProcessResult {
	res.Success = true
	res.Status = model.StatusAlreadyProcessed
	res.Description = "already processed"
	return res
}

func draftTracking(recordID int64, r *run, emailID string, d *model.Draft) *dbcontracts.DraftTracking {
	return &dbcontracts.DraftTracking{
		ActionRecordID: recordID,
		UserID:         r.userID,
		EmailAccountID: r.account.ID,
		EmailID:        emailID,
		Action:         string(d.Meta.Action),
		Relationship:   d.Relationship,
		Urgency:        d.Meta.Urgency,
		ExampleCount:   d.Metadata.ExampleCount,
		SpamIndicators: d.Metadata.SpamIndicators,
		DraftWordCount: len(strings.Fields(d.Body)),
	}
}

func prefixed(prefix, subject string) string {
	if strings.HasPrefix(strings.ToLower(subject), strings.ToLower(prefix)) {
		return subject
	}
	return prefix + subject
}

func without(list []string, exclude ...string) []string {
	skip := make(map[string]bool, len(exclude)+len(list))
	for _, e := range exclude {
		skip[model.NormalizeAddress(e)] = true
	}
	var out []string
	for _, a := range list {
		a = model.NormalizeAddress(a)
		if a == "" || skip[a] {
			continue
		}
		skip[a] = true
		out = append(out, a)
	}
	return out
}

func forwardBody(comment string, parsed *model.ParsedEmail, withComment bool) string {
	var b strings.Builder
	if withComment && strings.TrimSpace(comment) != "" {
		b.WriteString(comment)
		b.WriteString("\n\n")
	}
	b.WriteString("---------- Forwarded message ----------\n")
	fmt.Fprintf(&b, "From: %s\n", parsed.From)
	if !parsed.Date.IsZero() {
		fmt.Fprintf(&b, "Date: %s\n", parsed.Date.Format(time.RFC1123Z))
	}
	fmt.Fprintf(&b, "Subject: %s\n\n", parsed.Subject)
	b.WriteString(parsed.BodyText)
	return b.String()
}
