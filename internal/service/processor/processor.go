package processor

import (
	"context"
	"fmt"

	dbcontracts "mailpilot/contracts/db"
	mqcontracts "mailpilot/contracts/mq"
	"mailpilot/internal/mailbox"
	"mailpilot/internal/mailparse"
	"mailpilot/internal/model"
	"mailpilot/internal/repository"
	"mailpilot/internal/service/action"
	"mailpilot/internal/service/inference"
	"mailpilot/internal/service/relationship"

	"go.uber.org/zap"
)

// Store 处理器依赖的持久化操作，由 *repository.Store 实现
type Store interface {
	relationship.Reader
	Account(ctx context.Context, accountID int64) (*dbcontracts.EmailAccount, error)
	UserPreferences(ctx context.Context, userID int64) (model.Preferences, error)
	IsProcessed(ctx context.Context, userID, accountID int64, emailID string) (bool, error)
	ActionStates(ctx context.Context, userID, accountID int64, emailIDs []string) (map[string]model.ActionType, error)
	RecentTextsWith(ctx context.Context, userID int64, address string, limit int) ([]string, error)
	MarkMailboxApplied(ctx context.Context, recordID int64) error
	PendingReplays(ctx context.Context, userID, accountID int64, limit int) ([]dbcontracts.ActionRecord, error)
	ResetToPending(ctx context.Context, userID, accountID int64, emailID string) (bool, error)
	InTx(ctx context.Context, fn func(ctx context.Context, tx repository.Tx) error) error
}

// Inference 处理一封邮件用到的全部外部推理能力
type Inference interface {
	action.Inference
	GenerateReply(ctx context.Context, in model.ReplyContext) (string, error)
	Embed(ctx context.Context, space, text string) ([]float32, error)
}

// InferenceSource 按 provider 取得推理客户端
type InferenceSource func(ctx context.Context, provider string) (Inference, error)

// FromContextCache 使用 context 中的 inference.ClientCache
func FromContextCache(ctx context.Context, provider string) (Inference, error) {
	client, err := inference.ForProvider(ctx, provider)
	if err != nil {
		return nil, err
	}
	return client, nil
}

type Determiner interface {
	Determine(ctx context.Context, in action.Input) (model.Analysis, error)
}

type Resolver interface {
	Resolve(ctx context.Context, tx relationship.Writer, in relationship.Input) (model.RelationshipResult, error)
}

type Effector interface {
	Apply(ctx context.Context, session mailbox.Session, req mailbox.ApplyRequest) (model.EffectOutcome, error)
}

// Config 批处理参数
type Config struct {
	BatchSize    int
	Concurrency  int
	HistoryLimit int
}

type Processor struct {
	store      Store
	opener     mailbox.Opener
	determiner Determiner
	resolver   Resolver
	effector   Effector
	inference  InferenceSource
	cfg        Config
	logger     *zap.Logger
}

func New(
	store Store,
	opener mailbox.Opener,
	determiner Determiner,
	resolver Resolver,
	effector Effector,
	inference InferenceSource,
	cfg Config,
	logger *zap.Logger,
) *Processor {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 20
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 4
	}
	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = 10
	}
	return &Processor{
		store:      store,
		opener:     opener,
		determiner: determiner,
		resolver:   resolver,
		effector:   effector,
		inference:  inference,
		cfg:        cfg,
		logger:     logger,
	}
}

// run 一次调用（单封或一页）共享的上下文：账号、偏好、邮箱会话、推理客户端
type run struct {
	userID    int64
	account   *dbcontracts.EmailAccount
	prefs     model.Preferences
	session   mailbox.Session
	inference Inference
}

func (r *run) close() {
	if r.session != nil {
		_ = r.session.Close()
	}
}

func (p *Processor) begin(ctx context.Context, userID, accountID int64, needInference bool) (*run, error) {
	account, err := p.store.Account(ctx, accountID)
	if err != nil {
		return nil, err
	}
	if account.UserID != userID {
		return nil, fmt.Errorf("account %d does not belong to user %d: %w", accountID, userID, model.ErrPermanent)
	}

	prefs, err := p.store.UserPreferences(ctx, userID)
	if err != nil {
		return nil, err
	}

	r := &run{userID: userID, account: account, prefs: prefs}
	if needInference {
		r.inference, err = p.inference(ctx, prefs.InferenceProvider)
		if err != nil {
			return nil, fmt.Errorf("inference provider: %v: %w", err, model.ErrPermanent)
		}
	}

	r.session, err = p.opener.Open(ctx, account)
	if err != nil {
		return nil, err
	}
	return r, nil
}

// SingleRequest 按需处理单封邮件
type SingleRequest struct {
	UserID    int64
	AccountID int64
	Folder    string
	UID       uint32
	Kind      string
	Force     bool
	Draft     *model.Draft
}

// ProcessUID 单封邮件入口。返回的 error 只表示无法开始处理（账号、连接等），
// 单封邮件自身的失败记录在结果中。
func (p *Processor) ProcessUID(ctx context.Context, req SingleRequest) (model.ProcessResult, error) {
	r, err := p.begin(ctx, req.UserID, req.AccountID, req.Kind != mqcontracts.JobKindSent)
	if err != nil {
		return model.ProcessResult{}, err
	}
	defer r.close()

	folder := p.folderFor(r.prefs, req.Kind, req.Folder)
	raw, err := r.session.FetchRaw(ctx, folder, []uint32{req.UID})
	if err != nil {
		return model.ProcessResult{}, err
	}
	body, ok := raw[req.UID]
	if !ok {
		return model.ProcessResult{}, fmt.Errorf("uid %d not found in %s: %w", req.UID, folder, model.ErrValidation)
	}

	msg := model.InboundMessage{UID: req.UID, FullMessage: body}
	if parsed, err := mailparse.Parse(body); err == nil {
		msg.MessageID = parsed.MessageID
		msg.Subject = parsed.Subject
		msg.From = parsed.From
		msg.To = parsed.To
		msg.Cc = parsed.Cc
		msg.Date = parsed.Date
	}

	ctx = relationship.WithCache(ctx)
	return p.processOne(ctx, r, req.Kind, folder, msg, options{force: req.Force, draft: req.Draft}), nil
}

// ResetToPending 运维操作：把记录重置为 pending，下次批处理会重新处理
func (p *Processor) ResetToPending(ctx context.Context, userID, accountID int64, emailID string) (bool, error) {
	return p.store.ResetToPending(ctx, userID, accountID, model.NormalizeMessageID(emailID))
}

func (p *Processor) folderFor(prefs model.Preferences, kind, folder string) string {
	if folder != "" {
		return folder
	}
	folders := prefs.Folders.WithDefaults()
	if kind == mqcontracts.JobKindSent {
		return folders.SentFolder
	}
	return folders.InboxFolder
}
