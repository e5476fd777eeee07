package repository

import (
	"context"
	"fmt"
	"time"

	dbcontracts "mailpilot/contracts/db"
	"mailpilot/internal/model"
	"mailpilot/pkg/metrics"
	"mailpilot/pkg/otel"
	"mailpilot/pkg/outbox"

	"github.com/jackc/pgx/v5"
)

// Tx 是持久化事务内可用的操作
type Tx interface {
	FindByEmail(ctx context.Context, userID int64, email string) (*dbcontracts.PersonMatch, error)
	CreatePerson(ctx context.Context, userID int64, name string) (string, error)
	EnsurePersonEmail(ctx context.Context, personID, email string, primary bool) (string, error)
	UpdateRelationship(ctx context.Context, personID string, expected *string, next string, confidence float64) (bool, error)
	UpsertAction(ctx context.Context, rec *dbcontracts.ActionRecord, overwrite bool) (int64, error)
	InsertDraftTracking(ctx context.Context, row *dbcontracts.DraftTracking) error
	EnqueueEvent(ctx context.Context, routingKey, aggregateID string, payload any) error
}

// Store 聚合各仓储，连接池上的读操作直接走仓储，写操作通过 InTx
type Store struct {
	pool        Pool
	Actions     *ActionRepository
	People      *PersonRepository
	Rules       *RuleRepository
	Accounts    *AccountRepository
	Preferences *PreferencesRepository
	Outbox      *outbox.Repository
}

func NewStore(pool Pool) *Store {
	return &Store{
		pool:        pool,
		Actions:     NewActionRepository(pool),
		People:      NewPersonRepository(pool),
		Rules:       NewRuleRepository(pool),
		Accounts:    NewAccountRepository(pool),
		Preferences: NewPreferencesRepository(pool),
		Outbox:      outbox.NewRepository(pool),
	}
}

type txRepos struct {
	*PersonRepository
	*ActionRepository
	*DraftTrackingRepository
	outbox *outbox.Repository
}

func (t *txRepos) EnqueueEvent(ctx context.Context, routingKey, aggregateID string, payload any) error {
	_, err := t.outbox.Insert(ctx, "email_action_record", aggregateID, routingKey, payload)
	return err
}

// InTx 在一个事务里执行 fn：fn 出错或 panic 时整体回滚，否则提交。
// 连接只在 fn 执行期间占用。
func (s *Store) InTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	start := time.Now()
	err := otel.TxSpan(ctx, "persist_action", func(ctx context.Context) error {
		return s.runTx(ctx, fn)
	})

	status := "committed"
	if err != nil {
		status = "rolled_back"
	}
	metrics.RecordPersist(status, time.Since(start))
	return err
}

func (s *Store) runTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) (err error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback(ctx)
			panic(p)
		}
	}()

	if err := fn(ctx, bindTx(tx)); err != nil {
		if rbErr := tx.Rollback(ctx); rbErr != nil {
			return fmt.Errorf("%w (rollback: %v)", err, rbErr)
		}
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

func bindTx(tx pgx.Tx) Tx {
	return &txRepos{
		PersonRepository:        NewPersonRepository(tx),
		ActionRepository:        NewActionRepository(tx),
		DraftTrackingRepository: NewDraftTrackingRepository(tx),
		outbox:                  outbox.NewRepository(tx),
	}
}

func (s *Store) Ping(ctx context.Context) error {
	var one int
	return s.pool.QueryRow(ctx, "SELECT 1").Scan(&one)
}

func (s *Store) Account(ctx context.Context, accountID int64) (*dbcontracts.EmailAccount, error) {
	return s.Accounts.Get(ctx, accountID)
}

func (s *Store) UserPreferences(ctx context.Context, userID int64) (model.Preferences, error) {
	return s.Preferences.Get(ctx, userID)
}

func (s *Store) ActiveRules(ctx context.Context, userID int64) ([]dbcontracts.ActionRule, error) {
	return s.Rules.ActiveRules(ctx, userID)
}

func (s *Store) FindByEmail(ctx context.Context, userID int64, email string) (*dbcontracts.PersonMatch, error) {
	return s.People.FindByEmail(ctx, userID, email)
}

func (s *Store) IsProcessed(ctx context.Context, userID, accountID int64, emailID string) (bool, error) {
	return s.Actions.IsProcessed(ctx, userID, accountID, emailID)
}

func (s *Store) ActionStates(ctx context.Context, userID, accountID int64, emailIDs []string) (map[string]model.ActionType, error) {
	return s.Actions.ActionStates(ctx, userID, accountID, emailIDs)
}

func (s *Store) MarkMailboxApplied(ctx context.Context, recordID int64) error {
	return s.Actions.MarkMailboxApplied(ctx, recordID)
}

func (s *Store) PendingReplays(ctx context.Context, userID, accountID int64, limit int) ([]dbcontracts.ActionRecord, error) {
	return s.Actions.PendingReplays(ctx, userID, accountID, limit)
}

func (s *Store) ResetToPending(ctx context.Context, userID, accountID int64, emailID string) (bool, error) {
	return s.Actions.ResetToPending(ctx, userID, accountID, emailID)
}

func (s *Store) CountResponsesTo(ctx context.Context, userID int64, address string) (int, error) {
	return s.Actions.CountResponsesTo(ctx, userID, address)
}

func (s *Store) RecentTextsWith(ctx context.Context, userID int64, address string, limit int) ([]string, error) {
	return s.Actions.RecentTextsWith(ctx, userID, address, limit)
}
