package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	dbcontracts "mailpilot/contracts/db"
	"mailpilot/internal/model"

	"github.com/jackc/pgx/v5"
)

type AccountRepository struct {
	db DBTX
}

func NewAccountRepository(db DBTX) *AccountRepository {
	return &AccountRepository{db: db}
}

// Get 账号不存在或已停用属于永久错误
func (r *AccountRepository) Get(ctx context.Context, accountID int64) (*dbcontracts.EmailAccount, error) {
	query := `
        SELECT id, user_id, address, imap_host, imap_port, username, password, use_tls, is_active
        FROM email_accounts
        WHERE id = $1
    `
	var a dbcontracts.EmailAccount
	err := r.db.QueryRow(ctx, query, accountID).Scan(
		&a.ID,
		&a.UserID,
		&a.Address,
		&a.IMAPHost,
		&a.IMAPPort,
		&a.Username,
		&a.Password,
		&a.UseTLS,
		&a.IsActive,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("email account %d not found: %w", accountID, model.ErrPermanent)
		}
		return nil, fmt.Errorf("failed to load email account: %w", err)
	}
	if !a.IsActive {
		return nil, fmt.Errorf("email account %d is inactive: %w", accountID, model.ErrPermanent)
	}
	return &a, nil
}

type PreferencesRepository struct {
	db DBTX
}

func NewPreferencesRepository(db DBTX) *PreferencesRepository {
	return &PreferencesRepository{db: db}
}

// Get 没有配置时返回默认偏好；存储的 JSON 覆盖在默认值之上
func (r *PreferencesRepository) Get(ctx context.Context, userID int64) (model.Preferences, error) {
	prefs := model.DefaultPreferences()

	var raw []byte
	err := r.db.QueryRow(ctx, `SELECT preferences FROM user_preferences WHERE user_id = $1`, userID).Scan(&raw)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return prefs, nil
		}
		return prefs, fmt.Errorf("failed to load preferences: %w", err)
	}

	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &prefs); err != nil {
			return prefs, fmt.Errorf("invalid preferences for user %d: %w", userID, err)
		}
	}
	prefs.Folders = prefs.Folders.WithDefaults()
	return prefs, nil
}

type DraftTrackingRepository struct {
	db DBTX
}

func NewDraftTrackingRepository(db DBTX) *DraftTrackingRepository {
	return &DraftTrackingRepository{db: db}
}

func (r *DraftTrackingRepository) InsertDraftTracking(ctx context.Context, row *dbcontracts.DraftTracking) error {
	indicators := row.SpamIndicators
	if indicators == nil {
		indicators = []string{}
	}
	_, err := r.db.Exec(ctx, `
        INSERT INTO draft_tracking (
            action_record_id, user_id, email_account_id, email_id, action,
            relationship, urgency, example_count, spam_indicators, draft_word_count
        )
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
    `,
		row.ActionRecordID,
		row.UserID,
		row.EmailAccountID,
		row.EmailID,
		row.Action,
		row.Relationship,
		row.Urgency,
		row.ExampleCount,
		indicators,
		row.DraftWordCount,
	)
	if err != nil {
		return fmt.Errorf("failed to insert draft tracking: %w", err)
	}
	return nil
}
