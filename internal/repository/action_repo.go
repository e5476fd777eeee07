package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	dbcontracts "mailpilot/contracts/db"
	"mailpilot/internal/model"
	"mailpilot/pkg/otel"
	"mailpilot/pkg/util"

	"github.com/jackc/pgx/v5"
)

// DefaultReplayGrace 提交后至少经过这么久才允许重放邮箱操作，
// 避免与仍在执行同一封邮件 MOVE 的批次重复操作
const DefaultReplayGrace = 5 * time.Minute

type ActionRepository struct {
	db          DBTX
	replayGrace time.Duration
}

func NewActionRepository(db DBTX) *ActionRepository {
	return &ActionRepository{db: db, replayGrace: DefaultReplayGrace}
}

// WithReplayGrace 覆盖重放宽限期
func (r *ActionRepository) WithReplayGrace(d time.Duration) *ActionRepository {
	r.replayGrace = d
	return r
}

// IsProcessed 存在非 pending 的记录即视为已处理
func (r *ActionRepository) IsProcessed(ctx context.Context, userID, accountID int64, emailID string) (bool, error) {
	query := `
        SELECT EXISTS (
            SELECT 1 FROM email_action_records
            WHERE user_id = $1 AND email_account_id = $2 AND email_id = $3
              AND action_taken <> 'pending'
        )
    `
	var exists bool
	if err := r.db.QueryRow(ctx, query, userID, accountID, emailID).Scan(&exists); err != nil {
		return false, fmt.Errorf("failed to check processed state: %w", err)
	}
	return exists, nil
}

// ActionStates 一次查询整页邮件的已有状态
func (r *ActionRepository) ActionStates(ctx context.Context, userID, accountID int64, emailIDs []string) (map[string]model.ActionType, error) {
	states := make(map[string]model.ActionType, len(emailIDs))
	if len(emailIDs) == 0 {
		return states, nil
	}

	ctx, span := otel.DBSpan(ctx, "SELECT", "email_action_records")
	defer span.End()

	query := `
        SELECT email_id, action_taken
        FROM email_action_records
        WHERE user_id = $1 AND email_account_id = $2 AND email_id = ANY($3)
    `
	rows, err := r.db.Query(ctx, query, userID, accountID, emailIDs)
	if err != nil {
		otel.WrapDBError(span, err)
		return nil, fmt.Errorf("failed to query action states: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var emailID, action string
		if err := rows.Scan(&emailID, &action); err != nil {
			return nil, err
		}
		states[emailID] = model.ActionType(action)
	}
	return states, rows.Err()
}

// UpsertAction 写入动作记录。已有非 pending 记录时不覆盖（除非 overwrite），
// 返回 model.ErrDuplicate，由调用方回滚事务。
func (r *ActionRepository) UpsertAction(ctx context.Context, rec *dbcontracts.ActionRecord, overwrite bool) (int64, error) {
	query := `
        INSERT INTO email_action_records (
            user_id, email_account_id, email_id, person_email_id, action_taken,
            destination_folder, uid, subject, word_count, semantic_vector, style_vector, raw_text
        )
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
        ON CONFLICT (user_id, email_account_id, email_id) DO UPDATE SET
            person_email_id    = EXCLUDED.person_email_id,
            action_taken       = EXCLUDED.action_taken,
            destination_folder = EXCLUDED.destination_folder,
            uid                = EXCLUDED.uid,
            subject            = EXCLUDED.subject,
            word_count         = EXCLUDED.word_count,
            semantic_vector    = EXCLUDED.semantic_vector,
            style_vector       = EXCLUDED.style_vector,
            raw_text           = EXCLUDED.raw_text,
            mailbox_applied_at = NULL,
            updated_at         = NOW()
        WHERE email_action_records.action_taken = 'pending' OR $13
        RETURNING id
    `
	var id int64
	err := r.db.QueryRow(ctx, query,
		rec.UserID,
		rec.EmailAccountID,
		rec.EmailID,
		rec.PersonEmailID,
		rec.ActionTaken,
		rec.DestinationFolder,
		rec.UID,
		rec.Subject,
		rec.WordCount,
		rec.SemanticVector,
		rec.StyleVector,
		rec.RawText,
		overwrite,
	).Scan(&id)
	if err != nil {
		// 冲突且 WHERE 不成立时没有返回行
		if errors.Is(err, pgx.ErrNoRows) || util.IsUniqueViolation(err) {
			return 0, fmt.Errorf("email %s: %w", rec.EmailID, model.ErrDuplicate)
		}
		return 0, fmt.Errorf("failed to upsert action record: %w", err)
	}
	rec.ID = id
	return id, nil
}

// MarkMailboxApplied 邮箱操作完成后标记
func (r *ActionRepository) MarkMailboxApplied(ctx context.Context, recordID int64) error {
	_, err := r.db.Exec(ctx, `
        UPDATE email_action_records
        SET mailbox_applied_at = NOW(), updated_at = NOW()
        WHERE id = $1
    `, recordID)
	if err != nil {
		return fmt.Errorf("failed to mark mailbox applied: %w", err)
	}
	return nil
}

// PendingReplays 已提交但邮箱操作未完成、且超过宽限期的记录
func (r *ActionRepository) PendingReplays(ctx context.Context, userID, accountID int64, limit int) ([]dbcontracts.ActionRecord, error) {
	query := `
        SELECT id, user_id, email_account_id, email_id, person_email_id, action_taken,
               destination_folder, uid, subject, word_count, created_at, updated_at
        FROM email_action_records
        WHERE user_id = $1 AND email_account_id = $2
          AND mailbox_applied_at IS NULL
          AND action_taken NOT IN ('pending', 'sent')
          AND updated_at < NOW() - make_interval(secs => $4)
        ORDER BY created_at ASC
        LIMIT $3
    `
	rows, err := r.db.Query(ctx, query, userID, accountID, limit, r.replayGrace.Seconds())
	if err != nil {
		return nil, fmt.Errorf("failed to query pending replays: %w", err)
	}
	defer rows.Close()

	var records []dbcontracts.ActionRecord
	for rows.Next() {
		var rec dbcontracts.ActionRecord
		if err := rows.Scan(
			&rec.ID,
			&rec.UserID,
			&rec.EmailAccountID,
			&rec.EmailID,
			&rec.PersonEmailID,
			&rec.ActionTaken,
			&rec.DestinationFolder,
			&rec.UID,
			&rec.Subject,
			&rec.WordCount,
			&rec.CreatedAt,
			&rec.UpdatedAt,
		); err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

// ResetToPending 运维操作：让邮件可以被重新处理
func (r *ActionRepository) ResetToPending(ctx context.Context, userID, accountID int64, emailID string) (bool, error) {
	tag, err := r.db.Exec(ctx, `
        UPDATE email_action_records
        SET action_taken = 'pending', destination_folder = NULL, mailbox_applied_at = NULL, updated_at = NOW()
        WHERE user_id = $1 AND email_account_id = $2 AND email_id = $3
    `, userID, accountID, emailID)
	if err != nil {
		return false, fmt.Errorf("failed to reset action record: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// CountResponsesTo 用户给该地址发过的邮件数
func (r *ActionRepository) CountResponsesTo(ctx context.Context, userID int64, address string) (int, error) {
	query := `
        SELECT COUNT(*)
        FROM email_action_records r
        JOIN person_emails pe ON pe.id = r.person_email_id
        WHERE r.user_id = $1 AND r.action_taken = 'sent' AND pe.email_address = $2
    `
	var n int
	if err := r.db.QueryRow(ctx, query, userID, model.NormalizeAddress(address)).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count responses: %w", err)
	}
	return n, nil
}

// RecentTextsWith 最近发给该地址的邮件正文，作为关系判断的历史上下文
func (r *ActionRepository) RecentTextsWith(ctx context.Context, userID int64, address string, limit int) ([]string, error) {
	query := `
        SELECT r.raw_text
        FROM email_action_records r
        JOIN person_emails pe ON pe.id = r.person_email_id
        WHERE r.user_id = $1 AND r.action_taken = 'sent' AND pe.email_address = $2
        ORDER BY r.created_at DESC
        LIMIT $3
    `
	rows, err := r.db.Query(ctx, query, userID, model.NormalizeAddress(address), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query history: %w", err)
	}
	defer rows.Close()

	var texts []string
	for rows.Next() {
		var t string
		if err := rows.Scan(&t); err != nil {
			return nil, err
		}
		if t != "" {
			texts = append(texts, t)
		}
	}
	return texts, rows.Err()
}
