package repository

import (
	"context"
	"errors"
	"fmt"

	dbcontracts "mailpilot/contracts/db"
	"mailpilot/internal/model"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

type PersonRepository struct {
	db DBTX
}

func NewPersonRepository(db DBTX) *PersonRepository {
	return &PersonRepository{db: db}
}

// FindByEmail 按地址查联系人，不存在时返回 nil, nil
func (r *PersonRepository) FindByEmail(ctx context.Context, userID int64, email string) (*dbcontracts.PersonMatch, error) {
	query := `
        SELECT p.id, p.user_id, p.name, p.relationship_type, p.relationship_user_set,
               p.relationship_confidence, p.created_at, p.updated_at,
               pe.id, pe.person_id, pe.email_address, pe.is_primary
        FROM person_emails pe
        JOIN people p ON p.id = pe.person_id
        WHERE p.user_id = $1 AND pe.email_address = $2
        ORDER BY pe.is_primary DESC
        LIMIT 1
    `
	var m dbcontracts.PersonMatch
	err := r.db.QueryRow(ctx, query, userID, model.NormalizeAddress(email)).Scan(
		&m.Person.ID,
		&m.Person.UserID,
		&m.Person.Name,
		&m.Person.RelationshipType,
		&m.Person.RelationshipUserSet,
		&m.Person.RelationshipConfidence,
		&m.Person.CreatedAt,
		&m.Person.UpdatedAt,
		&m.Email.ID,
		&m.Email.PersonID,
		&m.Email.EmailAddress,
		&m.Email.IsPrimary,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to find person by email: %w", err)
	}
	return &m, nil
}

// CreatePerson 并发安全：冲突时不插入，再查一次拿到胜出者的 id
func (r *PersonRepository) CreatePerson(ctx context.Context, userID int64, name string) (string, error) {
	id := uuid.NewString()
	var got string
	err := r.db.QueryRow(ctx, `
        INSERT INTO people (id, user_id, name)
        VALUES ($1, $2, $3)
        ON CONFLICT (user_id, name) DO NOTHING
        RETURNING id
    `, id, userID, name).Scan(&got)
	if err == nil {
		return got, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return "", fmt.Errorf("failed to insert person: %w", err)
	}

	err = r.db.QueryRow(ctx, `
        SELECT id FROM people WHERE user_id = $1 AND name = $2
    `, userID, name).Scan(&got)
	if err != nil {
		return "", fmt.Errorf("failed to reselect person after conflict: %w", err)
	}
	return got, nil
}

// EnsurePersonEmail 返回 person_email 的 id，已存在时复用
func (r *PersonRepository) EnsurePersonEmail(ctx context.Context, personID, email string, primary bool) (string, error) {
	var id string
	err := r.db.QueryRow(ctx, `
        INSERT INTO person_emails (id, person_id, email_address, is_primary)
        VALUES ($1, $2, $3, $4)
        ON CONFLICT (person_id, email_address) DO UPDATE
            SET is_primary = person_emails.is_primary OR EXCLUDED.is_primary
        RETURNING id
    `, uuid.NewString(), personID, model.NormalizeAddress(email), primary).Scan(&id)
	if err != nil {
		return "", fmt.Errorf("failed to upsert person email: %w", err)
	}
	return id, nil
}

// UpdateRelationship 比较并交换：只有关系仍是 expected 且未被用户设置时才更新，
// 置信度只升不降。返回是否更新成功。
func (r *PersonRepository) UpdateRelationship(ctx context.Context, personID string, expected *string, next string, confidence float64) (bool, error) {
	tag, err := r.db.Exec(ctx, `
        UPDATE people
        SET relationship_type = $3,
            relationship_confidence = GREATEST(relationship_confidence, $4),
            updated_at = NOW()
        WHERE id = $1
          AND relationship_user_set = FALSE
          AND relationship_type IS NOT DISTINCT FROM $2
    `, personID, expected, next, confidence)
	if err != nil {
		return false, fmt.Errorf("failed to update relationship: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}
