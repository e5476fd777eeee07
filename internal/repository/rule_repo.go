package repository

import (
	"context"
	"fmt"

	dbcontracts "mailpilot/contracts/db"
)

type RuleRepository struct {
	db DBTX
}

func NewRuleRepository(db DBTX) *RuleRepository {
	return &RuleRepository{db: db}
}

// ActiveRules 按 priority、id 升序返回用户启用的规则
func (r *RuleRepository) ActiveRules(ctx context.Context, userID int64) ([]dbcontracts.ActionRule, error) {
	query := `
        SELECT id, user_id, condition_type, condition_value, target_action, priority, is_active
        FROM action_rules
        WHERE user_id = $1 AND is_active = TRUE
        ORDER BY priority ASC, id ASC
    `
	rows, err := r.db.Query(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to query action rules: %w", err)
	}
	defer rows.Close()

	var rules []dbcontracts.ActionRule
	for rows.Next() {
		var rule dbcontracts.ActionRule
		if err := rows.Scan(
			&rule.ID,
			&rule.UserID,
			&rule.ConditionType,
			&rule.ConditionValue,
			&rule.TargetAction,
			&rule.Priority,
			&rule.IsActive,
		); err != nil {
			return nil, err
		}
		rules = append(rules, rule)
	}
	return rules, rows.Err()
}
