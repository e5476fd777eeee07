package rules

import (
	"context"
	"sort"
	"strings"

	dbcontracts "mailpilot/contracts/db"
	"mailpilot/internal/model"

	"go.uber.org/zap"
)

// Store 读取用户启用的规则
type Store interface {
	ActiveRules(ctx context.Context, userID int64) ([]dbcontracts.ActionRule, error)
}

// Match 规则匹配结果
type Match struct {
	Matched  bool
	Action   model.ActionType
	Rule     *dbcontracts.ActionRule
	Analysis model.Analysis
}

type Evaluator struct {
	store  Store
	logger *zap.Logger
}

func NewEvaluator(store Store, logger *zap.Logger) *Evaluator {
	return &Evaluator{store: store, logger: logger}
}

// CheckRules 先匹配发件人规则，再匹配关系规则，与规则的 priority 字段无关；
// priority 只决定同一层内的先后。第一个命中即返回。
func (e *Evaluator) CheckRules(ctx context.Context, userID int64, sender string, relationship model.RelationshipType) (Match, error) {
	all, err := e.store.ActiveRules(ctx, userID)
	if err != nil {
		return Match{}, err
	}

	sort.SliceStable(all, func(i, j int) bool {
		if all[i].Priority != all[j].Priority {
			return all[i].Priority < all[j].Priority
		}
		return all[i].ID < all[j].ID
	})

	sender = model.NormalizeAddress(sender)
	tiers := []struct {
		condition string
		matches   func(value string) bool
	}{
		{dbcontracts.RuleConditionSender, func(v string) bool {
			return sender != "" && model.NormalizeAddress(v) == sender
		}},
		{dbcontracts.RuleConditionRelationship, func(v string) bool {
			return relationship != "" && strings.EqualFold(strings.TrimSpace(v), string(relationship))
		}},
	}

	for _, tier := range tiers {
		for i := range all {
			rule := &all[i]
			if !rule.IsActive || !strings.EqualFold(rule.ConditionType, tier.condition) || !tier.matches(rule.ConditionValue) {
				continue
			}
			action, err := model.ParseActionType(rule.TargetAction)
			if err != nil || action == model.ActionPending || action == model.ActionSent {
				e.logger.Warn("Skipping rule with invalid target action",
					zap.Int64("rule_id", rule.ID),
					zap.String("target_action", rule.TargetAction),
				)
				continue
			}
			return Match{
				Matched: true,
				Action:  action,
				Rule:    rule,
				Analysis: model.Analysis{
					Action:       action,
					Source:       model.SourceRule,
					Relationship: model.RuleBasedRelationship,
					Confidence:   1.0,
					RuleID:       rule.ID,
				},
			}, nil
		}
	}

	return Match{}, nil
}
