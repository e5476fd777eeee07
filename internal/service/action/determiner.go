package action

import (
	"context"
	"fmt"

	"mailpilot/internal/model"
	"mailpilot/internal/service/relationship"
	"mailpilot/internal/service/rules"
	"mailpilot/internal/service/spam"

	"go.uber.org/zap"
)

// Inference 判定阶段需要的外部推理能力
type Inference interface {
	spam.Classifier
	RecommendAction(ctx context.Context, in model.ActionContext) (model.Recommendation, error)
}

type RuleChecker interface {
	CheckRules(ctx context.Context, userID int64, sender string, rel model.RelationshipType) (rules.Match, error)
}

type SpamChecker interface {
	CheckSpam(ctx context.Context, classifier spam.Classifier, in spam.Input) (model.SpamResult, error)
}

type RelationshipDetector interface {
	Detect(ctx context.Context, store relationship.Reader, in relationship.Input) (model.RelationshipResult, error)
}

// Input 判定一封邮件所需的全部输入
type Input struct {
	UserID   int64
	Email    *model.ParsedEmail
	SafeText string
	Prefs    model.Preferences
	// 重试时传入之前生成的草稿，避免再次调用不确定的推理
	Draft     *model.Draft
	People    relationship.Reader
	History   []string
	Inference Inference
}

// Determiner 按 草稿 -> 规则 -> 垃圾 -> 推理 的顺序判定原始动作，首个结论胜出
type Determiner struct {
	rules         RuleChecker
	spam          SpamChecker
	relationships RelationshipDetector
	logger        *zap.Logger
}

func NewDeterminer(rules RuleChecker, spam SpamChecker, relationships RelationshipDetector, logger *zap.Logger) *Determiner {
	return &Determiner{rules: rules, spam: spam, relationships: relationships, logger: logger}
}

// Determine 返回原始动作及其分析；结果尚未经过偏好过滤
func (d *Determiner) Determine(ctx context.Context, in Input) (model.Analysis, error) {
	structure := model.ContextOf(in.Email)

	if in.Draft != nil && in.Draft.Meta.Action != "" {
		if _, err := model.ParseActionType(string(in.Draft.Meta.Action)); err == nil {
			return model.Analysis{
				Action:       in.Draft.Meta.Action,
				Source:       model.SourceDraft,
				Relationship: in.Draft.Relationship,
				Confidence:   1.0,
				Urgency:      in.Draft.Meta.Urgency,
				Context:      structure,
			}, nil
		}
	}

	rel, err := d.relationships.Detect(ctx, in.People, relationship.Input{
		UserID:  in.UserID,
		Email:   in.Email.From,
		ReplyTo: in.Email.ReplyTo,
		Name:    in.Email.FromName,
		History: in.History,
		Config:  in.Prefs.Relationship,
	})
	if err != nil {
		return model.Analysis{}, fmt.Errorf("detecting relationship: %w", err)
	}

	match, err := d.rules.CheckRules(ctx, in.UserID, in.Email.From, rel.Relationship)
	if err != nil {
		return model.Analysis{}, fmt.Errorf("checking rules: %w", err)
	}
	if match.Matched {
		analysis := match.Analysis
		analysis.Context = structure
		return analysis, nil
	}

	spamResult, err := d.spam.CheckSpam(ctx, in.Inference, spam.Input{
		UserID:   in.UserID,
		Email:    in.Email,
		SafeText: in.SafeText,
		Prefs:    in.Prefs,
	})
	if err != nil {
		return model.Analysis{}, err
	}
	if spamResult.IsSpam {
		return model.Analysis{
			Action:       model.ActionSilentSpam,
			Source:       model.SourceSpam,
			Relationship: string(rel.Relationship),
			Confidence:   rel.Confidence,
			Context:      structure,
			Spam:         &spamResult,
		}, nil
	}

	rec, err := in.Inference.RecommendAction(ctx, model.ActionContext{
		UserID:       in.UserID,
		From:         in.Email.From,
		To:           in.Email.To,
		Cc:           in.Email.Cc,
		Subject:      in.Email.Subject,
		Body:         in.SafeText,
		Relationship: string(rel.Relationship),
		Structure:    structure,
	})
	if err != nil {
		return model.Analysis{}, fmt.Errorf("recommend action: %w", err)
	}

	action, err := model.ParseActionType(string(rec.Action))
	if err != nil || action == model.ActionPending || action == model.ActionSent {
		d.logger.Warn("Unrecognized recommended action, keeping in inbox",
			zap.String("action", string(rec.Action)),
		)
		action = model.ActionKeepInInbox
	}

	return model.Analysis{
		Action:            action,
		Source:            model.SourceInference,
		Relationship:      string(rel.Relationship),
		Confidence:        rel.Confidence,
		Urgency:           rec.Urgency,
		AddressedTo:       rec.AddressedTo,
		KeyConsiderations: rec.KeyConsiderations,
		Context:           structure,
		Spam:              &spamResult,
	}, nil
}
