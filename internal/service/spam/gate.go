package spam

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"mailpilot/internal/model"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Classifier 外部垃圾邮件分类器
type Classifier interface {
	ClassifySpam(ctx context.Context, in model.SpamCheckInput) (model.SpamResult, error)
}

// ResponseCounter 用户回复过该发件人的次数
type ResponseCounter interface {
	CountResponsesTo(ctx context.Context, userID int64, address string) (int, error)
}

// Input 一次检查的输入
type Input struct {
	UserID   int64
	Email    *model.ParsedEmail
	SafeText string
	Prefs    model.Preferences
}

// Gate 白名单 + Redis 缓存 + 外部分类器
type Gate struct {
	rdb       *redis.Client
	responses ResponseCounter
	ttl       time.Duration
	logger    *zap.Logger
}

func NewGate(rdb *redis.Client, responses ResponseCounter, ttl time.Duration, logger *zap.Logger) *Gate {
	return &Gate{rdb: rdb, responses: responses, ttl: ttl, logger: logger}
}

// CheckSpam 关闭检测时返回确定的非垃圾结果；白名单永远优先于分类器
func (g *Gate) CheckSpam(ctx context.Context, classifier Classifier, in Input) (model.SpamResult, error) {
	if !in.Prefs.SpamDetection {
		return model.SpamResult{
			Indicators: []string{"spam detection disabled by user"},
			Source:     "disabled",
		}, nil
	}

	sender := model.NormalizeAddress(in.Email.From)
	if reason, ok := whitelisted(sender, in.Prefs.Relationship); ok {
		return model.SpamResult{Indicators: []string{reason}, Source: "whitelist"}, nil
	}

	key := cacheKey(in.UserID, sender)
	if cached, ok := g.cached(ctx, key); ok {
		return cached, nil
	}

	count, err := g.responses.CountResponsesTo(ctx, in.UserID, sender)
	if err != nil {
		return model.SpamResult{}, err
	}

	result, err := classifier.ClassifySpam(ctx, model.SpamCheckInput{
		UserID:              in.UserID,
		From:                sender,
		Subject:             in.Email.Subject,
		Body:                in.SafeText,
		SenderResponseCount: count,
	})
	if err != nil {
		return model.SpamResult{}, fmt.Errorf("spam classifier: %w", err)
	}
	result.SenderResponseCount = count

	g.store(ctx, key, result)
	return result, nil
}

func whitelisted(sender string, cfg model.RelationshipConfig) (string, bool) {
	if wd := model.NormalizeDomain(cfg.WorkDomain); wd != "" && model.Domain(sender) == wd {
		return "sender in work domain", true
	}
	for _, e := range cfg.FamilyEmails {
		if model.NormalizeAddress(e) == sender {
			return "sender in family list", true
		}
	}
	for _, e := range cfg.SpouseEmails {
		if model.NormalizeAddress(e) == sender {
			return "sender in spouse list", true
		}
	}
	return "", false
}

func cacheKey(userID int64, sender string) string {
	return fmt.Sprintf("spam:%d:%s", userID, sender)
}

func (g *Gate) cached(ctx context.Context, key string) (model.SpamResult, bool) {
	if g.rdb == nil {
		return model.SpamResult{}, false
	}
	raw, err := g.rdb.Get(ctx, key).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			g.logger.Warn("Spam cache read failed", zap.String("key", key), zap.Error(err))
		}
		return model.SpamResult{}, false
	}
	var res model.SpamResult
	if err := json.Unmarshal(raw, &res); err != nil {
		return model.SpamResult{}, false
	}
	res.Source = "cache"
	return res, true
}

func (g *Gate) store(ctx context.Context, key string, res model.SpamResult) {
	if g.rdb == nil {
		return
	}
	b, err := json.Marshal(res)
	if err != nil {
		return
	}
	if err := g.rdb.Set(ctx, key, b, g.ttl).Err(); err != nil {
		g.logger.Warn("Spam cache write failed", zap.String("key", key), zap.Error(err))
	}
}
