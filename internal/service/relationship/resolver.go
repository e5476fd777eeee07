package relationship

import (
	"context"
	"fmt"
	"strings"
	"sync"

	dbcontracts "mailpilot/contracts/db"
	"mailpilot/internal/model"

	"go.uber.org/zap"
)

// 解析来源
const (
	SourceStored     = "stored"
	SourceConfigured = "configured"
	SourceHeuristic  = "heuristic"
)

// Reader 只读查询
type Reader interface {
	FindByEmail(ctx context.Context, userID int64, email string) (*dbcontracts.PersonMatch, error)
}

// Writer 事务内的写操作
type Writer interface {
	Reader
	CreatePerson(ctx context.Context, userID int64, name string) (string, error)
	EnsurePersonEmail(ctx context.Context, personID, email string, primary bool) (string, error)
	UpdateRelationship(ctx context.Context, personID string, expected *string, next string, confidence float64) (bool, error)
}

// Input 待解析的联系人
type Input struct {
	UserID  int64
	Email   string
	ReplyTo string
	Name    string
	History []string
	Config  model.RelationshipConfig
}

type Resolver struct {
	logger *zap.Logger
}

func NewResolver(logger *zap.Logger) *Resolver {
	return &Resolver{logger: logger}
}

// Detect 只读解析，不创建联系人。用于动作判定阶段。
func (r *Resolver) Detect(ctx context.Context, store Reader, in Input) (model.RelationshipResult, error) {
	email := model.NormalizeAddress(in.Email)
	replyTo := model.NormalizeAddress(in.ReplyTo)
	if email == "" && replyTo == "" {
		return model.RelationshipResult{}, fmt.Errorf("no correspondent address: %w", model.ErrMalformedInput)
	}

	cache := cacheFrom(ctx)
	if res, ok := cache.get(in.UserID, replyTo, email); ok {
		return res, nil
	}

	res, _, err := r.detect(ctx, store, in, replyTo, email)
	if err != nil {
		return res, err
	}
	cache.put(in.UserID, replyTo, email, res)
	return res, nil
}

// detect 返回解析结果以及已有联系人当前存储的关系（用于比较并交换）
func (r *Resolver) detect(ctx context.Context, store Reader, in Input, replyTo, email string) (model.RelationshipResult, *string, error) {
	// 1. 已有联系人，Reply-To 优先，首个命中即为结果
	for _, addr := range candidates(replyTo, email) {
		match, err := store.FindByEmail(ctx, in.UserID, addr)
		if err != nil {
			return model.RelationshipResult{}, nil, err
		}
		if match == nil {
			continue
		}
		res := model.RelationshipResult{
			PersonID:      match.Person.ID,
			PersonEmailID: match.Email.ID,
			UserSet:       match.Person.RelationshipUserSet,
			MatchedEmail:  addr,
			Source:        SourceStored,
		}
		// 只看该联系人自己地址的配置，另一个地址的配置不能写到这个联系人上
		cfgRel, cfgConf, cfgOK := configured(addr, in.Config)
		current := match.Person.RelationshipType
		if current != nil {
			stored := model.RelationshipType(*current)
			res.Relationship = stored
			res.Confidence = match.Person.RelationshipConfidence
			// 用户设置的关系优先于一切推断；否则配置中优先级更高的关系可以覆盖
			if res.UserSet || !cfgOK || model.Stronger(stored, cfgRel) == stored {
				return res, current, nil
			}
		}
		if cfgOK {
			res.Relationship, res.Confidence, res.Source = cfgRel, cfgConf, SourceConfigured
			return res, current, nil
		}
		res.Relationship, res.Confidence = fallback(addr, in.History)
		res.Source = SourceHeuristic
		return res, current, nil
	}

	// 2. 用户配置
	if cfgRel, cfgConf, cfgAddr, cfgOK := bestConfigured(replyTo, email, in.Config); cfgOK {
		return model.RelationshipResult{
			Relationship: cfgRel,
			Confidence:   cfgConf,
			MatchedEmail: cfgAddr,
			Source:       SourceConfigured,
		}, nil, nil
	}

	// 3. 启发式
	addr := firstNonEmpty(replyTo, email)
	rel, conf := fallback(addr, in.History)
	return model.RelationshipResult{
		Relationship: rel,
		Confidence:   conf,
		MatchedEmail: addr,
		Source:       SourceHeuristic,
	}, nil, nil
}

// Resolve 在事务内解析并落库联系人，返回非空的 PersonEmailID。
// 关系只在新关系优先级不低于旧关系时更新，用户设置的关系从不覆盖。
func (r *Resolver) Resolve(ctx context.Context, tx Writer, in Input) (model.RelationshipResult, error) {
	res, current, err := r.detect(ctx, tx, in, model.NormalizeAddress(in.ReplyTo), model.NormalizeAddress(in.Email))
	if err != nil {
		return res, err
	}
	addr := res.MatchedEmail
	if addr == "" {
		return res, fmt.Errorf("resolving relationship: %w", model.ErrNoPersonEmail)
	}

	if res.PersonID == "" {
		name := strings.TrimSpace(in.Name)
		if name == "" || model.NormalizeAddress(in.ReplyTo) == addr {
			name = addr
		}
		personID, err := tx.CreatePerson(ctx, in.UserID, name)
		if err != nil {
			return res, err
		}
		// 同名冲突时复用胜出者；其已有关系由 UpdateRelationship 的条件保护
		res.PersonID = personID
	}

	if res.PersonEmailID == "" {
		id, err := tx.EnsurePersonEmail(ctx, res.PersonID, addr, true)
		if err != nil {
			return res, err
		}
		res.PersonEmailID = id
	}

	if res.Source != SourceStored && !res.UserSet {
		if err := r.applyRelationship(ctx, tx, &res, current); err != nil {
			return res, err
		}
	}

	if res.PersonEmailID == "" {
		return res, fmt.Errorf("resolving %s: %w", addr, model.ErrNoPersonEmail)
	}

	cacheFrom(ctx).put(in.UserID, model.NormalizeAddress(in.ReplyTo), model.NormalizeAddress(in.Email), res)
	return res, nil
}

func (r *Resolver) applyRelationship(ctx context.Context, tx Writer, res *model.RelationshipResult, current *string) error {
	var currentRel *model.RelationshipType
	if current != nil {
		c := model.RelationshipType(*current)
		currentRel = &c
	}
	if !model.ShouldReplace(currentRel, res.Relationship) {
		// 保留已有的更高优先级关系
		if currentRel != nil {
			res.Relationship = *currentRel
		}
		return nil
	}

	updated, err := tx.UpdateRelationship(ctx, res.PersonID, current, string(res.Relationship), res.Confidence)
	if err != nil {
		return err
	}
	if !updated {
		r.logger.Debug("Relationship update skipped",
			zap.String("person_id", res.PersonID),
			zap.String("relationship", string(res.Relationship)),
		)
	}
	return nil
}

// bestConfigured 同时检查 Reply-To 与 From，优先级数字小者胜；相同时取 Reply-To
func bestConfigured(replyTo, email string, cfg model.RelationshipConfig) (model.RelationshipType, float64, string, bool) {
	var (
		best     model.RelationshipType
		bestConf float64
		bestAddr string
		found    bool
	)
	for _, addr := range candidates(replyTo, email) {
		rel, conf, ok := configured(addr, cfg)
		if !ok {
			continue
		}
		if !found || model.Stronger(best, rel) != best {
			best, bestConf, bestAddr, found = rel, conf, addr, true
		}
	}
	return best, bestConf, bestAddr, found
}

func candidates(replyTo, email string) []string {
	out := make([]string, 0, 2)
	if replyTo != "" {
		out = append(out, replyTo)
	}
	if email != "" && email != replyTo {
		out = append(out, email)
	}
	return out
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

// Cache 批次级的关系缓存，按 (用户, Reply-To, From) 整体为键，只缓存关系判定，不缓存事务内生成的 id
type Cache struct {
	mu      sync.RWMutex
	entries map[string]model.RelationshipResult
}

type cacheKey struct{}

// WithCache 为一次批处理创建新缓存；不同批次之间不共享
func WithCache(ctx context.Context) context.Context {
	return context.WithValue(ctx, cacheKey{}, &Cache{entries: make(map[string]model.RelationshipResult)})
}

func cacheFrom(ctx context.Context) *Cache {
	c, _ := ctx.Value(cacheKey{}).(*Cache)
	return c
}

func (c *Cache) key(userID int64, replyTo, email string) string {
	return fmt.Sprintf("%d:%s|%s", userID, replyTo, email)
}

func (c *Cache) get(userID int64, replyTo, email string) (model.RelationshipResult, bool) {
	if c == nil {
		return model.RelationshipResult{}, false
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	res, ok := c.entries[c.key(userID, replyTo, email)]
	return res, ok
}

func (c *Cache) put(userID int64, replyTo, email string, res model.RelationshipResult) {
	if c == nil || (replyTo == "" && email == "") {
		return
	}
	res.PersonID = ""
	res.PersonEmailID = ""
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[c.key(userID, replyTo, email)] = res
}

// Len 缓存条目数
func (c *Cache) Len() int {
	if c == nil {
		return 0
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// CacheFrom 供测试与日志使用
func CacheFrom(ctx context.Context) *Cache {
	return cacheFrom(ctx)
}
