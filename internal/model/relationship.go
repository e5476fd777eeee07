package model

import (
	"fmt"
	"strings"
)

// RelationshipType 联系人关系
type RelationshipType string

const (
	RelationshipSpouse    RelationshipType = "SPOUSE"
	RelationshipFamily    RelationshipType = "FAMILY"
	RelationshipColleague RelationshipType = "COLLEAGUE"
	RelationshipFriends   RelationshipType = "FRIENDS"
	RelationshipExternal  RelationshipType = "EXTERNAL"
	RelationshipSpam      RelationshipType = "SPAM"
)

// RuleBasedRelationship 规则命中时合成分析结果使用的关系标记
const RuleBasedRelationship = "rule-based"

// 数字越小优先级越高
var relationshipPriority = map[RelationshipType]int{
	RelationshipSpouse:    1,
	RelationshipFamily:    2,
	RelationshipColleague: 3,
	RelationshipFriends:   4,
	RelationshipExternal:  5,
	RelationshipSpam:      6,
}

// Priority 未知关系返回 0 和 false
func (r RelationshipType) Priority() (int, bool) {
	p, ok := relationshipPriority[r]
	return p, ok
}

func (r RelationshipType) Valid() bool {
	_, ok := relationshipPriority[r]
	return ok
}

// ParseRelationshipType 大小写不敏感
func ParseRelationshipType(s string) (RelationshipType, error) {
	r := RelationshipType(strings.ToUpper(strings.TrimSpace(s)))
	if !r.Valid() {
		return "", fmt.Errorf("unknown relationship %q: %w", s, ErrValidation)
	}
	return r, nil
}

// Stronger 返回优先级更高的一个，相等时返回 a
func Stronger(a, b RelationshipType) RelationshipType {
	pa, okA := a.Priority()
	pb, okB := b.Priority()
	switch {
	case !okA:
		return b
	case !okB:
		return a
	case pb < pa:
		return b
	}
	return a
}

// ShouldReplace 仅当新关系优先级不低于旧关系（或旧关系为空）时替换
func ShouldReplace(current *RelationshipType, next RelationshipType) bool {
	pn, ok := next.Priority()
	if !ok {
		return false
	}
	if current == nil {
		return true
	}
	pc, ok := current.Priority()
	if !ok {
		return true
	}
	return pn <= pc
}

// RelationshipResult 关系解析结果
type RelationshipResult struct {
	Relationship  RelationshipType `json:"relationship"`
	Confidence    float64          `json:"confidence"`
	PersonID      string           `json:"person_id,omitempty"`
	PersonEmailID string           `json:"person_email_id,omitempty"`
	UserSet       bool             `json:"user_set,omitempty"`
	Source        string           `json:"source"`
	// 实际匹配到的地址（Reply-To 或 From）
	MatchedEmail string `json:"matched_email"`
}
