package relationship

import (
	"strings"

	"mailpilot/internal/model"
)

var webmailDomains = map[string]bool{
	"gmail.com":   true,
	"yahoo.com":   true,
	"hotmail.com": true,
	"outlook.com": true,
}

var (
	intimacyMarkers     = []string{"love you", "honey", "sweetheart", "babe", "xoxo", "miss you", "darling"}
	professionalMarkers = []string{"meeting", "deadline", "project", "invoice", "agenda", "quarterly", "client", "proposal"}
	familiarityMarkers  = []string{"hey", "lol", "haha", "cheers", "see ya", "thx", ":)"}
	formalityMarkers    = []string{"dear ", "sincerely", "best regards", "kind regards", "regards,"}
)

const (
	configuredConfidence = 1.0
	workDomainConfidence = 0.9
	webmailConfidence    = 0.5
	defaultConfidence    = 0.3
	// 历史内容推断的置信度下限
	historyConfidenceFloor = 0.6
	// 占比超过该值视为“高”
	highRatio = 0.5
)

// configured 用户配置的精确地址或工作域名匹配
func configured(addr string, cfg model.RelationshipConfig) (model.RelationshipType, float64, bool) {
	addr = model.NormalizeAddress(addr)
	if addr == "" {
		return "", 0, false
	}

	lists := []struct {
		rel    model.RelationshipType
		emails []string
	}{
		{model.RelationshipSpouse, cfg.SpouseEmails},
		{model.RelationshipFamily, cfg.FamilyEmails},
		{model.RelationshipColleague, cfg.ColleagueEmails},
		{model.RelationshipFriends, cfg.FriendEmails},
	}
	// 按优先级顺序检查，同一地址出现在多个列表时取优先级最高的
	for _, l := range lists {
		for _, e := range l.emails {
			if model.NormalizeAddress(e) == addr {
				return l.rel, configuredConfidence, true
			}
		}
	}

	if wd := model.NormalizeDomain(cfg.WorkDomain); wd != "" && model.Domain(addr) == wd {
		return model.RelationshipColleague, workDomainConfidence, true
	}
	return "", 0, false
}

// fallback 域名启发式加可选的历史内容推断
func fallback(addr string, history []string) (model.RelationshipType, float64) {
	rel, conf := model.RelationshipExternal, defaultConfidence
	if webmailDomains[model.Domain(addr)] {
		rel, conf = model.RelationshipFriends, webmailConfidence
	}

	if len(history) == 0 {
		return rel, conf
	}

	var intimate, professional, familiar, formal int
	for _, text := range history {
		t := strings.ToLower(text)
		if containsAny(t, intimacyMarkers) {
			intimate++
		}
		if containsAny(t, professionalMarkers) {
			professional++
		}
		if containsAny(t, familiarityMarkers) {
			familiar++
		}
		if containsAny(t, formalityMarkers) {
			formal++
		}
	}

	n := float64(len(history))
	familiarity := float64(familiar) / n
	formality := float64(formal) / n

	switch {
	case intimate > 0 && familiarity >= highRatio:
		return model.RelationshipSpouse, maxf(historyConfidenceFloor, familiarity)
	case professional > 0 && formality >= highRatio:
		return model.RelationshipColleague, maxf(historyConfidenceFloor, formality)
	case professional == 0 && familiarity >= highRatio:
		return model.RelationshipFriends, maxf(historyConfidenceFloor, familiarity)
	}
	return rel, conf
}

func containsAny(s string, markers []string) bool {
	for _, m := range markers {
		if strings.Contains(s, m) {
			return true
		}
	}
	return false
}

func maxf(a, b float64) float64 {
	if a > b {
		return a
	}
	return b
}
