package model

import "time"

// 动作来源
const (
	SourceDraft     = "draft"
	SourceRule      = "rule"
	SourceSpam      = "spam"
	SourceInference = "inference"
)

// SpamResult 垃圾邮件判定
type SpamResult struct {
	IsSpam              bool     `json:"is_spam"`
	Indicators          []string `json:"indicators,omitempty"`
	SenderResponseCount int      `json:"sender_response_count"`
	Source              string   `json:"source,omitempty"`
}

// SpamCheckInput 发给外部分类器的内容（已去掉附件）
type SpamCheckInput struct {
	UserID              int64  `json:"user_id"`
	From                string `json:"from"`
	Subject             string `json:"subject"`
	Body                string `json:"body"`
	SenderResponseCount int    `json:"sender_response_count"`
}

// ActionContext 请求推理服务推荐动作的上下文
type ActionContext struct {
	UserID       int64          `json:"user_id"`
	From         string         `json:"from"`
	To           []string       `json:"to,omitempty"`
	Cc           []string       `json:"cc,omitempty"`
	Subject      string         `json:"subject"`
	Body         string         `json:"body"`
	Relationship string         `json:"relationship"`
	Structure    MessageContext `json:"structure"`
}

// Recommendation 推理服务返回的建议
type Recommendation struct {
	Action            ActionType `json:"action"`
	Urgency           string     `json:"urgency,omitempty"`
	AddressedTo       string     `json:"addressed_to,omitempty"`
	KeyConsiderations []string   `json:"key_considerations,omitempty"`
}

// ReplyContext 请求生成回复正文的上下文
type ReplyContext struct {
	UserID       int64      `json:"user_id"`
	Action       ActionType `json:"action"`
	From         string     `json:"from"`
	Subject      string     `json:"subject"`
	Body         string     `json:"body"`
	Relationship string     `json:"relationship"`
	History      []string   `json:"history,omitempty"`
}

// Analysis 动作判定的完整结果，无论来自哪一步都保持同样的形状
type Analysis struct {
	Action            ActionType     `json:"action"`
	Source            string         `json:"source"`
	Relationship      string         `json:"relationship"`
	Confidence        float64        `json:"confidence"`
	Urgency           string         `json:"urgency,omitempty"`
	AddressedTo       string         `json:"addressed_to,omitempty"`
	KeyConsiderations []string       `json:"key_considerations,omitempty"`
	Context           MessageContext `json:"context"`
	Spam              *SpamResult    `json:"spam,omitempty"`
	RuleID            int64          `json:"rule_id,omitempty"`
}

// DraftMeta 草稿附带的动作与结构信息
type DraftMeta struct {
	Action  ActionType     `json:"action"`
	Urgency string         `json:"urgency,omitempty"`
	Context MessageContext `json:"context"`
}

// DraftMetadata 审计用
type DraftMetadata struct {
	SpamIndicators []string  `json:"spam_indicators,omitempty"`
	ExampleCount   int       `json:"example_count"`
	GeneratedAt    time.Time `json:"generated_at"`
}

// Draft 回复草稿，只在处理期间存在
type Draft struct {
	To           []string      `json:"to"`
	Cc           []string      `json:"cc,omitempty"`
	Subject      string        `json:"subject"`
	Body         string        `json:"body"`
	BodyHTML     string        `json:"body_html,omitempty"`
	InReplyTo    string        `json:"in_reply_to,omitempty"`
	References   []string      `json:"references,omitempty"`
	Meta         DraftMeta     `json:"meta"`
	Relationship string        `json:"relationship,omitempty"`
	Metadata     DraftMetadata `json:"draft_metadata"`
}
