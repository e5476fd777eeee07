package db

// EmailAccount 表示 email_accounts 表
type EmailAccount struct {
	ID       int64  `json:"id"`
	UserID   int64  `json:"user_id"`
	Address  string `json:"address"`
	IMAPHost string `json:"imap_host"`
	IMAPPort int    `json:"imap_port"`
	Username string `json:"username"`
	Password string `json:"-"`
	UseTLS   bool   `json:"use_tls"`
	IsActive bool   `json:"is_active"`
}

// Rule condition types
const (
	RuleConditionSender       = "SENDER"
	RuleConditionRelationship = "RELATIONSHIP"
)

// ActionRule 表示 action_rules 表
type ActionRule struct {
	ID             int64  `json:"id"`
	UserID         int64  `json:"user_id"`
	ConditionType  string `json:"condition_type"`
	ConditionValue string `json:"condition_value"`
	TargetAction   string `json:"target_action"`
	Priority       int    `json:"priority"`
	IsActive       bool   `json:"is_active"`
}
