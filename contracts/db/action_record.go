package db

import "time"

// ActionRecord 表示 email_action_records 表的完整结构
// 唯一键 (user_id, email_account_id, email_id)
type ActionRecord struct {
	ID                int64      `json:"id"`
	UserID            int64      `json:"user_id"`
	EmailAccountID    int64      `json:"email_account_id"`
	EmailID           string     `json:"email_id"`
	PersonEmailID     string     `json:"person_email_id"`
	ActionTaken       string     `json:"action_taken"`
	DestinationFolder *string    `json:"destination_folder,omitempty"`
	UID               int64      `json:"uid"`
	Subject           string     `json:"subject"`
	WordCount         int        `json:"word_count"`
	SemanticVector    []float32  `json:"semantic_vector,omitempty"`
	StyleVector       []float32  `json:"style_vector,omitempty"`
	RawText           string     `json:"raw_text"`
	MailboxAppliedAt  *time.Time `json:"mailbox_applied_at,omitempty"`
	CreatedAt         time.Time  `json:"created_at"`
	UpdatedAt         time.Time  `json:"updated_at"`
}

// DraftTracking 表示 draft_tracking 表，仅用于审计
type DraftTracking struct {
	ID             int64     `json:"id"`
	ActionRecordID int64     `json:"action_record_id"`
	UserID         int64     `json:"user_id"`
	EmailAccountID int64     `json:"email_account_id"`
	EmailID        string    `json:"email_id"`
	Action         string    `json:"action"`
	Relationship   string    `json:"relationship"`
	Urgency        string    `json:"urgency"`
	ExampleCount   int       `json:"example_count"`
	SpamIndicators []string  `json:"spam_indicators"`
	DraftWordCount int       `json:"draft_word_count"`
	CreatedAt      time.Time `json:"created_at"`
}
