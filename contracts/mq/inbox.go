package mq

import "time"

// Routing keys
const (
	RoutingKeyInboxProcess   = "inbox.process"
	RoutingKeyActionRecorded = "inbox.action_recorded"
)

// Job kinds
const (
	JobKindIncoming = "incoming"
	JobKindSent     = "sent"
)

// InboxJobPayload 处理一页邮件（或指定 UID 的单封邮件）的任务
type InboxJobPayload struct {
	UserID    int64     `json:"user_id"`
	AccountID int64     `json:"account_id"`
	Folder    string    `json:"folder,omitempty"`
	Kind      string    `json:"kind,omitempty"`
	Offset    int       `json:"offset"`
	BatchSize int       `json:"batch_size,omitempty"`
	Force     bool      `json:"force,omitempty"`
	UID       uint32    `json:"uid,omitempty"`
	Since     time.Time `json:"since,omitempty"`
	TraceID   string    `json:"trace_id,omitempty"`
}

// ActionRecordedPayload 动作记录提交后经 outbox 发布
type ActionRecordedPayload struct {
	RecordID    int64  `json:"record_id"`
	UserID      int64  `json:"user_id"`
	AccountID   int64  `json:"account_id"`
	EmailID     string `json:"email_id"`
	Action      string `json:"action"`
	Destination string `json:"destination"`
	TraceID     string `json:"trace_id,omitempty"`
}
