package model

// 单封邮件处理状态
const (
	StatusProcessed        = "processed"
	StatusAlreadyProcessed = "already_processed"
	StatusFailed           = "failed"
)

// ProcessResult 单封邮件的处理结果
type ProcessResult struct {
	Success       bool       `json:"success"`
	Status        string     `json:"status"`
	UID           uint32     `json:"uid"`
	EmailID       string     `json:"email_id"`
	Sender        string     `json:"sender,omitempty"`
	Subject       string     `json:"subject,omitempty"`
	RawAction     ActionType `json:"raw_action,omitempty"`
	Action        ActionType `json:"action,omitempty"`
	Destination   string     `json:"destination,omitempty"`
	Moved         bool       `json:"moved"`
	Description   string     `json:"description,omitempty"`
	RecordID      int64      `json:"record_id,omitempty"`
	PersonEmailID string     `json:"person_email_id,omitempty"`
	Error         string     `json:"error,omitempty"`
	// 已提交但邮箱操作失败，可以重放
	Committed bool  `json:"committed"`
	Err       error `json:"-"`
}

// BatchResult 一页邮件的汇总
type BatchResult struct {
	Fetched    int             `json:"fetched"`
	Processed  int             `json:"processed"`
	Skipped    int             `json:"skipped"`
	Failed     int             `json:"failed"`
	HasMore    bool            `json:"has_more"`
	NextOffset int             `json:"next_offset"`
	Results    []ProcessResult `json:"results"`
}

// Add 按状态计数
func (b *BatchResult) Add(r ProcessResult) {
	b.Results = append(b.Results, r)
	switch {
	case r.Status == StatusAlreadyProcessed:
		b.Skipped++
	case r.Success:
		b.Processed++
	default:
		b.Failed++
	}
}

// Pagination 页满即认为还有更多
func Pagination(offset, batchSize, fetched int) (hasMore bool, nextOffset int) {
	return batchSize > 0 && fetched >= batchSize, offset + fetched
}

// EffectOutcome 邮箱操作结果
type EffectOutcome struct {
	Moved       bool   `json:"moved"`
	Destination string `json:"destination"`
	Description string `json:"description"`
}
