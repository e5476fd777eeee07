package mailbox

import (
	"context"
	"time"

	dbcontracts "mailpilot/contracts/db"
)

// FetchOptions 分页拉取参数
type FetchOptions struct {
	Offset     int
	Limit      int
	Descending bool
	Since      time.Time
}

// MessageSummary 拉取时得到的信封信息
type MessageSummary struct {
	UID       uint32
	MessageID string
	Subject   string
	From      string
	To        []string
	Cc        []string
	Date      time.Time
	Flags     []string
}

// Session 一次批处理内共用的邮箱协议会话
type Session interface {
	FetchMessages(ctx context.Context, folder string, opts FetchOptions) ([]MessageSummary, error)
	FetchRaw(ctx context.Context, folder string, uids []uint32) (map[uint32][]byte, error)
	Move(ctx context.Context, uid uint32, fromFolder, toFolder string) error
	AppendDraft(ctx context.Context, folder string, mime []byte) error
	Close() error
}

// Opener 为账号打开会话
type Opener interface {
	Open(ctx context.Context, account *dbcontracts.EmailAccount) (Session, error)
}

// page 对已排序的 UID 做 offset/limit 截取
func page(uids []uint32, opts FetchOptions) []uint32 {
	if opts.Descending {
		reversed := make([]uint32, len(uids))
		for i, u := range uids {
			reversed[len(uids)-1-i] = u
		}
		uids = reversed
	}
	if opts.Offset >= len(uids) {
		return nil
	}
	if opts.Offset > 0 {
		uids = uids[opts.Offset:]
	}
	if opts.Limit > 0 && len(uids) > opts.Limit {
		uids = uids[:opts.Limit]
	}
	return uids
}
