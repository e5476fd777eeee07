package mailbox

import (
	"context"
	"fmt"
	"net"
	"slices"
	"strconv"
	"sync"
	"time"

	dbcontracts "mailpilot/contracts/db"
	"mailpilot/internal/model"
	"mailpilot/pkg/metrics"

	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"
)

// IMAPOpener 用账号配置建立 IMAP 会话
type IMAPOpener struct{}

func NewIMAPOpener() *IMAPOpener {
	return &IMAPOpener{}
}

func (o *IMAPOpener) Open(ctx context.Context, account *dbcontracts.EmailAccount) (Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	addr := net.JoinHostPort(account.IMAPHost, strconv.Itoa(account.IMAPPort))

	var (
		client *imapclient.Client
		err    error
	)
	if account.UseTLS {
		client, err = imapclient.DialTLS(addr, nil)
	} else {
		client, err = imapclient.DialStartTLS(addr, nil)
	}
	if err != nil {
		return nil, fmt.Errorf("connecting to IMAP %s: %w", addr, err)
	}

	if err := client.Login(account.Username, account.Password).Wait(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("IMAP login for account %d: %v: %w", account.ID, err, model.ErrPermanent)
	}

	return &IMAPSession{client: client}, nil
}

// IMAPSession 对单个 imapclient.Client 的串行封装。
// 同一批次内并发处理的邮件共用它，命令之间由 mu 串行化。
type IMAPSession struct {
	mu       sync.Mutex
	client   *imapclient.Client
	selected string
}

func (s *IMAPSession) selectFolder(folder string) error {
	if s.selected == folder {
		return nil
	}
	if _, err := s.client.Select(folder, nil).Wait(); err != nil {
		return fmt.Errorf("selecting %s: %w", folder, err)
	}
	s.selected = folder
	return nil
}

// FetchMessages 按 UID 排序分页拉取信封
func (s *IMAPSession) FetchMessages(ctx context.Context, folder string, opts FetchOptions) (summaries []MessageSummary, err error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	defer observe("fetch_messages", time.Now(), &err)

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.selectFolder(folder); err != nil {
		return nil, err
	}

	criteria := &imap.SearchCriteria{}
	if !opts.Since.IsZero() {
		criteria.Since = opts.Since
	}
	data, err := s.client.UIDSearch(criteria, nil).Wait()
	if err != nil {
		return nil, fmt.Errorf("searching %s: %w", folder, err)
	}

	all := make([]uint32, 0, len(data.AllUIDs()))
	for _, uid := range data.AllUIDs() {
		all = append(all, uint32(uid))
	}
	slices.Sort(all)

	uids := page(all, opts)
	if len(uids) == 0 {
		return nil, nil
	}

	fetchCmd := s.client.Fetch(uidSet(uids), &imap.FetchOptions{
		Envelope: true,
		Flags:    true,
		UID:      true,
	})
	buffers, err := fetchCmd.Collect()
	if err != nil {
		return nil, fmt.Errorf("fetching envelopes: %w", err)
	}

	byUID := make(map[uint32]MessageSummary, len(buffers))
	for _, buf := range buffers {
		byUID[uint32(buf.UID)] = summaryFromBuffer(buf)
	}

	// 保持分页顺序
	summaries = make([]MessageSummary, 0, len(uids))
	for _, uid := range uids {
		if sm, ok := byUID[uid]; ok {
			summaries = append(summaries, sm)
		}
	}
	return summaries, nil
}

// FetchRaw 批量拉取原始邮件（不设置 \Seen）
func (s *IMAPSession) FetchRaw(ctx context.Context, folder string, uids []uint32) (raw map[uint32][]byte, err error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if len(uids) == 0 {
		return map[uint32][]byte{}, nil
	}
	defer observe("fetch_raw", time.Now(), &err)

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.selectFolder(folder); err != nil {
		return nil, err
	}

	section := &imap.FetchItemBodySection{Peek: true}
	buffers, err := s.client.Fetch(uidSet(uids), &imap.FetchOptions{
		UID:         true,
		BodySection: []*imap.FetchItemBodySection{section},
	}).Collect()
	if err != nil {
		return nil, fmt.Errorf("fetching bodies: %w", err)
	}

	raw = make(map[uint32][]byte, len(buffers))
	for _, buf := range buffers {
		if body := buf.FindBodySection(section); body != nil {
			raw[uint32(buf.UID)] = body
		}
	}
	return raw, nil
}

func (s *IMAPSession) Move(ctx context.Context, uid uint32, fromFolder, toFolder string) (err error) {
	if err := ctx.Err(); err != nil {
		return err
	}
	defer observe("move", time.Now(), &err)

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.selectFolder(fromFolder); err != nil {
		return err
	}
	if _, err := s.client.Move(uidSet([]uint32{uid}), toFolder).Wait(); err != nil {
		return fmt.Errorf("moving uid %d to %s: %w", uid, toFolder, err)
	}
	return nil
}

func (s *IMAPSession) AppendDraft(ctx context.Context, folder string, mime []byte) (err error) {
	if err := ctx.Err(); err != nil {
		return err
	}
	defer observe("append", time.Now(), &err)

	s.mu.Lock()
	defer s.mu.Unlock()

	cmd := s.client.Append(folder, int64(len(mime)), &imap.AppendOptions{
		Flags: []imap.Flag{imap.FlagDraft, imap.FlagSeen},
		Time:  time.Now(),
	})
	if _, err := cmd.Write(mime); err != nil {
		_ = cmd.Close()
		return fmt.Errorf("writing draft: %w", err)
	}
	if err := cmd.Close(); err != nil {
		return fmt.Errorf("closing append: %w", err)
	}
	if _, err := cmd.Wait(); err != nil {
		return fmt.Errorf("appending draft to %s: %w", folder, err)
	}
	return nil
}

func (s *IMAPSession) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_ = s.client.Logout().Wait()
	return s.client.Close()
}

func uidSet(uids []uint32) imap.UIDSet {
	set := make([]imap.UID, len(uids))
	for i, u := range uids {
		set[i] = imap.UID(u)
	}
	return imap.UIDSetNum(set...)
}

func summaryFromBuffer(buf *imapclient.FetchMessageBuffer) MessageSummary {
	sm := MessageSummary{UID: uint32(buf.UID)}
	for _, f := range buf.Flags {
		sm.Flags = append(sm.Flags, string(f))
	}
	env := buf.Envelope
	if env == nil {
		return sm
	}
	sm.MessageID = model.NormalizeMessageID(env.MessageID)
	sm.Subject = env.Subject
	sm.Date = env.Date
	if len(env.From) > 0 {
		sm.From = model.NormalizeAddress(env.From[0].Addr())
	}
	sm.To = envelopeAddrs(env.To)
	sm.Cc = envelopeAddrs(env.Cc)
	return sm
}

func envelopeAddrs(list []imap.Address) []string {
	out := make([]string, 0, len(list))
	for _, a := range list {
		if addr := a.Addr(); addr != "" {
			out = append(out, model.NormalizeAddress(addr))
		}
	}
	return out
}

func observe(op string, start time.Time, err *error) {
	status := "success"
	if *err != nil {
		status = "error"
	}
	metrics.RecordMailboxOp(op, status, time.Since(start))
}

