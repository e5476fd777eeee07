package model

import (
	"fmt"
	"strings"
	"time"
)

// InboundMessage 一次拉取得到的邮件，只在本次处理中存活
type InboundMessage struct {
	UID         uint32    `json:"uid"`
	MessageID   string    `json:"message_id,omitempty"`
	Subject     string    `json:"subject"`
	From        string    `json:"from"`
	To          []string  `json:"to,omitempty"`
	Cc          []string  `json:"cc,omitempty"`
	Date        time.Time `json:"date"`
	Flags       []string  `json:"flags,omitempty"`
	FullMessage []byte    `json:"-"`
}

// Key 返回幂等键：规范化后的 Message-ID，缺失时退化为 uid@accountId。
// 退化键只在一次批量拉取内有效，uid 在不同邮箱状态下并不稳定。
func (m InboundMessage) Key(accountID int64) string {
	if id := NormalizeMessageID(m.MessageID); id != "" {
		return id
	}
	if m.UID == 0 {
		return ""
	}
	return fmt.Sprintf("%d@%d", m.UID, accountID)
}

// NormalizeMessageID 去掉尖括号和首尾空白
func NormalizeMessageID(id string) string {
	id = strings.TrimSpace(id)
	id = strings.TrimPrefix(id, "<")
	id = strings.TrimSuffix(id, ">")
	return strings.TrimSpace(id)
}

// NormalizeAddress 地址统一小写
func NormalizeAddress(addr string) string {
	return strings.ToLower(strings.TrimSpace(addr))
}

// Domain 返回地址的域名部分
func Domain(addr string) string {
	addr = NormalizeAddress(addr)
	if i := strings.LastIndexByte(addr, '@'); i >= 0 {
		return addr[i+1:]
	}
	return ""
}

// NormalizeDomain 去掉前导 @ 并小写
func NormalizeDomain(d string) string {
	return strings.TrimPrefix(NormalizeAddress(d), "@")
}

// ParsedEmail 解析后的邮件
type ParsedEmail struct {
	MessageID   string
	From        string
	FromName    string
	ReplyTo     string
	To          []string
	Cc          []string
	Bcc         []string
	Subject     string
	Date        time.Time
	BodyText    string
	BodyHTML    string
	InReplyTo   string
	References  []string
	ListID      string
	Unsubscribe string
	Precedence  string

	AttachmentCount int
}

func (p *ParsedEmail) HasAttachments() bool { return p.AttachmentCount > 0 }

// Recipients 合并 to/cc/bcc
func (p *ParsedEmail) Recipients() []string {
	out := make([]string, 0, len(p.To)+len(p.Cc)+len(p.Bcc))
	out = append(out, p.To...)
	out = append(out, p.Cc...)
	out = append(out, p.Bcc...)
	return out
}

// IsThreaded 基于头部结构判断是否属于已有会话
func (p *ParsedEmail) IsThreaded() bool {
	if p.InReplyTo != "" || len(p.References) > 0 {
		return true
	}
	subj := strings.ToLower(strings.TrimSpace(p.Subject))
	return strings.HasPrefix(subj, "re:") || strings.HasPrefix(subj, "fwd:") || strings.HasPrefix(subj, "fw:")
}

// IsGroupEmail 收件人多于一个
func (p *ParsedEmail) IsGroupEmail() bool {
	return len(p.To)+len(p.Cc) > 1
}

// WordCount 正文词数
func (p *ParsedEmail) WordCount() int {
	return len(strings.Fields(p.BodyText))
}

// Correspondent 优先 Reply-To
func (p *ParsedEmail) Correspondent() string {
	if p.ReplyTo != "" {
		return NormalizeAddress(p.ReplyTo)
	}
	return NormalizeAddress(p.From)
}

// MessageContext 邮件的客观结构特征
type MessageContext struct {
	IsThreaded     bool `json:"is_threaded"`
	HasAttachments bool `json:"has_attachments"`
	IsGroupEmail   bool `json:"is_group_email"`
}

func ContextOf(p *ParsedEmail) MessageContext {
	return MessageContext{
		IsThreaded:     p.IsThreaded(),
		HasAttachments: p.HasAttachments(),
		IsGroupEmail:   p.IsGroupEmail(),
	}
}
