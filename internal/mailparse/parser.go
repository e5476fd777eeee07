package mailparse

import (
	"bytes"
	"fmt"
	"net/mail"
	"strings"
	"time"

	"mailpilot/internal/model"

	"github.com/jhillyerd/enmime"
)

// 发给推理服务的正文上限
const maxSafeBodyRunes = 8000

// Parse 解析原始邮件。缺少可用的 From 头属于 MalformedInput。
func Parse(raw []byte) (*model.ParsedEmail, error) {
	if len(bytes.TrimSpace(raw)) == 0 {
		return nil, fmt.Errorf("empty message: %w", model.ErrMalformedInput)
	}

	env, err := enmime.ReadEnvelope(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("failed to parse message: %v: %w", err, model.ErrMalformedInput)
	}

	from := addressList(env, "From")
	if len(from) == 0 || from[0].Address == "" {
		return nil, fmt.Errorf("missing sender header: %w", model.ErrMalformedInput)
	}

	parsed := &model.ParsedEmail{
		MessageID:   model.NormalizeMessageID(env.GetHeader("Message-ID")),
		From:        model.NormalizeAddress(from[0].Address),
		FromName:    strings.TrimSpace(from[0].Name),
		To:          addresses(addressList(env, "To")),
		Cc:          addresses(addressList(env, "Cc")),
		Bcc:         addresses(addressList(env, "Bcc")),
		Subject:     strings.TrimSpace(env.GetHeader("Subject")),
		BodyText:    env.Text,
		BodyHTML:    env.HTML,
		InReplyTo:   model.NormalizeMessageID(env.GetHeader("In-Reply-To")),
		References:  messageIDs(env.GetHeader("References")),
		ListID:      strings.TrimSpace(env.GetHeader("List-Id")),
		Unsubscribe: strings.TrimSpace(env.GetHeader("List-Unsubscribe")),
		Precedence:  strings.ToLower(strings.TrimSpace(env.GetHeader("Precedence"))),
	}

	if replyTo := addressList(env, "Reply-To"); len(replyTo) > 0 {
		addr := model.NormalizeAddress(replyTo[0].Address)
		if addr != parsed.From {
			parsed.ReplyTo = addr
		}
	}

	if d, err := env.Date(); err == nil {
		parsed.Date = d.UTC()
	}

	parsed.AttachmentCount = len(env.Attachments)
	for _, inline := range env.Inlines {
		if inline.FileName != "" {
			parsed.AttachmentCount++
		}
	}

	return parsed, nil
}

// SafeText 生成不含附件的纯文本副本，供推理服务使用
func SafeText(p *model.ParsedEmail) string {
	var b strings.Builder
	fmt.Fprintf(&b, "From: %s\n", p.From)
	if len(p.To) > 0 {
		fmt.Fprintf(&b, "To: %s\n", strings.Join(p.To, ", "))
	}
	if len(p.Cc) > 0 {
		fmt.Fprintf(&b, "Cc: %s\n", strings.Join(p.Cc, ", "))
	}
	fmt.Fprintf(&b, "Subject: %s\n", p.Subject)
	if p.AttachmentCount > 0 {
		fmt.Fprintf(&b, "[%d attachment(s) removed]\n", p.AttachmentCount)
	}
	b.WriteString("\n")
	b.WriteString(truncateRunes(strings.TrimSpace(p.BodyText), maxSafeBodyRunes))
	return b.String()
}

// MessageDate 优先使用解析出的 Date 头，其次使用拉取时的信封日期
func MessageDate(p *model.ParsedEmail, fallback time.Time) time.Time {
	if !p.Date.IsZero() {
		return p.Date
	}
	return fallback
}

func addressList(env *enmime.Envelope, header string) []*mail.Address {
	list, err := env.AddressList(header)
	if err != nil {
		return nil
	}
	return list
}

func addresses(list []*mail.Address) []string {
	out := make([]string, 0, len(list))
	for _, a := range list {
		if a == nil || a.Address == "" {
			continue
		}
		out = append(out, model.NormalizeAddress(a.Address))
	}
	return out
}

func messageIDs(header string) []string {
	var ids []string
	for _, f := range strings.Fields(header) {
		if id := model.NormalizeMessageID(f); id != "" {
			ids = append(ids, id)
		}
	}
	return ids
}

func truncateRunes(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
