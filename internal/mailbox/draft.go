package mailbox

import (
	"bytes"
	"fmt"
	"io"
	"time"

	"mailpilot/internal/model"

	"github.com/emersion/go-message/mail"
)

// ComposeDraft 生成草稿的 MIME 内容，带 In-Reply-To/References 以便客户端归入会话
func ComposeDraft(from string, d *model.Draft, now time.Time) ([]byte, error) {
	if d == nil {
		return nil, fmt.Errorf("nil draft: %w", model.ErrValidation)
	}

	var h mail.Header
	h.SetDate(now)
	h.SetSubject(d.Subject)
	h.SetAddressList("From", []*mail.Address{{Address: from}})
	// 转发草稿可以没有收件人，由用户补全
	if len(d.To) > 0 {
		h.SetAddressList("To", toAddresses(d.To))
	}
	if len(d.Cc) > 0 {
		h.SetAddressList("Cc", toAddresses(d.Cc))
	}
	if d.InReplyTo != "" {
		h.SetMsgIDList("In-Reply-To", []string{d.InReplyTo})
	}
	if refs := references(d); len(refs) > 0 {
		h.SetMsgIDList("References", refs)
	}
	host := model.Domain(from)
	if host == "" {
		host = "localhost"
	}
	if err := h.GenerateMessageIDWithHostname(host); err != nil {
		return nil, fmt.Errorf("generating message id: %w", err)
	}

	var buf bytes.Buffer
	if d.BodyHTML == "" {
		h.SetContentType("text/plain", map[string]string{"charset": "utf-8"})
		w, err := mail.CreateSingleInlineWriter(&buf, h)
		if err != nil {
			return nil, err
		}
		if _, err := io.WriteString(w, d.Body); err != nil {
			return nil, err
		}
		if err := w.Close(); err != nil {
			return nil, err
		}
		return buf.Bytes(), nil
	}

	mw, err := mail.CreateInlineWriter(&buf, h)
	if err != nil {
		return nil, err
	}
	if err := writePart(mw, "text/plain", d.Body); err != nil {
		return nil, err
	}
	if err := writePart(mw, "text/html", d.BodyHTML); err != nil {
		return nil, err
	}
	if err := mw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func writePart(mw *mail.InlineWriter, contentType, body string) error {
	var ph mail.InlineHeader
	ph.SetContentType(contentType, map[string]string{"charset": "utf-8"})
	w, err := mw.CreatePart(ph)
	if err != nil {
		return err
	}
	if _, err := io.WriteString(w, body); err != nil {
		return err
	}
	return w.Close()
}

// references 在原有链后追加被回复邮件的 Message-ID
func references(d *model.Draft) []string {
	refs := make([]string, 0, len(d.References)+1)
	seen := make(map[string]bool, len(d.References)+1)
	for _, r := range append(append([]string{}, d.References...), d.InReplyTo) {
		if r == "" || seen[r] {
			continue
		}
		seen[r] = true
		refs = append(refs, r)
	}
	return refs
}

func toAddresses(list []string) []*mail.Address {
	out := make([]*mail.Address, 0, len(list))
	for _, a := range list {
		out = append(out, &mail.Address{Address: a})
	}
	return out
}
