package forwarder

import (
	"bytes"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/emersion/go-message"
	_ "github.com/emersion/go-message/charset"
	"github.com/emersion/go-message/mail"
	"github.com/google/uuid"
	"github.com/k3a/html2text"
)

// parseHeader reads the header of a raw message. Unknown charsets and
// transfer encodings only affect the body and are not errors here.
func parseHeader(raw []byte) (mail.Header, error) {
	entity, err := message.Read(bytes.NewReader(raw))
	if err != nil && !message.IsUnknownCharset(err) && !message.IsUnknownEncoding(err) {
		return mail.Header{}, err
	}
	return mail.Header{Header: entity.Header}, nil
}

func firstAddress(h mail.Header, key string) string {
	addrs, err := h.AddressList(key)
	if err != nil || len(addrs) == 0 {
		return ""
	}
	return addrs[0].Address
}

// replyAddress prefers Reply-To over From.
func replyAddress(h mail.Header) string {
	if addr := firstAddress(h, "Reply-To"); addr != "" {
		return addr
	}
	return firstAddress(h, "From")
}

func headerSubject(h mail.Header) string {
	subject, err := h.Subject()
	if err != nil {
		return h.Get("Subject")
	}
	return subject
}

// composeReply builds the autoresponse to the message with header original.
func composeReply(original mail.Header, cfg Config, to string, now time.Time) ([]byte, error) {
	var h mail.Header
	h.SetDate(now)
	h.SetAddressList("From", []*mail.Address{{Address: cfg.AutorespondFrom}})
	h.SetAddressList("To", []*mail.Address{{Address: to}})
	h.SetSubject("Re: " + headerSubject(original))
	h.SetMessageID(uuid.NewString() + "@" + domainOf(cfg.AutorespondFrom))
	if id, err := original.MessageID(); err == nil && id != "" {
		h.SetMsgIDList("In-Reply-To", []string{id})
		h.SetMsgIDList("References", []string{id})
	}
	h.Set("Auto-Submitted", "auto-replied")
	h.Set("X-Auto-Response-Suppress", "All")

	body := strings.ReplaceAll(cfg.AutorespondText, `\n`, "\n")

	var buf bytes.Buffer
	if !cfg.AutorespondHTML {
		h.SetContentType("text/plain", map[string]string{"charset": "utf-8"})
		w, err := mail.CreateSingleInlineWriter(&buf, h)
		if err != nil {
			return nil, fmt.Errorf("create reply: %w", err)
		}
		if _, err := io.WriteString(w, body); err != nil {
			return nil, fmt.Errorf("write reply body: %w", err)
		}
		if err := w.Close(); err != nil {
			return nil, fmt.Errorf("close reply: %w", err)
		}
		return buf.Bytes(), nil
	}

	w, err := mail.CreateWriter(&buf, h)
	if err != nil {
		return nil, fmt.Errorf("create reply: %w", err)
	}
	iw, err := w.CreateInline()
	if err != nil {
		return nil, fmt.Errorf("create reply alternatives: %w", err)
	}
	parts := []struct {
		contentType string
		body        string
	}{
		{"text/plain", html2text.HTML2Text(body)},
		{"text/html", body},
	}
	for _, p := range parts {
		var ph mail.InlineHeader
		ph.SetContentType(p.contentType, map[string]string{"charset": "utf-8"})
		pw, err := iw.CreatePart(ph)
		if err != nil {
			return nil, fmt.Errorf("create %s part: %w", p.contentType, err)
		}
		if _, err := io.WriteString(pw, p.body); err != nil {
			return nil, fmt.Errorf("write %s part: %w", p.contentType, err)
		}
		if err := pw.Close(); err != nil {
			return nil, fmt.Errorf("close %s part: %w", p.contentType, err)
		}
	}
	if err := iw.Close(); err != nil {
		return nil, fmt.Errorf("close reply alternatives: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("close reply: %w", err)
	}
	return buf.Bytes(), nil
}

func domainOf(addr string) string {
	if i := strings.LastIndexByte(addr, '@'); i >= 0 && i < len(addr)-1 {
		return addr[i+1:]
	}
	return "localhost"
}
