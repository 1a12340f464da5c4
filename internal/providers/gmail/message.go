package gmail

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"io"
	"strings"
	"time"

	_ "github.com/emersion/go-message/charset"
	"github.com/emersion/go-message/mail"
	"google.golang.org/api/gmail/v1"

	"github.com/Martian-dev/mailsync/internal/models"
	"github.com/Martian-dev/mailsync/internal/sync"
)

// normalize converts a full-format Gmail message to the canonical message.
// Attachments are resolved separately.
func normalize(m *gmail.Message) *models.Message {
	msg := &models.Message{
		Provider:          models.ProviderGoogle,
		ProviderMessageID: m.Id,
		ProviderThreadID:  m.ThreadId,
		ReceivedAt:        time.UnixMilli(m.InternalDate).UTC(),
	}
	if m.Payload == nil {
		return msg
	}

	h := headerOf(m.Payload)
	msg.Subject, _ = h.Subject()
	msg.InternetMessageID, _ = h.MessageID()
	if from := addressList(h, "From"); len(from) > 0 {
		msg.From = from[0]
	}
	msg.To = addressList(h, "To")
	msg.Cc = addressList(h, "Cc")

	walkParts(m.Payload, func(p *gmail.MessagePart) {
		if p.Filename != "" || p.Body == nil || p.Body.Data == "" {
			return
		}
		switch strings.ToLower(p.MimeType) {
		case "text/plain":
			if msg.BodyText == "" {
				msg.BodyText = decodeBody(p.Body.Data)
			}
		case "text/html":
			if msg.BodyHTML == "" {
				msg.BodyHTML = decodeBody(p.Body.Data)
			}
		}
	})
	return msg
}

// walkParts visits p and every nested part depth first
func walkParts(p *gmail.MessagePart, fn func(*gmail.MessagePart)) {
	if p == nil {
		return
	}
	fn(p)
	for _, child := range p.Parts {
		walkParts(child, fn)
	}
}

// attachmentParts returns the parts that carry a named file
func attachmentParts(root *gmail.MessagePart) []*gmail.MessagePart {
	var parts []*gmail.MessagePart
	walkParts(root, func(p *gmail.MessagePart) {
		if p.Filename == "" || p.Body == nil {
			return
		}
		if p.Body.AttachmentId != "" || p.Body.Data != "" {
			parts = append(parts, p)
		}
	})
	return parts
}

func headerOf(p *gmail.MessagePart) mail.Header {
	var h mail.Header
	for _, kv := range p.Headers {
		h.Add(kv.Name, kv.Value)
	}
	return h
}

// addressList parses an address header, falling back to a plain comma split
// when the header is not RFC 5322 compliant
func addressList(h mail.Header, key string) []string {
	list, err := h.AddressList(key)
	if err == nil {
		out := make([]string, 0, len(list))
		for _, a := range list {
			out = append(out, a.Address)
		}
		return out
	}
	return splitAddrs(h.Get(key))
}

// splitAddrs parses comma-separated email addresses
func splitAddrs(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	result := make([]string, 0, len(parts))
	for _, p := range parts {
		trimmed := strings.TrimSpace(p)
		if i := strings.LastIndex(trimmed, "<"); i >= 0 && strings.HasSuffix(trimmed, ">") {
			trimmed = trimmed[i+1 : len(trimmed)-1]
		}
		if trimmed != "" {
			result = append(result, trimmed)
		}
	}
	return result
}

// decodeURLBase64 accepts padded and unpadded base64url as returned by the API
func decodeURLBase64(s string) ([]byte, error) {
	s = strings.TrimSpace(s)
	if b, err := base64.URLEncoding.DecodeString(s); err == nil {
		return b, nil
	}
	return base64.RawURLEncoding.DecodeString(strings.TrimRight(s, "="))
}

func decodeBody(s string) string {
	b, err := decodeURLBase64(s)
	if err != nil {
		return ""
	}
	return string(b)
}

// toStdBase64 converts the API's base64url to standard base64
func toStdBase64(s string) (string, error) {
	b, err := decodeURLBase64(s)
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(b), nil
}

// composeReply renders a plain text reply and returns it base64url encoded for messages.send
func composeReply(from string, r sync.Reply, now time.Time) (string, error) {
	var h mail.Header
	h.SetDate(now)
	h.SetAddressList("From", []*mail.Address{{Address: from}})

	to := make([]*mail.Address, 0, len(r.To))
	for _, addr := range r.To {
		to = append(to, &mail.Address{Address: addr})
	}
	h.SetAddressList("To", to)
	h.SetSubject(r.Subject)
	if err := h.GenerateMessageID(); err != nil {
		return "", fmt.Errorf("generate message id: %w", err)
	}
	if r.InternetMessageID != "" {
		h.SetMsgIDList("In-Reply-To", []string{r.InternetMessageID})
		h.SetMsgIDList("References", []string{r.InternetMessageID})
	}
	h.SetContentType("text/plain", map[string]string{"charset": "utf-8"})
	h.Set("Content-Transfer-Encoding", "quoted-printable")

	var buf bytes.Buffer
	w, err := mail.CreateSingleInlineWriter(&buf, h)
	if err != nil {
		return "", fmt.Errorf("create reply writer: %w", err)
	}
	if _, err := io.WriteString(w, r.Body); err != nil {
		return "", fmt.Errorf("write reply body: %w", err)
	}
	if err := w.Close(); err != nil {
		return "", fmt.Errorf("close reply writer: %w", err)
	}
	return base64.URLEncoding.EncodeToString(buf.Bytes()), nil
}
