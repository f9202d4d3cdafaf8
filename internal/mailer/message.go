package mailer

import (
	"bytes"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"mime"
	"mime/multipart"
	"net/mail"
	"strings"
	"time"

	"github.com/foxzi/campaigner/internal/email"
)

// Validate checks the message's addresses. A bad recipient is a permanent
// failure; a bad sender is a configuration problem surfaced the same way.
func (m *Message) Validate() error {
	if _, err := mail.ParseAddress(m.To); err != nil {
		return permanentf("invalid recipient %q: %v", m.To, err)
	}
	if _, err := mail.ParseAddress(m.From); err != nil {
		return permanentf("invalid sender %q: %v", m.From, err)
	}
	return nil
}

// Encode renders the message as wire-format MIME. Plain-only messages get a
// single text part; messages with an HTML body become multipart/alternative
// with the plain part first.
func (m *Message) Encode(messageID string) ([]byte, error) {
	var buf bytes.Buffer

	from := m.From
	if m.FromName != "" {
		from = (&mail.Address{Name: m.FromName, Address: m.From}).String()
	}

	fmt.Fprintf(&buf, "From: %s\r\n", from)
	fmt.Fprintf(&buf, "To: %s\r\n", m.To)
	fmt.Fprintf(&buf, "Subject: %s\r\n", mime.QEncoding.Encode("utf-8", m.Subject))
	fmt.Fprintf(&buf, "Message-ID: <%s>\r\n", messageID)
	fmt.Fprintf(&buf, "Date: %s\r\n", time.Now().UTC().Format(time.RFC1123Z))
	buf.WriteString("MIME-Version: 1.0\r\n")

	if m.HTML == "" {
		buf.WriteString("Content-Type: text/plain; charset=utf-8\r\n")
		buf.WriteString("\r\n")
		buf.WriteString(normalizeNewlines(m.Body))
		return buf.Bytes(), nil
	}

	w := multipart.NewWriter(&buf)
	fmt.Fprintf(&buf, "Content-Type: multipart/alternative; boundary=%q\r\n\r\n", w.Boundary())

	plain, err := w.CreatePart(textHeader("text/plain"))
	if err != nil {
		return nil, err
	}
	if _, err := plain.Write([]byte(normalizeNewlines(m.Body))); err != nil {
		return nil, err
	}

	html, err := w.CreatePart(textHeader("text/html"))
	if err != nil {
		return nil, err
	}
	if _, err := html.Write([]byte(normalizeNewlines(m.HTML))); err != nil {
		return nil, err
	}

	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// GenerateMessageID builds a unique message id under the sender's domain.
func GenerateMessageID(from string) string {
	var b [12]byte
	rand.Read(b[:])
	domain := email.ExtractDomainOrDefault(from, "localhost")
	return fmt.Sprintf("%d.%s@%s", time.Now().UnixNano(), hex.EncodeToString(b[:]), domain)
}

func textHeader(contentType string) map[string][]string {
	return map[string][]string{
		"Content-Type": {contentType + "; charset=utf-8"},
	}
}

func normalizeNewlines(s string) string {
	s = strings.ReplaceAll(s, "\r\n", "\n")
	return strings.ReplaceAll(s, "\n", "\r\n")
}
