package transport

import (
	"bytes"
	"fmt"
	"io"
	"sort"
	"time"

	"gopkg.in/gomail.v2"
)

// Compose builds the RFC 5322 message: text and HTML alternatives,
// attachments, reply-to and any extra headers
func Compose(msg *Message, at time.Time) ([]byte, error) {
	m := gomail.NewMessage()

	m.SetAddressHeader("From", msg.From, msg.FromName)
	m.SetAddressHeader("To", msg.To, msg.ToName)
	if msg.ReplyTo != "" {
		m.SetHeader("Reply-To", msg.ReplyTo)
	}
	m.SetHeader("Subject", msg.Subject)
	if msg.MessageID != "" {
		m.SetHeader("Message-ID", msg.MessageID)
	}
	m.SetDateHeader("Date", at)

	keys := make([]string, 0, len(msg.Headers))
	for k := range msg.Headers {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		m.SetHeader(k, msg.Headers[k])
	}

	switch {
	case msg.Text != "" && msg.HTML != "":
		m.SetBody("text/plain", msg.Text)
		m.AddAlternative("text/html", msg.HTML)
	case msg.HTML != "":
		m.SetBody("text/html", msg.HTML)
	default:
		m.SetBody("text/plain", msg.Text)
	}

	for _, a := range msg.Attachments {
		content := a.Content
		settings := []gomail.FileSetting{
			gomail.SetCopyFunc(func(w io.Writer) error {
				_, err := w.Write(content)
				return err
			}),
		}
		if a.ContentType != "" {
			settings = append(settings, gomail.SetHeader(map[string][]string{
				"Content-Type": {a.ContentType},
			}))
		}
		m.Attach(a.Filename, settings...)
	}

	var buf bytes.Buffer
	if _, err := m.WriteTo(&buf); err != nil {
		return nil, fmt.Errorf("failed to compose message: %w", err)
	}
	return buf.Bytes(), nil
}
