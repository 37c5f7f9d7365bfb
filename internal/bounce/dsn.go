package bounce

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net/mail"
	"net/textproto"
	"strings"
)

// ErrNotDSN is returned for messages that are not delivery status reports
var ErrNotDSN = errors.New("not a delivery status notification")

// ParseDSN reads an RFC 3464 delivery status notification and returns one
// bounce event per failed recipient. Delayed recipients are skipped.
func ParseDSN(raw []byte) ([]Event, error) {
	msg, err := mail.ReadMessage(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("failed to read message: %w", err)
	}

	mediaType, params, err := mime.ParseMediaType(msg.Header.Get("Content-Type"))
	if err != nil || mediaType != "multipart/report" || params["report-type"] != "delivery-status" {
		return nil, ErrNotDSN
	}

	var (
		recipients []textproto.MIMEHeader
		original   textproto.MIMEHeader
	)

	mr := multipart.NewReader(msg.Body, params["boundary"])
	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read report part: %w", err)
		}

		partType, _, _ := mime.ParseMediaType(part.Header.Get("Content-Type"))
		switch partType {
		case "message/delivery-status":
			recipients, err = readStatusFields(part)
			if err != nil {
				return nil, err
			}
		case "message/rfc822", "text/rfc822-headers":
			tp := textproto.NewReader(bufio.NewReader(part))
			if h, err := tp.ReadMIMEHeader(); err == nil || len(h) > 0 {
				original = h
			}
		}
	}

	if recipients == nil {
		return nil, ErrNotDSN
	}

	var events []Event
	for _, fields := range recipients {
		if !strings.EqualFold(fields.Get("Action"), "failed") {
			continue
		}
		status := strings.TrimSpace(fields.Get("Status"))
		ev := Event{
			Type:      EventBounced,
			Recipient: addressField(fields.Get("Final-Recipient")),
			Reason:    status,
			Permanent: strings.HasPrefix(status, "5"),
		}
		if diag := addressField(fields.Get("Diagnostic-Code")); diag != "" {
			ev.Reason = strings.TrimSpace(status + " " + diag)
		}
		if original != nil {
			ev.MessageID = strings.TrimSpace(original.Get("Message-Id"))
			ev.TrackingID = strings.TrimSpace(original.Get("X-Mailcast-Tracking-Id"))
		}
		events = append(events, ev)
	}
	return events, nil
}

// readStatusFields splits the delivery-status body into its per-message
// block and per-recipient blocks, returning the latter
func readStatusFields(r io.Reader) ([]textproto.MIMEHeader, error) {
	tp := textproto.NewReader(bufio.NewReader(r))

	var blocks []textproto.MIMEHeader
	for {
		h, err := tp.ReadMIMEHeader()
		if len(h) > 0 {
			blocks = append(blocks, h)
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read delivery status: %w", err)
		}
	}

	var recipients []textproto.MIMEHeader
	for _, b := range blocks {
		if b.Get("Final-Recipient") != "" {
			recipients = append(recipients, b)
		}
	}
	return recipients, nil
}

// addressField strips the type prefix of "rfc822; user@host" style fields
func addressField(v string) string {
	if _, rest, ok := strings.Cut(v, ";"); ok {
		return strings.TrimSpace(rest)
	}
	return strings.TrimSpace(v)
}
