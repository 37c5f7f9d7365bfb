package transport

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/resend/resend-go/v3"

	"github.com/foxzi/mailcast/internal/models"
)

// Resend sends through the Resend API
type Resend struct {
	client   *resend.Client
	hostname string
	logger   *slog.Logger
}

// NewResend creates a Resend sender
func NewResend(p *models.Provider, opts Options) (*Resend, error) {
	opts = opts.withDefaults()

	client := resend.NewCustomClient(opts.HTTPClient, p.APIKey)
	if p.BaseURL != "" {
		u, err := url.Parse(strings.TrimRight(p.BaseURL, "/") + "/")
		if err != nil {
			return nil, fmt.Errorf("invalid base_url %q: %w", p.BaseURL, err)
		}
		client.BaseURL = u
	}

	return &Resend{
		client:   client,
		hostname: opts.Hostname,
		logger:   opts.Logger.With("component", "resend_transport", "provider", p.Name),
	}, nil
}

// Send delivers one message
func (s *Resend) Send(ctx context.Context, msg *Message) (Receipt, error) {
	req := &resend.SendEmailRequest{
		From:    models.FormatAddress(msg.From, msg.FromName),
		To:      []string{msg.To},
		Subject: msg.Subject,
		Html:    msg.HTML,
		Text:    msg.Text,
		ReplyTo: msg.ReplyTo,
		Headers: msg.Headers,
	}

	for _, a := range msg.Attachments {
		req.Attachments = append(req.Attachments, &resend.Attachment{
			Filename:    a.Filename,
			Content:     a.Content,
			ContentType: a.ContentType,
		})
	}

	resp, err := s.client.Emails.SendWithContext(ctx, req)
	if err != nil {
		return Receipt{}, classifyResendError(err, "send")
	}

	messageID := resp.Id
	if messageID == "" {
		messageID = NewMessageID(s.hostname)
	}
	return Receipt{MessageID: messageID}, nil
}

// Probe lists the account's domains
func (s *Resend) Probe(ctx context.Context) Probe {
	started := time.Now()
	if _, err := s.client.Domains.ListWithContext(ctx); err != nil {
		return apiProbe(classifyResendError(err, "list domains"), started, "")
	}
	return Probe{Success: true, Message: "Resend API key accepted", Latency: time.Since(started)}
}

// classifyResendError maps client errors. The client only exposes the
// vendor message, so auth failures are recognised by its wording.
func classifyResendError(err error, op string) *Error {
	te := classifyNetError(err, "resend "+op)
	if te.Category != CategoryUnknown {
		return te
	}

	text := strings.ToLower(err.Error())
	switch {
	case strings.Contains(text, "api key"), strings.Contains(text, "unauthorized"):
		te.Category = CategoryAuth
		te.Temporary = false
	case strings.Contains(text, "rate limit"), strings.Contains(text, "too many requests"):
		te.Category = CategoryAPI
		te.Temporary = true
		te.StatusCode = 429
	default:
		te.Category = CategoryAPI
		te.Temporary = false
	}
	return te
}
