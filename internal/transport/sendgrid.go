package transport

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/foxzi/mailcast/internal/models"
)

const sendGridBaseURL = "https://api.sendgrid.com"

// SendGrid sends through the SendGrid v3 Mail Send API
type SendGrid struct {
	apiKey   string
	baseURL  string
	hostname string
	client   *apiClient
	logger   *slog.Logger
}

// NewSendGrid creates a SendGrid sender
func NewSendGrid(p *models.Provider, opts Options) *SendGrid {
	opts = opts.withDefaults()
	baseURL := sendGridBaseURL
	if p.BaseURL != "" {
		baseURL = strings.TrimRight(p.BaseURL, "/")
	}
	logger := opts.Logger.With("component", "sendgrid_transport", "provider", p.Name)
	return &SendGrid{
		apiKey:   p.APIKey,
		baseURL:  baseURL,
		hostname: opts.Hostname,
		client:   newAPIClient(opts, logger),
		logger:   logger,
	}
}

type sendGridAddress struct {
	Email string `json:"email"`
	Name  string `json:"name,omitempty"`
}

type sendGridContent struct {
	Type  string `json:"type"`
	Value string `json:"value"`
}

type sendGridAttachment struct {
	Content     string `json:"content"`
	Filename    string `json:"filename"`
	Type        string `json:"type,omitempty"`
	Disposition string `json:"disposition"`
}

type sendGridPersonalization struct {
	To      []sendGridAddress `json:"to"`
	Headers map[string]string `json:"headers,omitempty"`
}

type sendGridRequest struct {
	Personalizations []sendGridPersonalization `json:"personalizations"`
	From             sendGridAddress           `json:"from"`
	ReplyTo          *sendGridAddress          `json:"reply_to,omitempty"`
	Subject          string                    `json:"subject"`
	Content          []sendGridContent         `json:"content"`
	Attachments      []sendGridAttachment      `json:"attachments,omitempty"`
}

// Send delivers one message
func (s *SendGrid) Send(ctx context.Context, msg *Message) (Receipt, error) {
	payload := sendGridRequest{
		Personalizations: []sendGridPersonalization{{
			To:      []sendGridAddress{{Email: msg.To, Name: msg.ToName}},
			Headers: msg.Headers,
		}},
		From:    sendGridAddress{Email: msg.From, Name: msg.FromName},
		Subject: msg.Subject,
	}
	if msg.ReplyTo != "" {
		payload.ReplyTo = &sendGridAddress{Email: msg.ReplyTo}
	}
	// text/plain must precede text/html
	if msg.Text != "" {
		payload.Content = append(payload.Content, sendGridContent{Type: "text/plain", Value: msg.Text})
	}
	if msg.HTML != "" {
		payload.Content = append(payload.Content, sendGridContent{Type: "text/html", Value: msg.HTML})
	}
	for _, a := range msg.Attachments {
		payload.Attachments = append(payload.Attachments, sendGridAttachment{
			Content:     base64.StdEncoding.EncodeToString(a.Content),
			Filename:    a.Filename,
			Type:        a.ContentType,
			Disposition: "attachment",
		})
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return Receipt{}, &Error{Category: CategoryUnknown, Message: fmt.Sprintf("marshal: %v", err), Err: err}
	}

	resp, err := s.client.do(ctx, func(ctx context.Context) (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+"/v3/mail/send", bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Authorization", "Bearer "+s.apiKey)
		req.Header.Set("Content-Type", "application/json")
		return req, nil
	})
	if err != nil {
		return Receipt{}, err
	}

	messageID := resp.header.Get("X-Message-Id")
	if messageID == "" {
		messageID = NewMessageID(s.hostname)
	}
	return Receipt{MessageID: messageID}, nil
}

// Probe fetches the account email of the API key
func (s *SendGrid) Probe(ctx context.Context) Probe {
	started := time.Now()
	_, err := s.client.do(ctx, func(ctx context.Context) (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.baseURL+"/v3/user/email", nil)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Authorization", "Bearer "+s.apiKey)
		return req, nil
	})
	return apiProbe(err, started, "SendGrid API key accepted")
}
