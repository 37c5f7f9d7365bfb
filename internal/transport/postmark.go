package transport

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/foxzi/mailcast/internal/models"
)

const postmarkBaseURL = "https://api.postmarkapp.com"

// Postmark sends through the Postmark email API
type Postmark struct {
	token    string
	baseURL  string
	hostname string
	client   *apiClient
	logger   *slog.Logger
}

// NewPostmark creates a Postmark sender. The provider api key is the server token.
func NewPostmark(p *models.Provider, opts Options) *Postmark {
	opts = opts.withDefaults()
	baseURL := postmarkBaseURL
	if p.BaseURL != "" {
		baseURL = strings.TrimRight(p.BaseURL, "/")
	}
	logger := opts.Logger.With("component", "postmark_transport", "provider", p.Name)
	return &Postmark{
		token:    p.APIKey,
		baseURL:  baseURL,
		hostname: opts.Hostname,
		client:   newAPIClient(opts, logger),
		logger:   logger,
	}
}

type postmarkHeader struct {
	Name  string `json:"Name"`
	Value string `json:"Value"`
}

type postmarkAttachment struct {
	Name        string `json:"Name"`
	Content     string `json:"Content"`
	ContentType string `json:"ContentType"`
}

type postmarkRequest struct {
	From        string               `json:"From"`
	To          string               `json:"To"`
	ReplyTo     string               `json:"ReplyTo,omitempty"`
	Subject     string               `json:"Subject"`
	HTMLBody    string               `json:"HtmlBody,omitempty"`
	TextBody    string               `json:"TextBody,omitempty"`
	Headers     []postmarkHeader     `json:"Headers,omitempty"`
	Attachments []postmarkAttachment `json:"Attachments,omitempty"`
}

type postmarkResponse struct {
	MessageID string `json:"MessageID"`
	ErrorCode int    `json:"ErrorCode"`
	Message   string `json:"Message"`
}

// Send delivers one message
func (s *Postmark) Send(ctx context.Context, msg *Message) (Receipt, error) {
	payload := postmarkRequest{
		From:     models.FormatAddress(msg.From, msg.FromName),
		To:       models.FormatAddress(msg.To, msg.ToName),
		ReplyTo:  msg.ReplyTo,
		Subject:  msg.Subject,
		HTMLBody: msg.HTML,
		TextBody: msg.Text,
	}

	names := make([]string, 0, len(msg.Headers))
	for name := range msg.Headers {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		payload.Headers = append(payload.Headers, postmarkHeader{Name: name, Value: msg.Headers[name]})
	}

	for _, a := range msg.Attachments {
		ct := a.ContentType
		if ct == "" {
			ct = "application/octet-stream"
		}
		payload.Attachments = append(payload.Attachments, postmarkAttachment{
			Name:        a.Filename,
			Content:     base64.StdEncoding.EncodeToString(a.Content),
			ContentType: ct,
		})
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return Receipt{}, &Error{Category: CategoryUnknown, Message: fmt.Sprintf("marshal: %v", err), Err: err}
	}

	resp, err := s.client.do(ctx, func(ctx context.Context) (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+"/email", bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		s.authorize(req)
		req.Header.Set("Content-Type", "application/json")
		return req, nil
	})
	if err != nil {
		return Receipt{}, err
	}

	var result postmarkResponse
	json.Unmarshal(resp.body, &result)

	// Postmark answers 200 with a non-zero ErrorCode for some rejections
	if result.ErrorCode != 0 {
		return Receipt{}, &Error{
			Category:   CategoryRejected,
			StatusCode: resp.status,
			Message:    fmt.Sprintf("postmark error %d: %s", result.ErrorCode, result.Message),
		}
	}

	messageID := result.MessageID
	if messageID == "" {
		messageID = NewMessageID(s.hostname)
	}
	return Receipt{MessageID: messageID}, nil
}

// Probe reads the server the token belongs to
func (s *Postmark) Probe(ctx context.Context) Probe {
	started := time.Now()
	_, err := s.client.do(ctx, func(ctx context.Context) (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.baseURL+"/server", nil)
		if err != nil {
			return nil, err
		}
		s.authorize(req)
		return req, nil
	})
	return apiProbe(err, started, "Postmark server token accepted")
}

func (s *Postmark) authorize(req *http.Request) {
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Postmark-Server-Token", s.token)
}
