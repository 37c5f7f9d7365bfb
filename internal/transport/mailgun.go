package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/foxzi/mailcast/internal/models"
)

const mailgunBaseURL = "https://api.mailgun.net"

// Mailgun sends through the Mailgun messages API
type Mailgun struct {
	apiKey   string
	domain   string
	baseURL  string
	hostname string
	client   *apiClient
	logger   *slog.Logger
}

// NewMailgun creates a Mailgun sender for the provider's sending domain
func NewMailgun(p *models.Provider, opts Options) *Mailgun {
	opts = opts.withDefaults()
	baseURL := mailgunBaseURL
	if p.BaseURL != "" {
		baseURL = strings.TrimRight(p.BaseURL, "/")
	}
	logger := opts.Logger.With("component", "mailgun_transport", "provider", p.Name)
	return &Mailgun{
		apiKey:   p.APIKey,
		domain:   p.Domain,
		baseURL:  baseURL,
		hostname: opts.Hostname,
		client:   newAPIClient(opts, logger),
		logger:   logger,
	}
}

// Send delivers one message as multipart form data
func (s *Mailgun) Send(ctx context.Context, msg *Message) (Receipt, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)

	fields := [][2]string{
		{"from", models.FormatAddress(msg.From, msg.FromName)},
		{"to", models.FormatAddress(msg.To, msg.ToName)},
		{"subject", msg.Subject},
	}
	if msg.HTML != "" {
		fields = append(fields, [2]string{"html", msg.HTML})
	}
	if msg.Text != "" {
		fields = append(fields, [2]string{"text", msg.Text})
	}
	if msg.ReplyTo != "" {
		fields = append(fields, [2]string{"h:Reply-To", msg.ReplyTo})
	}
	names := make([]string, 0, len(msg.Headers))
	for name := range msg.Headers {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		fields = append(fields, [2]string{"h:" + name, msg.Headers[name]})
	}

	for _, f := range fields {
		if err := w.WriteField(f[0], f[1]); err != nil {
			return Receipt{}, &Error{Category: CategoryUnknown, Message: err.Error(), Err: err}
		}
	}
	for _, a := range msg.Attachments {
		part, err := w.CreateFormFile("attachment", a.Filename)
		if err != nil {
			return Receipt{}, &Error{Category: CategoryUnknown, Message: err.Error(), Err: err}
		}
		part.Write(a.Content)
	}
	if err := w.Close(); err != nil {
		return Receipt{}, &Error{Category: CategoryUnknown, Message: err.Error(), Err: err}
	}

	body := buf.Bytes()
	contentType := w.FormDataContentType()
	endpoint := fmt.Sprintf("%s/v3/%s/messages", s.baseURL, url.PathEscape(s.domain))

	resp, err := s.client.do(ctx, func(ctx context.Context) (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", contentType)
		req.SetBasicAuth("api", s.apiKey)
		return req, nil
	})
	if err != nil {
		return Receipt{}, err
	}

	var result struct {
		ID      string `json:"id"`
		Message string `json:"message"`
	}
	json.Unmarshal(resp.body, &result)

	messageID := strings.Trim(result.ID, "<>")
	if messageID == "" {
		messageID = NewMessageID(s.hostname)
	}
	return Receipt{MessageID: messageID}, nil
}

// Probe reads the sending domain
func (s *Mailgun) Probe(ctx context.Context) Probe {
	started := time.Now()
	endpoint := fmt.Sprintf("%s/v3/domains/%s", s.baseURL, url.PathEscape(s.domain))
	_, err := s.client.do(ctx, func(ctx context.Context) (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
		if err != nil {
			return nil, err
		}
		req.SetBasicAuth("api", s.apiKey)
		return req, nil
	})
	return apiProbe(err, started, fmt.Sprintf("Mailgun domain %s reachable", s.domain))
}
