package transport

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/foxzi/mailcast/internal/models"
)

// Category classifies a transport failure
type Category string

const (
	CategoryAuth     Category = "auth_failed"
	CategoryConnect  Category = "connect_failed"
	CategoryTimeout  Category = "timeout"
	CategoryRejected Category = "rejected"
	CategoryAPI      Category = "api_error"
	CategoryUnknown  Category = "unknown"
)

// Error is a categorised transport failure. Temporary errors may succeed on
// another attempt or another provider.
type Error struct {
	Category   Category
	Temporary  bool
	StatusCode int
	Message    string
	Err        error
}

func (e *Error) Error() string {
	if e.Err != nil && e.Message == "" {
		return fmt.Sprintf("%s: %v", e.Category, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Category, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Label renders the probe category, e.g. "api_error:401" or "unknown:eof"
func (e *Error) Label() string {
	switch e.Category {
	case CategoryAuth, CategoryConnect:
		return string(e.Category)
	case CategoryAPI:
		if e.StatusCode > 0 {
			return fmt.Sprintf("%s:%d", CategoryAPI, e.StatusCode)
		}
	case CategoryTimeout:
		return string(CategoryConnect)
	}
	detail := e.Message
	if detail == "" && e.Err != nil {
		detail = e.Err.Error()
	}
	return fmt.Sprintf("%s:%s", CategoryUnknown, detail)
}

// IsTemporary checks if the error is temporary
func IsTemporary(err error) bool {
	var te *Error
	if errors.As(err, &te) {
		return te.Temporary
	}
	return true
}

// Message is one rendered email for one recipient
type Message struct {
	MessageID   string
	From        string
	FromName    string
	ReplyTo     string
	To          string
	ToName      string
	Subject     string
	HTML        string
	Text        string
	Headers     map[string]string
	Attachments []models.Attachment
}

// Receipt is returned when a provider accepted a message
type Receipt struct {
	MessageID string
}

// Probe is the result of a connectivity test. It never carries a Go error.
type Probe struct {
	Success  bool          `json:"success"`
	Message  string        `json:"message"`
	Category string        `json:"category,omitempty"`
	Latency  time.Duration `json:"latency"`
}

// Sender delivers messages through one provider
type Sender interface {
	Send(ctx context.Context, msg *Message) (Receipt, error)
	Probe(ctx context.Context) Probe
}

// Options contains settings shared by all transports
type Options struct {
	Timeout    time.Duration
	Hostname   string
	HTTPClient *http.Client
	Retries    int
	Logger     *slog.Logger
}

func (o Options) withDefaults() Options {
	if o.Timeout <= 0 {
		o.Timeout = 30 * time.Second
	}
	if o.Hostname == "" {
		if h, err := os.Hostname(); err == nil && h != "" {
			o.Hostname = h
		} else {
			o.Hostname = "localhost"
		}
	}
	if o.HTTPClient == nil {
		o.HTTPClient = &http.Client{Timeout: o.Timeout}
	}
	if o.Retries <= 0 {
		o.Retries = 3
	}
	if o.Logger == nil {
		o.Logger = slog.New(slog.DiscardHandler)
	}
	return o
}

// NewMessageID synthesises a message id for providers that return none
func NewMessageID(hostname string) string {
	if hostname == "" {
		hostname = "localhost"
	}
	return fmt.Sprintf("<%d.%s@%s>", time.Now().UnixNano(), uuid.New().String(), hostname)
}

// DomainOf returns the part after @ of an address
func DomainOf(addr string) string {
	if i := strings.LastIndex(addr, "@"); i >= 0 {
		return strings.Trim(addr[i+1:], "> ")
	}
	return ""
}

// classifyNetError maps dial, TLS and deadline failures onto categories
func classifyNetError(err error, stage string) *Error {
	var te *Error
	if errors.As(err, &te) {
		return te
	}

	msg := fmt.Sprintf("%s failed: %v", stage, err)

	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, os.ErrDeadlineExceeded) {
		return &Error{Category: CategoryTimeout, Temporary: true, Message: msg, Err: err}
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return &Error{Category: CategoryTimeout, Temporary: true, Message: msg, Err: err}
	}

	var opErr *net.OpError
	var dnsErr *net.DNSError
	var certErr *tls.CertificateVerificationError
	var recordErr tls.RecordHeaderError
	switch {
	case errors.As(err, &opErr), errors.As(err, &dnsErr):
		return &Error{Category: CategoryConnect, Temporary: true, Message: msg, Err: err}
	case errors.As(err, &certErr), errors.As(err, &recordErr):
		return &Error{Category: CategoryConnect, Temporary: false, Message: msg, Err: err}
	}

	return &Error{Category: CategoryUnknown, Temporary: true, Message: msg, Err: err}
}

// probeResult converts a probe error into a Probe
func probeResult(err error, started time.Time, okMessage string) Probe {
	latency := time.Since(started)
	if err == nil {
		return Probe{Success: true, Message: okMessage, Latency: latency}
	}

	te := classifyNetError(err, "probe")
	return Probe{
		Success:  false,
		Message:  te.Error(),
		Category: te.Label(),
		Latency:  latency,
	}
}
