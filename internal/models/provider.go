package models

import (
	"fmt"
	"net/mail"
	"strings"
	"time"
)

// ProviderKind is the transport a provider speaks
type ProviderKind string

const (
	KindSMTP     ProviderKind = "smtp"
	KindSendGrid ProviderKind = "sendgrid"
	KindPostmark ProviderKind = "postmark"
	KindMailgun  ProviderKind = "mailgun"
	KindSES      ProviderKind = "ses"
	KindResend   ProviderKind = "resend"
	KindSandbox  ProviderKind = "sandbox"
)

// Kinds lists every supported provider kind
var Kinds = []ProviderKind{KindSMTP, KindSendGrid, KindPostmark, KindMailgun, KindSES, KindResend, KindSandbox}

// Valid reports whether k is a known kind
func (k ProviderKind) Valid() bool {
	for _, known := range Kinds {
		if k == known {
			return true
		}
	}
	return false
}

// IsAPI reports whether the kind talks to a vendor HTTP API
func (k ProviderKind) IsAPI() bool {
	switch k {
	case KindSendGrid, KindPostmark, KindMailgun, KindSES, KindResend:
		return true
	}
	return false
}

// TLSMode controls how SMTP connections are secured
type TLSMode string

const (
	TLSNone     TLSMode = "none"
	TLSStartTLS TLSMode = "starttls"
	TLSImplicit TLSMode = "ssl"
)

// Default rate limits applied to new providers
const (
	DefaultMaxPerDay    = 1000
	DefaultMaxPerHour   = 100
	DefaultMaxPerSecond = 2
)

// Provider is a configured outbound email channel
type Provider struct {
	ID   string       `json:"id"`
	Name string       `json:"name"`
	Kind ProviderKind `json:"kind"`

	// SMTP connection
	Host          string  `json:"host,omitempty"`
	Port          int     `json:"port,omitempty"`
	TLSMode       TLSMode `json:"tls_mode,omitempty"`
	SkipTLSVerify bool    `json:"skip_tls_verify,omitempty"`
	Username      string  `json:"username,omitempty"`
	Password      string  `json:"-"`

	// API credentials
	APIKey    string `json:"-"`
	APISecret string `json:"-"`
	Region    string `json:"region,omitempty"` // SES region
	Domain    string `json:"domain,omitempty"` // Mailgun sending domain
	BaseURL   string `json:"base_url,omitempty"`

	// Sender identity
	FromEmail string `json:"from_email"`
	FromName  string `json:"from_name"`
	ReplyTo   string `json:"reply_to,omitempty"`

	// DKIM signing for SMTP providers
	DKIMDomain   string `json:"dkim_domain,omitempty"`
	DKIMSelector string `json:"dkim_selector,omitempty"`
	DKIMKeyFile  string `json:"dkim_key_file,omitempty"`

	// Rate limits, 0 means unlimited
	MaxPerDay    int `json:"max_per_day"`
	MaxPerHour   int `json:"max_per_hour"`
	MaxPerSecond int `json:"max_per_second"`

	TotalSent      int64 `json:"total_sent"`
	TotalDelivered int64 `json:"total_delivered"`
	TotalBounced   int64 `json:"total_bounced"`
	TotalOpened    int64 `json:"total_opened"`
	TotalClicked   int64 `json:"total_clicked"`

	Active     bool       `json:"active"`
	IsDefault  bool       `json:"is_default"`
	LastUsedAt *time.Time `json:"last_used_at,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at"`
}

// DeliveryRate returns delivered/sent as a percentage, 0 when nothing was sent
func (p *Provider) DeliveryRate() float64 {
	if p.TotalSent <= 0 {
		return 0
	}
	return float64(p.TotalDelivered) / float64(p.TotalSent) * 100
}

// FormatFrom returns the RFC 5322 From value
func (p *Provider) FormatFrom() string {
	return FormatAddress(p.FromEmail, p.FromName)
}

// ApplyDefaults fills zero-valued settings
func (p *Provider) ApplyDefaults() {
	if p.Kind == "" {
		p.Kind = KindSMTP
	}
	if p.Kind == KindSMTP {
		if p.TLSMode == "" {
			p.TLSMode = TLSStartTLS
		}
		if p.Port == 0 {
			switch p.TLSMode {
			case TLSImplicit:
				p.Port = 465
			default:
				p.Port = 587
			}
		}
	}
	if p.MaxPerDay == 0 && p.MaxPerHour == 0 && p.MaxPerSecond == 0 {
		p.MaxPerDay = DefaultMaxPerDay
		p.MaxPerHour = DefaultMaxPerHour
		p.MaxPerSecond = DefaultMaxPerSecond
	}
}

// Validate checks that the provider can be used for sending
func (p *Provider) Validate() error {
	if strings.TrimSpace(p.Name) == "" {
		return fmt.Errorf("name is required")
	}
	if !p.Kind.Valid() {
		return fmt.Errorf("unknown provider kind %q", p.Kind)
	}
	if _, err := mail.ParseAddress(p.FromEmail); err != nil {
		return fmt.Errorf("invalid from_email %q: %w", p.FromEmail, err)
	}
	if p.ReplyTo != "" {
		if _, err := mail.ParseAddress(p.ReplyTo); err != nil {
			return fmt.Errorf("invalid reply_to %q: %w", p.ReplyTo, err)
		}
	}
	if p.MaxPerDay < 0 || p.MaxPerHour < 0 || p.MaxPerSecond < 0 {
		return fmt.Errorf("rate limits must not be negative")
	}

	switch p.Kind {
	case KindSMTP:
		if p.Host == "" {
			return fmt.Errorf("host is required for smtp providers")
		}
		if p.Port <= 0 || p.Port > 65535 {
			return fmt.Errorf("invalid port %d", p.Port)
		}
		switch p.TLSMode {
		case TLSNone, TLSStartTLS, TLSImplicit:
		default:
			return fmt.Errorf("invalid tls_mode %q", p.TLSMode)
		}
	case KindSendGrid, KindPostmark, KindResend:
		if p.APIKey == "" {
			return fmt.Errorf("api_key is required for %s providers", p.Kind)
		}
	case KindMailgun:
		if p.APIKey == "" || p.Domain == "" {
			return fmt.Errorf("api_key and domain are required for mailgun providers")
		}
	case KindSES:
		if p.Region == "" {
			return fmt.Errorf("region is required for ses providers")
		}
	}
	return nil
}

// SMTPPreset holds well-known SMTP settings for hosted mailboxes
type SMTPPreset struct {
	Host    string
	Port    int
	TLSMode TLSMode
}

// SMTPPresets maps shorthand kinds to their SMTP settings
var SMTPPresets = map[string]SMTPPreset{
	"gmail":   {Host: "smtp.gmail.com", Port: 587, TLSMode: TLSStartTLS},
	"outlook": {Host: "smtp-mail.outlook.com", Port: 587, TLSMode: TLSStartTLS},
	"yahoo":   {Host: "smtp.mail.yahoo.com", Port: 465, TLSMode: TLSImplicit},
}

// ProviderListFilter for filtering providers
type ProviderListFilter struct {
	ActiveOnly bool
	Kind       ProviderKind
}

// FormatAddress renders "Name <email>" or just the email when name is empty
func FormatAddress(email, name string) string {
	if name == "" {
		return email
	}
	return name + " <" + email + ">"
}
