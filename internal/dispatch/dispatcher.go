package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/foxzi/mailcast/internal/metrics"
	"github.com/foxzi/mailcast/internal/models"
	"github.com/foxzi/mailcast/internal/render"
	"github.com/foxzi/mailcast/internal/repository"
	"github.com/foxzi/mailcast/internal/transport"
)

// DefaultSendTimeout bounds one transport call
const DefaultSendTimeout = 60 * time.Second

// ErrAllProvidersFailed is returned by SendWithFallback when no provider accepted the message
var ErrAllProvidersFailed = errors.New("all providers failed")

// DeliveryLog records send attempts
type DeliveryLog interface {
	CreatePending(ctx context.Context, e *models.DeliveryLogEntry, at time.Time) error
	MarkSent(ctx context.Context, id, messageID string, at time.Time) error
	MarkFailed(ctx context.Context, id, errText string, at time.Time) error
}

// ProviderStore is the part of the provider registry the dispatcher writes to
type ProviderStore interface {
	ListActive(ctx context.Context) ([]models.Provider, error)
	TouchLastUsed(ctx context.Context, id string, at time.Time) error
	Increment(ctx context.Context, id string, counter repository.ProviderCounter) error
}

// CampaignCounters bumps campaign aggregates
type CampaignCounters interface {
	Increment(ctx context.Context, id string, counter repository.CampaignCounter) error
}

// SenderSource builds the transport of a provider
type SenderSource interface {
	For(p *models.Provider) (transport.Sender, error)
}

// Request is one message to one recipient
type Request struct {
	Campaign    *models.Campaign
	Recipient   models.Recipient
	Provider    *models.Provider
	Subject     string
	HTML        string
	Text        string
	Attachments []models.Attachment
}

// Result is the outcome of SendOne. A failed send is a Result with Success
// false, not an error.
type Result struct {
	EntryID    string
	TrackingID string
	MessageID  string
	Provider   string
	Success    bool
	Error      error
}

// Dispatcher renders, sends and records single messages
type Dispatcher struct {
	log         DeliveryLog
	providers   ProviderStore
	campaigns   CampaignCounters
	senders     SenderSource
	sendTimeout time.Duration
	now         func() time.Time
	logger      *slog.Logger
}

// Options configures a Dispatcher
type Options struct {
	SendTimeout time.Duration
	Clock       func() time.Time
	Logger      *slog.Logger
}

// New creates a dispatcher
func New(log DeliveryLog, providers ProviderStore, campaigns CampaignCounters, senders SenderSource, opts Options) *Dispatcher {
	if opts.SendTimeout <= 0 {
		opts.SendTimeout = DefaultSendTimeout
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.DiscardHandler)
	}
	return &Dispatcher{
		log:         log,
		providers:   providers,
		campaigns:   campaigns,
		senders:     senders,
		sendTimeout: opts.SendTimeout,
		now:         opts.Clock,
		logger:      opts.Logger.With("component", "dispatcher"),
	}
}

// Reservation is a rendered message whose pending log entry already holds
// one unit of its provider's capacity
type Reservation struct {
	req       Request
	entry     *models.DeliveryLogEntry
	content   render.Content
	renderErr error
}

// SendOne delivers req through req.Provider and records the attempt.
// The returned error is reserved for bookkeeping failures of the delivery
// log; transport and rendering failures are reported in the Result.
func (d *Dispatcher) SendOne(ctx context.Context, req Request) (*Result, error) {
	r, err := d.Reserve(ctx, req)
	if err != nil {
		return nil, err
	}
	return d.Deliver(ctx, r)
}

// Reserve renders req and records its pending entry. Until Deliver resolves
// it, the entry counts against the provider's rate limits.
func (d *Dispatcher) Reserve(ctx context.Context, req Request) (*Reservation, error) {
	p := req.Provider
	if p == nil {
		return nil, fmt.Errorf("no provider given")
	}

	entry := &models.DeliveryLogEntry{
		Recipient:  req.Recipient.Email,
		ProviderID: p.ID,
		Subject:    req.Subject,
		TrackingID: uuid.New().String(),
	}
	data := render.Data{Recipient: req.Recipient, TrackingID: entry.TrackingID}
	if req.Campaign != nil {
		entry.CampaignID = req.Campaign.ID
		data.CampaignName = req.Campaign.Name
	}

	content, renderErr := render.Render(render.Content{Subject: req.Subject, HTML: req.HTML, Text: req.Text}, data)
	if renderErr == nil {
		entry.Subject = content.Subject
	}

	if err := d.log.CreatePending(ctx, entry, d.now()); err != nil {
		return nil, fmt.Errorf("failed to record pending delivery: %w", err)
	}
	return &Reservation{req: req, entry: entry, content: content, renderErr: renderErr}, nil
}

// Deliver sends a reserved message and resolves its log entry
func (d *Dispatcher) Deliver(ctx context.Context, r *Reservation) (*Result, error) {
	req, entry, content := r.req, r.entry, r.content
	p := req.Provider

	result := &Result{EntryID: entry.ID, TrackingID: entry.TrackingID, Provider: p.Name}

	if r.renderErr != nil {
		return d.fail(ctx, result, entry, p, fmt.Errorf("failed to render message: %w", r.renderErr))
	}

	sender, err := d.senders.For(p)
	if err != nil {
		return d.fail(ctx, result, entry, p, err)
	}

	msg := &transport.Message{
		From:        p.FromEmail,
		FromName:    p.FromName,
		ReplyTo:     p.ReplyTo,
		To:          req.Recipient.Email,
		ToName:      req.Recipient.Name,
		Subject:     content.Subject,
		HTML:        content.HTML,
		Text:        content.Text,
		Attachments: req.Attachments,
		Headers:     map[string]string{"X-Mailcast-Tracking-ID": entry.TrackingID},
	}
	// Campaign sender identity overrides the provider's
	if c := req.Campaign; c != nil {
		msg.Headers["X-Mailcast-Campaign-ID"] = c.ID
		if c.FromEmail != "" {
			msg.From = c.FromEmail
			msg.FromName = c.FromName
		}
		if c.ReplyTo != "" {
			msg.ReplyTo = c.ReplyTo
		}
	}

	sendCtx, cancel := context.WithTimeout(ctx, d.sendTimeout)
	started := time.Now()
	receipt, err := sender.Send(sendCtx, msg)
	cancel()
	metrics.ObserveSendDuration(p.Name, time.Since(started))

	// The outcome is recorded even if the run is being cancelled
	ctx = context.WithoutCancel(ctx)

	if err != nil {
		return d.fail(ctx, result, entry, p, err)
	}

	now := d.now()
	if err := d.log.MarkSent(ctx, entry.ID, receipt.MessageID, now); err != nil {
		return nil, fmt.Errorf("failed to mark delivery %s sent: %w", entry.ID, err)
	}
	if entry.CampaignID != "" {
		if err := d.campaigns.Increment(ctx, entry.CampaignID, repository.CampaignSent); err != nil {
			d.logger.Error("failed to increment campaign counter", "campaign_id", entry.CampaignID, "error", err)
		}
	}
	if err := d.providers.Increment(ctx, p.ID, repository.ProviderSent); err != nil {
		d.logger.Error("failed to increment provider counter", "provider", p.Name, "error", err)
	}
	if err := d.providers.TouchLastUsed(ctx, p.ID, now); err != nil {
		d.logger.Error("failed to touch provider", "provider", p.Name, "error", err)
	}

	metrics.IncMessagesSent(p.Name)
	d.logger.Debug("message sent",
		"provider", p.Name,
		"recipient", req.Recipient.Email,
		"campaign_id", entry.CampaignID,
		"message_id", receipt.MessageID,
	)

	result.Success = true
	result.MessageID = receipt.MessageID
	return result, nil
}

func (d *Dispatcher) fail(ctx context.Context, result *Result, entry *models.DeliveryLogEntry, p *models.Provider, sendErr error) (*Result, error) {
	if err := d.log.MarkFailed(ctx, entry.ID, sendErr.Error(), d.now()); err != nil {
		return nil, fmt.Errorf("failed to mark delivery %s failed: %w", entry.ID, err)
	}

	category := string(transport.CategoryUnknown)
	var te *transport.Error
	if errors.As(sendErr, &te) {
		category = string(te.Category)
	}
	metrics.IncMessagesFailed(p.Name, category)

	d.logger.Warn("message failed",
		"provider", p.Name,
		"recipient", entry.Recipient,
		"campaign_id", entry.CampaignID,
		"error", sendErr,
	)

	result.Error = sendErr
	return result, nil
}

// FallbackError lists the failure of every provider tried
type FallbackError struct {
	Attempts []AttemptError
}

// AttemptError is one provider's failure during a fallback send
type AttemptError struct {
	Provider string
	Err      error
}

func (e *FallbackError) Error() string {
	if len(e.Attempts) == 0 {
		return ErrAllProvidersFailed.Error() + ": no active providers"
	}
	parts := make([]string, 0, len(e.Attempts))
	for _, a := range e.Attempts {
		parts = append(parts, fmt.Sprintf("%s: %v", a.Provider, a.Err))
	}
	return ErrAllProvidersFailed.Error() + ": " + strings.Join(parts, "; ")
}

// Is makes errors.Is(err, ErrAllProvidersFailed) hold
func (e *FallbackError) Is(target error) bool {
	return target == ErrAllProvidersFailed
}

// Unwrap exposes the per-provider errors
func (e *FallbackError) Unwrap() []error {
	errs := make([]error, 0, len(e.Attempts))
	for _, a := range e.Attempts {
		errs = append(errs, a.Err)
	}
	return errs
}

// SendWithFallback tries every active provider in registry order until one
// accepts the message. Every attempt leaves its own log entry.
func (d *Dispatcher) SendWithFallback(ctx context.Context, recipient models.Recipient, subject, html, text string, attachments []models.Attachment) (*Result, error) {
	providers, err := d.providers.ListActive(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list providers: %w", err)
	}

	fallbackErr := &FallbackError{}
	for i := range providers {
		p := &providers[i]

		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if err := d.providers.TouchLastUsed(ctx, p.ID, d.now()); err != nil {
			d.logger.Error("failed to touch provider", "provider", p.Name, "error", err)
		}

		result, err := d.SendOne(ctx, Request{
			Recipient:   recipient,
			Provider:    p,
			Subject:     subject,
			HTML:        html,
			Text:        text,
			Attachments: attachments,
		})
		if err != nil {
			return nil, err
		}
		if result.Success {
			return result, nil
		}

		fallbackErr.Attempts = append(fallbackErr.Attempts, AttemptError{Provider: p.Name, Err: result.Error})

		// Content errors fail the same way on every provider
		var tokenErr *render.TokenError
		if errors.As(result.Error, &tokenErr) {
			return nil, fallbackErr
		}
		d.logger.Info("provider failed, trying next", "provider", p.Name, "recipient", recipient.Email)
	}

	return nil, fallbackErr
}
