// Package sandbox implements a capture transport: messages are stored in
// BoltDB instead of being delivered, optionally failing at a given rate.
package sandbox

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"time"

	"github.com/google/uuid"

	"github.com/foxzi/mailcast/internal/models"
	"github.com/foxzi/mailcast/internal/transport"
)

// Options configures sandbox senders
type Options struct {
	// ErrorRate is the share of sends that fail, from 0 to 1
	ErrorRate float64
	Clock     func() time.Time
	// Rand returns a number in [0, 1)
	Rand func() float64
}

// simulated failures, picked at random when a send fails
var simulatedFailures = []transport.Error{
	{Category: transport.CategoryRejected, Message: "550 5.1.1 User not found"},
	{Category: transport.CategoryRejected, Temporary: true, Message: "452 4.2.2 Mailbox full"},
	{Category: transport.CategoryConnect, Temporary: true, Message: "421 4.3.2 Service not available"},
	{Category: transport.CategoryTimeout, Temporary: true, Message: "i/o timeout"},
}

// Sender captures messages for one provider
type Sender struct {
	provider *models.Provider
	storage  *Storage
	hostname string
	opts     Options
	logger   *slog.Logger
}

// NewSender creates a capture sender for p
func NewSender(p *models.Provider, storage *Storage, hostname string, opts Options, logger *slog.Logger) *Sender {
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	if opts.Rand == nil {
		opts.Rand = rand.Float64
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Sender{
		provider: p,
		storage:  storage,
		hostname: hostname,
		opts:     opts,
		logger:   logger.With("component", "sandbox", "provider", p.Name),
	}
}

// Constructor returns a transport constructor for the sandbox kind
func Constructor(storage *Storage, opts Options, logger *slog.Logger) transport.Constructor {
	return func(p *models.Provider, topts transport.Options) (transport.Sender, error) {
		if storage == nil {
			return nil, fmt.Errorf("sandbox storage is not configured")
		}
		return NewSender(p, storage, topts.Hostname, opts, logger), nil
	}
}

// Send stores msg. A simulated failure is stored too, with its error.
func (s *Sender) Send(ctx context.Context, msg *transport.Message) (transport.Receipt, error) {
	if err := ctx.Err(); err != nil {
		return transport.Receipt{}, &transport.Error{Category: transport.CategoryTimeout, Temporary: true, Err: err}
	}

	now := s.opts.Clock()
	if msg.MessageID == "" {
		msg.MessageID = transport.NewMessageID(s.hostname)
	}
	data, err := transport.Compose(msg, now)
	if err != nil {
		return transport.Receipt{}, fmt.Errorf("failed to compose message: %w", err)
	}

	captured := &Message{
		ID:         uuid.New().String(),
		MessageID:  msg.MessageID,
		ProviderID: s.provider.ID,
		Provider:   s.provider.Name,
		CampaignID: msg.Headers["X-Mailcast-Campaign-ID"],
		TrackingID: msg.Headers["X-Mailcast-Tracking-ID"],
		From:       msg.From,
		To:         msg.To,
		Subject:    msg.Subject,
		Data:       data,
		CapturedAt: now,
	}

	var failure *transport.Error
	if s.opts.ErrorRate > 0 && s.opts.Rand() < s.opts.ErrorRate {
		f := simulatedFailures[int(s.opts.Rand()*float64(len(simulatedFailures)))%len(simulatedFailures)]
		failure = &f
		captured.SimulatedErr = f.Message
	}

	if err := s.storage.Save(ctx, captured); err != nil {
		return transport.Receipt{}, fmt.Errorf("failed to store sandbox message: %w", err)
	}

	if failure != nil {
		s.logger.Info("sandbox: simulated failure", "to", msg.To, "error", failure.Message)
		return transport.Receipt{}, failure
	}

	s.logger.Debug("sandbox: message captured", "id", captured.ID, "to", msg.To)
	return transport.Receipt{MessageID: msg.MessageID}, nil
}

// Probe checks that the storage is readable
func (s *Sender) Probe(ctx context.Context) transport.Probe {
	started := time.Now()
	stats, err := s.storage.Stats(ctx)
	if err != nil {
		return transport.Probe{
			Success:  false,
			Message:  err.Error(),
			Category: string(transport.CategoryUnknown) + ":" + err.Error(),
			Latency:  time.Since(started),
		}
	}
	return transport.Probe{
		Success: true,
		Message: fmt.Sprintf("sandbox holds %d messages", stats.Total),
		Latency: time.Since(started),
	}
}
