package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/foxzi/mailcast/internal/dispatch"
	"github.com/foxzi/mailcast/internal/metrics"
	"github.com/foxzi/mailcast/internal/models"
	"github.com/foxzi/mailcast/internal/ratelimit"
	"github.com/foxzi/mailcast/internal/render"
	"github.com/foxzi/mailcast/internal/repository"
	"github.com/foxzi/mailcast/internal/transport"
)

// CampaignStore is the campaign persistence the orchestrator needs
type CampaignStore interface {
	GetByID(ctx context.Context, id string) (*models.Campaign, error)
	GetStatus(ctx context.Context, id string) (models.CampaignStatus, error)
	TransitionStatus(ctx context.Context, id string, from []models.CampaignStatus, to models.CampaignStatus, at time.Time) (bool, error)
	SetTotalRecipients(ctx context.Context, id string, total int) error
	ApplyTotals(ctx context.Context, id string, t models.DeliveryTotals) error
	Attachments(ctx context.Context, campaignID string) ([]models.Attachment, error)
	ListDueScheduled(ctx context.Context, now time.Time) ([]models.Campaign, error)
}

// RecipientResolver expands segments into distinct recipients
type RecipientResolver interface {
	Resolve(ctx context.Context, segmentIDs []string) ([]models.Recipient, error)
}

// ProviderRegistry looks up providers
type ProviderRegistry interface {
	GetByID(ctx context.Context, id string) (*models.Provider, error)
	GetDefault(ctx context.Context) (*models.Provider, error)
	ListActive(ctx context.Context) ([]models.Provider, error)
	TouchLastUsed(ctx context.Context, id string, at time.Time) error
	RecountStats(ctx context.Context, id string) error
}

// DeliveryLog is the query side of the log the orchestrator reads
type DeliveryLog interface {
	CampaignTotals(ctx context.Context, campaignID string) (models.DeliveryTotals, error)
	SentRecipients(ctx context.Context, campaignID string) (map[string]bool, error)
}

// ProviderSelector picks the provider of the next message
type ProviderSelector interface {
	SelectBest(ctx context.Context, now time.Time) (*models.Provider, bool, error)
}

// LimitChecker reports whether a pinned provider may send
type LimitChecker interface {
	IsWithinLimits(ctx context.Context, p *models.Provider, now time.Time) (bool, error)
}

// Dispatcher sends one message in two steps. Reserve runs on the selection
// loop so the pending entry is visible to the next limit check.
type Dispatcher interface {
	Reserve(ctx context.Context, req dispatch.Request) (*dispatch.Reservation, error)
	Deliver(ctx context.Context, r *dispatch.Reservation) (*dispatch.Result, error)
}

// Throttle blocks while the current time bucket is over its ceiling
type Throttle interface {
	Wait(ctx context.Context, scope string) error
}

// Config holds orchestrator settings
type Config struct {
	// Concurrency is the number of messages in flight per run
	Concurrency int `yaml:"concurrency"`
	// ExhaustAfter is how many consecutive provider failures, spanning every
	// active provider, end a run
	ExhaustAfter int `yaml:"exhaust_after"`

	Throttle ratelimit.ThrottleConfig `yaml:"throttle"`
}

// DefaultConfig returns the default orchestrator configuration
func DefaultConfig() Config {
	return Config{
		Concurrency:  4,
		ExhaustAfter: 5,
		Throttle: ratelimit.ThrottleConfig{
			Ceiling: 10,
			Bucket:  time.Second,
			Pause:   time.Second,
		},
	}
}

// StartOptions tunes a single run
type StartOptions struct {
	// ProviderID pins every message to one provider
	ProviderID string
}

// RunResult summarises a finished run
type RunResult struct {
	CampaignID string                `json:"campaign_id"`
	Status     models.CampaignStatus `json:"status"`
	Recipients int                   `json:"recipients"`
	Skipped    int                   `json:"skipped"`
	Sent       int64                 `json:"sent"`
	Failed     int64                 `json:"failed"`
}

// Orchestrator drives campaign send runs
type Orchestrator struct {
	campaigns  CampaignStore
	recipients RecipientResolver
	providers  ProviderRegistry
	deliveries DeliveryLog
	selector   ProviderSelector
	limits     LimitChecker
	dispatcher Dispatcher
	throttle   Throttle
	cfg        Config
	now        func() time.Time
	logger     *slog.Logger
}

// Deps groups the collaborators of an Orchestrator
type Deps struct {
	Campaigns  CampaignStore
	Recipients RecipientResolver
	Providers  ProviderRegistry
	Deliveries DeliveryLog
	Selector   ProviderSelector
	Limits     LimitChecker
	Dispatcher Dispatcher
	Throttle   Throttle
	Clock      func() time.Time
	Logger     *slog.Logger
}

// New creates an orchestrator
func New(deps Deps, cfg Config) *Orchestrator {
	defaults := DefaultConfig()
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = defaults.Concurrency
	}
	if cfg.ExhaustAfter <= 0 {
		cfg.ExhaustAfter = defaults.ExhaustAfter
	}
	if deps.Clock == nil {
		deps.Clock = time.Now
	}
	if deps.Logger == nil {
		deps.Logger = slog.New(slog.DiscardHandler)
	}
	if deps.Throttle == nil {
		deps.Throttle = ratelimit.NewThrottle(cfg.Throttle, nil, deps.Clock, deps.Logger)
	}

	return &Orchestrator{
		campaigns:  deps.Campaigns,
		recipients: deps.Recipients,
		providers:  deps.Providers,
		deliveries: deps.Deliveries,
		selector:   deps.Selector,
		limits:     deps.Limits,
		dispatcher: deps.Dispatcher,
		throttle:   deps.Throttle,
		cfg:        cfg,
		now:        deps.Clock,
		logger:     deps.Logger.With("component", "orchestrator"),
	}
}

// plan is a validated run, ready to dispatch
type plan struct {
	campaign    *models.Campaign
	recipients  []models.Recipient
	pinned      *models.Provider
	attachments []models.Attachment
}

// StartSend runs a draft or scheduled campaign to completion. Precondition
// failures return a *ConfigurationError and change nothing.
func (o *Orchestrator) StartSend(ctx context.Context, campaignID string, opts StartOptions) (*RunResult, error) {
	p, err := o.prepare(ctx, campaignID, opts, models.CampaignStatus.CanStart)
	if err != nil {
		return nil, err
	}

	ok, err := o.campaigns.TransitionStatus(ctx, campaignID,
		[]models.CampaignStatus{models.CampaignDraft, models.CampaignScheduled}, models.CampaignSending, o.now())
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("campaign %s: %w", campaignID, ErrAlreadySending)
	}

	if err := o.campaigns.SetTotalRecipients(ctx, campaignID, len(p.recipients)); err != nil {
		o.logger.Error("failed to record total recipients", "campaign_id", campaignID, "error", err)
	}

	o.logger.Info("campaign send started",
		"campaign_id", campaignID,
		"recipients", len(p.recipients),
		"pinned_provider", providerName(p.pinned),
	)

	return o.run(ctx, p, 0)
}

// Resume continues a paused campaign. Recipients with an existing log entry
// for the campaign are skipped.
func (o *Orchestrator) Resume(ctx context.Context, campaignID string, opts StartOptions) (*RunResult, error) {
	p, err := o.prepare(ctx, campaignID, opts, func(s models.CampaignStatus) bool {
		return s == models.CampaignPaused
	})
	if err != nil {
		return nil, err
	}

	seen, err := o.deliveries.SentRecipients(ctx, campaignID)
	if err != nil {
		return nil, err
	}
	remaining := p.recipients[:0:0]
	for _, r := range p.recipients {
		if !seen[r.Email] {
			remaining = append(remaining, r)
		}
	}
	skipped := len(p.recipients) - len(remaining)
	p.recipients = remaining

	ok, err := o.campaigns.TransitionStatus(ctx, campaignID,
		[]models.CampaignStatus{models.CampaignPaused}, models.CampaignSending, o.now())
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("campaign %s: %w", campaignID, ErrAlreadySending)
	}

	o.logger.Info("campaign send resumed",
		"campaign_id", campaignID,
		"remaining", len(remaining),
		"skipped", skipped,
	)

	return o.run(ctx, p, skipped)
}

// Check runs the preconditions of StartSend, or of Resume when resume is
// set, without changing anything. Callers that run the send elsewhere use it
// to report configuration errors up front.
func (o *Orchestrator) Check(ctx context.Context, campaignID string, opts StartOptions, resume bool) error {
	allowed := models.CampaignStatus.CanStart
	if resume {
		allowed = func(s models.CampaignStatus) bool { return s == models.CampaignPaused }
	}
	_, err := o.prepare(ctx, campaignID, opts, allowed)
	return err
}

// prepare checks every precondition without side effects
func (o *Orchestrator) prepare(ctx context.Context, campaignID string, opts StartOptions, allowed func(models.CampaignStatus) bool) (*plan, error) {
	c, err := o.campaigns.GetByID(ctx, campaignID)
	if err != nil {
		return nil, fmt.Errorf("failed to load campaign %s: %w", campaignID, err)
	}

	if !allowed(c.Status) {
		return nil, &ConfigurationError{CampaignID: c.ID, Reason: ErrWrongStatus, Detail: "status is " + string(c.Status)}
	}

	if err := render.Validate(render.Content{Subject: c.Subject, HTML: c.HTML, Text: c.Text}); err != nil {
		return nil, &ConfigurationError{CampaignID: c.ID, Reason: ErrInvalidContent, Detail: err.Error()}
	}

	recipients, err := o.recipients.Resolve(ctx, c.SegmentIDs)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve recipients of %s: %w", c.ID, err)
	}
	if len(recipients) == 0 {
		return nil, &ConfigurationError{CampaignID: c.ID, Reason: ErrNoRecipients}
	}

	pinned, err := o.resolveProvider(ctx, c, opts)
	if err != nil {
		return nil, err
	}

	attachments, err := o.campaigns.Attachments(ctx, c.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to load attachments of %s: %w", c.ID, err)
	}

	return &plan{campaign: c, recipients: recipients, pinned: pinned, attachments: attachments}, nil
}

// resolveProvider returns the pinned provider, or nil when messages are
// routed by scored selection
func (o *Orchestrator) resolveProvider(ctx context.Context, c *models.Campaign, opts StartOptions) (*models.Provider, error) {
	now := o.now()

	id := opts.ProviderID
	if id == "" {
		id = c.ProviderID
	}

	if id != "" {
		p, err := o.providers.GetByID(ctx, id)
		if errors.Is(err, repository.ErrNotFound) {
			return nil, &ConfigurationError{CampaignID: c.ID, Reason: ErrNoProvider, Detail: "provider " + id + " does not exist"}
		}
		if err != nil {
			return nil, err
		}
		if !p.Active {
			return nil, &ConfigurationError{CampaignID: c.ID, Reason: ErrNoProvider, Detail: "provider " + p.Name + " is inactive"}
		}
		if o.limits != nil {
			ok, err := o.limits.IsWithinLimits(ctx, p, now)
			if err != nil {
				return nil, err
			}
			if !ok {
				return nil, &ConfigurationError{CampaignID: c.ID, Reason: ErrNoProvider, Detail: "provider " + p.Name + " is over its rate limits"}
			}
		}
		return p, nil
	}

	if _, err := o.providers.GetDefault(ctx); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, &ConfigurationError{CampaignID: c.ID, Reason: ErrNoProvider, Detail: "no provider given and no default provider set"}
		}
		return nil, err
	}

	if _, ok, err := o.selector.SelectBest(ctx, now); err != nil {
		return nil, err
	} else if !ok {
		return nil, &ConfigurationError{CampaignID: c.ID, Reason: ErrNoProvider, Detail: "every provider is inactive or over its rate limits"}
	}
	return nil, nil
}

// failureStreak tracks consecutive provider failures across the run
type failureStreak struct {
	mu        sync.Mutex
	count     int
	providers map[string]bool
}

func (f *failureStreak) success() {
	f.mu.Lock()
	f.count = 0
	f.providers = nil
	f.mu.Unlock()
}

// failure records a failure and reports the streak length and provider spread
func (f *failureStreak) failure(providerID string) (int, int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.providers == nil {
		f.providers = make(map[string]bool)
	}
	f.count++
	f.providers[providerID] = true
	return f.count, len(f.providers)
}

// stopReason is why the dispatch loop ended early
type stopReason int

const (
	stopNone stopReason = iota
	stopStatus
	stopExhausted
	stopCancelled
	stopFailed
)

func (o *Orchestrator) run(ctx context.Context, p *plan, skipped int) (*RunResult, error) {
	c := p.campaign
	logger := o.logger.With("campaign_id", c.ID)

	metrics.IncCampaignsSending()
	defer metrics.DecCampaignsSending()

	// Exhaustion needs failures on every provider in the pool
	poolSize := 1
	if p.pinned == nil {
		active, err := o.providers.ListActive(ctx)
		if err != nil {
			return nil, err
		}
		poolSize = max(len(active), 1)
	}

	var (
		sent, failed atomic.Int64
		streak       failureStreak
		exhausted    atomic.Bool
		used         = make(map[string]bool)
		reason       = stopNone
		loopErr      error
		observed     models.CampaignStatus
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(o.cfg.Concurrency)

loop:
	for _, rcpt := range p.recipients {
		if gctx.Err() != nil {
			reason = stopCancelled
			break
		}
		if exhausted.Load() {
			reason = stopExhausted
			break
		}

		// A pause or cancel must stop the run before the next recipient
		status, err := o.campaigns.GetStatus(gctx, c.ID)
		if err != nil {
			if gctx.Err() != nil {
				reason = stopCancelled
				break
			}
			logger.Error("failed to read campaign status", "error", err)
		} else if status != models.CampaignSending {
			observed = status
			reason = stopStatus
			logger.Info("campaign left sending, stopping", "status", status)
			break
		}

		provider, err := o.pick(gctx, p.pinned)
		switch {
		case err != nil && gctx.Err() != nil:
			reason = stopCancelled
			break loop
		case err != nil:
			logger.Error("provider selection failed", "error", err)
			exhausted.Store(true)
			reason = stopExhausted
			break loop
		case provider == nil:
			logger.Warn("no provider within limits, pausing campaign")
			exhausted.Store(true)
			reason = stopExhausted
			break loop
		}

		// Touching on selection lets the recency bonus spread load
		if err := o.providers.TouchLastUsed(gctx, provider.ID, o.now()); err != nil {
			logger.Error("failed to touch provider", "provider", provider.Name, "error", err)
		}

		if err := o.throttle.Wait(gctx, "provider:"+provider.ID); err != nil {
			if gctx.Err() != nil {
				reason = stopCancelled
			} else {
				logger.Error("throttle failed", "error", err)
				reason = stopFailed
			}
			break
		}

		req := dispatch.Request{
			Campaign:    c,
			Recipient:   rcpt,
			Provider:    provider,
			Subject:     c.Subject,
			HTML:        c.HTML,
			Text:        c.Text,
			Attachments: p.attachments,
		}

		reservation, err := o.dispatcher.Reserve(gctx, req)
		if err != nil {
			if gctx.Err() != nil {
				reason = stopCancelled
			} else {
				logger.Error("failed to reserve delivery", "recipient", rcpt.Email, "error", err)
				loopErr = err
				reason = stopFailed
			}
			break
		}

		used[provider.ID] = true

		g.Go(func() error {
			result, err := o.dispatcher.Deliver(gctx, reservation)
			if err != nil {
				return fmt.Errorf("dispatch to %s: %w", req.Recipient.Email, err)
			}
			if result.Success {
				sent.Add(1)
				streak.success()
				return nil
			}

			failed.Add(1)
			if !providerFault(result.Error) {
				return nil
			}
			n, spread := streak.failure(provider.ID)
			if n >= o.cfg.ExhaustAfter && spread >= poolSize {
				if exhausted.CompareAndSwap(false, true) {
					logger.Warn("providers exhausted",
						"consecutive_failures", n,
						"providers", spread,
						"last_error", result.Error,
					)
				}
			}
			return nil
		})
	}

	runErr := g.Wait()
	if ctx.Err() != nil {
		reason = stopCancelled
	} else if runErr != nil {
		reason = stopFailed
	} else if exhausted.Load() && reason == stopNone {
		reason = stopExhausted
	}

	// Bookkeeping must finish even when the caller is gone
	bg := context.WithoutCancel(ctx)

	o.recount(bg, c.ID, used, logger)

	result := &RunResult{
		CampaignID: c.ID,
		Recipients: len(p.recipients) + skipped,
		Skipped:    skipped,
		Sent:       sent.Load(),
		Failed:     failed.Load(),
	}

	switch reason {
	case stopStatus:
		result.Status = observed
		metrics.IncCampaignRuns("interrupted")
		return result, nil

	case stopExhausted, stopCancelled, stopFailed:
		if _, err := o.campaigns.TransitionStatus(bg, c.ID,
			[]models.CampaignStatus{models.CampaignSending}, models.CampaignPaused, o.now()); err != nil {
			logger.Error("failed to pause campaign", "error", err)
		}
		result.Status = models.CampaignPaused

		switch reason {
		case stopCancelled:
			metrics.IncCampaignRuns("cancelled")
			logger.Info("campaign run cancelled, paused for resume", "sent", result.Sent, "failed", result.Failed)
			return result, ctx.Err()
		case stopFailed:
			metrics.IncCampaignRuns("failed")
			logger.Error("campaign run failed, paused", "sent", result.Sent, "failed", result.Failed, "error", runErr)
			if runErr == nil {
				runErr = loopErr
			}
			if runErr == nil {
				runErr = errors.New("throttle unavailable")
			}
			return result, fmt.Errorf("campaign %s: %w", c.ID, runErr)
		}

		metrics.IncCampaignRuns("exhausted")
		logger.Warn("campaign paused, providers exhausted", "sent", result.Sent, "failed", result.Failed)
		return result, fmt.Errorf("campaign %s: %w", c.ID, ErrProvidersExhausted)
	}

	ok, err := o.campaigns.TransitionStatus(bg, c.ID,
		[]models.CampaignStatus{models.CampaignSending}, models.CampaignSent, o.now())
	if err != nil {
		return result, err
	}
	if ok {
		result.Status = models.CampaignSent
	} else if status, err := o.campaigns.GetStatus(bg, c.ID); err == nil {
		result.Status = status
	}

	metrics.IncCampaignRuns("completed")
	logger.Info("campaign send finished",
		"status", result.Status,
		"sent", result.Sent,
		"failed", result.Failed,
		"skipped", result.Skipped,
	)
	return result, nil
}

// pick returns the pinned provider while it is within limits, or the best
// scored provider. A nil provider means nothing is eligible.
func (o *Orchestrator) pick(ctx context.Context, pinned *models.Provider) (*models.Provider, error) {
	now := o.now()
	if pinned != nil {
		if o.limits == nil {
			return pinned, nil
		}
		ok, err := o.limits.IsWithinLimits(ctx, pinned, now)
		if err != nil || !ok {
			return nil, err
		}
		return pinned, nil
	}

	p, ok, err := o.selector.SelectBest(ctx, now)
	if err != nil || !ok {
		return nil, err
	}
	return p, nil
}

// recount rebuilds aggregates from the delivery log, the source of truth
func (o *Orchestrator) recount(ctx context.Context, campaignID string, providers map[string]bool, logger *slog.Logger) {
	totals, err := o.deliveries.CampaignTotals(ctx, campaignID)
	if err != nil {
		logger.Error("failed to recount campaign totals", "error", err)
	} else if err := o.campaigns.ApplyTotals(ctx, campaignID, totals); err != nil {
		logger.Error("failed to apply campaign totals", "error", err)
	}

	for id := range providers {
		if err := o.providers.RecountStats(ctx, id); err != nil {
			logger.Error("failed to recount provider stats", "provider_id", id, "error", err)
		}
	}
}

// providerFault reports whether a failure points at the provider rather
// than the recipient or the content
func providerFault(err error) bool {
	var tokenErr *render.TokenError
	if errors.As(err, &tokenErr) {
		return false
	}
	var te *transport.Error
	if !errors.As(err, &te) {
		return true
	}
	switch te.Category {
	case transport.CategoryRejected:
		return false
	case transport.CategoryAPI:
		return te.Temporary
	}
	return true
}

// Pause stops a sending campaign. The running loop notices between recipients.
func (o *Orchestrator) Pause(ctx context.Context, campaignID string) error {
	return o.transition(ctx, campaignID, models.CampaignPaused)
}

// Cancel ends a campaign in any pre-terminal status
func (o *Orchestrator) Cancel(ctx context.Context, campaignID string) error {
	return o.transition(ctx, campaignID, models.CampaignCancelled)
}

func (o *Orchestrator) transition(ctx context.Context, campaignID string, to models.CampaignStatus) error {
	ok, err := o.campaigns.TransitionStatus(ctx, campaignID, to.Predecessors(), to, o.now())
	if err != nil {
		return err
	}
	if ok {
		o.logger.Info("campaign status changed", "campaign_id", campaignID, "status", to)
		return nil
	}

	status, err := o.campaigns.GetStatus(ctx, campaignID)
	if err != nil {
		return fmt.Errorf("failed to load campaign %s: %w", campaignID, err)
	}
	return &ConfigurationError{
		CampaignID: campaignID,
		Reason:     ErrWrongStatus,
		Detail:     fmt.Sprintf("cannot move from %s to %s", status, to),
	}
}

// StartDue starts every scheduled campaign whose time has come and returns
// how many runs were launched. start is called once per campaign.
func (o *Orchestrator) StartDue(ctx context.Context, start func(campaignID string)) (int, error) {
	due, err := o.campaigns.ListDueScheduled(ctx, o.now())
	if err != nil {
		return 0, err
	}
	for _, c := range due {
		o.logger.Info("scheduled campaign due", "campaign_id", c.ID, "scheduled_at", c.ScheduledAt)
		start(c.ID)
	}
	return len(due), nil
}

func providerName(p *models.Provider) string {
	if p == nil {
		return ""
	}
	return p.Name
}
