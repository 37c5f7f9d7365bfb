package selector

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/foxzi/mailcast/internal/metrics"
	"github.com/foxzi/mailcast/internal/models"
	"github.com/foxzi/mailcast/internal/ratelimit"
	"github.com/foxzi/mailcast/internal/transport"
)

// DefaultProbeTimeout bounds a single connection test
const DefaultProbeTimeout = 10 * time.Second

// recencyBonus is the score added to a provider idle for a day or more
const recencyBonus = 10.0

// ProviderSource lists the providers eligible for sending
type ProviderSource interface {
	ListActive(ctx context.Context) ([]models.Provider, error)
}

// SenderSource builds the transport of a provider
type SenderSource interface {
	For(p *models.Provider) (transport.Sender, error)
}

// Selector probes providers and picks the best one for the next message
type Selector struct {
	providers    ProviderSource
	limiter      *ratelimit.Limiter
	senders      SenderSource
	probeTimeout time.Duration
	parallel     int
	logger       *slog.Logger
}

// Options configures a Selector
type Options struct {
	ProbeTimeout time.Duration
	// Parallel caps concurrent probes in TestAll, 0 means no limit
	Parallel int
	Logger   *slog.Logger
}

// New creates a selector
func New(providers ProviderSource, limiter *ratelimit.Limiter, senders SenderSource, opts Options) *Selector {
	if opts.ProbeTimeout <= 0 {
		opts.ProbeTimeout = DefaultProbeTimeout
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.DiscardHandler)
	}
	return &Selector{
		providers:    providers,
		limiter:      limiter,
		senders:      senders,
		probeTimeout: opts.ProbeTimeout,
		parallel:     opts.Parallel,
		logger:       opts.Logger.With("component", "selector"),
	}
}

// TestConnection probes p under the probe timeout. Failures are reported in
// the Probe, never as an error.
func (s *Selector) TestConnection(ctx context.Context, p *models.Provider) transport.Probe {
	started := time.Now()

	sender, err := s.senders.For(p)
	if err != nil {
		return transport.Probe{
			Success:  false,
			Message:  err.Error(),
			Category: fmt.Sprintf("%s:%s", transport.CategoryUnknown, err),
			Latency:  time.Since(started),
		}
	}

	ctx, cancel := context.WithTimeout(ctx, s.probeTimeout)
	defer cancel()

	probe := sender.Probe(ctx)

	s.logger.Debug("provider probed",
		"provider", p.Name,
		"success", probe.Success,
		"category", probe.Category,
		"latency", probe.Latency,
	)
	return probe
}

// ProbeResult pairs a provider with its probe outcome
type ProbeResult struct {
	ProviderID string          `json:"provider_id"`
	Name       string          `json:"name"`
	Kind       string          `json:"kind"`
	Probe      transport.Probe `json:"probe"`
}

// TestAll probes every active provider concurrently. Results follow registry order.
func (s *Selector) TestAll(ctx context.Context) ([]ProbeResult, error) {
	providers, err := s.providers.ListActive(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list providers: %w", err)
	}

	results := make([]ProbeResult, len(providers))

	g, gctx := errgroup.WithContext(ctx)
	if s.parallel > 0 {
		g.SetLimit(s.parallel)
	}
	for i := range providers {
		p := &providers[i]
		g.Go(func() error {
			results[i] = ProbeResult{
				ProviderID: p.ID,
				Name:       p.Name,
				Kind:       string(p.Kind),
				Probe:      s.TestConnection(gctx, p),
			}
			return nil
		})
	}
	g.Wait()

	return results, nil
}

// Score ranks a provider: delivery rate plus up to 10 points for time since
// last use, saturating at 24 hours. Never-used providers get the full bonus.
func Score(p *models.Provider, now time.Time) float64 {
	idle := 24.0
	if p.LastUsedAt != nil {
		idle = now.Sub(*p.LastUsedAt).Hours()
	}
	idle = math.Max(0, math.Min(idle/24, 1))
	return p.DeliveryRate() + idle*recencyBonus
}

// Eligible returns the active providers within their rate limits, best first
func (s *Selector) Eligible(ctx context.Context, now time.Time) ([]models.Provider, error) {
	providers, err := s.providers.ListActive(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list providers: %w", err)
	}

	eligible := providers[:0]
	for _, p := range providers {
		res, err := s.limiter.Check(ctx, &p, now)
		if err != nil {
			return nil, fmt.Errorf("failed to check limits of %s: %w", p.Name, err)
		}
		if !res.Allowed {
			s.logger.Debug("provider over rate limit",
				"provider", p.Name,
				"level", res.DeniedBy,
				"count", res.Count,
				"limit", res.Limit,
			)
			metrics.IncRateLimitExceeded(string(res.DeniedBy))
			continue
		}
		eligible = append(eligible, p)
	}

	sort.SliceStable(eligible, func(i, j int) bool {
		si, sj := Score(&eligible[i], now), Score(&eligible[j], now)
		if si != sj {
			return si > sj
		}
		return eligible[i].Name < eligible[j].Name
	})
	return eligible, nil
}

// SelectBest returns the highest scoring eligible provider. ok is false when
// every provider is inactive or over its limits.
func (s *Selector) SelectBest(ctx context.Context, now time.Time) (*models.Provider, bool, error) {
	eligible, err := s.Eligible(ctx, now)
	if err != nil {
		return nil, false, err
	}
	if len(eligible) == 0 {
		return nil, false, nil
	}
	best := eligible[0]
	return &best, true, nil
}
