package maintenance

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/foxzi/mailcast/internal/bounce"
	"github.com/foxzi/mailcast/internal/models"
)

// Task names
const (
	TaskCleanup      = "cleanup"
	TaskRecount      = "recount_stats"
	TaskStartDue     = "start_due"
	TaskStalePending = "stale_pending"
	TaskBounces      = "poll_bounces"
	TaskSandbox      = "sandbox_cleanup"
)

// Schedules holds one cron expression per task. Empty disables the schedule.
type Schedules struct {
	Cleanup      string `yaml:"cleanup"`
	Recount      string `yaml:"recount_stats"`
	StartDue     string `yaml:"start_due"`
	StalePending string `yaml:"stale_pending"`
	Bounces      string `yaml:"poll_bounces"`
	Sandbox      string `yaml:"sandbox_cleanup"`
}

// DefaultSchedules returns the schedules used when none are configured
func DefaultSchedules() Schedules {
	return Schedules{
		Cleanup:      "30 3 * * *",
		Recount:      "@hourly",
		StartDue:     "* * * * *",
		StalePending: "*/15 * * * *",
		Bounces:      "*/5 * * * *",
		Sandbox:      "0 4 * * *",
	}
}

// DeliveryMaintenance is the part of the delivery log housekeeping touches
type DeliveryMaintenance interface {
	CleanupTerminal(ctx context.Context, before time.Time, dryRun bool) (int64, error)
	ListStalePending(ctx context.Context, before time.Time, limit int) ([]models.DeliveryLogEntry, error)
}

// ProviderRecounter rebuilds provider counters from the log
type ProviderRecounter interface {
	RecountAll(ctx context.Context) (int, error)
}

// DueStarter starts scheduled campaigns that are due
type DueStarter interface {
	StartDue(ctx context.Context, start func(campaignID string)) (int, error)
}

// SandboxCleaner drops captured messages
type SandboxCleaner interface {
	Clear(ctx context.Context, before time.Time) (int, error)
}

// Tasks holds the dependencies of the housekeeping tasks. Nil optional
// dependencies leave the matching task unregistered.
type Tasks struct {
	Deliveries DeliveryMaintenance
	Providers  ProviderRecounter

	// Due and Start are both needed for scheduled campaigns
	Due   DueStarter
	Start func(campaignID string)

	Bounces       bounce.Source
	Events        bounce.Processor
	Sandbox       SandboxCleaner
	Retention     time.Duration
	StaleAfter    time.Duration
	SandboxMaxAge time.Duration

	Clock  func() time.Time
	Logger *slog.Logger
}

func (t *Tasks) now() time.Time {
	if t.Clock != nil {
		return t.Clock()
	}
	return time.Now()
}

func (t *Tasks) logger() *slog.Logger {
	if t.Logger == nil {
		return slog.New(slog.DiscardHandler)
	}
	return t.Logger.With("component", "maintenance")
}

// Cleanup deletes terminal log entries older than the retention period and
// returns how many were (or, with dryRun, would be) removed
func (t *Tasks) Cleanup(ctx context.Context, dryRun bool) (int64, error) {
	if t.Retention <= 0 {
		return 0, fmt.Errorf("retention period is not set")
	}
	before := t.now().Add(-t.Retention)
	n, err := t.Deliveries.CleanupTerminal(ctx, before, dryRun)
	if err != nil {
		return 0, fmt.Errorf("failed to clean up delivery log: %w", err)
	}
	if n > 0 || dryRun {
		t.logger().Info("delivery log cleanup",
			"removed", n,
			"dry_run", dryRun,
			"before", before.Format(time.RFC3339),
		)
	}
	return n, nil
}

// Recount rebuilds the counters of every provider
func (t *Tasks) Recount(ctx context.Context) error {
	n, err := t.Providers.RecountAll(ctx)
	if err != nil {
		return fmt.Errorf("failed to recount provider stats: %w", err)
	}
	t.logger().Debug("provider stats recounted", "providers", n)
	return nil
}

// StartDue hands scheduled campaigns that are due to Start
func (t *Tasks) StartDue(ctx context.Context) error {
	n, err := t.Due.StartDue(ctx, t.Start)
	if err != nil {
		return err
	}
	if n > 0 {
		t.logger().Info("scheduled campaigns started", "count", n)
	}
	return nil
}

// StalePending reports entries stuck in pending, for example after a crash
// between recording and sending
func (t *Tasks) StalePending(ctx context.Context) ([]models.DeliveryLogEntry, error) {
	after := t.StaleAfter
	if after <= 0 {
		after = time.Hour
	}
	entries, err := t.Deliveries.ListStalePending(ctx, t.now().Add(-after), 100)
	if err != nil {
		return nil, fmt.Errorf("failed to list stale entries: %w", err)
	}
	if len(entries) > 0 {
		t.logger().Warn("stale pending deliveries",
			"count", len(entries),
			"oldest_campaign_id", entries[0].CampaignID,
			"oldest_created_at", entries[0].CreatedAt.Format(time.RFC3339),
		)
	}
	return entries, nil
}

// PollBounces applies pending events from the bounce source
func (t *Tasks) PollBounces(ctx context.Context) error {
	n, err := bounce.Poll(ctx, t.Bounces, t.Events, t.logger())
	if n > 0 {
		t.logger().Info("bounce events applied", "count", n)
	}
	return err
}

// ClearSandbox drops captured messages older than SandboxMaxAge
func (t *Tasks) ClearSandbox(ctx context.Context) error {
	if t.SandboxMaxAge <= 0 {
		return nil
	}
	n, err := t.Sandbox.Clear(ctx, t.now().Add(-t.SandboxMaxAge))
	if err != nil {
		return fmt.Errorf("failed to clear sandbox: %w", err)
	}
	if n > 0 {
		t.logger().Info("sandbox messages cleared", "count", n)
	}
	return nil
}

// Register adds every task whose dependencies are set to s
func (t *Tasks) Register(s *Scheduler, sched Schedules) error {
	type entry struct {
		name string
		spec string
		task Task
		ok   bool
	}

	entries := []entry{
		{TaskCleanup, sched.Cleanup, func(ctx context.Context) error {
			_, err := t.Cleanup(ctx, false)
			return err
		}, t.Deliveries != nil && t.Retention > 0},
		{TaskRecount, sched.Recount, t.Recount, t.Providers != nil},
		{TaskStartDue, sched.StartDue, t.StartDue, t.Due != nil && t.Start != nil},
		{TaskStalePending, sched.StalePending, func(ctx context.Context) error {
			_, err := t.StalePending(ctx)
			return err
		}, t.Deliveries != nil},
		{TaskBounces, sched.Bounces, t.PollBounces, t.Bounces != nil && t.Events != nil},
		{TaskSandbox, sched.Sandbox, t.ClearSandbox, t.Sandbox != nil},
	}

	for _, e := range entries {
		if !e.ok {
			continue
		}
		if err := s.Add(e.name, e.spec, e.task); err != nil {
			return err
		}
	}
	return nil
}
