// Package maintenance runs periodic housekeeping on cron schedules: log
// retention, provider stat recounts, scheduled campaign starts, stale entry
// reports, bounce polling and sandbox cleanup.
package maintenance

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// Task is one housekeeping run
type Task func(ctx context.Context) error

// ErrUnknownTask is returned by RunNow for unregistered names
var ErrUnknownTask = errors.New("unknown maintenance task")

var parser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// ValidateSpec checks a five field cron expression or descriptor such as @hourly
func ValidateSpec(spec string) error {
	if _, err := parser.Parse(spec); err != nil {
		return fmt.Errorf("invalid cron schedule %q: %w", spec, err)
	}
	return nil
}

// Scheduler runs named tasks on cron schedules. A task never overlaps with
// its own previous run.
type Scheduler struct {
	cron    *cron.Cron
	timeout time.Duration
	logger  *slog.Logger

	mu      sync.Mutex
	tasks   map[string]Task
	ctx     context.Context
	cancel  context.CancelFunc
	started bool
}

// NewScheduler creates a scheduler. timeout bounds each run; zero means none.
func NewScheduler(loc *time.Location, timeout time.Duration, logger *slog.Logger) *Scheduler {
	if loc == nil {
		loc = time.UTC
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	logger = logger.With("component", "maintenance")

	cl := cronLogger{logger: logger}
	ctx, cancel := context.WithCancel(context.Background())

	return &Scheduler{
		cron: cron.New(
			cron.WithParser(parser),
			cron.WithLocation(loc),
			cron.WithLogger(cl),
			cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
		),
		timeout: timeout,
		logger:  logger,
		tasks:   make(map[string]Task),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Add registers task under name. An empty spec registers the task for RunNow
// only.
func (s *Scheduler) Add(name, spec string, task Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.tasks[name]; ok {
		return fmt.Errorf("task %s already registered", name)
	}
	s.tasks[name] = task

	if spec == "" {
		return nil
	}
	if _, err := s.cron.AddFunc(spec, func() { s.run(s.ctx, name, task) }); err != nil {
		delete(s.tasks, name)
		return fmt.Errorf("task %s: invalid cron schedule %q: %w", name, spec, err)
	}
	s.logger.Debug("task scheduled", "task", name, "schedule", spec)
	return nil
}

// Tasks returns the registered task names, sorted
func (s *Scheduler) Tasks() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	names := make([]string, 0, len(s.tasks))
	for name := range s.tasks {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// RunNow runs a registered task synchronously
func (s *Scheduler) RunNow(ctx context.Context, name string) error {
	s.mu.Lock()
	task, ok := s.tasks[name]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownTask, name)
	}
	return s.run(ctx, name, task)
}

// Start begins running scheduled tasks
func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started {
		return
	}
	s.started = true
	s.cron.Start()
	s.logger.Info("maintenance scheduler started", "entries", len(s.cron.Entries()))
}

// Stop stops scheduling and cancels running tasks, waiting for them until
// ctx is done
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	started := s.started
	s.started = false
	s.mu.Unlock()

	s.cancel()
	if !started {
		return nil
	}

	select {
	case <-s.cron.Stop().Done():
		s.logger.Info("maintenance scheduler stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Scheduler) run(ctx context.Context, name string, task Task) error {
	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}

	started := time.Now()
	err := task(ctx)
	if err != nil {
		s.logger.Error("maintenance task failed", "task", name, "duration", time.Since(started), "error", err)
		return err
	}
	s.logger.Debug("maintenance task finished", "task", name, "duration", time.Since(started))
	return nil
}

// cronLogger adapts slog to the cron.Logger interface
type cronLogger struct {
	logger *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.logger.Debug("cron: "+msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.logger.Error("cron: "+msg, append(keysAndValues, "error", err)...)
}
