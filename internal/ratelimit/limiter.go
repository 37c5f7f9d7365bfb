package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/foxzi/mailcast/internal/models"
)

// Level represents the window that denied a send
type Level string

const (
	LevelDay    Level = "day"
	LevelHour   Level = "hour"
	LevelSecond Level = "second"
)

// Clock returns the current time. Tests replace it to cross window boundaries.
type Clock func() time.Time

// SendCounter counts a provider's sends in [from, to]
type SendCounter interface {
	CountSentInWindow(ctx context.Context, providerID string, from, to time.Time) (int, error)
}

// Limiter evaluates provider ceilings against the delivery log. It keeps no
// counters of its own, so every worker process sees the same numbers.
type Limiter struct {
	counter SendCounter
	now     Clock
}

// NewLimiter creates a new rate limiter
func NewLimiter(counter SendCounter, clock Clock) *Limiter {
	if clock == nil {
		clock = time.Now
	}
	return &Limiter{counter: counter, now: clock}
}

// Now returns the limiter's clock reading
func (l *Limiter) Now() time.Time {
	return l.now()
}

// Result contains the rate limit check result
type Result struct {
	Allowed    bool
	DeniedBy   Level
	Count      int
	Limit      int
	RetryAfter time.Duration
}

type window struct {
	level Level
	from  time.Time
	end   time.Time
	limit int
}

// Check evaluates the day, hour and second windows of p at now
func (l *Limiter) Check(ctx context.Context, p *models.Provider, now time.Time) (*Result, error) {
	now = now.UTC()
	dayStart := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)

	windows := []window{
		{level: LevelDay, from: dayStart, end: dayStart.Add(24 * time.Hour), limit: p.MaxPerDay},
		{level: LevelHour, from: now.Add(-time.Hour), end: now.Add(time.Hour), limit: p.MaxPerHour},
		{level: LevelSecond, from: now.Add(-time.Second), end: now.Add(time.Second), limit: p.MaxPerSecond},
	}

	for _, w := range windows {
		// Zero means no ceiling for that window
		if w.limit <= 0 {
			continue
		}

		count, err := l.counter.CountSentInWindow(ctx, p.ID, w.from, now)
		if err != nil {
			return nil, fmt.Errorf("failed to check %s limit of %s: %w", w.level, p.Name, err)
		}

		if count >= w.limit {
			return &Result{
				Allowed:    false,
				DeniedBy:   w.level,
				Count:      count,
				Limit:      w.limit,
				RetryAfter: w.end.Sub(now),
			}, nil
		}
	}

	return &Result{Allowed: true}, nil
}

// IsWithinLimits reports whether p may send one more message at now
func (l *Limiter) IsWithinLimits(ctx context.Context, p *models.Provider, now time.Time) (bool, error) {
	result, err := l.Check(ctx, p, now)
	if err != nil {
		return false, err
	}
	return result.Allowed, nil
}
