package ratelimit

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/foxzi/mailcast/internal/metrics"
)

// Buckets counts events per time bucket key
type Buckets interface {
	// Incr adds one to key and returns the new count. The key expires after ttl.
	Incr(ctx context.Context, key string, ttl time.Duration) (int64, error)
}

// ThrottleConfig contains the ceiling-and-pause settings
type ThrottleConfig struct {
	Ceiling int           `yaml:"ceiling"`
	Bucket  time.Duration `yaml:"bucket"`
	Pause   time.Duration `yaml:"pause"`
}

// Throttle caps how many sends start per time bucket. When a bucket is full
// the caller pauses for a fixed interval and tries again.
type Throttle struct {
	cfg     ThrottleConfig
	buckets Buckets
	now     Clock
	sleep   func(ctx context.Context, d time.Duration) error
	logger  *slog.Logger
}

// NewThrottle creates a throttle. A non-positive ceiling disables it.
func NewThrottle(cfg ThrottleConfig, buckets Buckets, clock Clock, logger *slog.Logger) *Throttle {
	if cfg.Bucket <= 0 {
		cfg.Bucket = time.Second
	}
	if cfg.Pause <= 0 {
		cfg.Pause = cfg.Bucket
	}
	if buckets == nil {
		buckets = NewMemoryBuckets(clock)
	}
	if clock == nil {
		clock = time.Now
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	return &Throttle{
		cfg:     cfg,
		buckets: buckets,
		now:     clock,
		sleep:   sleepContext,
		logger:  logger.With("component", "throttle"),
	}
}

// Wait blocks until scope has room in the current bucket
func (t *Throttle) Wait(ctx context.Context, scope string) error {
	if t.cfg.Ceiling <= 0 {
		return nil
	}

	for {
		bucket := t.now().UnixNano() / int64(t.cfg.Bucket)
		key := scope + ":" + strconv.FormatInt(bucket, 10)

		n, err := t.buckets.Incr(ctx, key, 2*t.cfg.Bucket)
		if err != nil {
			return fmt.Errorf("failed to count throttle bucket: %w", err)
		}
		if n <= int64(t.cfg.Ceiling) {
			return nil
		}

		metrics.IncThrottlePauses()
		t.logger.Debug("throttle ceiling reached, pausing",
			"scope", scope,
			"ceiling", t.cfg.Ceiling,
			"pause", t.cfg.Pause,
		)
		if err := t.sleep(ctx, t.cfg.Pause); err != nil {
			return err
		}
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// MemoryBuckets keeps bucket counters in process memory
type MemoryBuckets struct {
	mu      sync.Mutex
	now     Clock
	counts  map[string]int64
	expires map[string]time.Time
}

// NewMemoryBuckets creates in-process bucket counters
func NewMemoryBuckets(clock Clock) *MemoryBuckets {
	if clock == nil {
		clock = time.Now
	}
	return &MemoryBuckets{
		now:     clock,
		counts:  make(map[string]int64),
		expires: make(map[string]time.Time),
	}
}

// Incr implements Buckets
func (b *MemoryBuckets) Incr(_ context.Context, key string, ttl time.Duration) (int64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	for k, exp := range b.expires {
		if !now.Before(exp) {
			delete(b.counts, k)
			delete(b.expires, k)
		}
	}

	b.counts[key]++
	if _, ok := b.expires[key]; !ok {
		b.expires[key] = now.Add(ttl)
	}
	return b.counts[key], nil
}

// RedisBuckets keeps bucket counters in redis so several worker processes
// share one ceiling
type RedisBuckets struct {
	client *redis.Client
	prefix string
}

// NewRedisBuckets creates redis-backed bucket counters
func NewRedisBuckets(client *redis.Client, prefix string) *RedisBuckets {
	if prefix == "" {
		prefix = "mailcast:throttle:"
	}
	return &RedisBuckets{client: client, prefix: prefix}
}

// Incr implements Buckets with INCR and EXPIRE in one transaction
func (b *RedisBuckets) Incr(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	var incr *redis.IntCmd
	_, err := b.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		incr = pipe.Incr(ctx, b.prefix+key)
		pipe.Expire(ctx, b.prefix+key, ttl)
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("redis incr %s: %w", key, err)
	}
	return incr.Val(), nil
}
