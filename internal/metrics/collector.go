package metrics

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"runtime"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	bolt "go.etcd.io/bbolt"
)

// LogStats is a point-in-time view of the delivery log
type LogStats struct {
	ByStatus        map[string]int64
	ActiveProviders int
}

// LogStatsProvider provides delivery log statistics for metrics
type LogStatsProvider interface {
	LogStats(ctx context.Context) (*LogStats, error)
}

var (
	bucketMetrics = []byte("metrics")
	keyCounters   = []byte("counters")
)

// sample is one persisted counter series
type sample struct {
	Labels map[string]string `json:"labels"`
	Value  float64           `json:"value"`
}

// Collector persists counters across restarts and keeps gauges current
type Collector struct {
	db            *bolt.DB
	metrics       *Metrics
	logStats      LogStatsProvider
	storagePath   string
	flushInterval time.Duration
	startTime     time.Time

	mu     sync.Mutex
	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewCollector creates a collector and restores counters saved in db
func NewCollector(db *bolt.DB, m *Metrics, logStats LogStatsProvider, storagePath string, flushInterval time.Duration) (*Collector, error) {
	if flushInterval == 0 {
		flushInterval = 10 * time.Second
	}

	err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketMetrics)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create metrics bucket: %w", err)
	}

	c := &Collector{
		db:            db,
		metrics:       m,
		logStats:      logStats,
		storagePath:   storagePath,
		flushInterval: flushInterval,
		startTime:     time.Now(),
		stopCh:        make(chan struct{}),
	}

	if err := c.loadCounters(); err != nil {
		return nil, err
	}

	return c, nil
}

// Start begins the collector background tasks
func (c *Collector) Start(ctx context.Context) {
	c.wg.Add(2)
	go c.persistLoop(ctx)
	go c.updateGauges(ctx)
}

// Stop stops the collector and persists final values
func (c *Collector) Stop() error {
	close(c.stopCh)
	c.wg.Wait()
	return c.persistCounters()
}

// loadCounters adds the saved counter values to the live counters
func (c *Collector) loadCounters() error {
	return c.db.View(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(bucketMetrics)
		if bucket == nil {
			return nil
		}
		data := bucket.Get(keyCounters)
		if data == nil {
			return nil
		}

		var saved map[string][]sample
		if err := json.Unmarshal(data, &saved); err != nil {
			return nil // Skip invalid data
		}

		for name, samples := range saved {
			vec, ok := c.metrics.persisted[name]
			if !ok {
				continue
			}
			for _, s := range samples {
				counter, err := vec.GetMetricWith(prometheus.Labels(s.Labels))
				if err != nil {
					continue
				}
				counter.Add(s.Value)
			}
		}
		return nil
	})
}

// snapshot reads the persisted counters from the registry
func (c *Collector) snapshot() (map[string][]sample, error) {
	families, err := c.metrics.Registry().Gather()
	if err != nil {
		return nil, err
	}

	out := make(map[string][]sample)
	for _, mf := range families {
		if _, ok := c.metrics.persisted[mf.GetName()]; !ok {
			continue
		}
		for _, metric := range mf.GetMetric() {
			labels := make(map[string]string, len(metric.GetLabel()))
			for _, lp := range metric.GetLabel() {
				labels[lp.GetName()] = lp.GetValue()
			}
			out[mf.GetName()] = append(out[mf.GetName()], sample{
				Labels: labels,
				Value:  metric.GetCounter().GetValue(),
			})
		}
	}
	return out, nil
}

// persistCounters saves counter values to BoltDB
func (c *Collector) persistCounters() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	snap, err := c.snapshot()
	if err != nil {
		return fmt.Errorf("failed to gather metrics: %w", err)
	}
	data, err := json.Marshal(snap)
	if err != nil {
		return err
	}

	return c.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(bucketMetrics)
		if bucket == nil {
			return nil
		}
		return bucket.Put(keyCounters, data)
	})
}

// persistLoop periodically persists counter values
func (c *Collector) persistLoop(ctx context.Context) {
	defer c.wg.Done()

	ticker := time.NewTicker(c.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.stopCh:
			return
		case <-ticker.C:
			c.persistCounters()
		}
	}
}

// updateGauges periodically refreshes system and delivery log gauges
func (c *Collector) updateGauges(ctx context.Context) {
	defer c.wg.Done()

	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.stopCh:
			return
		case <-ticker.C:
			c.collectGauges(ctx)
		}
	}
}

// collectGauges samples current process and delivery log state
func (c *Collector) collectGauges(ctx context.Context) {
	c.metrics.UptimeSeconds.Set(time.Since(c.startTime).Seconds())
	c.metrics.Goroutines.Set(float64(runtime.NumGoroutine()))

	if c.storagePath != "" {
		if info, err := os.Stat(c.storagePath); err == nil {
			c.metrics.StorageUsedBytes.Set(float64(info.Size()))
		}
	}

	if c.logStats != nil {
		stats, err := c.logStats.LogStats(ctx)
		if err == nil {
			for status, n := range stats.ByStatus {
				c.metrics.DeliveryLogEntries.WithLabelValues(status).Set(float64(n))
			}
			c.metrics.ProvidersActive.Set(float64(stats.ActiveProviders))
		}
	}
}
