package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

func counterValue(t *testing.T, c prometheus.Counter) float64 {
	t.Helper()
	var metric dto.Metric
	if err := c.Write(&metric); err != nil {
		t.Fatalf("Failed to write metric: %v", err)
	}
	return metric.Counter.GetValue()
}

func TestNew(t *testing.T) {
	m := New()
	if m.Registry() == nil {
		t.Fatal("Registry() returned nil")
	}

	families, err := m.Registry().Gather()
	if err != nil {
		t.Fatalf("Gather() error = %v", err)
	}
	for _, mf := range families {
		if len(mf.GetName()) < 9 || mf.GetName()[:9] != "mailcast_" {
			t.Errorf("metric %s lacks the mailcast_ prefix", mf.GetName())
		}
	}

	for name := range m.persisted {
		if m.persisted[name] == nil {
			t.Errorf("persisted counter %s is nil", name)
		}
	}
}

func TestGlobalMetrics(t *testing.T) {
	if Global() != nil {
		t.Error("Global() should be nil before SetGlobal")
	}

	m := New()
	SetGlobal(m)
	if Global() != m {
		t.Error("Global() did not return the set metrics")
	}
	SetGlobal(nil)
}

func TestIncMessagesSent(t *testing.T) {
	m := New()
	SetGlobal(m)
	defer SetGlobal(nil)

	IncMessagesSent("primary")
	IncMessagesSent("primary")
	IncMessagesSent("backup")

	if got := counterValue(t, m.MessagesSentTotal.WithLabelValues("primary")); got != 2 {
		t.Errorf("Expected counter value 2, got %f", got)
	}
}

func TestIncMessagesFailed(t *testing.T) {
	m := New()
	SetGlobal(m)
	defer SetGlobal(nil)

	IncMessagesFailed("primary", "timeout")
	IncMessagesFailed("primary", "rejected")
	IncMessagesFailed("primary", "timeout")

	if got := counterValue(t, m.MessagesFailedTotal.WithLabelValues("primary", "timeout")); got != 2 {
		t.Errorf("Expected counter value 2, got %f", got)
	}
}

func TestCampaignRunHelpers(t *testing.T) {
	m := New()
	SetGlobal(m)
	defer SetGlobal(nil)

	IncCampaignsSending()
	IncCampaignsSending()
	DecCampaignsSending()
	IncCampaignRuns("completed")
	IncCampaignRuns("exhausted")
	IncCampaignRuns("completed")

	var gauge dto.Metric
	if err := m.CampaignsSending.Write(&gauge); err != nil {
		t.Fatalf("Failed to write gauge: %v", err)
	}
	if gauge.Gauge.GetValue() != 1 {
		t.Errorf("Expected 1 run in progress, got %f", gauge.Gauge.GetValue())
	}
	if got := counterValue(t, m.CampaignRunsTotal.WithLabelValues("completed")); got != 2 {
		t.Errorf("Expected 2 completed runs, got %f", got)
	}
}

func TestObserveSendDuration(t *testing.T) {
	m := New()
	SetGlobal(m)
	defer SetGlobal(nil)

	ObserveSendDuration("primary", 200*time.Millisecond)
	ObserveSendDuration("primary", 3*time.Second)

	var metric dto.Metric
	observer := m.SendDurationSeconds.WithLabelValues("primary").(prometheus.Histogram)
	if err := observer.Write(&metric); err != nil {
		t.Fatalf("Failed to write histogram: %v", err)
	}
	if metric.Histogram.GetSampleCount() != 2 {
		t.Errorf("Expected 2 samples, got %d", metric.Histogram.GetSampleCount())
	}
}

func TestIncRateLimitExceeded(t *testing.T) {
	m := New()
	SetGlobal(m)
	defer SetGlobal(nil)

	IncRateLimitExceeded("day")
	IncRateLimitExceeded("day")
	IncRateLimitExceeded("second")
	IncThrottlePauses()

	if got := counterValue(t, m.RateLimitExceededTotal.WithLabelValues("day")); got != 2 {
		t.Errorf("Expected counter value 2, got %f", got)
	}
	if got := counterValue(t, m.ThrottlePausesTotal); got != 1 {
		t.Errorf("Expected 1 throttle pause, got %f", got)
	}
}

func TestGlobalNilSafe(t *testing.T) {
	SetGlobal(nil)

	// None of these should panic
	IncMessagesSent("primary")
	IncMessagesFailed("primary", "timeout")
	IncMessagesBounced("primary")
	IncDeliveryEvent("opened")
	ObserveSendDuration("primary", time.Second)
	IncCampaignRuns("completed")
	IncCampaignsSending()
	DecCampaignsSending()
	IncRateLimitExceeded("hour")
	IncThrottlePauses()
	IncAPIErrors("server_error")
}
