package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

func TestNewTimer(t *testing.T) {
	timer := NewTimer()

	if timer == nil {
		t.Fatal("NewTimer() returned nil")
	}

	if timer.start.IsZero() {
		t.Error("NewTimer() start time is zero")
	}

	if time.Since(timer.start) > time.Second {
		t.Error("NewTimer() start time is not recent")
	}
}

func TestTimerDuration(t *testing.T) {
	timer := NewTimer()
	time.Sleep(10 * time.Millisecond)

	d := timer.Duration()
	if d < 10*time.Millisecond {
		t.Errorf("Duration() = %v, want >= 10ms", d)
	}
}

func TestTimerObserveDuration(t *testing.T) {
	h := prometheus.NewHistogram(prometheus.HistogramOpts{Name: "test_histogram_observe"})
	timer := NewTimer()
	timer.ObserveDuration(h)
}

func TestTimerObserveDurationVec(t *testing.T) {
	timer := NewTimer()
	timer.ObserveDurationVec(PhaseDuration, "pv", "load")
}
