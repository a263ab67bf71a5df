package monitor

import (
	"os"
	"testing"
	"time"
)

func TestHealthSample(t *testing.T) {
	h, err := NewHealth(time.Minute)
	if err != nil {
		t.Fatalf("NewHealth: %v", err)
	}

	s := h.Sample()
	if s.PID != int32(os.Getpid()) {
		t.Errorf("PID = %d, want %d", s.PID, os.Getpid())
	}
	if s.Goroutines <= 0 {
		t.Errorf("Goroutines = %d, want > 0", s.Goroutines)
	}
}

func TestHealthSampleIsCached(t *testing.T) {
	h, err := NewHealth(time.Hour)
	if err != nil {
		t.Fatalf("NewHealth: %v", err)
	}

	first := h.Sample()
	at := h.lastAt
	second := h.Sample()

	if !h.lastAt.Equal(at) {
		t.Error("second sample within interval should reuse the cached stats")
	}
	if first.RSSBytes != second.RSSBytes {
		t.Errorf("RSSBytes changed within interval: %d -> %d", first.RSSBytes, second.RSSBytes)
	}
}

func TestHealthUptime(t *testing.T) {
	h, err := NewHealth(0)
	if err != nil {
		t.Fatalf("NewHealth: %v", err)
	}
	h.started = time.Now().Add(-time.Minute)

	if up := h.Uptime(); up < time.Minute {
		t.Errorf("Uptime = %v, want >= 1m", up)
	}
}
