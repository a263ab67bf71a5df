package client

import (
	"math/rand/v2"
	"testing"
	"time"
)

func TestReconnectBase(t *testing.T) {
	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{0, 5 * time.Second},
		{1, 5 * time.Second},
		{2, 10 * time.Second},
		{3, 15 * time.Second},
		{4, 15 * time.Second},
		{5, 15 * time.Second},
		{40, 15 * time.Second},
	}

	for _, tt := range tests {
		if got := reconnectBase(5*time.Second, tt.attempt); got != tt.want {
			t.Errorf("reconnectBase(5s, %d) = %v, want %v", tt.attempt, got, tt.want)
		}
	}
}

func TestReconnectBase_ShortInterval(t *testing.T) {
	// With a small base the exponent cap, not the 15s ceiling, is what binds.
	want := []time.Duration{100, 200, 400, 800, 1600, 1600}
	for i, w := range want {
		if got := reconnectBase(100*time.Millisecond, i+1); got != w*time.Millisecond {
			t.Errorf("attempt %d = %v, want %v", i+1, got, w*time.Millisecond)
		}
	}
}

func TestReconnectDelay_WithinJitterBounds(t *testing.T) {
	for attempt := 1; attempt <= 6; attempt++ {
		base := reconnectBase(5*time.Second, attempt)
		lo := time.Duration(float64(base) * 0.5)
		hi := time.Duration(float64(base) * 1.5)

		for i := 0; i < 200; i++ {
			d := reconnectDelay(5*time.Second, attempt, 0.5+rand.Float64())
			if d < lo || d > hi {
				t.Fatalf("attempt %d: delay %v outside [%v, %v]", attempt, d, lo, hi)
			}
			if d > 22500*time.Millisecond {
				t.Fatalf("attempt %d: delay %v above jittered cap", attempt, d)
			}
		}
	}
}

func TestReconnectDelay_Extremes(t *testing.T) {
	if got := reconnectDelay(5*time.Second, 1, 0.5); got != 2500*time.Millisecond {
		t.Errorf("low jitter = %v, want 2.5s", got)
	}
	if got := reconnectDelay(5*time.Second, 2, 1.5); got != 15*time.Second {
		t.Errorf("high jitter = %v, want 15s", got)
	}
}
