package queue

import (
	"testing"
	"time"
)

func TestDefaultBackoffConfig(t *testing.T) {
	cfg := DefaultBackoffConfig()

	if cfg.BaseDelay != 1*time.Second {
		t.Errorf("BaseDelay = %v, want 1s", cfg.BaseDelay)
	}
	if cfg.MaxDelay != 30*time.Second {
		t.Errorf("MaxDelay = %v, want 30s", cfg.MaxDelay)
	}
	if cfg.Multiplier != 2.0 {
		t.Errorf("Multiplier = %v, want 2.0", cfg.Multiplier)
	}
}

func TestBackoffConfig_Delay(t *testing.T) {
	cfg := BackoffConfig{BaseDelay: time.Second, MaxDelay: 10 * time.Second, Multiplier: 2}

	tests := []struct {
		retry int
		want  time.Duration
	}{
		{0, time.Second},
		{1, time.Second},
		{2, 2 * time.Second},
		{3, 4 * time.Second},
		{4, 8 * time.Second},
		{5, 10 * time.Second},
		{60, 10 * time.Second},
		{5000, 10 * time.Second},
	}

	for _, tt := range tests {
		if got := cfg.Delay(tt.retry); got != tt.want {
			t.Errorf("Delay(%d) = %v, want %v", tt.retry, got, tt.want)
		}
	}
}

func TestBackoffConfig_NonDecreasing(t *testing.T) {
	cfg := BackoffConfig{BaseDelay: 250 * time.Millisecond, MaxDelay: 7 * time.Second, Multiplier: 1.7}

	prev := time.Duration(0)
	for i := 1; i <= 40; i++ {
		d := cfg.Delay(i)
		if d < prev {
			t.Fatalf("Delay(%d) = %v < Delay(%d) = %v", i, d, i-1, prev)
		}
		if d > cfg.MaxDelay {
			t.Fatalf("Delay(%d) = %v exceeds cap %v", i, d, cfg.MaxDelay)
		}
		prev = d
	}
}

func TestBackoffConfig_WithDefaults(t *testing.T) {
	cfg := BackoffConfig{MaxDelay: time.Millisecond}.withDefaults()

	if cfg.BaseDelay != time.Second {
		t.Errorf("BaseDelay = %v, want 1s", cfg.BaseDelay)
	}
	if cfg.MaxDelay != cfg.BaseDelay {
		t.Errorf("MaxDelay = %v, want raised to BaseDelay", cfg.MaxDelay)
	}
	if cfg.Multiplier != 2 {
		t.Errorf("Multiplier = %v, want 2", cfg.Multiplier)
	}
}
