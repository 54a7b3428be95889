package ratelimit

import (
	"fmt"
	"strings"
	"time"
)

// Speed is the adaptive pacing tier applied between dispatches. Larger
// values are slower; the zero value is SpeedMedium.
type Speed int

const (
	// SpeedFast dispatches without any inter-request delay.
	SpeedFast Speed = iota - 1

	// SpeedMedium waits MediumDelay (plus jitter) before each dispatch.
	SpeedMedium

	// SpeedSlow waits SlowDelay (plus jitter) before each dispatch.
	SpeedSlow
)

// String implements fmt.Stringer.
func (s Speed) String() string {
	switch s {
	case SpeedFast:
		return "fast"
	case SpeedMedium:
		return "medium"
	case SpeedSlow:
		return "slow"
	default:
		return fmt.Sprintf("speed(%d)", int(s))
	}
}

// MarshalText lets Speed render as its name in JSON diagnostics.
func (s Speed) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// ParseSpeed converts "fast", "medium" or "slow" to a Speed.
func ParseSpeed(v string) (Speed, error) {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "fast":
		return SpeedFast, nil
	case "medium", "":
		return SpeedMedium, nil
	case "slow":
		return SpeedSlow, nil
	default:
		return SpeedMedium, fmt.Errorf("unknown speed %q", v)
	}
}

// Defaults for SpeedConfig.
const (
	// DefaultEscalateAfter is the success streak that moves one level faster.
	DefaultEscalateAfter = 15

	// DefaultDeescalateAfter is the recent error count that must be exceeded
	// to move one level slower.
	DefaultDeescalateAfter = 3

	DefaultMediumDelay = 300 * time.Millisecond
	DefaultSlowDelay   = 1 * time.Second
	DefaultMaxJitter   = 100 * time.Millisecond
)

// SpeedConfig holds the adaptive pacing thresholds.
type SpeedConfig struct {
	EscalateAfter   int
	DeescalateAfter int
	MediumDelay     time.Duration
	SlowDelay       time.Duration

	// MaxJitter bounds the random extra delay at medium and slow speed.
	MaxJitter time.Duration
}

// DefaultSpeedConfig returns the default thresholds.
func DefaultSpeedConfig() SpeedConfig {
	return SpeedConfig{
		EscalateAfter:   DefaultEscalateAfter,
		DeescalateAfter: DefaultDeescalateAfter,
		MediumDelay:     DefaultMediumDelay,
		SlowDelay:       DefaultSlowDelay,
		MaxJitter:       DefaultMaxJitter,
	}
}

func (c SpeedConfig) withDefaults() SpeedConfig {
	d := DefaultSpeedConfig()
	if c.EscalateAfter <= 0 {
		c.EscalateAfter = d.EscalateAfter
	}
	if c.DeescalateAfter <= 0 {
		c.DeescalateAfter = d.DeescalateAfter
	}
	if c.MediumDelay <= 0 {
		c.MediumDelay = d.MediumDelay
	}
	if c.SlowDelay <= 0 {
		c.SlowDelay = d.SlowDelay
	}
	if c.MaxJitter < 0 {
		c.MaxJitter = 0
	}
	return c
}

// SpeedState tracks the success/error history that drives the pacing tier.
// Transitions move at most one level at a time. It is not safe for
// concurrent use; the owning queue serializes access.
type SpeedState struct {
	Speed                Speed     `json:"speed"`
	ConsecutiveSuccesses int       `json:"consecutive_successes"`
	RecentErrors         int       `json:"recent_errors"`
	LastErrorAt          time.Time `json:"last_error_at"`

	cfg SpeedConfig
}

// NewSpeedState starts at the given speed.
func NewSpeedState(initial Speed, cfg SpeedConfig) *SpeedState {
	if initial < SpeedFast || initial > SpeedSlow {
		initial = SpeedMedium
	}
	return &SpeedState{Speed: initial, cfg: cfg.withDefaults()}
}

// Delay returns the pacing delay for the current speed. rnd must return a
// value in [0, 1) and supplies the jitter.
func (s *SpeedState) Delay(rnd func() float64) time.Duration {
	var base time.Duration
	switch s.Speed {
	case SpeedFast:
		return 0
	case SpeedMedium:
		base = s.cfg.MediumDelay
	default:
		base = s.cfg.SlowDelay
	}
	if s.cfg.MaxJitter > 0 && rnd != nil {
		base += time.Duration(rnd() * float64(s.cfg.MaxJitter))
	}
	return base
}

// RecordSuccess extends the success streak, decays the error count and
// escalates one level once the streak reaches EscalateAfter.
// It reports whether the speed changed.
func (s *SpeedState) RecordSuccess() bool {
	s.ConsecutiveSuccesses++
	if s.RecentErrors > 0 {
		s.RecentErrors--
	}
	if s.ConsecutiveSuccesses >= s.cfg.EscalateAfter && s.Speed != SpeedFast {
		s.Speed--
		s.ConsecutiveSuccesses = 0
		return true
	}
	return false
}

// RecordFailure breaks the streak and counts a terminal failure. Once more
// than DeescalateAfter failures accumulate the speed drops one level and the
// error count restarts. It reports whether the speed changed.
func (s *SpeedState) RecordFailure(now time.Time) bool {
	s.ConsecutiveSuccesses = 0
	s.RecentErrors++
	s.LastErrorAt = now
	if s.RecentErrors > s.cfg.DeescalateAfter {
		s.RecentErrors = 0
		return s.slowDown()
	}
	return false
}

// RecordRateLimited drops one level immediately. It reports whether the
// speed changed.
func (s *SpeedState) RecordRateLimited(now time.Time) bool {
	s.ConsecutiveSuccesses = 0
	s.LastErrorAt = now
	return s.slowDown()
}

// SinceLastError returns the time elapsed since the last recorded error,
// or 0 if none has been recorded.
func (s *SpeedState) SinceLastError(now time.Time) time.Duration {
	if s.LastErrorAt.IsZero() {
		return 0
	}
	return now.Sub(s.LastErrorAt)
}

func (s *SpeedState) slowDown() bool {
	if s.Speed == SpeedSlow {
		return false
	}
	s.Speed++
	return true
}
