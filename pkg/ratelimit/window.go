// Package ratelimit implements client-side request pacing for the HR API:
// hard per-second and per-minute dispatch ceilings (Window) and the soft,
// adaptive inter-dispatch delay (SpeedState).
package ratelimit

import (
	"time"
)

// ResetBuffer is added to every window wait so a dispatch never lands exactly
// on the boundary where the oldest logged dispatch is about to expire.
const ResetBuffer = 100 * time.Millisecond

// Window spans.
const (
	SecondSpan = time.Second
	MinuteSpan = time.Minute
)

// WindowSnapshot describes one rolling window at a point in time.
type WindowSnapshot struct {
	// Limit is the configured ceiling (0 means unlimited).
	Limit int `json:"limit"`

	// Count is the number of dispatches still inside the window.
	Count int `json:"count"`

	// ResetAt is when the oldest counted dispatch leaves the window.
	// Zero when the window is empty.
	ResetAt time.Time `json:"reset_at"`
}

// rollingLog remembers dispatch times inside a fixed span.
type rollingLog struct {
	span  time.Duration
	limit int
	times []time.Time
}

func (l *rollingLog) prune(now time.Time) {
	cutoff := now.Add(-l.span)
	i := 0
	for i < len(l.times) && !l.times[i].After(cutoff) {
		i++
	}
	if i > 0 {
		l.times = append(l.times[:0], l.times[i:]...)
	}
}

// wait returns how long until one more dispatch fits, or 0.
func (l *rollingLog) wait(now time.Time) time.Duration {
	if l.limit <= 0 {
		return 0
	}
	l.prune(now)
	if len(l.times) < l.limit {
		return 0
	}
	// The dispatch that must expire to get below the limit.
	blocking := l.times[len(l.times)-l.limit]
	d := blocking.Add(l.span).Sub(now)
	if d < 0 {
		d = 0
	}
	return d + ResetBuffer
}

func (l *rollingLog) snapshot(now time.Time) WindowSnapshot {
	l.prune(now)
	s := WindowSnapshot{Limit: l.limit, Count: len(l.times)}
	if len(l.times) > 0 {
		s.ResetAt = l.times[0].Add(l.span)
	}
	return s
}

// Window enforces per-second and per-minute dispatch ceilings over rolling
// spans. It is not safe for concurrent use; the owning queue serializes access.
type Window struct {
	second rollingLog
	minute rollingLog
}

// NewWindow creates a window pair. A limit <= 0 disables that window.
func NewWindow(perSecond, perMinute int) *Window {
	return &Window{
		second: rollingLog{span: SecondSpan, limit: perSecond},
		minute: rollingLog{span: MinuteSpan, limit: perMinute},
	}
}

// Delay returns 0 when a dispatch is allowed at now, otherwise how long the
// caller must wait (including ResetBuffer) before checking again.
func (w *Window) Delay(now time.Time) time.Duration {
	d := w.second.wait(now)
	if m := w.minute.wait(now); m > d {
		d = m
	}
	return d
}

// Record logs one dispatch at now. Only the queue's dispatch step calls it,
// so counts never exceed actual dispatches.
func (w *Window) Record(now time.Time) {
	if w.second.limit > 0 {
		w.second.prune(now)
		w.second.times = append(w.second.times, now)
	}
	if w.minute.limit > 0 {
		w.minute.prune(now)
		w.minute.times = append(w.minute.times, now)
	}
}

// Snapshot returns the state of both windows.
func (w *Window) Snapshot(now time.Time) (perSecond, perMinute WindowSnapshot) {
	return w.second.snapshot(now), w.minute.snapshot(now)
}
