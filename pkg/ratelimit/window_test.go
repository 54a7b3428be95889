package ratelimit

import (
	"testing"
	"time"
)

func TestWindow_AllowsUpToLimit(t *testing.T) {
	w := NewWindow(3, 0)
	now := time.Unix(1000, 0)

	for i := 0; i < 3; i++ {
		if d := w.Delay(now); d != 0 {
			t.Fatalf("dispatch %d: Delay() = %v, want 0", i, d)
		}
		w.Record(now)
	}

	d := w.Delay(now)
	if d != time.Second+ResetBuffer {
		t.Errorf("Delay() at limit = %v, want %v", d, time.Second+ResetBuffer)
	}
}

func TestWindow_RollsForward(t *testing.T) {
	w := NewWindow(2, 0)
	start := time.Unix(1000, 0)

	w.Record(start)
	w.Record(start.Add(600 * time.Millisecond))

	// Oldest dispatch expires at start+1s.
	now := start.Add(700 * time.Millisecond)
	if d := w.Delay(now); d != 300*time.Millisecond+ResetBuffer {
		t.Errorf("Delay() = %v, want %v", d, 300*time.Millisecond+ResetBuffer)
	}

	now = start.Add(time.Second + time.Millisecond)
	if d := w.Delay(now); d != 0 {
		t.Errorf("Delay() after oldest expired = %v, want 0", d)
	}

	sec, _ := w.Snapshot(now)
	if sec.Count != 1 {
		t.Errorf("Count = %d, want 1", sec.Count)
	}
	if !sec.ResetAt.Equal(start.Add(1600 * time.Millisecond)) {
		t.Errorf("ResetAt = %v, want %v", sec.ResetAt, start.Add(1600*time.Millisecond))
	}
}

func TestWindow_MinuteLimit(t *testing.T) {
	w := NewWindow(0, 2)
	start := time.Unix(1000, 0)

	w.Record(start)
	w.Record(start.Add(10 * time.Second))

	now := start.Add(20 * time.Second)
	want := 40*time.Second + ResetBuffer
	if d := w.Delay(now); d != want {
		t.Errorf("Delay() = %v, want %v", d, want)
	}

	_, perMin := w.Snapshot(now)
	if perMin.Count != 2 || perMin.Limit != 2 {
		t.Errorf("minute snapshot = %+v, want count 2 limit 2", perMin)
	}
}

func TestWindow_TakesLongerOfBothWaits(t *testing.T) {
	w := NewWindow(1, 1)
	now := time.Unix(1000, 0)
	w.Record(now)

	if d := w.Delay(now); d != time.Minute+ResetBuffer {
		t.Errorf("Delay() = %v, want %v", d, time.Minute+ResetBuffer)
	}
}

func TestWindow_Disabled(t *testing.T) {
	w := NewWindow(0, 0)
	now := time.Unix(1000, 0)
	for i := 0; i < 100; i++ {
		w.Record(now)
	}
	if d := w.Delay(now); d != 0 {
		t.Errorf("Delay() = %v, want 0 for disabled windows", d)
	}
	sec, perMin := w.Snapshot(now)
	if sec.Count != 0 || perMin.Count != 0 {
		t.Errorf("disabled windows should not count, got %d/%d", sec.Count, perMin.Count)
	}
}

func TestWindow_NoRollingSecondExceedsLimit(t *testing.T) {
	const limit = 3
	w := NewWindow(limit, 0)
	now := time.Unix(1000, 0)

	var dispatched []time.Time
	for len(dispatched) < 20 {
		if d := w.Delay(now); d > 0 {
			now = now.Add(d)
			continue
		}
		w.Record(now)
		dispatched = append(dispatched, now)
		now = now.Add(37 * time.Millisecond)
	}

	for i := range dispatched {
		count := 0
		for j := i; j < len(dispatched); j++ {
			if dispatched[j].Sub(dispatched[i]) < time.Second {
				count++
			}
		}
		if count > limit {
			t.Fatalf("%d dispatches within one second starting at #%d, want <= %d", count, i, limit)
		}
	}
}
