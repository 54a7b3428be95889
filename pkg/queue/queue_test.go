package queue

import (
	"container/heap"
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	promtest "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"

	"github.com/Sternrassler/hris-importer/internal/testutil"
	"github.com/Sternrassler/hris-importer/pkg/ratelimit"
)

// newTestQueue returns a queue on a fake clock with both rate windows
// disabled, so only pacing and backoff produce sleeps.
func newTestQueue(t *testing.T, cfg Config) (*Queue, *testutil.FakeClock) {
	t.Helper()

	clk := testutil.NewFakeClock()
	logger := zerolog.Nop()
	cfg.Clock = clk
	cfg.Logger = &logger
	if cfg.Rand == nil {
		cfg.Rand = func() float64 { return 0.5 }
	}
	if cfg.PerSecondLimit == 0 {
		cfg.PerSecondLimit = -1
	}
	if cfg.PerMinuteLimit == 0 {
		cfg.PerMinuteLimit = -1
	}

	q := New(cfg)
	t.Cleanup(q.Close)
	return q, clk
}

// waitFor polls cond on the real clock.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// blocker occupies a permit until release is closed.
func blocker(t *testing.T, q *Queue) (release func(), done <-chan error) {
	t.Helper()
	started := make(chan struct{})
	unblock := make(chan struct{})
	errc := make(chan error, 1)

	go func() {
		_, err := q.Submit(context.Background(), func(context.Context) (any, error) {
			close(started)
			<-unblock
			return "blocker", nil
		}, WithPriority(-1))
		errc <- err
	}()

	<-started
	return func() { close(unblock) }, errc
}

func TestSubmit_ReturnsResult(t *testing.T) {
	q, _ := newTestQueue(t, Config{InitialSpeed: ratelimit.SpeedFast})

	v, err := q.Submit(context.Background(), func(context.Context) (any, error) {
		return 42, nil
	})
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	if v != 42 {
		t.Errorf("Submit() = %v, want 42", v)
	}
}

func TestSubmit_NilOperation(t *testing.T) {
	q, _ := newTestQueue(t, Config{})
	if _, err := q.Submit(context.Background(), nil); err == nil {
		t.Error("Submit(nil) should fail")
	}
}

func TestDo_Typed(t *testing.T) {
	q, _ := newTestQueue(t, Config{InitialSpeed: ratelimit.SpeedFast})

	id, err := Do(context.Background(), q, func(context.Context) (string, error) {
		return "emp-1", nil
	}, WithCorrelationID("row-1"))
	if err != nil {
		t.Fatalf("Do() error = %v", err)
	}
	if id != "emp-1" {
		t.Errorf("Do() = %q, want emp-1", id)
	}
}

func TestSubmit_PermanentErrorNotRetried(t *testing.T) {
	q, clk := newTestQueue(t, Config{InitialSpeed: ratelimit.SpeedFast})

	var calls int32
	_, err := q.Submit(context.Background(), func(context.Context) (any, error) {
		atomic.AddInt32(&calls, 1)
		return nil, &Error{Class: ClassPermanent, StatusCode: 422, Message: "email is invalid"}
	})

	if Classify(err) != ClassPermanent {
		t.Errorf("Classify(err) = %s, want permanent", Classify(err))
	}
	if errors.Is(err, ErrRetryExhausted) {
		t.Error("permanent failure should not be reported as retry exhaustion")
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
	if len(clk.Sleeps()) != 0 {
		t.Errorf("sleeps = %v, want none", clk.Sleeps())
	}
}

func TestSubmit_RetriesWithExponentialBackoff(t *testing.T) {
	before := promtest.ToFloat64(retryExhaustedTotal.WithLabelValues(string(ClassTransientServer)))
	q, clk := newTestQueue(t, Config{InitialSpeed: ratelimit.SpeedFast, MaxRetries: 3})

	var calls int32
	_, err := q.Submit(context.Background(), func(context.Context) (any, error) {
		atomic.AddInt32(&calls, 1)
		return nil, &Error{Class: ClassTransientServer, StatusCode: 503}
	})

	if !errors.Is(err, ErrRetryExhausted) {
		t.Fatalf("error = %v, want ErrRetryExhausted", err)
	}
	if Classify(err) != ClassTransientServer {
		t.Errorf("Classify(err) = %s, want transient_server", Classify(err))
	}
	if calls != 4 {
		t.Errorf("calls = %d, want 4 (1 + 3 retries)", calls)
	}

	want := []time.Duration{time.Second, 2 * time.Second, 4 * time.Second}
	got := clk.Sleeps()
	if len(got) != len(want) {
		t.Fatalf("sleeps = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("sleep[%d] = %v, want %v", i, got[i], want[i])
		}
	}

	after := promtest.ToFloat64(retryExhaustedTotal.WithLabelValues(string(ClassTransientServer)))
	if after-before != 1 {
		t.Errorf("retry exhausted counter delta = %v, want 1", after-before)
	}
}

func TestSubmit_BackoffCapped(t *testing.T) {
	q, clk := newTestQueue(t, Config{
		InitialSpeed: ratelimit.SpeedFast,
		MaxRetries:   4,
		Backoff:      BackoffConfig{BaseDelay: time.Second, MaxDelay: 3 * time.Second, Multiplier: 2},
	})

	_, err := q.Submit(context.Background(), func(context.Context) (any, error) {
		return nil, &Error{Class: ClassNetwork}
	})
	if !errors.Is(err, ErrRetryExhausted) {
		t.Fatalf("error = %v, want ErrRetryExhausted", err)
	}

	want := []time.Duration{time.Second, 2 * time.Second, 3 * time.Second, 3 * time.Second}
	got := clk.Sleeps()
	if len(got) != len(want) {
		t.Fatalf("sleeps = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("sleep[%d] = %v, want %v", i, got[i], want[i])
		}
	}
}

func TestSubmit_SucceedsAfterRetry(t *testing.T) {
	q, _ := newTestQueue(t, Config{InitialSpeed: ratelimit.SpeedFast})

	var calls int32
	v, err := q.Submit(context.Background(), func(context.Context) (any, error) {
		if atomic.AddInt32(&calls, 1) < 3 {
			return nil, &Error{Class: ClassTransientServer, StatusCode: 502}
		}
		return "ok", nil
	})
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	if v != "ok" || calls != 3 {
		t.Errorf("Submit() = %v after %d calls, want ok after 3", v, calls)
	}
}

func TestSubmit_PerItemMaxRetries(t *testing.T) {
	q, _ := newTestQueue(t, Config{InitialSpeed: ratelimit.SpeedFast, MaxRetries: 3})

	var calls int32
	_, err := q.Submit(context.Background(), func(context.Context) (any, error) {
		atomic.AddInt32(&calls, 1)
		return nil, &Error{Class: ClassNetwork}
	}, WithMaxRetries(1))

	if !errors.Is(err, ErrRetryExhausted) {
		t.Fatalf("error = %v, want ErrRetryExhausted", err)
	}
	if calls != 2 {
		t.Errorf("calls = %d, want 2", calls)
	}
}

func TestSubmit_RateLimitedHonoursRetryAfter(t *testing.T) {
	q, clk := newTestQueue(t, Config{InitialSpeed: ratelimit.SpeedFast})

	var calls int32
	_, err := q.Submit(context.Background(), func(context.Context) (any, error) {
		if atomic.AddInt32(&calls, 1) == 1 {
			return nil, &Error{Class: ClassRateLimited, StatusCode: 429, RetryAfter: 7 * time.Second}
		}
		return nil, nil
	})
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}

	found := false
	for _, d := range clk.Sleeps() {
		if d == 7*time.Second {
			found = true
		}
	}
	if !found {
		t.Errorf("sleeps = %v, want a 7s Retry-After wait", clk.Sleeps())
	}

	if s := q.Stats().Speed; s != ratelimit.SpeedMedium {
		t.Errorf("Speed = %v, want medium after rate limit", s)
	}
}

func TestSubmit_RateLimitedExhaustedCountsError(t *testing.T) {
	q, _ := newTestQueue(t, Config{InitialSpeed: ratelimit.SpeedFast, MaxRetries: -1})

	_, err := q.Submit(context.Background(), func(context.Context) (any, error) {
		return nil, &Error{Class: ClassRateLimited, StatusCode: 429}
	})
	if Classify(err) != ClassRateLimited {
		t.Fatalf("Submit() error = %v, want rate limited", err)
	}

	stats := q.Stats()
	if stats.RecentErrors != 1 {
		t.Errorf("RecentErrors = %d, want 1", stats.RecentErrors)
	}
	if stats.Speed != ratelimit.SpeedMedium {
		t.Errorf("Speed = %v, want medium (one level down)", stats.Speed)
	}
}

func TestResolveOptions(t *testing.T) {
	tests := []struct {
		name string
		opts []SubmitOption
		want SubmitSettings
	}{
		{"none", nil, SubmitSettings{MaxRetries: -1}},
		{"all", []SubmitOption{WithPriority(7), WithCorrelationID("row-7"), WithMaxRetries(2)},
			SubmitSettings{Priority: 7, CorrelationID: "row-7", MaxRetries: 2}},
		{"negative retries ignored", []SubmitOption{WithMaxRetries(-3)}, SubmitSettings{MaxRetries: -1}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ResolveOptions(tt.opts...); got != tt.want {
				t.Errorf("ResolveOptions() = %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestBoostPriority(t *testing.T) {
	q, _ := newTestQueue(t, Config{RetryPriorityBoost: 100, MinPriority: 0})

	tests := []struct {
		in, want int
	}{
		{250, 150},
		{100, 0},
		{5, 0},
		{0, 0},
		{-3, -3},
	}
	for _, tt := range tests {
		if got := q.boostPriority(tt.in); got != tt.want {
			t.Errorf("boostPriority(%d) = %d, want %d", tt.in, got, tt.want)
		}
	}
}

func TestDispatchOrder_ByPriority(t *testing.T) {
	q, _ := newTestQueue(t, Config{InitialSpeed: ratelimit.SpeedFast, MaxConcurrency: 1})
	release, blockerDone := blocker(t, q)

	var (
		mu    sync.Mutex
		order []int
		wg    sync.WaitGroup
	)
	for _, p := range []int{5, 1, 3, 1} {
		wg.Add(1)
		go func(p int) {
			defer wg.Done()
			q.Submit(context.Background(), func(context.Context) (any, error) {
				mu.Lock()
				order = append(order, p)
				mu.Unlock()
				return nil, nil
			}, WithPriority(p))
		}(p)
	}

	waitFor(t, "four pending items", func() bool { return q.Stats().QueueLength == 4 })
	release()
	wg.Wait()
	if err := <-blockerDone; err != nil {
		t.Fatalf("blocker error = %v", err)
	}

	want := []int{1, 1, 3, 5}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("dispatch order = %v, want %v", order, want)
		}
	}
}

func TestRetryPreemptsEqualPriority(t *testing.T) {
	tests := []struct {
		name string
		opts []SubmitOption
	}{
		{"explicit priority", []SubmitOption{WithPriority(10)}},
		{"default priority", nil},
		{"already at min priority", []SubmitOption{WithPriority(0)}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			q, _ := newTestQueue(t, Config{InitialSpeed: ratelimit.SpeedFast, MaxConcurrency: 1})
			release, _ := blocker(t, q)

			var (
				mu    sync.Mutex
				order []string
				wg    sync.WaitGroup
				aRuns int32
			)
			record := func(name string) {
				mu.Lock()
				order = append(order, name)
				mu.Unlock()
			}

			wg.Add(1)
			go func() {
				defer wg.Done()
				q.Submit(context.Background(), func(context.Context) (any, error) {
					record("A")
					if atomic.AddInt32(&aRuns, 1) == 1 {
						return nil, &Error{Class: ClassTransientServer, StatusCode: 500}
					}
					return nil, nil
				}, tt.opts...)
			}()
			waitFor(t, "A pending", func() bool { return q.Stats().QueueLength == 1 })

			wg.Add(1)
			go func() {
				defer wg.Done()
				q.Submit(context.Background(), func(context.Context) (any, error) {
					record("B")
					return nil, nil
				}, tt.opts...)
			}()
			waitFor(t, "A and B pending", func() bool { return q.Stats().QueueLength == 2 })

			release()
			wg.Wait()

			want := []string{"A", "A", "B"}
			if len(order) != len(want) {
				t.Fatalf("order = %v, want %v", order, want)
			}
			for i := range want {
				if order[i] != want[i] {
					t.Fatalf("order = %v, want %v", order, want)
				}
			}
		})
	}
}

func TestItemHeap_RetriedFirstWithinPriority(t *testing.T) {
	h := itemHeap{}
	heap.Push(&h, &item{priority: 0, seq: 1})
	heap.Push(&h, &item{priority: 0, seq: 3, retryCount: 1})
	heap.Push(&h, &item{priority: -1, seq: 4})
	heap.Push(&h, &item{priority: 0, seq: 2})

	var got []uint64
	for h.Len() > 0 {
		got = append(got, heap.Pop(&h).(*item).seq)
	}
	want := []uint64{4, 3, 1, 2}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("pop order (by seq) = %v, want %v", got, want)
		}
	}
}

func TestMaxConcurrencyNeverExceeded(t *testing.T) {
	q, _ := newTestQueue(t, Config{InitialSpeed: ratelimit.SpeedFast, MaxConcurrency: 3})

	var inFlight, peak int32
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			q.Submit(context.Background(), func(context.Context) (any, error) {
				n := atomic.AddInt32(&inFlight, 1)
				for {
					old := atomic.LoadInt32(&peak)
					if n <= old || atomic.CompareAndSwapInt32(&peak, old, n) {
						break
					}
				}
				if a := q.Stats().ActiveRequests; a > 3 {
					t.Errorf("ActiveRequests = %d, want <= 3", a)
				}
				time.Sleep(3 * time.Millisecond)
				atomic.AddInt32(&inFlight, -1)
				return nil, nil
			}, WithPriority(i))
		}(i)
	}
	wg.Wait()

	if peak > 3 {
		t.Errorf("peak in-flight = %d, want <= 3", peak)
	}
	if peak < 2 {
		t.Errorf("peak in-flight = %d, expected operations to overlap", peak)
	}
}

func TestThroughputCeiling(t *testing.T) {
	q, clk := newTestQueue(t, Config{
		InitialSpeed:   ratelimit.SpeedFast,
		MaxConcurrency: 2,
		PerSecondLimit: 1,
	})

	start := clk.Now()
	var wg sync.WaitGroup
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := q.Submit(context.Background(), func(context.Context) (any, error) {
				return nil, nil
			}); err != nil {
				t.Errorf("Submit() error = %v", err)
			}
		}()
	}
	wg.Wait()

	if elapsed := clk.Now().Sub(start); elapsed < 2*time.Second {
		t.Errorf("three dispatches at 1/s took %v, want >= 2s", elapsed)
	}
	if got := q.Stats().PerSecond.Limit; got != 1 {
		t.Errorf("PerSecond.Limit = %d, want 1", got)
	}
}

func TestSpeedEscalation(t *testing.T) {
	q, clk := newTestQueue(t, Config{InitialSpeed: ratelimit.SpeedMedium})
	ok := func(context.Context) (any, error) { return nil, nil }

	for i := 0; i < ratelimit.DefaultEscalateAfter; i++ {
		if _, err := q.Submit(context.Background(), ok); err != nil {
			t.Fatalf("Submit() error = %v", err)
		}
	}
	if s := q.Stats().Speed; s != ratelimit.SpeedFast {
		t.Fatalf("Speed = %v after 15 successes, want fast", s)
	}

	// Every medium-speed dispatch paused; fast dispatches do not.
	pacing := len(clk.Sleeps())
	if pacing != ratelimit.DefaultEscalateAfter {
		t.Errorf("pacing sleeps = %d, want %d", pacing, ratelimit.DefaultEscalateAfter)
	}
	if _, err := q.Submit(context.Background(), ok); err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	if n := len(clk.Sleeps()); n != pacing {
		t.Errorf("dispatch at fast speed slept (%d sleeps, want %d)", n, pacing)
	}
}

func TestSpeedDeescalation(t *testing.T) {
	q, _ := newTestQueue(t, Config{InitialSpeed: ratelimit.SpeedFast})
	fail := func(context.Context) (any, error) {
		return nil, &Error{Class: ClassPermanent, StatusCode: 400}
	}

	for i := 0; i < ratelimit.DefaultDeescalateAfter; i++ {
		q.Submit(context.Background(), fail)
	}
	if s := q.Stats().Speed; s != ratelimit.SpeedFast {
		t.Fatalf("Speed = %v after 3 failures, want fast", s)
	}

	q.Submit(context.Background(), fail)
	if s := q.Stats().Speed; s != ratelimit.SpeedMedium {
		t.Fatalf("Speed = %v after 4 failures, want medium (one level)", s)
	}

	for i := 0; i < ratelimit.DefaultDeescalateAfter+1; i++ {
		q.Submit(context.Background(), fail)
	}
	if s := q.Stats().Speed; s != ratelimit.SpeedSlow {
		t.Errorf("Speed = %v, want slow", s)
	}
	if d := q.Stats().SinceLastError; d < 0 {
		t.Errorf("SinceLastError = %v, want >= 0", d)
	}
}

func TestClearQueue(t *testing.T) {
	q, _ := newTestQueue(t, Config{InitialSpeed: ratelimit.SpeedFast, MaxConcurrency: 1})
	release, blockerDone := blocker(t, q)

	var called int32
	errs := make(chan error, 3)
	for i := 0; i < 3; i++ {
		go func() {
			_, err := q.Submit(context.Background(), func(context.Context) (any, error) {
				atomic.AddInt32(&called, 1)
				return nil, nil
			})
			errs <- err
		}()
	}
	waitFor(t, "three pending items", func() bool { return q.Stats().QueueLength == 3 })

	if n := q.ClearQueue(); n != 3 {
		t.Errorf("ClearQueue() = %d, want 3", n)
	}
	if l := q.Stats().QueueLength; l != 0 {
		t.Errorf("QueueLength = %d, want 0", l)
	}

	for i := 0; i < 3; i++ {
		err := <-errs
		if !errors.Is(err, ErrQueueCleared) {
			t.Errorf("error = %v, want ErrQueueCleared", err)
		}
		if Classify(err) != ClassQueueCleared {
			t.Errorf("Classify() = %s, want queue_cleared", Classify(err))
		}
	}

	release()
	if err := <-blockerDone; err != nil {
		t.Errorf("in-flight item error = %v, want nil", err)
	}
	if called != 0 {
		t.Errorf("cleared operations were invoked %d times", called)
	}
}

func TestSubmit_ContextCancelledWhilePending(t *testing.T) {
	q, _ := newTestQueue(t, Config{InitialSpeed: ratelimit.SpeedFast, MaxConcurrency: 1})
	release, _ := blocker(t, q)
	defer release()

	ctx, cancel := context.WithCancel(context.Background())
	var called int32
	errc := make(chan error, 1)
	go func() {
		_, err := q.Submit(ctx, func(context.Context) (any, error) {
			atomic.AddInt32(&called, 1)
			return nil, nil
		})
		errc <- err
	}()
	waitFor(t, "pending item", func() bool { return q.Stats().QueueLength == 1 })

	cancel()
	if err := <-errc; !errors.Is(err, context.Canceled) {
		t.Errorf("Submit() error = %v, want context.Canceled", err)
	}
	if l := q.Stats().QueueLength; l != 0 {
		t.Errorf("QueueLength = %d, want 0 after cancellation", l)
	}
	if called != 0 {
		t.Error("cancelled operation was invoked")
	}
}

func TestClose(t *testing.T) {
	q, _ := newTestQueue(t, Config{})
	q.Close()

	_, err := q.Submit(context.Background(), func(context.Context) (any, error) { return nil, nil })
	if !errors.Is(err, ErrClosed) {
		t.Errorf("Submit() after Close error = %v, want ErrClosed", err)
	}
}

func TestObserveRateLimit(t *testing.T) {
	q, clk := newTestQueue(t, Config{InitialSpeed: ratelimit.SpeedFast})

	err := q.ObserveRateLimit(context.Background(), &Error{Class: ClassRateLimited, RetryAfter: 5 * time.Second})
	if err != nil {
		t.Fatalf("ObserveRateLimit() error = %v", err)
	}

	if s := q.Stats().Speed; s != ratelimit.SpeedMedium {
		t.Errorf("Speed = %v, want medium", s)
	}
	sleeps := clk.Sleeps()
	if len(sleeps) != 1 || sleeps[0] != 5*time.Second {
		t.Errorf("sleeps = %v, want [5s]", sleeps)
	}

	// Without Retry-After the base backoff applies.
	if err := q.ObserveRateLimit(context.Background(), errors.New("429")); err != nil {
		t.Fatalf("ObserveRateLimit() error = %v", err)
	}
	sleeps = clk.Sleeps()
	if sleeps[len(sleeps)-1] != time.Second {
		t.Errorf("last sleep = %v, want 1s base backoff", sleeps[len(sleeps)-1])
	}
}

func TestStats(t *testing.T) {
	q, _ := newTestQueue(t, Config{
		InitialSpeed:   ratelimit.SpeedFast,
		MaxConcurrency: 4,
		PerSecondLimit: 10,
		PerMinuteLimit: 100,
	})

	for i := 0; i < 3; i++ {
		q.Submit(context.Background(), func(context.Context) (any, error) { return nil, nil })
	}

	s := q.Stats()
	if s.AvailablePermits != 4 {
		t.Errorf("AvailablePermits = %d, want 4", s.AvailablePermits)
	}
	if s.PerSecond.Count != 3 || s.PerMinute.Count != 3 {
		t.Errorf("window counts = %d/%d, want 3/3", s.PerSecond.Count, s.PerMinute.Count)
	}
	if s.ConsecutiveSuccesses != 3 {
		t.Errorf("ConsecutiveSuccesses = %d, want 3", s.ConsecutiveSuccesses)
	}
	if s.QueueLength != 0 || s.ActiveRequests != 0 {
		t.Errorf("idle queue reports length %d active %d", s.QueueLength, s.ActiveRequests)
	}
}
