package queue

import (
	"container/heap"
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/Sternrassler/hris-importer/pkg/clock"
	"github.com/Sternrassler/hris-importer/pkg/logging"
	"github.com/Sternrassler/hris-importer/pkg/permit"
	"github.com/Sternrassler/hris-importer/pkg/ratelimit"
)

// Operation is one unit of remote work. The queue does not know what it does;
// it only looks at the returned error to decide about retries.
type Operation func(ctx context.Context) (any, error)

// Config holds the queue configuration. Zero values take the defaults from
// DefaultConfig.
type Config struct {
	// MaxConcurrency is the number of permits (operations in flight).
	MaxConcurrency int

	// PerSecondLimit and PerMinuteLimit cap dispatches over rolling windows.
	// A negative value disables the window.
	PerSecondLimit int
	PerMinuteLimit int

	// InitialSpeed is the starting pacing tier. The zero value is medium.
	InitialSpeed ratelimit.Speed

	// MaxRetries is the default retry budget per item.
	MaxRetries int

	Backoff BackoffConfig
	Speed   ratelimit.SpeedConfig

	// RetryPriorityBoost is subtracted from an item's priority on retry so
	// retries are dispatched ahead of fresh work of equal priority.
	RetryPriorityBoost int

	// MinPriority is the most urgent priority a retry can be boosted to.
	MinPriority int

	// Clock and Rand make pacing deterministic in tests.
	Clock clock.Clock
	Rand  func() float64

	Logger *zerolog.Logger
}

// Defaults for Config.
const (
	DefaultMaxConcurrency     = 3
	DefaultPerSecondLimit     = 5
	DefaultPerMinuteLimit     = 200
	DefaultMaxRetries         = 3
	DefaultRetryPriorityBoost = 1000
)

// DefaultConfig returns a configuration safe for typical HR SaaS APIs.
func DefaultConfig() Config {
	return Config{
		MaxConcurrency:     DefaultMaxConcurrency,
		PerSecondLimit:     DefaultPerSecondLimit,
		PerMinuteLimit:     DefaultPerMinuteLimit,
		InitialSpeed:       ratelimit.SpeedMedium,
		MaxRetries:         DefaultMaxRetries,
		Backoff:            DefaultBackoffConfig(),
		Speed:              ratelimit.DefaultSpeedConfig(),
		RetryPriorityBoost: DefaultRetryPriorityBoost,
	}
}

func (c Config) withDefaults() Config {
	if c.MaxConcurrency <= 0 {
		c.MaxConcurrency = DefaultMaxConcurrency
	}
	switch {
	case c.PerSecondLimit == 0:
		c.PerSecondLimit = DefaultPerSecondLimit
	case c.PerSecondLimit < 0:
		c.PerSecondLimit = 0
	}
	switch {
	case c.PerMinuteLimit == 0:
		c.PerMinuteLimit = DefaultPerMinuteLimit
	case c.PerMinuteLimit < 0:
		c.PerMinuteLimit = 0
	}
	if c.MaxRetries < 0 {
		c.MaxRetries = 0
	} else if c.MaxRetries == 0 {
		c.MaxRetries = DefaultMaxRetries
	}
	if c.RetryPriorityBoost <= 0 {
		c.RetryPriorityBoost = DefaultRetryPriorityBoost
	}
	c.Backoff = c.Backoff.withDefaults()
	if c.Clock == nil {
		c.Clock = clock.Real()
	}
	if c.Rand == nil {
		c.Rand = rand.Float64
	}
	return c
}

// SubmitOption customizes a single submission.
type SubmitOption func(*item)

// WithPriority sets the dispatch priority. Lower values are more urgent.
func WithPriority(p int) SubmitOption {
	return func(it *item) { it.priority = p }
}

// WithCorrelationID tags the item for logging. A random UUID is used otherwise.
func WithCorrelationID(id string) SubmitOption {
	return func(it *item) { it.correlationID = id }
}

// WithMaxRetries overrides the retry budget for this item.
func WithMaxRetries(n int) SubmitOption {
	return func(it *item) {
		if n >= 0 {
			it.maxRetries = n
		}
	}
}

type result struct {
	value any
	err   error
}

// item is a Work Item. It is owned by the queue until settled.
type item struct {
	op            Operation
	ctx           context.Context
	priority      int
	seq           uint64
	correlationID string
	retryCount    int
	maxRetries    int

	index   int // position in the heap, -1 when not pending
	done    chan result
	settled atomic.Bool
}

func (it *item) settle(v any, err error) {
	if it.settled.CompareAndSwap(false, true) {
		it.done <- result{value: v, err: err}
	}
}

// Queue is the adaptive request queue. Create one per client session with New
// and share it by reference.
type Queue struct {
	cfg     Config
	clock   clock.Clock
	permits *permit.Pool
	logger  zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	pending itemHeap
	seq     uint64
	running bool
	closed  bool
	active  int
	window  *ratelimit.Window
	speed   *ratelimit.SpeedState
}

// New creates a queue. No goroutine runs until the first submission.
func New(cfg Config) *Queue {
	cfg = cfg.withDefaults()
	ctx, cancel := context.WithCancel(context.Background())

	q := &Queue{
		cfg:     cfg,
		clock:   cfg.Clock,
		permits: permit.New(cfg.MaxConcurrency),
		logger:  logging.OrDefault(cfg.Logger, "queue"),
		ctx:     ctx,
		cancel:  cancel,
		window:  ratelimit.NewWindow(cfg.PerSecondLimit, cfg.PerMinuteLimit),
		speed:   ratelimit.NewSpeedState(cfg.InitialSpeed, cfg.Speed),
	}
	queueSpeedLevel.Set(float64(q.speed.Speed))
	return q
}

// SubmitSettings is what a set of SubmitOptions resolves to.
type SubmitSettings struct {
	Priority      int
	CorrelationID string

	// MaxRetries is -1 when no option overrides the queue default.
	MaxRetries int
}

// ResolveOptions applies opts to zero settings. Submitter implementations
// other than Queue use it to honour the same options.
func ResolveOptions(opts ...SubmitOption) SubmitSettings {
	it := &item{maxRetries: -1}
	for _, opt := range opts {
		opt(it)
	}
	return SubmitSettings{
		Priority:      it.priority,
		CorrelationID: it.correlationID,
		MaxRetries:    it.maxRetries,
	}
}

// Submit queues op and blocks until it settles. Retryable failures are
// retried inside the queue; the returned error is a permanent failure, an
// ErrRetryExhausted wrap, ErrQueueCleared, or ctx.Err() if ctx ended while
// the item was still pending.
func (q *Queue) Submit(ctx context.Context, op Operation, opts ...SubmitOption) (any, error) {
	if op == nil {
		return nil, errors.New("queue: nil operation")
	}

	it := &item{
		op:         op,
		ctx:        ctx,
		maxRetries: q.cfg.MaxRetries,
		index:      -1,
		done:       make(chan result, 1),
	}
	for _, opt := range opts {
		opt(it)
	}
	if it.correlationID == "" {
		it.correlationID = uuid.NewString()
	}

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil, ErrClosed
	}
	q.pushLocked(it)
	q.mu.Unlock()

	select {
	case r := <-it.done:
		return r.value, r.err
	case <-ctx.Done():
	}

	q.mu.Lock()
	if it.index >= 0 {
		heap.Remove(&q.pending, it.index)
		queueLength.Set(float64(q.pending.Len()))
		q.mu.Unlock()
		it.settle(nil, ctx.Err())
		r := <-it.done
		return r.value, r.err
	}
	q.mu.Unlock()

	// Dispatched or backing off; both paths observe ctx and settle soon.
	r := <-it.done
	return r.value, r.err
}

// Submitter is the part of Queue that batch drivers depend on.
type Submitter interface {
	Submit(ctx context.Context, op Operation, opts ...SubmitOption) (any, error)
}

// Do submits a typed operation and converts the result back to T.
func Do[T any](ctx context.Context, q Submitter, fn func(context.Context) (T, error), opts ...SubmitOption) (T, error) {
	var zero T
	v, err := q.Submit(ctx, func(ctx context.Context) (any, error) {
		return fn(ctx)
	}, opts...)
	if err != nil {
		return zero, err
	}
	if v == nil {
		return zero, nil
	}
	t, ok := v.(T)
	if !ok {
		return zero, fmt.Errorf("queue: unexpected result type %T", v)
	}
	return t, nil
}

// ClearQueue fails every pending item with ErrQueueCleared and returns how
// many were cleared. Items already dispatched are not affected.
func (q *Queue) ClearQueue() int {
	q.mu.Lock()
	cleared := make([]*item, 0, q.pending.Len())
	for q.pending.Len() > 0 {
		cleared = append(cleared, heap.Pop(&q.pending).(*item))
	}
	queueLength.Set(0)
	q.mu.Unlock()

	for _, it := range cleared {
		it.settle(nil, &Error{Class: ClassQueueCleared, Message: "pending item cancelled", Err: ErrQueueCleared})
	}
	if len(cleared) > 0 {
		queueClearedTotal.Add(float64(len(cleared)))
		q.logger.Warn().Int("cleared", len(cleared)).Msg("Queue cleared")
	}
	return len(cleared)
}

// Close clears pending work and stops the processing loop. In-flight
// operations run to completion. Submit returns ErrClosed afterwards.
func (q *Queue) Close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()

	q.ClearQueue()
	q.cancel()
}

// ObserveRateLimit applies the rate-limit reaction outside of a queued
// retry: the speed drops one level and the caller waits for the longer of
// the base backoff, the server's Retry-After and the current window reset.
func (q *Queue) ObserveRateLimit(ctx context.Context, err error) error {
	now := q.clock.Now()

	q.mu.Lock()
	changed := q.speed.RecordRateLimited(now)
	speed := q.speed.Speed
	wait := q.rateLimitWaitLocked(now, q.cfg.Backoff.BaseDelay, err)
	q.mu.Unlock()

	queueSpeedLevel.Set(float64(speed))
	if changed {
		q.logger.Info().Stringer("speed", speed).Msg("Speed decreased after rate limit")
	}

	retryBackoffSeconds.WithLabelValues(string(ClassRateLimited)).Observe(wait.Seconds())
	q.logger.Warn().Dur("backoff", wait).Msg("Rate limited, backing off")

	return q.clock.Sleep(ctx, wait)
}

// Diagnostics is a point-in-time view of the queue for status displays.
type Diagnostics struct {
	QueueLength          int                      `json:"queue_length"`
	ActiveRequests       int                      `json:"active_requests"`
	AvailablePermits     int                      `json:"available_permits"`
	PerSecond            ratelimit.WindowSnapshot `json:"per_second"`
	PerMinute            ratelimit.WindowSnapshot `json:"per_minute"`
	Speed                ratelimit.Speed          `json:"speed"`
	ConsecutiveSuccesses int                      `json:"consecutive_successes"`
	RecentErrors         int                      `json:"recent_errors"`
	SinceLastError       time.Duration            `json:"since_last_error"`
}

// Stats returns the current diagnostics.
func (q *Queue) Stats() Diagnostics {
	now := q.clock.Now()

	q.mu.Lock()
	defer q.mu.Unlock()

	perSec, perMin := q.window.Snapshot(now)
	return Diagnostics{
		QueueLength:          q.pending.Len(),
		ActiveRequests:       q.active,
		AvailablePermits:     q.permits.Available(),
		PerSecond:            perSec,
		PerMinute:            perMin,
		Speed:                q.speed.Speed,
		ConsecutiveSuccesses: q.speed.ConsecutiveSuccesses,
		RecentErrors:         q.speed.RecentErrors,
		SinceLastError:       q.speed.SinceLastError(now),
	}
}

// pushLocked inserts it and starts the loop if it is not running.
func (q *Queue) pushLocked(it *item) {
	q.seq++
	it.seq = q.seq
	heap.Push(&q.pending, it)
	queueLength.Set(float64(q.pending.Len()))

	if !q.running {
		q.running = true
		go q.run()
	}
}

// run is the processing loop. At most one instance runs at a time; it exits
// once the pending list is empty.
func (q *Queue) run() {
	for {
		q.mu.Lock()
		if q.pending.Len() == 0 {
			q.running = false
			q.mu.Unlock()
			return
		}
		q.mu.Unlock()

		if err := q.waitForWindow(); err != nil {
			q.stop()
			return
		}

		if err := q.permits.Acquire(q.ctx); err != nil {
			q.stop()
			return
		}

		q.mu.Lock()
		delay := q.speed.Delay(q.cfg.Rand)
		q.mu.Unlock()
		if err := q.clock.Sleep(q.ctx, delay); err != nil {
			q.permits.Release()
			q.stop()
			return
		}

		q.mu.Lock()
		it := q.popLocked()
		if it == nil {
			q.mu.Unlock()
			q.permits.Release()
			continue
		}
		q.window.Record(q.clock.Now())
		q.active++
		queueActiveRequests.Set(float64(q.active))
		q.mu.Unlock()

		queueDispatchedTotal.Inc()
		q.logger.Debug().
			Str("correlation_id", it.correlationID).
			Int("priority", it.priority).
			Int("retry", it.retryCount).
			Dur("pacing_delay", delay).
			Msg("Dispatching operation")

		go q.dispatch(it)
	}
}

func (q *Queue) stop() {
	q.mu.Lock()
	q.running = false
	q.mu.Unlock()
}

// waitForWindow sleeps until both rate windows admit one more dispatch.
func (q *Queue) waitForWindow() error {
	for {
		q.mu.Lock()
		d := q.window.Delay(q.clock.Now())
		q.mu.Unlock()
		if d == 0 {
			return nil
		}

		queueWindowWaitsTotal.Inc()
		q.logger.Debug().Dur("wait", d).Msg("Rate window full, waiting for reset")
		if err := q.clock.Sleep(q.ctx, d); err != nil {
			return err
		}
	}
}

// popLocked removes the most urgent item whose submitter is still waiting.
// Abandoned items are settled with their context error.
func (q *Queue) popLocked() *item {
	for q.pending.Len() > 0 {
		it := heap.Pop(&q.pending).(*item)
		queueLength.Set(float64(q.pending.Len()))
		if err := it.ctx.Err(); err != nil {
			it.settle(nil, err)
			continue
		}
		return it
	}
	return nil
}

// dispatch runs one operation while holding a permit and handles the
// outcome. The permit is released on every path.
func (q *Queue) dispatch(it *item) {
	start := q.clock.Now()
	value, err := it.op(it.ctx)

	q.mu.Lock()
	q.active--
	queueActiveRequests.Set(float64(q.active))
	q.mu.Unlock()

	if err == nil {
		q.onSuccess(it, start)
		q.permits.Release()
		it.settle(value, nil)
		return
	}

	class := Classify(err)
	if Retryable(class) && it.retryCount < it.maxRetries && it.ctx.Err() == nil {
		q.retry(it, class, err)
		return
	}

	q.onFailure(it, class)
	q.permits.Release()

	if Retryable(class) && it.retryCount > 0 {
		retryExhaustedTotal.WithLabelValues(string(class)).Inc()
		q.logger.Warn().
			Str("correlation_id", it.correlationID).
			Str("error_class", string(class)).
			Int("retries", it.retryCount).
			Msg("Retry attempts exhausted")
		err = fmt.Errorf("%w after %d retries: %w", ErrRetryExhausted, it.retryCount, err)
	}
	it.settle(nil, err)
}

func (q *Queue) onSuccess(it *item, start time.Time) {
	q.mu.Lock()
	changed := q.speed.RecordSuccess()
	speed := q.speed.Speed
	q.mu.Unlock()

	if changed {
		queueSpeedLevel.Set(float64(speed))
		q.logger.Info().Stringer("speed", speed).Msg("Speed increased after success streak")
	}
	if it.retryCount > 0 {
		q.logger.Info().
			Str("correlation_id", it.correlationID).
			Int("retries", it.retryCount).
			Dur("duration", q.clock.Now().Sub(start)).
			Msg("Operation succeeded after retry")
	}
}

func (q *Queue) onFailure(it *item, class ErrorClass) {
	now := q.clock.Now()

	q.mu.Lock()
	changed := q.speed.RecordFailure(now)
	if class == ClassRateLimited && !changed {
		changed = q.speed.RecordRateLimited(now)
	}
	speed := q.speed.Speed
	q.mu.Unlock()

	if changed {
		queueSpeedLevel.Set(float64(speed))
		q.logger.Info().Stringer("speed", speed).Msg("Speed decreased after errors")
	}
	q.logger.Debug().
		Str("correlation_id", it.correlationID).
		Str("error_class", string(class)).
		Msg("Operation failed")
}

// retry waits out the backoff while still holding the permit, then puts the
// item back with a boosted priority.
func (q *Queue) retry(it *item, class ErrorClass, err error) {
	it.retryCount++
	delay := q.cfg.Backoff.Delay(it.retryCount)

	if class == ClassRateLimited {
		now := q.clock.Now()
		q.mu.Lock()
		changed := q.speed.RecordRateLimited(now)
		speed := q.speed.Speed
		delay = q.rateLimitWaitLocked(now, delay, err)
		q.mu.Unlock()

		if changed {
			queueSpeedLevel.Set(float64(speed))
			q.logger.Info().Stringer("speed", speed).Msg("Speed decreased after rate limit")
		}
	}

	retriesTotal.WithLabelValues(string(class)).Inc()
	retryBackoffSeconds.WithLabelValues(string(class)).Observe(delay.Seconds())
	q.logger.Warn().
		Err(err).
		Str("correlation_id", it.correlationID).
		Str("error_class", string(class)).
		Int("attempt", it.retryCount).
		Int("max_retries", it.maxRetries).
		Dur("backoff", delay).
		Msg("Retrying operation after backoff")

	if serr := q.clock.Sleep(it.ctx, delay); serr != nil {
		q.permits.Release()
		it.settle(nil, serr)
		return
	}

	it.priority = q.boostPriority(it.priority)

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		q.permits.Release()
		it.settle(nil, ErrClosed)
		return
	}
	q.pushLocked(it)
	q.mu.Unlock()
	q.permits.Release()
}

// rateLimitWaitLocked picks the longest of base, the server's Retry-After and
// the time until the rate window admits another dispatch.
func (q *Queue) rateLimitWaitLocked(now time.Time, base time.Duration, err error) time.Duration {
	wait := base
	if ra := retryAfter(err); ra > wait {
		wait = ra
	}
	if wd := q.window.Delay(now); wd > wait {
		wait = wd
	}
	return wait
}

// boostPriority lowers p by RetryPriorityBoost without going below
// MinPriority (unless p already was).
func (q *Queue) boostPriority(p int) int {
	np := p - q.cfg.RetryPriorityBoost
	if np >= q.cfg.MinPriority {
		return np
	}
	if p < q.cfg.MinPriority {
		return p
	}
	return q.cfg.MinPriority
}

// itemHeap orders items by priority, then retry count (retried items first),
// then submission sequence.
type itemHeap []*item

func (h itemHeap) Len() int { return len(h) }

func (h itemHeap) Less(i, j int) bool {
	if h[i].priority != h[j].priority {
		return h[i].priority < h[j].priority
	}
	if h[i].retryCount != h[j].retryCount {
		return h[i].retryCount > h[j].retryCount
	}
	return h[i].seq < h[j].seq
}

func (h itemHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *itemHeap) Push(x any) {
	it := x.(*item)
	it.index = len(*h)
	*h = append(*h, it)
}

func (h *itemHeap) Pop() any {
	old := *h
	n := len(old)
	it := old[n-1]
	old[n-1] = nil
	it.index = -1
	*h = old[:n-1]
	return it
}
