package upload

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/Sternrassler/hris-importer/pkg/clock"
	"github.com/Sternrassler/hris-importer/pkg/logging"
	"github.com/Sternrassler/hris-importer/pkg/queue"
)

// Mode selects how an upload reacts to failed records.
type Mode string

const (
	ModeAtomic     Mode = "atomic"
	ModeBestEffort Mode = "best_effort"
)

// ParseMode parses a mode name as used in configuration and flags.
func ParseMode(s string) (Mode, error) {
	switch s {
	case "atomic":
		return ModeAtomic, nil
	case "best_effort", "best-effort", "":
		return ModeBestEffort, nil
	default:
		return "", fmt.Errorf("unknown upload mode %q", s)
	}
}

// ErrRunInProgress is returned when an orchestrator is asked to start a run
// while another one is in flight.
var ErrRunInProgress = errors.New("upload: a run is already in progress")

// Defaults for Config.
const (
	DefaultBatchSize           = 10
	DefaultDelayBetweenBatches = time.Second
	DefaultProgressLogInterval = 5 * time.Second
)

// Config holds orchestrator configuration.
type Config struct {
	// BatchSize is the number of records per batch.
	BatchSize int

	// DelayBetweenBatches is the pause after each batch except the last.
	// A negative value disables the pause.
	DelayBetweenBatches time.Duration

	// MaxRetries overrides the queue's retry budget per record when > 0.
	MaxRetries int

	// ProgressLogInterval limits how often progress is logged at info level.
	ProgressLogInterval time.Duration

	Clock  clock.Clock
	Logger *zerolog.Logger
}

func (c Config) withDefaults() Config {
	if c.BatchSize <= 0 {
		c.BatchSize = DefaultBatchSize
	}
	switch {
	case c.DelayBetweenBatches == 0:
		c.DelayBetweenBatches = DefaultDelayBetweenBatches
	case c.DelayBetweenBatches < 0:
		c.DelayBetweenBatches = 0
	}
	if c.ProgressLogInterval <= 0 {
		c.ProgressLogInterval = DefaultProgressLogInterval
	}
	if c.Clock == nil {
		c.Clock = clock.Real()
	}
	return c
}

// CreateFunc creates one record remotely and returns the identifier the
// remote system assigned to it.
type CreateFunc[R any] func(ctx context.Context, record R) (string, error)

// Outcome is the result for one input record.
type Outcome[R any] struct {
	Record     R      `json:"record"`
	Success    bool   `json:"success"`
	AssignedID string `json:"assigned_id,omitempty"`
	Error      string `json:"error,omitempty"`
	Err        error  `json:"-"`

	// RowIndex is the record's position in the input.
	RowIndex int `json:"row_index"`
}

// Report summarizes a finished run.
type Report[R any] struct {
	RunID    string        `json:"run_id"`
	Mode     Mode          `json:"mode"`
	State    State         `json:"state"`
	Outcomes []Outcome[R]  `json:"outcomes"`
	Progress Progress      `json:"progress"`
	Duration time.Duration `json:"duration"`
}

// Failures returns the failed outcomes.
func (r *Report[R]) Failures() []Outcome[R] {
	var failed []Outcome[R]
	for _, o := range r.Outcomes {
		if !o.Success {
			failed = append(failed, o)
		}
	}
	return failed
}

// rateLimitObserver is implemented by *queue.Queue.
type rateLimitObserver interface {
	ObserveRateLimit(ctx context.Context, err error) error
}

// Orchestrator drives bulk uploads. One run may be in flight at a time.
type Orchestrator[R any] struct {
	queue  queue.Submitter
	config Config
	logger zerolog.Logger

	mu       sync.Mutex
	state    State
	progress Progress
}

// New creates an orchestrator on top of q. If q also implements
// ObserveRateLimit (as *queue.Queue does), best-effort runs use it after
// batches that hit the remote rate limit.
func New[R any](q queue.Submitter, config Config) *Orchestrator[R] {
	config = config.withDefaults()
	return &Orchestrator[R]{
		queue:  q,
		config: config,
		logger: logging.OrDefault(config.Logger, "upload"),
	}
}

// State returns the state of the current or last run.
func (o *Orchestrator[R]) State() State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

// Progress returns the latest progress snapshot.
func (o *Orchestrator[R]) Progress() Progress {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.progress
}

// UploadAtomic creates records one at a time and stops at the first failure.
// The report holds outcomes for attempted records only; records created
// before the failure are not removed. The error is non-nil only if ctx ended
// or another run is in progress.
func (o *Orchestrator[R]) UploadAtomic(ctx context.Context, records []R, create CreateFunc[R], onProgress ProgressFunc) (*Report[R], error) {
	r, err := o.begin(ModeAtomic, len(records), onProgress)
	if err != nil {
		return nil, err
	}

	outcomes := make([]Outcome[R], 0, len(records))
	for b, bounds := range batchBounds(len(records), o.config.BatchSize) {
		if err := r.startBatch(ctx, b, bounds); err != nil {
			return r.finish(outcomes, StateHalted), err
		}

		for row := bounds[0]; row < bounds[1]; row++ {
			out := r.createOne(ctx, row, records[row], create)
			outcomes = append(outcomes, out)
			r.record(out)

			if out.Success {
				continue
			}
			if err := ctx.Err(); err != nil {
				return r.finish(outcomes, StateHalted), err
			}

			uploadHaltsTotal.Inc()
			r.logger.Warn().
				Err(out.Err).
				Int("row", row).
				Str("error_class", string(queue.Classify(out.Err))).
				Int("created", r.snapshot().Completed).
				Msg("Atomic upload halted, already created records are kept")
			return r.finish(outcomes, StateHalted), nil
		}

		r.endBatch()
	}

	return r.finish(outcomes, StateCompleted), nil
}

// UploadBestEffort attempts every record, creating the records of a batch
// concurrently, and returns one outcome per record in input order. The error
// is non-nil only if ctx ended or another run is in progress; in the first
// case the report covers the batches processed so far.
func (o *Orchestrator[R]) UploadBestEffort(ctx context.Context, records []R, create CreateFunc[R], onProgress ProgressFunc) (*Report[R], error) {
	r, err := o.begin(ModeBestEffort, len(records), onProgress)
	if err != nil {
		return nil, err
	}

	observer, _ := o.queue.(rateLimitObserver)
	batches := batchBounds(len(records), o.config.BatchSize)

	outcomes := make([]Outcome[R], 0, len(records))
	for b, bounds := range batches {
		if err := r.startBatch(ctx, b, bounds); err != nil {
			return r.finish(outcomes, StateHalted), err
		}

		batch := make([]Outcome[R], bounds[1]-bounds[0])
		var g errgroup.Group
		for row := bounds[0]; row < bounds[1]; row++ {
			g.Go(func() error {
				out := r.createOne(ctx, row, records[row], create)
				batch[row-bounds[0]] = out
				r.record(out)
				return nil
			})
		}
		_ = g.Wait()

		outcomes = append(outcomes, batch...)
		r.endBatch()

		if err := ctx.Err(); err != nil {
			return r.finish(outcomes, StateHalted), err
		}

		if rlErr := firstRateLimited(batch); rlErr != nil && observer != nil && b < len(batches)-1 {
			r.logger.Warn().
				Int("batch", b+1).
				Msg("Batch hit the rate limit, backing off before the next batch")
			if err := observer.ObserveRateLimit(ctx, rlErr); err != nil {
				return r.finish(outcomes, StateHalted), err
			}
		}
	}

	return r.finish(outcomes, StateCompleted), nil
}

func (o *Orchestrator[R]) begin(mode Mode, total int, onProgress ProgressFunc) (*run[R], error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.state == StateInFlight {
		return nil, ErrRunInProgress
	}

	id := uuid.NewString()
	r := &run[R]{
		o:          o,
		id:         id,
		mode:       mode,
		onProgress: onProgress,
		start:      o.config.Clock.Now(),
		logger: o.logger.With().
			Str("run_id", id).
			Str("mode", string(mode)).
			Logger(),
		logSampler: rate.Sometimes{First: 1, Interval: o.config.ProgressLogInterval},
		progress: Progress{
			Total:        total,
			TotalBatches: len(batchBounds(total, o.config.BatchSize)),
			State:        StateInFlight,
		},
	}

	o.state = StateInFlight
	o.progress = r.progress

	r.logger.Info().
		Int("records", total).
		Int("batches", r.progress.TotalBatches).
		Int("batch_size", o.config.BatchSize).
		Msg("Starting upload")
	return r, nil
}

// run is the state of one upload invocation.
type run[R any] struct {
	o          *Orchestrator[R]
	id         string
	mode       Mode
	logger     zerolog.Logger
	onProgress ProgressFunc
	start      time.Time
	logSampler rate.Sometimes

	mu       sync.Mutex
	progress Progress
}

// startBatch pauses between batches and announces batch b.
func (r *run[R]) startBatch(ctx context.Context, b int, bounds [2]int) error {
	if b > 0 && r.o.config.DelayBetweenBatches > 0 {
		if err := r.o.config.Clock.Sleep(ctx, r.o.config.DelayBetweenBatches); err != nil {
			return err
		}
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	r.mu.Lock()
	r.progress.CurrentBatch = b + 1
	r.progress.InProgress = bounds[1] - bounds[0]
	r.mu.Unlock()

	r.logger.Debug().
		Int("batch", b+1).
		Int("rows_from", bounds[0]).
		Int("rows_to", bounds[1]-1).
		Msg("Starting batch")
	r.emit()
	return nil
}

func (r *run[R]) endBatch() {
	uploadBatchesTotal.WithLabelValues(string(r.mode)).Inc()
	r.emit()
}

func (r *run[R]) createOne(ctx context.Context, row int, record R, create CreateFunc[R]) Outcome[R] {
	opts := []queue.SubmitOption{
		queue.WithPriority(row),
		queue.WithCorrelationID(fmt.Sprintf("%s/%d", r.id, row)),
	}
	if r.o.config.MaxRetries > 0 {
		opts = append(opts, queue.WithMaxRetries(r.o.config.MaxRetries))
	}

	id, err := queue.Do(ctx, r.o.queue, func(ctx context.Context) (string, error) {
		return create(ctx, record)
	}, opts...)

	out := Outcome[R]{Record: record, RowIndex: row}
	if err != nil {
		out.Error = err.Error()
		out.Err = err
		return out
	}
	out.Success = true
	out.AssignedID = id
	return out
}

// record counts one finished record. Safe for concurrent use.
func (r *run[R]) record(out Outcome[R]) {
	r.mu.Lock()
	if r.progress.InProgress > 0 {
		r.progress.InProgress--
	}
	if out.Success {
		r.progress.Completed++
	} else {
		r.progress.Failed++
	}
	r.mu.Unlock()

	result := "success"
	if !out.Success {
		result = "failure"
		r.logger.Debug().
			Err(out.Err).
			Int("row", out.RowIndex).
			Msg("Record failed")
	}
	uploadRecordsTotal.WithLabelValues(string(r.mode), result).Inc()
}

func (r *run[R]) snapshot() Progress {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.progress
}

// emit publishes the current progress to the orchestrator, the callback and
// the (sampled) log.
func (r *run[R]) emit() {
	p := r.snapshot()

	r.o.mu.Lock()
	r.o.progress = p
	r.o.state = p.State
	r.o.mu.Unlock()

	if r.onProgress != nil {
		r.onProgress(p)
	}

	r.logSampler.Do(func() {
		r.logger.Info().
			Int("completed", p.Completed).
			Int("failed", p.Failed).
			Int("total", p.Total).
			Int("batch", p.CurrentBatch).
			Int("batches", p.TotalBatches).
			Msg("Upload progress")
	})
}

func (r *run[R]) finish(outcomes []Outcome[R], state State) *Report[R] {
	r.mu.Lock()
	r.progress.State = state
	r.progress.InProgress = 0
	r.mu.Unlock()
	r.emit()

	p := r.snapshot()
	duration := r.o.config.Clock.Now().Sub(r.start)
	uploadDurationSeconds.WithLabelValues(string(r.mode), state.String()).Observe(duration.Seconds())

	r.logger.Info().
		Stringer("state", state).
		Int("created", p.Completed).
		Int("failed", p.Failed).
		Int("total", p.Total).
		Dur("duration", duration).
		Msg("Upload finished")

	return &Report[R]{
		RunID:    r.id,
		Mode:     r.mode,
		State:    state,
		Outcomes: outcomes,
		Progress: p,
		Duration: duration,
	}
}

// batchBounds splits n rows into [from, to) ranges of at most size rows.
func batchBounds(n, size int) [][2]int {
	var bounds [][2]int
	for from := 0; from < n; from += size {
		to := from + size
		if to > n {
			to = n
		}
		bounds = append(bounds, [2]int{from, to})
	}
	return bounds
}

func firstRateLimited[R any](outcomes []Outcome[R]) error {
	for _, o := range outcomes {
		if o.Err != nil && queue.Classify(o.Err) == queue.ClassRateLimited {
			return o.Err
		}
	}
	return nil
}
