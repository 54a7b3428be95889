package loader

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/Sternrassler/hris-importer/pkg/logging"
	"github.com/Sternrassler/hris-importer/pkg/queue"
)

// DefaultChunkSize keeps chunks small so progress updates arrive often.
const DefaultChunkSize = 5

// Config holds loader configuration.
type Config struct {
	// ChunkSize is the number of ids submitted together.
	ChunkSize int

	// MaxRetries overrides the queue's retry budget per id when > 0.
	MaxRetries int

	Logger *zerolog.Logger
}

// LoadFunc loads or processes a single id.
type LoadFunc[T any] func(ctx context.Context, id string) (T, error)

// Result is the outcome for one id.
type Result[T any] struct {
	// Index is the id's position in the input.
	Index int
	ID    string
	Value T
	Err   error
}

// OK reports whether the id loaded successfully.
func (r Result[T]) OK() bool {
	return r.Err == nil
}

// ProgressFunc is called after every resolved item (latest set) and after
// every completed chunk (latest nil). completed counts resolved ids,
// failures included.
type ProgressFunc[T any] func(completed, total int, latest *Result[T])

// Loader drives a queue.Submitter in chunks.
type Loader[T any] struct {
	queue  queue.Submitter
	config Config
	logger zerolog.Logger
}

// New creates a loader on top of q.
func New[T any](q queue.Submitter, config Config) *Loader[T] {
	if config.ChunkSize <= 0 {
		config.ChunkSize = DefaultChunkSize
	}
	return &Loader[T]{
		queue:  q,
		config: config,
		logger: logging.OrDefault(config.Logger, "loader"),
	}
}

// LoadInBatches loads every id and returns one result per id in input order.
// Terminal failures are reported in Result.Err. If ctx ends, ids not yet
// submitted get ctx.Err() as their error.
func (l *Loader[T]) LoadInBatches(ctx context.Context, ids []string, load LoadFunc[T], onProgress ProgressFunc[T]) []Result[T] {
	start := time.Now()
	total := len(ids)
	results := make([]Result[T], total)
	if total == 0 {
		return results
	}

	chunks := (total + l.config.ChunkSize - 1) / l.config.ChunkSize
	l.logger.Info().
		Int("total", total).
		Int("chunks", chunks).
		Int("chunk_size", l.config.ChunkSize).
		Msg("Starting batch load")

	var (
		mu        sync.Mutex
		completed int
		failed    int
	)

	for from := 0; from < total; from += l.config.ChunkSize {
		to := from + l.config.ChunkSize
		if to > total {
			to = total
		}

		if err := ctx.Err(); err != nil {
			for i := from; i < total; i++ {
				results[i] = Result[T]{Index: i, ID: ids[i], Err: err}
			}
			l.logger.Warn().
				Err(err).
				Int("loaded", completed).
				Int("total", total).
				Msg("Batch load cancelled - returning partial results")
			break
		}

		var g errgroup.Group
		for i := from; i < to; i++ {
			g.Go(func() error {
				res := l.loadOne(ctx, i, ids[i], load)

				mu.Lock()
				results[i] = res
				completed++
				if res.Err != nil {
					failed++
				}
				done := completed
				if onProgress != nil {
					onProgress(done, total, &res)
				}
				mu.Unlock()
				return nil
			})
		}
		_ = g.Wait()

		mu.Lock()
		done := completed
		if onProgress != nil {
			onProgress(done, total, nil)
		}
		mu.Unlock()

		l.logger.Debug().
			Int("chunk", from/l.config.ChunkSize+1).
			Int("chunks", chunks).
			Int("loaded", done).
			Msg("Chunk complete")
	}

	l.logger.Info().
		Int("loaded", completed).
		Int("failed", failed).
		Int("total", total).
		Dur("duration", time.Since(start)).
		Msg("Batch load complete")

	return results
}

func (l *Loader[T]) loadOne(ctx context.Context, index int, id string, load LoadFunc[T]) Result[T] {
	opts := []queue.SubmitOption{
		queue.WithPriority(index),
		queue.WithCorrelationID(id),
	}
	if l.config.MaxRetries > 0 {
		opts = append(opts, queue.WithMaxRetries(l.config.MaxRetries))
	}

	value, err := queue.Do(ctx, l.queue, func(ctx context.Context) (T, error) {
		return load(ctx, id)
	}, opts...)
	if err != nil {
		l.logger.Warn().
			Err(err).
			Str("id", id).
			Str("error_class", string(queue.Classify(err))).
			Msg("Load failed")
	}
	return Result[T]{Index: index, ID: id, Value: value, Err: err}
}
