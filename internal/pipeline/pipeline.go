// Package pipeline runs a finite extract-transform-load batch job. The
// extractor hands out work in batches until it is drained, the transformer
// converts items one at a time with failures skipped and counted, and the
// loader persists each transformed batch with bounded retries. Sensor updates
// run through this engine; their fits dominate the runtime and their loads
// are idempotent upserts, which is what makes the retry policy safe.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/couchcryptid/flu-nowcast/internal/observability"
)

// BatchExtractor produces the next batch of work items, at most batchSize at
// a time. An empty batch ends the run. Extract errors are terminal: the
// extractor may be a stateful walker that cannot rewind.
type BatchExtractor[R any] interface {
	ExtractBatch(ctx context.Context, batchSize int) ([]R, error)
}

// Transformer converts one work item. A failed item is skipped; the
// transformer is expected to log and count the details itself.
type Transformer[R, O any] interface {
	Transform(ctx context.Context, item R) (O, error)
}

// BatchLoader persists a batch of transformed items. Loads are retried, so
// loading the same batch twice must be harmless.
type BatchLoader[O any] interface {
	LoadBatch(ctx context.Context, items []O) error
}

// Options tunes the engine. Zero values select the defaults.
type Options struct {
	BatchSize      int           // items per extract call; default 50
	MaxAttempts    int           // load attempts per batch; default 3
	InitialBackoff time.Duration // first retry delay; default 200ms
	MaxBackoff     time.Duration // retry delay cap; default 5s
}

func (o Options) withDefaults() Options {
	if o.BatchSize <= 0 {
		o.BatchSize = 50
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 3
	}
	if o.InitialBackoff <= 0 {
		o.InitialBackoff = 200 * time.Millisecond
	}
	if o.MaxBackoff <= 0 {
		o.MaxBackoff = 5 * time.Second
	}
	return o
}

// Pipeline orchestrates the extract-transform-load loop.
type Pipeline[R, O any] struct {
	extractor   BatchExtractor[R]
	transformer Transformer[R, O]
	loader      BatchLoader[O]
	logger      *slog.Logger
	metrics     *observability.Metrics
	opts        Options
}

// New creates a Pipeline with the given stages and observability.
func New[R, O any](e BatchExtractor[R], t Transformer[R, O], l BatchLoader[O], logger *slog.Logger, metrics *observability.Metrics, opts Options) *Pipeline[R, O] {
	return &Pipeline[R, O]{
		extractor:   e,
		transformer: t,
		loader:      l,
		logger:      logger,
		metrics:     metrics,
		opts:        opts.withDefaults(),
	}
}

// Run executes batches until the extractor is drained, a batch fails for
// good, or the context is cancelled.
func (p *Pipeline[R, O]) Run(ctx context.Context) error {
	p.logger.Info("pipeline started", "batch_size", p.opts.BatchSize)
	p.metrics.PipelineRunning.Set(1)
	defer p.metrics.PipelineRunning.Set(0)

	batches, loaded := 0, 0
	for {
		if err := ctx.Err(); err != nil {
			p.logger.Info("pipeline stopping", "reason", err)
			return err
		}

		batch, err := p.extractor.ExtractBatch(ctx, p.opts.BatchSize)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("extract batch: %w", err)
		}
		if len(batch) == 0 {
			p.logger.Info("pipeline finished", "batches", batches, "loaded", loaded)
			return nil
		}

		n, err := p.processBatch(ctx, batch)
		if err != nil {
			return err
		}
		batches++
		loaded += n
	}
}

// processBatch transforms one batch and loads the successes, returning how
// many items were loaded.
func (p *Pipeline[R, O]) processBatch(ctx context.Context, batch []R) (int, error) {
	start := time.Now()
	p.metrics.BatchSize.Observe(float64(len(batch)))

	out := make([]O, 0, len(batch))
	for _, item := range batch {
		converted, err := p.transformer.Transform(ctx, item)
		if err != nil {
			continue
		}
		out = append(out, converted)
	}
	if skipped := len(batch) - len(out); skipped > 0 {
		p.logger.Warn("batch had failures", "skipped", skipped, "loaded", len(out))
	}
	if len(out) == 0 {
		return 0, nil
	}

	if err := p.loadWithRetry(ctx, out); err != nil {
		return 0, err
	}
	p.metrics.BatchProcessingDuration.Observe(time.Since(start).Seconds())
	return len(out), nil
}

// loadWithRetry loads a batch, backing off exponentially between attempts.
func (p *Pipeline[R, O]) loadWithRetry(ctx context.Context, out []O) error {
	backoff := p.opts.InitialBackoff
	for attempt := 1; ; attempt++ {
		err := p.loader.LoadBatch(ctx, out)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if attempt >= p.opts.MaxAttempts {
			return fmt.Errorf("load batch: %w", err)
		}
		p.logger.Warn("load batch failed, retrying",
			"error", err, "attempt", attempt, "batch_size", len(out), "backoff", backoff)
		if !sleepWithContext(ctx, backoff) {
			return ctx.Err()
		}
		backoff = nextBackoff(backoff, p.opts.MaxBackoff)
	}
}

func nextBackoff(current, maxBackoff time.Duration) time.Duration {
	next := current * 2
	if next > maxBackoff {
		return maxBackoff
	}
	return next
}

func sleepWithContext(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return true
	}

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
