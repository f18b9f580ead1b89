// Package cleanup runs the periodic reaper loops of an inbox: expired
// deduplication records, aged dead-letter entries and stale group locks.
package cleanup

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"go.inlet.tech/internal/common/metrics"
	"go.inlet.tech/internal/inbox"
	"go.inlet.tech/internal/storage"
)

// Config assembles one reaper.
type Config struct {
	// InboxName identifies the inbox in logs and metrics.
	InboxName string

	// Options is the inbox configuration. Must be validated by the caller.
	Options inbox.Options

	// Provider is the inbox's storage backend.
	Provider storage.Provider

	// Clock defaults to the system clock.
	Clock storage.Clock
}

// Reaper deletes expired records in bounded batches on a fixed interval. One
// goroutine serves all three tasks; an error backs the loop off by
// RestartDelay instead of Interval.
type Reaper struct {
	name     string
	opts     inbox.Options
	provider storage.Provider
	clock    storage.Clock

	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	running   bool
	runningMu sync.Mutex
}

// New creates a reaper for one inbox.
func New(cfg Config) *Reaper {
	if cfg.Clock == nil {
		cfg.Clock = storage.SystemClock{}
	}
	return &Reaper{
		name:     cfg.InboxName,
		opts:     cfg.Options,
		provider: cfg.Provider,
		clock:    cfg.Clock,
	}
}

// Start launches the reaper loop.
func (r *Reaper) Start() {
	r.runningMu.Lock()
	defer r.runningMu.Unlock()

	if r.running {
		return
	}
	r.running = true

	r.ctx, r.cancel = context.WithCancel(context.Background())
	r.wg.Add(1)
	go r.run()

	log.Info().
		Str("inbox", r.name).
		Dur("interval", r.opts.Cleanup.Interval).
		Int("batchSize", r.opts.Cleanup.BatchSize).
		Msg("Inbox cleanup started")
}

// Stop cancels the loop and waits for the current round to finish.
func (r *Reaper) Stop() {
	r.runningMu.Lock()
	if !r.running {
		r.runningMu.Unlock()
		return
	}
	r.running = false
	r.runningMu.Unlock()

	r.cancel()
	r.wg.Wait()
	log.Info().Str("inbox", r.name).Msg("Inbox cleanup stopped")
}

func (r *Reaper) run() {
	defer r.wg.Done()

	for {
		delay := r.opts.Cleanup.Interval
		if r.RunOnce(r.ctx) != nil {
			delay = r.opts.Cleanup.RestartDelay
		}

		timer := time.NewTimer(delay)
		select {
		case <-r.ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

// RunOnce executes one full cleanup round: every task, draining each in
// BatchSize chunks. Returns the first error; later tasks still run.
func (r *Reaper) RunOnce(ctx context.Context) error {
	var firstErr error

	record := func(task string, deleted int64, err error) {
		if err != nil {
			metrics.CleanupErrors.WithLabelValues(r.name, task).Inc()
			log.Error().Err(err).
				Str("inbox", r.name).
				Str("task", task).
				Msg("Cleanup task failed")
			if firstErr == nil {
				firstErr = err
			}
			return
		}
		if deleted > 0 {
			metrics.CleanupDeleted.WithLabelValues(r.name, task).Add(float64(deleted))
			log.Debug().
				Str("inbox", r.name).
				Str("task", task).
				Int64("deleted", deleted).
				Msg("Cleanup task done")
		}
	}

	now := r.clock.Now()

	if r.opts.EnableDeduplication {
		cutoff := now.Add(-r.opts.DeduplicationInterval)
		deleted, err := r.drain(ctx, func(limit int) (int64, error) {
			return r.provider.CleanupDedup(ctx, cutoff, limit)
		})
		record("dedup", deleted, err)
	}

	if r.opts.EnableDeadLetter {
		cutoff := now.Add(-r.opts.DeadLetterMaxMessageLifetime)
		deleted, err := r.drain(ctx, func(limit int) (int64, error) {
			return r.provider.CleanupDeadLetters(ctx, cutoff, limit)
		})
		record("dead_letters", deleted, err)
	}

	if r.opts.Mode.IsFIFO() {
		deleted, err := r.provider.CleanupGroupLocks(ctx)
		record("group_locks", deleted, err)
	}

	return firstErr
}

// drain calls del in BatchSize chunks until a short batch signals the end.
func (r *Reaper) drain(ctx context.Context, del func(limit int) (int64, error)) (int64, error) {
	var total int64
	for {
		if ctx.Err() != nil {
			return total, ctx.Err()
		}
		n, err := del(r.opts.Cleanup.BatchSize)
		total += n
		if err != nil {
			return total, err
		}
		if n < int64(r.opts.Cleanup.BatchSize) {
			return total, nil
		}
	}
}
