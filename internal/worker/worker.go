// Package worker runs the processing side of an inbox: the poll, lease,
// dispatch and finalize loop, the per-mode strategies and the lock extender.
package worker

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"go.inlet.tech/internal/common/metrics"
	"go.inlet.tech/internal/inbox"
	"go.inlet.tech/internal/storage"
)

// Config assembles one worker.
type Config struct {
	// InboxName identifies the inbox in logs and metrics.
	InboxName string

	// Options is the inbox configuration. Must be validated by the caller.
	Options inbox.Options

	// Provider is the inbox's storage backend.
	Provider storage.Provider

	// Registry supplies per-message handlers (Default and FIFO modes).
	Registry *inbox.Registry

	// BatchHandler handles whole leases (Batched mode).
	BatchHandler inbox.BatchHandler

	// GroupHandler handles per-group slices (FIFO-Batched mode).
	GroupHandler inbox.GroupHandler

	// Clock defaults to the system clock.
	Clock storage.Clock

	// ProcessorID overrides the generated worker identity. Opaque to the
	// backend; stable for the worker's lifetime.
	ProcessorID string
}

// Worker is one inbox's processing loop. Start launches a single goroutine;
// the Default strategy may fan work out per lease up to
// MaxProcessingThreads.
type Worker struct {
	name        string
	opts        inbox.Options
	provider    storage.Provider
	registry    *inbox.Registry
	batch       inbox.BatchHandler
	group       inbox.GroupHandler
	clock       storage.Clock
	processorID string

	strategy strategy
	breaker  *gobreaker.CircuitBreaker
	limiter  *rate.Limiter

	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	running   bool
	runningMu sync.Mutex
}

// New creates a worker for one inbox. The mode decides which handler field
// is required.
func New(cfg Config) (*Worker, error) {
	if cfg.InboxName == "" {
		return nil, fmt.Errorf("inbox name must not be empty")
	}
	if cfg.Provider == nil {
		return nil, fmt.Errorf("inbox %s: storage provider is required", cfg.InboxName)
	}
	if cfg.Clock == nil {
		cfg.Clock = storage.SystemClock{}
	}
	if cfg.ProcessorID == "" {
		host, err := os.Hostname()
		if err != nil {
			host = "inlet"
		}
		cfg.ProcessorID = host + "-" + uuid.NewString()
	}

	w := &Worker{
		name:        cfg.InboxName,
		opts:        cfg.Options,
		provider:    cfg.Provider,
		registry:    cfg.Registry,
		batch:       cfg.BatchHandler,
		group:       cfg.GroupHandler,
		clock:       cfg.Clock,
		processorID: cfg.ProcessorID,
	}

	switch cfg.Options.Mode {
	case inbox.ModeDefault:
		if cfg.Registry == nil {
			return nil, fmt.Errorf("inbox %s: DEFAULT mode requires a handler registry", cfg.InboxName)
		}
		w.strategy = &defaultStrategy{w: w}
	case inbox.ModeBatched:
		if cfg.BatchHandler == nil {
			return nil, fmt.Errorf("inbox %s: BATCHED mode requires a batch handler", cfg.InboxName)
		}
		w.strategy = &batchedStrategy{w: w}
	case inbox.ModeFIFO:
		if cfg.Registry == nil {
			return nil, fmt.Errorf("inbox %s: FIFO mode requires a handler registry", cfg.InboxName)
		}
		w.strategy = &fifoStrategy{w: w}
	case inbox.ModeFIFOBatched:
		if cfg.GroupHandler == nil {
			return nil, fmt.Errorf("inbox %s: FIFO_BATCHED mode requires a group handler", cfg.InboxName)
		}
		w.strategy = &fifoBatchedStrategy{w: w}
	default:
		return nil, fmt.Errorf("inbox %s: unknown mode %q", cfg.InboxName, cfg.Options.Mode)
	}

	w.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "inbox-poll-" + cfg.InboxName,
		Timeout: cfg.Options.PollingInterval * 4,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			metrics.PollBreakerState.WithLabelValues(cfg.InboxName).Set(float64(to))
			log.Warn().
				Str("inbox", cfg.InboxName).
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("Poll circuit breaker state changed")
		},
	})

	if cfg.Options.DispatchRatePerSecond > 0 {
		burst := int(cfg.Options.DispatchRatePerSecond)
		if burst < 1 {
			burst = 1
		}
		w.limiter = rate.NewLimiter(rate.Limit(cfg.Options.DispatchRatePerSecond), burst)
	}

	return w, nil
}

// ProcessorID returns the worker's stable identity.
func (w *Worker) ProcessorID() string {
	return w.processorID
}

// Start launches the worker loop.
func (w *Worker) Start() {
	w.runningMu.Lock()
	defer w.runningMu.Unlock()

	if w.running {
		return
	}
	w.running = true

	w.ctx, w.cancel = context.WithCancel(context.Background())
	w.wg.Add(1)
	go w.run()

	log.Info().
		Str("inbox", w.name).
		Str("mode", string(w.opts.Mode)).
		Str("processorId", w.processorID).
		Int("readBatchSize", w.opts.ReadBatchSize).
		Dur("pollingInterval", w.opts.PollingInterval).
		Msg("Inbox worker started")
}

// Stop cancels the loop and waits up to ShutdownTimeout for the current
// lease to drain. The worker exits regardless once the timeout elapses;
// unfinished leases expire at the backend and are re-leased elsewhere.
func (w *Worker) Stop() {
	w.runningMu.Lock()
	if !w.running {
		w.runningMu.Unlock()
		return
	}
	w.running = false
	w.runningMu.Unlock()

	w.cancel()

	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		log.Info().Str("inbox", w.name).Msg("Inbox worker stopped")
	case <-time.After(w.opts.ShutdownTimeout):
		log.Warn().
			Str("inbox", w.name).
			Dur("timeout", w.opts.ShutdownTimeout).
			Msg("Inbox worker shutdown timed out, leases will expire at the backend")
	}
}

// run is the poll, lease, dispatch, finalize loop.
func (w *Worker) run() {
	defer w.wg.Done()

	for {
		if w.ctx.Err() != nil {
			return
		}

		lease, err := w.poll()
		if err != nil {
			if w.ctx.Err() != nil {
				return
			}
			if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
				log.Debug().Str("inbox", w.name).Msg("Poll skipped, circuit breaker open")
			} else {
				metrics.PollErrors.WithLabelValues(w.name).Inc()
				log.Error().Err(err).Str("inbox", w.name).Msg("Failed to read and capture")
			}
			w.sleep(w.opts.PollingInterval)
			continue
		}

		if len(lease) == 0 {
			w.sleep(w.opts.PollingInterval)
			continue
		}

		metrics.LeaseSize.WithLabelValues(w.name).Observe(float64(len(lease)))
		log.Debug().Str("inbox", w.name).Int("count", len(lease)).Msg("Captured lease")

		var extender *lockExtender
		if w.opts.EnableLockExtension {
			extender = w.startExtender(lease)
		}

		w.strategy.dispatch(w.ctx, lease)

		if extender != nil {
			extender.stop()
		}

		if w.opts.ReadDelay > 0 {
			w.sleep(w.opts.ReadDelay)
		}
	}
}

// poll runs ReadAndCapture behind the circuit breaker.
func (w *Worker) poll() ([]*inbox.Envelope, error) {
	result, err := w.breaker.Execute(func() (any, error) {
		return w.provider.ReadAndCapture(w.ctx, w.processorID)
	})
	if err != nil {
		return nil, err
	}
	return result.([]*inbox.Envelope), nil
}

// sleep waits for d or cancellation, whichever comes first.
func (w *Worker) sleep(d time.Duration) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-w.ctx.Done():
	case <-timer.C:
	}
}

// detachedContext returns a short-lived context independent of the worker's
// lifecycle, for best-effort releases during shutdown.
func (w *Worker) detachedContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), 10*time.Second)
}
