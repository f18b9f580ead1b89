package worker

import (
	"time"

	"github.com/rs/zerolog/log"

	"go.inlet.tech/internal/common/metrics"
	"go.inlet.tech/internal/inbox"
	"go.inlet.tech/internal/storage"
)

// lockExtender refreshes message and group lock deadlines while a lease is
// in flight, so slow handlers do not lose their messages to other workers.
type lockExtender struct {
	stopCh chan struct{}
	doneCh chan struct{}
}

// startExtender launches a ticker that extends the lease's locks every
// MaxProcessingTime x LockExtensionThreshold until stopped. A failed or
// partial extension is logged and tolerated: the next tick may succeed, and
// losing the race just means re-delivery, which at-least-once permits.
func (w *Worker) startExtender(lease []*inbox.Envelope) *lockExtender {
	entries := make([]storage.LockEntry, 0, len(lease))
	for _, env := range lease {
		entries = append(entries, storage.LockEntry{ID: env.ID, GroupID: env.GroupID})
	}

	interval := time.Duration(float64(w.opts.MaxProcessingTime) * w.opts.LockExtensionThreshold)
	ext := &lockExtender{
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}

	go func() {
		defer close(ext.doneCh)

		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ext.stopCh:
				return
			case <-w.ctx.Done():
				return
			case <-ticker.C:
				w.extendOnce(entries)
			}
		}
	}()

	return ext
}

// extendOnce performs a single extension tick.
func (w *Worker) extendOnce(entries []storage.LockEntry) {
	deadline := w.clock.Now().Add(w.opts.MaxProcessingTime)
	extended, err := w.provider.ExtendLocks(w.ctx, w.processorID, entries, deadline)
	switch {
	case err != nil:
		metrics.LockExtensions.WithLabelValues(w.name, "error").Inc()
		log.Warn().Err(err).
			Str("inbox", w.name).
			Msg("Lock extension failed, relying on the next tick")
	case extended < len(entries):
		metrics.LockExtensions.WithLabelValues(w.name, "partial").Inc()
		log.Warn().
			Str("inbox", w.name).
			Int("extended", extended).
			Int("expected", len(entries)).
			Msg("Lock extension partial, some messages may be re-delivered")
	default:
		metrics.LockExtensions.WithLabelValues(w.name, "ok").Inc()
	}
}

// stop halts the ticker and waits for any in-flight tick to finish.
func (e *lockExtender) stop() {
	close(e.stopCh)
	<-e.doneCh
}
