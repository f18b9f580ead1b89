package worker

import (
	"context"

	"github.com/rs/zerolog/log"

	"go.inlet.tech/internal/inbox"
)

// batchedStrategy hands the whole lease to the batch handler and finalizes
// through a single ProcessResultsBatch call.
type batchedStrategy struct {
	w *Worker
}

func (s *batchedStrategy) dispatch(ctx context.Context, lease []*inbox.Envelope) {
	results := s.w.invokeBatch(ctx, lease)

	batch := s.w.partitionResults(lease, results)
	if batch.Empty() {
		return
	}

	if ctx.Err() != nil {
		detached, cancel := s.w.detachedContext()
		defer cancel()
		ctx = detached
	}
	if err := s.w.provider.ProcessResultsBatch(ctx, batch); err != nil {
		log.Error().Err(err).
			Str("inbox", s.w.name).
			Int("count", len(lease)).
			Msg("Batch finalize failed, lease will expire and messages will be re-delivered")
		return
	}
	s.w.observeBatch(batch)
}
