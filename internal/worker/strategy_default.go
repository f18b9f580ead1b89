package worker

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"go.inlet.tech/internal/inbox"
)

// defaultStrategy dispatches one handler call per envelope, sequentially by
// default, or fanned out up to MaxProcessingThreads.
type defaultStrategy struct {
	w *Worker
}

func (s *defaultStrategy) dispatch(ctx context.Context, lease []*inbox.Envelope) {
	if s.w.opts.MaxProcessingThreads > 1 {
		s.dispatchParallel(ctx, lease)
		return
	}

	for i, env := range lease {
		if ctx.Err() != nil {
			s.releaseRemaining(lease[i:])
			return
		}
		res := s.w.invoke(ctx, env)
		s.w.finalizeOne(ctx, env, res)
	}
}

func (s *defaultStrategy) dispatchParallel(ctx context.Context, lease []*inbox.Envelope) {
	sem := make(chan struct{}, s.w.opts.MaxProcessingThreads)
	var wg sync.WaitGroup

	for i, env := range lease {
		if ctx.Err() != nil {
			// Wait for in-flight handlers, then release what never ran.
			wg.Wait()
			s.releaseRemaining(lease[i:])
			return
		}

		sem <- struct{}{}
		wg.Add(1)
		go func(env *inbox.Envelope) {
			defer wg.Done()
			defer func() { <-sem }()
			res := s.w.invoke(ctx, env)
			s.w.finalizeOne(ctx, env, res)
		}(env)
	}
	wg.Wait()
}

// releaseRemaining returns undispatched envelopes to the pending set so
// their leases end quickly during shutdown. Best effort.
func (s *defaultStrategy) releaseRemaining(rest []*inbox.Envelope) {
	if len(rest) == 0 {
		return
	}
	ctx, cancel := s.w.detachedContext()
	defer cancel()

	ids := make([]uuid.UUID, 0, len(rest))
	for _, env := range rest {
		ids = append(ids, env.ID)
	}
	if err := s.w.provider.ReleaseMessagesAndGroupLocks(ctx, ids, nil); err != nil {
		log.Warn().Err(err).
			Str("inbox", s.w.name).
			Int("count", len(ids)).
			Msg("Failed to release undispatched messages during shutdown")
	}
}
