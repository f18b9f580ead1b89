package worker

import (
	"context"

	"github.com/rs/zerolog/log"

	"go.inlet.tech/internal/inbox"
)

// fifoBatchedStrategy invokes the group handler once per group with that
// group's in-order slice, then finalizes the whole lease through a single
// ProcessResultsBatch and releases every participating group lock.
// Groups run in first-appearance order, which is stable within one lease.
type fifoBatchedStrategy struct {
	w *Worker
}

func (s *fifoBatchedStrategy) dispatch(ctx context.Context, lease []*inbox.Envelope) {
	var order []string
	grouped := make(map[string][]*inbox.Envelope)
	for _, env := range lease {
		if _, seen := grouped[env.GroupID]; !seen {
			order = append(order, env.GroupID)
		}
		grouped[env.GroupID] = append(grouped[env.GroupID], env)
	}

	var results []inbox.BatchResult
	for _, group := range order {
		if ctx.Err() != nil {
			// Undispatched groups fall through partitionResults as
			// releases; their replies are simply missing.
			break
		}
		results = append(results, s.w.invokeGroup(ctx, group, grouped[group])...)
	}

	batch := s.w.partitionResults(lease, results)
	if !batch.Empty() {
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
			s.releaseLocks(order)
			return
		}
		s.w.observeBatch(batch)
	}
	s.releaseLocks(order)
}

// releaseLocks frees every group that took part in the lease.
func (s *fifoBatchedStrategy) releaseLocks(groups []string) {
	locked := make([]string, 0, len(groups))
	for _, g := range groups {
		if g != "" {
			locked = append(locked, g)
		}
	}
	if len(locked) == 0 {
		return
	}

	ctx, cancel := s.w.detachedContext()
	defer cancel()
	if err := s.w.provider.ReleaseGroupLocks(ctx, locked); err != nil {
		log.Error().Err(err).
			Str("inbox", s.w.name).
			Int("groups", len(locked)).
			Msg("Failed to release group locks, they will expire")
	}
}
