package worker

import (
	"context"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"go.inlet.tech/internal/inbox"
)

// fifoStrategy dispatches sequentially in arrival order. A Retry or a
// non-terminal Failed aborts the rest of that message's group within the
// lease, so the failed message is re-leased before any successor runs.
// Group locks are released as soon as a group's share of the lease is fully
// finalized.
type fifoStrategy struct {
	w *Worker
}

func (s *fifoStrategy) dispatch(ctx context.Context, lease []*inbox.Envelope) {
	remaining := make(map[string]int)
	for _, env := range lease {
		remaining[env.GroupID]++
	}

	aborted := make(map[string][]uuid.UUID)

	for i, env := range lease {
		if ctx.Err() != nil {
			s.releaseRest(lease[i:], aborted)
			return
		}

		group := env.GroupID
		if group != "" {
			if ids, isAborted := aborted[group]; isAborted {
				aborted[group] = append(ids, env.ID)
				remaining[group]--
				if remaining[group] == 0 {
					s.freeAbortedGroup(ctx, group, aborted[group])
					delete(aborted, group)
				}
				continue
			}
		}

		res := s.w.invoke(ctx, env)
		s.w.finalizeOne(ctx, env, res)
		remaining[group]--

		if group == "" {
			continue
		}

		// A message going back to pending blocks its successors: they
		// must not run before it.
		if s.backToPending(env, res) {
			aborted[group] = []uuid.UUID{}
		}

		if remaining[group] == 0 {
			if ids, isAborted := aborted[group]; isAborted {
				s.freeAbortedGroup(ctx, group, ids)
				delete(aborted, group)
			} else {
				s.freeGroup(ctx, group)
			}
		}
	}
}

// backToPending reports whether the verdict returned the message to the
// pending set.
func (s *fifoStrategy) backToPending(env *inbox.Envelope, res inbox.HandlerResult) bool {
	switch res.Result {
	case inbox.ResultRetry:
		return true
	case inbox.ResultFailed:
		return !s.w.exhausted(env)
	default:
		return false
	}
}

// freeGroup drops the lock of a group that ran to completion in this lease.
func (s *fifoStrategy) freeGroup(ctx context.Context, group string) {
	if ctx.Err() != nil {
		detached, cancel := s.w.detachedContext()
		defer cancel()
		ctx = detached
	}
	if err := s.w.provider.ReleaseGroupLocks(ctx, []string{group}); err != nil {
		log.Error().Err(err).
			Str("inbox", s.w.name).
			Str("group", group).
			Msg("Failed to release group lock, it will expire")
	}
}

// freeAbortedGroup returns a group's undispatched messages to the pending
// set and drops its lock in one atomic step.
func (s *fifoStrategy) freeAbortedGroup(ctx context.Context, group string, ids []uuid.UUID) {
	if ctx.Err() != nil {
		detached, cancel := s.w.detachedContext()
		defer cancel()
		ctx = detached
	}
	if err := s.w.provider.ReleaseMessagesAndGroupLocks(ctx, ids, []string{group}); err != nil {
		log.Error().Err(err).
			Str("inbox", s.w.name).
			Str("group", group).
			Int("messages", len(ids)).
			Msg("Failed to release aborted group, lock will expire")
	}
}

// releaseRest returns undispatched and aborted messages to the pending set
// and drops the locks of every group involved. Best effort, used on
// cancellation.
func (s *fifoStrategy) releaseRest(rest []*inbox.Envelope, aborted map[string][]uuid.UUID) {
	var ids []uuid.UUID
	groups := make(map[string]bool)
	for group, abortedIDs := range aborted {
		ids = append(ids, abortedIDs...)
		groups[group] = true
	}
	for _, env := range rest {
		ids = append(ids, env.ID)
		if env.GroupID != "" {
			groups[env.GroupID] = true
		}
	}
	if len(ids) == 0 && len(groups) == 0 {
		return
	}

	groupList := make([]string, 0, len(groups))
	for g := range groups {
		groupList = append(groupList, g)
	}

	ctx, cancel := s.w.detachedContext()
	defer cancel()
	if err := s.w.provider.ReleaseMessagesAndGroupLocks(ctx, ids, groupList); err != nil {
		log.Warn().Err(err).
			Str("inbox", s.w.name).
			Int("messages", len(ids)).
			Int("groups", len(groupList)).
			Msg("Failed to release lease remainder during shutdown")
	}
}
