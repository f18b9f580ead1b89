package worker

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"go.inlet.tech/internal/common/metrics"
	"go.inlet.tech/internal/inbox"
	"go.inlet.tech/internal/storage"
)

// deadLetterMaxAttempts is the reason recorded when the retry budget runs
// out.
const deadLetterMaxAttempts = "max attempts exceeded"

// maxAttemptsReason builds the terminal reason for a message whose retry
// budget ran out. The handler's last failure detail (including a recovered
// panic value) is kept after the fixed prefix.
func maxAttemptsReason(detail string) string {
	if detail == "" {
		return deadLetterMaxAttempts
	}
	return deadLetterMaxAttempts + ": " + detail
}

// strategy shapes the lease -> dispatch -> finalize pipeline for one mode.
// dispatch must submit a finalize (or release) for every envelope of the
// lease on every exit path.
type strategy interface {
	dispatch(ctx context.Context, lease []*inbox.Envelope)
}

// invoke runs the registered per-message handler with panic recovery. A
// panicking handler counts as Failed with the panic value as reason.
func (w *Worker) invoke(ctx context.Context, env *inbox.Envelope) (res inbox.HandlerResult) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().
				Str("inbox", w.name).
				Str("messageId", env.ID.String()).
				Interface("panic", r).
				Msg("Handler panicked")
			res = inbox.Failed(fmt.Sprintf("handler panic: %v", r))
		}
	}()

	if !w.waitDispatch(ctx) {
		return inbox.Retry()
	}

	handler := w.registry.Lookup(env.MessageType)
	if handler == nil {
		// Retrying an unroutable message cannot succeed.
		return inbox.MoveToDeadLetter(fmt.Sprintf("no handler registered for message type %q", env.MessageType))
	}

	start := time.Now()
	defer func() {
		metrics.HandlerDuration.WithLabelValues(w.name).Observe(time.Since(start).Seconds())
	}()
	return handler(ctx, env)
}

// invokeBatch runs the batch handler with panic recovery. On panic every
// message of the lease counts as Failed.
func (w *Worker) invokeBatch(ctx context.Context, envs []*inbox.Envelope) (results []inbox.BatchResult) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().
				Str("inbox", w.name).
				Int("count", len(envs)).
				Interface("panic", r).
				Msg("Batch handler panicked")
			results = failAll(envs, fmt.Sprintf("batch handler panic: %v", r))
		}
	}()

	if !w.waitDispatch(ctx) {
		return nil
	}

	start := time.Now()
	defer func() {
		metrics.HandlerDuration.WithLabelValues(w.name).Observe(time.Since(start).Seconds())
	}()
	return w.batch(ctx, envs)
}

// invokeGroup runs the group handler with panic recovery.
func (w *Worker) invokeGroup(ctx context.Context, groupID string, envs []*inbox.Envelope) (results []inbox.BatchResult) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().
				Str("inbox", w.name).
				Str("group", groupID).
				Interface("panic", r).
				Msg("Group handler panicked")
			results = failAll(envs, fmt.Sprintf("group handler panic: %v", r))
		}
	}()

	if !w.waitDispatch(ctx) {
		return nil
	}

	start := time.Now()
	defer func() {
		metrics.HandlerDuration.WithLabelValues(w.name).Observe(time.Since(start).Seconds())
	}()
	return w.group(ctx, groupID, envs)
}

func failAll(envs []*inbox.Envelope, reason string) []inbox.BatchResult {
	results := make([]inbox.BatchResult, 0, len(envs))
	for _, env := range envs {
		results = append(results, inbox.BatchResult{ID: env.ID, Result: inbox.ResultFailed, Reason: reason})
	}
	return results
}

// waitDispatch applies the optional dispatch rate limit. Returns false when
// cancelled while waiting.
func (w *Worker) waitDispatch(ctx context.Context) bool {
	if w.limiter == nil {
		return true
	}
	if err := w.limiter.Wait(ctx); err != nil {
		return false
	}
	return true
}

// exhausted reports whether one more failed attempt crosses the limit.
func (w *Worker) exhausted(env *inbox.Envelope) bool {
	return env.AttemptsCount+1 >= w.opts.MaxAttempts
}

// finalizeOne applies a handler verdict through the per-message provider
// operations. A finalize error is logged loudly and not retried inline; the
// lease expires at the backend and the message is re-delivered.
func (w *Worker) finalizeOne(ctx context.Context, env *inbox.Envelope, res inbox.HandlerResult) {
	// During shutdown the loop context is already cancelled; the finalize
	// still has to be submitted for the drain to count.
	if ctx.Err() != nil {
		detached, cancel := w.detachedContext()
		defer cancel()
		ctx = detached
	}

	var err error
	var outcome string

	switch res.Result {
	case inbox.ResultSuccess:
		err = w.provider.Complete(ctx, env.ID)
		outcome = "completed"
	case inbox.ResultRetry:
		err = w.provider.Release(ctx, env.ID)
		outcome = "retried"
	case inbox.ResultFailed:
		if w.exhausted(env) {
			err = w.provider.ProcessResultsBatch(ctx, storage.FinalizeBatch{
				DeadLetter: []storage.DeadLetterRequest{{ID: env.ID, Reason: maxAttemptsReason(res.Reason), CountAttempt: true}},
			})
			outcome = "dead_lettered"
		} else {
			err = w.provider.Fail(ctx, env.ID)
			outcome = "failed"
		}
	case inbox.ResultMoveToDeadLetter:
		err = w.provider.DeadLetter(ctx, env.ID, res.Reason)
		outcome = "dead_lettered"
	default:
		log.Error().
			Str("inbox", w.name).
			Str("messageId", env.ID.String()).
			Str("result", string(res.Result)).
			Msg("Unknown handler result, releasing message")
		err = w.provider.Release(ctx, env.ID)
		outcome = "retried"
	}

	if err != nil {
		log.Error().Err(err).
			Str("inbox", w.name).
			Str("messageId", env.ID.String()).
			Str("outcome", outcome).
			Msg("Finalize failed, lease will expire and the message will be re-delivered")
		return
	}
	metrics.MessagesProcessed.WithLabelValues(w.name, outcome).Inc()
}

// partitionResults turns batch handler replies into a FinalizeBatch.
// Envelopes without a reply are released (treated as Retry).
func (w *Worker) partitionResults(lease []*inbox.Envelope, results []inbox.BatchResult) storage.FinalizeBatch {
	byID := make(map[uuid.UUID]inbox.BatchResult, len(results))
	for _, r := range results {
		byID[r.ID] = r
	}

	var batch storage.FinalizeBatch
	for _, env := range lease {
		res, ok := byID[env.ID]
		if !ok {
			batch.Release = append(batch.Release, env.ID)
			continue
		}
		switch res.Result {
		case inbox.ResultSuccess:
			batch.Complete = append(batch.Complete, env.ID)
		case inbox.ResultRetry:
			batch.Release = append(batch.Release, env.ID)
		case inbox.ResultFailed:
			if w.exhausted(env) {
				batch.DeadLetter = append(batch.DeadLetter, storage.DeadLetterRequest{
					ID: env.ID, Reason: maxAttemptsReason(res.Reason), CountAttempt: true,
				})
			} else {
				batch.Fail = append(batch.Fail, env.ID)
			}
		case inbox.ResultMoveToDeadLetter:
			batch.DeadLetter = append(batch.DeadLetter, storage.DeadLetterRequest{ID: env.ID, Reason: res.Reason})
		default:
			batch.Release = append(batch.Release, env.ID)
		}
	}
	return batch
}

// observeBatch updates the processed counters after a successful
// ProcessResultsBatch.
func (w *Worker) observeBatch(batch storage.FinalizeBatch) {
	if n := len(batch.Complete); n > 0 {
		metrics.MessagesProcessed.WithLabelValues(w.name, "completed").Add(float64(n))
	}
	if n := len(batch.Fail); n > 0 {
		metrics.MessagesProcessed.WithLabelValues(w.name, "failed").Add(float64(n))
	}
	if n := len(batch.Release); n > 0 {
		metrics.MessagesProcessed.WithLabelValues(w.name, "retried").Add(float64(n))
	}
	if n := len(batch.DeadLetter); n > 0 {
		metrics.MessagesProcessed.WithLabelValues(w.name, "dead_lettered").Add(float64(n))
	}
}
