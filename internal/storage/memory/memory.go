// Package memory provides an in-process Provider implementation. It backs
// embedded single-process deployments and serves as the semantics reference
// for the worker, writer and strategy tests.
package memory

import (
	"bytes"
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"go.inlet.tech/internal/inbox"
	"go.inlet.tech/internal/storage"
)

type record struct {
	msg        inbox.Message
	capturedAt time.Time
	capturedBy string
}

type groupLock struct {
	owner    string
	lockedAt time.Time
}

// Store is an in-memory storage.Provider. All operations are serialized by
// one mutex, which trivially satisfies the protocol's atomicity rules.
type Store struct {
	cfg storage.Config

	mu       sync.Mutex
	msgs     map[uuid.UUID]*record
	collapse map[string]uuid.UUID
	dedup    map[string]time.Time
	locks    map[string]groupLock
	dlq      []*inbox.DeadLetterEntry
}

// New creates an empty in-memory store for one inbox.
func New(cfg storage.Config) *Store {
	cfg = cfg.WithDefaults()
	return &Store{
		cfg:      cfg,
		msgs:     make(map[uuid.UUID]*record),
		collapse: make(map[string]uuid.UUID),
		dedup:    make(map[string]time.Time),
		locks:    make(map[string]groupLock),
	}
}

func (s *Store) now() time.Time {
	return s.cfg.Clock.Now()
}

func (s *Store) leased(r *record, now time.Time) bool {
	return !r.capturedAt.IsZero() && now.Before(r.capturedAt.Add(s.cfg.MaxProcessingTime))
}

// WriteOne persists one message with dedup and collapse enforcement.
func (s *Store) WriteOne(ctx context.Context, msg *inbox.Message) (storage.WriteOutcome, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writeLocked(msg), nil
}

// WriteBatch persists several messages in one atomic step, skipping
// deduplicated entries.
func (s *Store) WriteBatch(ctx context.Context, msgs []*inbox.Message) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	inserted := 0
	for _, msg := range msgs {
		if s.writeLocked(msg) == storage.Inserted {
			inserted++
		}
	}
	return inserted, nil
}

func (s *Store) writeLocked(msg *inbox.Message) storage.WriteOutcome {
	now := s.now()

	if s.cfg.DeduplicationEnabled && msg.DeduplicationID != "" {
		if created, ok := s.dedup[msg.DeduplicationID]; ok {
			if now.Before(created.Add(s.cfg.DeduplicationInterval)) {
				return storage.Duplicate
			}
		}
		s.dedup[msg.DeduplicationID] = now
	}

	if msg.CollapseKey != "" {
		if oldID, ok := s.collapse[msg.CollapseKey]; ok {
			if old, exists := s.msgs[oldID]; exists && !s.leased(old, now) {
				delete(s.msgs, oldID)
			}
		}
		s.collapse[msg.CollapseKey] = msg.ID
	}

	cp := *msg
	s.msgs[msg.ID] = &record{msg: cp}
	return storage.Inserted
}

// ReadAndCapture leases eligible messages to processorID in arrival order.
func (s *Store) ReadAndCapture(ctx context.Context, processorID string) ([]*inbox.Envelope, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()

	// Groups held by another worker with an unexpired lock are off limits.
	blocked := make(map[string]bool)
	if s.cfg.FIFO {
		for group, lock := range s.locks {
			if lock.owner != processorID && now.Before(lock.lockedAt.Add(s.cfg.MaxProcessingTime)) {
				blocked[group] = true
			}
		}
	}

	eligible := make([]*record, 0, len(s.msgs))
	for _, r := range s.msgs {
		if !s.leased(r, now) {
			eligible = append(eligible, r)
		}
	}
	sort.Slice(eligible, func(i, j int) bool {
		a, b := eligible[i].msg, eligible[j].msg
		if !a.ReceivedAt.Equal(b.ReceivedAt) {
			return a.ReceivedAt.Before(b.ReceivedAt)
		}
		return bytes.Compare(a.ID[:], b.ID[:]) < 0
	})

	var envs []*inbox.Envelope
	for _, r := range eligible {
		if len(envs) >= s.cfg.ReadBatchSize {
			break
		}
		if s.cfg.FIFO && r.msg.GroupID != "" && blocked[r.msg.GroupID] {
			continue
		}

		r.capturedAt = now
		r.capturedBy = processorID
		if s.cfg.FIFO && r.msg.GroupID != "" {
			s.locks[r.msg.GroupID] = groupLock{owner: processorID, lockedAt: now}
		}
		envs = append(envs, envelope(r))
	}
	return envs, nil
}

func envelope(r *record) *inbox.Envelope {
	return &inbox.Envelope{
		ID:              r.msg.ID,
		InboxName:       r.msg.InboxName,
		MessageType:     r.msg.MessageType,
		Payload:         r.msg.Payload,
		GroupID:         r.msg.GroupID,
		CollapseKey:     r.msg.CollapseKey,
		DeduplicationID: r.msg.DeduplicationID,
		AttemptsCount:   r.msg.AttemptsCount,
		ReceivedAt:      r.msg.ReceivedAt,
		CapturedAt:      r.capturedAt,
		CapturedBy:      r.capturedBy,
	}
}

// Complete deletes a message. Missing ids are a no-op.
func (s *Store) Complete(ctx context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.completeLocked(id)
	return nil
}

func (s *Store) completeLocked(id uuid.UUID) {
	r, ok := s.msgs[id]
	if !ok {
		return
	}
	delete(s.msgs, id)
	s.clearCollapseLocked(&r.msg)
}

func (s *Store) clearCollapseLocked(msg *inbox.Message) {
	if msg.CollapseKey == "" {
		return
	}
	if holder, ok := s.collapse[msg.CollapseKey]; ok && holder == msg.ID {
		delete(s.collapse, msg.CollapseKey)
	}
}

// Fail releases a message and counts the attempt.
func (s *Store) Fail(ctx context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failLocked(id)
	return nil
}

func (s *Store) failLocked(id uuid.UUID) {
	r, ok := s.msgs[id]
	if !ok {
		return
	}
	if s.supersededLocked(r) {
		delete(s.msgs, id)
		return
	}
	r.capturedAt = time.Time{}
	r.capturedBy = ""
	r.msg.AttemptsCount++
}

// Release clears the lease without counting an attempt.
func (s *Store) Release(ctx context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.releaseLocked(id)
	return nil
}

func (s *Store) releaseLocked(id uuid.UUID) {
	r, ok := s.msgs[id]
	if !ok {
		return
	}
	if s.supersededLocked(r) {
		delete(s.msgs, id)
		return
	}
	r.capturedAt = time.Time{}
	r.capturedBy = ""
}

// supersededLocked reports whether a newer pending message took over the
// record's collapse slot while it was leased. Such a record must not return
// to pending next to its replacement.
func (s *Store) supersededLocked(r *record) bool {
	if r.msg.CollapseKey == "" {
		return false
	}
	holder, ok := s.collapse[r.msg.CollapseKey]
	if !ok || holder == r.msg.ID {
		return false
	}
	other, alive := s.msgs[holder]
	return alive && other.capturedAt.IsZero()
}

// DeadLetter moves a message to the dead-letter namespace.
func (s *Store) DeadLetter(ctx context.Context, id uuid.UUID, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deadLetterLocked(storage.DeadLetterRequest{ID: id, Reason: reason})
	return nil
}

func (s *Store) deadLetterLocked(req storage.DeadLetterRequest) {
	r, ok := s.msgs[req.ID]
	if !ok {
		return
	}
	delete(s.msgs, req.ID)
	s.clearCollapseLocked(&r.msg)
	if req.CountAttempt {
		r.msg.AttemptsCount++
	}

	if !s.cfg.DeadLetterEnabled {
		return
	}
	s.dlq = append(s.dlq, &inbox.DeadLetterEntry{
		ID:              r.msg.ID,
		InboxName:       r.msg.InboxName,
		MessageType:     r.msg.MessageType,
		Payload:         r.msg.Payload,
		GroupID:         r.msg.GroupID,
		CollapseKey:     r.msg.CollapseKey,
		DeduplicationID: r.msg.DeduplicationID,
		AttemptsCount:   r.msg.AttemptsCount,
		ReceivedAt:      r.msg.ReceivedAt,
		FailureReason:   req.Reason,
		MovedAt:         s.now(),
	})
}

// ProcessResultsBatch applies a full finalize batch atomically.
func (s *Store) ProcessResultsBatch(ctx context.Context, batch storage.FinalizeBatch) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, id := range batch.Complete {
		s.completeLocked(id)
	}
	for _, id := range batch.Fail {
		s.failLocked(id)
	}
	for _, id := range batch.Release {
		s.releaseLocked(id)
	}
	for _, req := range batch.DeadLetter {
		s.deadLetterLocked(req)
	}
	return nil
}

// ExtendLocks refreshes message and group lock deadlines owned by
// processorID.
func (s *Store) ExtendLocks(ctx context.Context, processorID string, entries []storage.LockEntry, deadline time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	extended := 0
	groups := make(map[string]bool)
	for _, e := range entries {
		if r, ok := s.msgs[e.ID]; ok && r.capturedBy == processorID && !r.capturedAt.IsZero() {
			r.capturedAt = deadline
			extended++
		}
		if e.GroupID != "" {
			groups[e.GroupID] = true
		}
	}
	for group := range groups {
		if lock, ok := s.locks[group]; ok && lock.owner == processorID {
			lock.lockedAt = deadline
			s.locks[group] = lock
		}
	}
	return extended, nil
}

// ReleaseGroupLocks drops group locks unconditionally.
func (s *Store) ReleaseGroupLocks(ctx context.Context, groupIDs []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, g := range groupIDs {
		delete(s.locks, g)
	}
	return nil
}

// ReleaseMessagesAndGroupLocks releases leases and drops locks in one step.
func (s *Store) ReleaseMessagesAndGroupLocks(ctx context.Context, ids []uuid.UUID, groupIDs []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range ids {
		s.releaseLocked(id)
	}
	for _, g := range groupIDs {
		delete(s.locks, g)
	}
	return nil
}

// ReadDeadLetters returns dead-letter entries, oldest first.
func (s *Store) ReadDeadLetters(ctx context.Context, limit int) ([]*inbox.DeadLetterEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries := make([]*inbox.DeadLetterEntry, len(s.dlq))
	copy(entries, s.dlq)
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].MovedAt.Before(entries[j].MovedAt)
	})
	if limit > 0 && len(entries) > limit {
		entries = entries[:limit]
	}
	return entries, nil
}

// HealthMetrics counts the backlog; expired leases count as pending.
func (s *Store) HealthMetrics(ctx context.Context) (storage.HealthMetrics, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	var m storage.HealthMetrics
	m.DeadLetterCount = int64(len(s.dlq))

	for _, r := range s.msgs {
		if s.leased(r, now) {
			m.CapturedCount++
			continue
		}
		m.PendingCount++
		if m.OldestPendingReceivedAt.IsZero() || r.msg.ReceivedAt.Before(m.OldestPendingReceivedAt) {
			m.OldestPendingReceivedAt = r.msg.ReceivedAt
		}
	}
	return m, nil
}

// CleanupDedup deletes deduplication records created before cutoff.
func (s *Store) CleanupDedup(ctx context.Context, cutoff time.Time, limit int) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var deleted int64
	for id, created := range s.dedup {
		if limit > 0 && deleted >= int64(limit) {
			break
		}
		if created.Before(cutoff) {
			delete(s.dedup, id)
			deleted++
		}
	}
	return deleted, nil
}

// CleanupDeadLetters deletes dead-letter entries moved before cutoff.
func (s *Store) CleanupDeadLetters(ctx context.Context, cutoff time.Time, limit int) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	kept := s.dlq[:0]
	var deleted int64
	for _, e := range s.dlq {
		if e.MovedAt.Before(cutoff) && (limit <= 0 || deleted < int64(limit)) {
			deleted++
			continue
		}
		kept = append(kept, e)
	}
	s.dlq = kept
	return deleted, nil
}

// CleanupGroupLocks deletes locks whose deadline has passed.
func (s *Store) CleanupGroupLocks(ctx context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	var deleted int64
	for group, lock := range s.locks {
		if !now.Before(lock.lockedAt.Add(s.cfg.MaxProcessingTime)) {
			delete(s.locks, group)
			deleted++
		}
	}
	return deleted, nil
}
