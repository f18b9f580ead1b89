// Package storage defines the durable protocol every inbox backend must
// speak: atomic write with deduplication and collapsing, lease
// (read-and-capture), finalization, lock extension and cleanup. Backends
// live in the subpackages memory, postgres, redisstore and mongostore.
package storage

import (
	"context"
	"time"

	"github.com/google/uuid"

	"go.inlet.tech/internal/inbox"
)

// WriteOutcome reports what a write did.
type WriteOutcome int

const (
	// Inserted means the message was persisted.
	Inserted WriteOutcome = iota
	// Duplicate means the write was rejected by an active deduplication
	// record. Not an error.
	Duplicate
)

// LockEntry names one leased message and, for FIFO modes, its group.
type LockEntry struct {
	ID      uuid.UUID
	GroupID string
}

// DeadLetterRequest asks for one message to be dead-lettered.
type DeadLetterRequest struct {
	ID     uuid.UUID
	Reason string

	// CountAttempt records the final failed attempt in the snapshot. Set
	// when a Failed verdict crossed the attempt limit, so the dead-letter
	// entry shows the attempt that killed the message.
	CountAttempt bool
}

// FinalizeBatch is the combined finalization request applied atomically by
// ProcessResultsBatch.
type FinalizeBatch struct {
	Complete   []uuid.UUID
	Fail       []uuid.UUID
	Release    []uuid.UUID
	DeadLetter []DeadLetterRequest
}

// Empty reports whether the batch contains no work.
func (b FinalizeBatch) Empty() bool {
	return len(b.Complete) == 0 && len(b.Fail) == 0 && len(b.Release) == 0 && len(b.DeadLetter) == 0
}

// HealthMetrics is a point-in-time snapshot of an inbox's backlog. Messages
// whose lease has expired count as pending, not captured.
type HealthMetrics struct {
	PendingCount    int64
	CapturedCount   int64
	DeadLetterCount int64

	// OldestPendingReceivedAt is zero when the inbox has no pending
	// messages.
	OldestPendingReceivedAt time.Time
}

// Provider is the single source of durable truth for one inbox. Every
// operation is all-or-nothing: a backend that cannot guarantee atomicity for
// a call must return an error and leave no partial state behind.
//
// Ownership no-ops are not errors: completing a missing message, extending a
// lock the caller does not own, or releasing an unheld group lock all
// succeed quietly.
type Provider interface {
	// WriteOne persists a message, atomically claiming its deduplication id
	// (when set and enabled) and removing any older uncaptured message
	// sharing its collapse key.
	WriteOne(ctx context.Context, msg *inbox.Message) (WriteOutcome, error)

	// WriteBatch applies WriteOne semantics per message in a single atomic
	// batch. Deduplicated entries are skipped silently; the count of
	// inserted messages is returned.
	WriteBatch(ctx context.Context, msgs []*inbox.Message) (int, error)

	// ReadAndCapture leases up to the configured batch size of eligible
	// messages to processorID, in ReceivedAt order with ties broken by id.
	// For FIFO inboxes the participating group locks are acquired in the
	// same atomic step, and messages of groups held by other workers are
	// skipped. Concurrent callers never receive overlapping results.
	ReadAndCapture(ctx context.Context, processorID string) ([]*inbox.Envelope, error)

	// Complete deletes a message and clears its collapse slot.
	Complete(ctx context.Context, id uuid.UUID) error

	// Fail clears the lease, increments the attempt counter and refreshes
	// the message's liveness TTL on TTL-based backends.
	Fail(ctx context.Context, id uuid.UUID) error

	// Release clears the lease without counting an attempt.
	Release(ctx context.Context, id uuid.UUID) error

	// DeadLetter removes a message from the main namespace and, when the
	// dead-letter queue is enabled, snapshots it there with the reason.
	DeadLetter(ctx context.Context, id uuid.UUID, reason string) error

	// ProcessResultsBatch applies a FinalizeBatch atomically. This is the
	// canonical finalization path for the batched modes.
	ProcessResultsBatch(ctx context.Context, batch FinalizeBatch) error

	// ExtendLocks moves CapturedAt to deadline for every entry still owned
	// by processorID and refreshes the lock deadline of every distinct
	// group present. Returns the number of message locks extended.
	ExtendLocks(ctx context.Context, processorID string, entries []LockEntry, deadline time.Time) (int, error)

	// ReleaseGroupLocks drops group locks unconditionally. Idempotent.
	ReleaseGroupLocks(ctx context.Context, groupIDs []string) error

	// ReleaseMessagesAndGroupLocks releases leases and drops group locks in
	// one atomic step, without counting attempts.
	ReleaseMessagesAndGroupLocks(ctx context.Context, ids []uuid.UUID, groupIDs []string) error

	// ReadDeadLetters returns up to limit dead-letter entries, oldest
	// first.
	ReadDeadLetters(ctx context.Context, limit int) ([]*inbox.DeadLetterEntry, error)

	// HealthMetrics returns the inbox's backlog snapshot.
	HealthMetrics(ctx context.Context) (HealthMetrics, error)

	// CleanupDedup deletes up to limit deduplication records created
	// before cutoff. Backends with native TTL expiry return 0.
	CleanupDedup(ctx context.Context, cutoff time.Time, limit int) (int64, error)

	// CleanupDeadLetters deletes up to limit dead-letter entries moved
	// before cutoff.
	CleanupDeadLetters(ctx context.Context, cutoff time.Time, limit int) (int64, error)

	// CleanupGroupLocks deletes group locks whose deadline has passed.
	// Backends with native TTL expiry return 0.
	CleanupGroupLocks(ctx context.Context) (int64, error)
}

// Config carries the per-inbox settings a backend needs to enforce the
// protocol. Derived from inbox.Options at construction time.
type Config struct {
	// InboxName scopes the backend's keyspace.
	InboxName string

	// FIFO enables group locking during capture.
	FIFO bool

	// ReadBatchSize caps the lease size.
	ReadBatchSize int

	// MaxProcessingTime is the lease and group-lock deadline.
	MaxProcessingTime time.Duration

	// DeduplicationEnabled turns on the write-path deduplication check.
	DeduplicationEnabled bool

	// DeduplicationInterval is the dedup record lifetime.
	DeduplicationInterval time.Duration

	// DeadLetterEnabled keeps terminal failures; when false DeadLetter
	// deletes outright.
	DeadLetterEnabled bool

	// DeadLetterLifetime bounds dead-letter retention on TTL backends.
	DeadLetterLifetime time.Duration

	// ScanMultiplier bounds the candidate scan of KV capture as a multiple
	// of ReadBatchSize. Defaults to 3, or 5 for FIFO inboxes.
	ScanMultiplier int

	// MessageTTL is the liveness TTL of message records on TTL backends.
	MessageTTL time.Duration

	// Clock supplies all deadline comparisons. Defaults to the wall clock.
	Clock Clock
}

// FromOptions derives a backend Config from inbox options.
func FromOptions(name string, opts inbox.Options) Config {
	cfg := Config{
		InboxName:             name,
		FIFO:                  opts.Mode.IsFIFO(),
		ReadBatchSize:         opts.ReadBatchSize,
		MaxProcessingTime:     opts.MaxProcessingTime,
		DeduplicationEnabled:  opts.EnableDeduplication,
		DeduplicationInterval: opts.DeduplicationInterval,
		DeadLetterEnabled:     opts.EnableDeadLetter,
		DeadLetterLifetime:    opts.DeadLetterMaxMessageLifetime,
	}
	return cfg.WithDefaults()
}

// WithDefaults returns a copy of c with zero values replaced by defaults.
// Backends call this in their constructors.
func (c Config) WithDefaults() Config {
	if c.ReadBatchSize == 0 {
		c.ReadBatchSize = 100
	}
	if c.MaxProcessingTime == 0 {
		c.MaxProcessingTime = 5 * time.Minute
	}
	if c.ScanMultiplier == 0 {
		if c.FIFO {
			c.ScanMultiplier = 5
		} else {
			c.ScanMultiplier = 3
		}
	}
	if c.MessageTTL == 0 {
		c.MessageTTL = 7 * 24 * time.Hour
	}
	if c.Clock == nil {
		c.Clock = SystemClock{}
	}
	return c
}
