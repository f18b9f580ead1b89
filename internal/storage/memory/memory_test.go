package memory

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go.inlet.tech/internal/inbox"
	"go.inlet.tech/internal/storage"
)

func testConfig(clock storage.Clock) storage.Config {
	return storage.Config{
		InboxName:             "orders",
		ReadBatchSize:         10,
		MaxProcessingTime:     5 * time.Minute,
		DeduplicationEnabled:  true,
		DeduplicationInterval: time.Hour,
		DeadLetterEnabled:     true,
		Clock:                 clock,
	}
}

func newMessage(name string, received time.Time) *inbox.Message {
	return &inbox.Message{
		ID:          uuid.New(),
		InboxName:   "orders",
		MessageType: "order.created",
		Payload:     []byte(`{"n":1}`),
		ReceivedAt:  received,
	}
}

func TestWriteAndCaptureOrdering(t *testing.T) {
	clock := storage.NewFakeClock(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	s := New(testConfig(clock))
	ctx := context.Background()

	base := clock.Now()
	var ids []uuid.UUID
	for i := 0; i < 5; i++ {
		msg := newMessage("orders", base.Add(time.Duration(i)*time.Second))
		ids = append(ids, msg.ID)
		outcome, err := s.WriteOne(ctx, msg)
		require.NoError(t, err)
		assert.Equal(t, storage.Inserted, outcome)
	}

	envs, err := s.ReadAndCapture(ctx, "worker-1")
	require.NoError(t, err)
	require.Len(t, envs, 5)
	for i, env := range envs {
		assert.Equal(t, ids[i], env.ID)
		assert.Equal(t, "worker-1", env.CapturedBy)
		assert.Equal(t, clock.Now(), env.CapturedAt)
	}

	// Everything is leased now; a second capture comes back empty.
	envs, err = s.ReadAndCapture(ctx, "worker-2")
	require.NoError(t, err)
	assert.Empty(t, envs)
}

func TestCaptureRespectsBatchSize(t *testing.T) {
	clock := storage.NewFakeClock(time.Now())
	cfg := testConfig(clock)
	cfg.ReadBatchSize = 2
	s := New(cfg)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_, err := s.WriteOne(ctx, newMessage("orders", clock.Now().Add(time.Duration(i)*time.Millisecond)))
		require.NoError(t, err)
	}

	envs, err := s.ReadAndCapture(ctx, "w")
	require.NoError(t, err)
	assert.Len(t, envs, 2)
}

func TestDeduplicationWindow(t *testing.T) {
	clock := storage.NewFakeClock(time.Now())
	s := New(testConfig(clock))
	ctx := context.Background()

	first := newMessage("orders", clock.Now())
	first.DeduplicationID = "dedup-1"
	outcome, err := s.WriteOne(ctx, first)
	require.NoError(t, err)
	assert.Equal(t, storage.Inserted, outcome)

	second := newMessage("orders", clock.Now().Add(time.Minute))
	second.DeduplicationID = "dedup-1"
	outcome, err = s.WriteOne(ctx, second)
	require.NoError(t, err)
	assert.Equal(t, storage.Duplicate, outcome)

	// Past the window the id may be claimed again.
	clock.Advance(2 * time.Hour)
	third := newMessage("orders", clock.Now())
	third.DeduplicationID = "dedup-1"
	outcome, err = s.WriteOne(ctx, third)
	require.NoError(t, err)
	assert.Equal(t, storage.Inserted, outcome)
}

func TestCollapseReplacesPendingMessage(t *testing.T) {
	clock := storage.NewFakeClock(time.Now())
	s := New(testConfig(clock))
	ctx := context.Background()

	older := newMessage("orders", clock.Now())
	older.CollapseKey = "cart-42"
	_, err := s.WriteOne(ctx, older)
	require.NoError(t, err)

	newer := newMessage("orders", clock.Now().Add(time.Second))
	newer.CollapseKey = "cart-42"
	_, err = s.WriteOne(ctx, newer)
	require.NoError(t, err)

	envs, err := s.ReadAndCapture(ctx, "w")
	require.NoError(t, err)
	require.Len(t, envs, 1)
	assert.Equal(t, newer.ID, envs[0].ID)
}

func TestCollapsePreservesLeasedMessage(t *testing.T) {
	clock := storage.NewFakeClock(time.Now())
	s := New(testConfig(clock))
	ctx := context.Background()

	older := newMessage("orders", clock.Now())
	older.CollapseKey = "cart-42"
	_, err := s.WriteOne(ctx, older)
	require.NoError(t, err)

	envs, err := s.ReadAndCapture(ctx, "w")
	require.NoError(t, err)
	require.Len(t, envs, 1)

	newer := newMessage("orders", clock.Now().Add(time.Second))
	newer.CollapseKey = "cart-42"
	_, err = s.WriteOne(ctx, newer)
	require.NoError(t, err)

	// The leased older message survives; the newer one is pending.
	metrics, err := s.HealthMetrics(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), metrics.CapturedCount)
	assert.Equal(t, int64(1), metrics.PendingCount)
}

func TestReleaseDropsSupersededCollapseHolder(t *testing.T) {
	clock := storage.NewFakeClock(time.Now())
	s := New(testConfig(clock))
	ctx := context.Background()

	older := newMessage("orders", clock.Now())
	older.CollapseKey = "cart-42"
	_, err := s.WriteOne(ctx, older)
	require.NoError(t, err)

	envs, err := s.ReadAndCapture(ctx, "w")
	require.NoError(t, err)
	require.Len(t, envs, 1)

	newer := newMessage("orders", clock.Now().Add(time.Second))
	newer.CollapseKey = "cart-42"
	_, err = s.WriteOne(ctx, newer)
	require.NoError(t, err)

	// The older holder lost its slot while leased. Releasing it must not
	// leave two pending messages under one collapse key.
	require.NoError(t, s.Release(ctx, older.ID))

	envs, err = s.ReadAndCapture(ctx, "w")
	require.NoError(t, err)
	require.Len(t, envs, 1)
	assert.Equal(t, newer.ID, envs[0].ID)

	metrics, err := s.HealthMetrics(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), metrics.CapturedCount)
	assert.Equal(t, int64(0), metrics.PendingCount)
}

func TestLeaseExpiryAllowsRecapture(t *testing.T) {
	clock := storage.NewFakeClock(time.Now())
	s := New(testConfig(clock))
	ctx := context.Background()

	msg := newMessage("orders", clock.Now())
	_, err := s.WriteOne(ctx, msg)
	require.NoError(t, err)

	envs, err := s.ReadAndCapture(ctx, "worker-1")
	require.NoError(t, err)
	require.Len(t, envs, 1)

	clock.Advance(6 * time.Minute)

	envs, err = s.ReadAndCapture(ctx, "worker-2")
	require.NoError(t, err)
	require.Len(t, envs, 1)
	assert.Equal(t, msg.ID, envs[0].ID)
	assert.Equal(t, "worker-2", envs[0].CapturedBy)
}

func TestFIFOGroupExclusion(t *testing.T) {
	clock := storage.NewFakeClock(time.Now())
	cfg := testConfig(clock)
	cfg.FIFO = true
	cfg.ReadBatchSize = 2
	s := New(cfg)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		msg := newMessage("orders", clock.Now().Add(time.Duration(i)*time.Second))
		msg.GroupID = "g1"
		_, err := s.WriteOne(ctx, msg)
		require.NoError(t, err)
	}
	other := newMessage("orders", clock.Now().Add(10*time.Second))
	other.GroupID = "g2"
	_, err := s.WriteOne(ctx, other)
	require.NoError(t, err)

	envs, err := s.ReadAndCapture(ctx, "worker-1")
	require.NoError(t, err)
	require.Len(t, envs, 2)
	assert.Equal(t, "g1", envs[0].GroupID)
	assert.Equal(t, "g1", envs[1].GroupID)

	// g1 is locked to worker-1; worker-2 only sees g2.
	envs, err = s.ReadAndCapture(ctx, "worker-2")
	require.NoError(t, err)
	require.Len(t, envs, 1)
	assert.Equal(t, "g2", envs[0].GroupID)

	// worker-1 may take more of its own group.
	envs, err = s.ReadAndCapture(ctx, "worker-1")
	require.NoError(t, err)
	require.Len(t, envs, 1)
	assert.Equal(t, "g1", envs[0].GroupID)

	// Releasing the lock frees the group once its leases are gone too.
	require.NoError(t, s.ReleaseMessagesAndGroupLocks(ctx,
		[]uuid.UUID{}, []string{"g1"}))
}

func TestFailIncrementsAttempts(t *testing.T) {
	clock := storage.NewFakeClock(time.Now())
	s := New(testConfig(clock))
	ctx := context.Background()

	msg := newMessage("orders", clock.Now())
	_, err := s.WriteOne(ctx, msg)
	require.NoError(t, err)

	envs, err := s.ReadAndCapture(ctx, "w")
	require.NoError(t, err)
	require.Len(t, envs, 1)
	assert.Equal(t, 0, envs[0].AttemptsCount)

	require.NoError(t, s.Fail(ctx, msg.ID))

	envs, err = s.ReadAndCapture(ctx, "w")
	require.NoError(t, err)
	require.Len(t, envs, 1)
	assert.Equal(t, 1, envs[0].AttemptsCount)

	// Release does not count attempts.
	require.NoError(t, s.Release(ctx, msg.ID))
	envs, err = s.ReadAndCapture(ctx, "w")
	require.NoError(t, err)
	require.Len(t, envs, 1)
	assert.Equal(t, 1, envs[0].AttemptsCount)
}

func TestDeadLetterSnapshot(t *testing.T) {
	clock := storage.NewFakeClock(time.Now())
	s := New(testConfig(clock))
	ctx := context.Background()

	msg := newMessage("orders", clock.Now())
	_, err := s.WriteOne(ctx, msg)
	require.NoError(t, err)
	_, err = s.ReadAndCapture(ctx, "w")
	require.NoError(t, err)

	require.NoError(t, s.DeadLetter(ctx, msg.ID, "max attempts exceeded"))

	entries, err := s.ReadDeadLetters(ctx, 10)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, msg.ID, entries[0].ID)
	assert.Equal(t, "max attempts exceeded", entries[0].FailureReason)
	assert.Equal(t, clock.Now(), entries[0].MovedAt)

	metrics, err := s.HealthMetrics(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), metrics.PendingCount)
	assert.Equal(t, int64(0), metrics.CapturedCount)
	assert.Equal(t, int64(1), metrics.DeadLetterCount)
}

func TestDeadLetterDisabledDeletes(t *testing.T) {
	clock := storage.NewFakeClock(time.Now())
	cfg := testConfig(clock)
	cfg.DeadLetterEnabled = false
	s := New(cfg)
	ctx := context.Background()

	msg := newMessage("orders", clock.Now())
	_, err := s.WriteOne(ctx, msg)
	require.NoError(t, err)

	require.NoError(t, s.DeadLetter(ctx, msg.ID, "gone"))

	entries, err := s.ReadDeadLetters(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestProcessResultsBatch(t *testing.T) {
	clock := storage.NewFakeClock(time.Now())
	s := New(testConfig(clock))
	ctx := context.Background()

	a := newMessage("orders", clock.Now())
	b := newMessage("orders", clock.Now().Add(time.Second))
	c := newMessage("orders", clock.Now().Add(2*time.Second))
	for _, m := range []*inbox.Message{a, b, c} {
		_, err := s.WriteOne(ctx, m)
		require.NoError(t, err)
	}
	_, err := s.ReadAndCapture(ctx, "w")
	require.NoError(t, err)

	err = s.ProcessResultsBatch(ctx, storage.FinalizeBatch{
		Complete:   []uuid.UUID{a.ID},
		Release:    []uuid.UUID{b.ID},
		DeadLetter: []storage.DeadLetterRequest{{ID: c.ID, Reason: "boom"}},
	})
	require.NoError(t, err)

	envs, err := s.ReadAndCapture(ctx, "w")
	require.NoError(t, err)
	require.Len(t, envs, 1)
	assert.Equal(t, b.ID, envs[0].ID)

	entries, err := s.ReadDeadLetters(ctx, 10)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, c.ID, entries[0].ID)
}

func TestExtendLocksOwnershipCheck(t *testing.T) {
	clock := storage.NewFakeClock(time.Now())
	cfg := testConfig(clock)
	cfg.FIFO = true
	s := New(cfg)
	ctx := context.Background()

	msg := newMessage("orders", clock.Now())
	msg.GroupID = "g1"
	_, err := s.WriteOne(ctx, msg)
	require.NoError(t, err)

	envs, err := s.ReadAndCapture(ctx, "worker-1")
	require.NoError(t, err)
	require.Len(t, envs, 1)

	deadline := clock.Now().Add(5 * time.Minute)
	entries := []storage.LockEntry{{ID: msg.ID, GroupID: "g1"}}

	extended, err := s.ExtendLocks(ctx, "worker-2", entries, deadline)
	require.NoError(t, err)
	assert.Equal(t, 0, extended, "foreign processor must not extend")

	extended, err = s.ExtendLocks(ctx, "worker-1", entries, deadline)
	require.NoError(t, err)
	assert.Equal(t, 1, extended)

	// The extended lease survives past the original deadline.
	clock.Advance(6 * time.Minute)
	got, err := s.ReadAndCapture(ctx, "worker-2")
	require.NoError(t, err)
	assert.Empty(t, got, "lease extended, still held by worker-1")

	// Once the extended deadline passes too, the message is up for grabs.
	clock.Advance(5 * time.Minute)
	got, err = s.ReadAndCapture(ctx, "worker-2")
	require.NoError(t, err)
	assert.Len(t, got, 1)
}

func TestHealthMetricsCountsExpiredLeasesAsPending(t *testing.T) {
	clock := storage.NewFakeClock(time.Now())
	s := New(testConfig(clock))
	ctx := context.Background()

	msg := newMessage("orders", clock.Now())
	_, err := s.WriteOne(ctx, msg)
	require.NoError(t, err)
	_, err = s.ReadAndCapture(ctx, "w")
	require.NoError(t, err)

	metrics, err := s.HealthMetrics(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), metrics.CapturedCount)
	assert.Equal(t, int64(0), metrics.PendingCount)

	clock.Advance(10 * time.Minute)

	metrics, err = s.HealthMetrics(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), metrics.CapturedCount)
	assert.Equal(t, int64(1), metrics.PendingCount)
	assert.Equal(t, msg.ReceivedAt, metrics.OldestPendingReceivedAt)
}

func TestCleanupOps(t *testing.T) {
	clock := storage.NewFakeClock(time.Now())
	cfg := testConfig(clock)
	cfg.FIFO = true
	s := New(cfg)
	ctx := context.Background()

	msg := newMessage("orders", clock.Now())
	msg.DeduplicationID = "d1"
	msg.GroupID = "g1"
	_, err := s.WriteOne(ctx, msg)
	require.NoError(t, err)
	_, err = s.ReadAndCapture(ctx, "w")
	require.NoError(t, err)
	require.NoError(t, s.DeadLetter(ctx, msg.ID, "x"))

	clock.Advance(24 * time.Hour)

	deleted, err := s.CleanupDedup(ctx, clock.Now().Add(-time.Hour), 100)
	require.NoError(t, err)
	assert.Equal(t, int64(1), deleted)

	deleted, err = s.CleanupDeadLetters(ctx, clock.Now().Add(-time.Hour), 100)
	require.NoError(t, err)
	assert.Equal(t, int64(1), deleted)

	deleted, err = s.CleanupGroupLocks(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), deleted)
}

func TestWriteBatchSkipsDuplicates(t *testing.T) {
	clock := storage.NewFakeClock(time.Now())
	s := New(testConfig(clock))
	ctx := context.Background()

	a := newMessage("orders", clock.Now())
	a.DeduplicationID = "dup"
	b := newMessage("orders", clock.Now().Add(time.Second))
	b.DeduplicationID = "dup"
	c := newMessage("orders", clock.Now().Add(2*time.Second))

	inserted, err := s.WriteBatch(ctx, []*inbox.Message{a, b, c})
	require.NoError(t, err)
	assert.Equal(t, 2, inserted)
}
