package cleanup

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go.inlet.tech/internal/inbox"
	"go.inlet.tech/internal/storage"
	"go.inlet.tech/internal/storage/memory"
)

func newReaper(t *testing.T, opts inbox.Options) (*Reaper, *memory.Store, *storage.FakeClock) {
	t.Helper()

	clock := storage.NewFakeClock(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	cfg := storage.FromOptions("orders", opts)
	cfg.Clock = clock
	store := memory.New(cfg)

	r := New(Config{
		InboxName: "orders",
		Options:   opts,
		Provider:  store,
		Clock:     clock,
	})
	return r, store, clock
}

func write(t *testing.T, store *memory.Store, clock *storage.FakeClock, msg *inbox.Message) {
	t.Helper()
	if msg.ID == (uuid.UUID{}) {
		msg.ID = uuid.New()
	}
	msg.InboxName = "orders"
	msg.MessageType = "order.created"
	if msg.ReceivedAt.IsZero() {
		msg.ReceivedAt = clock.Now()
	}
	_, err := store.WriteOne(context.Background(), msg)
	require.NoError(t, err)
}

func TestRunOnceReapsExpiredDedupRecords(t *testing.T) {
	opts := inbox.DefaultOptions()
	opts.EnableDeduplication = true
	opts.DeduplicationInterval = time.Hour
	r, store, clock := newReaper(t, opts)

	write(t, store, clock, &inbox.Message{DeduplicationID: "evt-old"})
	clock.Advance(2 * time.Hour)
	write(t, store, clock, &inbox.Message{DeduplicationID: "evt-new"})

	require.NoError(t, r.RunOnce(context.Background()))

	// The old record is gone: the same deduplication id inserts again. The
	// fresh record still blocks.
	out, err := store.WriteOne(context.Background(), &inbox.Message{
		ID: uuid.New(), InboxName: "orders", MessageType: "order.created",
		ReceivedAt: clock.Now(), DeduplicationID: "evt-old",
	})
	require.NoError(t, err)
	assert.Equal(t, storage.Inserted, out)

	out, err = store.WriteOne(context.Background(), &inbox.Message{
		ID: uuid.New(), InboxName: "orders", MessageType: "order.created",
		ReceivedAt: clock.Now(), DeduplicationID: "evt-new",
	})
	require.NoError(t, err)
	assert.Equal(t, storage.Duplicate, out)
}

func TestRunOnceReapsAgedDeadLetters(t *testing.T) {
	opts := inbox.DefaultOptions()
	opts.DeadLetterMaxMessageLifetime = 24 * time.Hour
	r, store, clock := newReaper(t, opts)

	old := &inbox.Message{ID: uuid.New()}
	write(t, store, clock, old)
	require.NoError(t, store.DeadLetter(context.Background(), old.ID, "boom"))

	clock.Advance(48 * time.Hour)

	fresh := &inbox.Message{ID: uuid.New()}
	write(t, store, clock, fresh)
	require.NoError(t, store.DeadLetter(context.Background(), fresh.ID, "boom"))

	require.NoError(t, r.RunOnce(context.Background()))

	entries, err := store.ReadDeadLetters(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, fresh.ID, entries[0].ID)
}

func TestRunOnceReapsExpiredGroupLocks(t *testing.T) {
	opts := inbox.DefaultOptions()
	opts.Mode = inbox.ModeFIFO
	opts.MaxProcessingTime = 5 * time.Minute
	r, store, clock := newReaper(t, opts)

	write(t, store, clock, &inbox.Message{GroupID: "g1"})
	lease, err := store.ReadAndCapture(context.Background(), "p1")
	require.NoError(t, err)
	require.Len(t, lease, 1)

	clock.Advance(10 * time.Minute)
	require.NoError(t, r.RunOnce(context.Background()))

	// Lock is gone: another worker can lease the group.
	write(t, store, clock, &inbox.Message{GroupID: "g1", ReceivedAt: clock.Now()})
	got, err := store.ReadAndCapture(context.Background(), "p2")
	require.NoError(t, err)
	assert.NotEmpty(t, got)
}

func TestDrainLoopsUntilShortBatch(t *testing.T) {
	opts := inbox.DefaultOptions()
	opts.EnableDeduplication = true
	opts.DeduplicationInterval = time.Hour
	opts.Cleanup.BatchSize = 2
	r, store, clock := newReaper(t, opts)

	for i := 0; i < 5; i++ {
		write(t, store, clock, &inbox.Message{DeduplicationID: uuid.NewString()})
	}
	clock.Advance(2 * time.Hour)

	deleted, err := r.drain(context.Background(), func(limit int) (int64, error) {
		return store.CleanupDedup(context.Background(), clock.Now().Add(-time.Hour), limit)
	})
	require.NoError(t, err)
	assert.Equal(t, int64(5), deleted)
}

type failingProvider struct {
	storage.Provider
	calls []string
}

func (f *failingProvider) CleanupDedup(ctx context.Context, cutoff time.Time, limit int) (int64, error) {
	f.calls = append(f.calls, "dedup")
	return 0, errors.New("backend down")
}

func (f *failingProvider) CleanupDeadLetters(ctx context.Context, cutoff time.Time, limit int) (int64, error) {
	f.calls = append(f.calls, "dead_letters")
	return 0, nil
}

func TestRunOnceContinuesPastTaskError(t *testing.T) {
	opts := inbox.DefaultOptions()
	opts.EnableDeduplication = true

	store := memory.New(storage.FromOptions("orders", opts))
	provider := &failingProvider{Provider: store}
	r := New(Config{InboxName: "orders", Options: opts, Provider: provider})

	err := r.RunOnce(context.Background())
	require.Error(t, err)
	assert.Equal(t, []string{"dedup", "dead_letters"}, provider.calls)
}

func TestReaperLifecycle(t *testing.T) {
	opts := inbox.DefaultOptions()
	opts.EnableDeduplication = true
	opts.Cleanup.Interval = 5 * time.Millisecond
	r, store, clock := newReaper(t, opts)

	write(t, store, clock, &inbox.Message{DeduplicationID: "evt-1"})
	clock.Advance(2 * time.Hour)

	r.Start()
	defer r.Stop()

	require.Eventually(t, func() bool {
		out, err := store.WriteOne(context.Background(), &inbox.Message{
			ID: uuid.New(), InboxName: "orders", MessageType: "order.created",
			ReceivedAt: clock.Now(), DeduplicationID: "evt-1",
		})
		require.NoError(t, err)
		return out == storage.Inserted
	}, time.Second, 10*time.Millisecond)
}
