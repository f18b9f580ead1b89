package worker

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go.inlet.tech/internal/inbox"
	"go.inlet.tech/internal/storage"
	"go.inlet.tech/internal/storage/memory"
)

type fixture struct {
	clock *storage.FakeClock
	store *memory.Store
	opts  inbox.Options
}

func newFixture(t *testing.T, mode inbox.Mode) *fixture {
	t.Helper()

	opts := inbox.DefaultOptions()
	opts.Mode = mode
	opts.ReadBatchSize = 10
	opts.MaxAttempts = 3
	opts.EnableLockExtension = false
	opts.PollingInterval = 10 * time.Millisecond
	opts.ShutdownTimeout = time.Second

	clock := storage.NewFakeClock(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	cfg := storage.FromOptions("orders", opts)
	cfg.Clock = clock

	return &fixture{
		clock: clock,
		store: memory.New(cfg),
		opts:  opts,
	}
}

func (f *fixture) worker(t *testing.T, cfg Config) *Worker {
	t.Helper()
	cfg.InboxName = "orders"
	cfg.Options = f.opts
	cfg.Provider = f.store
	cfg.Clock = f.clock
	w, err := New(cfg)
	require.NoError(t, err)
	return w
}

func (f *fixture) write(t *testing.T, msg *inbox.Message) {
	t.Helper()
	if msg.ID == (uuid.UUID{}) {
		msg.ID = uuid.New()
	}
	if msg.ReceivedAt.IsZero() {
		msg.ReceivedAt = f.clock.Now()
	}
	msg.InboxName = "orders"
	if msg.MessageType == "" {
		msg.MessageType = "order.created"
	}
	_, err := f.store.WriteOne(context.Background(), msg)
	require.NoError(t, err)
}

// dispatchOnce pulls one lease and runs it through the worker's strategy.
func dispatchOnce(t *testing.T, w *Worker) int {
	t.Helper()
	lease, err := w.provider.ReadAndCapture(context.Background(), w.processorID)
	require.NoError(t, err)
	if len(lease) == 0 {
		return 0
	}
	w.strategy.dispatch(context.Background(), lease)
	return len(lease)
}

func registryWith(t *testing.T, messageType string, h inbox.Handler) *inbox.Registry {
	t.Helper()
	reg := inbox.NewRegistry()
	require.NoError(t, reg.Register(messageType, h))
	return reg
}

func TestDefaultFailureEndsInDeadLetterQueue(t *testing.T) {
	f := newFixture(t, inbox.ModeDefault)

	invocations := 0
	reg := registryWith(t, "order.created", func(ctx context.Context, env *inbox.Envelope) inbox.HandlerResult {
		invocations++
		return inbox.Failed("")
	})
	w := f.worker(t, Config{Registry: reg})

	f.write(t, &inbox.Message{})

	// Three capture cycles: fail, fail, dead-letter.
	for i := 0; i < 3; i++ {
		require.Equal(t, 1, dispatchOnce(t, w))
	}
	assert.Equal(t, 3, invocations)
	assert.Zero(t, dispatchOnce(t, w), "main store must be empty")

	entries, err := f.store.ReadDeadLetters(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "max attempts exceeded", entries[0].FailureReason)
	assert.Equal(t, 3, entries[0].AttemptsCount)
}

func TestExhaustedFailureKeepsHandlerDetail(t *testing.T) {
	f := newFixture(t, inbox.ModeDefault)

	reg := registryWith(t, "order.created", func(ctx context.Context, env *inbox.Envelope) inbox.HandlerResult {
		return inbox.Failed("downstream returned 503")
	})
	w := f.worker(t, Config{Registry: reg})

	f.write(t, &inbox.Message{})
	for i := 0; i < 3; i++ {
		require.Equal(t, 1, dispatchOnce(t, w))
	}

	entries, err := f.store.ReadDeadLetters(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "max attempts exceeded: downstream returned 503", entries[0].FailureReason)
}

func TestDefaultSuccessCompletes(t *testing.T) {
	f := newFixture(t, inbox.ModeDefault)

	reg := registryWith(t, "order.created", func(ctx context.Context, env *inbox.Envelope) inbox.HandlerResult {
		return inbox.Success()
	})
	w := f.worker(t, Config{Registry: reg})

	f.write(t, &inbox.Message{})
	require.Equal(t, 1, dispatchOnce(t, w))

	metrics, err := f.store.HealthMetrics(context.Background())
	require.NoError(t, err)
	assert.Zero(t, metrics.PendingCount)
	assert.Zero(t, metrics.CapturedCount)
	assert.Zero(t, metrics.DeadLetterCount)
}

func TestDefaultRetryKeepsAttempts(t *testing.T) {
	f := newFixture(t, inbox.ModeDefault)

	attempts := -1
	reg := registryWith(t, "order.created", func(ctx context.Context, env *inbox.Envelope) inbox.HandlerResult {
		attempts = env.AttemptsCount
		return inbox.Retry()
	})
	w := f.worker(t, Config{Registry: reg})

	f.write(t, &inbox.Message{})
	for i := 0; i < 5; i++ {
		require.Equal(t, 1, dispatchOnce(t, w))
		assert.Equal(t, 0, attempts, "retry must not count attempts")
	}
}

func TestDefaultPanicCountsAsFailed(t *testing.T) {
	f := newFixture(t, inbox.ModeDefault)

	reg := registryWith(t, "order.created", func(ctx context.Context, env *inbox.Envelope) inbox.HandlerResult {
		panic("kaboom")
	})
	w := f.worker(t, Config{Registry: reg})

	f.write(t, &inbox.Message{})
	for i := 0; i < 3; i++ {
		require.Equal(t, 1, dispatchOnce(t, w))
	}

	entries, err := f.store.ReadDeadLetters(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Contains(t, entries[0].FailureReason, "kaboom")
}

func TestDefaultUnroutableMessageIsDeadLettered(t *testing.T) {
	f := newFixture(t, inbox.ModeDefault)

	w := f.worker(t, Config{Registry: inbox.NewRegistry()})

	f.write(t, &inbox.Message{MessageType: "order.unknown"})
	require.Equal(t, 1, dispatchOnce(t, w))

	entries, err := f.store.ReadDeadLetters(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Contains(t, entries[0].FailureReason, "no handler registered")
}

func TestDefaultMoveToDeadLetterUsesHandlerReason(t *testing.T) {
	f := newFixture(t, inbox.ModeDefault)

	reg := registryWith(t, "order.created", func(ctx context.Context, env *inbox.Envelope) inbox.HandlerResult {
		return inbox.MoveToDeadLetter("poison pill")
	})
	w := f.worker(t, Config{Registry: reg})

	f.write(t, &inbox.Message{})
	require.Equal(t, 1, dispatchOnce(t, w))

	entries, err := f.store.ReadDeadLetters(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "poison pill", entries[0].FailureReason)
	assert.Equal(t, 0, entries[0].AttemptsCount, "direct dead-letter must not count an attempt")
}

func TestCollapsedMessageDeliveredOnce(t *testing.T) {
	f := newFixture(t, inbox.ModeDefault)

	var delivered []uuid.UUID
	reg := registryWith(t, "order.created", func(ctx context.Context, env *inbox.Envelope) inbox.HandlerResult {
		delivered = append(delivered, env.ID)
		return inbox.Success()
	})
	w := f.worker(t, Config{Registry: reg})

	a := &inbox.Message{ID: uuid.New(), CollapseKey: "cart-7", ReceivedAt: f.clock.Now()}
	b := &inbox.Message{ID: uuid.New(), CollapseKey: "cart-7", ReceivedAt: f.clock.Now().Add(time.Second)}
	f.write(t, a)
	f.write(t, b)

	require.Equal(t, 1, dispatchOnce(t, w))
	require.Len(t, delivered, 1)
	assert.Equal(t, b.ID, delivered[0])
}

func TestBatchedPartitioning(t *testing.T) {
	f := newFixture(t, inbox.ModeBatched)

	a := &inbox.Message{ID: uuid.New(), ReceivedAt: f.clock.Now()}
	b := &inbox.Message{ID: uuid.New(), ReceivedAt: f.clock.Now().Add(time.Second)}
	c := &inbox.Message{ID: uuid.New(), ReceivedAt: f.clock.Now().Add(2 * time.Second), AttemptsCount: 2}

	handler := func(ctx context.Context, envs []*inbox.Envelope) []inbox.BatchResult {
		return []inbox.BatchResult{
			{ID: a.ID, Result: inbox.ResultSuccess},
			{ID: b.ID, Result: inbox.ResultRetry},
			{ID: c.ID, Result: inbox.ResultFailed},
		}
	}
	w := f.worker(t, Config{BatchHandler: handler})

	f.write(t, a)
	f.write(t, b)
	f.write(t, c)

	require.Equal(t, 3, dispatchOnce(t, w))

	// a deleted; b pending with attempts untouched; c dead-lettered at
	// attempt three.
	lease, err := f.store.ReadAndCapture(context.Background(), "inspector")
	require.NoError(t, err)
	require.Len(t, lease, 1)
	assert.Equal(t, b.ID, lease[0].ID)
	assert.Equal(t, 0, lease[0].AttemptsCount)

	entries, err := f.store.ReadDeadLetters(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, c.ID, entries[0].ID)
	assert.Equal(t, 3, entries[0].AttemptsCount)
}

func TestBatchedMissingResultsAreRetried(t *testing.T) {
	f := newFixture(t, inbox.ModeBatched)

	handler := func(ctx context.Context, envs []*inbox.Envelope) []inbox.BatchResult {
		return nil
	}
	w := f.worker(t, Config{BatchHandler: handler})

	f.write(t, &inbox.Message{})
	require.Equal(t, 1, dispatchOnce(t, w))

	lease, err := f.store.ReadAndCapture(context.Background(), "inspector")
	require.NoError(t, err)
	require.Len(t, lease, 1)
	assert.Equal(t, 0, lease[0].AttemptsCount, "missing result means retry, not fail")
}

func TestFIFOOrderWithinGroups(t *testing.T) {
	f := newFixture(t, inbox.ModeFIFO)

	var mu sync.Mutex
	seen := map[string][]int{}
	reg := registryWith(t, "order.created", func(ctx context.Context, env *inbox.Envelope) inbox.HandlerResult {
		mu.Lock()
		defer mu.Unlock()
		seen[env.GroupID] = append(seen[env.GroupID], env.AttemptsCount*100+int(env.Payload[0]))
		return inbox.Success()
	})
	w := f.worker(t, Config{Registry: reg})

	// Interleave two groups, five messages each.
	for i := 0; i < 5; i++ {
		f.write(t, &inbox.Message{
			ID:         uuid.New(),
			GroupID:    "g1",
			Payload:    []byte{byte(i)},
			ReceivedAt: f.clock.Now().Add(time.Duration(2*i) * time.Second),
		})
		f.write(t, &inbox.Message{
			ID:         uuid.New(),
			GroupID:    "g2",
			Payload:    []byte{byte(i)},
			ReceivedAt: f.clock.Now().Add(time.Duration(2*i+1) * time.Second),
		})
	}

	require.Equal(t, 10, dispatchOnce(t, w))

	assert.Equal(t, []int{0, 1, 2, 3, 4}, seen["g1"])
	assert.Equal(t, []int{0, 1, 2, 3, 4}, seen["g2"])
}

func TestFIFOFailureAbortsGroupSuccessors(t *testing.T) {
	f := newFixture(t, inbox.ModeFIFO)

	var delivered []byte
	reg := registryWith(t, "order.created", func(ctx context.Context, env *inbox.Envelope) inbox.HandlerResult {
		delivered = append(delivered, env.Payload[0])
		if env.Payload[0] == 1 && env.AttemptsCount == 0 {
			return inbox.Failed("transient")
		}
		return inbox.Success()
	})
	w := f.worker(t, Config{Registry: reg})

	for i := 0; i < 3; i++ {
		f.write(t, &inbox.Message{
			ID:         uuid.New(),
			GroupID:    "g1",
			Payload:    []byte{byte(i)},
			ReceivedAt: f.clock.Now().Add(time.Duration(i) * time.Second),
		})
	}

	// First lease: 0 succeeds, 1 fails, 2 must not run.
	require.Equal(t, 3, dispatchOnce(t, w))
	assert.Equal(t, []byte{0, 1}, delivered)

	// The aborted group was released; the retry resumes in order.
	require.Equal(t, 2, dispatchOnce(t, w))
	assert.Equal(t, []byte{0, 1, 1, 2}, delivered)
}

func TestFIFOGroupLockReleasedAfterLease(t *testing.T) {
	f := newFixture(t, inbox.ModeFIFO)

	reg := registryWith(t, "order.created", func(ctx context.Context, env *inbox.Envelope) inbox.HandlerResult {
		return inbox.Success()
	})
	w := f.worker(t, Config{Registry: reg})

	f.write(t, &inbox.Message{ID: uuid.New(), GroupID: "g1"})
	require.Equal(t, 1, dispatchOnce(t, w))

	// A different worker can lease the group immediately, no expiry wait.
	f.write(t, &inbox.Message{ID: uuid.New(), GroupID: "g1", ReceivedAt: f.clock.Now().Add(time.Second)})
	lease, err := f.store.ReadAndCapture(context.Background(), "other-worker")
	require.NoError(t, err)
	assert.Len(t, lease, 1)
}

func TestFIFOBatchedInvokesPerGroup(t *testing.T) {
	f := newFixture(t, inbox.ModeFIFOBatched)

	var calls []string
	handler := func(ctx context.Context, groupID string, envs []*inbox.Envelope) []inbox.BatchResult {
		calls = append(calls, groupID)
		results := make([]inbox.BatchResult, 0, len(envs))
		for i, env := range envs {
			require.Equal(t, byte(i), env.Payload[0], "group slice must be in order")
			results = append(results, inbox.BatchResult{ID: env.ID, Result: inbox.ResultSuccess})
		}
		return results
	}
	w := f.worker(t, Config{GroupHandler: handler})

	for i := 0; i < 3; i++ {
		f.write(t, &inbox.Message{
			ID:         uuid.New(),
			GroupID:    "g1",
			Payload:    []byte{byte(i)},
			ReceivedAt: f.clock.Now().Add(time.Duration(2*i) * time.Second),
		})
		f.write(t, &inbox.Message{
			ID:         uuid.New(),
			GroupID:    "g2",
			Payload:    []byte{byte(i)},
			ReceivedAt: f.clock.Now().Add(time.Duration(2*i+1) * time.Second),
		})
	}

	require.Equal(t, 6, dispatchOnce(t, w))
	assert.Equal(t, []string{"g1", "g2"}, calls)

	metrics, err := f.store.HealthMetrics(context.Background())
	require.NoError(t, err)
	assert.Zero(t, metrics.PendingCount)
	assert.Zero(t, metrics.CapturedCount)
}

func TestExtendOnceRefreshesLease(t *testing.T) {
	f := newFixture(t, inbox.ModeDefault)

	reg := registryWith(t, "order.created", func(ctx context.Context, env *inbox.Envelope) inbox.HandlerResult {
		return inbox.Success()
	})
	w := f.worker(t, Config{Registry: reg})

	msg := &inbox.Message{ID: uuid.New()}
	f.write(t, msg)

	lease, err := f.store.ReadAndCapture(context.Background(), w.processorID)
	require.NoError(t, err)
	require.Len(t, lease, 1)

	// Push the clock near expiry, then extend.
	f.clock.Advance(4 * time.Minute)
	w.ctx, w.cancel = context.WithCancel(context.Background())
	defer w.cancel()
	w.extendOnce([]storage.LockEntry{{ID: msg.ID}})

	// Past the original deadline the lease still holds.
	f.clock.Advance(2 * time.Minute)
	got, err := f.store.ReadAndCapture(context.Background(), "other")
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestWorkerLifecycle(t *testing.T) {
	opts := inbox.DefaultOptions()
	opts.PollingInterval = 5 * time.Millisecond
	opts.ShutdownTimeout = 2 * time.Second
	opts.EnableLockExtension = false

	cfg := storage.FromOptions("orders", opts)
	store := memory.New(cfg)

	var mu sync.Mutex
	processed := 0
	reg := inbox.NewRegistry()
	require.NoError(t, reg.Register("order.created", func(ctx context.Context, env *inbox.Envelope) inbox.HandlerResult {
		mu.Lock()
		processed++
		mu.Unlock()
		return inbox.Success()
	}))

	w, err := New(Config{
		InboxName: "orders",
		Options:   opts,
		Provider:  store,
		Registry:  reg,
	})
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		_, err := store.WriteOne(context.Background(), &inbox.Message{
			ID:          uuid.New(),
			InboxName:   "orders",
			MessageType: "order.created",
			ReceivedAt:  time.Now().UTC().Add(time.Duration(i) * time.Millisecond),
		})
		require.NoError(t, err)
	}

	w.Start()
	defer w.Stop()

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return processed == 5
	}, 2*time.Second, 10*time.Millisecond)

	w.Stop()

	metrics, err := store.HealthMetrics(context.Background())
	require.NoError(t, err)
	assert.Zero(t, metrics.PendingCount)
}

func TestNewRejectsMissingHandlers(t *testing.T) {
	opts := inbox.DefaultOptions()
	store := memory.New(storage.FromOptions("orders", opts))

	_, err := New(Config{InboxName: "orders", Options: opts, Provider: store})
	assert.Error(t, err, "DEFAULT mode without a registry")

	opts.Mode = inbox.ModeBatched
	_, err = New(Config{InboxName: "orders", Options: opts, Provider: store})
	assert.Error(t, err, "BATCHED mode without a batch handler")

	opts.Mode = inbox.ModeFIFOBatched
	_, err = New(Config{InboxName: "orders", Options: opts, Provider: store})
	assert.Error(t, err, "FIFO_BATCHED mode without a group handler")
}
