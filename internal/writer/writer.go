// Package writer is the producer side of an inbox: it serializes payloads,
// fills message defaults, applies payload overrides and persists through the
// storage provider with deduplication and collapsing.
package writer

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"go.inlet.tech/internal/common/metrics"
	"go.inlet.tech/internal/inbox"
	"go.inlet.tech/internal/storage"
)

// Config assembles one writer.
type Config struct {
	// InboxName identifies the inbox in logs and metrics.
	InboxName string

	// Options is the inbox configuration. Must be validated by the caller.
	Options inbox.Options

	// Provider is the inbox's storage backend.
	Provider storage.Provider

	// Serializer turns payload values into bytes. Defaults to JSON.
	Serializer inbox.Serializer

	// Clock defaults to the system clock.
	Clock storage.Clock
}

// Writer accepts payload values for one inbox. Safe for concurrent use.
type Writer struct {
	name       string
	opts       inbox.Options
	provider   storage.Provider
	serializer inbox.Serializer
	clock      storage.Clock

	// lastMu guards the monotonic ReceivedAt sequence: concurrent writes in
	// the same clock tick still get strictly increasing timestamps, so the
	// arrival order stays total.
	lastMu sync.Mutex
	last   time.Time
}

// New creates a writer for one inbox.
func New(cfg Config) (*Writer, error) {
	if cfg.InboxName == "" {
		return nil, fmt.Errorf("inbox name must not be empty")
	}
	if cfg.Provider == nil {
		return nil, fmt.Errorf("inbox %s: storage provider is required", cfg.InboxName)
	}
	if cfg.Serializer == nil {
		cfg.Serializer = inbox.JSONSerializer{}
	}
	if cfg.Clock == nil {
		cfg.Clock = storage.SystemClock{}
	}
	return &Writer{
		name:       cfg.InboxName,
		opts:       cfg.Options,
		provider:   cfg.Provider,
		serializer: cfg.Serializer,
		clock:      cfg.Clock,
	}, nil
}

// Write serializes and persists one payload value. Returns the persisted
// message and whether it was inserted or rejected as a duplicate.
func (w *Writer) Write(ctx context.Context, messageType string, payload any) (*inbox.Message, storage.WriteOutcome, error) {
	msg, err := w.build(messageType, payload)
	if err != nil {
		return nil, storage.Inserted, err
	}

	outcome, err := w.provider.WriteOne(ctx, msg)
	if err != nil {
		return nil, storage.Inserted, fmt.Errorf("inbox %s: write: %w", w.name, err)
	}

	w.observe(outcome, 1)
	if outcome == storage.Duplicate {
		log.Debug().
			Str("inbox", w.name).
			Str("messageType", messageType).
			Str("deduplicationId", msg.DeduplicationID).
			Msg("Write rejected as duplicate")
	}
	return msg, outcome, nil
}

// WriteBatch serializes and persists a slice of payload values of one type in
// chunks of WriteBatchSize. Deduplicated entries are skipped; the number of
// inserted messages is returned.
func (w *Writer) WriteBatch(ctx context.Context, messageType string, payloads []any) (int, error) {
	if len(payloads) == 0 {
		return 0, nil
	}

	msgs := make([]*inbox.Message, 0, len(payloads))
	for i, payload := range payloads {
		msg, err := w.build(messageType, payload)
		if err != nil {
			return 0, fmt.Errorf("payload %d: %w", i, err)
		}
		msgs = append(msgs, msg)
	}

	inserted := 0
	for start := 0; start < len(msgs); start += w.opts.WriteBatchSize {
		end := start + w.opts.WriteBatchSize
		if end > len(msgs) {
			end = len(msgs)
		}
		n, err := w.provider.WriteBatch(ctx, msgs[start:end])
		if err != nil {
			return inserted, fmt.Errorf("inbox %s: write batch: %w", w.name, err)
		}
		inserted += n
		w.observe(storage.Inserted, n)
		w.observe(storage.Duplicate, (end-start)-n)
	}
	return inserted, nil
}

// WriteMessage persists an already-built message, applying the same default
// and validation rules as Write. The payload bytes are taken as-is.
func (w *Writer) WriteMessage(ctx context.Context, msg *inbox.Message) (storage.WriteOutcome, error) {
	w.fillDefaults(msg)
	if err := w.validate(msg); err != nil {
		return storage.Inserted, err
	}

	outcome, err := w.provider.WriteOne(ctx, msg)
	if err != nil {
		return storage.Inserted, fmt.Errorf("inbox %s: write: %w", w.name, err)
	}
	w.observe(outcome, 1)
	return outcome, nil
}

// build serializes the payload and assembles a message with defaults and
// overrides applied.
func (w *Writer) build(messageType string, payload any) (*inbox.Message, error) {
	data, err := w.serializer.Serialize(payload, messageType)
	if err != nil {
		return nil, fmt.Errorf("inbox %s: serialize %s: %w", w.name, messageType, err)
	}

	msg := &inbox.Message{
		InboxName:   w.name,
		MessageType: messageType,
		Payload:     data,
	}

	if v, ok := payload.(inbox.HasExternalID); ok {
		msg.ID = v.ExternalID()
	}
	if v, ok := payload.(inbox.HasReceivedAt); ok {
		msg.ReceivedAt = v.ReceivedAt()
	}
	if v, ok := payload.(inbox.HasDeduplicationID); ok {
		msg.DeduplicationID = v.DeduplicationID()
	}
	if v, ok := payload.(inbox.HasCollapseKey); ok {
		msg.CollapseKey = v.CollapseKey()
	}
	if v, ok := payload.(inbox.HasGroupID); ok {
		msg.GroupID = v.GroupID()
	}

	w.fillDefaults(msg)
	if err := w.validate(msg); err != nil {
		return nil, err
	}
	return msg, nil
}

func (w *Writer) fillDefaults(msg *inbox.Message) {
	if msg.ID == (uuid.UUID{}) {
		msg.ID = uuid.New()
	}
	if msg.InboxName == "" {
		msg.InboxName = w.name
	}
	if msg.ReceivedAt.IsZero() {
		msg.ReceivedAt = w.nextReceivedAt()
	}
	msg.AttemptsCount = 0
}

// nextReceivedAt returns a strictly increasing UTC timestamp.
func (w *Writer) nextReceivedAt() time.Time {
	w.lastMu.Lock()
	defer w.lastMu.Unlock()

	now := w.clock.Now().UTC()
	if !now.After(w.last) {
		now = w.last.Add(time.Microsecond)
	}
	w.last = now
	return now
}

func (w *Writer) validate(msg *inbox.Message) error {
	if msg.MessageType == "" {
		return fmt.Errorf("inbox %s: message type must not be empty", w.name)
	}
	if msg.InboxName != w.name {
		return fmt.Errorf("inbox %s: message targets inbox %q", w.name, msg.InboxName)
	}
	if w.opts.Mode.IsFIFO() && msg.GroupID == "" {
		return fmt.Errorf("inbox %s: group id is required in %s mode", w.name, w.opts.Mode)
	}
	return nil
}

func (w *Writer) observe(outcome storage.WriteOutcome, n int) {
	if n <= 0 {
		return
	}
	label := "inserted"
	if outcome == storage.Duplicate {
		label = "duplicate"
	}
	metrics.MessagesWritten.WithLabelValues(w.name, label).Add(float64(n))
}
