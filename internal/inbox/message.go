// Package inbox defines the core domain model for the Inlet message inbox:
// messages, envelopes, processing modes, handler contracts and per-inbox
// options. The durable side lives in internal/storage; the processing side
// in internal/worker.
package inbox

import (
	"time"

	"github.com/google/uuid"
)

// Message is the unit of work written to an inbox. Payload bytes are opaque
// to the engine; serialization happens at the edges.
type Message struct {
	// ID is the unique identifier within the inbox, assigned at write time.
	ID uuid.UUID

	// InboxName is the name of the inbox this message belongs to.
	InboxName string

	// MessageType is the logical type name used for handler dispatch.
	MessageType string

	// Payload is the serialized message body.
	Payload []byte

	// GroupID is the optional ordering key. Required for FIFO modes.
	GroupID string

	// CollapseKey, when set, lets a newer message supersede an older
	// uncaptured one bearing the same key.
	CollapseKey string

	// DeduplicationID, when set, blocks duplicate writes for the
	// configured deduplication window.
	DeduplicationID string

	// AttemptsCount is the number of failed processing attempts so far.
	AttemptsCount int

	// ReceivedAt is the arrival timestamp used as the ordering score.
	ReceivedAt time.Time
}

// Envelope is a message plus its current lease metadata, as handed to a
// handler.
type Envelope struct {
	ID              uuid.UUID
	InboxName       string
	MessageType     string
	Payload         []byte
	GroupID         string
	CollapseKey     string
	DeduplicationID string
	AttemptsCount   int
	ReceivedAt      time.Time

	// CapturedAt and CapturedBy identify the current lease.
	CapturedAt time.Time
	CapturedBy string
}

// DeadLetterEntry is a full snapshot of a message that failed terminally,
// persisted in the dead-letter namespace.
type DeadLetterEntry struct {
	ID              uuid.UUID
	InboxName       string
	MessageType     string
	Payload         []byte
	GroupID         string
	CollapseKey     string
	DeduplicationID string
	AttemptsCount   int
	ReceivedAt      time.Time

	// FailureReason is why the message was moved.
	FailureReason string

	// MovedAt is when the message entered the dead-letter namespace.
	MovedAt time.Time
}

// Optional interfaces a payload value may implement to override the fields
// the writer would otherwise default. Checked before serialization.

// HasExternalID supplies the message id instead of a random one.
type HasExternalID interface {
	ExternalID() uuid.UUID
}

// HasReceivedAt supplies the arrival timestamp instead of the clock's now.
type HasReceivedAt interface {
	ReceivedAt() time.Time
}

// HasDeduplicationID supplies the deduplication key.
type HasDeduplicationID interface {
	DeduplicationID() string
}

// HasCollapseKey supplies the collapse key.
type HasCollapseKey interface {
	CollapseKey() string
}

// HasGroupID supplies the FIFO ordering key.
type HasGroupID interface {
	GroupID() string
}
