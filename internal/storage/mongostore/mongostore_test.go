package mongostore

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"

	"go.inlet.tech/internal/inbox"
	"go.inlet.tech/internal/storage"
)

// The capture path and the batch semantics need a live server; those runs
// live in the integration environment. What can break silently here is the
// document mapping, so that is what gets pinned down.

func TestMessageDocMapping(t *testing.T) {
	s := &Store{cfg: storage.Config{InboxName: "orders"}.WithDefaults()}

	received := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	captured := received.Add(time.Minute)
	msg := &inbox.Message{
		ID:              uuid.New(),
		InboxName:       "orders",
		MessageType:     "order.created",
		Payload:         []byte(`{"n":1}`),
		GroupID:         "g1",
		CollapseKey:     "cart-7",
		DeduplicationID: "evt-1",
		AttemptsCount:   2,
		ReceivedAt:      received,
	}

	doc := toDoc(msg)
	assert.Equal(t, msg.ID.String(), doc.ID)
	assert.Nil(t, doc.CapturedAt, "fresh writes carry no lease")

	doc.CapturedAt = &captured
	doc.CapturedBy = "p1"
	env, err := s.toEnvelope(doc)
	require.NoError(t, err)
	assert.Equal(t, msg.ID, env.ID)
	assert.Equal(t, "orders", env.InboxName)
	assert.Equal(t, "order.created", env.MessageType)
	assert.Equal(t, []byte(`{"n":1}`), env.Payload)
	assert.Equal(t, "g1", env.GroupID)
	assert.Equal(t, "cart-7", env.CollapseKey)
	assert.Equal(t, "evt-1", env.DeduplicationID)
	assert.Equal(t, 2, env.AttemptsCount)
	assert.Equal(t, received, env.ReceivedAt)
	assert.Equal(t, captured, env.CapturedAt)
	assert.Equal(t, "p1", env.CapturedBy)
}

func TestToEnvelopeRejectsBadID(t *testing.T) {
	s := &Store{cfg: storage.Config{InboxName: "orders"}.WithDefaults()}
	_, err := s.toEnvelope(messageDoc{ID: "not-a-uuid"})
	require.Error(t, err)
}

func TestUnleasedClausesCoverBothShapes(t *testing.T) {
	clauses := unleasedClauses(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	require.Len(t, clauses, 2)
}

func TestPendingFilterExcludesHeldGroups(t *testing.T) {
	cutoff := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	bare := pendingFilter(cutoff, nil)
	require.Len(t, bare, 1, "no group clause without exclusions")

	filtered := pendingFilter(cutoff, []string{"g1", "g2"})
	require.Len(t, filtered, 2)
	assert.Equal(t, "group", filtered[1].Key)
	nin, ok := filtered[1].Value.(bson.D)
	require.True(t, ok)
	assert.Equal(t, "$nin", nin[0].Key)
	assert.Equal(t, []string{"g1", "g2"}, nin[0].Value)
}

func TestGroupClaimFilterTakesOwnOrExpiredOnly(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	filter := groupClaimFilter("g1", "p1", now)

	require.Len(t, filter, 2)
	assert.Equal(t, "_id", filter[0].Key)
	assert.Equal(t, "g1", filter[0].Value)

	or, ok := filter[1].Value.(bson.A)
	require.True(t, ok)
	require.Len(t, or, 2)

	own, ok := or[0].(bson.D)
	require.True(t, ok)
	assert.Equal(t, "locked_by", own[0].Key)
	assert.Equal(t, "p1", own[0].Value)

	expired, ok := or[1].(bson.D)
	require.True(t, ok)
	assert.Equal(t, "locked_until", expired[0].Key)
	deadline, ok := expired[0].Value.(bson.D)
	require.True(t, ok)
	assert.Equal(t, "$lte", deadline[0].Key)
	assert.Equal(t, now, deadline[0].Value)
}

func TestCaptureUpdateSetsLeaseFields(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	update := captureUpdate("p1", now)

	require.Len(t, update, 1)
	set, ok := update[0].Value.(bson.D)
	require.True(t, ok)
	require.Len(t, set, 2)
	assert.Equal(t, now, set[0].Value)
	assert.Equal(t, "p1", set[1].Value)
}
