// Package mongostore implements the storage protocol on MongoDB. Captures
// claim one document at a time with FindOneAndUpdate, which is atomic per
// message; on FIFO inboxes the group lock is claimed with a guarded update
// before any message of that group is captured. The multi-document
// operations are applied sequentially, so this backend gives slightly weaker
// batch atomicity than the SQL and Redis ones. Deduplication and dead-letter
// retention lean on TTL indexes.
package mongostore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"go.inlet.tech/internal/inbox"
	"go.inlet.tech/internal/storage"
)

// Store is a MongoDB-backed storage.Provider for one inbox.
type Store struct {
	cfg storage.Config

	messages    *mongo.Collection
	dedup       *mongo.Collection
	locks       *mongo.Collection
	deadLetters *mongo.Collection
}

// New creates a store on an existing database handle.
func New(db *mongo.Database, cfg storage.Config) *Store {
	cfg = cfg.WithDefaults()
	suffix := strings.ReplaceAll(strings.ToLower(cfg.InboxName), "-", "_")
	return &Store{
		cfg:         cfg,
		messages:    db.Collection("inbox_messages_" + suffix),
		dedup:       db.Collection("inbox_dedup_" + suffix),
		locks:       db.Collection("inbox_locks_" + suffix),
		deadLetters: db.Collection("inbox_dead_letters_" + suffix),
	}
}

func (s *Store) now() time.Time {
	return s.cfg.Clock.Now().UTC()
}

func (s *Store) expiredBefore(now time.Time) time.Time {
	return now.Add(-s.cfg.MaxProcessingTime)
}

// EnsureIndexes creates the indexes the store depends on. Call once at
// start-up.
func (s *Store) EnsureIndexes(ctx context.Context) error {
	_, err := s.messages.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "received_at", Value: 1}, {Key: "_id", Value: 1}}},
		{Keys: bson.D{{Key: "collapse", Value: 1}},
			Options: options.Index().SetPartialFilterExpression(bson.D{{Key: "collapse", Value: bson.D{{Key: "$gt", Value: ""}}}})},
	})
	if err != nil {
		return fmt.Errorf("message indexes: %w", err)
	}

	dedupTTL := int32(s.cfg.DeduplicationInterval / time.Second)
	if dedupTTL < 1 {
		dedupTTL = 1
	}
	_, err = s.dedup.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "created_at", Value: 1}},
		Options: options.Index().SetExpireAfterSeconds(dedupTTL),
	})
	if err != nil {
		return fmt.Errorf("dedup index: %w", err)
	}

	if s.cfg.DeadLetterLifetime > 0 {
		dlTTL := int32(s.cfg.DeadLetterLifetime / time.Second)
		_, err = s.deadLetters.Indexes().CreateOne(ctx, mongo.IndexModel{
			Keys:    bson.D{{Key: "moved_at", Value: 1}},
			Options: options.Index().SetExpireAfterSeconds(dlTTL),
		})
		if err != nil {
			return fmt.Errorf("dead letter index: %w", err)
		}
	}
	return nil
}

type messageDoc struct {
	ID         string     `bson:"_id"`
	Type       string     `bson:"type"`
	Payload    []byte     `bson:"payload"`
	Group      string     `bson:"group"`
	Collapse   string     `bson:"collapse"`
	Dedup      string     `bson:"dedup"`
	Attempts   int        `bson:"attempts"`
	ReceivedAt time.Time  `bson:"received_at"`
	CapturedAt *time.Time `bson:"captured_at,omitempty"`
	CapturedBy string     `bson:"captured_by,omitempty"`
}

type deadLetterDoc struct {
	ID         string    `bson:"_id"`
	Type       string    `bson:"type"`
	Payload    []byte    `bson:"payload"`
	Group      string    `bson:"group"`
	Collapse   string    `bson:"collapse"`
	Dedup      string    `bson:"dedup"`
	Attempts   int       `bson:"attempts"`
	ReceivedAt time.Time `bson:"received_at"`
	Reason     string    `bson:"reason"`
	MovedAt    time.Time `bson:"moved_at"`
}

func toDoc(msg *inbox.Message) messageDoc {
	return messageDoc{
		ID:         msg.ID.String(),
		Type:       msg.MessageType,
		Payload:    msg.Payload,
		Group:      msg.GroupID,
		Collapse:   msg.CollapseKey,
		Dedup:      msg.DeduplicationID,
		Attempts:   msg.AttemptsCount,
		ReceivedAt: msg.ReceivedAt.UTC(),
	}
}

func (s *Store) toEnvelope(doc messageDoc) (*inbox.Envelope, error) {
	id, err := uuid.Parse(doc.ID)
	if err != nil {
		return nil, fmt.Errorf("mongo message id %q: %w", doc.ID, err)
	}
	env := &inbox.Envelope{
		ID:              id,
		InboxName:       s.cfg.InboxName,
		MessageType:     doc.Type,
		Payload:         doc.Payload,
		GroupID:         doc.Group,
		CollapseKey:     doc.Collapse,
		DeduplicationID: doc.Dedup,
		AttemptsCount:   doc.Attempts,
		ReceivedAt:      doc.ReceivedAt.UTC(),
		CapturedBy:      doc.CapturedBy,
	}
	if doc.CapturedAt != nil {
		env.CapturedAt = doc.CapturedAt.UTC()
	}
	return env, nil
}

// WriteOne persists one message with dedup and collapse enforcement.
func (s *Store) WriteOne(ctx context.Context, msg *inbox.Message) (storage.WriteOutcome, error) {
	now := s.now()

	if s.cfg.DeduplicationEnabled && msg.DeduplicationID != "" {
		claimed, err := s.claimDedup(ctx, msg.DeduplicationID, now)
		if err != nil {
			return storage.Inserted, err
		}
		if !claimed {
			return storage.Duplicate, nil
		}
	}

	if msg.CollapseKey != "" {
		filter := bson.D{
			{Key: "collapse", Value: msg.CollapseKey},
			{Key: "_id", Value: bson.D{{Key: "$ne", Value: msg.ID.String()}}},
			{Key: "$or", Value: unleasedClauses(s.expiredBefore(now))},
		}
		if _, err := s.messages.DeleteMany(ctx, filter); err != nil {
			return storage.Inserted, fmt.Errorf("mongo collapse: %w", err)
		}
	}

	if _, err := s.messages.InsertOne(ctx, toDoc(msg)); err != nil {
		return storage.Inserted, fmt.Errorf("mongo insert: %w", err)
	}
	return storage.Inserted, nil
}

// claimDedup inserts the deduplication record, or refreshes one whose window
// has lapsed. Returns false when an active record already holds the id.
func (s *Store) claimDedup(ctx context.Context, dedupID string, now time.Time) (bool, error) {
	cutoff := now.Add(-s.cfg.DeduplicationInterval)
	res := s.dedup.FindOneAndUpdate(ctx,
		bson.D{
			{Key: "_id", Value: dedupID},
			{Key: "created_at", Value: bson.D{{Key: "$lte", Value: cutoff}}},
		},
		bson.D{{Key: "$set", Value: bson.D{{Key: "created_at", Value: now}}}},
	)
	err := res.Err()
	if err == nil {
		return true, nil
	}
	if !errors.Is(err, mongo.ErrNoDocuments) {
		return false, fmt.Errorf("mongo dedup refresh: %w", err)
	}

	_, err = s.dedup.InsertOne(ctx, bson.D{
		{Key: "_id", Value: dedupID},
		{Key: "created_at", Value: now},
	})
	if err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return false, nil
		}
		return false, fmt.Errorf("mongo dedup claim: %w", err)
	}
	return true, nil
}

// WriteBatch applies WriteOne per message. The batch stops at the first
// error; already-written messages stay.
func (s *Store) WriteBatch(ctx context.Context, msgs []*inbox.Message) (int, error) {
	inserted := 0
	for _, msg := range msgs {
		outcome, err := s.WriteOne(ctx, msg)
		if err != nil {
			return inserted, err
		}
		if outcome == storage.Inserted {
			inserted++
		}
	}
	return inserted, nil
}

func unleasedClauses(expiredBefore time.Time) bson.A {
	return bson.A{
		bson.D{{Key: "captured_at", Value: nil}},
		bson.D{{Key: "captured_at", Value: bson.D{{Key: "$lte", Value: expiredBefore}}}},
	}
}

// pendingFilter matches unleased messages outside the excluded groups.
func pendingFilter(expiredBefore time.Time, excludedGroups []string) bson.D {
	filter := bson.D{{Key: "$or", Value: unleasedClauses(expiredBefore)}}
	if len(excludedGroups) > 0 {
		filter = append(filter, bson.E{Key: "group", Value: bson.D{{Key: "$nin", Value: excludedGroups}}})
	}
	return filter
}

func captureUpdate(processorID string, now time.Time) bson.D {
	return bson.D{{Key: "$set", Value: bson.D{
		{Key: "captured_at", Value: now},
		{Key: "captured_by", Value: processorID},
	}}}
}

// groupClaimFilter matches a lock document the processor may take over: its
// own, or one whose deadline has passed.
func groupClaimFilter(group, processorID string, now time.Time) bson.D {
	return bson.D{
		{Key: "_id", Value: group},
		{Key: "$or", Value: bson.A{
			bson.D{{Key: "locked_by", Value: processorID}},
			bson.D{{Key: "locked_until", Value: bson.D{{Key: "$lte", Value: now}}}},
		}},
	}
}

// ReadAndCapture claims eligible messages one at a time in arrival order
// until the batch is full or nothing qualifies. On FIFO inboxes each group
// lock is claimed before any message of that group is captured, so two
// workers never hold the same group.
func (s *Store) ReadAndCapture(ctx context.Context, processorID string) ([]*inbox.Envelope, error) {
	now := s.now()
	if s.cfg.FIFO {
		return s.captureFIFO(ctx, processorID, now)
	}

	filter := pendingFilter(s.expiredBefore(now), nil)
	opts := options.FindOneAndUpdate().
		SetSort(bson.D{{Key: "received_at", Value: 1}, {Key: "_id", Value: 1}}).
		SetReturnDocument(options.After)

	var envs []*inbox.Envelope
	for len(envs) < s.cfg.ReadBatchSize {
		var doc messageDoc
		err := s.messages.FindOneAndUpdate(ctx, filter, captureUpdate(processorID, now), opts).Decode(&doc)
		if errors.Is(err, mongo.ErrNoDocuments) {
			break
		}
		if err != nil {
			return envs, fmt.Errorf("mongo capture: %w", err)
		}

		env, err := s.toEnvelope(doc)
		if err != nil {
			return envs, err
		}
		envs = append(envs, env)
	}
	return envs, nil
}

// captureFIFO walks the backlog in arrival order. For each candidate the
// group lock is claimed first; only then is the message captured, by _id
// with the unleased guard re-checked. A candidate grabbed by another worker
// in between simply stops matching and the walk moves on.
func (s *Store) captureFIFO(ctx context.Context, processorID string, now time.Time) ([]*inbox.Envelope, error) {
	// Groups known to be held elsewhere seed the exclusion list. This only
	// saves round-trips; the per-group claim below is the authority.
	skip, err := s.blockedGroups(ctx, processorID, now)
	if err != nil {
		return nil, err
	}
	owned := make(map[string]bool)

	findOpts := options.FindOne().
		SetSort(bson.D{{Key: "received_at", Value: 1}, {Key: "_id", Value: 1}})
	updateOpts := options.FindOneAndUpdate().SetReturnDocument(options.After)

	var envs []*inbox.Envelope
	for len(envs) < s.cfg.ReadBatchSize {
		var doc messageDoc
		err := s.messages.FindOne(ctx, pendingFilter(s.expiredBefore(now), skip), findOpts).Decode(&doc)
		if errors.Is(err, mongo.ErrNoDocuments) {
			break
		}
		if err != nil {
			return envs, fmt.Errorf("mongo capture candidate: %w", err)
		}

		if doc.Group != "" && !owned[doc.Group] {
			claimed, err := s.claimGroup(ctx, doc.Group, processorID, now)
			if err != nil {
				return envs, err
			}
			if !claimed {
				skip = append(skip, doc.Group)
				continue
			}
			owned[doc.Group] = true
		}

		claimFilter := bson.D{
			{Key: "_id", Value: doc.ID},
			{Key: "$or", Value: unleasedClauses(s.expiredBefore(now))},
		}
		err = s.messages.FindOneAndUpdate(ctx, claimFilter, captureUpdate(processorID, now), updateOpts).Decode(&doc)
		if errors.Is(err, mongo.ErrNoDocuments) {
			continue
		}
		if err != nil {
			return envs, fmt.Errorf("mongo capture: %w", err)
		}

		env, err := s.toEnvelope(doc)
		if err != nil {
			return envs, err
		}
		envs = append(envs, env)
	}
	return envs, nil
}

func (s *Store) blockedGroups(ctx context.Context, processorID string, now time.Time) ([]string, error) {
	cur, err := s.locks.Find(ctx, bson.D{
		{Key: "locked_by", Value: bson.D{{Key: "$ne", Value: processorID}}},
		{Key: "locked_until", Value: bson.D{{Key: "$gt", Value: now}}},
	})
	if err != nil {
		return nil, fmt.Errorf("mongo blocked groups: %w", err)
	}
	var lockDocs []struct {
		Group string `bson:"_id"`
	}
	if err := cur.All(ctx, &lockDocs); err != nil {
		return nil, fmt.Errorf("mongo blocked groups: %w", err)
	}
	blocked := make([]string, 0, len(lockDocs))
	for _, l := range lockDocs {
		blocked = append(blocked, l.Group)
	}
	return blocked, nil
}

// claimGroup takes the group lock for processorID. An existing lock is taken
// over only when it is already ours or expired; an insert racing another
// worker's loses on the _id key and reports the group as held.
func (s *Store) claimGroup(ctx context.Context, group, processorID string, now time.Time) (bool, error) {
	until := now.Add(s.cfg.MaxProcessingTime)
	res := s.locks.FindOneAndUpdate(ctx,
		groupClaimFilter(group, processorID, now),
		bson.D{{Key: "$set", Value: bson.D{
			{Key: "locked_by", Value: processorID},
			{Key: "locked_until", Value: until},
		}}},
	)
	err := res.Err()
	if err == nil {
		return true, nil
	}
	if !errors.Is(err, mongo.ErrNoDocuments) {
		return false, fmt.Errorf("mongo claim group %s: %w", group, err)
	}

	_, err = s.locks.InsertOne(ctx, bson.D{
		{Key: "_id", Value: group},
		{Key: "locked_by", Value: processorID},
		{Key: "locked_until", Value: until},
	})
	if err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return false, nil
		}
		return false, fmt.Errorf("mongo claim group %s: %w", group, err)
	}
	return true, nil
}

// Complete deletes a message.
func (s *Store) Complete(ctx context.Context, id uuid.UUID) error {
	if _, err := s.messages.DeleteOne(ctx, bson.D{{Key: "_id", Value: id.String()}}); err != nil {
		return fmt.Errorf("mongo complete: %w", err)
	}
	return nil
}

// Fail clears the lease and counts the attempt.
func (s *Store) Fail(ctx context.Context, id uuid.UUID) error {
	_, err := s.messages.UpdateOne(ctx,
		bson.D{{Key: "_id", Value: id.String()}},
		bson.D{
			{Key: "$unset", Value: bson.D{{Key: "captured_at", Value: ""}, {Key: "captured_by", Value: ""}}},
			{Key: "$inc", Value: bson.D{{Key: "attempts", Value: 1}}},
		},
	)
	if err != nil {
		return fmt.Errorf("mongo fail: %w", err)
	}
	return nil
}

// Release clears the lease without counting an attempt.
func (s *Store) Release(ctx context.Context, id uuid.UUID) error {
	return s.releaseMany(ctx, []uuid.UUID{id})
}

func (s *Store) releaseMany(ctx context.Context, ids []uuid.UUID) error {
	if len(ids) == 0 {
		return nil
	}
	strIDs := make([]string, 0, len(ids))
	for _, id := range ids {
		strIDs = append(strIDs, id.String())
	}
	_, err := s.messages.UpdateMany(ctx,
		bson.D{{Key: "_id", Value: bson.D{{Key: "$in", Value: strIDs}}}},
		bson.D{{Key: "$unset", Value: bson.D{{Key: "captured_at", Value: ""}, {Key: "captured_by", Value: ""}}}},
	)
	if err != nil {
		return fmt.Errorf("mongo release: %w", err)
	}
	return nil
}

// DeadLetter moves a message to the dead-letter collection.
func (s *Store) DeadLetter(ctx context.Context, id uuid.UUID, reason string) error {
	return s.deadLetter(ctx, storage.DeadLetterRequest{ID: id, Reason: reason})
}

func (s *Store) deadLetter(ctx context.Context, req storage.DeadLetterRequest) error {
	var doc messageDoc
	err := s.messages.FindOneAndDelete(ctx, bson.D{{Key: "_id", Value: req.ID.String()}}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("mongo dead letter: %w", err)
	}

	if !s.cfg.DeadLetterEnabled {
		return nil
	}

	attempts := doc.Attempts
	if req.CountAttempt {
		attempts++
	}
	snapshot := deadLetterDoc{
		ID:         doc.ID,
		Type:       doc.Type,
		Payload:    doc.Payload,
		Group:      doc.Group,
		Collapse:   doc.Collapse,
		Dedup:      doc.Dedup,
		Attempts:   attempts,
		ReceivedAt: doc.ReceivedAt,
		Reason:     req.Reason,
		MovedAt:    s.now(),
	}
	if _, err := s.deadLetters.InsertOne(ctx, snapshot); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return nil
		}
		return fmt.Errorf("mongo dead letter snapshot: %w", err)
	}
	return nil
}

// ProcessResultsBatch applies the sections sequentially. Unlike the SQL and
// Redis backends this is not a single atomic step; a failure mid-batch
// leaves earlier sections applied, which at-least-once delivery tolerates.
func (s *Store) ProcessResultsBatch(ctx context.Context, batch storage.FinalizeBatch) error {
	if len(batch.Complete) > 0 {
		strIDs := make([]string, 0, len(batch.Complete))
		for _, id := range batch.Complete {
			strIDs = append(strIDs, id.String())
		}
		_, err := s.messages.DeleteMany(ctx, bson.D{{Key: "_id", Value: bson.D{{Key: "$in", Value: strIDs}}}})
		if err != nil {
			return fmt.Errorf("mongo batch complete: %w", err)
		}
	}
	for _, id := range batch.Fail {
		if err := s.Fail(ctx, id); err != nil {
			return err
		}
	}
	if err := s.releaseMany(ctx, batch.Release); err != nil {
		return err
	}
	for _, req := range batch.DeadLetter {
		if err := s.deadLetter(ctx, req); err != nil {
			return err
		}
	}
	return nil
}

// ExtendLocks refreshes lease timestamps and group lock deadlines owned by
// processorID.
func (s *Store) ExtendLocks(ctx context.Context, processorID string, entries []storage.LockEntry, deadline time.Time) (int, error) {
	if len(entries) == 0 {
		return 0, nil
	}

	strIDs := make([]string, 0, len(entries))
	groups := make(map[string]bool)
	for _, e := range entries {
		strIDs = append(strIDs, e.ID.String())
		if e.GroupID != "" {
			groups[e.GroupID] = true
		}
	}

	res, err := s.messages.UpdateMany(ctx,
		bson.D{
			{Key: "_id", Value: bson.D{{Key: "$in", Value: strIDs}}},
			{Key: "captured_by", Value: processorID},
		},
		bson.D{{Key: "$set", Value: bson.D{{Key: "captured_at", Value: deadline.UTC()}}}},
	)
	if err != nil {
		return 0, fmt.Errorf("mongo extend locks: %w", err)
	}

	if len(groups) > 0 {
		list := make([]string, 0, len(groups))
		for g := range groups {
			list = append(list, g)
		}
		_, err := s.locks.UpdateMany(ctx,
			bson.D{
				{Key: "_id", Value: bson.D{{Key: "$in", Value: list}}},
				{Key: "locked_by", Value: processorID},
			},
			bson.D{{Key: "$set", Value: bson.D{{Key: "locked_until", Value: deadline.UTC()}}}},
		)
		if err != nil {
			return 0, fmt.Errorf("mongo extend group locks: %w", err)
		}
	}
	return int(res.ModifiedCount), nil
}

// ReleaseGroupLocks drops group locks unconditionally.
func (s *Store) ReleaseGroupLocks(ctx context.Context, groupIDs []string) error {
	if len(groupIDs) == 0 {
		return nil
	}
	_, err := s.locks.DeleteMany(ctx, bson.D{{Key: "_id", Value: bson.D{{Key: "$in", Value: groupIDs}}}})
	if err != nil {
		return fmt.Errorf("mongo release group locks: %w", err)
	}
	return nil
}

// ReleaseMessagesAndGroupLocks releases leases and drops locks.
func (s *Store) ReleaseMessagesAndGroupLocks(ctx context.Context, ids []uuid.UUID, groupIDs []string) error {
	if err := s.releaseMany(ctx, ids); err != nil {
		return err
	}
	return s.ReleaseGroupLocks(ctx, groupIDs)
}

// ReadDeadLetters returns dead-letter entries, oldest first.
func (s *Store) ReadDeadLetters(ctx context.Context, limit int) ([]*inbox.DeadLetterEntry, error) {
	if limit <= 0 {
		limit = 100
	}

	opts := options.Find().
		SetSort(bson.D{{Key: "moved_at", Value: 1}, {Key: "_id", Value: 1}}).
		SetLimit(int64(limit))
	cur, err := s.deadLetters.Find(ctx, bson.D{}, opts)
	if err != nil {
		return nil, fmt.Errorf("mongo read dead letters: %w", err)
	}

	var docs []deadLetterDoc
	if err := cur.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("mongo read dead letters: %w", err)
	}

	entries := make([]*inbox.DeadLetterEntry, 0, len(docs))
	for _, doc := range docs {
		id, err := uuid.Parse(doc.ID)
		if err != nil {
			continue
		}
		entries = append(entries, &inbox.DeadLetterEntry{
			ID:              id,
			InboxName:       s.cfg.InboxName,
			MessageType:     doc.Type,
			Payload:         doc.Payload,
			GroupID:         doc.Group,
			CollapseKey:     doc.Collapse,
			DeduplicationID: doc.Dedup,
			AttemptsCount:   doc.Attempts,
			ReceivedAt:      doc.ReceivedAt.UTC(),
			FailureReason:   doc.Reason,
			MovedAt:         doc.MovedAt.UTC(),
		})
	}
	return entries, nil
}

// HealthMetrics returns the backlog snapshot. Expired leases count as
// pending.
func (s *Store) HealthMetrics(ctx context.Context) (storage.HealthMetrics, error) {
	now := s.now()
	pendingFilter := bson.D{{Key: "$or", Value: unleasedClauses(s.expiredBefore(now))}}

	var m storage.HealthMetrics
	var err error
	if m.PendingCount, err = s.messages.CountDocuments(ctx, pendingFilter); err != nil {
		return m, fmt.Errorf("mongo pending count: %w", err)
	}
	capturedFilter := bson.D{{Key: "captured_at", Value: bson.D{{Key: "$gt", Value: s.expiredBefore(now)}}}}
	if m.CapturedCount, err = s.messages.CountDocuments(ctx, capturedFilter); err != nil {
		return m, fmt.Errorf("mongo captured count: %w", err)
	}
	if m.DeadLetterCount, err = s.deadLetters.CountDocuments(ctx, bson.D{}); err != nil {
		return m, fmt.Errorf("mongo dead letter count: %w", err)
	}

	var doc messageDoc
	err = s.messages.FindOne(ctx, pendingFilter,
		options.FindOne().SetSort(bson.D{{Key: "received_at", Value: 1}})).Decode(&doc)
	if err == nil {
		m.OldestPendingReceivedAt = doc.ReceivedAt.UTC()
	} else if !errors.Is(err, mongo.ErrNoDocuments) {
		return m, fmt.Errorf("mongo oldest pending: %w", err)
	}
	return m, nil
}

// CleanupDedup deletes up to limit deduplication records created before
// cutoff. The TTL index usually gets there first.
func (s *Store) CleanupDedup(ctx context.Context, cutoff time.Time, limit int) (int64, error) {
	filter := bson.D{{Key: "created_at", Value: bson.D{{Key: "$lt", Value: cutoff.UTC()}}}}
	return s.boundedDelete(ctx, s.dedup, filter, limit)
}

// CleanupDeadLetters deletes up to limit dead-letter entries moved before
// cutoff.
func (s *Store) CleanupDeadLetters(ctx context.Context, cutoff time.Time, limit int) (int64, error) {
	filter := bson.D{{Key: "moved_at", Value: bson.D{{Key: "$lt", Value: cutoff.UTC()}}}}
	return s.boundedDelete(ctx, s.deadLetters, filter, limit)
}

// CleanupGroupLocks deletes group locks whose deadline has passed.
func (s *Store) CleanupGroupLocks(ctx context.Context) (int64, error) {
	res, err := s.locks.DeleteMany(ctx, bson.D{{Key: "locked_until", Value: bson.D{{Key: "$lte", Value: s.now()}}}})
	if err != nil {
		return 0, fmt.Errorf("mongo cleanup group locks: %w", err)
	}
	return res.DeletedCount, nil
}

func (s *Store) boundedDelete(ctx context.Context, coll *mongo.Collection, filter bson.D, limit int) (int64, error) {
	if limit <= 0 {
		limit = 500
	}

	opts := options.Find().
		SetProjection(bson.D{{Key: "_id", Value: 1}}).
		SetLimit(int64(limit))
	cur, err := coll.Find(ctx, filter, opts)
	if err != nil {
		return 0, fmt.Errorf("mongo cleanup find: %w", err)
	}

	var docs []struct {
		ID any `bson:"_id"`
	}
	if err := cur.All(ctx, &docs); err != nil {
		return 0, fmt.Errorf("mongo cleanup read: %w", err)
	}
	if len(docs) == 0 {
		return 0, nil
	}

	ids := make([]any, 0, len(docs))
	for _, d := range docs {
		ids = append(ids, d.ID)
	}
	res, err := coll.DeleteMany(ctx, bson.D{{Key: "_id", Value: bson.D{{Key: "$in", Value: ids}}}})
	if err != nil {
		return 0, fmt.Errorf("mongo cleanup delete: %w", err)
	}
	return res.DeletedCount, nil
}
