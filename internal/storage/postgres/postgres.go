// Package postgres implements the storage protocol on PostgreSQL using
// database/sql with the pgx driver. Each inbox owns four tables named after
// it; atomicity comes from transactions and the capture path uses
// FOR UPDATE SKIP LOCKED so concurrent workers never block each other.
package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"go.inlet.tech/internal/inbox"
	"go.inlet.tech/internal/storage"
)

var tableNamePattern = regexp.MustCompile(`^[a-z][a-z0-9_]*$`)

// collapseRetries bounds the delete-then-insert loop for a contended
// collapse slot.
const collapseRetries = 3

// Store is a PostgreSQL-backed storage.Provider for one inbox.
type Store struct {
	cfg storage.Config
	db  *sql.DB

	messages    string
	dedup       string
	locks       string
	deadLetters string
}

// New creates a store on an existing connection pool. The inbox name becomes
// part of the table names, so it must be a valid lowercase identifier after
// dashes are folded to underscores.
func New(db *sql.DB, cfg storage.Config) (*Store, error) {
	cfg = cfg.WithDefaults()

	name := strings.ReplaceAll(strings.ToLower(cfg.InboxName), "-", "_")
	if !tableNamePattern.MatchString(name) {
		return nil, fmt.Errorf("inbox name %q is not usable as a table suffix", cfg.InboxName)
	}

	return &Store{
		cfg:         cfg,
		db:          db,
		messages:    "inbox_messages_" + name,
		dedup:       "inbox_dedup_" + name,
		locks:       "inbox_locks_" + name,
		deadLetters: "inbox_dead_letters_" + name,
	}, nil
}

func (s *Store) now() time.Time {
	return s.cfg.Clock.Now().UTC()
}

// expiredBefore is the captured_at threshold under which a lease no longer
// holds.
func (s *Store) expiredBefore(now time.Time) time.Time {
	return now.Add(-s.cfg.MaxProcessingTime)
}

// CreateSchema creates the inbox's tables and indexes if missing. Meant for
// start-up bootstrap and tests; production deployments may prefer their own
// migrations.
func (s *Store) CreateSchema(ctx context.Context) error {
	stmts := []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			id UUID PRIMARY KEY,
			message_type TEXT NOT NULL,
			payload BYTEA,
			group_id TEXT NOT NULL DEFAULT '',
			collapse_key TEXT NOT NULL DEFAULT '',
			dedup_id TEXT NOT NULL DEFAULT '',
			attempts INT NOT NULL DEFAULT 0,
			received_at TIMESTAMPTZ NOT NULL,
			captured_at TIMESTAMPTZ,
			captured_by TEXT
		)`, s.messages),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s_received_idx ON %s (received_at, id)`, s.messages, s.messages),
		fmt.Sprintf(`CREATE UNIQUE INDEX IF NOT EXISTS %s_collapse_idx ON %s (collapse_key) WHERE collapse_key <> '' AND captured_at IS NULL`, s.messages, s.messages),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			dedup_id TEXT PRIMARY KEY,
			created_at TIMESTAMPTZ NOT NULL
		)`, s.dedup),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			group_id TEXT PRIMARY KEY,
			locked_by TEXT NOT NULL,
			locked_until TIMESTAMPTZ NOT NULL
		)`, s.locks),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			id UUID PRIMARY KEY,
			message_type TEXT NOT NULL,
			payload BYTEA,
			group_id TEXT NOT NULL DEFAULT '',
			collapse_key TEXT NOT NULL DEFAULT '',
			dedup_id TEXT NOT NULL DEFAULT '',
			attempts INT NOT NULL DEFAULT 0,
			received_at TIMESTAMPTZ NOT NULL,
			failure_reason TEXT NOT NULL DEFAULT '',
			moved_at TIMESTAMPTZ NOT NULL
		)`, s.deadLetters),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s_moved_idx ON %s (moved_at)`, s.deadLetters, s.deadLetters),
	}

	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("create schema: %w", err)
		}
	}
	return nil
}

// WriteOne persists one message with dedup and collapse enforcement.
func (s *Store) WriteOne(ctx context.Context, msg *inbox.Message) (storage.WriteOutcome, error) {
	var outcome storage.WriteOutcome
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		var err error
		outcome, err = s.writeTx(ctx, tx, msg)
		return err
	})
	return outcome, err
}

// WriteBatch persists several messages in one transaction, skipping
// deduplicated entries.
func (s *Store) WriteBatch(ctx context.Context, msgs []*inbox.Message) (int, error) {
	inserted := 0
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		for _, msg := range msgs {
			outcome, err := s.writeTx(ctx, tx, msg)
			if err != nil {
				return err
			}
			if outcome == storage.Inserted {
				inserted++
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return inserted, nil
}

func (s *Store) writeTx(ctx context.Context, tx *sql.Tx, msg *inbox.Message) (storage.WriteOutcome, error) {
	now := s.now()

	if s.cfg.DeduplicationEnabled && msg.DeduplicationID != "" {
		// The conflict update only fires when the existing record is
		// outside the window, so RETURNING yields a row exactly when this
		// write claims the deduplication id.
		cutoff := now.Add(-s.cfg.DeduplicationInterval)
		query := fmt.Sprintf(`
			INSERT INTO %s (dedup_id, created_at) VALUES ($1, $2)
			ON CONFLICT (dedup_id) DO UPDATE SET created_at = EXCLUDED.created_at
			WHERE %s.created_at <= $3
			RETURNING dedup_id`, s.dedup, s.dedup)

		var claimed string
		err := tx.QueryRowContext(ctx, query, msg.DeduplicationID, now, cutoff).Scan(&claimed)
		if err == sql.ErrNoRows {
			return storage.Duplicate, nil
		}
		if err != nil {
			return storage.Inserted, fmt.Errorf("claim dedup id: %w", err)
		}
	}

	if msg.CollapseKey == "" {
		query := fmt.Sprintf(`
			INSERT INTO %s (id, message_type, payload, group_id, collapse_key, dedup_id, attempts, received_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`, s.messages)
		if _, err := tx.ExecContext(ctx, query, insertArgs(msg)...); err != nil {
			return storage.Inserted, fmt.Errorf("insert message: %w", err)
		}
		return storage.Inserted, nil
	}

	// Two writers of one collapse key cannot see each other's uncommitted
	// row; the unique pending index arbitrates. The loser's insert affects
	// no row, and its retried delete then sees the committed winner.
	deleteQuery := fmt.Sprintf(`
		DELETE FROM %s
		WHERE collapse_key = $1 AND id <> $2
		AND (captured_at IS NULL OR captured_at <= $3)`, s.messages)
	insertQuery := fmt.Sprintf(`
		INSERT INTO %s (id, message_type, payload, group_id, collapse_key, dedup_id, attempts, received_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (collapse_key) WHERE collapse_key <> '' AND captured_at IS NULL DO NOTHING`, s.messages)

	for attempt := 0; attempt < collapseRetries; attempt++ {
		if _, err := tx.ExecContext(ctx, deleteQuery, msg.CollapseKey, msg.ID, s.expiredBefore(now)); err != nil {
			return storage.Inserted, fmt.Errorf("collapse older message: %w", err)
		}
		res, err := tx.ExecContext(ctx, insertQuery, insertArgs(msg)...)
		if err != nil {
			return storage.Inserted, fmt.Errorf("insert message: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return storage.Inserted, fmt.Errorf("insert message: %w", err)
		}
		if n == 1 {
			return storage.Inserted, nil
		}
	}
	return storage.Inserted, fmt.Errorf("collapse key %q: slot kept conflicting", msg.CollapseKey)
}

func insertArgs(msg *inbox.Message) []any {
	return []any{
		msg.ID, msg.MessageType, msg.Payload, msg.GroupID,
		msg.CollapseKey, msg.DeduplicationID, msg.AttemptsCount, msg.ReceivedAt.UTC(),
	}
}

// ReadAndCapture leases eligible messages in arrival order. Row locks with
// SKIP LOCKED keep concurrent captures disjoint; for FIFO inboxes the group
// locks are claimed in the same transaction and messages of groups lost to
// another worker are dropped from the lease.
func (s *Store) ReadAndCapture(ctx context.Context, processorID string) ([]*inbox.Envelope, error) {
	now := s.now()

	groupFilter := ""
	if s.cfg.FIFO {
		groupFilter = fmt.Sprintf(`
			AND NOT EXISTS (
				SELECT 1 FROM %s l
				WHERE l.group_id = m.group_id AND m.group_id <> ''
				AND l.locked_by <> $2 AND l.locked_until > $3
			)`, s.locks)
	}

	query := fmt.Sprintf(`
		WITH candidates AS (
			SELECT m.id FROM %s m
			WHERE (m.captured_at IS NULL OR m.captured_at <= $1)
			%s
			ORDER BY m.received_at, m.id
			LIMIT $%d
			FOR UPDATE SKIP LOCKED
		)
		UPDATE %s m
		SET captured_at = $%d, captured_by = $%d
		FROM candidates c
		WHERE m.id = c.id
		RETURNING m.id, m.message_type, m.payload, m.group_id, m.collapse_key,
			m.dedup_id, m.attempts, m.received_at, m.captured_at, m.captured_by`,
		s.messages, groupFilter, argOffset(s.cfg.FIFO, 2), s.messages,
		argOffset(s.cfg.FIFO, 3), argOffset(s.cfg.FIFO, 4))

	args := []any{s.expiredBefore(now)}
	if s.cfg.FIFO {
		args = append(args, processorID, now)
	}
	args = append(args, s.cfg.ReadBatchSize, now, processorID)

	var envs []*inbox.Envelope
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, query, args...)
		if err != nil {
			return fmt.Errorf("capture: %w", err)
		}
		defer rows.Close()

		envs = envs[:0]
		for rows.Next() {
			env := &inbox.Envelope{InboxName: s.cfg.InboxName}
			var capturedAt sql.NullTime
			var capturedBy sql.NullString
			err := rows.Scan(&env.ID, &env.MessageType, &env.Payload, &env.GroupID,
				&env.CollapseKey, &env.DeduplicationID, &env.AttemptsCount,
				&env.ReceivedAt, &capturedAt, &capturedBy)
			if err != nil {
				return fmt.Errorf("scan captured message: %w", err)
			}
			if capturedAt.Valid {
				env.CapturedAt = capturedAt.Time.UTC()
			}
			env.CapturedBy = capturedBy.String
			env.ReceivedAt = env.ReceivedAt.UTC()
			envs = append(envs, env)
		}
		if err := rows.Err(); err != nil {
			return fmt.Errorf("capture rows: %w", err)
		}

		if s.cfg.FIFO {
			kept, err := s.claimGroupsTx(ctx, tx, envs, processorID, now)
			if err != nil {
				return err
			}
			envs = kept
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	// UPDATE ... RETURNING does not guarantee row order.
	sort.Slice(envs, func(i, j int) bool {
		if !envs[i].ReceivedAt.Equal(envs[j].ReceivedAt) {
			return envs[i].ReceivedAt.Before(envs[j].ReceivedAt)
		}
		return strings.Compare(envs[i].ID.String(), envs[j].ID.String()) < 0
	})
	return envs, nil
}

// claimGroupsTx acquires group locks for a FIFO lease inside the capture
// transaction. The NOT EXISTS filter in the capture query is only a fast
// path: under READ COMMITTED a concurrent worker's uncommitted lock row is
// invisible to it, so each group is claimed with a guarded upsert that wins
// only when the lock is ours, free or expired. The primary-key conflict
// serializes the two claimants and the loser's WHERE re-evaluates against the
// winner's committed row. Messages of lost groups are un-captured and
// dropped from the lease.
func (s *Store) claimGroupsTx(ctx context.Context, tx *sql.Tx, envs []*inbox.Envelope, processorID string, now time.Time) ([]*inbox.Envelope, error) {
	groups := make(map[string]bool)
	for _, env := range envs {
		if env.GroupID != "" {
			groups[env.GroupID] = true
		}
	}
	if len(groups) == 0 {
		return envs, nil
	}

	ordered := make([]string, 0, len(groups))
	for g := range groups {
		ordered = append(ordered, g)
	}
	// Workers claim in one global order so they never deadlock on each
	// other's lock rows.
	sort.Strings(ordered)

	until := now.Add(s.cfg.MaxProcessingTime)
	query := fmt.Sprintf(`
		INSERT INTO %s (group_id, locked_by, locked_until) VALUES ($1, $2, $3)
		ON CONFLICT (group_id) DO UPDATE SET locked_by = $2, locked_until = $3
		WHERE %s.locked_by = $2 OR %s.locked_until <= $4
		RETURNING group_id`, s.locks, s.locks, s.locks)

	lost := make(map[string]bool)
	for _, group := range ordered {
		var claimed string
		err := tx.QueryRowContext(ctx, query, group, processorID, until, now).Scan(&claimed)
		if err == sql.ErrNoRows {
			lost[group] = true
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("claim group %s: %w", group, err)
		}
	}
	if len(lost) == 0 {
		return envs, nil
	}

	var lostIDs []uuid.UUID
	kept := envs[:0]
	for _, env := range envs {
		if lost[env.GroupID] {
			lostIDs = append(lostIDs, env.ID)
			continue
		}
		kept = append(kept, env)
	}

	release := fmt.Sprintf(`
		UPDATE %s SET captured_at = NULL, captured_by = NULL
		WHERE id IN (%s)`, s.messages, placeholders(1, len(lostIDs)))
	if _, err := tx.ExecContext(ctx, release, idArgs(lostIDs)...); err != nil {
		return nil, fmt.Errorf("release contested groups: %w", err)
	}
	return kept, nil
}

// Complete deletes a message. Collapse slots need no bookkeeping here: the
// collapse index is the messages table itself.
func (s *Store) Complete(ctx context.Context, id uuid.UUID) error {
	return s.ProcessResultsBatch(ctx, storage.FinalizeBatch{Complete: []uuid.UUID{id}})
}

// Fail clears the lease and counts the attempt.
func (s *Store) Fail(ctx context.Context, id uuid.UUID) error {
	return s.ProcessResultsBatch(ctx, storage.FinalizeBatch{Fail: []uuid.UUID{id}})
}

// Release clears the lease without counting an attempt.
func (s *Store) Release(ctx context.Context, id uuid.UUID) error {
	return s.ProcessResultsBatch(ctx, storage.FinalizeBatch{Release: []uuid.UUID{id}})
}

// DeadLetter moves a message to the dead-letter table.
func (s *Store) DeadLetter(ctx context.Context, id uuid.UUID, reason string) error {
	return s.ProcessResultsBatch(ctx, storage.FinalizeBatch{
		DeadLetter: []storage.DeadLetterRequest{{ID: id, Reason: reason}},
	})
}

// ProcessResultsBatch applies a full finalize batch in one transaction.
func (s *Store) ProcessResultsBatch(ctx context.Context, batch storage.FinalizeBatch) error {
	if batch.Empty() {
		return nil
	}

	return s.inTx(ctx, func(tx *sql.Tx) error {
		if len(batch.Complete) > 0 {
			query := fmt.Sprintf(`DELETE FROM %s WHERE id IN (%s)`,
				s.messages, placeholders(1, len(batch.Complete)))
			if _, err := tx.ExecContext(ctx, query, idArgs(batch.Complete)...); err != nil {
				return fmt.Errorf("complete: %w", err)
			}
		}
		if len(batch.Fail) > 0 {
			if err := s.dropSupersededTx(ctx, tx, batch.Fail); err != nil {
				return err
			}
			query := fmt.Sprintf(`
				UPDATE %s SET captured_at = NULL, captured_by = NULL, attempts = attempts + 1
				WHERE id IN (%s)`, s.messages, placeholders(1, len(batch.Fail)))
			if _, err := tx.ExecContext(ctx, query, idArgs(batch.Fail)...); err != nil {
				return fmt.Errorf("fail: %w", err)
			}
		}
		if len(batch.Release) > 0 {
			if err := s.dropSupersededTx(ctx, tx, batch.Release); err != nil {
				return err
			}
			query := fmt.Sprintf(`
				UPDATE %s SET captured_at = NULL, captured_by = NULL
				WHERE id IN (%s)`, s.messages, placeholders(1, len(batch.Release)))
			if _, err := tx.ExecContext(ctx, query, idArgs(batch.Release)...); err != nil {
				return fmt.Errorf("release: %w", err)
			}
		}
		for _, req := range batch.DeadLetter {
			if err := s.deadLetterTx(ctx, tx, req); err != nil {
				return err
			}
		}
		return nil
	})
}

// dropSupersededTx deletes messages from the id set whose collapse slot was
// taken by a newer pending message while they were leased. Returning such a
// row to pending would violate the unique collapse index.
func (s *Store) dropSupersededTx(ctx context.Context, tx *sql.Tx, ids []uuid.UUID) error {
	query := fmt.Sprintf(`
		DELETE FROM %s
		WHERE id IN (%s) AND collapse_key <> ''
		AND EXISTS (
			SELECT 1 FROM %s o
			WHERE o.collapse_key = %s.collapse_key
			AND o.id <> %s.id AND o.captured_at IS NULL
		)`, s.messages, placeholders(1, len(ids)), s.messages, s.messages, s.messages)
	if _, err := tx.ExecContext(ctx, query, idArgs(ids)...); err != nil {
		return fmt.Errorf("drop superseded: %w", err)
	}
	return nil
}

func (s *Store) deadLetterTx(ctx context.Context, tx *sql.Tx, req storage.DeadLetterRequest) error {
	extra := 0
	if req.CountAttempt {
		extra = 1
	}

	if s.cfg.DeadLetterEnabled {
		query := fmt.Sprintf(`
			INSERT INTO %s (id, message_type, payload, group_id, collapse_key,
				dedup_id, attempts, received_at, failure_reason, moved_at)
			SELECT id, message_type, payload, group_id, collapse_key,
				dedup_id, attempts + $2, received_at, $3, $4
			FROM %s WHERE id = $1
			ON CONFLICT (id) DO NOTHING`, s.deadLetters, s.messages)
		if _, err := tx.ExecContext(ctx, query, req.ID, extra, req.Reason, s.now()); err != nil {
			return fmt.Errorf("dead letter snapshot: %w", err)
		}
	}

	query := fmt.Sprintf(`DELETE FROM %s WHERE id = $1`, s.messages)
	if _, err := tx.ExecContext(ctx, query, req.ID); err != nil {
		return fmt.Errorf("dead letter delete: %w", err)
	}
	return nil
}

// ExtendLocks refreshes lease timestamps and group lock deadlines owned by
// processorID.
func (s *Store) ExtendLocks(ctx context.Context, processorID string, entries []storage.LockEntry, deadline time.Time) (int, error) {
	if len(entries) == 0 {
		return 0, nil
	}

	ids := make([]uuid.UUID, 0, len(entries))
	groups := make(map[string]bool)
	for _, e := range entries {
		ids = append(ids, e.ID)
		if e.GroupID != "" {
			groups[e.GroupID] = true
		}
	}

	extended := 0
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		query := fmt.Sprintf(`
			UPDATE %s SET captured_at = $1
			WHERE captured_by = $2 AND captured_at IS NOT NULL AND id IN (%s)`,
			s.messages, placeholders(3, len(ids)))
		args := append([]any{deadline.UTC(), processorID}, idArgs(ids)...)
		res, err := tx.ExecContext(ctx, query, args...)
		if err != nil {
			return fmt.Errorf("extend message locks: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("extend message locks: %w", err)
		}
		extended = int(n)

		if len(groups) > 0 {
			list := make([]any, 0, len(groups)+2)
			list = append(list, deadline.UTC(), processorID)
			for g := range groups {
				list = append(list, g)
			}
			query := fmt.Sprintf(`
				UPDATE %s SET locked_until = $1
				WHERE locked_by = $2 AND group_id IN (%s)`,
				s.locks, placeholders(3, len(groups)))
			if _, err := tx.ExecContext(ctx, query, list...); err != nil {
				return fmt.Errorf("extend group locks: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return extended, nil
}

// ReleaseGroupLocks drops group locks unconditionally.
func (s *Store) ReleaseGroupLocks(ctx context.Context, groupIDs []string) error {
	if len(groupIDs) == 0 {
		return nil
	}
	query := fmt.Sprintf(`DELETE FROM %s WHERE group_id IN (%s)`,
		s.locks, placeholders(1, len(groupIDs)))
	args := make([]any, 0, len(groupIDs))
	for _, g := range groupIDs {
		args = append(args, g)
	}
	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("release group locks: %w", err)
	}
	return nil
}

// ReleaseMessagesAndGroupLocks releases leases and drops locks in one
// transaction.
func (s *Store) ReleaseMessagesAndGroupLocks(ctx context.Context, ids []uuid.UUID, groupIDs []string) error {
	if len(ids) == 0 && len(groupIDs) == 0 {
		return nil
	}

	return s.inTx(ctx, func(tx *sql.Tx) error {
		if len(ids) > 0 {
			if err := s.dropSupersededTx(ctx, tx, ids); err != nil {
				return err
			}
			query := fmt.Sprintf(`
				UPDATE %s SET captured_at = NULL, captured_by = NULL
				WHERE id IN (%s)`, s.messages, placeholders(1, len(ids)))
			if _, err := tx.ExecContext(ctx, query, idArgs(ids)...); err != nil {
				return fmt.Errorf("release messages: %w", err)
			}
		}
		if len(groupIDs) > 0 {
			query := fmt.Sprintf(`DELETE FROM %s WHERE group_id IN (%s)`,
				s.locks, placeholders(1, len(groupIDs)))
			args := make([]any, 0, len(groupIDs))
			for _, g := range groupIDs {
				args = append(args, g)
			}
			if _, err := tx.ExecContext(ctx, query, args...); err != nil {
				return fmt.Errorf("release group locks: %w", err)
			}
		}
		return nil
	})
}

// ReadDeadLetters returns dead-letter entries, oldest first.
func (s *Store) ReadDeadLetters(ctx context.Context, limit int) ([]*inbox.DeadLetterEntry, error) {
	if limit <= 0 {
		limit = 100
	}

	query := fmt.Sprintf(`
		SELECT id, message_type, payload, group_id, collapse_key, dedup_id,
			attempts, received_at, failure_reason, moved_at
		FROM %s ORDER BY moved_at, id LIMIT $1`, s.deadLetters)

	rows, err := s.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("read dead letters: %w", err)
	}
	defer rows.Close()

	var entries []*inbox.DeadLetterEntry
	for rows.Next() {
		e := &inbox.DeadLetterEntry{InboxName: s.cfg.InboxName}
		err := rows.Scan(&e.ID, &e.MessageType, &e.Payload, &e.GroupID,
			&e.CollapseKey, &e.DeduplicationID, &e.AttemptsCount,
			&e.ReceivedAt, &e.FailureReason, &e.MovedAt)
		if err != nil {
			return nil, fmt.Errorf("scan dead letter: %w", err)
		}
		e.ReceivedAt = e.ReceivedAt.UTC()
		e.MovedAt = e.MovedAt.UTC()
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("read dead letters: %w", err)
	}
	return entries, nil
}

// HealthMetrics returns the backlog snapshot. Expired leases count as
// pending.
func (s *Store) HealthMetrics(ctx context.Context) (storage.HealthMetrics, error) {
	now := s.now()
	expired := s.expiredBefore(now)

	query := fmt.Sprintf(`
		SELECT
			count(*) FILTER (WHERE captured_at IS NULL OR captured_at <= $1),
			count(*) FILTER (WHERE captured_at > $1),
			min(received_at) FILTER (WHERE captured_at IS NULL OR captured_at <= $1)
		FROM %s`, s.messages)

	var m storage.HealthMetrics
	var oldest sql.NullTime
	if err := s.db.QueryRowContext(ctx, query, expired).Scan(&m.PendingCount, &m.CapturedCount, &oldest); err != nil {
		return storage.HealthMetrics{}, fmt.Errorf("health metrics: %w", err)
	}
	if oldest.Valid {
		m.OldestPendingReceivedAt = oldest.Time.UTC()
	}

	dlQuery := fmt.Sprintf(`SELECT count(*) FROM %s`, s.deadLetters)
	if err := s.db.QueryRowContext(ctx, dlQuery).Scan(&m.DeadLetterCount); err != nil {
		return storage.HealthMetrics{}, fmt.Errorf("health metrics dead letters: %w", err)
	}
	return m, nil
}

// CleanupDedup deletes up to limit deduplication records created before
// cutoff.
func (s *Store) CleanupDedup(ctx context.Context, cutoff time.Time, limit int) (int64, error) {
	query := fmt.Sprintf(`
		DELETE FROM %s WHERE dedup_id IN (
			SELECT dedup_id FROM %s WHERE created_at < $1 LIMIT $2
		)`, s.dedup, s.dedup)
	return s.execCount(ctx, query, cutoff.UTC(), limit)
}

// CleanupDeadLetters deletes up to limit dead-letter entries moved before
// cutoff.
func (s *Store) CleanupDeadLetters(ctx context.Context, cutoff time.Time, limit int) (int64, error) {
	query := fmt.Sprintf(`
		DELETE FROM %s WHERE id IN (
			SELECT id FROM %s WHERE moved_at < $1 LIMIT $2
		)`, s.deadLetters, s.deadLetters)
	return s.execCount(ctx, query, cutoff.UTC(), limit)
}

// CleanupGroupLocks deletes group locks whose deadline has passed.
func (s *Store) CleanupGroupLocks(ctx context.Context) (int64, error) {
	query := fmt.Sprintf(`DELETE FROM %s WHERE locked_until <= $1`, s.locks)
	return s.execCount(ctx, query, s.now())
}

func (s *Store) execCount(ctx context.Context, query string, args ...any) (int64, error) {
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("cleanup: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("cleanup: %w", err)
	}
	return n, nil
}

func (s *Store) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

// placeholders renders "$start, $start+1, ..." for n arguments.
func placeholders(start, n int) string {
	var sb strings.Builder
	for i := 0; i < n; i++ {
		if i > 0 {
			sb.WriteString(", ")
		}
		fmt.Fprintf(&sb, "$%d", start+i)
	}
	return sb.String()
}

func idArgs(ids []uuid.UUID) []any {
	args := make([]any, 0, len(ids))
	for _, id := range ids {
		args = append(args, id)
	}
	return args
}

// argOffset numbers the capture query's placeholders: the FIFO variant
// carries two extra leading arguments.
func argOffset(fifo bool, n int) int {
	if fifo {
		return n + 2
	}
	return n
}
