// Package redisstore implements the storage protocol on Redis. Every
// mutating operation is a single Lua script, which gives the same
// all-or-nothing guarantees the SQL backend gets from transactions.
//
// Key scheme, all under one hash tag so cluster deployments keep an inbox in
// one slot:
//
//	inlet:{name}:pending    zset, score = ReceivedAt in microseconds
//	inlet:{name}:captured   zset, score = lease deadline in microseconds
//	inlet:{name}:collapse   hash, collapse key -> holder message id
//	inlet:{name}:msg:<id>   hash, message fields, TTL = MessageTTL
//	inlet:{name}:dedup:<id> string, TTL = DeduplicationInterval
//	inlet:{name}:lock:<g>   string, owner processor id, TTL = lease window
//	inlet:{name}:dlq        zset, score = MovedAt in microseconds
//	inlet:{name}:dl:<id>    hash, dead-letter snapshot, TTL = DL lifetime
//
// Deduplication records, group locks and message liveness expire natively,
// so the matching cleanup operations are no-ops here. Index entries whose
// message hash has expired are pruned lazily during capture.
package redisstore

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"go.inlet.tech/internal/inbox"
	"go.inlet.tech/internal/storage"
)

// Store is a Redis-backed storage.Provider for one inbox.
type Store struct {
	cfg    storage.Config
	rdb    redis.UniversalClient
	prefix string
}

// New creates a store on an existing client. The client is shared; the store
// only touches keys under its own inbox prefix. Braces in the inbox name are
// stripped so the name cannot break out of the hash tag.
func New(rdb redis.UniversalClient, cfg storage.Config) *Store {
	cfg = cfg.WithDefaults()
	name := strings.NewReplacer("{", "", "}", "").Replace(cfg.InboxName)
	return &Store{
		cfg:    cfg,
		rdb:    rdb,
		prefix: "inlet:{" + name + "}",
	}
}

func (s *Store) pendingKey() string  { return s.prefix + ":pending" }
func (s *Store) capturedKey() string { return s.prefix + ":captured" }
func (s *Store) collapseKey() string { return s.prefix + ":collapse" }
func (s *Store) dlqKey() string      { return s.prefix + ":dlq" }
func (s *Store) msgKey(id uuid.UUID) string {
	return s.prefix + ":msg:" + id.String()
}
func (s *Store) dlKey(id uuid.UUID) string {
	return s.prefix + ":dl:" + id.String()
}

func (s *Store) now() time.Time {
	return s.cfg.Clock.Now().UTC()
}

func micros(t time.Time) int64 {
	return t.UnixMicro()
}

var writeScript = redis.NewScript(`
local now = tonumber(ARGV[1])
local prefix = ARGV[2]
local dedupEnabled = ARGV[3] == "1"
local dedupTTL = tonumber(ARGV[4])
local msgTTL = tonumber(ARGV[5])
local count = tonumber(ARGV[6])
local out = {}
local i = 7
for c = 1, count do
	local id = ARGV[i]
	local mtype = ARGV[i+1]
	local payload = ARGV[i+2]
	local group = ARGV[i+3]
	local ckey = ARGV[i+4]
	local dedup = ARGV[i+5]
	local attempts = ARGV[i+6]
	local received = ARGV[i+7]
	i = i + 8

	local dup = false
	if dedupEnabled and dedup ~= "" then
		local dk = prefix .. ":dedup:" .. dedup
		if redis.call("EXISTS", dk) == 1 then
			dup = true
		else
			redis.call("SET", dk, "1", "PX", dedupTTL)
		end
	end

	if dup then
		table.insert(out, 0)
	else
		if ckey ~= "" then
			local old = redis.call("HGET", KEYS[3], ckey)
			if old and old ~= id then
				local deadline = redis.call("ZSCORE", KEYS[2], old)
				if not deadline or tonumber(deadline) <= now then
					redis.call("DEL", prefix .. ":msg:" .. old)
					redis.call("ZREM", KEYS[1], old)
					redis.call("ZREM", KEYS[2], old)
				end
			end
			redis.call("HSET", KEYS[3], ckey, id)
		end
		local mk = prefix .. ":msg:" .. id
		redis.call("HSET", mk,
			"id", id, "type", mtype, "payload", payload,
			"group", group, "collapse", ckey, "dedup", dedup,
			"attempts", attempts, "received_at", received)
		redis.call("PEXPIRE", mk, msgTTL)
		redis.call("ZADD", KEYS[1], tonumber(received), id)
		table.insert(out, 1)
	end
end
return out
`)

var captureScript = redis.NewScript(`
local now = tonumber(ARGV[1])
local batch = tonumber(ARGV[2])
local scan = tonumber(ARGV[3])
local fifo = ARGV[4] == "1"
local proc = ARGV[5]
local lockTTL = tonumber(ARGV[6])
local prefix = ARGV[7]
local deadline = ARGV[8]

local expired = redis.call("ZRANGEBYSCORE", KEYS[2], 0, now)
for _, id in ipairs(expired) do
	redis.call("ZREM", KEYS[2], id)
	local mk = prefix .. ":msg:" .. id
	if redis.call("EXISTS", mk) == 1 then
		redis.call("HDEL", mk, "captured_at", "captured_by")
		local ra = redis.call("HGET", mk, "received_at")
		redis.call("ZADD", KEYS[1], tonumber(ra), id)
	end
end

local result = {}
local candidates = redis.call("ZRANGEBYSCORE", KEYS[1], 0, "+inf", "LIMIT", 0, scan)
for _, id in ipairs(candidates) do
	if #result >= batch then
		break
	end
	local mk = prefix .. ":msg:" .. id
	if redis.call("EXISTS", mk) == 0 then
		redis.call("ZREM", KEYS[1], id)
	else
		local ok = true
		if fifo then
			local group = redis.call("HGET", mk, "group")
			if group and group ~= "" then
				local lk = prefix .. ":lock:" .. group
				local owner = redis.call("GET", lk)
				if owner and owner ~= proc then
					ok = false
				else
					redis.call("SET", lk, proc, "PX", lockTTL)
				end
			end
		end
		if ok then
			redis.call("ZREM", KEYS[1], id)
			redis.call("ZADD", KEYS[2], tonumber(deadline), id)
			redis.call("HSET", mk, "captured_at", ARGV[1], "captured_by", proc)
			table.insert(result, id)
		end
	end
end
return result
`)

var finalizeScript = redis.NewScript(`
local now = tonumber(ARGV[1])
local prefix = ARGV[2]
local msgTTL = tonumber(ARGV[3])
local dlEnabled = ARGV[4] == "1"
local dlTTL = tonumber(ARGV[5])

local function clearCollapse(mk, id)
	local ckey = redis.call("HGET", mk, "collapse")
	if ckey and ckey ~= "" then
		if redis.call("HGET", KEYS[3], ckey) == id then
			redis.call("HDEL", KEYS[3], ckey)
		end
	end
end

local i = 6
local n = tonumber(ARGV[i]); i = i + 1
for c = 1, n do
	local id = ARGV[i]; i = i + 1
	local mk = prefix .. ":msg:" .. id
	clearCollapse(mk, id)
	redis.call("DEL", mk)
	redis.call("ZREM", KEYS[1], id)
	redis.call("ZREM", KEYS[2], id)
end

n = tonumber(ARGV[i]); i = i + 1
for c = 1, n do
	local id = ARGV[i]; i = i + 1
	local mk = prefix .. ":msg:" .. id
	redis.call("ZREM", KEYS[2], id)
	if redis.call("EXISTS", mk) == 1 then
		redis.call("HINCRBY", mk, "attempts", 1)
		redis.call("HDEL", mk, "captured_at", "captured_by")
		redis.call("PEXPIRE", mk, msgTTL)
		local ra = redis.call("HGET", mk, "received_at")
		redis.call("ZADD", KEYS[1], tonumber(ra), id)
	end
end

n = tonumber(ARGV[i]); i = i + 1
for c = 1, n do
	local id = ARGV[i]; i = i + 1
	local mk = prefix .. ":msg:" .. id
	redis.call("ZREM", KEYS[2], id)
	if redis.call("EXISTS", mk) == 1 then
		redis.call("HDEL", mk, "captured_at", "captured_by")
		local ra = redis.call("HGET", mk, "received_at")
		redis.call("ZADD", KEYS[1], tonumber(ra), id)
	end
end

n = tonumber(ARGV[i]); i = i + 1
for c = 1, n do
	local id = ARGV[i]
	local reason = ARGV[i+1]
	local countAttempt = ARGV[i+2]
	i = i + 3
	local mk = prefix .. ":msg:" .. id
	if redis.call("EXISTS", mk) == 1 then
		clearCollapse(mk, id)
		if countAttempt == "1" then
			redis.call("HINCRBY", mk, "attempts", 1)
		end
		if dlEnabled then
			local dk = prefix .. ":dl:" .. id
			local fields = redis.call("HGETALL", mk)
			for f = 1, #fields, 2 do
				redis.call("HSET", dk, fields[f], fields[f+1])
			end
			redis.call("HSET", dk, "reason", reason, "moved_at", ARGV[1])
			if dlTTL > 0 then
				redis.call("PEXPIRE", dk, dlTTL)
			end
			redis.call("ZADD", KEYS[4], now, id)
		end
		redis.call("DEL", mk)
	end
	redis.call("ZREM", KEYS[1], id)
	redis.call("ZREM", KEYS[2], id)
end
return 1
`)

var extendScript = redis.NewScript(`
local prefix = ARGV[1]
local proc = ARGV[2]
local deadline = ARGV[3]
local lockTTL = tonumber(ARGV[4])
local extended = 0
local n = tonumber(ARGV[5])
local i = 6
for c = 1, n do
	local id = ARGV[i]; i = i + 1
	local mk = prefix .. ":msg:" .. id
	if redis.call("HGET", mk, "captured_by") == proc and redis.call("ZSCORE", KEYS[1], id) then
		redis.call("ZADD", KEYS[1], tonumber(deadline), id)
		redis.call("HSET", mk, "captured_at", deadline)
		extended = extended + 1
	end
end
local g = tonumber(ARGV[i]); i = i + 1
for c = 1, g do
	local lk = prefix .. ":lock:" .. ARGV[i]; i = i + 1
	if redis.call("GET", lk) == proc then
		redis.call("PEXPIRE", lk, lockTTL)
	end
end
return extended
`)

var releaseScript = redis.NewScript(`
local prefix = ARGV[1]
local n = tonumber(ARGV[2])
local i = 3
for c = 1, n do
	local id = ARGV[i]; i = i + 1
	redis.call("ZREM", KEYS[2], id)
	local mk = prefix .. ":msg:" .. id
	if redis.call("EXISTS", mk) == 1 then
		redis.call("HDEL", mk, "captured_at", "captured_by")
		local ra = redis.call("HGET", mk, "received_at")
		redis.call("ZADD", KEYS[1], tonumber(ra), id)
	end
end
local g = tonumber(ARGV[i]); i = i + 1
for c = 1, g do
	redis.call("DEL", prefix .. ":lock:" .. ARGV[i])
	i = i + 1
end
return 1
`)

var healthScript = redis.NewScript(`
local now = tonumber(ARGV[1])
local prefix = ARGV[2]
local pending = redis.call("ZCARD", KEYS[1])
local expired = redis.call("ZRANGEBYSCORE", KEYS[2], 0, now)
local captured = redis.call("ZCARD", KEYS[2]) - #expired
local oldest = 0
local first = redis.call("ZRANGE", KEYS[1], 0, 0)
if first[1] then
	local ra = redis.call("HGET", prefix .. ":msg:" .. first[1], "received_at")
	if ra then
		oldest = tonumber(ra)
	end
end
for _, id in ipairs(expired) do
	pending = pending + 1
	local ra = redis.call("HGET", prefix .. ":msg:" .. id, "received_at")
	if ra and (oldest == 0 or tonumber(ra) < oldest) then
		oldest = tonumber(ra)
	end
end
return {pending, captured, redis.call("ZCARD", KEYS[3]), oldest}
`)

var cleanupDLQScript = redis.NewScript(`
local ids = redis.call("ZRANGEBYSCORE", KEYS[1], 0, "(" .. ARGV[2], "LIMIT", 0, tonumber(ARGV[3]))
for _, id in ipairs(ids) do
	redis.call("DEL", ARGV[1] .. ":dl:" .. id)
	redis.call("ZREM", KEYS[1], id)
end
return #ids
`)

// WriteOne persists one message with dedup and collapse enforcement.
func (s *Store) WriteOne(ctx context.Context, msg *inbox.Message) (storage.WriteOutcome, error) {
	inserted, err := s.write(ctx, []*inbox.Message{msg})
	if err != nil {
		return storage.Inserted, err
	}
	if inserted == 0 {
		return storage.Duplicate, nil
	}
	return storage.Inserted, nil
}

// WriteBatch persists several messages in one script invocation.
func (s *Store) WriteBatch(ctx context.Context, msgs []*inbox.Message) (int, error) {
	if len(msgs) == 0 {
		return 0, nil
	}
	return s.write(ctx, msgs)
}

func (s *Store) write(ctx context.Context, msgs []*inbox.Message) (int, error) {
	now := s.now()
	args := make([]any, 0, 6+8*len(msgs))
	args = append(args,
		micros(now),
		s.prefix,
		boolArg(s.cfg.DeduplicationEnabled),
		s.cfg.DeduplicationInterval.Milliseconds(),
		s.cfg.MessageTTL.Milliseconds(),
		len(msgs),
	)
	for _, msg := range msgs {
		args = append(args,
			msg.ID.String(),
			msg.MessageType,
			string(msg.Payload),
			msg.GroupID,
			msg.CollapseKey,
			msg.DeduplicationID,
			msg.AttemptsCount,
			micros(msg.ReceivedAt.UTC()),
		)
	}

	keys := []string{s.pendingKey(), s.capturedKey(), s.collapseKey()}
	res, err := writeScript.Run(ctx, s.rdb, keys, args...).Slice()
	if err != nil {
		return 0, fmt.Errorf("redis write: %w", err)
	}

	inserted := 0
	for _, v := range res {
		if n, ok := v.(int64); ok && n == 1 {
			inserted++
		}
	}
	return inserted, nil
}

// ReadAndCapture leases eligible messages in arrival order. The script scans
// up to ScanMultiplier x ReadBatchSize pending candidates so FIFO skips and
// lazy orphan pruning do not starve the lease.
func (s *Store) ReadAndCapture(ctx context.Context, processorID string) ([]*inbox.Envelope, error) {
	now := s.now()
	deadline := now.Add(s.cfg.MaxProcessingTime)

	keys := []string{s.pendingKey(), s.capturedKey()}
	ids, err := captureScript.Run(ctx, s.rdb, keys,
		micros(now),
		s.cfg.ReadBatchSize,
		s.cfg.ReadBatchSize*s.cfg.ScanMultiplier,
		boolArg(s.cfg.FIFO),
		processorID,
		s.cfg.MaxProcessingTime.Milliseconds(),
		s.prefix,
		micros(deadline),
	).StringSlice()
	if err != nil {
		return nil, fmt.Errorf("redis capture: %w", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	pipe := s.rdb.Pipeline()
	cmds := make([]*redis.MapStringStringCmd, len(ids))
	for i, id := range ids {
		cmds[i] = pipe.HGetAll(ctx, s.prefix+":msg:"+id)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("redis capture read: %w", err)
	}

	envs := make([]*inbox.Envelope, 0, len(ids))
	for _, cmd := range cmds {
		vals := cmd.Val()
		if len(vals) == 0 {
			continue
		}
		env, err := s.envelope(vals)
		if err != nil {
			return nil, err
		}
		envs = append(envs, env)
	}
	return envs, nil
}

func (s *Store) envelope(vals map[string]string) (*inbox.Envelope, error) {
	id, err := uuid.Parse(vals["id"])
	if err != nil {
		return nil, fmt.Errorf("redis message id %q: %w", vals["id"], err)
	}
	attempts, _ := strconv.Atoi(vals["attempts"])
	env := &inbox.Envelope{
		ID:              id,
		InboxName:       s.cfg.InboxName,
		MessageType:     vals["type"],
		Payload:         []byte(vals["payload"]),
		GroupID:         vals["group"],
		CollapseKey:     vals["collapse"],
		DeduplicationID: vals["dedup"],
		AttemptsCount:   attempts,
		ReceivedAt:      microTime(vals["received_at"]),
		CapturedAt:      microTime(vals["captured_at"]),
		CapturedBy:      vals["captured_by"],
	}
	return env, nil
}

func microTime(v string) time.Time {
	if v == "" {
		return time.Time{}
	}
	us, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return time.Time{}
	}
	return time.UnixMicro(us).UTC()
}

// Complete deletes a message and clears its collapse slot.
func (s *Store) Complete(ctx context.Context, id uuid.UUID) error {
	return s.finalize(ctx, storage.FinalizeBatch{Complete: []uuid.UUID{id}})
}

// Fail releases a message, counts the attempt and refreshes its liveness
// TTL.
func (s *Store) Fail(ctx context.Context, id uuid.UUID) error {
	return s.finalize(ctx, storage.FinalizeBatch{Fail: []uuid.UUID{id}})
}

// Release clears the lease without counting an attempt.
func (s *Store) Release(ctx context.Context, id uuid.UUID) error {
	return s.finalize(ctx, storage.FinalizeBatch{Release: []uuid.UUID{id}})
}

// DeadLetter moves a message to the dead-letter namespace.
func (s *Store) DeadLetter(ctx context.Context, id uuid.UUID, reason string) error {
	return s.finalize(ctx, storage.FinalizeBatch{
		DeadLetter: []storage.DeadLetterRequest{{ID: id, Reason: reason}},
	})
}

// ProcessResultsBatch applies a full finalize batch in one script.
func (s *Store) ProcessResultsBatch(ctx context.Context, batch storage.FinalizeBatch) error {
	return s.finalize(ctx, batch)
}

func (s *Store) finalize(ctx context.Context, batch storage.FinalizeBatch) error {
	if batch.Empty() {
		return nil
	}

	now := s.now()
	args := make([]any, 0, 9+len(batch.Complete)+len(batch.Fail)+len(batch.Release)+3*len(batch.DeadLetter))
	args = append(args,
		micros(now),
		s.prefix,
		s.cfg.MessageTTL.Milliseconds(),
		boolArg(s.cfg.DeadLetterEnabled),
		s.cfg.DeadLetterLifetime.Milliseconds(),
	)
	args = append(args, len(batch.Complete))
	for _, id := range batch.Complete {
		args = append(args, id.String())
	}
	args = append(args, len(batch.Fail))
	for _, id := range batch.Fail {
		args = append(args, id.String())
	}
	args = append(args, len(batch.Release))
	for _, id := range batch.Release {
		args = append(args, id.String())
	}
	args = append(args, len(batch.DeadLetter))
	for _, req := range batch.DeadLetter {
		args = append(args, req.ID.String(), req.Reason, boolArg(req.CountAttempt))
	}

	keys := []string{s.pendingKey(), s.capturedKey(), s.collapseKey(), s.dlqKey()}
	if err := finalizeScript.Run(ctx, s.rdb, keys, args...).Err(); err != nil {
		return fmt.Errorf("redis finalize: %w", err)
	}
	return nil
}

// ExtendLocks refreshes lease deadlines and group lock TTLs owned by
// processorID.
func (s *Store) ExtendLocks(ctx context.Context, processorID string, entries []storage.LockEntry, deadline time.Time) (int, error) {
	if len(entries) == 0 {
		return 0, nil
	}

	lockTTL := deadline.Sub(s.now()).Milliseconds()
	if lockTTL < 1 {
		lockTTL = 1
	}

	groups := make(map[string]bool)
	args := make([]any, 0, 6+len(entries)*2)
	args = append(args, s.prefix, processorID, micros(deadline.UTC()), lockTTL, len(entries))
	for _, e := range entries {
		args = append(args, e.ID.String())
		if e.GroupID != "" {
			groups[e.GroupID] = true
		}
	}
	args = append(args, len(groups))
	for g := range groups {
		args = append(args, g)
	}

	extended, err := extendScript.Run(ctx, s.rdb, []string{s.capturedKey()}, args...).Int()
	if err != nil {
		return 0, fmt.Errorf("redis extend locks: %w", err)
	}
	return extended, nil
}

// ReleaseGroupLocks drops group locks unconditionally.
func (s *Store) ReleaseGroupLocks(ctx context.Context, groupIDs []string) error {
	return s.release(ctx, nil, groupIDs)
}

// ReleaseMessagesAndGroupLocks releases leases and drops locks in one
// script.
func (s *Store) ReleaseMessagesAndGroupLocks(ctx context.Context, ids []uuid.UUID, groupIDs []string) error {
	return s.release(ctx, ids, groupIDs)
}

func (s *Store) release(ctx context.Context, ids []uuid.UUID, groupIDs []string) error {
	if len(ids) == 0 && len(groupIDs) == 0 {
		return nil
	}

	args := make([]any, 0, 3+len(ids)+len(groupIDs))
	args = append(args, s.prefix, len(ids))
	for _, id := range ids {
		args = append(args, id.String())
	}
	args = append(args, len(groupIDs))
	for _, g := range groupIDs {
		args = append(args, g)
	}

	keys := []string{s.pendingKey(), s.capturedKey()}
	if err := releaseScript.Run(ctx, s.rdb, keys, args...).Err(); err != nil {
		return fmt.Errorf("redis release: %w", err)
	}
	return nil
}

// ReadDeadLetters returns dead-letter entries, oldest first. Entries whose
// snapshot hash already expired are dropped from the index on the way.
func (s *Store) ReadDeadLetters(ctx context.Context, limit int) ([]*inbox.DeadLetterEntry, error) {
	if limit <= 0 {
		limit = 100
	}

	ids, err := s.rdb.ZRangeWithScores(ctx, s.dlqKey(), 0, int64(limit)-1).Result()
	if err != nil {
		return nil, fmt.Errorf("redis read dead letters: %w", err)
	}

	entries := make([]*inbox.DeadLetterEntry, 0, len(ids))
	for _, z := range ids {
		id, err := uuid.Parse(z.Member.(string))
		if err != nil {
			continue
		}
		vals, err := s.rdb.HGetAll(ctx, s.dlKey(id)).Result()
		if err != nil {
			return nil, fmt.Errorf("redis read dead letter %s: %w", id, err)
		}
		if len(vals) == 0 {
			s.rdb.ZRem(ctx, s.dlqKey(), id.String())
			continue
		}
		attempts, _ := strconv.Atoi(vals["attempts"])
		entries = append(entries, &inbox.DeadLetterEntry{
			ID:              id,
			InboxName:       s.cfg.InboxName,
			MessageType:     vals["type"],
			Payload:         []byte(vals["payload"]),
			GroupID:         vals["group"],
			CollapseKey:     vals["collapse"],
			DeduplicationID: vals["dedup"],
			AttemptsCount:   attempts,
			ReceivedAt:      microTime(vals["received_at"]),
			FailureReason:   vals["reason"],
			MovedAt:         microTime(vals["moved_at"]),
		})
	}
	return entries, nil
}

// HealthMetrics returns the backlog snapshot. Expired leases count as
// pending.
func (s *Store) HealthMetrics(ctx context.Context) (storage.HealthMetrics, error) {
	keys := []string{s.pendingKey(), s.capturedKey(), s.dlqKey()}
	res, err := healthScript.Run(ctx, s.rdb, keys, micros(s.now()), s.prefix).Int64Slice()
	if err != nil {
		return storage.HealthMetrics{}, fmt.Errorf("redis health metrics: %w", err)
	}
	if len(res) != 4 {
		return storage.HealthMetrics{}, fmt.Errorf("redis health metrics: unexpected reply length %d", len(res))
	}

	m := storage.HealthMetrics{
		PendingCount:    res[0],
		CapturedCount:   res[1],
		DeadLetterCount: res[2],
	}
	if res[3] > 0 {
		m.OldestPendingReceivedAt = time.UnixMicro(res[3]).UTC()
	}
	return m, nil
}

// CleanupDedup is a no-op: deduplication records carry a native TTL.
func (s *Store) CleanupDedup(ctx context.Context, cutoff time.Time, limit int) (int64, error) {
	return 0, nil
}

// CleanupDeadLetters deletes dead-letter entries moved before cutoff. The
// snapshot hashes also expire natively; this reaps the index.
func (s *Store) CleanupDeadLetters(ctx context.Context, cutoff time.Time, limit int) (int64, error) {
	if limit <= 0 {
		limit = 500
	}
	deleted, err := cleanupDLQScript.Run(ctx, s.rdb, []string{s.dlqKey()},
		s.prefix, micros(cutoff.UTC()), limit).Int64()
	if err != nil {
		return 0, fmt.Errorf("redis cleanup dead letters: %w", err)
	}
	return deleted, nil
}

// CleanupGroupLocks is a no-op: group locks carry a native TTL.
func (s *Store) CleanupGroupLocks(ctx context.Context) (int64, error) {
	return 0, nil
}

func boolArg(b bool) string {
	if b {
		return "1"
	}
	return "0"
}
