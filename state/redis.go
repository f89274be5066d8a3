// Copyright (c) Opsis Labs, Inc.
// SPDX-License-Identifier: MPL-2.0

package state

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/opsislabs/windlass/structs"
	"github.com/redis/go-redis/v9"
)

// Key layout under the configured prefix:
//
//	task:<kind>/<resource>   hash: blob (msgpack task row), index (modify index)
//	lock:<kind>/<resource>   string: worker id, expires with the lease (PX)
//	lockidx                  zset: task key scored by lease deadline (unix ms)
//	kind:<kind>              set: task keys, backs listing
//
// The lock string self-expires but its lockidx member does not; a member
// whose score has passed with no live lock is exactly an expired lease
// left behind by a crashed worker.

// putScript inserts a task row if absent, returning the existing blob
// otherwise.
//
// KEYS: task, kind set, id mapping
// ARGV: blob, initial index, task key string
var putScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 1 then
  return {0, redis.call('HGET', KEYS[1], 'blob')}
end
redis.call('HSET', KEYS[1], 'blob', ARGV[1], 'index', ARGV[2])
redis.call('SADD', KEYS[2], ARGV[3])
redis.call('SET', KEYS[3], ARGV[3])
return {1, ''}
`)

// swapScript replaces a terminal row with a fresh run, retargeting the id
// mapping from the old run's ID to the new one.
//
// KEYS: task, old id mapping, new id mapping
// ARGV: expected index, blob, new index, task key string
var swapScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
  return -2
end
if redis.call('HGET', KEYS[1], 'index') ~= ARGV[1] then
  return 0
end
redis.call('HSET', KEYS[1], 'blob', ARGV[2], 'index', ARGV[3])
redis.call('DEL', KEYS[2])
redis.call('SET', KEYS[3], ARGV[4])
return 1
`)

// casScript is the single mutation path for task rows: optional lock-owner
// check, optional lock-must-be-free check, index compare-and-swap, then the
// row write, optionally releasing the lock atomically.
//
// KEYS: task, lock, lockidx
// ARGV: expected index, blob, new index, owner ('' skips the check),
// require lock free ('1'/'0'), release lock ('1'/'0'), lockidx member
var casScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
  return -2
end
if ARGV[4] ~= '' and redis.call('GET', KEYS[2]) ~= ARGV[4] then
  return -1
end
if ARGV[5] == '1' and redis.call('EXISTS', KEYS[2]) == 1 then
  return -3
end
if redis.call('HGET', KEYS[1], 'index') ~= ARGV[1] then
  return 0
end
redis.call('HSET', KEYS[1], 'blob', ARGV[2], 'index', ARGV[3])
if ARGV[6] == '1' then
  redis.call('DEL', KEYS[2])
  redis.call('ZREM', KEYS[3], ARGV[7])
end
if ARGV[5] == '1' then
  redis.call('ZREM', KEYS[3], ARGV[7])
end
return 1
`)

// acquireScript takes or re-arms the lock when it is free or already held
// by the caller, returning the current holder and remaining lease
// otherwise.
//
// KEYS: lock, lockidx
// ARGV: worker, lease ms, deadline score, lockidx member
var acquireScript = redis.NewScript(`
local holder = redis.call('GET', KEYS[1])
if holder == false or holder == ARGV[1] then
  redis.call('SET', KEYS[1], ARGV[1], 'PX', ARGV[2])
  redis.call('ZADD', KEYS[2], ARGV[3], ARGV[4])
  return {1, '', 0}
end
return {0, holder, redis.call('PTTL', KEYS[1])}
`)

// extendScript re-arms the lease for the current holder only.
var extendScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
  redis.call('PEXPIRE', KEYS[1], ARGV[2])
  redis.call('ZADD', KEYS[2], ARGV[3], ARGV[4])
  return 1
end
return 0
`)

// releaseScript drops the lock only when the caller still holds it.
var releaseScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
  redis.call('DEL', KEYS[1])
  redis.call('ZREM', KEYS[2], ARGV[2])
end
return 1
`)

// purgeScript removes every trace of a task.
//
// KEYS: task, lock, lockidx, kind set, id mapping
var purgeScript = redis.NewScript(`
redis.call('DEL', KEYS[1])
redis.call('DEL', KEYS[2])
redis.call('ZREM', KEYS[3], ARGV[1])
redis.call('SREM', KEYS[4], ARGV[1])
redis.call('DEL', KEYS[5])
return 1
`)

// RedisConfig configures the production store.
type RedisConfig struct {
	Addr     string
	Username string
	Password string
	DB       int

	// Prefix namespaces all keys, defaulting to "windlass:".
	Prefix string

	Logger hclog.Logger
}

// RedisStore implements Store on a shared Redis. All row mutations are
// Lua-scripted compare-and-swap writes, so concurrent workers serialize
// per key without client-side locking.
type RedisStore struct {
	rdb    *redis.Client
	prefix string
	logger hclog.Logger
}

// casAttempts bounds the optimistic retry loop around row mutations.
// Contention on a single task key is rare; hitting the bound means the
// caller's view is persistently stale.
const casAttempts = 10

// errNoChange signals that a mutation is a no-op; the row is not written.
var errNoChange = errors.New("no change")

func NewRedisStore(cfg *RedisConfig) (*RedisStore, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	prefix := cfg.Prefix
	if prefix == "" {
		prefix = "windlass:"
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Username: cfg.Username,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, storeErr(err)
	}

	return &RedisStore{
		rdb:    rdb,
		prefix: prefix,
		logger: logger.Named("state.redis"),
	}, nil
}

func (s *RedisStore) taskKey(key structs.TaskKey) string { return s.prefix + "task:" + key.String() }
func (s *RedisStore) lockKey(key structs.TaskKey) string { return s.prefix + "lock:" + key.String() }
func (s *RedisStore) lockIdxKey() string                 { return s.prefix + "lockidx" }
func (s *RedisStore) kindKey(kind string) string         { return s.prefix + "kind:" + kind }
func (s *RedisStore) idKey(id string) string             { return s.prefix + "id:" + id }

func (s *RedisStore) PutTaskIfAbsent(ctx context.Context, task *structs.Task) (bool, *structs.Task, error) {
	t := task.Copy()
	t.ModifyIndex = 1
	if t.UpdatedAt.IsZero() {
		t.UpdatedAt = time.Now().UTC()
	}
	blob, err := structs.Encode(t)
	if err != nil {
		return false, nil, fmt.Errorf("task encode failed: %v", err)
	}

	res, err := putScript.Run(ctx, s.rdb,
		[]string{s.taskKey(t.Key), s.kindKey(t.Key.Kind), s.idKey(t.ID)},
		blob, "1", t.Key.String(),
	).Slice()
	if err != nil {
		return false, nil, storeErr(err)
	}

	created, _ := res[0].(int64)
	if created == 1 {
		return true, nil, nil
	}
	existingBlob, _ := res[1].(string)
	existing, err := decodeTask([]byte(existingBlob))
	if err != nil {
		return false, nil, err
	}
	return false, existing, nil
}

func (s *RedisStore) SwapTask(ctx context.Context, fresh *structs.Task, expectedIndex uint64) error {
	cur, err := s.LoadTask(ctx, fresh.Key)
	if err != nil {
		return err
	}
	if cur.ModifyIndex != expectedIndex {
		return structs.ErrTaskModified
	}
	if !cur.TerminalStatus() {
		return structs.ErrInvalidTransition
	}
	if cur.Tombstoned() {
		return structs.ErrTaskTombstoned
	}

	t := fresh.Copy()
	t.UpdatedAt = time.Now().UTC()
	t.ModifyIndex = expectedIndex + 1
	blob, err := structs.Encode(t)
	if err != nil {
		return fmt.Errorf("task encode failed: %v", err)
	}

	res, err := swapScript.Run(ctx, s.rdb,
		[]string{s.taskKey(t.Key), s.idKey(cur.ID), s.idKey(t.ID)},
		strconv.FormatUint(expectedIndex, 10),
		blob,
		strconv.FormatUint(t.ModifyIndex, 10),
		t.Key.String(),
	).Int()
	if err != nil {
		return storeErr(err)
	}
	switch res {
	case 1:
		return nil
	case 0:
		return structs.ErrTaskModified
	case -2:
		return structs.ErrTaskNotFound
	default:
		return fmt.Errorf("unexpected swap result %d", res)
	}
}

func (s *RedisStore) LoadTaskByID(ctx context.Context, id string) (*structs.Task, error) {
	keyStr, err := s.rdb.Get(ctx, s.idKey(id)).Result()
	if err == redis.Nil {
		return nil, structs.ErrTaskNotFound
	}
	if err != nil {
		return nil, storeErr(err)
	}
	key, err := structs.ParseTaskKey(keyStr)
	if err != nil {
		return nil, structs.ErrTaskNotFound
	}

	t, err := s.LoadTask(ctx, key)
	if err != nil {
		return nil, err
	}
	if t.ID != id {
		// The mapping outlived a swap; the old run no longer resolves.
		return nil, structs.ErrTaskNotFound
	}
	return t, nil
}

func (s *RedisStore) LoadTask(ctx context.Context, key structs.TaskKey) (*structs.Task, error) {
	blob, err := s.rdb.HGet(ctx, s.taskKey(key), "blob").Result()
	if err == redis.Nil {
		return nil, structs.ErrTaskNotFound
	}
	if err != nil {
		return nil, storeErr(err)
	}
	return decodeTask([]byte(blob))
}

// loadTaskOwned reads the row and the lock in one round trip, failing
// with ErrNotOwner before any row-state validation when worker does not
// hold the lock. casScript re-checks ownership at commit time; this read
// only fixes which error a non-owner observes, matching the inmem store.
func (s *RedisStore) loadTaskOwned(ctx context.Context, key structs.TaskKey, worker string) (*structs.Task, error) {
	if worker == "" {
		return s.LoadTask(ctx, key)
	}

	pipe := s.rdb.Pipeline()
	blobCmd := pipe.HGet(ctx, s.taskKey(key), "blob")
	lockCmd := pipe.Get(ctx, s.lockKey(key))
	if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
		return nil, storeErr(err)
	}

	holder, err := lockCmd.Result()
	if err != nil && err != redis.Nil {
		return nil, storeErr(err)
	}
	if holder != worker {
		return nil, structs.ErrNotOwner
	}

	blob, err := blobCmd.Result()
	if err == redis.Nil {
		return nil, structs.ErrTaskNotFound
	}
	if err != nil {
		return nil, storeErr(err)
	}
	return decodeTask([]byte(blob))
}

func (s *RedisStore) ListTasks(ctx context.Context, kind string) ([]*structs.Task, error) {
	kinds := []string{kind}
	if kind == "" {
		kinds = structs.Kinds()
	}

	var members []string
	for _, k := range kinds {
		ms, err := s.rdb.SMembers(ctx, s.kindKey(k)).Result()
		if err != nil {
			return nil, storeErr(err)
		}
		members = append(members, ms...)
	}
	if len(members) == 0 {
		return nil, nil
	}

	pipe := s.rdb.Pipeline()
	cmds := make([]*redis.StringCmd, len(members))
	for i, m := range members {
		cmds[i] = pipe.HGet(ctx, s.prefix+"task:"+m, "blob")
	}
	if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
		return nil, storeErr(err)
	}

	out := make([]*structs.Task, 0, len(members))
	for _, cmd := range cmds {
		blob, err := cmd.Result()
		if err == redis.Nil {
			// Purged between the set read and the fetch.
			continue
		}
		if err != nil {
			return nil, storeErr(err)
		}
		t, err := decodeTask([]byte(blob))
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, nil
}

func (s *RedisStore) MarkRunning(ctx context.Context, key structs.TaskKey, worker string) (*structs.Task, error) {
	now := time.Now().UTC()
	return s.mutate(ctx, key, worker, false, false, func(t *structs.Task) error {
		if t.Tombstoned() {
			return structs.ErrTaskTombstoned
		}
		if !structs.ValidTaskStatusTransition(t.Status, structs.TaskStatusRunning) {
			return structs.ErrInvalidTransition
		}
		t.Status = structs.TaskStatusRunning
		t.OwnerWorker = worker
		if t.StartedAt.IsZero() {
			t.StartedAt = now
		}
		t.UpdatedAt = now
		return nil
	})
}

func (s *RedisStore) UpdateTaskProgress(ctx context.Context, key structs.TaskKey, worker string, up structs.ProgressUpdate) error {
	now := time.Now().UTC()
	_, err := s.mutate(ctx, key, worker, false, false, func(t *structs.Task) error {
		return applyProgress(t, up, now)
	})
	return err
}

func (s *RedisStore) FinalizeTask(ctx context.Context, key structs.TaskKey, worker string, fin structs.Finalization) error {
	now := time.Now().UTC()
	_, err := s.mutate(ctx, key, worker, false, true, func(t *structs.Task) error {
		return applyFinalization(t, fin, now)
	})
	return err
}

func (s *RedisStore) MarkAbandoned(ctx context.Context, key structs.TaskKey, expectedOwner string) (int, error) {
	now := time.Now().UTC()
	t, err := s.mutate(ctx, key, "", true, false, func(t *structs.Task) error {
		if t.TerminalStatus() {
			return structs.ErrTaskTerminal
		}
		if t.OwnerWorker != expectedOwner {
			return structs.ErrTaskModified
		}
		if !structs.ValidTaskStatusTransition(t.Status, structs.TaskStatusAbandoned) {
			return structs.ErrInvalidTransition
		}
		t.Status = structs.TaskStatusAbandoned
		t.OwnerWorker = ""
		t.Attempts++
		t.UpdatedAt = now
		return nil
	})
	if errors.Is(err, structs.ErrTaskTerminal) {
		// The owner finalized before its lease expired; drop the stale
		// index member so sweeps stop seeing it.
		s.rdb.ZRem(ctx, s.lockIdxKey(), key.String())
		return 0, err
	}
	if err != nil {
		return 0, err
	}

	s.logger.Debug("task abandoned after lock expiry",
		"task_key", key, "worker", expectedOwner, "attempts", t.Attempts)
	return t.Attempts, nil
}

func (s *RedisStore) RequestCancel(ctx context.Context, key structs.TaskKey) error {
	now := time.Now().UTC()
	_, err := s.mutate(ctx, key, "", false, false, func(t *structs.Task) error {
		if t.TerminalStatus() {
			return structs.ErrTaskTerminal
		}
		if t.CancelRequested {
			return errNoChange
		}
		t.CancelRequested = true
		t.UpdatedAt = now
		return nil
	})
	return err
}

func (s *RedisStore) DeleteTask(ctx context.Context, key structs.TaskKey) error {
	now := time.Now().UTC()
	_, err := s.mutate(ctx, key, "", false, false, func(t *structs.Task) error {
		if t.Tombstoned() {
			return errNoChange
		}
		t.TombstonedAt = now
		t.UpdatedAt = now
		return nil
	})
	return err
}

func (s *RedisStore) PurgeTask(ctx context.Context, key structs.TaskKey) error {
	// The id mapping needs the row's ID; a concurrent purge losing the
	// read just no-ops below.
	id := ""
	if t, err := s.LoadTask(ctx, key); err == nil {
		id = t.ID
	} else if !errors.Is(err, structs.ErrTaskNotFound) {
		return err
	}

	err := purgeScript.Run(ctx, s.rdb,
		[]string{s.taskKey(key), s.lockKey(key), s.lockIdxKey(), s.kindKey(key.Kind), s.idKey(id)},
		key.String(),
	).Err()
	if err != nil {
		return storeErr(err)
	}
	return nil
}

func (s *RedisStore) TryAcquireLock(ctx context.Context, key structs.TaskKey, worker string, lease time.Duration) (structs.LockAcquisition, error) {
	deadline := time.Now().Add(lease)
	res, err := acquireScript.Run(ctx, s.rdb,
		[]string{s.lockKey(key), s.lockIdxKey()},
		worker,
		strconv.FormatInt(lease.Milliseconds(), 10),
		strconv.FormatInt(deadline.UnixMilli(), 10),
		key.String(),
	).Slice()
	if err != nil {
		return structs.LockAcquisition{}, storeErr(err)
	}

	acquired, _ := res[0].(int64)
	if acquired == 1 {
		return structs.LockAcquisition{Acquired: true}, nil
	}
	holder, _ := res[1].(string)
	ttlMs, _ := res[2].(int64)
	acq := structs.LockAcquisition{HeldBy: holder}
	if ttlMs > 0 {
		acq.Remaining = time.Duration(ttlMs) * time.Millisecond
	}
	return acq, nil
}

func (s *RedisStore) ExtendLock(ctx context.Context, key structs.TaskKey, worker string, lease time.Duration) error {
	deadline := time.Now().Add(lease)
	res, err := extendScript.Run(ctx, s.rdb,
		[]string{s.lockKey(key), s.lockIdxKey()},
		worker,
		strconv.FormatInt(lease.Milliseconds(), 10),
		strconv.FormatInt(deadline.UnixMilli(), 10),
		key.String(),
	).Int()
	if err != nil {
		return storeErr(err)
	}
	if res != 1 {
		return structs.ErrLockLost
	}
	return nil
}

func (s *RedisStore) ReleaseLock(ctx context.Context, key structs.TaskKey, worker string) error {
	err := releaseScript.Run(ctx, s.rdb,
		[]string{s.lockKey(key), s.lockIdxKey()},
		worker, key.String(),
	).Err()
	if err != nil {
		return storeErr(err)
	}
	return nil
}

func (s *RedisStore) ListExpiredLocks(ctx context.Context, now time.Time) ([]structs.TaskKey, error) {
	members, err := s.rdb.ZRangeByScore(ctx, s.lockIdxKey(), &redis.ZRangeBy{
		Min: "-inf",
		Max: strconv.FormatInt(now.UnixMilli(), 10),
	}).Result()
	if err != nil {
		return nil, storeErr(err)
	}

	out := make([]structs.TaskKey, 0, len(members))
	for _, m := range members {
		key, err := structs.ParseTaskKey(m)
		if err != nil {
			continue
		}
		out = append(out, key)
	}
	return out, nil
}

func (s *RedisStore) Close() error {
	return s.rdb.Close()
}

// mutate runs a load, apply, compare-and-swap cycle for a row mutation,
// retrying while other writers win the swap. The returned task reflects
// the committed state.
func (s *RedisStore) mutate(ctx context.Context, key structs.TaskKey, owner string,
	requireLockFree, releaseLock bool, apply func(*structs.Task) error) (*structs.Task, error) {

	for i := 0; i < casAttempts; i++ {
		cur, err := s.loadTaskOwned(ctx, key, owner)
		if err != nil {
			return nil, err
		}

		expected := cur.ModifyIndex
		if err := apply(cur); err != nil {
			if err == errNoChange {
				return cur, nil
			}
			return nil, err
		}

		err = s.casWrite(ctx, cur, expected, owner, requireLockFree, releaseLock)
		if err == nil {
			return cur, nil
		}
		if !errors.Is(err, structs.ErrTaskModified) {
			return nil, err
		}
	}
	return nil, structs.ErrTaskModified
}

// casWrite commits a mutated row, bumping its modify index from
// expectedIndex. See casScript for the checks applied server-side.
func (s *RedisStore) casWrite(ctx context.Context, t *structs.Task, expectedIndex uint64,
	owner string, requireLockFree, releaseLock bool) error {

	t.ModifyIndex = expectedIndex + 1
	blob, err := structs.Encode(t)
	if err != nil {
		return fmt.Errorf("task encode failed: %v", err)
	}

	res, err := casScript.Run(ctx, s.rdb,
		[]string{s.taskKey(t.Key), s.lockKey(t.Key), s.lockIdxKey()},
		strconv.FormatUint(expectedIndex, 10),
		blob,
		strconv.FormatUint(t.ModifyIndex, 10),
		owner,
		boolArg(requireLockFree),
		boolArg(releaseLock),
		t.Key.String(),
	).Int()
	if err != nil {
		return storeErr(err)
	}

	switch res {
	case 1:
		return nil
	case 0:
		return structs.ErrTaskModified
	case -1:
		return structs.ErrNotOwner
	case -2:
		return structs.ErrTaskNotFound
	case -3:
		return structs.ErrLockHeld
	default:
		return fmt.Errorf("unexpected cas result %d", res)
	}
}

func decodeTask(blob []byte) (*structs.Task, error) {
	var t structs.Task
	if err := structs.Decode(blob, &t); err != nil {
		return nil, fmt.Errorf("task decode failed: %v", err)
	}
	return &t, nil
}

func boolArg(b bool) string {
	if b {
		return "1"
	}
	return "0"
}

func storeErr(err error) error {
	return fmt.Errorf("%w: %v", structs.ErrStoreUnavailable, err)
}
