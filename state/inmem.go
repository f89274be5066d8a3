// Copyright (c) Opsis Labs, Inc.
// SPDX-License-Identifier: MPL-2.0

package state

import (
	"context"
	"fmt"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/hashicorp/go-memdb"
	"github.com/opsislabs/windlass/structs"
)

// InmemStore implements Store on go-memdb. Write transactions are
// serialized by memdb, which gives every mutation linearizable semantics
// without further locking. Used in dev mode and throughout the tests.
type InmemStore struct {
	db     *memdb.MemDB
	logger hclog.Logger
}

func NewInmemStore(logger hclog.Logger) (*InmemStore, error) {
	db, err := memdb.NewMemDB(stateStoreSchema())
	if err != nil {
		return nil, fmt.Errorf("state store setup failed: %v", err)
	}
	return &InmemStore{
		db:     db,
		logger: logger.Named("state.inmem"),
	}, nil
}

func (s *InmemStore) PutTaskIfAbsent(_ context.Context, task *structs.Task) (bool, *structs.Task, error) {
	txn := s.db.Txn(true)
	defer txn.Abort()

	existing, err := getTaskTxn(txn, task.Key.String())
	if err != nil {
		return false, nil, err
	}
	if existing != nil {
		return false, existing.Copy(), nil
	}

	t := task.Copy()
	t.ModifyIndex = 1
	if t.UpdatedAt.IsZero() {
		t.UpdatedAt = time.Now().UTC()
	}
	if err := txn.Insert(tableTasks, newTaskEntry(t)); err != nil {
		return false, nil, fmt.Errorf("task insert failed: %v", err)
	}

	txn.Commit()
	return true, nil, nil
}

func (s *InmemStore) SwapTask(_ context.Context, fresh *structs.Task, expectedIndex uint64) error {
	txn := s.db.Txn(true)
	defer txn.Abort()

	cur, err := getTaskTxn(txn, fresh.Key.String())
	if err != nil {
		return err
	}
	if cur == nil {
		return structs.ErrTaskNotFound
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
	t.ModifyIndex = cur.ModifyIndex + 1
	t.UpdatedAt = time.Now().UTC()
	if err := txn.Insert(tableTasks, newTaskEntry(t)); err != nil {
		return fmt.Errorf("task swap failed: %v", err)
	}

	txn.Commit()
	return nil
}

func (s *InmemStore) LoadTask(_ context.Context, key structs.TaskKey) (*structs.Task, error) {
	txn := s.db.Txn(false)
	defer txn.Abort()

	t, err := getTaskTxn(txn, key.String())
	if err != nil {
		return nil, err
	}
	if t == nil {
		return nil, structs.ErrTaskNotFound
	}
	return t.Copy(), nil
}

func (s *InmemStore) LoadTaskByID(_ context.Context, id string) (*structs.Task, error) {
	txn := s.db.Txn(false)
	defer txn.Abort()

	raw, err := txn.First(tableTasks, indexTaskID, id)
	if err != nil {
		return nil, fmt.Errorf("task lookup failed: %v", err)
	}
	if raw == nil {
		return nil, structs.ErrTaskNotFound
	}
	return raw.(*taskEntry).Task.Copy(), nil
}

func (s *InmemStore) ListTasks(_ context.Context, kind string) ([]*structs.Task, error) {
	txn := s.db.Txn(false)
	defer txn.Abort()

	var iter memdb.ResultIterator
	var err error
	if kind == "" {
		iter, err = txn.Get(tableTasks, indexID)
	} else {
		iter, err = txn.Get(tableTasks, indexKind, kind)
	}
	if err != nil {
		return nil, fmt.Errorf("task listing failed: %v", err)
	}

	var out []*structs.Task
	for raw := iter.Next(); raw != nil; raw = iter.Next() {
		out = append(out, raw.(*taskEntry).Task.Copy())
	}
	return out, nil
}

func (s *InmemStore) MarkRunning(_ context.Context, key structs.TaskKey, worker string) (*structs.Task, error) {
	txn := s.db.Txn(true)
	defer txn.Abort()

	now := time.Now().UTC()
	if !holdsLockTxn(txn, key.String(), worker, now) {
		return nil, structs.ErrNotOwner
	}

	cur, err := getTaskTxn(txn, key.String())
	if err != nil {
		return nil, err
	}
	if cur == nil {
		return nil, structs.ErrTaskNotFound
	}
	if cur.Tombstoned() {
		return nil, structs.ErrTaskTombstoned
	}
	if !structs.ValidTaskStatusTransition(cur.Status, structs.TaskStatusRunning) {
		return nil, structs.ErrInvalidTransition
	}

	t := cur.Copy()
	t.Status = structs.TaskStatusRunning
	t.OwnerWorker = worker
	if t.StartedAt.IsZero() {
		t.StartedAt = now
	}
	t.UpdatedAt = now
	t.ModifyIndex++
	if err := txn.Insert(tableTasks, newTaskEntry(t)); err != nil {
		return nil, fmt.Errorf("task update failed: %v", err)
	}

	txn.Commit()
	return t.Copy(), nil
}

func (s *InmemStore) UpdateTaskProgress(_ context.Context, key structs.TaskKey, worker string, up structs.ProgressUpdate) error {
	txn := s.db.Txn(true)
	defer txn.Abort()

	now := time.Now().UTC()
	if !holdsLockTxn(txn, key.String(), worker, now) {
		return structs.ErrNotOwner
	}

	cur, err := getTaskTxn(txn, key.String())
	if err != nil {
		return err
	}
	if cur == nil {
		return structs.ErrTaskNotFound
	}

	t := cur.Copy()
	if err := applyProgress(t, up, now); err != nil {
		return err
	}
	t.ModifyIndex++
	if err := txn.Insert(tableTasks, newTaskEntry(t)); err != nil {
		return fmt.Errorf("task update failed: %v", err)
	}

	txn.Commit()
	return nil
}

func (s *InmemStore) FinalizeTask(_ context.Context, key structs.TaskKey, worker string, fin structs.Finalization) error {
	txn := s.db.Txn(true)
	defer txn.Abort()

	now := time.Now().UTC()
	if !holdsLockTxn(txn, key.String(), worker, now) {
		return structs.ErrNotOwner
	}

	cur, err := getTaskTxn(txn, key.String())
	if err != nil {
		return err
	}
	if cur == nil {
		return structs.ErrTaskNotFound
	}

	t := cur.Copy()
	if err := applyFinalization(t, fin, now); err != nil {
		return err
	}
	t.ModifyIndex++
	if err := txn.Insert(tableTasks, newTaskEntry(t)); err != nil {
		return fmt.Errorf("task update failed: %v", err)
	}
	if _, err := txn.DeleteAll(tableLocks, indexID, key.String()); err != nil {
		return fmt.Errorf("lock release failed: %v", err)
	}

	txn.Commit()
	return nil
}

func (s *InmemStore) MarkAbandoned(_ context.Context, key structs.TaskKey, expectedOwner string) (int, error) {
	txn := s.db.Txn(true)
	defer txn.Abort()

	now := time.Now().UTC()
	if lock := getLockTxn(txn, key.String()); lock != nil && lock.Deadline.After(now) {
		return 0, structs.ErrLockHeld
	}

	cur, err := getTaskTxn(txn, key.String())
	if err != nil {
		return 0, err
	}
	if cur == nil {
		return 0, structs.ErrTaskNotFound
	}
	if cur.TerminalStatus() {
		// The owner finalized before its lease expired; just drop the
		// stale lock entry.
		if _, err := txn.DeleteAll(tableLocks, indexID, key.String()); err != nil {
			return 0, fmt.Errorf("lock cleanup failed: %v", err)
		}
		txn.Commit()
		return 0, structs.ErrTaskTerminal
	}
	if cur.OwnerWorker != expectedOwner {
		return 0, structs.ErrTaskModified
	}
	if !structs.ValidTaskStatusTransition(cur.Status, structs.TaskStatusAbandoned) {
		return 0, structs.ErrInvalidTransition
	}

	t := cur.Copy()
	t.Status = structs.TaskStatusAbandoned
	t.OwnerWorker = ""
	t.Attempts++
	t.UpdatedAt = now
	t.ModifyIndex++
	if err := txn.Insert(tableTasks, newTaskEntry(t)); err != nil {
		return 0, fmt.Errorf("task update failed: %v", err)
	}
	if _, err := txn.DeleteAll(tableLocks, indexID, key.String()); err != nil {
		return 0, fmt.Errorf("lock cleanup failed: %v", err)
	}

	txn.Commit()
	s.logger.Debug("task abandoned after lock expiry",
		"task_key", key, "worker", expectedOwner, "attempts", t.Attempts)
	return t.Attempts, nil
}

func (s *InmemStore) RequestCancel(_ context.Context, key structs.TaskKey) error {
	txn := s.db.Txn(true)
	defer txn.Abort()

	cur, err := getTaskTxn(txn, key.String())
	if err != nil {
		return err
	}
	if cur == nil {
		return structs.ErrTaskNotFound
	}
	if cur.TerminalStatus() {
		return structs.ErrTaskTerminal
	}
	if cur.CancelRequested {
		return nil
	}

	t := cur.Copy()
	t.CancelRequested = true
	t.UpdatedAt = time.Now().UTC()
	t.ModifyIndex++
	if err := txn.Insert(tableTasks, newTaskEntry(t)); err != nil {
		return fmt.Errorf("task update failed: %v", err)
	}

	txn.Commit()
	return nil
}

func (s *InmemStore) DeleteTask(_ context.Context, key structs.TaskKey) error {
	txn := s.db.Txn(true)
	defer txn.Abort()

	cur, err := getTaskTxn(txn, key.String())
	if err != nil {
		return err
	}
	if cur == nil {
		return structs.ErrTaskNotFound
	}
	if cur.Tombstoned() {
		return nil
	}

	t := cur.Copy()
	t.TombstonedAt = time.Now().UTC()
	t.UpdatedAt = t.TombstonedAt
	t.ModifyIndex++
	if err := txn.Insert(tableTasks, newTaskEntry(t)); err != nil {
		return fmt.Errorf("task update failed: %v", err)
	}

	txn.Commit()
	return nil
}

func (s *InmemStore) PurgeTask(_ context.Context, key structs.TaskKey) error {
	txn := s.db.Txn(true)
	defer txn.Abort()

	if _, err := txn.DeleteAll(tableTasks, indexID, key.String()); err != nil {
		return fmt.Errorf("task purge failed: %v", err)
	}
	if _, err := txn.DeleteAll(tableLocks, indexID, key.String()); err != nil {
		return fmt.Errorf("lock purge failed: %v", err)
	}

	txn.Commit()
	return nil
}

func (s *InmemStore) TryAcquireLock(_ context.Context, key structs.TaskKey, worker string, lease time.Duration) (structs.LockAcquisition, error) {
	txn := s.db.Txn(true)
	defer txn.Abort()

	now := time.Now().UTC()
	if cur := getLockTxn(txn, key.String()); cur != nil && cur.Worker != worker && cur.Deadline.After(now) {
		return structs.LockAcquisition{
			HeldBy:    cur.Worker,
			Remaining: cur.Deadline.Sub(now),
		}, nil
	}

	entry := &lockEntry{
		Key:      key.String(),
		Worker:   worker,
		Deadline: now.Add(lease),
	}
	if err := txn.Insert(tableLocks, entry); err != nil {
		return structs.LockAcquisition{}, fmt.Errorf("lock insert failed: %v", err)
	}

	txn.Commit()
	return structs.LockAcquisition{Acquired: true}, nil
}

func (s *InmemStore) ExtendLock(_ context.Context, key structs.TaskKey, worker string, lease time.Duration) error {
	txn := s.db.Txn(true)
	defer txn.Abort()

	now := time.Now().UTC()
	cur := getLockTxn(txn, key.String())
	if cur == nil || cur.Worker != worker || !cur.Deadline.After(now) {
		return structs.ErrLockLost
	}

	entry := &lockEntry{
		Key:      key.String(),
		Worker:   worker,
		Deadline: now.Add(lease),
	}
	if err := txn.Insert(tableLocks, entry); err != nil {
		return fmt.Errorf("lock extend failed: %v", err)
	}

	txn.Commit()
	return nil
}

func (s *InmemStore) ReleaseLock(_ context.Context, key structs.TaskKey, worker string) error {
	txn := s.db.Txn(true)
	defer txn.Abort()

	cur := getLockTxn(txn, key.String())
	if cur == nil || cur.Worker != worker {
		return nil
	}
	if _, err := txn.DeleteAll(tableLocks, indexID, key.String()); err != nil {
		return fmt.Errorf("lock release failed: %v", err)
	}

	txn.Commit()
	return nil
}

func (s *InmemStore) ListExpiredLocks(_ context.Context, now time.Time) ([]structs.TaskKey, error) {
	txn := s.db.Txn(false)
	defer txn.Abort()

	iter, err := txn.Get(tableLocks, indexID)
	if err != nil {
		return nil, fmt.Errorf("lock listing failed: %v", err)
	}

	var out []structs.TaskKey
	for raw := iter.Next(); raw != nil; raw = iter.Next() {
		lock := raw.(*lockEntry)
		if !lock.Deadline.Before(now) {
			continue
		}
		key, err := structs.ParseTaskKey(lock.Key)
		if err != nil {
			continue
		}
		out = append(out, key)
	}
	return out, nil
}

func (s *InmemStore) Close() error {
	return nil
}

func newTaskEntry(t *structs.Task) *taskEntry {
	return &taskEntry{
		Key:    t.Key.String(),
		ID:     t.ID,
		Kind:   t.Key.Kind,
		Status: t.Status,
		Task:   t,
	}
}

func getTaskTxn(txn *memdb.Txn, key string) (*structs.Task, error) {
	raw, err := txn.First(tableTasks, indexID, key)
	if err != nil {
		return nil, fmt.Errorf("task lookup failed: %v", err)
	}
	if raw == nil {
		return nil, nil
	}
	return raw.(*taskEntry).Task, nil
}

func getLockTxn(txn *memdb.Txn, key string) *lockEntry {
	raw, err := txn.First(tableLocks, indexID, key)
	if err != nil || raw == nil {
		return nil
	}
	return raw.(*lockEntry)
}

// holdsLockTxn reports whether worker holds a live lock on key.
func holdsLockTxn(txn *memdb.Txn, key, worker string, now time.Time) bool {
	lock := getLockTxn(txn, key)
	return lock != nil && lock.Worker == worker && lock.Deadline.After(now)
}
