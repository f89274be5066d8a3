// Copyright (c) Opsis Labs, Inc.
// SPDX-License-Identifier: MPL-2.0

package runner

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/shoenig/test/must"

	"github.com/opsislabs/windlass/ci"
	"github.com/opsislabs/windlass/helper/testlog"
	"github.com/opsislabs/windlass/state"
	"github.com/opsislabs/windlass/structs"
	"github.com/opsislabs/windlass/testutil"
)

func testDispatcher(t *testing.T, s state.Store, plan *testPlan, maxConcurrent int) *Dispatcher {
	t.Helper()
	d, err := NewDispatcher(&DispatcherConfig{
		Logger:        testlog.HCLogger(t),
		Store:         s,
		Registry:      plan.registry(t),
		CoreConfig:    testCoreConfig(),
		WorkerID:      "w1",
		MaxConcurrent: maxConcurrent,
	})
	must.NoError(t, err)
	return d
}

func TestDispatcher_RunsToCompletion(t *testing.T) {
	ci.Parallel(t)

	s, err := state.NewInmemStore(testlog.HCLogger(t))
	must.NoError(t, err)
	plan := &testPlan{rec: newPhaseRecorder()}
	d := testDispatcher(t, s, plan, 2)

	task := admitRunning(t, s, testTask("doc-dispatch"), "w1")
	must.NoError(t, d.Dispatch(task))

	ctx := context.Background()
	testutil.WaitForResult(func() (bool, error) {
		got, err := s.LoadTask(ctx, task.Key)
		if err != nil {
			return false, err
		}
		return got.Status == structs.TaskStatusCompleted, fmt.Errorf("status %s", got.Status)
	}, func(err error) {
		t.Fatalf("task never completed: %v", err)
	})

	testutil.WaitForResult(func() (bool, error) {
		return d.ActiveCount() == 0, nil
	}, func(err error) {
		t.Fatalf("runner never drained: %v", err)
	})
}

func TestDispatcher_DuplicateDispatchNoop(t *testing.T) {
	ci.Parallel(t)

	s, err := state.NewInmemStore(testlog.HCLogger(t))
	must.NoError(t, err)
	gate := make(chan struct{})
	plan := &testPlan{
		rec:   newPhaseRecorder(),
		gates: map[string]chan struct{}{"scan": gate},
	}
	d := testDispatcher(t, s, plan, 2)

	task := admitRunning(t, s, testTask("doc-dup"), "w1")
	must.NoError(t, d.Dispatch(task))

	testutil.WaitForResult(func() (bool, error) {
		return plan.rec.count("scan") == 1, nil
	}, func(err error) {
		t.Fatalf("scan never started: %v", err)
	})

	// Re-dispatching a live key must not start a second runner.
	must.NoError(t, d.Dispatch(task))
	time.Sleep(50 * time.Millisecond)
	must.Eq(t, 1, plan.rec.count("scan"))
	must.Eq(t, 1, d.ActiveCount())
	must.True(t, d.Running(task.Key))

	close(gate)
	ctx := context.Background()
	testutil.WaitForResult(func() (bool, error) {
		got, err := s.LoadTask(ctx, task.Key)
		if err != nil {
			return false, err
		}
		return got.TerminalStatus(), nil
	}, func(err error) {
		t.Fatalf("task never finished: %v", err)
	})
}

// Shutdown abandons in-flight work without terminal writes or lock
// releases; the lease must still be live immediately afterwards so only
// expiry hands the task over.
func TestDispatcher_ShutdownLeavesRowRunning(t *testing.T) {
	ci.Parallel(t)

	s, err := state.NewInmemStore(testlog.HCLogger(t))
	must.NoError(t, err)
	plan := &testPlan{
		rec:   newPhaseRecorder(),
		gates: map[string]chan struct{}{"analyze": make(chan struct{})},
	}
	d := testDispatcher(t, s, plan, 2)

	task := admitRunning(t, s, testTask("doc-shutdown"), "w1")
	must.NoError(t, d.Dispatch(task))

	testutil.WaitForResult(func() (bool, error) {
		return plan.rec.count("analyze") == 1, nil
	}, func(err error) {
		t.Fatalf("analyze never started: %v", err)
	})

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	must.NoError(t, d.Shutdown(shutdownCtx))

	ctx := context.Background()
	got, err := s.LoadTask(ctx, task.Key)
	must.NoError(t, err)
	must.Eq(t, structs.TaskStatusRunning, got.Status)
	must.Eq(t, 1, got.PhaseCursor)

	acq, err := s.TryAcquireLock(ctx, task.Key, "w2", time.Second)
	must.NoError(t, err)
	must.False(t, acq.Acquired)
	must.Eq(t, "w1", acq.HeldBy)

	must.ErrorContains(t, d.Dispatch(task), "shut down")
}

func TestDispatcher_ConcurrencyBound(t *testing.T) {
	ci.Parallel(t)

	s, err := state.NewInmemStore(testlog.HCLogger(t))
	must.NoError(t, err)
	gate := make(chan struct{})
	plan := &testPlan{
		rec:   newPhaseRecorder(),
		gates: map[string]chan struct{}{"scan": gate},
	}
	d := testDispatcher(t, s, plan, 2)

	keys := make([]structs.TaskKey, 4)
	for i := range keys {
		task := admitRunning(t, s, testTask(fmt.Sprintf("doc-slot-%d", i)), "w1")
		keys[i] = task.Key
		must.NoError(t, d.Dispatch(task))
	}
	must.Eq(t, 4, d.ActiveCount())

	// Only two runners hold execution slots; the rest queue with their
	// heartbeats running.
	testutil.WaitForResult(func() (bool, error) {
		return plan.rec.count("scan") == 2, nil
	}, func(err error) {
		t.Fatalf("first wave never started: %v", err)
	})
	time.Sleep(50 * time.Millisecond)
	must.Eq(t, 2, plan.rec.count("scan"))

	close(gate)
	ctx := context.Background()
	testutil.WaitForResult(func() (bool, error) {
		for _, key := range keys {
			got, err := s.LoadTask(ctx, key)
			if err != nil {
				return false, err
			}
			if got.Status != structs.TaskStatusCompleted {
				return false, fmt.Errorf("%s still %s", key, got.Status)
			}
		}
		return true, nil
	}, func(err error) {
		t.Fatalf("backlog never drained: %v", err)
	})
}
