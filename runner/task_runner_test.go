// Copyright (c) Opsis Labs, Inc.
// SPDX-License-Identifier: MPL-2.0

package runner

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shoenig/test/must"

	"github.com/opsislabs/windlass/ci"
	"github.com/opsislabs/windlass/helper/testlog"
	"github.com/opsislabs/windlass/helper/uuid"
	"github.com/opsislabs/windlass/pipeline"
	"github.com/opsislabs/windlass/state"
	"github.com/opsislabs/windlass/structs"
	"github.com/opsislabs/windlass/testutil"
)

func testPolicy() *structs.Policy {
	return &structs.Policy{
		Class:             structs.ClassShort,
		PredictedDuration: time.Minute,
		HeartbeatInterval: 20 * time.Millisecond,
		LockTTL:           200 * time.Millisecond,
		Segments:          4,
		RefreshInterval:   time.Minute,
		Deadline:          10 * time.Second,
	}
}

func testCoreConfig() *structs.CoreConfig {
	cc := structs.DefaultCoreConfig()
	cc.PhaseRetryBaseBackoff = 2 * time.Millisecond
	return cc
}

func testTask(resource string) *structs.Task {
	return &structs.Task{
		ID:     uuid.Generate(),
		Key:    structs.NewTaskKey(structs.KindTextProfile, resource),
		Status: structs.TaskStatusPending,
		Policy: testPolicy(),
		Input: &structs.InputDescriptor{
			Kind:       structs.KindTextProfile,
			ResourceID: resource,
			SizeBytes:  1 << 16,
		},
		StartedAt: time.Now().UTC(),
	}
}

// admitRunning walks a task through admission: insert, lock, running.
func admitRunning(t *testing.T, s state.Store, task *structs.Task, worker string) *structs.Task {
	t.Helper()
	ctx := context.Background()

	_, _, err := s.PutTaskIfAbsent(ctx, task)
	must.NoError(t, err)

	acq, err := s.TryAcquireLock(ctx, task.Key, worker, task.Policy.LockTTL)
	must.NoError(t, err)
	must.True(t, acq.Acquired)

	run, err := s.MarkRunning(ctx, task.Key, worker)
	must.NoError(t, err)
	return run
}

// phaseRecorder counts phase executions across runs of the same key.
type phaseRecorder struct {
	mu   sync.Mutex
	runs map[string]int
}

func newPhaseRecorder() *phaseRecorder {
	return &phaseRecorder{runs: make(map[string]int)}
}

func (r *phaseRecorder) bump(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.runs[name]++
}

func (r *phaseRecorder) count(name string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.runs[name]
}

// testPlan builds a four-phase pipeline whose phases record executions
// and can block on a gate or fail on demand.
type testPlan struct {
	rec   *phaseRecorder
	gates map[string]chan struct{}
	fail  map[string]func() error
}

var testPhaseNames = []string{"scan", "analyze", "compose", "finalize"}

func (p *testPlan) registry(t *testing.T) *pipeline.Registry {
	t.Helper()

	phases := make([]pipeline.Phase, len(testPhaseNames))
	for i, name := range testPhaseNames {
		name := name
		last := i == len(testPhaseNames)-1
		phases[i] = pipeline.Phase{
			Name: name,
			Run: func(ctx context.Context, desc *structs.InputDescriptor, prev []byte, sink pipeline.ProgressSink) ([]byte, error) {
				p.rec.bump(name)
				if fn := p.fail[name]; fn != nil {
					if err := fn(); err != nil {
						return nil, err
					}
				}
				if gate := p.gates[name]; gate != nil {
					select {
					case <-gate:
					case <-ctx.Done():
						return nil, ctx.Err()
					}
				}
				sink.Update(50, name+" underway")
				if last {
					return pipeline.EncodeFinal("sha256:" + desc.ResourceID)
				}
				return pipeline.EncodeCheckpoint(map[string]string{"last": name})
			},
		}
	}

	reg := pipeline.NewRegistry()
	must.NoError(t, reg.Register(&pipeline.Pipeline{
		Kind: structs.KindTextProfile,
		Plan: func(desc *structs.InputDescriptor, segments int) []pipeline.Phase {
			return phases
		},
	}))
	return reg
}

func newTestRunner(t *testing.T, s state.Store, reg *pipeline.Registry, task *structs.Task, worker string, cc *structs.CoreConfig) *TaskRunner {
	t.Helper()
	tr, err := NewTaskRunner(&Config{
		Logger:     testlog.HCLogger(t),
		Store:      s,
		Registry:   reg,
		WorkerID:   worker,
		Task:       task,
		CoreConfig: cc,
	})
	must.NoError(t, err)
	return tr
}

func TestTaskRunner_Completes(t *testing.T) {
	ci.Parallel(t)

	s, err := state.NewInmemStore(testlog.HCLogger(t))
	must.NoError(t, err)
	plan := &testPlan{rec: newPhaseRecorder()}

	task := admitRunning(t, s, testTask("doc-complete"), "w1")
	tr := newTestRunner(t, s, plan.registry(t), task, "w1", testCoreConfig())
	tr.Run(context.Background())

	got, err := s.LoadTask(context.Background(), task.Key)
	must.NoError(t, err)
	must.Eq(t, structs.TaskStatusCompleted, got.Status)
	must.Eq(t, "sha256:doc-complete", got.ResultRef)
	must.Nil(t, got.Error)
	must.Eq(t, len(testPhaseNames), got.PhaseCursor)
	must.Eq(t, 100.0, got.ProgressPercent)
	must.False(t, got.CompletedAt.IsZero())

	for _, name := range testPhaseNames {
		must.Eq(t, 1, plan.rec.count(name), must.Sprintf("phase %s executions", name))
	}
}

// A reclaimed execution must pick up at the persisted cursor and never
// re-execute committed phases.
func TestTaskRunner_ResumeSkipsCommittedPhases(t *testing.T) {
	ci.Parallel(t)

	s, err := state.NewInmemStore(testlog.HCLogger(t))
	must.NoError(t, err)

	gate := make(chan struct{})
	plan := &testPlan{
		rec:   newPhaseRecorder(),
		gates: map[string]chan struct{}{"compose": gate},
	}
	reg := plan.registry(t)

	task := testTask("doc-resume")
	task.Policy.LockTTL = 150 * time.Millisecond
	admitted := admitRunning(t, s, task, "w1")

	// First execution: let it commit scan and analyze, then kill the
	// worker while compose is in flight.
	runCtx, cancel := context.WithCancel(context.Background())
	tr1 := newTestRunner(t, s, reg, admitted, "w1", testCoreConfig())
	go tr1.Run(runCtx)

	testutil.WaitForResult(func() (bool, error) {
		return plan.rec.count("compose") == 1, nil
	}, func(err error) {
		t.Fatalf("compose never started: %v", err)
	})

	cancel()
	<-tr1.WaitCh()

	mid, err := s.LoadTask(context.Background(), task.Key)
	must.NoError(t, err)
	must.Eq(t, structs.TaskStatusRunning, mid.Status)
	must.Eq(t, 2, mid.PhaseCursor)
	_, ok := mid.LiveCheckpoint()
	must.True(t, ok)
	must.Eq(t, 50.0, mid.ProgressPercent)

	// The dead worker's lease lapses; reclaim the task as a peer would.
	ctx := context.Background()
	testutil.WaitForResult(func() (bool, error) {
		expired, err := s.ListExpiredLocks(ctx, time.Now())
		if err != nil {
			return false, err
		}
		for _, k := range expired {
			if k == task.Key {
				return true, nil
			}
		}
		return false, nil
	}, func(err error) {
		t.Fatalf("lease never expired: %v", err)
	})

	attempts, err := s.MarkAbandoned(ctx, task.Key, "w1")
	must.NoError(t, err)
	must.Eq(t, 1, attempts)

	acq, err := s.TryAcquireLock(ctx, task.Key, "w2", task.Policy.LockTTL)
	must.NoError(t, err)
	must.True(t, acq.Acquired)

	reclaimed, err := s.MarkRunning(ctx, task.Key, "w2")
	must.NoError(t, err)

	// Watch progress for regressions while the second execution runs.
	var regressed atomic.Bool
	watchDone := make(chan struct{})
	go func() {
		defer close(watchDone)
		last := mid.ProgressPercent
		for {
			cur, err := s.LoadTask(ctx, task.Key)
			if err == nil {
				if cur.ProgressPercent < last {
					regressed.Store(true)
				}
				last = cur.ProgressPercent
				if cur.TerminalStatus() {
					return
				}
			}
			time.Sleep(2 * time.Millisecond)
		}
	}()

	close(gate)
	tr2 := newTestRunner(t, s, reg, reclaimed, "w2", testCoreConfig())
	tr2.Run(ctx)
	<-watchDone

	got, err := s.LoadTask(ctx, task.Key)
	must.NoError(t, err)
	must.Eq(t, structs.TaskStatusCompleted, got.Status)
	must.Eq(t, "sha256:doc-resume", got.ResultRef)
	must.Eq(t, 1, got.Attempts)
	must.False(t, regressed.Load())

	// Committed phases ran once in total; only the interrupted phase
	// executed again.
	must.Eq(t, 1, plan.rec.count("scan"))
	must.Eq(t, 1, plan.rec.count("analyze"))
	must.Eq(t, 2, plan.rec.count("compose"))
	must.Eq(t, 1, plan.rec.count("finalize"))
}

func TestTaskRunner_DeadlineTimeout(t *testing.T) {
	ci.Parallel(t)

	s, err := state.NewInmemStore(testlog.HCLogger(t))
	must.NoError(t, err)

	// analyze blocks until the run context dies.
	plan := &testPlan{
		rec:   newPhaseRecorder(),
		gates: map[string]chan struct{}{"analyze": make(chan struct{})},
	}

	task := testTask("doc-deadline")
	task.Policy.Deadline = 150 * time.Millisecond
	admitted := admitRunning(t, s, task, "w1")

	tr := newTestRunner(t, s, plan.registry(t), admitted, "w1", testCoreConfig())
	start := time.Now()
	tr.Run(context.Background())
	must.Less(t, 5*time.Second, time.Since(start))

	ctx := context.Background()
	got, err := s.LoadTask(ctx, task.Key)
	must.NoError(t, err)
	must.Eq(t, structs.TaskStatusFailed, got.Status)
	must.NotNil(t, got.Error)
	must.Eq(t, structs.TaskErrTimeout, got.Error.Kind)
	must.Eq(t, "", got.ResultRef)

	// Finalization released the lock, so the dead run cannot be extended.
	err = s.ExtendLock(ctx, task.Key, "w1", time.Second)
	must.ErrorIs(t, err, structs.ErrLockLost)

	// Only the committed boundary survived.
	must.Eq(t, 1, got.PhaseCursor)
	must.Eq(t, 25.0, got.ProgressPercent)
}

func TestTaskRunner_TransientRetryThenSuccess(t *testing.T) {
	ci.Parallel(t)

	s, err := state.NewInmemStore(testlog.HCLogger(t))
	must.NoError(t, err)

	var failures atomic.Int32
	plan := &testPlan{
		rec: newPhaseRecorder(),
		fail: map[string]func() error{
			"analyze": func() error {
				if failures.Add(1) <= 2 {
					return structs.NewTaskError(structs.TaskErrTransientUpstream, "model briefly away")
				}
				return nil
			},
		},
	}

	task := admitRunning(t, s, testTask("doc-flaky"), "w1")
	tr := newTestRunner(t, s, plan.registry(t), task, "w1", testCoreConfig())
	tr.Run(context.Background())

	got, err := s.LoadTask(context.Background(), task.Key)
	must.NoError(t, err)
	must.Eq(t, structs.TaskStatusCompleted, got.Status)
	must.Eq(t, 3, plan.rec.count("analyze"))
	must.Eq(t, 1, plan.rec.count("finalize"))
}

func TestTaskRunner_TransientExhaustionEscalates(t *testing.T) {
	ci.Parallel(t)

	s, err := state.NewInmemStore(testlog.HCLogger(t))
	must.NoError(t, err)

	plan := &testPlan{
		rec: newPhaseRecorder(),
		fail: map[string]func() error{
			"analyze": func() error {
				return structs.NewTaskError(structs.TaskErrTransientUpstream, "model down hard")
			},
		},
	}

	cc := testCoreConfig()
	cc.MaxPhaseRetries = 2

	task := admitRunning(t, s, testTask("doc-down"), "w1")
	tr := newTestRunner(t, s, plan.registry(t), task, "w1", cc)
	tr.Run(context.Background())

	got, err := s.LoadTask(context.Background(), task.Key)
	must.NoError(t, err)
	must.Eq(t, structs.TaskStatusFailed, got.Status)
	must.NotNil(t, got.Error)
	must.Eq(t, structs.TaskErrPermanentUpstream, got.Error.Kind)
	must.StrContains(t, got.Error.Message, "after 2 retries")

	// Initial attempt plus the retry budget.
	must.Eq(t, 3, plan.rec.count("analyze"))
	must.Eq(t, 0, plan.rec.count("compose"))
}

func TestTaskRunner_CancelRequested(t *testing.T) {
	ci.Parallel(t)

	s, err := state.NewInmemStore(testlog.HCLogger(t))
	must.NoError(t, err)

	plan := &testPlan{
		rec:   newPhaseRecorder(),
		gates: map[string]chan struct{}{"analyze": make(chan struct{})},
	}

	task := admitRunning(t, s, testTask("doc-cancel"), "w1")
	tr := newTestRunner(t, s, plan.registry(t), task, "w1", testCoreConfig())
	go tr.Run(context.Background())

	ctx := context.Background()
	testutil.WaitForResult(func() (bool, error) {
		return plan.rec.count("analyze") == 1, nil
	}, func(err error) {
		t.Fatalf("analyze never started: %v", err)
	})

	must.NoError(t, s.RequestCancel(ctx, task.Key))
	<-tr.WaitCh()

	got, err := s.LoadTask(ctx, task.Key)
	must.NoError(t, err)
	must.Eq(t, structs.TaskStatusFailed, got.Status)
	must.NotNil(t, got.Error)
	must.Eq(t, structs.TaskErrCancelled, got.Error.Kind)
	must.Eq(t, 0, plan.rec.count("compose"))
}

// A tombstoned resource aborts the run without a terminal write and
// releases the lock so garbage collection owns the row.
func TestTaskRunner_TombstoneAborts(t *testing.T) {
	ci.Parallel(t)

	s, err := state.NewInmemStore(testlog.HCLogger(t))
	must.NoError(t, err)

	gate := make(chan struct{})
	plan := &testPlan{
		rec:   newPhaseRecorder(),
		gates: map[string]chan struct{}{"analyze": gate},
	}

	task := admitRunning(t, s, testTask("doc-gone"), "w1")
	tr := newTestRunner(t, s, plan.registry(t), task, "w1", testCoreConfig())
	go tr.Run(context.Background())

	ctx := context.Background()
	testutil.WaitForResult(func() (bool, error) {
		return plan.rec.count("analyze") == 1, nil
	}, func(err error) {
		t.Fatalf("analyze never started: %v", err)
	})

	must.NoError(t, s.DeleteTask(ctx, task.Key))
	close(gate)
	<-tr.WaitCh()

	got, err := s.LoadTask(ctx, task.Key)
	must.NoError(t, err)
	must.False(t, got.TerminalStatus())
	must.True(t, got.Tombstoned())
	must.Eq(t, 0, plan.rec.count("compose"))

	// The lock was released, not left to lease expiry.
	acq, err := s.TryAcquireLock(ctx, task.Key, "w2", time.Second)
	must.NoError(t, err)
	must.True(t, acq.Acquired)
}

// Losing the lock means another worker owns the run now: exit without
// touching the row.
func TestTaskRunner_LockLostExitsSilently(t *testing.T) {
	ci.Parallel(t)

	s, err := state.NewInmemStore(testlog.HCLogger(t))
	must.NoError(t, err)

	plan := &testPlan{
		rec:   newPhaseRecorder(),
		gates: map[string]chan struct{}{"analyze": make(chan struct{})},
	}

	task := admitRunning(t, s, testTask("doc-stolen"), "w1")
	tr := newTestRunner(t, s, plan.registry(t), task, "w1", testCoreConfig())
	go tr.Run(context.Background())

	ctx := context.Background()
	testutil.WaitForResult(func() (bool, error) {
		return plan.rec.count("analyze") == 1, nil
	}, func(err error) {
		t.Fatalf("analyze never started: %v", err)
	})

	// Steal the lock out from under the runner.
	must.NoError(t, s.ReleaseLock(ctx, task.Key, "w1"))
	acq, err := s.TryAcquireLock(ctx, task.Key, "w2", time.Minute)
	must.NoError(t, err)
	must.True(t, acq.Acquired)

	select {
	case <-tr.WaitCh():
	case <-time.After(5 * time.Second):
		t.Fatal("runner did not exit after losing its lock")
	}

	got, err := s.LoadTask(ctx, task.Key)
	must.NoError(t, err)
	must.Eq(t, structs.TaskStatusRunning, got.Status)
	must.Eq(t, 1, got.PhaseCursor)
	must.Nil(t, got.Error)
}

// A crash between the last phase commit and finalization leaves the
// cursor past the end; the next execution finalizes from the checkpoint
// without re-running anything.
func TestTaskRunner_FinalizesAfterCrashBeforeFinalize(t *testing.T) {
	ci.Parallel(t)

	s, err := state.NewInmemStore(testlog.HCLogger(t))
	must.NoError(t, err)
	plan := &testPlan{rec: newPhaseRecorder()}
	reg := plan.registry(t)

	task := admitRunning(t, s, testTask("doc-tail"), "w1")

	final, err := pipeline.EncodeFinal("sha256:tail-result")
	must.NoError(t, err)
	ctx := context.Background()
	must.NoError(t, s.UpdateTaskProgress(ctx, task.Key, "w1", structs.ProgressUpdate{
		PhaseCursor:     len(testPhaseNames),
		Checkpoint:      final,
		ProgressPercent: 100,
		ProgressMessage: "finalize done",
	}))

	tr := newTestRunner(t, s, reg, task, "w1", testCoreConfig())
	tr.Run(ctx)

	got, err := s.LoadTask(ctx, task.Key)
	must.NoError(t, err)
	must.Eq(t, structs.TaskStatusCompleted, got.Status)
	must.Eq(t, "sha256:tail-result", got.ResultRef)
	for _, name := range testPhaseNames {
		must.Eq(t, 0, plan.rec.count(name), must.Sprintf("phase %s executions", name))
	}
}

// A runner holding a snapshot of a replaced row must not execute.
func TestTaskRunner_SupersededRowExits(t *testing.T) {
	ci.Parallel(t)

	s, err := state.NewInmemStore(testlog.HCLogger(t))
	must.NoError(t, err)
	plan := &testPlan{rec: newPhaseRecorder()}

	task := admitRunning(t, s, testTask("doc-stale"), "w1")
	stale := task.Copy()
	stale.ID = uuid.Generate()

	tr := newTestRunner(t, s, plan.registry(t), stale, "w1", testCoreConfig())
	tr.Run(context.Background())

	got, err := s.LoadTask(context.Background(), task.Key)
	must.NoError(t, err)
	must.Eq(t, structs.TaskStatusRunning, got.Status)
	must.Eq(t, 0, plan.rec.count("scan"))
}
