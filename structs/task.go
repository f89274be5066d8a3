// Copyright (c) Opsis Labs, Inc.
// SPDX-License-Identifier: MPL-2.0

package structs

import (
	"fmt"
	"strings"
	"time"
)

const (
	// KindTextProfile analyzes text and tabular documents: parsing,
	// statistics, keywords, summary.
	KindTextProfile = "text-profile"

	// KindImageAnalyze runs single-image visual analysis.
	KindImageAnalyze = "image-analyze"

	// KindAudioTranscribe runs speech recognition and post-processing over
	// an audio resource.
	KindAudioTranscribe = "audio-transcribe"

	// KindVideoDeep runs the full multimodal video pipeline: frames, audio
	// track, speech, fusion, story analysis.
	KindVideoDeep = "video-deep"
)

// Kinds returns the analysis kinds with registered pipelines, in a stable
// order.
func Kinds() []string {
	return []string{
		KindTextProfile,
		KindImageAnalyze,
		KindAudioTranscribe,
		KindVideoDeep,
	}
}

// ValidKind returns whether the kind names a known pipeline.
func ValidKind(kind string) bool {
	switch kind {
	case KindTextProfile, KindImageAnalyze, KindAudioTranscribe, KindVideoDeep:
		return true
	default:
		return false
	}
}

const (
	TaskStatusPending   = "pending"
	TaskStatusRunning   = "running"
	TaskStatusCompleted = "completed"
	TaskStatusFailed    = "failed"
	TaskStatusAbandoned = "abandoned"
)

// ValidTaskStatusTransition reports whether moving a task from one status to
// another follows the lifecycle DAG. The only permitted cycle is
// running -> abandoned -> running, which models lock reclaim.
func ValidTaskStatusTransition(from, to string) bool {
	switch from {
	case TaskStatusPending:
		return to == TaskStatusRunning
	case TaskStatusRunning:
		return to == TaskStatusCompleted || to == TaskStatusFailed || to == TaskStatusAbandoned
	case TaskStatusAbandoned:
		return to == TaskStatusRunning || to == TaskStatusFailed
	default:
		// completed and failed are terminal
		return false
	}
}

// TaskKey uniquely identifies a task across resubmissions: the analysis
// kind plus the identity of the resource being analyzed.
type TaskKey struct {
	Kind       string
	ResourceID string
}

func NewTaskKey(kind, resourceID string) TaskKey {
	return TaskKey{Kind: kind, ResourceID: resourceID}
}

func (k TaskKey) String() string {
	return k.Kind + "/" + k.ResourceID
}

func (k TaskKey) Validate() error {
	if !ValidKind(k.Kind) {
		return NewTaskError(TaskErrInvalidKind, "unknown analysis kind %q", k.Kind)
	}
	if k.ResourceID == "" {
		return NewTaskError(TaskErrInternal, "missing resource id")
	}
	if strings.ContainsAny(k.ResourceID, "/ \t\n") {
		return NewTaskError(TaskErrInternal, "resource id %q contains reserved characters", k.ResourceID)
	}
	return nil
}

// ParseTaskKey parses the "kind/resource_id" form produced by String.
func ParseTaskKey(s string) (TaskKey, error) {
	kind, resource, ok := strings.Cut(s, "/")
	if !ok {
		return TaskKey{}, fmt.Errorf("invalid task key %q", s)
	}
	k := TaskKey{Kind: kind, ResourceID: resource}
	if err := k.Validate(); err != nil {
		return TaskKey{}, err
	}
	return k, nil
}

// Task is the durable state of one analysis submission through its
// lifecycle. Tasks are keyed by TaskKey; at most one live row exists per
// key. All fields are persisted; reclaimed executions resume from exactly
// what is stored here.
type Task struct {
	// ID is assigned at admission and stable across reclaims of the same
	// run. A resubmission after failure mints a new ID.
	ID string

	Key TaskKey

	Status string

	// PhaseCursor indexes the next phase to execute. It only advances; a
	// reclaimed execution resumes at the persisted value.
	PhaseCursor int

	// Checkpoint is the opaque output of the last committed phase and the
	// input to the phase at PhaseCursor. Valid iff PhaseCursor > 0 and the
	// task is running or abandoned.
	Checkpoint []byte

	// ProgressPercent is monotone non-decreasing within and across
	// executions of the same run.
	ProgressPercent float64

	ProgressMessage string

	// Policy is computed once at admission so reclaims use identical
	// heartbeat, lease, and segment parameters.
	Policy *Policy

	// Input is the descriptor the submission carried. Persisted so a
	// reclaiming worker can re-dispatch without the original caller.
	Input *InputDescriptor

	StartedAt   time.Time
	UpdatedAt   time.Time
	CompletedAt time.Time

	// Attempts counts how many times execution was reclaimed from an
	// abandoned lock.
	Attempts int

	Error     *TaskError
	ResultRef string

	// OwnerWorker is the worker currently holding the lock, or empty.
	OwnerWorker string

	// CancelRequested is set by the cancel API; the executor observes it on
	// its next heartbeat and trips the run's cancel token.
	CancelRequested bool

	// TombstonedAt is non-zero once the underlying resource was deleted.
	// In-flight executions observe it on their next checkpoint write.
	TombstonedAt time.Time

	// ModifyIndex increments on every durable write and backs CAS
	// operations in the store implementations.
	ModifyIndex uint64
}

func (t *Task) Copy() *Task {
	if t == nil {
		return nil
	}
	nt := *t
	if t.Checkpoint != nil {
		nt.Checkpoint = make([]byte, len(t.Checkpoint))
		copy(nt.Checkpoint, t.Checkpoint)
	}
	if t.Policy != nil {
		np := *t.Policy
		nt.Policy = &np
	}
	if t.Input != nil {
		ni := *t.Input
		nt.Input = &ni
	}
	if t.Error != nil {
		ne := *t.Error
		nt.Error = &ne
	}
	return &nt
}

// TerminalStatus returns true when the task has reached completed or
// failed and will never transition again.
func (t *Task) TerminalStatus() bool {
	return t.Status == TaskStatusCompleted || t.Status == TaskStatusFailed
}

// Tombstoned returns whether the underlying resource was deleted out from
// under the task.
func (t *Task) Tombstoned() bool {
	return !t.TombstonedAt.IsZero()
}

// LiveCheckpoint returns the checkpoint when it is valid for resumption:
// at least one phase committed and the run not yet terminal.
func (t *Task) LiveCheckpoint() ([]byte, bool) {
	if t.PhaseCursor > 0 && (t.Status == TaskStatusRunning || t.Status == TaskStatusAbandoned) {
		return t.Checkpoint, true
	}
	return nil, false
}

// ProcessingTime derives the wall-clock duration of the run: elapsed so
// far while live, total once terminal.
func (t *Task) ProcessingTime(now time.Time) time.Duration {
	if t.StartedAt.IsZero() {
		return 0
	}
	if t.TerminalStatus() && !t.CompletedAt.IsZero() {
		return t.CompletedAt.Sub(t.StartedAt)
	}
	return now.Sub(t.StartedAt)
}

func (t *Task) Validate() error {
	if err := t.Key.Validate(); err != nil {
		return err
	}
	if t.ID == "" {
		return NewTaskError(TaskErrInternal, "task missing id")
	}
	switch t.Status {
	case TaskStatusPending, TaskStatusRunning, TaskStatusCompleted,
		TaskStatusFailed, TaskStatusAbandoned:
	default:
		return NewTaskError(TaskErrInternal, "unknown task status %q", t.Status)
	}
	if t.PhaseCursor < 0 {
		return NewTaskError(TaskErrInternal, "negative phase cursor")
	}
	if t.ProgressPercent < 0 || t.ProgressPercent > 100 {
		return NewTaskError(TaskErrInternal, "progress percent %.2f out of range", t.ProgressPercent)
	}
	switch t.Status {
	case TaskStatusCompleted:
		if t.ResultRef == "" || t.Error != nil {
			return NewTaskError(TaskErrInternal, "completed task must carry a result ref and no error")
		}
	case TaskStatusFailed:
		if t.Error == nil || t.ResultRef != "" {
			return NewTaskError(TaskErrInternal, "failed task must carry an error and no result ref")
		}
	}
	return nil
}
