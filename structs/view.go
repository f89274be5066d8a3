// Copyright (c) Opsis Labs, Inc.
// SPDX-License-Identifier: MPL-2.0

package structs

import "time"

// TaskView is the client-facing snapshot of a task, assembled by the
// progress publisher. Views carry the store's modify index so consumers
// can discard stale reads; a poller never observes progress moving
// backwards.
type TaskView struct {
	TaskID          string
	Kind            string
	ResourceID      string
	Status          string
	PhaseCursor     int
	ProgressPercent float64
	ProgressMessage string

	// CurrentPhase names the phase at the cursor, filled in by the
	// publisher from the pipeline definition. Empty once terminal.
	CurrentPhase string

	// ProcessingTime is elapsed wall-clock time while live, total run
	// time once terminal.
	ProcessingTime time.Duration

	// EstimatedRemaining is the estimator's forecast minus elapsed
	// processing time, floored at zero. Purely advisory.
	EstimatedRemaining time.Duration

	// ErrorKind and ErrorMessage are set only on failed tasks. Internal
	// stack traces never appear here.
	ErrorKind    string
	ErrorMessage string

	// ResultRef is set only on completed tasks.
	ResultRef string

	// CancelRequested tells pollers a cancellation is pending but the
	// executor has not yet observed it.
	CancelRequested bool

	StartedAt   time.Time
	UpdatedAt   time.Time
	CompletedAt time.Time
	Attempts    int

	// ModifyIndex orders views of the same task.
	ModifyIndex uint64
}

// Terminal reports whether the view describes a finished task.
func (v *TaskView) Terminal() bool {
	return v != nil && (v.Status == TaskStatusCompleted || v.Status == TaskStatusFailed)
}

// Stale reports whether other supersedes this view. Equal indexes compare
// by progress so in-flight writes with the same index still order.
func (v *TaskView) Stale(other *TaskView) bool {
	if v == nil || other == nil {
		return false
	}
	if v.ModifyIndex != other.ModifyIndex {
		return v.ModifyIndex < other.ModifyIndex
	}
	return v.ProgressPercent < other.ProgressPercent
}

// NewTaskView projects a task row into its client-facing form.
func NewTaskView(t *Task, now time.Time) *TaskView {
	if t == nil {
		return nil
	}
	v := &TaskView{
		TaskID:          t.ID,
		Kind:            t.Key.Kind,
		ResourceID:      t.Key.ResourceID,
		Status:          t.Status,
		PhaseCursor:     t.PhaseCursor,
		ProgressPercent: t.ProgressPercent,
		ProgressMessage: t.ProgressMessage,
		ProcessingTime:  t.ProcessingTime(now),
		ResultRef:       t.ResultRef,
		CancelRequested: t.CancelRequested,
		StartedAt:       t.StartedAt,
		UpdatedAt:       t.UpdatedAt,
		CompletedAt:     t.CompletedAt,
		Attempts:        t.Attempts,
		ModifyIndex:     t.ModifyIndex,
	}
	if t.Error != nil {
		v.ErrorKind = t.Error.Kind
		v.ErrorMessage = t.Error.Message
	}
	if t.Policy != nil && t.Status == TaskStatusRunning {
		if rem := t.Policy.PredictedDuration - t.ProcessingTime(now); rem > 0 {
			v.EstimatedRemaining = rem
		}
	}
	return v
}

// CredentialRefresh is a re-minted downstream session credential,
// piggybacked on poll responses so long-running analyses never strand a
// client with an expired token.
type CredentialRefresh struct {
	Token     string
	Subject   string
	ExpiresAt time.Time

	// RenewAt is the server's suggested time to seek the next refresh,
	// jittered to spread renewal load.
	RenewAt time.Time
}

// Fresh reports whether the credential still has at least margin of
// validity remaining.
func (c *CredentialRefresh) Fresh(now time.Time, margin time.Duration) bool {
	return c != nil && c.Token != "" && now.Add(margin).Before(c.ExpiresAt)
}

// PollResponse couples a task view with an optional credential refresh.
// The refresh is populated when the caller's session is within its renewal
// window.
type PollResponse struct {
	View       *TaskView
	Credential *CredentialRefresh

	// PollInterval is the server's advisory minimum wait before the next
	// poll for this task.
	PollInterval time.Duration
}
