// Copyright (c) Opsis Labs, Inc.
// SPDX-License-Identifier: MPL-2.0

// Package structs holds the shared types of the windlass execution core:
// tasks and their lifecycle, execution policies, progress views, and the
// error taxonomy surfaced to polling clients.
package structs

import (
	"bytes"
	"time"

	"github.com/hashicorp/go-msgpack/v2/codec"
)

// MsgpackHandle is shared by store codecs and checkpoint encoders. Tasks are
// persisted as msgpack blobs, so field renames are wire-breaking changes.
var MsgpackHandle = func() *codec.MsgpackHandle {
	h := &codec.MsgpackHandle{}
	h.BasicHandle.TimeNotBuiltin = true
	return h
}()

var (
	// JsonHandle and JsonHandlePretty are the codec handles for the HTTP
	// API. Responses encoded with these decode cleanly with encoding/json
	// on the client side.
	JsonHandle = &codec.JsonHandle{
		HTMLCharsAsIs: true,
	}
	JsonHandlePretty = &codec.JsonHandle{
		HTMLCharsAsIs: true,
		Indent:        4,
	}
)

// Encode is used to msgpack-encode a value.
func Encode(v interface{}) ([]byte, error) {
	var buf bytes.Buffer
	err := codec.NewEncoder(&buf, MsgpackHandle).Encode(v)
	return buf.Bytes(), err
}

// Decode is used to msgpack-decode a value.
func Decode(buf []byte, out interface{}) error {
	return codec.NewDecoder(bytes.NewReader(buf), MsgpackHandle).Decode(out)
}

const (
	// SubmitOutcomeStarted indicates the submission won admission and a new
	// execution was dispatched.
	SubmitOutcomeStarted = "started"

	// SubmitOutcomeAttached indicates an execution for the same task key was
	// already live; the caller should poll it.
	SubmitOutcomeAttached = "attached"

	// SubmitOutcomeSkippedRecentSuccess indicates a completed result younger
	// than the staleness window exists and no work was redone.
	SubmitOutcomeSkippedRecentSuccess = "skipped_recent_success"
)

// SubmitRequest is the HTTP submission body. Kind and resource id come
// from the request path and override whatever the descriptor carries.
type SubmitRequest struct {
	Input *InputDescriptor

	// SessionSubject, when set on an agent with keep-alive configured,
	// requests an initial session credential in the response.
	SessionSubject string
}

// SubmitResponse reports the admission outcome with a view of the
// admitted (or attached, or reused) task.
type SubmitResponse struct {
	Outcome string
	View    *TaskView

	// Credential is the initial session credential, minted when the
	// request named a session subject.
	Credential *CredentialRefresh
}

// CancelResponse acknowledges a cancellation request.
type CancelResponse struct {
	// Cancelled is true when the cancel flag was newly set on a live run.
	Cancelled bool

	// AlreadyTerminal is true when the task had already finished; the
	// request was a no-op.
	AlreadyTerminal bool

	// Status is the task status after the request.
	Status string
}

// TaskListResponse lists task views, optionally filtered by kind.
type TaskListResponse struct {
	Tasks []*TaskView
}

// SessionRequest asks the agent to mint a session credential.
type SessionRequest struct {
	Subject string
}

// SessionResponse carries a freshly minted session credential.
type SessionResponse struct {
	Credential *CredentialRefresh
}

// ProgressUpdate is the durable commit written after each completed phase,
// plus any throttled intra-phase progress writes.
type ProgressUpdate struct {
	PhaseCursor     int
	Checkpoint      []byte
	ProgressPercent float64
	ProgressMessage string
}

// Finalization transitions a task to a terminal status and releases its
// lock in the same store operation.
type Finalization struct {
	// Status must be TaskStatusCompleted or TaskStatusFailed.
	Status string

	// ResultRef points into the result store; required for completion.
	ResultRef string

	// Error carries the failure kind and message; required for failure.
	Error *TaskError

	// Attempts, when set, overwrites the row's reclaim counter. The
	// reclaim-cap failure path uses it to record the reclaims that
	// actually ran, not the final abandonment that tripped the cap.
	Attempts *int
}

// Validate checks the terminal-exclusivity invariant: exactly one of
// ResultRef or Error is populated, matching Status.
func (f *Finalization) Validate() error {
	switch f.Status {
	case TaskStatusCompleted:
		if f.ResultRef == "" {
			return NewTaskError(TaskErrInternal, "completed finalization requires a result ref")
		}
		if f.Error != nil {
			return NewTaskError(TaskErrInternal, "completed finalization must not carry an error")
		}
	case TaskStatusFailed:
		if f.Error == nil {
			return NewTaskError(TaskErrInternal, "failed finalization requires an error")
		}
		if f.ResultRef != "" {
			return NewTaskError(TaskErrInternal, "failed finalization must not carry a result ref")
		}
	default:
		return NewTaskError(TaskErrInternal, "finalization status %q is not terminal", f.Status)
	}
	return nil
}

// LockAcquisition reports the outcome of a lock attempt. When Acquired is
// false, HeldBy and Remaining describe the current holder's lease.
type LockAcquisition struct {
	Acquired  bool
	HeldBy    string
	Remaining time.Duration
}
