// Copyright (c) Opsis Labs, Inc.
// SPDX-License-Identifier: MPL-2.0

package structs

import (
	"fmt"
	"time"
)

// Duration classes. Every task is classified once at admission and the
// class is persisted on the task row so reclaiming workers inherit the
// original cadence rather than re-deriving it.
const (
	ClassShort  = "S"
	ClassMedium = "M"
	ClassLong   = "L"
	ClassXLong  = "XL"
)

// Policy is the execution cadence derived from a task's predicted
// duration. All downstream timing decisions (heartbeat cadence, lock
// lease, checkpoint granularity, credential refresh, execution deadline)
// read from here and nowhere else.
type Policy struct {
	// Class is one of S, M, L, XL.
	Class string

	// PredictedDuration is the estimator's forecast of wall-clock
	// processing time for the input.
	PredictedDuration time.Duration

	// HeartbeatInterval is how often the executor extends the task lock
	// while work is in flight.
	HeartbeatInterval time.Duration

	// LockTTL is the lease granted on each acquisition or extension. It
	// always exceeds HeartbeatInterval by a wide margin so a single
	// missed beat does not forfeit the task.
	LockTTL time.Duration

	// Segments is the number of checkpointed slices the pipeline should
	// split its dominant phase into. More segments means finer-grained
	// resume after a crash.
	Segments int

	// RefreshInterval is the cadence for re-minting downstream session
	// credentials during execution. Zero disables proactive refresh, for
	// tasks that finish well inside a credential's lifetime.
	RefreshInterval time.Duration

	// Deadline is the hard cap on a single execution attempt. The
	// executor abandons the attempt and fails the task with a timeout
	// error when it is exceeded.
	Deadline time.Duration
}

func (p *Policy) Copy() *Policy {
	if p == nil {
		return nil
	}
	np := *p
	return &np
}

func (p *Policy) Validate() error {
	if p == nil {
		return NewTaskError(TaskErrInternal, "task is missing an execution policy")
	}
	switch p.Class {
	case ClassShort, ClassMedium, ClassLong, ClassXLong:
	default:
		return NewTaskError(TaskErrInternal, "unknown duration class %q", p.Class)
	}
	if p.HeartbeatInterval <= 0 {
		return NewTaskError(TaskErrInternal, "non-positive heartbeat interval %s", p.HeartbeatInterval)
	}
	if p.LockTTL <= p.HeartbeatInterval {
		return NewTaskError(TaskErrInternal, "lock TTL %s must exceed heartbeat interval %s",
			p.LockTTL, p.HeartbeatInterval)
	}
	if p.Segments < 1 {
		return NewTaskError(TaskErrInternal, "segments must be at least 1, got %d", p.Segments)
	}
	if p.RefreshInterval < 0 {
		return NewTaskError(TaskErrInternal, "negative refresh interval %s", p.RefreshInterval)
	}
	if p.Deadline <= 0 {
		return NewTaskError(TaskErrInternal, "non-positive deadline %s", p.Deadline)
	}
	return nil
}

func (p *Policy) GoString() string {
	return fmt.Sprintf("Policy{class=%s predicted=%s hb=%s ttl=%s segs=%d refresh=%s deadline=%s}",
		p.Class, p.PredictedDuration, p.HeartbeatInterval, p.LockTTL, p.Segments, p.RefreshInterval, p.Deadline)
}
