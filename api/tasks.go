// Copyright (c) Opsis Labs, Inc.
// SPDX-License-Identifier: MPL-2.0

package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"
)

// Analysis kinds accepted by the execution core.
const (
	KindTextProfile     = "text-profile"
	KindImageAnalyze    = "image-analyze"
	KindAudioTranscribe = "audio-transcribe"
	KindVideoDeep       = "video-deep"
)

// Task statuses.
const (
	TaskStatusPending   = "pending"
	TaskStatusRunning   = "running"
	TaskStatusCompleted = "completed"
	TaskStatusFailed    = "failed"
	TaskStatusAbandoned = "abandoned"
)

// Admission outcomes returned from Submit.
const (
	SubmitOutcomeStarted              = "started"
	SubmitOutcomeAttached             = "attached"
	SubmitOutcomeSkippedRecentSuccess = "skipped_recent_success"
)

// Execution device hints.
const (
	DeviceCPU = "cpu"
	DeviceGPU = "gpu"
)

// ErrTaskNotFound is returned when a task does not exist.
var ErrTaskNotFound = errors.New("task not found")

// minWaitInterval floors the polling cadence of Wait.
const minWaitInterval = 3 * time.Second

// InputDescriptor describes the input of an analysis submission.
type InputDescriptor struct {
	Kind         string
	ResourceID   string
	SizeBytes    int64
	MediaSeconds float64
	FrameCount   int
	Device       string
	ContentHash  string
}

// TaskView is a consistent snapshot of one task.
type TaskView struct {
	TaskID             string
	Kind               string
	ResourceID         string
	Status             string
	PhaseCursor        int
	ProgressPercent    float64
	ProgressMessage    string
	CurrentPhase       string
	ProcessingTime     time.Duration
	EstimatedRemaining time.Duration
	ErrorKind          string
	ErrorMessage       string
	ResultRef          string
	CancelRequested    bool
	StartedAt          time.Time
	UpdatedAt          time.Time
	CompletedAt        time.Time
	Attempts           int
	ModifyIndex        uint64
}

// Terminal reports whether the view describes a finished task.
func (v *TaskView) Terminal() bool {
	return v != nil && (v.Status == TaskStatusCompleted || v.Status == TaskStatusFailed)
}

// CredentialRefresh is a session credential minted by the agent.
type CredentialRefresh struct {
	Token     string
	Subject   string
	ExpiresAt time.Time
	RenewAt   time.Time
}

// PollResponse couples a task view with an optional refreshed session
// credential and the agent's advisory poll cadence.
type PollResponse struct {
	View         *TaskView
	Credential   *CredentialRefresh
	PollInterval time.Duration
}

// SubmitRequest is the submission body.
type SubmitRequest struct {
	Input          *InputDescriptor
	SessionSubject string
}

// SubmitResponse reports the admission outcome.
type SubmitResponse struct {
	Outcome    string
	View       *TaskView
	Credential *CredentialRefresh
}

// CancelResponse acknowledges a cancellation request.
type CancelResponse struct {
	Cancelled       bool
	AlreadyTerminal bool
	Status          string
}

// TaskListResponse lists task views.
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

// Tasks is used to access the task endpoints.
type Tasks struct {
	client *Client
}

// Tasks returns a handle on the task endpoints.
func (c *Client) Tasks() *Tasks {
	return &Tasks{client: c}
}

func taskPath(kind, resourceID string) string {
	return fmt.Sprintf("/v1/task/%s/%s", url.PathEscape(kind), url.PathEscape(resourceID))
}

// Submit asks the agent to run an analysis. Duplicate submissions for a
// live task attach to the running execution instead of starting another.
func (t *Tasks) Submit(req *SubmitRequest, w *WriteOptions) (*SubmitResponse, *WriteMeta, error) {
	if req == nil || req.Input == nil {
		return nil, nil, errors.New("submit requires an input descriptor")
	}
	var out SubmitResponse
	wm, err := t.client.put(taskPath(req.Input.Kind, req.Input.ResourceID), req, &out, w)
	if err != nil {
		return nil, nil, err
	}
	return &out, wm, nil
}

// Status polls one task. The returned response may carry a refreshed
// session credential; Wait rotates it automatically, manual pollers
// should pass it on their next request.
func (t *Tasks) Status(kind, resourceID string, q *QueryOptions) (*PollResponse, *QueryMeta, error) {
	r, err := t.client.newRequest("GET", taskPath(kind, resourceID))
	if err != nil {
		return nil, nil, err
	}
	r.setQueryOptions(q)
	checkStatus := requireStatusIn(http.StatusOK, http.StatusNotFound)
	rtt, resp, err := checkStatus(t.client.doRequest(r))
	if err != nil {
		return nil, nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		return nil, nil, ErrTaskNotFound
	}

	qm := &QueryMeta{}
	parseQueryMeta(resp, qm)
	qm.RequestTime = rtt

	var out PollResponse
	if err := decodeBody(resp, &out); err != nil {
		return nil, nil, err
	}
	return &out, qm, nil
}

// Cancel requests cancellation of a running task. Cancelling a task that
// already finished is acknowledged with AlreadyTerminal set.
func (t *Tasks) Cancel(kind, resourceID string, w *WriteOptions) (*CancelResponse, *WriteMeta, error) {
	var out CancelResponse
	wm, err := t.client.delete(taskPath(kind, resourceID), &out, w)
	if err != nil {
		return nil, nil, err
	}
	return &out, wm, nil
}

// List returns the known task views, optionally filtered by kind.
func (t *Tasks) List(kind string, q *QueryOptions) ([]*TaskView, *QueryMeta, error) {
	path := "/v1/tasks"
	if kind != "" {
		path += "?kind=" + url.QueryEscape(kind)
	}
	var out TaskListResponse
	qm, err := t.client.query(path, &out, q)
	if err != nil {
		return nil, nil, err
	}
	return out.Tasks, qm, nil
}

// Session mints a session credential for a subject. The agent only
// serves this with keep-alive configured; production deployments mint
// sessions at the platform's auth layer instead.
func (t *Tasks) Session(subject string, w *WriteOptions) (*CredentialRefresh, *WriteMeta, error) {
	var out SessionResponse
	wm, err := t.client.post("/v1/session", &SessionRequest{Subject: subject}, &out, w)
	if err != nil {
		return nil, nil, err
	}
	return out.Credential, wm, nil
}

// Wait polls a task until it reaches a terminal status, honoring the
// agent's advisory poll cadence and rotating the client's session
// credential whenever a refresh is surfaced. It returns the terminal
// view, or the last observed view alongside ctx.Err() when the context
// ends first.
func (t *Tasks) Wait(ctx context.Context, kind, resourceID string, q *QueryOptions) (*TaskView, error) {
	q = q.WithContext(ctx)

	var last *TaskView
	for {
		resp, _, err := t.Status(kind, resourceID, q)
		if err != nil {
			return last, err
		}
		last = resp.View
		if last.Terminal() {
			return last, nil
		}

		if resp.Credential != nil && resp.Credential.Token != "" {
			t.client.SetSessionToken(resp.Credential.Token)
			// The rotated credential rides the client config; drop any
			// per-call override so it takes effect.
			q.AuthToken = ""
		}

		interval := resp.PollInterval
		if interval < minWaitInterval {
			interval = minWaitInterval
		}
		select {
		case <-ctx.Done():
			return last, ctx.Err()
		case <-time.After(interval):
		}
	}
}
