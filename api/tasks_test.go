// Copyright (c) Opsis Labs, Inc.
// SPDX-License-Identifier: MPL-2.0

package api

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/shoenig/test/must"
)

// taskMux is a scriptable fake agent recording what it saw.
type taskMux struct {
	mu        sync.Mutex
	lastToken string
	polls     int

	submit func(w http.ResponseWriter, r *http.Request)
	poll   func(polls int, w http.ResponseWriter, r *http.Request)
	cancel func(w http.ResponseWriter, r *http.Request)
	list   func(w http.ResponseWriter, r *http.Request)
}

func (m *taskMux) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	m.mu.Lock()
	m.lastToken = r.Header.Get("X-Windlass-Token")
	m.mu.Unlock()

	switch {
	case r.URL.Path == "/v1/tasks" && m.list != nil:
		m.list(w, r)
	case r.Method == http.MethodPut && m.submit != nil:
		m.submit(w, r)
	case r.Method == http.MethodGet && m.poll != nil:
		m.mu.Lock()
		m.polls++
		n := m.polls
		m.mu.Unlock()
		m.poll(n, w, r)
	case r.Method == http.MethodDelete && m.cancel != nil:
		m.cancel(w, r)
	default:
		http.NotFound(w, r)
	}
}

func (m *taskMux) seenToken() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastToken
}

func writeJSON(t *testing.T, w http.ResponseWriter, v interface{}) {
	t.Helper()
	w.Header().Set("X-Windlass-Index", "42")
	w.Header().Set("Content-Type", "application/json")
	must.NoError(t, json.NewEncoder(w).Encode(v))
}

func TestTasks_Submit(t *testing.T) {
	t.Parallel()

	mux := &taskMux{
		submit: func(w http.ResponseWriter, r *http.Request) {
			must.Eq(t, "/v1/task/video-deep/clip-7", r.URL.Path)

			var req SubmitRequest
			must.NoError(t, json.NewDecoder(r.Body).Decode(&req))
			must.Eq(t, KindVideoDeep, req.Input.Kind)
			must.Eq(t, "clip-7", req.Input.ResourceID)
			must.Eq(t, 3600.0, req.Input.MediaSeconds)

			writeJSON(t, w, &SubmitResponse{
				Outcome: SubmitOutcomeStarted,
				View: &TaskView{
					TaskID:     "task-1",
					Kind:       KindVideoDeep,
					ResourceID: "clip-7",
					Status:     TaskStatusRunning,
				},
			})
		},
	}
	client, _ := makeTestClient(t, mux)

	resp, wm, err := client.Tasks().Submit(&SubmitRequest{
		Input: &InputDescriptor{
			Kind:         KindVideoDeep,
			ResourceID:   "clip-7",
			MediaSeconds: 3600,
			FrameCount:   9000,
		},
	}, nil)
	must.NoError(t, err)
	must.Eq(t, SubmitOutcomeStarted, resp.Outcome)
	must.Eq(t, "task-1", resp.View.TaskID)
	must.Eq(t, TaskStatusRunning, resp.View.Status)
	must.Eq(t, 42, wm.LastIndex)
}

func TestTasks_Submit_RequiresInput(t *testing.T) {
	t.Parallel()
	client, _ := makeTestClient(t, http.NotFoundHandler())

	_, _, err := client.Tasks().Submit(&SubmitRequest{}, nil)
	must.Error(t, err)
}

func TestTasks_Status(t *testing.T) {
	t.Parallel()

	mux := &taskMux{
		poll: func(_ int, w http.ResponseWriter, r *http.Request) {
			must.Eq(t, "/v1/task/audio-transcribe/ep-12", r.URL.Path)
			writeJSON(t, w, &PollResponse{
				View: &TaskView{
					TaskID:          "task-9",
					Status:          TaskStatusRunning,
					PhaseCursor:     2,
					CurrentPhase:    "transcribe_segment",
					ProgressPercent: 37.5,
					ProcessingTime:  90 * time.Second,
				},
				PollInterval: 3 * time.Second,
			})
		},
	}
	client, _ := makeTestClient(t, mux)

	resp, qm, err := client.Tasks().Status(KindAudioTranscribe, "ep-12", nil)
	must.NoError(t, err)
	must.Eq(t, "task-9", resp.View.TaskID)
	must.Eq(t, 2, resp.View.PhaseCursor)
	must.Eq(t, "transcribe_segment", resp.View.CurrentPhase)
	must.Eq(t, 37.5, resp.View.ProgressPercent)
	must.Eq(t, 90*time.Second, resp.View.ProcessingTime)
	must.Eq(t, 3*time.Second, resp.PollInterval)
	must.Eq(t, 42, qm.LastIndex)
	must.False(t, resp.View.Terminal())
}

func TestTasks_Status_NotFound(t *testing.T) {
	t.Parallel()
	client, _ := makeTestClient(t, http.NotFoundHandler())

	_, _, err := client.Tasks().Status(KindTextProfile, "missing", nil)
	must.ErrorIs(t, err, ErrTaskNotFound)
}

func TestTasks_Cancel(t *testing.T) {
	t.Parallel()

	mux := &taskMux{
		cancel: func(w http.ResponseWriter, r *http.Request) {
			must.Eq(t, "/v1/task/image-analyze/img-3", r.URL.Path)
			writeJSON(t, w, &CancelResponse{
				Cancelled: true,
				Status:    TaskStatusRunning,
			})
		},
	}
	client, _ := makeTestClient(t, mux)

	resp, _, err := client.Tasks().Cancel(KindImageAnalyze, "img-3", nil)
	must.NoError(t, err)
	must.True(t, resp.Cancelled)
	must.False(t, resp.AlreadyTerminal)
}

func TestTasks_List(t *testing.T) {
	t.Parallel()

	mux := &taskMux{
		list: func(w http.ResponseWriter, r *http.Request) {
			must.Eq(t, KindVideoDeep, r.URL.Query().Get("kind"))
			writeJSON(t, w, &TaskListResponse{
				Tasks: []*TaskView{
					{TaskID: "task-1", Status: TaskStatusRunning},
					{TaskID: "task-2", Status: TaskStatusCompleted, ResultRef: "sha256:abc"},
				},
			})
		},
	}
	client, _ := makeTestClient(t, mux)

	views, _, err := client.Tasks().List(KindVideoDeep, nil)
	must.NoError(t, err)
	must.Len(t, 2, views)
	must.Eq(t, "task-2", views[1].TaskID)
	must.True(t, views[1].Terminal())
}

func TestTasks_Wait_Terminal(t *testing.T) {
	t.Parallel()

	mux := &taskMux{
		poll: func(_ int, w http.ResponseWriter, r *http.Request) {
			writeJSON(t, w, &PollResponse{
				View: &TaskView{
					TaskID:    "task-1",
					Status:    TaskStatusCompleted,
					ResultRef: "sha256:done",
				},
			})
		},
	}
	client, _ := makeTestClient(t, mux)

	view, err := client.Tasks().Wait(context.Background(), KindTextProfile, "doc-1", nil)
	must.NoError(t, err)
	must.Eq(t, TaskStatusCompleted, view.Status)
	must.Eq(t, "sha256:done", view.ResultRef)
}

// A caller abandoning the wait still gets the last observed view, and
// any credential surfaced before the deadline has already been rotated
// onto the client.
func TestTasks_Wait_ContextAndRefresh(t *testing.T) {
	t.Parallel()

	mux := &taskMux{
		poll: func(_ int, w http.ResponseWriter, r *http.Request) {
			writeJSON(t, w, &PollResponse{
				View: &TaskView{
					TaskID:          "task-1",
					Status:          TaskStatusRunning,
					ProgressPercent: 50,
				},
				Credential: &CredentialRefresh{
					Token:     "refreshed-token",
					Subject:   "analyst-9",
					ExpiresAt: time.Now().Add(30 * time.Minute),
				},
				PollInterval: 3 * time.Second,
			})
		},
	}
	client, _ := makeTestClient(t, mux)
	client.SetSessionToken("original-token")

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	view, err := client.Tasks().Wait(ctx, KindTextProfile, "doc-1", nil)
	must.ErrorIs(t, err, context.DeadlineExceeded)
	must.NotNil(t, view)
	must.Eq(t, 50.0, view.ProgressPercent)

	// The refresh rode the first poll; subsequent requests carry it.
	_, _, err = client.Tasks().Status(KindTextProfile, "doc-1", nil)
	must.NoError(t, err)
	must.Eq(t, "refreshed-token", mux.seenToken())
}
