// Copyright (c) Opsis Labs, Inc.
// SPDX-License-Identifier: MPL-2.0

package agent

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/shoenig/test/must"

	"github.com/opsislabs/windlass/ci"
	"github.com/opsislabs/windlass/helper/uuid"
	"github.com/opsislabs/windlass/policy"
	"github.com/opsislabs/windlass/structs"
	"github.com/opsislabs/windlass/testutil"
)

func submitReq(key structs.TaskKey, desc *structs.InputDescriptor, subject string) *http.Request {
	body := structs.SubmitRequest{Input: desc, SessionSubject: subject}
	req, _ := http.NewRequest("PUT",
		fmt.Sprintf("/v1/task/%s/%s", key.Kind, key.ResourceID), encodeReq(body))
	return req
}

// waitTerminal polls the endpoint until the task settles.
func waitTerminal(t *testing.T, s *TestAgent, key structs.TaskKey) *structs.TaskView {
	t.Helper()

	var view *structs.TaskView
	testutil.WaitForResult(func() (bool, error) {
		req, _ := http.NewRequest("GET",
			fmt.Sprintf("/v1/task/%s/%s", key.Kind, key.ResourceID), nil)
		respW := httptest.NewRecorder()
		obj, err := s.Server.TaskSpecificRequest(respW, req)
		if err != nil {
			return false, err
		}
		view = obj.(*structs.PollResponse).View
		if !view.Terminal() {
			return false, fmt.Errorf("task still %s", view.Status)
		}
		return true, nil
	}, func(err error) {
		t.Fatalf("err: %v", err)
	})
	return view
}

// seedRunningTask plants a running row owned by another worker, as if a
// peer in the fleet were mid-execution.
func seedRunningTask(t *testing.T, s *TestAgent, key structs.TaskKey, owner string) *structs.Task {
	t.Helper()
	ctx := context.Background()

	desc := &structs.InputDescriptor{
		Kind:       key.Kind,
		ResourceID: key.ResourceID,
		SizeBytes:  128 << 20,
		Device:     structs.DeviceCPU,
	}
	pol, err := policy.ForDescriptor(desc, s.Config.CoreConfig())
	must.NoError(t, err)

	task := &structs.Task{
		ID:     uuid.Generate(),
		Key:    key,
		Status: structs.TaskStatusPending,
		Policy: pol,
		Input:  desc,
	}
	created, _, err := s.Agent.store.PutTaskIfAbsent(ctx, task)
	must.NoError(t, err)
	must.True(t, created)

	acq, err := s.Agent.store.TryAcquireLock(ctx, key, owner, time.Hour)
	must.NoError(t, err)
	must.True(t, acq.Acquired)

	running, err := s.Agent.store.MarkRunning(ctx, key, owner)
	must.NoError(t, err)
	return running
}

func TestHTTP_TaskSubmit(t *testing.T) {
	ci.Parallel(t)
	httpTest(t, nil, func(s *TestAgent) {
		key := structs.NewTaskKey(structs.KindTextProfile, "doc-1")
		desc := &structs.InputDescriptor{
			SizeBytes:   2048,
			Device:      structs.DeviceCPU,
			ContentHash: "44b0365d",
		}

		respW := httptest.NewRecorder()
		obj, err := s.Server.TaskSpecificRequest(respW, submitReq(key, desc, ""))
		must.NoError(t, err)

		sub := obj.(*structs.SubmitResponse)
		must.Eq(t, structs.SubmitOutcomeStarted, sub.Outcome)
		must.NotEq(t, "", sub.View.TaskID)
		must.Eq(t, structs.KindTextProfile, sub.View.Kind)
		must.Eq(t, "doc-1", sub.View.ResourceID)
		must.Nil(t, sub.Credential)
		must.NotEq(t, "", respW.Header().Get("X-Windlass-Index"))

		// The run settles quickly on the in-process model fakes.
		view := waitTerminal(t, s, key)
		must.Eq(t, structs.TaskStatusCompleted, view.Status)
		must.Eq(t, 100.0, view.ProgressPercent)
		must.NotEq(t, "", view.ResultRef)
	})
}

func TestHTTP_TaskSubmit_PathAuthority(t *testing.T) {
	ci.Parallel(t)
	httpTest(t, nil, func(s *TestAgent) {
		key := structs.NewTaskKey(structs.KindTextProfile, "doc-1")

		// Descriptor kind disagreeing with the path is rejected.
		desc := &structs.InputDescriptor{Kind: structs.KindImageAnalyze}
		respW := httptest.NewRecorder()
		_, err := s.Server.TaskSpecificRequest(respW, submitReq(key, desc, ""))

		var coded HTTPCodedError
		must.True(t, errors.As(err, &coded))
		must.Eq(t, 400, coded.Code())

		// Same for a disagreeing resource id.
		desc = &structs.InputDescriptor{ResourceID: "doc-2"}
		respW = httptest.NewRecorder()
		_, err = s.Server.TaskSpecificRequest(respW, submitReq(key, desc, ""))

		must.True(t, errors.As(err, &coded))
		must.Eq(t, 400, coded.Code())

		// A body with no descriptor at all is rejected.
		req, _ := http.NewRequest("PUT", "/v1/task/text-profile/doc-1",
			encodeReq(structs.SubmitRequest{}))
		respW = httptest.NewRecorder()
		_, err = s.Server.TaskSpecificRequest(respW, req)

		must.True(t, errors.As(err, &coded))
		must.Eq(t, 400, coded.Code())
	})
}

func TestHTTP_TaskSubmit_InvalidKind(t *testing.T) {
	ci.Parallel(t)
	httpTest(t, nil, func(s *TestAgent) {
		req, _ := http.NewRequest("PUT", "/v1/task/face-detect/img-1", nil)
		respW := httptest.NewRecorder()
		_, err := s.Server.TaskSpecificRequest(respW, req)

		var taskErr *structs.TaskError
		must.True(t, errors.As(err, &taskErr))
		must.Eq(t, structs.TaskErrInvalidKind, taskErr.Kind)
		must.Eq(t, 400, errCodeFromCore(err))
	})
}

func TestHTTP_TaskSubmit_Attached(t *testing.T) {
	ci.Parallel(t)
	httpTest(t, nil, func(s *TestAgent) {
		key := structs.NewTaskKey(structs.KindTextProfile, "doc-held")
		seeded := seedRunningTask(t, s, key, "peer-worker-1")

		desc := &structs.InputDescriptor{SizeBytes: 128 << 20, Device: structs.DeviceCPU}
		respW := httptest.NewRecorder()
		obj, err := s.Server.TaskSpecificRequest(respW, submitReq(key, desc, ""))
		must.NoError(t, err)

		// The peer's lease is live, so the caller attaches to its run.
		sub := obj.(*structs.SubmitResponse)
		must.Eq(t, structs.SubmitOutcomeAttached, sub.Outcome)
		must.Eq(t, seeded.ID, sub.View.TaskID)
		must.Eq(t, structs.TaskStatusRunning, sub.View.Status)

		// Polling the held task names the phase in flight.
		req, _ := http.NewRequest("GET", "/v1/task/text-profile/doc-held", nil)
		respW = httptest.NewRecorder()
		obj, err = s.Server.TaskSpecificRequest(respW, req)
		must.NoError(t, err)

		poll := obj.(*structs.PollResponse)
		must.Eq(t, structs.TaskStatusRunning, poll.View.Status)
		must.NotEq(t, "", poll.View.CurrentPhase)
	})
}

func TestHTTP_TaskSubmit_SkipRecentSuccess(t *testing.T) {
	ci.Parallel(t)
	httpTest(t, nil, func(s *TestAgent) {
		key := structs.NewTaskKey(structs.KindImageAnalyze, "img-7")
		desc := &structs.InputDescriptor{SizeBytes: 4 << 20, Device: structs.DeviceGPU}

		respW := httptest.NewRecorder()
		obj, err := s.Server.TaskSpecificRequest(respW, submitReq(key, desc, ""))
		must.NoError(t, err)
		must.Eq(t, structs.SubmitOutcomeStarted, obj.(*structs.SubmitResponse).Outcome)

		first := waitTerminal(t, s, key)
		must.Eq(t, structs.TaskStatusCompleted, first.Status)

		// Resubmitting inside the recent-success window reuses the result.
		respW = httptest.NewRecorder()
		obj, err = s.Server.TaskSpecificRequest(respW, submitReq(key, desc, ""))
		must.NoError(t, err)

		sub := obj.(*structs.SubmitResponse)
		must.Eq(t, structs.SubmitOutcomeSkippedRecentSuccess, sub.Outcome)
		must.Eq(t, first.TaskID, sub.View.TaskID)
		must.Eq(t, first.ResultRef, sub.View.ResultRef)
	})
}

func TestHTTP_TaskSubmit_SessionCredential(t *testing.T) {
	ci.Parallel(t)
	httpTest(t, nil, func(s *TestAgent) {
		key := structs.NewTaskKey(structs.KindTextProfile, "doc-cred")
		desc := &structs.InputDescriptor{SizeBytes: 2048, Device: structs.DeviceCPU}

		respW := httptest.NewRecorder()
		obj, err := s.Server.TaskSpecificRequest(respW, submitReq(key, desc, "analyst-7"))
		must.NoError(t, err)

		cred := obj.(*structs.SubmitResponse).Credential
		must.NotNil(t, cred)
		must.Eq(t, "analyst-7", cred.Subject)
		must.NotEq(t, "", cred.Token)
		must.True(t, cred.ExpiresAt.After(time.Now()))
		must.True(t, cred.RenewAt.Before(cred.ExpiresAt))
	})
}

func TestHTTP_TaskPoll_SessionRefresh(t *testing.T) {
	ci.Parallel(t)
	httpTest(t, nil, func(s *TestAgent) {
		// A medium-class run enables credential refresh on the poll path.
		key := structs.NewTaskKey(structs.KindTextProfile, "doc-refresh")
		seedRunningTask(t, s, key, "peer-worker-2")

		cred, err := s.Agent.keepalive.Mint("analyst-9")
		must.NoError(t, err)

		req, _ := http.NewRequest("GET", "/v1/task/text-profile/doc-refresh", nil)
		req.Header.Set("X-Windlass-Token", cred.Token)
		respW := httptest.NewRecorder()
		obj, err := s.Server.TaskSpecificRequest(respW, req)
		must.NoError(t, err)

		poll := obj.(*structs.PollResponse)
		must.NotNil(t, poll.Credential)
		must.Eq(t, "analyst-9", poll.Credential.Subject)
		must.Eq(t, poll.Credential.Token, respW.Header().Get("X-Windlass-Token-Refresh"))
		must.Positive(t, poll.PollInterval)
	})
}

func TestHTTP_TaskPoll_NotFound(t *testing.T) {
	ci.Parallel(t)
	httpTest(t, nil, func(s *TestAgent) {
		req, _ := http.NewRequest("GET", "/v1/task/text-profile/never-submitted", nil)
		respW := httptest.NewRecorder()
		_, err := s.Server.TaskSpecificRequest(respW, req)

		must.Error(t, err)
		must.Eq(t, 404, errCodeFromCore(err))
	})
}

func TestHTTP_TaskSubmit_Tombstoned(t *testing.T) {
	ci.Parallel(t)
	httpTest(t, nil, func(s *TestAgent) {
		key := structs.NewTaskKey(structs.KindTextProfile, "doc-gone")
		seedRunningTask(t, s, key, "peer-worker-3")
		must.NoError(t, s.Agent.store.DeleteTask(context.Background(), key))

		desc := &structs.InputDescriptor{SizeBytes: 2048, Device: structs.DeviceCPU}
		respW := httptest.NewRecorder()
		_, err := s.Server.TaskSpecificRequest(respW, submitReq(key, desc, ""))

		var taskErr *structs.TaskError
		must.True(t, errors.As(err, &taskErr))
		must.Eq(t, structs.TaskErrResourceDeleted, taskErr.Kind)
		must.Eq(t, 404, errCodeFromCore(err))
	})
}

func TestHTTP_TaskCancel_Live(t *testing.T) {
	ci.Parallel(t)
	httpTest(t, nil, func(s *TestAgent) {
		key := structs.NewTaskKey(structs.KindTextProfile, "doc-cancel")
		seedRunningTask(t, s, key, "peer-worker-4")

		req, _ := http.NewRequest("DELETE", "/v1/task/text-profile/doc-cancel", nil)
		respW := httptest.NewRecorder()
		obj, err := s.Server.TaskSpecificRequest(respW, req)
		must.NoError(t, err)

		cancel := obj.(*structs.CancelResponse)
		must.True(t, cancel.Cancelled)
		must.False(t, cancel.AlreadyTerminal)
		must.Eq(t, structs.TaskStatusRunning, cancel.Status)

		// The flag is durable; the executor observes it on its next
		// heartbeat.
		task, err := s.Agent.store.LoadTask(context.Background(), key)
		must.NoError(t, err)
		must.True(t, task.CancelRequested)
	})
}

func TestHTTP_TaskCancel_AlreadyTerminal(t *testing.T) {
	ci.Parallel(t)
	httpTest(t, nil, func(s *TestAgent) {
		key := structs.NewTaskKey(structs.KindImageAnalyze, "img-done")
		desc := &structs.InputDescriptor{SizeBytes: 1 << 20, Device: structs.DeviceGPU}

		respW := httptest.NewRecorder()
		_, err := s.Server.TaskSpecificRequest(respW, submitReq(key, desc, ""))
		must.NoError(t, err)
		waitTerminal(t, s, key)

		req, _ := http.NewRequest("DELETE", "/v1/task/image-analyze/img-done", nil)
		respW = httptest.NewRecorder()
		obj, err := s.Server.TaskSpecificRequest(respW, req)
		must.NoError(t, err)

		cancel := obj.(*structs.CancelResponse)
		must.False(t, cancel.Cancelled)
		must.True(t, cancel.AlreadyTerminal)
		must.Eq(t, structs.TaskStatusCompleted, cancel.Status)
	})
}

func TestHTTP_TasksList(t *testing.T) {
	ci.Parallel(t)
	httpTest(t, nil, func(s *TestAgent) {
		textKey := structs.NewTaskKey(structs.KindTextProfile, "doc-list")
		textKey2 := structs.NewTaskKey(structs.KindTextProfile, "doc-alpha")
		imageKey := structs.NewTaskKey(structs.KindImageAnalyze, "img-list")

		for _, key := range []structs.TaskKey{textKey, textKey2, imageKey} {
			desc := &structs.InputDescriptor{SizeBytes: 2048, Device: structs.DeviceCPU}
			respW := httptest.NewRecorder()
			_, err := s.Server.TaskSpecificRequest(respW, submitReq(key, desc, ""))
			must.NoError(t, err)
			waitTerminal(t, s, key)
		}

		// All kinds, sorted by kind then resource id.
		req, _ := http.NewRequest("GET", "/v1/tasks", nil)
		respW := httptest.NewRecorder()
		obj, err := s.Server.TasksRequest(respW, req)
		must.NoError(t, err)

		list := obj.(*structs.TaskListResponse)
		must.Len(t, 3, list.Tasks)
		must.Eq(t, structs.KindImageAnalyze, list.Tasks[0].Kind)
		must.Eq(t, structs.KindTextProfile, list.Tasks[1].Kind)
		must.Eq(t, "doc-alpha", list.Tasks[1].ResourceID)
		must.Eq(t, "doc-list", list.Tasks[2].ResourceID)

		// Filtered by kind.
		req, _ = http.NewRequest("GET", "/v1/tasks?kind=text-profile", nil)
		respW = httptest.NewRecorder()
		obj, err = s.Server.TasksRequest(respW, req)
		must.NoError(t, err)

		list = obj.(*structs.TaskListResponse)
		must.Len(t, 2, list.Tasks)
		must.Eq(t, "doc-alpha", list.Tasks[0].ResourceID)

		// Unknown kind filters are rejected rather than returning empty.
		req, _ = http.NewRequest("GET", "/v1/tasks?kind=face-detect", nil)
		respW = httptest.NewRecorder()
		_, err = s.Server.TasksRequest(respW, req)
		must.Error(t, err)
		must.Eq(t, 400, errCodeFromCore(err))

		// Writes are not accepted on the collection.
		req, _ = http.NewRequest("POST", "/v1/tasks", nil)
		respW = httptest.NewRecorder()
		_, err = s.Server.TasksRequest(respW, req)

		var coded HTTPCodedError
		must.True(t, errors.As(err, &coded))
		must.Eq(t, 405, coded.Code())
	})
}
