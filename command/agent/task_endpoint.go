// Copyright (c) Opsis Labs, Inc.
// SPDX-License-Identifier: MPL-2.0

package agent

import (
	"errors"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/opsislabs/windlass/progress"
	"github.com/opsislabs/windlass/structs"
)

// TasksRequest lists task views, optionally filtered with ?kind=.
func (s *HTTPServer) TasksRequest(resp http.ResponseWriter, req *http.Request) (interface{}, error) {
	if req.Method != http.MethodGet {
		return nil, CodedError(405, ErrInvalidMethod)
	}

	kind := req.URL.Query().Get("kind")
	if kind != "" && !structs.ValidKind(kind) {
		return nil, structs.NewTaskError(structs.TaskErrInvalidKind,
			"unknown analysis kind %q", kind)
	}

	tasks, err := s.agent.store.ListTasks(req.Context(), kind)
	if err != nil {
		return nil, err
	}

	sort.Slice(tasks, func(i, j int) bool {
		if tasks[i].Key.Kind != tasks[j].Key.Kind {
			return tasks[i].Key.Kind < tasks[j].Key.Kind
		}
		return tasks[i].Key.ResourceID < tasks[j].Key.ResourceID
	})

	now := time.Now().UTC()
	out := &structs.TaskListResponse{
		Tasks: make([]*structs.TaskView, 0, len(tasks)),
	}
	for _, t := range tasks {
		out.Tasks = append(out.Tasks, structs.NewTaskView(t, now))
	}
	return out, nil
}

// TaskSpecificRequest routes /v1/task/{kind}/{resource_id} by method:
// PUT submits, GET polls, DELETE cancels.
func (s *HTTPServer) TaskSpecificRequest(resp http.ResponseWriter, req *http.Request) (interface{}, error) {
	path := strings.TrimPrefix(req.URL.Path, "/v1/task/")
	kind, resourceID, ok := strings.Cut(path, "/")
	if !ok || kind == "" || resourceID == "" {
		return nil, CodedError(400, "missing analysis kind or resource id")
	}
	if strings.Contains(resourceID, "/") {
		return nil, CodedError(400, "invalid resource id")
	}
	if !structs.ValidKind(kind) {
		return nil, structs.NewTaskError(structs.TaskErrInvalidKind,
			"unknown analysis kind %q", kind)
	}
	key := structs.NewTaskKey(kind, resourceID)

	switch req.Method {
	case http.MethodPut, http.MethodPost:
		return s.taskSubmit(resp, req, key)
	case http.MethodGet:
		return s.taskPoll(resp, req, key)
	case http.MethodDelete:
		return s.taskCancel(resp, req, key)
	default:
		return nil, CodedError(405, ErrInvalidMethod)
	}
}

func (s *HTTPServer) taskSubmit(resp http.ResponseWriter, req *http.Request, key structs.TaskKey) (interface{}, error) {
	var args structs.SubmitRequest
	if err := decodeBody(req, &args); err != nil {
		return nil, CodedError(400, err.Error())
	}
	if args.Input == nil {
		return nil, CodedError(400, "missing input descriptor")
	}

	// The request path is authoritative for task identity.
	if args.Input.Kind != "" && args.Input.Kind != key.Kind {
		return nil, CodedError(400, "descriptor kind does not match request path")
	}
	if args.Input.ResourceID != "" && args.Input.ResourceID != key.ResourceID {
		return nil, CodedError(400, "descriptor resource id does not match request path")
	}
	args.Input.Kind = key.Kind
	args.Input.ResourceID = key.ResourceID

	res, err := s.agent.guard.Submit(req.Context(), args.Input)
	if err != nil {
		return nil, err
	}

	// A fresh run replaces whatever terminal view was cached for the key.
	if res.Outcome == structs.SubmitOutcomeStarted {
		s.agent.publisher.Invalidate(key)
	}

	out := &structs.SubmitResponse{
		Outcome: res.Outcome,
		View:    structs.NewTaskView(res.Task, time.Now().UTC()),
	}

	if args.SessionSubject != "" && s.agent.keepalive != nil {
		cred, err := s.agent.keepalive.Mint(args.SessionSubject)
		if err != nil {
			return nil, err
		}
		out.Credential = cred
	}

	setIndex(resp, res.Task.ModifyIndex)
	return out, nil
}

func (s *HTTPServer) taskPoll(resp http.ResponseWriter, req *http.Request, key structs.TaskKey) (interface{}, error) {
	var token string
	s.parseToken(req, &token)

	out, err := s.agent.publisher.Poll(req.Context(), key, progress.PollOptions{
		Credential: token,
	})
	if err != nil {
		return nil, err
	}

	if out.Credential != nil {
		setRefreshedCredential(resp, out.Credential.Token)
	}
	if out.View != nil {
		setIndex(resp, out.View.ModifyIndex)
	}
	return out, nil
}

func (s *HTTPServer) taskCancel(resp http.ResponseWriter, req *http.Request, key structs.TaskKey) (interface{}, error) {
	err := s.agent.store.RequestCancel(req.Context(), key)
	if err != nil && !errors.Is(err, structs.ErrTaskTerminal) {
		return nil, err
	}

	task, lerr := s.agent.store.LoadTask(req.Context(), key)
	if lerr != nil {
		return nil, lerr
	}
	setIndex(resp, task.ModifyIndex)

	// Cancelling a finished task is a no-op, not an error.
	if errors.Is(err, structs.ErrTaskTerminal) {
		return &structs.CancelResponse{
			AlreadyTerminal: true,
			Status:          task.Status,
		}, nil
	}

	return &structs.CancelResponse{
		Cancelled: true,
		Status:    task.Status,
	}, nil
}
