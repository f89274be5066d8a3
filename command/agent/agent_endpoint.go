// Copyright (c) Opsis Labs, Inc.
// SPDX-License-Identifier: MPL-2.0

package agent

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/opsislabs/windlass/structs"
)

// healthProbeResource is the resource id used for the store reachability
// probe. The key never exists; a clean not-found proves the round trip.
const healthProbeResource = "health-probe"

func (s *HTTPServer) AgentSelfRequest(resp http.ResponseWriter, req *http.Request) (interface{}, error) {
	if req.Method != http.MethodGet {
		return nil, CodedError(405, ErrInvalidMethod)
	}

	self := agentSelf{
		Stats: s.agent.Stats(),
	}

	self.Config = s.agent.GetConfig().Copy()

	if self.Config != nil && self.Config.Session != nil && self.Config.Session.SigningKey != "" {
		self.Config.Session.SigningKey = "<redacted>"
	}

	if self.Config != nil && self.Config.Store != nil && self.Config.Store.Password != "" {
		self.Config.Store.Password = "<redacted>"
	}

	// Connection strings can embed credentials.
	if self.Config != nil && self.Config.Results != nil && self.Config.Results.DSN != "" {
		self.Config.Results.DSN = "<redacted>"
	}

	return self, nil
}

type agentSelf struct {
	Config *Config                      `json:"config"`
	Stats  map[string]map[string]string `json:"stats"`
}

func (s *HTTPServer) HealthRequest(resp http.ResponseWriter, req *http.Request) (interface{}, error) {
	if req.Method != http.MethodGet {
		return nil, CodedError(405, ErrInvalidMethod)
	}

	health := healthResponse{}
	getStore := true
	getWorker := true

	// See if we're checking a specific subsystem and default to failing
	if healthType, ok := req.URL.Query()["type"]; ok {
		getStore = false
		getWorker = false
		for _, ht := range healthType {
			switch ht {
			case "store":
				getStore = true
				health.Store = &healthResponseAgent{
					Ok:      false,
					Message: "store not enabled",
				}
			case "worker":
				getWorker = true
				health.Worker = &healthResponseAgent{
					Ok:      false,
					Message: "worker not enabled",
				}
			}
		}
	}

	// Probe the task store with a read of a key that never exists; a
	// clean not-found proves the round trip.
	if getStore {
		ctx, cancel := context.WithTimeout(req.Context(), 5*time.Second)
		defer cancel()

		probe := structs.NewTaskKey(structs.KindTextProfile, healthProbeResource)
		_, err := s.agent.store.LoadTask(ctx, probe)
		switch {
		case err == nil, errors.Is(err, structs.ErrTaskNotFound):
			health.Store = &healthResponseAgent{
				Ok:      true,
				Message: "ok",
			}
		default:
			health.Store = &healthResponseAgent{
				Ok:      false,
				Message: err.Error(),
			}
		}
	}

	if getWorker {
		if s.agent.dispatcher != nil {
			health.Worker = &healthResponseAgent{
				Ok:      true,
				Message: "ok",
			}
		} else {
			health.Worker = &healthResponseAgent{
				Ok:      false,
				Message: "dispatcher not initialized",
			}
		}
	}

	if health.ok() {
		return &health, nil
	}

	jsonResp, err := json.Marshal(&health)
	if err != nil {
		return nil, err
	}
	return nil, CodedError(500, string(jsonResp))
}

type healthResponse struct {
	Store  *healthResponseAgent `json:"store,omitempty"`
	Worker *healthResponseAgent `json:"worker,omitempty"`
}

// ok returns true as long as neither Store nor Worker have Ok=false.
func (h healthResponse) ok() bool {
	if h.Store != nil && !h.Store.Ok {
		return false
	}
	if h.Worker != nil && !h.Worker.Ok {
		return false
	}
	return true
}

type healthResponseAgent struct {
	Ok      bool   `json:"ok"`
	Message string `json:"message,omitempty"`
}
