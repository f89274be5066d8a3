// Copyright (c) Opsis Labs, Inc.
// SPDX-License-Identifier: MPL-2.0

package api

import (
	"fmt"
)

// Agent encapsulates an API client which talks to the windlass agent
// endpoints of a specific process.
type Agent struct {
	client *Client
}

// Agent returns a new agent which can be used to query the
// agent-specific endpoints.
func (c *Client) Agent() *Agent {
	return &Agent{client: c}
}

// AgentHealth describes the health of one agent subsystem.
type AgentHealth struct {
	// Ok is false if the subsystem is unhealthy.
	Ok bool

	// Message describes why the subsystem is unhealthy, if applicable.
	Message string
}

// AgentHealthResponse is the response from the agent health endpoint.
type AgentHealthResponse struct {
	Store  *AgentHealth
	Worker *AgentHealth
}

// Health queries the agent's health.
func (a *Agent) Health() (*AgentHealthResponse, error) {
	var health AgentHealthResponse
	if _, err := a.client.query("/v1/agent/health", &health, nil); err != nil {
		return nil, err
	}
	return &health, nil
}

// Self is used to query the /v1/agent/self endpoint and returns
// information specific to the running agent.
func (a *Agent) Self() (map[string]map[string]interface{}, error) {
	var out map[string]map[string]interface{}
	if _, err := a.client.query("/v1/agent/self", &out, nil); err != nil {
		return nil, fmt.Errorf("failed querying self endpoint: %s", err)
	}
	return out, nil
}
