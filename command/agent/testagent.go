// Copyright (c) Opsis Labs, Inc.
// SPDX-License-Identifier: MPL-2.0

package agent

import (
	"testing"
	"time"

	metrics "github.com/hashicorp/go-metrics"

	"github.com/opsislabs/windlass/api"
	"github.com/opsislabs/windlass/helper/testlog"
	"github.com/opsislabs/windlass/version"
)

// TestAgent encapsulates an Agent with a started HTTP endpoint. It is
// used for endpoint tests that need the full agent wiring; construct
// with NewTestAgent and always defer Shutdown.
type TestAgent struct {
	// T is the testing object
	T testing.TB

	// Name is an optional name of the agent
	Name string

	// ConfigCallback is invoked on the dev mode config before the agent
	// starts, allowing tests to adjust it.
	ConfigCallback func(*Config)

	// Config is the agent configuration, populated after Start.
	Config *Config

	// Agent is the running agent, populated after Start.
	Agent *Agent

	// Server is the started HTTP server.
	Server *HTTPServer
}

// NewTestAgent starts a dev mode agent with an HTTP server bound to an
// ephemeral port and fails the test if startup does not succeed.
func NewTestAgent(t testing.TB, name string, configCallback func(*Config)) *TestAgent {
	a := &TestAgent{
		T:              t,
		Name:           name,
		ConfigCallback: configCallback,
	}
	a.Start()
	return a
}

// Start spins up the agent and its HTTP server.
func (a *TestAgent) Start() *TestAgent {
	if a.Agent != nil {
		a.T.Fatalf("TestAgent already started")
	}

	conf := DevConfig()
	conf.NodeName = a.Name
	conf.Ports.HTTP = 0 // pick an ephemeral port
	conf.Version = version.GetVersion()
	if a.ConfigCallback != nil {
		a.ConfigCallback(conf)
	}
	if err := conf.normalizeAddrs(); err != nil {
		a.T.Fatalf("failed to normalize addresses: %v", err)
	}
	a.Config = conf

	inm := metrics.NewInmemSink(10*time.Second, time.Minute)
	metrics.NewGlobal(metrics.DefaultConfig("windlass"), inm)

	agent, err := NewAgent(conf, testlog.HCLogger(a.T), testlog.NewWriter(a.T), inm)
	if err != nil {
		a.T.Fatalf("failed to start test agent: %v", err)
	}
	a.Agent = agent

	srv, err := NewHTTPServer(agent, conf)
	if err != nil {
		agent.Shutdown()
		a.T.Fatalf("failed to start test HTTP server: %v", err)
	}
	a.Server = srv
	return a
}

// Shutdown stops the agent and its HTTP server.
func (a *TestAgent) Shutdown() {
	if a.Server != nil {
		a.Server.Shutdown()
	}
	if a.Agent != nil {
		a.Agent.Shutdown()
	}
}

// HTTPAddr returns the base URL of the agent's HTTP server.
func (a *TestAgent) HTTPAddr() string {
	return "http://" + a.Server.Addr
}

// Client builds an API client pointed at the test agent.
func (a *TestAgent) Client() *api.Client {
	conf := api.DefaultConfig()
	conf.Address = a.HTTPAddr()
	c, err := api.NewClient(conf)
	if err != nil {
		a.T.Fatalf("failed to build client: %v", err)
	}
	return c
}
