// Copyright (c) Opsis Labs, Inc.
// SPDX-License-Identifier: MPL-2.0

package command

import (
	"testing"

	"github.com/opsislabs/windlass/api"
	"github.com/opsislabs/windlass/command/agent"
)

// testServer starts an in-process dev agent for command tests and
// returns it with a client pointed at its HTTP address.
func testServer(t *testing.T, cb func(*agent.Config)) (*agent.TestAgent, *api.Client, string) {
	a := agent.NewTestAgent(t, t.Name(), cb)
	t.Cleanup(a.Shutdown)

	c := a.Client()
	return a, c, a.HTTPAddr()
}
