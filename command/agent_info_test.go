// Copyright (c) Opsis Labs, Inc.
// SPDX-License-Identifier: MPL-2.0

package command

import (
	"testing"

	"github.com/hashicorp/cli"
	"github.com/shoenig/test/must"

	"github.com/opsislabs/windlass/ci"
)

func TestAgentInfoCommand_Implements(t *testing.T) {
	ci.Parallel(t)
	var _ cli.Command = &AgentInfoCommand{}
}

func TestAgentInfoCommand_Run(t *testing.T) {
	ci.Parallel(t)
	_, _, url := testServer(t, nil)

	ui := cli.NewMockUi()
	cmd := &AgentInfoCommand{Meta: Meta{Ui: ui}}

	code := cmd.Run([]string{"-address=" + url})
	must.Zero(t, code)

	out := ui.OutputWriter.String()
	must.StrContains(t, out, "worker")
	must.StrContains(t, out, "worker_id")
}

func TestAgentInfoCommand_Run_JSON(t *testing.T) {
	ci.Parallel(t)
	_, _, url := testServer(t, nil)

	ui := cli.NewMockUi()
	cmd := &AgentInfoCommand{Meta: Meta{Ui: ui}}

	code := cmd.Run([]string{"-address=" + url, "-json"})
	must.Zero(t, code)
	must.StrContains(t, ui.OutputWriter.String(), `"config": {`)
}

func TestAgentInfoCommand_Run_Gotemplate(t *testing.T) {
	ci.Parallel(t)
	_, _, url := testServer(t, nil)

	ui := cli.NewMockUi()
	cmd := &AgentInfoCommand{Meta: Meta{Ui: ui}}

	code := cmd.Run([]string{"-address=" + url, "-t", "{{.stats.worker}}"})
	must.Zero(t, code)
	must.StrContains(t, ui.OutputWriter.String(), "worker_id")
}

func TestAgentInfoCommand_Fails(t *testing.T) {
	ci.Parallel(t)
	ui := cli.NewMockUi()
	cmd := &AgentInfoCommand{Meta: Meta{Ui: ui}}

	// Fails on misuse
	code := cmd.Run([]string{"some", "bad", "args"})
	must.One(t, code)
	must.StrContains(t, ui.ErrorWriter.String(), "This command takes no arguments")
	ui.ErrorWriter.Reset()

	// Fails on connection failure
	code = cmd.Run([]string{"-address=nope"})
	must.One(t, code)
	must.StrContains(t, ui.ErrorWriter.String(), "Error querying agent info")
}
