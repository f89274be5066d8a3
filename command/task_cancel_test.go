// Copyright (c) Opsis Labs, Inc.
// SPDX-License-Identifier: MPL-2.0

package command

import (
	"testing"

	"github.com/hashicorp/cli"
	"github.com/shoenig/test/must"

	"github.com/opsislabs/windlass/api"
	"github.com/opsislabs/windlass/ci"
)

func TestTaskCancelCommand_Implements(t *testing.T) {
	ci.Parallel(t)
	var _ cli.Command = &TaskCancelCommand{}
}

func TestTaskCancelCommand_Fails(t *testing.T) {
	ci.Parallel(t)
	ui := cli.NewMockUi()
	cmd := &TaskCancelCommand{Meta: Meta{Ui: ui}}

	// Fails on misuse
	code := cmd.Run([]string{"only-one-arg"})
	must.One(t, code)
	must.StrContains(t, ui.ErrorWriter.String(),
		"This command takes two arguments: <kind> and <resource_id>")
	ui.ErrorWriter.Reset()

	// Fails on connection failure
	code = cmd.Run([]string{"-address=nope", "text-profile", "doc-1"})
	must.One(t, code)
	must.StrContains(t, ui.ErrorWriter.String(), "Error cancelling task")
}

func TestTaskCancelCommand_Run_NotFound(t *testing.T) {
	ci.Parallel(t)
	_, _, url := testServer(t, nil)

	ui := cli.NewMockUi()
	cmd := &TaskCancelCommand{Meta: Meta{Ui: ui}}

	code := cmd.Run([]string{"-address=" + url, "text-profile", "never-submitted"})
	must.One(t, code)
	must.StrContains(t, ui.ErrorWriter.String(), "Error cancelling task")
}

func TestTaskCancelCommand_Run_AlreadyTerminal(t *testing.T) {
	ci.Parallel(t)
	_, client, url := testServer(t, nil)

	_, _, err := client.Tasks().Submit(&api.SubmitRequest{
		Input: &api.InputDescriptor{
			Kind:       api.KindTextProfile,
			ResourceID: "doc-cancel",
			SizeBytes:  2048,
			Device:     api.DeviceCPU,
		},
	}, nil)
	must.NoError(t, err)
	waitTaskTerminal(t, client, api.KindTextProfile, "doc-cancel")

	ui := cli.NewMockUi()
	cmd := &TaskCancelCommand{Meta: Meta{Ui: ui}}

	// Cancelling a finished task is acknowledged rather than failing.
	code := cmd.Run([]string{"-address=" + url, "text-profile", "doc-cancel"})
	must.Zero(t, code)
	must.StrContains(t, ui.OutputWriter.String(), "already finished")
	must.StrContains(t, ui.OutputWriter.String(), "completed")
}
