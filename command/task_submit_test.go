// Copyright (c) Opsis Labs, Inc.
// SPDX-License-Identifier: MPL-2.0

package command

import (
	"fmt"
	"testing"

	"github.com/hashicorp/cli"
	"github.com/shoenig/test/must"

	"github.com/opsislabs/windlass/api"
	"github.com/opsislabs/windlass/ci"
	"github.com/opsislabs/windlass/testutil"
)

// waitTaskTerminal polls a task over the API until it settles.
func waitTaskTerminal(t *testing.T, client *api.Client, kind, resourceID string) *api.TaskView {
	t.Helper()

	var view *api.TaskView
	testutil.WaitForResult(func() (bool, error) {
		resp, _, err := client.Tasks().Status(kind, resourceID, nil)
		if err != nil {
			return false, err
		}
		view = resp.View
		if !view.Terminal() {
			return false, fmt.Errorf("task still %s", view.Status)
		}
		return true, nil
	}, func(err error) {
		t.Fatalf("err: %v", err)
	})
	return view
}

func TestTaskSubmitCommand_Implements(t *testing.T) {
	ci.Parallel(t)
	var _ cli.Command = &TaskSubmitCommand{}
}

func TestTaskSubmitCommand_Fails(t *testing.T) {
	ci.Parallel(t)
	ui := cli.NewMockUi()
	cmd := &TaskSubmitCommand{Meta: Meta{Ui: ui}}

	// Fails on misuse
	code := cmd.Run([]string{"some", "bad", "args"})
	must.One(t, code)
	must.StrContains(t, ui.ErrorWriter.String(),
		"This command takes two arguments: <kind> and <resource_id>")
	ui.ErrorWriter.Reset()

	// Fails on unreadable input descriptor files
	code = cmd.Run([]string{"-input=@/unicorns/leprechauns", "text-profile", "doc-1"})
	must.One(t, code)
	must.StrContains(t, ui.ErrorWriter.String(), "Error reading input descriptor")
	ui.ErrorWriter.Reset()

	// Fails on malformed descriptor JSON
	code = cmd.Run([]string{`-input={"SizeBytes":`, "text-profile", "doc-1"})
	must.One(t, code)
	must.StrContains(t, ui.ErrorWriter.String(), "Error parsing input descriptor")
	ui.ErrorWriter.Reset()

	// Fails on unparseable sizes
	code = cmd.Run([]string{"-size=12wombats", "text-profile", "doc-1"})
	must.One(t, code)
	must.StrContains(t, ui.ErrorWriter.String(), "Error parsing size")
	ui.ErrorWriter.Reset()

	// Fails on connection failure
	code = cmd.Run([]string{"-address=nope", "text-profile", "doc-1"})
	must.One(t, code)
	must.StrContains(t, ui.ErrorWriter.String(), "Error submitting task")
}

func TestTaskSubmitCommand_Run(t *testing.T) {
	ci.Parallel(t)
	_, client, url := testServer(t, nil)

	ui := cli.NewMockUi()
	cmd := &TaskSubmitCommand{Meta: Meta{Ui: ui}}

	code := cmd.Run([]string{"-address=" + url, "-size=2048", "text-profile", "doc-submit"})
	must.Zero(t, code)
	must.StrContains(t, ui.OutputWriter.String(), "Started task")
	ui.OutputWriter.Reset()

	waitTaskTerminal(t, client, api.KindTextProfile, "doc-submit")

	// A resubmission inside the recent-success window is skipped.
	code = cmd.Run([]string{"-address=" + url, "-size=2048", "text-profile", "doc-submit"})
	must.Zero(t, code)
	must.StrContains(t, ui.OutputWriter.String(), "completed recently")
}

func TestTaskSubmitCommand_Run_Monitor(t *testing.T) {
	ci.Parallel(t)
	_, _, url := testServer(t, nil)

	ui := cli.NewMockUi()
	cmd := &TaskSubmitCommand{Meta: Meta{Ui: ui}}

	code := cmd.Run([]string{"-address=" + url, "-size=4KiB", "-monitor",
		"image-analyze", "img-submit"})
	must.Zero(t, code)
	must.StrContains(t, ui.OutputWriter.String(), "finished with status")
}

func TestTaskSubmitCommand_Run_Subject(t *testing.T) {
	ci.Parallel(t)
	_, _, url := testServer(t, nil)

	ui := cli.NewMockUi()
	cmd := &TaskSubmitCommand{Meta: Meta{Ui: ui}}

	code := cmd.Run([]string{"-address=" + url, "-size=2048", "-subject=analyst-2",
		"text-profile", "doc-subject"})
	must.Zero(t, code)
	must.StrContains(t, ui.OutputWriter.String(), `Session credential minted for "analyst-2"`)
}

func TestTaskSubmitCommand_Run_JSON(t *testing.T) {
	ci.Parallel(t)
	_, _, url := testServer(t, nil)

	ui := cli.NewMockUi()
	cmd := &TaskSubmitCommand{Meta: Meta{Ui: ui}}

	code := cmd.Run([]string{"-address=" + url, "-json",
		`-input={"SizeBytes": 2048, "Device": "cpu"}`, "text-profile", "doc-json"})
	must.Zero(t, code)
	must.StrContains(t, ui.OutputWriter.String(), `"Outcome"`)
}
