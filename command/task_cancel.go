// Copyright (c) Opsis Labs, Inc.
// SPDX-License-Identifier: MPL-2.0

package command

import (
	"fmt"
	"strings"

	"github.com/opsislabs/windlass/api"
	"github.com/posener/complete"
)

type TaskCancelCommand struct {
	Meta
}

func (c *TaskCancelCommand) Help() string {
	helpText := `
Usage: windlass task cancel [options] <kind> <resource_id>

  Request cancellation of a running analysis task. Cancellation is
  cooperative: the runner observes the request at its next checkpoint
  boundary and stops there. Cancelling a task that already finished is
  acknowledged as a no-op.

General Options:

  ` + generalOptionsUsage() + `

Cancel Options:

  -monitor
    Monitor the task until the cancellation takes effect.
`
	return strings.TrimSpace(helpText)
}

func (c *TaskCancelCommand) Synopsis() string {
	return "Cancel a running analysis task"
}

func (c *TaskCancelCommand) AutocompleteFlags() complete.Flags {
	return mergeAutocompleteFlags(c.Meta.AutocompleteFlags(FlagSetClient),
		complete.Flags{
			"-monitor": complete.PredictNothing,
		})
}

func (c *TaskCancelCommand) AutocompleteArgs() complete.Predictor {
	return complete.PredictSet(
		api.KindTextProfile,
		api.KindImageAnalyze,
		api.KindAudioTranscribe,
		api.KindVideoDeep,
	)
}

func (c *TaskCancelCommand) Name() string { return "task cancel" }

func (c *TaskCancelCommand) Run(args []string) int {
	var monitorTask bool

	flags := c.Meta.FlagSet(c.Name(), FlagSetClient)
	flags.Usage = func() { c.Ui.Output(c.Help()) }
	flags.BoolVar(&monitorTask, "monitor", false, "")

	if err := flags.Parse(args); err != nil {
		return 1
	}

	args = flags.Args()
	if len(args) != 2 {
		c.Ui.Error("This command takes two arguments: <kind> and <resource_id>")
		c.Ui.Error(commandErrorText(c))
		return 1
	}
	kind, resourceID := args[0], args[1]

	client, err := c.Meta.Client()
	if err != nil {
		c.Ui.Error(fmt.Sprintf("Error initializing client: %s", err))
		return 1
	}

	resp, _, err := client.Tasks().Cancel(kind, resourceID, nil)
	if err != nil {
		c.Ui.Error(fmt.Sprintf("Error cancelling task: %s", err))
		return 1
	}

	if resp.AlreadyTerminal {
		c.Ui.Output(fmt.Sprintf("Task already finished with status %q", resp.Status))
		return 0
	}

	c.Ui.Output(fmt.Sprintf("Cancellation requested, task status %q", resp.Status))

	if !monitorTask {
		return 0
	}

	mon := newMonitor(c.Ui, client)
	mon.monitor(kind, resourceID)

	// A cancelled task lands on failed; the cancel succeeded either way.
	return 0
}
