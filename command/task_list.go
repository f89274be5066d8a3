// Copyright (c) Opsis Labs, Inc.
// SPDX-License-Identifier: MPL-2.0

package command

import (
	"fmt"
	"strings"
	"time"

	"github.com/opsislabs/windlass/api"
	"github.com/posener/complete"
)

type TaskListCommand struct {
	Meta
}

func (c *TaskListCommand) Help() string {
	helpText := `
Usage: windlass task list [options]

  List the known analysis tasks, optionally filtered by kind. Terminal
  tasks remain listed until the agent garbage collects their tombstones.

General Options:

  ` + generalOptionsUsage() + `

List Options:

  -kind=<kind>
    Filter tasks to a single analysis kind.

  -verbose
    Display full task IDs.

  -json
    Output the tasks in JSON format.

  -t
    Format and display the tasks using a Go template.
`
	return strings.TrimSpace(helpText)
}

func (c *TaskListCommand) Synopsis() string {
	return "List analysis tasks"
}

func (c *TaskListCommand) AutocompleteFlags() complete.Flags {
	return mergeAutocompleteFlags(c.Meta.AutocompleteFlags(FlagSetClient),
		complete.Flags{
			"-kind": complete.PredictSet(
				api.KindTextProfile,
				api.KindImageAnalyze,
				api.KindAudioTranscribe,
				api.KindVideoDeep,
			),
			"-verbose": complete.PredictNothing,
			"-json":    complete.PredictNothing,
			"-t":       complete.PredictAnything,
		})
}

func (c *TaskListCommand) AutocompleteArgs() complete.Predictor {
	return complete.PredictNothing
}

func (c *TaskListCommand) Name() string { return "task list" }

func (c *TaskListCommand) Run(args []string) int {
	var kind, tmpl string
	var verbose, jsonOut bool

	flags := c.Meta.FlagSet(c.Name(), FlagSetClient)
	flags.Usage = func() { c.Ui.Output(c.Help()) }
	flags.StringVar(&kind, "kind", "", "")
	flags.BoolVar(&verbose, "verbose", false, "")
	flags.BoolVar(&jsonOut, "json", false, "")
	flags.StringVar(&tmpl, "t", "", "")

	if err := flags.Parse(args); err != nil {
		return 1
	}

	if args = flags.Args(); len(args) > 0 {
		c.Ui.Error("This command takes no arguments")
		c.Ui.Error(commandErrorText(c))
		return 1
	}

	// Truncate the id unless full length is requested
	length := shortId
	if verbose {
		length = fullId
	}

	client, err := c.Meta.Client()
	if err != nil {
		c.Ui.Error(fmt.Sprintf("Error initializing client: %s", err))
		return 1
	}

	views, _, err := client.Tasks().List(kind, nil)
	if err != nil {
		c.Ui.Error(fmt.Sprintf("Error listing tasks: %s", err))
		return 1
	}

	if len(views) == 0 {
		c.Ui.Output("No tasks found")
		return 0
	}

	if jsonOut || len(tmpl) > 0 {
		out, err := Format(jsonOut, tmpl, views)
		if err != nil {
			c.Ui.Error(err.Error())
			return 1
		}
		c.Ui.Output(out)
		return 0
	}

	c.Ui.Output(formatTaskViewList(views, length))
	return 0
}

// formatTaskViewList renders task views as an aligned table.
func formatTaskViewList(views []*api.TaskView, length int) string {
	out := make([]string, len(views)+1)
	out[0] = "ID|Kind|Resource ID|Status|Progress|Updated"
	for i, view := range views {
		out[i+1] = fmt.Sprintf("%s|%s|%s|%s|%s|%s",
			limit(view.TaskID, length),
			view.Kind,
			view.ResourceID,
			view.Status,
			formatTaskProgress(view),
			prettyTimeDiff(view.UpdatedAt, time.Now()))
	}
	return formatList(out)
}
