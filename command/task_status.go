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

type TaskStatusCommand struct {
	Meta
}

func (c *TaskStatusCommand) Help() string {
	helpText := `
Usage: windlass task status [options] <kind> <resource_id>

  Display the status and progress of an analysis task. If no task is
  specified, a list of all known tasks is displayed instead.

General Options:

  ` + generalOptionsUsage() + `

Status Options:

  -monitor
    Monitor the task until it reaches a terminal status.

  -verbose
    Display full task IDs and additional information.

  -json
    Output the status in its JSON format.

  -t
    Format and display the status using a Go template.
`
	return strings.TrimSpace(helpText)
}

func (c *TaskStatusCommand) Synopsis() string {
	return "Display the status of an analysis task"
}

func (c *TaskStatusCommand) AutocompleteFlags() complete.Flags {
	return mergeAutocompleteFlags(c.Meta.AutocompleteFlags(FlagSetClient),
		complete.Flags{
			"-monitor": complete.PredictNothing,
			"-verbose": complete.PredictNothing,
			"-json":    complete.PredictNothing,
			"-t":       complete.PredictAnything,
		})
}

func (c *TaskStatusCommand) AutocompleteArgs() complete.Predictor {
	return complete.PredictSet(
		api.KindTextProfile,
		api.KindImageAnalyze,
		api.KindAudioTranscribe,
		api.KindVideoDeep,
	)
}

func (c *TaskStatusCommand) Name() string { return "task status" }

func (c *TaskStatusCommand) Run(args []string) int {
	var monitorTask, verbose, jsonOut bool
	var tmpl string

	flags := c.Meta.FlagSet(c.Name(), FlagSetClient)
	flags.Usage = func() { c.Ui.Output(c.Help()) }
	flags.BoolVar(&monitorTask, "monitor", false, "")
	flags.BoolVar(&verbose, "verbose", false, "")
	flags.BoolVar(&jsonOut, "json", false, "")
	flags.StringVar(&tmpl, "t", "", "")

	if err := flags.Parse(args); err != nil {
		return 1
	}

	args = flags.Args()
	if len(args) != 0 && len(args) != 2 {
		c.Ui.Error("This command takes two arguments: <kind> and <resource_id>")
		c.Ui.Error(commandErrorText(c))
		return 1
	}

	// Truncate the id unless full length is requested
	length := shortId
	if verbose {
		length = fullId
	}

	// Get the HTTP client
	client, err := c.Meta.Client()
	if err != nil {
		c.Ui.Error(fmt.Sprintf("Error initializing client: %s", err))
		return 1
	}

	// Invoke list mode if no task is specified.
	if len(args) == 0 {
		views, _, err := client.Tasks().List("", nil)
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

	kind, resourceID := args[0], args[1]

	resp, _, err := client.Tasks().Status(kind, resourceID, nil)
	if err != nil {
		c.Ui.Error(fmt.Sprintf("Error querying task: %s", err))
		return 1
	}
	view := resp.View

	// Carry a refreshed credential into the monitor below.
	if resp.Credential != nil && resp.Credential.Token != "" {
		client.SetSessionToken(resp.Credential.Token)
	}

	if jsonOut || len(tmpl) > 0 {
		out, err := Format(jsonOut, tmpl, resp)
		if err != nil {
			c.Ui.Error(err.Error())
			return 1
		}
		c.Ui.Output(out)
		return 0
	}

	// Format the basic task information
	basic := []string{
		fmt.Sprintf("ID|%s", limit(view.TaskID, length)),
		fmt.Sprintf("Kind|%s", view.Kind),
		fmt.Sprintf("Resource ID|%s", view.ResourceID),
		fmt.Sprintf("Status|%s", view.Status),
		fmt.Sprintf("Progress|%s", formatTaskProgress(view)),
		fmt.Sprintf("Attempts|%d", view.Attempts),
		fmt.Sprintf("Submitted|%s", formatTime(view.StartedAt)),
		fmt.Sprintf("Updated|%s", prettyTimeDiff(view.UpdatedAt, time.Now())),
	}
	if view.CurrentPhase != "" {
		basic = append(basic, fmt.Sprintf("Current Phase|%s", view.CurrentPhase))
	}
	if view.EstimatedRemaining > 0 {
		basic = append(basic, fmt.Sprintf("Estimated Remaining|%s",
			view.EstimatedRemaining.Round(time.Second)))
	}
	if view.CancelRequested {
		basic = append(basic, "Cancel Requested|true")
	}
	if !view.CompletedAt.IsZero() {
		basic = append(basic,
			fmt.Sprintf("Completed|%s", formatTime(view.CompletedAt)),
			fmt.Sprintf("Processing Time|%s", view.ProcessingTime.Round(time.Millisecond)))
	}
	if view.ResultRef != "" {
		basic = append(basic, fmt.Sprintf("Result Ref|%s", view.ResultRef))
	}
	c.Ui.Output(formatKV(basic))

	if view.Status == api.TaskStatusFailed && view.ErrorMessage != "" {
		c.Ui.Output(c.Colorize().Color("\n[bold]Error[reset]"))
		c.Ui.Output(formatKV([]string{
			fmt.Sprintf("Kind|%s", view.ErrorKind),
			fmt.Sprintf("Message|%s", view.ErrorMessage),
		}))
	}

	if !monitorTask || view.Terminal() {
		return 0
	}

	c.Ui.Output("")
	mon := newMonitor(c.Ui, client)
	return mon.monitor(kind, resourceID)
}

// formatTaskProgress renders the percent and optional message of a view
// in a single cell.
func formatTaskProgress(view *api.TaskView) string {
	if view.ProgressMessage == "" {
		return fmt.Sprintf("%.1f%%", view.ProgressPercent)
	}
	return fmt.Sprintf("%.1f%% (%s)", view.ProgressPercent, view.ProgressMessage)
}
