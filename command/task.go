// Copyright (c) Opsis Labs, Inc.
// SPDX-License-Identifier: MPL-2.0

package command

import (
	"strings"

	"github.com/hashicorp/cli"
)

type TaskCommand struct {
	Meta
}

func (t *TaskCommand) Help() string {
	helpText := `
Usage: windlass task <subcommand> [options]

  Interact with analysis tasks.

  Submit an analysis task:

      $ windlass task submit text-profile doc-1

  Check the progress of a task:

      $ windlass task status text-profile doc-1

  Run windlass task <subcommand> with no arguments for help on that
  subcommand.
`
	return strings.TrimSpace(helpText)
}

func (t *TaskCommand) Synopsis() string {
	return "Interact with analysis tasks"
}

func (t *TaskCommand) Name() string { return "task" }

func (t *TaskCommand) Run(args []string) int {
	return cli.RunResultHelp
}
