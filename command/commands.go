// Copyright (c) Opsis Labs, Inc.
// SPDX-License-Identifier: MPL-2.0

package command

import (
	"os"

	"github.com/hashicorp/cli"
	colorable "github.com/mattn/go-colorable"
	"github.com/opsislabs/windlass/command/agent"
	"github.com/opsislabs/windlass/version"
)

const (
	// EnvWindlassCLINoColor is an env var that toggles colored UI output.
	EnvWindlassCLINoColor = `WINDLASS_CLI_NO_COLOR`

	// EnvWindlassCLIForceColor is an env var that forces colored UI output.
	EnvWindlassCLIForceColor = `WINDLASS_CLI_FORCE_COLOR`
)

// NamedCommand is a interface to denote a commmand's name.
type NamedCommand interface {
	Name() string
}

// Commands returns the mapping of CLI commands for Windlass. The meta
// parameter lets you set meta options for all commands.
func Commands(metaPtr *Meta, agentUi cli.Ui) map[string]cli.CommandFactory {
	if metaPtr == nil {
		metaPtr = new(Meta)
	}

	meta := *metaPtr
	if meta.Ui == nil {
		meta.Ui = &cli.BasicUi{
			Reader:      os.Stdin,
			Writer:      colorable.NewColorableStdout(),
			ErrorWriter: colorable.NewColorableStderr(),
		}
	}

	all := map[string]cli.CommandFactory{
		"agent": func() (cli.Command, error) {
			return &agent.Command{
				Version:    version.GetVersion(),
				Ui:         agentUi,
				ShutdownCh: make(chan struct{}),
			}, nil
		},
		"agent-info": func() (cli.Command, error) {
			return &AgentInfoCommand{
				Meta: meta,
			}, nil
		},
		"task": func() (cli.Command, error) {
			return &TaskCommand{
				Meta: meta,
			}, nil
		},
		"task submit": func() (cli.Command, error) {
			return &TaskSubmitCommand{
				Meta: meta,
			}, nil
		},
		"task status": func() (cli.Command, error) {
			return &TaskStatusCommand{
				Meta: meta,
			}, nil
		},
		"task cancel": func() (cli.Command, error) {
			return &TaskCancelCommand{
				Meta: meta,
			}, nil
		},
		"task list": func() (cli.Command, error) {
			return &TaskListCommand{
				Meta: meta,
			}, nil
		},
		"version": func() (cli.Command, error) {
			return &VersionCommand{
				Version: version.GetVersion(),
				Ui:      meta.Ui,
			}, nil
		},
	}

	return all
}
