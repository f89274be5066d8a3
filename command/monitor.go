// Copyright (c) Opsis Labs, Inc.
// SPDX-License-Identifier: MPL-2.0

package command

import (
	"fmt"
	"sync"
	"time"

	"github.com/hashicorp/cli"
	"github.com/opsislabs/windlass/api"
)

const (
	// updateWait is the minimum amount of time to wait between status
	// updates. Because the monitor is poll-based, we use this delay to
	// avoid overwhelming the API server when it advertises no cadence.
	updateWait = time.Second
)

// taskState is used to store the current "state of the world"
// in the context of monitoring a task.
type taskState struct {
	status    string
	phase     string
	percent   float64
	message   string
	attempts  int
	cancelled bool
}

// monitor wraps a task monitor and holds metadata and
// state information.
type monitor struct {
	ui     cli.Ui
	client *api.Client
	state  *taskState

	sync.Mutex
}

// newMonitor returns a new monitor. The returned monitor will
// write output information to the provided ui.
func newMonitor(ui cli.Ui, client *api.Client) *monitor {
	mon := &monitor{
		ui: &cli.PrefixedUi{
			InfoPrefix:   "==> ",
			OutputPrefix: "    ",
			ErrorPrefix:  "==> ",
			Ui:           ui,
		},
		client: client,
	}
	mon.init()
	return mon
}

// init allocates substructures
func (m *monitor) init() {
	m.state = &taskState{}
}

// update is used to update our monitor with new state. It can be
// called whether the passed information is new or not, and will
// only dump update messages when state changes.
func (m *monitor) update(view *api.TaskView) {
	m.Lock()
	defer m.Unlock()

	existing := m.state

	// Create the new state
	update := &taskState{
		status:    view.Status,
		phase:     view.CurrentPhase,
		percent:   view.ProgressPercent,
		message:   view.ProgressMessage,
		attempts:  view.Attempts,
		cancelled: view.CancelRequested,
	}
	defer func() { m.state = update }()

	// Check if the phase changed
	if update.phase != "" && update.phase != existing.phase {
		m.ui.Output(fmt.Sprintf("Task entered phase %q", update.phase))
	}

	// Report progress as it advances
	if update.percent != existing.percent || update.message != existing.message {
		if update.message != "" {
			m.ui.Output(fmt.Sprintf("Progress %.1f%%: %s", update.percent, update.message))
		} else if update.percent != existing.percent {
			m.ui.Output(fmt.Sprintf("Progress %.1f%%", update.percent))
		}
	}

	// A bumped attempt counter means the task lease was reclaimed and
	// execution resumed from the last durable checkpoint.
	if existing.attempts > 0 && update.attempts > existing.attempts {
		m.ui.Output(fmt.Sprintf("Task was reclaimed, resuming from checkpoint (attempt %d)",
			update.attempts))
	}

	if update.cancelled && !existing.cancelled {
		m.ui.Output("Cancellation requested")
	}

	// Check if the status changed
	if existing.status != "" && existing.status != update.status {
		m.ui.Output(fmt.Sprintf("Task status changed: %q -> %q",
			existing.status, update.status))
	}
}

// monitor is used to start monitoring the given task. It writes output
// directly to the monitor's ui and returns the exit code for the
// command: zero when the task completes, nonzero when it fails or when
// monitoring errors out.
func (m *monitor) monitor(kind, resourceID string) int {
	m.ui.Info(fmt.Sprintf("Monitoring task %q (%s)", resourceID, kind))
	for {
		// Query the task
		resp, _, err := m.client.Tasks().Status(kind, resourceID, nil)
		if err != nil {
			m.ui.Error(fmt.Sprintf("Error reading task: %s", err))
			return 1
		}

		// Update the state
		m.update(resp.View)

		switch resp.View.Status {
		case api.TaskStatusCompleted:
			m.ui.Info(fmt.Sprintf("Task %q finished with status %q",
				resourceID, resp.View.Status))
			if resp.View.ResultRef != "" {
				m.ui.Output(fmt.Sprintf("Result stored at %q", resp.View.ResultRef))
			}
			return 0
		case api.TaskStatusFailed:
			m.ui.Info(fmt.Sprintf("Task %q finished with status %q",
				resourceID, resp.View.Status))
			if resp.View.ErrorMessage != "" {
				m.ui.Error(fmt.Sprintf("Task failed: %s (%s)",
					resp.View.ErrorMessage, resp.View.ErrorKind))
			}
			return 1
		}

		// Rotate the session credential when the agent refreshes it so
		// long monitors outlive the original token.
		if resp.Credential != nil && resp.Credential.Token != "" {
			m.client.SetSessionToken(resp.Credential.Token)
		}

		// Wait out the agent's advisory poll cadence before the next poll.
		interval := resp.PollInterval
		if interval < updateWait {
			interval = updateWait
		}
		time.Sleep(interval)
	}
}
