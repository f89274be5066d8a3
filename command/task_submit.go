// Copyright (c) Opsis Labs, Inc.
// SPDX-License-Identifier: MPL-2.0

package command

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/opsislabs/windlass/api"
	"github.com/posener/complete"
)

type TaskSubmitCommand struct {
	Meta

	// The fields below can be overwritten for tests
	testStdin io.Reader
}

func (c *TaskSubmitCommand) Help() string {
	helpText := `
Usage: windlass task submit [options] <kind> <resource_id>

  Submit an analysis task for execution. Submission is idempotent per
  kind and resource id: resubmitting while a task is live attaches to
  the running execution, and a submission arriving shortly after a
  successful run is skipped in favor of the stored result.

General Options:

  ` + generalOptionsUsage() + `

Submit Options:

  -input=<json>
    Input descriptor as a JSON object. If the value starts with an '@'
    it is loaded from the named file; '-' reads from stdin. Individual
    descriptor flags below override fields parsed from the JSON.

  -size=<size>
    Size of the input payload, either raw bytes or a human-friendly
    value such as 128MiB.

  -media-seconds=<seconds>
    Duration of the source media in seconds.

  -frames=<count>
    Number of frames in the source media.

  -device=<device>
    Execution device hint, cpu or gpu.

  -content-hash=<hash>
    Content hash of the input, used for duplicate detection.

  -subject=<subject>
    Session subject to mint a keep-alive credential for. The credential
    rides along on later polls so long-running analyses outlive the
    caller's original token.

  -monitor
    Monitor the task until it reaches a terminal status.

  -json
    Output the submission response in JSON format.

  -t
    Format and display the submission response using a Go template.
`
	return strings.TrimSpace(helpText)
}

func (c *TaskSubmitCommand) Synopsis() string {
	return "Submit an analysis task"
}

func (c *TaskSubmitCommand) AutocompleteFlags() complete.Flags {
	return mergeAutocompleteFlags(c.Meta.AutocompleteFlags(FlagSetClient),
		complete.Flags{
			"-input":         complete.PredictAnything,
			"-size":          complete.PredictAnything,
			"-media-seconds": complete.PredictAnything,
			"-frames":        complete.PredictAnything,
			"-device":        complete.PredictSet("cpu", "gpu"),
			"-content-hash":  complete.PredictAnything,
			"-subject":       complete.PredictAnything,
			"-monitor":       complete.PredictNothing,
			"-json":          complete.PredictNothing,
			"-t":             complete.PredictAnything,
		})
}

func (c *TaskSubmitCommand) AutocompleteArgs() complete.Predictor {
	return complete.PredictSet(
		api.KindTextProfile,
		api.KindImageAnalyze,
		api.KindAudioTranscribe,
		api.KindVideoDeep,
	)
}

func (c *TaskSubmitCommand) Name() string { return "task submit" }

func (c *TaskSubmitCommand) Run(args []string) int {
	var inputSource, sizeStr, device, contentHash, subject, tmpl string
	var mediaSeconds float64
	var frameCount int
	var monitorTask, jsonOut bool

	flags := c.Meta.FlagSet(c.Name(), FlagSetClient)
	flags.Usage = func() { c.Ui.Output(c.Help()) }
	flags.StringVar(&inputSource, "input", "", "")
	flags.StringVar(&sizeStr, "size", "", "")
	flags.Float64Var(&mediaSeconds, "media-seconds", 0, "")
	flags.IntVar(&frameCount, "frames", 0, "")
	flags.StringVar(&device, "device", "", "")
	flags.StringVar(&contentHash, "content-hash", "", "")
	flags.StringVar(&subject, "subject", "", "")
	flags.BoolVar(&monitorTask, "monitor", false, "")
	flags.BoolVar(&jsonOut, "json", false, "")
	flags.StringVar(&tmpl, "t", "", "")

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

	desc := &api.InputDescriptor{}
	if inputSource != "" {
		raw, err := loadDataSource(inputSource, c.testStdin)
		if err != nil {
			c.Ui.Error(fmt.Sprintf("Error reading input descriptor: %s", err))
			return 1
		}
		if err := json.Unmarshal([]byte(raw), desc); err != nil {
			c.Ui.Error(fmt.Sprintf("Error parsing input descriptor: %s", err))
			return 1
		}
	}

	var sizeBytes int64
	if sizeStr != "" {
		parsed, err := humanize.ParseBytes(sizeStr)
		if err != nil {
			c.Ui.Error(fmt.Sprintf("Error parsing size: %s", err))
			return 1
		}
		sizeBytes = int64(parsed)
	}

	// Individual descriptor flags override fields from -input. The kind
	// and resource id always come from the positional arguments.
	flags.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "size":
			desc.SizeBytes = sizeBytes
		case "media-seconds":
			desc.MediaSeconds = mediaSeconds
		case "frames":
			desc.FrameCount = frameCount
		case "device":
			desc.Device = device
		case "content-hash":
			desc.ContentHash = contentHash
		}
	})
	desc.Kind = kind
	desc.ResourceID = resourceID

	// Get the HTTP client
	client, err := c.Meta.Client()
	if err != nil {
		c.Ui.Error(fmt.Sprintf("Error initializing client: %s", err))
		return 1
	}

	req := &api.SubmitRequest{
		Input:          desc,
		SessionSubject: subject,
	}
	resp, _, err := client.Tasks().Submit(req, nil)
	if err != nil {
		c.Ui.Error(fmt.Sprintf("Error submitting task: %s", err))
		return 1
	}

	// A minted credential rides the client for the monitor below.
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

	switch resp.Outcome {
	case api.SubmitOutcomeStarted:
		c.Ui.Output(fmt.Sprintf("Started task %q", resp.View.TaskID))
	case api.SubmitOutcomeAttached:
		c.Ui.Output(fmt.Sprintf("Attached to running task %q (status %q)",
			resp.View.TaskID, resp.View.Status))
	case api.SubmitOutcomeSkippedRecentSuccess:
		c.Ui.Output(fmt.Sprintf("Skipped: task %q completed recently (result %q)",
			resp.View.TaskID, resp.View.ResultRef))
	default:
		c.Ui.Output(fmt.Sprintf("Submission outcome %q for task %q",
			resp.Outcome, resp.View.TaskID))
	}

	if resp.Credential != nil {
		c.Ui.Output(fmt.Sprintf("Session credential minted for %q, renew after %s",
			resp.Credential.Subject, formatTime(resp.Credential.RenewAt)))
	}

	if !monitorTask || resp.View.Terminal() {
		return 0
	}

	mon := newMonitor(c.Ui, client)
	return mon.monitor(kind, resourceID)
}
