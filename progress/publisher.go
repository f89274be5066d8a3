// Copyright (c) Opsis Labs, Inc.
// SPDX-License-Identifier: MPL-2.0

// Package progress is the read side of the task lifecycle: it projects
// task rows into poll views for clients and piggybacks session
// credential refreshes onto the polling path so long runs do not log
// their watchers out.
package progress

import (
	"context"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/hashicorp/go-metrics"
	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/opsislabs/windlass/pipeline"
	"github.com/opsislabs/windlass/state"
	"github.com/opsislabs/windlass/structs"
)

// terminalCacheSize bounds the per-worker cache of settled rows.
const terminalCacheSize = 512

// PollOptions carries per-call context for a poll.
type PollOptions struct {
	// Credential is the caller's current session token; when set and the
	// task's policy enables refresh, a replacement may be attached to the
	// response.
	Credential string
}

// PublisherConfig builds a Publisher.
type PublisherConfig struct {
	Logger   hclog.Logger
	Store    state.Store
	Registry *pipeline.Registry

	// Keepalive enables session refresh on the polling path when set.
	Keepalive *Keepalive

	CoreConfig *structs.CoreConfig
}

// Publisher serves poll reads. Terminal rows are cached briefly per
// worker since they no longer change; Invalidate drops a cached row when
// admission replaces it.
type Publisher struct {
	logger    hclog.Logger
	store     state.Store
	registry  *pipeline.Registry
	keepalive *Keepalive
	minPoll   time.Duration

	terminal *expirable.LRU[structs.TaskKey, *structs.Task]
}

func NewPublisher(cfg *PublisherConfig) (*Publisher, error) {
	if cfg.Store == nil || cfg.Registry == nil {
		return nil, structs.NewTaskError(structs.TaskErrInternal,
			"publisher requires a store and a pipeline registry")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	coreConfig := cfg.CoreConfig
	if coreConfig == nil {
		coreConfig = structs.DefaultCoreConfig()
	}
	minPoll := coreConfig.MinPollInterval
	if minPoll <= 0 {
		minPoll = 3 * time.Second
	}

	return &Publisher{
		logger:    logger.Named("progress"),
		store:     cfg.Store,
		registry:  cfg.Registry,
		keepalive: cfg.Keepalive,
		minPoll:   minPoll,
		terminal:  expirable.NewLRU[structs.TaskKey, *structs.Task](terminalCacheSize, nil, minPoll),
	}, nil
}

// Poll returns the current view of a task from one row read. Successive
// polls of a live run never observe percent or cursor regressions; that
// is the executor's write discipline, surfaced here unmodified.
func (p *Publisher) Poll(ctx context.Context, key structs.TaskKey, opts PollOptions) (*structs.PollResponse, error) {
	defer metrics.MeasureSince([]string{"windlass", "progress", "poll"}, time.Now())

	if err := key.Validate(); err != nil {
		return nil, err
	}

	task, ok := p.terminal.Get(key)
	if !ok {
		var err error
		task, err = p.store.LoadTask(ctx, key)
		if err != nil {
			return nil, err
		}
		// Settled rows no longer change; cache them for the poll cadence.
		if task.TerminalStatus() && !task.Tombstoned() {
			p.terminal.Add(key, task)
		}
	} else {
		metrics.IncrCounter([]string{"windlass", "progress", "cache_hit"}, 1)
	}

	resp := &structs.PollResponse{
		View:         p.viewOf(task),
		PollInterval: p.minPoll,
	}
	p.attachRefresh(resp, task.Policy, opts)
	return resp, nil
}

// Invalidate drops a cached terminal row, called when admission swaps
// the key for a fresh run.
func (p *Publisher) Invalidate(key structs.TaskKey) {
	p.terminal.Remove(key)
}

func (p *Publisher) viewOf(task *structs.Task) *structs.TaskView {
	view := structs.NewTaskView(task, time.Now())
	if !task.TerminalStatus() && task.Input != nil && task.Policy != nil {
		if name, ok := p.registry.PhaseNameAt(task.Input, task.Policy.Segments, task.PhaseCursor); ok {
			view.CurrentPhase = name
		}
	}
	return view
}

// attachRefresh piggybacks a session credential refresh when the task's
// class has refresh enabled and the caller's token is close to expiry.
// Refresh failures never fail the poll.
func (p *Publisher) attachRefresh(resp *structs.PollResponse, pol *structs.Policy, opts PollOptions) {
	if p.keepalive == nil || pol == nil || pol.RefreshInterval <= 0 || opts.Credential == "" {
		return
	}
	cred, err := p.keepalive.MaybeRefresh(opts.Credential, pol.RefreshInterval)
	if err != nil {
		p.logger.Debug("session refresh declined", "task_id", resp.View.TaskID, "error", err)
		return
	}
	resp.Credential = cred
}
