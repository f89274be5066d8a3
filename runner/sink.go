// Copyright (c) Opsis Labs, Inc.
// SPDX-License-Identifier: MPL-2.0

package runner

import (
	"context"
	"sync"

	"github.com/hashicorp/go-hclog"
	"github.com/hashicorp/go-metrics"

	"github.com/opsislabs/windlass/state"
	"github.com/opsislabs/windlass/structs"
)

// progressTracker owns a task's progress stream for one execution. Phase
// sinks report local percent; the tracker maps it onto the phase's global
// band, throttles store writes, and guards monotonicity across the whole
// run. Committed phase boundaries also pass through here so the throttle
// baseline survives phase changes.
type progressTracker struct {
	store   state.Store
	key     structs.TaskKey
	worker  string
	logger  hclog.Logger
	phases  int
	minStep float64
	onMsg   bool

	mu        sync.Mutex
	lastPct   float64
	lastMsg   string
	published int // store writes that actually went through
	throttled int
}

func newProgressTracker(store state.Store, key structs.TaskKey, worker string, phases int, cfg *structs.CoreConfig, logger hclog.Logger) *progressTracker {
	return &progressTracker{
		store:   store,
		key:     key,
		worker:  worker,
		logger:  logger.Named("progress"),
		phases:  phases,
		minStep: cfg.ProgressThrottlePercent,
		onMsg:   cfg.ThrottleOnMessageChange(),
	}
}

// seed primes the throttle baseline from the persisted row, so a resumed
// execution never writes a lower percentage than its predecessor.
func (p *progressTracker) seed(pct float64, msg string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.lastPct = pct
	p.lastMsg = msg
}

// phaseSink scopes the tracker to one phase's band.
func (p *progressTracker) phaseSink(ctx context.Context, phase int) *phaseSink {
	return &phaseSink{tracker: p, ctx: ctx, phase: phase}
}

// update maps a phase-local percent onto the global band and persists it
// when it clears the throttle. Failed writes are logged and dropped:
// progress is advisory, the phase commit is the durable record.
func (p *progressTracker) update(ctx context.Context, phase int, localPct float64, msg string) {
	if localPct < 0 {
		localPct = 0
	} else if localPct > 100 {
		localPct = 100
	}
	globalPct := (float64(phase) + localPct/100) / float64(p.phases) * 100

	p.mu.Lock()
	msgChanged := msg != "" && msg != p.lastMsg
	if globalPct < p.lastPct {
		// Local progress mapping below the high-water mark (a replayed
		// phase, or a coarse estimate). Keep the message if it changed,
		// never regress the percent.
		globalPct = p.lastPct
	}
	advance := globalPct - p.lastPct
	if advance < p.minStep && !(p.onMsg && msgChanged) {
		p.throttled++
		p.mu.Unlock()
		return
	}
	p.lastPct = globalPct
	if msg != "" {
		p.lastMsg = msg
	}
	cursor := phase
	p.published++
	p.mu.Unlock()

	err := p.store.UpdateTaskProgress(ctx, p.key, p.worker, structs.ProgressUpdate{
		PhaseCursor:     cursor,
		ProgressPercent: globalPct,
		ProgressMessage: msg,
	})
	if err != nil {
		metrics.IncrCounter([]string{"windlass", "runner", "progress_write_failed"}, 1)
		p.logger.Debug("progress write dropped", "task_key", p.key, "error", err)
		return
	}
	metrics.IncrCounter([]string{"windlass", "runner", "progress_write"}, 1)
}

// committed records a durable phase boundary in the throttle baseline.
func (p *progressTracker) committed(pct float64, msg string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if pct > p.lastPct {
		p.lastPct = pct
	}
	p.lastMsg = msg
}

// stats returns the publish/throttle counters. Test helper.
func (p *progressTracker) stats() (published, throttled int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.published, p.throttled
}

// phaseSink is handed to a phase function as its pipeline.ProgressSink.
type phaseSink struct {
	tracker *progressTracker
	ctx     context.Context
	phase   int
}

func (s *phaseSink) Update(percent float64, message string) {
	s.tracker.update(s.ctx, s.phase, percent, message)
}
