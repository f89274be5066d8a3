// Copyright (c) Opsis Labs, Inc.
// SPDX-License-Identifier: MPL-2.0

// Package pipeline defines analysis pipelines as ordered lists of named
// phases. A phase receives the previous phase's checkpoint and returns the
// next one; the executor persists the returned checkpoint after each phase
// and may re-invoke a phase after a crash, so phases keep their side
// effects idempotent (result writes are content-addressed).
//
// Pipelines are registered in a Registry keyed by analysis kind. The phase
// list for a task is planned from its input descriptor and the policy's
// segment budget, so both the original worker and any reclaiming worker
// derive the identical plan from persisted state.
package pipeline

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/opsislabs/windlass/models"
	"github.com/opsislabs/windlass/results"
	"github.com/opsislabs/windlass/structs"
)

// ProgressSink receives phase-local progress. Percent is 0-100 within the
// running phase; the executor maps it onto the phase's global band and
// throttles the durable writes, so phases report freely.
type ProgressSink interface {
	Update(percent float64, message string)
}

// NopSink discards progress. Used by tests driving phases directly.
type NopSink struct{}

func (NopSink) Update(float64, string) {}

// PhaseFunc runs one phase. prev is the checkpoint committed by the
// previous phase (empty for the first). The returned bytes become the next
// checkpoint. ctx fires on lock loss, client cancellation, or deadline
// expiry; phases must propagate it through their blocking calls.
type PhaseFunc func(ctx context.Context, desc *structs.InputDescriptor, prev []byte, sink ProgressSink) ([]byte, error)

// Phase is the unit of pipeline progress and resumption.
type Phase struct {
	Name string
	Run  PhaseFunc
}

// Pipeline describes the analysis for one kind.
type Pipeline struct {
	Kind string

	// Plan builds the ordered phase list for an input. segments is the
	// policy's checkpoint granularity; pipelines with a divisible dominant
	// phase split it into that many slices, others treat it as a hint.
	Plan func(desc *structs.InputDescriptor, segments int) []Phase
}

// Registry maps analysis kinds to their pipelines.
type Registry struct {
	mu        sync.RWMutex
	pipelines map[string]*Pipeline
}

func NewRegistry() *Registry {
	return &Registry{pipelines: map[string]*Pipeline{}}
}

// Register adds a pipeline. Registering a kind twice is a wiring bug.
func (r *Registry) Register(p *Pipeline) error {
	if p == nil || p.Plan == nil {
		return fmt.Errorf("pipeline registration requires a plan")
	}
	if !structs.ValidKind(p.Kind) {
		return structs.NewTaskError(structs.TaskErrInvalidKind, "unknown analysis kind %q", p.Kind)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.pipelines[p.Kind]; exists {
		return fmt.Errorf("pipeline for kind %q already registered", p.Kind)
	}
	r.pipelines[p.Kind] = p
	return nil
}

// Lookup returns the pipeline for a kind.
func (r *Registry) Lookup(kind string) (*Pipeline, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.pipelines[kind]
	if !ok {
		return nil, structs.NewTaskError(structs.TaskErrInvalidKind, "no pipeline registered for kind %q", kind)
	}
	return p, nil
}

// Phases plans the concrete phase list for an input under the given
// segment budget.
func (r *Registry) Phases(desc *structs.InputDescriptor, segments int) ([]Phase, error) {
	p, err := r.Lookup(desc.Kind)
	if err != nil {
		return nil, err
	}
	return p.Plan(desc, segments), nil
}

// PhaseNameAt resolves the phase name a cursor points to, for progress
// views. Returns false when the cursor is past the last phase.
func (r *Registry) PhaseNameAt(desc *structs.InputDescriptor, segments, cursor int) (string, bool) {
	phases, err := r.Phases(desc, segments)
	if err != nil || cursor < 0 || cursor >= len(phases) {
		return "", false
	}
	return phases[cursor].Name, true
}

// Kinds lists the registered kinds in stable order.
func (r *Registry) Kinds() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.pipelines))
	for kind := range r.pipelines {
		out = append(out, kind)
	}
	sort.Strings(out)
	return out
}

// Deps carries what builtin phases call out to.
type Deps struct {
	Models  models.Bundle
	Results results.Store
}

// Builtin returns a registry with the four platform pipelines registered.
func Builtin(deps Deps) *Registry {
	r := NewRegistry()
	for _, p := range []*Pipeline{
		newTextProfile(deps),
		newImageAnalyze(deps),
		newAudioTranscribe(deps),
		newVideoDeep(deps),
	} {
		if err := r.Register(p); err != nil {
			// Builtins register against a fresh registry; a collision here
			// is a programming error.
			panic(err)
		}
	}
	return r
}

// fingerprint identifies the input content for content-addressed result
// refs. Falls back to the descriptor's shape when the platform did not
// hash the object.
func fingerprint(d *structs.InputDescriptor) string {
	if d.ContentHash != "" {
		return d.ContentHash
	}
	return fmt.Sprintf("size=%d,media=%.3f,frames=%d", d.SizeBytes, d.MediaSeconds, d.FrameCount)
}

// windowName labels the i-th slice of a split phase. A single-window split
// keeps the bare phase name.
func windowName(base string, i, total int) string {
	if total <= 1 {
		return base
	}
	return fmt.Sprintf("%s_%d/%d", base, i+1, total)
}
