// Copyright (c) Opsis Labs, Inc.
// SPDX-License-Identifier: MPL-2.0

package pipeline

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/opsislabs/windlass/ci"
	"github.com/opsislabs/windlass/models"
	"github.com/opsislabs/windlass/results"
	"github.com/opsislabs/windlass/structs"
	"github.com/shoenig/test/must"
)

// runPhases drives a plan to completion the way the executor would,
// feeding each phase the previous checkpoint.
func runPhases(t *testing.T, phases []Phase, desc *structs.InputDescriptor) []byte {
	t.Helper()
	ctx := context.Background()
	var chk []byte
	for _, phase := range phases {
		next, err := phase.Run(ctx, desc, chk, NopSink{})
		must.NoError(t, err, must.Sprintf("phase %s", phase.Name))
		chk = next
	}
	return chk
}

func finalPayload(t *testing.T, store *results.InmemStore, chk []byte, out interface{}) string {
	t.Helper()
	ref, err := FinalRef(chk)
	must.NoError(t, err)

	doc, err := store.Get(context.Background(), ref)
	must.NoError(t, err)
	must.NoError(t, json.Unmarshal(doc.Payload, out))
	return ref
}

func TestTextProfile_EndToEnd(t *testing.T) {
	ci.Parallel(t)

	deps := testDeps()
	desc := &structs.InputDescriptor{
		Kind:       structs.KindTextProfile,
		ResourceID: "doc-7",
		SizeBytes:  4 << 20,
	}

	phases, err := Builtin(deps).Phases(desc, 4)
	must.NoError(t, err)
	chk := runPhases(t, phases, desc)

	var payload struct {
		Stats    *models.TextStats `json:"stats"`
		Keywords []string          `json:"keywords"`
		Summary  string            `json:"summary"`
		Vector   []float32         `json:"vector"`
	}
	finalPayload(t, deps.Results.(*results.InmemStore), chk, &payload)

	must.NotNil(t, payload.Stats)
	must.Positive(t, payload.Stats.Words)
	must.SliceNotEmpty(t, payload.Keywords)
	must.NotEq(t, "", payload.Summary)
	must.Len(t, 8, payload.Vector)
}

func TestAudioTranscribe_WindowsCoverTrack(t *testing.T) {
	ci.Parallel(t)

	deps := testDeps()
	desc := &structs.InputDescriptor{
		Kind:         structs.KindAudioTranscribe,
		ResourceID:   "ep-12",
		MediaSeconds: 3600,
		Device:       structs.DeviceGPU,
	}

	// Class M budget: four transcription windows.
	phases, err := Builtin(deps).Phases(desc, 8)
	must.NoError(t, err)
	chk := runPhases(t, phases, desc)

	var payload struct {
		Language     string                     `json:"language"`
		MediaSeconds float64                    `json:"media_seconds"`
		Optimized    bool                       `json:"optimized"`
		Segments     []models.TranscriptSegment `json:"segments"`
		Vectors      [][]float32                `json:"vectors"`
	}
	finalPayload(t, deps.Results.(*results.InmemStore), chk, &payload)

	must.Eq(t, "en", payload.Language)
	must.True(t, payload.Optimized)
	// One synthesized utterance per 15s of track, windows back to back.
	must.Len(t, 240, payload.Segments)
	must.Eq(t, len(payload.Segments), len(payload.Vectors))
	must.Eq(t, float64(900), payload.Segments[60].StartSeconds)

	// Cleaned utterances read like sentences.
	first := payload.Segments[0].Text
	must.StrHasSuffix(t, ".", first)
}

func TestAudioTranscribe_ClassSkipsOptimize(t *testing.T) {
	ci.Parallel(t)

	deps := testDeps()
	desc := &structs.InputDescriptor{
		Kind:         structs.KindAudioTranscribe,
		ResourceID:   "memo-1",
		MediaSeconds: 120,
		Device:       structs.DeviceGPU,
	}

	phases, err := Builtin(deps).Phases(desc, 4)
	must.NoError(t, err)
	chk := runPhases(t, phases, desc)

	var payload struct {
		Optimized bool                       `json:"optimized"`
		Segments  []models.TranscriptSegment `json:"segments"`
	}
	finalPayload(t, deps.Results.(*results.InmemStore), chk, &payload)
	must.False(t, payload.Optimized)
	must.Len(t, 8, payload.Segments)
}

func TestImageAnalyze_EndToEnd(t *testing.T) {
	ci.Parallel(t)

	deps := testDeps()
	desc := &structs.InputDescriptor{
		Kind:       structs.KindImageAnalyze,
		ResourceID: "img-3",
		SizeBytes:  2 << 20,
	}

	phases, err := Builtin(deps).Phases(desc, 4)
	must.NoError(t, err)
	chk := runPhases(t, phases, desc)

	var payload struct {
		Caption string    `json:"caption"`
		Labels  []string  `json:"labels"`
		Vector  []float32 `json:"vector"`
	}
	finalPayload(t, deps.Results.(*results.InmemStore), chk, &payload)
	must.NotEq(t, "", payload.Caption)
	must.SliceNotEmpty(t, payload.Labels)
	must.Len(t, 8, payload.Vector)
}

func TestVideoDeep_EndToEnd(t *testing.T) {
	ci.Parallel(t)

	deps := testDeps()
	desc := &structs.InputDescriptor{
		Kind:         structs.KindVideoDeep,
		ResourceID:   "clip-88",
		MediaSeconds: 1800,
	}

	// Class L budget: three extraction windows plus the seven fixed
	// phases.
	phases, err := Builtin(deps).Phases(desc, 10)
	must.NoError(t, err)
	chk := runPhases(t, phases, desc)

	var payload struct {
		SampleFPS  float64               `json:"sample_fps"`
		FrameTotal int                   `json:"frame_total"`
		Manifests  []string              `json:"manifests"`
		Frames     []models.FrameInsight `json:"frames"`
		Transcript *models.Transcript    `json:"transcript"`
		Keywords   []string              `json:"keywords"`
		Timeline   []timelineEvent       `json:"timeline"`
		Story      string                `json:"story"`
	}
	ref := finalPayload(t, deps.Results.(*results.InmemStore), chk, &payload)

	must.Eq(t, videoSamplerFPS, payload.SampleFPS)
	must.Eq(t, 5400, payload.FrameTotal)
	must.Len(t, 3, payload.Manifests)
	must.SliceNotEmpty(t, payload.Frames)
	must.NotNil(t, payload.Transcript)
	must.SliceNotEmpty(t, payload.Keywords)
	must.NotEq(t, "", payload.Story)

	// Timeline offsets are monotone.
	for i := 1; i < len(payload.Timeline); i++ {
		must.LessEq(t, payload.Timeline[i].OffsetSeconds, payload.Timeline[i-1].OffsetSeconds)
	}

	// The final document plus one manifest per extraction window.
	store := deps.Results.(*results.InmemStore)
	must.Len(t, 4, store.Refs())
	must.SliceContains(t, store.Refs(), ref)
}

func TestVideoDeep_FrameWindowReplayIsIdempotent(t *testing.T) {
	ci.Parallel(t)

	deps := testDeps()
	desc := &structs.InputDescriptor{
		Kind:         structs.KindVideoDeep,
		ResourceID:   "clip-89",
		MediaSeconds: 1800,
	}

	phases, err := Builtin(deps).Phases(desc, 10)
	must.NoError(t, err)

	ctx := context.Background()
	first, err := phases[0].Run(ctx, desc, nil, NopSink{})
	must.NoError(t, err)

	// A crash between the phase's work and its durable commit re-invokes
	// the phase with the same input checkpoint.
	replay, err := phases[0].Run(ctx, desc, nil, NopSink{})
	must.NoError(t, err)
	must.Eq(t, first, replay)

	var chk videoCheckpoint
	must.NoError(t, DecodeCheckpoint(replay, &chk))
	must.Len(t, 1, chk.ManifestRefs)
	must.Eq(t, 1800, chk.FramesListed)

	// Only the single manifest document exists.
	store := deps.Results.(*results.InmemStore)
	must.Len(t, 1, store.Refs())
}

func TestPolishUtterance(t *testing.T) {
	ci.Parallel(t)

	must.Eq(t, "Hello there.", polishUtterance("  hello   there "))
	must.Eq(t, "Already done!", polishUtterance("already done!"))
	must.Eq(t, "", polishUtterance("   "))
}
