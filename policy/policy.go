// Copyright (c) Opsis Labs, Inc.
// SPDX-License-Identifier: MPL-2.0

// Package policy derives an execution policy from an input descriptor:
// a predicted processing duration, the duration class it falls into, and
// the class's heartbeat, lease, segment, and credential-refresh cadence.
// The policy is computed once at admission and persisted on the task so
// reclaimed executions inherit identical parameters.
package policy

import (
	"math"
	"time"

	"github.com/opsislabs/windlass/structs"
)

const (
	// Text profiling scales with document size.
	textMinimum       = 15 * time.Second
	textSecondsPerMiB = 5.0

	// Single-image analysis is effectively constant.
	imageDuration = 20 * time.Second

	// Audio transcription tracks media length; CPU fallback hosts run the
	// acoustic model several times slower than real-time GPU inference.
	audioMinimum        = 30 * time.Second
	audioRealtimeFactor = 0.15
	audioCPUPenalty     = 4.0

	// Video deep analysis pays per second of media and per sampled frame.
	videoMinimum     = 120 * time.Second
	videoMediaFactor = 0.25
	videoFrameCost   = 0.3

	// videoSampleFPS reconstructs the frame count when the descriptor
	// does not carry one, matching the sampler's default rate.
	videoSampleFPS = 3.0
)

// Class thresholds on predicted duration.
const (
	shortMax  = 300 * time.Second
	mediumMax = 1800 * time.Second
	longMax   = 3600 * time.Second
)

// classRow is one line of the cadence table.
type classRow struct {
	heartbeat time.Duration
	lockTTL   time.Duration
	segments  int
	refresh   time.Duration
}

var classTable = map[string]classRow{
	structs.ClassShort:  {heartbeat: 60 * time.Second, lockTTL: 5 * time.Minute, segments: 4, refresh: 0},
	structs.ClassMedium: {heartbeat: 300 * time.Second, lockTTL: 15 * time.Minute, segments: 8, refresh: 20 * time.Minute},
	structs.ClassLong:   {heartbeat: 600 * time.Second, lockTTL: 30 * time.Minute, segments: 10, refresh: 15 * time.Minute},
	structs.ClassXLong:  {heartbeat: 900 * time.Second, lockTTL: 45 * time.Minute, segments: 20, refresh: 10 * time.Minute},
}

// EstimateDuration predicts the wall-clock processing time for an input.
func EstimateDuration(d *structs.InputDescriptor) time.Duration {
	switch d.Kind {
	case structs.KindTextProfile:
		mib := float64(d.SizeBytes) / (1 << 20)
		return max(textMinimum, seconds(mib*textSecondsPerMiB))

	case structs.KindImageAnalyze:
		return imageDuration

	case structs.KindAudioTranscribe:
		est := seconds(d.MediaSeconds * audioRealtimeFactor)
		if d.Device != structs.DeviceGPU {
			est *= audioCPUPenalty
		}
		return max(audioMinimum, est)

	case structs.KindVideoDeep:
		frames := float64(d.FrameCount)
		if frames == 0 {
			frames = d.MediaSeconds * videoSampleFPS
		}
		est := seconds(d.MediaSeconds*videoMediaFactor + frames*videoFrameCost)
		return max(videoMinimum, est)

	default:
		return 0
	}
}

// ClassFor maps a predicted duration onto its duration class.
func ClassFor(predicted time.Duration) string {
	switch {
	case predicted <= shortMax:
		return structs.ClassShort
	case predicted <= mediumMax:
		return structs.ClassMedium
	case predicted <= longMax:
		return structs.ClassLong
	default:
		return structs.ClassXLong
	}
}

// ForDescriptor builds the full execution policy for an input, applying
// any per-class overrides from the core config.
func ForDescriptor(d *structs.InputDescriptor, cfg *structs.CoreConfig) (*structs.Policy, error) {
	if err := d.Validate(); err != nil {
		return nil, err
	}

	predicted := EstimateDuration(d)
	class := ClassFor(predicted)
	row := classTable[class]

	p := &structs.Policy{
		Class:             class,
		PredictedDuration: predicted,
		HeartbeatInterval: row.heartbeat,
		LockTTL:           row.lockTTL,
		Segments:          row.segments,
		RefreshInterval:   row.refresh,
	}

	multiplier := 3.0
	if cfg != nil {
		if cfg.DeadlineMultiplier > 0 {
			multiplier = cfg.DeadlineMultiplier
		}
		cfg.PolicyOverrides[class].Apply(p)
	}
	p.Deadline = time.Duration(float64(predicted) * multiplier)

	if err := p.Validate(); err != nil {
		return nil, err
	}
	return p, nil
}

func seconds(s float64) time.Duration {
	return time.Duration(math.Round(s * float64(time.Second)))
}
