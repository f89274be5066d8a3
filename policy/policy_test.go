// Copyright (c) Opsis Labs, Inc.
// SPDX-License-Identifier: MPL-2.0

package policy

import (
	"errors"
	"testing"
	"time"

	"github.com/opsislabs/windlass/ci"
	"github.com/opsislabs/windlass/helper/pointer"
	"github.com/opsislabs/windlass/structs"
	"github.com/shoenig/test/must"
)

func TestEstimateDuration(t *testing.T) {
	ci.Parallel(t)

	cases := []struct {
		name string
		desc structs.InputDescriptor
		exp  time.Duration
	}{
		{
			name: "tiny text hits the floor",
			desc: structs.InputDescriptor{Kind: structs.KindTextProfile, ResourceID: "d", SizeBytes: 1024},
			exp:  15 * time.Second,
		},
		{
			name: "large text scales with size",
			desc: structs.InputDescriptor{Kind: structs.KindTextProfile, ResourceID: "d", SizeBytes: 12 << 20},
			exp:  60 * time.Second,
		},
		{
			name: "image is constant",
			desc: structs.InputDescriptor{Kind: structs.KindImageAnalyze, ResourceID: "i", SizeBytes: 900 << 20},
			exp:  20 * time.Second,
		},
		{
			name: "short audio hits the floor",
			desc: structs.InputDescriptor{Kind: structs.KindAudioTranscribe, ResourceID: "a", MediaSeconds: 180, Device: structs.DeviceGPU},
			exp:  30 * time.Second,
		},
		{
			name: "hour of audio on gpu",
			desc: structs.InputDescriptor{Kind: structs.KindAudioTranscribe, ResourceID: "a", MediaSeconds: 3600, Device: structs.DeviceGPU},
			exp:  540 * time.Second,
		},
		{
			name: "cpu fallback quadruples audio",
			desc: structs.InputDescriptor{Kind: structs.KindAudioTranscribe, ResourceID: "a", MediaSeconds: 3600, Device: structs.DeviceCPU},
			exp:  2160 * time.Second,
		},
		{
			name: "short video hits the floor",
			desc: structs.InputDescriptor{Kind: structs.KindVideoDeep, ResourceID: "v", MediaSeconds: 60, FrameCount: 100},
			exp:  120 * time.Second,
		},
		{
			name: "video pays per second and per frame",
			desc: structs.InputDescriptor{Kind: structs.KindVideoDeep, ResourceID: "v", MediaSeconds: 600, FrameCount: 2000},
			exp:  750 * time.Second,
		},
		{
			name: "video frame count defaults to sample rate",
			desc: structs.InputDescriptor{Kind: structs.KindVideoDeep, ResourceID: "v", MediaSeconds: 600},
			exp:  690 * time.Second,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			must.Eq(t, tc.exp, EstimateDuration(&tc.desc))
		})
	}
}

func TestClassFor(t *testing.T) {
	ci.Parallel(t)

	cases := []struct {
		predicted time.Duration
		exp       string
	}{
		{30 * time.Second, structs.ClassShort},
		{300 * time.Second, structs.ClassShort},
		{301 * time.Second, structs.ClassMedium},
		{1800 * time.Second, structs.ClassMedium},
		{1801 * time.Second, structs.ClassLong},
		{3600 * time.Second, structs.ClassLong},
		{3601 * time.Second, structs.ClassXLong},
		{5400 * time.Second, structs.ClassXLong},
	}

	for _, tc := range cases {
		must.Eq(t, tc.exp, ClassFor(tc.predicted), must.Sprintf("predicted=%s", tc.predicted))
	}
}

func TestForDescriptor_ClassTable(t *testing.T) {
	ci.Parallel(t)

	cfg := structs.DefaultCoreConfig()

	// A three-minute GPU podcast is a short job: tight heartbeat, short
	// lease, no credential refresh.
	p, err := ForDescriptor(&structs.InputDescriptor{
		Kind: structs.KindAudioTranscribe, ResourceID: "pod-1",
		MediaSeconds: 180, Device: structs.DeviceGPU,
	}, cfg)
	must.NoError(t, err)
	must.Eq(t, structs.ClassShort, p.Class)
	must.Eq(t, 60*time.Second, p.HeartbeatInterval)
	must.Eq(t, 5*time.Minute, p.LockTTL)
	must.Eq(t, 4, p.Segments)
	must.Eq(t, time.Duration(0), p.RefreshInterval)
	must.Eq(t, 90*time.Second, p.Deadline)

	// Ten minutes of video lands in the medium class.
	p, err = ForDescriptor(&structs.InputDescriptor{
		Kind: structs.KindVideoDeep, ResourceID: "vid-1", MediaSeconds: 600,
	}, cfg)
	must.NoError(t, err)
	must.Eq(t, structs.ClassMedium, p.Class)
	must.Eq(t, 300*time.Second, p.HeartbeatInterval)
	must.Eq(t, 15*time.Minute, p.LockTTL)
	must.Eq(t, 8, p.Segments)
	must.Eq(t, 20*time.Minute, p.RefreshInterval)

	// A half-hour video crosses into the long class.
	p, err = ForDescriptor(&structs.InputDescriptor{
		Kind: structs.KindVideoDeep, ResourceID: "vid-2", MediaSeconds: 1800,
	}, cfg)
	must.NoError(t, err)
	must.Eq(t, structs.ClassLong, p.Class)
	must.Eq(t, 10, p.Segments)
	must.Eq(t, 30*time.Minute, p.LockTTL)

	// An hour-and-a-half of CPU audio is extra long: refresh every ten
	// minutes so polling clients never lose their session.
	p, err = ForDescriptor(&structs.InputDescriptor{
		Kind: structs.KindAudioTranscribe, ResourceID: "pod-2",
		MediaSeconds: 9000, Device: structs.DeviceCPU,
	}, cfg)
	must.NoError(t, err)
	must.Eq(t, structs.ClassXLong, p.Class)
	must.Eq(t, 900*time.Second, p.HeartbeatInterval)
	must.Eq(t, 45*time.Minute, p.LockTTL)
	must.Eq(t, 20, p.Segments)
	must.Eq(t, 10*time.Minute, p.RefreshInterval)
}

func TestForDescriptor_Overrides(t *testing.T) {
	ci.Parallel(t)

	cfg := structs.DefaultCoreConfig()
	cfg.DeadlineMultiplier = 2.0
	cfg.PolicyOverrides[structs.ClassShort] = &structs.PolicyOverride{
		HeartbeatInterval: pointer.Of(30 * time.Second),
		Segments:          pointer.Of(6),
	}

	p, err := ForDescriptor(&structs.InputDescriptor{
		Kind: structs.KindImageAnalyze, ResourceID: "img-1",
	}, cfg)
	must.NoError(t, err)
	must.Eq(t, structs.ClassShort, p.Class)
	must.Eq(t, 30*time.Second, p.HeartbeatInterval)
	must.Eq(t, 6, p.Segments)
	must.Eq(t, 5*time.Minute, p.LockTTL)
	must.Eq(t, 40*time.Second, p.Deadline)
}

func TestForDescriptor_InvalidKind(t *testing.T) {
	ci.Parallel(t)

	_, err := ForDescriptor(&structs.InputDescriptor{
		Kind: "hologram-render", ResourceID: "h-1",
	}, structs.DefaultCoreConfig())
	must.Error(t, err)

	var te *structs.TaskError
	must.True(t, errors.As(err, &te))
	must.Eq(t, structs.TaskErrInvalidKind, te.Kind)
}
