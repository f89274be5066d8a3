// Copyright (c) Opsis Labs, Inc.
// SPDX-License-Identifier: MPL-2.0

package structs

// InputDescriptor captures everything the platform knows about an input
// before processing starts. It feeds the duration estimator and is
// persisted on the task row so a reclaiming worker can re-dispatch the
// pipeline without the original caller present.
type InputDescriptor struct {
	// Kind selects the analysis pipeline.
	Kind string

	// ResourceID names the media object this task analyzes. Together
	// with Kind it forms the task identity.
	ResourceID string

	// SizeBytes is the stored size of the input object.
	SizeBytes int64

	// MediaSeconds is the playable duration for audio and video inputs,
	// zero otherwise.
	MediaSeconds float64

	// FrameCount is the sampled frame count for video inputs, zero
	// otherwise.
	FrameCount int

	// Device hints at where model inference will run; GPU-backed work is
	// estimated faster than CPU fallback.
	Device string

	// ContentHash is the sha256 of the input object, used for
	// content-addressed result references.
	ContentHash string
}

// Devices the estimator knows how to scale for.
const (
	DeviceGPU = "gpu"
	DeviceCPU = "cpu"
)

func (d *InputDescriptor) Copy() *InputDescriptor {
	if d == nil {
		return nil
	}
	nd := *d
	return &nd
}

// TaskKey derives the identity key for a task over this input.
func (d *InputDescriptor) TaskKey() TaskKey {
	return NewTaskKey(d.Kind, d.ResourceID)
}

func (d *InputDescriptor) Validate() error {
	if d == nil {
		return NewTaskError(TaskErrInternal, "task is missing an input descriptor")
	}
	if !ValidKind(d.Kind) {
		return NewTaskError(TaskErrInvalidKind, "unknown task kind %q", d.Kind)
	}
	if d.ResourceID == "" {
		return NewTaskError(TaskErrInternal, "input descriptor has no resource id")
	}
	if d.SizeBytes < 0 {
		return NewTaskError(TaskErrInternal, "negative input size %d", d.SizeBytes)
	}
	if d.MediaSeconds < 0 {
		return NewTaskError(TaskErrInternal, "negative media duration %f", d.MediaSeconds)
	}
	if d.FrameCount < 0 {
		return NewTaskError(TaskErrInternal, "negative frame count %d", d.FrameCount)
	}
	switch d.Device {
	case "", DeviceGPU, DeviceCPU:
	default:
		return NewTaskError(TaskErrInternal, "unknown device %q", d.Device)
	}
	return nil
}
