// Copyright (c) Opsis Labs, Inc.
// SPDX-License-Identifier: MPL-2.0

package models

import (
	"context"

	"golang.org/x/sync/semaphore"
)

// GPUPool serializes access to the host's GPU-resident model processes.
// The ASR and vision services run one worker per device, so concurrent
// calls beyond the device count just queue inside the service with worse
// tail latency than queueing here, where a waiting task keeps heartbeating
// and can still observe cancellation.
type GPUPool struct {
	sem   *semaphore.Weighted
	slots int64
}

// NewGPUPool returns a pool with the given number of device slots, or nil
// when slots is non-positive. A nil pool admits every caller immediately.
func NewGPUPool(slots int) *GPUPool {
	if slots <= 0 {
		return nil
	}
	return &GPUPool{
		sem:   semaphore.NewWeighted(int64(slots)),
		slots: int64(slots),
	}
}

// Acquire blocks until a device slot is free or ctx ends.
func (p *GPUPool) Acquire(ctx context.Context) error {
	if p == nil {
		return ctx.Err()
	}
	return p.sem.Acquire(ctx, 1)
}

// Release returns a slot taken by Acquire.
func (p *GPUPool) Release() {
	if p == nil {
		return
	}
	p.sem.Release(1)
}

// Slots reports the pool size.
func (p *GPUPool) Slots() int {
	if p == nil {
		return 0
	}
	return int(p.slots)
}

// WithGPUGate wraps the GPU-resident services in the bundle so every call
// holds a pool slot for its duration. Text and embedding stay ungated;
// they are CPU-side.
func WithGPUGate(inner Bundle, pool *GPUPool) Bundle {
	if pool == nil {
		return inner
	}
	out := inner
	out.ASR = &gatedASR{inner: inner.ASR, pool: pool}
	out.Vision = &gatedVision{inner: inner.Vision, pool: pool}
	return out
}

type gatedASR struct {
	inner ASR
	pool  *GPUPool
}

func (g *gatedASR) Transcribe(ctx context.Context, req *TranscribeRequest) (*Transcript, error) {
	if err := g.pool.Acquire(ctx); err != nil {
		return nil, err
	}
	defer g.pool.Release()
	return g.inner.Transcribe(ctx, req)
}

type gatedVision struct {
	inner Vision
	pool  *GPUPool
}

func (g *gatedVision) AnalyzeImage(ctx context.Context, req *ImageRequest) (*ImageInsight, error) {
	if err := g.pool.Acquire(ctx); err != nil {
		return nil, err
	}
	defer g.pool.Release()
	return g.inner.AnalyzeImage(ctx, req)
}

func (g *gatedVision) AnalyzeFrames(ctx context.Context, req *FramesRequest) (*FrameBatch, error) {
	if err := g.pool.Acquire(ctx); err != nil {
		return nil, err
	}
	defer g.pool.Release()
	return g.inner.AnalyzeFrames(ctx, req)
}
