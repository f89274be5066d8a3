// Copyright (c) Opsis Labs, Inc.
// SPDX-License-Identifier: MPL-2.0

package models

import (
	"context"
	"errors"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/opsislabs/windlass/structs"
	"github.com/sony/gobreaker"
)

// BreakerConfig tunes the per-service circuit breakers.
type BreakerConfig struct {
	// ConsecutiveFailures trips the breaker open.
	ConsecutiveFailures uint32

	// Cooldown is how long an open breaker waits before letting a probe
	// request through.
	Cooldown time.Duration

	Logger hclog.Logger
}

func defaultedBreakerConfig(cfg *BreakerConfig) *BreakerConfig {
	out := &BreakerConfig{
		ConsecutiveFailures: 5,
		Cooldown:            30 * time.Second,
		Logger:              hclog.NewNullLogger(),
	}
	if cfg == nil {
		return out
	}
	if cfg.ConsecutiveFailures > 0 {
		out.ConsecutiveFailures = cfg.ConsecutiveFailures
	}
	if cfg.Cooldown > 0 {
		out.Cooldown = cfg.Cooldown
	}
	if cfg.Logger != nil {
		out.Logger = cfg.Logger
	}
	return out
}

// WithBreakers wraps every service in the bundle with a circuit breaker.
// An open breaker short-circuits calls with a transient upstream error,
// which phase retry treats like any other blip; the model service gets its
// cooldown without each phase burning a full retry budget against a dead
// upstream.
func WithBreakers(inner Bundle, cfg *BreakerConfig) Bundle {
	cfg = defaultedBreakerConfig(cfg)
	return Bundle{
		ASR:      &breakerASR{inner: inner.ASR, cb: newBreaker("asr", cfg)},
		Vision:   &breakerVision{inner: inner.Vision, cb: newBreaker("vision", cfg)},
		Text:     &breakerText{inner: inner.Text, cb: newBreaker("text", cfg)},
		Embedder: &breakerEmbedder{inner: inner.Embedder, cb: newBreaker("embedder", cfg)},
	}
}

func newBreaker(service string, cfg *BreakerConfig) *gobreaker.CircuitBreaker {
	logger := cfg.Logger.Named("breaker").With("service", service)
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        service,
		MaxRequests: 1,
		Timeout:     cfg.Cooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.ConsecutiveFailures
		},
		IsSuccessful: func(err error) bool {
			// Caller-side cancellation says nothing about upstream health.
			return err == nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
		},
		OnStateChange: func(_ string, from, to gobreaker.State) {
			logger.Warn("circuit breaker state changed", "from", from.String(), "to", to.String())
		},
	})
}

// call funnels a service invocation through its breaker, translating
// breaker rejections into the transient upstream error shape.
func call[T any](cb *gobreaker.CircuitBreaker, fn func() (T, error)) (T, error) {
	out, err := cb.Execute(func() (interface{}, error) {
		return fn()
	})
	if err != nil {
		var zero T
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return zero, structs.NewTaskError(structs.TaskErrTransientUpstream,
				"%s circuit open", cb.Name())
		}
		return zero, err
	}
	return out.(T), nil
}

type breakerASR struct {
	inner ASR
	cb    *gobreaker.CircuitBreaker
}

func (b *breakerASR) Transcribe(ctx context.Context, req *TranscribeRequest) (*Transcript, error) {
	return call(b.cb, func() (*Transcript, error) { return b.inner.Transcribe(ctx, req) })
}

type breakerVision struct {
	inner Vision
	cb    *gobreaker.CircuitBreaker
}

func (b *breakerVision) AnalyzeImage(ctx context.Context, req *ImageRequest) (*ImageInsight, error) {
	return call(b.cb, func() (*ImageInsight, error) { return b.inner.AnalyzeImage(ctx, req) })
}

func (b *breakerVision) AnalyzeFrames(ctx context.Context, req *FramesRequest) (*FrameBatch, error) {
	return call(b.cb, func() (*FrameBatch, error) { return b.inner.AnalyzeFrames(ctx, req) })
}

type breakerText struct {
	inner Text
	cb    *gobreaker.CircuitBreaker
}

func (b *breakerText) Stats(ctx context.Context, req *TextRequest) (*TextStats, error) {
	return call(b.cb, func() (*TextStats, error) { return b.inner.Stats(ctx, req) })
}

func (b *breakerText) Keywords(ctx context.Context, req *TextRequest) ([]string, error) {
	return call(b.cb, func() ([]string, error) { return b.inner.Keywords(ctx, req) })
}

func (b *breakerText) Summarize(ctx context.Context, req *TextRequest) (string, error) {
	return call(b.cb, func() (string, error) { return b.inner.Summarize(ctx, req) })
}

type breakerEmbedder struct {
	inner Embedder
	cb    *gobreaker.CircuitBreaker
}

func (b *breakerEmbedder) Embed(ctx context.Context, inputs []string) ([][]float32, error) {
	return call(b.cb, func() ([][]float32, error) { return b.inner.Embed(ctx, inputs) })
}
