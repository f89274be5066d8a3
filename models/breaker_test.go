// Copyright (c) Opsis Labs, Inc.
// SPDX-License-Identifier: MPL-2.0

package models

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/opsislabs/windlass/ci"
	"github.com/opsislabs/windlass/structs"
	"github.com/opsislabs/windlass/testutil"
	"github.com/shoenig/test/must"
)

func TestBreaker_OpensAfterConsecutiveFailures(t *testing.T) {
	ci.Parallel(t)

	inner := NewInproc()
	bundle := WithBreakers(InprocBundle(inner), &BreakerConfig{
		ConsecutiveFailures: 3,
		Cooldown:            time.Minute,
	})

	ctx := context.Background()
	req := &TextRequest{ResourceID: "r", SizeBytes: 64}
	for i := 0; i < 3; i++ {
		inner.FailNext(OpStats, TransientError("text"))
		_, err := bundle.Text.Stats(ctx, req)
		must.Error(t, err)
	}

	// Breaker is open now; calls short-circuit without reaching the
	// service.
	before := inner.CallCount(OpStats)
	_, err := bundle.Text.Stats(ctx, req)
	must.ErrorContains(t, err, "circuit open")

	var te *structs.TaskError
	must.True(t, errors.As(err, &te))
	must.Eq(t, structs.TaskErrTransientUpstream, te.Kind)
	must.Eq(t, before, inner.CallCount(OpStats))
}

func TestBreaker_ClosesAfterCooldown(t *testing.T) {
	ci.Parallel(t)

	inner := NewInproc()
	bundle := WithBreakers(InprocBundle(inner), &BreakerConfig{
		ConsecutiveFailures: 2,
		Cooldown:            50 * time.Millisecond,
	})

	ctx := context.Background()
	for i := 0; i < 2; i++ {
		inner.FailNext(OpSummarize, TransientError("text"))
		_, err := bundle.Text.Summarize(ctx, &TextRequest{ResourceID: "r"})
		must.Error(t, err)
	}
	_, err := bundle.Text.Summarize(ctx, &TextRequest{ResourceID: "r"})
	must.ErrorContains(t, err, "circuit open")

	// After the cooldown a probe passes through and, succeeding, closes
	// the breaker.
	testutil.WaitForResult(func() (bool, error) {
		_, err := bundle.Text.Summarize(ctx, &TextRequest{ResourceID: "r"})
		if err != nil {
			return false, err
		}
		return true, nil
	}, func(err error) {
		t.Fatalf("breaker never recovered: %v", err)
	})
}

func TestBreaker_IgnoresCallerCancellation(t *testing.T) {
	ci.Parallel(t)

	inner := NewInproc()
	bundle := WithBreakers(InprocBundle(inner), &BreakerConfig{
		ConsecutiveFailures: 2,
		Cooldown:            time.Minute,
	})

	cancelled, cancel := context.WithCancel(context.Background())
	cancel()

	// Cancelled calls must not count toward the failure threshold.
	for i := 0; i < 5; i++ {
		_, err := bundle.Text.Stats(cancelled, &TextRequest{ResourceID: "r", SizeBytes: 1})
		must.ErrorIs(t, err, context.Canceled)
	}

	_, err := bundle.Text.Stats(context.Background(), &TextRequest{ResourceID: "r", SizeBytes: 1})
	must.NoError(t, err)
}
