// Copyright (c) Opsis Labs, Inc.
// SPDX-License-Identifier: MPL-2.0

// Package backoff provides the bounded exponential delay used when retrying
// transient upstream failures.
package backoff

import (
	"context"
	"time"

	"github.com/opsislabs/windlass/helper"
)

// Exponential returns 2^attempt multiples of base, capped at limit. Attempt
// numbering starts at zero, so the first retry waits one full base.
func Exponential(base, limit time.Duration, attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	next := base
	for i := 0; i < attempt; i++ {
		next *= 2
		if next >= limit {
			return limit
		}
	}
	if next > limit {
		next = limit
	}
	return next
}

// Wait sleeps for the backoff of the given attempt plus a small jitter,
// returning early with the context's error if it is cancelled.
func Wait(ctx context.Context, base, limit time.Duration, attempt int) error {
	delay := Exponential(base, limit, attempt)
	delay += helper.RandomStagger(delay / 10)

	timer, stop := helper.NewStoppedTimer()
	defer stop()
	timer.Reset(delay)

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
