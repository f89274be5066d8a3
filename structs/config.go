// Copyright (c) Opsis Labs, Inc.
// SPDX-License-Identifier: MPL-2.0

package structs

import (
	"time"

	"github.com/opsislabs/windlass/helper/pointer"
)

// CoreConfig carries the execution-core tunables. Zero values mean
// "unset"; agents start from DefaultCoreConfig and merge file and flag
// values over it.
type CoreConfig struct {
	// ReclaimSweepInterval is the cadence of the expired-lock sweeper.
	ReclaimSweepInterval time.Duration

	// MaxReclaimAttempts caps how many times an abandoned task may be
	// re-claimed before it is failed with too_many_reclaims.
	MaxReclaimAttempts int

	// SkipRecentSuccessWindow suppresses resubmission of a key that
	// completed successfully within the window.
	SkipRecentSuccessWindow time.Duration

	// ProgressThrottlePercent is the minimum global progress delta, in
	// percentage points, that forces a store write.
	ProgressThrottlePercent float64

	// ProgressThrottleMessageChanged makes a changed progress message
	// force a write regardless of the percent delta.
	ProgressThrottleMessageChanged *bool

	// DeadlineMultiplier scales the predicted duration into the hard
	// per-attempt execution deadline.
	DeadlineMultiplier float64

	// MaxPhaseRetries bounds the executor's inner retry loop for
	// transient phase failures.
	MaxPhaseRetries int

	// PhaseRetryBaseBackoff is the first retry delay; subsequent retries
	// double it.
	PhaseRetryBaseBackoff time.Duration

	// TombstoneGCAge is how long a tombstoned task row lingers for
	// observability before the sweeper deletes it.
	TombstoneGCAge time.Duration

	// MinPollInterval is the polling cadence floor advertised to
	// clients.
	MinPollInterval time.Duration

	// PolicyOverrides adjusts the per-class cadence table. Keyed by
	// duration class.
	PolicyOverrides map[string]*PolicyOverride
}

// PolicyOverride tunes one duration class. Nil fields keep the built-in
// table value.
type PolicyOverride struct {
	HeartbeatInterval *time.Duration
	LockTTL           *time.Duration
	Segments          *int
	RefreshInterval   *time.Duration
}

func DefaultCoreConfig() *CoreConfig {
	return &CoreConfig{
		ReclaimSweepInterval:           30 * time.Second,
		MaxReclaimAttempts:             3,
		SkipRecentSuccessWindow:        time.Hour,
		ProgressThrottlePercent:        0.5,
		ProgressThrottleMessageChanged: pointer.Of(true),
		DeadlineMultiplier:             3.0,
		MaxPhaseRetries:                3,
		PhaseRetryBaseBackoff:          2 * time.Second,
		TombstoneGCAge:                 15 * time.Minute,
		MinPollInterval:                3 * time.Second,
		PolicyOverrides:                map[string]*PolicyOverride{},
	}
}

func (c *CoreConfig) Copy() *CoreConfig {
	if c == nil {
		return nil
	}
	nc := *c
	if c.ProgressThrottleMessageChanged != nil {
		nc.ProgressThrottleMessageChanged = pointer.Copy(c.ProgressThrottleMessageChanged)
	}
	nc.PolicyOverrides = make(map[string]*PolicyOverride, len(c.PolicyOverrides))
	for class, o := range c.PolicyOverrides {
		nc.PolicyOverrides[class] = o.Copy()
	}
	return &nc
}

// ThrottleOnMessageChange reports whether changed progress messages bypass
// the percent throttle.
func (c *CoreConfig) ThrottleOnMessageChange() bool {
	return c.ProgressThrottleMessageChanged == nil || *c.ProgressThrottleMessageChanged
}

func (o *PolicyOverride) Copy() *PolicyOverride {
	if o == nil {
		return nil
	}
	no := &PolicyOverride{}
	if o.HeartbeatInterval != nil {
		no.HeartbeatInterval = pointer.Copy(o.HeartbeatInterval)
	}
	if o.LockTTL != nil {
		no.LockTTL = pointer.Copy(o.LockTTL)
	}
	if o.Segments != nil {
		no.Segments = pointer.Copy(o.Segments)
	}
	if o.RefreshInterval != nil {
		no.RefreshInterval = pointer.Copy(o.RefreshInterval)
	}
	return no
}

// Merge layers b over c, returning a new config. Zero values in b keep
// c's setting.
func (c *CoreConfig) Merge(b *CoreConfig) *CoreConfig {
	result := c.Copy()
	if b == nil {
		return result
	}
	if b.ReclaimSweepInterval != 0 {
		result.ReclaimSweepInterval = b.ReclaimSweepInterval
	}
	if b.MaxReclaimAttempts != 0 {
		result.MaxReclaimAttempts = b.MaxReclaimAttempts
	}
	if b.SkipRecentSuccessWindow != 0 {
		result.SkipRecentSuccessWindow = b.SkipRecentSuccessWindow
	}
	if b.ProgressThrottlePercent != 0 {
		result.ProgressThrottlePercent = b.ProgressThrottlePercent
	}
	if b.ProgressThrottleMessageChanged != nil {
		result.ProgressThrottleMessageChanged = pointer.Copy(b.ProgressThrottleMessageChanged)
	}
	if b.DeadlineMultiplier != 0 {
		result.DeadlineMultiplier = b.DeadlineMultiplier
	}
	if b.MaxPhaseRetries != 0 {
		result.MaxPhaseRetries = b.MaxPhaseRetries
	}
	if b.PhaseRetryBaseBackoff != 0 {
		result.PhaseRetryBaseBackoff = b.PhaseRetryBaseBackoff
	}
	if b.TombstoneGCAge != 0 {
		result.TombstoneGCAge = b.TombstoneGCAge
	}
	if b.MinPollInterval != 0 {
		result.MinPollInterval = b.MinPollInterval
	}
	for class, o := range b.PolicyOverrides {
		if result.PolicyOverrides == nil {
			result.PolicyOverrides = map[string]*PolicyOverride{}
		}
		result.PolicyOverrides[class] = result.PolicyOverrides[class].Merge(o)
	}
	return result
}

func (o *PolicyOverride) Merge(b *PolicyOverride) *PolicyOverride {
	result := o.Copy()
	if result == nil {
		result = &PolicyOverride{}
	}
	if b == nil {
		return result
	}
	if b.HeartbeatInterval != nil {
		result.HeartbeatInterval = pointer.Copy(b.HeartbeatInterval)
	}
	if b.LockTTL != nil {
		result.LockTTL = pointer.Copy(b.LockTTL)
	}
	if b.Segments != nil {
		result.Segments = pointer.Copy(b.Segments)
	}
	if b.RefreshInterval != nil {
		result.RefreshInterval = pointer.Copy(b.RefreshInterval)
	}
	return result
}

// Apply rewrites the table-derived policy fields with any override
// values for the policy's class.
func (o *PolicyOverride) Apply(p *Policy) {
	if o == nil || p == nil {
		return
	}
	if o.HeartbeatInterval != nil {
		p.HeartbeatInterval = *o.HeartbeatInterval
	}
	if o.LockTTL != nil {
		p.LockTTL = *o.LockTTL
	}
	if o.Segments != nil {
		p.Segments = *o.Segments
	}
	if o.RefreshInterval != nil {
		p.RefreshInterval = *o.RefreshInterval
	}
}
