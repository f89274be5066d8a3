// Copyright (c) Opsis Labs, Inc.
// SPDX-License-Identifier: MPL-2.0

package agent

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/hashicorp/hcl"
	"github.com/opsislabs/windlass/helper"
)

// ParseConfigFile returns an agent.Config parsed from a file.
func ParseConfigFile(path string) (*Config, error) {
	// slurp
	var buf bytes.Buffer
	path, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	if _, err := io.Copy(&buf, f); err != nil {
		return nil, err
	}

	// parse
	c := &Config{
		Ports:     &Ports{},
		Addresses: &Addresses{},
		Store:     &StoreConfig{},
		Results:   &ResultsConfig{},
		Models:    &ModelsConfig{},
		Worker:    &WorkerConfig{},
		Session:   &SessionConfig{},
		Policies:  map[string]*PolicyConfig{},
		Telemetry: &Telemetry{},
	}

	err = hcl.Decode(c, buf.String())
	if err != nil {
		return nil, fmt.Errorf("failed to decode HCL file %s: %w", path, err)
	}

	// convert strings to time.Durations
	tds := []durationConversionMap{
		{"models.timeout", &c.Models.Timeout, &c.Models.TimeoutHCL, nil},
		{"models.breaker_cooldown", &c.Models.BreakerCooldown, &c.Models.BreakerCooldownHCL, nil},
		{"worker.reclaim_sweep_interval", &c.Worker.ReclaimSweepInterval, &c.Worker.ReclaimSweepIntervalHCL, nil},
		{"worker.skip_recent_success_window", &c.Worker.SkipRecentSuccessWindow, &c.Worker.SkipRecentSuccessWindowHCL, nil},
		{"worker.tombstone_gc_age", &c.Worker.TombstoneGCAge, &c.Worker.TombstoneGCAgeHCL, nil},
		{"worker.min_poll_interval", &c.Worker.MinPollInterval, &c.Worker.MinPollIntervalHCL, nil},
		{"worker.phase_retry_base_backoff", &c.Worker.PhaseRetryBaseBackoff, &c.Worker.PhaseRetryBaseBackoffHCL, nil},
		{"session.ttl", &c.Session.TTL, &c.Session.TTLHCL, nil},
		{"telemetry.collection_interval", &c.Telemetry.collectionInterval, &c.Telemetry.CollectionInterval, nil},
	}

	// Add per-class policy overrides for time.Duration parsing
	for class, pc := range c.Policies {
		tds = append(tds,
			durationConversionMap{fmt.Sprintf("policy.%s.heartbeat_interval", class), nil, &pc.HeartbeatIntervalHCL,
				func(d *time.Duration) {
					pc.HeartbeatInterval = d
				},
			},
			durationConversionMap{fmt.Sprintf("policy.%s.lock_ttl", class), nil, &pc.LockTTLHCL,
				func(d *time.Duration) {
					pc.LockTTL = d
				},
			},
			durationConversionMap{fmt.Sprintf("policy.%s.refresh_interval", class), nil, &pc.RefreshIntervalHCL,
				func(d *time.Duration) {
					pc.RefreshInterval = d
				},
			},
		)
	}

	// convert strings to time.Durations
	err = convertDurations(tds)
	if err != nil {
		return nil, err
	}

	// report unexpected keys
	err = extraKeys(c)
	if err != nil {
		return nil, err
	}

	return c, nil
}

// durationConversionMap holds args for one duration conversion
type durationConversionMap struct {
	targetFieldPath string
	targetField     *time.Duration
	sourceField     *string
	setFunc         func(*time.Duration)
}

// convertDurations parses the duration strings specified in the config files
// into time.Durations
func convertDurations(xs []durationConversionMap) error {
	for _, x := range xs {
		// if targetField is not a pointer itself, use the field map.
		if x.targetField != nil && x.sourceField != nil && "" != *x.sourceField {
			d, err := time.ParseDuration(*x.sourceField)
			if err != nil {
				return fmt.Errorf("%s can't parse time duration %s", x.targetFieldPath, *x.sourceField)
			}

			*x.targetField = d
		} else if x.setFunc != nil && x.sourceField != nil && "" != *x.sourceField {
			// if targetField is a pointer itself, use the setFunc closure.
			d, err := time.ParseDuration(*x.sourceField)
			if err != nil {
				return fmt.Errorf("%s can't parse time duration %s", x.targetFieldPath, *x.sourceField)
			}
			x.setFunc(&d)
		}
	}

	return nil
}

func extraKeys(c *Config) error {
	// hcl leaves behind extra keys when parsing JSON. These keys
	// are kept on the top level, taken from slices or the keys of
	// structs contained in slices. Clean up before looking for
	// extra keys.
	for range c.HTTPAPIResponseHeaders {
		helper.RemoveEqualFold(&c.ExtraKeysHCL, "http_api_response_headers")
	}

	for class := range c.Policies {
		helper.RemoveEqualFold(&c.ExtraKeysHCL, class)
		helper.RemoveEqualFold(&c.ExtraKeysHCL, "policy")
	}

	return helper.UnusedKeys(c)
}
