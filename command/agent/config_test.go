// Copyright (c) Opsis Labs, Inc.
// SPDX-License-Identifier: MPL-2.0

package agent

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/shoenig/test/must"
	"github.com/stretchr/testify/require"

	"github.com/opsislabs/windlass/ci"
	"github.com/opsislabs/windlass/helper/pointer"
)

func TestConfig_Merge(t *testing.T) {
	ci.Parallel(t)

	c1 := &Config{
		NodeName:  "node1",
		DataDir:   "/tmp/dir1",
		LogLevel:  "INFO",
		BindAddr:  "127.0.0.1",
		Ports:     &Ports{HTTP: 4626},
		Addresses: &Addresses{},
		Store: &StoreConfig{
			Backend:   "redis",
			Address:   "127.0.0.1:6379",
			KeyPrefix: "windlass:",
		},
		Results: &ResultsConfig{
			Backend: "postgres",
		},
		Models: &ModelsConfig{
			Backend: "remote",
		},
		Worker: &WorkerConfig{
			MaxConcurrent: 8,
		},
		Session:  &SessionConfig{},
		Policies: map[string]*PolicyConfig{},
		Telemetry: &Telemetry{
			CollectionInterval: "1s",
			collectionInterval: 1 * time.Second,
		},
	}

	c2 := &Config{
		NodeName:    "node2",
		DataDir:     "/tmp/dir2",
		LogLevel:    "DEBUG",
		LogJson:     true,
		BindAddr:    "0.0.0.0",
		EnableDebug: true,
		Ports:       &Ports{HTTP: 4700},
		Addresses:   &Addresses{HTTP: "127.0.0.2"},
		Store: &StoreConfig{
			Backend:  "redis",
			Address:  "10.2.0.1:6379",
			Password: "sekrit",
			DB:       2,
		},
		Results: &ResultsConfig{
			Backend: "sqlite",
			Path:    "/tmp/dir2/results.db",
		},
		Models: &ModelsConfig{
			Backend:    "remote",
			ASRAddr:    "10.2.1.1:9000",
			Timeout:    30 * time.Second,
			TimeoutHCL: "30s",
			GPUSlots:   4,
		},
		Worker: &WorkerConfig{
			ID:                             "node2-worker",
			MaxConcurrent:                  16,
			MaxReclaimAttempts:             6,
			DeadlineMultiplier:             3,
			ProgressThrottleMessageChanged: pointer.Of(true),
		},
		Session: &SessionConfig{
			SigningKey: "terribly-secret",
			TTL:        15 * time.Minute,
			TTLHCL:     "15m",
			Issuer:     "opsis",
		},
		Policies: map[string]*PolicyConfig{
			"m": {
				HeartbeatInterval:    pointer.Of(20 * time.Second),
				HeartbeatIntervalHCL: "20s",
				Segments:             pointer.Of(6),
			},
		},
		Telemetry: &Telemetry{
			StatsdAddr:         "127.0.0.2:8125",
			PrometheusMetrics:  true,
			CollectionInterval: "5s",
			collectionInterval: 5 * time.Second,
		},
		HTTPAPIResponseHeaders: map[string]string{
			"Access-Control-Allow-Origin": "*",
		},
	}

	exp := &Config{
		NodeName:    "node2",
		DataDir:     "/tmp/dir2",
		LogLevel:    "DEBUG",
		LogJson:     true,
		BindAddr:    "0.0.0.0",
		EnableDebug: true,
		Ports:       &Ports{HTTP: 4700},
		Addresses:   &Addresses{HTTP: "127.0.0.2"},
		Store: &StoreConfig{
			Backend:   "redis",
			Address:   "10.2.0.1:6379",
			Password:  "sekrit",
			DB:        2,
			KeyPrefix: "windlass:",
		},
		Results: &ResultsConfig{
			Backend: "sqlite",
			Path:    "/tmp/dir2/results.db",
		},
		Models: &ModelsConfig{
			Backend:    "remote",
			ASRAddr:    "10.2.1.1:9000",
			Timeout:    30 * time.Second,
			TimeoutHCL: "30s",
			GPUSlots:   4,
		},
		Worker: &WorkerConfig{
			ID:                             "node2-worker",
			MaxConcurrent:                  16,
			MaxReclaimAttempts:             6,
			DeadlineMultiplier:             3,
			ProgressThrottleMessageChanged: pointer.Of(true),
		},
		Session: &SessionConfig{
			SigningKey: "terribly-secret",
			TTL:        15 * time.Minute,
			TTLHCL:     "15m",
			Issuer:     "opsis",
		},
		Policies: map[string]*PolicyConfig{
			"m": {
				HeartbeatInterval:    pointer.Of(20 * time.Second),
				HeartbeatIntervalHCL: "20s",
				Segments:             pointer.Of(6),
			},
		},
		Telemetry: &Telemetry{
			StatsdAddr:         "127.0.0.2:8125",
			PrometheusMetrics:  true,
			CollectionInterval: "5s",
			collectionInterval: 5 * time.Second,
		},
		HTTPAPIResponseHeaders: map[string]string{
			"Access-Control-Allow-Origin": "*",
		},
	}

	result := c1.Merge(c2)
	require.Equal(t, exp, result)

	// Merging an empty config over the result changes nothing.
	result = result.Merge(&Config{})
	require.Equal(t, exp, result)
}

func TestConfig_Merge_PolicyClasses(t *testing.T) {
	ci.Parallel(t)

	base := &Config{
		Policies: map[string]*PolicyConfig{
			"s": {
				HeartbeatInterval:    pointer.Of(15 * time.Second),
				HeartbeatIntervalHCL: "15s",
				Segments:             pointer.Of(1),
			},
			"l": {
				LockTTL:    pointer.Of(3 * time.Minute),
				LockTTLHCL: "3m",
			},
		},
	}
	override := &Config{
		Policies: map[string]*PolicyConfig{
			"s": {
				Segments: pointer.Of(4),
			},
			"xl": {
				RefreshInterval:    pointer.Of(time.Minute),
				RefreshIntervalHCL: "1m",
			},
		},
	}

	result := base.Merge(override)

	// Class "s" keeps its heartbeat but takes the new segment count.
	must.Eq(t, pointer.Of(15*time.Second), result.Policies["s"].HeartbeatInterval)
	must.Eq(t, pointer.Of(4), result.Policies["s"].Segments)

	// Untouched and newly added classes both survive.
	must.Eq(t, pointer.Of(3*time.Minute), result.Policies["l"].LockTTL)
	must.Eq(t, pointer.Of(time.Minute), result.Policies["xl"].RefreshInterval)
}

func TestConfig_CoreConfig(t *testing.T) {
	ci.Parallel(t)

	c := DefaultConfig()
	c.Worker = &WorkerConfig{
		ReclaimSweepInterval:    45 * time.Second,
		MaxReclaimAttempts:      7,
		SkipRecentSuccessWindow: 10 * time.Minute,
		MinPollInterval:         4 * time.Second,
		DeadlineMultiplier:      2.5,
	}
	c.Policies = map[string]*PolicyConfig{
		"xl": {
			HeartbeatInterval: pointer.Of(2 * time.Minute),
			Segments:          pointer.Of(20),
		},
	}

	core := c.CoreConfig()

	must.Eq(t, 45*time.Second, core.ReclaimSweepInterval)
	must.Eq(t, 7, core.MaxReclaimAttempts)
	must.Eq(t, 10*time.Minute, core.SkipRecentSuccessWindow)
	must.Eq(t, 4*time.Second, core.MinPollInterval)
	must.Eq(t, 2.5, core.DeadlineMultiplier)

	// Class labels normalize to upper case on the way through.
	override, ok := core.PolicyOverrides["XL"]
	must.True(t, ok)
	must.Eq(t, pointer.Of(2*time.Minute), override.HeartbeatInterval)
	must.Eq(t, pointer.Of(20), override.Segments)

	// Zero-valued worker fields leave the core defaults in place.
	must.Positive(t, core.TombstoneGCAge)
	must.Positive(t, core.MaxPhaseRetries)
}

func TestConfig_Listener(t *testing.T) {
	ci.Parallel(t)

	config := DefaultConfig()

	// Fails on invalid input
	if ln, err := config.Listener("tcp", "nope", 8080); err == nil {
		ln.Close()
		t.Fatalf("expected addr error")
	}
	if ln, err := config.Listener("nope", "127.0.0.1", 8080); err == nil {
		ln.Close()
		t.Fatalf("expected protocol err")
	}
	if ln, err := config.Listener("tcp", "127.0.0.1", -1); err == nil {
		ln.Close()
		t.Fatalf("expected port error")
	}

	// Works with valid inputs
	ports := ci.PortAllocator.Grab(2)

	ln, err := config.Listener("tcp", "127.0.0.1", ports[0])
	if err != nil {
		t.Fatalf("err: %s", err)
	}
	ln.Close()

	if net := ln.Addr().Network(); net != "tcp" {
		t.Fatalf("expected tcp, got: %q", net)
	}
	want := fmt.Sprintf("127.0.0.1:%d", ports[0])
	if addr := ln.Addr().String(); addr != want {
		t.Fatalf("expected %q, got: %q", want, addr)
	}

	// Falls back to default bind address if non provided
	config.BindAddr = "0.0.0.0"
	ln, err = config.Listener("tcp4", "", ports[1])
	if err != nil {
		t.Fatalf("err: %s", err)
	}
	ln.Close()

	want = fmt.Sprintf("0.0.0.0:%d", ports[1])
	if addr := ln.Addr().String(); addr != want {
		t.Fatalf("expected %q, got: %q", want, addr)
	}
}

func TestConfig_normalizeAddrs(t *testing.T) {
	ci.Parallel(t)

	c := &Config{
		BindAddr:  "169.254.1.5",
		Ports:     &Ports{HTTP: 4626},
		Addresses: &Addresses{},
	}

	must.NoError(t, c.normalizeAddrs())
	must.Eq(t, "169.254.1.5:4626", c.normalizedAddrs.HTTP)

	// An explicit HTTP address overrides the bind address.
	c = &Config{
		BindAddr:  "169.254.1.5",
		Ports:     &Ports{HTTP: 4646},
		Addresses: &Addresses{HTTP: "127.0.0.1"},
	}

	must.NoError(t, c.normalizeAddrs())
	must.Eq(t, "127.0.0.1", c.Addresses.HTTP)
	must.Eq(t, "127.0.0.1:4646", c.normalizedAddrs.HTTP)
}

func TestConfig_DevConfig(t *testing.T) {
	ci.Parallel(t)

	c := DevConfig()

	must.True(t, c.DevMode)
	must.True(t, c.EnableDebug)
	must.Eq(t, "inmem", c.Store.Backend)
	must.Eq(t, "sqlite", c.Results.Backend)
	must.Eq(t, ":memory:", c.Results.Path)
	must.Eq(t, "inproc", c.Models.Backend)
}

func TestConfig_LoadConfig(t *testing.T) {
	ci.Parallel(t)

	// Not a file or directory.
	_, err := LoadConfig("/does/not/exist")
	must.Error(t, err)

	// A single file loads and records its path.
	fh, err := os.CreateTemp(t.TempDir(), "windlass*.hcl")
	must.NoError(t, err)

	_, err = fh.WriteString(`name = "loader"`)
	must.NoError(t, err)
	must.NoError(t, fh.Close())

	config, err := LoadConfig(fh.Name())
	must.NoError(t, err)
	must.Eq(t, "loader", config.NodeName)
	must.Eq(t, []string{filepath.Clean(fh.Name())}, config.Files)
}
