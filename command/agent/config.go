// Copyright (c) Opsis Labs, Inc.
// SPDX-License-Identifier: MPL-2.0

package agent

import (
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/hashicorp/go-sockaddr/template"
	"github.com/opsislabs/windlass/helper/pointer"
	"github.com/opsislabs/windlass/structs"
	"github.com/opsislabs/windlass/version"
)

// Config is the configuration for the windlass agent.
type Config struct {
	// NodeName is the worker identity used for lock ownership. Defaults
	// to the hostname.
	NodeName string `hcl:"name"`

	// DataDir is the directory for local state such as the sqlite result
	// store in dev-adjacent deployments.
	DataDir string `hcl:"data_dir"`

	// LogLevel is the level of the logs to put out
	LogLevel string `hcl:"log_level"`

	// LogJson enables log output in a JSON format
	LogJson bool `hcl:"log_json"`

	// BindAddr is the address on which the agent's HTTP service is
	// bound. If not specified, this defaults to 127.0.0.1.
	BindAddr string `hcl:"bind_addr"`

	// EnableDebug is used to enable debugging HTTP endpoints
	EnableDebug bool `hcl:"enable_debug"`

	// Ports is used to control the network ports we bind to.
	Ports *Ports `hcl:"ports"`

	// Addresses is used to override the network addresses we bind to.
	//
	// Use normalizedAddrs if you need the host+port to bind to.
	Addresses *Addresses `hcl:"addresses"`

	// normalizedAddrs is set to the Address+Port by normalizeAddrs()
	normalizedAddrs *Addresses

	// Store has the shared task state store settings.
	Store *StoreConfig `hcl:"store"`

	// Results has the analysis result store settings.
	Results *ResultsConfig `hcl:"results"`

	// Models locates the platform's model services.
	Models *ModelsConfig `hcl:"models"`

	// Worker tunes the execution core of this agent.
	Worker *WorkerConfig `hcl:"worker"`

	// Session configures session credential minting and verification.
	Session *SessionConfig `hcl:"session"`

	// Policies adjusts the per-class cadence table, keyed by duration
	// class (S, M, L, XL).
	Policies map[string]*PolicyConfig `hcl:"policy"`

	// Telemetry is used to configure sending telemetry
	Telemetry *Telemetry `hcl:"telemetry"`

	// DevMode is set by the -dev CLI flag.
	DevMode bool `hcl:"-"`

	// Version information is set at compilation time
	Version *version.VersionInfo

	// List of config files that have been loaded (in order)
	Files []string `hcl:"-"`

	// HTTPAPIResponseHeaders allows configuring the agent to set
	// arbitrary headers on API responses
	HTTPAPIResponseHeaders map[string]string `hcl:"http_api_response_headers"`

	ExtraKeysHCL []string `hcl:",unusedKeys" json:"-"`
}

// StoreConfig configures the shared task state store.
type StoreConfig struct {
	// Backend selects the store implementation: "redis" for production,
	// "inmem" for a single-process deployment or dev mode.
	Backend string `hcl:"backend"`

	// Address is the redis host:port.
	Address string `hcl:"address"`

	Username string `hcl:"username"`
	Password string `hcl:"password"`
	DB       int    `hcl:"db"`

	// KeyPrefix namespaces all redis keys.
	KeyPrefix string `hcl:"key_prefix"`

	ExtraKeysHCL []string `hcl:",unusedKeys" json:"-"`
}

// Merge is used to merge two store configs together.
func (a *StoreConfig) Merge(b *StoreConfig) *StoreConfig {
	result := *a

	if b.Backend != "" {
		result.Backend = b.Backend
	}
	if b.Address != "" {
		result.Address = b.Address
	}
	if b.Username != "" {
		result.Username = b.Username
	}
	if b.Password != "" {
		result.Password = b.Password
	}
	if b.DB != 0 {
		result.DB = b.DB
	}
	if b.KeyPrefix != "" {
		result.KeyPrefix = b.KeyPrefix
	}
	return &result
}

// ResultsConfig configures the analysis result store.
type ResultsConfig struct {
	// Backend selects the result store: "postgres" for production,
	// "sqlite" for a single host, "inmem" for tests.
	Backend string `hcl:"backend"`

	// DSN is the pgx connection string for the postgres backend.
	DSN string `hcl:"dsn"`

	MaxOpenConns int `hcl:"max_open_conns"`
	MaxIdleConns int `hcl:"max_idle_conns"`

	// Path is the sqlite database file. Defaults to results.db under the
	// data directory; dev mode uses ":memory:".
	Path string `hcl:"path"`

	ExtraKeysHCL []string `hcl:",unusedKeys" json:"-"`
}

// Merge is used to merge two result store configs together.
func (a *ResultsConfig) Merge(b *ResultsConfig) *ResultsConfig {
	result := *a

	if b.Backend != "" {
		result.Backend = b.Backend
	}
	if b.DSN != "" {
		result.DSN = b.DSN
	}
	if b.MaxOpenConns != 0 {
		result.MaxOpenConns = b.MaxOpenConns
	}
	if b.MaxIdleConns != 0 {
		result.MaxIdleConns = b.MaxIdleConns
	}
	if b.Path != "" {
		result.Path = b.Path
	}
	return &result
}

// ModelsConfig locates the platform's model services and tunes the
// adapters in front of them.
type ModelsConfig struct {
	// Backend selects the adapters: "remote" for the platform's model
	// services, "inproc" for the deterministic fakes.
	Backend string `hcl:"backend"`

	ASRAddr    string `hcl:"asr_address"`
	VisionAddr string `hcl:"vision_address"`
	TextAddr   string `hcl:"text_address"`
	EmbedAddr  string `hcl:"embed_address"`

	// Timeout bounds a single model service call.
	Timeout    time.Duration `hcl:"-"`
	TimeoutHCL string        `hcl:"timeout" json:"-"`

	// GPUSlots caps concurrent GPU-bound model calls from this process.
	// Zero disables the gate.
	GPUSlots int `hcl:"gpu_slots"`

	// BreakerFailures is the consecutive-failure count that trips a
	// service's circuit breaker.
	BreakerFailures int `hcl:"breaker_failures"`

	// BreakerCooldown is how long an open breaker waits before probing.
	BreakerCooldown    time.Duration `hcl:"-"`
	BreakerCooldownHCL string        `hcl:"breaker_cooldown" json:"-"`

	ExtraKeysHCL []string `hcl:",unusedKeys" json:"-"`
}

// Merge is used to merge two model configs together.
func (a *ModelsConfig) Merge(b *ModelsConfig) *ModelsConfig {
	result := *a

	if b.Backend != "" {
		result.Backend = b.Backend
	}
	if b.ASRAddr != "" {
		result.ASRAddr = b.ASRAddr
	}
	if b.VisionAddr != "" {
		result.VisionAddr = b.VisionAddr
	}
	if b.TextAddr != "" {
		result.TextAddr = b.TextAddr
	}
	if b.EmbedAddr != "" {
		result.EmbedAddr = b.EmbedAddr
	}
	if b.Timeout != 0 {
		result.Timeout = b.Timeout
	}
	if b.TimeoutHCL != "" {
		result.TimeoutHCL = b.TimeoutHCL
	}
	if b.GPUSlots != 0 {
		result.GPUSlots = b.GPUSlots
	}
	if b.BreakerFailures != 0 {
		result.BreakerFailures = b.BreakerFailures
	}
	if b.BreakerCooldown != 0 {
		result.BreakerCooldown = b.BreakerCooldown
	}
	if b.BreakerCooldownHCL != "" {
		result.BreakerCooldownHCL = b.BreakerCooldownHCL
	}
	return &result
}

// WorkerConfig tunes the execution core: admission, reclaim, and the
// executor's retry and throttle behavior.
type WorkerConfig struct {
	// ID is this process's lock ownership identity. Defaults to the
	// node name plus a random suffix so restarts never collide with a
	// still-live lease.
	ID string `hcl:"id"`

	// MaxConcurrent caps how many task runners execute phases at once.
	MaxConcurrent int `hcl:"max_concurrent"`

	// ReclaimSweepInterval is the cadence of the expired-lock sweeper.
	ReclaimSweepInterval    time.Duration `hcl:"-"`
	ReclaimSweepIntervalHCL string        `hcl:"reclaim_sweep_interval" json:"-"`

	// MaxReclaimAttempts caps re-claims of an abandoned task before it
	// is failed for good.
	MaxReclaimAttempts int `hcl:"max_reclaim_attempts"`

	// SkipRecentSuccessWindow suppresses resubmission of a key that
	// completed successfully within the window.
	SkipRecentSuccessWindow    time.Duration `hcl:"-"`
	SkipRecentSuccessWindowHCL string        `hcl:"skip_recent_success_window" json:"-"`

	// TombstoneGCAge is how long a tombstoned task row lingers before
	// the sweeper purges it.
	TombstoneGCAge    time.Duration `hcl:"-"`
	TombstoneGCAgeHCL string        `hcl:"tombstone_gc_age" json:"-"`

	// MinPollInterval is the polling cadence floor advertised to
	// clients.
	MinPollInterval    time.Duration `hcl:"-"`
	MinPollIntervalHCL string        `hcl:"min_poll_interval" json:"-"`

	// DeadlineMultiplier scales the predicted duration into the hard
	// per-attempt execution deadline.
	DeadlineMultiplier float64 `hcl:"deadline_multiplier"`

	// MaxPhaseRetries bounds the executor's inner retry loop for
	// transient phase failures.
	MaxPhaseRetries int `hcl:"max_phase_retries"`

	// PhaseRetryBaseBackoff is the first retry delay; subsequent
	// retries double it.
	PhaseRetryBaseBackoff    time.Duration `hcl:"-"`
	PhaseRetryBaseBackoffHCL string        `hcl:"phase_retry_base_backoff" json:"-"`

	// ProgressThrottlePercent is the minimum progress delta, in
	// percentage points, that forces a store write.
	ProgressThrottlePercent float64 `hcl:"progress_throttle_percent"`

	// ProgressThrottleMessageChanged makes a changed progress message
	// force a write regardless of the percent delta.
	ProgressThrottleMessageChanged *bool `hcl:"progress_throttle_message_changed"`

	ExtraKeysHCL []string `hcl:",unusedKeys" json:"-"`
}

// Merge is used to merge two worker configs together.
func (a *WorkerConfig) Merge(b *WorkerConfig) *WorkerConfig {
	result := *a

	if b.ID != "" {
		result.ID = b.ID
	}
	if b.MaxConcurrent != 0 {
		result.MaxConcurrent = b.MaxConcurrent
	}
	if b.ReclaimSweepInterval != 0 {
		result.ReclaimSweepInterval = b.ReclaimSweepInterval
	}
	if b.ReclaimSweepIntervalHCL != "" {
		result.ReclaimSweepIntervalHCL = b.ReclaimSweepIntervalHCL
	}
	if b.MaxReclaimAttempts != 0 {
		result.MaxReclaimAttempts = b.MaxReclaimAttempts
	}
	if b.SkipRecentSuccessWindow != 0 {
		result.SkipRecentSuccessWindow = b.SkipRecentSuccessWindow
	}
	if b.SkipRecentSuccessWindowHCL != "" {
		result.SkipRecentSuccessWindowHCL = b.SkipRecentSuccessWindowHCL
	}
	if b.TombstoneGCAge != 0 {
		result.TombstoneGCAge = b.TombstoneGCAge
	}
	if b.TombstoneGCAgeHCL != "" {
		result.TombstoneGCAgeHCL = b.TombstoneGCAgeHCL
	}
	if b.MinPollInterval != 0 {
		result.MinPollInterval = b.MinPollInterval
	}
	if b.MinPollIntervalHCL != "" {
		result.MinPollIntervalHCL = b.MinPollIntervalHCL
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
	if b.PhaseRetryBaseBackoffHCL != "" {
		result.PhaseRetryBaseBackoffHCL = b.PhaseRetryBaseBackoffHCL
	}
	if b.ProgressThrottlePercent != 0 {
		result.ProgressThrottlePercent = b.ProgressThrottlePercent
	}
	if b.ProgressThrottleMessageChanged != nil {
		result.ProgressThrottleMessageChanged = pointer.Copy(b.ProgressThrottleMessageChanged)
	}
	return &result
}

// SessionConfig configures session credential minting.
type SessionConfig struct {
	// SigningKey is the HS256 secret shared across workers. Required
	// outside dev mode for session refresh to function.
	SigningKey string `hcl:"signing_key"`

	// TTL is the lifetime of minted credentials.
	TTL    time.Duration `hcl:"-"`
	TTLHCL string        `hcl:"ttl" json:"-"`

	// Issuer is the iss claim on minted credentials.
	Issuer string `hcl:"issuer"`

	ExtraKeysHCL []string `hcl:",unusedKeys" json:"-"`
}

// Merge is used to merge two session configs together.
func (a *SessionConfig) Merge(b *SessionConfig) *SessionConfig {
	result := *a

	if b.SigningKey != "" {
		result.SigningKey = b.SigningKey
	}
	if b.TTL != 0 {
		result.TTL = b.TTL
	}
	if b.TTLHCL != "" {
		result.TTLHCL = b.TTLHCL
	}
	if b.Issuer != "" {
		result.Issuer = b.Issuer
	}
	return &result
}

// PolicyConfig overrides one duration class of the cadence table. Nil
// fields keep the built-in value.
type PolicyConfig struct {
	HeartbeatInterval    *time.Duration `hcl:"-"`
	HeartbeatIntervalHCL string         `hcl:"heartbeat_interval" json:"-"`

	LockTTL    *time.Duration `hcl:"-"`
	LockTTLHCL string         `hcl:"lock_ttl" json:"-"`

	Segments *int `hcl:"segments"`

	RefreshInterval    *time.Duration `hcl:"-"`
	RefreshIntervalHCL string         `hcl:"refresh_interval" json:"-"`

	ExtraKeysHCL []string `hcl:",unusedKeys" json:"-"`
}

// Merge is used to merge two policy overrides together.
func (a *PolicyConfig) Merge(b *PolicyConfig) *PolicyConfig {
	result := *a

	if b.HeartbeatInterval != nil {
		result.HeartbeatInterval = pointer.Copy(b.HeartbeatInterval)
	}
	if b.HeartbeatIntervalHCL != "" {
		result.HeartbeatIntervalHCL = b.HeartbeatIntervalHCL
	}
	if b.LockTTL != nil {
		result.LockTTL = pointer.Copy(b.LockTTL)
	}
	if b.LockTTLHCL != "" {
		result.LockTTLHCL = b.LockTTLHCL
	}
	if b.Segments != nil {
		result.Segments = pointer.Copy(b.Segments)
	}
	if b.RefreshInterval != nil {
		result.RefreshInterval = pointer.Copy(b.RefreshInterval)
	}
	if b.RefreshIntervalHCL != "" {
		result.RefreshIntervalHCL = b.RefreshIntervalHCL
	}
	return &result
}

// Telemetry is used to configure sending telemetry
type Telemetry struct {
	StatsiteAddr       string `hcl:"statsite_address"`
	StatsdAddr         string `hcl:"statsd_address"`
	PrometheusMetrics  bool   `hcl:"prometheus_metrics"`
	DisableHostname    bool   `hcl:"disable_hostname"`
	UseNodeName        bool   `hcl:"use_node_name"`
	CollectionInterval string `hcl:"collection_interval"`

	collectionInterval time.Duration `hcl:"-"`

	ExtraKeysHCL []string `hcl:",unusedKeys" json:"-"`
}

// Merge is used to merge two telemetry configs together.
func (a *Telemetry) Merge(b *Telemetry) *Telemetry {
	result := *a

	if b.StatsiteAddr != "" {
		result.StatsiteAddr = b.StatsiteAddr
	}
	if b.StatsdAddr != "" {
		result.StatsdAddr = b.StatsdAddr
	}
	if b.PrometheusMetrics {
		result.PrometheusMetrics = b.PrometheusMetrics
	}
	if b.DisableHostname {
		result.DisableHostname = true
	}
	if b.UseNodeName {
		result.UseNodeName = true
	}
	if b.CollectionInterval != "" {
		result.CollectionInterval = b.CollectionInterval
	}
	if b.collectionInterval != 0 {
		result.collectionInterval = b.collectionInterval
	}
	return &result
}

// Ports encapsulates the ports we bind to for network services. If any
// are not specified then the defaults are used instead.
type Ports struct {
	HTTP int `hcl:"http"`

	ExtraKeysHCL []string `hcl:",unusedKeys" json:"-"`
}

// Merge is used to merge two port configurations.
func (a *Ports) Merge(b *Ports) *Ports {
	result := *a

	if b.HTTP != 0 {
		result.HTTP = b.HTTP
	}
	return &result
}

// Addresses encapsulates the addresses we bind to for network services.
// Everything is optional and defaults to BindAddr.
type Addresses struct {
	HTTP string `hcl:"http"`

	ExtraKeysHCL []string `hcl:",unusedKeys" json:"-"`
}

// Merge is used to merge two address configs together.
func (a *Addresses) Merge(b *Addresses) *Addresses {
	result := *a

	if b.HTTP != "" {
		result.HTTP = b.HTTP
	}
	return &result
}

// DevConfig is a Config that is used for dev mode of windlass: an
// in-memory store, a throwaway result database, and the in-process model
// fakes.
func DevConfig() *Config {
	conf := DefaultConfig()
	conf.BindAddr = "127.0.0.1"
	conf.LogLevel = "DEBUG"
	conf.DevMode = true
	conf.EnableDebug = true
	conf.Store = &StoreConfig{Backend: "inmem"}
	conf.Results = &ResultsConfig{Backend: "sqlite", Path: ":memory:"}
	conf.Models = &ModelsConfig{Backend: "inproc"}

	return conf
}

// DefaultConfig is the baseline configuration for windlass.
func DefaultConfig() *Config {
	return &Config{
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
		Worker:   &WorkerConfig{},
		Session:  &SessionConfig{},
		Policies: map[string]*PolicyConfig{},
		Telemetry: &Telemetry{
			CollectionInterval: "1s",
			collectionInterval: 1 * time.Second,
		},
		Version: version.GetVersion(),
	}
}

// CoreConfig converts the agent's worker and policy settings into the
// execution core's tuning knobs, leaving unset fields at the core
// defaults.
func (c *Config) CoreConfig() *structs.CoreConfig {
	core := structs.DefaultCoreConfig()

	if w := c.Worker; w != nil {
		if w.ReclaimSweepInterval > 0 {
			core.ReclaimSweepInterval = w.ReclaimSweepInterval
		}
		if w.MaxReclaimAttempts > 0 {
			core.MaxReclaimAttempts = w.MaxReclaimAttempts
		}
		if w.SkipRecentSuccessWindow > 0 {
			core.SkipRecentSuccessWindow = w.SkipRecentSuccessWindow
		}
		if w.TombstoneGCAge > 0 {
			core.TombstoneGCAge = w.TombstoneGCAge
		}
		if w.MinPollInterval > 0 {
			core.MinPollInterval = w.MinPollInterval
		}
		if w.DeadlineMultiplier > 0 {
			core.DeadlineMultiplier = w.DeadlineMultiplier
		}
		if w.MaxPhaseRetries > 0 {
			core.MaxPhaseRetries = w.MaxPhaseRetries
		}
		if w.PhaseRetryBaseBackoff > 0 {
			core.PhaseRetryBaseBackoff = w.PhaseRetryBaseBackoff
		}
		if w.ProgressThrottlePercent > 0 {
			core.ProgressThrottlePercent = w.ProgressThrottlePercent
		}
		if w.ProgressThrottleMessageChanged != nil {
			core.ProgressThrottleMessageChanged = pointer.Copy(w.ProgressThrottleMessageChanged)
		}
	}

	for class, pc := range c.Policies {
		core.PolicyOverrides[strings.ToUpper(class)] = &structs.PolicyOverride{
			HeartbeatInterval: pointer.Copy(pc.HeartbeatInterval),
			LockTTL:           pointer.Copy(pc.LockTTL),
			Segments:          pointer.Copy(pc.Segments),
			RefreshInterval:   pointer.Copy(pc.RefreshInterval),
		}
	}

	return core
}

// Listener can be used to get a new listener using a custom bind address.
// If the bind provided address is empty, the BindAddr is used instead.
func (c *Config) Listener(proto, addr string, port int) (net.Listener, error) {
	if addr == "" {
		addr = c.BindAddr
	}

	// Do our own range check to avoid bugs in package net.
	//
	//   golang.org/issue/11715
	//   golang.org/issue/13447
	//
	// Both of the above bugs were fixed by golang.org/cl/12447 which will be
	// included in Go 1.6. The error returned below is the same as what Go 1.6
	// will return.
	if 0 > port || port > 65535 {
		return nil, &net.OpError{
			Op:  "listen",
			Net: proto,
			Err: &net.AddrError{Err: "invalid port", Addr: fmt.Sprint(port)},
		}
	}
	return net.Listen(proto, net.JoinHostPort(addr, strconv.Itoa(port)))
}

// Merge merges two configurations.
func (c *Config) Merge(b *Config) *Config {
	result := *c

	if b.NodeName != "" {
		result.NodeName = b.NodeName
	}
	if b.DataDir != "" {
		result.DataDir = b.DataDir
	}
	if b.LogLevel != "" {
		result.LogLevel = b.LogLevel
	}
	if b.LogJson {
		result.LogJson = true
	}
	if b.BindAddr != "" {
		result.BindAddr = b.BindAddr
	}
	if b.EnableDebug {
		result.EnableDebug = true
	}
	if b.DevMode {
		result.DevMode = true
	}

	// Apply the telemetry config
	if result.Telemetry == nil && b.Telemetry != nil {
		telemetry := *b.Telemetry
		result.Telemetry = &telemetry
	} else if b.Telemetry != nil {
		result.Telemetry = result.Telemetry.Merge(b.Telemetry)
	}

	// Apply the store config
	if result.Store == nil && b.Store != nil {
		store := *b.Store
		result.Store = &store
	} else if b.Store != nil {
		result.Store = result.Store.Merge(b.Store)
	}

	// Apply the results config
	if result.Results == nil && b.Results != nil {
		results := *b.Results
		result.Results = &results
	} else if b.Results != nil {
		result.Results = result.Results.Merge(b.Results)
	}

	// Apply the models config
	if result.Models == nil && b.Models != nil {
		mod := *b.Models
		result.Models = &mod
	} else if b.Models != nil {
		result.Models = result.Models.Merge(b.Models)
	}

	// Apply the worker config
	if result.Worker == nil && b.Worker != nil {
		worker := *b.Worker
		result.Worker = &worker
	} else if b.Worker != nil {
		result.Worker = result.Worker.Merge(b.Worker)
	}

	// Apply the session config
	if result.Session == nil && b.Session != nil {
		session := *b.Session
		result.Session = &session
	} else if b.Session != nil {
		result.Session = result.Session.Merge(b.Session)
	}

	// Apply the policy overrides per class
	if len(b.Policies) > 0 {
		merged := make(map[string]*PolicyConfig, len(result.Policies)+len(b.Policies))
		for class, pc := range result.Policies {
			merged[class] = pc
		}
		for class, pc := range b.Policies {
			if existing, ok := merged[class]; ok {
				merged[class] = existing.Merge(pc)
			} else {
				cp := *pc
				merged[class] = &cp
			}
		}
		result.Policies = merged
	}

	// Apply the ports config
	if result.Ports == nil && b.Ports != nil {
		ports := *b.Ports
		result.Ports = &ports
	} else if b.Ports != nil {
		result.Ports = result.Ports.Merge(b.Ports)
	}

	// Apply the address config
	if result.Addresses == nil && b.Addresses != nil {
		addrs := *b.Addresses
		result.Addresses = &addrs
	} else if b.Addresses != nil {
		result.Addresses = result.Addresses.Merge(b.Addresses)
	}

	// Apply the response header config
	if result.HTTPAPIResponseHeaders == nil && b.HTTPAPIResponseHeaders != nil {
		headers := make(map[string]string, len(b.HTTPAPIResponseHeaders))
		for k, v := range b.HTTPAPIResponseHeaders {
			headers[k] = v
		}
		result.HTTPAPIResponseHeaders = headers
	} else if b.HTTPAPIResponseHeaders != nil {
		for k, v := range b.HTTPAPIResponseHeaders {
			result.HTTPAPIResponseHeaders[k] = v
		}
	}

	// Merge config files lists
	result.Files = append(result.Files, b.Files...)

	return &result
}

// Copy returns a deep copy safe for mutation by callers such as the
// self endpoint's redaction.
func (c *Config) Copy() *Config {
	if c == nil {
		return nil
	}
	nc := *c

	if c.Ports != nil {
		ports := *c.Ports
		nc.Ports = &ports
	}
	if c.Addresses != nil {
		addrs := *c.Addresses
		nc.Addresses = &addrs
	}
	if c.normalizedAddrs != nil {
		addrs := *c.normalizedAddrs
		nc.normalizedAddrs = &addrs
	}
	if c.Store != nil {
		store := *c.Store
		nc.Store = &store
	}
	if c.Results != nil {
		results := *c.Results
		nc.Results = &results
	}
	if c.Models != nil {
		mod := *c.Models
		nc.Models = &mod
	}
	if c.Worker != nil {
		worker := *c.Worker
		worker.ProgressThrottleMessageChanged = pointer.Copy(c.Worker.ProgressThrottleMessageChanged)
		nc.Worker = &worker
	}
	if c.Session != nil {
		session := *c.Session
		nc.Session = &session
	}
	if c.Telemetry != nil {
		tel := *c.Telemetry
		nc.Telemetry = &tel
	}
	nc.Policies = make(map[string]*PolicyConfig, len(c.Policies))
	for class, pc := range c.Policies {
		cp := *pc
		cp.HeartbeatInterval = pointer.Copy(pc.HeartbeatInterval)
		cp.LockTTL = pointer.Copy(pc.LockTTL)
		cp.Segments = pointer.Copy(pc.Segments)
		cp.RefreshInterval = pointer.Copy(pc.RefreshInterval)
		nc.Policies[class] = &cp
	}
	if c.HTTPAPIResponseHeaders != nil {
		headers := make(map[string]string, len(c.HTTPAPIResponseHeaders))
		for k, v := range c.HTTPAPIResponseHeaders {
			headers[k] = v
		}
		nc.HTTPAPIResponseHeaders = headers
	}
	nc.Version = c.Version.Copy()
	nc.Files = append([]string(nil), c.Files...)
	return &nc
}

// normalizeAddrs normalizes the bind address and resolves the final
// host+port the HTTP service listens on.
func (c *Config) normalizeAddrs() error {
	if c.BindAddr != "" {
		ipStr, err := parseSingleIPTemplate(c.BindAddr)
		if err != nil {
			return fmt.Errorf("Bind address resolution failed: %v", err)
		}
		c.BindAddr = ipStr
	}

	addr, err := normalizeBind(c.Addresses.HTTP, c.BindAddr)
	if err != nil {
		return fmt.Errorf("Failed to parse HTTP address: %v", err)
	}
	c.Addresses.HTTP = addr

	c.normalizedAddrs = &Addresses{
		HTTP: net.JoinHostPort(c.Addresses.HTTP, strconv.Itoa(c.Ports.HTTP)),
	}

	return nil
}

// parseSingleIPTemplate is used as a helper function to parse out a single IP
// address from a config parameter.
func parseSingleIPTemplate(ipTmpl string) (string, error) {
	out, err := template.Parse(ipTmpl)
	if err != nil {
		return "", fmt.Errorf("Unable to parse address template %q: %v", ipTmpl, err)
	}

	ips := strings.Split(out, " ")
	switch len(ips) {
	case 0:
		return "", fmt.Errorf("No addresses found, please configure one.")
	case 1:
		return ips[0], nil
	default:
		return "", fmt.Errorf("Multiple addresses found (%q), please configure one.", out)
	}
}

// normalizeBind returns a normalized bind address.
//
// If addr is set it is used, if not the default bind address is used.
func normalizeBind(addr, bind string) (string, error) {
	if addr == "" {
		return bind, nil
	}
	return parseSingleIPTemplate(addr)
}

// LoadConfig loads the configuration at the given path, regardless if
// its a file or directory.
func LoadConfig(path string) (*Config, error) {
	fi, err := os.Stat(path)
	if err != nil {
		return nil, err
	}

	if fi.IsDir() {
		return LoadConfigDir(path)
	}

	cleaned := filepath.Clean(path)
	config, err := ParseConfigFile(cleaned)
	if err != nil {
		return nil, fmt.Errorf("Error loading %s: %s", cleaned, err)
	}

	config.Files = append(config.Files, cleaned)
	return config, nil
}

// LoadConfigDir loads all the configurations in the given directory
// in alphabetical order.
func LoadConfigDir(dir string) (*Config, error) {
	f, err := os.Open(dir)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	fi, err := f.Stat()
	if err != nil {
		return nil, err
	}
	if !fi.IsDir() {
		return nil, fmt.Errorf(
			"configuration path must be a directory: %s", dir)
	}

	var files []string
	err = nil
	for err != io.EOF {
		var fis []os.FileInfo
		fis, err = f.Readdir(128)
		if err != nil && err != io.EOF {
			return nil, err
		}

		for _, fi := range fis {
			// Ignore directories
			if fi.IsDir() {
				continue
			}

			// Only care about files that are valid to load.
			name := fi.Name()
			skip := true
			if strings.HasSuffix(name, ".hcl") {
				skip = false
			} else if strings.HasSuffix(name, ".json") {
				skip = false
			}
			if skip || isTemporaryFile(name) {
				continue
			}

			path := filepath.Join(dir, name)
			files = append(files, path)
		}
	}

	// Fast-path if we have no files
	if len(files) == 0 {
		return &Config{}, nil
	}

	sort.Strings(files)

	var result *Config
	for _, f := range files {
		config, err := ParseConfigFile(f)
		if err != nil {
			return nil, fmt.Errorf("Error loading %s: %s", f, err)
		}
		config.Files = append(config.Files, f)

		if result == nil {
			result = config
		} else {
			result = result.Merge(config)
		}
	}

	return result, nil
}

// isTemporaryFile returns true or false depending on whether the
// provided file name is a temporary file for the following editors:
// emacs or vim.
func isTemporaryFile(name string) bool {
	return strings.HasSuffix(name, "~") || // vim
		strings.HasPrefix(name, ".#") || // emacs
		(strings.HasPrefix(name, "#") && strings.HasSuffix(name, "#")) // emacs
}
