// Copyright (c) Opsis Labs, Inc.
// SPDX-License-Identifier: MPL-2.0

package agent

import (
	"context"
	"fmt"
	"io"
	golog "log"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	log "github.com/hashicorp/go-hclog"
	metrics "github.com/hashicorp/go-metrics"
	"github.com/opsislabs/windlass/guard"
	"github.com/opsislabs/windlass/helper/uuid"
	"github.com/opsislabs/windlass/models"
	"github.com/opsislabs/windlass/pipeline"
	"github.com/opsislabs/windlass/progress"
	"github.com/opsislabs/windlass/results"
	"github.com/opsislabs/windlass/runner"
	"github.com/opsislabs/windlass/state"
)

const (
	// shutdownDrainDeadline bounds how long Shutdown waits for in-flight
	// phases to reach a checkpoint before the process gives up its
	// leases and lets another worker reclaim them.
	shutdownDrainDeadline = 30 * time.Second
)

// Agent is a long running daemon that hosts one windlass worker: the
// admission guard, the task dispatcher, the reclaim sweeper, and the
// progress publisher, all coordinating through a shared task store.
type Agent struct {
	config     *Config
	configLock sync.Mutex

	logger     log.Logger
	httpLogger log.Logger
	logOutput  io.Writer

	// store is the shared task state store workers coordinate through.
	store state.Store

	// resultStore holds finished analysis documents.
	resultStore results.Store

	// models is the bundle of model service adapters phases call into.
	models models.Bundle

	// gpuPool is nil unless gpu_slots caps concurrent GPU-bound calls.
	gpuPool *models.GPUPool

	registry   *pipeline.Registry
	dispatcher *runner.Dispatcher
	guard      *guard.Guard
	publisher  *progress.Publisher

	// keepalive is nil when no signing key is configured, which
	// disables session credential minting and refresh.
	keepalive *progress.Keepalive

	// sweepCancel stops the reclaim sweeper goroutine.
	sweepCancel context.CancelFunc

	shutdown     bool
	shutdownCh   chan struct{}
	shutdownLock sync.Mutex

	InmemSink *metrics.InmemSink
}

// NewAgent is used to create a new agent with the given configuration
func NewAgent(config *Config, logger log.Logger, logOutput io.Writer, inmem *metrics.InmemSink) (*Agent, error) {
	a := &Agent{
		config:     config,
		logOutput:  logOutput,
		shutdownCh: make(chan struct{}),
		InmemSink:  inmem,
	}

	// Create the loggers
	a.logger = logger
	a.httpLogger = a.logger.ResetNamed("http")

	// Global logger should match internal logger as much as possible
	golog.SetFlags(golog.LstdFlags | golog.Lmicroseconds)

	if err := a.setupStore(); err != nil {
		return nil, err
	}
	if err := a.setupResults(); err != nil {
		return nil, err
	}
	if err := a.setupModels(); err != nil {
		return nil, err
	}
	if err := a.setupCore(); err != nil {
		return nil, err
	}

	return a, nil
}

// setupStore builds the shared task state store.
func (a *Agent) setupStore() error {
	conf := a.config.Store
	if conf == nil {
		conf = &StoreConfig{Backend: "inmem"}
	}

	switch conf.Backend {
	case "", "inmem":
		store, err := state.NewInmemStore(a.logger)
		if err != nil {
			return fmt.Errorf("Failed to initialize in-memory task store: %v", err)
		}
		a.store = store
	case "redis":
		store, err := state.NewRedisStore(&state.RedisConfig{
			Addr:     conf.Address,
			Username: conf.Username,
			Password: conf.Password,
			DB:       conf.DB,
			Prefix:   conf.KeyPrefix,
			Logger:   a.logger,
		})
		if err != nil {
			return fmt.Errorf("Failed to initialize redis task store: %v", err)
		}
		a.store = store
	default:
		return fmt.Errorf("unknown task store backend %q", conf.Backend)
	}

	return nil
}

// setupResults builds the analysis result store.
func (a *Agent) setupResults() error {
	conf := a.config.Results
	if conf == nil {
		conf = &ResultsConfig{Backend: "inmem"}
	}

	ctx := context.Background()
	switch conf.Backend {
	case "", "inmem":
		a.resultStore = results.NewInmemStore()
	case "sqlite":
		path := conf.Path
		if path == "" {
			switch {
			case a.config.DevMode:
				path = ":memory:"
			case a.config.DataDir != "":
				path = filepath.Join(a.config.DataDir, "results.db")
			default:
				return fmt.Errorf("sqlite result store requires a path or data_dir")
			}
		}
		store, err := results.NewSQLiteStore(ctx, path)
		if err != nil {
			return fmt.Errorf("Failed to initialize sqlite result store: %v", err)
		}
		a.resultStore = store
	case "postgres":
		if conf.DSN == "" {
			return fmt.Errorf("postgres result store requires a dsn")
		}
		store, err := results.NewPostgresStore(ctx, &results.PostgresConfig{
			DSN:          conf.DSN,
			MaxOpenConns: conf.MaxOpenConns,
			MaxIdleConns: conf.MaxIdleConns,
		})
		if err != nil {
			return fmt.Errorf("Failed to initialize postgres result store: %v", err)
		}
		a.resultStore = store
	default:
		return fmt.Errorf("unknown result store backend %q", conf.Backend)
	}

	return nil
}

// setupModels builds the model service bundle phases call into. Remote
// adapters are always wrapped with circuit breakers, and with the GPU
// gate when gpu_slots is set.
func (a *Agent) setupModels() error {
	conf := a.config.Models
	if conf == nil {
		conf = &ModelsConfig{Backend: "inproc"}
	}

	var bundle models.Bundle
	switch conf.Backend {
	case "", "inproc":
		bundle = models.InprocBundle(models.NewInproc())
	case "remote":
		var err error
		bundle, err = models.NewRemoteBundle(&models.RemoteConfig{
			ASRAddr:    conf.ASRAddr,
			VisionAddr: conf.VisionAddr,
			TextAddr:   conf.TextAddr,
			EmbedAddr:  conf.EmbedAddr,
			Timeout:    conf.Timeout,
		})
		if err != nil {
			return fmt.Errorf("Failed to initialize model services: %v", err)
		}
	default:
		return fmt.Errorf("unknown models backend %q", conf.Backend)
	}

	bundle = models.WithBreakers(bundle, &models.BreakerConfig{
		ConsecutiveFailures: uint32(conf.BreakerFailures),
		Cooldown:            conf.BreakerCooldown,
		Logger:              a.logger,
	})

	if conf.GPUSlots > 0 {
		a.gpuPool = models.NewGPUPool(conf.GPUSlots)
		bundle = models.WithGPUGate(bundle, a.gpuPool)
	}

	a.models = bundle
	return nil
}

// setupCore wires the execution core around the stores: the pipeline
// registry, the dispatcher, the admission guard, the reclaim sweeper,
// and the progress publisher.
func (a *Agent) setupCore() error {
	a.registry = pipeline.Builtin(pipeline.Deps{
		Models:  a.models,
		Results: a.resultStore,
	})

	coreConfig := a.config.CoreConfig()

	var workerID string
	var maxConcurrent int
	if w := a.config.Worker; w != nil {
		workerID = w.ID
		maxConcurrent = w.MaxConcurrent
	}
	if workerID == "" {
		node := a.config.NodeName
		if node == "" {
			node, _ = os.Hostname()
		}
		// The random suffix keeps a restarted process from colliding
		// with its predecessor's still-live leases.
		workerID = fmt.Sprintf("%s-%s", node, uuid.Short())
	}

	dispatcher, err := runner.NewDispatcher(&runner.DispatcherConfig{
		Logger:        a.logger,
		Store:         a.store,
		Registry:      a.registry,
		CoreConfig:    coreConfig,
		WorkerID:      workerID,
		MaxConcurrent: maxConcurrent,
	})
	if err != nil {
		return fmt.Errorf("Failed to initialize dispatcher: %v", err)
	}
	a.dispatcher = dispatcher

	g, err := guard.NewGuard(&guard.Config{
		Logger:     a.logger,
		Store:      a.store,
		Dispatcher: a.dispatcher,
		CoreConfig: coreConfig,
	})
	if err != nil {
		return fmt.Errorf("Failed to initialize admission guard: %v", err)
	}
	a.guard = g

	sweeper, err := guard.NewSweeper(&guard.SweeperConfig{
		Logger:     a.logger,
		Store:      a.store,
		Dispatcher: a.dispatcher,
		CoreConfig: coreConfig,
		WorkerID:   workerID,
	})
	if err != nil {
		return fmt.Errorf("Failed to initialize reclaim sweeper: %v", err)
	}
	sweepCtx, sweepCancel := context.WithCancel(context.Background())
	a.sweepCancel = sweepCancel
	go sweeper.Run(sweepCtx)

	if err := a.setupKeepalive(); err != nil {
		return err
	}

	publisher, err := progress.NewPublisher(&progress.PublisherConfig{
		Logger:     a.logger,
		Store:      a.store,
		Registry:   a.registry,
		Keepalive:  a.keepalive,
		CoreConfig: coreConfig,
	})
	if err != nil {
		return fmt.Errorf("Failed to initialize progress publisher: %v", err)
	}
	a.publisher = publisher

	return nil
}

// setupKeepalive builds the session credential minter. Dev mode
// generates a throwaway signing key so session refresh works out of the
// box; outside dev mode an absent key disables minting.
func (a *Agent) setupKeepalive() error {
	conf := a.config.Session
	if conf == nil {
		conf = &SessionConfig{}
	}

	key := conf.SigningKey
	if key == "" {
		if !a.config.DevMode {
			a.logger.Warn("no session signing key configured, session refresh disabled")
			a.keepalive = nil
			return nil
		}
		key = uuid.Generate()
	}

	ka, err := progress.NewKeepalive(&progress.KeepaliveConfig{
		Logger:     a.logger,
		SigningKey: []byte(key),
		SessionTTL: conf.TTL,
		Issuer:     conf.Issuer,
	})
	if err != nil {
		return fmt.Errorf("Failed to initialize session keep-alive: %v", err)
	}
	a.keepalive = ka
	return nil
}

// Shutdown is used to terminate the agent.
func (a *Agent) Shutdown() error {
	a.shutdownLock.Lock()
	defer a.shutdownLock.Unlock()

	if a.shutdown {
		return nil
	}

	a.logger.Info("requesting shutdown")

	if a.sweepCancel != nil {
		a.sweepCancel()
	}

	if a.dispatcher != nil {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownDrainDeadline)
		defer cancel()
		if err := a.dispatcher.Shutdown(ctx); err != nil {
			a.logger.Error("dispatcher shutdown failed", "error", err)
		}
	}

	if a.resultStore != nil {
		if err := a.resultStore.Close(); err != nil {
			a.logger.Error("closing result store failed", "error", err)
		}
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.logger.Error("closing task store failed", "error", err)
		}
	}

	a.logger.Info("shutdown complete")
	a.shutdown = true
	close(a.shutdownCh)
	return nil
}

// Stats is used to return statistics for debugging and insight
// for various sub-systems
func (a *Agent) Stats() map[string]map[string]string {
	stats := map[string]map[string]string{
		"windlass": {
			"version": a.config.Version.VersionNumber(),
		},
		"worker": {
			"worker_id":      a.dispatcher.WorkerID(),
			"active_runners": strconv.Itoa(a.dispatcher.ActiveCount()),
		},
	}
	if a.config.Worker != nil && a.config.Worker.MaxConcurrent > 0 {
		stats["worker"]["max_concurrent"] = strconv.Itoa(a.config.Worker.MaxConcurrent)
	}
	if a.config.Store != nil {
		stats["store"] = map[string]string{
			"backend": a.config.Store.Backend,
		}
	}
	if a.gpuPool != nil {
		stats["worker"]["gpu_slots"] = strconv.Itoa(a.gpuPool.Slots())
	}
	return stats
}

// ShouldReload determines if we should reload the configuration and
// agent connections. Only the session signing material is dynamic; the
// stores and the pipeline registry require a restart.
func (a *Agent) ShouldReload(newConfig *Config) bool {
	a.configLock.Lock()
	defer a.configLock.Unlock()

	if newConfig == nil || newConfig.Session == nil {
		return false
	}

	cur := a.config.Session
	if cur == nil {
		cur = &SessionConfig{}
	}
	return cur.SigningKey != newConfig.Session.SigningKey ||
		cur.TTL != newConfig.Session.TTL ||
		cur.Issuer != newConfig.Session.Issuer
}

// Reload handles configuration changes for the agent. Provides a method
// that is easier to unit test, as this action is invoked via SIGHUP.
func (a *Agent) Reload(newConfig *Config) error {
	a.configLock.Lock()
	defer a.configLock.Unlock()

	if newConfig == nil || newConfig.Session == nil {
		return fmt.Errorf("cannot reload agent with nil configuration")
	}

	session := *newConfig.Session
	a.config.Session = &session

	if err := a.setupKeepalive(); err != nil {
		return err
	}

	// The publisher hands out refreshed credentials on the polling
	// path, so it follows the keepalive swap.
	publisher, err := progress.NewPublisher(&progress.PublisherConfig{
		Logger:     a.logger,
		Store:      a.store,
		Registry:   a.registry,
		Keepalive:  a.keepalive,
		CoreConfig: a.config.CoreConfig(),
	})
	if err != nil {
		return err
	}
	a.publisher = publisher

	a.logger.Info("rotated session signing material")
	return nil
}

// GetConfig creates a locked reference to the agent's config
func (a *Agent) GetConfig() *Config {
	a.configLock.Lock()
	defer a.configLock.Unlock()

	return a.config
}
