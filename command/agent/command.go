// Copyright (c) Opsis Labs, Inc.
// SPDX-License-Identifier: MPL-2.0

package agent

import (
	"flag"
	"fmt"
	"io"
	golog "log"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/hashicorp/cli"
	log "github.com/hashicorp/go-hclog"
	metrics "github.com/hashicorp/go-metrics"
	"github.com/hashicorp/go-metrics/prometheus"
	flaghelper "github.com/opsislabs/windlass/helper/flags"
	"github.com/opsislabs/windlass/helper/gatedwriter"
	"github.com/opsislabs/windlass/helper/logging"
	"github.com/opsislabs/windlass/version"
	"github.com/posener/complete"
)

// gracefulTimeout controls how long we wait before forcefully terminating.
// It must outlast the dispatcher's drain deadline so running analyses get
// their chance to checkpoint.
const gracefulTimeout = 45 * time.Second

// Command is a Command implementation that runs a Windlass agent.
// The command will not end unless a shutdown message is sent on the
// ShutdownCh. If two messages are sent on the ShutdownCh it will forcibly
// exit.
type Command struct {
	Version    *version.VersionInfo
	Ui         cli.Ui
	ShutdownCh <-chan struct{}

	args       []string
	agent      *Agent
	httpServer *HTTPServer
	logOutput  io.Writer
}

func (c *Command) readConfig() *Config {
	var dev bool
	var configPath []string

	// Make a new, empty config.
	cmdConfig := &Config{
		Ports:   &Ports{},
		Store:   &StoreConfig{},
		Results: &ResultsConfig{},
		Models:  &ModelsConfig{},
		Worker:  &WorkerConfig{},
		Session: &SessionConfig{},
	}

	flags := flag.NewFlagSet("agent", flag.ContinueOnError)
	flags.Usage = func() { c.Ui.Error(c.Help()) }

	// Development options
	flags.BoolVar(&dev, "dev", false, "")

	// General options
	flags.Var((*flaghelper.StringFlag)(&configPath), "config", "config")
	flags.StringVar(&cmdConfig.BindAddr, "bind", "", "")
	flags.StringVar(&cmdConfig.DataDir, "data-dir", "", "")
	flags.StringVar(&cmdConfig.NodeName, "node", "", "")
	flags.StringVar(&cmdConfig.LogLevel, "log-level", "", "")
	flags.BoolVar(&cmdConfig.LogJson, "log-json", false, "")
	flags.StringVar(&cmdConfig.Worker.ID, "worker-id", "", "")

	if err := flags.Parse(c.args); err != nil {
		return nil
	}

	// Load the configuration
	var config *Config
	if dev {
		config = DevConfig()
	} else {
		config = DefaultConfig()
	}

	for _, path := range configPath {
		current, err := LoadConfig(path)
		if err != nil {
			c.Ui.Error(fmt.Sprintf("Error loading configuration from %s: %s", path, err))
			return nil
		}

		if config == nil {
			config = current
		} else {
			config = config.Merge(current)
		}
	}

	// Merge any CLI options over config file options
	config = config.Merge(cmdConfig)

	// Set the version info
	config.Version = c.Version

	// Normalize binds, ports, addresses
	if err := config.normalizeAddrs(); err != nil {
		c.Ui.Error(err.Error())
		return nil
	}

	if !c.isValidConfig(config) {
		return nil
	}

	return config
}

func (c *Command) isValidConfig(config *Config) bool {
	if config.Ports.HTTP < 0 || config.Ports.HTTP > 65535 {
		c.Ui.Error(fmt.Sprintf("Invalid HTTP port: %d", config.Ports.HTTP))
		return false
	}

	switch config.Store.Backend {
	case "", "inmem", "redis":
	default:
		c.Ui.Error(fmt.Sprintf("Invalid task store backend: %q", config.Store.Backend))
		return false
	}

	switch config.Results.Backend {
	case "", "inmem", "postgres", "sqlite":
	default:
		c.Ui.Error(fmt.Sprintf("Invalid result store backend: %q", config.Results.Backend))
		return false
	}

	switch config.Models.Backend {
	case "", "inproc", "remote":
	default:
		c.Ui.Error(fmt.Sprintf("Invalid model backend: %q", config.Models.Backend))
		return false
	}

	if config.Results.Backend == "sqlite" && config.Results.Path == "" &&
		config.DataDir == "" && !config.DevMode {
		c.Ui.Error("Must specify data directory or an explicit sqlite path")
		return false
	}

	if config.Results.Backend == "postgres" && config.Results.DSN == "" {
		c.Ui.Error("Must specify a DSN for the postgres result store")
		return false
	}

	for class := range config.Policies {
		switch strings.ToUpper(class) {
		case "S", "M", "L", "XL":
		default:
			c.Ui.Error(fmt.Sprintf("Invalid duration class %q in policy block (expect s, m, l or xl)", class))
			return false
		}
	}

	if config.Worker.MaxConcurrent < 0 {
		c.Ui.Error(fmt.Sprintf("Invalid max_concurrent: %d", config.Worker.MaxConcurrent))
		return false
	}

	return true
}

// setupLoggers is used to set up the log gate and our log output
func (c *Command) setupLoggers(config *Config) (*gatedwriter.Writer, io.Writer) {
	// Setup logging. First create the gated log writer, which will
	// store logs until we're ready to show them. Then create the level
	// filter, filtering logs of the specified level.
	logGate := &gatedwriter.Writer{
		Writer: &cli.UiWriter{Ui: c.Ui},
	}

	if log.LevelFromString(config.LogLevel) == log.NoLevel {
		c.Ui.Error(fmt.Sprintf(
			"Invalid log level: %s. Valid log levels are: trace, debug, info, warn, error",
			config.LogLevel))
		return nil, nil
	}

	c.logOutput = logGate
	golog.SetOutput(logGate)
	return logGate, logGate
}

// setupAgent is used to start the agent and various interfaces
func (c *Command) setupAgent(config *Config, logger log.Logger, logOutput io.Writer, inmem *metrics.InmemSink) error {
	c.Ui.Output("Starting Windlass agent...")

	agent, err := NewAgent(config, logger, logOutput, inmem)
	if err != nil {
		// log the error as well, so it appears at the end
		logger.Error("error starting agent", "error", err)
		c.Ui.Error(fmt.Sprintf("Error starting agent: %s", err))
		return err
	}
	c.agent = agent

	// Setup the HTTP server
	http, err := NewHTTPServer(agent, config)
	if err != nil {
		agent.Shutdown()
		c.Ui.Error(fmt.Sprintf("Error starting http server: %s", err))
		return err
	}
	c.httpServer = http

	return nil
}

// setupTelemetry is used to set up the telemetry sub-systems.
func (c *Command) setupTelemetry(config *Config) (*metrics.InmemSink, error) {
	/* Setup telemetry
	Aggregate on 10 second intervals for 1 minute. Expose the
	metrics over stderr when there is a SIGUSR1 received.
	*/
	inm := metrics.NewInmemSink(10*time.Second, time.Minute)
	metrics.DefaultInmemSignal(inm)

	var telConfig *Telemetry
	if config.Telemetry == nil {
		telConfig = &Telemetry{}
	} else {
		telConfig = config.Telemetry
	}

	metricsConf := metrics.DefaultConfig("windlass")
	metricsConf.EnableHostname = !telConfig.DisableHostname
	if telConfig.UseNodeName {
		metricsConf.HostName = config.NodeName
		metricsConf.EnableHostname = true
	}

	// Configure the statsite sink
	var fanout metrics.FanoutSink
	if telConfig.StatsiteAddr != "" {
		sink, err := metrics.NewStatsiteSink(telConfig.StatsiteAddr)
		if err != nil {
			return inm, err
		}
		fanout = append(fanout, sink)
	}

	// Configure the statsd sink
	if telConfig.StatsdAddr != "" {
		sink, err := metrics.NewStatsdSink(telConfig.StatsdAddr)
		if err != nil {
			return inm, err
		}
		fanout = append(fanout, sink)
	}

	// Configure the prometheus sink
	if telConfig.PrometheusMetrics {
		promSink, err := prometheus.NewPrometheusSink()
		if err != nil {
			return inm, err
		}
		fanout = append(fanout, promSink)
	}

	// Initialize the global sink
	if len(fanout) > 0 {
		fanout = append(fanout, inm)
		metrics.NewGlobal(metricsConf, fanout)
	} else {
		metricsConf.EnableHostname = false
		metrics.NewGlobal(metricsConf, inm)
	}

	return inm, nil
}

func (c *Command) Run(args []string) int {
	c.Ui = &cli.PrefixedUi{
		OutputPrefix: "==> ",
		InfoPrefix:   "    ",
		ErrorPrefix:  "==> ",
		Ui:           c.Ui,
	}

	// Parse our configs
	c.args = args
	config := c.readConfig()
	if config == nil {
		return 1
	}

	// Setup the log outputs
	logGate, logOutput := c.setupLoggers(config)
	if logGate == nil {
		return 1
	}

	// Create logger
	logger := log.NewInterceptLogger(&log.LoggerOptions{
		Name:       "agent",
		Level:      log.LevelFromString(config.LogLevel),
		Output:     logOutput,
		JSONFormat: config.LogJson,
	})

	// Swap out UI implementation if json logging is enabled
	if config.LogJson {
		c.Ui = &logging.HcLogUI{Log: logger}
		// Don't buffer json logs because they aren't reordered anyway.
		logGate.Flush()
	}

	// Log config files
	if len(config.Files) > 0 {
		c.Ui.Output(fmt.Sprintf("Loaded configuration from %s", strings.Join(config.Files, ", ")))
	} else {
		c.Ui.Output("No configuration files loaded")
	}

	// Initialize the telemetry
	inmem, err := c.setupTelemetry(config)
	if err != nil {
		c.Ui.Error(fmt.Sprintf("Error initializing telemetry: %s", err))
		return 1
	}

	// Create the agent
	if err := c.setupAgent(config, logger, logOutput, inmem); err != nil {
		logGate.Flush()
		return 1
	}

	defer func() {
		c.agent.Shutdown()

		// Shutdown the http server at the end, to ease debugging if
		// the agent takes long to shutdown
		if c.httpServer != nil {
			c.httpServer.Shutdown()
		}
	}()

	// Compile agent information for output later
	info := map[string]string{
		"version":   config.Version.VersionNumber(),
		"worker id": c.agent.dispatcher.WorkerID(),
		"bind addr": config.normalizedAddrs.HTTP,
		"log level": config.LogLevel,
		"store":     config.Store.Backend,
		"results":   config.Results.Backend,
		"models":    config.Models.Backend,
	}

	// Sort the keys for output
	infoKeys := make([]string, 0, len(info))
	for key := range info {
		infoKeys = append(infoKeys, key)
	}
	sort.Strings(infoKeys)

	// Agent configuration output
	padding := 18
	c.Ui.Output("Windlass agent configuration:\n")
	for _, k := range infoKeys {
		c.Ui.Info(fmt.Sprintf(
			"%s%s: %s",
			strings.Repeat(" ", padding-len(k)),
			strings.ToUpper(k[:1])+k[1:],
			info[k]))
	}
	c.Ui.Output("")

	// Output the header that the agent has started
	c.Ui.Output("Windlass agent started! Log data will stream in below:\n")

	// Enable log streaming
	logGate.Flush()

	// Wait for exit
	return c.handleSignals()
}

// handleSignals blocks until we get an exit-causing signal
func (c *Command) handleSignals() int {
	signalCh := make(chan os.Signal, 4)
	signal.Notify(signalCh, os.Interrupt, syscall.SIGTERM, syscall.SIGHUP, syscall.SIGPIPE)

	// Wait for a signal
WAIT:
	var sig os.Signal
	select {
	case s := <-signalCh:
		sig = s
	case <-c.ShutdownCh:
		sig = os.Interrupt
	}

	// Skip any SIGPIPE signal and don't try to log it
	if sig == syscall.SIGPIPE {
		goto WAIT
	}

	c.Ui.Output(fmt.Sprintf("Caught signal: %v", sig))

	// Check if this is a SIGHUP
	if sig == syscall.SIGHUP {
		c.handleReload()
		goto WAIT
	}

	// Check if we should do a graceful leave
	graceful := false
	if sig == os.Interrupt || sig == syscall.SIGTERM {
		graceful = true
	}

	// Bail fast if not doing a graceful leave
	if !graceful {
		return 1
	}

	// Attempt a graceful leave
	gracefulCh := make(chan struct{})
	c.Ui.Output("Gracefully shutting down agent...")
	go func() {
		c.agent.Shutdown()
		close(gracefulCh)
	}()

	// Wait for leave or another signal
	select {
	case <-signalCh:
		return 1
	case <-time.After(gracefulTimeout):
		return 1
	case <-gracefulCh:
		return 0
	}
}

// handleReload is invoked when we should reload our configs, e.g. SIGHUP
func (c *Command) handleReload() {
	c.Ui.Output("Reloading configuration...")
	newConf := c.readConfig()
	if newConf == nil {
		c.Ui.Error("Failed to reload configs")
		return
	}

	if c.agent.ShouldReload(newConf) {
		c.agent.logger.Debug("starting reload of agent config")
		if err := c.agent.Reload(newConf); err != nil {
			c.agent.logger.Error("failed to reload the config", "error", err)
			return
		}
	}
}

func (c *Command) AutocompleteFlags() complete.Flags {
	configFilePredictor := complete.PredictOr(
		complete.PredictFiles("*.json"),
		complete.PredictFiles("*.hcl"))

	return map[string]complete.Predictor{
		"-dev":       complete.PredictNothing,
		"-config":    configFilePredictor,
		"-bind":      complete.PredictAnything,
		"-data-dir":  complete.PredictDirs("*"),
		"-node":      complete.PredictAnything,
		"-log-level": complete.PredictSet("TRACE", "DEBUG", "INFO", "WARN", "ERROR"),
		"-log-json":  complete.PredictNothing,
		"-worker-id": complete.PredictAnything,
	}
}

func (c *Command) AutocompleteArgs() complete.Predictor {
	return nil
}

func (c *Command) Name() string { return "agent" }

func (c *Command) Synopsis() string {
	return "Runs a Windlass agent"
}

func (c *Command) Help() string {
	helpText := `
Usage: windlass agent [options]

  Starts the Windlass agent and runs until an interrupt is received.
  The agent admits analysis tasks over HTTP, executes them on its
  worker pool and serves progress to pollers.

  The agent's configuration primarily comes from the config files used,
  but a subset of the options may also be passed directly as CLI
  arguments, listed below.

General Options:

  -bind=<addr>
    The address the agent will bind its HTTP listener to. The agent
    binds the loopback address by default.

  -config=<path>
    The path to either a single config file or a directory of config
    files to use for configuring the agent. This option may be
    specified multiple times. If multiple config files are used, the
    values from each will be merged together. During merging, values
    from files found later in the list are merged over values from
    previously parsed files.

  -data-dir=<path>
    The data directory where durable state is stored, such as the
    sqlite result database.

  -dev
    Start the agent in development mode. This enables a pre-configured
    agent with in-memory stores, in-process model stubs and a generated
    session signing key. As the name implies, do not run this mode in
    production.

  -log-level=<level>
    Specify the verbosity level of the agent's logs. Valid values
    include DEBUG, INFO, and WARN, in decreasing order of verbosity.
    The default is INFO.

  -log-json
    Output logs in a JSON format. The default is false.

  -node=<name>
    The name of the local agent. This name is used to identify the node
    in the metrics it emits. The default is the hostname of the machine.

  -worker-id=<id>
    The stable identity this worker uses when acquiring task leases.
    Generated from the node name when left unset.
`
	return strings.TrimSpace(helpText)
}
