// Package daemon implements the rom daemon lifecycle manager.
package daemon

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"go.uber.org/multierr"

	"firestige.xyz/rom/internal/command"
	"firestige.xyz/rom/internal/config"
	"firestige.xyz/rom/internal/engine"
	"firestige.xyz/rom/internal/eventbus"
	"firestige.xyz/rom/internal/log"
	"firestige.xyz/rom/internal/metrics"
	"firestige.xyz/rom/internal/reporter/kafka"
	"firestige.xyz/rom/internal/whitelist"
)

// Daemon manages the rom daemon process lifecycle.
type Daemon struct {
	config     *config.GlobalConfig
	configPath string
	socketPath string
	pidFile    string
	ifaces     whitelist.InterfaceSource

	bus           *eventbus.InMemoryEventBus
	engine        *engine.Engine
	udsServer     *command.UDSServer
	metricsServer *metrics.Server // nil if metrics disabled
	reporters     []*kafka.Reporter
	reporterSubs  []eventbus.Subscription

	ctx          context.Context
	cancel       context.CancelFunc
	shutdownChan chan struct{}
	sigChan      chan os.Signal
	stopped      bool
}

// Option customises a Daemon.
type Option func(*Daemon)

// WithInterfaceSource replaces the system interface enumeration used to
// build the whitelist.
func WithInterfaceSource(src whitelist.InterfaceSource) Option {
	return func(d *Daemon) { d.ifaces = src }
}

// New loads the configuration at configPath. Non-empty socketPath and
// pidFile override the configured control paths.
func New(configPath, socketPath, pidFile string, opts ...Option) (*Daemon, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return newDaemon(cfg, configPath, socketPath, pidFile, opts...), nil
}

func newDaemon(cfg *config.GlobalConfig, configPath, socketPath, pidFile string, opts ...Option) *Daemon {
	if socketPath == "" {
		socketPath = cfg.Control.Socket
	}
	if pidFile == "" {
		pidFile = cfg.Control.PIDFile
	}
	d := &Daemon{
		config:       cfg,
		configPath:   configPath,
		socketPath:   socketPath,
		pidFile:      pidFile,
		shutdownChan: make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(d)
	}
	d.ctx, d.cancel = context.WithCancel(context.Background())
	return d
}

// Start initializes and starts all daemon components. On failure the
// components already started are stopped again.
func (d *Daemon) Start() (err error) {
	defer func() {
		if err != nil {
			if stopErr := d.Stop(); stopErr != nil {
				log.GetLogger().WithError(stopErr).Warn("cleanup after failed start")
			}
		}
	}()

	// 1. Logging
	if err := d.initLogging(); err != nil {
		return fmt.Errorf("failed to initialize logging: %w", err)
	}
	log.GetLogger().WithFields(map[string]interface{}{
		"hostname": d.config.Node.Hostname,
		"config":   d.configPath,
		"socket":   d.socketPath,
	}).Info("starting rom daemon")

	// 2. PID file
	if err := d.writePIDFile(); err != nil {
		return fmt.Errorf("failed to write PID file: %w", err)
	}

	// 3. Metrics
	if err := d.startMetrics(); err != nil {
		return fmt.Errorf("failed to start metrics server: %w", err)
	}

	// 4. Forwarding core
	wcfg, err := d.config.WhitelistConfig()
	if err != nil {
		return err
	}
	wl, err := whitelist.Build(wcfg, d.ifaces)
	if err != nil {
		return fmt.Errorf("failed to build whitelist: %w", err)
	}
	ecfg, err := d.config.EngineConfig()
	if err != nil {
		return err
	}
	d.bus = eventbus.NewInMemoryEventBus(d.config.EventBus.Partitions, d.config.EventBus.QueueSize)
	d.engine = engine.New(ecfg, wl, eventbus.NewNotifier(d.bus))
	log.GetLogger().WithFields(map[string]interface{}{
		"whitelist": len(wl.Entries()),
		"gateway":   ecfg.Gateway,
		"feedback":  ecfg.Feedback.Enabled,
	}).Info("forwarding engine ready")

	// 5. Notification reporters
	if err := d.startReporters(); err != nil {
		return err
	}

	// 6. Control socket
	handler := command.NewCommandHandler(d.engine)
	d.udsServer = command.NewUDSServer(d.socketPath, handler, d.bus,
		command.WithOutboundBuffer(d.config.Control.OutboundBuffer))
	if err := d.udsServer.Start(d.ctx); err != nil {
		return fmt.Errorf("failed to start control socket: %w", err)
	}

	log.GetLogger().Info("daemon started successfully")
	return nil
}

// Stop performs graceful shutdown of all daemon components. It is safe to
// call more than once.
func (d *Daemon) Stop() error {
	if d.stopped {
		return nil
	}
	d.stopped = true
	logger := log.GetLogger()
	logger.Info("initiating graceful shutdown")

	var errs error

	// 1. No new control requests
	if d.udsServer != nil {
		errs = multierr.Append(errs, d.udsServer.Stop())
	}

	// 2. Queued packets are discarded
	if d.engine != nil {
		d.engine.Close()
	}

	// 3. Drain the bus before closing the reporters it feeds
	for _, sub := range d.reporterSubs {
		d.bus.Unsubscribe(sub)
	}
	if d.bus != nil {
		errs = multierr.Append(errs, d.bus.Close())
	}
	for _, r := range d.reporters {
		errs = multierr.Append(errs, r.Close())
	}

	// 4. Metrics
	if d.metricsServer != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		errs = multierr.Append(errs, d.metricsServer.Stop(shutdownCtx))
		cancel()
	}

	d.cancel()
	if d.sigChan != nil {
		signal.Stop(d.sigChan)
	}
	errs = multierr.Append(errs, d.removePIDFile())

	if errs != nil {
		logger.WithError(errs).Error("daemon stopped with errors")
		return errs
	}
	logger.Info("daemon stopped gracefully")
	return nil
}

// Run blocks until shutdown is triggered by SIGTERM/SIGINT, TriggerShutdown
// or Shutdown. SIGHUP reloads the configuration.
func (d *Daemon) Run() error {
	d.sigChan = make(chan os.Signal, 1)
	signal.Notify(d.sigChan, syscall.SIGTERM, syscall.SIGINT, syscall.SIGHUP)

	log.GetLogger().Info("daemon running, waiting for signals")

	for {
		select {
		case sig := <-d.sigChan:
			switch sig {
			case syscall.SIGTERM, syscall.SIGINT:
				log.GetLogger().WithField("signal", sig.String()).Info("received shutdown signal")
				return d.Stop()
			case syscall.SIGHUP:
				if err := d.Reload(); err != nil {
					log.GetLogger().WithError(err).Error("failed to reload config")
				}
			}

		case <-d.shutdownChan:
			log.GetLogger().Info("shutdown triggered")
			return d.Stop()

		case <-d.ctx.Done():
			log.GetLogger().WithError(d.ctx.Err()).Info("context cancelled")
			_ = d.Stop()
			return d.ctx.Err()
		}
	}
}

// Reload re-reads the configuration file.
// Hot-reloadable: log settings, node.gateway.
// Everything else requires a restart and is only reported.
func (d *Daemon) Reload() error {
	log.GetLogger().WithField("path", d.configPath).Info("reloading configuration")

	newConfig, err := config.Load(d.configPath)
	if err != nil {
		return fmt.Errorf("failed to load new config: %w", err)
	}
	old := d.config

	hotReloaded := []string{}
	if err := log.Init(&newConfig.Log); err != nil {
		log.GetLogger().WithError(err).Error("failed to reinitialize logging")
		newConfig.Log = old.Log
	} else if newConfig.Log != old.Log {
		hotReloaded = append(hotReloaded, "log")
	}

	if newConfig.Node.Gateway != old.Node.Gateway && d.engine != nil {
		d.engine.SetGateway(newConfig.Node.Gateway)
		hotReloaded = append(hotReloaded, "node.gateway")
	}

	requiresRestart := []string{}
	if newConfig.Node.Hostname != old.Node.Hostname {
		requiresRestart = append(requiresRestart, "node.hostname")
	}
	if fmt.Sprint(newConfig.Whitelist) != fmt.Sprint(old.Whitelist) {
		requiresRestart = append(requiresRestart, "whitelist")
	}
	if newConfig.Routes != old.Routes {
		requiresRestart = append(requiresRestart, "routes")
	}
	if newConfig.Queue != old.Queue {
		requiresRestart = append(requiresRestart, "queue")
	}
	if newConfig.Feedback != old.Feedback {
		requiresRestart = append(requiresRestart, "feedback")
	}
	if newConfig.Control != old.Control {
		requiresRestart = append(requiresRestart, "control")
	}
	if newConfig.Metrics != old.Metrics {
		requiresRestart = append(requiresRestart, "metrics")
	}
	if fmt.Sprint(newConfig.Reporters, newConfig.Kafka) != fmt.Sprint(old.Reporters, old.Kafka) {
		requiresRestart = append(requiresRestart, "reporters")
	}

	d.config = newConfig
	log.GetLogger().WithFields(map[string]interface{}{
		"hot_reloaded":     hotReloaded,
		"requires_restart": requiresRestart,
	}).Info("configuration reloaded")
	return nil
}

// TriggerShutdown asks Run to stop the daemon.
func (d *Daemon) TriggerShutdown() {
	select {
	case d.shutdownChan <- struct{}{}:
	default:
	}
}

// Engine returns the forwarding engine. It is nil before Start.
func (d *Daemon) Engine() *engine.Engine {
	return d.engine
}

// Config returns the active configuration.
func (d *Daemon) Config() *config.GlobalConfig {
	return d.config
}

// SocketPath returns the control socket path.
func (d *Daemon) SocketPath() string {
	return d.socketPath
}

func (d *Daemon) initLogging() error {
	if err := log.Init(&d.config.Log); err != nil {
		return err
	}
	log.GetLogger().WithFields(map[string]interface{}{
		"level":  d.config.Log.Level,
		"format": d.config.Log.Format,
	}).Debug("logging initialized")
	return nil
}

// startReporters subscribes every configured reporter to the notification
// bus. A reporter that cannot be built fails the start.
func (d *Daemon) startReporters() error {
	for i, rc := range d.config.Reporters {
		kcfg, err := kafka.ParseConfig(rc.Options)
		if err != nil {
			return fmt.Errorf("reporters[%d]: %w", i, err)
		}
		r, err := kafka.New(kcfg)
		if err != nil {
			return fmt.Errorf("reporters[%d]: %w", i, err)
		}
		d.reporters = append(d.reporters, r)
		sub, err := eventbus.SubscribeNotifications(d.bus, r.Handle)
		if err != nil {
			return fmt.Errorf("reporters[%d]: subscribe: %w", i, err)
		}
		d.reporterSubs = append(d.reporterSubs, sub)
		log.GetLogger().WithFields(map[string]interface{}{
			"type":    rc.Type,
			"topic":   kcfg.Topic,
			"brokers": kcfg.Brokers,
		}).Info("notification reporter started")
	}
	return nil
}

func (d *Daemon) startMetrics() error {
	if !d.config.Metrics.Enabled {
		log.GetLogger().Info("metrics server disabled")
		return nil
	}
	d.metricsServer = metrics.NewServer(d.config.Metrics.Listen, d.config.Metrics.Path)
	return d.metricsServer.Start(d.ctx)
}

func (d *Daemon) writePIDFile() error {
	if d.pidFile == "" {
		return nil
	}
	pid := os.Getpid()
	if err := os.WriteFile(d.pidFile, []byte(strconv.Itoa(pid)+"\n"), 0644); err != nil {
		return fmt.Errorf("failed to write PID file %s: %w", d.pidFile, err)
	}
	log.GetLogger().WithField("path", d.pidFile).WithField("pid", pid).Debug("PID file written")
	return nil
}

func (d *Daemon) removePIDFile() error {
	if d.pidFile == "" {
		return nil
	}
	if err := os.Remove(d.pidFile); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove PID file %s: %w", d.pidFile, err)
	}
	return nil
}
