// Package daemon provides the long-running freeip service. It opens the
// configured store, hosts one engine, serves the API and shuts everything
// down in order on SIGINT or SIGTERM.
package daemon

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/anstrom/freeip/internal/api"
	apihandlers "github.com/anstrom/freeip/internal/api/handlers"
	"github.com/anstrom/freeip/internal/config"
	"github.com/anstrom/freeip/internal/engine"
	"github.com/anstrom/freeip/internal/logging"
	"github.com/anstrom/freeip/internal/metrics"
	"github.com/anstrom/freeip/internal/store"
)

// Health check interval.
const healthCheckInterval = 30 * time.Second

// File permission constants.
const (
	DefaultDirPermissions  = 0o750
	DefaultFilePermissions = 0o600
)

// Daemon represents the main daemon process.
type Daemon struct {
	config    *config.Config
	root      *logging.Logger
	logger    *logging.Logger
	metrics   *metrics.PrometheusMetrics
	store     store.Store
	engine    *engine.Engine
	apiServer *api.Server
	pidFile   string

	ctx     context.Context
	cancel  context.CancelFunc
	done    chan struct{}
	apiErrs chan error

	mu      sync.RWMutex
	running bool
}

// New creates a new daemon instance.
func New(cfg *config.Config, logger *logging.Logger) *Daemon {
	if logger == nil {
		logger = logging.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())

	return &Daemon{
		config:  cfg,
		root:    logger,
		logger:  logger.WithComponent("daemon"),
		pidFile: cfg.Daemon.PIDFile,
		ctx:     ctx,
		cancel:  cancel,
		done:    make(chan struct{}),
		apiErrs: make(chan error, 1),
	}
}

// Start runs the daemon until SIGINT or SIGTERM.
func (d *Daemon) Start() error {
	d.setupSignalHandlers()
	return d.Run(context.Background())
}

// Run starts every component and blocks until ctx is canceled, Stop is
// called or the API server fails.
func (d *Daemon) Run(ctx context.Context) error {
	d.logger.InfoDaemon("Starting freeip daemon", "probe", d.config.Probe.Path)
	defer close(d.done)

	if err := d.config.Validate(); err != nil {
		return fmt.Errorf("configuration validation failed: %w", err)
	}

	stop := context.AfterFunc(ctx, d.cancel)
	defer stop()

	if err := d.createPIDFile(); err != nil {
		return fmt.Errorf("failed to create PID file: %w", err)
	}

	if err := d.initStore(); err != nil {
		d.cleanup()
		return fmt.Errorf("failed to open store: %w", err)
	}

	if err := d.initEngine(); err != nil {
		d.cleanup()
		return fmt.Errorf("failed to initialize engine: %w", err)
	}

	if err := d.initAPIServer(); err != nil {
		d.cleanup()
		return fmt.Errorf("failed to initialize API server: %w", err)
	}

	d.mu.Lock()
	d.running = true
	d.mu.Unlock()

	d.logger.InfoDaemon("Daemon started successfully", "pid", os.Getpid())
	err := d.run()
	d.cleanup()
	return err
}

// Stop asks a running daemon to shut down and waits for it, up to the
// configured shutdown timeout.
func (d *Daemon) Stop() error {
	d.logger.InfoDaemon("Stopping daemon")
	d.cancel()

	select {
	case <-d.done:
		d.logger.InfoDaemon("Daemon stopped gracefully")
		return nil
	case <-time.After(d.config.Daemon.ShutdownTimeout):
		return fmt.Errorf("daemon did not stop within %s", d.config.Daemon.ShutdownTimeout)
	}
}

// createPIDFile creates the PID file.
func (d *Daemon) createPIDFile() error {
	if d.pidFile == "" {
		return nil
	}

	dir := filepath.Dir(d.pidFile)
	if err := os.MkdirAll(dir, DefaultDirPermissions); err != nil {
		return fmt.Errorf("failed to create PID file directory: %w", err)
	}

	if err := d.checkExistingPID(); err != nil {
		return err
	}

	pid := os.Getpid()
	if err := os.WriteFile(d.pidFile, []byte(strconv.Itoa(pid)), DefaultFilePermissions); err != nil {
		return fmt.Errorf("failed to write PID file: %w", err)
	}

	d.logger.InfoDaemon("Created PID file", "path", d.pidFile, "pid", pid)
	return nil
}

// checkExistingPID fails when the PID file names a live process and
// removes it otherwise.
func (d *Daemon) checkExistingPID() error {
	data, err := os.ReadFile(d.pidFile)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read existing PID file: %w", err)
	}

	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err == nil && pid != os.Getpid() && isProcessRunning(pid) {
		return fmt.Errorf("daemon already running with PID %d", pid)
	}

	d.logger.Warn("Removing stale PID file", "path", d.pidFile)
	_ = os.Remove(d.pidFile)
	return nil
}

// isProcessRunning checks if a process with the given PID is running.
func isProcessRunning(pid int) bool {
	if pid <= 0 {
		return false
	}
	process, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return process.Signal(syscall.Signal(0)) == nil
}

// setupSignalHandlers maps SIGINT and SIGTERM to shutdown, SIGUSR1 to a
// status dump and SIGUSR2 to a scan request.
func (d *Daemon) setupSignalHandlers() {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGTERM, syscall.SIGINT, syscall.SIGUSR1, syscall.SIGUSR2)

	go func() {
		defer signal.Stop(sigChan)
		for {
			select {
			case <-d.ctx.Done():
				return
			case sig := <-sigChan:
				d.logger.InfoDaemon("Received signal", "signal", sig.String())
				switch sig {
				case syscall.SIGTERM, syscall.SIGINT:
					d.cancel()
					return
				case syscall.SIGUSR1:
					d.dumpStatus()
				case syscall.SIGUSR2:
					d.requestScan("signal")
				}
			}
		}
	}()
}

// initStore opens the configured store backend.
func (d *Daemon) initStore() error {
	opts := d.config.StoreOptions()
	d.logger.InfoDaemon("Opening store", "backend", opts.Backend)

	st, err := store.Open(d.ctx, opts)
	if err != nil {
		return err
	}
	d.store = st
	return nil
}

// initEngine restores the cache and builds the engine, with Prometheus
// collectors when metrics are enabled.
func (d *Daemon) initEngine() error {
	var recorder metrics.Recorder = metrics.Nop{}
	if d.config.Metrics.Enabled {
		d.metrics = metrics.NewPrometheusMetrics()
		recorder = d.metrics
	}

	eng, err := engine.New(d.ctx, engine.Options{
		ProbePath:    d.config.Probe.Path,
		Store:        d.store,
		PassSettings: d.config.Probe.PassSettings,
		StoreTimeout: d.config.Store.Timeout,
		Logger:       d.root,
		Metrics:      recorder,
	})
	if err != nil {
		return err
	}
	d.mu.Lock()
	d.engine = eng
	d.mu.Unlock()
	return nil
}

// initAPIServer initializes the API server.
func (d *Daemon) initAPIServer() error {
	if !d.config.API.Enabled {
		d.logger.InfoDaemon("API server disabled, skipping initialization")
		return nil
	}

	opts := api.Options{
		Engine:  d.engine,
		Metrics: d.metrics,
		Logger:  d.root,
	}
	if pinger, ok := d.store.(apihandlers.Pinger); ok {
		opts.Store = pinger
	}

	apiServer, err := api.New(d.config, opts)
	if err != nil {
		return fmt.Errorf("API server creation failed: %w", err)
	}
	d.apiServer = apiServer
	return nil
}

// run executes the main daemon loop.
func (d *Daemon) run() error {
	if d.apiServer != nil {
		go func() {
			if err := d.apiServer.Start(d.ctx); err != nil {
				d.apiErrs <- err
			}
		}()
	}

	if d.metrics != nil && d.config.Metrics.UpdateInterval > 0 {
		go d.metrics.StartPeriodicUpdates(d.ctx, d.config.Metrics.UpdateInterval)
	}

	if d.config.Daemon.ScanOnStart {
		d.requestScan("startup")
	}

	ticker := time.NewTicker(healthCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-d.ctx.Done():
			d.logger.InfoDaemon("Shutdown signal received")
			return nil
		case err := <-d.apiErrs:
			d.logger.ErrorDaemon("API server failed", err)
			return err
		case <-ticker.C:
			d.performHealthCheck()
		}
	}
}

// requestScan starts a scan on behalf of the daemon itself.
func (d *Daemon) requestScan(trigger string) {
	eng := d.Engine()
	if eng == nil {
		return
	}
	if eng.RequestScan() {
		d.logger.InfoDaemon("Scan started", "trigger", trigger)
	} else {
		d.logger.Warn("Scan request refused", "trigger", trigger, "state", eng.State())
	}
}

// performHealthCheck pings stores that hold a connection.
func (d *Daemon) performHealthCheck() {
	pinger, ok := d.store.(apihandlers.Pinger)
	if !ok {
		return
	}
	ctx, cancel := context.WithTimeout(d.ctx, d.config.Store.Timeout)
	defer cancel()
	if err := pinger.Ping(ctx); err != nil {
		d.logger.ErrorDaemon("Store health check failed", err)
	}
}

// cleanup stops the API server, then the engine (which closes the store),
// then removes the PID file.
func (d *Daemon) cleanup() {
	d.mu.Lock()
	d.running = false
	d.mu.Unlock()
	d.cancel()

	if d.apiServer != nil {
		// Start returns through Stop when d.ctx ends; this covers a server
		// that never started.
		_ = d.apiServer.Stop()
	}

	ctx, cancel := context.WithTimeout(context.Background(), d.config.Daemon.ShutdownTimeout)
	defer cancel()
	if d.engine != nil {
		if err := d.engine.Shutdown(ctx); err != nil {
			d.logger.ErrorDaemon("Engine shutdown failed", err)
		}
	} else if d.store != nil {
		if err := d.store.Close(); err != nil {
			d.logger.ErrorDaemon("Store close failed", err)
		}
	}

	if d.pidFile != "" {
		if err := os.Remove(d.pidFile); err != nil && !os.IsNotExist(err) {
			d.logger.ErrorDaemon("Error removing PID file", err, "path", d.pidFile)
		}
	}

	d.logger.InfoDaemon("Cleanup completed")
}

// dumpStatus logs the daemon status.
func (d *Daemon) dumpStatus() {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	fields := []any{
		"pid", os.Getpid(),
		"goroutines", runtime.NumGoroutine(),
		"alloc_kb", m.Alloc / 1024,
		"sys_kb", m.Sys / 1024,
		"num_gc", m.NumGC,
		"store_backend", d.config.Store.Backend,
	}
	if eng := d.Engine(); eng != nil {
		snap := eng.Snapshot()
		fields = append(fields,
			"scan_state", eng.State(),
			"cache_status", snap.Status,
			"cached_addresses", len(snap.Results),
			"expired", snap.Expired)
	}
	if d.apiServer != nil {
		fields = append(fields,
			"api_address", d.apiServer.GetAddress(),
			"websocket_clients", d.apiServer.WebSocketClients())
	}
	d.logger.InfoDaemon("Daemon status", fields...)
}

// GetPID returns the daemon's PID.
func (d *Daemon) GetPID() int {
	return os.Getpid()
}

// IsRunning reports whether Run has started every component and not yet
// begun shutting down.
func (d *Daemon) IsRunning() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.running
}

// Engine returns the hosted engine, nil before Run has initialized it.
func (d *Daemon) Engine() *engine.Engine {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.engine
}

// GetConfig returns the daemon configuration.
func (d *Daemon) GetConfig() *config.Config {
	return d.config
}
