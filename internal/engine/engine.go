// Package engine wires the probe, cache, session and settings into the
// three commands presentation layers use: RequestScan, CancelScan and
// Snapshot.
package engine

import (
	"context"
	"sync"
	"time"

	"github.com/anstrom/freeip/internal/cache"
	"github.com/anstrom/freeip/internal/errors"
	"github.com/anstrom/freeip/internal/logging"
	"github.com/anstrom/freeip/internal/metrics"
	"github.com/anstrom/freeip/internal/session"
	"github.com/anstrom/freeip/internal/settings"
	"github.com/anstrom/freeip/internal/store"
)

// Options configures an Engine. Store is required; the engine closes it
// on Shutdown.
type Options struct {
	ProbePath string
	Store     store.Store

	// PassSettings exports the stored range settings to the probe as
	// FREEIP_* environment variables.
	PassSettings bool

	StoreTimeout time.Duration
	Clock        func() time.Time
	Logger       *logging.Logger
	Metrics      metrics.Recorder
}

// Engine owns one session and its cache for the lifetime of the process
// embedding it.
type Engine struct {
	probePath string
	store     store.Store
	cache     *cache.Cache
	session   *session.Session
	settings  *settings.Service
	logger    *logging.Logger

	mu     sync.RWMutex
	closed bool
}

// New restores the cache from opts.Store and returns an idle engine.
func New(ctx context.Context, opts Options) (*Engine, error) {
	if opts.Store == nil {
		return nil, errors.ErrConfigMissing("store")
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.Default()
	}
	recorder := opts.Metrics
	if recorder == nil {
		recorder = metrics.Nop{}
	}

	c := cache.New(opts.Store, logger, recorder)
	c.Load(ctx)

	e := &Engine{
		probePath: opts.ProbePath,
		store:     opts.Store,
		cache:     c,
		settings:  settings.NewService(opts.Store, logger),
		logger:    logger.WithComponent("engine"),
	}

	cfg := session.Config{
		Clock:        opts.Clock,
		StoreTimeout: opts.StoreTimeout,
		Logger:       logger,
		Metrics:      recorder,
	}
	if opts.PassSettings {
		cfg.Env = func() []string {
			envCtx, cancel := context.WithTimeout(context.Background(), storeTimeout(opts.StoreTimeout))
			defer cancel()
			return e.settings.Env(envCtx)
		}
	}
	e.session = session.New(c, cfg)

	e.logger.Info("Engine ready",
		"probe", opts.ProbePath,
		"cache_status", c.Status(),
		"cached_addresses", len(c.Addresses()))
	return e, nil
}

func storeTimeout(d time.Duration) time.Duration {
	if d <= 0 {
		return 5 * time.Second
	}
	return d
}

// RequestScan starts a scan with the configured probe. It reports false
// when a scan is already running, the probe cannot be launched or the
// engine has been shut down.
func (e *Engine) RequestScan() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.closed {
		return false
	}
	return e.session.Start(e.probePath)
}

// CancelScan stops the running scan, keeping partial results.
func (e *Engine) CancelScan() {
	e.session.Cancel()
}

// Snapshot returns the current results and loading flag.
func (e *Engine) Snapshot() session.Update {
	return e.session.Snapshot()
}

// State returns the session state.
func (e *Engine) State() session.State {
	return e.session.State()
}

// Subscribe registers an observer for every update.
func (e *Engine) Subscribe(o session.Observer) func() {
	return e.session.Subscribe(o)
}

// Wait blocks until the current scan, if any, has finished.
func (e *Engine) Wait() {
	e.session.Wait()
}

// Settings returns the range settings service sharing the engine's store.
func (e *Engine) Settings() *settings.Service {
	return e.settings
}

// ProbePath returns the probe executable the engine launches.
func (e *Engine) ProbePath() string {
	return e.probePath
}

// Shutdown cancels any running scan, waits for its read loop to finish
// or ctx to expire, and closes the store. Later calls do nothing.
func (e *Engine) Shutdown(ctx context.Context) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	e.mu.Unlock()

	e.session.Cancel()

	done := make(chan struct{})
	go func() {
		e.session.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		e.logger.Warn("Shutdown timed out waiting for scan to stop")
		return ctx.Err()
	}

	if err := e.store.Close(); err != nil {
		return errors.WrapStoreError(errors.CodePersistence, "close", "", err)
	}
	e.logger.Info("Engine stopped")
	return nil
}
