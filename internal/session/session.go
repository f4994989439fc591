// Package session drives one probe run at a time: it owns the Idle and
// Scanning states, feeds probe output into the cache and tells observers
// about every change.
package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/anstrom/freeip/internal/address"
	"github.com/anstrom/freeip/internal/cache"
	"github.com/anstrom/freeip/internal/logging"
	"github.com/anstrom/freeip/internal/metrics"
	"github.com/anstrom/freeip/internal/probe"
)

const defaultStoreTimeout = 5 * time.Second

// State of a session.
type State int

const (
	Idle State = iota
	Scanning
)

// String returns the lowercase state name.
func (s State) String() string {
	if s == Scanning {
		return "scanning"
	}
	return "idle"
}

// MarshalText implements encoding.TextMarshaler.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *State) UnmarshalText(text []byte) error {
	switch string(text) {
	case "idle":
		*s = Idle
	case "scanning":
		*s = Scanning
	default:
		return fmt.Errorf("unknown session state %q", text)
	}
	return nil
}

// Update is what observers receive on every change. Results is a copy
// the observer may keep.
type Update struct {
	SessionID   string            `json:"session_id,omitempty"`
	Results     []address.Address `json:"results"`
	Loading     bool              `json:"loading"`
	Status      cache.Status      `json:"status"`
	LastUpdated uint64            `json:"last_updated"`
	Expired     bool              `json:"expired"`
	Completed   bool              `json:"completed"`
}

// Observer is notified once when loading starts, once per address read
// from the probe and once when loading ends. Calls are serialized and
// arrive in emission order. OnUpdate may call State, Snapshot and the
// unsubscribe function; it must not call Start or Cancel synchronously.
type Observer interface {
	OnUpdate(Update)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(Update)

// OnUpdate calls f(u).
func (f ObserverFunc) OnUpdate(u Update) {
	f(u)
}

// Config holds the optional collaborators of a Session.
type Config struct {
	// Env returns extra probe environment, evaluated at every start.
	Env func() []string

	// Clock defaults to time.Now.
	Clock func() time.Time

	// StoreTimeout bounds each cache write.
	StoreTimeout time.Duration

	Logger  *logging.Logger
	Metrics metrics.Recorder
}

type subscription struct {
	id       int
	observer Observer
}

// Session is the scan state machine. All methods are safe for concurrent use.
type Session struct {
	// mu guards the state transition, the cache mutations it implies and
	// the run bookkeeping below.
	mu         sync.Mutex
	state      State
	generation uint64
	proc       *probe.Process
	sessionID  string
	startedAt  time.Time

	// notifyMu serializes deliveries. It is always taken before mu and held
	// until the update built under mu has been delivered, so deliveries
	// follow the order of the transitions that produced them.
	notifyMu sync.Mutex

	observersMu sync.RWMutex
	observers   []subscription
	nextID      int

	loops sync.WaitGroup

	cache        *cache.Cache
	env          func() []string
	now          func() time.Time
	storeTimeout time.Duration
	logger       *logging.Logger
	metrics      metrics.Recorder
}

// New creates an idle session around c.
func New(c *cache.Cache, cfg Config) *Session {
	s := &Session{
		cache:        c,
		env:          cfg.Env,
		now:          cfg.Clock,
		storeTimeout: cfg.StoreTimeout,
		logger:       cfg.Logger,
		metrics:      cfg.Metrics,
	}
	if s.now == nil {
		s.now = time.Now
	}
	if s.storeTimeout <= 0 {
		s.storeTimeout = defaultStoreTimeout
	}
	if s.logger == nil {
		s.logger = logging.Default()
	}
	s.logger = s.logger.WithComponent("session")
	if s.metrics == nil {
		s.metrics = metrics.Nop{}
	}
	return s
}

// Start launches probePath and moves to Scanning. It returns false and
// changes nothing when a scan is already running or the probe cannot be
// launched.
func (s *Session) Start(probePath string) bool {
	if err := probe.CheckExecutable(probePath); err != nil {
		s.logger.Warn("Refusing to start scan", "error", err)
		return false
	}

	var env []string
	if s.env != nil {
		env = s.env()
	}

	s.notifyMu.Lock()
	s.mu.Lock()
	if s.state == Scanning {
		s.mu.Unlock()
		s.notifyMu.Unlock()
		s.logger.Debug("Scan already running")
		return false
	}

	id := uuid.NewString()
	logger := s.logger.WithSessionID(id)

	proc, err := probe.Start(context.Background(), probe.Config{
		Path:   probePath,
		Env:    env,
		Logger: logger,
	})
	if err != nil {
		s.mu.Unlock()
		s.notifyMu.Unlock()
		logger.ErrorProbe("Failed to launch probe", probePath, err)
		return false
	}

	s.state = Scanning
	s.generation++
	s.proc = proc
	s.sessionID = id
	s.startedAt = s.now()
	gen := s.generation

	ctx, cancel := s.storeContext()
	s.cache.ResetForNewScan(ctx)
	cancel()

	s.metrics.ScanStarted()
	logger.InfoProbe("Scan started", probePath, "pid", proc.Pid())

	s.loops.Add(1)
	go s.readLoop(gen, proc, logger)

	s.notifyLocked(true)
	return true
}

// readLoop records every address the probe prints, then waits for the
// probe to exit. Once the run is cancelled it stops touching the cache
// and emits nothing more.
func (s *Session) readLoop(gen uint64, proc *probe.Process, logger *logging.Logger) {
	defer s.loops.Done()

	for line := range proc.Lines() {
		addr, ok := address.Classify(line)
		if !ok {
			s.metrics.LineIgnored()
			continue
		}

		s.notifyMu.Lock()
		s.mu.Lock()
		if s.generation != gen {
			s.mu.Unlock()
			s.notifyMu.Unlock()
			break
		}
		ctx, cancel := s.storeContext()
		added := s.cache.RecordAddress(ctx, addr, cache.NowMillis(s.now()))
		cancel()
		if added {
			s.metrics.AddressDiscovered()
			logger.Debug("Free address found", "address", addr)
		}
		s.notifyLocked(true)
	}

	waitErr := proc.Wait()

	s.notifyMu.Lock()
	s.mu.Lock()
	if s.generation != gen || s.state != Scanning {
		s.mu.Unlock()
		s.notifyMu.Unlock()
		logger.Debug("Cancelled probe exited", "error", waitErr)
		return
	}

	status := metrics.StatusCompleted
	if waitErr != nil {
		status = metrics.StatusFailed
		logger.ErrorProbe("Probe exited with error", proc.Path(), waitErr)
	} else {
		ctx, cancel := s.storeContext()
		s.cache.MarkCompleted(ctx, cache.NowMillis(s.now()))
		cancel()
	}

	s.state = Idle
	s.proc = nil
	s.metrics.ScanFinished(status, s.now().Sub(s.startedAt))
	logger.Info("Scan finished", "status", status, "addresses", len(s.cache.Addresses()))

	s.notifyLocked(false)
}

// Cancel kills the running probe and returns to Idle without waiting for
// it to exit. Partial results stay in the cache. Cancel on an idle
// session does nothing.
func (s *Session) Cancel() {
	s.notifyMu.Lock()
	s.mu.Lock()
	if s.state != Scanning {
		s.mu.Unlock()
		s.notifyMu.Unlock()
		return
	}

	s.state = Idle
	s.generation++
	proc := s.proc
	s.proc = nil
	proc.Terminate()

	s.metrics.ScanFinished(metrics.StatusCancelled, s.now().Sub(s.startedAt))
	s.logger.WithSessionID(s.sessionID).Info("Scan cancelled", "addresses", len(s.cache.Addresses()))

	s.notifyLocked(false)
}

// State returns the current state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Snapshot returns the update an observer would receive right now.
func (s *Session) Snapshot() Update {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.updateLocked(s.state == Scanning)
}

// Subscribe registers o and returns a function that removes it.
func (s *Session) Subscribe(o Observer) (unsubscribe func()) {
	s.observersMu.Lock()
	defer s.observersMu.Unlock()

	s.nextID++
	id := s.nextID
	s.observers = append(s.observers, subscription{id: id, observer: o})

	var once sync.Once
	return func() {
		once.Do(func() {
			s.observersMu.Lock()
			defer s.observersMu.Unlock()
			for i, sub := range s.observers {
				if sub.id == id {
					s.observers = append(s.observers[:i:i], s.observers[i+1:]...)
					return
				}
			}
		})
	}
}

// Wait blocks until every read loop started so far has returned.
func (s *Session) Wait() {
	s.loops.Wait()
}

func (s *Session) updateLocked(loading bool) Update {
	entry := s.cache.Snapshot(cache.NowMillis(s.now()))
	return Update{
		SessionID:   s.sessionID,
		Results:     entry.Addresses,
		Loading:     loading,
		Status:      entry.Status,
		LastUpdated: entry.LastUpdated,
		Expired:     entry.Expired,
		Completed:   entry.Completed,
	}
}

// notifyLocked builds an update under mu, releases mu and delivers the
// update while still holding notifyMu. The caller holds both locks; both
// are released on return.
func (s *Session) notifyLocked(loading bool) {
	u := s.updateLocked(loading)
	s.mu.Unlock()
	defer s.notifyMu.Unlock()

	s.observersMu.RLock()
	subs := make([]subscription, len(s.observers))
	copy(subs, s.observers)
	s.observersMu.RUnlock()

	for _, sub := range subs {
		sub.observer.OnUpdate(u)
	}
}

func (s *Session) storeContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), s.storeTimeout)
}
