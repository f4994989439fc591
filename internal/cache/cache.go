// Package cache keeps the result set of the most recent scan together with
// its freshness timestamp, mirrored into a store.Store after every change.
package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/anstrom/freeip/internal/address"
	"github.com/anstrom/freeip/internal/logging"
	"github.com/anstrom/freeip/internal/metrics"
	"github.com/anstrom/freeip/internal/results"
	"github.com/anstrom/freeip/internal/store"
)

// Store keys.
const (
	KeyAddresses = "cached-ips"
	KeyTimestamp = "cache-time"
	KeyCompleted = "scan-completed"
)

// TTL is how long a scan result stays fresh.
const TTL = 24 * time.Hour

var ttlMillis = uint64(TTL.Milliseconds())

// Status tells a never-run cache apart from a scan that found nothing.
type Status int

const (
	NeverScanned Status = iota
	Empty
	HasResults
)

var statusNames = map[Status]string{
	NeverScanned: "never_scanned",
	Empty:        "empty",
	HasResults:   "has_results",
}

// String returns the snake_case name used in logs and JSON.
func (s Status) String() string {
	if name, ok := statusNames[s]; ok {
		return name
	}
	return "unknown"
}

// MarshalText implements encoding.TextMarshaler.
func (s Status) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *Status) UnmarshalText(text []byte) error {
	for status, name := range statusNames {
		if name == string(text) {
			*s = status
			return nil
		}
	}
	return fmt.Errorf("unknown cache status %q", text)
}

// NowMillis converts t to epoch milliseconds, the unit of every timestamp
// the cache stores.
func NowMillis(t time.Time) uint64 {
	ms := t.UnixMilli()
	if ms < 0 {
		return 0
	}
	return uint64(ms)
}

// Entry is a point-in-time copy of the cache.
type Entry struct {
	Addresses   []address.Address `json:"addresses"`
	LastUpdated uint64            `json:"last_updated"`
	Status      Status            `json:"status"`
	Expired     bool              `json:"expired"`
	// Completed is set once a scan has run to a successful exit and
	// cleared when the next scan starts.
	Completed bool `json:"completed"`
}

// Cache is the persisted result set. The zero lastUpdated together with
// an empty set and no completion flag means nothing was ever scanned.
type Cache struct {
	mu          sync.RWMutex
	results     *results.Set
	lastUpdated uint64
	completed   bool

	store   store.Store
	logger  *logging.Logger
	metrics metrics.Recorder
}

// New creates an empty cache persisting through st. Call Load to restore
// a previous run.
func New(st store.Store, logger *logging.Logger, recorder metrics.Recorder) *Cache {
	if logger == nil {
		logger = logging.Default()
	}
	if recorder == nil {
		recorder = metrics.Nop{}
	}
	return &Cache{
		results: results.New(),
		store:   st,
		logger:  logger.WithComponent("cache"),
		metrics: recorder,
	}
}

// Load restores the cache from the store. Any missing key or decode
// failure resets to the never-scanned state; Load itself never fails.
func (c *Cache) Load(ctx context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.results.Clear()
	c.lastUpdated = 0
	c.completed = false

	addrs, lastUpdated, completed, err := c.read(ctx)
	if err != nil {
		if !store.IsNotFound(err) {
			c.metrics.PersistenceError("load")
			c.logger.Warn("Discarding unreadable cache", "error", err)
		}
		return
	}

	c.results.Restore(addrs)
	c.lastUpdated = lastUpdated
	c.completed = completed

	c.logger.Debug("Cache loaded", "addresses", c.results.Len(), "last_updated", lastUpdated)
}

func (c *Cache) read(ctx context.Context) ([]address.Address, uint64, bool, error) {
	raw, err := c.store.Get(ctx, KeyAddresses)
	if err != nil {
		return nil, 0, false, err
	}
	var lines []string
	if err := json.Unmarshal([]byte(raw), &lines); err != nil {
		return nil, 0, false, err
	}

	addrs := make([]address.Address, 0, len(lines))
	for _, line := range lines {
		if a, ok := address.Classify(line); ok {
			addrs = append(addrs, a)
		}
	}

	lastUpdated, err := store.GetUint64(ctx, c.store, KeyTimestamp)
	if err != nil {
		return nil, 0, false, err
	}

	completed, err := store.GetBool(ctx, c.store, KeyCompleted)
	if err != nil && !store.IsNotFound(err) {
		return nil, 0, false, err
	}

	return addrs, lastUpdated, completed, nil
}

// RecordAddress inserts addr, stamps the cache with now and persists the
// list and timestamp. It reports whether addr was new.
func (c *Cache) RecordAddress(ctx context.Context, addr address.Address, now uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	added := c.results.InsertSorted(addr)
	c.lastUpdated = now

	c.persist(ctx, "record", c.writeAddresses, c.writeTimestamp)
	return added
}

// ResetForNewScan empties the cache and persists the empty state right
// away so stale results never look fresh after a crash mid-scan.
func (c *Cache) ResetForNewScan(ctx context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.results.Clear()
	c.lastUpdated = 0
	c.completed = false

	c.persist(ctx, "reset", c.writeAddresses, c.writeTimestamp, c.writeCompleted)
}

// MarkCompleted records that the probe ran to its natural end. A scan
// that found nothing is stamped with now so the empty answer is fresh.
func (c *Cache) MarkCompleted(ctx context.Context, now uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.completed = true
	if c.results.Len() == 0 {
		c.lastUpdated = now
		c.persist(ctx, "complete", c.writeTimestamp, c.writeCompleted)
		return
	}
	c.persist(ctx, "complete", c.writeCompleted)
}

// IsExpired reports whether more than TTL has passed since the last
// update. A timestamp in the future is treated as fresh.
func (c *Cache) IsExpired(now uint64) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.isExpired(now)
}

func (c *Cache) isExpired(now uint64) bool {
	if now < c.lastUpdated {
		return false
	}
	return now-c.lastUpdated > ttlMillis
}

// Status classifies the cache contents.
func (c *Cache) Status() Status {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.status()
}

func (c *Cache) status() Status {
	switch {
	case c.results.Len() > 0:
		return HasResults
	case c.completed:
		return Empty
	default:
		return NeverScanned
	}
}

// LastUpdated returns the epoch-millisecond timestamp of the last change.
func (c *Cache) LastUpdated() uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastUpdated
}

// Addresses returns a copy of the ordered result set.
func (c *Cache) Addresses() []address.Address {
	return c.results.Snapshot()
}

// Snapshot returns a consistent copy of the cache evaluated at now.
func (c *Cache) Snapshot(now uint64) Entry {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return Entry{
		Addresses:   c.results.Snapshot(),
		LastUpdated: c.lastUpdated,
		Status:      c.status(),
		Expired:     c.isExpired(now),
		Completed:   c.completed,
	}
}

type writeFunc func(ctx context.Context) error

// persist runs every write in order. Failures are logged and counted but
// never returned; a lost write costs a rescan after restart.
func (c *Cache) persist(ctx context.Context, operation string, writes ...writeFunc) {
	for _, write := range writes {
		if err := write(ctx); err != nil {
			c.metrics.PersistenceError(operation)
			c.logger.ErrorStore("Failed to persist cache", err, "operation", operation)
		}
	}
}

func (c *Cache) writeAddresses(ctx context.Context) error {
	raw, err := json.Marshal(address.Strings(c.results.Snapshot()))
	if err != nil {
		return err
	}
	return c.store.Set(ctx, KeyAddresses, string(raw))
}

func (c *Cache) writeTimestamp(ctx context.Context) error {
	return store.SetUint64(ctx, c.store, KeyTimestamp, c.lastUpdated)
}

func (c *Cache) writeCompleted(ctx context.Context) error {
	return store.SetBool(ctx, c.store, KeyCompleted, c.completed)
}
