// Package results holds the ordered, deduplicated set of free addresses
// discovered during a scan.
package results

import (
	"sort"
	"sync"

	"github.com/anstrom/freeip/internal/address"
)

// Set is an ordered collection of unique addresses sorted ascending by
// last octet. Entries sharing a last octet keep lower-bound insertion
// order: a newcomer lands before the first equal entry.
type Set struct {
	mu      sync.RWMutex
	entries []address.Address
}

// New creates a set seeded with addrs, which are inserted one at a time.
func New(addrs ...address.Address) *Set {
	s := &Set{}
	for _, a := range addrs {
		s.InsertSorted(a)
	}
	return s
}

// InsertSorted adds addr at its lower-bound position. It reports false
// and leaves the set untouched when addr is already present.
func (s *Set) InsertSorted(addr address.Address) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, existing := range s.entries {
		if existing == addr {
			return false
		}
	}

	key := addr.LastOctet()
	idx := sort.Search(len(s.entries), func(i int) bool {
		return s.entries[i].LastOctet() >= key
	})

	s.entries = append(s.entries, "")
	copy(s.entries[idx+1:], s.entries[idx:])
	s.entries[idx] = addr
	return true
}

// Restore replaces the entries with a previously saved snapshot. The
// addresses are inserted last to first, which reproduces a sorted
// snapshot exactly, ties included, and still sorts and deduplicates a
// list that was edited by hand.
func (s *Set) Restore(addrs []address.Address) {
	s.Clear()
	for i := len(addrs) - 1; i >= 0; i-- {
		s.InsertSorted(addrs[i])
	}
}

// Clear discards all entries.
func (s *Set) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = nil
}

// Snapshot returns a copy of the entries that callers may keep.
func (s *Set) Snapshot() []address.Address {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]address.Address, len(s.entries))
	copy(out, s.entries)
	return out
}

// Len returns the number of entries.
func (s *Set) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

// Contains reports whether addr is in the set.
func (s *Set) Contains(addr address.Address) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, existing := range s.entries {
		if existing == addr {
			return true
		}
	}
	return false
}
