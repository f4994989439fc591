// Package metrics provides interfaces for metrics collection and monitoring.
package metrics

import "time"

// Scan outcome labels for Recorder.ScanFinished.
const (
	StatusCompleted = "completed"
	StatusCancelled = "cancelled"
	StatusFailed    = "failed"
)

// Recorder receives engine events worth counting. The session and cache
// depend on this interface rather than on Prometheus so embedders can
// pass Nop.
type Recorder interface {
	// ScanStarted marks a probe run as active.
	ScanStarted()

	// ScanFinished records the outcome and wall time of a probe run.
	ScanFinished(status string, duration time.Duration)

	// AddressDiscovered counts an address newly added to the result set.
	AddressDiscovered()

	// LineIgnored counts probe output that was not an address.
	LineIgnored()

	// PersistenceError counts a swallowed store failure.
	PersistenceError(operation string)
}

// Nop discards everything.
type Nop struct{}

func (Nop) ScanStarted()                       {}
func (Nop) ScanFinished(string, time.Duration) {}
func (Nop) AddressDiscovered()                 {}
func (Nop) LineIgnored()                       {}
func (Nop) PersistenceError(string)            {}

// Ensure that both implementations satisfy Recorder.
var (
	_ Recorder = Nop{}
	_ Recorder = (*PrometheusMetrics)(nil)
)
