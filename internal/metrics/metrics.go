// Package metrics is the process-wide metrics seam. Core code records through
// the helpers below; the concrete Backend (Datadog, or nothing) is chosen by
// the command at startup.
package metrics

import (
	"sync"
	"time"
)

// Metric names understood by the backends.
const (
	RuleTotal           = "validation_rule_total"
	RuleDurationSeconds = "validation_rule_duration_seconds"
	RowsTotal           = "validation_rows_total"
	BatchesTotal        = "validation_batches_total"
)

// Labels are metric dimensions.
type Labels map[string]string

// Backend receives metric samples. Implementations must be safe for
// concurrent use.
type Backend interface {
	IncCounter(name string, delta float64, labels Labels)
	ObserveHistogram(name string, value float64, labels Labels)
	Flush() error
}

type nopBackend struct{}

func (nopBackend) IncCounter(string, float64, Labels)       {}
func (nopBackend) ObserveHistogram(string, float64, Labels) {}
func (nopBackend) Flush() error                             { return nil }

var (
	mu      sync.RWMutex
	backend Backend = nopBackend{}
)

// SetBackend installs b. A nil b restores the no-op backend.
func SetBackend(b Backend) {
	mu.Lock()
	defer mu.Unlock()
	if b == nil {
		b = nopBackend{}
	}
	backend = b
}

func current() Backend {
	mu.RLock()
	defer mu.RUnlock()
	return backend
}

// IncCounter forwards to the installed backend.
func IncCounter(name string, delta float64, labels Labels) {
	current().IncCounter(name, delta, labels)
}

// ObserveHistogram forwards to the installed backend.
func ObserveHistogram(name string, value float64, labels Labels) {
	current().ObserveHistogram(name, value, labels)
}

// Flush flushes the installed backend.
func Flush() error {
	return current().Flush()
}

// RecordRule counts one rule evaluation and its duration. status is "ok",
// "violation" or "error".
func RecordRule(rule, status string, d time.Duration) {
	l := Labels{"rule": rule, "status": status}
	IncCounter(RuleTotal, 1, l)
	ObserveHistogram(RuleDurationSeconds, d.Seconds(), l)
}

// RecordRows counts rows by kind ("read", "rejected").
func RecordRows(kind string, n int) {
	if n <= 0 {
		return
	}
	IncCounter(RowsTotal, float64(n), Labels{"kind": kind})
}

// RecordBatch counts one processed overlap batch.
func RecordBatch() {
	IncCounter(BatchesTotal, 1, nil)
}
