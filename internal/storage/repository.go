package storage

import (
	"context"
	"fmt"
	"sync"
)

// Config is the minimal configuration needed to open a run ledger.
//
// Edge cases:
//   - Kind must match a registered backend kind ("sqlite", "postgres", "mssql").
//   - DSN is passed through to the backend factory; validation is backend-specific.
type Config struct {
	Kind string `koanf:"kind"`
	DSN  string `koanf:"dsn"`
}

// Enabled reports whether a ledger backend is configured.
func (c Config) Enabled() bool { return c.Kind != "" }

// RunRepository persists the outcome of validation runs.
//
// Each backend implements these semantics in its own dialect; the ledger is
// append-only and keyed by run id.
type RunRepository interface {
	// Close releases backend resources. Callers should treat Close as "call once".
	Close()

	// EnsureSchema creates the runs table if it does not exist.
	EnsureSchema(ctx context.Context) error

	// RecordRun appends one run. Recording the same run id twice is an error.
	RecordRun(ctx context.Context, r RunRecord) error

	// LatestRun returns the most recently finished run of a dataset.
	// The bool is false when the dataset has never been validated.
	LatestRun(ctx context.Context, dataset string) (RunRecord, bool, error)
}

// Factory opens a RunRepository for cfg.
type Factory func(ctx context.Context, cfg Config) (RunRepository, error)

var (
	mu        sync.RWMutex
	factories = map[string]Factory{}
)

// RegisterRuns registers a ledger backend under a kind.
//
// Call RegisterRuns from an init() function in a backend package.
//
// Panics:
//   - If kind is empty.
//   - If f is nil.
//   - If kind is already registered.
func RegisterRuns(kind string, f Factory) {
	mu.Lock()
	defer mu.Unlock()

	if kind == "" {
		panic("storage: RegisterRuns called with empty kind")
	}
	if f == nil {
		panic("storage: RegisterRuns called with nil factory")
	}
	if _, exists := factories[kind]; exists {
		panic(fmt.Sprintf("storage: runs factory already registered for kind=%q", kind))
	}
	factories[kind] = f
}

// NewRuns opens a RunRepository using the registered backend factory.
//
// Errors:
//   - Returns an error if cfg.Kind is empty or unsupported.
//   - Returns whatever error the registered factory returns.
func NewRuns(ctx context.Context, cfg Config) (RunRepository, error) {
	if cfg.Kind == "" {
		return nil, fmt.Errorf("storage: missing kind")
	}

	mu.RLock()
	f := factories[cfg.Kind]
	mu.RUnlock()

	if f == nil {
		return nil, fmt.Errorf("unsupported storage.kind=%s", cfg.Kind)
	}
	return f(ctx, cfg)
}

// Kinds returns the registered backend kinds.
func Kinds() []string {
	mu.RLock()
	defer mu.RUnlock()
	out := make([]string, 0, len(factories))
	for k := range factories {
		out = append(out, k)
	}
	return out
}
