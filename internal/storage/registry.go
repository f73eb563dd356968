package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// Config selects and configures a relational backend.
//
// Kind must match a registered backend ("postgres", "sqlite", "mssql").
// DSN is passed to the backend untouched. BatchRows caps rows per INSERT for
// backends that batch; 0 keeps the backend default.
type Config struct {
	Kind      string
	DSN       string
	BatchRows int
}

// Loader replaces or extends one table per call.
//
// Each backend implements the load in its own idiomatic way (COPY for
// Postgres, batched INSERT for SQLite and SQL Server) but always inside a
// single transaction per table, so a failed load leaves the previous table
// contents in place.
type Loader interface {
	// Close releases backend resources. Call once.
	Close()

	// LoadTable writes rows into spec.Name. With Overwrite the table is
	// dropped and recreated from spec first; with Append it is created only
	// when missing. rows are positional and aligned with spec.Columns.
	LoadTable(ctx context.Context, spec TableSpec, rows [][]any, mode Mode) (int64, error)
}

type factory func(ctx context.Context, cfg Config) (Loader, error)

var (
	mu        sync.RWMutex
	factories = map[string]factory{}
)

// Register makes a backend available under kind. Backends call it from init().
//
// Panics if kind is empty, f is nil, or kind is already registered.
func Register(kind string, f factory) {
	mu.Lock()
	defer mu.Unlock()

	if kind == "" {
		panic("storage: Register called with empty kind")
	}
	if f == nil {
		panic("storage: Register called with nil factory")
	}
	if _, exists := factories[kind]; exists {
		panic(fmt.Sprintf("storage: factory already registered for kind=%q", kind))
	}
	factories[kind] = f
}

// New constructs a Loader for cfg.Kind.
func New(ctx context.Context, cfg Config) (Loader, error) {
	if cfg.Kind == "" {
		return nil, fmt.Errorf("storage: missing kind")
	}

	mu.RLock()
	f := factories[cfg.Kind]
	mu.RUnlock()

	if f == nil {
		return nil, fmt.Errorf("storage: unsupported kind=%s (registered: %v)", cfg.Kind, Kinds())
	}
	return f(ctx, cfg)
}

// Kinds lists registered backend kinds, sorted.
func Kinds() []string {
	mu.RLock()
	defer mu.RUnlock()
	out := make([]string, 0, len(factories))
	for k := range factories {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
