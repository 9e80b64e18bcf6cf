package staging

import (
	"fmt"
	"strings"
	"sync"
)

type StoreFactory func(dsn string) (Store, error)

var storeFactoryRegistry = struct {
	mu        sync.RWMutex
	factories map[string]StoreFactory
}{
	factories: map[string]StoreFactory{},
}

// RegisterStoreFactory overrides or extends the schemes understood by
// BuildStoreFromDSN.
func RegisterStoreFactory(scheme string, factory StoreFactory) {
	scheme = normalizeScheme(scheme)
	if scheme == "" || factory == nil {
		return
	}
	storeFactoryRegistry.mu.Lock()
	defer storeFactoryRegistry.mu.Unlock()
	storeFactoryRegistry.factories[scheme] = factory
}

func lookupStoreFactory(scheme string) (StoreFactory, bool) {
	scheme = normalizeScheme(scheme)
	storeFactoryRegistry.mu.RLock()
	defer storeFactoryRegistry.mu.RUnlock()
	factory, ok := storeFactoryRegistry.factories[scheme]
	return factory, ok
}

// BuildStoreFromDSN opens a store for dsn. A bare path is treated as a JSON
// snapshot file.
//
//	memory://                 in-process maps, nothing persisted
//	file:///var/lib/x.json    maps + JSON snapshot file
//	postgres://...            maps + snapshot row in Postgres
//	pebble:///var/lib/x       maps + snapshot key in a Pebble directory
//	sqlite:///var/lib/x.db    relational tables in SQLite
func BuildStoreFromDSN(dsn string) (Store, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return NewMemoryStore(), nil
	}
	scheme, rest := SplitDSN(dsn)
	if factory, ok := lookupStoreFactory(scheme); ok {
		return factory(dsn)
	}
	switch scheme {
	case "memory", "mem", "inmem":
		return NewMemoryStore(), nil
	case "", "file":
		if rest == "" {
			return nil, ErrInvalidInput
		}
		return openSnapshotStore(NewJSONFileStateBackend(rest))
	case "postgres", "postgresql":
		backend, err := NewPostgresStateBackend(dsn)
		if err != nil {
			return nil, err
		}
		return openSnapshotStore(backend)
	case "pebble":
		backend, err := NewPebbleStateBackend(rest)
		if err != nil {
			return nil, err
		}
		return openSnapshotStore(backend)
	case "sqlite", "sqlite3":
		return OpenSQLiteStore(rest)
	case "mysql":
		return nil, fmt.Errorf("%w: staging store %s", ErrNotImplemented, scheme)
	default:
		return nil, fmt.Errorf("unsupported staging store scheme: %s", scheme)
	}
}

func openSnapshotStore(backend StateBackend) (Store, error) {
	store, err := NewMemoryStoreWithOptions(MemoryStoreOptions{StateBackend: backend})
	if err != nil {
		if closer, ok := backend.(stateBackendCloser); ok {
			_ = closer.Close()
		}
		return nil, err
	}
	return store, nil
}

// SplitDSN returns the lowercased scheme and the remainder after "://".
// Inputs without a scheme come back with an empty scheme and the input as the
// remainder.
func SplitDSN(dsn string) (string, string) {
	dsn = strings.TrimSpace(dsn)
	scheme, rest, ok := strings.Cut(dsn, "://")
	if !ok {
		return "", dsn
	}
	return normalizeScheme(scheme), strings.TrimSpace(rest)
}

func normalizeScheme(scheme string) string {
	return strings.ToLower(strings.TrimSpace(scheme))
}
