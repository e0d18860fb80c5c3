package offlinecache

import (
	"fmt"
	"net/url"
	"strings"
	"sync"
)

type RecordStoreFactory func(dsn string, budgetBytes int) (RecordStore, error)

var recordStoreFactoryRegistry = struct {
	mu        sync.RWMutex
	factories map[string]RecordStoreFactory
}{
	factories: map[string]RecordStoreFactory{},
}

// RegisterRecordStoreFactory installs a custom backend for a DSN scheme.
// Built-in schemes cannot be overridden.
func RegisterRecordStoreFactory(scheme string, factory RecordStoreFactory) {
	scheme = normalizeBackendScheme(scheme)
	if scheme == "" || factory == nil {
		return
	}
	recordStoreFactoryRegistry.mu.Lock()
	defer recordStoreFactoryRegistry.mu.Unlock()
	recordStoreFactoryRegistry.factories[scheme] = factory
}

func lookupRecordStoreFactory(scheme string) (RecordStoreFactory, bool) {
	scheme = normalizeBackendScheme(scheme)
	recordStoreFactoryRegistry.mu.RLock()
	defer recordStoreFactoryRegistry.mu.RUnlock()
	factory, ok := recordStoreFactoryRegistry.factories[scheme]
	return factory, ok
}

func normalizeBackendScheme(scheme string) string {
	return strings.ToLower(strings.TrimSpace(scheme))
}

// BuildRecordStoreFromDSN selects a record store backend by DSN scheme:
// memory://, bolt://<path>, postgres://..., or a registered custom scheme.
// A bare path selects the bolt backend.
func BuildRecordStoreFromDSN(dsn string, budgetBytes int) (RecordStore, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, ErrInvalidInput
	}
	parsed, err := url.Parse(dsn)
	if err != nil {
		return nil, err
	}
	scheme := normalizeBackendScheme(parsed.Scheme)
	switch scheme {
	case "", "bolt", "file":
		path, pathErr := dsnPath(parsed, dsn)
		if pathErr != nil {
			return nil, pathErr
		}
		return OpenBoltRecordStore(path, budgetBytes)
	case "memory", "mem", "inmem":
		return NewMemoryRecordStore(budgetBytes), nil
	case "postgres", "postgresql":
		return NewPostgresRecordStore(dsn, budgetBytes)
	case "mysql", "sqlite", "redis":
		return nil, fmt.Errorf("%w: record store backend %s", ErrNotImplemented, scheme)
	default:
		if factory, ok := lookupRecordStoreFactory(scheme); ok {
			return factory(dsn, budgetBytes)
		}
		return nil, fmt.Errorf("unsupported record store scheme: %s", scheme)
	}
}

func dsnPath(parsed *url.URL, raw string) (string, error) {
	if parsed == nil {
		return "", ErrInvalidInput
	}
	if strings.TrimSpace(parsed.Scheme) == "" {
		if strings.TrimSpace(raw) == "" {
			return "", ErrInvalidInput
		}
		return strings.TrimSpace(raw), nil
	}
	path := strings.TrimSpace(parsed.Opaque)
	if path == "" {
		// bolt://cache/records.db parses the first segment as a host.
		path = strings.TrimSpace(parsed.Host + parsed.Path)
	}
	if path == "" {
		return "", ErrInvalidInput
	}
	return path, nil
}
