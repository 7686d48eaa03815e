package presence

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
)

var errUnsupportedScheme = errors.New("unsupported store backend scheme")

type StoreFactory func(dsn string) (Store, error)

var storeFactoryRegistry = struct {
	mu        sync.RWMutex
	factories map[string]StoreFactory
}{
	factories: map[string]StoreFactory{},
}

// RegisterStoreFactory installs a factory for a custom DSN scheme. Factories
// registered here take precedence over the built-in backends.
func RegisterStoreFactory(scheme string, factory StoreFactory) {
	scheme = normalizeStoreScheme(scheme)
	if scheme == "" || factory == nil {
		return
	}
	storeFactoryRegistry.mu.Lock()
	defer storeFactoryRegistry.mu.Unlock()
	storeFactoryRegistry.factories[scheme] = factory
}

func lookupStoreFactory(scheme string) (StoreFactory, bool) {
	scheme = normalizeStoreScheme(scheme)
	storeFactoryRegistry.mu.RLock()
	defer storeFactoryRegistry.mu.RUnlock()
	factory, ok := storeFactoryRegistry.factories[scheme]
	return factory, ok
}

// BuildStoreFromDSN selects a Store implementation by DSN scheme:
// memory:// for the in-process store, postgres:// for the shared backend,
// pebble:///path for the embedded single-node backend.
func BuildStoreFromDSN(dsn string) (Store, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return NewInMemoryStore(), nil
	}
	parsed, err := url.Parse(dsn)
	if err != nil {
		return nil, err
	}
	scheme := normalizeStoreScheme(parsed.Scheme)
	if factory, ok := lookupStoreFactory(scheme); ok {
		return factory(dsn)
	}
	switch scheme {
	case "", "memory", "mem", "inmem":
		return NewInMemoryStore(), nil
	case "postgres", "postgresql":
		return NewPostgresStore(dsn)
	case "pebble":
		path, pathErr := dsnPath(parsed, dsn)
		if pathErr != nil {
			return nil, pathErr
		}
		return NewPebbleStore(path)
	case "redis", "rediss":
		return nil, fmt.Errorf("%w: store backend %s", ErrNotImplemented, scheme)
	default:
		return nil, fmt.Errorf("%w: %s", errUnsupportedScheme, scheme)
	}
}

func dsnPath(parsed *url.URL, raw string) (string, error) {
	if parsed.Opaque != "" {
		return parsed.Opaque, nil
	}
	path := parsed.Path
	if parsed.Host != "" {
		path = parsed.Host + path
	}
	if strings.TrimSpace(path) == "" {
		return "", fmt.Errorf("%w: missing path in dsn %q", ErrInvalidInput, raw)
	}
	return path, nil
}
