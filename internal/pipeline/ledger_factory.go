package pipeline

import (
	"fmt"
	"net/url"
	"strings"
	"sync"
)

type LedgerBackendFactory func(dsn string) (LedgerBackend, error)

var ledgerFactoryRegistry = struct {
	mu        sync.RWMutex
	factories map[string]LedgerBackendFactory
}{
	factories: map[string]LedgerBackendFactory{},
}

func RegisterLedgerBackendFactory(scheme string, factory LedgerBackendFactory) {
	scheme = normalizeBackendScheme(scheme)
	if scheme == "" || factory == nil {
		return
	}
	ledgerFactoryRegistry.mu.Lock()
	defer ledgerFactoryRegistry.mu.Unlock()
	ledgerFactoryRegistry.factories[scheme] = factory
}

func lookupLedgerBackendFactory(scheme string) (LedgerBackendFactory, bool) {
	scheme = normalizeBackendScheme(scheme)
	ledgerFactoryRegistry.mu.RLock()
	defer ledgerFactoryRegistry.mu.RUnlock()
	factory, ok := ledgerFactoryRegistry.factories[scheme]
	return factory, ok
}

func BuildLedgerBackendFromDSN(dsn string) (LedgerBackend, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, ErrInvalidInput
	}
	parsed, err := url.Parse(dsn)
	if err != nil {
		return nil, err
	}
	scheme := normalizeBackendScheme(parsed.Scheme)
	if factory, ok := lookupLedgerBackendFactory(scheme); ok {
		return factory(dsn)
	}
	switch scheme {
	case "", "file":
		path, pathErr := dsnPath(parsed, dsn)
		if pathErr != nil {
			return nil, pathErr
		}
		return NewFileLedgerBackend(path), nil
	case "memory", "mem", "inmem":
		return NewInMemoryLedgerBackend(), nil
	case "postgres", "postgresql":
		return NewPostgresLedgerBackend(dsn)
	case "mysql", "sqlite":
		return nil, fmt.Errorf("%w: ledger backend %s", ErrNotImplemented, scheme)
	default:
		return nil, fmt.Errorf("unsupported ledger backend scheme: %s", scheme)
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
	path := strings.TrimSpace(parsed.Path)
	if path == "" {
		path = strings.TrimSpace(parsed.Opaque)
	}
	if path == "" {
		path = strings.TrimSpace(parsed.Host)
	}
	if path == "" {
		return "", ErrInvalidInput
	}
	return path, nil
}

func normalizeBackendScheme(scheme string) string {
	return strings.ToLower(strings.TrimSpace(scheme))
}
