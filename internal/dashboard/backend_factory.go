package dashboard

import (
	"fmt"
	"net/url"
	"strings"
	"sync"
)

// RecordBackendFactory builds a structured backend for a registered DSN
// scheme. FlatBackendFactory does the same for key-value backends.
type RecordBackendFactory func(dsn string) (RecordBackend, error)
type FlatBackendFactory func(dsn string) (FlatBackend, error)

var backendFactoryRegistry = struct {
	mu              sync.RWMutex
	recordFactories map[string]RecordBackendFactory
	flatFactories   map[string]FlatBackendFactory
}{
	recordFactories: map[string]RecordBackendFactory{},
	flatFactories:   map[string]FlatBackendFactory{},
}

func RegisterRecordBackendFactory(scheme string, factory RecordBackendFactory) {
	scheme = normalizeBackendScheme(scheme)
	if scheme == "" || factory == nil {
		return
	}
	backendFactoryRegistry.mu.Lock()
	defer backendFactoryRegistry.mu.Unlock()
	backendFactoryRegistry.recordFactories[scheme] = factory
}

func RegisterFlatBackendFactory(scheme string, factory FlatBackendFactory) {
	scheme = normalizeBackendScheme(scheme)
	if scheme == "" || factory == nil {
		return
	}
	backendFactoryRegistry.mu.Lock()
	defer backendFactoryRegistry.mu.Unlock()
	backendFactoryRegistry.flatFactories[scheme] = factory
}

func lookupRecordBackendFactory(scheme string) (RecordBackendFactory, bool) {
	scheme = normalizeBackendScheme(scheme)
	backendFactoryRegistry.mu.RLock()
	defer backendFactoryRegistry.mu.RUnlock()
	factory, ok := backendFactoryRegistry.recordFactories[scheme]
	return factory, ok
}

func lookupFlatBackendFactory(scheme string) (FlatBackendFactory, bool) {
	scheme = normalizeBackendScheme(scheme)
	backendFactoryRegistry.mu.RLock()
	defer backendFactoryRegistry.mu.RUnlock()
	factory, ok := backendFactoryRegistry.flatFactories[scheme]
	return factory, ok
}

// BuildRecordBackendFromDSN resolves a structured backend from a DSN.
// Registered factories win over the built-in schemes, so deployments can
// override a scheme without forking the package.
func BuildRecordBackendFromDSN(dsn string) (RecordBackend, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, nil
	}
	parsed, err := url.Parse(dsn)
	if err != nil {
		return nil, err
	}
	scheme := normalizeBackendScheme(parsed.Scheme)
	if factory, ok := lookupRecordBackendFactory(scheme); ok {
		return factory(dsn)
	}
	switch scheme {
	case "", "file", "sqlite":
		path, pathErr := dsnPath(parsed, dsn)
		if pathErr != nil {
			return nil, pathErr
		}
		return NewSQLiteRecordBackend(path)
	case "memory", "mem", "inmem":
		return NewInMemoryRecordBackend(), nil
	case "postgres", "postgresql":
		return NewPostgresRecordBackend(dsn)
	case "mysql", "mariadb":
		return nil, fmt.Errorf("%w: record backend %s", ErrNotImplemented, scheme)
	default:
		return nil, fmt.Errorf("unsupported record backend scheme: %s", scheme)
	}
}

// BuildFlatBackendFromDSN resolves a key-value backend from a DSN. The flat
// store is file-native, so only file and memory schemes are built in.
func BuildFlatBackendFromDSN(dsn string) (FlatBackend, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, nil
	}
	parsed, err := url.Parse(dsn)
	if err != nil {
		return nil, err
	}
	scheme := normalizeBackendScheme(parsed.Scheme)
	if factory, ok := lookupFlatBackendFactory(scheme); ok {
		return factory(dsn)
	}
	switch scheme {
	case "", "file":
		path, pathErr := dsnPath(parsed, dsn)
		if pathErr != nil {
			return nil, pathErr
		}
		return NewJSONFileFlatBackend(path), nil
	case "memory", "mem", "inmem":
		return NewInMemoryFlatBackend(), nil
	default:
		return nil, fmt.Errorf("unsupported flat backend scheme: %s", scheme)
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
	// Relative paths parse with their first segment in Host, e.g.
	// file://.qedash/flat.json.
	path := strings.TrimSpace(parsed.Host) + strings.TrimSpace(parsed.Path)
	if path == "" {
		path = strings.TrimSpace(parsed.Opaque)
	}
	if path == "" {
		return "", ErrInvalidInput
	}
	return path, nil
}

func normalizeBackendScheme(scheme string) string {
	return strings.ToLower(strings.TrimSpace(scheme))
}
