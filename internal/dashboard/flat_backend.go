package dashboard

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
)

// FlatBackend is the flat key-value side of the record store: synchronous
// keyed JSON blobs. Writes are strictly ordered by call sequence and reads
// observe all prior writes.
type FlatBackend interface {
	Get(key string, out any) (bool, error)
	Put(key string, value any) error
	Delete(key string) error
	Keys() ([]string, error)
	Close() error
}

// JSONFileFlatBackend keeps every key in a single JSON file, rewritten
// atomically (write to a temp file, then rename) on each Put.
type JSONFileFlatBackend struct {
	mu     sync.Mutex
	path   string
	loaded bool
	data   map[string]json.RawMessage
}

func NewJSONFileFlatBackend(path string) *JSONFileFlatBackend {
	return &JSONFileFlatBackend{path: strings.TrimSpace(path)}
}

func (b *JSONFileFlatBackend) Get(key string, out any) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.ensureLoadedLocked(); err != nil {
		return false, err
	}
	raw, ok := b.data[key]
	if !ok {
		return false, nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return false, err
	}
	return true, nil
}

func (b *JSONFileFlatBackend) Put(key string, value any) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.ensureLoadedLocked(); err != nil {
		return err
	}
	raw, err := json.Marshal(value)
	if err != nil {
		return err
	}
	b.data[key] = raw
	return b.flushLocked()
}

func (b *JSONFileFlatBackend) Delete(key string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.ensureLoadedLocked(); err != nil {
		return err
	}
	if _, ok := b.data[key]; !ok {
		return nil
	}
	delete(b.data, key)
	return b.flushLocked()
}

func (b *JSONFileFlatBackend) Keys() ([]string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.ensureLoadedLocked(); err != nil {
		return nil, err
	}
	keys := make([]string, 0, len(b.data))
	for key := range b.data {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys, nil
}

func (b *JSONFileFlatBackend) Close() error {
	return nil
}

func (b *JSONFileFlatBackend) ensureLoadedLocked() error {
	if b.loaded {
		return nil
	}
	b.data = map[string]json.RawMessage{}
	if b.path == "" {
		b.loaded = true
		return nil
	}
	payload, err := os.ReadFile(b.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			b.loaded = true
			return nil
		}
		return err
	}
	if err := json.Unmarshal(payload, &b.data); err != nil {
		// A corrupt top-level file must not wedge every later call; keys
		// decode individually, so only a truncated file lands here.
		b.data = map[string]json.RawMessage{}
	}
	b.loaded = true
	return nil
}

func (b *JSONFileFlatBackend) flushLocked() error {
	if b.path == "" {
		return nil
	}
	payload, err := json.Marshal(b.data)
	if err != nil {
		return err
	}
	dir := filepath.Dir(b.path)
	if dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	tmp := b.path + ".tmp"
	if err := os.WriteFile(tmp, payload, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, b.path)
}

// InMemoryFlatBackend is the flat backend used in tests and for the
// memory DSN scheme. Values round-trip through JSON so callers get the same
// decode behavior as the file backend.
type InMemoryFlatBackend struct {
	mu   sync.Mutex
	data map[string]json.RawMessage
}

func NewInMemoryFlatBackend() *InMemoryFlatBackend {
	return &InMemoryFlatBackend{data: map[string]json.RawMessage{}}
}

func (b *InMemoryFlatBackend) Get(key string, out any) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	raw, ok := b.data[key]
	if !ok {
		return false, nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return false, err
	}
	return true, nil
}

func (b *InMemoryFlatBackend) Put(key string, value any) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.data[key] = raw
	return nil
}

func (b *InMemoryFlatBackend) Delete(key string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.data, key)
	return nil
}

func (b *InMemoryFlatBackend) Keys() ([]string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	keys := make([]string, 0, len(b.data))
	for key := range b.data {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys, nil
}

func (b *InMemoryFlatBackend) Close() error {
	return nil
}
