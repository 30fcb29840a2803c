package dashboard

import (
	"sync"
	"time"
)

// RecordBackend is the structured, indexed side of the record store. Unlike
// the flat backend it stores one row per record and can answer filtered
// queries itself.
type RecordBackend interface {
	PutFormRecord(record FormRecord) error
	QueryFormRecords(query FormQuery) ([]FormRecord, error)
	PutStatusRecord(record ApplicationStatusRecord) error
	StatusRecords() (map[string]ApplicationStatusRecord, error)
	PutConfigBlob(key string, payload []byte) error
	ConfigBlob(key string) ([]byte, bool, error)
	DeleteFormRecordsBefore(cutoff time.Time) (int, error)
	Close() error
}

// InMemoryRecordBackend backs the memory DSN scheme and tests.
type InMemoryRecordBackend struct {
	mu       sync.Mutex
	forms    []FormRecord
	statuses map[string]ApplicationStatusRecord
	configs  map[string][]byte
}

func NewInMemoryRecordBackend() *InMemoryRecordBackend {
	return &InMemoryRecordBackend{
		statuses: map[string]ApplicationStatusRecord{},
		configs:  map[string][]byte{},
	}
}

func (b *InMemoryRecordBackend) PutFormRecord(record FormRecord) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.forms = append(b.forms, record)
	return nil
}

func (b *InMemoryRecordBackend) QueryFormRecords(query FormQuery) ([]FormRecord, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	matched := make([]FormRecord, 0)
	for _, record := range b.forms {
		if matchesQuery(record, query) {
			matched = append(matched, record)
		}
	}
	sortFormRecords(matched)
	return applyLimit(matched, query.Limit), nil
}

func (b *InMemoryRecordBackend) PutStatusRecord(record ApplicationStatusRecord) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.statuses[record.ApplicationName] = record
	return nil
}

func (b *InMemoryRecordBackend) StatusRecords() (map[string]ApplicationStatusRecord, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make(map[string]ApplicationStatusRecord, len(b.statuses))
	for name, record := range b.statuses {
		out[name] = record
	}
	return out, nil
}

func (b *InMemoryRecordBackend) PutConfigBlob(key string, payload []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.configs[key] = append([]byte(nil), payload...)
	return nil
}

func (b *InMemoryRecordBackend) ConfigBlob(key string) ([]byte, bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	payload, ok := b.configs[key]
	if !ok {
		return nil, false, nil
	}
	return append([]byte(nil), payload...), true, nil
}

func (b *InMemoryRecordBackend) DeleteFormRecordsBefore(cutoff time.Time) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	kept := make([]FormRecord, 0, len(b.forms))
	for _, record := range b.forms {
		if record.Timestamp.Before(cutoff) {
			continue
		}
		kept = append(kept, record)
	}
	removed := len(b.forms) - len(kept)
	b.forms = kept
	return removed, nil
}

func (b *InMemoryRecordBackend) Close() error {
	return nil
}
