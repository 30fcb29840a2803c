package dashboard

import (
	"strings"
	"sync"

	"github.com/rs/zerolog"
)

// FormDataFacade is the composition layer the form surfaces talk to: saves
// go through the record store and fan out on the bus, reads hit an in-memory
// cache before the store. Construct one per process and inject it; it is not
// a package-level singleton.
type FormDataFacade struct {
	mu     sync.Mutex
	store  *Store
	bus    *Bus
	cache  map[string]map[string]any
	logger zerolog.Logger
}

func NewFormDataFacade(store *Store, bus *Bus, logger zerolog.Logger) *FormDataFacade {
	return &FormDataFacade{
		store:  store,
		bus:    bus,
		cache:  map[string]map[string]any{},
		logger: logger,
	}
}

// SaveFormData persists the form snapshot, refreshes the cache, and
// publishes the data on the form type's topic.
func (f *FormDataFacade) SaveFormData(formType string, data map[string]any, metadata *RecordMetadata) (string, error) {
	id, err := f.store.SaveFormData(formType, data, metadata)
	if err != nil {
		return "", err
	}
	formType = strings.TrimSpace(formType)
	f.mu.Lock()
	f.cache[formType] = copyAnyMap(data)
	f.mu.Unlock()

	if f.bus != nil {
		f.bus.Publish(formType, copyAnyMap(data))
	}
	return id, nil
}

// GetFormData returns the latest field values for a form type, consulting
// the cache before the store and hydrating the cache on a store hit.
func (f *FormDataFacade) GetFormData(formType string) (map[string]any, bool, error) {
	formType = strings.TrimSpace(formType)
	f.mu.Lock()
	if cached, ok := f.cache[formType]; ok {
		data := copyAnyMap(cached)
		f.mu.Unlock()
		return data, true, nil
	}
	f.mu.Unlock()

	record, found, err := f.store.GetLatestFormData(formType)
	if err != nil {
		return nil, false, err
	}
	if !found {
		return nil, false, nil
	}
	f.mu.Lock()
	f.cache[formType] = copyAnyMap(record.Data)
	f.mu.Unlock()
	return copyAnyMap(record.Data), true, nil
}

// LookupField scans stored form records newest-first for a field and returns
// the first value found. This is the fallback path for dashboard fields whose
// live source failed.
func (f *FormDataFacade) LookupField(field string) (any, bool) {
	field = strings.TrimSpace(field)
	if field == "" {
		return nil, false
	}
	records, err := f.store.GetFormData(FormQuery{})
	if err != nil {
		f.logger.Warn().Err(err).Str("field", field).Msg("fallback lookup failed")
		return nil, false
	}
	for _, record := range records {
		if value, ok := record.Data[field]; ok {
			return value, true
		}
	}
	return nil, false
}

// InvalidateCache drops a form type's cached values, or everything when the
// type is empty.
func (f *FormDataFacade) InvalidateCache(formType string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	formType = strings.TrimSpace(formType)
	if formType == "" {
		f.cache = map[string]map[string]any{}
		return
	}
	delete(f.cache, formType)
}
