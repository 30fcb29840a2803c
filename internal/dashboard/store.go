package dashboard

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

var (
	ErrNotFound        = errors.New("not found")
	ErrInvalidInput    = errors.New("invalid input")
	ErrDuplicateSource = errors.New("duplicate data source")
	ErrStorageFailed   = errors.New("all storage backends failed")
	ErrNotImplemented  = errors.New("not implemented")
)

const (
	DefaultRetentionHorizon = 30 * 24 * time.Hour
	DefaultHistoryCap       = 50
)

// Source values for RecordMetadata.Source.
const (
	SourceManual   = "manual"
	SourceRealtime = "realtime"
	SourceImport   = "import"
)

type RecordMetadata struct {
	UserID    string `json:"userId,omitempty"`
	SessionID string `json:"sessionId,omitempty"`
	Source    string `json:"source,omitempty"`
}

// FormRecord is one durable snapshot of a form submission. Records are
// append-only: a save never mutates a prior record, and "latest" is derived
// by sorting on Timestamp descending.
type FormRecord struct {
	ID        string          `json:"id"`
	Type      string          `json:"type"`
	Data      map[string]any  `json:"data"`
	Timestamp time.Time       `json:"timestamp"`
	Version   int             `json:"version"`
	Metadata  *RecordMetadata `json:"metadata,omitempty"`
}

// ApplicationStatusRecord is the current status snapshot for one named
// application. Unlike FormRecord, only the latest record per name is kept.
type ApplicationStatusRecord struct {
	ID              string         `json:"id"`
	ApplicationName string         `json:"applicationName"`
	Status          map[string]any `json:"status"`
	Timestamp       time.Time      `json:"timestamp"`
	Version         int            `json:"version"`
}

type FormQuery struct {
	Type     string
	FromDate time.Time
	ToDate   time.Time
	UserID   string
	Limit    int
}

type ExportSnapshot struct {
	FormData   []FormRecord                       `json:"formData"`
	AppStatus  map[string]ApplicationStatusRecord `json:"appStatus"`
	ExportedAt time.Time                          `json:"exportedAt"`
	Version    string                             `json:"version"`
}

// RAGForHealth maps a health value onto the RAG color convention. The store
// does not apply it on write: callers may persist an inconsistent pair, and
// consumers read back whatever was supplied.
func RAGForHealth(health string) string {
	switch strings.ToLower(strings.TrimSpace(health)) {
	case "excellent", "good":
		return "green"
	case "warning":
		return "amber"
	case "critical":
		return "red"
	default:
		return "amber"
	}
}

// DefaultAppStatus is the status an application starts from before any
// partial update has been merged over it.
func DefaultAppStatus() map[string]any {
	return map[string]any{
		"health":   "unknown",
		"ragColor": "amber",
	}
}

const (
	flatFormHistoryPrefix = "form-history:"
	flatStatusKey         = "app-status"
	flatConfigPrefix      = "config:"
)

type StoreOptions struct {
	Flat             FlatBackend
	Structured       RecordBackend
	RetentionHorizon time.Duration
	HistoryCap       int
	Logger           zerolog.Logger
	Now              func() time.Time
}

// Store persists FormRecords and ApplicationStatusRecords across two
// redundant backends: a structured indexed store and a flat key-value store.
// Writes go to both; a single backend failing is logged and tolerated, and
// reads fall back from the structured backend to the flat one.
type Store struct {
	flat       FlatBackend
	structured RecordBackend
	retention  time.Duration
	historyCap int
	log        zerolog.Logger
	now        func() time.Time
}

func NewStore(opts StoreOptions) (*Store, error) {
	if opts.Flat == nil && opts.Structured == nil {
		return nil, fmt.Errorf("%w: at least one backend is required", ErrInvalidInput)
	}
	retention := opts.RetentionHorizon
	if retention <= 0 {
		retention = DefaultRetentionHorizon
	}
	historyCap := opts.HistoryCap
	if historyCap <= 0 {
		historyCap = DefaultHistoryCap
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Store{
		flat:       opts.Flat,
		structured: opts.Structured,
		retention:  retention,
		historyCap: historyCap,
		log:        opts.Logger,
		now:        now,
	}, nil
}

// SaveFormData appends a new FormRecord for formType to both backends and
// returns the generated record ID. One backend failing is logged and absorbed
// by the other; the error propagates only when both writes fail, in which
// case no data is acknowledged as saved.
func (s *Store) SaveFormData(formType string, data map[string]any, metadata *RecordMetadata) (string, error) {
	formType = strings.TrimSpace(formType)
	if formType == "" {
		return "", fmt.Errorf("%w: form type is required", ErrInvalidInput)
	}
	if data == nil {
		data = map[string]any{}
	}
	now := s.now().UTC()
	record := FormRecord{
		ID:        formRecordID(formType, now),
		Type:      formType,
		Data:      copyAnyMap(data),
		Timestamp: now,
		Version:   1,
		Metadata:  metadata,
	}

	var flatErr, structuredErr error
	if s.flat != nil {
		flatErr = s.appendFlatHistory(record)
		if flatErr != nil {
			s.log.Warn().Err(flatErr).Str("type", formType).Msg("flat backend write failed")
		}
	} else {
		flatErr = ErrNotFound
	}
	if s.structured != nil {
		structuredErr = s.structured.PutFormRecord(record)
		if structuredErr != nil {
			s.log.Warn().Err(structuredErr).Str("type", formType).Msg("structured backend write failed")
		}
	} else {
		structuredErr = ErrNotFound
	}
	if flatErr != nil && structuredErr != nil {
		return "", fmt.Errorf("%w: flat: %v; structured: %v", ErrStorageFailed, flatErr, structuredErr)
	}
	return record.ID, nil
}

// GetFormData queries stored FormRecords. The structured backend answers
// first; if it is unavailable the flat backend is scanned instead. Results
// are newest-first, the limit applied after filtering.
func (s *Store) GetFormData(query FormQuery) ([]FormRecord, error) {
	if s.structured != nil {
		records, err := s.structured.QueryFormRecords(query)
		if err == nil {
			sortFormRecords(records)
			return applyLimit(records, query.Limit), nil
		}
		s.log.Warn().Err(err).Msg("structured backend query failed; falling back to flat backend")
	}
	return s.queryFlatHistory(query)
}

// GetLatestFormData returns the most recent record for formType.
//
// The two backends may disagree on recency (the structured backend applies
// writes independently of the flat one), so both are consulted and the record
// with the newest timestamp wins.
func (s *Store) GetLatestFormData(formType string) (FormRecord, bool, error) {
	var candidates []FormRecord
	if s.structured != nil {
		records, err := s.structured.QueryFormRecords(FormQuery{Type: formType, Limit: 1})
		if err != nil {
			s.log.Warn().Err(err).Str("type", formType).Msg("structured backend query failed")
		} else if len(records) > 0 {
			sortFormRecords(records)
			candidates = append(candidates, records[0])
		}
	}
	flatRecords, err := s.queryFlatHistory(FormQuery{Type: formType, Limit: 1})
	if err == nil && len(flatRecords) > 0 {
		candidates = append(candidates, flatRecords[0])
	}
	if len(candidates) == 0 {
		return FormRecord{}, false, nil
	}
	latest := candidates[0]
	for _, candidate := range candidates[1:] {
		if candidate.Timestamp.After(latest.Timestamp) {
			latest = candidate
		}
	}
	return latest, true, nil
}

// SaveApplicationStatus merges partial over the existing status for name (or
// over DefaultAppStatus if none exists) and overwrites the single current
// record. The merge is shallow: last write wins per field.
func (s *Store) SaveApplicationStatus(name string, partial map[string]any) (string, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return "", fmt.Errorf("%w: application name is required", ErrInvalidInput)
	}
	statuses, err := s.GetApplicationStatuses()
	if err != nil {
		return "", err
	}
	base := DefaultAppStatus()
	if existing, ok := statuses[name]; ok {
		base = copyAnyMap(existing.Status)
	}
	for field, value := range partial {
		base[field] = value
	}
	now := s.now().UTC()
	record := ApplicationStatusRecord{
		ID:              fmt.Sprintf("%s-%d", name, now.UnixMilli()),
		ApplicationName: name,
		Status:          base,
		Timestamp:       now,
		Version:         1,
	}
	statuses[name] = record

	var flatErr, structuredErr error
	if s.flat != nil {
		flatErr = s.flat.Put(flatStatusKey, statuses)
		if flatErr != nil {
			s.log.Warn().Err(flatErr).Str("application", name).Msg("flat backend status write failed")
		}
	} else {
		flatErr = ErrNotFound
	}
	if s.structured != nil {
		structuredErr = s.structured.PutStatusRecord(record)
		if structuredErr != nil {
			s.log.Warn().Err(structuredErr).Str("application", name).Msg("structured backend status write failed")
		}
	} else {
		structuredErr = ErrNotFound
	}
	if flatErr != nil && structuredErr != nil {
		return "", fmt.Errorf("%w: flat: %v; structured: %v", ErrStorageFailed, flatErr, structuredErr)
	}
	return record.ID, nil
}

// GetApplicationStatus returns the current record for name.
func (s *Store) GetApplicationStatus(name string) (ApplicationStatusRecord, bool, error) {
	statuses, err := s.GetApplicationStatuses()
	if err != nil {
		return ApplicationStatusRecord{}, false, err
	}
	record, ok := statuses[name]
	return record, ok, nil
}

// GetApplicationStatuses returns the full name-to-record map.
func (s *Store) GetApplicationStatuses() (map[string]ApplicationStatusRecord, error) {
	if s.structured != nil {
		statuses, err := s.structured.StatusRecords()
		if err == nil {
			return statuses, nil
		}
		s.log.Warn().Err(err).Msg("structured backend status query failed; falling back to flat backend")
	}
	if s.flat == nil {
		return map[string]ApplicationStatusRecord{}, nil
	}
	statuses := map[string]ApplicationStatusRecord{}
	ok, err := s.flat.Get(flatStatusKey, &statuses)
	if err != nil {
		s.log.Warn().Err(err).Msg("flat backend status key unreadable; treating as empty")
		return map[string]ApplicationStatusRecord{}, nil
	}
	if !ok {
		return map[string]ApplicationStatusRecord{}, nil
	}
	return statuses, nil
}

// SaveConfigBlob persists a configuration value under key to both backends.
func (s *Store) SaveConfigBlob(key string, value any) error {
	if strings.TrimSpace(key) == "" {
		return fmt.Errorf("%w: config key is required", ErrInvalidInput)
	}
	var flatErr, structuredErr error
	if s.flat != nil {
		flatErr = s.flat.Put(flatConfigPrefix+key, value)
		if flatErr != nil {
			s.log.Warn().Err(flatErr).Str("key", key).Msg("flat backend config write failed")
		}
	} else {
		flatErr = ErrNotFound
	}
	if s.structured != nil {
		payload, err := json.Marshal(value)
		if err != nil {
			return err
		}
		structuredErr = s.structured.PutConfigBlob(key, payload)
		if structuredErr != nil {
			s.log.Warn().Err(structuredErr).Str("key", key).Msg("structured backend config write failed")
		}
	} else {
		structuredErr = ErrNotFound
	}
	if flatErr != nil && structuredErr != nil {
		return fmt.Errorf("%w: flat: %v; structured: %v", ErrStorageFailed, flatErr, structuredErr)
	}
	return nil
}

// LoadConfigBlob reads the configuration value stored under key into out.
func (s *Store) LoadConfigBlob(key string, out any) (bool, error) {
	if s.flat != nil {
		ok, err := s.flat.Get(flatConfigPrefix+key, out)
		if err == nil {
			if ok {
				return true, nil
			}
		} else {
			s.log.Warn().Err(err).Str("key", key).Msg("flat backend config key unreadable")
		}
	}
	if s.structured != nil {
		payload, ok, err := s.structured.ConfigBlob(key)
		if err != nil {
			s.log.Warn().Err(err).Str("key", key).Msg("structured backend config read failed")
			return false, nil
		}
		if !ok {
			return false, nil
		}
		if err := json.Unmarshal(payload, out); err != nil {
			s.log.Warn().Err(err).Str("key", key).Msg("structured backend config blob malformed; treating as absent")
			return false, nil
		}
		return true, nil
	}
	return false, nil
}

// ExportAllData produces a full snapshot for backup.
func (s *Store) ExportAllData() (ExportSnapshot, error) {
	forms, err := s.GetFormData(FormQuery{})
	if err != nil {
		return ExportSnapshot{}, err
	}
	statuses, err := s.GetApplicationStatuses()
	if err != nil {
		return ExportSnapshot{}, err
	}
	return ExportSnapshot{
		FormData:   forms,
		AppStatus:  statuses,
		ExportedAt: s.now().UTC(),
		Version:    "1.0",
	}, nil
}

// CleanupOldData removes FormRecords older than the retention horizon from
// the flat backend. Structured backend cleanup is intentionally asymmetric:
// its rows stay until a deployment runs its own maintenance, and the flat
// history remains the bounded working set.
func (s *Store) CleanupOldData() (int, error) {
	if s.flat == nil {
		return 0, nil
	}
	cutoff := s.now().UTC().Add(-s.retention)
	keys, err := s.flat.Keys()
	if err != nil {
		return 0, err
	}
	removed := 0
	for _, key := range keys {
		if !strings.HasPrefix(key, flatFormHistoryPrefix) {
			continue
		}
		var history []FormRecord
		ok, err := s.flat.Get(key, &history)
		if err != nil {
			s.log.Warn().Err(err).Str("key", key).Msg("skipping unreadable history key during cleanup")
			continue
		}
		if !ok {
			continue
		}
		kept := make([]FormRecord, 0, len(history))
		for _, record := range history {
			if record.Timestamp.Before(cutoff) {
				continue
			}
			kept = append(kept, record)
		}
		if len(kept) == len(history) {
			continue
		}
		removed += len(history) - len(kept)
		if err := s.flat.Put(key, kept); err != nil {
			return removed, err
		}
	}
	return removed, nil
}

func (s *Store) appendFlatHistory(record FormRecord) error {
	key := flatFormHistoryPrefix + record.Type
	var history []FormRecord
	ok, err := s.flat.Get(key, &history)
	if err != nil {
		// Corrupt history for this type: start a fresh list rather than
		// refusing the write.
		s.log.Warn().Err(err).Str("key", key).Msg("flat history unreadable; restarting list")
		history = nil
	} else if !ok {
		history = nil
	}
	history = append(history, record)
	if len(history) > s.historyCap {
		history = history[len(history)-s.historyCap:]
	}
	return s.flat.Put(key, history)
}

func (s *Store) queryFlatHistory(query FormQuery) ([]FormRecord, error) {
	if s.flat == nil {
		return []FormRecord{}, nil
	}
	var keys []string
	if query.Type != "" {
		keys = []string{flatFormHistoryPrefix + query.Type}
	} else {
		allKeys, err := s.flat.Keys()
		if err != nil {
			return nil, err
		}
		for _, key := range allKeys {
			if strings.HasPrefix(key, flatFormHistoryPrefix) {
				keys = append(keys, key)
			}
		}
	}
	matched := make([]FormRecord, 0)
	for _, key := range keys {
		var history []FormRecord
		ok, err := s.flat.Get(key, &history)
		if err != nil {
			s.log.Warn().Err(err).Str("key", key).Msg("skipping malformed history key")
			continue
		}
		if !ok {
			continue
		}
		for _, record := range history {
			if matchesQuery(record, query) {
				matched = append(matched, record)
			}
		}
	}
	sortFormRecords(matched)
	return applyLimit(matched, query.Limit), nil
}

func matchesQuery(record FormRecord, query FormQuery) bool {
	if query.Type != "" && record.Type != query.Type {
		return false
	}
	if !query.FromDate.IsZero() && record.Timestamp.Before(query.FromDate) {
		return false
	}
	if !query.ToDate.IsZero() && record.Timestamp.After(query.ToDate) {
		return false
	}
	if query.UserID != "" {
		if record.Metadata == nil || record.Metadata.UserID != query.UserID {
			return false
		}
	}
	return true
}

func sortFormRecords(records []FormRecord) {
	sort.SliceStable(records, func(i, j int) bool {
		if records[i].Timestamp.Equal(records[j].Timestamp) {
			return records[i].ID > records[j].ID
		}
		return records[i].Timestamp.After(records[j].Timestamp)
	})
}

func applyLimit(records []FormRecord, limit int) []FormRecord {
	if limit > 0 && len(records) > limit {
		return records[:limit]
	}
	return records
}

func formRecordID(formType string, now time.Time) string {
	return fmt.Sprintf("%s-%d-%s", formType, now.UnixMilli(), uuid.NewString()[:8])
}

func copyAnyMap(in map[string]any) map[string]any {
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
