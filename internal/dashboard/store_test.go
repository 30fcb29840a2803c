package dashboard

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

type failingFlatBackend struct{}

func (failingFlatBackend) Get(key string, out any) (bool, error) {
	return false, errors.New("flat backend down")
}
func (failingFlatBackend) Put(key string, value any) error { return errors.New("flat backend down") }
func (failingFlatBackend) Delete(key string) error         { return errors.New("flat backend down") }
func (failingFlatBackend) Keys() ([]string, error)         { return nil, errors.New("flat backend down") }
func (failingFlatBackend) Close() error                    { return nil }

type failingRecordBackend struct{}

func (failingRecordBackend) PutFormRecord(record FormRecord) error {
	return errors.New("structured backend down")
}
func (failingRecordBackend) QueryFormRecords(filter FormQuery) ([]FormRecord, error) {
	return nil, errors.New("structured backend down")
}
func (failingRecordBackend) PutStatusRecord(record ApplicationStatusRecord) error {
	return errors.New("structured backend down")
}
func (failingRecordBackend) StatusRecords() (map[string]ApplicationStatusRecord, error) {
	return nil, errors.New("structured backend down")
}
func (failingRecordBackend) PutConfigBlob(key string, payload []byte) error {
	return errors.New("structured backend down")
}
func (failingRecordBackend) ConfigBlob(key string) ([]byte, bool, error) {
	return nil, false, errors.New("structured backend down")
}
func (failingRecordBackend) DeleteFormRecordsBefore(cutoff time.Time) (int, error) {
	return 0, errors.New("structured backend down")
}
func (failingRecordBackend) Close() error { return nil }

// testClock hands out strictly increasing timestamps one second apart.
func testClock(start time.Time) func() time.Time {
	current := start
	return func() time.Time {
		current = current.Add(time.Second)
		return current
	}
}

func newTestStore(t *testing.T, opts StoreOptions) *Store {
	t.Helper()
	opts.Logger = zerolog.Nop()
	if opts.Now == nil {
		opts.Now = testClock(time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC))
	}
	store, err := NewStore(opts)
	if err != nil {
		t.Fatalf("NewStore failed: %v", err)
	}
	return store
}

func TestSaveFormDataAppendsHistoryNewestFirst(t *testing.T) {
	store := newTestStore(t, StoreOptions{
		Flat:       NewInMemoryFlatBackend(),
		Structured: NewInMemoryRecordBackend(),
	})

	first := map[string]any{"overallQualityScore": float64(70)}
	second := map[string]any{"overallQualityScore": float64(85)}

	id1, err := store.SaveFormData("summary", first, nil)
	if err != nil {
		t.Fatalf("first save failed: %v", err)
	}
	id2, err := store.SaveFormData("summary", second, nil)
	if err != nil {
		t.Fatalf("second save failed: %v", err)
	}
	if id1 == id2 {
		t.Fatalf("record IDs must be unique, both were %s", id1)
	}

	records, err := store.GetFormData(FormQuery{Type: "summary"})
	if err != nil {
		t.Fatalf("query failed: %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("expected 2 records, got %d", len(records))
	}
	if records[0].Data["overallQualityScore"] != float64(85) {
		t.Fatalf("newest record must come first, got %v", records[0].Data)
	}
	if records[1].Data["overallQualityScore"] != float64(70) {
		t.Fatalf("older record data was mutated: %v", records[1].Data)
	}

	// The store keeps its own copy of the caller's map.
	second["overallQualityScore"] = float64(0)
	latest, found, err := store.GetLatestFormData("summary")
	if err != nil || !found {
		t.Fatalf("latest lookup failed: found=%v err=%v", found, err)
	}
	if latest.Data["overallQualityScore"] != float64(85) {
		t.Fatalf("stored data must be isolated from caller mutation, got %v", latest.Data)
	}
}

func TestSaveFormDataSurvivesStructuredBackendFailure(t *testing.T) {
	store := newTestStore(t, StoreOptions{
		Flat:       NewInMemoryFlatBackend(),
		Structured: failingRecordBackend{},
	})

	if _, err := store.SaveFormData("automation", map[string]any{"passRate": 0.97}, nil); err != nil {
		t.Fatalf("save must succeed while one backend is up: %v", err)
	}

	records, err := store.GetFormData(FormQuery{Type: "automation"})
	if err != nil {
		t.Fatalf("query must fall back to flat backend: %v", err)
	}
	if len(records) != 1 {
		t.Fatalf("expected 1 record from flat fallback, got %d", len(records))
	}
}

func TestSaveFormDataSurvivesFlatBackendFailure(t *testing.T) {
	store := newTestStore(t, StoreOptions{
		Flat:       failingFlatBackend{},
		Structured: NewInMemoryRecordBackend(),
	})

	if _, err := store.SaveFormData("automation", map[string]any{"passRate": 0.97}, nil); err != nil {
		t.Fatalf("save must succeed while one backend is up: %v", err)
	}

	records, err := store.GetFormData(FormQuery{Type: "automation"})
	if err != nil {
		t.Fatalf("query must come from the structured backend: %v", err)
	}
	if len(records) != 1 {
		t.Fatalf("expected 1 record from structured backend, got %d", len(records))
	}
}

func TestSaveFormDataFailsWhenBothBackendsFail(t *testing.T) {
	store := newTestStore(t, StoreOptions{
		Flat:       failingFlatBackend{},
		Structured: failingRecordBackend{},
	})

	_, err := store.SaveFormData("summary", map[string]any{"x": 1}, nil)
	if !errors.Is(err, ErrStorageFailed) {
		t.Fatalf("expected ErrStorageFailed, got: %v", err)
	}
}

func TestFlatHistoryCapEvictsOldestFirst(t *testing.T) {
	store := newTestStore(t, StoreOptions{
		Flat:       NewInMemoryFlatBackend(),
		HistoryCap: 50,
	})

	for i := 0; i < 55; i++ {
		data := map[string]any{"iteration": float64(i)}
		if _, err := store.SaveFormData("summary", data, nil); err != nil {
			t.Fatalf("save %d failed: %v", i, err)
		}
	}

	records, err := store.GetFormData(FormQuery{Type: "summary"})
	if err != nil {
		t.Fatalf("query failed: %v", err)
	}
	if len(records) != 50 {
		t.Fatalf("expected history capped at 50, got %d", len(records))
	}
	if records[0].Data["iteration"] != float64(54) {
		t.Fatalf("newest record must be iteration 54, got %v", records[0].Data["iteration"])
	}
	if records[len(records)-1].Data["iteration"] != float64(5) {
		t.Fatalf("oldest surviving record must be iteration 5, got %v", records[len(records)-1].Data["iteration"])
	}
}

func TestApplicationStatusShallowMergeOverwrite(t *testing.T) {
	store := newTestStore(t, StoreOptions{
		Flat:       NewInMemoryFlatBackend(),
		Structured: NewInMemoryRecordBackend(),
	})

	if _, err := store.SaveApplicationStatus("App1", map[string]any{
		"health":       "good",
		"ragColor":     "green",
		"testCoverage": float64(81),
	}); err != nil {
		t.Fatalf("first status save failed: %v", err)
	}
	if _, err := store.SaveApplicationStatus("App1", map[string]any{
		"health": "critical",
	}); err != nil {
		t.Fatalf("second status save failed: %v", err)
	}

	record, found, err := store.GetApplicationStatus("App1")
	if err != nil || !found {
		t.Fatalf("status lookup failed: found=%v err=%v", found, err)
	}
	if record.Status["health"] != "critical" {
		t.Fatalf("expected merged health critical, got %v", record.Status["health"])
	}
	// Fields absent from the second update keep their prior values, and the
	// store never rewrites ragColor to match health.
	if record.Status["ragColor"] != "green" {
		t.Fatalf("expected ragColor green retained, got %v", record.Status["ragColor"])
	}
	if record.Status["testCoverage"] != float64(81) {
		t.Fatalf("expected testCoverage retained, got %v", record.Status["testCoverage"])
	}

	statuses, err := store.GetApplicationStatuses()
	if err != nil {
		t.Fatalf("status map lookup failed: %v", err)
	}
	if len(statuses) != 1 {
		t.Fatalf("exactly one record must exist per name, got %d", len(statuses))
	}
}

func TestApplicationStatusStartsFromDefaults(t *testing.T) {
	store := newTestStore(t, StoreOptions{Flat: NewInMemoryFlatBackend()})

	if _, err := store.SaveApplicationStatus("App2", map[string]any{"sprint": "S12"}); err != nil {
		t.Fatalf("status save failed: %v", err)
	}
	record, found, err := store.GetApplicationStatus("App2")
	if err != nil || !found {
		t.Fatalf("status lookup failed: found=%v err=%v", found, err)
	}
	if record.Status["health"] != "unknown" || record.Status["ragColor"] != "amber" {
		t.Fatalf("expected default health/ragColor, got %v", record.Status)
	}
}

func TestMalformedHistoryKeyTreatedAsEmpty(t *testing.T) {
	flat := NewInMemoryFlatBackend()
	if err := flat.Put(flatFormHistoryPrefix+"summary", "not a record list"); err != nil {
		t.Fatalf("seed failed: %v", err)
	}
	if err := flat.Put(flatFormHistoryPrefix+"automation", []FormRecord{{
		ID: "automation-1", Type: "automation", Timestamp: time.Now().UTC(), Version: 1,
		Data: map[string]any{"passRate": 0.9},
	}}); err != nil {
		t.Fatalf("seed failed: %v", err)
	}
	store := newTestStore(t, StoreOptions{Flat: flat})

	records, err := store.GetFormData(FormQuery{})
	if err != nil {
		t.Fatalf("query must not abort on a malformed key: %v", err)
	}
	if len(records) != 1 || records[0].Type != "automation" {
		t.Fatalf("expected only the readable key's records, got %+v", records)
	}
}

func TestCleanupOldDataRemovesExpiredRecords(t *testing.T) {
	base := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	flat := NewInMemoryFlatBackend()
	history := []FormRecord{
		{ID: "summary-old", Type: "summary", Timestamp: base.Add(-40 * 24 * time.Hour), Version: 1, Data: map[string]any{}},
		{ID: "summary-new", Type: "summary", Timestamp: base.Add(-time.Hour), Version: 1, Data: map[string]any{}},
	}
	if err := flat.Put(flatFormHistoryPrefix+"summary", history); err != nil {
		t.Fatalf("seed failed: %v", err)
	}
	store := newTestStore(t, StoreOptions{
		Flat: flat,
		Now:  func() time.Time { return base },
	})

	removed, err := store.CleanupOldData()
	if err != nil {
		t.Fatalf("cleanup failed: %v", err)
	}
	if removed != 1 {
		t.Fatalf("expected 1 record removed, got %d", removed)
	}
	records, err := store.GetFormData(FormQuery{Type: "summary"})
	if err != nil {
		t.Fatalf("query failed: %v", err)
	}
	if len(records) != 1 || records[0].ID != "summary-new" {
		t.Fatalf("expected only the recent record to survive, got %+v", records)
	}
}

func TestGetLatestFormDataPrefersNewestAcrossBackends(t *testing.T) {
	base := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	flat := NewInMemoryFlatBackend()
	structured := NewInMemoryRecordBackend()

	older := FormRecord{ID: "summary-a", Type: "summary", Timestamp: base, Version: 1,
		Data: map[string]any{"overallQualityScore": float64(60)}}
	newer := FormRecord{ID: "summary-b", Type: "summary", Timestamp: base.Add(time.Minute), Version: 1,
		Data: map[string]any{"overallQualityScore": float64(90)}}

	if err := structured.PutFormRecord(older); err != nil {
		t.Fatalf("seed structured failed: %v", err)
	}
	if err := flat.Put(flatFormHistoryPrefix+"summary", []FormRecord{newer}); err != nil {
		t.Fatalf("seed flat failed: %v", err)
	}
	store := newTestStore(t, StoreOptions{Flat: flat, Structured: structured})

	latest, found, err := store.GetLatestFormData("summary")
	if err != nil || !found {
		t.Fatalf("latest lookup failed: found=%v err=%v", found, err)
	}
	if latest.ID != "summary-b" {
		t.Fatalf("expected the newer flat record to win, got %s", latest.ID)
	}
}

func TestFormQueryFilters(t *testing.T) {
	base := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	store := newTestStore(t, StoreOptions{
		Flat: NewInMemoryFlatBackend(),
		Now:  testClock(base),
	})

	for i := 0; i < 4; i++ {
		metadata := &RecordMetadata{UserID: fmt.Sprintf("user-%d", i%2), Source: SourceManual}
		if _, err := store.SaveFormData("security", map[string]any{"i": float64(i)}, metadata); err != nil {
			t.Fatalf("save %d failed: %v", i, err)
		}
	}

	byUser, err := store.GetFormData(FormQuery{Type: "security", UserID: "user-1"})
	if err != nil {
		t.Fatalf("query failed: %v", err)
	}
	if len(byUser) != 2 {
		t.Fatalf("expected 2 records for user-1, got %d", len(byUser))
	}

	// Inclusive bounds: FromDate equal to a record's timestamp keeps it.
	window, err := store.GetFormData(FormQuery{
		Type:     "security",
		FromDate: base.Add(2 * time.Second),
		ToDate:   base.Add(3 * time.Second),
	})
	if err != nil {
		t.Fatalf("query failed: %v", err)
	}
	if len(window) != 2 {
		t.Fatalf("expected 2 records inside the window, got %d", len(window))
	}

	limited, err := store.GetFormData(FormQuery{Type: "security", Limit: 3})
	if err != nil {
		t.Fatalf("query failed: %v", err)
	}
	if len(limited) != 3 {
		t.Fatalf("expected limit applied after filtering, got %d", len(limited))
	}
}

func TestConfigBlobRoundTrip(t *testing.T) {
	store := newTestStore(t, StoreOptions{
		Flat:       NewInMemoryFlatBackend(),
		Structured: NewInMemoryRecordBackend(),
	})

	saved := RealTimeConfig{Enabled: true, DataSources: []DataSourceConfig{{
		Name: "jira", APIEndpoint: "https://jira.example.com/api", AuthMethod: AuthMethodToken,
		RefreshInterval: 5,
	}}}
	if err := store.SaveConfigBlob(realTimeConfigKey, saved); err != nil {
		t.Fatalf("config save failed: %v", err)
	}

	var loaded RealTimeConfig
	found, err := store.LoadConfigBlob(realTimeConfigKey, &loaded)
	if err != nil || !found {
		t.Fatalf("config load failed: found=%v err=%v", found, err)
	}
	if !loaded.Enabled || len(loaded.DataSources) != 1 || loaded.DataSources[0].Name != "jira" {
		t.Fatalf("unexpected config round trip result: %+v", loaded)
	}
}

func TestExportAllData(t *testing.T) {
	store := newTestStore(t, StoreOptions{
		Flat:       NewInMemoryFlatBackend(),
		Structured: NewInMemoryRecordBackend(),
	})

	if _, err := store.SaveFormData("summary", map[string]any{"overallQualityScore": float64(85)}, nil); err != nil {
		t.Fatalf("save failed: %v", err)
	}
	if _, err := store.SaveApplicationStatus("App1", map[string]any{"health": "good"}); err != nil {
		t.Fatalf("status save failed: %v", err)
	}

	snapshot, err := store.ExportAllData()
	if err != nil {
		t.Fatalf("export failed: %v", err)
	}
	if len(snapshot.FormData) != 1 || len(snapshot.AppStatus) != 1 {
		t.Fatalf("expected full snapshot, got %d forms and %d statuses",
			len(snapshot.FormData), len(snapshot.AppStatus))
	}
	if snapshot.ExportedAt.IsZero() || snapshot.Version == "" {
		t.Fatalf("snapshot must carry timestamp and version: %+v", snapshot)
	}
}

func TestRAGForHealth(t *testing.T) {
	cases := []struct {
		health string
		want   string
	}{
		{"excellent", "green"},
		{"good", "green"},
		{"warning", "amber"},
		{"critical", "red"},
		{"Critical", "red"},
		{"", "amber"},
		{"bogus", "amber"},
	}
	for _, tc := range cases {
		if got := RAGForHealth(tc.health); got != tc.want {
			t.Fatalf("RAGForHealth(%q) = %q, want %q", tc.health, got, tc.want)
		}
	}
}
