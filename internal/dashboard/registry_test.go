package dashboard

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

type fakeEngineControl struct {
	starts chan struct{}
	stops  chan struct{}
}

func newFakeEngineControl() *fakeEngineControl {
	return &fakeEngineControl{
		starts: make(chan struct{}, 8),
		stops:  make(chan struct{}, 8),
	}
}

func (c *fakeEngineControl) StartRealTimeDataFetching() { c.starts <- struct{}{} }
func (c *fakeEngineControl) StopRealTimeDataFetching()  { c.stops <- struct{}{} }

func awaitSignal(t *testing.T, ch chan struct{}, what string) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for %s", what)
	}
}

func validSource(name string) DataSourceConfig {
	return DataSourceConfig{
		Name:            name,
		Type:            SourceTypeCI,
		Enabled:         true,
		APIEndpoint:     "https://ci.example.com/api/metrics",
		AuthMethod:      AuthMethodToken,
		RefreshInterval: 5,
		Fields: []FieldMapping{{
			DashboardField: "passRate",
			SourceField:    "metrics.tests.passRate",
			Transformation: TransformPercentage,
			FallbackToForm: true,
		}},
	}
}

func newTestRegistry(t *testing.T) (*SourceRegistry, *Store, *Bus) {
	t.Helper()
	store := newTestStore(t, StoreOptions{
		Flat:       NewInMemoryFlatBackend(),
		Structured: NewInMemoryRecordBackend(),
	})
	bus := NewBus(zerolog.Nop())
	return NewSourceRegistry(store, bus, zerolog.Nop()), store, bus
}

func TestRegistryPersistsAcrossInstances(t *testing.T) {
	registry, store, _ := newTestRegistry(t)

	if err := registry.AddDataSource(validSource("jira")); err != nil {
		t.Fatalf("add failed: %v", err)
	}
	if err := registry.SetRealTimeMode(true); err != nil {
		t.Fatalf("enable failed: %v", err)
	}

	// A second registry over the same store sees the persisted blob.
	reloaded := NewSourceRegistry(store, nil, zerolog.Nop())
	sources, err := reloaded.GetDataSources()
	if err != nil {
		t.Fatalf("reload failed: %v", err)
	}
	if len(sources) != 1 || sources[0].Name != "jira" {
		t.Fatalf("expected persisted source list, got %+v", sources)
	}
	enabled, err := reloaded.IsRealTimeEnabled()
	if err != nil || !enabled {
		t.Fatalf("expected persisted enabled flag, got %v err=%v", enabled, err)
	}
}

func TestRegistryRejectsDuplicateNames(t *testing.T) {
	registry, _, _ := newTestRegistry(t)

	if err := registry.AddDataSource(validSource("jira")); err != nil {
		t.Fatalf("first add failed: %v", err)
	}
	err := registry.AddDataSource(validSource("jira"))
	if !errors.Is(err, ErrDuplicateSource) {
		t.Fatalf("expected ErrDuplicateSource, got: %v", err)
	}
	sources, err := registry.GetDataSources()
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(sources) != 1 {
		t.Fatalf("duplicate add must not grow the list, got %d", len(sources))
	}
}

func TestRegistryValidatesConfigSchema(t *testing.T) {
	registry, _, _ := newTestRegistry(t)

	cases := []struct {
		name   string
		mutate func(*DataSourceConfig)
	}{
		{"empty name", func(c *DataSourceConfig) { c.Name = "" }},
		{"bad endpoint scheme", func(c *DataSourceConfig) { c.APIEndpoint = "ftp://example.com" }},
		{"unknown auth method", func(c *DataSourceConfig) { c.AuthMethod = "kerberos" }},
		{"zero refresh interval", func(c *DataSourceConfig) { c.RefreshInterval = 0 }},
		{"unknown source type", func(c *DataSourceConfig) { c.Type = "spreadsheet" }},
		{"mapping without dashboard field", func(c *DataSourceConfig) { c.Fields[0].DashboardField = "" }},
	}
	for _, tc := range cases {
		config := validSource("candidate")
		tc.mutate(&config)
		err := registry.AddDataSource(config)
		if !errors.Is(err, ErrInvalidInput) {
			t.Fatalf("%s: expected ErrInvalidInput, got: %v", tc.name, err)
		}
	}
}

func TestRegistryRemoveIsNoOpForAbsentName(t *testing.T) {
	registry, _, _ := newTestRegistry(t)

	if err := registry.AddDataSource(validSource("jira")); err != nil {
		t.Fatalf("add failed: %v", err)
	}
	if err := registry.RemoveDataSource("never-added"); err != nil {
		t.Fatalf("removing an absent source must be a no-op: %v", err)
	}
	if err := registry.RemoveDataSource("jira"); err != nil {
		t.Fatalf("remove failed: %v", err)
	}
	sources, err := registry.GetDataSources()
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(sources) != 0 {
		t.Fatalf("expected empty list after remove, got %+v", sources)
	}
}

func TestSetRealTimeModeDrivesEngineAndBus(t *testing.T) {
	registry, _, bus := newTestRegistry(t)
	control := newFakeEngineControl()
	registry.BindControl(control)

	var flips []bool
	bus.Subscribe(EventRealTimeMode, func(payload any) {
		if enabled, ok := payload.(bool); ok {
			flips = append(flips, enabled)
		}
	})

	if err := registry.SetRealTimeMode(true); err != nil {
		t.Fatalf("enable failed: %v", err)
	}
	awaitSignal(t, control.starts, "engine start")

	if err := registry.SetRealTimeMode(false); err != nil {
		t.Fatalf("disable failed: %v", err)
	}
	awaitSignal(t, control.stops, "engine stop")

	if len(flips) != 2 || flips[0] != true || flips[1] != false {
		t.Fatalf("expected realTimeMode events [true false], got %v", flips)
	}
}

func TestMutatingSourcesWhileEnabledRestartsEngine(t *testing.T) {
	registry, _, _ := newTestRegistry(t)
	control := newFakeEngineControl()
	registry.BindControl(control)

	if err := registry.SetRealTimeMode(true); err != nil {
		t.Fatalf("enable failed: %v", err)
	}
	awaitSignal(t, control.starts, "initial start")

	if err := registry.AddDataSource(validSource("jira")); err != nil {
		t.Fatalf("add failed: %v", err)
	}
	awaitSignal(t, control.stops, "restart stop")
	awaitSignal(t, control.starts, "restart start")
}

// gatedEngineControl blocks each start on a token so a test can hold a
// restart in flight while other transitions race it.
type gatedEngineControl struct {
	mu      sync.Mutex
	running bool
	gate    chan struct{}
	stops   chan struct{}
}

func newGatedEngineControl() *gatedEngineControl {
	return &gatedEngineControl{
		gate:  make(chan struct{}, 2),
		stops: make(chan struct{}, 8),
	}
}

func (c *gatedEngineControl) StartRealTimeDataFetching() {
	<-c.gate
	c.mu.Lock()
	c.running = true
	c.mu.Unlock()
}

func (c *gatedEngineControl) StopRealTimeDataFetching() {
	c.mu.Lock()
	c.running = false
	c.mu.Unlock()
	c.stops <- struct{}{}
}

func (c *gatedEngineControl) Running() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.running
}

func TestDisableWinsOverInFlightRestart(t *testing.T) {
	registry, _, _ := newTestRegistry(t)
	control := newGatedEngineControl()
	registry.BindControl(control)

	control.gate <- struct{}{}
	if err := registry.SetRealTimeMode(true); err != nil {
		t.Fatalf("enable failed: %v", err)
	}
	if !control.Running() {
		t.Fatalf("engine must run after enabling")
	}

	// The add spawns a restart that stops the engine and then blocks on the
	// gate, holding the control transition lock.
	if err := registry.AddDataSource(validSource("jira")); err != nil {
		t.Fatalf("add failed: %v", err)
	}
	awaitSignal(t, control.stops, "restart stop")

	done := make(chan error, 1)
	go func() { done <- registry.SetRealTimeMode(false) }()
	control.gate <- struct{}{}

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("disable failed: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out disabling real-time mode")
	}

	enabled, err := registry.IsRealTimeEnabled()
	if err != nil || enabled {
		t.Fatalf("expected disabled mode, got %v err=%v", enabled, err)
	}
	if control.Running() {
		t.Fatalf("engine left running after disabling real-time mode")
	}
}
