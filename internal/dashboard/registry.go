package dashboard

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/rs/zerolog"
	"github.com/santhosh-tekuri/jsonschema/v6"
)

// Auth methods accepted by DataSourceConfig. They select which header the
// sync engine sends on each fetch.
const (
	AuthMethodToken  = "token"
	AuthMethodAPIKey = "apikey"
	AuthMethodBasic  = "basic"
	AuthMethodOAuth  = "oauth"
)

// Source categories. The category is informational; the fetch contract is
// the same for all of them.
const (
	SourceTypeIssueTracker  = "issue-tracker"
	SourceTypeCI            = "ci"
	SourceTypeTestExecution = "test-execution"
	SourceTypeGeneric       = "generic"
)

// EventRealTimeMode is published whenever the global real-time flag flips.
const EventRealTimeMode = "realTimeMode"

const realTimeConfigKey = "realtime-config"

// FieldMapping declares how one dashboard field is derived from an external
// payload.
type FieldMapping struct {
	DashboardField string `json:"dashboardField"`
	SourceField    string `json:"sourceField"`
	Transformation string `json:"transformation,omitempty"`
	FallbackToForm bool   `json:"fallbackToForm"`
}

// DataSourceConfig describes one external metrics source.
type DataSourceConfig struct {
	Name            string         `json:"name"`
	Type            string         `json:"type,omitempty"`
	Enabled         bool           `json:"enabled"`
	APIEndpoint     string         `json:"apiEndpoint"`
	AuthMethod      string         `json:"authMethod"`
	RefreshInterval int            `json:"refreshInterval"`
	Fields          []FieldMapping `json:"fields"`
}

// RealTimeConfig is the single persisted configuration blob: the global
// enabled flag plus the full data source list.
type RealTimeConfig struct {
	Enabled     bool               `json:"enabled"`
	DataSources []DataSourceConfig `json:"dataSources"`
}

const dataSourceSchemaJSON = `{
	"$schema": "https://json-schema.org/draft/2020-12/schema",
	"type": "object",
	"required": ["name", "apiEndpoint", "authMethod", "refreshInterval", "fields"],
	"properties": {
		"name": {"type": "string", "minLength": 1},
		"type": {"enum": ["issue-tracker", "ci", "test-execution", "generic"]},
		"enabled": {"type": "boolean"},
		"apiEndpoint": {"type": "string", "minLength": 1, "pattern": "^https?://"},
		"authMethod": {"enum": ["token", "apikey", "basic", "oauth"]},
		"refreshInterval": {"type": "integer", "minimum": 1},
		"fields": {
			"type": "array",
			"items": {
				"type": "object",
				"required": ["dashboardField", "sourceField"],
				"properties": {
					"dashboardField": {"type": "string", "minLength": 1},
					"sourceField": {"type": "string", "minLength": 1},
					"transformation": {"type": "string"},
					"fallbackToForm": {"type": "boolean"}
				}
			}
		}
	}
}`

var (
	dataSourceSchemaOnce sync.Once
	dataSourceSchema     *jsonschema.Schema
	dataSourceSchemaErr  error
)

func compiledDataSourceSchema() (*jsonschema.Schema, error) {
	dataSourceSchemaOnce.Do(func() {
		doc, err := jsonschema.UnmarshalJSON(strings.NewReader(dataSourceSchemaJSON))
		if err != nil {
			dataSourceSchemaErr = err
			return
		}
		compiler := jsonschema.NewCompiler()
		if err := compiler.AddResource("datasource.json", doc); err != nil {
			dataSourceSchemaErr = err
			return
		}
		dataSourceSchema, dataSourceSchemaErr = compiler.Compile("datasource.json")
	})
	return dataSourceSchema, dataSourceSchemaErr
}

// ValidateDataSourceConfig checks a config against the data source schema.
// Wrapped schema violations unwrap to ErrInvalidInput.
func ValidateDataSourceConfig(config DataSourceConfig) error {
	schema, err := compiledDataSourceSchema()
	if err != nil {
		return err
	}
	raw, err := json.Marshal(config)
	if err != nil {
		return err
	}
	var decoded any
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return err
	}
	if err := schema.Validate(decoded); err != nil {
		return fmt.Errorf("%w: data source %q: %v", ErrInvalidInput, config.Name, err)
	}
	return nil
}

// EngineControl is what the registry drives when the real-time flag flips or
// the source list changes while enabled.
type EngineControl interface {
	StartRealTimeDataFetching()
	StopRealTimeDataFetching()
}

// SourceRegistry owns the persisted RealTimeConfig blob: the data source list
// and the global enabled flag.
type SourceRegistry struct {
	mu      sync.Mutex
	store   *Store
	bus     *Bus
	control EngineControl
	config  RealTimeConfig
	loaded  bool
	logger  zerolog.Logger

	// controlMu serializes every Start/Stop issued to the bound control so
	// an in-flight restart and a mode flip cannot interleave.
	controlMu sync.Mutex
}

func NewSourceRegistry(store *Store, bus *Bus, logger zerolog.Logger) *SourceRegistry {
	return &SourceRegistry{store: store, bus: bus, logger: logger}
}

// BindControl attaches the sync engine after construction. The registry and
// engine reference each other, so one side has to bind late.
func (r *SourceRegistry) BindControl(control EngineControl) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.control = control
}

// AddDataSource validates and appends a source. Duplicate names are rejected
// so the engine never iterates two sources fighting over the same topics.
func (r *SourceRegistry) AddDataSource(config DataSourceConfig) error {
	if err := ValidateDataSourceConfig(config); err != nil {
		return err
	}
	config.Name = strings.TrimSpace(config.Name)

	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.ensureLoadedLocked(); err != nil {
		return err
	}
	for _, existing := range r.config.DataSources {
		if existing.Name == config.Name {
			return fmt.Errorf("%w: %s", ErrDuplicateSource, config.Name)
		}
	}
	r.config.DataSources = append(r.config.DataSources, config)
	if err := r.persistLocked(); err != nil {
		r.config.DataSources = r.config.DataSources[:len(r.config.DataSources)-1]
		return err
	}
	r.restartIfEnabledLocked()
	return nil
}

// RemoveDataSource drops a source by name. Removing an absent name is a
// no-op.
func (r *SourceRegistry) RemoveDataSource(name string) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return ErrInvalidInput
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.ensureLoadedLocked(); err != nil {
		return err
	}
	kept := r.config.DataSources[:0:0]
	removed := false
	for _, existing := range r.config.DataSources {
		if existing.Name == name {
			removed = true
			continue
		}
		kept = append(kept, existing)
	}
	if !removed {
		return nil
	}
	previous := r.config.DataSources
	r.config.DataSources = kept
	if err := r.persistLocked(); err != nil {
		r.config.DataSources = previous
		return err
	}
	r.restartIfEnabledLocked()
	return nil
}

// GetDataSources returns a copy of the configured sources.
func (r *SourceRegistry) GetDataSources() ([]DataSourceConfig, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.ensureLoadedLocked(); err != nil {
		return nil, err
	}
	sources := make([]DataSourceConfig, len(r.config.DataSources))
	copy(sources, r.config.DataSources)
	return sources, nil
}

// SetRealTimeMode persists the flag and starts or stops the bound engine.
// The bus sees the flip on topic realTimeMode.
func (r *SourceRegistry) SetRealTimeMode(enabled bool) error {
	r.mu.Lock()
	if err := r.ensureLoadedLocked(); err != nil {
		r.mu.Unlock()
		return err
	}
	previous := r.config.Enabled
	r.config.Enabled = enabled
	if err := r.persistLocked(); err != nil {
		r.config.Enabled = previous
		r.mu.Unlock()
		return err
	}
	control := r.control
	bus := r.bus
	r.mu.Unlock()

	if control != nil {
		r.controlMu.Lock()
		if enabled {
			control.StartRealTimeDataFetching()
		} else {
			control.StopRealTimeDataFetching()
		}
		r.controlMu.Unlock()
	}
	if bus != nil && previous != enabled {
		bus.Publish(EventRealTimeMode, enabled)
	}
	return nil
}

// IsRealTimeEnabled reports the persisted flag.
func (r *SourceRegistry) IsRealTimeEnabled() (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.ensureLoadedLocked(); err != nil {
		return false, err
	}
	return r.config.Enabled, nil
}

// Snapshot returns the full config for the engine's scheduling pass. The
// engine iterates the snapshot, never the live list.
func (r *SourceRegistry) Snapshot() (RealTimeConfig, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.ensureLoadedLocked(); err != nil {
		return RealTimeConfig{}, err
	}
	snapshot := RealTimeConfig{Enabled: r.config.Enabled}
	snapshot.DataSources = make([]DataSourceConfig, len(r.config.DataSources))
	copy(snapshot.DataSources, r.config.DataSources)
	return snapshot, nil
}

func (r *SourceRegistry) ensureLoadedLocked() error {
	if r.loaded {
		return nil
	}
	var persisted RealTimeConfig
	found, err := r.store.LoadConfigBlob(realTimeConfigKey, &persisted)
	if err != nil {
		return err
	}
	if found {
		r.config = persisted
	}
	r.loaded = true
	return nil
}

func (r *SourceRegistry) persistLocked() error {
	return r.store.SaveConfigBlob(realTimeConfigKey, r.config)
}

// Mutating the source list while fetching is enabled restarts the engine so
// its next scheduling pass sees the new snapshot.
func (r *SourceRegistry) restartIfEnabledLocked() {
	if !r.config.Enabled || r.control == nil {
		return
	}
	control := r.control
	go func() {
		r.controlMu.Lock()
		defer r.controlMu.Unlock()
		// The mode can flip while this goroutine waits its turn. A restart
		// must never start an engine the persisted flag says is off.
		r.mu.Lock()
		enabled := r.config.Enabled
		r.mu.Unlock()
		if !enabled {
			return
		}
		control.StopRealTimeDataFetching()
		control.StartRealTimeDataFetching()
	}()
}
