package dashboard

import (
	"time"

	"github.com/rs/zerolog"
)

// Options configures a Dashboard. FlatDSN and StructuredDSN go through the
// backend factories; empty DSNs fall back to in-memory backends so tests and
// ephemeral runs need no filesystem.
type Options struct {
	FlatDSN          string
	StructuredDSN    string
	CredentialsPath  string
	WatchCredentials bool
	RetentionHorizon time.Duration
	HistoryCap       int
	Fetch            FetchFunc
	Logger           zerolog.Logger
}

// Dashboard is the composition root: it owns the store, the bus, the façade,
// the source registry, the credential store, and the sync engine. Construct
// one per process and inject it into consumers.
type Dashboard struct {
	Store       *Store
	Bus         *Bus
	Facade      *FormDataFacade
	Registry    *SourceRegistry
	Credentials *CredentialStore
	Engine      *Engine

	flat       FlatBackend
	structured RecordBackend
	logger     zerolog.Logger
}

// New wires the full component graph. If the persisted configuration says
// real-time mode was enabled, fetching resumes immediately.
func New(options Options) (*Dashboard, error) {
	logger := options.Logger

	flat, err := BuildFlatBackendFromDSN(options.FlatDSN)
	if err != nil {
		return nil, err
	}
	if flat == nil {
		flat = NewInMemoryFlatBackend()
	}
	structured, err := BuildRecordBackendFromDSN(options.StructuredDSN)
	if err != nil {
		_ = flat.Close()
		return nil, err
	}
	if structured == nil {
		structured = NewInMemoryRecordBackend()
	}

	store, err := NewStore(StoreOptions{
		Flat:             flat,
		Structured:       structured,
		RetentionHorizon: options.RetentionHorizon,
		HistoryCap:       options.HistoryCap,
		Logger:           logger,
	})
	if err != nil {
		_ = structured.Close()
		_ = flat.Close()
		return nil, err
	}
	bus := NewBus(logger)
	facade := NewFormDataFacade(store, bus, logger)
	credentials := NewCredentialStore(options.CredentialsPath, logger)
	registry := NewSourceRegistry(store, bus, logger)
	engine := NewEngine(EngineOptions{
		Registry:    registry,
		Credentials: credentials,
		Facade:      facade,
		Bus:         bus,
		Fetch:       options.Fetch,
		Logger:      logger,
	})
	registry.BindControl(engine)

	if options.WatchCredentials {
		if err := credentials.Watch(); err != nil {
			logger.Warn().Err(err).Msg("credential watching unavailable")
		}
	}

	d := &Dashboard{
		Store:       store,
		Bus:         bus,
		Facade:      facade,
		Registry:    registry,
		Credentials: credentials,
		Engine:      engine,
		flat:        flat,
		structured:  structured,
		logger:      logger,
	}

	enabled, err := registry.IsRealTimeEnabled()
	if err != nil {
		logger.Warn().Err(err).Msg("cannot read persisted real-time flag")
	} else if enabled {
		engine.StartRealTimeDataFetching()
	}
	return d, nil
}

// Close stops the engine and releases every backend.
func (d *Dashboard) Close() error {
	if d == nil {
		return nil
	}
	d.Engine.StopRealTimeDataFetching()
	var firstErr error
	if err := d.Credentials.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := d.structured.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := d.flat.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}
