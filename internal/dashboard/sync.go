package dashboard

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

const defaultFetchTimeout = 15 * time.Second

// RealtimeTopic and FallbackTopic name the bus topics a source publishes to.
func RealtimeTopic(sourceName string) string { return "realtime-" + sourceName }
func FallbackTopic(sourceName string) string { return "fallback-" + sourceName }

// FetchFunc retrieves one payload from a source endpoint. It is injectable
// so tests can exercise the engine without a network.
type FetchFunc func(ctx context.Context, source DataSourceConfig, headers http.Header) (map[string]any, error)

// Engine polls every enabled data source on its own schedule and publishes
// the mapped field values on the bus. Each source runs independently; one
// source failing never stalls another's schedule.
type Engine struct {
	mu          sync.Mutex
	registry    *SourceRegistry
	credentials *CredentialStore
	facade      *FormDataFacade
	bus         *Bus
	fetch       FetchFunc
	cancel      context.CancelFunc
	logger      zerolog.Logger
}

// EngineOptions carries the engine's collaborators. Fetch defaults to an
// HTTP GET client with a 15 second timeout.
type EngineOptions struct {
	Registry    *SourceRegistry
	Credentials *CredentialStore
	Facade      *FormDataFacade
	Bus         *Bus
	Fetch       FetchFunc
	Logger      zerolog.Logger
}

func NewEngine(options EngineOptions) *Engine {
	fetch := options.Fetch
	if fetch == nil {
		fetch = httpFetch(&http.Client{Timeout: defaultFetchTimeout})
	}
	return &Engine{
		registry:    options.Registry,
		credentials: options.Credentials,
		facade:      options.Facade,
		bus:         options.Bus,
		fetch:       fetch,
		logger:      options.Logger,
	}
}

// StartRealTimeDataFetching snapshots the source list and starts one polling
// goroutine per enabled source: an eager fetch first, then a recurring tick
// at the source's refresh interval. Calling it while already running is a
// no-op.
func (e *Engine) StartRealTimeDataFetching() {
	e.mu.Lock()
	if e.cancel != nil {
		e.mu.Unlock()
		return
	}
	snapshot, err := e.registry.Snapshot()
	if err != nil {
		e.mu.Unlock()
		e.logger.Error().Err(err).Msg("cannot load data sources, real-time fetching not started")
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	e.cancel = cancel
	e.mu.Unlock()

	started := 0
	for _, source := range snapshot.DataSources {
		if !source.Enabled {
			continue
		}
		started++
		go e.runSource(ctx, source)
	}
	e.logger.Info().Int("sources", started).Msg("real-time fetching started")
}

// StopRealTimeDataFetching cancels every armed schedule. Fetches already in
// flight run to completion but their results are discarded.
func (e *Engine) StopRealTimeDataFetching() {
	e.mu.Lock()
	cancel := e.cancel
	e.cancel = nil
	e.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	e.logger.Info().Msg("real-time fetching stopped")
}

// Running reports whether schedules are currently armed.
func (e *Engine) Running() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.cancel != nil
}

func (e *Engine) runSource(ctx context.Context, source DataSourceConfig) {
	interval := time.Duration(source.RefreshInterval) * time.Minute
	if interval <= 0 {
		interval = time.Minute
	}
	e.fetchOnce(ctx, source)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.fetchOnce(ctx, source)
		}
	}
}

func (e *Engine) fetchOnce(ctx context.Context, source DataSourceConfig) {
	defer func() {
		if recovered := recover(); recovered != nil {
			e.logger.Error().
				Str("source", source.Name).
				Interface("panic", recovered).
				Msg("fetch panicked")
		}
	}()

	headers, err := e.credentials.AuthHeaders(source.Name, source.AuthMethod)
	if err != nil {
		e.logger.Warn().Err(err).Str("source", source.Name).Msg("auth headers unavailable")
		e.publishFallback(ctx, source)
		return
	}
	payload, err := e.fetch(ctx, source, headers)
	if err != nil {
		e.logger.Warn().Err(err).Str("source", source.Name).Msg("fetch failed")
		e.publishFallback(ctx, source)
		return
	}

	update := map[string]any{}
	for _, mapping := range source.Fields {
		value, ok := ExtractFieldValue(payload, mapping.SourceField)
		if ok {
			update[mapping.DashboardField] = ApplyTransformation(value, mapping.Transformation)
			continue
		}
		if !mapping.FallbackToForm {
			continue
		}
		if fallback, found := e.facade.LookupField(mapping.DashboardField); found {
			update[mapping.DashboardField] = fallback
		}
	}
	// A fetch that completed after the engine stopped is discarded.
	if ctx.Err() != nil {
		return
	}
	e.bus.Publish(RealtimeTopic(source.Name), update)
	e.logger.Debug().
		Str("source", source.Name).
		Int("fields", len(update)).
		Msg("published realtime update")
}

// publishFallback answers a total fetch failure with the last manually
// entered values for every fallback-eligible field. Fields with no stored
// value are omitted, never zero-filled.
func (e *Engine) publishFallback(ctx context.Context, source DataSourceConfig) {
	update := map[string]any{}
	for _, mapping := range source.Fields {
		if !mapping.FallbackToForm {
			continue
		}
		if value, found := e.facade.LookupField(mapping.DashboardField); found {
			update[mapping.DashboardField] = value
		}
	}
	if ctx.Err() != nil {
		return
	}
	e.bus.Publish(FallbackTopic(source.Name), update)
}

func httpFetch(client *http.Client) FetchFunc {
	return func(ctx context.Context, source DataSourceConfig, headers http.Header) (map[string]any, error) {
		request, err := http.NewRequestWithContext(ctx, http.MethodGet, source.APIEndpoint, nil)
		if err != nil {
			return nil, err
		}
		for key, values := range headers {
			for _, value := range values {
				request.Header.Add(key, value)
			}
		}
		response, err := client.Do(request)
		if err != nil {
			return nil, err
		}
		defer response.Body.Close()
		if response.StatusCode < 200 || response.StatusCode > 299 {
			return nil, fmt.Errorf("%s returned status %d", source.APIEndpoint, response.StatusCode)
		}
		var payload map[string]any
		decoder := json.NewDecoder(response.Body)
		if err := decoder.Decode(&payload); err != nil {
			return nil, fmt.Errorf("decode response from %s: %w", source.APIEndpoint, err)
		}
		return payload, nil
	}
}

var _ EngineControl = (*Engine)(nil)
