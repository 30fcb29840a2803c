package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"math"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/qualityforge/qedash/internal/dashboard"
)

type ServerConfig struct {
	APIToken        string
	RateLimitMax    int
	RateLimitWindow time.Duration
	MaxBodyBytes    int64
}

type Server struct {
	dash        *dashboard.Dashboard
	cfg         ServerConfig
	rateLimiter *rateLimiter
}

type rateLimiter struct {
	mu      sync.Mutex
	window  time.Duration
	max     int
	entries map[string]rateEntry
}

type rateEntry struct {
	count   int
	resetAt time.Time
}

func NewServer(dash *dashboard.Dashboard) *Server {
	return NewServerWithConfig(dash, ServerConfig{})
}

func NewServerWithConfig(dash *dashboard.Dashboard, cfg ServerConfig) *Server {
	if cfg.RateLimitMax < 0 {
		cfg.RateLimitMax = 0
	}
	if cfg.RateLimitWindow <= 0 {
		cfg.RateLimitWindow = time.Minute
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 1 << 20
	}
	var limiter *rateLimiter
	if cfg.RateLimitMax > 0 {
		limiter = &rateLimiter{
			window:  cfg.RateLimitWindow,
			max:     cfg.RateLimitMax,
			entries: map[string]rateEntry{},
		}
	}
	return &Server{
		dash:        dash,
		cfg:         cfg,
		rateLimiter: limiter,
	}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path == "/health" && r.Method == http.MethodGet {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		return
	}

	correlationID := getCorrelationID(r)
	parts := strings.Split(strings.TrimPrefix(r.URL.Path, "/"), "/")
	if len(parts) < 2 || parts[0] != "v1" {
		writeError(w, http.StatusNotFound, "not_found", "route not found", correlationID)
		return
	}

	if authErr := authorizeBearer(r, s.cfg.APIToken); authErr != nil {
		writeError(w, authErr.status, authErr.code, authErr.message, correlationID)
		return
	}
	if s.rateLimiter != nil {
		if !s.rateLimiter.allow(clientKey(r), time.Now().UTC()) {
			retryAfter := int(math.Ceil(s.rateLimiter.window.Seconds()))
			if retryAfter < 1 {
				retryAfter = 1
			}
			w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
			writeError(w, http.StatusTooManyRequests, "rate_limited", "rate limit exceeded", correlationID)
			return
		}
	}

	switch {
	case len(parts) == 2 && parts[1] == "forms" && r.Method == http.MethodGet:
		s.handleQueryForms(w, r, "", correlationID)
	case len(parts) == 3 && parts[1] == "forms" && r.Method == http.MethodGet:
		s.handleQueryForms(w, r, parts[2], correlationID)
	case len(parts) == 3 && parts[1] == "forms" && r.Method == http.MethodPost:
		s.handleSaveForm(w, r, parts[2], correlationID)
	case len(parts) == 4 && parts[1] == "forms" && parts[3] == "latest" && r.Method == http.MethodGet:
		s.handleLatestForm(w, r, parts[2], correlationID)
	case len(parts) == 2 && parts[1] == "applications" && r.Method == http.MethodGet:
		s.handleListApplications(w, r, correlationID)
	case len(parts) == 3 && parts[1] == "applications" && r.Method == http.MethodGet:
		s.handleGetApplication(w, r, parts[2], correlationID)
	case len(parts) == 3 && parts[1] == "applications" && r.Method == http.MethodPut:
		s.handleSaveApplication(w, r, parts[2], correlationID)
	case len(parts) == 2 && parts[1] == "sources" && r.Method == http.MethodGet:
		s.handleListSources(w, r, correlationID)
	case len(parts) == 2 && parts[1] == "sources" && r.Method == http.MethodPost:
		s.handleAddSource(w, r, correlationID)
	case len(parts) == 3 && parts[1] == "sources" && r.Method == http.MethodDelete:
		s.handleRemoveSource(w, r, parts[2], correlationID)
	case len(parts) == 4 && parts[1] == "sources" && parts[3] == "credentials" && r.Method == http.MethodPut:
		s.handleSetCredentials(w, r, parts[2], correlationID)
	case len(parts) == 2 && parts[1] == "realtime" && r.Method == http.MethodGet:
		s.handleGetRealTimeMode(w, r, correlationID)
	case len(parts) == 2 && parts[1] == "realtime" && r.Method == http.MethodPut:
		s.handleSetRealTimeMode(w, r, correlationID)
	case len(parts) == 2 && parts[1] == "export" && r.Method == http.MethodGet:
		s.handleExport(w, r, correlationID)
	case len(parts) == 2 && parts[1] == "cleanup" && r.Method == http.MethodPost:
		s.handleCleanup(w, r, correlationID)
	case len(parts) == 2 && parts[1] == "events" && r.Method == http.MethodGet:
		s.handleEvents(w, r, correlationID)
	default:
		writeError(w, http.StatusNotFound, "not_found", "route not found", correlationID)
	}
}

type saveFormRequest struct {
	Data     map[string]any            `json:"data"`
	Metadata *dashboard.RecordMetadata `json:"metadata,omitempty"`
}

func (s *Server) handleSaveForm(w http.ResponseWriter, r *http.Request, formType, correlationID string) {
	body, ok := s.readRequestBody(w, r, correlationID)
	if !ok {
		return
	}
	var req saveFormRequest
	if err := json.Unmarshal(body, &req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid JSON body", correlationID)
		return
	}
	id, err := s.dash.Facade.SaveFormData(formType, req.Data, req.Metadata)
	if err != nil {
		s.writeDomainError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"id": id})
}

func (s *Server) handleQueryForms(w http.ResponseWriter, r *http.Request, formType, correlationID string) {
	query := dashboard.FormQuery{
		Type:   formType,
		UserID: r.URL.Query().Get("userId"),
		Limit:  parseBoundedInt(r.URL.Query().Get("limit"), 0, 0, 1000),
	}
	var err error
	if query.FromDate, err = parseTimeParam(r.URL.Query().Get("from")); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid from parameter", correlationID)
		return
	}
	if query.ToDate, err = parseTimeParam(r.URL.Query().Get("to")); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid to parameter", correlationID)
		return
	}
	records, err := s.dash.Store.GetFormData(query)
	if err != nil {
		s.writeDomainError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"records": records})
}

func (s *Server) handleLatestForm(w http.ResponseWriter, _ *http.Request, formType, correlationID string) {
	record, found, err := s.dash.Store.GetLatestFormData(formType)
	if err != nil {
		s.writeDomainError(w, err, correlationID)
		return
	}
	if !found {
		writeError(w, http.StatusNotFound, "not_found", "no records for form type "+formType, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, record)
}

func (s *Server) handleSaveApplication(w http.ResponseWriter, r *http.Request, name, correlationID string) {
	body, ok := s.readRequestBody(w, r, correlationID)
	if !ok {
		return
	}
	var partial map[string]any
	if err := json.Unmarshal(body, &partial); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid JSON body", correlationID)
		return
	}
	id, err := s.dash.Store.SaveApplicationStatus(name, partial)
	if err != nil {
		s.writeDomainError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"id": id})
}

func (s *Server) handleGetApplication(w http.ResponseWriter, _ *http.Request, name, correlationID string) {
	record, found, err := s.dash.Store.GetApplicationStatus(name)
	if err != nil {
		s.writeDomainError(w, err, correlationID)
		return
	}
	if !found {
		writeError(w, http.StatusNotFound, "not_found", "no status for application "+name, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, record)
}

func (s *Server) handleListApplications(w http.ResponseWriter, _ *http.Request, correlationID string) {
	statuses, err := s.dash.Store.GetApplicationStatuses()
	if err != nil {
		s.writeDomainError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"applications": statuses})
}

func (s *Server) handleListSources(w http.ResponseWriter, _ *http.Request, correlationID string) {
	sources, err := s.dash.Registry.GetDataSources()
	if err != nil {
		s.writeDomainError(w, err, correlationID)
		return
	}
	sort.Slice(sources, func(i, j int) bool { return sources[i].Name < sources[j].Name })
	writeJSON(w, http.StatusOK, map[string]any{"sources": sources})
}

func (s *Server) handleAddSource(w http.ResponseWriter, r *http.Request, correlationID string) {
	body, ok := s.readRequestBody(w, r, correlationID)
	if !ok {
		return
	}
	var config dashboard.DataSourceConfig
	if err := json.Unmarshal(body, &config); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid JSON body", correlationID)
		return
	}
	if err := s.dash.Registry.AddDataSource(config); err != nil {
		s.writeDomainError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"name": config.Name})
}

func (s *Server) handleRemoveSource(w http.ResponseWriter, _ *http.Request, name, correlationID string) {
	if err := s.dash.Registry.RemoveDataSource(name); err != nil {
		s.writeDomainError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"name": name})
}

type setCredentialsRequest struct {
	Token    string `json:"token,omitempty"`
	APIKey   string `json:"apiKey,omitempty"`
	Username string `json:"username,omitempty"`
	Password string `json:"password,omitempty"`
}

func (s *Server) handleSetCredentials(w http.ResponseWriter, r *http.Request, name, correlationID string) {
	body, ok := s.readRequestBody(w, r, correlationID)
	if !ok {
		return
	}
	var req setCredentialsRequest
	if err := json.Unmarshal(body, &req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid JSON body", correlationID)
		return
	}
	err := s.dash.Credentials.SetCredentials(name, dashboard.Credentials{
		Token:    req.Token,
		APIKey:   req.APIKey,
		Username: req.Username,
		Password: req.Password,
	})
	if err != nil {
		s.writeDomainError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"name": name})
}

func (s *Server) handleGetRealTimeMode(w http.ResponseWriter, _ *http.Request, correlationID string) {
	enabled, err := s.dash.Registry.IsRealTimeEnabled()
	if err != nil {
		s.writeDomainError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"enabled": enabled, "running": s.dash.Engine.Running()})
}

type setRealTimeModeRequest struct {
	Enabled bool `json:"enabled"`
}

func (s *Server) handleSetRealTimeMode(w http.ResponseWriter, r *http.Request, correlationID string) {
	body, ok := s.readRequestBody(w, r, correlationID)
	if !ok {
		return
	}
	var req setRealTimeModeRequest
	if err := json.Unmarshal(body, &req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid JSON body", correlationID)
		return
	}
	if err := s.dash.Registry.SetRealTimeMode(req.Enabled); err != nil {
		s.writeDomainError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"enabled": req.Enabled})
}

func (s *Server) handleExport(w http.ResponseWriter, _ *http.Request, correlationID string) {
	snapshot, err := s.dash.Store.ExportAllData()
	if err != nil {
		s.writeDomainError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, snapshot)
}

func (s *Server) handleCleanup(w http.ResponseWriter, _ *http.Request, correlationID string) {
	removed, err := s.dash.Store.CleanupOldData()
	if err != nil {
		s.writeDomainError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"removed": removed})
}

func (s *Server) writeDomainError(w http.ResponseWriter, err error, correlationID string) {
	switch {
	case errors.Is(err, dashboard.ErrInvalidInput):
		writeError(w, http.StatusBadRequest, "bad_request", err.Error(), correlationID)
	case errors.Is(err, dashboard.ErrDuplicateSource):
		writeError(w, http.StatusConflict, "conflict", err.Error(), correlationID)
	case errors.Is(err, dashboard.ErrNotFound):
		writeError(w, http.StatusNotFound, "not_found", err.Error(), correlationID)
	default:
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error(), correlationID)
	}
}

func (s *Server) readRequestBody(w http.ResponseWriter, r *http.Request, correlationID string) ([]byte, bool) {
	body, err := io.ReadAll(io.LimitReader(r.Body, s.cfg.MaxBodyBytes+1))
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "unable to read request body", correlationID)
		return nil, false
	}
	if int64(len(body)) > s.cfg.MaxBodyBytes {
		writeError(w, http.StatusRequestEntityTooLarge, "payload_too_large", "request body exceeds limit", correlationID)
		return nil, false
	}
	return body, true
}

func getCorrelationID(r *http.Request) string {
	return strings.TrimSpace(r.Header.Get("X-Correlation-Id"))
}

func clientKey(r *http.Request) string {
	if forwarded := strings.TrimSpace(r.Header.Get("X-Forwarded-For")); forwarded != "" {
		return forwarded
	}
	return r.RemoteAddr
}

func parseBoundedInt(raw string, fallback, min, max int) int {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	if value < min {
		return min
	}
	if value > max {
		return max
	}
	return value
}

func parseTimeParam(raw string) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339, raw)
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code, message, correlationID string) {
	writeJSON(w, status, map[string]any{
		"code":          code,
		"message":       message,
		"correlationId": correlationID,
	})
}

func (l *rateLimiter) allow(key string, now time.Time) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	entry, ok := l.entries[key]
	if !ok || now.After(entry.resetAt) {
		l.entries[key] = rateEntry{
			count:   1,
			resetAt: now.Add(l.window),
		}
		return true
	}
	if entry.count >= l.max {
		return false
	}
	entry.count++
	l.entries[key] = entry
	return true
}
