package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/khalidsaidi/aistatusdashboard-sub006/internal/config"
	"github.com/khalidsaidi/aistatusdashboard-sub006/internal/fallback"
	"github.com/khalidsaidi/aistatusdashboard-sub006/internal/incident"
	"github.com/khalidsaidi/aistatusdashboard-sub006/internal/metrics"
	"github.com/khalidsaidi/aistatusdashboard-sub006/internal/model"
)

const maxRequestBody = 1 << 20

// Engine is the query surface the API exposes. Every method returns derived
// state only; handlers never reach into the stores directly.
type Engine interface {
	Copilot(ctx context.Context, seg model.SegmentKey, windowMinutes int) (model.CopilotResponse, error)
	RateLimits(ctx context.Context, provider string, windowMinutes int) (model.RateLimitSummary, error)
	Throughput(ctx context.Context, seg model.SegmentKey) (model.ThroughputBaseline, error)
	Staleness(ctx context.Context, provider string, windowMinutes int) ([]model.StalenessSignal, error)
	Warnings(provider string, includeRetired bool) []model.EarlyWarningSignal
	Warning(id string) (model.EarlyWarningSignal, bool)
	SegmentCount() int
	Reset()
}

// Planner synthesizes fallback plans on demand.
type Planner interface {
	Plan(ctx context.Context, req fallback.Request) (model.FallbackPlan, error)
}

type Server struct {
	cfg       *config.Manager
	engine    Engine
	planner   Planner
	incidents *incident.Store
	logger    *slog.Logger
	version   string
}

type statusResponse struct {
	Status     string          `json:"status"`
	Time       string          `json:"time"`
	Version    string          `json:"version"`
	ConfigPath string          `json:"config_path"`
	Ingest     ingestStatus    `json:"ingest"`
	API        apiStatus       `json:"api"`
	Windows    windowsStatus   `json:"windows"`
	Detection  detectionStatus `json:"detection"`
	Storage    storageStatus   `json:"storage"`
	Segments   int             `json:"segments"`
	Warnings   int             `json:"active_warnings"`
}

type ingestStatus struct {
	REST     bool `json:"rest"`
	Kafka    bool `json:"kafka"`
	FileTail bool `json:"file_tail"`
}

type apiStatus struct {
	Enabled bool   `json:"enabled"`
	Addr    string `json:"addr"`
}

type windowsStatus struct {
	DefaultMinutes  int `json:"default_minutes"`
	BaselineMinutes int `json:"baseline_minutes"`
	MaxMinutes      int `json:"max_minutes"`
}

type detectionStatus struct {
	ConfirmCycles int    `json:"confirm_cycles"`
	ClearCycles   int    `json:"clear_cycles"`
	WindowMinutes int    `json:"window_minutes"`
	EvalInterval  string `json:"eval_interval"`
}

type storageStatus struct {
	Enabled bool   `json:"enabled"`
	Driver  string `json:"driver"`
}

func Start(ctx context.Context, cfg *config.Manager, engine Engine, planner Planner, incidents *incident.Store, logger *slog.Logger, version string) *http.Server {
	if cfg == nil {
		return nil
	}
	current := cfg.Get().API
	if !current.Enabled {
		if logger != nil {
			logger.Info("api disabled")
		}
		return nil
	}
	if logger != nil {
		logger.Info("api enabled", "addr", current.Addr)
	}
	server := &Server{
		cfg:       cfg,
		engine:    engine,
		planner:   planner,
		incidents: incidents,
		logger:    logger,
		version:   version,
	}

	httpServer := &http.Server{Addr: current.Addr, Handler: server.Router()}
	go func() {
		<-ctx.Done()
		ctxShutdown, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = httpServer.Shutdown(ctxShutdown)
	}()
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			if logger != nil {
				logger.Error("api server error", "err", err)
			}
		}
	}()
	return httpServer
}

// Router wires every route; exported so handler tests can hit it directly.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	r.Use(s.instrument)

	v1 := r.PathPrefix("/v1").Subrouter()
	v1.HandleFunc("/copilot", s.handleCopilot).Methods(http.MethodGet)
	v1.HandleFunc("/warnings", s.handleWarnings).Methods(http.MethodGet)
	v1.HandleFunc("/warnings/{id}", s.handleWarning).Methods(http.MethodGet)
	v1.HandleFunc("/staleness", s.handleStaleness).Methods(http.MethodGet)
	v1.HandleFunc("/fallback", s.handleFallback).Methods(http.MethodPost)
	v1.HandleFunc("/ratelimits", s.handleRateLimits).Methods(http.MethodGet)
	v1.HandleFunc("/throughput", s.handleThroughput).Methods(http.MethodGet)
	v1.HandleFunc("/incidents", s.handleIncidentList).Methods(http.MethodGet)
	v1.HandleFunc("/incidents", s.handleIncidentUpsert).Methods(http.MethodPost)
	v1.HandleFunc("/status", s.handleStatus).Methods(http.MethodGet)
	v1.HandleFunc("/admin/reset", s.handleReset).Methods(http.MethodPost)

	r.HandleFunc("/healthz", s.handleHealthz).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	return r
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (s *Server) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		route := r.URL.Path
		if cur := mux.CurrentRoute(r); cur != nil {
			if tmpl, err := cur.GetPathTemplate(); err == nil {
				route = tmpl
			}
		}
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()
		next.ServeHTTP(rec, r)
		metrics.QueryDuration.WithLabelValues(route, strconv.Itoa(rec.status)).Observe(time.Since(start).Seconds())
	})
}

func (s *Server) handleCopilot(w http.ResponseWriter, r *http.Request) {
	seg, err := segmentFromQuery(r.URL.Query())
	if err != nil {
		s.writeError(w, err)
		return
	}
	window, err := s.windowFromQuery(r.URL.Query())
	if err != nil {
		s.writeError(w, err)
		return
	}
	resp, err := s.engine.Copilot(r.Context(), seg, window)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleWarnings(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	provider := strings.ToLower(strings.TrimSpace(q.Get("provider")))
	includeRetired := boolParam(q.Get("includeRetired"))
	list := s.engine.Warnings(provider, includeRetired)
	writeJSON(w, http.StatusOK, map[string]any{
		"warnings": list,
		"count":    len(list),
	})
}

func (s *Server) handleWarning(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	signal, ok := s.engine.Warning(id)
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "unknown warning id"})
		return
	}
	writeJSON(w, http.StatusOK, signal)
}

func (s *Server) handleStaleness(w http.ResponseWriter, r *http.Request) {
	provider := strings.ToLower(strings.TrimSpace(r.URL.Query().Get("provider")))
	window, err := s.windowFromQuery(r.URL.Query())
	if err != nil {
		s.writeError(w, err)
		return
	}
	list, err := s.engine.Staleness(r.Context(), provider, window)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"staleness": list,
		"count":     len(list),
	})
}

func (s *Server) handleFallback(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxRequestBody))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "body unreadable or too large"})
		return
	}
	var req fallback.Request
	if err := json.Unmarshal(body, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "malformed request: " + err.Error()})
		return
	}
	plan, err := s.planner.Plan(r.Context(), req)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, plan)
}

func (s *Server) handleRateLimits(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	provider := strings.ToLower(strings.TrimSpace(q.Get("provider")))
	if provider == "" {
		s.writeError(w, model.Validationf("provider", "required"))
		return
	}
	window, err := s.windowFromQuery(q)
	if err != nil {
		s.writeError(w, err)
		return
	}
	summary, err := s.engine.RateLimits(r.Context(), provider, window)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

func (s *Server) handleThroughput(w http.ResponseWriter, r *http.Request) {
	seg, err := segmentFromQuery(r.URL.Query())
	if err != nil {
		s.writeError(w, err)
		return
	}
	baseline, err := s.engine.Throughput(r.Context(), seg)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, baseline)
}

func (s *Server) handleIncidentList(w http.ResponseWriter, r *http.Request) {
	provider := strings.ToLower(strings.TrimSpace(r.URL.Query().Get("provider")))
	list := s.incidents.All(provider)
	writeJSON(w, http.StatusOK, map[string]any{
		"incidents": list,
		"count":     len(list),
	})
}

// handleIncidentUpsert is the push alternative to feed polling: providers or
// internal tooling POST records here and the store treats them as a sync.
func (s *Server) handleIncidentUpsert(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxRequestBody))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "body unreadable or too large"})
		return
	}
	records, err := incident.DecodeRecords(body)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}

	accepted, rejected := 0, 0
	var firstErr string
	for _, rec := range records {
		if err := s.incidents.Upsert(rec.Incident()); err != nil {
			rejected++
			if firstErr == "" {
				firstErr = err.Error()
			}
			if s.logger != nil {
				s.logger.Warn("rejecting incident record", "id", rec.ID, "err", err)
			}
			continue
		}
		accepted++
	}
	if accepted > 0 {
		s.incidents.MarkSynced()
	}

	status := http.StatusAccepted
	if accepted == 0 && rejected > 0 {
		status = http.StatusBadRequest
	}
	resp := map[string]any{"accepted": accepted, "rejected": rejected}
	if firstErr != "" {
		resp["error"] = firstErr
	}
	writeJSON(w, status, resp)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	cfg := s.cfg.Get()
	resp := statusResponse{
		Status:     "ok",
		Time:       time.Now().UTC().Format(time.RFC3339Nano),
		Version:    s.version,
		ConfigPath: s.cfg.Path(),
		Ingest: ingestStatus{
			REST:     cfg.Ingest.REST.Enabled,
			Kafka:    cfg.Ingest.Kafka.Enabled,
			FileTail: cfg.Ingest.FileTail.Enabled,
		},
		API: apiStatus{Enabled: cfg.API.Enabled, Addr: cfg.API.Addr},
		Windows: windowsStatus{
			DefaultMinutes:  cfg.Windows.DefaultMinutes,
			BaselineMinutes: cfg.Windows.BaselineMinutes,
			MaxMinutes:      cfg.Windows.MaxMinutes,
		},
		Detection: detectionStatus{
			ConfirmCycles: cfg.Anomaly.ConfirmCycles,
			ClearCycles:   cfg.Anomaly.ClearCycles,
			WindowMinutes: cfg.Anomaly.WindowMinutes,
			EvalInterval:  cfg.Anomaly.EvalInterval.String(),
		},
		Storage:  storageStatus{Enabled: cfg.Storage.Enabled, Driver: cfg.Storage.Driver},
		Segments: s.engine.SegmentCount(),
		Warnings: len(s.engine.Warnings("", false)),
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleReset(w http.ResponseWriter, r *http.Request) {
	s.engine.Reset()
	if s.logger != nil {
		s.logger.Info("engine state reset via api")
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func segmentFromQuery(q url.Values) (model.SegmentKey, error) {
	seg := model.SegmentKey{
		Provider: strings.ToLower(strings.TrimSpace(q.Get("provider"))),
		Model:    strings.TrimSpace(q.Get("model")),
		Endpoint: strings.ToLower(strings.TrimSpace(q.Get("endpoint"))),
		Region:   strings.ToLower(strings.TrimSpace(q.Get("region"))),
		Tier:     strings.ToLower(strings.TrimSpace(q.Get("tier"))),
	}
	switch {
	case seg.Provider == "":
		return seg, model.Validationf("provider", "required")
	case seg.Model == "":
		return seg, model.Validationf("model", "required")
	case seg.Endpoint == "":
		return seg, model.Validationf("endpoint", "required")
	case seg.Region == "":
		return seg, model.Validationf("region", "required")
	}
	if seg.Tier == "" {
		seg.Tier = "unknown"
	}
	if v := q.Get("streaming"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return seg, model.Validationf("streaming", "not a boolean: %q", v)
		}
		seg.Streaming = b
	}
	return seg, nil
}

func (s *Server) windowFromQuery(q url.Values) (int, error) {
	cfg := s.cfg.Get()
	v := q.Get("window")
	if v == "" {
		return cfg.Windows.DefaultMinutes, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return 0, model.Validationf("window", "must be a positive integer, got %q", v)
	}
	if n > cfg.Windows.MaxMinutes {
		return 0, model.Validationf("window", "%d exceeds the maximum window %d", n, cfg.Windows.MaxMinutes)
	}
	return n, nil
}

func boolParam(v string) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "1", "true", "yes":
		return true
	}
	return false
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case model.IsValidation(err):
		status = http.StatusBadRequest
	case errors.Is(err, model.ErrUpstreamUnavailable):
		status = http.StatusServiceUnavailable
	case errors.Is(err, model.ErrInternalAggregation):
		status = http.StatusInternalServerError
	}
	if status >= 500 && s.logger != nil {
		s.logger.Error("request failed", "err", err)
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
