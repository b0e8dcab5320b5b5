package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"traffic-vsl-optimizer/internal/analysis"
	"traffic-vsl-optimizer/internal/config"
	"traffic-vsl-optimizer/internal/db"
	"traffic-vsl-optimizer/internal/models"
	"traffic-vsl-optimizer/internal/optimizer"
	"traffic-vsl-optimizer/internal/parser"
	"traffic-vsl-optimizer/internal/physics"
	"traffic-vsl-optimizer/internal/pipeline"

	"github.com/gorilla/mux"
)

// Server represents the API server
type Server struct {
	db     *db.Database
	cfg    config.Config
	router *mux.Router
	logger *slog.Logger

	cleaner  *pipeline.Cleaner
	enricher *pipeline.Enricher
	est      *physics.Estimator
	engine   *optimizer.Engine
}

// NewServer creates a new API server
func NewServer(database *db.Database, cfg config.Config, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		db:       database,
		cfg:      cfg,
		router:   mux.NewRouter(),
		logger:   logger,
		cleaner:  pipeline.NewCleaner(cfg),
		enricher: pipeline.NewEnricher(cfg),
		est:      physics.NewEstimator(cfg),
		engine:   optimizer.New(cfg),
	}
	s.setupRoutes()
	return s
}

// setupRoutes configures all API routes
func (s *Server) setupRoutes() {
	// Health check
	s.router.HandleFunc("/health", s.handleHealth).Methods("GET")

	// Station endpoints
	s.router.HandleFunc("/api/v1/stations", s.handleListStations).Methods("GET")
	s.router.HandleFunc("/api/v1/stations", s.handleCreateStation).Methods("POST")
	s.router.HandleFunc("/api/v1/stations/{id}", s.handleGetStation).Methods("GET")

	// Observation endpoints
	s.router.HandleFunc("/api/v1/observations", s.handleQueryObservations).Methods("GET")
	s.router.HandleFunc("/api/v1/observations", s.handleCreateObservation).Methods("POST")
	s.router.HandleFunc("/api/v1/observations/batch", s.handleBatchObservations).Methods("POST")
	s.router.HandleFunc("/api/v1/observations/latest/{sensor_id}", s.handleLatestObservation).Methods("GET")

	// Sensor analysis endpoints
	s.router.HandleFunc("/api/v1/sensors", s.handleListSensors).Methods("GET")
	s.router.HandleFunc("/api/v1/sensors/{sensor_id}/diagram", s.handleSensorDiagram).Methods("GET")
	s.router.HandleFunc("/api/v1/sensors/{sensor_id}/optimized", s.handleSensorOptimized).Methods("GET")
	s.router.HandleFunc("/api/v1/sensors/{sensor_id}/summary", s.handleSensorSummary).Methods("GET")

	// Analysis run endpoints
	s.router.HandleFunc("/api/v1/analysis/runs", s.handleListRuns).Methods("GET")
	s.router.HandleFunc("/api/v1/analysis/runs/{id}", s.handleGetRun).Methods("GET")

	// Stats endpoint
	s.router.HandleFunc("/api/v1/stats", s.handleStats).Methods("GET")

	// Add middleware
	s.router.Use(s.loggingMiddleware)
	s.router.Use(jsonMiddleware)
}

// Router returns the configured router
func (s *Server) Router() *mux.Router {
	return s.router
}

// Middleware
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Info("request", "method", r.Method, "path", r.URL.Path, "duration", time.Since(start))
	})
}

func jsonMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		next.ServeHTTP(w, r)
	})
}

// Response helpers
type apiResponse struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   string      `json:"error,omitempty"`
	Meta    *meta       `json:"meta,omitempty"`
}

type meta struct {
	Total   int   `json:"total,omitempty"`
	Limit   int   `json:"limit,omitempty"`
	Offset  int   `json:"offset,omitempty"`
	QueryMs int64 `json:"query_ms,omitempty"`
}

func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(apiResponse{Success: true, Data: data})
}

func respondError(w http.ResponseWriter, status int, message string) {
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(apiResponse{Success: false, Error: message})
}

func respondWithMeta(w http.ResponseWriter, data interface{}, m *meta) {
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(apiResponse{Success: true, Data: data, Meta: m})
}

// Handlers
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

func (s *Server) handleListStations(w http.ResponseWriter, r *http.Request) {
	stations, err := s.db.ListStations()
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, stations)
}

func (s *Server) handleCreateStation(w http.ResponseWriter, r *http.Request) {
	var st models.Station
	if err := json.NewDecoder(r.Body).Decode(&st); err != nil {
		respondError(w, http.StatusBadRequest, "invalid JSON")
		return
	}

	if st.ID == "" {
		respondError(w, http.StatusBadRequest, "id is required")
		return
	}

	if err := s.db.UpsertStation(&st); err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	respondJSON(w, http.StatusCreated, st)
}

func (s *Server) handleGetStation(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	id := vars["id"]

	station, err := s.db.GetStation(id)
	if err != nil {
		respondError(w, http.StatusNotFound, "station not found")
		return
	}

	respondJSON(w, http.StatusOK, station)
}

func (s *Server) handleQueryObservations(w http.ResponseWriter, r *http.Request) {
	start := time.Now()

	q := models.ObservationQuery{
		SensorID: r.URL.Query().Get("sensor_id"),
		Limit:    100, // default
	}

	if v := r.URL.Query().Get("limit"); v != "" {
		q.Limit, _ = strconv.Atoi(v)
	}
	if v := r.URL.Query().Get("offset"); v != "" {
		q.Offset, _ = strconv.Atoi(v)
	}
	if v := r.URL.Query().Get("start_time"); v != "" {
		q.StartTime, _ = time.Parse(time.RFC3339, v)
	}
	if v := r.URL.Query().Get("end_time"); v != "" {
		q.EndTime, _ = time.Parse(time.RFC3339, v)
	}

	results, err := s.db.QueryObservations(q)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	queryMs := time.Since(start).Milliseconds()
	respondWithMeta(w, toObservationDTOs(results), &meta{
		Total:   len(results),
		Limit:   q.Limit,
		Offset:  q.Offset,
		QueryMs: queryMs,
	})
}

func (s *Server) handleCreateObservation(w http.ResponseWriter, r *http.Request) {
	var p observationPayload
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		respondError(w, http.StatusBadRequest, "invalid JSON")
		return
	}

	o := p.observation()
	if errs := parser.ValidateObservation(s.cfg, &o); len(errs) > 0 {
		respondError(w, http.StatusBadRequest, errs[0])
		return
	}

	if o.Timestamp.IsZero() {
		o.Timestamp = time.Now().UTC()
	}

	if err := s.db.InsertObservation(&o); err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	respondJSON(w, http.StatusCreated, toObservationDTO(o))
}

func (s *Server) handleBatchObservations(w http.ResponseWriter, r *http.Request) {
	var payloads []observationPayload
	if err := json.NewDecoder(r.Body).Decode(&payloads); err != nil {
		respondError(w, http.StatusBadRequest, "invalid JSON array")
		return
	}

	if len(payloads) == 0 {
		respondError(w, http.StatusBadRequest, "empty array")
		return
	}

	// Set timestamps for records without one
	now := time.Now().UTC()
	records := make([]models.Observation, 0, len(payloads))
	for _, p := range payloads {
		o := p.observation()
		if o.SensorID == "" {
			respondError(w, http.StatusBadRequest, "sensor_id is required")
			return
		}
		if o.Timestamp.IsZero() {
			o.Timestamp = now
		}
		records = append(records, o)
	}

	count, err := s.db.InsertObservationBatch(records)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	respondJSON(w, http.StatusCreated, map[string]int64{"inserted": count})
}

func (s *Server) handleLatestObservation(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	vars := mux.Vars(r)
	sensorID := vars["sensor_id"]

	obs, err := s.db.GetLatestObservation(sensorID)
	if err != nil {
		respondError(w, http.StatusNotFound, "no observations found for sensor")
		return
	}

	queryMs := time.Since(start).Milliseconds()
	respondWithMeta(w, toObservationDTO(*obs), &meta{QueryMs: queryMs})
}

func (s *Server) handleListSensors(w http.ResponseWriter, r *http.Request) {
	sensors, err := s.db.ListSensors()
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, sensors)
}

// handleSensorDiagram estimates the fundamental diagram parameters for one
// sensor from its cleaned history.
func (s *Server) handleSensorDiagram(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	sensorID := mux.Vars(r)["sensor_id"]

	enriched, ok := s.sensorHistory(w, r, sensorID)
	if !ok {
		return
	}

	params := s.est.Params(sensorID, enriched)
	queryMs := time.Since(start).Milliseconds()
	respondWithMeta(w, params, &meta{Total: len(enriched), QueryMs: queryMs})
}

// handleSensorOptimized runs the counterfactual VSL policy over one sensor's
// history. An optional resample parameter (a Go duration such as 5m) projects
// the result onto a regular grid.
func (s *Server) handleSensorOptimized(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	sensorID := mux.Vars(r)["sensor_id"]

	var step time.Duration
	if v := r.URL.Query().Get("resample"); v != "" {
		var err error
		step, err = time.ParseDuration(v)
		if err != nil || step <= 0 {
			respondError(w, http.StatusBadRequest, "invalid resample duration")
			return
		}
	}

	enriched, ok := s.sensorHistory(w, r, sensorID)
	if !ok {
		return
	}

	optimized := s.optimize(sensorID, enriched, s.baseLimit(r))
	if step > 0 {
		optimized = analysis.Resample(optimized, step)
	}

	queryMs := time.Since(start).Milliseconds()
	respondWithMeta(w, toOptimizedRows(optimized), &meta{Total: len(optimized), QueryMs: queryMs})
}

// handleSensorSummary aggregates the counterfactual run into the per-sensor
// improvement report.
func (s *Server) handleSensorSummary(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	sensorID := mux.Vars(r)["sensor_id"]

	enriched, ok := s.sensorHistory(w, r, sensorID)
	if !ok {
		return
	}

	baseLimit := s.baseLimit(r)
	dp := s.est.Params(sensorID, enriched)
	optimized := s.optimize(sensorID, enriched, baseLimit)
	summary := analysis.Summarize(sensorID, baseLimit, dp, optimized)

	queryMs := time.Since(start).Milliseconds()
	respondWithMeta(w, summary, &meta{Total: len(optimized), QueryMs: queryMs})
}

func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	limit := 20
	if v := r.URL.Query().Get("limit"); v != "" {
		limit, _ = strconv.Atoi(v)
	}

	runs, err := s.db.ListAnalysisRuns(limit)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, runs)
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	run, err := s.db.GetAnalysisRun(id)
	if err != nil {
		respondError(w, http.StatusNotFound, "analysis run not found")
		return
	}
	respondJSON(w, http.StatusOK, run)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.db.GetStats()
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	respondJSON(w, http.StatusOK, stats)
}

// sensorHistory loads, cleans, and enriches one sensor's stored history,
// honoring optional start_time and end_time bounds. It writes the error
// response itself and reports success through the second return.
func (s *Server) sensorHistory(w http.ResponseWriter, r *http.Request, sensorID string) ([]models.EnrichedObservation, bool) {
	q := models.ObservationQuery{SensorID: sensorID}
	if v := r.URL.Query().Get("start_time"); v != "" {
		q.StartTime, _ = time.Parse(time.RFC3339, v)
	}
	if v := r.URL.Query().Get("end_time"); v != "" {
		q.EndTime, _ = time.Parse(time.RFC3339, v)
	}

	raw, err := s.db.QueryObservations(q)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return nil, false
	}
	if len(raw) == 0 {
		respondError(w, http.StatusNotFound, "no observations found for sensor")
		return nil, false
	}

	cleaned, _ := s.cleaner.Clean(raw)
	enriched := s.enricher.Enrich(cleaned)
	if len(enriched) == 0 {
		respondError(w, http.StatusNotFound, "no usable observations for sensor")
		return nil, false
	}
	return enriched, true
}

func (s *Server) optimize(sensorID string, enriched []models.EnrichedObservation, baseLimit float64) []models.OptimizedObservation {
	dp := s.est.Params(sensorID, enriched)
	return s.engine.Optimize(enriched,
		optimizer.WithCriticalDensity(dp.CriticalDensity),
		optimizer.WithMaxCapacity(dp.MaxCapacity),
		optimizer.WithBaseLimit(baseLimit),
	)
}

// baseLimit reads the optional base_limit override, falling back to the
// configured default.
func (s *Server) baseLimit(r *http.Request) float64 {
	if v := r.URL.Query().Get("base_limit"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil && f > 0 {
			return f
		}
	}
	return s.cfg.DefaultBaseLimit
}
