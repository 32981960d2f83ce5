package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"energy-metrics-monitor/internal/aggregate"
	"energy-metrics-monitor/internal/alerts"
	"energy-metrics-monitor/internal/anomaly"
	"energy-metrics-monitor/internal/db"
	"energy-metrics-monitor/internal/environment"
	"energy-metrics-monitor/internal/export"
	"energy-metrics-monitor/internal/models"
	"energy-metrics-monitor/internal/parser"
	"energy-metrics-monitor/internal/predict"
	"energy-metrics-monitor/internal/provider"
	"energy-metrics-monitor/internal/state"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"go.uber.org/zap"
)

// Options carries the engine settings and collaborators of the server
type Options struct {
	Tariff        models.Tariff
	Multiplier    float64
	Thresholds    environment.Thresholds
	AllowEstimate bool
	MaxBytes      int64
	// Production suppresses stack traces of recovered panics.
	Production    bool

	Logger    *zap.Logger
	State     *state.Store
	Alerts    *alerts.Publisher
	Predictor *predict.Client
	Synthetic provider.Provider

	// Now anchors period reports. Nil means time.Now.
	Now func() time.Time
}

// Server represents the API server
type Server struct {
	db     *db.Database
	router *mux.Router
	opts   Options
	log    *zap.Logger
	state  *state.Store
}

// NewServer creates a new API server
func NewServer(database *db.Database, opts Options) *Server {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.State == nil {
		opts.State = state.NewStore(opts.Tariff.PricePerUnit)
	}
	if opts.Synthetic == nil {
		opts.Synthetic = provider.NewSynthetic(time.Now().UnixNano(), time.Now())
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.MaxBytes == 0 {
		opts.MaxBytes = parser.DefaultMaxBytes
	}
	if opts.Thresholds == (environment.Thresholds{}) {
		opts.Thresholds = environment.DefaultThresholds()
	}

	s := &Server{
		db:     database,
		router: mux.NewRouter(),
		opts:   opts,
		log:    opts.Logger.Named("api"),
		state:  opts.State,
	}
	s.setupRoutes()
	return s
}

// setupRoutes configures all API routes
func (s *Server) setupRoutes() {
	// Health check
	s.router.HandleFunc("/health", s.handleHealth).Methods("GET")

	// Device endpoints
	s.router.HandleFunc("/api/v1/devices", s.handleListDevices).Methods("GET")
	s.router.HandleFunc("/api/v1/devices", s.handleCreateDevice).Methods("POST")
	s.router.HandleFunc("/api/v1/devices/{id}", s.handleGetDevice).Methods("GET")

	// Import endpoints
	s.router.HandleFunc("/api/v1/imports", s.handleListImports).Methods("GET")
	s.router.HandleFunc("/api/v1/imports", s.handleCreateImport).Methods("POST")
	s.router.HandleFunc("/api/v1/imports/{id}", s.handleGetImport).Methods("GET")
	s.router.HandleFunc("/api/v1/imports/{id}", s.handleDeleteImport).Methods("DELETE")

	// Analytics over stored imports and generated data
	s.analyticsRoutes("/api/v1/imports/{id}", s.loadImport)
	s.analyticsRoutes("/api/v1/synthetic/{device_id}", s.loadSynthetic)

	// Session state
	s.router.HandleFunc("/api/v1/state", s.handleGetState).Methods("GET")
	s.router.HandleFunc("/api/v1/state", s.handleDispatch).Methods("POST")

	// Prediction service proxy
	s.router.HandleFunc("/api/v1/predict", s.handlePredict).Methods("POST")

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

// Handler returns the router wrapped with CORS and panic recovery.
func (s *Server) Handler() http.Handler {
	cors := handlers.CORS(
		handlers.AllowedOrigins([]string{"*"}),
		handlers.AllowedMethods([]string{"GET", "POST", "DELETE", "OPTIONS"}),
		handlers.AllowedHeaders([]string{"Content-Type", "Authorization"}),
	)
	recoveryLog, _ := zap.NewStdLogAt(s.log, zap.ErrorLevel)
	recovery := handlers.RecoveryHandler(
		handlers.RecoveryLogger(recoveryLog),
		handlers.PrintRecoveryStack(!s.opts.Production),
	)
	return recovery(cors(s.router))
}

// Middleware
type statusRecorder struct {
	http.ResponseWriter
	status int
	bytes  int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Write(b []byte) (int, error) {
	if r.status == 0 {
		r.status = http.StatusOK
	}
	n, err := r.ResponseWriter.Write(b)
	r.bytes += n
	return n, err
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w}
		next.ServeHTTP(rec, r)
		s.log.Info("request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", rec.status),
			zap.Int("bytes", rec.bytes),
			zap.Duration("duration", time.Since(start)),
		)
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
	Success  bool        `json:"success"`
	Data     interface{} `json:"data,omitempty"`
	Error    string      `json:"error,omitempty"`
	Warnings []string    `json:"warnings,omitempty"`
	Meta     *meta       `json:"meta,omitempty"`
}

type meta struct {
	Total   int    `json:"total,omitempty"`
	Limit   int    `json:"limit,omitempty"`
	Offset  int    `json:"offset,omitempty"`
	Source  string `json:"source,omitempty"`
	QueryMs int64  `json:"query_ms,omitempty"`
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

func respondWithWarnings(w http.ResponseWriter, status int, data interface{}, warnings []string) {
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(apiResponse{Success: true, Data: data, Warnings: warnings})
}

// respondErr maps domain errors to HTTP statuses
func (s *Server) respondErr(w http.ResponseWriter, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		s.log.Error("request failed", zap.Error(err))
	}
	respondError(w, status, err.Error())
}

func statusFor(err error) int {
	var malformed *models.MalformedSampleError
	var invalid *models.InvalidConfigurationError

	switch {
	case errors.Is(err, db.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, models.ErrEmptyInput),
		errors.Is(err, aggregate.ErrUndatedSamples):
		return http.StatusUnprocessableEntity
	case errors.Is(err, parser.ErrTooLarge):
		return http.StatusRequestEntityTooLarge
	case errors.As(err, &malformed),
		errors.As(err, &invalid),
		errors.Is(err, anomaly.ErrUnknownField),
		errors.Is(err, export.ErrUnknownColumn),
		errors.Is(err, aggregate.ErrUnknownShift),
		errors.Is(err, aggregate.ErrUnknownPeriod),
		errors.Is(err, parser.ErrMissingColumns),
		errors.Is(err, parser.ErrUnsupportedFormat),
		errors.Is(err, state.ErrInvalidValue),
		errors.Is(err, state.ErrUnknownAction),
		errors.Is(err, errBadRequest):
		return http.StatusBadRequest
	case errors.Is(err, predict.ErrNotConfigured):
		return http.StatusServiceUnavailable
	case errors.Is(err, predict.ErrRemote):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

var errBadRequest = errors.New("bad request")

// Handlers
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.db.GetStats()
	if err != nil {
		s.respondErr(w, err)
		return
	}
	stats["alerts_enabled"] = s.opts.Alerts.Enabled()

	respondJSON(w, http.StatusOK, stats)
}

func (s *Server) handleGetState(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, s.state.Snapshot())
}

func (s *Server) handleDispatch(w http.ResponseWriter, r *http.Request) {
	var a state.Action
	if err := json.NewDecoder(r.Body).Decode(&a); err != nil {
		respondError(w, http.StatusBadRequest, "invalid JSON")
		return
	}

	next, err := s.state.Dispatch(a)
	var clamp *models.InvalidConfigurationError
	switch {
	case errors.As(err, &clamp):
		s.log.Warn("price clamped", zap.Float64("requested", clamp.Value), zap.Float64("applied", clamp.Applied))
		respondWithWarnings(w, http.StatusOK, next, []string{err.Error()})
	case err != nil:
		s.respondErr(w, err)
	default:
		respondJSON(w, http.StatusOK, next)
	}
}
