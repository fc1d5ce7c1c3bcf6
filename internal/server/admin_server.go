// Package server provides the admin HTTP server of the merge agent.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	mergeerrors "github.com/devrev/pairdb/splitbrain/internal/errors"
	"github.com/devrev/pairdb/splitbrain/internal/model"
	"github.com/devrev/pairdb/splitbrain/internal/service"
	"github.com/devrev/pairdb/splitbrain/internal/util/workerpool"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
	"google.golang.org/grpc/codes"
)

// ErrorCode is the machine-readable error in a response body
type ErrorCode string

const (
	ErrorCodeInvalidRequest ErrorCode = "INVALID_REQUEST"
	ErrorCodeNotFound       ErrorCode = "REPORT_NOT_FOUND"
	ErrorCodeRateLimited    ErrorCode = "RATE_LIMITED"
	ErrorCodeConflict       ErrorCode = "CONFLICT"
	ErrorCodeUnprocessable  ErrorCode = "UNPROCESSABLE_VALUE"
	ErrorCodeUnavailable    ErrorCode = "SERVICE_UNAVAILABLE"
	ErrorCodeInternal       ErrorCode = "INTERNAL_ERROR"
)

// ErrorResponse represents the standard error response format
type ErrorResponse struct {
	Status    string    `json:"status"`
	ErrorCode ErrorCode `json:"error_code"`
	Message   string    `json:"message"`
	RequestID string    `json:"request_id,omitempty"`
}

// MergeTrigger starts a merge on demand
type MergeTrigger interface {
	TriggerMerge(ctx context.Context, reason string) (*model.Report, error)
}

// SnapshotStager accepts the content of a merging replica for a structure
type SnapshotStager interface {
	StageSnapshot(structure string, snapshot *model.ReplicaSnapshot) error
}

// StagerFunc adapts a function to SnapshotStager
type StagerFunc func(structure string, snapshot *model.ReplicaSnapshot) error

// StageSnapshot calls f
func (f StagerFunc) StageSnapshot(structure string, snapshot *model.ReplicaSnapshot) error {
	return f(structure, snapshot)
}

// Pinger reports whether a dependency is reachable
type Pinger interface {
	Ping(ctx context.Context) error
}

// Config holds admin server settings
type Config struct {
	Port         int
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	// MergesPerMinute bounds POST /merge; zero disables the limit
	MergesPerMinute int
}

// Deps are the collaborators served over HTTP. Any of them may be nil.
type Deps struct {
	NodeID   string
	Reports  service.ReportStore
	Trigger  MergeTrigger
	Stager   SnapshotStager
	Gatherer prometheus.Gatherer
	Stats    func() workerpool.Stats
	Ready    Pinger
}

// AdminServer serves health, metrics and merge reports
type AdminServer struct {
	router     *mux.Router
	httpServer *http.Server
	deps       Deps
	limiter    *rate.Limiter
	logger     *zap.Logger
}

// NewAdminServer creates the server and registers its routes
func NewAdminServer(cfg Config, deps Deps, logger *zap.Logger) *AdminServer {
	if logger == nil {
		logger = zap.NewNop()
	}
	if deps.Gatherer == nil {
		deps.Gatherer = prometheus.DefaultGatherer
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = 10 * time.Second
	}
	if cfg.WriteTimeout <= 0 {
		// POST /merge answers after the run completes
		cfg.WriteTimeout = 10 * time.Minute
	}

	router := mux.NewRouter()
	s := &AdminServer{
		router: router,
		httpServer: &http.Server{
			Addr:         fmt.Sprintf(":%d", cfg.Port),
			Handler:      router,
			ReadTimeout:  cfg.ReadTimeout,
			WriteTimeout: cfg.WriteTimeout,
		},
		deps:   deps,
		logger: logger,
	}
	if cfg.MergesPerMinute > 0 {
		s.limiter = rate.NewLimiter(rate.Every(time.Minute/time.Duration(cfg.MergesPerMinute)), 1)
	}
	s.setupRoutes()
	return s
}

func (s *AdminServer) setupRoutes() {
	s.router.Use(Recovery(s.logger), RequestID, Logging(s.logger))

	s.router.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	s.router.HandleFunc("/ready", s.handleReady).Methods(http.MethodGet)
	s.router.Handle("/metrics", promhttp.HandlerFor(s.deps.Gatherer, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	s.router.HandleFunc("/reports", s.handleListReports).Methods(http.MethodGet)
	s.router.HandleFunc("/reports/{run_id}", s.handleGetReport).Methods(http.MethodGet)
	s.router.HandleFunc("/merge", s.handleMerge).Methods(http.MethodPost)
	s.router.HandleFunc("/structures/{structure_id}/merging", s.handleStage).Methods(http.MethodPut)

	s.router.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, r, http.StatusNotFound, ErrorCodeInvalidRequest, "endpoint not found")
	})
	s.router.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, r, http.StatusMethodNotAllowed, ErrorCodeInvalidRequest, "method not allowed")
	})
}

// HealthResponse is the body of GET /health
type HealthResponse struct {
	Status    string            `json:"status"`
	NodeID    string            `json:"node_id,omitempty"`
	Scheduler *workerpool.Stats `json:"scheduler,omitempty"`
}

func (s *AdminServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := HealthResponse{Status: "healthy", NodeID: s.deps.NodeID}
	if s.deps.Stats != nil {
		stats := s.deps.Stats()
		resp.Scheduler = &stats
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *AdminServer) handleReady(w http.ResponseWriter, r *http.Request) {
	if s.deps.Ready != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := s.deps.Ready.Ping(ctx); err != nil {
			s.logger.Warn("Readiness check failed", zap.Error(err))
			writeError(w, r, http.StatusServiceUnavailable, ErrorCodeUnavailable, "report store unreachable")
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (s *AdminServer) handleListReports(w http.ResponseWriter, r *http.Request) {
	if s.deps.Reports == nil {
		writeError(w, r, http.StatusServiceUnavailable, ErrorCodeUnavailable, "report store not configured")
		return
	}

	limit := 20
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 || n > 1000 {
			writeError(w, r, http.StatusBadRequest, ErrorCodeInvalidRequest, "limit must be between 1 and 1000")
			return
		}
		limit = n
	}

	reports, err := s.deps.Reports.List(r.Context(), limit)
	if err != nil {
		s.logger.Error("Failed to list reports", zap.Error(err))
		writeMergeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"reports": reports})
}

func (s *AdminServer) handleGetReport(w http.ResponseWriter, r *http.Request) {
	if s.deps.Reports == nil {
		writeError(w, r, http.StatusServiceUnavailable, ErrorCodeUnavailable, "report store not configured")
		return
	}

	runID := mux.Vars(r)["run_id"]
	report, err := s.deps.Reports.Get(r.Context(), runID)
	if errors.Is(err, model.ErrReportNotFound) {
		writeError(w, r, http.StatusNotFound, ErrorCodeNotFound, fmt.Sprintf("no report for run %s", runID))
		return
	}
	if err != nil {
		s.logger.Error("Failed to get report", zap.String("run_id", runID), zap.Error(err))
		writeMergeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

// MergeRequest is the optional body of POST /merge
type MergeRequest struct {
	Reason string `json:"reason"`
}

func (s *AdminServer) handleMerge(w http.ResponseWriter, r *http.Request) {
	if s.deps.Trigger == nil {
		writeError(w, r, http.StatusServiceUnavailable, ErrorCodeUnavailable, "merge trigger not configured")
		return
	}
	if s.limiter != nil && !s.limiter.Allow() {
		writeError(w, r, http.StatusTooManyRequests, ErrorCodeRateLimited, "merge triggered too recently")
		return
	}

	req := MergeRequest{Reason: "manual trigger"}
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, r, http.StatusBadRequest, ErrorCodeInvalidRequest, "invalid request body")
			return
		}
	}

	report, err := s.deps.Trigger.TriggerMerge(r.Context(), req.Reason)
	if err != nil && report == nil {
		s.logger.Error("Triggered merge failed", zap.Error(err))
		writeMergeError(w, r, err)
		return
	}
	if err != nil {
		// The merge ran; only persisting its report failed.
		s.logger.Warn("Triggered merge report not persisted",
			zap.String("run_id", report.RunID),
			zap.Error(err))
	}
	writeJSON(w, http.StatusOK, report)
}

// StageResponse is the body of a successful PUT /structures/{id}/merging
type StageResponse struct {
	StructureID string `json:"structure_id"`
	Entries     int    `json:"entries"`
}

func (s *AdminServer) handleStage(w http.ResponseWriter, r *http.Request) {
	if s.deps.Stager == nil {
		writeError(w, r, http.StatusServiceUnavailable, ErrorCodeUnavailable, "staging not configured")
		return
	}

	structureID := mux.Vars(r)["structure_id"]
	var snapshot model.ReplicaSnapshot
	if err := json.NewDecoder(r.Body).Decode(&snapshot); err != nil {
		writeError(w, r, http.StatusBadRequest, ErrorCodeInvalidRequest, "invalid replica snapshot")
		return
	}

	if err := s.deps.Stager.StageSnapshot(structureID, &snapshot); err != nil {
		s.logger.Warn("Failed to stage merging replica",
			zap.String("structure_id", structureID),
			zap.Error(err))
		writeMergeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, StageResponse{StructureID: structureID, Entries: len(snapshot.Entries)})
}

// Handler returns the http.Handler for the server
func (s *AdminServer) Handler() http.Handler {
	return s.router
}

// Start serves until Shutdown is called
func (s *AdminServer) Start() error {
	s.logger.Info("Starting admin HTTP server", zap.String("addr", s.httpServer.Addr))
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("failed to start admin server: %w", err)
	}
	return nil
}

// Shutdown gracefully shuts down the HTTP server
func (s *AdminServer) Shutdown(ctx context.Context) error {
	s.logger.Info("Shutting down admin HTTP server")
	return s.httpServer.Shutdown(ctx)
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// httpStatus maps an error to a response status through its gRPC code
func httpStatus(err error) (int, ErrorCode) {
	switch mergeerrors.ToGRPCStatus(err).Code() {
	case codes.InvalidArgument:
		return http.StatusBadRequest, ErrorCodeInvalidRequest
	case codes.DataLoss:
		return http.StatusUnprocessableEntity, ErrorCodeUnprocessable
	case codes.FailedPrecondition:
		return http.StatusConflict, ErrorCodeConflict
	case codes.Unavailable, codes.Canceled, codes.DeadlineExceeded:
		return http.StatusServiceUnavailable, ErrorCodeUnavailable
	default:
		return http.StatusInternalServerError, ErrorCodeInternal
	}
}

func writeMergeError(w http.ResponseWriter, r *http.Request, err error) {
	status, code := httpStatus(err)
	writeError(w, r, status, code, err.Error())
}

func writeError(w http.ResponseWriter, r *http.Request, status int, code ErrorCode, message string) {
	writeJSON(w, status, ErrorResponse{
		Status:    "error",
		ErrorCode: code,
		Message:   message,
		RequestID: r.Header.Get("X-Request-ID"),
	})
}
