package server

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"relayscope/internal/common"
	"relayscope/internal/dispatch"
	"relayscope/internal/entitlement"
	"relayscope/internal/metrics"
	"relayscope/internal/models"
	"relayscope/internal/monitor"
	"relayscope/internal/visibility"
)

const (
	maxBodyBytes  = 1 << 20
	maxProbeBatch = 1000
)

// HealthService is the part of the monitor the HTTP layer needs.
type HealthService interface {
	Check(ctx context.Context, trig monitor.Trigger) (models.HealthReport, error)
	Stats(ctx context.Context, source string) (metrics.HealthStats, error)
	Snapshot(ctx context.Context, source string) ([]models.NodeView, error)
	Subscribe() (<-chan models.HealthReport, func())
}

// ReportSource returns the last finished health-check report.
type ReportSource interface {
	Latest() (models.HealthReport, bool)
}

// Options wires a Server.
type Options struct {
	Addr       string
	Dispatcher *dispatch.Dispatcher
	Health     HealthService
	Reports    ReportSource
	Resolver   entitlement.Resolver
	Policy     visibility.Policy
	Metrics    *metrics.Collector
	Logger     *zap.Logger

	// AdminToken guards POST /api/health-check when set.
	AdminToken string
	// TriggerLimit bounds manual health checks; nil means unlimited.
	TriggerLimit *rate.Limiter
	// ProbeInfo is echoed by /api/status.
	ProbeInfo map[string]any
}

// Server wraps HTTP serving of the API.
type Server struct {
	httpServer *http.Server
	opts       Options
	logger     *zap.Logger
	startedAt  time.Time
}

// New creates a configured HTTP server.
func New(opts Options) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	mux := http.NewServeMux()
	s := &Server{
		opts:      opts,
		logger:    logger.Named("http"),
		startedAt: time.Now().UTC(),
	}
	s.httpServer = &http.Server{
		Addr:              opts.Addr,
		Handler:           s.logRequests(mux),
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.registerRoutes(mux)
	return s
}

// Handler exposes the routed handler.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Run blocks and serves HTTP traffic.
func (s *Server) Run() error {
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts the server down.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) registerRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/probe", s.handleProbe)
	mux.HandleFunc("POST /api/health-check", s.handleHealthCheck)
	mux.HandleFunc("GET /api/health-check/stats", s.handleHealthStats)
	mux.HandleFunc("GET /api/nodes", s.handleNodes)
	mux.HandleFunc("GET /api/nodes/filters", s.handleFilters)
	mux.HandleFunc("GET /api/status", s.handleStatus)
	mux.HandleFunc("GET /api/ws/health", s.handleHealthWS)
	if s.opts.Metrics != nil {
		mux.Handle("GET /metrics", s.opts.Metrics.Handler())
	}
}

type probeRequest struct {
	Nodes []models.Node `json:"nodes"`
}

type probeResult struct {
	ID      string `json:"id"`
	Host    string `json:"host"`
	Port    int    `json:"port"`
	Latency int64  `json:"latency"`
	Success bool   `json:"success"`
	Score   *int   `json:"score,omitempty"`
	Region  string `json:"region"`
	Error   string `json:"error,omitempty"`
}

func (s *Server) handleProbe(w http.ResponseWriter, r *http.Request) {
	var req probeRequest
	if err := decodeBody(w, r, &req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if len(req.Nodes) == 0 {
		writeError(w, http.StatusBadRequest, "nodes must be a non-empty array")
		return
	}
	if len(req.Nodes) > maxProbeBatch {
		writeError(w, http.StatusBadRequest, "too many nodes, limit is "+strconv.Itoa(maxProbeBatch))
		return
	}

	batch, err := s.opts.Dispatcher.Run(r.Context(), req.Nodes)
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}

	withScore := r.URL.Query().Get("score") != "false"
	results := make([]probeResult, len(batch.Outcomes))
	for i, out := range batch.Outcomes {
		results[i] = probeResult{
			ID:      out.ID,
			Host:    out.Host,
			Port:    out.Port,
			Latency: out.LatencyMs,
			Success: out.Success,
			Region:  out.Region,
			Error:   out.Error,
		}
		if withScore {
			score := out.Score
			results[i].Score = &score
		}
	}
	writeJSON(w, http.StatusOK, results)
}

type healthCheckRequest struct {
	CheckAll  bool     `json:"check_all"`
	NodeIDs   []string `json:"node_ids"`
	Source    string   `json:"source"`
	BatchSize int      `json:"batch_size"`
}

// envelope is the response shape of the health-check endpoints.
type envelope struct {
	Status    string `json:"status"`
	Data      any    `json:"data,omitempty"`
	Message   string `json:"message,omitempty"`
	Timestamp string `json:"timestamp"`
}

func writeEnvelope(w http.ResponseWriter, status int, data any, message string) {
	env := envelope{Status: "success", Data: data, Timestamp: time.Now().UTC().Format(time.RFC3339)}
	if message != "" {
		env.Status = "error"
		env.Message = message
	}
	writeJSON(w, status, env)
}

func (s *Server) handleHealthCheck(w http.ResponseWriter, r *http.Request) {
	if !s.authorizedAdmin(r) {
		writeEnvelope(w, http.StatusForbidden, nil, "admin token required")
		return
	}
	if s.opts.TriggerLimit != nil && !s.opts.TriggerLimit.Allow() {
		writeEnvelope(w, http.StatusTooManyRequests, nil, "health check rate limit exceeded")
		return
	}

	var req healthCheckRequest
	if err := decodeBody(w, r, &req); err != nil && !errors.Is(err, io.EOF) {
		writeEnvelope(w, http.StatusBadRequest, nil, err.Error())
		return
	}

	report, err := s.opts.Health.Check(r.Context(), monitor.Trigger{
		CheckAll:  req.CheckAll,
		NodeIDs:   req.NodeIDs,
		Source:    req.Source,
		BatchSize: req.BatchSize,
		Reason:    monitor.TriggerManual,
	})
	if err != nil {
		s.logger.Warn("manual health check failed", zap.Error(err))
		writeEnvelope(w, statusFor(err), nil, err.Error())
		return
	}
	writeEnvelope(w, http.StatusOK, report, "")
}

type statsPayload struct {
	metrics.HealthStats
	Source    string               `json:"source"`
	LastCheck *models.HealthReport `json:"last_check,omitempty"`
}

func (s *Server) buildStats(ctx context.Context, source string) (statsPayload, error) {
	stats, err := s.opts.Health.Stats(ctx, source)
	if err != nil {
		return statsPayload{}, err
	}
	payload := statsPayload{HealthStats: stats, Source: source}
	if s.opts.Reports != nil {
		if last, ok := s.opts.Reports.Latest(); ok {
			payload.LastCheck = &last
		}
	}
	return payload, nil
}

func (s *Server) handleHealthStats(w http.ResponseWriter, r *http.Request) {
	payload, err := s.buildStats(r.Context(), r.URL.Query().Get("source"))
	if err != nil {
		writeEnvelope(w, statusFor(err), nil, err.Error())
		return
	}
	writeEnvelope(w, http.StatusOK, payload, "")
}

type nodesResponse struct {
	Nodes   []models.NodeView `json:"nodes"`
	Count   int               `json:"count"`
	Total   int               `json:"total"`
	Tier    string            `json:"tier"`
	Limited bool              `json:"limited"`
}

// handleNodes trusts X-User-ID as is. It must be set by an authenticating
// upstream (gateway or session middleware) that strips client-supplied values.
func (s *Server) handleNodes(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	query := r.URL.Query()

	tier, err := s.opts.Resolver.Tier(ctx, r.Header.Get("X-User-ID"))
	if err != nil {
		s.logger.Warn("entitlement lookup failed", zap.Error(err))
		writeError(w, statusFor(err), err.Error())
		return
	}

	snapshot, err := s.opts.Health.Snapshot(ctx, query.Get("source"))
	if err != nil {
		s.logger.Warn("catalog snapshot failed", zap.Error(err))
		writeError(w, statusFor(err), err.Error())
		return
	}

	q := models.VisibilityQuery{
		Tier:     tier,
		Keyword:  query.Get("q"),
		Protocol: query.Get("protocol"),
		Country:  query.Get("country"),
	}
	visible := s.opts.Policy.Apply(snapshot, q)
	full := q
	full.Tier = models.TierPrivileged
	total := len(visibility.Filter(snapshot, full))

	writeJSON(w, http.StatusOK, nodesResponse{
		Nodes:   visible,
		Count:   len(visible),
		Total:   total,
		Tier:    tier.String(),
		Limited: len(visible) < total,
	})
}

func (s *Server) handleFilters(w http.ResponseWriter, r *http.Request) {
	snapshot, err := s.opts.Health.Snapshot(r.Context(), r.URL.Query().Get("source"))
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, visibility.CollectFacets(snapshot))
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	resp := map[string]any{
		"status":         "ok",
		"started_at":     s.startedAt,
		"uptime_seconds": int64(time.Since(s.startedAt).Seconds()),
		"probe":          s.opts.ProbeInfo,
	}
	if s.opts.Reports != nil {
		if last, ok := s.opts.Reports.Latest(); ok {
			resp["last_check"] = last
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) authorizedAdmin(r *http.Request) bool {
	if s.opts.AdminToken == "" {
		return true
	}
	got := strings.TrimSpace(r.Header.Get("X-Admin-Token"))
	return subtle.ConstantTimeCompare([]byte(got), []byte(s.opts.AdminToken)) == 1
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		started := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Debug("request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Duration("elapsed", time.Since(started)),
		)
	})
}

// statusFor maps the error taxonomy onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case common.IsInvalidInput(err):
		return http.StatusBadRequest
	case common.IsNotFound(err):
		return http.StatusNotFound
	case common.IsUnavailable(err):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func decodeBody(w http.ResponseWriter, r *http.Request, dest any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(dest); err != nil {
		if errors.Is(err, io.EOF) {
			return err
		}
		return common.InvalidInputError("malformed request body: %v", err)
	}
	return nil
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	_ = enc.Encode(payload)
}
