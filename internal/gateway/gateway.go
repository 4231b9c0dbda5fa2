// Package gateway is the HTTP surface: request validation, rate-limit
// admission, routing to the orchestrator and the uniform response envelope.
package gateway

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	json "github.com/goccy/go-json"
	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"prism/internal/bandit"
	"prism/internal/cache"
	"prism/internal/graph"
	"prism/internal/models"
	"prism/internal/monitoring"
	"prism/internal/orchestrator"
	"prism/internal/perf"
	"prism/internal/ratelimit"
)

const (
	maxBodyBytes    = 1 << 20
	shutdownTimeout = 10 * time.Second
)

// Config tunes the HTTP server.
type Config struct {
	Port         int
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// Backend is the health probe the gateway runs against the inference daemon.
type Backend interface {
	Health(ctx context.Context) bool
}

// Server is the gateway HTTP server.
type Server struct {
	orch    *orchestrator.Orchestrator
	limiter *ratelimit.Limiter // nil disables admission control
	metrics *monitoring.Metrics
	tracker *perf.Tracker
	router  *bandit.Router
	cache   *cache.Layer
	manager *models.Manager
	backend Backend
	cfg     Config
	logger  *zap.Logger
	httpSrv *http.Server
}

// New builds the server and its route table.
func New(orch *orchestrator.Orchestrator, limiter *ratelimit.Limiter, metrics *monitoring.Metrics, tracker *perf.Tracker, router *bandit.Router, cacheLayer *cache.Layer, manager *models.Manager, backend Backend, cfg Config, logger *zap.Logger) *Server {
	if cfg.Port == 0 {
		cfg.Port = 8080
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = 30 * time.Second
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 120 * time.Second
	}

	s := &Server{
		orch:    orch,
		limiter: limiter,
		metrics: metrics,
		tracker: tracker,
		router:  router,
		cache:   cacheLayer,
		manager: manager,
		backend: backend,
		cfg:     cfg,
		logger:  logger,
	}

	r := mux.NewRouter()
	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	if metrics != nil {
		r.Handle("/metrics", metrics.Handler()).Methods(http.MethodGet)
	}

	v1 := r.PathPrefix("/v1").Subrouter()
	v1.Use(s.admit)
	v1.HandleFunc("/chat", s.handleChat).Methods(http.MethodPost)
	v1.HandleFunc("/chat/stream", s.handleChatStream).Methods(http.MethodGet)
	v1.HandleFunc("/search/basic", s.handleSearch(false)).Methods(http.MethodPost)
	v1.HandleFunc("/search/advanced", s.handleSearch(true)).Methods(http.MethodPost)
	v1.HandleFunc("/research/deep-dive", s.handleResearch).Methods(http.MethodPost)
	v1.HandleFunc("/stats", s.handleStats).Methods(http.MethodGet)

	s.httpSrv = &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      r,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}
	return s
}

// Handler exposes the route table for tests.
func (s *Server) Handler() http.Handler { return s.httpSrv.Handler }

// ListenAndServe blocks serving requests until Shutdown.
func (s *Server) ListenAndServe() error {
	s.logger.Info("gateway listening", zap.String("addr", s.httpSrv.Addr))
	return s.httpSrv.ListenAndServe()
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, shutdownTimeout)
	defer cancel()
	return s.httpSrv.Shutdown(ctx)
}

// errorEnvelope is the uniform error body.
type errorEnvelope struct {
	Status    string `json:"status"`
	Message   string `json:"message"`
	ErrorCode string `json:"error_code"`
	QueryID   string `json:"query_id,omitempty"`
	Timestamp string `json:"timestamp"`
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, errorEnvelope{
		Status:    "error",
		Message:   message,
		ErrorCode: code,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}

// httpStatusFor maps stable error codes onto HTTP statuses.
func httpStatusFor(code string) int {
	switch code {
	case "invalid_request":
		return http.StatusBadRequest
	case "rate_limited":
		return http.StatusTooManyRequests
	case graph.CodeBudgetExhausted:
		return http.StatusPaymentRequired
	case graph.CodeTimeout:
		return http.StatusGatewayTimeout
	case "upstream_unavailable":
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// admit is the rate-limit middleware. Admission happens before any budget is
// consumed; the caller identity comes from the X-User-ID header, falling back
// to the client address.
func (s *Server) admit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.limiter == nil {
			next.ServeHTTP(w, r)
			return
		}
		caller := r.Header.Get("X-User-ID")
		if caller == "" {
			caller, _, _ = net.SplitHostPort(r.RemoteAddr)
			if caller == "" {
				caller = r.RemoteAddr
			}
		}
		d := s.limiter.Allow(caller)
		w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(d.Remaining))
		if !d.Allowed {
			if s.metrics != nil {
				s.metrics.RateLimited()
			}
			w.Header().Set("Retry-After", strconv.Itoa(d.RetryAfter))
			writeError(w, http.StatusTooManyRequests, "rate_limited",
				"request rate limit exceeded, slow down")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func decodeRequest(w http.ResponseWriter, r *http.Request, out any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(out); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request",
			"request body is not valid JSON")
		return false
	}
	return true
}

func validateRequest(w http.ResponseWriter, req *orchestrator.Request) bool {
	if req.Query == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "message is required")
		return false
	}
	if req.UserID == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "user_id is required")
		return false
	}
	return true
}

// writeResult picks the HTTP status from the orchestrator outcome. Partial
// results are still 200s; the body carries the degradation detail.
func (s *Server) writeResult(w http.ResponseWriter, resp *orchestrator.Response) {
	if resp.Status == orchestrator.StatusError {
		writeJSON(w, httpStatusFor(resp.ErrorCode), resp)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	var req orchestrator.Request
	if !decodeRequest(w, r, &req) || !validateRequest(w, &req) {
		return
	}
	s.writeResult(w, s.orch.Chat(r.Context(), req))
}

func (s *Server) handleSearch(advanced bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req orchestrator.Request
		if !decodeRequest(w, r, &req) || !validateRequest(w, &req) {
			return
		}
		s.writeResult(w, s.orch.Search(r.Context(), req, advanced))
	}
}

func (s *Server) handleResearch(w http.ResponseWriter, r *http.Request) {
	var req orchestrator.ResearchRequest
	if !decodeRequest(w, r, &req) {
		return
	}
	if req.ResearchQuestion == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "research_question is required")
		return
	}
	if req.UserID == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "user_id is required")
		return
	}

	resp := s.orch.DeepResearch(r.Context(), req)
	if resp.Status == orchestrator.StatusError {
		writeJSON(w, httpStatusFor(resp.ErrorCode), resp)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	backendUp := s.backend == nil || s.backend.Health(ctx)
	cacheHealth := cache.Health{}
	if s.cache != nil {
		cacheHealth = s.cache.Health(ctx)
	}

	status := "healthy"
	code := http.StatusOK
	if !backendUp {
		status = "unhealthy"
		code = http.StatusServiceUnavailable
	} else if s.cache != nil && !cacheHealth.RemoteUp {
		status = "degraded"
	}

	body := map[string]any{
		"status":    status,
		"backend":   backendUp,
		"cache":     cacheHealth,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	}
	if s.manager != nil {
		body["models_available"] = len(s.manager.Pool())
	}
	writeJSON(w, code, body)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	hours := 24.0
	if v := r.URL.Query().Get("hours"); v != "" {
		if parsed, err := strconv.ParseFloat(v, 64); err == nil && parsed > 0 {
			hours = parsed
		}
	}

	body := map[string]any{
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	}
	if s.tracker != nil {
		body["performance"] = s.tracker.Summary(hours)
	}
	if s.router != nil {
		body["routing_arms"] = s.router.Snapshot()
	}
	if s.cache != nil {
		body["cache"] = s.cache.Stats()
	}
	if s.manager != nil {
		body["models"] = s.manager.Stats()
	}
	writeJSON(w, http.StatusOK, body)
}
