// Package server exposes the exchange over HTTP: the participant and admin
// API, the collaborator webhooks, and the operational endpoints.
package server

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/time/rate"
	"gorm.io/gorm"

	"swapdesk/auth"
	"swapdesk/guard"
	"swapdesk/observability/metrics"
	"swapdesk/repo"
	"swapdesk/saga"
	"swapdesk/transition"
)

// Config bundles the server dependencies.
type Config struct {
	DB          *gorm.DB
	Verifier    *auth.Verifier
	Guard       *guard.Engine
	Transitions *transition.Service
	Cascade     *saga.FailureCascade
	Rooms       *repo.Rooms
	Containers  *repo.Containers
	Artifacts   *repo.Artifacts

	ProviderSecret string
	ScannerSecret  string
	AnalysisSecret string

	// WebhookRatePerMinute caps inbound webhook deliveries per source.
	WebhookRatePerMinute float64

	Logger *slog.Logger
	Now    func() time.Time
}

// Server is the HTTP surface of the exchange.
type Server struct {
	db          *gorm.DB
	verifier    *auth.Verifier
	guard       *guard.Engine
	transitions *transition.Service
	cascade     *saga.FailureCascade
	rooms       *repo.Rooms
	containers  *repo.Containers
	artifacts   *repo.Artifacts

	providerSecret string
	scannerSecret  string
	analysisSecret string

	webhookRate float64
	limiters    map[string]*rate.Limiter
	limiterMu   sync.Mutex

	logger *slog.Logger
	now    func() time.Time
	router http.Handler
}

// New constructs a configured HTTP server.
func New(cfg Config) *Server {
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	srv := &Server{
		db:             cfg.DB,
		verifier:       cfg.Verifier,
		guard:          cfg.Guard,
		transitions:    cfg.Transitions,
		cascade:        cfg.Cascade,
		rooms:          cfg.Rooms,
		containers:     cfg.Containers,
		artifacts:      cfg.Artifacts,
		providerSecret: cfg.ProviderSecret,
		scannerSecret:  cfg.ScannerSecret,
		analysisSecret: cfg.AnalysisSecret,
		webhookRate:    cfg.WebhookRatePerMinute,
		limiters:       make(map[string]*rate.Limiter),
		logger:         logger,
		now:            now,
	}
	srv.router = srv.buildRouter()
	return srv
}

// Handler exposes the configured HTTP router.
func (s *Server) Handler() http.Handler {
	return otelhttp.NewHandler(s.router, "swapdesk")
}

func (s *Server) buildRouter() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)

	r.Get("/healthz", s.Healthz)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	r.Route("/webhooks", func(wh chi.Router) {
		wh.Post("/payments", s.PaymentWebhook)
		wh.Post("/scan", s.ScanWebhook)
		wh.Post("/analysis", s.AnalysisWebhook)
	})

	r.Route("/api/v1", func(api chi.Router) {
		api.Use(s.verifier.Authenticate)

		api.Group(func(p chi.Router) {
			p.Use(auth.RequireRole(auth.RoleParticipant))
			p.Post("/rooms", s.CreateRoom)
			p.Post("/rooms/{id}/join", s.JoinRoom)
			p.Post("/rooms/{id}/lock", s.LockRoom)
			p.Post("/rooms/{id}/cancel", s.CancelRoom)
			p.Post("/containers/{id}/artifacts", s.UploadArtifact)
			p.Delete("/artifacts/{id}", s.DeleteArtifact)
			p.Post("/containers/{id}/seal", s.SealContainer)
		})
		api.With(auth.RequireRole(auth.RoleParticipant, auth.RoleAdmin)).
			Get("/artifacts/{id}/url", s.ViewArtifact)
		api.With(auth.RequireRole(auth.RoleParticipant, auth.RoleAdmin)).
			Get("/rooms/{id}", s.GetRoom)

		api.Group(func(admin chi.Router) {
			admin.Use(auth.RequireRole(auth.RoleAdmin))
			admin.Post("/containers/{id}/approve", s.ApproveContainer)
			admin.Post("/containers/{id}/reject", s.RejectContainer)
			admin.Post("/rooms/{id}/approve-swap", s.ApproveSwap)
			admin.Post("/rooms/{id}/fail", s.FailRoom)
		})
	})

	return r
}

// Healthz answers the readiness probe with a database ping.
func (s *Server) Healthz(w http.ResponseWriter, r *http.Request) {
	sqlDB, err := s.db.DB()
	if err == nil {
		err = sqlDB.PingContext(r.Context())
	}
	if err != nil {
		http.Error(w, "database unavailable", http.StatusServiceUnavailable)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		s.logger.Error("encoding response", "error", err)
	}
}

// writeError maps guard denials and transition errors onto HTTP statuses.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	var denial *guard.Denial
	if errors.As(err, &denial) {
		status := http.StatusForbidden
		switch denial.Reason {
		case guard.ReasonUnauthenticated:
			status = http.StatusUnauthorized
		case guard.ReasonNotFound:
			status = http.StatusNotFound
		case guard.ReasonConflict:
			status = http.StatusConflict
		case guard.ReasonRateLimited:
			status = http.StatusTooManyRequests
		}
		s.writeJSON(w, status, map[string]string{"error": denial.Detail, "reason": string(denial.Reason)})
		return
	}
	switch {
	case errors.Is(err, transition.ErrNotFound):
		s.writeJSON(w, http.StatusNotFound, map[string]string{"error": err.Error()})
	case errors.Is(err, transition.ErrConflict):
		s.writeJSON(w, http.StatusConflict, map[string]string{"error": err.Error()})
	case errors.Is(err, transition.ErrForbidden):
		s.writeJSON(w, http.StatusForbidden, map[string]string{"error": err.Error()})
	case transition.IsTransient(err):
		s.writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "temporary failure, retry with the same request"})
	default:
		s.logger.Error("request failed", "error", err)
		s.writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
	}
}

// webhookAllowed enforces the per-source inbound webhook budget.
func (s *Server) webhookAllowed(source string) bool {
	if s.webhookRate <= 0 {
		return true
	}
	s.limiterMu.Lock()
	limiter, ok := s.limiters[source]
	if !ok {
		limiter = rate.NewLimiter(rate.Limit(s.webhookRate/60), int(s.webhookRate))
		s.limiters[source] = limiter
	}
	s.limiterMu.Unlock()
	if !limiter.Allow() {
		metrics.Exchange().WebhookFailure(source)
		return false
	}
	return true
}
