package handlers

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/drfirst/go-dose/internal/api/middleware"
)

// RouterOptions configures the outer router
type RouterOptions struct {
	ServiceName string
	// APIKeys maps key to client name; empty disables authentication
	APIKeys map[string]string
	// Metrics serves /metrics when set
	Metrics http.Handler
	// Durations receives per-route latencies when set
	Durations middleware.DurationObserver
	Logger    *zap.Logger
}

// NewRouter mounts the API under /api/v1 with the shared middleware stack
func NewRouter(h *Handler, opts RouterOptions) http.Handler {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	r := chi.NewRouter()
	r.Use(chimw.RealIP)
	r.Use(middleware.RequestID)
	r.Use(middleware.CORS)
	r.Use(middleware.Recover(logger))
	r.Use(middleware.Logger(logger))
	r.Use(middleware.Tracing(opts.ServiceName))
	if opts.Durations != nil {
		r.Use(middleware.Metrics(opts.Durations))
	}

	r.Get("/health", h.Health)
	r.Get("/ready", h.Ready)
	if opts.Metrics != nil {
		r.Handle("/metrics", opts.Metrics)
	}

	r.Route("/api/v1", func(r chi.Router) {
		if len(opts.APIKeys) > 0 {
			r.Use(middleware.APIKeyAuth(opts.APIKeys))
		}
		r.Mount("/", h.Routes())
	})
	return r
}
