package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/lalithlochan/outreach/internal/metrics"
	"github.com/lalithlochan/outreach/internal/ratelimit"
)

// HealthCheck probes one dependency for /health.
type HealthCheck struct {
	Name  string
	Check func(ctx context.Context) error
}

// NewRouter mounts the /v1 API, /health and /metrics. limiter may be nil.
func NewRouter(h *Handler, limiter ratelimit.Limiter, logger *zap.Logger, checks ...HealthCheck) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))
	r.Use(metrics.Middleware)
	r.Use(RequestLogger(logger))

	r.Route("/v1", func(r chi.Router) {
		r.Use(RequireTenant)
		r.Use(RateLimitMiddleware(limiter, logger))

		r.Post("/campaigns", h.CreateCampaign)
		r.Route("/campaigns/{id}", func(r chi.Router) {
			r.Get("/", h.GetCampaign)
			r.Post("/schedule", h.ScheduleCampaign)
			r.Post("/start", h.StartCampaign)
			r.Post("/pause", h.PauseCampaign)
			r.Post("/resume", h.ResumeCampaign)
			r.Put("/content", h.UpdateContent)
			r.Get("/attempts", h.ListAttempts)
			r.Get("/recipients/{leadID}/history", h.RecipientHistory)
		})

		r.Post("/automations", h.CreateRule)
		r.Get("/automations", h.ListRules)
		r.Route("/automations/{id}", func(r chi.Router) {
			r.Get("/", h.GetRule)
			r.Post("/enable", h.EnableRule)
			r.Post("/disable", h.DisableRule)
		})

		r.Post("/events", h.IngestEvent)
		r.Post("/webhooks/{channel}/status", h.StatusCallback)
	})

	r.Get("/health", health(checks, logger))
	r.Handle("/metrics", metrics.Handler())

	return r
}

func health(checks []HealthCheck, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		status, code := "ok", http.StatusOK
		results := make(map[string]string, len(checks))
		for _, c := range checks {
			if err := c.Check(ctx); err != nil {
				logger.Warn("health check failed", zap.String("dependency", c.Name), zap.Error(err))
				results[c.Name] = "unavailable"
				status, code = "degraded", http.StatusServiceUnavailable
				continue
			}
			results[c.Name] = "ok"
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(code)
		_ = json.NewEncoder(w).Encode(map[string]any{"status": status, "checks": results})
	}
}
