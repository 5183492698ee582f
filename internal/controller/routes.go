package controller

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/hlog"

	"github.com/unclebandit/smsdispatch/internal/handler"
)

// NewRouter mounts the collaborator API and the carrier webhooks.
func NewRouter(ctrl *CampaignController, hooks *handler.WebhookHandler, allowedOrigins []string, log zerolog.Logger) *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RealIP)
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(hlog.NewHandler(log))
	r.Use(hlog.RequestIDHandler("req_id", "X-Request-Id"))
	r.Use(hlog.AccessHandler(func(r *http.Request, status, size int, duration time.Duration) {
		hlog.FromRequest(r).Info().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", status).
			Int("size", size).
			Dur("duration", duration).
			Msg("request")
	}))

	if len(allowedOrigins) == 0 {
		allowedOrigins = []string{"http://localhost:5173", "http://localhost:8080"}
	}
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: allowedOrigins,
		AllowedMethods: []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type"},
		MaxAge:         300,
	}))

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	// Carrier webhooks
	r.Post("/webhooks/carrier/status", hooks.StatusCallback)
	r.Post("/webhooks/carrier/inbound", hooks.Inbound)

	// Campaign routes
	r.Post("/campaigns/{id}/dispatch", ctrl.DispatchCampaign)
	r.Post("/campaigns/{id}/pause", ctrl.PauseCampaign)
	r.Post("/campaigns/{id}/resume", ctrl.ResumeCampaign)

	r.Post("/targets/{id}/dispatch", ctrl.DispatchTarget)
	r.Get("/targets/{id}/status", ctrl.GetTargetStatus)

	r.Post("/suppressions", ctrl.CreateSuppression)
	r.Delete("/suppressions/{id}", ctrl.DeleteSuppression)

	return r
}
