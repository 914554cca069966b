package httpserver

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"golang.org/x/time/rate"

	"gitea.jw6.us/james/teamcal/internal/config"
	"gitea.jw6.us/james/teamcal/internal/http/ratelimit"
	"gitea.jw6.us/james/teamcal/internal/metrics"
	"gitea.jw6.us/james/teamcal/internal/store"
)

// NewRouter wires all HTTP routes for the calendar API.
func NewRouter(cfg *config.Config, stor *store.Store, calendars *CalendarHandler, googleH *GoogleHandler) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(metrics.Middleware())

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	r.Get("/readyz", func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		if err := stor.HealthCheck(ctx); err != nil {
			http.Error(w, "unready", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	if cfg.PrometheusEnabled {
		r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
			metrics.Handler().ServeHTTP(w, r)
		})
	}

	r.Route("/calendars/company", func(r chi.Router) {
		r.Get("/", calendars.Index)
		r.Post("/refresh", calendars.Refresh)
		r.Get("/events/{eventID}", calendars.EventDetail)
	})

	// OAuth endpoints: 5 requests per second, burst of 10
	oauthRateLimiter := ratelimit.NewIPRateLimiter(rate.Limit(5), 10, 5*time.Minute)

	r.Route("/integrations/google", func(r chi.Router) {
		r.Use(oauthRateLimiter.Middleware())
		r.Get("/authorize", googleH.Authorize)
		r.Get("/callback", googleH.Callback)
		r.Get("/events", googleH.Events)
		r.Delete("/", googleH.Disconnect)
	})

	return r
}
