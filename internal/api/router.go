package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/hackgods/caregiver-scheduling/internal/appointment"
)

type RouterConfig struct {
	Service     *appointment.Service
	Attachments AttachmentStore
	Logger      zerolog.Logger
	// Metrics wraps every request; nil disables HTTP metrics.
	Metrics        func(http.Handler) http.Handler
	MetricsHandler http.Handler
	Postgres       Pinger
	Redis          Pinger
	JWTSecret      string
	WebhookSecret  string
	RateRPS        float64
	RateBurst      int
	Env            string
	Version        string
}

func NewRouter(cfg RouterConfig) http.Handler {
	r := chi.NewRouter()

	r.Use(RequestIDMiddleware(cfg.Logger))
	r.Use(LoggingMiddleware)
	r.Use(middleware.Recoverer)
	if cfg.Metrics != nil {
		r.Use(cfg.Metrics)
	}

	health := NewHealthHandler(cfg.Postgres, cfg.Redis, cfg.Env, cfg.Version)
	r.Get("/health/live", health.Liveness)
	r.Get("/health/ready", health.Readiness)

	metricsHandler := cfg.MetricsHandler
	if metricsHandler == nil {
		metricsHandler = promhttp.Handler()
	}
	r.Method(http.MethodGet, "/metrics", metricsHandler)

	limiter := NewRateLimiter(cfg.RateRPS, cfg.RateBurst)
	h := NewHandler(cfg.Service, cfg.Attachments)

	// the gateway retries in bursts from a few egress IPs; the signature check gates this route
	r.With(VerifyWebhookSignature(cfg.WebhookSecret)).
		Post("/webhooks/payments", h.paymentWebhook)

	r.Group(func(r chi.Router) {
		r.Use(Authenticate(cfg.JWTSecret))
		r.Use(limiter.Middleware)

		r.Post("/caregivers/{id}/slots/generate", h.generateSlots)
		r.Get("/slots", h.listSlots)
		r.Get("/slots/{id}", h.getSlot)

		r.Post("/appointments", h.createAppointment)
		r.Get("/appointments", h.listAppointments)
		r.Route("/appointments/{id}", func(r chi.Router) {
			r.Get("/", h.getAppointment)
			r.Post("/cancel", h.cancelAppointment)
			r.Post("/reschedule", h.rescheduleAppointment)
			r.Get("/reschedules", h.listReschedules)
			r.Post("/checkout", h.startCheckout)
			r.Get("/payments", h.paymentSummary)
			r.Post("/attachments", h.uploadAttachment)
			r.Post("/report", h.submitReport)
			r.Get("/report", h.getReport)
		})
	})

	return r
}
