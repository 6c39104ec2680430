package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Server wraps the HTTP server around the API routes.
type Server struct {
	handler http.Handler
	server  *http.Server
}

// NewServer builds the server with all routes registered.
func NewServer(h *Handlers, corsOrigins []string) *Server {
	return &Server{handler: SetupRoutes(h, corsOrigins)}
}

// SetupRoutes configures the router: health probes, Prometheus metrics
// and the /api surface.
func SetupRoutes(h *Handlers, corsOrigins []string) *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RealIP)
	r.Use(middleware.RequestID)

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   corsOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Get("/health", h.HealthCheck)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api", func(r chi.Router) {
		r.Get("/health", h.APIHealth)

		r.Route("/reports", func(r chi.Router) {
			r.Get("/", h.ListReports)
			r.Route("/{reportID}", func(r chi.Router) {
				r.Get("/runs", h.ListReportRuns)
				r.Get("/latest", h.LatestReportVersion)
				r.Get("/historicals", h.ListHistoricals)
				r.Get("/config", h.GetReportConfig)
				r.Put("/config", h.UpdateReportConfig)
				r.Post("/run", h.RunReport)
				r.Post("/gather", h.GatherReport)
			})
		})

		r.Get("/alerts", h.ListAlerts)

		r.Route("/recipients", func(r chi.Router) {
			r.Get("/", h.ListRecipients)
			r.Post("/", h.CreateRecipient)
			r.Put("/{recipientID}", h.UpdateRecipient)
			r.Put("/{recipientID}/reports", h.UpdateRecipientReports)
			r.Delete("/{recipientID}", h.DeleteRecipient)
		})

		r.Route("/logs", func(r chi.Router) {
			r.Get("/", h.ListLogs)
			r.Post("/test-alert", h.TestAlert)
			r.Post("/clear", h.ClearLogs)
		})
	})

	return r
}

// ListenAndServe starts the HTTP server on addr.
func (s *Server) ListenAndServe(addr string) error {
	s.server = &http.Server{
		Addr:              addr,
		Handler:           s.handler,
		ReadTimeout:       30 * time.Second,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      2 * time.Minute, // gathers over long ranges are slow
		IdleTimeout:       120 * time.Second,
	}
	return s.server.ListenAndServe()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

// Handler returns the HTTP handler, for tests.
func (s *Server) Handler() http.Handler {
	return s.handler
}
