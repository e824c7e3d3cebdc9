// Package server exposes the duty reconciliation engine over a REST
// API: public duty lookups plus operator endpoints for overrides,
// alerts, coverage, and recovery.
package server

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"github.com/pharmaduty/duty-engine/internal/accuracy"
	"github.com/pharmaduty/duty-engine/internal/alerting"
	"github.com/pharmaduty/duty-engine/internal/dutywindow"
	"github.com/pharmaduty/duty-engine/internal/override"
	"github.com/pharmaduty/duty-engine/internal/retryqueue"
	"github.com/pharmaduty/duty-engine/internal/staleness"
	"github.com/pharmaduty/duty-engine/internal/store"
)

// Server holds the handler dependencies.
type Server struct {
	st        store.Store
	overrides *override.Handler
	alerts    *alerting.Manager
	monitor   *staleness.Monitor
	acc       *accuracy.Aggregator
	retries   *retryqueue.Scheduler
	windows   *dutywindow.Resolver
	log       *zap.Logger

	nowFunc func() time.Time
}

// New wires a Server.
func New(
	st store.Store,
	overrides *override.Handler,
	alerts *alerting.Manager,
	monitor *staleness.Monitor,
	acc *accuracy.Aggregator,
	retries *retryqueue.Scheduler,
	windows *dutywindow.Resolver,
) *Server {
	return &Server{
		st:        st,
		overrides: overrides,
		alerts:    alerts,
		monitor:   monitor,
		acc:       acc,
		retries:   retries,
		windows:   windows,
		log:       zap.L().With(zap.String("component", "server")),
		nowFunc:   func() time.Time { return time.Now().UTC() },
	}
}

// Router builds the chi router with the full route tree.
func (s *Server) Router() *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(s.logRequests)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Content-Type"},
		MaxAge:         300,
	}))

	r.Get("/health", s.handleHealth)

	r.Route("/api/v1", func(r chi.Router) {
		r.Route("/regions/{slug}", func(r chi.Router) {
			r.Get("/duty", s.handleRegionDuty)
			r.Get("/coverage", s.handleRegionCoverage)
			r.Get("/status", s.handleRegionStatus)
			r.Post("/recover", s.handleRegionRecover)
		})

		r.Post("/overrides", s.handleOverride)

		r.Get("/alerts", s.handleListAlerts)
		r.Post("/alerts/{id}/resolve", s.handleResolveAlert)
	})

	return r
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		s.log.Debug("request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("elapsed", time.Since(start)),
			zap.String("request_id", middleware.GetReqID(r.Context())),
		)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
