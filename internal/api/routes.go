// Package api wires the chi router: public health, metrics and login
// routes, and the JWT-protected /api/v1 control surface.
package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/opirc/remoteagent/internal/api/handlers"
	apmiddleware "github.com/opirc/remoteagent/internal/api/middleware"
	"github.com/opirc/remoteagent/internal/infra/eventbus"
	pkgauth "github.com/opirc/remoteagent/pkg/auth"
)

const readyTimeout = 5 * time.Second

// MetricsSink is the Prometheus side of the router. *metrics.Metrics
// satisfies it.
type MetricsSink interface {
	apmiddleware.HTTPRecorder
	Handler() http.Handler
}

// Deps carries everything the router needs. Metrics and Ready are
// optional.
type Deps struct {
	Agent  handlers.Agent
	Runs   handlers.RunLister
	Bus    eventbus.EventBus
	Tokens *pkgauth.Issuer

	Operator     string
	PasswordHash string

	Metrics MetricsSink
	// Ready reports whether the model service is reachable.
	Ready func(ctx context.Context) error

	Logger *slog.Logger
}

// NewRouter creates the chi router with every route registered.
func NewRouter(d Deps) *chi.Mux {
	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}

	r := chi.NewRouter()

	// Global middleware (runs on all routes)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(apmiddleware.RequestLogger(logger))
	r.Use(middleware.Recoverer)
	if d.Metrics != nil {
		r.Use(apmiddleware.Metrics(d.Metrics))
	}

	// ===== PUBLIC ROUTES =====

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"ok"}`)) //nolint:errcheck
	})
	r.Get("/ready", readyHandler(d.Ready))
	if d.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", d.Metrics.Handler())
	}

	authHandler := handlers.NewAuthHandler(d.Operator, d.PasswordHash, d.Tokens, logger)
	r.Post("/auth/login", authHandler.Login)

	// ===== PROTECTED ROUTES =====

	convHandler := handlers.NewConversationHandler(d.Agent, d.Runs, logger)
	eventsHandler := handlers.NewEventsHandler(d.Bus)
	wsHandler := handlers.NewWSHandler(d.Agent, d.Bus, logger)
	toolHandler := handlers.NewToolHandler(d.Agent, logger)

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(apmiddleware.Auth(d.Tokens))

		r.Get("/status", toolHandler.Status)

		r.Route("/tools", func(r chi.Router) {
			r.Get("/", toolHandler.ListTools)            // GET /api/v1/tools
			r.Post("/{name}/invoke", toolHandler.Invoke) // POST /api/v1/tools/{name}/invoke
		})

		r.Get("/runs/{runID}", convHandler.Run) // GET /api/v1/runs/{runID}

		r.Route("/conversations/{id}", func(r chi.Router) {
			r.Post("/messages", convHandler.SendMessage)   // POST /api/v1/conversations/{id}/messages
			r.Post("/abort", convHandler.Abort)            // POST /api/v1/conversations/{id}/abort
			r.Get("/history", convHandler.History)         // GET /api/v1/conversations/{id}/history
			r.Delete("/history", convHandler.ClearHistory) // DELETE /api/v1/conversations/{id}/history
			r.Get("/runs", convHandler.Runs)               // GET /api/v1/conversations/{id}/runs
			r.Get("/events", eventsHandler.Stream)         // GET /api/v1/conversations/{id}/events (SSE)
			r.Get("/ws", wsHandler.Serve)                  // GET /api/v1/conversations/{id}/ws
		})
	})

	return r
}

func readyHandler(ready func(ctx context.Context) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if ready != nil {
			ctx, cancel := context.WithTimeout(r.Context(), readyTimeout)
			defer cancel()
			if err := ready(ctx); err != nil {
				w.WriteHeader(http.StatusServiceUnavailable)
				w.Write([]byte(`{"status":"unavailable"}`)) //nolint:errcheck
				return
			}
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"ready"}`)) //nolint:errcheck
	}
}
