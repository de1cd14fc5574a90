package handlers

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/partners/syncagent/internal/config"
	custommw "github.com/partners/syncagent/internal/middleware"
	"github.com/partners/syncagent/internal/observability"
	"github.com/partners/syncagent/internal/repository"
	"github.com/partners/syncagent/internal/services"
)

// RouterDeps collects what the admin API serves
type RouterDeps struct {
	Store   *config.Store
	Engine  *services.SyncEngine
	Queue   *services.OperationQueue
	Refs    repository.ReferenceRepo
	Cursors repository.ReferenceStateRepo
	Hub     *services.EventHub
	// HTTPMetrics is optional
	HTTPMetrics *observability.HTTPMetrics
}

// NewRouter builds the admin API router
func NewRouter(d RouterDeps) http.Handler {
	healthHandler := NewHealthHandler()
	syncHandler := NewSyncHandler(d.Engine)
	operationHandler := NewOperationHandler(d.Queue)
	configHandler := NewConfigHandler(d.Store, d.Engine)
	referenceHandler := NewReferenceHandler(d.Refs, d.Cursors, d.Engine)
	eventsHandler := NewEventsHandler(d.Hub)

	admin := d.Store.Get().Admin

	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(observability.TracingMiddleware())
	if d.HTTPMetrics != nil {
		r.Use(observability.MetricsMiddleware(d.HTTPMetrics))
	}
	r.Use(custommw.APIKeyAuth(admin.APIKey, admin.APIKeyHash, admin.APIKeyHeader))

	// Routes
	r.Get("/health", healthHandler.HealthCheck)
	r.Get("/api/health", healthHandler.HealthCheck)
	r.Get("/api/version", VersionHandler)

	r.Route("/api/sync", func(r chi.Router) {
		r.Get("/status", syncHandler.GetStatus)
		r.Post("/now", syncHandler.SyncNow)
		r.Post("/changes", syncHandler.LogChange)

		r.Route("/operations", func(r chi.Router) {
			r.Get("/", operationHandler.ListOperations)
			r.Get("/stats", operationHandler.GetStats)
			r.Get("/{id}", operationHandler.GetOperation)
			r.Post("/{id}/requeue", operationHandler.RequeueOperation)
			r.Delete("/{id}", operationHandler.DiscardOperation)
		})
	})

	r.Get("/api/config", configHandler.GetConfig)
	r.Put("/api/config", configHandler.UpdateConfig)

	r.Route("/api/reference/{kind}", func(r chi.Router) {
		r.Get("/", referenceHandler.ListRecords)
		r.Post("/pull", referenceHandler.Pull)
		r.Get("/{id}", referenceHandler.GetRecord)
	})

	r.Get("/api/realtime/events", eventsHandler.HandleConnection)

	return r
}
