// Package api assembles the HTTP surface: the route table, the middleware
// chain, and the server lifecycle around them.
package api

import (
	"context"
	"log"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/kontext/backend/internal/anomaly"
	"github.com/kontext/backend/internal/billing"
	"github.com/kontext/backend/internal/config"
	"github.com/kontext/backend/internal/events"
	"github.com/kontext/backend/internal/handlers"
	"github.com/kontext/backend/internal/middleware"
	"github.com/kontext/backend/internal/monitoring"
	"github.com/kontext/backend/internal/multitenancy"
	"github.com/kontext/backend/internal/plans"
	"github.com/kontext/backend/internal/store"
	"github.com/kontext/backend/internal/stream"
	"github.com/kontext/backend/internal/tasks"
	"github.com/kontext/backend/internal/trust"
	"github.com/kontext/backend/internal/webhooks"
)

// Deps carries everything the server serves. All fields are required except
// Feed, which disables the stream route when nil.
type Deps struct {
	Config    *config.Config
	Store     store.Store
	Registry  *multitenancy.KeyRegistry
	Ledger    *plans.Ledger
	Limiter   middleware.Limiter
	Tasks     *tasks.Manager
	Evaluator *anomaly.Evaluator
	Scorer    *trust.Scorer
	Mediator  *billing.Mediator
	Webhooks  *webhooks.Registry
	Feed      *stream.Feed
	Emitter   events.EventEmitter
	Metrics   *monitoring.Metrics
}

// Server exposes the compliance API over REST/JSON.
type Server struct {
	deps   Deps
	logger *log.Logger
}

// NewServer creates a server around its dependencies.
func NewServer(deps Deps) *Server {
	return &Server{
		deps:   deps,
		logger: log.New(log.Writer(), "[API] ", log.LstdFlags),
	}
}

// Router builds the full route table.
func (s *Server) Router() *mux.Router {
	d := s.deps
	verbose := d.Config.IsDev()

	r := mux.NewRouter()
	r.Use(middleware.CORS(d.Config.AllowedOrigins()))
	r.Use(middleware.RequestLog)
	r.Use(middleware.Instrument(d.Metrics))

	// Open surface
	r.HandleFunc("/", handlers.HandleIndex()).Methods("GET")
	r.HandleFunc("/health", handlers.HandleHealth()).Methods("GET")
	r.Handle("/metrics", d.Metrics.Handler()).Methods("GET")

	// Authenticated, rate-limited surface. The billing paths sit on the
	// same subrouter but pass through both middlewares unauthenticated.
	v1 := r.PathPrefix("/v1").Subrouter()
	v1.Use(middleware.RateLimit(d.Limiter))
	v1.Use(middleware.Authenticate(d.Registry))

	v1.HandleFunc("/actions",
		handlers.HandleIngestActions(d.Store, d.Ledger, d.Emitter, d.Metrics, d.Config.UpgradeURL(), verbose)).Methods("POST")

	v1.HandleFunc("/tasks", handlers.HandleCreateTask(d.Tasks, d.Metrics, verbose)).Methods("POST")
	v1.HandleFunc("/tasks", handlers.HandleListTasks(d.Tasks)).Methods("GET")
	v1.HandleFunc("/tasks/{id}", handlers.HandleGetTask(d.Tasks)).Methods("GET")
	v1.HandleFunc("/tasks/{id}/confirm", handlers.HandleConfirmTask(d.Tasks, d.Metrics, verbose)).Methods("PUT")
	v1.HandleFunc("/tasks/{id}/fail", handlers.HandleFailTask(d.Tasks, d.Metrics, verbose)).Methods("PUT")

	v1.HandleFunc("/audit/export", handlers.HandleAuditExport(d.Store)).Methods("GET")
	v1.HandleFunc("/trust/{agentId}", handlers.HandleTrustScore(d.Scorer)).Methods("GET")
	v1.HandleFunc("/usage", handlers.HandleUsage(d.Ledger)).Methods("GET")
	v1.HandleFunc("/anomalies/evaluate", handlers.HandleEvaluateAnomalies(d.Evaluator, d.Metrics, verbose)).Methods("POST")

	// Billing: called by browsers before a key exists and by the provider
	v1.HandleFunc("/checkout", handlers.HandleCheckout(d.Mediator, d.Registry, verbose)).Methods("POST")
	v1.HandleFunc("/portal", handlers.HandlePortal(d.Mediator, verbose)).Methods("POST")
	v1.HandleFunc("/webhook/stripe", handlers.HandleProviderWebhook(d.Mediator, d.Metrics)).Methods("POST")
	v1.HandleFunc("/checkout/success", handlers.HandleCheckoutSuccess(d.Mediator)).Methods("GET")

	// Outbound notification webhooks
	v1.HandleFunc("/webhooks", handlers.HandleRegisterWebhook(d.Webhooks, verbose)).Methods("POST")
	v1.HandleFunc("/webhooks", handlers.HandleListWebhooks(d.Webhooks)).Methods("GET")
	v1.HandleFunc("/webhooks/{id}", handlers.HandleDeleteWebhook(d.Webhooks)).Methods("DELETE")

	// Live event stream
	if d.Feed != nil {
		v1.Handle("/stream", d.Feed).Methods("GET")
	}

	// Preflight requests must match a route for the CORS middleware to run
	r.PathPrefix("/").Methods("OPTIONS").HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	return r
}

// ListenAndServe runs the server until ctx is cancelled, then drains
// in-flight requests for up to 30 seconds.
func (s *Server) ListenAndServe(ctx context.Context) error {
	srv := &http.Server{
		Addr:         ":" + s.deps.Config.Server.Port,
		Handler:      s.Router(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Printf("Listening on %s", srv.Addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	case <-ctx.Done():
		s.logger.Println("Shutting down gracefully...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}
