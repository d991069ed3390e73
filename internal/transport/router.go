package transport

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/pitabwire/hireflow/internal/config"
	"github.com/pitabwire/hireflow/internal/idempotency"
	"github.com/pitabwire/hireflow/internal/observability"
	"github.com/pitabwire/hireflow/internal/workflow"
)

// Dependencies holds all injected dependencies for the HTTP transport layer.
type Dependencies struct {
	Config       *config.Config
	Engine       *workflow.Engine
	Authenticate func(http.Handler) http.Handler
	Idempotency  idempotency.Store
	Metrics      *observability.Metrics
	Gatherer     prometheus.Gatherer
	Readiness    observability.ReadinessChecks
	Logger       *zap.Logger
}

// NewRouter creates a chi.Router with the full middleware pipeline and all
// route registrations. Health, readiness, and metrics endpoints bypass the
// authentication middleware.
func NewRouter(deps Dependencies) chi.Router {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg := deps.Config
	if cfg == nil {
		cfg = config.Defaults()
	}

	r := chi.NewRouter()

	r.Use(Recovery(logger))
	r.Use(CORS(cfg.Server.CORS))
	r.Use(CorrelationID)
	r.Use(SecurityHeaders)
	r.Use(observability.TracingMiddleware)
	if deps.Metrics != nil {
		r.Use(deps.Metrics.MetricsMiddleware)
	}

	r.Get("/health", observability.HandleHealth())
	r.Get("/ready", observability.HandleReady(deps.Readiness))
	if deps.Gatherer != nil && cfg.Observability.Metrics.Enabled {
		path := cfg.Observability.Metrics.Path
		if path == "" {
			path = "/metrics"
		}
		r.Method(http.MethodGet, path, observability.Handler(deps.Gatherer))
	}

	auth := deps.Authenticate
	if auth == nil {
		auth = func(next http.Handler) http.Handler { return next }
	}

	h := &handlers{
		engine:  deps.Engine,
		idem:    deps.Idempotency,
		idemTTL: cfg.Idempotency.Store.DefaultTTL,
		metrics: deps.Metrics,
	}
	if h.idemTTL <= 0 {
		h.idemTTL = 24 * time.Hour
	}

	r.Route("/v1", func(r chi.Router) {
		r.Use(auth)
		r.Use(RequestLogging(logger))
		r.Use(HandlerTimeout(cfg.Server.HandlerTimeout))
		r.Use(MaxBody(cfg.Server.MaxBodyBytes))

		r.Get("/lifecycles/{type}", h.getLifecycle)

		r.Post("/entities", h.createEntity)
		r.Get("/entities", h.listEntities)
		r.Get("/entities/{id}", h.describeEntity)
		r.Patch("/entities/{id}", h.updateFields)
		r.Post("/entities/{id}/transitions", h.transition)
		r.Post("/entities/{id}/notes", h.addNote)
		r.Get("/entities/{id}/history", h.history)
		r.Get("/entities/{id}/history.xlsx", h.historyWorkbook)
	})

	return r
}
