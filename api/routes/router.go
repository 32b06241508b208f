package routes

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/aether-platform/eventing/api/controllers"
	ordercontrollers "github.com/aether-platform/eventing/api/controllers/orders"
	"github.com/aether-platform/eventing/api/middleware"
	"github.com/aether-platform/eventing/internal/orders"
	"github.com/aether-platform/eventing/pkg/config"
	"github.com/aether-platform/eventing/pkg/logger"
	"github.com/aether-platform/eventing/pkg/outbox"
	"github.com/aether-platform/eventing/pkg/redis"
	"github.com/aether-platform/eventing/pkg/uow"
)

type Params struct {
	Config  *config.Config
	Logger  *logger.Logger
	Manager *uow.Manager
	// Idempotency may be nil, which disables request replay.
	Idempotency redis.IdempotencyStore
	Orders      orders.Service
	Outbox      *outbox.Repository
	Readiness   []controllers.ReadinessCheck
	// Gatherer backs /metrics; the default registry when nil.
	Gatherer prometheus.Gatherer
}

func NewRouter(p Params) http.Handler {
	cfg := p.Config
	logg := p.Logger

	r := chi.NewRouter()
	r.Use(
		middleware.Recoverer(logg),
		middleware.RequestID(logg),
		middleware.Logging(logg),
		middleware.CORS(cfg.HTTP.CORSOrigins),
	)

	r.Route("/health", func(r chi.Router) {
		r.Get("/live", controllers.HealthLive(cfg))
		r.Get("/ready", controllers.HealthReady(cfg, logg, p.Readiness...))
	})

	gatherer := p.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(middleware.Idempotency(p.Idempotency, cfg.HTTP.IdempotencyTTL, logg))
		r.Use(middleware.UnitOfWork(middleware.UnitOfWorkParams{
			Manager:       p.Manager,
			Logger:        logg,
			Transactional: cfg.UnitOfWork.RequestTransactional,
			Timeout:       cfg.UnitOfWork.RequestTimeout,
		}))

		r.Route("/orders", func(r chi.Router) {
			r.Post("/", ordercontrollers.Place(p.Orders, logg))
			r.Get("/{orderID}", ordercontrollers.Get(p.Orders, logg))
			r.Post("/{orderID}/cancel", ordercontrollers.Cancel(p.Orders, logg))
		})

		if cfg.HTTP.AdminToken != "" {
			r.Route("/admin/outbox", func(r chi.Router) {
				r.Use(middleware.AdminToken(cfg.HTTP.AdminToken, logg))
				r.Get("/exhausted", controllers.AdminOutboxExhausted(p.Outbox, cfg.Outbox.MaxRetryCount, logg))
				r.Post("/{messageID}/requeue", controllers.AdminOutboxRequeue(p.Outbox, p.Manager, logg))
			})
		}
	})

	return r
}
