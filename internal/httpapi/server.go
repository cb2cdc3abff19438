package httpapi

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"netgrant/internal/config"
	"netgrant/internal/models"
	"netgrant/internal/observability/middleware"
	"netgrant/internal/services"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type PaymentIngester interface {
	Ingest(ctx context.Context, raw []byte) (services.Result, error)
}

type ExpirySweeper interface {
	SweepExpired(ctx context.Context, now time.Time) (services.SweepReport, error)
	RevokeSession(ctx context.Context, id string, now time.Time) (*models.Session, bool, error)
}

type Backfiller interface {
	BackfillMissingGrants(ctx context.Context, now time.Time) (services.BackfillReport, error)
}

type OrderReader interface {
	FindByExternalRef(ctx context.Context, ref string) (*models.Order, error)
}

type SessionReader interface {
	GetByID(ctx context.Context, id string) (*models.Session, error)
	ListByOrder(ctx context.Context, orderId string) ([]models.Session, error)
}

type GatewayLister interface {
	List(ctx context.Context) ([]models.Gateway, error)
}

type Server struct {
	Cfg      config.Config
	Payments PaymentIngester
	Sweeper  ExpirySweeper
	Backfill Backfiller
	Orders   OrderReader
	Sessions SessionReader
	Gateways GatewayLister
	Log      *slog.Logger
	Now      func() time.Time
}

func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.WithRequestID)
	r.Use(middleware.WithMetrics)

	r.Group(func(r chi.Router) {
		if s.Cfg.WebhookRateLimit > 0 {
			r.Use(httprate.LimitByIP(s.Cfg.WebhookRateLimit, time.Minute))
		}
		r.Post("/v1/payments/events", s.IngestPaymentEvent)
	})

	r.Group(func(r chi.Router) {
		r.Use(func(next http.Handler) http.Handler { return RequireBearer(s.Cfg.APIKey, next) })
		r.Post("/v1/sweeps/expiry", s.RunExpirySweep)
		r.Post("/v1/sweeps/backfill", s.RunBackfill)
		r.Post("/v1/sessions/{sessionId}/revoke", s.RevokeSession)
		r.Get("/v1/sessions/{sessionId}", s.GetSession)
		r.Get("/v1/orders/{externalReference}", s.GetOrder)
		r.Get("/v1/gateways", s.ListGateways)
	})

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) })
	r.Handle("/metrics", promhttp.Handler())
	return r
}

func (s *Server) now() time.Time {
	if s.Now != nil {
		return s.Now().UTC()
	}
	return time.Now().UTC()
}

func (s *Server) logger(r *http.Request) *slog.Logger {
	log := s.Log
	if log == nil {
		log = slog.Default()
	}
	if id := middleware.RequestIDFromContext(r.Context()); id != "" {
		log = log.With("request_id", id)
	}
	return log
}
