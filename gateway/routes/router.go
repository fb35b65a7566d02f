package routes

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"verto/core/types"
	"verto/gateway/middleware"
	"verto/gateway/store"
	"verto/native/escrow"
	"verto/observability/metrics"
)

// NodeClient is the subset of rpc.Client the gateway relays to.
type NodeClient interface {
	Escrow(ctx context.Context, id uint64) (*escrow.View, error)
	EscrowCount(ctx context.Context) (uint64, error)
	EscrowTreasury(ctx context.Context) (string, error)
	EscrowOwner(ctx context.Context) (string, error)
	EscrowReviewExpired(ctx context.Context, id uint64) (bool, error)
	EscrowsFor(ctx context.Context, addr [20]byte) ([]escrow.View, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) (string, error)
	BlockNumber(ctx context.Context) (uint64, error)
}

// Rate limit ids referenced by the route table.
const (
	LimitRead  = "read"
	LimitWrite = "write"
)

type Config struct {
	Node          NodeClient
	Store         *store.SQLiteStore
	Authenticator *middleware.Authenticator
	RateLimiter   *middleware.RateLimiter
	Observability *middleware.Observability
	Mirror        *metrics.MirrorMetrics
	CORS          middleware.CORSConfig
	Logger        *slog.Logger
	NodeTimeout   time.Duration
}

type api struct {
	node    NodeClient
	store   *store.SQLiteStore
	mirror  *metrics.MirrorMetrics
	logger  *slog.Logger
	timeout time.Duration
	nowFn   func() time.Time
}

func New(cfg Config) (http.Handler, error) {
	if cfg.Node == nil {
		return nil, errors.New("routes: node client required")
	}
	if cfg.Store == nil {
		return nil, errors.New("routes: store required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	timeout := cfg.NodeTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	a := &api{
		node:    cfg.Node,
		store:   cfg.Store,
		mirror:  cfg.Mirror,
		logger:  logger,
		timeout: timeout,
		nowFn:   time.Now,
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestIDs)
	r.Use(middleware.CORS(cfg.CORS))
	obs := cfg.Observability

	r.Get("/healthz", a.health)
	if obs != nil {
		r.Handle("/metrics", obs.MetricsHandler())
	}

	guard := func(sr chi.Router, route, limit string, scopes ...string) {
		if obs != nil {
			sr.Use(obs.Middleware(route))
		}
		if cfg.Authenticator != nil {
			sr.Use(cfg.Authenticator.Middleware(scopes...))
		}
		if cfg.RateLimiter != nil {
			sr.Use(cfg.RateLimiter.Middleware(limit))
		}
	}

	r.Route("/v1", func(v1 chi.Router) {
		v1.Group(func(read chi.Router) {
			guard(read, "escrow_read", LimitRead, middleware.ScopeEscrowRead)
			read.Get("/escrows/count", a.escrowCount)
			read.Get("/escrows/{id}", a.escrowGet)
			read.Get("/escrows/{id}/review-expired", a.escrowReviewExpired)
			read.Get("/accounts/{address}/escrows", a.accountEscrows)
			read.Get("/treasury", a.treasury)
			read.Get("/events", a.events)
		})
		v1.Group(func(write chi.Router) {
			guard(write, "transactions", LimitWrite, middleware.ScopeEscrowWrite)
			write.Post("/transactions", a.submitTransaction)
		})
		v1.Group(func(hooks chi.Router) {
			guard(hooks, "webhooks", LimitWrite, middleware.ScopeEscrowWrite)
			hooks.Post("/webhooks", a.createWebhook)
			hooks.Get("/webhooks", a.listWebhooks)
			hooks.Delete("/webhooks/{id}", a.deleteWebhook)
		})
	})
	return r, nil
}

func (a *api) health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := a.store.Ping(ctx); err != nil {
		writeError(w, http.StatusServiceUnavailable, err)
		return
	}
	height, err := a.node.BlockNumber(ctx)
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, err)
		return
	}
	last, _ := a.store.LastEventSequence(ctx)
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":           "ok",
		"height":           height,
		"mirroredSequence": last,
	})
}
