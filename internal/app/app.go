// Package app assembles the stores, gateway client and workflows shared by the
// service and the operator CLI.
package app

import (
	"context"
	"fmt"
	"log/slog"

	"netgrant/internal/config"
	"netgrant/internal/db"
	"netgrant/internal/directory"
	"netgrant/internal/gatewayclient"
	"netgrant/internal/httpapi"
	"netgrant/internal/lease"
	"netgrant/internal/plans"
	"netgrant/internal/repo"
	"netgrant/internal/services"

	"github.com/redis/go-redis/v9"
)

type App struct {
	Cfg config.Config
	Log *slog.Logger

	DB       *db.DB
	Orders   *repo.OrdersRepo
	Sessions *repo.SessionsRepo
	Gateways *repo.GatewaysRepo
	Events   *repo.PaymentEventsRepo

	Granter    *services.Granter
	Reconciler *services.Reconciler
	Sweeper    *services.Sweeper
	Backfill   *services.Backfill

	redis *redis.Client
}

func Build(ctx context.Context, cfg config.Config, log *slog.Logger) (*App, error) {
	d, err := db.Connect(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, err
	}
	a := &App{
		Cfg:      cfg,
		Log:      log,
		DB:       d,
		Orders:   repo.NewOrdersRepo(d.Pool),
		Sessions: repo.NewSessionsRepo(d.Pool),
		Gateways: repo.NewGatewaysRepo(d.Pool),
		Events:   repo.NewPaymentEventsRepo(d.Pool),
	}

	table := plans.Builtin()
	if cfg.PlansFile != "" {
		if table, err = plans.Load(cfg.PlansFile); err != nil {
			a.Close()
			return nil, err
		}
		log.Info("plan table loaded", "path", cfg.PlansFile, "rules", len(table.Rules))
	}

	var locker lease.Locker
	if cfg.RedisURL != "" {
		client, err := lease.OpenRedis(ctx, cfg.RedisURL)
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("redis lease store: %w", err)
		}
		a.redis = client
		locker = lease.NewRedis(client, "netgrant:lease:")
	} else {
		log.Info("REDIS_URL not set, using in-process leases")
		locker = lease.NewMemory()
	}

	gw := gatewayclient.New(cfg.RelayBaseURL, cfg.RelayAPIKey, cfg.GatewayTimeout)
	gw.Log = log

	a.Granter = &services.Granter{
		Resolver:   directory.NewResolver(a.Gateways, a.Sessions),
		Gateways:   a.Gateways,
		Commands:   gw,
		Sessions:   a.Sessions,
		Plans:      table,
		BindingKey: cfg.BindingKey,
		Locker:     locker,
		Log:        log,
	}
	a.Reconciler = services.NewReconciler(a.Orders, a.Events, a.Granter, cfg.RecheckDelay, log)
	a.Sweeper = &services.Sweeper{
		Sessions:  a.Sessions,
		Gateways:  a.Gateways,
		Commands:  gw,
		Locker:    locker,
		LeaseTTL:  cfg.LeaseTTL,
		BatchSize: cfg.BatchSize,
		Log:       log,
	}
	a.Backfill = &services.Backfill{
		Orders:        a.Orders,
		Granter:       a.Granter,
		Locker:        locker,
		LeaseTTL:      cfg.LeaseTTL,
		Grace:         cfg.BackfillGrace,
		PendingMaxAge: cfg.PendingMaxAge,
		BatchSize:     cfg.BatchSize,
		Log:           log,
	}
	return a, nil
}

func (a *App) Server() *httpapi.Server {
	return &httpapi.Server{
		Cfg:      a.Cfg,
		Payments: a.Reconciler,
		Sweeper:  a.Sweeper,
		Backfill: a.Backfill,
		Orders:   a.Orders,
		Sessions: a.Sessions,
		Gateways: a.Gateways,
		Log:      a.Log,
	}
}

func (a *App) Scheduler() *services.Scheduler {
	return &services.Scheduler{
		Sweeper:          a.Sweeper,
		Backfill:         a.Backfill,
		SweepInterval:    a.Cfg.SweepInterval,
		BackfillInterval: a.Cfg.BackfillInterval,
		LeaseTTL:         a.Cfg.LeaseTTL,
		Log:              a.Log,
	}
}

func (a *App) Close() {
	if a.Reconciler != nil {
		a.Reconciler.Close()
	}
	if a.redis != nil {
		_ = a.redis.Close()
	}
	a.DB.Close()
}
