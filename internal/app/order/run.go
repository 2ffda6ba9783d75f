// Package order runs the coordinator process: the order API, the store, the
// station fan-out and the re-publisher.
package order

import (
	"context"
	"errors"
	"fmt"
	"time"

	"order-fulfillment/internal/alert"
	"order-fulfillment/internal/api"
	"order-fulfillment/internal/common/cache"
	"order-fulfillment/internal/common/config"
	"order-fulfillment/internal/common/db"
	"order-fulfillment/internal/common/httpx"
	"order-fulfillment/internal/common/logger"
	"order-fulfillment/internal/common/mq"
	"order-fulfillment/internal/common/retry"
	"order-fulfillment/internal/coordinator"
	"order-fulfillment/internal/domain"
	"order-fulfillment/internal/fanout"
	"order-fulfillment/internal/repository"
)

const serviceName = "coordinator"

func stations() []string {
	out := make([]string, 0, len(domain.Stations))
	for _, s := range domain.Stations {
		out = append(out, string(s))
	}
	return out
}

func Run(ctx context.Context, cfg config.App) error {
	lg := logger.New(serviceName)

	catalog, err := domain.NewCatalog(cfg.Catalog)
	if err != nil {
		return fmt.Errorf("catalog: %w", err)
	}

	checks := map[string]api.HealthCheck{}
	var store repository.Orders
	switch cfg.Coordinator.Store {
	case "postgres":
		pool, err := db.Connect(ctx, cfg.Database)
		if err != nil {
			return err
		}
		defer pool.Close()
		pg := repository.NewOrdersPG(pool)
		if err := pg.Migrate(ctx); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
		store = pg
		checks["postgres"] = pool.Ping
		lg.Info("db_connected", map[string]any{"host": cfg.Database.Host, "database": cfg.Database.Name})
	default:
		store = repository.NewOrdersMem()
		lg.Warn("memory_store", map[string]any{"detail": "orders are lost on restart"})
	}

	rmq, err := mq.DialRetry(ctx, cfg.Rabbit, 2*time.Second)
	if err != nil {
		return fmt.Errorf("rabbitmq: %w", err)
	}
	defer rmq.Close()
	if err := rmq.DeclareTopology(stations()); err != nil {
		return err
	}
	checks["rabbitmq"] = func(context.Context) error { return rmq.Ping() }
	lg.Info("rabbitmq_connected", map[string]any{"host": cfg.Rabbit.Host, "vhost": cfg.Rabbit.VHost})

	var statusCache cache.Cache
	if cfg.Redis.Addr != "" {
		rc := cache.NewRedisCache(cfg.Redis, serviceName)
		defer rc.Close()
		if err := rc.Ping(ctx); err != nil {
			lg.Warn("redis_unavailable", map[string]any{"addr": cfg.Redis.Addr, "error": err.Error()})
		}
		statusCache = rc
		checks["redis"] = rc.Ping
	}

	svc := coordinator.NewService(coordinator.Deps{
		Store:     store,
		Publisher: fanout.NewStations(rmq),
		Notifier:  fanout.NewNotifier(rmq),
		Cache:     statusCache,
		Alerts:    alert.NewBroker(rmq, lg, cfg.Coordinator.PublishTimeout),
		Log:       lg,
	}, coordinator.Options{
		Catalog: catalog,
		Retry: retry.Policy{
			MaxAttempts:    cfg.Retry.MaxAttempts,
			InitialBackoff: cfg.Retry.InitialBackoff,
			MaxBackoff:     cfg.Retry.MaxBackoff,
		},
		PublishTimeout: cfg.Coordinator.PublishTimeout,
		RepublishGrace: cfg.Coordinator.RepublishGrace,
		RepublishBatch: cfg.Coordinator.RepublishBatch,
		CacheTTL:       cfg.Redis.TTL,
	})
	defer svc.Wait()

	// A lost broker connection ends the process so a supervisor restarts it
	// with a fresh one; the re-publisher catches up on anything missed.
	ctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	go mq.CancelOnClose(ctx, cancel, rmq.NotifyClosed())
	go svc.RunRepublisher(ctx, cfg.Coordinator.RepublishEvery)

	srv := httpx.New(cfg.Coordinator.Port, api.NewRouter(api.NewHandler(svc, checks, lg)))
	lg.Info("service_started", map[string]any{"port": cfg.Coordinator.Port, "store": cfg.Coordinator.Store})
	err = srv.Run(ctx)
	if cause := context.Cause(ctx); cause != nil && !errors.Is(cause, context.Canceled) {
		lg.Error("rabbitmq_connection_lost", cause, nil)
		return cause
	}
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	lg.Info("graceful_shutdown", nil)
	return nil
}
