// Package worker runs one station worker process.
package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"order-fulfillment/internal/alert"
	"order-fulfillment/internal/api"
	"order-fulfillment/internal/common/config"
	"order-fulfillment/internal/common/httpx"
	"order-fulfillment/internal/common/logger"
	"order-fulfillment/internal/common/mq"
	"order-fulfillment/internal/common/retry"
	"order-fulfillment/internal/domain"
	"order-fulfillment/internal/station"
)

const reportTimeout = 5 * time.Second

func Run(ctx context.Context, cfg config.App) error {
	kind, err := domain.ParseStation(cfg.Station.Kind)
	if err != nil {
		return fmt.Errorf("station.kind: %w", err)
	}
	name := cfg.Station.WorkerName
	if name == "" {
		name = string(kind) + "-worker"
	}
	lg := logger.New(string(kind) + "-worker")

	rmq, err := mq.DialRetry(ctx, cfg.Rabbit, 2*time.Second)
	if err != nil {
		return fmt.Errorf("rabbitmq: %w", err)
	}
	defer rmq.Close()
	if err := rmq.DeclareTopology([]string{string(kind)}); err != nil {
		return err
	}

	journalPath := cfg.Station.JournalPath
	if journalPath == "" {
		journalPath = name + "-board.db"
	}
	journal, err := station.OpenJournal(journalPath)
	if err != nil {
		return err
	}
	defer journal.Close()
	board, err := station.OpenBoard(ctx, kind, journal)
	if err != nil {
		return fmt.Errorf("restore board from %s: %w", journalPath, err)
	}

	w := station.NewWorker(kind,
		api.NewClient(cfg.Station.CoordinatorURL, reportTimeout),
		alert.NewBroker(rmq, lg, reportTimeout),
		lg,
		station.Options{
			WorkerName: name,
			Retry: retry.Policy{
				MaxAttempts:    cfg.Retry.MaxAttempts,
				InitialBackoff: cfg.Retry.InitialBackoff,
				MaxBackoff:     cfg.Retry.MaxBackoff,
			},
			AutoPrepare: cfg.Station.AutoPrepare,
			Board:       board,
		})

	msgs, err := rmq.Consume(mq.QueueName(string(kind)), name, cfg.Station.Prefetch)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	go mq.CancelOnClose(ctx, cancel, rmq.NotifyClosed())
	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := w.Consume(ctx, msgs); err != nil {
			cancel(err)
		}
	}()
	pending := board.Unreported()
	if len(pending) > 0 {
		lg.Info("board_restored", map[string]any{
			"tasks": len(board.List()), "unreported": len(pending), "worker": name,
		})
	}
	go func() {
		if len(pending) > 0 {
			w.ResendPending(ctx)
		}
		w.RunResender(ctx, cfg.Station.ResendEvery)
	}()

	checks := map[string]api.HealthCheck{
		"rabbitmq": func(context.Context) error { return rmq.Ping() },
	}
	srv := httpx.New(cfg.Station.Port, station.NewRouter(w, checks, lg))
	lg.Info("worker_started", map[string]any{
		"worker": name, "station": string(kind), "port": cfg.Station.Port,
		"prefetch": cfg.Station.Prefetch, "auto_prepare": cfg.Station.AutoPrepare.Enabled,
		"journal": journalPath,
	})
	err = srv.Run(ctx)

	cause := context.Cause(ctx)
	cancel(nil)
	<-done
	w.Wait()
	if n := len(w.Board().Unreported()); n > 0 {
		lg.Info("unreported_kept", map[string]any{"orders": n, "worker": name})
	}
	lg.Info("graceful_shutdown", map[string]any{"worker": name})
	if cause != nil && !errors.Is(cause, context.Canceled) {
		return cause
	}
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}
