package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"order-fulfillment/internal/app/notify"
	"order-fulfillment/internal/app/order"
	"order-fulfillment/internal/app/worker"
	"order-fulfillment/internal/common/config"
	"order-fulfillment/internal/common/logger"
	"order-fulfillment/internal/common/telemetry"
)

const modes = "coordinator | station-worker | notification-subscriber"

func main() {
	mode := flag.String("mode", "", modes)
	cfgPath := flag.String("config", "", "path to YAML config (default: ./config.yaml or deploy/config.example.yaml)")
	logLevel := flag.String("log-level", "", "debug | info | warn | error")
	port := flag.Int("port", 0, "http port of the coordinator or station worker")
	store := flag.String("store", "", "coordinator: memory | postgres")
	station := flag.String("station", "", "station-worker: kitchen | barista")
	workerName := flag.String("worker-name", "", "station-worker: consumer name")
	prefetch := flag.Int("prefetch", 0, "station-worker: RabbitMQ prefetch")
	coordURL := flag.String("coordinator-url", "", "station-worker: coordinator base URL")
	autoPrepare := flag.Bool("auto-prepare", false, "station-worker: advance tasks on a timer")
	journalPath := flag.String("journal-path", "", "station-worker: SQLite file holding the board")
	redisAddr := flag.String("redis-addr", "", "coordinator: redis address, enables the status cache")
	tracing := flag.Bool("tracing", false, "export spans over OTLP gRPC")
	flag.Parse()

	path := *cfgPath
	if path == "" {
		p, err := config.FindConfig()
		if err != nil {
			fmt.Fprintln(os.Stderr, "no config file found: pass --config")
			os.Exit(2)
		}
		path = p
	}
	cfg, err := config.Load(path)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "log-level":
			cfg.LogLevel = *logLevel
		case "port":
			if *mode == "station-worker" {
				cfg.Station.Port = *port
			} else {
				cfg.Coordinator.Port = *port
			}
		case "store":
			cfg.Coordinator.Store = *store
		case "station":
			cfg.Station.Kind = *station
		case "worker-name":
			cfg.Station.WorkerName = *workerName
		case "prefetch":
			cfg.Station.Prefetch = *prefetch
		case "coordinator-url":
			cfg.Station.CoordinatorURL = *coordURL
		case "auto-prepare":
			cfg.Station.AutoPrepare.Enabled = *autoPrepare
		case "journal-path":
			cfg.Station.JournalPath = *journalPath
		case "redis-addr":
			cfg.Redis.Addr = *redisAddr
		case "tracing":
			cfg.Telemetry.Enabled = *tracing
		}
	})
	if err := cfg.Validate(); err != nil {
		fmt.Fprintln(os.Stderr, "invalid config:", err)
		os.Exit(2)
	}

	if err := logger.Init(cfg.LogLevel); err != nil {
		fmt.Fprintln(os.Stderr, "logger:", err)
		os.Exit(2)
	}
	lg := logger.New("bootstrap")
	defer lg.Sync()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	shutdown, err := telemetry.SetupTracer(ctx, cfg.Telemetry)
	if err != nil {
		lg.Error("tracer_setup_failed", err, nil)
		os.Exit(1)
	}
	defer func() {
		sctx, scancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer scancel()
		_ = shutdown(sctx)
	}()

	var run func(context.Context, config.App) error
	switch *mode {
	case "coordinator":
		run = order.Run
	case "station-worker":
		if cfg.Station.Kind == "" {
			fmt.Fprintln(os.Stderr, "--station is required for station-worker")
			os.Exit(2)
		}
		run = worker.Run
	case "notification-subscriber":
		run = notify.Run
	default:
		fmt.Fprintln(os.Stderr, "--mode is required:", modes)
		os.Exit(2)
	}

	lg.Info("service_starting", map[string]any{"mode": *mode, "config": path})
	if err := run(ctx, cfg); err != nil {
		lg.Error("fatal", err, map[string]any{"mode": *mode})
		cancel()
		os.Exit(1)
	}
}
