package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"
	_ "time/tzdata"

	"3tcapital/ms_nfse_emissor/internal/bootstrap"
	"3tcapital/ms_nfse_emissor/internal/infrastructure/config"
	"3tcapital/ms_nfse_emissor/internal/infrastructure/logger"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "service stopped: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	log := logger.New(cfg.App.Name, cfg.Log.Level, cfg.App.Environment)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	app, err := bootstrap.New(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer app.Close()

	if cfg.Scheduler.Enabled {
		sched, err := app.Scheduler()
		if err != nil {
			return fmt.Errorf("create scheduler: %w", err)
		}
		sched.Start(ctx)
		defer func() {
			stopCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			if err := sched.Stop(stopCtx); err != nil {
				log.Warn("Scheduled jobs did not finish before shutdown", "error", err)
			}
		}()
	} else {
		log.Info("Scheduler disabled, the queue is drained only on demand")
	}

	srv, err := app.Server()
	if err != nil {
		return fmt.Errorf("create server: %w", err)
	}
	defer srv.Close()

	log.Info("Starting HTTP server", "port", cfg.HTTP.Port, "environment", cfg.NFSe.Environment)
	return srv.Run(ctx)
}
