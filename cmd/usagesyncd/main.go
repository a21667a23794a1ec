package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/rajbos/copilot-usage-sync/internal/app"
	"github.com/rajbos/copilot-usage-sync/internal/config"
	"github.com/rajbos/copilot-usage-sync/internal/httpserver"
	"github.com/rajbos/copilot-usage-sync/internal/observability"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load(config.Options{})
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	obs, err := observability.Setup(ctx, cfg.Observability)
	if err != nil {
		log.Fatalf("setup observability: %v", err)
	}
	if obs != nil {
		defer obs.Shutdown(ctx)
	}

	application, err := app.New(app.Options{Config: cfg, Obs: obs})
	if err != nil {
		log.Fatalf("build app: %v", err)
	}

	go func() {
		if err := application.Engine().Run(ctx); err != nil {
			log.Printf("sync scheduler stopped: %v", err)
		}
	}()

	server, err := httpserver.New(application, cfg, obs)
	if err != nil {
		log.Fatalf("construct server: %v", err)
	}
	if err := server.Listen(ctx); err != nil && err != context.Canceled {
		log.Fatalf("server stopped: %v", err)
	}
}
