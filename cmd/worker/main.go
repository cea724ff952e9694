package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog/log"

	"promptlab/internal/engine/projects"
	"promptlab/internal/engine/webhooks"
	"promptlab/internal/pkg/logger"
	"promptlab/internal/platform/config"
	"promptlab/internal/platform/database"
	"promptlab/internal/platform/queue"
	"promptlab/internal/platform/repositories"
	"promptlab/internal/workers"
)

func main() {
	configPath := flag.String("config", "configs/config.yaml", "Path to config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	closeLog := logger.Init("worker", cfg.Logging)
	defer closeLog()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := database.Open(cfg.Database)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open database")
	}
	defer db.Close()

	if err := database.Migrate(ctx, db); err != nil {
		log.Fatal().Err(err).Msg("failed to migrate database")
	}

	webhookRepo := repositories.NewWebhookRepository(db)
	deliveryRepo := repositories.NewDeliveryRepository(db)
	jobs := queue.New(db)
	client := webhooks.NewClient()

	// The service is only used for retention cleanup here, which needs no
	// project access checks.
	service := webhooks.NewService(webhookRepo, deliveryRepo, projects.NewAccess(repositories.NewProjectRepository(db)), jobs, client, cfg.Webhooks)

	runner := workers.NewRunner(
		webhooks.NewWorker(jobs, deliveryRepo, client, cfg.Webhooks),
		webhooks.NewDispatcher(webhookRepo, deliveryRepo, jobs, cfg.Webhooks.DeliveryTimeout),
		service,
		jobs,
		cfg.Webhooks,
	)

	if err := runner.Run(ctx); err != nil {
		log.Error().Err(err).Msg("worker stopped with error")
	}
}
