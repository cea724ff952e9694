package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/rs/zerolog/log"

	"promptlab/internal/pkg/logger"
	"promptlab/internal/platform/config"
	"promptlab/internal/platform/database"
)

// migrate applies the embedded schema to the configured database. Migrations
// are idempotent, so running it against an up-to-date database is a no-op.
func main() {
	configPath := flag.String("config", "configs/config.yaml", "Path to config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	closeLog := logger.Init("migrate", cfg.Logging)
	defer closeLog()

	db, err := database.Open(cfg.Database)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open database")
	}
	defer db.Close()

	if err := database.Migrate(context.Background(), db); err != nil {
		log.Fatal().Err(err).Msg("migration failed")
	}
	log.Info().Str("database", cfg.Database.URL).Msg("migrations applied")
}
