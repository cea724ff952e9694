package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"promptlab/internal/api"
	"promptlab/internal/api/handlers"
	"promptlab/internal/api/middleware"
	"promptlab/internal/engine/projects"
	"promptlab/internal/engine/webhooks"
	"promptlab/internal/pkg/logger"
	"promptlab/internal/platform/audit"
	"promptlab/internal/platform/auth"
	"promptlab/internal/platform/config"
	"promptlab/internal/platform/database"
	"promptlab/internal/platform/email"
	"promptlab/internal/platform/queue"
	"promptlab/internal/platform/ratelimit"
	"promptlab/internal/platform/repositories"
)

func main() {
	configPath := flag.String("config", "configs/config.yaml", "Path to config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	closeLog := logger.Init("server", cfg.Logging)
	defer closeLog()

	if err := run(cfg); err != nil {
		log.Fatal().Err(err).Msg("server failed")
	}
}

func run(cfg *config.Config) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := database.Open(cfg.Database)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	if err := database.Migrate(ctx, db); err != nil {
		return fmt.Errorf("migrate database: %w", err)
	}

	checks := map[string]handlers.Check{"database": db.PingContext}

	// Keyed limits and consumed magic links live in redis when the API runs
	// as more than one replica.
	var (
		limiter  ratelimit.Store
		consumed auth.ConsumedTokenStore
	)
	switch cfg.RateLimit.Store {
	case "redis":
		rdb := redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr, Password: cfg.Redis.Password, DB: cfg.Redis.DB})
		defer rdb.Close()
		if err := rdb.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("connect redis: %w", err)
		}
		checks["redis"] = func(ctx context.Context) error { return rdb.Ping(ctx).Err() }
		limiter = ratelimit.NewRedisStore(rdb, "promptlab:ratelimit:", cfg.MagicLink.RateLimitRequests, cfg.MagicLink.RateLimitWindow)
		consumed = auth.NewRedisConsumedStore(rdb)
	case "", "memory":
		mem := ratelimit.NewMemoryStore(cfg.MagicLink.RateLimitRequests, cfg.MagicLink.RateLimitWindow)
		go mem.RunSweeper(ctx, 10*time.Minute)
		limiter = mem
		consumed = auth.NewMemoryConsumedStore()
	default:
		return fmt.Errorf("unknown rate limit store %q", cfg.RateLimit.Store)
	}
	if !cfg.MagicLink.SingleUse {
		consumed = nil
	}

	tokenSvc, err := auth.NewTokenService(cfg.JWT)
	if err != nil {
		return fmt.Errorf("token service: %w", err)
	}
	magicLinks, err := auth.NewMagicLinkService(cfg.JWT, cfg.MagicLink, consumed)
	if err != nil {
		return fmt.Errorf("magic link service: %w", err)
	}
	mailer, err := email.New(cfg.Email, cfg.IsProduction())
	if err != nil {
		return fmt.Errorf("email sender: %w", err)
	}

	// Repositories
	userRepo := repositories.NewUserRepository(db)
	projectRepo := repositories.NewProjectRepository(db)
	webhookRepo := repositories.NewWebhookRepository(db)
	deliveryRepo := repositories.NewDeliveryRepository(db)

	// Services
	jobs := queue.New(db)
	access := projects.NewAccess(projectRepo)
	auditLog := audit.NewLogger(db)
	webhookSvc := webhooks.NewService(webhookRepo, deliveryRepo, access, jobs, webhooks.NewClient(), cfg.Webhooks)
	webhookSvc.SetAuditor(auditLog)
	dispatcher := webhooks.NewDispatcher(webhookRepo, deliveryRepo, jobs, cfg.Webhooks.DeliveryTimeout)

	deps := &api.Dependencies{
		AuthHandler:    handlers.NewAuthHandler(userRepo, magicLinks, tokenSvc, limiter, mailer, cfg.IsProduction()),
		WebhookHandler: handlers.NewWebhookHandler(webhookSvc),
		EventHandler:   handlers.NewEventHandler(access, dispatcher),
		AuditHandler:   handlers.NewAuditHandler(access, auditLog),
		HealthHandler:  handlers.NewHealthHandler(checks),
		AuthMiddleware: middleware.NewAuthMiddleware(tokenSvc),
		CORS:           cfg.CORS,
		RateLimit:      cfg.RateLimit,
	}

	srv := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      api.NewRouter(deps),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", srv.Addr).Str("environment", cfg.Environment).Msg("server starting")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	log.Info().Msg("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
