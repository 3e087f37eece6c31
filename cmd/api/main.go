package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"didpool-service/internal/audit"
	"didpool-service/internal/auth"
	"didpool-service/internal/config"
	"didpool-service/internal/didpool"
	"didpool-service/internal/httpapi"
	"didpool-service/internal/provisioning"
	"didpool-service/internal/telephony"
	"didpool-service/internal/tenants"
	"didpool-service/migrations"
	"didpool-service/pkg/logger"
	"didpool-service/pkg/utils"

	"github.com/gin-gonic/gin"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"
)

func main() {
	// Root context that cancels on shutdown
	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// .env is optional; real deployments inject the environment.
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", "err", err)
		os.Exit(1)
	}

	log := logger.New(cfg.App.Env)
	slog.SetDefault(log)

	if err := run(rootCtx, cfg, log); err != nil {
		log.Error("api exited", "err", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.Config, log *slog.Logger) error {
	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	authManager, err := auth.NewManager(cfg.Auth)
	if err != nil {
		return err
	}

	db, err := utils.OpenPostgres(ctx, "pgx", cfg.PostgresDSN(), utils.PostgresPoolConfig{MaxOpenConns: cfg.DB.MaxOpenConns})
	if err != nil {
		return err
	}
	defer db.Close()

	if err := migrations.Apply(ctx, db); err != nil {
		return err
	}

	rdb, err := utils.OpenRedis(ctx, utils.RedisConfig{
		Addr:     cfg.RedisAddr(),
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err != nil {
		return err
	}
	defer rdb.Close()

	registrar, err := newRegistrar(cfg.VoiceAI, log)
	if err != nil {
		return err
	}

	store := didpool.NewPostgresStore(db)
	alloc := didpool.NewAllocator(store,
		didpool.WithMaxAttempts(cfg.Pool.ReserveAttempts),
		didpool.WithLogger(log),
	)
	names := tenants.NewCachedDirectory(tenants.NewPostgresDirectory(db), rdb, cfg.Tenants.NameCacheTTL, log)

	h := httpapi.Handlers{
		Query:        didpool.NewQueryService(store, names, log),
		Allocator:    alloc,
		Provisioning: provisioning.NewService(alloc, registrar, audit.NewService(audit.NewPostgresRepo(db)), log),
	}
	if cfg.App.Env == "local" {
		h.Auth = authManager
	}

	sweeper := didpool.NewSweeper(alloc, utils.NewRedisLocker(rdb), didpool.SweeperConfig{
		Interval: cfg.Pool.SweepInterval,
		MaxAge:   cfg.Pool.ReservationTTL,
	}, log)

	// Gin router
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(logger.Middleware(log))
	registerRoutes(r, h, db, registrar, auth.RequireAccessToken(authManager))

	srv := &http.Server{
		Addr:              cfg.HTTPAddr(),
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("api listening", "addr", srv.Addr, "env", cfg.App.Env, "registrar", registrar.Name())
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		sweeper.Run(gctx)
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutdown initiated")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.App.ShutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error("http shutdown failed", "err", err)
			return err
		}
		return nil
	})

	return g.Wait()
}

// newRegistrar returns the voice-AI client. Without a base URL (local/dev only,
// production config validation rejects it) numbers are registered in memory.
func newRegistrar(cfg config.VoiceAIConfig, log *slog.Logger) (telephony.NumberRegistrar, error) {
	if cfg.BaseURL == "" {
		log.Warn("VOICEAI_BASE_URL not set; using in-memory number registrar")
		return telephony.NewMemoryRegistrar(), nil
	}
	return telephony.NewHTTPRegistrar(cfg.BaseURL, cfg.APIKey, cfg.Timeout)
}
