// Package main is the entrypoint for the vidfetch API server.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/vidfetch/internal/api"
	"github.com/kiranshivaraju/vidfetch/internal/api/handler"
	mw "github.com/kiranshivaraju/vidfetch/internal/api/middleware"
	"github.com/kiranshivaraju/vidfetch/internal/api/response"
	"github.com/kiranshivaraju/vidfetch/internal/cache"
	"github.com/kiranshivaraju/vidfetch/internal/config"
	"github.com/kiranshivaraju/vidfetch/internal/media"
	"github.com/kiranshivaraju/vidfetch/internal/media/cookies"
	"github.com/kiranshivaraju/vidfetch/internal/scheduler"
	"github.com/kiranshivaraju/vidfetch/internal/store"
	"github.com/kiranshivaraju/vidfetch/pkg/models"
	"golang.org/x/crypto/bcrypt"
	"golang.org/x/sync/errgroup"
)

const (
	shutdownTimeout = 30 * time.Second
	adminKeyName    = "bootstrap-admin"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if err := run(); err != nil {
		slog.Error("server failed", "error", err)
		os.Exit(1)
	}
}

func run() error {
	// 1. Load config, failing fast when invalid
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel(cfg.Server.LogLevel),
	})))
	slog.Info("config loaded",
		"env", cfg.Server.Env,
		"extractor", cfg.Media.Extractor,
		"max_concurrent", cfg.Queue.MaxConcurrent,
		"platforms", cfg.Queue.SupportedPlatforms,
	)

	if err := media.CheckDependencies(cfg.Media); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 2. Connect to database
	pool, err := store.Connect(ctx, cfg.Database)
	if err != nil {
		return fmt.Errorf("connect database: %w", err)
	}
	defer pool.Close()
	slog.Info("database connected")

	// 3. Run migrations
	if err := store.RunMigrations(cfg.Database.URL, "migrations"); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}
	slog.Info("database migrations applied")

	// 4. Create Redis cache
	redisCache, err := cache.NewRedisCache(cfg.Redis.URL)
	if err != nil {
		return fmt.Errorf("create redis cache: %w", err)
	}
	defer redisCache.Close()

	if err := redisCache.Ping(ctx); err != nil {
		return fmt.Errorf("ping redis: %w", err)
	}
	slog.Info("redis connected")

	// 5. Create store and bootstrap the admin key
	pgStore := store.NewPostgresStore(pool)
	if cfg.Server.AdminKey != "" {
		if err := ensureAdminKey(ctx, pgStore, cfg.Server.AdminKey); err != nil {
			return fmt.Errorf("bootstrap admin key: %w", err)
		}
	}

	// 6. Media collaborators
	extractor, err := media.NewExtractor(cfg.Media, redisCache)
	if err != nil {
		return fmt.Errorf("create extractor: %w", err)
	}
	transcoder, err := media.NewTranscoder(cfg.Media)
	if err != nil {
		return fmt.Errorf("create transcoder: %w", err)
	}
	if err := os.MkdirAll(cfg.Media.WorkDir, 0o755); err != nil {
		return fmt.Errorf("create work dir: %w", err)
	}
	slog.Info("media initialized", "extractor", extractor.Name(), "work_dir", cfg.Media.WorkDir)

	// 7. Scheduler: recovers unfinished jobs before accepting new ones
	sched, err := scheduler.New(cfg.Queue, cfg.Media, scheduler.Deps{
		Extractor:   extractor,
		Transcoder:  transcoder,
		Credentials: cookies.NewStore(cfg.Media.CookiesDir),
		Store:       pgStore,
	})
	if err != nil {
		return fmt.Errorf("create scheduler: %w", err)
	}
	if err := sched.Start(ctx); err != nil {
		return fmt.Errorf("start scheduler: %w", err)
	}

	// 8. Build router with dependencies
	auth := mw.NewAuth(pgStore)
	rateLimit := mw.NewRateLimit(redisCache, cfg.Server.RateLimitPerMinute)

	router := api.NewRouter(api.Dependencies{
		Auth:      auth,
		RateLimit: rateLimit,

		HealthHandler: healthHandler(pgStore, redisCache, cfg.Media),

		MediaInfoHandler:   handler.NewMediaInfoHandler(sched),
		SubmitHandler:      handler.NewSubmitHandler(sched),
		BatchSubmitHandler: handler.NewBatchSubmitHandler(sched),
		ListJobsHandler:    handler.NewListJobsHandler(sched),
		GetJobHandler:      handler.NewGetJobHandler(sched),
		CancelJobHandler:   handler.NewCancelJobHandler(sched),
		EventsHandler:      handler.NewEventsHandler(sched, 0),
		FileHandler:        handler.NewFileHandler(sched),
		StatsHandler:       handler.NewStatsHandler(sched),
		FailuresHandler:    handler.NewFailuresHandler(sched),
		HistoryHandler:     handler.NewHistoryHandler(pgStore),

		CreateKeyHandler: handler.NewCreateKeyHandler(pgStore),
		ListKeysHandler:  handler.NewListKeysHandler(pgStore),
		RevokeKeyHandler: handler.NewRevokeKeyHandler(pgStore),
	})

	// 9. Serve until a signal arrives, then drain HTTP and the scheduler
	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		slog.Info("server listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		slog.Info("shutdown signal received, draining connections...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		var errs []error
		if err := srv.Shutdown(shutdownCtx); err != nil {
			errs = append(errs, fmt.Errorf("server shutdown: %w", err))
		}
		if err := sched.Stop(shutdownCtx); err != nil {
			errs = append(errs, fmt.Errorf("scheduler shutdown: %w", err))
		}
		return errors.Join(errs...)
	})

	if err := g.Wait(); err != nil {
		return err
	}
	slog.Info("server stopped gracefully")
	return nil
}

type adminKeyStore interface {
	GetAPIKeyByPrefix(ctx context.Context, prefix string) ([]*models.APIKey, error)
	CreateAPIKey(ctx context.Context, key *models.APIKey) error
}

// ensureAdminKey installs rawKey as an admin key unless it is already stored.
func ensureAdminKey(ctx context.Context, keys adminKeyStore, rawKey string) error {
	if len(rawKey) < mw.KeyPrefixLen {
		return fmt.Errorf("admin key must be at least %d characters", mw.KeyPrefixLen)
	}
	existing, err := keys.GetAPIKeyByPrefix(ctx, rawKey[:mw.KeyPrefixLen])
	if err != nil {
		return err
	}
	for _, k := range existing {
		if bcrypt.CompareHashAndPassword([]byte(k.KeyHash), []byte(rawKey)) == nil {
			slog.Info("admin key present", "key_id", k.ID)
			return nil
		}
	}

	key, err := handler.NewAPIKey(uuid.New(), adminKeyName, rawKey, []string{mw.ScopeJobs, mw.ScopeAdmin})
	if err != nil {
		return err
	}
	if err := keys.CreateAPIKey(ctx, key); err != nil {
		return err
	}
	slog.Info("admin key created", "key_id", key.ID, "owner_id", key.OwnerID)
	return nil
}

type pinger interface {
	Ping(ctx context.Context) error
}

// healthHandler checks database, cache and media tool availability.
func healthHandler(db, c pinger, mediaCfg config.MediaConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		checks := map[string]string{
			"database": "ok",
			"cache":    "ok",
			"media":    "ok",
		}

		if err := db.Ping(r.Context()); err != nil {
			checks["database"] = "degraded"
		}
		if err := c.Ping(r.Context()); err != nil {
			checks["cache"] = "degraded"
		}
		if err := media.CheckDependencies(mediaCfg); err != nil {
			checks["media"] = "degraded"
		}

		for _, v := range checks {
			if v != "ok" {
				response.Error(w, http.StatusServiceUnavailable, "DEGRADED",
					"One or more services degraded", checks)
				return
			}
		}

		response.JSON(w, map[string]any{
			"status":   "ok",
			"services": checks,
			"tools":    media.DependencyStatus(mediaCfg),
		})
	}
}

func logLevel(s string) slog.Level {
	switch s {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
