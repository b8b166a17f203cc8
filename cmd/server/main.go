package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/leeky940926/p-market/internal/account"
	"github.com/leeky940926/p-market/internal/catalog"
	"github.com/leeky940926/p-market/internal/config"
	"github.com/leeky940926/p-market/internal/events"
	"github.com/leeky940926/p-market/internal/logger"
	"github.com/leeky940926/p-market/internal/metrics"
	"github.com/leeky940926/p-market/internal/ratelimit"
	"github.com/leeky940926/p-market/internal/settlement"
	"github.com/leeky940926/p-market/internal/store"
	"github.com/leeky940926/p-market/internal/trade"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}

	slog.SetDefault(logger.New(os.Stdout, logger.Config{
		Level:       cfg.LogLevel,
		Format:      cfg.LogFormat,
		ServiceName: "p-market",
	}))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// --- Initialize store ---
	var st store.Store
	var cleanup []func()

	if cfg.DatabaseURL != "" {
		pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
		if err != nil {
			slog.Error("database connection failed", "err", err)
			os.Exit(1)
		}
		cleanup = append(cleanup, pool.Close)

		if cfg.MigrateOnStart {
			if err := store.Migrate(ctx, pool); err != nil {
				slog.Error("migration failed", "err", err)
				os.Exit(1)
			}
			slog.Info("migrations applied")
		}

		st = store.NewPostgresStore(pool, cfg.LockTimeout)
		slog.Info("connected to PostgreSQL")

		// Wrap with Redis read-through cache if configured.
		if cfg.RedisURL != "" {
			opt, err := redis.ParseURL(cfg.RedisURL)
			if err != nil {
				slog.Error("invalid REDIS_URL", "err", err)
				os.Exit(1)
			}
			rdb := redis.NewClient(opt)
			cleanup = append(cleanup, func() { rdb.Close() })
			st = store.NewCachedStore(st, rdb, cfg.CacheTTL)
			slog.Info("Redis cache enabled", "ttl", cfg.CacheTTL)
		}
	} else {
		slog.Warn("DATABASE_URL not set, using in-memory store (data will not persist)")
		ms := store.NewMemoryStore()
		ms.SetLockTimeout(cfg.LockTimeout)
		st = ms
	}

	defer func() {
		for i := len(cleanup) - 1; i >= 0; i-- {
			cleanup[i]()
		}
	}()

	// --- Catalog ---
	cat, err := catalog.New(st, cfg.CatalogCacheSize)
	if err != nil {
		slog.Error("catalog init failed", "err", err)
		os.Exit(1)
	}
	if err := seedCatalog(ctx, cat, cfg.SeedCards); err != nil {
		slog.Error("catalog seed failed", "err", err)
		os.Exit(1)
	}

	// --- Event fan-out ---
	hubCtx, stopHub := context.WithCancel(context.Background())
	defer stopHub()
	wsHub := trade.NewWSHub()
	go wsHub.Run(hubCtx)

	publishers := events.Fanout{wsHub}
	if cfg.RabbitMQURL != "" {
		amqpPub, err := events.DialAMQP(cfg.RabbitMQURL, cfg.RabbitMQExchange)
		if err != nil {
			slog.Error("RabbitMQ connection failed", "err", err)
			os.Exit(1)
		}
		cleanup = append(cleanup, func() { amqpPub.Close() })
		publishers = append(publishers, amqpPub)
	}

	// --- Settlement engine ---
	engine, err := settlement.NewEngine(st, cat, settlement.Config{
		FeeRate:        cfg.FeeRate,
		FeePolicy:      cfg.FeePolicy,
		PlatformUserID: cfg.PlatformUserID,
	}, settlement.WithPublisher(publishers))
	if err != nil {
		slog.Error("engine init failed", "err", err)
		os.Exit(1)
	}
	slog.Info("settlement engine ready",
		"fee_rate", cfg.FeeRate.String(),
		"fee_policy", string(cfg.FeePolicy),
	)

	limiter := ratelimit.NewUserLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst, 0)
	tradeSvc := trade.NewService(engine, account.NewService(st), cat, limiter, wsHub)

	// --- HTTP router ---
	r := chi.NewRouter()
	r.Use(trade.RequestLogger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RealIP)
	r.Use(metrics.Middleware)

	// CORS middleware for frontend cross-origin requests.
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Access-Control-Allow-Origin", "*")
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, "+trade.HeaderUserID+", "+trade.HeaderRequestID)
			if r.Method == "OPTIONS" {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	})

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok","service":"p-market"}`))
	})

	// Prometheus metrics endpoint.
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(middleware.Timeout(30 * time.Second))
		tradeSvc.Routes(r, cfg.AdminEnabled)
	})

	// --- Server ---
	srv := &http.Server{
		Addr:         ":" + strconv.Itoa(cfg.Port),
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		slog.Info("p-market listening", "port", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "err", err)
			os.Exit(1)
		}
	}()

	// Graceful shutdown.
	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	slog.Info("shutting down p-market...")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
	}
	stopHub()
	fmt.Println("p-market stopped")
}

// seedCatalog creates the configured cards when the catalog is empty.
func seedCatalog(ctx context.Context, cat *catalog.Catalog, names []string) error {
	if len(names) == 0 {
		return nil
	}
	existing, err := cat.List(ctx)
	if err != nil {
		return err
	}
	if len(existing) > 0 {
		return nil
	}
	for _, name := range names {
		card, err := cat.Add(ctx, name)
		if err != nil {
			return err
		}
		slog.Info("card seeded", "id", card.ID, "name", card.Name)
	}
	return nil
}
