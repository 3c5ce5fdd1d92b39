package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/agrolink/market-engine/internal/api"
	"github.com/agrolink/market-engine/internal/auth"
	"github.com/agrolink/market-engine/internal/config"
	"github.com/agrolink/market-engine/internal/counter"
	"github.com/agrolink/market-engine/internal/events"
	"github.com/agrolink/market-engine/internal/images"
	"github.com/agrolink/market-engine/internal/listing"
	"github.com/agrolink/market-engine/internal/metrics"
	"github.com/agrolink/market-engine/internal/negotiation"
	"github.com/agrolink/market-engine/internal/store"
)

func main() {
	cfg, err := config.Load(os.Getenv("CONFIG_PATH"))
	if err != nil {
		slog.Error("configuration failed", "err", err)
		os.Exit(1)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.LogLevel}))
	slog.SetDefault(logger)

	ctx := context.Background()
	var cleanup []func()
	defer func() {
		for i := len(cleanup) - 1; i >= 0; i-- {
			cleanup[i]()
		}
	}()
	fail := func(msg string, err error) {
		slog.Error(msg, "err", err)
		for i := len(cleanup) - 1; i >= 0; i-- {
			cleanup[i]()
		}
		os.Exit(1)
	}

	// --- Initialize store ---
	var st store.Store
	if cfg.DatabaseURL != "" {
		pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
		if err != nil {
			fail("database connection failed", err)
		}
		cleanup = append(cleanup, pool.Close)
		if err := store.Migrate(ctx, pool); err != nil {
			fail("database migration failed", err)
		}
		st = store.NewPostgresStore(pool)
		slog.Info("connected to PostgreSQL")

		// Wrap with Redis read-through cache if configured.
		if cfg.RedisURL != "" {
			opt, err := redis.ParseURL(cfg.RedisURL)
			if err != nil {
				fail("invalid REDIS_URL", err)
			}
			rdb := redis.NewClient(opt)
			cleanup = append(cleanup, func() { rdb.Close() })
			st = store.NewCachedStore(st, rdb, cfg.CacheTTL)
			slog.Info("Redis cache enabled", "ttl", cfg.CacheTTL)
		}
	} else {
		slog.Warn("DATABASE_URL not set, using in-memory store (data will not persist)")
		st = store.NewMemoryStore()
	}

	// --- Image storage ---
	var imgs images.Store
	switch cfg.ImageBackend {
	case config.ImageBackendGCS:
		gcs, err := images.NewGCSStore(ctx, cfg.GCSBucket, cfg.GCSCredentialsFile)
		if err != nil {
			fail("image store init failed", err)
		}
		cleanup = append(cleanup, func() { gcs.Close() })
		imgs = gcs
		slog.Info("images stored in GCS", "bucket", cfg.GCSBucket)
	default:
		disk, err := images.NewDiskStore(cfg.ImageDir)
		if err != nil {
			fail("image store init failed", err)
		}
		imgs = disk
		slog.Info("images stored on disk", "dir", cfg.ImageDir)
	}

	// --- Domain events ---
	var pub events.Publisher = events.NewLoggingPublisher(logger)
	if len(cfg.KafkaBrokers) > 0 {
		kp, err := events.NewKafkaPublisher(cfg.KafkaBrokers, cfg.KafkaTopicPrefix, nil)
		if err != nil {
			fail("kafka publisher init failed", err)
		}
		cleanup = append(cleanup, func() { kp.Close() })
		pub = kp
		slog.Info("publishing events to Kafka", "brokers", cfg.KafkaBrokers)
	}
	emitter := events.NewEmitter(pub)

	// --- Services ---
	counters := counter.NewService(st)
	listings := listing.NewService(st, counters, listing.Options{
		Images:        imgs,
		Events:        emitter,
		MaxImageBytes: cfg.MaxImageBytes,
		MaxImages:     cfg.MaxImages,
	})
	deps := negotiation.Deps{Store: st, Counters: counters, Events: emitter}
	ledger := negotiation.NewLedger(deps)
	engine := negotiation.NewEngine(deps)
	bridge := negotiation.NewBridge(deps, ledger, engine)

	handler := api.NewHandler(api.Config{
		Listings:  listings,
		Ledger:    ledger,
		Engine:    engine,
		Bridge:    bridge,
		Verifier:  auth.NewVerifier(cfg.JWTSecret, cfg.JWTIssuer),
		MaxUpload: cfg.MaxImageBytes * int64(cfg.MaxImages+1),
	})

	// --- HTTP router ---
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Timeout(cfg.RequestTimeout))
	r.Use(metrics.Middleware)

	// CORS middleware for frontend cross-origin requests.
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Access-Control-Allow-Origin", "*")
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
			if r.Method == "OPTIONS" {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	})

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok","service":"market-engine"}`))
	})

	// Prometheus metrics endpoint.
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api/v1", handler.Routes)

	// --- Server ---
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: cfg.RequestTimeout + 5*time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		slog.Info("market-engine listening", "port", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "err", err)
			os.Exit(1)
		}
	}()

	// Graceful shutdown.
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	slog.Info("shutting down market-engine...")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
	}
	fmt.Println("market-engine stopped")
}
