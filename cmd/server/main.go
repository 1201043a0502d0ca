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

	"github.com/chartgame/game-engine/internal/auth"
	"github.com/chartgame/game-engine/internal/config"
	"github.com/chartgame/game-engine/internal/game"
	"github.com/chartgame/game-engine/internal/hearts"
	"github.com/chartgame/game-engine/internal/metrics"
	"github.com/chartgame/game-engine/internal/prices"
	"github.com/chartgame/game-engine/internal/store"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	cfg, err := config.Load()
	if err != nil {
		slog.Error("invalid configuration", "err", err)
		os.Exit(1)
	}

	// --- Store ---
	var st store.Store
	var heartSource hearts.Source = hearts.Unlimited{}
	var cleanup []func()

	if cfg.DatabaseURL != "" {
		pool, err := pgxpool.New(context.Background(), cfg.DatabaseURL)
		if err != nil {
			slog.Error("database connection failed", "err", err)
			os.Exit(1)
		}
		cleanup = append(cleanup, pool.Close)

		pg := store.NewPostgresStore(pool)
		if err := pg.Init(context.Background()); err != nil {
			slog.Error("schema init failed", "err", err)
			os.Exit(1)
		}
		st = pg
		slog.Info("connected to PostgreSQL")

		// Wrap with Redis read-through cache if configured; hearts live
		// in the same Redis as counters.
		if cfg.RedisURL != "" {
			opt, err := redis.ParseURL(cfg.RedisURL)
			if err != nil {
				slog.Error("invalid redis url", "err", err)
				os.Exit(1)
			}
			rdb := redis.NewClient(opt)
			cleanup = append(cleanup, func() { rdb.Close() })
			st = store.NewCachedStore(st, rdb, time.Duration(cfg.CacheTTL))
			heartSource = hearts.NewRedisSource(rdb, int64(cfg.Game.StartHearts))
			slog.Info("Redis cache enabled")
		} else {
			slog.Warn("REDIS_URL not set, play credits are unlimited")
		}
	} else {
		slog.Warn("DATABASE_URL not set, using in-memory store (data will not persist)")
		st = store.NewMemoryStore()
	}

	defer func() {
		for _, fn := range cleanup {
			fn()
		}
	}()

	// --- Token verifier ---
	var verifier auth.Verifier
	if cfg.Identity.URL != "" {
		verifier = auth.NewRemoteVerifier(cfg.Identity.URL, cfg.Identity.APIKey)
		slog.Info("using remote token verifier", "url", cfg.Identity.URL)
	} else {
		slog.Warn("IDENTITY_URL not set, using static dev token")
		verifier = auth.StaticVerifier{cfg.Identity.DevToken: cfg.Identity.DevUser}
	}

	// --- Price provider ---
	provider := prices.NewSyntheticProvider(cfg.Game.HistoryDays, time.Now().UnixNano())

	// --- WebSocket hub ---
	wsHub := game.NewHub()
	go wsHub.Run()

	// --- Game service ---
	gameSvc := game.NewService(st, provider, heartSource, cfg.Game, wsHub)

	// --- HTTP router ---
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Timeout(30 * time.Second))
	r.Use(metrics.Middleware)

	// CORS middleware for frontend cross-origin requests.
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Access-Control-Allow-Origin", "*")
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
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
		w.Write([]byte(`{"status":"ok","service":"game-engine"}`))
	})

	// Prometheus metrics endpoint.
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		// WebSocket feed of settled scores.
		r.Get("/ws", wsHub.HandleWS)

		// Public leaderboard.
		r.Get("/leaderboard", gameSvc.Leaderboard)

		// Everything else requires a bearer token.
		r.Group(func(r chi.Router) {
			r.Use(auth.Middleware(verifier))
			r.Post("/games", gameSvc.StartGame)
			r.Get("/games/{gameID}", gameSvc.GetGame)
			r.Post("/games/{gameID}/progress", gameSvc.RecordProgress)
			r.Post("/games/{gameID}/finish", gameSvc.Finish)
			r.Get("/resume", gameSvc.Resume)
			r.Get("/hearts", gameSvc.Hearts)
		})
	})

	// --- Server ---
	srv := &http.Server{
		Addr:         cfg.Addr,
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		slog.Info("game-engine listening", "addr", cfg.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "err", err)
			os.Exit(1)
		}
	}()

	// Graceful shutdown.
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	slog.Info("shutting down game-engine...")
	if err := srv.Shutdown(ctx); err != nil {
		slog.Error("shutdown error", "err", err)
	}
	fmt.Println("game-engine stopped")
}
