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

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"github.com/rs/cors"

	"github.com/stockgame/engine/internal/config"
	"github.com/stockgame/engine/internal/engine"
	"github.com/stockgame/engine/internal/metrics"
	"github.com/stockgame/engine/internal/model"
	"github.com/stockgame/engine/internal/rounds"
	"github.com/stockgame/engine/internal/store"
	"github.com/stockgame/engine/internal/trade"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	// .env is optional; real deployments use the environment directly.
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		slog.Error("configuration error", "err", err)
		os.Exit(1)
	}

	// --- Initialize store ---
	var st store.Store
	var cleanup []func()

	if cfg.DatabaseURL != "" {
		pool, err := pgxpool.New(context.Background(), cfg.DatabaseURL)
		if err != nil {
			slog.Error("database connection failed", "err", err)
			os.Exit(1)
		}
		cleanup = append(cleanup, pool.Close)
		st = store.NewPostgresStore(pool)
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
		st = store.NewMemoryStore()
	}

	defer func() {
		for _, fn := range cleanup {
			fn()
		}
	}()

	// --- Seed game settings ---
	seed := &model.GameSettings{
		CurrentRound:   1,
		TotalRounds:    cfg.TotalRounds,
		TradingAllowed: true,
		ClosingRound:   cfg.ClosingRound,
		BrokerageRate:  cfg.BrokerageRate,
		SellFromRound:  cfg.SellFromRound,
		InitialBalance: cfg.InitialBalance,
		MaxInstruments: cfg.MaxInstruments,
		Version:        1,
		UpdatedAt:      time.Now().UTC(),
	}
	if err := rounds.ValidateSettings(seed); err != nil {
		slog.Error("invalid game settings", "err", err)
		os.Exit(1)
	}
	ctx, cancelSeed := context.WithTimeout(context.Background(), 10*time.Second)
	if err := st.SeedSettings(ctx, seed); err != nil {
		cancelSeed()
		slog.Error("failed to seed game settings", "err", err)
		os.Exit(1)
	}
	cancelSeed()

	if settings, err := st.GetSettings(context.Background()); err == nil {
		metrics.CurrentRound.Set(float64(settings.CurrentRound))
		slog.Info("game state loaded", "round", settings.CurrentRound, "trading_allowed", settings.TradingAllowed)
	}

	// --- WebSocket hub ---
	wsHub := trade.NewWSHub()
	go wsHub.Run()

	// --- Engine and HTTP service ---
	eng := engine.New(st)
	svc := trade.NewService(eng, st, wsHub)

	// --- HTTP router ---
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Timeout(30 * time.Second))
	r.Use(metrics.Middleware)
	r.Use(cors.New(cors.Options{
		AllowedOrigins: []string{cfg.CORSOrigin},
		AllowedMethods: []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Content-Type", "Authorization"},
	}).Handler)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok","service":"stockgame-engine"}`))
	})

	// Prometheus metrics endpoint.
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		// WebSocket endpoint for trade, price, and round broadcasts.
		r.Get("/ws", wsHub.HandleWS)

		// Order execution and leaderboard.
		r.Post("/orders", svc.ExecuteOrder)
		r.Get("/standings", svc.Standings)
		r.Get("/trades", svc.ListAllTrades)

		// Team management.
		r.Post("/teams", svc.RegisterTeam)
		r.Get("/teams", svc.ListTeams)
		r.Post("/teams/{teamID}/status", svc.UpdateTeamStatus)
		r.Delete("/teams/{teamID}", svc.DeleteTeam)
		r.Get("/teams/{teamID}/portfolio", svc.GetPortfolio)
		r.Get("/teams/{teamID}/trades", svc.GetTeamTrades)

		// Instrument roster.
		r.Get("/instruments", svc.ListInstruments)
		r.Post("/instruments", svc.CreateInstrument)
		r.Post("/instruments/{instrumentID}/active", svc.SetInstrumentActive)
		r.Delete("/instruments/{instrumentID}", svc.DeleteInstrument)
		r.Get("/instruments/{instrumentID}/price", svc.GetPrice)

		// Round prices and game control.
		r.Put("/prices", svc.SetPrices)
		r.Get("/settings", svc.GetSettings)
		r.Post("/rounds/advance", svc.AdvanceRound)
		r.Post("/trading", svc.SetTrading)
	})

	// --- Server ---
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		slog.Info("stockgame-engine listening", "port", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server error", "err", err)
			os.Exit(1)
		}
	}()

	// Graceful shutdown.
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	slog.Info("shutting down stockgame-engine...")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
	}
	fmt.Println("stockgame-engine stopped")
}
