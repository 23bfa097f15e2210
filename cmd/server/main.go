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

	"github.com/neirospace/token-engine/internal/gateway"
	"github.com/neirospace/token-engine/internal/metrics"
	"github.com/neirospace/token-engine/internal/payment"
	"github.com/neirospace/token-engine/internal/sale"
	"github.com/neirospace/token-engine/internal/store"
)

const gatewayTimeout = 10 * time.Second

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}

	address := os.Getenv("BTC_ADDRESS")
	if address == "" {
		slog.Error("BTC_ADDRESS not set")
		os.Exit(1)
	}
	if err := payment.ValidateAddress(address); err != nil {
		slog.Error("invalid BTC_ADDRESS", "err", err)
		os.Exit(1)
	}

	// --- Initialize store ---
	var st store.Store
	var cleanup []func()

	if dbURL := os.Getenv("DATABASE_URL"); dbURL != "" {
		pool, err := pgxpool.New(context.Background(), dbURL)
		if err != nil {
			slog.Error("database connection failed", "err", err)
			os.Exit(1)
		}
		cleanup = append(cleanup, pool.Close)
		st = store.NewPostgresStore(pool)
		slog.Info("connected to PostgreSQL")

		// Wrap with Redis read-through cache if configured.
		if redisURL := os.Getenv("REDIS_URL"); redisURL != "" {
			opt, err := redis.ParseURL(redisURL)
			if err != nil {
				slog.Error("invalid REDIS_URL", "err", err)
				os.Exit(1)
			}
			rdb := redis.NewClient(opt)
			cleanup = append(cleanup, func() { rdb.Close() })
			st = store.NewCachedStore(st, rdb, 30*time.Second)
			slog.Info("Redis cache enabled")
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

	// --- External gateways ---
	rateURL := os.Getenv("RATE_API_URL")
	if rateURL == "" {
		rateURL = gateway.DefaultRateURL
	}
	explorerURL := os.Getenv("EXPLORER_API_URL")
	if explorerURL == "" {
		explorerURL = gateway.DefaultExplorerURL
	}
	rates := gateway.NewCoinGeckoClient(rateURL, gatewayTimeout)
	payments := gateway.NewBlockstreamClient(explorerURL, address, gatewayTimeout)

	// --- WebSocket hub ---
	hub := sale.NewHub()
	go hub.Run()

	// --- Reconciliation engine + sweeper ---
	svc := sale.NewService(st, rates, payments, address, hub)

	sweepInterval := sale.DefaultSweepInterval
	if v := os.Getenv("SWEEP_INTERVAL"); v != "" {
		parsed, err := time.ParseDuration(v)
		if err != nil {
			slog.Error("invalid SWEEP_INTERVAL", "err", err)
			os.Exit(1)
		}
		sweepInterval = parsed
	}
	sweepCtx, stopSweeper := context.WithCancel(context.Background())
	defer stopSweeper()
	go sale.NewSweeper(svc, st, sweepInterval).Run(sweepCtx)

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
		w.Write([]byte(`{"status":"ok","service":"token-engine"}`))
	})

	// Prometheus metrics endpoint.
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		// WebSocket endpoint for real-time sale events.
		r.Get("/ws", hub.HandleWS)

		// Purchase lifecycle.
		r.Post("/buy", svc.Buy)
		r.Post("/confirm", svc.Confirm)
		r.Post("/sell", svc.Sell)

		// Read-only projections.
		r.Get("/status", svc.Status)
		r.Get("/payments/recent", svc.RecentPayments)
		r.Get("/wallet/{userID}", svc.Wallet)
		r.Get("/history/{userID}", svc.History)
	})

	// --- Server ---
	srv := &http.Server{
		Addr:         ":" + port,
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		slog.Info("token-engine listening", "port", port, "address", address)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "err", err)
			os.Exit(1)
		}
	}()

	// Graceful shutdown.
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	stopSweeper()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	slog.Info("shutting down token-engine...")
	if err := srv.Shutdown(ctx); err != nil {
		slog.Error("shutdown error", "err", err)
	}
	fmt.Println("token-engine stopped")
}
