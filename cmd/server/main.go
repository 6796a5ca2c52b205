package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/perpvenue/engine/internal/account"
	"github.com/perpvenue/engine/internal/api"
	"github.com/perpvenue/engine/internal/clearinghouse"
	"github.com/perpvenue/engine/internal/collateral"
	"github.com/perpvenue/engine/internal/config"
	"github.com/perpvenue/engine/internal/exchange"
	"github.com/perpvenue/engine/internal/insurance"
	"github.com/perpvenue/engine/internal/metrics"
	"github.com/perpvenue/engine/internal/model"
	"github.com/perpvenue/engine/internal/oracle"
	"github.com/perpvenue/engine/internal/orderbook"
	"github.com/perpvenue/engine/internal/pool"
	"github.com/perpvenue/engine/internal/registry"
	"github.com/perpvenue/engine/internal/store"
	"github.com/perpvenue/engine/internal/vault"
)

func main() {
	cfgPath := os.Getenv("VENUE_CONFIG")
	if cfgPath == "" {
		cfgPath = "config.toml"
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		slog.Error("config load failed", "path", cfgPath, "err", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		slog.Error("invalid configuration", "err", err)
		os.Exit(1)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel(cfg.LogLevel),
	}))
	slog.SetDefault(logger)

	// --- Store ---
	var st store.Store
	var cleanup []func()

	if cfg.Postgres.URL != "" {
		dbPool, err := pgxpool.New(context.Background(), cfg.Postgres.URL)
		if err != nil {
			slog.Error("database connection failed", "err", err)
			os.Exit(1)
		}
		cleanup = append(cleanup, dbPool.Close)
		st = store.NewPostgresStore(dbPool)
		slog.Info("connected to PostgreSQL")

		// Wrap with Redis read-through cache if configured.
		if cfg.Redis.Addr != "" {
			rdb := redis.NewClient(&redis.Options{
				Addr:     cfg.Redis.Addr,
				Password: cfg.Redis.Password,
				DB:       cfg.Redis.DB,
			})
			cleanup = append(cleanup, func() { rdb.Close() })
			st = store.NewCachedStore(st, rdb, cfg.Redis.TTL.Duration)
			slog.Info("Redis cache enabled", "addr", cfg.Redis.Addr)
		}
	} else {
		slog.Warn("postgres url not set, using in-memory store (data will not persist)")
		st = store.NewMemoryStore()
	}

	defer func() {
		for _, fn := range cleanup {
			fn()
		}
	}()

	// --- Oracle ---
	feed := oracle.NewRecordedFeed(cfg.Oracle.Staleness.Duration)

	// --- Markets ---
	reg := registry.New()
	for _, mc := range cfg.Markets {
		p, err := pool.NewAtPrice(mc.TickSpacing, mc.InitialPrice)
		if err != nil {
			slog.Error("pool init failed", "market", mc.BaseToken, "err", err)
			os.Exit(1)
		}
		market := model.Market{
			BaseToken:                 mc.BaseToken,
			QuoteToken:                mc.QuoteToken,
			FeeRatio:                  mc.FeeRatio,
			InsuranceFundFeeRatio:     mc.InsuranceFundFeeRatio,
			MaxTickCrossedWithinBlock: mc.MaxTickCrossed,
			TickSpacing:               mc.TickSpacing,
			Repeg: model.RepegConfig{
				SpreadRatio: mc.RepegSpreadRatio,
				Duration:    mc.RepegDuration.Duration,
			},
			Status:    "open",
			CreatedAt: time.Now().UTC(),
		}
		if err := reg.AddMarket(market, p); err != nil {
			slog.Error("market registration failed", "market", mc.BaseToken, "err", err)
			os.Exit(1)
		}
		feed.Record(mc.BaseToken, mc.InitialPrice)
		if err := st.CreateMarket(context.Background(), &market); err != nil {
			slog.Warn("market persist failed", "market", mc.BaseToken, "err", err)
		}
		slog.Info("market open", "market", mc.BaseToken, "price", mc.InitialPrice)
	}
	metrics.ActiveMarkets.Set(float64(len(cfg.Markets)))

	// --- Collateral ---
	coll := collateral.NewManager(cfg.Risk.MaxCollateralTokens, feed)
	for _, cc := range cfg.Collateral {
		err := coll.AddConfig(model.CollateralConfig{
			Token:           cc.Token,
			PriceFeed:       cc.PriceFeed,
			CollateralRatio: cc.CollateralRatio,
			DiscountRatio:   cc.DiscountRatio,
			DepositCap:      cc.DepositCap,
		})
		if err != nil {
			slog.Error("collateral registration failed", "token", cc.Token, "err", err)
			os.Exit(1)
		}
		if cc.InitialPrice.IsPositive() {
			feed.Record(cc.PriceFeed, cc.InitialPrice)
		}
	}

	// --- Engine ---
	book := orderbook.New(reg)
	acct := account.New(reg, book)
	fund := insurance.New()
	exch := exchange.New(reg, book, acct, feed, fund, cfg.Oracle.TwapWindow.Duration)
	vlt := vault.New(cfg.Risk.SettlementToken, acct, coll, fund, cfg.Risk.IMRatio, cfg.Risk.MMRatio)

	// --- WebSocket hub ---
	hub := api.NewWSHub()
	go hub.Run()

	ch := clearinghouse.New(clearinghouse.Config{
		LiquidationPenaltyRatio: cfg.Risk.LiquidationPenaltyRatio,
		LiquidatorRewardRatio:   cfg.Risk.LiquidatorRewardRatio,
	}, reg, book, acct, exch, vlt, fund, store.Journal{Store: st}, hub, logger)

	srv := api.NewServer(ch, reg, st, hub, logger)

	// Accrue funding and persist market snapshots in the background so
	// funding growth and repeg breach tracking advance on quiet markets.
	snapCtx, stopSnapshots := context.WithCancel(context.Background())
	defer stopSnapshots()
	go snapshotLoop(snapCtx, ch, exch, reg, st)

	// --- HTTP router ---
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Timeout(30 * time.Second))
	r.Use(metrics.Middleware)
	r.Use(corsMiddleware(cfg.Server.CORSOrigins))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok","service":"perp-venue"}`))
	})

	// Prometheus metrics endpoint.
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api/v1", srv.Routes)

	httpSrv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		slog.Info("perp-venue listening", "port", cfg.Server.Port)
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
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

	slog.Info("shutting down perp-venue...")
	if err := httpSrv.Shutdown(ctx); err != nil {
		slog.Error("shutdown error", "err", err)
	}
	fmt.Println("perp-venue stopped")
}

const snapshotInterval = time.Minute

func snapshotLoop(ctx context.Context, ch *clearinghouse.ClearingHouse, exch *exchange.Exchange, reg *registry.Registry, st store.Store) {
	ticker := time.NewTicker(snapshotInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		for _, m := range reg.List() {
			if m.Status != "open" {
				continue
			}
			if _, err := exch.UpdateFunding(m.BaseToken); err != nil {
				slog.Warn("funding accrual failed", "market", m.BaseToken, "err", err)
				continue
			}
			snap, err := ch.MarketSnapshot(m.BaseToken)
			if err != nil {
				slog.Warn("snapshot failed", "market", m.BaseToken, "err", err)
				continue
			}
			if err := st.InsertSnapshot(ctx, &snap); err != nil {
				slog.Warn("snapshot persist failed", "market", m.BaseToken, "err", err)
			}
		}
	}
}

func logLevel(name string) slog.Level {
	switch strings.ToLower(name) {
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

// corsMiddleware allows cross-origin requests from the configured origins.
// A "*" entry allows any origin.
func corsMiddleware(origins []string) func(http.Handler) http.Handler {
	allowAll := false
	allowed := make(map[string]bool, len(origins))
	for _, o := range origins {
		if o == "*" {
			allowAll = true
		}
		allowed[o] = true
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")
			if allowAll {
				w.Header().Set("Access-Control-Allow-Origin", "*")
			} else if allowed[origin] {
				w.Header().Set("Access-Control-Allow-Origin", origin)
			}
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
			if r.Method == "OPTIONS" {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
