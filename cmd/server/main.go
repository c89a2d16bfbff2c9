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
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/atmx/insurance-engine/internal/config"
	"github.com/atmx/insurance-engine/internal/exposure"
	"github.com/atmx/insurance-engine/internal/insurance"
	"github.com/atmx/insurance-engine/internal/ledger"
	"github.com/atmx/insurance-engine/internal/lifecycle"
	"github.com/atmx/insurance-engine/internal/lock"
	"github.com/atmx/insurance-engine/internal/metrics"
	"github.com/atmx/insurance-engine/internal/pairs"
	"github.com/atmx/insurance-engine/internal/price"
	"github.com/atmx/insurance-engine/internal/reconcile"
	"github.com/atmx/insurance-engine/internal/store"
)

// eventSource streams ledger events into a handler until ctx ends.
type eventSource func(ctx context.Context, h ledger.Handler) error

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", "err", err)
		os.Exit(1)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.LogLevel}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var cleanup []func()
	defer func() {
		for i := len(cleanup) - 1; i >= 0; i-- {
			cleanup[i]()
		}
	}()

	// --- Store and locks ---
	var (
		st     store.Store
		locker lock.Locker = lock.NewMemoryLocker()
		rdb    *redis.Client
	)

	if cfg.RedisURL != "" {
		opt, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			slog.Error("invalid REDIS_URL", "err", err)
			os.Exit(1)
		}
		rdb = redis.NewClient(opt)
		cleanup = append(cleanup, func() { rdb.Close() })
		locker = lock.NewRedisLocker(rdb)
		slog.Info("Redis locks enabled")
	}

	if cfg.DatabaseURL != "" {
		pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
		if err != nil {
			slog.Error("database connection failed", "err", err)
			os.Exit(1)
		}
		cleanup = append(cleanup, pool.Close)
		if err := store.Migrate(ctx, pool); err != nil {
			slog.Error("migration failed", "err", err)
			os.Exit(1)
		}
		st = store.NewPostgresStore(pool)
		slog.Info("connected to PostgreSQL")

		if rdb != nil {
			st = store.NewCachedStore(st, rdb, 30*time.Second)
			slog.Info("Redis cache enabled")
		}
	} else {
		slog.Warn("DATABASE_URL not set, using in-memory store (data will not persist)")
		st = store.NewMemoryStore()
	}

	if err := pairs.EnsurePairs(ctx, st, cfg.Pairs); err != nil {
		slog.Error("pair bootstrap failed", "err", err)
		os.Exit(1)
	}

	// --- Market data ---
	binance := price.NewBinanceClient(cfg.BinanceRESTURL)
	tracker := price.NewTracker(binance)
	feed := price.NewFeed(cfg.BinanceWSURL, tracker, nil)
	syncSymbols := func(ctx context.Context) {
		active, err := st.ListPairs(ctx, true)
		if err != nil {
			slog.Error("list pairs failed", "err", err)
			return
		}
		symbols := make([]string, 0, len(active))
		for _, p := range active {
			tracker.Track(p.Symbol)
			symbols = append(symbols, p.Symbol)
		}
		feed.SetSymbols(symbols)
	}
	syncSymbols(ctx)

	// --- Ledger ---
	var (
		l         ledger.Ledger
		source    eventSource
		simulator insurance.BuyerSimulator
	)
	if cfg.LedgerEnabled() {
		evm, err := ledger.NewEVMLedger(ctx, ledger.EVMConfig{
			RPCURL:          cfg.LedgerRPCURL,
			ContractAddress: cfg.LedgerContractAddress,
			PrivateKey:      cfg.LedgerPrivateKey,
			ChainID:         cfg.LedgerChainID,
		})
		if err != nil {
			slog.Error("ledger connection failed", "err", err)
			os.Exit(1)
		}
		cleanup = append(cleanup, evm.Close)
		l, source = evm, evm.WatchEvents
		slog.Info("connected to insurance contract", "address", cfg.LedgerContractAddress)
	} else {
		mem := ledger.NewMemoryLedger()
		l, source = mem, mem.WatchEvents
		if cfg.SimulateBuyers {
			simulator = mem
		}
		slog.Warn("ledger not configured, using in-memory ledger", "simulate_buyers", cfg.SimulateBuyers)
	}

	// --- Lifecycle ---
	hub := insurance.NewWSHub()
	ctrl := lifecycle.NewController(st, l, tracker, locker,
		lifecycle.WithNotifier(hub),
		lifecycle.WithLockTTL(cfg.LockTTL),
	)

	isBusy := func(err error) bool { return errors.Is(err, lifecycle.ErrBusy) }
	dispatch := ledger.WithRetry(ctrl.HandleEvent, 3, time.Second, isBusy)

	var relay *ledger.Relay
	if cfg.NATSURL != "" {
		nc, js, err := ledger.Connect(cfg.NATSURL)
		if err != nil {
			slog.Error("nats connection failed", "err", err)
			os.Exit(1)
		}
		cleanup = append(cleanup, nc.Close)
		if err := ledger.EnsureStream(ctx, js); err != nil {
			slog.Error("nats stream setup failed", "err", err)
			os.Exit(1)
		}
		relay = ledger.NewRelay(js, "")
		// Events go through the durable stream; redelivery replaces retries.
		dispatch = relay.Publish
		slog.Info("ledger events relayed through NATS")
	}

	scheduler := reconcile.NewScheduler(st, l, tracker, ctrl, reconcile.Config{
		PendingInterval: cfg.PendingSweepInterval,
		ActiveInterval:  cfg.ActiveSweepInterval,
		Concurrency:     cfg.SweepConcurrency,
	})
	refresher := pairs.NewRefresher(st, binance, pairs.WithInterval(cfg.PairRefreshInterval))

	// --- Insurance service ---
	opts := []insurance.Option{
		insurance.WithHub(hub),
		insurance.WithLimiter(exposure.NewLimiter(cfg.MaxClaimPerSymbol, cfg.MaxClaimPerAsset)),
	}
	if simulator != nil {
		opts = append(opts, insurance.WithBuyerSimulator(simulator))
	}
	svc := insurance.NewService(st, tracker, ctrl, locker, l, opts...)

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
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, OPTIONS")
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
		w.Write([]byte(`{"status":"ok","service":"insurance-engine"}`))
	})

	r.Handle("/metrics", metrics.Handler())

	r.Route("/api/v1", svc.Routes)

	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// --- Background workers ---
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		hub.Run(gctx)
		return nil
	})
	g.Go(func() error {
		if err := feed.Run(gctx); err != nil && !errors.Is(err, context.Canceled) {
			return fmt.Errorf("price feed: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		if err := source(gctx, dispatch); err != nil && !errors.Is(err, context.Canceled) {
			return fmt.Errorf("ledger events: %w", err)
		}
		return nil
	})
	if relay != nil {
		g.Go(func() error {
			if err := relay.Subscribe(gctx, ctrl.HandleEvent); err != nil {
				return fmt.Errorf("ledger relay: %w", err)
			}
			<-gctx.Done()
			relay.Stop()
			return nil
		})
	}
	g.Go(func() error { return scheduler.Run(gctx) })
	g.Go(func() error { return refresher.Run(gctx) })
	g.Go(func() error {
		ticker := time.NewTicker(cfg.PairRefreshInterval)
		defer ticker.Stop()
		for {
			select {
			case <-gctx.Done():
				return nil
			case <-ticker.C:
				syncSymbols(gctx)
			}
		}
	})

	g.Go(func() error {
		slog.Info("insurance-engine listening", "port", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		slog.Info("shutting down insurance-engine...")
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		slog.Error("insurance-engine stopped with error", "err", err)
		return
	}
	fmt.Println("insurance-engine stopped")
}
