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

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/atmx/settlement-engine/internal/api"
	"github.com/atmx/settlement-engine/internal/config"
	"github.com/atmx/settlement-engine/internal/engine"
	"github.com/atmx/settlement-engine/internal/metrics"
	"github.com/atmx/settlement-engine/internal/notify"
	"github.com/atmx/settlement-engine/internal/oracle"
	"github.com/atmx/settlement-engine/internal/store"
)

func main() {
	root := &cobra.Command{
		Use:          "poold",
		Short:        "Multi-asset fund pooling and settlement engine",
		SilenceUsage: true,
	}
	root.PersistentFlags().String("config", "", "config file path")

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API",
		RunE:  runServe,
	}
	config.Flags(serveCmd.Flags())
	root.AddCommand(serveCmd)

	migrateCmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply PostgreSQL migrations and exit",
		RunE:  runMigrate,
	}
	config.Flags(migrateCmd.Flags())
	root.AddCommand(migrateCmd)

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func loadConfig(cmd *cobra.Command) (config.Config, *slog.Logger, error) {
	cfgFile, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(cfgFile, cmd.Flags())
	if err != nil {
		return config.Config{}, nil, err
	}
	lvl, err := cfg.Level()
	if err != nil {
		return config.Config{}, nil, err
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
	slog.SetDefault(logger)
	return cfg, logger, nil
}

func runMigrate(cmd *cobra.Command, _ []string) error {
	cfg, _, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if cfg.DatabaseURL == "" {
		return errors.New("database-url is required")
	}
	ctx := cmd.Context()
	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("database connection failed: %w", err)
	}
	defer pool.Close()
	if err := store.Migrate(ctx, pool); err != nil {
		return err
	}
	slog.Info("migrations applied")
	return nil
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, logger, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var cleanup []func()
	defer func() {
		for i := len(cleanup) - 1; i >= 0; i-- {
			cleanup[i]()
		}
	}()

	// --- Redis (period cache and price source) ---
	var rdb *redis.Client
	if cfg.RedisURL != "" {
		opt, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return fmt.Errorf("invalid redis-url: %w", err)
		}
		rdb = redis.NewClient(opt)
		cleanup = append(cleanup, func() { rdb.Close() })
	}

	// --- Initialize store ---
	var st store.Store
	switch {
	case cfg.DatabaseURL != "":
		pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
		if err != nil {
			return fmt.Errorf("database connection failed: %w", err)
		}
		cleanup = append(cleanup, pool.Close)
		if err := store.Migrate(ctx, pool); err != nil {
			return err
		}
		st = store.NewPostgresStore(pool)
		slog.Info("connected to PostgreSQL")
	case cfg.SQLitePath != "":
		sq, err := store.NewSQLiteStore(cfg.SQLitePath)
		if err != nil {
			return err
		}
		cleanup = append(cleanup, func() { sq.Close() })
		st = sq
		slog.Info("using SQLite journal", "path", cfg.SQLitePath)
	default:
		slog.Warn("no database configured, using in-memory store (state and journal will not persist)")
		st = store.NewMemoryStore()
	}
	if rdb != nil {
		st = store.NewCachedStore(st, rdb, cfg.CacheTTL)
		slog.Info("Redis period cache enabled", "ttl", cfg.CacheTTL)
	}

	// --- Event fan-out ---
	wsHub := notify.NewWSHub(logger)
	wsHub.OnClients = func(n int) { metrics.WebSocketClients.Set(float64(n)) }
	go wsHub.Run(ctx)
	publishers := notify.Multi{wsHub}

	if cfg.NATSURL != "" {
		nc, err := nats.Connect(cfg.NATSURL, nats.Name("poold"))
		if err != nil {
			return fmt.Errorf("nats connect: %w", err)
		}
		cleanup = append(cleanup, func() { nc.Drain() })
		js, err := jetstream.New(nc)
		if err != nil {
			return fmt.Errorf("jetstream: %w", err)
		}
		if err := notify.EnsureStream(ctx, js); err != nil {
			return err
		}
		publishers = append(publishers, notify.NewNATSPublisher(js))
		slog.Info("publishing events to NATS", "stream", notify.StreamName)
	}

	// --- Price sources ---
	quotes := oracle.NewAdapter()
	prices, err := cfg.StaticPrices()
	if err != nil {
		return err
	}
	static := oracle.NewStaticSource()
	for asset, price := range prices {
		static.Set(asset, price)
	}
	quotes.Bind(config.SourceStatic, static)
	if rdb != nil {
		quotes.Bind(config.SourceRedis, oracle.NewRedisSource(rdb))
	}
	if cfg.ChainlinkRPC != "" {
		feeds, err := cfg.Feeds()
		if err != nil {
			return err
		}
		client, err := ethclient.DialContext(ctx, cfg.ChainlinkRPC)
		if err != nil {
			return fmt.Errorf("dial chainlink rpc: %w", err)
		}
		cleanup = append(cleanup, client.Close)
		quotes.Bind(config.SourceChainlink, oracle.NewChainlinkSource(client, feeds, cfg.OracleMaxAge))
		slog.Info("Chainlink feeds enabled", "feeds", len(feeds))
	}

	// --- Engine ---
	auth, err := cfg.Authorizer()
	if err != nil {
		return err
	}
	key, generated, err := cfg.Key()
	if err != nil {
		return err
	}
	if generated {
		slog.Warn("signer-key not set, using an ephemeral release authority",
			"authority", crypto.PubkeyToAddress(key.PublicKey).Hex())
	}
	chainID, err := cfg.Chain()
	if err != nil {
		return err
	}
	poolAddr, ctrlAddr, walletAddr, reserveAddr, err := cfg.Holders()
	if err != nil {
		return err
	}
	eng, err := engine.New(engine.Config{
		PoolAddress:       poolAddr,
		ControllerAddress: ctrlAddr,
		WalletAddress:     walletAddr,
		ReserveAddress:    reserveAddr,
		ChainID:           chainID,
		SignerKey:         key,
		FaucetEnabled:     cfg.Faucet,
		Logger:            logger,
	}, auth, quotes, st, publishers)
	if err != nil {
		return err
	}
	if cfg.Faucet {
		slog.Warn("development faucet enabled")
	}

	assets, err := cfg.AssetConfigs()
	if err != nil {
		return err
	}
	if len(assets) > 0 {
		// Startup registration acts as the first configured admin.
		if len(cfg.Admins) == 0 {
			return errors.New("assets require at least one admin")
		}
		registrar := common.HexToAddress(cfg.Admins[0])
		for _, asset := range assets {
			if _, err := eng.RegisterAsset(ctx, registrar, asset); err != nil {
				return fmt.Errorf("register %s: %w", asset.Symbol, err)
			}
			slog.Info("asset registered at startup", "symbol", asset.Symbol, "asset", asset.Asset.Hex())
		}
	}

	// --- HTTP router ---
	svc := api.NewService(eng, logger)

	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(metrics.Middleware)

	// CORS middleware for frontend cross-origin requests.
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Access-Control-Allow-Origin", "*")
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, "+api.AccountHeader)
			if r.Method == "OPTIONS" {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	})

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok","service":"poold"}`))
	})

	// Prometheus metrics endpoint.
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		// WebSocket endpoint for settlement events. No timeout middleware here.
		r.Get("/ws", wsHub.HandleWS)

		r.Group(func(r chi.Router) {
			r.Use(middleware.Timeout(30 * time.Second))
			svc.Routes(r)
		})
	})

	// --- Server ---
	srv := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("poold listening", "addr", cfg.HTTPAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	}

	// Graceful shutdown.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	slog.Info("shutting down poold...")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
	}
	slog.Info("poold stopped")
	return nil
}
