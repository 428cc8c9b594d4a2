package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/quantforum/server/internal/auth"
	"github.com/quantforum/server/internal/chain"
	"github.com/quantforum/server/internal/config"
	"github.com/quantforum/server/internal/contentstore"
	"github.com/quantforum/server/internal/custody"
	"github.com/quantforum/server/internal/db"
	httphandler "github.com/quantforum/server/internal/http"
	"github.com/quantforum/server/internal/idempotency"
	"github.com/quantforum/server/internal/logging"
	"github.com/quantforum/server/internal/mint"
	"github.com/quantforum/server/internal/obs"
	"github.com/quantforum/server/internal/repo"
	"github.com/quantforum/server/internal/vault"
)

var version = "dev"

type stores struct {
	accounts repo.AccountRepo
	posts    repo.PostRepo
	orphans  repo.OrphanRepo
}

func main() {
	// Load .env from CWD or server/ so it works from repo root or server/ (env vars override)
	_ = godotenv.Load(".env")
	_ = godotenv.Load("server/.env")

	bootLog := logging.New(os.Stderr, "info", "json")

	cfg, err := config.Load()
	if err != nil {
		bootLog.Error(context.Background(), "failed to load configuration", "error", err)
		os.Exit(1)
	}
	log := logging.New(os.Stdout, cfg.LogLevel, cfg.LogFormat)

	if err := run(cfg, log); err != nil {
		log.Error(context.Background(), "server exited with error", "error", err)
		os.Exit(1)
	}
	log.Info(context.Background(), "server exited")
}

func run(cfg *config.Config, log logging.Logger) error {
	ctx := context.Background()
	metrics := obs.NewMetrics()
	metrics.SetBuildInfo(version)

	v, err := vault.New(cfg.MasterKey)
	if err != nil {
		return err
	}

	var (
		st     stores
		pinger interface {
			PingContext(ctx context.Context) error
		}
	)
	if cfg.DatabaseURL != "" {
		database, err := db.Open(ctx, cfg.DatabaseURL, log)
		if err != nil {
			return err
		}
		defer database.Close()

		log.Info(ctx, "running migrations", "database", cfg.DatabaseTarget())
		if err := db.Migrate(ctx, database); err != nil {
			return err
		}
		st = stores{
			accounts: repo.NewAccountRepo(database),
			posts:    repo.NewPostRepo(database),
			orphans:  repo.NewOrphanRepo(database),
		}
		pinger = database
	} else {
		log.Warn(ctx, "DATABASE_URL not set; using in-memory store (dev mode)")
		mem := repo.NewMemoryStore()
		st = stores{accounts: mem, posts: mem, orphans: mem}
	}

	var content contentstore.Store
	if cfg.Storage.Enabled() {
		s3Store, err := contentstore.NewS3Store(ctx, cfg.Storage, log)
		if err != nil {
			return err
		}
		content = s3Store
		log.Info(ctx, "content store: s3", "bucket", cfg.Storage.Bucket)
	} else {
		content = contentstore.NewMemoryStore()
		log.Warn(ctx, "content store: in-memory")
	}

	var idem idempotency.Store
	if cfg.Redis.Enabled() {
		redisStore, client, err := idempotency.NewRedisStore(ctx, cfg.Redis.URL, cfg.IdempotencyTTL)
		if err != nil {
			return err
		}
		defer client.Close()
		idem = redisStore
		log.Info(ctx, "idempotency store: redis")
	} else {
		idem = idempotency.NewMemoryStore(cfg.IdempotencyTTL)
		log.Info(ctx, "idempotency store: in-memory")
	}

	var minter mint.Minter
	if cfg.Chain.Enabled() {
		eth, err := chain.DialEthMinter(ctx, cfg.Chain, log)
		if err != nil {
			return err
		}
		defer eth.Close()
		minter = eth
		log.Info(ctx, "ledger: ethereum", "contract", cfg.Chain.ContractAddress)
	} else {
		minter = &chain.SimulatedMinter{}
		log.Warn(ctx, "ledger: simulated (dev mode)")
	}

	registry := auth.NewService(st.accounts, v, auth.NewJWTService(cfg.JWTSecret, cfg.TokenTTL))
	custodian := custody.NewCustodian(st.accounts, v, log)
	flow := mint.NewFlow(mint.Deps{
		Accounts:      st.accounts,
		Posts:         st.posts,
		Orphans:       st.orphans,
		Registry:      registry,
		Custodian:     custodian,
		Content:       content,
		Minter:        minter,
		Idempotency:   idem,
		Metrics:       metrics,
		Log:           log,
		SubmitTimeout: cfg.SubmitTimeout,
	})

	deps := httphandler.Deps{
		Registry:  registry,
		Custodian: custodian,
		Flow:      flow,
		Posts:     st.posts,
		Metrics:   metrics,
		Log:       log,
	}
	if pinger != nil {
		deps.DB = pinger
	}
	router := httphandler.NewRouter(deps)

	// WriteTimeout leaves room for ledger confirmation
	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      cfg.SubmitTimeout + 30*time.Second,
		IdleTimeout:       120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info(ctx, "server starting", "port", cfg.Port, "version", version)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	// Wait for interrupt signal to gracefully shutdown the server
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case err := <-errCh:
		return err
	case <-quit:
	}

	log.Info(ctx, "shutting down server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.SubmitTimeout+10*time.Second)
	defer cancel()

	return srv.Shutdown(shutdownCtx)
}
