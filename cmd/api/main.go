package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/redis/go-redis/v9"

	"github.com/chatbank/chatbank/internal/config"
	"github.com/chatbank/chatbank/internal/infra"
	"github.com/chatbank/chatbank/internal/ledger"
	"github.com/chatbank/chatbank/internal/logging"
	"github.com/chatbank/chatbank/internal/server"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}

	logger := logging.New(cfg.LogLevel, cfg.LogFormat)

	ctx := context.Background()

	store, closeStore, err := openStore(ctx, cfg, logger)
	if err != nil {
		logger.Error("open ledger store", "driver", cfg.StoreDriver, "error", err)
		os.Exit(1)
	}
	defer closeStore()

	var cache *redis.Client
	if cfg.RedisURL != "" {
		cache, err = infra.NewRedisClient(ctx, cfg.RedisURL, cfg.AppName)
		if err != nil {
			logger.Error("connect redis", "error", err)
			os.Exit(1)
		}
		defer func() {
			if err := cache.Close(); err != nil {
				logger.Warn("close redis", "error", err)
			}
		}()
	} else {
		logger.Warn("REDIS_URL not set; idempotency and rate limiting disabled")
	}

	srv, err := server.New(cfg, store, cache, logger)
	if err != nil {
		logger.Error("build server", "error", err)
		os.Exit(1)
	}

	srvErrCh := make(chan error, 1)
	go func() {
		srvErrCh <- srv.Listen()
	}()
	logger.Info("ledger api started", "address", cfg.Address(), "driver", cfg.StoreDriver, "env", cfg.AppEnv)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info("shutdown signal received", "signal", sig.String())
	case err := <-srvErrCh:
		if err != nil {
			logger.Error("server error", "error", err)
			os.Exit(1)
		}
		return
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownPeriod)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown error", "error", err)
		os.Exit(1)
	}

	logger.Info("server exited cleanly")
}

// openStore builds the ledger store selected by STORE_DRIVER and migrates its
// schema when AUTO_MIGRATE is on.
func openStore(ctx context.Context, cfg config.Config, logger *slog.Logger) (ledger.Store, func(), error) {
	switch cfg.StoreDriver {
	case config.StorePostgres:
		db, err := infra.NewPostgresPool(ctx, cfg.DatabaseURL, cfg.AppName)
		if err != nil {
			return nil, nil, err
		}
		store := ledger.NewPostgresStore(db, cfg.LockTimeout)
		if cfg.AutoMigrate {
			if err := store.Migrate(ctx); err != nil {
				db.Close()
				return nil, nil, fmt.Errorf("migrate postgres: %w", err)
			}
		}
		return store, db.Close, nil
	case config.StoreMySQL:
		db, err := infra.NewMySQL(ctx, cfg.MySQLDSN, logger)
		if err != nil {
			return nil, nil, err
		}
		closeDB := func() {
			if err := infra.CloseGorm(db); err != nil {
				logger.Warn("close mysql", "error", err)
			}
		}
		store := ledger.NewMySQLStore(db, cfg.LockTimeout)
		if cfg.AutoMigrate {
			if err := store.Migrate(ctx); err != nil {
				closeDB()
				return nil, nil, fmt.Errorf("migrate mysql: %w", err)
			}
		}
		return store, closeDB, nil
	default:
		logger.Warn("using in-memory ledger store; balances are lost on restart")
		return ledger.NewMemoryStore(cfg.LockTimeout), func() {}, nil
	}
}
