package main

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/MarkoPoloResearchLab/giftledger/internal/store/gormstore"
	"github.com/MarkoPoloResearchLab/giftledger/internal/store/pgstore"
	"github.com/MarkoPoloResearchLab/giftledger/pkg/giftcard"
	"github.com/glebarez/sqlite"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

const (
	driverPostgres = "postgres"
	driverSQLite   = "sqlite"
	sqlitePragmas  = "_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)"
)

// openedStore bundles a giftcard.Store with its schema migration and cleanup.
type openedStore struct {
	store   giftcard.Store
	driver  string
	migrate func(ctx context.Context) error
	close   func()
}

func openStore(ctx context.Context, cfg runtimeConfig, log *zap.Logger) (*openedStore, error) {
	driver, sqlitePath, err := resolveDriver(cfg.DatabaseURL)
	if err != nil {
		return nil, err
	}
	if cfg.StoreDriver == storeDriverPgx {
		if driver != driverPostgres {
			return nil, fmt.Errorf("%s=%s requires a postgres database url", flagStoreDriver, storeDriverPgx)
		}
		pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("pgx pool: %w", err)
		}
		store := pgstore.New(pool)
		log.Info("store opened", zap.String("store", storeDriverPgx), zap.String("driver", driver))
		return &openedStore{store: store, driver: driver, migrate: store.Migrate, close: pool.Close}, nil
	}

	db, cleanup, err := openDatabase(ctx, driver, cfg.DatabaseURL, sqlitePath)
	if err != nil {
		return nil, fmt.Errorf("database open: %w", err)
	}
	log.Info("store opened", zap.String("store", storeDriverGorm), zap.String("driver", driver))
	return &openedStore{
		store:   gormstore.New(db),
		driver:  driver,
		migrate: func(ctx context.Context) error { return gormstore.Migrate(db.WithContext(ctx)) },
		close:   func() { _ = cleanup() },
	}, nil
}

func openDatabase(ctx context.Context, driver string, dsn string, sqlitePath string) (*gorm.DB, func() error, error) {
	var (
		db  *gorm.DB
		err error
	)
	cfg := &gorm.Config{Logger: logger.Default.LogMode(logger.Warn)}
	switch driver {
	case driverPostgres:
		db, err = gorm.Open(postgres.Open(dsn), cfg)
	case driverSQLite:
		db, err = gorm.Open(sqlite.Open(withSQLitePragmas(sqlitePath)), cfg)
	default:
		return nil, nil, fmt.Errorf("unsupported database scheme %q", driver)
	}
	if err != nil {
		return nil, nil, err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, nil, err
	}
	if driver == driverSQLite {
		// SQLite allows one writer; a single connection serializes store transactions.
		sqlDB.SetMaxOpenConns(1)
	}
	cleanup := func() error { return sqlDB.Close() }
	return db.WithContext(ctx), cleanup, nil
}

func resolveDriver(dsn string) (string, string, error) {
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		return driverPostgres, "", nil
	}
	if strings.HasPrefix(dsn, "sqlite://") {
		u, err := url.Parse(dsn)
		if err != nil {
			return "", "", fmt.Errorf("parse sqlite url: %w", err)
		}
		path := u.Path
		if path == "" {
			path = u.Host
		}
		if path == "" || path == "/" {
			path = "giftledger.db"
		}
		sqlitePath, err := normalizeSQLitePath(path)
		return driverSQLite, sqlitePath, err
	}
	sqlitePath, err := normalizeSQLitePath(dsn)
	return driverSQLite, sqlitePath, err
}

func normalizeSQLitePath(path string) (string, error) {
	if path == ":memory:" {
		return path, nil
	}
	if strings.HasPrefix(path, "/") {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return "", err
		}
		return path, nil
	}
	abs := filepath.Join(".", path)
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return "", err
	}
	return abs, nil
}

func withSQLitePragmas(path string) string {
	if strings.Contains(path, "?") {
		return path + "&" + sqlitePragmas
	}
	return path + "?" + sqlitePragmas
}
