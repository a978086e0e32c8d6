package main

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/MarkoPoloResearchLab/meetingcredits/internal/store/gormstore"
	"github.com/MarkoPoloResearchLab/meetingcredits/internal/store/pgstore"
	"github.com/MarkoPoloResearchLab/meetingcredits/pkg/credits"
	"github.com/glebarez/sqlite"
	"github.com/jackc/pgx/v5/pgxpool"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// backend bundles the ledger store and user directory for one database.
type backend struct {
	store     credits.Store
	directory credits.UserDirectory
	gormDB    *gorm.DB
	close     func() error
}

func openBackend(ctx context.Context, cfg *runtimeConfig, migrate bool) (*backend, error) {
	if cfg.StoreDriver == storeDriverPgx {
		return openPgxBackend(ctx, cfg, migrate)
	}
	gormDB, cleanup, driver, err := openDatabase(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("database open: %w", err)
	}
	if migrate {
		if err := gormstore.Migrate(gormDB); err != nil {
			_ = cleanup()
			return nil, fmt.Errorf("auto migrate: %w", err)
		}
		if driver == "sqlite" {
			if err := gormstore.MigrateDirectory(gormDB, cfg.DirectoryTable); err != nil {
				_ = cleanup()
				return nil, fmt.Errorf("directory migrate: %w", err)
			}
		}
	}
	directory, err := gormstore.NewDirectory(gormDB, cfg.DirectoryTable)
	if err != nil {
		_ = cleanup()
		return nil, err
	}
	return &backend{
		store:     gormstore.New(gormDB),
		directory: directory,
		gormDB:    gormDB,
		close:     cleanup,
	}, nil
}

func openPgxBackend(ctx context.Context, cfg *runtimeConfig, migrate bool) (*backend, error) {
	driver, _, err := resolveDriver(cfg.DatabaseURL)
	if err != nil {
		return nil, err
	}
	if driver != "postgres" {
		return nil, fmt.Errorf("%s %q requires a postgres database url", flagStoreDriver, storeDriverPgx)
	}
	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("pgx pool: %w", err)
	}
	if migrate {
		if err := pgstore.EnsureSchema(ctx, pool); err != nil {
			pool.Close()
			return nil, err
		}
	}
	directory, err := pgstore.NewDirectory(pool, cfg.DirectoryTable)
	if err != nil {
		pool.Close()
		return nil, err
	}
	return &backend{
		store:     pgstore.New(pool),
		directory: directory,
		close: func() error {
			pool.Close()
			return nil
		},
	}, nil
}

func openDatabase(ctx context.Context, dsn string) (*gorm.DB, func() error, string, error) {
	driver, sqlitePath, err := resolveDriver(dsn)
	if err != nil {
		return nil, nil, "", err
	}

	cfg := &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)}
	var db *gorm.DB
	switch driver {
	case "postgres":
		db, err = gorm.Open(postgres.Open(dsn), cfg)
	case "sqlite":
		db, err = gorm.Open(sqlite.Open(sqlitePath), cfg)
	default:
		return nil, nil, "", fmt.Errorf("unsupported database scheme %q", driver)
	}
	if err != nil {
		return nil, nil, "", err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, nil, "", err
	}
	if driver == "sqlite" {
		// sqlite allows a single writer
		sqlDB.SetMaxOpenConns(1)
	}
	cleanup := func() error { return sqlDB.Close() }
	return db.WithContext(ctx), cleanup, driver, nil
}

func resolveDriver(dsn string) (string, string, error) {
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		return "postgres", "", nil
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
			path = "creditd.db"
		}
		sqlitePath, err := normalizeSQLitePath(path)
		return "sqlite", sqlitePath, err
	}
	sqlitePath, err := normalizeSQLitePath(dsn)
	return "sqlite", sqlitePath, err
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
