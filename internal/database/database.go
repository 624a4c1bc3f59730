// Package database turns a connection URL into a ready ledger.Store.
package database

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/MarkoPoloResearchLab/partnerwallet/internal/store/gormstore"
	"github.com/MarkoPoloResearchLab/partnerwallet/internal/store/memstore"
	"github.com/MarkoPoloResearchLab/partnerwallet/internal/store/pgstore"
	"github.com/MarkoPoloResearchLab/partnerwallet/internal/store/txretry"
	"github.com/MarkoPoloResearchLab/partnerwallet/pkg/ledger"
	"github.com/glebarez/sqlite"
	"github.com/jackc/pgx/v5/pgxpool"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

const (
	DriverMemory   = "memory"
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"

	// EngineGorm and EnginePgx select the store implementation used for PostgreSQL.
	EngineGorm = "gorm"
	EnginePgx  = "pgx"

	defaultSQLiteFile  = "wallet.db"
	sqliteMemoryPath   = ":memory:"
	sqliteBusyPragma   = "_pragma=busy_timeout(5000)"
	sqliteForeignKeys  = "_pragma=foreign_keys(1)"
	schemeMemory       = "memory://"
	schemeSQLite       = "sqlite://"
	schemePostgres     = "postgres://"
	schemePostgresLong = "postgresql://"
)

var ErrUnsupportedEngine = errors.New("unsupported store engine")

// Config selects and tunes the backing store.
type Config struct {
	URL    string
	Engine string
	Retry  txretry.Config
}

// Handle owns an opened store and the resources behind it.
type Handle struct {
	Store  ledger.Store
	Driver string
	close  func() error
}

// Close releases the connection pool, if any.
func (handle *Handle) Close() error {
	if handle == nil || handle.close == nil {
		return nil
	}
	return handle.close()
}

// Open connects to the database named by cfg.URL, prepares the schema and returns the store.
func Open(ctx context.Context, cfg Config) (*Handle, error) {
	driver, sqlitePath, err := ResolveDriver(cfg.URL)
	if err != nil {
		return nil, err
	}
	engine := strings.ToLower(strings.TrimSpace(cfg.Engine))
	if engine == "" {
		engine = EngineGorm
	}
	if engine != EngineGorm && engine != EnginePgx {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedEngine, cfg.Engine)
	}
	retry := txretry.New(cfg.Retry, txretry.IsTransient)

	switch {
	case driver == DriverMemory:
		return &Handle{Store: memstore.New(), Driver: driver}, nil
	case driver == DriverPostgres && engine == EnginePgx:
		pool, err := pgxpool.New(ctx, cfg.URL)
		if err != nil {
			return nil, fmt.Errorf("pgx pool: %w", err)
		}
		store := pgstore.New(pool, pgstore.WithRetry(retry))
		if err := store.Migrate(ctx); err != nil {
			pool.Close()
			return nil, fmt.Errorf("migrate: %w", err)
		}
		return &Handle{Store: store, Driver: driver, close: func() error {
			pool.Close()
			return nil
		}}, nil
	case driver == DriverSQLite && engine == EnginePgx:
		return nil, fmt.Errorf("%w: pgx requires a postgres url", ErrUnsupportedEngine)
	}

	db, err := openGorm(driver, cfg.URL, sqlitePath)
	if err != nil {
		return nil, err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	if driver == DriverSQLite {
		// SQLite allows a single writer; one connection keeps row-lock emulation honest.
		sqlDB.SetMaxOpenConns(1)
	}
	if err := db.WithContext(ctx).AutoMigrate(gormstore.Models()...); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("auto migrate: %w", err)
	}
	return &Handle{
		Store:  gormstore.New(db, gormstore.WithRetry(retry)),
		Driver: driver,
		close:  sqlDB.Close,
	}, nil
}

func openGorm(driver string, dsn string, sqlitePath string) (*gorm.DB, error) {
	cfg := &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)}
	switch driver {
	case DriverPostgres:
		return gorm.Open(postgres.Open(dsn), cfg)
	case DriverSQLite:
		return gorm.Open(sqlite.Open(sqliteDSN(sqlitePath)), cfg)
	default:
		return nil, fmt.Errorf("unsupported database scheme %q", driver)
	}
}

// ResolveDriver maps a URL onto a driver name and, for SQLite, a file path.
func ResolveDriver(dsn string) (string, string, error) {
	trimmed := strings.TrimSpace(dsn)
	if trimmed == "" {
		return "", "", errors.New("database url is required")
	}
	if strings.HasPrefix(trimmed, schemeMemory) {
		return DriverMemory, "", nil
	}
	if strings.HasPrefix(trimmed, schemePostgres) || strings.HasPrefix(trimmed, schemePostgresLong) {
		return DriverPostgres, "", nil
	}
	if strings.HasPrefix(trimmed, schemeSQLite) {
		u, err := url.Parse(trimmed)
		if err != nil {
			return "", "", fmt.Errorf("parse sqlite url: %w", err)
		}
		path := u.Path
		if path == "" {
			path = u.Host
		}
		if path == "" || path == "/" {
			path = defaultSQLiteFile
		}
		sqlitePath, err := normalizeSQLitePath(path)
		return DriverSQLite, sqlitePath, err
	}
	// Treat everything else as a direct sqlite path.
	sqlitePath, err := normalizeSQLitePath(trimmed)
	return DriverSQLite, sqlitePath, err
}

func normalizeSQLitePath(path string) (string, error) {
	if path == sqliteMemoryPath {
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

func sqliteDSN(path string) string {
	if path == sqliteMemoryPath {
		return path
	}
	return path + "?" + sqliteBusyPragma + "&" + sqliteForeignKeys
}
