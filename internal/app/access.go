package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/odyssey-erp/odyssey-access/internal/audit"
	"github.com/odyssey-erp/odyssey-access/internal/migration"
	"github.com/odyssey-erp/odyssey-access/internal/platform/cache"
	"github.com/odyssey-erp/odyssey-access/internal/platform/db"
	"github.com/odyssey-erp/odyssey-access/internal/rbac"
	"github.com/odyssey-erp/odyssey-access/internal/users"
)

// LoadCatalog returns the embedded catalog, or the override file when
// ACCESS_CATALOG_PATH is set.
func LoadCatalog(cfg *Config) (*rbac.Catalog, error) {
	if cfg == nil || cfg.AccessCatalogPath == "" {
		return rbac.DefaultCatalog()
	}
	return rbac.LoadCatalogFile(cfg.AccessCatalogPath)
}

// LoadDecomposition returns the embedded legacy role table, or the override
// file when ACCESS_DECOMPOSITION_PATH is set.
func LoadDecomposition(cfg *Config, catalog *rbac.Catalog) (*migration.Table, error) {
	if cfg == nil || cfg.AccessDecompositionPath == "" {
		return migration.DefaultTable(catalog)
	}
	f, err := os.Open(cfg.AccessDecompositionPath)
	if err != nil {
		return nil, fmt.Errorf("app: open decomposition table: %w", err)
	}
	defer f.Close()
	return migration.LoadTable(f, catalog)
}

// Access wires the access engine to PostgreSQL and Redis.
type Access struct {
	Pool     *pgxpool.Pool
	Redis    *redis.Client
	Catalog  *rbac.Catalog
	Resolver *rbac.Resolver
	Records  *users.Repository
	Audit    *audit.Writer
	Timeline *audit.Service
	Admin    *rbac.Administrator
	Engine   *migration.Engine
	Loader   *rbac.ContextLoader
	Locker   *cache.Locker
}

// NewAccess connects to the backing stores and builds the engine. The
// catalog and decomposition table are validated before any connection is
// opened so a bad file stops start-up immediately.
func NewAccess(ctx context.Context, cfg *Config, logger *slog.Logger) (*Access, error) {
	if cfg == nil {
		return nil, errors.New("app: config required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	catalog, err := LoadCatalog(cfg)
	if err != nil {
		return nil, err
	}
	table, err := LoadDecomposition(cfg, catalog)
	if err != nil {
		return nil, err
	}

	pool, err := db.New(ctx, db.Config{
		DSN:      cfg.PGDSN,
		AppName:  "odyssey-access",
		MinConns: int32(cfg.MigrationWorkers),
	})
	if err != nil {
		return nil, err
	}
	a := &Access{Pool: pool, Catalog: catalog, Resolver: rbac.NewResolver(catalog)}

	var userLocker rbac.Locker
	if cfg.RedisAddr != "" {
		client, err := cache.New(ctx, cfg.RedisAddr)
		if err != nil {
			pool.Close()
			return nil, err
		}
		a.Redis = client
		a.Locker = cache.NewLocker(client, cfg.AccessLockTTL, cfg.AccessLockWait)
		userLocker = cache.NewUserLocker(a.Locker)
	} else {
		logger.Warn("REDIS_ADDR empty, access mutations rely on version checks only")
	}

	a.Records = users.NewRepository(pool)
	auditRepo := audit.NewRepository(pool)
	a.Audit = audit.NewWriter(auditRepo, logger)
	a.Timeline = audit.NewService(auditRepo)
	a.Admin = rbac.NewAdministrator(a.Resolver, rbac.AdminConfig{
		Store:  a.Records,
		Audit:  a.Audit,
		Locker: userLocker,
		Logger: logger,
	})
	a.Engine = migration.NewEngine(a.Resolver, table, migration.Config{
		Store:   a.Records,
		Audit:   a.Audit,
		Locker:  userLocker,
		Logger:  logger,
		Workers: cfg.MigrationWorkers,
		Version: cfg.MigrationVersion,
	})
	a.Loader = rbac.NewContextLoader(a.Resolver, a.Records, a.Records)
	return a, nil
}

// Close releases the connections.
func (a *Access) Close() error {
	if a == nil {
		return nil
	}
	var err error
	if a.Redis != nil {
		err = a.Redis.Close()
	}
	if a.Pool != nil {
		a.Pool.Close()
	}
	return err
}
