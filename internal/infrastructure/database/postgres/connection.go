package postgres

import (
	"context"
	"customer-import/internal/config"
	"customer-import/internal/pkg/apperrors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

const (
	journalAppName  = "customer-import"
	defaultMaxConns = 4
	pingTimeout     = 5 * time.Second
)

type pinger interface {
	Ping(ctx context.Context) error
}

// OpenJournal connects to the run journal database and makes sure its tables
// exist. The returned func releases the pool.
func OpenJournal(ctx context.Context, cfg config.DatabaseConfig, logger *slog.Logger) (*RunRepository, func(), error) {
	pool, err := NewConnectionPool(ctx, cfg, logger)
	if err != nil {
		return nil, nil, err
	}
	repo, err := prepareJournal(ctx, pool, logger)
	if err != nil {
		return nil, nil, err
	}
	return repo, pool.Close, nil
}

// prepareJournal closes db when the schema cannot be created.
func prepareJournal(ctx context.Context, db DBPool, logger *slog.Logger) (*RunRepository, error) {
	repo := NewRunRepository(db, logger)
	if err := repo.EnsureSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}
	logger.Info("Run journal ready.")
	return repo, nil
}

func NewConnectionPool(ctx context.Context, cfg config.DatabaseConfig, logger *slog.Logger) (*pgxpool.Pool, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("%w: database URL is empty in configuration", apperrors.ErrDatabase)
	}

	poolConfig, err := configurePool(cfg)
	if err != nil {
		return nil, err
	}

	logger.Info("Connecting to PostgreSQL run journal...", "maxConns", poolConfig.MaxConns)
	dbpool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("%w: unable to create connection pool: %w", apperrors.ErrDatabase, err)
	}

	if err := verifyConnection(ctx, dbpool, logger); err != nil {
		dbpool.Close()
		return nil, err
	}

	logger.Info("Connected to PostgreSQL run journal.", "host", poolConfig.ConnConfig.Host, "db", poolConfig.ConnConfig.Database)
	return dbpool, nil
}

// configurePool keeps the pool small: a run writes one row at start, one per
// failed record and one at the end.
func configurePool(cfg config.DatabaseConfig) (*pgxpool.Config, error) {
	poolConfig, err := pgxpool.ParseConfig(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to parse database config from URL: %w", apperrors.ErrDatabase, err)
	}

	poolConfig.MaxConns = defaultMaxConns
	if cfg.MaxConns > 0 {
		poolConfig.MaxConns = cfg.MaxConns
	}
	poolConfig.MaxConnIdleTime = 5 * time.Minute
	poolConfig.HealthCheckPeriod = 1 * time.Minute

	params := poolConfig.ConnConfig.RuntimeParams
	if params["application_name"] == "" {
		params["application_name"] = journalAppName
	}
	if cfg.Schema != "" {
		params["search_path"] = cfg.Schema
	}

	return poolConfig, nil
}

func verifyConnection(ctx context.Context, db pinger, logger *slog.Logger) error {
	pingCtx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()

	if err := db.Ping(pingCtx); err != nil {
		logger.Error("Failed to ping run journal database", "error", err)
		return fmt.Errorf("%w: failed to ping database on connect: %w", apperrors.ErrDatabase, err)
	}

	return nil
}
