package postgres

import (
	"context"
	"customer-import/internal/domain/importrun"
	"customer-import/internal/pkg/apperrors"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

type DBPool interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Close()
}

const schemaSQL = `
CREATE TABLE IF NOT EXISTS import_runs (
    id          TEXT PRIMARY KEY,
    file_name   TEXT NOT NULL,
    group_name  TEXT NOT NULL DEFAULT '',
    status      TEXT NOT NULL,
    started_at  TIMESTAMPTZ NOT NULL,
    finished_at TIMESTAMPTZ,
    total       INTEGER NOT NULL DEFAULT 0,
    succeeded   INTEGER NOT NULL DEFAULT 0,
    failed      INTEGER NOT NULL DEFAULT 0,
    duplicates  INTEGER NOT NULL DEFAULT 0,
    no_contact  INTEGER NOT NULL DEFAULT 0
);
CREATE TABLE IF NOT EXISTS import_failures (
    id          BIGSERIAL PRIMARY KEY,
    run_id      TEXT NOT NULL REFERENCES import_runs(id),
    line        INTEGER NOT NULL,
    name        TEXT NOT NULL DEFAULT '',
    email       TEXT NOT NULL DEFAULT '',
    phone       TEXT NOT NULL DEFAULT '',
    pickup_time TEXT NOT NULL DEFAULT '',
    group_name  TEXT NOT NULL DEFAULT '',
    stage       TEXT NOT NULL,
    reason      TEXT NOT NULL,
    created_at  TIMESTAMPTZ NOT NULL DEFAULT NOW()
);`

type RunRepository struct {
	db     DBPool
	logger *slog.Logger
}

var _ importrun.Journal = (*RunRepository)(nil)

func NewRunRepository(db DBPool, logger *slog.Logger) *RunRepository {
	if db == nil {
		panic("DBPool cannot be nil for RunRepository")
	}
	if logger == nil {
		panic("logger cannot be nil")
	}
	return &RunRepository{
		db:     db,
		logger: logger.With("component", "RunRepository"),
	}
}

func (r *RunRepository) EnsureSchema(ctx context.Context) error {
	if _, err := r.db.Exec(ctx, schemaSQL); err != nil {
		r.logger.ErrorContext(ctx, "Failed to create journal tables", slog.Any("error", err))
		return fmt.Errorf("%w: failed to create journal tables: %w", apperrors.ErrDatabase, err)
	}
	return nil
}

func (r *RunRepository) StartRun(ctx context.Context, run *importrun.Run) error {
	if run == nil {
		return fmt.Errorf("%w: run cannot be nil", apperrors.ErrInvalidArgument)
	}

	query := `
        INSERT INTO import_runs (id, file_name, group_name, status, started_at)
        VALUES ($1, $2, $3, $4, $5)`

	if _, err := r.db.Exec(ctx, query, run.ID, run.File, run.GroupName, string(run.Status), run.StartedAt); err != nil {
		r.logger.ErrorContext(ctx, "Failed to insert import run", slog.String("runID", run.ID), slog.Any("error", err))
		return fmt.Errorf("%w: failed to insert import run: %w", apperrors.ErrDatabase, err)
	}
	r.logger.DebugContext(ctx, "Import run recorded", slog.String("runID", run.ID))
	return nil
}

func (r *RunRepository) RecordFailure(ctx context.Context, runID string, f importrun.RecordFailure) error {
	query := `
        INSERT INTO import_failures (run_id, line, name, email, phone, pickup_time, group_name, stage, reason)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`

	_, err := r.db.Exec(ctx, query, runID, f.Line, f.Name, f.Email, f.Phone, f.Timestamp, f.Group, string(f.Stage), f.Reason)
	if err != nil {
		r.logger.ErrorContext(ctx, "Failed to insert import failure", slog.String("runID", runID), slog.Int("line", f.Line), slog.Any("error", err))
		return fmt.Errorf("%w: failed to insert import failure: %w", apperrors.ErrDatabase, err)
	}
	return nil
}

func (r *RunRepository) FinishRun(ctx context.Context, run *importrun.Run) error {
	if run == nil || run.Result == nil {
		return fmt.Errorf("%w: run and its result are required", apperrors.ErrInvalidArgument)
	}
	finishedAt := time.Now().UTC()
	if run.FinishedAt != nil {
		finishedAt = *run.FinishedAt
	}

	query := `
        UPDATE import_runs
        SET status = $1,
            finished_at = $2,
            total = $3,
            succeeded = $4,
            failed = $5,
            duplicates = $6,
            no_contact = $7
        WHERE id = $8`

	res := run.Result
	cmdTag, err := r.db.Exec(ctx, query,
		string(run.Status),
		finishedAt,
		res.Total,
		res.Succeeded,
		res.Failed,
		res.DuplicatesSkipped,
		res.NoContactSkipped,
		run.ID,
	)
	if err != nil {
		r.logger.ErrorContext(ctx, "Failed to update import run", slog.String("runID", run.ID), slog.Any("error", err))
		return fmt.Errorf("%w: failed to update import run: %w", apperrors.ErrDatabase, err)
	}
	if cmdTag.RowsAffected() == 0 {
		r.logger.WarnContext(ctx, "Update affected zero rows, import run likely not found", slog.String("runID", run.ID))
		return apperrors.ErrNotFound
	}
	return nil
}

// FindRun loads a run with its counters. Failures are not loaded.
func (r *RunRepository) FindRun(ctx context.Context, runID string) (*importrun.Run, error) {
	query := `
        SELECT id, file_name, group_name, status, started_at, finished_at,
               total, succeeded, failed, duplicates, no_contact
        FROM import_runs
        WHERE id = $1`

	run := importrun.Run{Result: importrun.NewImportResult(runID)}
	var status string
	err := r.db.QueryRow(ctx, query, runID).Scan(
		&run.ID,
		&run.File,
		&run.GroupName,
		&status,
		&run.StartedAt,
		&run.FinishedAt,
		&run.Result.Total,
		&run.Result.Succeeded,
		&run.Result.Failed,
		&run.Result.DuplicatesSkipped,
		&run.Result.NoContactSkipped,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperrors.ErrNotFound
		}
		r.logger.ErrorContext(ctx, "Failed to query import run", slog.String("runID", runID), slog.Any("error", err))
		return nil, fmt.Errorf("%w: failed to query import run: %w", apperrors.ErrDatabase, err)
	}
	run.Status = importrun.Status(status)
	return &run, nil
}
