package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"microdata/internal/storage"
)

func init() {
	storage.RegisterRuns("postgres", New)
}

/*
Runs implements storage.RunRepository for Postgres.

Timestamps are stored as TIMESTAMPTZ and sample lists as TEXT holding a JSON
array, matching the other backends so the ledger reads the same everywhere.
*/
type Runs struct {
	pool *pgxpool.Pool
}

// New creates a pool for cfg.DSN and verifies connectivity.
func New(ctx context.Context, cfg storage.Config) (storage.RunRepository, error) {
	pool, err := pgxpool.New(ctx, cfg.DSN)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return &Runs{pool: pool}, nil
}

// Close closes the connection pool.
func (r *Runs) Close() {
	r.pool.Close()
}

func (r *Runs) EnsureSchema(ctx context.Context) error {
	for _, q := range schemaSQL() {
		if _, err := r.pool.Exec(ctx, q); err != nil {
			return fmt.Errorf("postgres: ensure schema: %w", err)
		}
	}
	return nil
}

func (r *Runs) RecordRun(ctx context.Context, rec storage.RunRecord) error {
	if err := rec.Validate(); err != nil {
		return err
	}
	args, err := rec.Args()
	if err != nil {
		return err
	}
	if _, err := r.pool.Exec(ctx, insertSQL(), args...); err != nil {
		return fmt.Errorf("postgres: record run %s: %w", rec.RunID, err)
	}
	return nil
}

func (r *Runs) LatestRun(ctx context.Context, dataset string) (storage.RunRecord, bool, error) {
	rec, err := storage.ScanRun(r.pool.QueryRow(ctx, latestSQL(), dataset))
	if errors.Is(err, pgx.ErrNoRows) {
		return storage.RunRecord{}, false, nil
	}
	if err != nil {
		return storage.RunRecord{}, false, fmt.Errorf("postgres: latest run of %s: %w", dataset, err)
	}
	return rec, true, nil
}

func schemaSQL() []string {
	defs := storage.ColumnDefs(storage.ColumnTypes{
		Key: "TEXT", Text: "TEXT", LongText: "TEXT", BigInt: "BIGINT", Timestamp: "TIMESTAMPTZ",
	})
	return []string{
		fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (\n  %s\n)", storage.TableName, strings.Join(defs, ",\n  ")),
		fmt.Sprintf("CREATE INDEX IF NOT EXISTS %s_dataset_idx ON %s (dataset, finished_at DESC)", storage.TableName, storage.TableName),
	}
}

func insertSQL() string {
	return storage.InsertSQL(storage.TableName, func(i int) string { return fmt.Sprintf("$%d", i) })
}

func latestSQL() string {
	return fmt.Sprintf("SELECT %s FROM %s WHERE dataset = $1 ORDER BY finished_at DESC, started_at DESC LIMIT 1",
		storage.SelectList(), storage.TableName)
}
