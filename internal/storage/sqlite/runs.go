package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	_ "modernc.org/sqlite"

	"microdata/internal/storage"
)

// Runs implements storage.RunRepository for SQLite.
//
// SQLite has no native timestamp type, so started_at and finished_at are
// stored as fixed-width UTC text (storage.TimeLayout). Text order then equals
// time order and LatestRun can sort on the column directly.
type Runs struct {
	db *sql.DB
}

func init() {
	storage.RegisterRuns("sqlite", New)
}

// New opens the database named by cfg.DSN, e.g. "file:runs.db".
func New(ctx context.Context, cfg storage.Config) (storage.RunRepository, error) {
	db, err := sql.Open("sqlite", cfg.DSN)
	if err != nil {
		return nil, err
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Runs{db: db}, nil
}

func (r *Runs) Close() { _ = r.db.Close() }

func (r *Runs) EnsureSchema(ctx context.Context) error {
	for _, q := range schemaSQL() {
		if _, err := r.db.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("sqlite: ensure schema: %w", err)
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
	args[len(args)-2] = storage.FormatTime(rec.StartedAt)
	args[len(args)-1] = storage.FormatTime(rec.FinishedAt)

	if _, err := r.db.ExecContext(ctx, insertSQL(), args...); err != nil {
		return fmt.Errorf("sqlite: record run %s: %w", rec.RunID, err)
	}
	return nil
}

func (r *Runs) LatestRun(ctx context.Context, dataset string) (storage.RunRecord, bool, error) {
	rec, err := storage.ScanRun(r.db.QueryRowContext(ctx, latestSQL(), dataset))
	if errors.Is(err, sql.ErrNoRows) {
		return storage.RunRecord{}, false, nil
	}
	if err != nil {
		return storage.RunRecord{}, false, fmt.Errorf("sqlite: latest run of %s: %w", dataset, err)
	}
	return rec, true, nil
}

func schemaSQL() []string {
	defs := storage.ColumnDefs(storage.ColumnTypes{
		Key: "TEXT", Text: "TEXT", LongText: "TEXT", BigInt: "INTEGER", Timestamp: "TEXT",
	})
	return []string{
		fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (\n  %s\n)", storage.TableName, strings.Join(defs, ",\n  ")),
		fmt.Sprintf("CREATE INDEX IF NOT EXISTS %s_dataset_idx ON %s (dataset, finished_at)", storage.TableName, storage.TableName),
	}
}

func insertSQL() string {
	return storage.InsertSQL(storage.TableName, func(int) string { return "?" })
}

func latestSQL() string {
	return fmt.Sprintf("SELECT %s FROM %s WHERE dataset = ? ORDER BY finished_at DESC, started_at DESC LIMIT 1",
		storage.SelectList(), storage.TableName)
}
