package mssql

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	_ "github.com/microsoft/go-mssqldb"

	"microdata/internal/storage"
)

func init() {
	storage.RegisterRuns("mssql", New)
}

// Runs implements storage.RunRepository for Microsoft SQL Server.
//
// SQL Server has no CREATE TABLE IF NOT EXISTS; EnsureSchema guards the DDL
// with OBJECT_ID instead. Timestamps use DATETIMEOFFSET.
type Runs struct {
	db dbConn
}

// dbConn is the subset of *sql.DB the ledger uses.
type dbConn interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	Close() error
}

// New opens cfg.DSN with the "sqlserver" driver and verifies connectivity.
func New(ctx context.Context, cfg storage.Config) (storage.RunRepository, error) {
	db, err := sql.Open("sqlserver", cfg.DSN)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(4)
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Runs{db: db}, nil
}

// Close releases database resources held by this repository.
func (r *Runs) Close() {
	if r == nil || r.db == nil {
		return
	}
	_ = r.db.Close()
}

func (r *Runs) EnsureSchema(ctx context.Context) error {
	for _, q := range schemaSQL() {
		if _, err := r.db.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("mssql: ensure schema: %w", err)
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
	if _, err := r.db.ExecContext(ctx, insertSQL(), args...); err != nil {
		return fmt.Errorf("mssql: record run %s: %w", rec.RunID, err)
	}
	return nil
}

func (r *Runs) LatestRun(ctx context.Context, dataset string) (storage.RunRecord, bool, error) {
	rec, err := storage.ScanRun(r.db.QueryRowContext(ctx, latestSQL(), dataset))
	if errors.Is(err, sql.ErrNoRows) {
		return storage.RunRecord{}, false, nil
	}
	if err != nil {
		return storage.RunRecord{}, false, fmt.Errorf("mssql: latest run of %s: %w", dataset, err)
	}
	return rec, true, nil
}

func schemaSQL() []string {
	defs := storage.ColumnDefs(storage.ColumnTypes{
		Key: "NVARCHAR(64)", Text: "NVARCHAR(256)", LongText: "NVARCHAR(MAX)", BigInt: "BIGINT", Timestamp: "DATETIMEOFFSET",
	})
	table := storage.TableName
	return []string{
		fmt.Sprintf("IF OBJECT_ID(N'dbo.%s', N'U') IS NULL\nCREATE TABLE dbo.%s (\n  %s\n)",
			table, table, strings.Join(defs, ",\n  ")),
		fmt.Sprintf("IF NOT EXISTS (SELECT 1 FROM sys.indexes WHERE name = N'%s_dataset_idx' AND object_id = OBJECT_ID(N'dbo.%s'))\nCREATE INDEX %s_dataset_idx ON dbo.%s (dataset, finished_at DESC)",
			table, table, table, table),
	}
}

func insertSQL() string {
	return storage.InsertSQL("dbo."+storage.TableName, func(i int) string { return fmt.Sprintf("@p%d", i) })
}

func latestSQL() string {
	return fmt.Sprintf("SELECT TOP 1 %s FROM dbo.%s WHERE dataset = @p1 ORDER BY finished_at DESC, started_at DESC",
		storage.SelectList(), storage.TableName)
}
