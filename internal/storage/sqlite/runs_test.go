package sqlite

import (
	"context"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
	"time"

	"microdata/internal/storage"
)

func openTemp(t *testing.T) storage.RunRepository {
	t.Helper()
	dsn := "file:" + filepath.Join(t.TempDir(), "runs.db")
	repo, err := storage.NewRuns(context.Background(), storage.Config{Kind: "sqlite", DSN: dsn})
	if err != nil {
		t.Fatalf("NewRuns: %v", err)
	}
	t.Cleanup(repo.Close)
	if err := repo.EnsureSchema(context.Background()); err != nil {
		t.Fatalf("EnsureSchema: %v", err)
	}
	if err := repo.EnsureSchema(context.Background()); err != nil {
		t.Fatalf("EnsureSchema must be idempotent: %v", err)
	}
	return repo
}

func run(id, dataset string, finished time.Time) storage.RunRecord {
	return storage.RunRecord{
		RunID: id, Dataset: dataset, Temporality: "EVENT", MeasureType: "LONG",
		Rows: 10, Checksum: "d41d8cd98f00b204e9800998ecf8427e", Status: storage.StatusAccepted,
		CoverageStart: "2020-01-01", CoverageLatest: "2021-12-31",
		StartedAt: finished.Add(-time.Second), FinishedAt: finished,
	}
}

func TestRuns_RecordAndLatest(t *testing.T) {
	ctx := context.Background()
	repo := openTemp(t)

	if _, ok, err := repo.LatestRun(ctx, "INCOME"); err != nil || ok {
		t.Fatalf("empty ledger: ok=%v err=%v", ok, err)
	}

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	first := run("r1", "INCOME", base)
	second := run("r2", "INCOME", base.Add(250*time.Millisecond))
	second.Status = storage.StatusRejected
	second.FailedRule = "no_overlap"
	second.Message = "time spans for a unit_id must not overlap"
	second.SampleIdentifiers = []string{"A", "B"}
	other := run("r3", "WEALTH", base.Add(time.Hour))
	other.StatusDates = []string{"2020-01-01", "2021-01-01"}

	for _, r := range []storage.RunRecord{second, first, other} {
		if err := repo.RecordRun(ctx, r); err != nil {
			t.Fatalf("RecordRun(%s): %v", r.RunID, err)
		}
	}

	got, ok, err := repo.LatestRun(ctx, "INCOME")
	if err != nil || !ok {
		t.Fatalf("LatestRun: ok=%v err=%v", ok, err)
	}
	if !reflect.DeepEqual(got, second) {
		t.Fatalf("LatestRun mismatch:\n got=%+v\nwant=%+v", got, second)
	}

	got, _, err = repo.LatestRun(ctx, "WEALTH")
	if err != nil {
		t.Fatalf("LatestRun(WEALTH): %v", err)
	}
	if !reflect.DeepEqual(got.StatusDates, other.StatusDates) {
		t.Fatalf("status dates: got %v", got.StatusDates)
	}
}

func TestRuns_RecordRejectsDuplicatesAndInvalid(t *testing.T) {
	ctx := context.Background()
	repo := openTemp(t)

	r := run("r1", "INCOME", time.Now().UTC())
	if err := repo.RecordRun(ctx, r); err != nil {
		t.Fatalf("RecordRun: %v", err)
	}
	if err := repo.RecordRun(ctx, r); err == nil {
		t.Fatalf("expected duplicate run id error")
	}

	r.RunID = "r2"
	r.Status = "UNKNOWN"
	if err := repo.RecordRun(ctx, r); err == nil {
		t.Fatalf("expected invalid status error")
	}
}

func TestSchemaSQL(t *testing.T) {
	stmts := schemaSQL()
	if len(stmts) != 2 {
		t.Fatalf("expected 2 statements, got %d", len(stmts))
	}
	for _, want := range []string{"CREATE TABLE IF NOT EXISTS validation_runs", "run_id TEXT PRIMARY KEY", "row_count INTEGER NOT NULL"} {
		if !strings.Contains(stmts[0], want) {
			t.Fatalf("schema missing %q:\n%s", want, stmts[0])
		}
	}
	if got := strings.Count(insertSQL(), "?"); got != len(storage.Columns) {
		t.Fatalf("insert placeholders=%d want %d", got, len(storage.Columns))
	}
	if !strings.HasSuffix(latestSQL(), "ORDER BY finished_at DESC, started_at DESC LIMIT 1") {
		t.Fatalf("unexpected latest query: %s", latestSQL())
	}
}
