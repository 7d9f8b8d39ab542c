package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"microdata/internal/config"
	"microdata/internal/storage"
	"microdata/internal/transformer"
)

type fakeRuns struct {
	mu       sync.Mutex
	ensured  int
	recorded []storage.RunRecord
	closed   int
	err      error
}

func (f *fakeRuns) Close() { f.mu.Lock(); f.closed++; f.mu.Unlock() }

func (f *fakeRuns) EnsureSchema(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ensured++
	return nil
}

func (f *fakeRuns) RecordRun(_ context.Context, r storage.RunRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.recorded = append(f.recorded, r)
	return nil
}

func (f *fakeRuns) LatestRun(context.Context, string) (storage.RunRecord, bool, error) {
	return storage.RunRecord{}, false, nil
}

type lines struct {
	mu sync.Mutex
	l  []string
}

func (l *lines) Printf(format string, v ...any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.l = append(l.l, fmt.Sprintf(format, v...))
}

func (l *lines) String() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return strings.Join(l.l, "\n")
}

// testRunner serves body as the source and a fake ledger.
func testRunner(t *testing.T, body string) (*Runner, *fakeRuns, *lines) {
	t.Helper()
	runs := &fakeRuns{}
	log := &lines{}
	clock := time.Date(2026, 5, 1, 8, 0, 0, 0, time.UTC)
	r := &Runner{
		Open: func(context.Context, config.Source) (io.ReadCloser, error) {
			return io.NopCloser(strings.NewReader(body)), nil
		},
		NewRuns: func(context.Context, storage.Config) (storage.RunRepository, error) { return runs, nil },
		Logger:  log,
		Now: func() time.Time {
			clock = clock.Add(time.Second)
			return clock
		},
		NewRunID: func() string { return "run-1" },
	}
	return r, runs, log
}

func testConfig(t *testing.T, temporality, measure string) config.Config {
	t.Helper()
	return config.Config{
		Source:     config.Source{Kind: "file", Path: "income.csv"},
		Dataset:    config.Dataset{Name: "INCOME", MeasureType: measure, Temporality: temporality},
		CSV:        config.CSV{Delimiter: ";"},
		WorkDir:    t.TempDir(),
		Validation: config.Validation{Workers: 2, OverlapBatchSize: 1},
		Storage:    storage.Config{Kind: "fake", DSN: "x"},
	}
}

const eventCSV = "A;100;2020-01-01;2020-06-01;\n" +
	"A;200;2020-06-01;;\n" +
	"B;300;2019-03-01;2021-12-31;\n"

func TestRun_Accepted(t *testing.T) {
	r, runs, log := testRunner(t, eventCSV)
	cfg := testConfig(t, "EVENT", "LONG")
	cfg.Metadata.Out = filepath.Join(t.TempDir(), "meta", "INCOME.json")

	rep, err := r.Run(context.Background(), cfg)
	require.NoError(t, err)

	assert.True(t, rep.Accepted())
	assert.Equal(t, "run-1", rep.RunID)
	assert.Equal(t, 3, rep.Rows)
	assert.Len(t, rep.Checksum, 32)
	require.NotNil(t, rep.Coverage)
	assert.Equal(t, "2019-03-01", rep.Coverage.Start)
	assert.Equal(t, "2021-12-31", rep.Coverage.Latest)
	assert.Nil(t, rep.Failure)
	assert.True(t, rep.FinishedAt.After(rep.StartedAt))

	_, err = os.Stat(TablePath(cfg))
	assert.ErrorIs(t, err, os.ErrNotExist, "temporary table must be removed")

	b, err := os.ReadFile(cfg.Metadata.Out)
	require.NoError(t, err)
	var meta map[string]any
	require.NoError(t, json.Unmarshal(b, &meta))
	assert.Equal(t, map[string]any{
		"temporalCoverageStart":  "2019-03-01",
		"temporalCoverageLatest": "2021-12-31",
	}, meta["dataRevision"])

	require.Len(t, runs.recorded, 1)
	rec := runs.recorded[0]
	assert.Equal(t, storage.StatusAccepted, rec.Status)
	assert.Equal(t, "2019-03-01", rec.CoverageStart)
	assert.Equal(t, int64(3), rec.Rows)
	assert.Equal(t, 1, runs.ensured)
	assert.Equal(t, 1, runs.closed)

	out := log.String()
	assert.Contains(t, out, "stage=normalize dataset=INCOME")
	assert.Contains(t, out, "name=no_overlap status=ok")
	assert.Contains(t, out, "stage=run done run_id=run-1 status=ACCEPTED")
}

func TestRun_RejectedByRule(t *testing.T) {
	r, runs, _ := testRunner(t, "A;1;2020-01-01;2020-06-01;\nA;2;2020-03-01;2020-09-01;\n")
	cfg := testConfig(t, "EVENT", "LONG")
	cfg.KeepTemporaryFiles = true

	rep, err := r.Run(context.Background(), cfg)
	require.NoError(t, err)

	assert.False(t, rep.Accepted())
	assert.Equal(t, storage.StatusRejected, rep.Status)
	assert.Equal(t, "no_overlap", rep.FailedRule)
	require.NotNil(t, rep.Failure)
	assert.Equal(t, []string{"A"}, rep.Failure.SampleIdentifiers)
	assert.Nil(t, rep.Coverage)

	assert.Equal(t, TablePath(cfg), rep.TableFile)
	_, err = os.Stat(rep.TableFile)
	assert.NoError(t, err, "kept table must exist")

	require.Len(t, runs.recorded, 1)
	assert.Equal(t, "no_overlap", runs.recorded[0].FailedRule)
	assert.Equal(t, []string{"A"}, runs.recorded[0].SampleIdentifiers)
}

func TestRun_RejectedByParse(t *testing.T) {
	r, runs, _ := testRunner(t, "A;abc;;2020-01-01;\nB;12;;2020-13-01;\n")
	cfg := testConfig(t, "FIXED", "LONG")

	rep, err := r.Run(context.Background(), cfg)
	require.NoError(t, err)

	assert.Equal(t, storage.StatusRejected, rep.Status)
	assert.Equal(t, "parse", rep.FailedRule)
	require.NotNil(t, rep.Failure)
	assert.Contains(t, rep.Failure.Message, `row 1: column #1: invalid LONG value "abc"`)
	assert.Contains(t, rep.Failure.Message, "row 2: column #3: STOP date not valid")
	require.Len(t, runs.recorded, 1)
	assert.Equal(t, storage.StatusRejected, runs.recorded[0].Status)
}

func TestRun_StatusCoverageWithMetadataMerge(t *testing.T) {
	r, _, _ := testRunner(t, "A;x;2021-01-01;2021-01-01;\nB;y;2020-01-01;2020-01-01;\nA;z;2020-01-01;2020-01-01;\n")
	cfg := testConfig(t, "STATUS", "STRING")
	cfg.Storage = storage.Config{}

	dir := t.TempDir()
	cfg.Metadata.In = filepath.Join(dir, "in.json")
	cfg.Metadata.Out = filepath.Join(dir, "out.json")
	require.NoError(t, os.WriteFile(cfg.Metadata.In, []byte(`{"shortName":"INCOME","dataRevision":{"description":"kept"}}`), 0o644))

	rep, err := r.Run(context.Background(), cfg)
	require.NoError(t, err)
	require.True(t, rep.Accepted())
	assert.Equal(t, []string{"2020-01-01", "2021-01-01"}, rep.Coverage.StatusDates)
	assert.Equal(t, cfg.Metadata.Out, rep.MetadataFile)

	b, err := os.ReadFile(cfg.Metadata.Out)
	require.NoError(t, err)
	var meta map[string]any
	require.NoError(t, json.Unmarshal(b, &meta))
	assert.Equal(t, "INCOME", meta["shortName"])
	rev := meta["dataRevision"].(map[string]any)
	assert.Equal(t, "kept", rev["description"])
	assert.Equal(t, []any{"2020-01-01", "2021-01-01"}, rev["temporalStatusDates"])
}

func TestRun_OperationalErrors(t *testing.T) {
	t.Run("source", func(t *testing.T) {
		r, runs, _ := testRunner(t, "")
		r.Open = func(context.Context, config.Source) (io.ReadCloser, error) { return nil, os.ErrNotExist }
		_, err := r.Run(context.Background(), testConfig(t, "FIXED", "LONG"))
		require.ErrorIs(t, err, os.ErrNotExist)
		assert.Empty(t, runs.recorded)
	})

	t.Run("ledger", func(t *testing.T) {
		r, runs, _ := testRunner(t, "A;1;;2020-01-01;\n")
		runs.err = errors.New("disk full")
		_, err := r.Run(context.Background(), testConfig(t, "FIXED", "LONG"))
		require.ErrorContains(t, err, "disk full")
	})

	t.Run("ledger_open", func(t *testing.T) {
		r, _, _ := testRunner(t, "A;1;;2020-01-01;\n")
		r.NewRuns = func(context.Context, storage.Config) (storage.RunRepository, error) { return nil, errors.New("refused") }
		_, err := r.Run(context.Background(), testConfig(t, "FIXED", "LONG"))
		require.ErrorContains(t, err, "open run ledger: refused")
	})

	t.Run("deadline", func(t *testing.T) {
		r, _, _ := testRunner(t, "A;1;;2020-01-01;\n")
		cfg := testConfig(t, "FIXED", "LONG")
		cfg.Validation.Deadline = time.Nanosecond
		_, err := r.Run(context.Background(), cfg)
		require.ErrorIs(t, err, context.DeadlineExceeded)
	})
}

func TestNormalizeThenCheckAndCoverage(t *testing.T) {
	r, _, _ := testRunner(t, "A;1;;2020-01-01;\nB;2;;2021-01-01;\nA;3;;2022-01-01;\n")
	cfg := testConfig(t, "FIXED", "LONG")

	n, err := r.Normalize(context.Background(), cfg)
	require.NoError(t, err)
	assert.Equal(t, 3, n.Rows)
	assert.Equal(t, TablePath(cfg), n.Path)

	err = r.Check(context.Background(), cfg, n.Path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "(sample: A)")

	s, err := r.Coverage(context.Background(), cfg, n.Path)
	require.NoError(t, err)
	assert.Equal(t, "1900-01-01", s.Start)
	assert.Equal(t, "2022-01-01", s.Latest)
}

func TestNormalize_ParseErrorWritesNothing(t *testing.T) {
	r, _, _ := testRunner(t, "A,1,,2020-01-01,\n")
	cfg := testConfig(t, "FIXED", "LONG")

	_, err := r.Normalize(context.Background(), cfg)
	var pe *transformer.ParseError
	require.ErrorAs(t, err, &pe)
	_, statErr := os.Stat(TablePath(cfg))
	assert.ErrorIs(t, statErr, os.ErrNotExist)
}

func TestReport_Record(t *testing.T) {
	rep := Report{RunID: "r", Dataset: "D", Status: storage.StatusAccepted, Rows: 7}
	rec := rep.Record()
	assert.Equal(t, int64(7), rec.Rows)
	assert.Empty(t, rec.Message)
	require.NoError(t, rec.Validate())
}
