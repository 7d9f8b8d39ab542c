// Package pipeline wires source, normalization, persistence, validation,
// coverage and the run ledger into one dataset run.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/google/uuid"

	"microdata/internal/config"
	"microdata/internal/coverage"
	"microdata/internal/dataset"
	"microdata/internal/datasource"
	"microdata/internal/metrics"
	csvparser "microdata/internal/parser/csv"
	"microdata/internal/storage"
	"microdata/internal/transformer"
	"microdata/internal/validation"
)

// Logger is the minimal logging interface used by the runner.
// *log.Logger satisfies this interface.
type Logger interface {
	Printf(format string, v ...any)
}

// Runner executes dataset runs. Its function fields are seams; NewDefaultRunner
// fills them with the real implementations.
type Runner struct {
	Open    func(ctx context.Context, src config.Source) (io.ReadCloser, error)
	NewRuns func(ctx context.Context, cfg storage.Config) (storage.RunRepository, error)

	Mem      memory.Allocator
	Logger   Logger
	Now      func() time.Time
	NewRunID func() string
}

// NewDefaultRunner reads sources with datasource.Open and records runs with
// storage.NewRuns. Backends must be registered by the caller
// (import microdata/internal/storage/all).
func NewDefaultRunner(logger Logger) *Runner {
	return &Runner{
		Open:     datasource.Open,
		NewRuns:  storage.NewRuns,
		Mem:      memory.DefaultAllocator,
		Logger:   logger,
		Now:      time.Now,
		NewRunID: uuid.NewString,
	}
}

func (r *Runner) logf(format string, args ...any) {
	if r.Logger != nil {
		r.Logger.Printf(format, args...)
	}
}

func (r *Runner) now() time.Time {
	if r.Now == nil {
		return time.Now()
	}
	return r.Now()
}

// TablePath is where the canonical table of cfg is persisted.
func TablePath(cfg config.Config) string {
	return filepath.Join(cfg.WorkDir, cfg.Dataset.Name+".parquet")
}

// Normalized describes a persisted canonical table.
type Normalized struct {
	Path     string `json:"path"`
	Rows     int    `json:"rows"`
	Checksum string `json:"checksum"`
}

// Normalize reads the configured source and writes the canonical table to
// TablePath. Malformed input yields a *transformer.ParseError and no file.
func (r *Runner) Normalize(ctx context.Context, cfg config.Config) (Normalized, error) {
	measure, err := dataset.ParseMeasureType(cfg.Dataset.MeasureType)
	if err != nil {
		return Normalized{}, err
	}
	if r.Open == nil {
		return Normalized{}, errors.New("pipeline: Open is required")
	}
	start := r.now()

	src, err := r.Open(ctx, cfg.Source)
	if err != nil {
		return Normalized{}, err
	}
	defer src.Close()

	res, err := csvparser.ReadTable(ctx, src, measure, r.Mem, cfg.CSV.Options())
	if err != nil {
		var pe *transformer.ParseError
		if errors.As(err, &pe) {
			metrics.RecordRows("rejected", pe.Total)
		}
		return Normalized{}, err
	}
	defer res.Table.Release()

	if err := os.MkdirAll(cfg.WorkDir, 0o755); err != nil {
		return Normalized{}, fmt.Errorf("create work dir: %w", err)
	}
	path := TablePath(cfg)
	if err := dataset.WriteParquet(res.Table, path); err != nil {
		_ = os.Remove(path)
		return Normalized{}, err
	}
	metrics.RecordRows("normalized", res.Rows)

	r.logf("stage=normalize dataset=%s source=%s rows=%d checksum=%s duration=%s",
		cfg.Dataset.Name, datasource.Describe(cfg.Source), res.Rows, res.Checksum, r.now().Sub(start).Round(time.Millisecond))
	return Normalized{Path: path, Rows: res.Rows, Checksum: res.Checksum}, nil
}

// Check validates a persisted canonical table against the declared dataset.
// It returns nil when the table is accepted and a *validation.ViolationError
// for the first failing rule.
func (r *Runner) Check(ctx context.Context, cfg config.Config, path string) error {
	vc, err := cfg.Dataset.Context()
	if err != nil {
		return err
	}
	v := &validation.Validator{
		Reader: dataset.ParquetFile{Path: path, Mem: r.Mem},
		Options: validation.Options{
			OverlapBatchSize: cfg.Validation.OverlapBatchSize,
			Workers:          cfg.Validation.Workers,
			ReadTimeout:      cfg.Validation.ReadTimeout,
		},
		Logger: r.Logger,
	}
	return v.Validate(ctx, vc)
}

// Coverage summarizes a persisted canonical table and, when metadata output
// is configured, merges the summary into the metadata document.
func (r *Runner) Coverage(ctx context.Context, cfg config.Config, path string) (coverage.Summary, error) {
	temporality, err := dataset.ParseTemporality(cfg.Dataset.Temporality)
	if err != nil {
		return coverage.Summary{}, err
	}
	t, err := dataset.ParquetFile{Path: path, Mem: r.Mem}.ReadColumns(ctx, coverage.Columns...)
	if err != nil {
		return coverage.Summary{}, fmt.Errorf("read table: %w", err)
	}
	defer t.Release()

	s, err := coverage.Summarize(t, temporality)
	if err != nil {
		return coverage.Summary{}, err
	}
	r.logf("stage=coverage dataset=%s start=%s latest=%s status_dates=%d", cfg.Dataset.Name, s.Start, s.Latest, len(s.StatusDates))

	if cfg.Metadata.Out != "" {
		if err := UpdateMetadata(cfg.Metadata.In, cfg.Metadata.Out, temporality, s); err != nil {
			return coverage.Summary{}, err
		}
		r.logf("stage=metadata out=%s", cfg.Metadata.Out)
	}
	return s, nil
}

// Run executes the whole flow for cfg: normalize, validate, summarize
// coverage, record the run and clean up.
//
// A dataset rejected by normalization or validation is not an error: the
// report says REJECTED and carries the failure. The error return is reserved
// for operational problems (unreadable source, disk, ledger).
func (r *Runner) Run(ctx context.Context, cfg config.Config) (Report, error) {
	if cfg.Validation.Deadline > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cfg.Validation.Deadline)
		defer cancel()
	}

	rep := Report{
		Dataset:     cfg.Dataset.Name,
		Temporality: cfg.Dataset.Temporality,
		MeasureType: cfg.Dataset.MeasureType,
		Source:      datasource.Describe(cfg.Source),
		StartedAt:   r.now(),
	}
	if r.NewRunID != nil {
		rep.RunID = r.NewRunID()
	} else {
		rep.RunID = uuid.NewString()
	}
	r.logf("stage=run start run_id=%s dataset=%s temporality=%s", rep.RunID, rep.Dataset, rep.Temporality)

	err := r.run(ctx, cfg, &rep)
	if err != nil {
		return rep, err
	}
	rep.FinishedAt = r.now()

	if cfg.Storage.Enabled() {
		if err := r.record(ctx, cfg.Storage, rep); err != nil {
			return rep, err
		}
	}
	r.logf("stage=run done run_id=%s status=%s duration=%s", rep.RunID, rep.Status, rep.FinishedAt.Sub(rep.StartedAt).Round(time.Millisecond))
	return rep, nil
}

func (r *Runner) run(ctx context.Context, cfg config.Config, rep *Report) error {
	norm, err := r.Normalize(ctx, cfg)
	if reject(rep, "parse", err) {
		return nil
	}
	if err != nil {
		return err
	}
	rep.Rows, rep.Checksum = norm.Rows, norm.Checksum

	if cfg.KeepTemporaryFiles {
		rep.TableFile = norm.Path
	} else {
		defer func() {
			if err := os.Remove(norm.Path); err != nil && !errors.Is(err, os.ErrNotExist) {
				r.logf("stage=cleanup path=%s err=%v", norm.Path, err)
			}
		}()
	}

	err = r.Check(ctx, cfg, norm.Path)
	var violation *validation.ViolationError
	if errors.As(err, &violation) {
		reject(rep, violation.Rule, err)
		metrics.RecordRows("rejected", rep.Rows)
		return nil
	}
	if err != nil {
		return err
	}

	s, err := r.Coverage(ctx, cfg, norm.Path)
	if err != nil {
		return err
	}
	rep.Status = storage.StatusAccepted
	rep.Coverage = &s
	if cfg.Metadata.Out != "" {
		rep.MetadataFile = cfg.Metadata.Out
	}
	return nil
}

// reject marks rep as REJECTED when err is a dataset failure (parse error or
// rule violation) and reports whether it did.
func reject(rep *Report, rule string, err error) bool {
	var pe *transformer.ParseError
	var ve *validation.ViolationError
	if !errors.As(err, &pe) && !errors.As(err, &ve) {
		return false
	}
	f, _ := validation.AsFailure(err)
	rep.Status = storage.StatusRejected
	rep.FailedRule = rule
	rep.Failure = &f
	return true
}

func (r *Runner) record(ctx context.Context, sc storage.Config, rep Report) error {
	if r.NewRuns == nil {
		return errors.New("pipeline: NewRuns is required when storage is configured")
	}
	repo, err := r.NewRuns(ctx, sc)
	if err != nil {
		return fmt.Errorf("open run ledger: %w", err)
	}
	defer repo.Close()

	if err := repo.EnsureSchema(ctx); err != nil {
		return err
	}
	if err := repo.RecordRun(ctx, rep.Record()); err != nil {
		return err
	}
	r.logf("stage=ledger kind=%s run_id=%s", sc.Kind, rep.RunID)
	return nil
}
