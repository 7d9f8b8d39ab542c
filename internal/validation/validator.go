package validation

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"time"

	"microdata/internal/dataset"
	"microdata/internal/metrics"
)

// Logger is the minimal logging interface used by the validator.
// *log.Logger satisfies this interface.
type Logger interface {
	Printf(format string, v ...any)
}

// Validator runs the rules for a dataset against a table store.
type Validator struct {
	Reader  dataset.TableReader
	Options Options
	Logger  Logger
}

func (v *Validator) logger() func(format string, args ...any) {
	if v.Logger == nil {
		return log.New(io.Discard, "", 0).Printf
	}
	return v.Logger.Printf
}

// Validate returns nil when every rule passes, a *ViolationError for the first
// failing rule, or another error when the table cannot be read.
func (v *Validator) Validate(ctx context.Context, c Context) error {
	if v.Reader == nil {
		return errors.New("validation: Reader is required")
	}
	logf := v.logger()

	rules, err := Rules(c, v.Options)
	if err != nil {
		return err
	}

	head, err := v.read(ctx)
	if err != nil {
		return fmt.Errorf("read table: %w", err)
	}
	rows, measure := head.NumRows(), head.MeasureType()
	head.Release()
	if measure != c.MeasureType {
		return fmt.Errorf("validation: table measure type %s does not match declared %s", measure, c.MeasureType)
	}
	metrics.RecordRows("read", rows)
	logf("stage=validate start temporality=%s measure=%s rows=%d rules=%d", c.Temporality, c.MeasureType, rows, len(rules))

	for _, r := range rules {
		if err := v.run(ctx, r); err != nil {
			return err
		}
	}
	logf("stage=validate ok temporality=%s rows=%d", c.Temporality, rows)
	return nil
}

// read fetches a projection, bounded by Options.ReadTimeout.
func (v *Validator) read(ctx context.Context, columns ...string) (*dataset.Table, error) {
	if v.Options.ReadTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, v.Options.ReadTimeout)
		defer cancel()
	}
	return v.Reader.ReadColumns(ctx, columns...)
}

func (v *Validator) run(ctx context.Context, r Rule) error {
	logf := v.logger()
	start := time.Now()

	t, err := v.read(ctx, r.Columns...)
	if err != nil {
		metrics.RecordRule(r.Name, "error", time.Since(start))
		return fmt.Errorf("rule %s: read columns: %w", r.Name, err)
	}
	defer t.Release()

	err = r.Check(ctx, t)

	status := "ok"
	var violation *ViolationError
	switch {
	case errors.As(err, &violation):
		status = "violation"
	case err != nil:
		status = "error"
		err = fmt.Errorf("rule %s: %w", r.Name, err)
	}
	dur := time.Since(start)
	metrics.RecordRule(r.Name, status, dur)
	logf("stage=rule name=%s status=%s duration=%s", r.Name, status, dur.Round(time.Millisecond))
	return err
}
