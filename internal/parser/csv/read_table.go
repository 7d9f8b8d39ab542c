package csv

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"io"

	"github.com/apache/arrow-go/v18/arrow/memory"
	"golang.org/x/sync/errgroup"

	"microdata/internal/dataset"
	"microdata/internal/transformer"
)

const rowBuffer = 1024

// Result is the outcome of ReadTable.
type Result struct {
	// Table must be released by the caller.
	Table *dataset.Table

	// Rows is the number of records read.
	Rows int

	// Checksum is the hex MD5 of the raw input bytes.
	Checksum string
}

// ReadTable runs the parse → normalize pipeline over src and returns the
// canonical table. Every malformed row, whether rejected by the csv reader or
// by the normalizer, ends up in one *transformer.ParseError.
func ReadTable(ctx context.Context, src io.Reader, measure dataset.MeasureType, mem memory.Allocator, opt Options) (Result, error) {
	if _, err := dataset.ParseMeasureType(string(measure)); err != nil {
		return Result{}, err
	}

	sum := md5.New()
	tee := io.TeeReader(src, sum)

	errs := &transformer.Collector{}
	norm := &transformer.Normalizer{Measure: measure, Mem: mem, Errors: errs, Comma: opt.comma()}

	g, gctx := errgroup.WithContext(ctx)
	rows := make(chan *transformer.Row, rowBuffer)

	var n int
	g.Go(func() error {
		defer close(rows)
		var err error
		n, err = StreamRows(gctx, tee, opt, rows, func(line int, err error) {
			errs.Add(line, "%v", err)
		})
		return err
	})

	tbl, normErr := norm.Normalize(gctx, rows)
	if err := g.Wait(); err != nil {
		tbl.Release()
		return Result{}, err
	}
	if n == 0 {
		tbl.Release()
		return Result{}, &transformer.ParseError{Errors: []string{"empty CSV file"}, Total: 1}
	}
	if normErr != nil {
		return Result{}, normErr
	}

	return Result{
		Table:    tbl,
		Rows:     n,
		Checksum: hex.EncodeToString(sum.Sum(nil)),
	}, nil
}
