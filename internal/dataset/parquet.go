package dataset

import (
	"context"
	"fmt"
	"os"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/apache/arrow-go/v18/parquet"
	"github.com/apache/arrow-go/v18/parquet/compress"
	"github.com/apache/arrow-go/v18/parquet/file"
	"github.com/apache/arrow-go/v18/parquet/pqarrow"
)

// TableReader reads a column projection of a canonical table.
//
// Implementations:
//   - *Table (in memory; projection shares arrays)
//   - ParquetFile (re-reads the persisted file with column pruning)
//
// The returned table must be released by the caller.
type TableReader interface {
	ReadColumns(ctx context.Context, columns ...string) (*Table, error)
}

const defaultReadBatchSize = 64 * 1024

// WriteParquet persists a full canonical table as a snappy-compressed parquet
// file with the arrow schema embedded.
func WriteParquet(t *Table, path string) error {
	rec, err := t.Record()
	if err != nil {
		return err
	}
	defer rec.Release()

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create parquet file: %w", err)
	}
	// The parquet writer closes its sink; this covers the early-return paths.
	defer f.Close()

	props := parquet.NewWriterProperties(parquet.WithCompression(compress.Codecs.Snappy))
	arrowProps := pqarrow.NewArrowWriterProperties(pqarrow.WithStoreSchema())

	w, err := pqarrow.NewFileWriter(rec.Schema(), f, props, arrowProps)
	if err != nil {
		return fmt.Errorf("create parquet writer: %w", err)
	}
	if err := w.Write(rec); err != nil {
		_ = w.Close()
		return fmt.Errorf("write parquet: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("close parquet writer: %w", err)
	}
	return nil
}

// ParquetFile reads projections of a canonical table persisted by
// WriteParquet. Every call reopens the file so that only the requested
// columns are decoded.
type ParquetFile struct {
	Path string

	// Mem defaults to memory.DefaultAllocator.
	Mem memory.Allocator

	// BatchSize is the number of rows decoded per record batch.
	BatchSize int64
}

// ReadColumns implements TableReader.
func (p ParquetFile) ReadColumns(ctx context.Context, columns ...string) (*Table, error) {
	mem := p.Mem
	if mem == nil {
		mem = memory.DefaultAllocator
	}
	batch := p.BatchSize
	if batch <= 0 {
		batch = defaultReadBatchSize
	}

	pf, err := file.OpenParquetFile(p.Path, false)
	if err != nil {
		return nil, fmt.Errorf("open parquet file: %w", err)
	}
	defer pf.Close()

	fr, err := pqarrow.NewFileReader(pf, pqarrow.ArrowReadProperties{BatchSize: batch}, mem)
	if err != nil {
		return nil, fmt.Errorf("create arrow reader: %w", err)
	}
	schema, err := fr.Schema()
	if err != nil {
		return nil, fmt.Errorf("read parquet schema: %w", err)
	}

	vi := schema.FieldIndices(ColValue)
	if len(vi) != 1 {
		return nil, fmt.Errorf("parquet file %s: missing %q column", p.Path, ColValue)
	}
	measure, err := measureOf(schema.Field(vi[0]).Type)
	if err != nil {
		return nil, err
	}

	indices := make([]int, 0, len(columns))
	for _, c := range columns {
		ix := schema.FieldIndices(c)
		if len(ix) != 1 {
			return nil, fmt.Errorf("parquet file %s: missing %q column", p.Path, c)
		}
		indices = append(indices, ix[0])
	}

	rows := int(pf.NumRows())
	if len(columns) == 0 {
		return &Table{measure: measure, rows: rows}, nil
	}

	rr, err := fr.GetRecordReader(ctx, indices, nil)
	if err != nil {
		return nil, fmt.Errorf("create record reader: %w", err)
	}
	defer rr.Release()

	chunks := make([][]arrow.Array, len(columns))
	release := func() {
		for _, cs := range chunks {
			for _, a := range cs {
				a.Release()
			}
		}
	}

	for rr.Next() {
		if err := ctx.Err(); err != nil {
			release()
			return nil, err
		}
		rec := rr.Record()
		for j := range columns {
			col := rec.Column(j)
			col.Retain()
			chunks[j] = append(chunks[j], col)
		}
	}
	if err := rr.Err(); err != nil {
		release()
		return nil, fmt.Errorf("read parquet records: %w", err)
	}

	cols := make(map[string]arrow.Array, len(columns))
	for j, c := range columns {
		if _, dup := cols[c]; dup {
			continue
		}
		a, err := concat(chunks[j], schema.Field(indices[j]).Type, mem)
		if err != nil {
			for _, done := range cols {
				done.Release()
			}
			release()
			return nil, err
		}
		cols[c] = a
	}
	release()

	return fromColumns(measure, rows, cols)
}

// concat flattens record-batch chunks into one array. The result holds its
// own reference.
func concat(chunks []arrow.Array, dt arrow.DataType, mem memory.Allocator) (arrow.Array, error) {
	switch len(chunks) {
	case 0:
		b := array.NewBuilder(mem, dt)
		defer b.Release()
		return b.NewArray(), nil
	case 1:
		chunks[0].Retain()
		return chunks[0], nil
	}
	a, err := array.Concatenate(chunks, mem)
	if err != nil {
		return nil, fmt.Errorf("concatenate column chunks: %w", err)
	}
	return a, nil
}
