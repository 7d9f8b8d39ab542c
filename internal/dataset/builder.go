package dataset

import (
	"fmt"

	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"

	"microdata/internal/epoch"
)

// Row is one canonical observation. Nil pointers and a nil Value are nulls.
//
// Value must match the measure type: string (STRING), int64 (LONG),
// float64 (DOUBLE) or int16 epoch days (DATE).
type Row struct {
	UnitID *string
	Value  any
	Start  *int16
	Stop   *int16
}

// Str and Day are small helpers for building rows literally.
func Str(s string) *string { return &s }
func Day(d int16) *int16    { return &d }

// Builder accumulates rows into a Table. start_year is derived from Start.
type Builder struct {
	measure MeasureType
	rows    int

	unitID    *array.StringBuilder
	value     array.Builder
	startYear *array.StringBuilder
	start     *array.Int16Builder
	stop      *array.Int16Builder
}

// NewBuilder returns a builder for the given measure type. A nil allocator
// uses memory.DefaultAllocator.
func NewBuilder(measure MeasureType, mem memory.Allocator) (*Builder, error) {
	if mem == nil {
		mem = memory.DefaultAllocator
	}
	vt, err := valueType(measure)
	if err != nil {
		return nil, err
	}
	return &Builder{
		measure:   measure,
		unitID:    array.NewStringBuilder(mem),
		value:     array.NewBuilder(mem, vt),
		startYear: array.NewStringBuilder(mem),
		start:     array.NewInt16Builder(mem),
		stop:      array.NewInt16Builder(mem),
	}, nil
}

// Len returns the number of rows appended so far.
func (b *Builder) Len() int { return b.rows }

// Append adds one row. A value of the wrong Go type is rejected and nothing is
// appended.
func (b *Builder) Append(r Row) error {
	if err := b.appendValue(r.Value); err != nil {
		return err
	}
	if r.UnitID == nil {
		b.unitID.AppendNull()
	} else {
		b.unitID.Append(*r.UnitID)
	}
	if r.Start == nil {
		b.start.AppendNull()
		b.startYear.AppendNull()
	} else {
		b.start.Append(*r.Start)
		b.startYear.Append(epoch.FormatDays(*r.Start)[:4])
	}
	if r.Stop == nil {
		b.stop.AppendNull()
	} else {
		b.stop.Append(*r.Stop)
	}
	b.rows++
	return nil
}

func (b *Builder) appendValue(v any) error {
	if v == nil {
		b.value.AppendNull()
		return nil
	}
	switch vb := b.value.(type) {
	case *array.StringBuilder:
		if s, ok := v.(string); ok {
			vb.Append(s)
			return nil
		}
	case *array.Int64Builder:
		switch n := v.(type) {
		case int64:
			vb.Append(n)
			return nil
		case int:
			vb.Append(int64(n))
			return nil
		}
	case *array.Float64Builder:
		if f, ok := v.(float64); ok {
			vb.Append(f)
			return nil
		}
	case *array.Int16Builder:
		if d, ok := v.(int16); ok {
			vb.Append(d)
			return nil
		}
	}
	return fmt.Errorf("dataset: value %v (%T) does not match measure type %s", v, v, b.measure)
}

// Build finishes the table and resets the builder.
func (b *Builder) Build() *Table {
	t := &Table{
		measure:   b.measure,
		rows:      b.rows,
		unitID:    b.unitID.NewStringArray(),
		value:     b.value.NewArray(),
		startYear: b.startYear.NewStringArray(),
		start:     b.start.NewInt16Array(),
		stop:      b.stop.NewInt16Array(),
	}
	b.rows = 0
	return t
}

// Release frees builder memory. Tables already built are unaffected.
func (b *Builder) Release() {
	b.unitID.Release()
	b.value.Release()
	b.startYear.Release()
	b.start.Release()
	b.stop.Release()
}
