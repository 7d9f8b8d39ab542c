// Package dataset holds the canonical columnar observation table shared by the
// normalizer, the coverage summarizer and the validation rules.
//
// The table is arrow-backed. One Table is immutable once built: rules read it
// through accessor methods and never mutate it. Tables returned by a
// TableReader may carry only a subset of columns (column pruning); accessing a
// column that was not read panics, so rules must declare what they need.
package dataset

import (
	"context"
	"fmt"
	"strconv"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"

	"microdata/internal/epoch"
)

// Canonical column names.
const (
	ColUnitID    = "unit_id"
	ColValue     = "value"
	ColStartYear = "start_year"
	ColStart     = "start_epoch_days"
	ColStop      = "stop_epoch_days"
)

// Columns lists the canonical columns in storage order.
var Columns = []string{ColUnitID, ColValue, ColStartYear, ColStart, ColStop}

// Schema returns the arrow schema of the canonical table for a measure type.
func Schema(measure MeasureType) (*arrow.Schema, error) {
	vt, err := valueType(measure)
	if err != nil {
		return nil, err
	}
	return arrow.NewSchema([]arrow.Field{
		{Name: ColUnitID, Type: arrow.BinaryTypes.String, Nullable: true},
		{Name: ColValue, Type: vt, Nullable: true},
		{Name: ColStartYear, Type: arrow.BinaryTypes.String, Nullable: true},
		{Name: ColStart, Type: arrow.PrimitiveTypes.Int16, Nullable: true},
		{Name: ColStop, Type: arrow.PrimitiveTypes.Int16, Nullable: true},
	}, nil), nil
}

func valueType(measure MeasureType) (arrow.DataType, error) {
	switch measure {
	case MeasureString:
		return arrow.BinaryTypes.String, nil
	case MeasureLong:
		return arrow.PrimitiveTypes.Int64, nil
	case MeasureDouble:
		return arrow.PrimitiveTypes.Float64, nil
	case MeasureDate:
		return arrow.PrimitiveTypes.Int16, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedMeasureType, measure)
	}
}

func measureOf(dt arrow.DataType) (MeasureType, error) {
	switch dt.ID() {
	case arrow.STRING:
		return MeasureString, nil
	case arrow.INT64:
		return MeasureLong, nil
	case arrow.FLOAT64:
		return MeasureDouble, nil
	case arrow.INT16:
		return MeasureDate, nil
	default:
		return "", fmt.Errorf("%w: value column type %s", ErrUnsupportedMeasureType, dt)
	}
}

// Table is the canonical observation table (or a column projection of it).
type Table struct {
	measure MeasureType
	rows    int

	unitID    *array.String
	value     arrow.Array
	startYear *array.String
	start     *array.Int16
	stop      *array.Int16
}

// NumRows returns the number of observations.
func (t *Table) NumRows() int { return t.rows }

// MeasureType returns the declared type of the value column.
func (t *Table) MeasureType() MeasureType { return t.measure }

// Has reports whether the named column is present in this projection.
func (t *Table) Has(column string) bool {
	switch column {
	case ColUnitID:
		return t.unitID != nil
	case ColValue:
		return t.value != nil
	case ColStartYear:
		return t.startYear != nil
	case ColStart:
		return t.start != nil
	case ColStop:
		return t.stop != nil
	}
	return false
}

// UnitID returns the identifier of row i and whether it is non-null.
func (t *Table) UnitID(i int) (string, bool) {
	if t.unitID.IsNull(i) {
		return "", false
	}
	return t.unitID.Value(i), true
}

// Start returns start_epoch_days of row i and whether it is non-null.
func (t *Table) Start(i int) (int16, bool) {
	if t.start.IsNull(i) {
		return 0, false
	}
	return t.start.Value(i), true
}

// Stop returns stop_epoch_days of row i and whether it is non-null.
func (t *Table) Stop(i int) (int16, bool) {
	if t.stop.IsNull(i) {
		return 0, false
	}
	return t.stop.Value(i), true
}

// StartYear returns start_year of row i and whether it is non-null.
func (t *Table) StartYear(i int) (string, bool) {
	if t.startYear.IsNull(i) {
		return "", false
	}
	return t.startYear.Value(i), true
}

// ValueIsNull reports whether the value of row i is null.
func (t *Table) ValueIsNull(i int) bool { return t.value.IsNull(i) }

// Value returns the typed value of row i: string, int64, float64 or int16
// (epoch days) depending on the measure type. Null values return nil.
func (t *Table) Value(i int) any {
	if t.value.IsNull(i) {
		return nil
	}
	switch v := t.value.(type) {
	case *array.String:
		return v.Value(i)
	case *array.Int64:
		return v.Value(i)
	case *array.Float64:
		return v.Value(i)
	case *array.Int16:
		return v.Value(i)
	}
	return nil
}

// ValueString returns the canonical text form of the value of row i, the form
// code lists are written in. Dates are formatted YYYY-MM-DD.
func (t *Table) ValueString(i int) (string, bool) {
	switch v := t.Value(i).(type) {
	case nil:
		return "", false
	case string:
		return v, true
	case int64:
		return strconv.FormatInt(v, 10), true
	case float64:
		return strconv.FormatFloat(v, 'g', -1, 64), true
	case int16:
		return epoch.FormatDays(v), true
	}
	return "", false
}

// Project returns a table sharing the requested columns. The result must be
// released independently of t.
func (t *Table) Project(columns ...string) (*Table, error) {
	out := &Table{measure: t.measure, rows: t.rows}
	for _, c := range columns {
		if !t.Has(c) {
			out.Release()
			return nil, fmt.Errorf("dataset: column %q not present", c)
		}
		if out.Has(c) {
			continue
		}
		switch c {
		case ColUnitID:
			t.unitID.Retain()
			out.unitID = t.unitID
		case ColValue:
			t.value.Retain()
			out.value = t.value
		case ColStartYear:
			t.startYear.Retain()
			out.startYear = t.startYear
		case ColStart:
			t.start.Retain()
			out.start = t.start
		case ColStop:
			t.stop.Retain()
			out.stop = t.stop
		}
	}
	return out, nil
}

// Record assembles a full-width arrow record for persistence. All columns
// must be present. The caller must release the record.
func (t *Table) Record() (arrow.Record, error) {
	for _, c := range Columns {
		if !t.Has(c) {
			return nil, fmt.Errorf("dataset: column %q not present", c)
		}
	}
	schema, err := Schema(t.measure)
	if err != nil {
		return nil, err
	}
	cols := []arrow.Array{t.unitID, t.value, t.startYear, t.start, t.stop}
	return array.NewRecord(schema, cols, int64(t.rows)), nil
}

// Release drops the references held on the column arrays.
func (t *Table) Release() {
	if t == nil {
		return
	}
	if t.unitID != nil {
		t.unitID.Release()
	}
	if t.value != nil {
		t.value.Release()
	}
	if t.startYear != nil {
		t.startYear.Release()
	}
	if t.start != nil {
		t.start.Release()
	}
	if t.stop != nil {
		t.stop.Release()
	}
	t.unitID, t.value, t.startYear, t.start, t.stop = nil, nil, nil, nil, nil
}

// ReadColumns lets an in-memory table serve as a TableReader.
func (t *Table) ReadColumns(_ context.Context, columns ...string) (*Table, error) {
	return t.Project(columns...)
}

// fromColumns builds a table from named column arrays. Ownership of the
// arrays passes to the table; on error they are all released.
func fromColumns(measure MeasureType, rows int, cols map[string]arrow.Array) (*Table, error) {
	t := &Table{measure: measure, rows: rows}
	var err error
	for name, a := range cols {
		if a.Len() != rows {
			err = fmt.Errorf("dataset: column %q has %d rows, want %d", name, a.Len(), rows)
			break
		}
		ok := true
		switch name {
		case ColUnitID:
			t.unitID, ok = a.(*array.String)
		case ColValue:
			t.value = a
		case ColStartYear:
			t.startYear, ok = a.(*array.String)
		case ColStart:
			t.start, ok = a.(*array.Int16)
		case ColStop:
			t.stop, ok = a.(*array.Int16)
		default:
			ok = false
		}
		if !ok {
			err = fmt.Errorf("dataset: unexpected column %q of type %s", name, a.DataType())
			break
		}
	}
	if err != nil {
		for _, a := range cols {
			a.Release()
		}
		return nil, err
	}
	return t, nil
}
