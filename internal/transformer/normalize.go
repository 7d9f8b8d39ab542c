package transformer

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/apache/arrow-go/v18/arrow/memory"

	"microdata/internal/dataset"
	"microdata/internal/epoch"
)

// FieldCount is the fixed positional layout: unit_id;value;start;stop;attributes.
const FieldCount = 5

const (
	fieldUnitID = iota
	fieldValue
	fieldStart
	fieldStop
	fieldAttributes
)

// Normalizer is the final pipeline stage: it coerces raw rows to the declared
// measure type, encodes dates as epoch days and appends them to a canonical
// table. It performs no validation beyond type coercion.
type Normalizer struct {
	Measure dataset.MeasureType

	// Mem defaults to memory.DefaultAllocator.
	Mem memory.Allocator

	// Comma is the separator the rows were split on, used to diagnose files
	// written with another one. 0 means ';'.
	Comma rune

	// Errors receives per-row problems. Nil allocates a private collector.
	// Sharing one collector with the parser yields a single aggregated error.
	Errors *Collector
}

// Normalize consumes in until it is closed. Rows are freed after use.
//
// On success it returns the built table, which the caller must release. If any
// row was rejected (here or by an upstream stage reporting into n.Errors) it
// returns a *ParseError and no table.
func (n *Normalizer) Normalize(ctx context.Context, in <-chan *Row) (*dataset.Table, error) {
	errs := n.Errors
	if errs == nil {
		errs = &Collector{}
	}

	b, err := dataset.NewBuilder(n.Measure, n.Mem)
	if err != nil {
		// Keep the upstream stage from blocking on a full channel.
		for r := range in {
			r.Drop()
		}
		return nil, err
	}
	defer b.Release()

	for r := range in {
		// On cancellation: drain without re-pooling (prevents reuse races).
		if ctx.Err() != nil {
			r.Drop()
			continue
		}

		// Once the input is known bad, only keep collecting diagnostics.
		row, ok := n.normalizeRow(r, errs)
		if ok && errs.Len() == 0 {
			if err := b.Append(row); err != nil {
				errs.Add(r.Line, "%v", err)
			}
		}
		r.Free()
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := errs.Err(); err != nil {
		return nil, err
	}
	return b.Build(), nil
}

func (n *Normalizer) normalizeRow(r *Row, errs *Collector) (dataset.Row, bool) {
	if len(r.F) != FieldCount {
		if r.Line == 1 && len(r.F) == 1 {
			if sep, ok := n.foreignSeparator(r.F[0]); ok {
				errs.Add(r.Line, "invalid field separator %s; use %s", strconv.Quote(string(sep)), strconv.Quote(string(n.comma())))
				return dataset.Row{}, false
			}
		}
		errs.Add(r.Line, "expected %d columns, got %d: %s", FieldCount, len(r.F), strings.Join(r.F, ";"))
		return dataset.Row{}, false
	}

	ok := true
	unitID := strings.TrimSpace(r.F[fieldUnitID])
	out := dataset.Row{UnitID: &unitID}
	if !utf8.ValidString(unitID) {
		errs.Add(r.Line, "column #%d: unit_id is not valid UTF-8 %s", fieldUnitID, strconv.Quote(unitID))
		ok = false
	}

	v, err := parseValue(n.Measure, r.F[fieldValue])
	if err != nil {
		errs.Add(r.Line, "column #%d: %v", fieldValue, err)
		ok = false
	}
	out.Value = v

	if out.Start, err = parseOptionalDate(r.F[fieldStart]); err != nil {
		errs.Add(r.Line, "column #%d: START %v", fieldStart, err)
		ok = false
	}
	if out.Stop, err = parseOptionalDate(r.F[fieldStop]); err != nil {
		errs.Add(r.Line, "column #%d: STOP %v", fieldStop, err)
		ok = false
	}
	return out, ok
}

func (n *Normalizer) comma() rune {
	if n.Comma == 0 {
		return ';'
	}
	return n.Comma
}

// foreignSeparator reports a common separator other than the configured one
// found in a single-field record.
func (n *Normalizer) foreignSeparator(field string) (rune, bool) {
	for _, sep := range []rune{';', ',', '\t', '|'} {
		if sep != n.comma() && strings.ContainsRune(field, sep) {
			return sep, true
		}
	}
	return 0, false
}

func parseValue(measure dataset.MeasureType, s string) (any, error) {
	switch measure {
	case dataset.MeasureString:
		if !utf8.ValidString(s) {
			return nil, invalidValue(measure, s)
		}
		return strings.TrimSpace(s), nil
	case dataset.MeasureLong:
		n, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			return nil, invalidValue(measure, s)
		}
		return n, nil
	case dataset.MeasureDouble:
		f, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return nil, invalidValue(measure, s)
		}
		return f, nil
	case dataset.MeasureDate:
		d, err := epoch.ParseDate(s)
		if errors.Is(err, epoch.ErrOutOfRange) {
			return nil, err
		}
		if err != nil {
			return nil, invalidValue(measure, s)
		}
		return d, nil
	}
	return nil, dataset.ErrUnsupportedMeasureType
}

func invalidValue(measure dataset.MeasureType, s string) error {
	return errors.New("invalid " + string(measure) + " value " + strconv.Quote(s))
}

// parseOptionalDate maps an empty field to null.
func parseOptionalDate(s string) (*int16, error) {
	if s == "" {
		return nil, nil
	}
	d, err := epoch.ParseDate(s)
	if errors.Is(err, epoch.ErrOutOfRange) {
		return nil, err
	}
	if err != nil {
		return nil, errors.New("date not valid - " + strconv.Quote(s))
	}
	return &d, nil
}
