package validation

import (
	"context"
	"strconv"
	"strings"

	"microdata/internal/dataset"
)

// Rule is one validation step. Columns lists what Check reads; the validator
// hands Check a table projected to exactly those columns.
type Rule struct {
	Name    string
	Columns []string
	Check   func(ctx context.Context, t *dataset.Table) error
}

// ctxCheckEvery is how many rows a scan processes between ctx checks.
const ctxCheckEvery = 1 << 16

// predicateRule builds a single-pass rule that fails when any row satisfies
// bad. The sample holds the unit_id of the first offending rows.
func predicateRule(name, message string, columns []string, bad func(t *dataset.Table, i int) bool) Rule {
	cols := append([]string{dataset.ColUnitID}, columns...)
	return Rule{
		Name:    name,
		Columns: cols,
		Check: func(ctx context.Context, t *dataset.Table) error {
			var s sample
			for i := 0; i < t.NumRows(); i++ {
				if i%ctxCheckEvery == 0 {
					if err := ctx.Err(); err != nil {
						return err
					}
				}
				if bad(t, i) {
					s.add(identifierOrRow(t, i))
				}
			}
			if s.total == 0 {
				return nil
			}
			return &ViolationError{Rule: name, Message: message, SampleIdentifiers: s.ids}
		},
	}
}

// identifierOrRow names row i by its unit_id, or by its 1-based row number
// when the unit_id itself is missing.
func identifierOrRow(t *dataset.Table, i int) string {
	if id, ok := t.UnitID(i); ok && id != "" {
		return id
	}
	return "row " + strconv.Itoa(i+1)
}

// UnitIDRule requires a non-null, non-empty unit_id.
func UnitIDRule() Rule {
	return predicateRule("unit_id", "unit_id must be non-null and non-empty", nil,
		func(t *dataset.Table, i int) bool {
			id, ok := t.UnitID(i)
			return !ok || id == ""
		})
}

// ValueRule requires a non-null value; STRING values must also be non-empty
// after trimming.
func ValueRule(measure dataset.MeasureType) Rule {
	if measure == dataset.MeasureString {
		return predicateRule("value", "value must be non-null and non-empty", []string{dataset.ColValue},
			func(t *dataset.Table, i int) bool {
				v, ok := t.ValueString(i)
				return !ok || strings.TrimSpace(v) == ""
			})
	}
	return predicateRule("value", "value must be non-null", []string{dataset.ColValue},
		func(t *dataset.Table, i int) bool { return t.ValueIsNull(i) })
}

// CodeListRule requires every value to be one of the codes of the code list
// or the sentinel list. Non-string values are compared in their canonical
// text form (dates as YYYY-MM-DD).
func CodeListRule(codeList, sentinelList []CodeListItem) Rule {
	codes := make(map[string]struct{}, len(codeList)+len(sentinelList))
	for _, it := range codeList {
		codes[it.Code] = struct{}{}
	}
	for _, it := range sentinelList {
		codes[it.Code] = struct{}{}
	}
	return predicateRule("code_list", "value not present in code list or sentinel list", []string{dataset.ColValue},
		func(t *dataset.Table, i int) bool {
			v, ok := t.ValueString(i)
			if !ok {
				return true
			}
			_, found := codes[v]
			return !found
		})
}

var temporalColumns = []string{dataset.ColStart, dataset.ColStop}

// FixedTemporalRule: start must be null and stop non-null.
func FixedTemporalRule() Rule {
	return predicateRule("fixed_temporal", "start must be empty and stop must be set for temporality FIXED", temporalColumns,
		func(t *dataset.Table, i int) bool {
			_, hasStart := t.Start(i)
			_, hasStop := t.Stop(i)
			return hasStart || !hasStop
		})
}

// StatusTemporalRule: start and stop non-null and equal.
func StatusTemporalRule() Rule {
	return predicateRule("status_temporal", "start and stop must be set and equal for temporality STATUS", temporalColumns,
		func(t *dataset.Table, i int) bool {
			start, hasStart := t.Start(i)
			stop, hasStop := t.Stop(i)
			return !hasStart || !hasStop || start != stop
		})
}

// EventTemporalRule: start non-null; a non-null stop must be after start. A
// null stop means the event is ongoing.
func EventTemporalRule() Rule {
	return predicateRule("event_temporal", "start must be set and stop, when set, must be after start for temporality EVENT", temporalColumns,
		func(t *dataset.Table, i int) bool {
			start, hasStart := t.Start(i)
			if !hasStart {
				return true
			}
			stop, hasStop := t.Stop(i)
			return hasStop && stop <= start
		})
}

// AccumulatedTemporalRule: start and stop non-null, stop after start.
func AccumulatedTemporalRule() Rule {
	return predicateRule("accumulated_temporal", "start and stop must be set and stop must be after start for temporality ACCUMULATED", temporalColumns,
		func(t *dataset.Table, i int) bool {
			start, hasStart := t.Start(i)
			stop, hasStop := t.Stop(i)
			return !hasStart || !hasStop || stop <= start
		})
}
