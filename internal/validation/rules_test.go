package validation

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"microdata/internal/dataset"
)

// obs is a compact row literal: nil pointers are nulls.
type obs struct {
	id    *string
	value any
	start *int16
	stop  *int16
}

func row(id string, start, stop *int16) obs {
	return obs{id: dataset.Str(id), value: "x", start: start, stop: stop}
}

func d(v int16) *int16 { return dataset.Day(v) }

func buildTable(t *testing.T, measure dataset.MeasureType, rows ...obs) *dataset.Table {
	t.Helper()
	b, err := dataset.NewBuilder(measure, nil)
	require.NoError(t, err)
	defer b.Release()
	for _, r := range rows {
		require.NoError(t, b.Append(dataset.Row{UnitID: r.id, Value: r.value, Start: r.start, Stop: r.stop}))
	}
	tbl := b.Build()
	t.Cleanup(tbl.Release)
	return tbl
}

func check(t *testing.T, r Rule, tbl *dataset.Table) error {
	t.Helper()
	p, err := tbl.Project(r.Columns...)
	require.NoError(t, err)
	defer p.Release()
	return r.Check(context.Background(), p)
}

func requireViolation(t *testing.T, err error, rule string) *ViolationError {
	t.Helper()
	var v *ViolationError
	require.True(t, errors.As(err, &v), "want violation of %s, got %v", rule, err)
	assert.Equal(t, rule, v.Rule)
	return v
}

func TestUnitIDRule(t *testing.T) {
	t.Parallel()

	ok := buildTable(t, dataset.MeasureString, row("A", nil, d(1)), row("B", nil, d(1)))
	require.NoError(t, check(t, UnitIDRule(), ok))

	bad := buildTable(t, dataset.MeasureString,
		row("A", nil, d(1)),
		obs{id: nil, value: "x", stop: d(1)},
		row("", nil, d(1)),
	)
	v := requireViolation(t, check(t, UnitIDRule(), bad), "unit_id")
	assert.Equal(t, []string{"row 2", "row 3"}, v.SampleIdentifiers)
}

func TestValueRule(t *testing.T) {
	t.Parallel()

	t.Run("string_empty_after_trim_fails", func(t *testing.T) {
		tbl := buildTable(t, dataset.MeasureString,
			obs{id: dataset.Str("A"), value: "x"},
			obs{id: dataset.Str("B"), value: ""},
			obs{id: dataset.Str("C"), value: "  "},
			obs{id: dataset.Str("D"), value: nil},
		)
		v := requireViolation(t, check(t, ValueRule(dataset.MeasureString), tbl), "value")
		assert.Equal(t, []string{"B", "C", "D"}, v.SampleIdentifiers)
	})

	t.Run("long_null_fails", func(t *testing.T) {
		tbl := buildTable(t, dataset.MeasureLong,
			obs{id: dataset.Str("A"), value: int64(0)},
			obs{id: dataset.Str("B"), value: nil},
		)
		v := requireViolation(t, check(t, ValueRule(dataset.MeasureLong), tbl), "value")
		assert.Equal(t, []string{"B"}, v.SampleIdentifiers)
	})

	t.Run("long_zero_passes", func(t *testing.T) {
		tbl := buildTable(t, dataset.MeasureLong, obs{id: dataset.Str("A"), value: int64(0)})
		require.NoError(t, check(t, ValueRule(dataset.MeasureLong), tbl))
	})
}

func TestValueRule_SampleIsBounded(t *testing.T) {
	t.Parallel()

	var rows []obs
	for _, id := range []string{"a", "b", "c", "d", "e", "f", "g"} {
		rows = append(rows, obs{id: dataset.Str(id), value: ""})
	}
	v := requireViolation(t, check(t, ValueRule(dataset.MeasureString), buildTable(t, dataset.MeasureString, rows...)), "value")
	assert.Equal(t, []string{"a", "b", "c", "d", "e"}, v.SampleIdentifiers)
}

func TestCodeListRule(t *testing.T) {
	t.Parallel()

	codes := []CodeListItem{{Code: "01", Description: "one"}, {Code: "02", Description: "two"}}
	sentinels := []CodeListItem{{Code: "99", Description: "unknown"}, {Code: "01", Description: "dup"}}

	tbl := buildTable(t, dataset.MeasureString,
		obs{id: dataset.Str("A"), value: "01"},
		obs{id: dataset.Str("B"), value: "99"},
	)
	require.NoError(t, check(t, CodeListRule(codes, sentinels), tbl), "sentinel code must pass")

	bad := buildTable(t, dataset.MeasureString,
		obs{id: dataset.Str("A"), value: "01"},
		obs{id: dataset.Str("B"), value: "X9"},
	)
	v := requireViolation(t, check(t, CodeListRule(codes, sentinels), bad), "code_list")
	assert.Equal(t, []string{"B"}, v.SampleIdentifiers)

	require.Error(t, check(t, CodeListRule(codes, nil), tbl), "99 is only a sentinel")
}

func TestCodeListRule_NonStringMeasures(t *testing.T) {
	t.Parallel()

	long := buildTable(t, dataset.MeasureLong, obs{id: dataset.Str("A"), value: int64(7)})
	require.NoError(t, check(t, CodeListRule([]CodeListItem{{Code: "7"}}, nil), long))
	require.Error(t, check(t, CodeListRule([]CodeListItem{{Code: "07"}}, nil), long))

	date := buildTable(t, dataset.MeasureDate, obs{id: dataset.Str("A"), value: int16(18262)})
	require.NoError(t, check(t, CodeListRule([]CodeListItem{{Code: "2020-01-01"}}, nil), date))
}

func TestTemporalRules(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		rule Rule
		rows []obs
		fail []string
	}{
		{name: "fixed_ok", rule: FixedTemporalRule(), rows: []obs{row("A", nil, d(5)), row("B", nil, d(6))}},
		{name: "fixed_start_set", rule: FixedTemporalRule(), rows: []obs{row("A", nil, d(5)), row("B", d(1), d(6))}, fail: []string{"B"}},
		{name: "fixed_stop_null", rule: FixedTemporalRule(), rows: []obs{row("A", nil, nil)}, fail: []string{"A"}},

		{name: "status_ok", rule: StatusTemporalRule(), rows: []obs{row("A", d(5), d(5))}},
		{name: "status_unequal", rule: StatusTemporalRule(), rows: []obs{row("A", d(5), d(5)), row("B", d(5), d(6))}, fail: []string{"B"}},
		{name: "status_null", rule: StatusTemporalRule(), rows: []obs{row("A", nil, d(5)), row("B", d(5), nil)}, fail: []string{"A", "B"}},

		{name: "event_ok_open", rule: EventTemporalRule(), rows: []obs{row("A", d(5), nil), row("B", d(5), d(6))}},
		{name: "event_start_null", rule: EventTemporalRule(), rows: []obs{row("A", nil, d(5))}, fail: []string{"A"}},
		{name: "event_stop_equal", rule: EventTemporalRule(), rows: []obs{row("A", d(5), d(5))}, fail: []string{"A"}},
		{name: "event_stop_before", rule: EventTemporalRule(), rows: []obs{row("A", d(5), d(4))}, fail: []string{"A"}},

		{name: "accumulated_ok", rule: AccumulatedTemporalRule(), rows: []obs{row("A", d(1), d(2))}},
		{name: "accumulated_stop_null", rule: AccumulatedTemporalRule(), rows: []obs{row("A", d(1), nil)}, fail: []string{"A"}},
		{name: "accumulated_stop_equal", rule: AccumulatedTemporalRule(), rows: []obs{row("A", d(1), d(1))}, fail: []string{"A"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := check(t, tt.rule, buildTable(t, dataset.MeasureString, tt.rows...))
			if tt.fail == nil {
				require.NoError(t, err)
				return
			}
			v := requireViolation(t, err, tt.rule.Name)
			assert.Equal(t, tt.fail, v.SampleIdentifiers)
		})
	}
}

func TestAsFailure(t *testing.T) {
	t.Parallel()

	_, ok := AsFailure(nil)
	assert.False(t, ok)

	f, ok := AsFailure(&ViolationError{Rule: "unit_id", Message: "bad", SampleIdentifiers: []string{"A"}})
	require.True(t, ok)
	assert.Equal(t, Failure{Message: "bad", SampleIdentifiers: []string{"A"}}, f)

	f, ok = AsFailure(errors.New("parse error: 1 invalid row(s)"))
	require.True(t, ok)
	assert.Equal(t, "parse error: 1 invalid row(s)", f.Message)
	assert.Nil(t, f.SampleIdentifiers)
}

func TestSmallest(t *testing.T) {
	t.Parallel()

	var s smallest
	for _, id := range []string{"g", "c", "a", "c", "f", "b", "e", "d"} {
		s.add(id)
	}
	assert.Equal(t, []string{"a", "b", "c", "d", "e"}, s.ids)
}
