// Package coverage computes the temporal coverage of a canonical table for
// inclusion in the dataset's catalog metadata.
package coverage

import (
	"errors"
	"fmt"
	"sort"

	"microdata/internal/dataset"
	"microdata/internal/epoch"
)

// FixedStart is the coverage start reported for FIXED datasets.
const FixedStart = "1900-01-01"

var (
	// ErrEmptyTable is returned for tables without rows.
	ErrEmptyTable = errors.New("coverage: empty table")
	// ErrNoCoverage is returned when no row carries a usable date.
	ErrNoCoverage = errors.New("coverage: no non-null temporal values")
)

// Columns lists what Summarize reads.
var Columns = []string{dataset.ColStart, dataset.ColStop}

// Summary is the coverage written into revision metadata.
type Summary struct {
	Start       string   `json:"start"`
	Latest      string   `json:"latest"`
	StatusDates []string `json:"statusDates,omitempty"`
}

// Summarize scans t once. t must carry the start and stop columns.
//
//   - FIXED: Start is FixedStart, Latest is the maximum stop.
//   - others: Start and Latest are the minimum and maximum over all non-null
//     start and stop values.
//   - STATUS: StatusDates lists the distinct start dates ascending.
func Summarize(t *dataset.Table, temporality dataset.Temporality) (Summary, error) {
	if _, err := dataset.ParseTemporality(string(temporality)); err != nil {
		return Summary{}, err
	}
	if t.NumRows() == 0 {
		return Summary{}, ErrEmptyTable
	}

	var (
		lo, hi int16
		seen   bool
		status map[int16]struct{}
	)
	if temporality == dataset.Status {
		status = make(map[int16]struct{})
	}
	see := func(d int16) {
		if !seen || d < lo {
			lo = d
		}
		if !seen || d > hi {
			hi = d
		}
		seen = true
	}

	for i := 0; i < t.NumRows(); i++ {
		if stop, ok := t.Stop(i); ok {
			see(stop)
		}
		if temporality == dataset.Fixed {
			continue
		}
		if start, ok := t.Start(i); ok {
			see(start)
			if status != nil {
				status[start] = struct{}{}
			}
		}
	}
	if !seen {
		return Summary{}, fmt.Errorf("%w (%s)", ErrNoCoverage, temporality)
	}

	s := Summary{Start: epoch.FormatDays(lo), Latest: epoch.FormatDays(hi)}
	if temporality == dataset.Fixed {
		s.Start = FixedStart
	}
	if status != nil {
		days := make([]int16, 0, len(status))
		for d := range status {
			days = append(days, d)
		}
		sort.Slice(days, func(i, j int) bool { return days[i] < days[j] })
		s.StatusDates = make([]string, len(days))
		for i, d := range days {
			s.StatusDates[i] = epoch.FormatDays(d)
		}
	}
	return s, nil
}

// MergeIntoMetadata writes s into meta["dataRevision"], creating the object
// when absent. Status dates are written only for STATUS datasets.
func MergeIntoMetadata(meta map[string]any, temporality dataset.Temporality, s Summary) error {
	if meta == nil {
		return errors.New("coverage: nil metadata")
	}
	rev, ok := meta["dataRevision"].(map[string]any)
	if !ok {
		if meta["dataRevision"] != nil {
			return fmt.Errorf("coverage: dataRevision is %T, want object", meta["dataRevision"])
		}
		rev = make(map[string]any)
		meta["dataRevision"] = rev
	}
	rev["temporalCoverageStart"] = s.Start
	rev["temporalCoverageLatest"] = s.Latest
	if temporality == dataset.Status {
		dates := append([]string(nil), s.StatusDates...)
		sort.Strings(dates)
		rev["temporalStatusDates"] = dates
	}
	return nil
}
