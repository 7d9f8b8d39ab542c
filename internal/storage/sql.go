package storage

import (
	"fmt"
	"strings"
	"time"
)

// ColumnTypes maps the ledger's logical column kinds to a dialect's types.
type ColumnTypes struct {
	Key       string // run_id primary key
	Text      string // short identifiers and enums
	LongText  string // messages and JSON lists
	BigInt    string
	Timestamp string
}

// ColumnDefs returns the column definitions for TableName in Columns order.
func ColumnDefs(ct ColumnTypes) []string {
	defs := make([]string, 0, len(Columns))
	for _, c := range Columns {
		typ := ct.Text
		switch c {
		case "run_id":
			defs = append(defs, c+" "+ct.Key+" PRIMARY KEY")
			continue
		case "row_count":
			typ = ct.BigInt
		case "message", "sample_ids", "status_dates":
			typ = ct.LongText
		case "started_at", "finished_at":
			typ = ct.Timestamp
		}
		defs = append(defs, c+" "+typ+" NOT NULL")
	}
	return defs
}

// InsertSQL builds the single-row insert for TableName. placeholder renders
// the 1-based argument index in the backend's bind syntax.
func InsertSQL(table string, placeholder func(i int) string) string {
	ph := make([]string, len(Columns))
	for i := range Columns {
		ph[i] = placeholder(i + 1)
	}
	return fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
		table, strings.Join(Columns, ", "), strings.Join(ph, ", "))
}

// SelectList is the column list used by every LatestRun query.
func SelectList() string { return strings.Join(Columns, ", ") }

// Scanner is satisfied by *sql.Row, *sql.Rows and pgx.Row.
type Scanner interface {
	Scan(dest ...any) error
}

// ScanRun reads one row selected with SelectList. Timestamps are scanned
// into interface values because drivers disagree on their Go type.
func ScanRun(row Scanner) (RunRecord, error) {
	var (
		r                     RunRecord
		status, samples       string
		dates                 string
		startedRaw, finishRaw any
	)
	err := row.Scan(
		&r.RunID, &r.Dataset, &r.Temporality, &r.MeasureType, &r.Rows, &r.Checksum,
		&status, &r.FailedRule, &r.Message, &samples,
		&r.CoverageStart, &r.CoverageLatest, &dates,
		&startedRaw, &finishRaw,
	)
	if err != nil {
		return RunRecord{}, err
	}
	r.Status = Status(status)
	if r.SampleIdentifiers, err = DecodeList(samples); err != nil {
		return RunRecord{}, err
	}
	if r.StatusDates, err = DecodeList(dates); err != nil {
		return RunRecord{}, err
	}
	if r.StartedAt, err = ParseTime(startedRaw); err != nil {
		return RunRecord{}, fmt.Errorf("started_at: %w", err)
	}
	if r.FinishedAt, err = ParseTime(finishRaw); err != nil {
		return RunRecord{}, fmt.Errorf("finished_at: %w", err)
	}
	return r, nil
}

// TimeLayout is a fixed-width RFC3339 layout, so stored text timestamps sort
// chronologically.
const TimeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// FormatTime renders t in UTC with TimeLayout.
func FormatTime(t time.Time) string {
	return t.UTC().Format(TimeLayout)
}

// ParseTime converts a scanned timestamp into UTC time.
//
// Supported inputs:
//   - time.Time (pgx, go-mssqldb)
//   - string or []byte in RFC3339Nano, RFC3339 or the common SQLite forms
//     "2006-01-02 15:04:05Z07:00", "2006-01-02 15:04:05.999999999Z07:00" and
//     "2006-01-02 15:04:05" (interpreted as UTC)
func ParseTime(v any) (time.Time, error) {
	var s string
	switch t := v.(type) {
	case time.Time:
		return t.UTC(), nil
	case string:
		s = t
	case []byte:
		s = string(t)
	default:
		return time.Time{}, fmt.Errorf("unsupported time value %T", v)
	}

	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, fmt.Errorf("empty time string")
	}
	for _, layout := range []string{
		time.RFC3339Nano,
		time.RFC3339,
		"2006-01-02 15:04:05Z07:00",
		"2006-01-02 15:04:05.999999999Z07:00",
	} {
		if ts, err := time.Parse(layout, s); err == nil {
			return ts.UTC(), nil
		}
	}
	if ts, err := time.ParseInLocation("2006-01-02 15:04:05", s, time.UTC); err == nil {
		return ts.UTC(), nil
	}
	return time.Time{}, fmt.Errorf("unsupported time format: %q", s)
}
