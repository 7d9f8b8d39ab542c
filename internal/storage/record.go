package storage

import (
	"encoding/json"
	"fmt"
	"time"
)

// Status is the verdict of a validation run.
type Status string

const (
	StatusAccepted Status = "ACCEPTED"
	StatusRejected Status = "REJECTED"
)

// TableName is the ledger table created by EnsureSchema.
const TableName = "validation_runs"

// RunRecord is one row of the ledger.
type RunRecord struct {
	RunID       string `json:"runId"`
	Dataset     string `json:"dataset"`
	Temporality string `json:"temporality"`
	MeasureType string `json:"measureType"`
	Rows        int64  `json:"rows"`
	Checksum    string `json:"checksum,omitempty"`

	Status            Status   `json:"status"`
	FailedRule        string   `json:"failedRule,omitempty"`
	Message           string   `json:"message,omitempty"`
	SampleIdentifiers []string `json:"sampleIdentifiers,omitempty"`

	CoverageStart  string   `json:"coverageStart,omitempty"`
	CoverageLatest string   `json:"coverageLatest,omitempty"`
	StatusDates    []string `json:"statusDates,omitempty"`

	StartedAt  time.Time `json:"startedAt"`
	FinishedAt time.Time `json:"finishedAt"`
}

// Columns is the insert order shared by every backend.
var Columns = []string{
	"run_id", "dataset", "temporality", "measure_type", "row_count", "checksum",
	"status", "failed_rule", "message", "sample_ids",
	"coverage_start", "coverage_latest", "status_dates",
	"started_at", "finished_at",
}

// Validate checks the fields every backend relies on.
func (r RunRecord) Validate() error {
	switch {
	case r.RunID == "":
		return fmt.Errorf("storage: run id is empty")
	case r.Dataset == "":
		return fmt.Errorf("storage: run %s: dataset is empty", r.RunID)
	case r.Status != StatusAccepted && r.Status != StatusRejected:
		return fmt.Errorf("storage: run %s: invalid status %q", r.RunID, r.Status)
	}
	return nil
}

// Args returns the values for Columns. List fields are stored as JSON text
// and timestamps are passed through for the backend to encode.
func (r RunRecord) Args() ([]any, error) {
	samples, err := EncodeList(r.SampleIdentifiers)
	if err != nil {
		return nil, err
	}
	dates, err := EncodeList(r.StatusDates)
	if err != nil {
		return nil, err
	}
	return []any{
		r.RunID, r.Dataset, r.Temporality, r.MeasureType, r.Rows, r.Checksum,
		string(r.Status), r.FailedRule, r.Message, samples,
		r.CoverageStart, r.CoverageLatest, dates,
		r.StartedAt.UTC(), r.FinishedAt.UTC(),
	}, nil
}

// EncodeList stores a string list as a JSON array; nil and empty lists are "".
func EncodeList(v []string) (string, error) {
	if len(v) == 0 {
		return "", nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("encode list: %w", err)
	}
	return string(b), nil
}

// DecodeList is the inverse of EncodeList.
func DecodeList(s string) ([]string, error) {
	if s == "" {
		return nil, nil
	}
	var out []string
	if err := json.Unmarshal([]byte(s), &out); err != nil {
		return nil, fmt.Errorf("decode list: %w", err)
	}
	return out, nil
}
