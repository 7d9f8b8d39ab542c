package pipeline

import (
	"time"

	"microdata/internal/coverage"
	"microdata/internal/storage"
	"microdata/internal/validation"
)

// Report is the outcome of Runner.Run.
type Report struct {
	RunID       string `json:"runId"`
	Dataset     string `json:"dataset"`
	Temporality string `json:"temporality"`
	MeasureType string `json:"measureType"`
	Source      string `json:"source"`

	Rows     int    `json:"rows"`
	Checksum string `json:"checksum,omitempty"`

	Status     storage.Status      `json:"status"`
	FailedRule string              `json:"failedRule,omitempty"`
	Failure    *validation.Failure `json:"failure,omitempty"`

	Coverage     *coverage.Summary `json:"coverage,omitempty"`
	TableFile    string            `json:"tableFile,omitempty"`
	MetadataFile string            `json:"metadataFile,omitempty"`

	StartedAt  time.Time `json:"startedAt"`
	FinishedAt time.Time `json:"finishedAt"`
}

// Accepted reports whether every rule passed.
func (r Report) Accepted() bool { return r.Status == storage.StatusAccepted }

// Record converts the report into a ledger row.
func (r Report) Record() storage.RunRecord {
	rec := storage.RunRecord{
		RunID:       r.RunID,
		Dataset:     r.Dataset,
		Temporality: r.Temporality,
		MeasureType: r.MeasureType,
		Rows:        int64(r.Rows),
		Checksum:    r.Checksum,
		Status:      r.Status,
		FailedRule:  r.FailedRule,
		StartedAt:   r.StartedAt,
		FinishedAt:  r.FinishedAt,
	}
	if r.Failure != nil {
		rec.Message = r.Failure.Message
		rec.SampleIdentifiers = r.Failure.SampleIdentifiers
	}
	if r.Coverage != nil {
		rec.CoverageStart = r.Coverage.Start
		rec.CoverageLatest = r.Coverage.Latest
		rec.StatusDates = r.Coverage.StatusDates
	}
	return rec
}
