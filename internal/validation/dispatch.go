// Package validation checks a canonical table against its declared
// temporality. Rules run in a fixed order and the first failing rule rejects
// the whole dataset.
package validation

import (
	"time"

	"microdata/internal/dataset"
)

// CodeListItem is one permitted value.
type CodeListItem struct {
	Code        string `json:"code" koanf:"code"`
	Description string `json:"description" koanf:"description"`
}

// Context is what a dataset declares about itself.
type Context struct {
	MeasureType  dataset.MeasureType
	Temporality  dataset.Temporality
	CodeList     []CodeListItem
	SentinelList []CodeListItem
}

// Options tune how rules execute. The zero value is usable.
type Options struct {
	// OverlapBatchSize is the distinct identifiers per overlap batch.
	// 0 means DefaultOverlapBatchSize; negative means one batch.
	OverlapBatchSize int

	// Workers bounds concurrent overlap batches; <= 0 means 1.
	Workers int

	// Bucket partitions identifiers for the FIXED uniqueness check.
	// Nil means FirstRune.
	Bucket BucketFunc

	// ReadTimeout bounds each rule's read from the table store; 0 disables it.
	ReadTimeout time.Duration
}

// Rules returns the ordered rules for c: identifier, value, code list (when
// a code list is given), temporal fields, then uniqueness or overlap.
func Rules(c Context, opt Options) ([]Rule, error) {
	measure, err := dataset.ParseMeasureType(string(c.MeasureType))
	if err != nil {
		return nil, err
	}
	temporality, err := dataset.ParseTemporality(string(c.Temporality))
	if err != nil {
		return nil, err
	}

	rules := []Rule{UnitIDRule(), ValueRule(measure)}
	if len(c.CodeList) > 0 {
		rules = append(rules, CodeListRule(c.CodeList, c.SentinelList))
	}

	switch temporality {
	case dataset.Fixed:
		rules = append(rules, FixedTemporalRule(), UniqueIdentifiersRule(opt.Bucket))
	case dataset.Status:
		rules = append(rules, StatusTemporalRule(), StatusUniquenessRule())
	case dataset.Accumulated:
		rules = append(rules, AccumulatedTemporalRule(), NoOverlapRule(opt.OverlapBatchSize, opt.Workers))
	case dataset.Event:
		rules = append(rules, EventTemporalRule(), NoOverlapRule(opt.OverlapBatchSize, opt.Workers))
	}
	return rules, nil
}
