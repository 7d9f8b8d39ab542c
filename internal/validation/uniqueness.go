package validation

import (
	"context"
	"sort"
	"unicode/utf8"

	"microdata/internal/dataset"
)

// BucketFunc maps an identifier to its uniqueness bucket. Any function gives
// the same verdict; it only decides how the working set is split.
type BucketFunc func(id string) string

// FirstRune buckets identifiers by their first character.
func FirstRune(id string) string {
	_, n := utf8.DecodeRuneInString(id)
	return id[:n]
}

// UniqueIdentifiersRule requires every unit_id to occur at most once. Rows are
// partitioned with bucket (FirstRune when nil) and each bucket is checked on
// its own: its distinct identifier count must equal its row count. Buckets
// are collected one at a time, so only one bucket's identifier set is held.
//
// The sample lists the lexicographically smallest duplicated identifiers,
// which does not depend on the bucketing.
func UniqueIdentifiersRule(bucket BucketFunc) Rule {
	if bucket == nil {
		bucket = FirstRune
	}
	const name = "unique_identifiers"
	return Rule{
		Name:    name,
		Columns: []string{dataset.ColUnitID},
		Check: func(ctx context.Context, t *dataset.Table) error {
			keys, err := bucketKeys(ctx, t, bucket)
			if err != nil {
				return err
			}

			var (
				dups   smallest
				failed bool
			)
			for _, k := range keys {
				rows := 0
				seen := make(map[string]struct{})
				for i := 0; i < t.NumRows(); i++ {
					if i%ctxCheckEvery == 0 {
						if err := ctx.Err(); err != nil {
							return err
						}
					}
					id, ok := t.UnitID(i)
					if !ok || bucket(id) != k {
						continue
					}
					rows++
					if _, dup := seen[id]; dup {
						dups.add(id)
						continue
					}
					seen[id] = struct{}{}
				}
				if len(seen) != rows {
					failed = true
				}
			}
			if !failed {
				return nil
			}
			return &ViolationError{Rule: name, Message: "unit_id must be unique for temporality FIXED", SampleIdentifiers: dups.ids}
		},
	}
}

// bucketKeys returns the distinct bucket keys of the table, sorted.
func bucketKeys(ctx context.Context, t *dataset.Table, bucket BucketFunc) ([]string, error) {
	set := make(map[string]struct{})
	for i := 0; i < t.NumRows(); i++ {
		if i%ctxCheckEvery == 0 {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
		}
		if id, ok := t.UnitID(i); ok {
			set[bucket(id)] = struct{}{}
		}
	}
	keys := make([]string, 0, len(set))
	for k := range set {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys, nil
}

// StatusUniquenessRule requires unit_ids to be distinct among the rows of each
// status date (start_epoch_days). Rows without a start are left to the
// temporal field rule.
func StatusUniquenessRule() Rule {
	const name = "status_uniqueness"
	return Rule{
		Name:    name,
		Columns: []string{dataset.ColUnitID, dataset.ColStart},
		Check: func(ctx context.Context, t *dataset.Table) error {
			byDate := make(map[int16]map[string]struct{})
			var dups smallest
			for i := 0; i < t.NumRows(); i++ {
				if i%ctxCheckEvery == 0 {
					if err := ctx.Err(); err != nil {
						return err
					}
				}
				start, ok := t.Start(i)
				if !ok {
					continue
				}
				id, ok := t.UnitID(i)
				if !ok {
					continue
				}
				ids := byDate[start]
				if ids == nil {
					ids = make(map[string]struct{})
					byDate[start] = ids
				}
				if _, dup := ids[id]; dup {
					dups.add(id)
					continue
				}
				ids[id] = struct{}{}
			}
			if dups.empty() {
				return nil
			}
			return &ViolationError{Rule: name, Message: "unit_id must be unique per status date for temporality STATUS", SampleIdentifiers: dups.ids}
		},
	}
}
