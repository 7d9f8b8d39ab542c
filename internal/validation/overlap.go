package validation

import (
	"context"
	"sort"

	"golang.org/x/sync/errgroup"

	"microdata/internal/dataset"
	"microdata/internal/metrics"
)

// DefaultOverlapBatchSize is the number of distinct identifiers per batch.
const DefaultOverlapBatchSize = 5_000_000

// span is one row's interval. id indexes the distinct identifier list.
type span struct {
	id      int32
	start   int16
	stop    int16
	hasStop bool
}

// lessSpan orders spans by identifier, then start ascending, then stop
// ascending with a null stop last. A null stop sharing its start with a
// bounded span sorts after it and is reported as an overlap.
func lessSpan(a, b span) bool {
	if a.id != b.id {
		return a.id < b.id
	}
	if a.start != b.start {
		return a.start < b.start
	}
	if a.hasStop != b.hasStop {
		return a.hasStop
	}
	return a.stop < b.stop
}

// findOverlap scans one identifier's spans, sorted by start. Interval i
// overlaps the next one if it has no stop, or if its stop is after the next
// start. Touching intervals (stop == next start) do not overlap.
func findOverlap(spans []span) bool {
	for i := 0; i < len(spans)-1; i++ {
		if !spans[i].hasStop {
			return true
		}
		if spans[i].stop > spans[i+1].start {
			return true
		}
	}
	return false
}

// NoOverlapRule requires the intervals of every unit_id to be disjoint.
//
// Distinct identifiers, in first-appearance order, are cut into batches of
// batchSize (DefaultOverlapBatchSize when 0, a single batch when negative).
// Each batch selects its rows, sorts them by (identifier, start, stop), and
// scans every identifier's run of adjacent intervals. Batches only bound the
// working set; the verdict does not depend on them.
//
// Batches run on up to workers goroutines. Every batch runs to completion and
// the reported sample is the lexicographically smallest offending
// identifiers across all batches, so the outcome is deterministic. Rows
// without a start are left to the temporal field rules.
func NoOverlapRule(batchSize, workers int) Rule {
	if batchSize == 0 {
		batchSize = DefaultOverlapBatchSize
	}
	if workers <= 0 {
		workers = 1
	}
	const name = "no_overlap"
	return Rule{
		Name:    name,
		Columns: []string{dataset.ColUnitID, dataset.ColStart, dataset.ColStop},
		Check: func(ctx context.Context, t *dataset.Table) error {
			ids, batches, err := identifierOrdinals(ctx, t, batchSize)
			if err != nil {
				return err
			}

			found := make([]smallest, batches)
			g, gctx := errgroup.WithContext(ctx)
			g.SetLimit(workers)
			for b := 0; b < batches; b++ {
				g.Go(func() error {
					defer metrics.RecordBatch()
					rows, err := batchRows(gctx, t, ids, batchSize, b)
					if err != nil {
						return err
					}
					return scanBatch(gctx, t, rows, &found[b])
				})
			}
			if err := g.Wait(); err != nil {
				return err
			}

			var all smallest
			for _, f := range found {
				all.merge(f)
			}
			if all.empty() {
				return nil
			}
			return &ViolationError{Rule: name, Message: "time spans for a unit_id must not overlap", SampleIdentifiers: all.ids}
		},
	}
}

// identifierOrdinals numbers the distinct identifiers of rows with a start in
// first-appearance order and returns the number of batches they span.
func identifierOrdinals(ctx context.Context, t *dataset.Table, batchSize int) (map[string]int32, int, error) {
	ids := make(map[string]int32)
	for i := 0; i < t.NumRows(); i++ {
		if i%ctxCheckEvery == 0 {
			if err := ctx.Err(); err != nil {
				return nil, 0, err
			}
		}
		id, ok := t.UnitID(i)
		if !ok {
			continue
		}
		if _, ok := t.Start(i); !ok {
			continue
		}
		if _, seen := ids[id]; !seen {
			ids[id] = int32(len(ids))
		}
	}
	switch {
	case len(ids) == 0:
		return ids, 0, nil
	case batchSize <= 0:
		return ids, 1, nil
	}
	return ids, (len(ids) + batchSize - 1) / batchSize, nil
}

// batchRows collects the row indices of batch b. Only the batches currently
// being scanned hold their rows.
func batchRows(ctx context.Context, t *dataset.Table, ids map[string]int32, batchSize, b int) ([]int32, error) {
	var rows []int32
	for i := 0; i < t.NumRows(); i++ {
		if i%ctxCheckEvery == 0 {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
		}
		id, ok := t.UnitID(i)
		if !ok {
			continue
		}
		if _, ok := t.Start(i); !ok {
			continue
		}
		if batchSize > 0 && int(ids[id])/batchSize != b {
			continue
		}
		rows = append(rows, int32(i))
	}
	return rows, nil
}

func scanBatch(ctx context.Context, t *dataset.Table, rows []int32, out *smallest) error {
	index := make(map[string]int32, len(rows))
	spans := make([]span, 0, len(rows))
	for _, r := range rows {
		i := int(r)
		id, _ := t.UnitID(i)
		ix, ok := index[id]
		if !ok {
			ix = int32(len(index))
			index[id] = ix
		}
		start, _ := t.Start(i)
		stop, hasStop := t.Stop(i)
		spans = append(spans, span{id: ix, start: start, stop: stop, hasStop: hasStop})
	}
	sort.Slice(spans, func(i, j int) bool { return lessSpan(spans[i], spans[j]) })

	names := make([]string, len(index))
	for id, ix := range index {
		names[ix] = id
	}

	for lo, groups := 0, 0; lo < len(spans); groups++ {
		if groups%ctxCheckEvery == 0 {
			if err := ctx.Err(); err != nil {
				return err
			}
		}
		hi := lo + 1
		for hi < len(spans) && spans[hi].id == spans[lo].id {
			hi++
		}
		if findOverlap(spans[lo:hi]) {
			out.add(names[spans[lo].id])
		}
		lo = hi
	}
	return nil
}
