// Package transformer turns raw positional rows into the canonical columnar
// table. Rows travel parser → normalizer over channels as pooled *Row values
// to keep heap churn low on inputs with tens of millions of lines.
package transformer

import "sync"

// Row is a pooled container holding the raw text fields of one input line.
//
// Ownership contract:
//   - Exactly one goroutine "owns" a Row at a time.
//   - A Row may be passed downstream via channels (ownership transfer).
//   - The final consumer (the normalizer) calls Free() once it has copied
//     everything it needs out of r.F.
//
// During ctx cancellation the parser may still be unwinding while the
// normalizer drains. A canceled row returned to the pool could be reused and
// overwritten while still being read, so cancellation paths use Drop()
// instead of Free().
type Row struct {
	F    []string
	Line int // 1-based record number
}

var rowPool sync.Pool

// GetRow returns a pooled Row with length n. All fields are zeroed.
func GetRow(n int) *Row {
	if v := rowPool.Get(); v != nil {
		r := v.(*Row)
		if cap(r.F) < n {
			r.F = make([]string, n)
		}
		r.F = r.F[:n]
		for i := range r.F {
			r.F[i] = ""
		}
		r.Line = 0
		return r
	}
	return &Row{F: make([]string, n)}
}

// Free returns the Row to the pool.
// Call this ONLY when no other goroutine can observe r or r.F.
func (r *Row) Free() {
	rowPool.Put(r)
}

// Drop discards the Row WITHOUT returning it to the pool.
func (r *Row) Drop() {
	r.F = nil
	r.Line = 0
}
