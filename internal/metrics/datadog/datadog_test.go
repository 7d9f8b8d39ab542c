package datadog

import (
	"context"
	"errors"
	"net/http"
	"os"
	"reflect"
	"runtime"
	"sort"
	"sync"
	"testing"
	"time"

	"microdata/internal/metrics"

	"github.com/DataDog/datadog-api-client-go/v2/api/datadogV2"
)

// fakeSubmitter captures payloads submitted by Backend.Flush().
type fakeSubmitter struct {
	mu       sync.Mutex
	payloads []datadogV2.MetricPayload
	err      error
}

func (f *fakeSubmitter) SubmitMetrics(ctx context.Context, body datadogV2.MetricPayload, params ...datadogV2.SubmitMetricsOptionalParameters) (datadogV2.IntakePayloadAccepted, *http.Response, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.payloads = append(f.payloads, body)
	return datadogV2.IntakePayloadAccepted{}, nil, f.err
}

func (f *fakeSubmitter) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.payloads)
}

func (f *fakeSubmitter) last() (datadogV2.MetricPayload, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.payloads) == 0 {
		return datadogV2.MetricPayload{}, false
	}
	return f.payloads[len(f.payloads)-1], true
}

// quietOptions disables the periodic loop for the duration of a test.
func quietOptions(fs *fakeSubmitter) Options {
	return Options{
		JobName:    "job1",
		FlushEvery: 24 * time.Hour,
		submitter:  fs,
		now:        func() time.Time { return time.Unix(1000, 0) },
		newTicker:  func(d time.Duration) *time.Ticker { return time.NewTicker(24 * time.Hour) },
	}
}

func seriesNames(p datadogV2.MetricPayload) []string {
	var names []string
	for _, s := range p.Series {
		names = append(names, s.Metric)
	}
	sort.Strings(names)
	return names
}

// TestResolveEnvTag verifies environment-tag precedence and defaults.
func TestResolveEnvTag(t *testing.T) {
	oldENV := os.Getenv("ENV")
	oldDDENV := os.Getenv("DD_ENV")
	t.Cleanup(func() {
		_ = os.Setenv("ENV", oldENV)
		_ = os.Setenv("DD_ENV", oldDDENV)
	})

	tests := []struct {
		name string
		env  string
		dd   string
		want string
	}{
		{name: "ENV_wins", env: "prod", dd: "stage", want: "env:prod"},
		{name: "DD_ENV_used_when_ENV_empty", env: "", dd: "stage", want: "env:stage"},
		{name: "whitespace_ignored", env: "   ", dd: "\n\t", want: "env:unknown"},
		{name: "default_unknown", env: "", dd: "", want: "env:unknown"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_ = os.Setenv("ENV", tc.env)
			_ = os.Setenv("DD_ENV", tc.dd)
			if got := resolveEnvTag(); got != tc.want {
				t.Fatalf("resolveEnvTag()=%q, want %q", got, tc.want)
			}
		})
	}
}

func TestRuleStatusKeyRoundTrip(t *testing.T) {
	tests := []struct {
		name   string
		rule   string
		status string
	}{
		{name: "normal", rule: "no_overlap", status: "ok"},
		{name: "empty_rule", rule: "", status: "violation"},
		{name: "both_empty", rule: "", status: ""},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			rule, status := splitRuleStatusKey(ruleStatusKey(tc.rule, tc.status))
			if rule != tc.rule || status != tc.status {
				t.Fatalf("roundtrip got=(%q,%q), want=(%q,%q)", rule, status, tc.rule, tc.status)
			}
		})
	}

	rule, status := splitRuleStatusKey("no-sep")
	if rule != "no-sep" || status != "unknown" {
		t.Fatalf("splitRuleStatusKey()=(%q,%q), want=(%q,%q)", rule, status, "no-sep", "unknown")
	}
}

func TestWithTags_DoesNotAliasBase(t *testing.T) {
	base := []string{"env:test", "job:microdata"}
	got := withTags(base, "rule:unit_id", "status:ok")
	want := []string{"env:test", "job:microdata", "rule:unit_id", "status:ok"}

	if !reflect.DeepEqual(got, want) {
		t.Fatalf("withTags()=%v, want %v", got, want)
	}
	got[0] = "env:mutated"
	if base[0] == "env:mutated" {
		t.Fatalf("withTags output aliases base slice")
	}
}

func TestPercentileNearestRank(t *testing.T) {
	tests := []struct {
		name string
		s    []float64
		p    float64
		want float64
	}{
		{name: "empty", s: nil, p: 0.50, want: 0},
		{name: "single", s: []float64{7}, p: 0.95, want: 7},
		{name: "p_le_0", s: []float64{1, 2, 3}, p: -1, want: 1},
		{name: "p_ge_1", s: []float64{1, 2, 3}, p: 2, want: 3},
		{name: "median", s: []float64{1, 2, 3, 4, 5}, p: 0.50, want: 3},
		{name: "p90_small_n", s: []float64{1, 2, 3, 4, 5}, p: 0.90, want: 5},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := percentileNearestRank(tc.s, tc.p); got != tc.want {
				t.Fatalf("percentileNearestRank(%v,%v)=%v, want %v", tc.s, tc.p, got, tc.want)
			}
		})
	}
}

func TestAddPercentiles_DoesNotMutateSamples(t *testing.T) {
	orig := []float64{5, 1, 3, 2, 4}
	in := append([]float64(nil), orig...)

	var series []datadogV2.MetricSeries
	addPercentiles(&series, []string{"rule:no_overlap"}, "microdata.validation.rule.duration_seconds", in, 999)

	if len(series) != 6 {
		t.Fatalf("series.len=%d, want 6", len(series))
	}
	if !reflect.DeepEqual(in, orig) {
		t.Fatalf("samples mutated: got %v, want %v", in, orig)
	}
	last := series[len(series)-1]
	if last.Metric != "microdata.validation.rule.duration_seconds.samples" || *last.Points[0].Value != 5 {
		t.Fatalf("samples gauge=%s value=%v, want samples=5", last.Metric, *last.Points[0].Value)
	}
	if *last.Points[0].Timestamp != 999 {
		t.Fatalf("Timestamp=%d, want 999", *last.Points[0].Timestamp)
	}
}

func TestNewBackend_Defaults(t *testing.T) {
	fs := &fakeSubmitter{}
	opts := quietOptions(fs)
	opts.JobName = ""
	opts.FlushEvery = 0
	opts.Tags = []string{"service:microdata"}

	b, err := NewBackend(context.Background(), opts)
	if err != nil {
		t.Fatalf("NewBackend() err=%v, want nil", err)
	}
	defer func() { _ = b.Close() }()

	if !contains(b.baseTags, "job:microdata") {
		t.Fatalf("baseTags missing job:microdata: %v", b.baseTags)
	}
	if !contains(b.baseTags, "service:microdata") {
		t.Fatalf("baseTags missing service:microdata: %v", b.baseTags)
	}
	if b.flushEvery != 60*time.Second {
		t.Fatalf("flushEvery=%s, want 60s", b.flushEvery)
	}
}

func TestFlush_SubmitsAndResets(t *testing.T) {
	fs := &fakeSubmitter{}
	b, err := NewBackend(context.Background(), quietOptions(fs))
	if err != nil {
		t.Fatalf("NewBackend() err=%v", err)
	}
	defer func() { _ = b.Close() }()

	b.IncCounter(metrics.RuleTotal, 2, metrics.Labels{"rule": "unit_id", "status": "ok"})
	b.IncCounter(metrics.RowsTotal, 3, metrics.Labels{"kind": "read"})
	b.IncCounter(metrics.BatchesTotal, 1, nil)
	b.ObserveHistogram(metrics.RuleDurationSeconds, 0.5, metrics.Labels{"rule": "unit_id", "status": "ok"})

	if err := b.Flush(); err != nil {
		t.Fatalf("Flush() err=%v, want nil", err)
	}
	if fs.count() != 1 {
		t.Fatalf("submit calls=%d, want 1", fs.count())
	}
	if len(b.ruleCounts) != 0 || len(b.rowCounts) != 0 || b.batchCount != 0 || len(b.ruleDurations) != 0 {
		t.Fatalf("buffers not reset after Flush")
	}

	payload, _ := fs.last()
	names := seriesNames(payload)
	for _, w := range []string{
		"microdata.validation.batches.total",
		"microdata.validation.rows.total",
		"microdata.validation.rule.total",
		"microdata.validation.rule.duration_seconds.p50",
		"microdata.validation.rule.duration_seconds.samples",
	} {
		if !contains(names, w) {
			t.Fatalf("payload missing metric %q; got=%v", w, names)
		}
	}

	for _, s := range payload.Series {
		if s.Metric == "microdata.validation.rule.total" {
			if !contains(s.Tags, "rule:unit_id") || !contains(s.Tags, "status:ok") {
				t.Fatalf("rule.total tags=%v, want rule:unit_id and status:ok", s.Tags)
			}
			if *s.Type != datadogV2.METRICINTAKETYPE_COUNT {
				t.Fatalf("rule.total type=%v, want COUNT", *s.Type)
			}
		}
	}
}

func TestFlush_NoDataDoesNotSubmit(t *testing.T) {
	fs := &fakeSubmitter{}
	b, err := NewBackend(context.Background(), quietOptions(fs))
	if err != nil {
		t.Fatalf("NewBackend() err=%v", err)
	}
	defer func() { _ = b.Close() }()

	if err := b.Flush(); err != nil {
		t.Fatalf("Flush() err=%v, want nil", err)
	}
	if fs.count() != 0 {
		t.Fatalf("unexpected submission count=%d, want 0", fs.count())
	}
}

func TestFlush_SubmitErrorIsWrapped(t *testing.T) {
	boom := errors.New("boom")
	fs := &fakeSubmitter{err: boom}
	b, err := NewBackend(context.Background(), quietOptions(fs))
	if err != nil {
		t.Fatalf("NewBackend() err=%v", err)
	}
	defer func() { fs.err = nil; _ = b.Close() }()

	b.IncCounter(metrics.BatchesTotal, 1, nil)
	if err := b.Flush(); !errors.Is(err, boom) {
		t.Fatalf("Flush() err=%v, want wrapping %v", err, boom)
	}
	// Buffers are dropped even on failure.
	if b.batchCount != 0 {
		t.Fatalf("batchCount=%v after failed flush, want 0", b.batchCount)
	}
}

func TestLoopAndClose(t *testing.T) {
	fs := &fakeSubmitter{}
	opts := Options{
		JobName:    "job1",
		FlushEvery: 5 * time.Millisecond,
		submitter:  fs,
		now:        func() time.Time { return time.Unix(2000, 0) },
	}

	b, err := NewBackend(context.Background(), opts)
	if err != nil {
		t.Fatalf("NewBackend() err=%v", err)
	}

	b.IncCounter(metrics.BatchesTotal, 1, nil)

	deadline := time.Now().Add(250 * time.Millisecond)
	for time.Now().Before(deadline) && fs.count() < 1 {
		time.Sleep(2 * time.Millisecond)
	}
	if fs.count() < 1 {
		_ = b.Close()
		t.Fatalf("expected at least one background Flush submission; got %d", fs.count())
	}

	b.IncCounter(metrics.BatchesTotal, 1, nil)
	if err := b.Close(); err != nil {
		t.Fatalf("Close() err=%v, want nil", err)
	}
	if fs.count() < 2 {
		t.Fatalf("expected at least 2 submissions after Close; got %d", fs.count())
	}
	if err := b.Close(); err != nil {
		t.Fatalf("second Close() err=%v, want nil", err)
	}
}

func TestBackend_ConcurrentAccess(t *testing.T) {
	fs := &fakeSubmitter{}
	b, err := NewBackend(context.Background(), quietOptions(fs))
	if err != nil {
		t.Fatalf("NewBackend() err=%v", err)
	}
	defer func() { _ = b.Close() }()

	workers := runtime.GOMAXPROCS(0) * 4
	iters := 2000

	var wg sync.WaitGroup
	wg.Add(workers)
	for i := 0; i < workers; i++ {
		go func() {
			defer wg.Done()
			for j := 0; j < iters; j++ {
				b.IncCounter(metrics.BatchesTotal, 1, nil)
				b.IncCounter(metrics.RuleTotal, 1, metrics.Labels{"rule": "no_overlap", "status": "ok"})
				b.IncCounter(metrics.RowsTotal, 1, metrics.Labels{"kind": "read"})
				b.ObserveHistogram(metrics.RuleDurationSeconds, 0.01, metrics.Labels{"rule": "no_overlap", "status": "ok"})
			}
		}()
	}
	wg.Wait()

	if got, want := b.batchCount, float64(workers*iters); got != want {
		t.Fatalf("batchCount=%v, want %v", got, want)
	}
	if err := b.Flush(); err != nil {
		t.Fatalf("Flush() err=%v, want nil", err)
	}
	if fs.count() != 1 {
		t.Fatalf("submit calls=%d, want 1", fs.count())
	}
}

func TestIncCounterAndObserveHistogram_EdgeCases(t *testing.T) {
	fs := &fakeSubmitter{}
	b, err := NewBackend(context.Background(), quietOptions(fs))
	if err != nil {
		t.Fatalf("NewBackend() err=%v", err)
	}
	defer func() { _ = b.Close() }()

	b.IncCounter(metrics.BatchesTotal, 0, nil)
	b.IncCounter(metrics.RowsTotal, 1, metrics.Labels{})
	b.IncCounter("unknown_total", 1, metrics.Labels{"x": "y"})
	b.ObserveHistogram(metrics.RuleDurationSeconds, -1, metrics.Labels{"rule": "unit_id", "status": "ok"})
	b.ObserveHistogram("unknown_seconds", 1, nil)
	b.IncCounter(metrics.RuleTotal, 1, metrics.Labels{"rule": "value"})

	if err := b.Flush(); err != nil {
		t.Fatalf("Flush() err=%v, want nil", err)
	}
	payload, ok := fs.last()
	if !ok {
		t.Fatalf("missing payload")
	}
	if len(payload.Series) != 1 {
		t.Fatalf("series=%v, want only the rule counter", seriesNames(payload))
	}
	if !contains(payload.Series[0].Tags, "status:unknown") {
		t.Fatalf("tags=%v, want status:unknown default", payload.Series[0].Tags)
	}
}

func TestBackend_ThroughMetricsHelpers(t *testing.T) {
	fs := &fakeSubmitter{}
	b, err := NewBackend(context.Background(), quietOptions(fs))
	if err != nil {
		t.Fatalf("NewBackend() err=%v", err)
	}
	defer func() { _ = b.Close() }()

	metrics.SetBackend(b)
	t.Cleanup(func() { metrics.SetBackend(nil) })

	metrics.RecordRule("status_uniqueness", "violation", 250*time.Millisecond)
	metrics.RecordRows("read", 10)
	metrics.RecordBatch()
	if err := metrics.Flush(); err != nil {
		t.Fatalf("metrics.Flush() err=%v", err)
	}

	payload, _ := fs.last()
	if !contains(seriesNames(payload), "microdata.validation.rule.duration_seconds.max") {
		t.Fatalf("payload=%v, want rule duration gauges", seriesNames(payload))
	}
}

func contains[T comparable](xs []T, v T) bool {
	for _, x := range xs {
		if x == v {
			return true
		}
	}
	return false
}

func TestParseTagsCSV(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		in   string
		want []string
	}{
		{name: "empty_returns_nil", in: "", want: nil},
		{name: "trims_and_skips_empty_segments", in: " env:prod , ,service:microdata,  ,team:data ", want: []string{"env:prod", "service:microdata", "team:data"}},
		{name: "single_tag", in: "service:microdata", want: []string{"service:microdata"}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			if got := ParseTagsCSV(tc.in); !reflect.DeepEqual(got, tc.want) {
				t.Fatalf("ParseTagsCSV(%q)=%v, want %v", tc.in, got, tc.want)
			}
		})
	}
}
