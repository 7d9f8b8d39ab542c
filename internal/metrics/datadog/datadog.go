// Package datadog implements a Datadog backend for the internal/metrics package.
//
// Validation runs on large datasets can take a long time, so the backend does
// not just submit once at exit:
//   - metrics are buffered in memory under a mutex
//   - Flush() runs periodically on a ticker (default: once per minute)
//   - Close() stops the loop and flushes one final time
//
// Concurrency model:
//   - rule goroutines (overlap batches included) call IncCounter/ObserveHistogram
//     at any time
//   - Flush snapshots and resets the buffers under the mutex, then submits
//     out of lock
//
// Unknown metric names are ignored, so the core may record more than this
// backend ships.
package datadog

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"microdata/internal/metrics"

	dd "github.com/DataDog/datadog-api-client-go/v2/api/datadog"
	"github.com/DataDog/datadog-api-client-go/v2/api/datadogV2"
)

// Options controls Datadog backend configuration.
type Options struct {
	// JobName becomes tag "job:<name>" on every metric.
	// If empty, defaults to "microdata".
	JobName string

	// Tags are extra Datadog tags (e.g. []string{"env:prod", "dataset:INNTEKT"}).
	Tags []string

	// FlushEvery controls how often buffered metrics are submitted.
	// If <= 0, defaults to 60 seconds.
	FlushEvery time.Duration

	// Unexported test seams; production leaves them nil.
	now       func() time.Time
	newTicker func(d time.Duration) *time.Ticker
	submitter metricsSubmitter
}

// metricsSubmitter is the part of *datadogV2.MetricsApi the backend uses.
// Tests substitute a fake to avoid real HTTP.
type metricsSubmitter interface {
	SubmitMetrics(ctx context.Context, body datadogV2.MetricPayload, params ...datadogV2.SubmitMetricsOptionalParameters) (datadogV2.IntakePayloadAccepted, *http.Response, error)
}

// Backend implements metrics.Backend for Datadog.
type Backend struct {
	api metricsSubmitter
	ctx context.Context

	flushEvery time.Duration
	stopCh     chan struct{}
	doneCh     chan struct{}
	closeOnce  sync.Once

	baseTags []string

	now       func() time.Time
	newTicker func(d time.Duration) *time.Ticker

	mu sync.Mutex

	ruleCounts    map[string]float64 // rule\x00status -> count
	ruleDurations map[string][]float64
	rowCounts     map[string]float64 // kind -> count
	batchCount    float64
}

func resolveEnvTag() string {
	if v := strings.TrimSpace(os.Getenv("ENV")); v != "" {
		return "env:" + v
	}
	if v := strings.TrimSpace(os.Getenv("DD_ENV")); v != "" {
		return "env:" + v
	}
	return "env:unknown"
}

// NewBackend constructs a Datadog backend using the official client.
// Credentials and site come from the DD_API_KEY / DD_SITE environment, as
// read by dd.NewDefaultContext. Network errors surface from Flush().
func NewBackend(parent context.Context, opts Options) (*Backend, error) {
	job := opts.JobName
	if job == "" {
		job = "microdata"
	}

	flushEvery := opts.FlushEvery
	if flushEvery <= 0 {
		flushEvery = 60 * time.Second
	}

	baseTags := make([]string, 0, 2+len(opts.Tags))
	baseTags = append(baseTags, resolveEnvTag(), "job:"+job)
	baseTags = append(baseTags, opts.Tags...)

	nowFn := opts.now
	if nowFn == nil {
		nowFn = time.Now
	}
	newTicker := opts.newTicker
	if newTicker == nil {
		newTicker = time.NewTicker
	}

	submitter := opts.submitter
	if submitter == nil {
		client := dd.NewAPIClient(dd.NewConfiguration())
		submitter = datadogV2.NewMetricsApi(client)
	}

	b := &Backend{
		api:        submitter,
		ctx:        dd.NewDefaultContext(parent),
		flushEvery: flushEvery,
		stopCh:     make(chan struct{}),
		doneCh:     make(chan struct{}),
		baseTags:   baseTags,
		now:        nowFn,
		newTicker:  newTicker,

		ruleCounts:    make(map[string]float64),
		ruleDurations: make(map[string][]float64),
		rowCounts:     make(map[string]float64),
	}

	go b.loop()
	return b, nil
}

func (b *Backend) loop() {
	defer close(b.doneCh)

	t := b.newTicker(b.flushEvery)
	defer t.Stop()

	for {
		select {
		case <-t.C:
			_ = b.Flush()
		case <-b.stopCh:
			return
		}
	}
}

// Close stops the background flush loop and performs one final Flush().
// Further calls only flush.
func (b *Backend) Close() error {
	b.closeOnce.Do(func() {
		close(b.stopCh)
		<-b.doneCh
	})
	return b.Flush()
}

// IncCounter implements metrics.Backend.
func (b *Backend) IncCounter(name string, delta float64, labels metrics.Labels) {
	if delta <= 0 {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	switch name {
	case metrics.RuleTotal:
		b.ruleCounts[ruleStatusKey(labels["rule"], labelOr(labels, "status", "unknown"))] += delta

	case metrics.RowsTotal:
		kind := labels["kind"]
		if kind == "" {
			return
		}
		b.rowCounts[kind] += delta

	case metrics.BatchesTotal:
		b.batchCount += delta
	}
}

// ObserveHistogram implements metrics.Backend.
func (b *Backend) ObserveHistogram(name string, value float64, labels metrics.Labels) {
	if value < 0 || name != metrics.RuleDurationSeconds {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	k := ruleStatusKey(labels["rule"], labelOr(labels, "status", "unknown"))
	b.ruleDurations[k] = append(b.ruleDurations[k], value)
}

// snapshot is the detached buffer state of one collection window.
type snapshot struct {
	ruleCounts    map[string]float64
	ruleDurations map[string][]float64
	rowCounts     map[string]float64
	batchCount    float64
}

func (b *Backend) snapshotAndReset() snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()

	s := snapshot{
		ruleCounts:    b.ruleCounts,
		ruleDurations: b.ruleDurations,
		rowCounts:     b.rowCounts,
		batchCount:    b.batchCount,
	}

	b.ruleCounts = make(map[string]float64)
	b.ruleDurations = make(map[string][]float64)
	b.rowCounts = make(map[string]float64)
	b.batchCount = 0

	return s
}

func (s snapshot) isEmpty() bool {
	return len(s.ruleCounts) == 0 &&
		len(s.ruleDurations) == 0 &&
		len(s.rowCounts) == 0 &&
		s.batchCount == 0
}

// Flush submits buffered metrics and resets local buffers, even when the
// submission fails. It returns nil without submitting when nothing is
// buffered.
func (b *Backend) Flush() error {
	snap := b.snapshotAndReset()
	if snap.isEmpty() {
		return nil
	}

	payload := datadogV2.MetricPayload{Series: b.buildSeries(snap, b.now().Unix())}
	_, _, err := b.api.SubmitMetrics(b.ctx, payload, *datadogV2.NewSubmitMetricsOptionalParameters())
	if err != nil {
		return fmt.Errorf("datadog submit: %w", err)
	}
	return nil
}

// buildSeries is pure: no locks, network or clocks.
func (b *Backend) buildSeries(s snapshot, nowUnix int64) []datadogV2.MetricSeries {
	series := make([]datadogV2.MetricSeries, 0, len(s.ruleCounts)+len(s.rowCounts)+6*len(s.ruleDurations)+1)

	for k, v := range s.ruleCounts {
		rule, status := splitRuleStatusKey(k)
		series = append(series, countSeries("microdata.validation.rule.total", v, withTags(b.baseTags, "rule:"+rule, "status:"+status), nowUnix))
	}

	for kind, v := range s.rowCounts {
		series = append(series, countSeries("microdata.validation.rows.total", v, withTags(b.baseTags, "kind:"+kind), nowUnix))
	}

	if s.batchCount != 0 {
		series = append(series, countSeries("microdata.validation.batches.total", s.batchCount, b.baseTags, nowUnix))
	}

	for k, samples := range s.ruleDurations {
		rule, status := splitRuleStatusKey(k)
		addPercentiles(&series, withTags(b.baseTags, "rule:"+rule, "status:"+status), "microdata.validation.rule.duration_seconds", samples, nowUnix)
	}

	return series
}

// addPercentiles appends p50/p90/p95/p99/max/samples gauges. samples is not
// modified.
func addPercentiles(series *[]datadogV2.MetricSeries, tags []string, metricPrefix string, samples []float64, nowUnix int64) {
	if len(samples) == 0 {
		return
	}
	cp := append([]float64(nil), samples...)
	sort.Float64s(cp)

	*series = append(*series,
		gaugeSeries(metricPrefix+".p50", percentileNearestRank(cp, 0.50), tags, nowUnix),
		gaugeSeries(metricPrefix+".p90", percentileNearestRank(cp, 0.90), tags, nowUnix),
		gaugeSeries(metricPrefix+".p95", percentileNearestRank(cp, 0.95), tags, nowUnix),
		gaugeSeries(metricPrefix+".p99", percentileNearestRank(cp, 0.99), tags, nowUnix),
		gaugeSeries(metricPrefix+".max", cp[len(cp)-1], tags, nowUnix),
		gaugeSeries(metricPrefix+".samples", float64(len(cp)), tags, nowUnix),
	)
}

func countSeries(metric string, value float64, tags []string, nowUnix int64) datadogV2.MetricSeries {
	return datadogV2.MetricSeries{
		Metric: metric,
		Type:   datadogV2.METRICINTAKETYPE_COUNT.Ptr(),
		Points: []datadogV2.MetricPoint{
			{Timestamp: dd.PtrInt64(nowUnix), Value: dd.PtrFloat64(value)},
		},
		Tags: tags,
	}
}

func gaugeSeries(metric string, value float64, tags []string, nowUnix int64) datadogV2.MetricSeries {
	return datadogV2.MetricSeries{
		Metric: metric,
		Type:   datadogV2.METRICINTAKETYPE_GAUGE.Ptr(),
		Points: []datadogV2.MetricPoint{
			{Timestamp: dd.PtrInt64(nowUnix), Value: dd.PtrFloat64(value)},
		},
		Tags: tags,
	}
}

func labelOr(l metrics.Labels, key, def string) string {
	if v := l[key]; v != "" {
		return v
	}
	return def
}

func ruleStatusKey(rule, status string) string {
	return rule + "\x00" + status
}

func splitRuleStatusKey(k string) (rule, status string) {
	parts := strings.SplitN(k, "\x00", 2)
	if len(parts) == 2 {
		return parts[0], parts[1]
	}
	return k, "unknown"
}

func withTags(base []string, extras ...string) []string {
	out := make([]string, 0, len(base)+len(extras))
	out = append(out, base...)
	out = append(out, extras...)
	return out
}

func percentileNearestRank(s []float64, p float64) float64 {
	n := len(s)
	if n == 0 {
		return 0
	}
	if p <= 0 {
		return s[0]
	}
	if p >= 1 {
		return s[n-1]
	}
	idx := int(p*float64(n-1) + 0.5)
	if idx >= n {
		idx = n - 1
	}
	return s[idx]
}

var _ metrics.Backend = (*Backend)(nil)

// ParseTagsCSV parses comma-separated tags like "env:prod,dataset:INNTEKT".
func ParseTagsCSV(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
