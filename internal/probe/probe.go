// Package probe samples a raw observation file and suggests the settings
// needed to load it: field separator, text encoding, measure type and
// temporality.
//
// Inference is best-effort. It reads a bounded prefix of the source and
// never rejects a file; questionable guesses are reported as notes.
package probe

import (
	"bytes"
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/knadh/koanf/parsers/yaml"

	"microdata/internal/config"
	"microdata/internal/dataset"
	"microdata/internal/epoch"
	csvparser "microdata/internal/parser/csv"
	"microdata/internal/transformer"
)

// DefaultMaxBytes is the sample size used when Options.MaxBytes is 0.
const DefaultMaxBytes = 1 << 20

// Delimiters are the candidate field separators in preference order.
var Delimiters = []rune{';', ',', '\t', '|'}

// Options control sampling.
type Options struct {
	// MaxBytes bounds the sample read from the source.
	MaxBytes int

	// Encoding skips detection when set.
	Encoding string
}

// Suggestion is the outcome of a probe.
type Suggestion struct {
	Delimiter   string              `json:"delimiter"`
	Encoding    string              `json:"encoding"`
	MeasureType dataset.MeasureType `json:"measureType"`
	Temporality dataset.Temporality `json:"temporality"`

	// Rows counts sampled records with the expected field count; Skipped
	// counts the others.
	Rows    int `json:"rows"`
	Skipped int `json:"skipped"`

	Notes []string `json:"notes,omitempty"`
}

func (s *Suggestion) note(format string, args ...any) {
	s.Notes = append(s.Notes, fmt.Sprintf(format, args...))
}

// Opener matches pipeline.Runner.Open.
type Opener func(ctx context.Context, src config.Source) (io.ReadCloser, error)

// Run samples src and probes the sample.
func Run(ctx context.Context, open Opener, src config.Source, opt Options) (Suggestion, error) {
	rc, err := open(ctx, src)
	if err != nil {
		return Suggestion{}, err
	}
	defer rc.Close()

	sample, err := Sample(rc, opt.MaxBytes)
	if err != nil {
		return Suggestion{}, err
	}
	return Probe(sample, opt.Encoding)
}

// Sample reads at most maxBytes from r and cuts the result at the last
// newline so no half record is probed.
func Sample(r io.Reader, maxBytes int) ([]byte, error) {
	if maxBytes <= 0 {
		maxBytes = DefaultMaxBytes
	}
	var buf bytes.Buffer
	n, err := io.Copy(&buf, io.LimitReader(r, int64(maxBytes)))
	if err != nil {
		return nil, fmt.Errorf("read sample: %w", err)
	}
	b := buf.Bytes()
	if n == int64(maxBytes) {
		if i := bytes.LastIndexByte(b, '\n'); i > 0 {
			b = b[:i+1]
		}
	}
	return b, nil
}

// Probe infers settings from sample. encoding, when not empty, is used
// instead of detection.
func Probe(sample []byte, encoding string) (Suggestion, error) {
	var s Suggestion
	if len(bytes.TrimSpace(sample)) == 0 {
		return s, errors.New("probe: empty sample")
	}

	s.Encoding = encoding
	if s.Encoding == "" {
		s.Encoding = DetectEncoding(sample)
	}
	r, err := csvparser.Options{Encoding: s.Encoding}.Decode(bytes.NewReader(sample))
	if err != nil {
		return s, err
	}
	text, err := io.ReadAll(r)
	if err != nil {
		return s, fmt.Errorf("decode sample: %w", err)
	}

	comma, ok := DetectDelimiter(string(text))
	if !ok {
		s.note("no candidate separator yields %d fields; assuming %q", transformer.FieldCount, string(comma))
	}
	s.Delimiter = string(comma)

	rows := readRecords(text, comma, &s)
	if len(rows) == 0 {
		s.MeasureType = dataset.MeasureString
		s.Temporality = dataset.Fixed
		s.note("no usable records in sample")
		return s, nil
	}
	s.MeasureType = inferMeasure(rows, &s)
	s.Temporality = inferTemporality(rows, &s)
	return s, nil
}

// DetectEncoding looks for a byte order mark, then checks UTF-8 validity.
// Invalid UTF-8 is taken as windows-1252 when it uses the C1 range
// (0x80-0x9F) and ISO-8859-1 otherwise.
func DetectEncoding(b []byte) string {
	switch {
	case bytes.HasPrefix(b, []byte{0xEF, 0xBB, 0xBF}):
		return "utf-8"
	case bytes.HasPrefix(b, []byte{0xFF, 0xFE}), bytes.HasPrefix(b, []byte{0xFE, 0xFF}):
		return "utf-16"
	case utf8.Valid(b):
		return "utf-8"
	}
	for _, c := range b {
		if c >= 0x80 && c <= 0x9F {
			return "windows-1252"
		}
	}
	return "iso-8859-1"
}

// DetectDelimiter picks the candidate that splits the most lines into
// exactly transformer.FieldCount fields. ok is false when no candidate
// splits any line that way; the first candidate is returned then.
func DetectDelimiter(text string) (rune, bool) {
	best, bestN := Delimiters[0], 0
	for _, d := range Delimiters {
		n := 0
		for _, line := range strings.Split(text, "\n") {
			line = strings.TrimRight(line, "\r")
			if line == "" {
				continue
			}
			if strings.Count(line, string(d)) == transformer.FieldCount-1 {
				n++
			}
		}
		if n > bestN {
			best, bestN = d, n
		}
	}
	return best, bestN > 0
}

func readRecords(text []byte, comma rune, s *Suggestion) [][]string {
	r := csv.NewReader(bytes.NewReader(text))
	r.Comma = comma
	r.FieldsPerRecord = -1
	r.LazyQuotes = true

	var rows [][]string
	for {
		rec, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil || len(rec) != transformer.FieldCount {
			s.Skipped++
			continue
		}
		rows = append(rows, rec)
	}
	s.Rows = len(rows)
	if s.Skipped > 0 {
		s.note("%d sampled record(s) do not have %d fields", s.Skipped, transformer.FieldCount)
	}
	return rows
}

const (
	colValue = 1
	colStart = 2
	colStop  = 3
)

// inferMeasure prefers the most specific type every non-empty value parses
// as: LONG, then DOUBLE, then DATE, then STRING.
func inferMeasure(rows [][]string, s *Suggestion) dataset.MeasureType {
	var seen bool
	allLong, allDouble, allDate := true, true, true
	for _, r := range rows {
		v := r[colValue]
		if v == "" {
			continue
		}
		seen = true
		if allLong {
			if _, err := strconv.ParseInt(v, 10, 64); err != nil {
				allLong = false
			}
		}
		if allDouble {
			if _, err := strconv.ParseFloat(v, 64); err != nil {
				allDouble = false
			}
		}
		if allDate {
			if _, err := epoch.ParseDate(v); err != nil {
				allDate = false
			}
		}
	}
	switch {
	case !seen:
		s.note("value column is empty in every sampled record")
		return dataset.MeasureString
	case allLong:
		return dataset.MeasureLong
	case allDouble:
		return dataset.MeasureDouble
	case allDate:
		return dataset.MeasureDate
	}
	return dataset.MeasureString
}

// inferTemporality reads the start/stop pattern. Dates are compared as
// YYYY-MM-DD text.
func inferTemporality(rows [][]string, s *Suggestion) dataset.Temporality {
	noStart, equal, openStop := true, true, false
	for _, r := range rows {
		start, stop := r[colStart], r[colStop]
		if start != "" {
			noStart = false
		}
		if start == "" || start != stop {
			equal = false
		}
		if start != "" && stop == "" {
			openStop = true
		}
	}
	switch {
	case noStart:
		return dataset.Fixed
	case equal:
		return dataset.Status
	case openStop:
		return dataset.Event
	}
	s.note("every span is closed; ACCUMULATED and EVENT cannot be told apart from the sample")
	return dataset.Accumulated
}

// YAML renders s as a config file fragment for dataset name.
func YAML(name string, s Suggestion) ([]byte, error) {
	return yaml.Parser().Marshal(map[string]any{
		"dataset": map[string]any{
			"name":         name,
			"measure_type": string(s.MeasureType),
			"temporality":  string(s.Temporality),
		},
		"csv": map[string]any{
			"delimiter": s.Delimiter,
			"encoding":  s.Encoding,
		},
	})
}
