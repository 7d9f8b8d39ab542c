package config

import (
	"fmt"
	"regexp"
	"strings"
	"unicode/utf8"

	"microdata/internal/dataset"
	csvparser "microdata/internal/parser/csv"
	"microdata/internal/validation"
)

// Severity of a config Issue. Only errors block a run.
type Severity string

const (
	SeverityError   Severity = "error"
	SeverityWarning Severity = "warning"
)

// Issue is one finding of Validate. Path is the dotted config key.
type Issue struct {
	Severity Severity
	Path     string
	Message  string
}

func (i Issue) String() string {
	return fmt.Sprintf("%s: %s: %s", i.Severity, i.Path, i.Message)
}

// HasErrors reports whether any issue is an error.
func HasErrors(issues []Issue) bool {
	for _, iss := range issues {
		if iss.Severity == SeverityError {
			return true
		}
	}
	return false
}

// Filter keeps the issues whose path starts with one of prefixes. No
// prefixes keeps everything.
func Filter(in []Issue, prefixes ...string) []Issue {
	if len(prefixes) == 0 {
		return in
	}
	var out []Issue
	for _, iss := range in {
		for _, p := range prefixes {
			if strings.HasPrefix(iss.Path, p) {
				out = append(out, iss)
				break
			}
		}
	}
	return out
}

type issues []Issue

func (is *issues) errorf(path, format string, args ...any) {
	*is = append(*is, Issue{Severity: SeverityError, Path: path, Message: fmt.Sprintf(format, args...)})
}

func (is *issues) warnf(path, format string, args ...any) {
	*is = append(*is, Issue{Severity: SeverityWarning, Path: path, Message: fmt.Sprintf(format, args...)})
}

// Validate checks a loaded configuration for a full run. The result is
// ordered by section.
func Validate(c Config) []Issue {
	return validate(c, true)
}

// ValidateCheck checks a configuration for re-validating an already
// normalized table, which needs no source or CSV settings.
func ValidateCheck(c Config) []Issue {
	return validate(c, false)
}

func validate(c Config, withSource bool) []Issue {
	var out issues
	if withSource {
		validateSource(&out, c.Source)
	}
	validateDataset(&out, c.Dataset)
	if withSource {
		validateCSV(&out, c.CSV)
	}

	if strings.TrimSpace(c.WorkDir) == "" {
		out.errorf("work_dir", "must not be empty")
	}
	if c.Validation.Workers < 0 {
		out.errorf("validation.workers", "must be >= 0, got %d", c.Validation.Workers)
	}
	if c.Validation.ReadTimeout < 0 {
		out.errorf("validation.read_timeout", "must be >= 0, got %s", c.Validation.ReadTimeout)
	}
	if c.Validation.Deadline < 0 {
		out.errorf("validation.deadline", "must be >= 0, got %s", c.Validation.Deadline)
	}

	switch c.Storage.Kind {
	case "":
	case "sqlite", "postgres", "mssql":
		if strings.TrimSpace(c.Storage.DSN) == "" {
			out.errorf("storage.dsn", "required when storage.kind=%s", c.Storage.Kind)
		}
	default:
		out.errorf("storage.kind", "unsupported kind %q (want sqlite, postgres or mssql)", c.Storage.Kind)
	}

	switch c.Metrics.Backend {
	case "", "none":
	case "datadog":
		if c.Metrics.FlushEvery <= 0 {
			out.errorf("metrics.flush_every", "must be > 0 for datadog")
		}
	default:
		out.warnf("metrics.backend", "unknown backend %q; metrics disabled", c.Metrics.Backend)
	}
	return out
}

func validateSource(out *issues, s Source) {
	switch s.Kind {
	case "file":
		if strings.TrimSpace(s.Path) == "" {
			out.errorf("source.path", "required for source.kind=file")
		}
	case "s3":
		if s.Bucket == "" {
			out.errorf("source.bucket", "required for source.kind=s3")
		}
		if s.Key == "" {
			out.errorf("source.key", "required for source.kind=s3")
		}
	default:
		out.errorf("source.kind", "unsupported kind %q (want file or s3)", s.Kind)
	}
}

// datasetName is the catalog naming rule. Names also become file names and
// ledger keys.
var datasetName = regexp.MustCompile(`^[A-Z][A-Z0-9_]*$`)

func validateDataset(out *issues, d Dataset) {
	switch {
	case strings.TrimSpace(d.Name) == "":
		out.errorf("dataset.name", "must not be empty")
	case !datasetName.MatchString(d.Name):
		out.errorf("dataset.name", "%q must start with A-Z and contain only A-Z, 0-9 and _", d.Name)
	}
	if _, err := dataset.ParseMeasureType(d.MeasureType); err != nil {
		out.errorf("dataset.measure_type", "%v", err)
	}
	if _, err := dataset.ParseTemporality(d.Temporality); err != nil {
		out.errorf("dataset.temporality", "%v", err)
	}
	checkCodes(out, "dataset.code_list", d.CodeList)
	checkCodes(out, "dataset.sentinel_list", d.SentinelList)
	if len(d.CodeList) == 0 && len(d.SentinelList) > 0 {
		out.warnf("dataset.sentinel_list", "ignored without a code_list")
	}
}

func checkCodes(out *issues, path string, items []validation.CodeListItem) {
	seen := make(map[string]bool, len(items))
	for i, it := range items {
		p := fmt.Sprintf("%s[%d].code", path, i)
		if it.Code == "" {
			out.errorf(p, "must not be empty")
			continue
		}
		if seen[it.Code] {
			out.warnf(p, "duplicate code %q", it.Code)
		}
		seen[it.Code] = true
	}
}

func validateCSV(out *issues, c CSV) {
	if utf8.RuneCountInString(c.Delimiter) != 1 {
		out.errorf("csv.delimiter", "must be a single character, got %q", c.Delimiter)
	} else if strings.ContainsAny(c.Delimiter, "\"\r\n") {
		out.errorf("csv.delimiter", "%q cannot be used as a delimiter", c.Delimiter)
	} else if c.Delimiter != ";" {
		out.warnf("csv.delimiter", "%q differs from the catalog format \";\"", c.Delimiter)
	}
	if _, err := (csvparser.Options{Encoding: c.Encoding}).Decode(strings.NewReader("")); err != nil {
		out.errorf("csv.encoding", "%v", err)
	}
}

// Options converts the section into parser options. Validate guarantees a
// single-character delimiter; an empty one falls back to the parser default.
func (c CSV) Options() csvparser.Options {
	comma, _ := utf8.DecodeRuneInString(c.Delimiter)
	if comma == utf8.RuneError {
		comma = 0
	}
	return csvparser.Options{Comma: comma, Encoding: c.Encoding, LazyQuotes: c.LazyQuotes}
}

// Context parses the declared types into a validation context.
func (d Dataset) Context() (validation.Context, error) {
	measure, err := dataset.ParseMeasureType(d.MeasureType)
	if err != nil {
		return validation.Context{}, err
	}
	temporality, err := dataset.ParseTemporality(d.Temporality)
	if err != nil {
		return validation.Context{}, err
	}
	return validation.Context{
		MeasureType:  measure,
		Temporality:  temporality,
		CodeList:     d.CodeList,
		SentinelList: d.SentinelList,
	}, nil
}
