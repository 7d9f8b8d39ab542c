// Package config loads and checks the settings of a validation run.
package config

import (
	"os"
	"time"

	"microdata/internal/storage"
	"microdata/internal/validation"
)

// Config is the full configuration of one dataset run.
type Config struct {
	Source             Source         `koanf:"source"`
	Dataset            Dataset        `koanf:"dataset"`
	CSV                CSV            `koanf:"csv"`
	WorkDir            string         `koanf:"work_dir"`
	KeepTemporaryFiles bool           `koanf:"keep_temporary_files"`
	Validation         Validation     `koanf:"validation"`
	Storage            storage.Config `koanf:"storage"`
	Metrics            Metrics        `koanf:"metrics"`
	Metadata           Metadata       `koanf:"metadata"`
	Verbose            bool           `koanf:"verbose"`
}

// Source locates the raw observation file.
//
// Kind "file" reads Path. Kind "s3" reads Bucket/Key; Region and Endpoint
// override the AWS defaults.
type Source struct {
	Kind     string `koanf:"kind"`
	Path     string `koanf:"path"`
	Bucket   string `koanf:"bucket"`
	Key      string `koanf:"key"`
	Region   string `koanf:"region"`
	Endpoint string `koanf:"endpoint"`
}

// Dataset is what the data owner declares about the file.
type Dataset struct {
	Name         string                    `koanf:"name"`
	MeasureType  string                    `koanf:"measure_type"`
	Temporality  string                    `koanf:"temporality"`
	CodeList     []validation.CodeListItem `koanf:"code_list"`
	SentinelList []validation.CodeListItem `koanf:"sentinel_list"`
}

// CSV describes the raw file format.
type CSV struct {
	Delimiter  string `koanf:"delimiter"`
	Encoding   string `koanf:"encoding"`
	LazyQuotes bool   `koanf:"lazy_quotes"`
}

// Validation tunes rule execution.
type Validation struct {
	OverlapBatchSize int           `koanf:"overlap_batch_size"`
	Workers          int           `koanf:"workers"`
	ReadTimeout      time.Duration `koanf:"read_timeout"`
	// Deadline bounds the whole run; 0 disables it.
	Deadline time.Duration `koanf:"deadline"`
}

// Metrics selects the metrics backend ("", "none" or "datadog").
type Metrics struct {
	Backend    string        `koanf:"backend"`
	JobName    string        `koanf:"job_name"`
	Tags       []string      `koanf:"tags"`
	FlushEvery time.Duration `koanf:"flush_every"`
}

// Metadata names the dataset metadata document the coverage summary is
// merged into. Out defaults to In.
type Metadata struct {
	In  string `koanf:"in"`
	Out string `koanf:"out"`
}

const (
	DefaultDelimiter  = ";"
	DefaultFlushEvery = 60 * time.Second
	DefaultJobName    = "microdata"
)

func defaults() map[string]any {
	return map[string]any{
		"source.kind":                   "file",
		"csv.delimiter":                 DefaultDelimiter,
		"csv.encoding":                  "utf-8",
		"work_dir":                      os.TempDir(),
		"keep_temporary_files":          false,
		"validation.overlap_batch_size": validation.DefaultOverlapBatchSize,
		"validation.workers":            1,
		"metrics.backend":               "none",
		"metrics.job_name":              DefaultJobName,
		"metrics.flush_every":           DefaultFlushEvery.String(),
		"verbose":                       false,
	}
}
