package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/posflag"
	"github.com/knadh/koanf/v2"
	"github.com/spf13/pflag"
)

// EnvPrefix marks environment overrides. A double underscore separates
// nesting levels: MICRODATA_STORAGE__DSN sets storage.dsn.
const EnvPrefix = "MICRODATA_"

// DefaultFiles are looked up in the working directory when no path is given.
var DefaultFiles = []string{"microdata.yaml", "microdata.yml"}

// FlagKeys maps CLI flag names onto config keys. Flags not listed here
// (--config, --json) are not configuration.
var FlagKeys = map[string]string{
	"input":                "source.path",
	"source":               "source.kind",
	"dataset":              "dataset.name",
	"measure-type":         "dataset.measure_type",
	"temporality":          "dataset.temporality",
	"delimiter":            "csv.delimiter",
	"encoding":             "csv.encoding",
	"work-dir":             "work_dir",
	"keep-temporary-files": "keep_temporary_files",
	"workers":              "validation.workers",
	"overlap-batch-size":   "validation.overlap_batch_size",
	"read-timeout":         "validation.read_timeout",
	"deadline":             "validation.deadline",
	"storage-kind":         "storage.kind",
	"storage-dsn":          "storage.dsn",
	"metrics-backend":      "metrics.backend",
	"metadata-in":          "metadata.in",
	"metadata-out":         "metadata.out",
	"verbose":              "verbose",
}

func findConfigFile(explicit string) string {
	if explicit != "" {
		return explicit
	}
	for _, name := range DefaultFiles {
		if _, err := os.Stat(name); err == nil {
			return name
		}
	}
	return ""
}

// Load layers configuration. Precedence (highest to lowest): flags that were
// explicitly set > MICRODATA_ environment > YAML file > defaults.
//
// path may be empty, in which case DefaultFiles are tried. An explicit path
// that does not exist is an error.
func Load(path string, flags *pflag.FlagSet) (Config, error) {
	k := koanf.New(".")

	// 1. Defaults
	if err := k.Load(confmap.Provider(defaults(), "."), nil); err != nil {
		return Config{}, fmt.Errorf("load defaults: %w", err)
	}

	// 2. YAML file
	if used := findConfigFile(path); used != "" {
		if err := k.Load(file.Provider(used), yaml.Parser()); err != nil {
			return Config{}, fmt.Errorf("read config file %s: %w", used, err)
		}
	}

	// 3. Environment
	if err := k.Load(env.Provider(EnvPrefix, ".", envKey), nil); err != nil {
		return Config{}, fmt.Errorf("load env vars: %w", err)
	}

	// 4. Flags
	if flags != nil {
		if err := k.Load(posflag.ProviderWithFlag(flags, ".", k, func(f *pflag.Flag) (string, interface{}) {
			key, ok := FlagKeys[f.Name]
			if !ok || !f.Changed {
				return "", nil
			}
			return key, posflag.FlagVal(flags, f)
		}), nil); err != nil {
			return Config{}, fmt.Errorf("load flags: %w", err)
		}
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	if cfg.Metadata.Out == "" {
		cfg.Metadata.Out = cfg.Metadata.In
	}
	return cfg, nil
}

// envKey turns MICRODATA_VALIDATION__READ_TIMEOUT into validation.read_timeout.
func envKey(s string) string {
	s = strings.ToLower(strings.TrimPrefix(s, EnvPrefix))
	return strings.ReplaceAll(s, "__", ".")
}
