// Command microdata validates raw microdata observation files against their
// declared measure type and temporality before publication.
//
// Sub-commands:
//
//	validate   full run: read, normalize, validate, summarize coverage, record
//	normalize  read the source and write the canonical parquet table
//	check      validate an already normalized table
//	coverage   summarize the temporal coverage of a normalized table
//	probe      sample a raw file and suggest csv and dataset settings
//	last       show the latest recorded run of a dataset
//
// Exit codes:
//   - 0: success (dataset accepted).
//   - 1: dataset rejected, or the run failed.
//   - 2: configuration/initialization error.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"

	"microdata/internal/config"
	"microdata/internal/metrics"
	"microdata/internal/metrics/datadog"
	"microdata/internal/pipeline"
	"microdata/internal/report"

	// register all backends with the storage factory.
	_ "microdata/internal/storage/all"
)

const (
	exitOK     = 0
	exitFailed = 1
	exitConfig = 2
)

// backendCloser is the minimal interface used by this command to manage a metrics backend.
type backendCloser interface {
	metrics.Backend
	Close() error
}

// deps are external seams for testability.
type deps struct {
	Stdout io.Writer
	Stderr io.Writer

	BackendFactory func(ctx context.Context, opts datadog.Options) (backendCloser, error)

	// NewRunner receives a nil logger unless -v is set.
	NewRunner func(logger pipeline.Logger) *pipeline.Runner
}

// main is intentionally small: it wires real dependencies and exits with a code.
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := run(ctx, os.Args[1:], deps{
		Stdout: os.Stdout,
		Stderr: os.Stderr,
		BackendFactory: func(ctx context.Context, opts datadog.Options) (backendCloser, error) {
			return datadog.NewBackend(ctx, opts)
		},
		NewRunner: pipeline.NewDefaultRunner,
	})
	stop()
	os.Exit(code)
}

// exitError carries an exit code out of a cobra command. A nil err means the
// outcome has already been printed.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string {
	if e.err == nil {
		return fmt.Sprintf("exit status %d", e.code)
	}
	return e.err.Error()
}

func (e *exitError) Unwrap() error { return e.err }

func failed(err error) error { return &exitError{code: exitFailed, err: err} }

func configError(err error) error { return &exitError{code: exitConfig, err: err} }

// errRejected marks a rejected dataset whose report is already on stdout.
var errRejected = &exitError{code: exitFailed}

// run executes the command line and returns an exit code.
func run(ctx context.Context, args []string, d deps) int {
	if d.Stdout == nil {
		d.Stdout = io.Discard
	}
	if d.Stderr == nil {
		d.Stderr = io.Discard
	}
	if d.NewRunner == nil || d.BackendFactory == nil {
		fmt.Fprintln(d.Stderr, "internal error: NewRunner and BackendFactory are required")
		return exitConfig
	}

	root := newRootCmd(&app{deps: d})
	root.SetArgs(args)
	root.SetOut(d.Stdout)
	root.SetErr(d.Stderr)
	return exitCode(d.Stderr, root.ExecuteContext(ctx))
}

// exitCode maps a command error to an exit code. Errors cobra raises itself
// (unknown flags, bad arguments) are usage errors.
func exitCode(stderr io.Writer, err error) int {
	if err == nil {
		return exitOK
	}
	var ee *exitError
	if errors.As(err, &ee) {
		if ee.err != nil {
			fmt.Fprintf(stderr, "error: %v\n", ee.err)
		}
		return ee.code
	}
	fmt.Fprintf(stderr, "error: %v\n", err)
	return exitConfig
}

// app is the state shared by the sub-commands of one invocation.
type app struct {
	deps

	cfgPath string
	asJSON  bool

	cfg    config.Config
	logger pipeline.Logger
}

func (a *app) format() report.Format {
	if a.asJSON {
		return report.FormatJSON
	}
	return report.FormatTable
}

func (a *app) runner() *pipeline.Runner {
	return a.NewRunner(a.logger)
}

// load reads the layered configuration for the invoked command.
func (a *app) load(fs *pflag.FlagSet) error {
	cfg, err := config.Load(a.cfgPath, fs)
	if err != nil {
		return configError(err)
	}
	a.cfg = cfg
	if cfg.Verbose {
		a.logger = log.New(a.Stderr, "", log.LstdFlags)
	}
	return nil
}

// checkIssues prints issues in the order given and fails on any error.
// A non-empty prefixes list limits the check to those config paths.
func (a *app) checkIssues(issues []config.Issue, prefixes ...string) error {
	issues = config.Filter(issues, prefixes...)
	report.Issues(a.Stderr, issues)
	if config.HasErrors(issues) {
		return &exitError{code: exitConfig, err: errors.New("configuration is invalid")}
	}
	return nil
}

// initMetrics installs the configured metrics backend. The returned cleanup
// is never nil and must be called once the command is done.
func (a *app) initMetrics(ctx context.Context) (func(), error) {
	m := a.cfg.Metrics
	switch m.Backend {
	case "", "none":
		return func() {}, nil
	case "datadog":
		b, err := a.BackendFactory(ctx, datadog.Options{
			JobName:    m.JobName,
			Tags:       m.Tags,
			FlushEvery: m.FlushEvery,
		})
		if err != nil {
			return func() {}, fmt.Errorf("init metrics: %w", err)
		}
		metrics.SetBackend(b)
		if a.logger != nil {
			a.logger.Printf("metrics: backend=datadog job_name=%s tags=%v", m.JobName, m.Tags)
		}
		return func() {
			if err := b.Close(); err != nil {
				fmt.Fprintf(a.Stderr, "metrics: datadog close error: %v\n", err)
			}
			metrics.SetBackend(nil)
		}, nil
	default:
		// Reported as a config warning.
		return func() {}, nil
	}
}
