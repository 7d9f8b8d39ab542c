package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"microdata/internal/config"
	"microdata/internal/pipeline"
	"microdata/internal/probe"
	"microdata/internal/report"
	"microdata/internal/storage"
	"microdata/internal/transformer"
	"microdata/internal/validation"
)

func newRootCmd(a *app) *cobra.Command {
	root := &cobra.Command{
		Use:   "microdata",
		Short: "Validate microdata observation files before publication",
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if cmd.Name() == "help" {
				return nil
			}
			return a.load(cmd.Flags())
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	pf := root.PersistentFlags()
	pf.StringVar(&a.cfgPath, "config", "", "config file (default: ./microdata.yaml)")
	pf.BoolVar(&a.asJSON, "json", false, "print results as JSON")
	pf.BoolP("verbose", "v", false, "verbose logs on stderr")
	pf.String("dataset", "", "dataset name (dataset.name)")
	pf.String("measure-type", "", "STRING, LONG, DOUBLE or DATE (dataset.measure_type)")
	pf.String("temporality", "", "FIXED, STATUS, ACCUMULATED or EVENT (dataset.temporality)")
	pf.String("work-dir", "", "directory for the normalized table (work_dir)")
	pf.String("storage-kind", "", "run ledger backend: sqlite, postgres or mssql (storage.kind)")
	pf.String("storage-dsn", "", "run ledger DSN (storage.dsn)")
	pf.String("metrics-backend", "", "none or datadog (metrics.backend)")

	root.AddCommand(
		newValidateCmd(a),
		newNormalizeCmd(a),
		newCheckCmd(a),
		newCoverageCmd(a),
		newProbeCmd(a),
		newLastCmd(a),
	)
	return root
}

func addSourceFlags(fs *pflag.FlagSet) {
	fs.String("input", "", "raw observation file (source.path)")
	fs.String("source", "", "source kind: file or s3 (source.kind)")
	fs.String("delimiter", "", `field separator (csv.delimiter, default ";")`)
	fs.String("encoding", "", "input encoding (csv.encoding, default utf-8)")
}

func addValidationFlags(fs *pflag.FlagSet) {
	fs.Int("workers", 0, "concurrent overlap batches (validation.workers)")
	fs.Int("overlap-batch-size", 0, "identifiers per overlap batch; negative for one batch (validation.overlap_batch_size)")
	fs.Duration("read-timeout", 0, "per-rule table read timeout (validation.read_timeout)")
	fs.Duration("deadline", 0, "bound on the whole command (validation.deadline)")
}

func addMetadataFlags(fs *pflag.FlagSet) {
	fs.String("metadata-in", "", "metadata JSON the coverage is merged into (metadata.in)")
	fs.String("metadata-out", "", "where the updated metadata is written; defaults to --metadata-in (metadata.out)")
}

func newValidateCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Normalize, validate and summarize a raw observation file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := a.checkIssues(config.Validate(a.cfg)); err != nil {
				return err
			}
			cleanup, err := a.initMetrics(cmd.Context())
			if err != nil {
				return configError(err)
			}
			defer cleanup()

			rep, err := a.runner().Run(cmd.Context(), a.cfg)
			if err != nil {
				return failed(err)
			}
			if err := report.Run(a.Stdout, rep, a.format()); err != nil {
				return failed(err)
			}
			if !rep.Accepted() {
				return errRejected
			}
			return nil
		},
	}
	addSourceFlags(cmd.Flags())
	addValidationFlags(cmd.Flags())
	addMetadataFlags(cmd.Flags())
	cmd.Flags().Bool("keep-temporary-files", false, "keep the normalized table (keep_temporary_files)")
	return cmd
}

func newNormalizeCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "normalize",
		Short: "Write the canonical parquet table of a raw observation file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := a.checkIssues(config.Validate(a.cfg), "source.", "dataset.", "csv.", "work_dir"); err != nil {
				return err
			}
			n, err := a.runner().Normalize(cmd.Context(), a.cfg)
			var pe *transformer.ParseError
			if errors.As(err, &pe) {
				return failed(fmt.Errorf("dataset rejected: %w", err))
			}
			if err != nil {
				return failed(err)
			}
			if err := report.Normalized(a.Stdout, n, a.format()); err != nil {
				return failed(err)
			}
			return nil
		},
	}
	addSourceFlags(cmd.Flags())
	return cmd
}

// tablePath is --parquet or the table a validate/normalize run would write.
func tablePath(cmd *cobra.Command, cfg config.Config) string {
	if p, _ := cmd.Flags().GetString("parquet"); p != "" {
		return p
	}
	return pipeline.TablePath(cfg)
}

func newCheckCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "check",
		Short: "Validate an already normalized table",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := a.checkIssues(config.ValidateCheck(a.cfg)); err != nil {
				return err
			}
			ctx := cmd.Context()
			if d := a.cfg.Validation.Deadline; d > 0 {
				var cancel context.CancelFunc
				ctx, cancel = context.WithTimeout(ctx, d)
				defer cancel()
			}
			cleanup, err := a.initMetrics(ctx)
			if err != nil {
				return configError(err)
			}
			defer cleanup()

			path := tablePath(cmd, a.cfg)
			rep := pipeline.Report{
				Dataset:     a.cfg.Dataset.Name,
				Temporality: a.cfg.Dataset.Temporality,
				MeasureType: a.cfg.Dataset.MeasureType,
				Source:      path,
				Status:      storage.StatusAccepted,
				TableFile:   path,
			}
			err = a.runner().Check(ctx, a.cfg, path)
			var ve *validation.ViolationError
			switch {
			case errors.As(err, &ve):
				f, _ := validation.AsFailure(err)
				rep.Status, rep.FailedRule, rep.Failure = storage.StatusRejected, ve.Rule, &f
			case err != nil:
				return failed(err)
			}
			if err := report.Run(a.Stdout, rep, a.format()); err != nil {
				return failed(err)
			}
			if !rep.Accepted() {
				return errRejected
			}
			return nil
		},
	}
	addValidationFlags(cmd.Flags())
	cmd.Flags().String("parquet", "", "normalized table (default: <work_dir>/<dataset>.parquet)")
	return cmd
}

func newCoverageCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "coverage",
		Short: "Summarize the temporal coverage of a normalized table",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := a.checkIssues(config.ValidateCheck(a.cfg), "dataset.", "work_dir"); err != nil {
				return err
			}
			s, err := a.runner().Coverage(cmd.Context(), a.cfg, tablePath(cmd, a.cfg))
			if err != nil {
				return failed(err)
			}
			return report.Coverage(a.Stdout, a.cfg.Dataset.Name, s, a.format())
		},
	}
	addMetadataFlags(cmd.Flags())
	cmd.Flags().String("parquet", "", "normalized table (default: <work_dir>/<dataset>.parquet)")
	return cmd
}

func newProbeCmd(a *app) *cobra.Command {
	var (
		maxBytes int
		asYAML   bool
	)
	cmd := &cobra.Command{
		Use:   "probe",
		Short: "Sample a raw file and suggest csv and dataset settings",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := a.checkIssues(config.Validate(a.cfg), "source."); err != nil {
				return err
			}
			var encoding string
			if cmd.Flags().Changed("encoding") {
				encoding = a.cfg.CSV.Encoding
			}
			r := a.runner()
			s, err := probe.Run(cmd.Context(), r.Open, a.cfg.Source, probe.Options{MaxBytes: maxBytes, Encoding: encoding})
			if err != nil {
				return failed(err)
			}
			switch {
			case asYAML:
				name := a.cfg.Dataset.Name
				if name == "" {
					name = "DATASET"
				}
				b, err := probe.YAML(name, s)
				if err != nil {
					return failed(err)
				}
				_, err = a.Stdout.Write(b)
				return err
			default:
				return report.Probe(a.Stdout, s, a.format())
			}
		},
	}
	addSourceFlags(cmd.Flags())
	cmd.Flags().IntVar(&maxBytes, "max-bytes", probe.DefaultMaxBytes, "bytes sampled from the start of the file")
	cmd.Flags().BoolVar(&asYAML, "yaml", false, "print a config file fragment")
	return cmd
}

func newLastCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "last",
		Short: "Show the latest recorded run of a dataset",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := a.checkIssues(config.ValidateCheck(a.cfg), "dataset.name", "storage."); err != nil {
				return err
			}
			if !a.cfg.Storage.Enabled() {
				return configError(errors.New("storage.kind is required"))
			}
			r := a.runner()
			repo, err := r.NewRuns(cmd.Context(), a.cfg.Storage)
			if err != nil {
				return failed(fmt.Errorf("open run ledger: %w", err))
			}
			defer repo.Close()
			if err := repo.EnsureSchema(cmd.Context()); err != nil {
				return failed(err)
			}
			rec, ok, err := repo.LatestRun(cmd.Context(), a.cfg.Dataset.Name)
			if err != nil {
				return failed(err)
			}
			return report.LastRun(a.Stdout, a.cfg.Dataset.Name, rec, ok, a.format())
		},
	}
}
