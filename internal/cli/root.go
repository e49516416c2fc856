// Copyright 2025 The Strata Contributors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package cli implements the strata command line interface. The SARIF
// report goes to stdout (or a file); all operational output goes to stderr.
package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/stratasec/strata"
	"github.com/stratasec/strata/finding"
	"github.com/stratasec/strata/log"
	"github.com/stratasec/strata/output"
)

// Exit codes. Unsuppressed findings only fail the run when requested, so
// pipelines can opt in to treating findings as failures.
const (
	ExitOK                   = 0
	ExitError                = 1
	ExitUnsuppressedFindings = 100
)

// errUnsuppressedFindings signals a successful scan that found unsuppressed
// findings while --fail-on-findings is set.
var errUnsuppressedFindings = errors.New("unsuppressed findings present")

var logger = logrus.New()

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "strata [flags] target ...",
		Short:         "Scan filesystem targets for static credentials, expanding nested archives",
		Args:          cobra.MinimumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if viper.GetBool("debug") {
				logger.SetLevel(logrus.DebugLevel)
			}
		},
		RunE: runScan,
	}

	flags := cmd.Flags()
	flags.StringSliceP("rule-pack", "r", nil, "rule pack file or URL (repeatable, at least one required)")
	flags.StringSliceP("ignore-list", "i", nil, "ignore list file or URL (repeatable)")
	flags.String("cache-directory", "", "directory for extracted content (default: a fresh temporary directory)")
	flags.Int64("cache-budget", 0, "maximum bytes of unpinned cached content kept on disk")
	flags.IntP("threads", "j", 0, "worker pool size (default: one per CPU)")
	flags.Int("max-depth", 0, "maximum archive nesting depth")
	flags.Int64("max-expand-bytes", 0, "maximum cumulative expanded bytes per scan root")
	flags.Int("max-members", 0, "maximum member count of a single archive")
	flags.Int64("max-target-bytes", 0, "maximum size of a single scanned item")
	flags.Bool("skip-unprocessable", false, "record unprocessable items as notifications instead of failing")
	flags.Bool("partial-report", false, "emit the findings gathered before a fatal error")
	flags.Bool("fail-on-findings", false, fmt.Sprintf("exit with code %d when unsuppressed findings are present", ExitUnsuppressedFindings))
	flags.Bool("pretty", false, "indent the SARIF output")
	flags.StringP("output", "o", "", "write the SARIF report to a file instead of stdout")
	cmd.PersistentFlags().Bool("debug", false, "enable debug logging")

	cobra.CheckErr(viper.BindPFlags(flags))
	cobra.CheckErr(viper.BindPFlags(cmd.PersistentFlags()))

	cmd.AddCommand(newVersionCmd())
	cmd.AddCommand(newSchemaCmd())

	return cmd
}

func runScan(cmd *cobra.Command, args []string) error {
	opts := []strata.ScanOption{
		strata.ScanWithRulePacks(viper.GetStringSlice("rule-pack")...),
		strata.ScanWithIgnoreLists(viper.GetStringSlice("ignore-list")...),
		strata.ScanWithCacheDir(viper.GetString("cache-directory")),
		strata.ScanWithCacheBudget(viper.GetInt64("cache-budget")),
		strata.ScanWithThreads(viper.GetInt("threads")),
		strata.ScanWithMaxDepth(viper.GetInt("max-depth")),
		strata.ScanWithMaxExpandBytes(viper.GetInt64("max-expand-bytes")),
		strata.ScanWithMaxMembers(viper.GetInt("max-members")),
		strata.ScanWithMaxTargetBytes(viper.GetInt64("max-target-bytes")),
		strata.ScanWithSkipUnprocessable(viper.GetBool("skip-unprocessable")),
		strata.ScanWithPartialReport(viper.GetBool("partial-report")),
	}

	report, err := strata.Scan(cmd.Context(), args, opts...)
	if err != nil {
		if report == nil {
			return err
		}
		// Partial reporting: write what we have, then fail.
		log.Errorf("scan failed, emitting partial report: %s", err)
		if writeErr := writeReport(cmd, report); writeErr != nil {
			return writeErr
		}
		return err
	}

	if err := writeReport(cmd, report); err != nil {
		return err
	}

	if viper.GetBool("fail-on-findings") && report.Summary.Findings > report.Summary.Suppressed {
		return errUnsuppressedFindings
	}
	return nil
}

func writeReport(cmd *cobra.Command, report *finding.Report) error {
	root, err := os.Getwd()
	if err != nil {
		return fmt.Errorf("failed to determine working directory: %w", err)
	}

	opts := output.Options{
		Version: Version,
		Root:    root,
		Pretty:  viper.GetBool("pretty"),
	}

	var w io.Writer = cmd.OutOrStdout()
	if path := viper.GetString("output"); path != "" {
		f, err := os.Create(path)
		if err != nil {
			return fmt.Errorf("failed to create output file: %w", err)
		}
		defer f.Close()
		w = f
	}

	return output.Write(w, report, opts)
}

// Execute runs the CLI and returns the process exit code.
func Execute() int {
	log.SetLogger(configureLogger())

	viper.SetEnvPrefix("STRATA")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	root := newRootCmd()
	if err := root.ExecuteContext(ctx); err != nil {
		if errors.Is(err, errUnsuppressedFindings) {
			return ExitUnsuppressedFindings
		}
		log.Error(err)
		return ExitError
	}
	return ExitOK
}

// configureLogger prepares the stderr logrus backend installed as strata's
// logger for the lifetime of the process.
func configureLogger() *logrus.Logger {
	logger.SetOutput(os.Stderr)
	logger.SetFormatter(&logrus.TextFormatter{DisableTimestamp: true})
	return logger
}
