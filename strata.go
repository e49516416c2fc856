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

// Package strata scans filesystem targets for static credentials, expanding
// nested archives as it goes. Scan is the single entry point; rule packs and
// ignore lists are resolved from local files or URLs, content is unpacked
// through a bounded content-addressed cache, and results come back as a
// deterministic report ready for SARIF serialization.
package strata

import (
	"context"
	"fmt"
	"os"

	"github.com/stratasec/strata/cache"
	"github.com/stratasec/strata/expand"
	"github.com/stratasec/strata/finding"
	"github.com/stratasec/strata/log"
	"github.com/stratasec/strata/manifest"
	"github.com/stratasec/strata/matcher"
	"github.com/stratasec/strata/scanner"
)

// ErrInvalidOption is returned when Scan is called with an unusable option
// combination.
type ErrInvalidOption struct {
	Option string
	Reason string
}

func (e ErrInvalidOption) Error() string {
	return fmt.Sprintf("invalid option %s: %s", e.Option, e.Reason)
}

type scanOptions struct {
	rulePacks         []string
	ignoreLists       []string
	cacheDir          string
	cacheBudget       int64
	threads           int
	maxDepth          int
	maxExpandBytes    int64
	maxMembers        int
	maxTargetBytes    int64
	skipUnprocessable bool
	partialReport     bool
}

// ScanOption configures a call to Scan.
type ScanOption func(*scanOptions)

// ScanWithRulePacks sets the rule pack identifiers (file paths or URLs) to
// resolve. At least one is required.
func ScanWithRulePacks(packs ...string) ScanOption {
	return func(so *scanOptions) {
		so.rulePacks = packs
	}
}

// ScanWithIgnoreLists sets the ignore list identifiers used to suppress
// findings.
func ScanWithIgnoreLists(lists ...string) ScanOption {
	return func(so *scanOptions) {
		so.ignoreLists = lists
	}
}

// ScanWithCacheDir sets the directory extracted content is spooled into.
// The directory is removed when the scan finishes; when unset a fresh
// temporary directory is used.
func ScanWithCacheDir(dir string) ScanOption {
	return func(so *scanOptions) {
		so.cacheDir = dir
	}
}

// ScanWithCacheBudget caps the total bytes of unpinned cached content kept
// on disk.
func ScanWithCacheBudget(n int64) ScanOption {
	return func(so *scanOptions) {
		so.cacheBudget = n
	}
}

// ScanWithThreads sets the worker pool size. Zero or below means one worker
// per CPU.
func ScanWithThreads(n int) ScanOption {
	return func(so *scanOptions) {
		so.threads = n
	}
}

// ScanWithMaxDepth caps archive nesting depth.
func ScanWithMaxDepth(n int) ScanOption {
	return func(so *scanOptions) {
		so.maxDepth = n
	}
}

// ScanWithMaxExpandBytes caps the cumulative expanded size per scan root.
func ScanWithMaxExpandBytes(n int64) ScanOption {
	return func(so *scanOptions) {
		so.maxExpandBytes = n
	}
}

// ScanWithMaxMembers caps the member count of a single archive.
func ScanWithMaxMembers(n int) ScanOption {
	return func(so *scanOptions) {
		so.maxMembers = n
	}
}

// ScanWithMaxTargetBytes caps the size of a single item handed to the
// matcher.
func ScanWithMaxTargetBytes(n int64) ScanOption {
	return func(so *scanOptions) {
		so.maxTargetBytes = n
	}
}

// ScanWithSkipUnprocessable records unreadable, unextractable or oversized
// items as report notifications instead of failing the scan.
func ScanWithSkipUnprocessable(skip bool) ScanOption {
	return func(so *scanOptions) {
		so.skipUnprocessable = skip
	}
}

// ScanWithPartialReport returns the findings gathered before a fatal error
// alongside the error, instead of discarding them.
func ScanWithPartialReport(partial bool) ScanOption {
	return func(so *scanOptions) {
		so.partialReport = partial
	}
}

// Scan expands and scans the given targets, returning the finalized report.
// Targets may be files or directories; each regular file reached becomes a
// scan root. On a fatal error the report is nil unless partial reporting
// was requested.
func Scan(ctx context.Context, targets []string, opts ...ScanOption) (*finding.Report, error) {
	so := scanOptions{}
	for _, opt := range opts {
		opt(&so)
	}

	if err := validateScanOpts(targets, so); err != nil {
		return nil, err
	}

	loader := manifest.NewLoader()
	rules, err := loader.ResolveRules(ctx, so.rulePacks)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve rule packs: %w", err)
	}

	ignores, err := loader.ResolveIgnores(ctx, so.ignoreLists)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve ignore lists: %w", err)
	}

	var matcherOpts []matcher.Option
	if so.maxTargetBytes > 0 {
		matcherOpts = append(matcherOpts, matcher.WithMaxTargetBytes(so.maxTargetBytes))
	}

	m, err := matcher.Compile(rules, matcherOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to compile rules: %w", err)
	}

	cacheDir := so.cacheDir
	if cacheDir == "" {
		cacheDir, err = os.MkdirTemp("", "strata-cache-")
		if err != nil {
			return nil, fmt.Errorf("failed to create cache directory: %w", err)
		}
	}

	var cacheOpts []cache.Option
	if so.cacheBudget > 0 {
		cacheOpts = append(cacheOpts, cache.WithMaxBytes(so.cacheBudget))
	}

	store, err := cache.New(cacheDir, cacheOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create cache: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			log.Warnf("failed to tear down cache: %s", err)
		}
	}()

	expandOpts := []expand.Option{expand.WithSkipUnprocessable(so.skipUnprocessable)}
	if so.maxDepth > 0 {
		expandOpts = append(expandOpts, expand.WithMaxDepth(so.maxDepth))
	}
	if so.maxExpandBytes > 0 {
		expandOpts = append(expandOpts, expand.WithMaxExpandBytes(so.maxExpandBytes))
	}
	if so.maxMembers > 0 {
		expandOpts = append(expandOpts, expand.WithMaxMembers(so.maxMembers))
	}

	sched := scanner.New(
		expand.New(store, expandOpts...),
		m,
		ignores,
		ruleInfo(rules),
		scanner.WithWorkers(so.threads),
		scanner.WithSkipUnprocessable(so.skipUnprocessable),
	)

	report, err := sched.Run(ctx, targets)
	if err != nil {
		if so.partialReport {
			return sched.Partial(), err
		}
		return nil, err
	}

	log.Infof("scan complete: %d items, %d findings (%d suppressed), %d unprocessable",
		report.Summary.Items, report.Summary.Findings, report.Summary.Suppressed, report.Summary.Unprocessable)
	return report, nil
}

func validateScanOpts(targets []string, so scanOptions) error {
	if len(targets) == 0 {
		return ErrInvalidOption{Option: "targets", Reason: "at least one scan target is required"}
	}

	if len(so.rulePacks) == 0 {
		return ErrInvalidOption{Option: "rule packs", Reason: "at least one rule pack is required"}
	}

	return nil
}

func ruleInfo(rules []manifest.Rule) map[string]finding.RuleInfo {
	info := make(map[string]finding.RuleInfo, len(rules))
	for _, r := range rules {
		info[r.ID] = finding.RuleInfo{
			ID:          r.ID,
			Description: r.Description,
			Confidence:  r.Confidence,
		}
	}
	return info
}
