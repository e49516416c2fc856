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

// Package scanner dispatches scan items from the expander to the matcher
// across a fixed worker pool, and aggregates raw matches into the final
// deterministic report. The bounded item queue provides backpressure: when
// workers fall behind, the producer blocks, capping the number of pinned
// cache entries in flight.
package scanner

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"runtime"

	"golang.org/x/sync/errgroup"

	"github.com/stratasec/strata/expand"
	"github.com/stratasec/strata/finding"
	"github.com/stratasec/strata/log"
	"github.com/stratasec/strata/manifest"
	"github.com/stratasec/strata/matcher"
)

// queueFactor sizes the bounded item queue relative to the worker count.
const queueFactor = 4

// Scheduler runs one scan: a producer walk feeding a bounded queue consumed
// by a fixed pool of matcher workers, all under one shared cancellation
// signal.
type Scheduler struct {
	expander          *expand.Expander
	matcher           *matcher.Matcher
	rules             map[string]finding.RuleInfo
	aggregator        *Aggregator
	workers           int
	skipUnprocessable bool
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithWorkers sets the worker pool size. Values of zero or below leave the
// default (the number of CPUs) in place.
func WithWorkers(n int) Option {
	return func(s *Scheduler) {
		if n > 0 {
			s.workers = n
		}
	}
}

// WithSkipUnprocessable downgrades per-item match failures from fatal
// errors to report notifications, mirroring the expander's setting.
func WithSkipUnprocessable(skip bool) Option {
	return func(s *Scheduler) {
		s.skipUnprocessable = skip
	}
}

// New creates a Scheduler wiring the expander, matcher and ignore tree
// together for one run.
func New(e *expand.Expander, m *matcher.Matcher, ignores *manifest.IgnoreTree, rules map[string]finding.RuleInfo, opts ...Option) *Scheduler {
	s := &Scheduler{
		expander:   e,
		matcher:    m,
		rules:      rules,
		aggregator: NewAggregator(ignores),
		workers:    runtime.NumCPU(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Run expands and scans the given roots, returning the finalized report.
// On a fatal error all workers and producers are cancelled promptly, queued
// items are drained and released during teardown, and no report is
// returned.
func (s *Scheduler) Run(ctx context.Context, roots []string) (*finding.Report, error) {
	g, gctx := errgroup.WithContext(ctx)
	items := make(chan expand.Item, s.workers*queueFactor)

	g.Go(func() error {
		defer close(items)

		emit := func(ctx context.Context, item expand.Item) error {
			select {
			case items <- item:
				return nil
			case <-ctx.Done():
				if err := item.Release(); err != nil {
					log.Debugf("(scanner) error releasing item %s during cancel: %s", item.Chain, err)
				}
				return ctx.Err()
			}
		}

		return s.expander.Walk(gctx, roots, emit, s.aggregator.AddUnprocessable)
	})

	for i := 0; i < s.workers; i++ {
		g.Go(func() error {
			for {
				select {
				case <-gctx.Done():
					return gctx.Err()
				case item, ok := <-items:
					if !ok {
						return nil
					}
					if err := s.scanItem(item); err != nil {
						return err
					}
				}
			}
		})
	}

	err := g.Wait()

	// Deterministic teardown: the queue is closed, workers have exited;
	// anything still queued must drop its cache pin.
	for item := range items {
		if relErr := item.Release(); relErr != nil && err == nil {
			err = relErr
		}
	}

	if err != nil {
		return nil, err
	}
	return s.aggregator.Finalize(s.rules), nil
}

// Partial finalizes whatever the aggregator holds so far. It backs the
// opt-in partial reporting mode; a run that failed fatally otherwise emits
// nothing.
func (s *Scheduler) Partial() *finding.Report {
	return s.aggregator.Finalize(s.rules)
}

// scanItem reads one item's bytes from its source, runs the matcher, and
// forwards raw matches to the aggregator. A per-item scan failure is
// recoverable when the run skips unprocessable items; a failure to release
// the item's cache pin is not, since it means eviction could not reclaim
// disk.
func (s *Scheduler) scanItem(item expand.Item) (err error) {
	defer func() {
		if relErr := item.Release(); relErr != nil && err == nil {
			err = relErr
		}
	}()

	if max := s.matcher.MaxTargetBytes(); item.Size() > max {
		return s.unprocessable(item.Chain, fmt.Sprintf("item size %d exceeds engine limit %d", item.Size(), max))
	}

	content, err := s.readItem(item)
	if err != nil {
		return s.unprocessable(item.Chain, err.Error())
	}

	matches, err := s.matcher.Scan(content)
	if err != nil {
		var scanErr matcher.ScanError
		if errors.As(err, &scanErr) {
			return s.unprocessable(item.Chain, scanErr.Reason)
		}
		return err
	}

	sum := sha256.Sum256(content)
	s.aggregator.AddMatches(item.Chain, hex.EncodeToString(sum[:]), matches, s.rules)
	return nil
}

func (s *Scheduler) readItem(item expand.Item) ([]byte, error) {
	r, err := item.Open()
	if err != nil {
		return nil, err
	}
	defer r.Close()
	return io.ReadAll(r)
}

func (s *Scheduler) unprocessable(chain finding.PathChain, reason string) error {
	log.Warnf("(scanner) unprocessable item %s: %s", chain, reason)
	s.aggregator.AddUnprocessable(finding.Unprocessable{Chain: chain, Reason: reason})
	if s.skipUnprocessable {
		return nil
	}
	return expand.UnprocessableError{Chain: chain, Reason: reason}
}
