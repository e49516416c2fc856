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

package scanner

import (
	"fmt"
	"sync"

	"github.com/stratasec/strata/finding"
	"github.com/stratasec/strata/log"
	"github.com/stratasec/strata/manifest"
	"github.com/stratasec/strata/matcher"
)

// Aggregator collects raw matches from all workers, applies the dedup key
// and suppression lookup, and assembles the deterministic final report.
// Matches arrive in no guaranteed order; the final sort makes the report
// independent of worker scheduling.
type Aggregator struct {
	ignores *manifest.IgnoreTree

	mu            sync.Mutex
	seen          map[string]struct{}
	findings      []finding.Finding
	unprocessable []finding.Unprocessable
	items         int
}

// NewAggregator creates an Aggregator consulting the resolved ignore tree.
func NewAggregator(ignores *manifest.IgnoreTree) *Aggregator {
	return &Aggregator{
		ignores: ignores,
		seen:    make(map[string]struct{}),
	}
}

// AddMatches records one scanned item's raw matches, counting the item as
// scanned regardless of how many matches it produced. Matches sharing a
// (path chain, rule id, offset) key with an earlier match are dropped;
// first seen wins.
func (a *Aggregator) AddMatches(chain finding.PathChain, digest string, matches []matcher.Match, rules map[string]finding.RuleInfo) {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.items++
	chainStr := chain.String()

	for _, m := range matches {
		key := fmt.Sprintf("%s\x00%s\x00%d", chainStr, m.RuleID, m.Offset)
		if _, dup := a.seen[key]; dup {
			log.Debugf("(scanner) duplicate finding dropped: %s %s @%d", chainStr, m.RuleID, m.Offset)
			continue
		}
		a.seen[key] = struct{}{}

		f := finding.Finding{
			Chain:  chain,
			RuleID: m.RuleID,
			Offset: m.Offset,
			Line:   m.Line,
			Sample: m.Sample,
			Digest: digest,
		}
		if info, ok := rules[m.RuleID]; ok {
			f.Confidence = info.Confidence
		}

		if a.ignores != nil {
			if reason, suppressed := a.ignores.Match(chainStr, m.RuleID, m.Offset, m.Line); suppressed {
				f.Suppressed = true
				f.Reason = reason
			}
		}

		a.findings = append(a.findings, f)
	}
}

// AddUnprocessable records a notification for an item that could not be
// read, extracted, or matched.
func (a *Aggregator) AddUnprocessable(u finding.Unprocessable) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.unprocessable = append(a.unprocessable, u)
}

// Finalize sorts the collected findings and produces the report. Rules maps
// only the rule ids referenced by findings.
func (a *Aggregator) Finalize(rules map[string]finding.RuleInfo) *finding.Report {
	a.mu.Lock()
	defer a.mu.Unlock()

	report := &finding.Report{
		Findings:      a.findings,
		Unprocessable: a.unprocessable,
		Rules:         make(map[string]finding.RuleInfo),
	}
	report.Sort()

	for _, f := range report.Findings {
		if info, ok := rules[f.RuleID]; ok {
			report.Rules[f.RuleID] = info
		}
		report.Summary.Findings++
		if f.Suppressed {
			report.Summary.Suppressed++
		}
	}
	report.Summary.Items = a.items
	report.Summary.Unprocessable = len(report.Unprocessable)

	return report
}
