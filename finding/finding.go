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

// Package finding defines the data model shared across the scan pipeline:
// path chains identifying content inside nested archives, findings produced
// by the matcher, and the finalized scan report.
package finding

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strings"
)

// Separator joins path chain segments when a chain is rendered as a single
// string. A finding inside nested archives reads like
// "root.zip!inner.tar!secret.txt".
const Separator = "!"

// PathChain is the ordered list of names from a scan root through each
// nested archive down to a single piece of content. It is the stable
// identity used for deduplication, caching and suppression matching.
type PathChain []string

// String renders the chain as a single separator-joined string.
func (c PathChain) String() string {
	return strings.Join(c, Separator)
}

// Key returns the content cache key for this chain: the hex SHA-256 of the
// joined chain string.
func (c PathChain) Key() string {
	sum := sha256.Sum256([]byte(c.String()))
	return hex.EncodeToString(sum[:])
}

// Child returns a new chain extended by one segment. The receiver is copied
// so chains held by queued items never alias each other.
func (c PathChain) Child(segment string) PathChain {
	child := make(PathChain, len(c), len(c)+1)
	copy(child, c)
	return append(child, segment)
}

// Split parses a separator-joined chain string back into a PathChain.
func Split(s string) PathChain {
	return strings.Split(s, Separator)
}

// Sample is the windowed context captured around a match. Before and After
// hold up to WindowSize bytes each side of the matched text. For binary
// content the reporter base64-encodes all three parts.
type Sample struct {
	Before string `json:"before"`
	Match  string `json:"match"`
	After  string `json:"after"`
	Binary bool   `json:"binary"`
}

// WindowSize is the number of context bytes captured each side of a match.
const WindowSize = 20

// Finding is one reported potential credential match. Findings are immutable
// once the aggregator has produced them.
type Finding struct {
	Chain      PathChain `json:"path"`
	RuleID     string    `json:"ruleId"`
	Offset     int       `json:"offset"`
	Line       int       `json:"line,omitempty"`
	Sample     Sample    `json:"sample"`
	Digest     string    `json:"sha256,omitempty"`
	Confidence int       `json:"confidence"`
	Suppressed bool      `json:"suppressed"`
	Reason     string    `json:"reason,omitempty"`
}

// Unprocessable records a scan unit that could not be read, extracted or
// matched. These surface as report notifications, never as results.
type Unprocessable struct {
	Chain  PathChain `json:"path"`
	Reason string    `json:"reason"`
}

// RuleInfo carries the rule metadata the reporter needs for findings that
// reference the rule.
type RuleInfo struct {
	ID          string `json:"id"`
	Description string `json:"description"`
	Confidence  int    `json:"confidence"`
}

// Summary holds the run counters for the final report.
type Summary struct {
	Items         int `json:"items"`
	Findings      int `json:"findings"`
	Suppressed    int `json:"suppressed"`
	Unprocessable int `json:"unprocessable"`
}

// Report is the finalized, ordered, deduplicated result of a scan run.
type Report struct {
	Findings      []Finding           `json:"findings"`
	Unprocessable []Unprocessable     `json:"unprocessable,omitempty"`
	Rules         map[string]RuleInfo `json:"rules"`
	Summary       Summary             `json:"summary"`
}

// Sort orders findings by (chain string, rule id, offset) and unprocessable
// notifications by chain string, making report content independent of worker
// scheduling.
func (r *Report) Sort() {
	sort.Slice(r.Findings, func(i, j int) bool {
		a, b := r.Findings[i], r.Findings[j]
		if ac, bc := a.Chain.String(), b.Chain.String(); ac != bc {
			return ac < bc
		}
		if a.RuleID != b.RuleID {
			return a.RuleID < b.RuleID
		}
		return a.Offset < b.Offset
	})

	sort.Slice(r.Unprocessable, func(i, j int) bool {
		a, b := r.Unprocessable[i], r.Unprocessable[j]
		if ac, bc := a.Chain.String(), b.Chain.String(); ac != bc {
			return ac < bc
		}
		return a.Reason < b.Reason
	})
}
