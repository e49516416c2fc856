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

// Package matcher wraps the gitleaks detection engine behind a compile-once,
// scan-many interface. The effective rule set is compiled into a detector
// exactly once per run; compilation failure is fatal before any scanning
// starts, while a failure scanning a single item is recoverable.
package matcher

import (
	"bytes"
	"fmt"
	"regexp"

	"github.com/gabriel-vasile/mimetype"
	"github.com/spf13/viper"
	"github.com/zricethezav/gitleaks/v8/config"
	"github.com/zricethezav/gitleaks/v8/detect"
	"github.com/zricethezav/gitleaks/v8/report"

	"github.com/stratasec/strata/finding"
	"github.com/stratasec/strata/log"
	"github.com/stratasec/strata/manifest"
)

const defaultMaxTargetMB = 64

// CompileError is returned when the rule set cannot be compiled into a
// detector, for example when a rule carries an invalid regex.
type CompileError struct {
	RuleID string
	Err    error
}

func (e CompileError) Error() string {
	return fmt.Sprintf("unable to compile rule %s: %v", e.RuleID, e.Err)
}

func (e CompileError) Unwrap() error {
	return e.Err
}

// ScanError is a per-item scan failure. It is recoverable: the item is
// recorded as unprocessable rather than aborting the run.
type ScanError struct {
	Reason string
}

func (e ScanError) Error() string {
	return fmt.Sprintf("scan failed: %s", e.Reason)
}

// Match is one raw engine match before aggregation.
type Match struct {
	RuleID  string
	Offset  int
	Line    int
	Match   string
	Secret  string
	Entropy float32
	Sample  finding.Sample
}

// Matcher holds the compiled detector. It is immutable after Compile and
// safe for concurrent use by all workers.
type Matcher struct {
	detector       *detect.Detector
	maxTargetBytes int64
}

// Option configures Compile.
type Option func(*Matcher)

// WithMaxTargetBytes caps the size of a single item the engine will scan.
// Larger items are rejected with a ScanError. Values of zero or below leave
// the default in place.
func WithMaxTargetBytes(n int64) Option {
	return func(m *Matcher) {
		if n > 0 {
			m.maxTargetBytes = n
		}
	}
}

// MaxTargetBytes reports the per-item size ceiling, so callers can reject
// oversized items before buffering their content.
func (m *Matcher) MaxTargetBytes() int64 {
	return m.maxTargetBytes
}

// Compile builds a gitleaks detector from the resolved rule set. Each rule
// regex is validated up front so malformed rule syntax surfaces here, before
// any scanning starts.
func Compile(rules []manifest.Rule, opts ...Option) (*Matcher, error) {
	if len(rules) == 0 {
		return nil, CompileError{Err: fmt.Errorf("effective rule set is empty")}
	}

	ruleConfigs := make([]map[string]interface{}, 0, len(rules))
	for _, rule := range rules {
		if _, err := regexp.Compile(rule.Regex); err != nil {
			return nil, CompileError{RuleID: rule.ID, Err: err}
		}

		ruleConfigs = append(ruleConfigs, map[string]interface{}{
			"id":          rule.ID,
			"description": rule.Description,
			"regex":       rule.Regex,
			"secretGroup": rule.SecretGroup,
			"entropy":     rule.Entropy,
			"keywords":    rule.Keywords,
			"tags":        rule.Tags,
		})
	}

	// Feed the rule set through gitleaks' own viper translation so the
	// detector sees exactly the config shape it expects.
	v := viper.New()
	v.Set("rules", ruleConfigs)

	var viperConfig config.ViperConfig
	if err := v.Unmarshal(&viperConfig); err != nil {
		return nil, CompileError{Err: fmt.Errorf("error unmarshaling rule set: %w", err)}
	}

	cfg, err := viperConfig.Translate()
	if err != nil {
		return nil, CompileError{Err: fmt.Errorf("error translating rule set: %w", err)}
	}

	m := &Matcher{
		detector:       detect.NewDetector(cfg),
		maxTargetBytes: defaultMaxTargetMB << 20,
	}
	for _, opt := range opts {
		opt(m)
	}

	log.Debugf("(matcher) compiled %d rules", len(rules))
	return m, nil
}

// Scan runs the detector over one item's content and converts each engine
// finding into a raw match with an exact byte offset and a windowed sample.
func (m *Matcher) Scan(content []byte) (matches []Match, err error) {
	if int64(len(content)) > m.maxTargetBytes {
		return nil, ScanError{Reason: fmt.Sprintf("item size %d exceeds engine limit %d", len(content), m.maxTargetBytes)}
	}

	// The engine is an external collaborator; a panic on one item must not
	// take down the run.
	defer func() {
		if r := recover(); r != nil {
			matches = nil
			err = ScanError{Reason: fmt.Sprintf("engine panic: %v", r)}
		}
	}()

	raw := m.detector.DetectBytes(content)
	if len(raw) == 0 {
		return nil, nil
	}

	binary := isBinary(content)
	lineOffsets := newlineOffsets(content)

	matches = make([]Match, 0, len(raw))
	for _, gf := range raw {
		offset := recoverOffset(content, gf, lineOffsets)
		if offset < 0 {
			// The reported match text could not be located; the offset
			// would be a guess, so the finding is dropped rather than
			// reported at a wrong position.
			log.Warnf("(matcher) could not locate match for rule %s, dropping", gf.RuleID)
			continue
		}

		matches = append(matches, Match{
			RuleID:  gf.RuleID,
			Offset:  offset,
			Line:    lineAt(lineOffsets, offset),
			Match:   gf.Match,
			Secret:  gf.Secret,
			Entropy: gf.Entropy,
			Sample:  sampleAt(content, offset, len(gf.Match), binary),
		})
	}

	return matches, nil
}

// newlineOffsets returns the byte offset of the start of each line.
func newlineOffsets(content []byte) []int {
	offsets := []int{0}
	for i, b := range content {
		if b == '\n' {
			offsets = append(offsets, i+1)
		}
	}
	return offsets
}

// lineAt returns the 1-based line number containing offset.
func lineAt(lineOffsets []int, offset int) int {
	line := 1
	for i := len(lineOffsets) - 1; i >= 0; i-- {
		if lineOffsets[i] <= offset {
			line = i + 1
			break
		}
	}
	return line
}

// recoverOffset locates the exact byte position of an engine finding. The
// engine reports line and column positions; the match text is searched from
// the start of the reported line and verified, with a whole-content search
// as fallback. Returns -1 when the match text cannot be found at all.
func recoverOffset(content []byte, gf report.Finding, lineOffsets []int) int {
	needle := []byte(gf.Match)
	if len(needle) == 0 {
		return -1
	}

	start := 0
	if line := gf.StartLine - 1; line >= 0 && line < len(lineOffsets) {
		start = lineOffsets[line]
	}

	if idx := bytes.Index(content[start:], needle); idx >= 0 {
		return start + idx
	}
	return bytes.Index(content, needle)
}

// sampleAt captures the window of context bytes around a match.
func sampleAt(content []byte, offset, length int, binary bool) finding.Sample {
	beforeStart := offset - finding.WindowSize
	if beforeStart < 0 {
		beforeStart = 0
	}
	afterEnd := offset + length + finding.WindowSize
	if afterEnd > len(content) {
		afterEnd = len(content)
	}
	matchEnd := offset + length
	if matchEnd > len(content) {
		matchEnd = len(content)
	}

	return finding.Sample{
		Before: string(content[beforeStart:offset]),
		Match:  string(content[offset:matchEnd]),
		After:  string(content[matchEnd:afterEnd]),
		Binary: binary,
	}
}

// isBinary reports whether content should be treated as binary for sampling
// purposes. Textual types are identified by walking the detected MIME type's
// ancestry back to text/plain.
func isBinary(content []byte) bool {
	for mtype := mimetype.Detect(content); mtype != nil; mtype = mtype.Parent() {
		if mtype.Is("text/plain") {
			return false
		}
	}
	return true
}
