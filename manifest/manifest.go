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

// Package manifest resolves rule pack and ignore list documents. Both kinds
// form a DAG through their include lists; resolution fetches and parses each
// document at most once, rejects cycles, and flattens local entries into one
// effective rule set and one ordered ignore tree per run.
package manifest

import (
	"github.com/invopop/jsonschema"
)

// Pack is a rule pack document: local rule definitions plus includes of
// further packs, by path or URL.
type Pack struct {
	Include []string `json:"include,omitempty" yaml:"include,omitempty" jsonschema:"title=Include,description=Further rule packs to include by path or URL"`
	Rules   []Rule   `json:"rules,omitempty" yaml:"rules,omitempty" jsonschema:"title=Rules,description=Local rule definitions"`
}

// Rule is one pattern rule. Regex uses RE2 syntax; Confidence maps to the
// report severity level. An explicit confidence of zero is equivalent to
// omitting it: both resolve to DefaultConfidence.
type Rule struct {
	ID          string   `json:"id" yaml:"id" jsonschema:"title=Rule ID,description=Unique identifier for this rule"`
	Description string   `json:"description,omitempty" yaml:"description,omitempty" jsonschema:"title=Description,description=Human-readable explanation of what the rule detects"`
	Regex       string   `json:"regex" yaml:"regex" jsonschema:"title=Regex,description=RE2 pattern matched against content"`
	SecretGroup int      `json:"secretGroup,omitempty" yaml:"secretGroup,omitempty" jsonschema:"title=Secret Group,description=Capture group holding the secret itself"`
	Entropy     float64  `json:"entropy,omitempty" yaml:"entropy,omitempty" jsonschema:"title=Entropy,description=Minimum Shannon entropy for the secret group"`
	Keywords    []string `json:"keywords,omitempty" yaml:"keywords,omitempty" jsonschema:"title=Keywords,description=Pre-filter keywords that must appear near a match"`
	Tags        []string `json:"tags,omitempty" yaml:"tags,omitempty" jsonschema:"title=Tags,description=Freeform labels for the rule"`
	Confidence  int      `json:"confidence,omitempty" yaml:"confidence,omitempty" jsonschema:"title=Confidence,description=Confidence from 1 to 100; 0 or omitted applies the default of 50; values below 70 report as warnings"`
}

// DefaultConfidence is applied to rules that do not set a confidence.
const DefaultConfidence = 50

// IgnoreList is an ignore list document: local suppression entries plus
// includes of further lists.
type IgnoreList struct {
	Include []string      `json:"include,omitempty" yaml:"include,omitempty" jsonschema:"title=Include,description=Further ignore lists to include by path or URL"`
	Ignore  []IgnoreEntry `json:"ignore,omitempty" yaml:"ignore,omitempty" jsonschema:"title=Ignore,description=Local ignore entries"`
}

// IgnoreEntry suppresses findings it matches. Exactly one of Path (exact
// chain string) or Pattern (chain glob) must be set; Rule, Offset and Line
// narrow the entry further. Reason is mandatory so every suppression is
// explained in the report.
type IgnoreEntry struct {
	Path    string     `json:"path,omitempty" yaml:"path,omitempty" jsonschema:"title=Path,description=Exact path chain to ignore"`
	Pattern string     `json:"pattern,omitempty" yaml:"pattern,omitempty" jsonschema:"title=Pattern,description=Glob over the full path chain string"`
	Rule    string     `json:"rule,omitempty" yaml:"rule,omitempty" jsonschema:"title=Rule,description=Only suppress findings from this rule id"`
	Offset  *int       `json:"offset,omitempty" yaml:"offset,omitempty" jsonschema:"title=Offset,description=Only suppress the finding at this byte offset"`
	Line    *LineRange `json:"line,omitempty" yaml:"line,omitempty" jsonschema:"title=Line Range,description=Only suppress findings within this line range"`
	Reason  string     `json:"reason" yaml:"reason" jsonschema:"title=Reason,description=Human-readable justification for the suppression"`
}

// LineRange is an inclusive line number range.
type LineRange struct {
	Start int `json:"start" yaml:"start" jsonschema:"title=Start,description=First line of the range"`
	End   int `json:"end" yaml:"end" jsonschema:"title=End,description=Last line of the range (inclusive)"`
}

// PackSchema returns the JSON Schema describing rule pack documents.
func PackSchema() *jsonschema.Schema {
	return jsonschema.Reflect(&Pack{})
}

// IgnoreListSchema returns the JSON Schema describing ignore list documents.
func IgnoreListSchema() *jsonschema.Schema {
	return jsonschema.Reflect(&IgnoreList{})
}

func (r Rule) validate(origin string) error {
	if r.ID == "" {
		return ValidationError{Manifest: origin, Reason: "rule is missing an id"}
	}
	if r.Regex == "" {
		return ValidationError{Manifest: origin, Reason: "rule " + r.ID + " is missing a regex"}
	}
	if r.Confidence < 0 || r.Confidence > 100 {
		return ValidationError{Manifest: origin, Reason: "rule " + r.ID + " confidence must be between 0 and 100"}
	}
	return nil
}

func (e IgnoreEntry) validate(origin string) error {
	if e.Reason == "" {
		return ValidationError{Manifest: origin, Reason: "ignore entry is missing a reason"}
	}
	if e.Path == "" && e.Pattern == "" {
		return ValidationError{Manifest: origin, Reason: "ignore entry " + e.Reason + ": one of path or pattern must be set"}
	}
	if e.Path != "" && e.Pattern != "" {
		return ValidationError{Manifest: origin, Reason: "ignore entry " + e.Reason + ": either path or pattern may be set, not both"}
	}
	if e.Offset != nil && e.Line != nil {
		return ValidationError{Manifest: origin, Reason: "ignore entry " + e.Reason + ": an offset cannot be combined with a line range"}
	}
	if e.Offset != nil && *e.Offset < 0 {
		return ValidationError{Manifest: origin, Reason: "ignore entry " + e.Reason + ": offset must not be negative"}
	}
	if e.Line != nil && (e.Line.Start < 1 || e.Line.End < e.Line.Start) {
		return ValidationError{Manifest: origin, Reason: "ignore entry " + e.Reason + ": invalid line range"}
	}
	return nil
}
