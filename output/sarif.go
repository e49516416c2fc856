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

// Package output serializes a finalized scan report to SARIF 2.1.0.
// Serialization is pure: identical report content always yields
// byte-identical output, with pretty selecting indented over compact JSON.
package output

import (
	"encoding/base64"
	"io"
	"strings"

	"github.com/owenrumney/go-sarif/v2/sarif"

	"github.com/stratasec/strata/finding"
)

const (
	toolName       = "strata"
	informationURI = "https://github.com/stratasec/strata"

	// uriBaseID is the originalUriBaseIds key every artifact location is
	// expressed against, keeping reports portable across scan machines.
	uriBaseID = "SCANROOT"

	// warningConfidence is the rule confidence below which results report
	// as warnings instead of errors.
	warningConfidence = 70
)

// Options configures report rendering.
type Options struct {
	// Version is the tool version recorded in the driver block.
	Version string
	// Root is the directory scan root paths are relative to, recorded as
	// the SCANROOT base URI.
	Root string
	// Pretty selects indented over compact JSON.
	Pretty bool
}

// Write renders the report as SARIF to w.
func Write(w io.Writer, report *finding.Report, opts Options) error {
	doc, err := render(report, opts)
	if err != nil {
		return err
	}
	if opts.Pretty {
		return doc.PrettyWrite(w)
	}
	return doc.Write(w)
}

func render(report *finding.Report, opts Options) (*sarif.Report, error) {
	doc, err := sarif.New(sarif.Version210)
	if err != nil {
		return nil, err
	}

	run := sarif.NewRunWithInformationURI(toolName, informationURI)
	if opts.Version != "" {
		run.Tool.Driver.Version = &opts.Version
	}

	run.OriginalUriBaseIDs = map[string]*sarif.ArtifactLocation{
		uriBaseID: sarif.NewArtifactLocation().WithUri("file://" + strings.TrimRight(opts.Root, "/") + "/"),
	}

	// Rules are added in first-reference order over the sorted findings so
	// rule indices are as deterministic as the results themselves.
	ruleIndex := make(map[string]int)
	artifacts := newArtifactIndex()

	for _, f := range report.Findings {
		if _, ok := ruleIndex[f.RuleID]; !ok {
			info := report.Rules[f.RuleID]
			run.AddRule(f.RuleID).WithDescription(description(info))
			ruleIndex[f.RuleID] = len(ruleIndex)
		}

		index := artifacts.add(f.Chain, f.Digest)
		run.AddResult(renderResult(f, report.Rules[f.RuleID], index))
	}

	run.Artifacts = artifacts.list
	run.Invocations = []*sarif.Invocation{renderInvocation(report.Unprocessable)}

	doc.AddRun(run)
	return doc, nil
}

func description(info finding.RuleInfo) string {
	if info.Description != "" {
		return info.Description
	}
	return info.ID
}

func renderResult(f finding.Finding, info finding.RuleInfo, artifactIndex int) *sarif.Result {
	offset := f.Offset

	region := sarif.NewRegion().WithSnippet(snippetContent(f.Sample.Match, f.Sample.Binary))
	region.ByteOffset = &offset
	if f.Line > 0 {
		region.WithStartLine(f.Line)
	}

	// The context region carries the windowed sample without positional
	// fields of its own.
	contextRegion := sarif.NewRegion().WithSnippet(contextContent(f.Sample))

	physical := sarif.NewPhysicalLocation().
		WithArtifactLocation(
			sarif.NewArtifactLocation().
				WithUri(f.Chain.String()).
				WithUriBaseId(uriBaseID).
				WithIndex(artifactIndex)).
		WithRegion(region)
	physical.ContextRegion = contextRegion

	level := "error"
	if f.Confidence < warningConfidence {
		level = "warning"
	}

	result := sarif.NewRuleResult(f.RuleID).
		WithMessage(sarif.NewTextMessage(description(info))).
		WithLevel(level).
		WithLocations([]*sarif.Location{
			sarif.NewLocation().WithPhysicalLocation(physical),
		})

	if f.Suppressed {
		status := "accepted"
		justification := f.Reason
		result.Suppressions = []*sarif.Suppression{{
			Kind:          "external",
			Status:        &status,
			Justification: &justification,
		}}
	}

	return result
}

// snippetContent renders matched text, base64-encoded for binary content.
func snippetContent(text string, binary bool) *sarif.ArtifactContent {
	content := sarif.NewArtifactContent()
	if binary {
		encoded := base64.StdEncoding.EncodeToString([]byte(text))
		content.Binary = &encoded
		return content
	}
	content.Text = &text
	return content
}

func contextContent(s finding.Sample) *sarif.ArtifactContent {
	return snippetContent(s.Before+s.Match+s.After, s.Binary)
}

func renderInvocation(unprocessable []finding.Unprocessable) *sarif.Invocation {
	success := true
	invocation := &sarif.Invocation{ExecutionSuccessful: &success}

	for _, u := range unprocessable {
		invocation.ToolExecutionNotifications = append(invocation.ToolExecutionNotifications, &sarif.Notification{
			Level:   "warning",
			Message: sarif.NewTextMessage(u.Chain.String() + ": " + u.Reason),
			Locations: []*sarif.Location{
				sarif.NewLocation().WithPhysicalLocation(
					sarif.NewPhysicalLocation().WithArtifactLocation(
						sarif.NewArtifactLocation().
							WithUri(u.Chain.String()).
							WithUriBaseId(uriBaseID))),
			},
		})
	}

	return invocation
}

// artifactIndex builds the run-level artifacts array: one entry per path
// chain segment with parentIndex wiring the nesting, so SARIF consumers can
// reconstruct where inside nested archives a finding lives.
type artifactIndex struct {
	list    []*sarif.Artifact
	indexes map[string]int // chain-prefix string -> artifact index
}

func newArtifactIndex() *artifactIndex {
	return &artifactIndex{indexes: make(map[string]int)}
}

// add ensures every prefix of the chain has an artifact entry and returns
// the leaf's index, recording the leaf content digest.
func (a *artifactIndex) add(chain finding.PathChain, digest string) int {
	parent := -1
	for i := range chain {
		prefix := chain[:i+1].String()
		if idx, ok := a.indexes[prefix]; ok {
			parent = idx
			continue
		}

		location := sarif.NewArtifactLocation().WithUri(chain[i])
		if parent < 0 {
			// Only root artifacts resolve against the scan root; nested
			// members are relative to their parent archive.
			location.WithUriBaseId(uriBaseID)
		}

		artifact := &sarif.Artifact{Location: location}
		if parent >= 0 {
			artifact.WithParentIndex(parent)
		}

		a.list = append(a.list, artifact)
		a.indexes[prefix] = len(a.list) - 1
		parent = len(a.list) - 1
	}

	if digest != "" && parent >= 0 {
		if a.list[parent].Hashes == nil {
			a.list[parent].Hashes = map[string]string{"sha256": digest}
		}
	}

	return parent
}
