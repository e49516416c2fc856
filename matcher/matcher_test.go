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

package matcher

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stratasec/strata/manifest"
)

var testRules = []manifest.Rule{
	{
		ID:          "fake-token",
		Description: "Fake service token",
		Regex:       `faketoken-[0-9a-f]{16}`,
		Keywords:    []string{"faketoken-"},
		Confidence:  80,
	},
}

func TestCompileRejectsInvalidRegex(t *testing.T) {
	_, err := Compile([]manifest.Rule{
		{ID: "bad", Regex: "[unclosed"},
	})
	require.Error(t, err)

	var compileErr CompileError
	require.ErrorAs(t, err, &compileErr)
	assert.Equal(t, "bad", compileErr.RuleID)
}

func TestCompileRejectsEmptyRuleSet(t *testing.T) {
	_, err := Compile(nil)
	var compileErr CompileError
	require.ErrorAs(t, err, &compileErr)
}

func TestScanReportsExactByteOffset(t *testing.T) {
	m, err := Compile(testRules)
	require.NoError(t, err)

	prefix := strings.Repeat("x", 118) + "\n\n"
	content := []byte(prefix + "faketoken-0123456789abcdef rest of line\n")

	matches, err := m.Scan(content)
	require.NoError(t, err)
	require.Len(t, matches, 1)

	assert.Equal(t, "fake-token", matches[0].RuleID)
	assert.Equal(t, 120, matches[0].Offset)
	assert.Equal(t, 3, matches[0].Line)
	assert.Contains(t, matches[0].Match, "faketoken-0123456789abcdef")
}

func TestScanNoMatches(t *testing.T) {
	m, err := Compile(testRules)
	require.NoError(t, err)

	matches, err := m.Scan([]byte("nothing sensitive here\n"))
	require.NoError(t, err)
	assert.Empty(t, matches)
}

func TestScanSampleWindow(t *testing.T) {
	m, err := Compile(testRules)
	require.NoError(t, err)

	content := []byte("AAAABBBBCCCCDDDDEEEE-faketoken-0123456789abcdef-VVVVWWWWXXXXYYYYZZZZ trailer")
	matches, err := m.Scan(content)
	require.NoError(t, err)
	require.Len(t, matches, 1)

	sample := matches[0].Sample
	assert.False(t, sample.Binary)
	assert.LessOrEqual(t, len(sample.Before), 20)
	assert.LessOrEqual(t, len(sample.After), 20)
	assert.Contains(t, sample.Match, "faketoken-0123456789abcdef")
	// The stitched-together window must be a substring of the content.
	assert.Contains(t, string(content), sample.Before+sample.Match+sample.After)
}

func TestScanOversizedItem(t *testing.T) {
	m, err := Compile(testRules, WithMaxTargetBytes(16))
	require.NoError(t, err)

	_, err = m.Scan([]byte("this content is longer than sixteen bytes"))
	var scanErr ScanError
	require.ErrorAs(t, err, &scanErr)
}

func TestIsBinary(t *testing.T) {
	assert.False(t, isBinary([]byte("plain text content\n")))
	assert.True(t, isBinary([]byte{0x7f, 'E', 'L', 'F', 0x00, 0x01, 0x02, 0x00}))
}

func TestLineAt(t *testing.T) {
	content := []byte("one\ntwo\nthree\n")
	offsets := newlineOffsets(content)

	assert.Equal(t, 1, lineAt(offsets, 0))
	assert.Equal(t, 2, lineAt(offsets, 4))
	assert.Equal(t, 3, lineAt(offsets, 8))
}
