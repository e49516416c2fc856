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

package finding

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPathChainString(t *testing.T) {
	chain := PathChain{"root.zip", "inner.tar", "secret.txt"}
	assert.Equal(t, "root.zip!inner.tar!secret.txt", chain.String())
	assert.Equal(t, chain, Split("root.zip!inner.tar!secret.txt"))
}

func TestPathChainKey(t *testing.T) {
	a := PathChain{"root.zip", "inner.tar"}
	b := PathChain{"root.zip", "inner.tar"}
	c := PathChain{"root.zip", "other.tar"}

	assert.Equal(t, a.Key(), b.Key(), "identical chains must share a cache key")
	assert.NotEqual(t, a.Key(), c.Key(), "different chains must not share a cache key")
	assert.Len(t, a.Key(), 64, "key should be a hex sha256")
}

func TestPathChainChildDoesNotAlias(t *testing.T) {
	parent := PathChain{"root.zip"}
	first := parent.Child("a.txt")
	second := parent.Child("b.txt")

	require.Equal(t, PathChain{"root.zip", "a.txt"}, first)
	require.Equal(t, PathChain{"root.zip", "b.txt"}, second)
	assert.Equal(t, PathChain{"root.zip"}, parent, "parent chain must be unchanged")
}

func TestReportSortIsDeterministic(t *testing.T) {
	unsorted := []Finding{
		{Chain: PathChain{"b.txt"}, RuleID: "rule-1", Offset: 10},
		{Chain: PathChain{"a.zip", "x.txt"}, RuleID: "rule-2", Offset: 5},
		{Chain: PathChain{"a.zip", "x.txt"}, RuleID: "rule-1", Offset: 99},
		{Chain: PathChain{"a.zip", "x.txt"}, RuleID: "rule-1", Offset: 3},
	}

	report := &Report{Findings: append([]Finding{}, unsorted...)}
	report.Sort()

	assert.Equal(t, "a.zip!x.txt", report.Findings[0].Chain.String())
	assert.Equal(t, 3, report.Findings[0].Offset)
	assert.Equal(t, 99, report.Findings[1].Offset)
	assert.Equal(t, "rule-2", report.Findings[2].RuleID)
	assert.Equal(t, "b.txt", report.Findings[3].Chain.String())

	// Sorting a permutation must give the same order.
	other := &Report{Findings: []Finding{unsorted[2], unsorted[0], unsorted[3], unsorted[1]}}
	other.Sort()
	assert.Equal(t, report.Findings, other.Findings)
}
