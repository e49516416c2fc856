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

package manifest

import (
	"github.com/gobwas/glob"
)

// IgnoreTree is the resolved, ordered suppression structure. It is immutable
// after resolution and shared read-only across all workers.
type IgnoreTree struct {
	entries []compiledEntry
}

type compiledEntry struct {
	IgnoreEntry
	// compiled pattern glob; the glob has no separator characters, so `*`
	// crosses both `/` and the archive separator.
	pattern glob.Glob
}

func newIgnoreTree(entries []IgnoreEntry) (*IgnoreTree, error) {
	tree := &IgnoreTree{entries: make([]compiledEntry, 0, len(entries))}

	for _, entry := range entries {
		compiled := compiledEntry{IgnoreEntry: entry}
		if entry.Pattern != "" {
			g, err := glob.Compile(entry.Pattern)
			if err != nil {
				return nil, ValidationError{
					Manifest: "ignore list",
					Reason:   "invalid ignore pattern " + entry.Pattern + ": " + err.Error(),
				}
			}
			compiled.pattern = g
		}
		tree.entries = append(tree.entries, compiled)
	}

	return tree, nil
}

// Len returns the number of entries in resolution order.
func (t *IgnoreTree) Len() int {
	return len(t.entries)
}

// Match scans the ordered entries and returns the reason of the first entry
// whose predicate matches the finding. No match means not suppressed.
func (t *IgnoreTree) Match(chain string, ruleID string, offset int, line int) (string, bool) {
	for _, entry := range t.entries {
		if entry.matches(chain, ruleID, offset, line) {
			return entry.Reason, true
		}
	}
	return "", false
}

func (e compiledEntry) matches(chain string, ruleID string, offset int, line int) bool {
	switch {
	case e.Path != "":
		if e.Path != chain {
			return false
		}
	case e.pattern != nil:
		if !e.pattern.Match(chain) {
			return false
		}
	default:
		return false
	}

	if e.Rule != "" && e.Rule != ruleID {
		return false
	}

	if e.Offset != nil && *e.Offset != offset {
		return false
	}

	if e.Line != nil && (line < e.Line.Start || line > e.Line.End) {
		return false
	}

	return true
}
