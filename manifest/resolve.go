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
	"context"

	"github.com/stratasec/strata/log"
)

// document is one fetched and parsed manifest with its includes already
// canonicalized.
type document struct {
	identifier string
	includes   []string
	rules      []Rule
	ignores    []IgnoreEntry
}

type kind int

const (
	kindPack kind = iota
	kindIgnoreList
)

// resolution walks a manifest DAG. Fetching is depth-first with a
// currently-resolving set so any include cycle is caught; flattening is a
// separate breadth-first pass so entry order matches the documented
// precedence: a manifest's local entries before its includes, root manifests
// before includes, each manifest contributing exactly once.
type resolution struct {
	loader   *Loader
	kind     kind
	resolved map[string]*document
	visiting map[string]bool
	stack    []string
}

func (r *resolution) resolve(ctx context.Context, identifier string) error {
	if r.visiting[identifier] {
		return CycleError{Stack: append(append([]string{}, r.stack...), identifier)}
	}
	if _, ok := r.resolved[identifier]; ok {
		return nil
	}

	r.visiting[identifier] = true
	r.stack = append(r.stack, identifier)
	defer func() {
		delete(r.visiting, identifier)
		r.stack = r.stack[:len(r.stack)-1]
	}()

	data, err := r.loader.fetch(ctx, identifier)
	if err != nil {
		return err
	}

	doc := &document{identifier: identifier}
	var rawIncludes []string

	switch r.kind {
	case kindPack:
		var pack Pack
		if err := decode(identifier, data, &pack); err != nil {
			return err
		}
		for _, rule := range pack.Rules {
			if err := rule.validate(identifier); err != nil {
				return err
			}
		}
		doc.rules = pack.Rules
		rawIncludes = pack.Include
	case kindIgnoreList:
		var list IgnoreList
		if err := decode(identifier, data, &list); err != nil {
			return err
		}
		for _, entry := range list.Ignore {
			if err := entry.validate(identifier); err != nil {
				return err
			}
		}
		doc.ignores = list.Ignore
		rawIncludes = list.Include
	}

	for _, include := range rawIncludes {
		canonical, err := canonicalize(identifier, include)
		if err != nil {
			return err
		}
		doc.includes = append(doc.includes, canonical)
	}

	r.resolved[identifier] = doc
	log.Debugf("(manifest) resolved %s (%d includes)", identifier, len(doc.includes))

	for _, include := range doc.includes {
		if err := r.resolve(ctx, include); err != nil {
			return err
		}
	}

	return nil
}

// flatten returns the resolved documents in breadth-first order from the
// roots, visiting each document once.
func (r *resolution) flatten(roots []string) []*document {
	var order []*document
	seen := make(map[string]bool)
	queue := append([]string{}, roots...)

	for len(queue) > 0 {
		identifier := queue[0]
		queue = queue[1:]
		if seen[identifier] {
			continue
		}
		seen[identifier] = true

		doc := r.resolved[identifier]
		order = append(order, doc)
		queue = append(queue, doc.includes...)
	}

	return order
}

func (r *resolution) run(ctx context.Context, roots []string) ([]*document, error) {
	canonical := make([]string, 0, len(roots))
	for _, root := range roots {
		id, err := canonicalize("", root)
		if err != nil {
			return nil, err
		}
		canonical = append(canonical, id)
	}

	for _, id := range canonical {
		if err := r.resolve(ctx, id); err != nil {
			return nil, err
		}
	}

	return r.flatten(canonical), nil
}

// ResolveRules resolves the rule pack DAG rooted at the given documents into
// the flattened effective rule set. A rule id defined by more than one pack
// is a fatal resolution error.
func (l *Loader) ResolveRules(ctx context.Context, roots []string) ([]Rule, error) {
	r := &resolution{
		loader:   l,
		kind:     kindPack,
		resolved: make(map[string]*document),
		visiting: make(map[string]bool),
	}

	docs, err := r.run(ctx, roots)
	if err != nil {
		return nil, err
	}

	var rules []Rule
	origin := make(map[string]string)
	for _, doc := range docs {
		for _, rule := range doc.rules {
			if prev, ok := origin[rule.ID]; ok {
				return nil, ValidationError{
					Manifest: doc.identifier,
					Reason:   "rule " + rule.ID + " is already defined by " + prev,
				}
			}
			origin[rule.ID] = doc.identifier
			// Zero and omitted are equivalent; both take the default.
			if rule.Confidence == 0 {
				rule.Confidence = DefaultConfidence
			}
			rules = append(rules, rule)
		}
	}

	log.Infof("(manifest) resolved %d rules from %d rule packs", len(rules), len(docs))
	return rules, nil
}

// ResolveIgnores resolves the ignore list DAG rooted at the given documents
// into the ordered ignore tree used for suppression lookup.
func (l *Loader) ResolveIgnores(ctx context.Context, roots []string) (*IgnoreTree, error) {
	r := &resolution{
		loader:   l,
		kind:     kindIgnoreList,
		resolved: make(map[string]*document),
		visiting: make(map[string]bool),
	}

	docs, err := r.run(ctx, roots)
	if err != nil {
		return nil, err
	}

	var entries []IgnoreEntry
	for _, doc := range docs {
		entries = append(entries, doc.ignores...)
	}

	tree, err := newIgnoreTree(entries)
	if err != nil {
		return nil, err
	}

	log.Infof("(manifest) resolved %d ignore entries from %d ignore lists", len(entries), len(docs))
	return tree, nil
}
