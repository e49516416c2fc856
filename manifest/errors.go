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
	"fmt"
	"strings"
)

// CycleError is returned when a manifest includes itself, directly or
// transitively. Cycles are never silently broken.
type CycleError struct {
	Stack []string
}

func (e CycleError) Error() string {
	return fmt.Sprintf("manifest include cycle: %s", strings.Join(e.Stack, " -> "))
}

// FetchError is returned when a manifest document cannot be retrieved or
// parsed.
type FetchError struct {
	Identifier string
	Err        error
}

func (e FetchError) Error() string {
	return fmt.Sprintf("unable to load manifest %s: %v", e.Identifier, e.Err)
}

func (e FetchError) Unwrap() error {
	return e.Err
}

// ValidationError is returned when a document's content is structurally
// invalid, for example an ignore entry with both a path and a pattern.
type ValidationError struct {
	Manifest string
	Reason   string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("invalid manifest %s: %s", e.Manifest, e.Reason)
}
