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

package expand

import (
	"fmt"
	"io"
	"os"

	"github.com/stratasec/strata/cache"
	"github.com/stratasec/strata/finding"
)

// Item is one leaf unit of content ready to be matched. It carries exactly
// one byte source: a filesystem path for root-level plain files, or a held
// cache handle for extracted archive members. A held handle pins the cache
// entry until the consumer calls Release.
type Item struct {
	Chain finding.PathChain

	path   string
	handle *cache.Handle
	size   int64
}

// Size returns the item's content size in bytes.
func (it Item) Size() int64 {
	return it.size
}

// Open returns a lazy read stream over the item's content.
func (it Item) Open() (io.ReadCloser, error) {
	if it.handle != nil {
		return it.handle.Open()
	}
	if it.path != "" {
		return os.Open(it.path)
	}
	return nil, fmt.Errorf("item %s has no byte source", it.Chain)
}

// Release drops the item's pin on its cache entry. It must be called once
// the consumer is done with the content; releasing a plain-file item is a
// no-op.
func (it Item) Release() error {
	if it.handle != nil {
		return it.handle.Release()
	}
	return nil
}

// UnprocessableError marks a scan unit that could not be expanded: corrupt,
// protected, or over a configured limit. It is recoverable when the run is
// configured to skip unprocessable items, fatal otherwise.
type UnprocessableError struct {
	Chain  finding.PathChain
	Reason string
}

func (e UnprocessableError) Error() string {
	return fmt.Sprintf("unprocessable item %s: %s", e.Chain, e.Reason)
}

// Note converts the error into its report notification.
func (e UnprocessableError) Note() finding.Unprocessable {
	return finding.Unprocessable{Chain: e.Chain, Reason: e.Reason}
}
