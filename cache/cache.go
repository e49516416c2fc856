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

// Package cache implements the content-addressed disk store holding bytes
// extracted from archives. Entries are keyed by path chain hash, reference
// counted, and evicted least-recently-used among zero-reference entries when
// total size exceeds the configured budget. Any disk failure here is fatal
// for the whole run: partial credential data must never be silently dropped.
package cache

import (
	"container/list"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/stratasec/strata/log"
)

const defaultMaxBytes = 1 << 30 // 1 GiB

// Error represents a cache failure. Cache errors always abort the entire
// run, unlike per-item extraction failures which are locally recoverable.
type Error struct {
	Op  string
	Key string
	Err error
}

func (e Error) Error() string {
	return fmt.Sprintf("cache %s failed for entry %s: %v", e.Op, e.Key, e.Err)
}

func (e Error) Unwrap() error {
	return e.Err
}

type entry struct {
	key  string
	refs int
	size int64
	elem *list.Element // non-nil while the entry sits in the eviction list
}

// Manager owns the cache directory for one run. It is safe for concurrent
// use; a single mutex guards the size and reference bookkeeping.
type Manager struct {
	dir      string
	maxBytes int64

	mu      sync.Mutex
	entries map[string]*entry
	lru     *list.List // zero-ref entries, most recently released at front
	total   int64
}

// Option configures a Manager.
type Option func(*Manager)

// WithMaxBytes sets the total on-disk budget. Values of zero or below leave
// the default in place.
func WithMaxBytes(n int64) Option {
	return func(m *Manager) {
		if n > 0 {
			m.maxBytes = n
		}
	}
}

// New creates a cache manager rooted at dir, creating the directory if
// needed. The directory is removed again by Close.
func New(dir string, opts ...Option) (*Manager, error) {
	m := &Manager{
		dir:      dir,
		maxBytes: defaultMaxBytes,
		entries:  make(map[string]*entry),
		lru:      list.New(),
	}

	for _, opt := range opts {
		opt(m)
	}

	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, Error{Op: "init", Key: dir, Err: err}
	}

	return m, nil
}

// Handle references one cache entry. The entry is pinned (never evicted)
// until every outstanding handle has been released.
type Handle struct {
	m   *Manager
	ent *entry

	wf       *os.File // open while the producer is filling the entry
	cached   bool     // entry already held content at acquire time
	released bool
}

// Acquire creates or reuses the entry for key and increments its reference
// count. Cached reports whether the entry already holds content from an
// earlier fill, in which case the caller must not write it again.
func (m *Manager) Acquire(key string) (*Handle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if ent, ok := m.entries[key]; ok {
		ent.refs++
		if ent.elem != nil {
			m.lru.Remove(ent.elem)
			ent.elem = nil
		}
		return &Handle{m: m, ent: ent, cached: true}, nil
	}

	f, err := os.OpenFile(m.path(key), os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0600)
	if err != nil {
		return nil, Error{Op: "create", Key: key, Err: err}
	}

	ent := &entry{key: key, refs: 1}
	m.entries[key] = ent
	return &Handle{m: m, ent: ent, wf: f}, nil
}

// Key returns the entry's cache key.
func (h *Handle) Key() string {
	return h.ent.key
}

// Size returns the entry's current byte size.
func (h *Handle) Size() int64 {
	h.m.mu.Lock()
	defer h.m.mu.Unlock()
	return h.ent.size
}

// Cached reports whether the entry already held content when this handle was
// acquired.
func (h *Handle) Cached() bool {
	return h.cached
}

// Write appends a chunk to the entry. Only the producing handle may write;
// a write failure (for example a full disk) is a fatal cache error.
func (h *Handle) Write(p []byte) (int, error) {
	if h.wf == nil {
		return 0, Error{Op: "write", Key: h.ent.key, Err: fmt.Errorf("entry is not open for writing")}
	}

	n, err := h.wf.Write(p)
	if n > 0 {
		h.m.mu.Lock()
		h.ent.size += int64(n)
		h.m.total += int64(n)
		h.m.mu.Unlock()
	}
	if err != nil {
		return n, Error{Op: "write", Key: h.ent.key, Err: err}
	}
	return n, nil
}

// Commit finishes the producing side of an entry. It must be called once the
// entry's bytes are fully written and before Open.
func (h *Handle) Commit() error {
	if h.wf == nil {
		return nil
	}
	err := h.wf.Close()
	h.wf = nil
	if err != nil {
		return Error{Op: "commit", Key: h.ent.key, Err: err}
	}
	return nil
}

// Open returns a lazy read stream over the entry's bytes. Callers own the
// returned stream and must close it before releasing the handle.
func (h *Handle) Open() (io.ReadSeekCloser, error) {
	f, err := os.Open(h.m.path(h.ent.key))
	if err != nil {
		return nil, Error{Op: "open", Key: h.ent.key, Err: err}
	}
	return f, nil
}

// Release decrements the entry's reference count. When the count reaches
// zero the entry becomes an eviction candidate, and eviction runs while the
// cache is over budget.
func (h *Handle) Release() error {
	if h.released {
		return nil
	}
	h.released = true

	if h.wf != nil {
		// Producer abandoned the entry before Commit, usually during
		// cancellation teardown.
		if err := h.wf.Close(); err != nil {
			log.Debugf("(cache) error closing abandoned entry %s: %s", h.ent.key, err)
		}
		h.wf = nil
	}

	h.m.mu.Lock()
	defer h.m.mu.Unlock()

	h.ent.refs--
	if h.ent.refs == 0 {
		h.ent.elem = h.m.lru.PushFront(h.ent)
	}

	return h.m.evictLocked()
}

// evictLocked removes least-recently-released zero-ref entries until the
// cache fits its budget. Caller holds m.mu.
func (m *Manager) evictLocked() error {
	for m.total > m.maxBytes {
		back := m.lru.Back()
		if back == nil {
			// Everything left is pinned. The bounded scan queue keeps the
			// pinned footprint itself in check.
			return nil
		}

		ent := back.Value.(*entry)
		if err := os.Remove(m.path(ent.key)); err != nil {
			return Error{Op: "evict", Key: ent.key, Err: err}
		}

		m.lru.Remove(back)
		delete(m.entries, ent.key)
		m.total -= ent.size
		log.Debugf("(cache) evicted entry %s (%d bytes, %d total)", ent.key, ent.size, m.total)
	}

	return nil
}

// TotalSize returns the current on-disk footprint in bytes.
func (m *Manager) TotalSize() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.total
}

// Close removes the run's cache directory and all remaining entries.
func (m *Manager) Close() error {
	m.mu.Lock()
	m.entries = make(map[string]*entry)
	m.lru.Init()
	m.total = 0
	m.mu.Unlock()

	if err := os.RemoveAll(m.dir); err != nil {
		return Error{Op: "close", Key: m.dir, Err: err}
	}
	return nil
}

func (m *Manager) path(key string) string {
	return filepath.Join(m.dir, key)
}
