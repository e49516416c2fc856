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

package cache

import (
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fill(t *testing.T, h *Handle, content string) {
	t.Helper()
	_, err := h.Write([]byte(content))
	require.NoError(t, err)
	require.NoError(t, h.Commit())
}

func TestAcquireWriteRead(t *testing.T) {
	m, err := New(t.TempDir())
	require.NoError(t, err)
	defer m.Close()

	h, err := m.Acquire("key-1")
	require.NoError(t, err)
	assert.False(t, h.Cached())
	fill(t, h, "hello cache")

	r, err := h.Open()
	require.NoError(t, err)
	content, err := io.ReadAll(r)
	require.NoError(t, err)
	require.NoError(t, r.Close())
	assert.Equal(t, "hello cache", string(content))
	assert.Equal(t, int64(11), h.Size())

	require.NoError(t, h.Release())
}

func TestAcquireReusesSinglePhysicalCopy(t *testing.T) {
	dir := t.TempDir()
	m, err := New(dir)
	require.NoError(t, err)
	defer m.Close()

	first, err := m.Acquire("shared")
	require.NoError(t, err)
	fill(t, first, "content")

	second, err := m.Acquire("shared")
	require.NoError(t, err)
	assert.True(t, second.Cached(), "second acquire must reuse the existing entry")

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 1, "at most one physical copy per key")

	require.NoError(t, first.Release())
	require.NoError(t, second.Release())
}

func TestPinnedEntriesAreNeverEvicted(t *testing.T) {
	dir := t.TempDir()
	m, err := New(dir, WithMaxBytes(10))
	require.NoError(t, err)
	defer m.Close()

	pinned, err := m.Acquire("pinned")
	require.NoError(t, err)
	fill(t, pinned, "0123456789abcdef") // 16 bytes, over budget on its own

	// Releasing an unrelated entry triggers eviction, but the pinned entry
	// must survive even though the cache is over budget.
	other, err := m.Acquire("other")
	require.NoError(t, err)
	fill(t, other, "xx")
	require.NoError(t, other.Release())

	_, err = os.Stat(filepath.Join(dir, "pinned"))
	assert.NoError(t, err, "pinned entry must still exist on disk")

	require.NoError(t, pinned.Release())
	assert.LessOrEqual(t, m.TotalSize(), int64(10), "budget enforced once refs reach zero")
}

func TestEvictionIsLeastRecentlyReleased(t *testing.T) {
	dir := t.TempDir()
	m, err := New(dir, WithMaxBytes(8))
	require.NoError(t, err)
	defer m.Close()

	a, err := m.Acquire("a")
	require.NoError(t, err)
	fill(t, a, "aaaa")
	b, err := m.Acquire("b")
	require.NoError(t, err)
	fill(t, b, "bbbb")

	// Release a first, then b: a is the LRU candidate.
	require.NoError(t, a.Release())
	require.NoError(t, b.Release())

	c, err := m.Acquire("c")
	require.NoError(t, err)
	fill(t, c, "cccc")
	require.NoError(t, c.Release())

	_, errA := os.Stat(filepath.Join(dir, "a"))
	assert.True(t, os.IsNotExist(errA), "a should have been evicted first")
	assert.LessOrEqual(t, m.TotalSize(), int64(8))
}

func TestReleaseSurfacesEvictionFailure(t *testing.T) {
	dir := t.TempDir()
	m, err := New(dir, WithMaxBytes(4))
	require.NoError(t, err)
	defer m.Close()

	h, err := m.Acquire("entry")
	require.NoError(t, err)
	fill(t, h, "over budget")

	// The backing file vanishing while the entry is pinned makes the
	// eviction triggered by the release fail.
	require.NoError(t, os.Remove(filepath.Join(dir, "entry")))

	err = h.Release()
	var cacheErr Error
	require.ErrorAs(t, err, &cacheErr)
	assert.Equal(t, "evict", cacheErr.Op)
}

func TestReleaseIsIdempotent(t *testing.T) {
	m, err := New(t.TempDir())
	require.NoError(t, err)
	defer m.Close()

	h, err := m.Acquire("once")
	require.NoError(t, err)
	fill(t, h, "x")

	require.NoError(t, h.Release())
	require.NoError(t, h.Release(), "double release must be a no-op")
}

func TestCloseRemovesCacheDirectory(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "run-cache")
	m, err := New(dir)
	require.NoError(t, err)

	h, err := m.Acquire("k")
	require.NoError(t, err)
	fill(t, h, "data")
	require.NoError(t, h.Release())

	require.NoError(t, m.Close())
	_, err = os.Stat(dir)
	assert.True(t, os.IsNotExist(err))
}
