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
	"archive/tar"
	"archive/zip"
	"bytes"
	"compress/gzip"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stratasec/strata/cache"
	"github.com/stratasec/strata/finding"
)

type entry struct {
	name string
	data string
}

func makeZip(t *testing.T, entries []entry) []byte {
	t.Helper()

	var buf bytes.Buffer
	w := zip.NewWriter(&buf)
	for _, e := range entries {
		f, err := w.Create(e.name)
		require.NoError(t, err)
		_, err = f.Write([]byte(e.data))
		require.NoError(t, err)
	}
	require.NoError(t, w.Close())
	return buf.Bytes()
}

func makeTar(t *testing.T, entries []entry) []byte {
	t.Helper()

	var buf bytes.Buffer
	w := tar.NewWriter(&buf)
	for _, e := range entries {
		require.NoError(t, w.WriteHeader(&tar.Header{
			Name: e.name,
			Mode: 0o644,
			Size: int64(len(e.data)),
		}))
		_, err := w.Write([]byte(e.data))
		require.NoError(t, err)
	}
	require.NoError(t, w.Close())
	return buf.Bytes()
}

func makeGzip(t *testing.T, data string) []byte {
	t.Helper()

	var buf bytes.Buffer
	w := gzip.NewWriter(&buf)
	_, err := w.Write([]byte(data))
	require.NoError(t, err)
	require.NoError(t, w.Close())
	return buf.Bytes()
}

func writeFile(t *testing.T, dir, name string, data []byte) string {
	t.Helper()

	path := filepath.Join(dir, name)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, data, 0o644))
	return path
}

func newTestExpander(t *testing.T, opts ...Option) *Expander {
	t.Helper()

	mgr, err := cache.New(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = mgr.Close() })
	return New(mgr, opts...)
}

// collect walks the roots and gathers every emitted item's content keyed by
// chain string, plus every unprocessable note.
func collect(t *testing.T, e *Expander, roots []string) (map[string]string, []finding.Unprocessable, error) {
	t.Helper()

	var mu sync.Mutex
	items := make(map[string]string)
	var notes []finding.Unprocessable

	emit := func(_ context.Context, item Item) error {
		rc, err := item.Open()
		require.NoError(t, err)
		data, err := io.ReadAll(rc)
		require.NoError(t, err)
		require.NoError(t, rc.Close())
		require.NoError(t, item.Release())

		mu.Lock()
		items[item.Chain.String()] = string(data)
		mu.Unlock()
		return nil
	}
	note := func(u finding.Unprocessable) {
		mu.Lock()
		notes = append(notes, u)
		mu.Unlock()
	}

	err := e.Walk(context.Background(), roots, emit, note)
	return items, notes, err
}

func TestWalkPlainFile(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "notes.txt", []byte("nothing secret here\n"))

	items, notes, err := collect(t, newTestExpander(t), []string{path})
	require.NoError(t, err)
	assert.Empty(t, notes)

	require.Len(t, items, 1)
	assert.Equal(t, "nothing secret here\n", items[filepath.ToSlash(path)])
}

func TestWalkNestedArchives(t *testing.T) {
	dir := t.TempDir()

	inner := makeTar(t, []entry{
		{name: "config/settings.ini", data: "api_key = hunter2\n"},
		{name: "README", data: "docs\n"},
	})
	outer := makeZip(t, []entry{{name: "inner.tar", data: string(inner)}})
	path := writeFile(t, dir, "root.zip", outer)

	items, notes, err := collect(t, newTestExpander(t), []string{path})
	require.NoError(t, err)
	assert.Empty(t, notes)

	prefix := filepath.ToSlash(path)
	require.Len(t, items, 2)
	assert.Equal(t, "api_key = hunter2\n", items[prefix+"!inner.tar!config/settings.ini"])
	assert.Equal(t, "docs\n", items[prefix+"!inner.tar!README"])
}

func TestWalkDirectoryRoot(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "a.txt", []byte("a"))
	writeFile(t, dir, "sub/b.txt", []byte("b"))

	items, notes, err := collect(t, newTestExpander(t), []string{dir})
	require.NoError(t, err)
	assert.Empty(t, notes)

	require.Len(t, items, 2)
	assert.Equal(t, "a", items[filepath.ToSlash(filepath.Join(dir, "a.txt"))])
	assert.Equal(t, "b", items[filepath.ToSlash(filepath.Join(dir, "sub", "b.txt"))])
}

func TestWalkCompressionStream(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "notes.txt.gz", makeGzip(t, "compressed content\n"))

	items, notes, err := collect(t, newTestExpander(t), []string{path})
	require.NoError(t, err)
	assert.Empty(t, notes)

	require.Len(t, items, 1)
	assert.Equal(t, "compressed content\n", items[filepath.ToSlash(path)+"!notes.txt"])
}

func TestWalkCompressionStreamWithoutExtension(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "blob", makeGzip(t, "payload"))

	items, notes, err := collect(t, newTestExpander(t), []string{path})
	require.NoError(t, err)
	assert.Empty(t, notes)

	require.Len(t, items, 1)
	assert.Equal(t, "payload", items[filepath.ToSlash(path)+"!blob.uncompressed"])
}

func TestWalkDepthLimit(t *testing.T) {
	dir := t.TempDir()

	level2 := makeZip(t, []entry{{name: "leaf.txt", data: "deep"}})
	level1 := makeZip(t, []entry{{name: "level2.zip", data: string(level2)}})
	path := writeFile(t, dir, "level1.zip", level1)

	t.Run("within limit", func(t *testing.T) {
		items, notes, err := collect(t, newTestExpander(t, WithMaxDepth(2)), []string{path})
		require.NoError(t, err)
		assert.Empty(t, notes)
		assert.Equal(t, "deep", items[filepath.ToSlash(path)+"!level2.zip!leaf.txt"])
	})

	t.Run("beyond limit is fatal", func(t *testing.T) {
		_, notes, err := collect(t, newTestExpander(t, WithMaxDepth(1)), []string{path})
		require.Error(t, err)

		var unproc UnprocessableError
		require.ErrorAs(t, err, &unproc)
		assert.Equal(t, filepath.ToSlash(path)+"!level2.zip", unproc.Chain.String())

		require.Len(t, notes, 1)
		assert.Contains(t, notes[0].Reason, "depth limit")
	})

	t.Run("beyond limit skipped", func(t *testing.T) {
		items, notes, err := collect(t, newTestExpander(t, WithMaxDepth(1), WithSkipUnprocessable(true)), []string{path})
		require.NoError(t, err)
		assert.Empty(t, items)

		require.Len(t, notes, 1)
		assert.Contains(t, notes[0].Reason, "depth limit")
	})
}

func TestWalkMemberLimit(t *testing.T) {
	dir := t.TempDir()

	archive := makeZip(t, []entry{
		{name: "one.txt", data: "1"},
		{name: "two.txt", data: "2"},
		{name: "three.txt", data: "3"},
	})
	path := writeFile(t, dir, "many.zip", archive)

	_, notes, err := collect(t, newTestExpander(t, WithMaxMembers(2), WithSkipUnprocessable(true)), []string{path})
	require.NoError(t, err)

	require.Len(t, notes, 1)
	assert.Equal(t, filepath.ToSlash(path), notes[0].Chain.String())
	assert.Contains(t, notes[0].Reason, "member limit")
}

func TestWalkExpandBudget(t *testing.T) {
	dir := t.TempDir()

	archive := makeZip(t, []entry{{name: "big.txt", data: string(bytes.Repeat([]byte("x"), 4096))}})
	path := writeFile(t, dir, "big.zip", archive)

	_, notes, err := collect(t, newTestExpander(t, WithMaxExpandBytes(1024), WithSkipUnprocessable(true)), []string{path})
	require.NoError(t, err)

	require.Len(t, notes, 1)
	assert.Equal(t, filepath.ToSlash(path), notes[0].Chain.String())
	assert.Contains(t, notes[0].Reason, "budget")
}

func TestWalkCorruptArchive(t *testing.T) {
	dir := t.TempDir()

	// A zip signature followed by garbage is identified as a zip but fails
	// to extract.
	corrupt := append([]byte("PK\x03\x04"), bytes.Repeat([]byte{0xff}, 64)...)
	path := writeFile(t, dir, "broken.zip", corrupt)

	t.Run("fatal by default", func(t *testing.T) {
		_, notes, err := collect(t, newTestExpander(t), []string{path})
		require.Error(t, err)
		require.Len(t, notes, 1)
	})

	t.Run("skipped when configured", func(t *testing.T) {
		items, notes, err := collect(t, newTestExpander(t, WithSkipUnprocessable(true)), []string{path})
		require.NoError(t, err)
		assert.Empty(t, items)
		require.Len(t, notes, 1)
		assert.Equal(t, filepath.ToSlash(path), notes[0].Chain.String())
	})
}

func TestWalkMissingRoot(t *testing.T) {
	missing := filepath.Join(t.TempDir(), "absent.bin")

	_, notes, err := collect(t, newTestExpander(t, WithSkipUnprocessable(true)), []string{missing})
	require.NoError(t, err)

	require.Len(t, notes, 1)
	assert.Contains(t, notes[0].Reason, "unable to access")
}

func TestWalkEmitError(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "stop.txt", []byte("halt"))

	sentinel := errors.New("consumer gone")
	err := newTestExpander(t).Walk(context.Background(), []string{path},
		func(context.Context, Item) error { return sentinel },
		func(finding.Unprocessable) {})
	require.ErrorIs(t, err, sentinel)
}

func TestWalkEmitErrorInsideArchive(t *testing.T) {
	dir := t.TempDir()
	archive := makeZip(t, []entry{{name: "member.txt", data: "data"}})
	path := writeFile(t, dir, "root.zip", archive)

	sentinel := errors.New("consumer gone")
	var notes []finding.Unprocessable
	err := newTestExpander(t).Walk(context.Background(), []string{path},
		func(context.Context, Item) error { return sentinel },
		func(u finding.Unprocessable) { notes = append(notes, u) })
	require.ErrorIs(t, err, sentinel)

	// A consumer abort is not an extraction failure of the archive.
	assert.Empty(t, notes)
}

func TestWalkSurfacesEvictionFailure(t *testing.T) {
	dir := t.TempDir()
	inner := makeTar(t, []entry{{name: "file.txt", data: "payload"}})
	outer := makeZip(t, []entry{{name: "inner.tar", data: string(inner)}})
	path := writeFile(t, dir, "root.zip", outer)

	cacheDir := t.TempDir()
	mgr, err := cache.New(cacheDir, cache.WithMaxBytes(1))
	require.NoError(t, err)
	t.Cleanup(func() { _ = mgr.Close() })

	// Removing the pinned entry's backing file makes the eviction that runs
	// when the expander releases it fail.
	innerKey := finding.PathChain{cleanSegment(path), "inner.tar"}.Key()
	emit := func(_ context.Context, item Item) error {
		require.NoError(t, item.Release())
		require.NoError(t, os.Remove(filepath.Join(cacheDir, innerKey)))
		return nil
	}

	err = New(mgr).Walk(context.Background(), []string{path}, emit, func(finding.Unprocessable) {})
	var cacheErr cache.Error
	require.ErrorAs(t, err, &cacheErr)
	assert.Equal(t, "evict", cacheErr.Op)
}

func TestWalkCancellation(t *testing.T) {
	dir := t.TempDir()
	archive := makeZip(t, []entry{{name: "member.txt", data: "data"}})
	path := writeFile(t, dir, "root.zip", archive)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := newTestExpander(t).Walk(ctx, []string{path},
		func(context.Context, Item) error { return nil },
		func(finding.Unprocessable) {})
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestDecompressedName(t *testing.T) {
	tests := []struct {
		parent    string
		extension string
		want      string
	}{
		{"notes.txt.gz", ".gz", "notes.txt"},
		{"dir/notes.txt.gz", ".gz", "notes.txt"},
		{"blob", ".gz", "blob.uncompressed"},
		{".gz", ".gz", ".gz.uncompressed"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, decompressedName(tt.parent, tt.extension), tt.parent)
	}
}
