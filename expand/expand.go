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

// Package expand recursively unpacks nested artifacts into scan items.
// Formats are detected by content signature, never by filename extension;
// recognized archives become path chain segments and are expanded
// depth-first through the content cache, bounded by configurable depth,
// member count, and cumulative size limits so bomb-like inputs cannot grow
// without bound.
package expand

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/mholt/archives"

	"github.com/stratasec/strata/cache"
	"github.com/stratasec/strata/finding"
	"github.com/stratasec/strata/log"
)

const (
	defaultMaxDepth       = 8
	defaultMaxExpandBytes = 1 << 30 // 1 GiB per scan root
	defaultMaxMembers     = 4096

	// chunkSize is the buffer size used when streaming member bytes into
	// the cache.
	chunkSize = 65536
)

// errBudget aborts expansion of a scan root whose cumulative expanded size
// exceeds the configured ceiling.
var errBudget = errors.New("expanded byte budget exceeded")

// emitAbort tags an error returned by the consumer's emit callback so it is
// not mistaken for an extraction failure of the enclosing archive while it
// unwinds through nested extractions.
type emitAbort struct{ err error }

func (e emitAbort) Error() string { return e.err.Error() }
func (e emitAbort) Unwrap() error { return e.err }

// EmitFunc receives each leaf scan item. It may block to provide
// backpressure; returning an error stops the walk.
type EmitFunc func(ctx context.Context, item Item) error

// NoteFunc records an unprocessable notification for the final report.
type NoteFunc func(u finding.Unprocessable)

// Expander performs the recursive unpacking for one run.
type Expander struct {
	cache             *cache.Manager
	maxDepth          int
	maxExpandBytes    int64
	maxMembers        int
	skipUnprocessable bool
}

// Option configures an Expander.
type Option func(*Expander)

// WithMaxDepth caps archive nesting. An archive at exactly the cap is fully
// expanded; one nested a level deeper is unprocessable.
func WithMaxDepth(n int) Option {
	return func(e *Expander) {
		if n > 0 {
			e.maxDepth = n
		}
	}
}

// WithMaxExpandBytes caps the cumulative expanded size per scan root.
func WithMaxExpandBytes(n int64) Option {
	return func(e *Expander) {
		if n > 0 {
			e.maxExpandBytes = n
		}
	}
}

// WithMaxMembers caps the member count of a single archive.
func WithMaxMembers(n int) Option {
	return func(e *Expander) {
		if n > 0 {
			e.maxMembers = n
		}
	}
}

// WithSkipUnprocessable downgrades unprocessable items from fatal errors to
// report notifications.
func WithSkipUnprocessable(skip bool) Option {
	return func(e *Expander) {
		e.skipUnprocessable = skip
	}
}

// New creates an Expander spooling extracted bytes through c.
func New(c *cache.Manager, opts ...Option) *Expander {
	e := &Expander{
		cache:          c,
		maxDepth:       defaultMaxDepth,
		maxExpandBytes: defaultMaxExpandBytes,
		maxMembers:     defaultMaxMembers,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Walk expands every scan root, emitting leaf items and noting
// unprocessable ones. Directories are walked recursively; each regular file
// underneath becomes its own scan root.
func (e *Expander) Walk(ctx context.Context, roots []string, emit EmitFunc, note NoteFunc) error {
	for _, root := range roots {
		info, err := os.Stat(root)
		if err != nil {
			if err := e.unprocessable(finding.PathChain{root}, fmt.Sprintf("unable to access: %v", err), note); err != nil {
				return err
			}
			continue
		}

		if !info.IsDir() {
			if err := e.expandRoot(ctx, cleanSegment(root), root, note, emit); err != nil {
				return err
			}
			continue
		}

		err = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				return e.unprocessable(finding.PathChain{cleanSegment(path)}, fmt.Sprintf("unable to access: %v", err), note)
			}
			if !d.Type().IsRegular() {
				return nil
			}
			return e.expandRoot(ctx, cleanSegment(path), path, note, emit)
		})
		if err != nil {
			return err
		}
	}

	return nil
}

func cleanSegment(path string) string {
	return filepath.ToSlash(filepath.Clean(path))
}

// expandRoot probes one root-level file. Unrecognized content is a terminal
// item read straight from the filesystem; recognized archives are expanded
// recursively with a fresh per-root byte budget.
func (e *Expander) expandRoot(ctx context.Context, segment, path string, note NoteFunc, emit EmitFunc) error {
	chain := finding.PathChain{segment}

	f, err := os.Open(path)
	if err != nil {
		return e.unprocessable(chain, fmt.Sprintf("unable to open: %v", err), note)
	}
	defer f.Close()

	format, _, err := archives.Identify(ctx, "", f)
	if errors.Is(err, archives.NoMatch) {
		info, err := f.Stat()
		if err != nil {
			return e.unprocessable(chain, fmt.Sprintf("unable to stat: %v", err), note)
		}
		return emit(ctx, Item{Chain: chain, path: path, size: info.Size()})
	}
	if err != nil {
		return e.unprocessable(chain, fmt.Sprintf("format detection failed: %v", err), note)
	}

	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return e.unprocessable(chain, fmt.Sprintf("unable to rewind: %v", err), note)
	}

	var expanded int64
	err = e.expandArchive(ctx, chain, f, format, 1, &expanded, note, emit)
	return e.classify(chain, err, note)
}

// classify turns subtree-abort conditions (budget exceeded, unprocessable
// escalation) raised during expansion of a root into notifications or fatal
// errors; cache errors and cancellation always propagate.
func (e *Expander) classify(chain finding.PathChain, err error, note NoteFunc) error {
	if err == nil {
		return nil
	}

	var abort emitAbort
	if errors.As(err, &abort) {
		// The consumer stopped the walk; hand its error back untouched.
		return abort.err
	}

	var cacheErr cache.Error
	if errors.As(err, &cacheErr) {
		return cacheErr
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}

	if errors.Is(err, errBudget) {
		return e.unprocessable(chain, "expanded size exceeds configured budget", note)
	}

	var unproc UnprocessableError
	if errors.As(err, &unproc) {
		// Already noted (or escalated) at the point it was raised.
		return unproc
	}

	return e.unprocessable(chain, fmt.Sprintf("extraction failed: %v", err), note)
}

// unprocessable records a notification and, unless the run skips
// unprocessable items, escalates it to a fatal error.
func (e *Expander) unprocessable(chain finding.PathChain, reason string, note NoteFunc) error {
	log.Warnf("(expand) unprocessable item %s: %s", chain, reason)
	note(finding.Unprocessable{Chain: chain, Reason: reason})
	if e.skipUnprocessable {
		return nil
	}
	return UnprocessableError{Chain: chain, Reason: reason}
}

// expandArchive unpacks one recognized archive or compression stream at the
// given nesting depth. src must be rewound to the start of the stream.
func (e *Expander) expandArchive(ctx context.Context, chain finding.PathChain, src io.Reader, format archives.Format, depth int, expanded *int64, note NoteFunc, emit EmitFunc) error {
	log.Debugf("(expand) expanding %s as %s at depth %d", chain, format.Extension(), depth)

	switch f := format.(type) {
	case archives.Extraction:
		members := 0
		handler := func(ctx context.Context, info archives.FileInfo) error {
			if info.IsDir() || !info.Mode().IsRegular() {
				return nil
			}

			members++
			if members > e.maxMembers {
				return UnprocessableError{Chain: chain, Reason: fmt.Sprintf("archive exceeds member limit of %d", e.maxMembers)}
			}

			memberChain := chain.Child(info.NameInArchive)
			rc, err := info.Open()
			if err != nil {
				return e.unprocessable(memberChain, fmt.Sprintf("unable to read member: %v", err), note)
			}
			defer rc.Close()

			return e.spool(ctx, memberChain, rc, depth, expanded, note, emit)
		}

		if err := f.Extract(ctx, src, handler); err != nil {
			var abort emitAbort
			var unproc UnprocessableError
			var cacheErr cache.Error
			switch {
			case errors.As(err, &cacheErr):
				return cacheErr
			case errors.As(err, &abort):
				return abort
			case errors.As(err, &unproc):
				if unproc.Chain.String() == chain.String() {
					// Raised for this archive as a whole (member limit).
					return e.unprocessable(chain, unproc.Reason, note)
				}
				return unproc
			case errors.Is(err, errBudget) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded):
				return err
			default:
				return e.unprocessable(chain, fmt.Sprintf("corrupt archive: %v", err), note)
			}
		}
		return nil

	case archives.Compression:
		rc, err := f.OpenReader(src)
		if err != nil {
			return e.unprocessable(chain, fmt.Sprintf("corrupt compression stream: %v", err), note)
		}
		defer rc.Close()

		memberChain := chain.Child(decompressedName(chain[len(chain)-1], format.Extension()))
		return e.spool(ctx, memberChain, rc, depth, expanded, note, emit)

	default:
		return e.unprocessable(chain, fmt.Sprintf("format %s is not extractable", format.Extension()), note)
	}
}

// decompressedName derives the synthetic member name of a standalone
// compression stream: the parent name with the format extension trimmed
// when present, otherwise with ".uncompressed" appended.
func decompressedName(parent, extension string) string {
	base := parent[strings.LastIndex(parent, "/")+1:]
	if extension != "" && strings.HasSuffix(base, extension) && len(base) > len(extension) {
		return base[:len(base)-len(extension)]
	}
	return base + ".uncompressed"
}

// spool streams one member's bytes into the cache in fixed-size chunks,
// then either emits it as a leaf item or descends into it when it is itself
// a recognized archive.
func (e *Expander) spool(ctx context.Context, chain finding.PathChain, r io.Reader, parentDepth int, expanded *int64, note NoteFunc, emit EmitFunc) (err error) {
	handle, err := e.cache.Acquire(chain.Key())
	if err != nil {
		return err
	}

	// Ownership of the handle transfers to the emitted item; on every other
	// path it is released here, and a failed release surfaces as a fatal
	// cache error since eviction could not reclaim disk.
	owned := true
	defer func() {
		if !owned {
			return
		}
		if relErr := handle.Release(); relErr != nil && err == nil {
			err = relErr
		}
	}()

	if !handle.Cached() {
		buf := make([]byte, chunkSize)
		w := &budgetWriter{handle: handle, expanded: expanded, max: e.maxExpandBytes}
		if _, err := io.CopyBuffer(w, r, buf); err != nil {
			var cacheErr cache.Error
			switch {
			case errors.As(err, &cacheErr):
				return cacheErr
			case errors.Is(err, errBudget):
				return errBudget
			default:
				// Read-side failure: this member is corrupt, the rest of
				// the archive may still be fine.
				return e.unprocessable(chain, fmt.Sprintf("unable to extract member: %v", err), note)
			}
		}
		if err := handle.Commit(); err != nil {
			return err
		}
	}

	rs, err := handle.Open()
	if err != nil {
		return err
	}

	format, _, err := archives.Identify(ctx, "", rs)
	if errors.Is(err, archives.NoMatch) {
		_ = rs.Close()
		owned = false
		if err := emit(ctx, Item{Chain: chain, handle: handle, size: handle.Size()}); err != nil {
			owned = true
			return emitAbort{err: err}
		}
		return nil
	}
	if err != nil {
		_ = rs.Close()
		return e.unprocessable(chain, fmt.Sprintf("format detection failed: %v", err), note)
	}

	defer rs.Close()

	if parentDepth+1 > e.maxDepth {
		return e.unprocessable(chain, fmt.Sprintf("archive nesting exceeds depth limit of %d", e.maxDepth), note)
	}

	if _, err := rs.Seek(0, io.SeekStart); err != nil {
		return e.unprocessable(chain, fmt.Sprintf("unable to rewind: %v", err), note)
	}

	return e.expandArchive(ctx, chain, rs, format, parentDepth+1, expanded, note, emit)
}

// budgetWriter enforces the per-root cumulative expansion ceiling while
// appending to a cache entry.
type budgetWriter struct {
	handle   *cache.Handle
	expanded *int64
	max      int64
}

func (w *budgetWriter) Write(p []byte) (int, error) {
	if *w.expanded+int64(len(p)) > w.max {
		return 0, errBudget
	}
	n, err := w.handle.Write(p)
	*w.expanded += int64(n)
	return n, err
}
