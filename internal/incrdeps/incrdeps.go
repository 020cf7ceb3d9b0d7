// Package incrdeps tracks per-file import graphs, so a change to one source
// fans out to every target that transitively consumes it, at file rather
// than target granularity.
package incrdeps

import (
	"context"
	"errors"
	"log"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/anvil-build/anvil"
	"github.com/anvil-build/anvil/internal/corerr"
	"github.com/anvil-build/anvil/internal/fingerprint"
	"github.com/anvil-build/anvil/internal/wire"
	"github.com/google/renameio"
)

const (
	storeName = "dependencies.bin"

	magic   = "FDPC"
	version = 1
)

// FileDependency records one source file's imports as of its last analysis.
type FileDependency struct {
	// Path is the source file, relative to the workspace root.
	Path string

	// Imports are the workspace-relative paths of imported files, sorted.
	Imports []string

	// External are imports resolving outside the workspace (system or
	// third-party), excluded from fine-grained tracking.
	External []string

	SourceDigest fingerprint.Digest

	// ImportDigests are the digests of each import at analysis time,
	// parallel to Imports.
	ImportDigests []fingerprint.Digest

	AnalyzedAt time.Time
}

// Analyzer is the import-extraction slice of the language handler interface.
type Analyzer interface {
	AnalyzeImports(ctx context.Context, srcs []string, ws *anvil.Workspace) ([]anvil.Import, error)
}

// Store holds the per-file dependency records and persists them under
// <cache-root>/deps/dependencies.bin.
type Store struct {
	dir string
	log *log.Logger

	mu      sync.Mutex
	records map[string]*FileDependency
	dirty   bool
}

// Open loads the store under dir. A missing, corrupt or newer-versioned
// store file is treated as empty, never as a fatal error.
func Open(dir string, logger *log.Logger) (*Store, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, corerr.Wrap(corerr.IO, err)
	}
	s := &Store{
		dir:     dir,
		log:     logger,
		records: make(map[string]*FileDependency),
	}
	if err := s.load(); err != nil {
		s.logf("loading %s: %v (starting empty)", storeName, err)
		s.records = make(map[string]*FileDependency)
	}
	return s, nil
}

// Record returns the stored record for path, or nil.
func (s *Store) Record(path string) *FileDependency {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.records[path]
}

// Len returns the number of records.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.records)
}

// Update re-analyzes the given sources where their content changed since the
// stored record, reusing stored import sets for unchanged files.
func (s *Store) Update(ctx context.Context, ws *anvil.Workspace, srcs []string, analyzer Analyzer) error {
	var stale []string
	digests := make(map[string]fingerprint.Digest)
	for _, src := range srcs {
		d, err := fingerprint.File(filepath.Join(ws.Root, src))
		if err != nil {
			return corerr.E(corerr.Analysis, "scanning %s: %w", src, err)
		}
		digests[src] = d
		s.mu.Lock()
		rec := s.records[src]
		s.mu.Unlock()
		if rec != nil && rec.SourceDigest == d {
			continue // unchanged, reuse the stored import set
		}
		stale = append(stale, src)
	}
	if len(stale) == 0 {
		return nil
	}
	imports, err := analyzer.AnalyzeImports(ctx, stale, ws)
	if err != nil {
		return corerr.E(corerr.Analysis, "import scan: %w", err)
	}
	bySource := make(map[string]*FileDependency, len(stale))
	for _, src := range stale {
		bySource[src] = &FileDependency{
			Path:         src,
			SourceDigest: digests[src],
			AnalyzedAt:   time.Now(),
		}
	}
	for _, imp := range imports {
		rec := bySource[imp.Source]
		if rec == nil {
			continue // import for a file we did not ask about
		}
		if imp.External {
			rec.External = append(rec.External, imp.Path)
			continue
		}
		rec.Imports = append(rec.Imports, imp.Path)
	}
	for _, rec := range bySource {
		sort.Strings(rec.Imports)
		sort.Strings(rec.External)
		rec.ImportDigests = make([]fingerprint.Digest, len(rec.Imports))
		for i, imp := range rec.Imports {
			d, err := fingerprint.File(filepath.Join(ws.Root, imp))
			if err != nil {
				return corerr.E(corerr.Analysis, "hashing import %s of %s: %w", imp, rec.Path, err)
			}
			rec.ImportDigests[i] = d
		}
	}
	s.mu.Lock()
	for src, rec := range bySource {
		s.records[src] = rec
	}
	s.dirty = true
	s.mu.Unlock()
	return nil
}

// ChangedSince returns the recorded paths whose current content digest
// differs from the stored one. A missing file counts as changed.
func (s *Store) ChangedSince(ws *anvil.Workspace) ([]string, error) {
	s.mu.Lock()
	paths := make([]string, 0, len(s.records))
	for p := range s.records {
		paths = append(paths, p)
	}
	s.mu.Unlock()
	sort.Strings(paths)
	var changed []string
	for _, p := range paths {
		d, err := fingerprint.File(filepath.Join(ws.Root, p))
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				changed = append(changed, p)
				continue
			}
			return nil, err
		}
		if d != s.Record(p).SourceDigest {
			changed = append(changed, p)
		}
	}
	return changed, nil
}

// Affected computes the set of sources affected by the given changed paths:
// the changed files themselves plus everything that transitively imports
// them, by reverse-traversing the stored per-file graph.
func (s *Store) Affected(changed []string) map[string]bool {
	s.mu.Lock()
	importers := make(map[string][]string)
	for _, rec := range s.records {
		for _, imp := range rec.Imports {
			importers[imp] = append(importers[imp], rec.Path)
		}
	}
	s.mu.Unlock()

	affected := make(map[string]bool)
	queue := append([]string(nil), changed...)
	for len(queue) > 0 {
		p := queue[0]
		queue = queue[1:]
		if affected[p] {
			continue
		}
		affected[p] = true
		queue = append(queue, importers[p]...)
	}
	return affected
}

// TargetDirty reports whether any of the target's sources is affected.
func TargetDirty(t *anvil.Target, affected map[string]bool) bool {
	for _, src := range t.Srcs {
		if affected[src] {
			return true
		}
	}
	return false
}

// Flush persists the store if it changed.
func (s *Store) Flush() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.dirty {
		return nil
	}
	paths := make([]string, 0, len(s.records))
	for p := range s.records {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	var w wire.Writer
	w.PutRaw([]byte(magic))
	w.PutUint16(version)
	w.PutUint32(uint32(len(paths)))
	for _, p := range paths {
		w.PutBytes(encodeRecord(s.records[p]))
	}
	out, err := w.Bytes()
	if err != nil {
		return corerr.Wrap(corerr.Cache, err)
	}
	if err := renameio.WriteFile(filepath.Join(s.dir, storeName), out, 0644); err != nil {
		return corerr.Wrap(corerr.Cache, err)
	}
	s.dirty = false
	return nil
}

func (s *Store) load() error {
	b, err := os.ReadFile(filepath.Join(s.dir, storeName))
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return corerr.Wrap(corerr.Cache, err)
	}
	r := wire.NewReader(b)
	if m := r.Raw(4); string(m) != magic {
		return corerr.E(corerr.Cache, "bad magic %q", m)
	}
	if v := r.Uint16(); v > version {
		s.logf("store version %d is newer than %d, starting empty", v, version)
		return nil
	}
	count := r.Uint32()
	if err := r.Err(); err != nil {
		return corerr.Wrap(corerr.Cache, err)
	}
	for i := uint32(0); i < count; i++ {
		body := r.Bytes()
		if err := r.Err(); err != nil {
			return corerr.E(corerr.Cache, "record %d: %w", i, err)
		}
		rec, err := decodeRecord(body)
		if err != nil {
			s.logf("record %d: %v, discarding", i, err)
			continue
		}
		s.records[rec.Path] = rec
	}
	return nil
}

func encodeRecord(rec *FileDependency) []byte {
	var w wire.Writer
	w.PutString(rec.Path)
	w.PutStrings(rec.Imports)
	w.PutStrings(rec.External)
	w.PutString(string(rec.SourceDigest))
	digests := make([]string, len(rec.ImportDigests))
	for i, d := range rec.ImportDigests {
		digests[i] = string(d)
	}
	w.PutStrings(digests)
	w.PutInt64(rec.AnalyzedAt.UnixNano())
	b, _ := w.Bytes()
	return b
}

func decodeRecord(body []byte) (*FileDependency, error) {
	r := wire.NewReader(body)
	rec := &FileDependency{}
	rec.Path = r.String()
	rec.Imports = r.Strings()
	rec.External = r.Strings()
	rec.SourceDigest = fingerprint.Digest(r.String())
	for _, d := range r.Strings() {
		rec.ImportDigests = append(rec.ImportDigests, fingerprint.Digest(d))
	}
	rec.AnalyzedAt = time.Unix(0, r.Int64())
	if err := r.Err(); err != nil {
		return nil, corerr.Wrap(corerr.Cache, err)
	}
	// Unknown trailing fields from a newer minor schema are tolerated.
	return rec, nil
}

func (s *Store) logf(format string, args ...interface{}) {
	if s.log != nil {
		s.log.Printf("[incrdeps] "+format, args...)
	}
}
