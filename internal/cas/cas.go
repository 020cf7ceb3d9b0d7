// Package cas implements the content-addressed artifact store: immutable
// blobs named by their BLAKE3 digest, published via write-to-temp plus
// atomic rename.
package cas

import (
	"context"
	"encoding/hex"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/anvil-build/anvil/internal/corerr"
	"github.com/anvil-build/anvil/internal/fingerprint"
	"github.com/anvil-build/anvil/internal/keylock"
	"github.com/google/renameio"
	"github.com/zeebo/blake3"
)

// ErrArtifactNotFound is returned by Get/Open on a missing digest.
var ErrArtifactNotFound = corerr.E(corerr.Cache, "artifact not found")

// Backend is the pluggable store interface. A remote implementation mirrors
// it over a network protocol; the engine treats both uniformly.
type Backend interface {
	Connect(ctx context.Context) error
	Exists(ctx context.Context, d fingerprint.Digest) (bool, error)
	Get(ctx context.Context, d fingerprint.Digest) ([]byte, error)
	Put(ctx context.Context, d fingerprint.Digest, data []byte) error
}

// Store is the local on-disk blob tree:
// <root>/<h[0:2]>/<h[2:4]>/<h>, plus <root>/tmp for in-flight writes.
type Store struct {
	root   string
	tmpDir string
	locks  keylock.Map
}

// Open creates the store directories if needed and discards any temp files a
// crashed writer left behind.
func Open(root string) (*Store, error) {
	tmpDir := filepath.Join(root, "tmp")
	if err := os.MkdirAll(tmpDir, 0755); err != nil {
		return nil, corerr.Wrap(corerr.IO, err)
	}
	matches, err := filepath.Glob(filepath.Join(tmpDir, "*"))
	if err != nil {
		return nil, corerr.Wrap(corerr.IO, err)
	}
	for _, match := range matches {
		os.Remove(match)
	}
	return &Store{root: root, tmpDir: tmpDir}, nil
}

// Path returns where the blob for d lives (whether or not it exists).
func (s *Store) Path(d fingerprint.Digest) string {
	h := string(d)
	return filepath.Join(s.root, h[0:2], h[2:4], h)
}

// Connect implements Backend; the local store needs no connection.
func (s *Store) Connect(ctx context.Context) error { return nil }

// Exists implements Backend.
func (s *Store) Exists(ctx context.Context, d fingerprint.Digest) (bool, error) {
	_, err := os.Stat(s.Path(d))
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, corerr.Wrap(corerr.IO, err)
}

// Get implements Backend.
func (s *Store) Get(ctx context.Context, d fingerprint.Digest) ([]byte, error) {
	b, err := os.ReadFile(s.Path(d))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrArtifactNotFound
		}
		return nil, corerr.Wrap(corerr.IO, err)
	}
	return b, nil
}

// OpenBlob returns a reader over the blob for d.
func (s *Store) OpenBlob(d fingerprint.Digest) (io.ReadCloser, error) {
	f, err := os.Open(s.Path(d))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrArtifactNotFound
		}
		return nil, corerr.Wrap(corerr.IO, err)
	}
	return f, nil
}

// Put implements Backend: write to a temp file, verify the claimed digest,
// then atomically rename into place. Publishing an already-present digest is
// a no-op.
func (s *Store) Put(ctx context.Context, d fingerprint.Digest, data []byte) error {
	return s.publish(d, func(w io.Writer) error {
		_, err := w.Write(data)
		return err
	})
}

// PutFile stores the contents of path and returns its digest.
func (s *Store) PutFile(ctx context.Context, path string) (fingerprint.Digest, error) {
	d, err := fingerprint.File(path)
	if err != nil {
		return "", err
	}
	err = s.publish(d, func(w io.Writer) error {
		f, err := os.Open(path)
		if err != nil {
			return err
		}
		defer f.Close()
		_, err = io.Copy(w, f)
		return err
	})
	if err != nil {
		return "", err
	}
	return d, nil
}

func (s *Store) publish(d fingerprint.Digest, write func(io.Writer) error) error {
	s.locks.Lock(string(d))
	defer s.locks.Unlock(string(d))

	final := s.Path(d)
	if _, err := os.Stat(final); err == nil {
		return nil // already present; artifacts are immutable
	}
	if err := os.MkdirAll(filepath.Dir(final), 0755); err != nil {
		return corerr.Wrap(corerr.IO, err)
	}
	t, err := renameio.TempFile(s.tmpDir, final)
	if err != nil {
		return corerr.Wrap(corerr.IO, err)
	}
	defer t.Cleanup()
	h := blake3.New()
	if err := write(io.MultiWriter(t, h)); err != nil {
		return corerr.Wrap(corerr.IO, err)
	}
	if got := fingerprint.Digest(hex.EncodeToString(h.Sum(nil))); got != d {
		return corerr.E(corerr.Cache, "digest mismatch publishing %s: content hashes to %s", d, got)
	}
	if err := t.Chmod(0644); err != nil {
		return corerr.Wrap(corerr.IO, err)
	}
	if err := t.CloseAtomicallyReplace(); err != nil {
		return corerr.Wrap(corerr.IO, err)
	}
	return nil
}

// Materialize places the blob for d at dest, preferring a hard link and
// falling back to a copy (e.g. across filesystems).
func (s *Store) Materialize(d fingerprint.Digest, dest string) error {
	src := s.Path(d)
	if _, err := os.Stat(src); err != nil {
		if os.IsNotExist(err) {
			return ErrArtifactNotFound
		}
		return corerr.Wrap(corerr.IO, err)
	}
	if err := os.MkdirAll(filepath.Dir(dest), 0755); err != nil {
		return corerr.Wrap(corerr.IO, err)
	}
	os.Remove(dest)
	if err := os.Link(src, dest); err == nil {
		return nil
	}
	return copyFile(src, dest)
}

func copyFile(src, dest string) error {
	in, err := os.Open(src)
	if err != nil {
		return corerr.Wrap(corerr.IO, err)
	}
	defer in.Close()
	out, err := os.OpenFile(dest, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return corerr.Wrap(corerr.IO, err)
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return corerr.Wrap(corerr.IO, err)
	}
	return corerr.Wrap(corerr.IO, out.Close())
}

// GC unlinks blobs that are not in live and older than grace. It may run
// concurrently with readers; the per-digest lock is held only around each
// unlink.
func (s *Store) GC(live map[fingerprint.Digest]bool, grace time.Duration) (removed int, _ error) {
	cutoff := time.Now().Add(-grace)
	err := filepath.Walk(s.root, func(path string, fi os.FileInfo, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil // racing with another GC
			}
			return err
		}
		if fi.IsDir() {
			if path == s.tmpDir {
				return filepath.SkipDir
			}
			return nil
		}
		d := fingerprint.Digest(filepath.Base(path))
		if len(d) != fingerprint.HexLen {
			return nil
		}
		if live[d] || fi.ModTime().After(cutoff) {
			return nil
		}
		s.locks.Lock(string(d))
		if err := os.Remove(path); err == nil {
			removed++
		}
		s.locks.Unlock(string(d))
		return nil
	})
	if err != nil {
		return removed, corerr.Wrap(corerr.IO, err)
	}
	return removed, nil
}
