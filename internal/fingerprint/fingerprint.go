// Package fingerprint computes the deterministic BLAKE3 digests the engine is
// keyed on: file contents, string lists, action fingerprints and the keyed
// MAC protecting the action cache.
package fingerprint

import (
	"encoding/binary"
	"encoding/hex"
	"io"
	"os"
	"path/filepath"
	"sort"

	"github.com/anvil-build/anvil/internal/corerr"
	"github.com/zeebo/blake3"
	"golang.org/x/exp/mmap"
)

const (
	// blockSize is the unit in which file contents are fed to the hasher.
	blockSize = 64 * 1024

	// mmapThreshold is the file size above which files are memory-mapped
	// instead of read through a buffer.
	mmapThreshold = 4 << 20

	// Size is the digest size in bytes.
	Size = 32

	// HexLen is the length of a Digest's string form.
	HexLen = 2 * Size
)

// CacheFormatVersion is mixed into every action fingerprint. Any change to
// the fingerprint framing below must bump it, invalidating all cached
// entries at once instead of silently colliding with old ones.
const CacheFormatVersion = 1

// Digest is a BLAKE3 digest in its canonical form: 64 lowercase hex
// characters.
type Digest string

// Empty is the digest of zero bytes.
var Empty = Bytes(nil)

// Bytes returns the digest of b.
func Bytes(b []byte) Digest {
	sum := blake3.Sum256(b)
	return Digest(hex.EncodeToString(sum[:]))
}

// Parse validates s as a digest string.
func Parse(s string) (Digest, error) {
	if len(s) != HexLen {
		return "", corerr.E(corerr.Internal, "digest %q: length %d, want %d", s, len(s), HexLen)
	}
	if _, err := hex.DecodeString(s); err != nil {
		return "", corerr.E(corerr.Internal, "digest %q: %v", s, err)
	}
	return Digest(s), nil
}

// File hashes the contents of the file at path, reading in 64 KiB blocks and
// memory-mapping files above the threshold. A symlink is followed exactly
// once; a chain of two or more symlinks is treated as a loop.
func File(path string) (Digest, error) {
	fi, err := os.Lstat(path)
	if err != nil {
		return "", corerr.Wrap(corerr.IO, err)
	}
	if fi.Mode()&os.ModeSymlink != 0 {
		target, err := os.Readlink(path)
		if err != nil {
			return "", corerr.Wrap(corerr.IO, err)
		}
		if !filepath.IsAbs(target) {
			target = filepath.Join(filepath.Dir(path), target)
		}
		ti, err := os.Lstat(target)
		if err != nil {
			return "", corerr.Wrap(corerr.IO, err)
		}
		if ti.Mode()&os.ModeSymlink != 0 {
			return "", corerr.E(corerr.IO, "hashing %s: symlink loop via %s", path, target)
		}
		path, fi = target, ti
	}
	if fi.Size() > mmapThreshold {
		return fileMmap(path, fi.Size())
	}
	f, err := os.Open(path)
	if err != nil {
		return "", corerr.Wrap(corerr.IO, err)
	}
	defer f.Close()
	h := blake3.New()
	buf := make([]byte, blockSize)
	if _, err := io.CopyBuffer(h, f, buf); err != nil {
		return "", corerr.Wrap(corerr.IO, err)
	}
	return sumDigest(h), nil
}

func fileMmap(path string, size int64) (Digest, error) {
	readerAt, err := mmap.Open(path)
	if err != nil {
		return "", corerr.Wrap(corerr.IO, err)
	}
	defer readerAt.Close()
	h := blake3.New()
	buf := make([]byte, blockSize)
	for off := int64(0); off < size; off += blockSize {
		n, err := readerAt.ReadAt(buf[:min64(blockSize, size-off)], off)
		if err != nil && err != io.EOF {
			return "", corerr.Wrap(corerr.IO, err)
		}
		h.Write(buf[:n])
	}
	return sumDigest(h), nil
}

func min64(a, b int64) int64 {
	if a < b {
		return a
	}
	return b
}

// Strings hashes a string list with length-prefixed framing, so that
// ["a","bc"] and ["ab","c"] cannot collide.
func Strings(ss []string) Digest {
	h := blake3.New()
	for _, s := range ss {
		frame(h, []byte(s))
	}
	return sumDigest(h)
}

// frame writes an 8-byte little-endian length followed by b.
func frame(h *blake3.Hasher, b []byte) {
	var lenbuf [8]byte
	binary.LittleEndian.PutUint64(lenbuf[:], uint64(len(b)))
	h.Write(lenbuf[:])
	h.Write(b)
}

// Action computes the action fingerprint: the cache key under which the
// action's outputs are stored. The field order and framing below are the
// cache correctness contract; changing either requires bumping
// CacheFormatVersion.
func Action(tool string, inputs []Digest, flags, env []string, label, kind string, depOutputs []Digest) Digest {
	h := blake3.New()
	var ver [8]byte
	binary.LittleEndian.PutUint64(ver[:], CacheFormatVersion)
	h.Write(ver[:])

	frame(h, []byte(tool))
	for _, in := range inputs {
		frame(h, []byte(in))
	}
	for _, f := range flags {
		frame(h, []byte(f))
	}
	sortedEnv := append([]string(nil), env...)
	sort.Strings(sortedEnv)
	for _, kv := range sortedEnv {
		frame(h, []byte(kv))
	}
	frame(h, []byte(label))
	frame(h, []byte(kind))
	for _, dep := range depOutputs {
		frame(h, []byte(dep))
	}
	return sumDigest(h)
}

func sumDigest(h *blake3.Hasher) Digest {
	return Digest(hex.EncodeToString(h.Sum(nil)))
}

// MAC computes a 32-byte keyed BLAKE3 MAC over data. The key must be exactly
// 32 bytes.
func MAC(key, data []byte) ([]byte, error) {
	h, err := blake3.NewKeyed(key)
	if err != nil {
		return nil, corerr.E(corerr.Internal, "keyed hasher: %w", err)
	}
	h.Write(data)
	return h.Sum(nil)[:Size], nil
}
