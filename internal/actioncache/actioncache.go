// Package actioncache implements the persistent keyed cache mapping action
// fingerprints to previously produced outputs. Entries are signed with a
// per-workspace keyed BLAKE3 MAC; on-disk tampering turns into a logged cache
// miss, never wrong outputs.
package actioncache

import (
	"bytes"
	"context"
	"crypto/rand"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/anvil-build/anvil/internal/corerr"
	"github.com/anvil-build/anvil/internal/fingerprint"
	"github.com/anvil-build/anvil/internal/keylock"
	"github.com/anvil-build/anvil/internal/wire"
	"github.com/google/renameio"
	lru "github.com/hashicorp/golang-lru/v2"
)

const (
	storeName = "actions.bin"
	keyName   = "secret.key"

	// magic and version head the store file. Readers treat a higher version
	// as an empty store, never as an error.
	magic   = "ACSC"
	version = 1

	// recencyCapacity bounds the LRU recency tracker. Far above any realistic
	// entry count; the tracker orders evictions, it does not cap the cache.
	recencyCapacity = 1 << 20
)

// Entry is one cache record: what an action produced.
type Entry struct {
	// OutputPaths are the declared output paths, parallel to Digests.
	OutputPaths []string
	Digests     []fingerprint.Digest

	Success bool

	// Metadata carries execution details: duration, tool version, output
	// byte count, and, if verification ran, the perturbed re-run's output
	// hash (or "failed" when it differed).
	Metadata map[string]string

	Created    time.Time
	LastAccess time.Time
}

func (e *Entry) clone() *Entry {
	c := *e
	c.OutputPaths = append([]string(nil), e.OutputPaths...)
	c.Digests = append([]fingerprint.Digest(nil), e.Digests...)
	if e.Metadata != nil {
		c.Metadata = make(map[string]string, len(e.Metadata))
		for k, v := range e.Metadata {
			c.Metadata[k] = v
		}
	}
	return &c
}

// outputBytes reports the recorded total output size, for size-based GC.
func (e *Entry) outputBytes() int64 {
	n, _ := strconv.ParseInt(e.Metadata["output_bytes"], 10, 64)
	return n
}

// ArtifactChecker is the slice of the CAS the cache needs: artifact presence.
type ArtifactChecker interface {
	Exists(ctx context.Context, d fingerprint.Digest) (bool, error)
}

// Cache is the action cache. Reads take a shared lock; writers are
// serialized per fingerprint.
type Cache struct {
	dir   string
	key   []byte
	blobs ArtifactChecker
	log   *log.Logger

	mu      sync.RWMutex
	entries map[fingerprint.Digest]*Entry
	recency *lru.Cache[fingerprint.Digest, struct{}]
	dirty   bool

	locks keylock.Map
}

// Open loads the cache under dir, creating it (and the per-workspace MAC
// key) on first use. Leftover temp files from a crashed writer are
// discarded; corrupt or tampered entries are dropped with a log line.
func Open(dir string, blobs ArtifactChecker, logger *log.Logger) (*Cache, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, corerr.Wrap(corerr.IO, err)
	}
	matches, err := filepath.Glob(filepath.Join(dir, ".*"))
	if err != nil {
		return nil, corerr.Wrap(corerr.IO, err)
	}
	for _, match := range matches {
		os.Remove(match) // crashed writer's temp file
	}
	key, err := loadOrCreateKey(filepath.Join(dir, keyName))
	if err != nil {
		return nil, err
	}
	recency, err := lru.New[fingerprint.Digest, struct{}](recencyCapacity)
	if err != nil {
		return nil, corerr.E(corerr.Internal, "recency tracker: %w", err)
	}
	c := &Cache{
		dir:     dir,
		key:     key,
		blobs:   blobs,
		log:     logger,
		entries: make(map[fingerprint.Digest]*Entry),
		recency: recency,
	}
	if err := c.load(); err != nil {
		// A broken store is a cache miss, not a failed build.
		c.logf("loading %s: %v (starting empty)", storeName, err)
		c.entries = make(map[fingerprint.Digest]*Entry)
	}
	return c, nil
}

func loadOrCreateKey(path string) ([]byte, error) {
	if b, err := os.ReadFile(path); err == nil && len(b) == fingerprint.Size {
		return b, nil
	}
	key := make([]byte, fingerprint.Size)
	if _, err := rand.Read(key); err != nil {
		return nil, corerr.E(corerr.Internal, "generating cache key: %w", err)
	}
	if err := renameio.WriteFile(path, key, 0600); err != nil {
		return nil, corerr.Wrap(corerr.IO, err)
	}
	return key, nil
}

// Lookup returns the entry for fp iff it exists and every referenced
// artifact is still present in the CAS. An entry with a missing artifact is
// deleted (lazy GC) and reported as a miss.
func (c *Cache) Lookup(ctx context.Context, fp fingerprint.Digest) (*Entry, error) {
	c.mu.RLock()
	e := c.entries[fp]
	c.mu.RUnlock()
	if e == nil {
		return nil, nil
	}
	for _, d := range e.Digests {
		ok, err := c.blobs.Exists(ctx, d)
		if err != nil {
			return nil, err
		}
		if !ok {
			c.logf("entry %s references missing artifact %s, evicting", fp, d)
			c.Delete(fp)
			return nil, nil
		}
	}
	c.mu.Lock()
	e.LastAccess = time.Now()
	c.dirty = true
	cloned := e.clone()
	c.mu.Unlock()
	c.recency.Add(fp, struct{}{})
	return cloned, nil
}

// Insert records an entry for fp. Inserting is idempotent: the first writer
// wins, and a re-insert only refreshes the last-access timestamp.
func (c *Cache) Insert(fp fingerprint.Digest, e *Entry) {
	c.locks.Lock(string(fp))
	defer c.locks.Unlock(string(fp))

	now := time.Now()
	c.mu.Lock()
	if existing, ok := c.entries[fp]; ok {
		existing.LastAccess = now
		c.dirty = true
		c.mu.Unlock()
		c.recency.Add(fp, struct{}{})
		return
	}
	stored := e.clone()
	if stored.Created.IsZero() {
		stored.Created = now
	}
	stored.LastAccess = now
	c.entries[fp] = stored
	c.dirty = true
	c.mu.Unlock()
	c.recency.Add(fp, struct{}{})
}

// Invalidate removes any existing entry and records e in its place, for
// callers that explicitly want to overwrite recorded outputs.
func (c *Cache) Invalidate(fp fingerprint.Digest, e *Entry) {
	c.Delete(fp)
	c.Insert(fp, e)
}

// Delete evicts the entry for fp, if any.
func (c *Cache) Delete(fp fingerprint.Digest) {
	c.mu.Lock()
	if _, ok := c.entries[fp]; ok {
		delete(c.entries, fp)
		c.dirty = true
	}
	c.mu.Unlock()
	c.recency.Remove(fp)
}

// Len returns the number of entries.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// Live returns every artifact digest referenced by a successful entry; the
// CAS GC treats these as roots.
func (c *Cache) Live() map[fingerprint.Digest]bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	live := make(map[fingerprint.Digest]bool)
	for _, e := range c.entries {
		if !e.Success {
			continue
		}
		for _, d := range e.Digests {
			live[d] = true
		}
	}
	return live
}

// GCPolicy bounds the cache for GC. Zero fields are unlimited.
type GCPolicy struct {
	MaxEntries int
	MaxBytes   int64
}

// GC evicts least-recently-used entries until the cache fits the policy.
// Artifacts orphaned by eviction become candidates for the CAS's own GC.
func (c *Cache) GC(policy GCPolicy) (evicted int) {
	for {
		c.mu.RLock()
		n := len(c.entries)
		var total int64
		if policy.MaxBytes > 0 {
			for _, e := range c.entries {
				total += e.outputBytes()
			}
		}
		c.mu.RUnlock()
		over := (policy.MaxEntries > 0 && n > policy.MaxEntries) ||
			(policy.MaxBytes > 0 && total > policy.MaxBytes)
		if !over {
			return evicted
		}
		fp, _, ok := c.recency.GetOldest()
		if !ok {
			return evicted
		}
		c.Delete(fp)
		evicted++
	}
}

func (c *Cache) logf(format string, args ...interface{}) {
	if c.log != nil {
		c.log.Printf("[actioncache] "+format, args...)
	}
}

// load reads actions.bin. Entries whose MAC fails verification are dropped.
func (c *Cache) load() error {
	b, err := os.ReadFile(filepath.Join(c.dir, storeName))
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
		c.logf("store version %d is newer than %d, starting empty", v, version)
		return nil
	}
	count := r.Uint32()
	if err := r.Err(); err != nil {
		return corerr.Wrap(corerr.Cache, err)
	}
	for i := uint32(0); i < count; i++ {
		body := r.Bytes()
		mac := r.Raw(fingerprint.Size)
		if err := r.Err(); err != nil {
			return corerr.E(corerr.Cache, "entry %d: %w", i, err)
		}
		want, err := fingerprint.MAC(c.key, body)
		if err != nil {
			return err
		}
		if !bytes.Equal(mac, want) {
			c.logf("entry %d failed MAC verification, discarding", i)
			continue
		}
		fp, e, err := decodeEntry(body)
		if err != nil {
			c.logf("entry %d: %v, discarding", i, err)
			continue
		}
		c.entries[fp] = e
		c.recency.Add(fp, struct{}{})
	}
	return nil
}

// Flush persists the cache if it changed, writing to a temp file and
// atomically renaming it into place.
func (c *Cache) Flush() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.dirty {
		return nil
	}
	// Failing entries are honored within the build that recorded them but
	// never persisted: the next build gets a fresh attempt.
	fps := make([]fingerprint.Digest, 0, len(c.entries))
	for fp, e := range c.entries {
		if e.Success {
			fps = append(fps, fp)
		}
	}
	sort.Slice(fps, func(i, j int) bool { return fps[i] < fps[j] })
	var w wire.Writer
	w.PutRaw([]byte(magic))
	w.PutUint16(version)
	w.PutUint32(uint32(len(fps)))
	for _, fp := range fps {
		body, err := encodeEntry(fp, c.entries[fp])
		if err != nil {
			return err
		}
		mac, err := fingerprint.MAC(c.key, body)
		if err != nil {
			return err
		}
		w.PutBytes(body)
		w.PutRaw(mac)
	}
	out, err := w.Bytes()
	if err != nil {
		return corerr.Wrap(corerr.Cache, err)
	}
	if err := renameio.WriteFile(filepath.Join(c.dir, storeName), out, 0644); err != nil {
		return corerr.Wrap(corerr.Cache, err)
	}
	c.dirty = false
	return nil
}

func encodeEntry(fp fingerprint.Digest, e *Entry) ([]byte, error) {
	var w wire.Writer
	w.PutString(string(fp))
	w.PutStrings(e.OutputPaths)
	digests := make([]string, len(e.Digests))
	for i, d := range e.Digests {
		digests[i] = string(d)
	}
	w.PutStrings(digests)
	w.PutBool(e.Success)
	keys := make([]string, 0, len(e.Metadata))
	for k := range e.Metadata {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	w.PutUint32(uint32(len(keys)))
	for _, k := range keys {
		w.PutString(k)
		w.PutString(e.Metadata[k])
	}
	w.PutInt64(e.Created.UnixNano())
	w.PutInt64(e.LastAccess.UnixNano())
	b, err := w.Bytes()
	if err != nil {
		return nil, corerr.Wrap(corerr.Cache, err)
	}
	return b, nil
}

func decodeEntry(body []byte) (fingerprint.Digest, *Entry, error) {
	r := wire.NewReader(body)
	fp, err := fingerprint.Parse(r.String())
	if err != nil {
		return "", nil, corerr.E(corerr.Cache, "bad fingerprint: %w", err)
	}
	e := &Entry{}
	e.OutputPaths = r.Strings()
	for _, d := range r.Strings() {
		e.Digests = append(e.Digests, fingerprint.Digest(d))
	}
	e.Success = r.Bool()
	n := r.Uint32()
	if n > 0 {
		e.Metadata = make(map[string]string, n)
		for i := uint32(0); i < n; i++ {
			k := r.String()
			e.Metadata[k] = r.String()
		}
	}
	e.Created = time.Unix(0, r.Int64())
	e.LastAccess = time.Unix(0, r.Int64())
	if err := r.Err(); err != nil {
		return "", nil, corerr.Wrap(corerr.Cache, err)
	}
	// Unknown trailing fields from a newer minor schema are tolerated.
	return fp, e, nil
}

