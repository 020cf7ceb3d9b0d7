package actioncache

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/anvil-build/anvil/internal/cas"
	"github.com/anvil-build/anvil/internal/fingerprint"
	"github.com/google/go-cmp/cmp"
)

func testCache(t *testing.T) (*Cache, *cas.Store) {
	t.Helper()
	blobs, err := cas.Open(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	c, err := Open(t.TempDir(), blobs, nil)
	if err != nil {
		t.Fatal(err)
	}
	return c, blobs
}

func putBlob(t *testing.T, blobs *cas.Store, content string) fingerprint.Digest {
	t.Helper()
	d := fingerprint.Bytes([]byte(content))
	if err := blobs.Put(context.Background(), d, []byte(content)); err != nil {
		t.Fatal(err)
	}
	return d
}

func TestInsertLookup(t *testing.T) {
	ctx := context.Background()
	c, blobs := testCache(t)
	d := putBlob(t, blobs, "libout")
	fp := fingerprint.Bytes([]byte("action"))
	c.Insert(fp, &Entry{
		OutputPaths: []string{"lib/a.a"},
		Digests:     []fingerprint.Digest{d},
		Success:     true,
		Metadata:    map[string]string{"tool": "cc-12.0"},
	})
	e, err := c.Lookup(ctx, fp)
	if err != nil {
		t.Fatal(err)
	}
	if e == nil {
		t.Fatal("Lookup = nil, want entry")
	}
	if !e.Success || e.OutputPaths[0] != "lib/a.a" || e.Digests[0] != d {
		t.Errorf("Lookup returned unexpected entry: %+v", e)
	}
}

func TestLookupMiss(t *testing.T) {
	ctx := context.Background()
	c, _ := testCache(t)
	e, err := c.Lookup(ctx, fingerprint.Bytes([]byte("nothing")))
	if err != nil {
		t.Fatal(err)
	}
	if e != nil {
		t.Errorf("Lookup = %+v, want nil", e)
	}
}

func TestLookupEvictsOnMissingArtifact(t *testing.T) {
	ctx := context.Background()
	blobs, err := cas.Open(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	c, err := Open(t.TempDir(), blobs, nil)
	if err != nil {
		t.Fatal(err)
	}
	fp := fingerprint.Bytes([]byte("action"))
	missing := fingerprint.Bytes([]byte("never stored"))
	c.Insert(fp, &Entry{
		OutputPaths: []string{"out"},
		Digests:     []fingerprint.Digest{missing},
		Success:     true,
	})
	e, err := c.Lookup(ctx, fp)
	if err != nil {
		t.Fatal(err)
	}
	if e != nil {
		t.Error("Lookup returned an entry referencing a missing artifact")
	}
	if c.Len() != 0 {
		t.Error("entry with missing artifact was not lazily deleted")
	}
}

func TestInsertFirstWriterWins(t *testing.T) {
	ctx := context.Background()
	c, blobs := testCache(t)
	d1 := putBlob(t, blobs, "first")
	d2 := putBlob(t, blobs, "second")
	fp := fingerprint.Bytes([]byte("action"))
	c.Insert(fp, &Entry{OutputPaths: []string{"out"}, Digests: []fingerprint.Digest{d1}, Success: true})
	c.Insert(fp, &Entry{OutputPaths: []string{"out"}, Digests: []fingerprint.Digest{d2}, Success: true})
	e, err := c.Lookup(ctx, fp)
	if err != nil {
		t.Fatal(err)
	}
	if e.Digests[0] != d1 {
		t.Errorf("second insert overwrote recorded outputs: got %s, want %s", e.Digests[0], d1)
	}

	c.Invalidate(fp, &Entry{OutputPaths: []string{"out"}, Digests: []fingerprint.Digest{d2}, Success: true})
	e, err = c.Lookup(ctx, fp)
	if err != nil {
		t.Fatal(err)
	}
	if e.Digests[0] != d2 {
		t.Errorf("Invalidate did not replace the entry: got %s, want %s", e.Digests[0], d2)
	}
}

func TestFlushRoundTrip(t *testing.T) {
	ctx := context.Background()
	blobsDir := t.TempDir()
	cacheDir := t.TempDir()
	blobs, err := cas.Open(blobsDir)
	if err != nil {
		t.Fatal(err)
	}
	c, err := Open(cacheDir, blobs, nil)
	if err != nil {
		t.Fatal(err)
	}
	d := putBlob(t, blobs, "artifact")
	fp := fingerprint.Bytes([]byte("action"))
	want := &Entry{
		OutputPaths: []string{"a", "b"},
		Digests:     []fingerprint.Digest{d},
		Success:     true,
		Metadata:    map[string]string{"duration_ms": "42", "tool": "cc-12.0"},
	}
	c.Insert(fp, want)
	if err := c.Flush(); err != nil {
		t.Fatal(err)
	}

	c2, err := Open(cacheDir, blobs, nil)
	if err != nil {
		t.Fatal(err)
	}
	got, err := c2.Lookup(ctx, fp)
	if err != nil {
		t.Fatal(err)
	}
	if got == nil {
		t.Fatal("entry lost across flush/reload")
	}
	ignoreTimes := cmp.FilterPath(func(p cmp.Path) bool {
		f := p.Last().String()
		return f == ".Created" || f == ".LastAccess"
	}, cmp.Ignore())
	if diff := cmp.Diff(want, got, ignoreTimes); diff != "" {
		t.Errorf("entry round-trip mismatch (-want +got):\n%s", diff)
	}
	if got.Created.IsZero() || got.LastAccess.IsZero() {
		t.Error("timestamps lost across round-trip")
	}
}

func TestTamperedEntryDiscarded(t *testing.T) {
	ctx := context.Background()
	blobsDir := t.TempDir()
	cacheDir := t.TempDir()
	blobs, err := cas.Open(blobsDir)
	if err != nil {
		t.Fatal(err)
	}
	c, err := Open(cacheDir, blobs, nil)
	if err != nil {
		t.Fatal(err)
	}
	d := putBlob(t, blobs, "artifact")
	fp := fingerprint.Bytes([]byte("action"))
	c.Insert(fp, &Entry{OutputPaths: []string{"out"}, Digests: []fingerprint.Digest{d}, Success: true})
	if err := c.Flush(); err != nil {
		t.Fatal(err)
	}

	// Flip a byte somewhere inside the entry body.
	fn := filepath.Join(cacheDir, "actions.bin")
	b, err := os.ReadFile(fn)
	if err != nil {
		t.Fatal(err)
	}
	b[len(b)/2] ^= 0xff
	if err := os.WriteFile(fn, b, 0644); err != nil {
		t.Fatal(err)
	}

	c2, err := Open(cacheDir, blobs, nil)
	if err != nil {
		t.Fatal(err)
	}
	got, err := c2.Lookup(ctx, fp)
	if err != nil {
		t.Fatal(err)
	}
	if got != nil {
		t.Error("tampered entry survived MAC verification")
	}
}

func TestCorruptStoreIsEmptyNotFatal(t *testing.T) {
	blobs, err := cas.Open(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	cacheDir := t.TempDir()
	if err := os.WriteFile(filepath.Join(cacheDir, "actions.bin"), []byte("garbage"), 0644); err != nil {
		t.Fatal(err)
	}
	c, err := Open(cacheDir, blobs, nil)
	if err != nil {
		t.Fatal(err)
	}
	if c.Len() != 0 {
		t.Errorf("Len = %d, want 0", c.Len())
	}
}

func TestNewerVersionIsEmpty(t *testing.T) {
	blobs, err := cas.Open(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	cacheDir := t.TempDir()
	// magic + version 99 + zero entries
	store := append([]byte("ACSC"), 99, 0, 0, 0, 0, 0)
	if err := os.WriteFile(filepath.Join(cacheDir, "actions.bin"), store, 0644); err != nil {
		t.Fatal(err)
	}
	c, err := Open(cacheDir, blobs, nil)
	if err != nil {
		t.Fatal(err)
	}
	if c.Len() != 0 {
		t.Errorf("Len = %d, want 0", c.Len())
	}
}

func TestGCByEntryCount(t *testing.T) {
	ctx := context.Background()
	c, blobs := testCache(t)
	var fps []fingerprint.Digest
	for _, name := range []string{"one", "two", "three"} {
		d := putBlob(t, blobs, name)
		fp := fingerprint.Bytes([]byte("action " + name))
		c.Insert(fp, &Entry{OutputPaths: []string{name}, Digests: []fingerprint.Digest{d}, Success: true})
		fps = append(fps, fp)
	}
	// Touch the first entry so it is the most recently used.
	if _, err := c.Lookup(ctx, fps[0]); err != nil {
		t.Fatal(err)
	}
	evicted := c.GC(GCPolicy{MaxEntries: 1})
	if evicted != 2 {
		t.Errorf("GC evicted %d entries, want 2", evicted)
	}
	e, err := c.Lookup(ctx, fps[0])
	if err != nil {
		t.Fatal(err)
	}
	if e == nil {
		t.Error("GC evicted the most recently used entry")
	}
}

func TestGCBySize(t *testing.T) {
	c, blobs := testCache(t)
	for i, name := range []string{"one", "two"} {
		d := putBlob(t, blobs, name)
		fp := fingerprint.Bytes([]byte{byte(i)})
		c.Insert(fp, &Entry{
			Digests:  []fingerprint.Digest{d},
			Success:  true,
			Metadata: map[string]string{"output_bytes": "1000"},
		})
	}
	if evicted := c.GC(GCPolicy{MaxBytes: 1500}); evicted != 1 {
		t.Errorf("GC evicted %d entries, want 1", evicted)
	}
}

func TestLive(t *testing.T) {
	c, blobs := testCache(t)
	d := putBlob(t, blobs, "kept")
	c.Insert(fingerprint.Bytes([]byte("ok")), &Entry{Digests: []fingerprint.Digest{d}, Success: true})
	c.Insert(fingerprint.Bytes([]byte("failed")), &Entry{Success: false})
	live := c.Live()
	if !live[d] {
		t.Error("successful entry's artifact not marked live")
	}
	if len(live) != 1 {
		t.Errorf("Live() has %d digests, want 1", len(live))
	}
}

func TestFlushSkipsFailingEntries(t *testing.T) {
	blobs, err := cas.Open(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	dir := t.TempDir()
	c, err := Open(dir, blobs, nil)
	if err != nil {
		t.Fatal(err)
	}
	c.Insert(fingerprint.Bytes([]byte("broken action")), &Entry{Success: false})
	if err := c.Flush(); err != nil {
		t.Fatal(err)
	}
	c2, err := Open(dir, blobs, nil)
	if err != nil {
		t.Fatal(err)
	}
	if got := c2.Len(); got != 0 {
		t.Errorf("failing entry persisted across builds: Len = %d, want 0", got)
	}
}

func TestFlushUnchangedIsNoop(t *testing.T) {
	c, _ := testCache(t)
	if err := c.Flush(); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(filepath.Join(c.dir, "actions.bin")); !os.IsNotExist(err) {
		t.Error("Flush of an unchanged cache wrote a store file")
	}
}
