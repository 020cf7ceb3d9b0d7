package cas

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/anvil-build/anvil/internal/fingerprint"
)

func TestPutGet(t *testing.T) {
	ctx := context.Background()
	s, err := Open(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	content := []byte("artifact contents")
	d := fingerprint.Bytes(content)
	if err := s.Put(ctx, d, content); err != nil {
		t.Fatal(err)
	}
	got, err := s.Get(ctx, d)
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != string(content) {
		t.Errorf("Get = %q, want %q", got, content)
	}
	// The blob path follows the sharded layout and is world-readable.
	h := string(d)
	want := filepath.Join(s.root, h[0:2], h[2:4], h)
	fi, err := os.Stat(want)
	if err != nil {
		t.Fatalf("blob not at sharded path: %v", err)
	}
	if got := fi.Mode().Perm(); got != 0644 {
		t.Errorf("blob mode = %o, want 0644", got)
	}
}

func TestPutIdempotent(t *testing.T) {
	ctx := context.Background()
	s, err := Open(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	content := []byte("same bytes")
	d := fingerprint.Bytes(content)
	for i := 0; i < 3; i++ {
		if err := s.Put(ctx, d, content); err != nil {
			t.Fatal(err)
		}
	}
	matches, err := filepath.Glob(filepath.Join(s.root, "??", "??", "*"))
	if err != nil {
		t.Fatal(err)
	}
	if len(matches) != 1 {
		t.Errorf("store holds %d blobs, want 1", len(matches))
	}
}

func TestPutRejectsWrongDigest(t *testing.T) {
	ctx := context.Background()
	s, err := Open(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	d := fingerprint.Bytes([]byte("claimed"))
	if err := s.Put(ctx, d, []byte("actual")); err == nil {
		t.Error("Put with mismatched digest succeeded, want error")
	}
	if ok, _ := s.Exists(ctx, d); ok {
		t.Error("mismatched blob was published")
	}
}

func TestInjectivity(t *testing.T) {
	s, err := Open(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	a := fingerprint.Bytes([]byte("a"))
	b := fingerprint.Bytes([]byte("b"))
	if s.Path(a) == s.Path(b) {
		t.Error("distinct contents mapped to the same path")
	}
}

func TestGetMiss(t *testing.T) {
	ctx := context.Background()
	s, err := Open(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	if _, err := s.Get(ctx, fingerprint.Bytes([]byte("missing"))); !errors.Is(err, ErrArtifactNotFound) {
		t.Errorf("Get(missing) = %v, want ErrArtifactNotFound", err)
	}
}

func TestOpenDiscardsTempFiles(t *testing.T) {
	root := t.TempDir()
	tmpDir := filepath.Join(root, "tmp")
	if err := os.MkdirAll(tmpDir, 0755); err != nil {
		t.Fatal(err)
	}
	stale := filepath.Join(tmpDir, "leftover")
	if err := os.WriteFile(stale, []byte("partial"), 0600); err != nil {
		t.Fatal(err)
	}
	if _, err := Open(root); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(stale); !os.IsNotExist(err) {
		t.Error("stale temp file survived Open")
	}
}

func TestMaterialize(t *testing.T) {
	ctx := context.Background()
	s, err := Open(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	content := []byte("output")
	d := fingerprint.Bytes(content)
	if err := s.Put(ctx, d, content); err != nil {
		t.Fatal(err)
	}
	dest := filepath.Join(t.TempDir(), "out", "lib.a")
	if err := s.Materialize(d, dest); err != nil {
		t.Fatal(err)
	}
	got, err := os.ReadFile(dest)
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != string(content) {
		t.Errorf("materialized contents = %q, want %q", got, content)
	}
}

func TestGC(t *testing.T) {
	ctx := context.Background()
	s, err := Open(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	live := []byte("live")
	dead := []byte("dead")
	dLive := fingerprint.Bytes(live)
	dDead := fingerprint.Bytes(dead)
	if err := s.Put(ctx, dLive, live); err != nil {
		t.Fatal(err)
	}
	if err := s.Put(ctx, dDead, dead); err != nil {
		t.Fatal(err)
	}
	// Age both blobs past the grace period.
	old := time.Now().Add(-2 * time.Hour)
	for _, d := range []fingerprint.Digest{dLive, dDead} {
		if err := os.Chtimes(s.Path(d), old, old); err != nil {
			t.Fatal(err)
		}
	}
	removed, err := s.GC(map[fingerprint.Digest]bool{dLive: true}, time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	if removed != 1 {
		t.Errorf("GC removed %d blobs, want 1", removed)
	}
	if ok, _ := s.Exists(ctx, dLive); !ok {
		t.Error("GC removed a live blob")
	}
	if ok, _ := s.Exists(ctx, dDead); ok {
		t.Error("GC kept a dead blob")
	}
}

func TestGCGracePeriod(t *testing.T) {
	ctx := context.Background()
	s, err := Open(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	fresh := []byte("fresh")
	d := fingerprint.Bytes(fresh)
	if err := s.Put(ctx, d, fresh); err != nil {
		t.Fatal(err)
	}
	removed, err := s.GC(nil, time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	if removed != 0 {
		t.Errorf("GC removed %d fresh blobs, want 0", removed)
	}
}

// flakyBackend fails a fixed number of times before succeeding, to exercise
// the retry policy.
type flakyBackend struct {
	failures int
	store    map[fingerprint.Digest][]byte
	puts     int
}

func (f *flakyBackend) Connect(ctx context.Context) error { return nil }

func (f *flakyBackend) Exists(ctx context.Context, d fingerprint.Digest) (bool, error) {
	if f.failures > 0 {
		f.failures--
		return false, context.DeadlineExceeded
	}
	_, ok := f.store[d]
	return ok, nil
}

func (f *flakyBackend) Get(ctx context.Context, d fingerprint.Digest) ([]byte, error) {
	if f.failures > 0 {
		f.failures--
		return nil, context.DeadlineExceeded
	}
	b, ok := f.store[d]
	if !ok {
		return nil, ErrArtifactNotFound
	}
	return b, nil
}

func (f *flakyBackend) Put(ctx context.Context, d fingerprint.Digest, data []byte) error {
	if f.failures > 0 {
		f.failures--
		return context.DeadlineExceeded
	}
	f.puts++
	if f.store == nil {
		f.store = make(map[fingerprint.Digest][]byte)
	}
	f.store[d] = data
	return nil
}

func fastPolicy() RetryPolicy {
	return RetryPolicy{Timeout: time.Second, Attempts: 3, Backoff: time.Millisecond}
}

func TestTieredGetPullsRemote(t *testing.T) {
	ctx := context.Background()
	local, err := Open(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	content := []byte("remote artifact")
	d := fingerprint.Bytes(content)
	remote := &flakyBackend{failures: 1, store: map[fingerprint.Digest][]byte{d: content}}
	tiered := NewTiered(local, remote, nil)
	tiered.Policy = fastPolicy()

	got, err := tiered.Get(ctx, d)
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != string(content) {
		t.Errorf("Get = %q, want %q", got, content)
	}
	// The remote hit is now cached locally.
	if ok, _ := local.Exists(ctx, d); !ok {
		t.Error("remote hit was not pulled into the local store")
	}
}

func TestTieredRemoteFailureIsMiss(t *testing.T) {
	ctx := context.Background()
	local, err := Open(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	remote := &flakyBackend{failures: 100}
	tiered := NewTiered(local, remote, nil)
	tiered.Policy = fastPolicy()

	d := fingerprint.Bytes([]byte("anything"))
	if _, err := tiered.Get(ctx, d); !errors.Is(err, ErrArtifactNotFound) {
		t.Errorf("Get with dead remote = %v, want ErrArtifactNotFound", err)
	}
	if ok, err := tiered.Exists(ctx, d); ok || err != nil {
		t.Errorf("Exists with dead remote = (%v, %v), want (false, nil)", ok, err)
	}
}

func TestTieredPutMirrors(t *testing.T) {
	ctx := context.Background()
	local, err := Open(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	remote := &flakyBackend{}
	tiered := NewTiered(local, remote, nil)
	tiered.Policy = fastPolicy()

	content := []byte("mirrored")
	d := fingerprint.Bytes(content)
	if err := tiered.Put(ctx, d, content); err != nil {
		t.Fatal(err)
	}
	if remote.puts != 1 {
		t.Errorf("remote received %d puts, want 1", remote.puts)
	}
	if ok, _ := local.Exists(ctx, d); !ok {
		t.Error("Put did not publish locally")
	}
}
