package fingerprint

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/anvil-build/anvil/internal/corerr"
)

func TestBytesStable(t *testing.T) {
	a := Bytes([]byte("hello"))
	b := Bytes([]byte("hello"))
	if a != b {
		t.Errorf("Bytes not deterministic: %s vs %s", a, b)
	}
	if len(a) != HexLen {
		t.Errorf("digest length = %d, want %d", len(a), HexLen)
	}
	if a == Empty {
		t.Error("non-empty input hashed to the empty digest")
	}
}

func TestFile(t *testing.T) {
	dir := t.TempDir()
	fn := filepath.Join(dir, "a.cc")
	content := []byte("int f(){return 1;}")
	if err := os.WriteFile(fn, content, 0644); err != nil {
		t.Fatal(err)
	}
	got, err := File(fn)
	if err != nil {
		t.Fatal(err)
	}
	if want := Bytes(content); got != want {
		t.Errorf("File = %s, want %s", got, want)
	}
}

func TestFileEmpty(t *testing.T) {
	dir := t.TempDir()
	fn := filepath.Join(dir, "empty")
	if err := os.WriteFile(fn, nil, 0644); err != nil {
		t.Fatal(err)
	}
	got, err := File(fn)
	if err != nil {
		t.Fatal(err)
	}
	if got != Empty {
		t.Errorf("File(empty) = %s, want %s", got, Empty)
	}
}

func TestFileLarge(t *testing.T) {
	// Exceed the mmap threshold to exercise the memory-mapped path.
	content := bytes.Repeat([]byte("0123456789abcdef"), (4<<20)/16+1024)
	dir := t.TempDir()
	fn := filepath.Join(dir, "large")
	if err := os.WriteFile(fn, content, 0644); err != nil {
		t.Fatal(err)
	}
	got, err := File(fn)
	if err != nil {
		t.Fatal(err)
	}
	if want := Bytes(content); got != want {
		t.Errorf("File(large) = %s, want %s", got, want)
	}
}

func TestFileSymlink(t *testing.T) {
	dir := t.TempDir()
	fn := filepath.Join(dir, "real")
	content := []byte("content")
	if err := os.WriteFile(fn, content, 0644); err != nil {
		t.Fatal(err)
	}
	link := filepath.Join(dir, "link")
	if err := os.Symlink("real", link); err != nil {
		t.Fatal(err)
	}
	got, err := File(link)
	if err != nil {
		t.Fatal(err)
	}
	if want := Bytes(content); got != want {
		t.Errorf("File(symlink) = %s, want %s", got, want)
	}

	// A symlink to a symlink is treated as a loop.
	link2 := filepath.Join(dir, "link2")
	if err := os.Symlink("link", link2); err != nil {
		t.Fatal(err)
	}
	if _, err := File(link2); corerr.KindOf(err) != corerr.IO {
		t.Errorf("File(symlink chain) = %v, want IO error", err)
	}
}

func TestStringsFraming(t *testing.T) {
	if Strings([]string{"a", "bc"}) == Strings([]string{"ab", "c"}) {
		t.Error(`Strings(["a","bc"]) == Strings(["ab","c"]): framing broken`)
	}
	if Strings([]string{"a", "bc"}) != Strings([]string{"a", "bc"}) {
		t.Error("Strings not deterministic")
	}
}

func TestActionSensitivity(t *testing.T) {
	base := func() Digest {
		return Action("cc-12.0",
			[]Digest{Bytes([]byte("src"))},
			[]string{"-O2"},
			[]string{"PATH=/usr/bin"},
			"//lib:a", "compile",
			[]Digest{Bytes([]byte("dep"))})
	}
	fp := base()
	if fp != base() {
		t.Fatal("Action not deterministic")
	}
	for name, other := range map[string]Digest{
		"tool":   Action("cc-13.0", []Digest{Bytes([]byte("src"))}, []string{"-O2"}, []string{"PATH=/usr/bin"}, "//lib:a", "compile", []Digest{Bytes([]byte("dep"))}),
		"input":  Action("cc-12.0", []Digest{Bytes([]byte("src2"))}, []string{"-O2"}, []string{"PATH=/usr/bin"}, "//lib:a", "compile", []Digest{Bytes([]byte("dep"))}),
		"flags":  Action("cc-12.0", []Digest{Bytes([]byte("src"))}, []string{"-O3"}, []string{"PATH=/usr/bin"}, "//lib:a", "compile", []Digest{Bytes([]byte("dep"))}),
		"env":    Action("cc-12.0", []Digest{Bytes([]byte("src"))}, []string{"-O2"}, []string{"PATH=/bin"}, "//lib:a", "compile", []Digest{Bytes([]byte("dep"))}),
		"label":  Action("cc-12.0", []Digest{Bytes([]byte("src"))}, []string{"-O2"}, []string{"PATH=/usr/bin"}, "//lib:b", "compile", []Digest{Bytes([]byte("dep"))}),
		"kind":   Action("cc-12.0", []Digest{Bytes([]byte("src"))}, []string{"-O2"}, []string{"PATH=/usr/bin"}, "//lib:a", "link", []Digest{Bytes([]byte("dep"))}),
		"depout": Action("cc-12.0", []Digest{Bytes([]byte("src"))}, []string{"-O2"}, []string{"PATH=/usr/bin"}, "//lib:a", "compile", []Digest{Bytes([]byte("dep2"))}),
	} {
		if other == fp {
			t.Errorf("changing %s did not change the fingerprint", name)
		}
	}
}

func TestActionEnvOrderInsensitive(t *testing.T) {
	a := Action("cc", nil, nil, []string{"A=1", "B=2"}, "//x:y", "compile", nil)
	b := Action("cc", nil, nil, []string{"B=2", "A=1"}, "//x:y", "compile", nil)
	if a != b {
		t.Error("env pair order changed the fingerprint, want sorted hashing")
	}
}

func TestMAC(t *testing.T) {
	key := bytes.Repeat([]byte{0x42}, 32)
	mac1, err := MAC(key, []byte("entry"))
	if err != nil {
		t.Fatal(err)
	}
	if len(mac1) != Size {
		t.Fatalf("MAC length = %d, want %d", len(mac1), Size)
	}
	mac2, err := MAC(key, []byte("entry"))
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(mac1, mac2) {
		t.Error("MAC not deterministic")
	}
	otherKey := bytes.Repeat([]byte{0x43}, 32)
	mac3, err := MAC(otherKey, []byte("entry"))
	if err != nil {
		t.Fatal(err)
	}
	if bytes.Equal(mac1, mac3) {
		t.Error("different keys produced the same MAC")
	}
	if _, err := MAC([]byte("short"), []byte("entry")); err == nil {
		t.Error("MAC accepted a short key")
	}
}
