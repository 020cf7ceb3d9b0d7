package wire

import (
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestRoundTrip(t *testing.T) {
	var w Writer
	w.PutUint16(7)
	w.PutUint32(1<<31 + 5)
	w.PutUint64(1 << 40)
	w.PutInt64(-12345)
	w.PutBool(true)
	w.PutString("hello")
	w.PutStrings([]string{"a", "", "bc"})
	b, err := w.Bytes()
	if err != nil {
		t.Fatal(err)
	}

	r := NewReader(b)
	if got, want := r.Uint16(), uint16(7); got != want {
		t.Errorf("Uint16 = %d, want %d", got, want)
	}
	if got, want := r.Uint32(), uint32(1<<31+5); got != want {
		t.Errorf("Uint32 = %d, want %d", got, want)
	}
	if got, want := r.Uint64(), uint64(1<<40); got != want {
		t.Errorf("Uint64 = %d, want %d", got, want)
	}
	if got, want := r.Int64(), int64(-12345); got != want {
		t.Errorf("Int64 = %d, want %d", got, want)
	}
	if !r.Bool() {
		t.Error("Bool = false, want true")
	}
	if got, want := r.String(), "hello"; got != want {
		t.Errorf("String = %q, want %q", got, want)
	}
	if diff := cmp.Diff([]string{"a", "", "bc"}, r.Strings()); diff != "" {
		t.Errorf("Strings mismatch (-want +got):\n%s", diff)
	}
	if err := r.Err(); err != nil {
		t.Fatal(err)
	}
	if got := r.Remaining(); got != 0 {
		t.Errorf("Remaining = %d, want 0", got)
	}
}

func TestTruncated(t *testing.T) {
	var w Writer
	w.PutString("hello")
	b, err := w.Bytes()
	if err != nil {
		t.Fatal(err)
	}
	r := NewReader(b[:3])
	_ = r.String()
	if r.Err() == nil {
		t.Error("decoding truncated input succeeded, want error")
	}
}

func TestBogusLength(t *testing.T) {
	// A length prefix larger than the remaining input must not allocate.
	r := NewReader([]byte{0xff, 0xff, 0xff, 0xff, 'x'})
	r.Bytes()
	if r.Err() == nil {
		t.Error("decoding bogus length succeeded, want error")
	}
}
