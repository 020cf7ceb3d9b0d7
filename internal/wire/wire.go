// Package wire implements the length-prefixed little-endian record encoding
// shared by the engine's persistent stores (action cache, dependency store).
// All multi-byte integers are little-endian; strings and byte fields carry a
// uint32 length prefix so no field boundary is ambiguous.
package wire

import (
	"bytes"
	"encoding/binary"
	"io"

	"golang.org/x/xerrors"
)

// Writer accumulates length-prefixed fields into a buffer.
type Writer struct {
	buf bytes.Buffer
	err error
}

func (w *Writer) put(v interface{}) {
	if w.err != nil {
		return
	}
	w.err = binary.Write(&w.buf, binary.LittleEndian, v)
}

func (w *Writer) PutUint16(v uint16) { w.put(v) }
func (w *Writer) PutUint32(v uint32) { w.put(v) }
func (w *Writer) PutUint64(v uint64) { w.put(v) }
func (w *Writer) PutInt64(v int64)   { w.put(v) }

func (w *Writer) PutBool(v bool) {
	var b byte
	if v {
		b = 1
	}
	w.put(b)
}

// PutBytes writes a uint32 length prefix followed by b.
func (w *Writer) PutBytes(b []byte) {
	w.PutUint32(uint32(len(b)))
	if w.err != nil {
		return
	}
	_, w.err = w.buf.Write(b)
}

func (w *Writer) PutString(s string) { w.PutBytes([]byte(s)) }

// PutStrings writes a uint32 count followed by each string length-prefixed.
func (w *Writer) PutStrings(ss []string) {
	w.PutUint32(uint32(len(ss)))
	for _, s := range ss {
		w.PutString(s)
	}
}

// PutRaw writes b without a length prefix, for fixed-width fields like magic
// bytes and MACs.
func (w *Writer) PutRaw(b []byte) {
	if w.err != nil {
		return
	}
	_, w.err = w.buf.Write(b)
}

// Bytes returns the accumulated encoding.
func (w *Writer) Bytes() ([]byte, error) {
	if w.err != nil {
		return nil, w.err
	}
	return w.buf.Bytes(), nil
}

// Reader decodes fields written by Writer. The first decoding error sticks;
// check Err once after reading all fields.
type Reader struct {
	r   *bytes.Reader
	err error
}

func NewReader(b []byte) *Reader {
	return &Reader{r: bytes.NewReader(b)}
}

func (r *Reader) get(v interface{}) {
	if r.err != nil {
		return
	}
	r.err = binary.Read(r.r, binary.LittleEndian, v)
}

func (r *Reader) Uint16() (v uint16) { r.get(&v); return v }
func (r *Reader) Uint32() (v uint32) { r.get(&v); return v }
func (r *Reader) Uint64() (v uint64) { r.get(&v); return v }
func (r *Reader) Int64() (v int64)   { r.get(&v); return v }

func (r *Reader) Bool() bool {
	var b byte
	r.get(&b)
	return b != 0
}

func (r *Reader) Bytes() []byte {
	n := r.Uint32()
	if r.err != nil {
		return nil
	}
	if int64(n) > int64(r.r.Len()) {
		r.err = xerrors.Errorf("field length %d exceeds remaining %d bytes", n, r.r.Len())
		return nil
	}
	b := make([]byte, n)
	if _, err := io.ReadFull(r.r, b); err != nil {
		r.err = err
		return nil
	}
	return b
}

func (r *Reader) String() string { return string(r.Bytes()) }

func (r *Reader) Strings() []string {
	n := r.Uint32()
	if r.err != nil {
		return nil
	}
	if int64(n) > int64(r.r.Len()) {
		r.err = xerrors.Errorf("string count %d exceeds remaining %d bytes", n, r.r.Len())
		return nil
	}
	// An empty list decodes as nil, matching the nil slices the stores
	// encode, so a record round-trips unchanged.
	if n == 0 {
		return nil
	}
	ss := make([]string, 0, n)
	for i := uint32(0); i < n; i++ {
		ss = append(ss, r.String())
	}
	return ss
}

// Raw reads n bytes without a length prefix, for fixed-width fields like
// magic bytes and MACs.
func (r *Reader) Raw(n int) []byte {
	if r.err != nil {
		return nil
	}
	if n > r.r.Len() {
		r.err = xerrors.Errorf("raw field of %d bytes exceeds remaining %d bytes", n, r.r.Len())
		return nil
	}
	b := make([]byte, n)
	if _, err := io.ReadFull(r.r, b); err != nil {
		r.err = err
		return nil
	}
	return b
}

// Remaining reports how many undecoded bytes are left.
func (r *Reader) Remaining() int { return r.r.Len() }

// Err returns the first decoding error, if any.
func (r *Reader) Err() error { return r.err }
