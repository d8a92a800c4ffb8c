package wire

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"math"
)

// Reader wraps a byte slice with cursor-based little-endian primitive reads,
// the way the original ed2k archive reader consumes a flat packet body.
type Reader struct {
	buf []byte
	pos int
}

func NewReader(b []byte) *Reader { return &Reader{buf: b} }

func (r *Reader) Remaining() int { return len(r.buf) - r.pos }

func (r *Reader) need(n int) error {
	if r.Remaining() < n {
		return fmt.Errorf("wire: short read, need %d have %d", n, r.Remaining())
	}
	return nil
}

func (r *Reader) Bytes(n int) ([]byte, error) {
	if err := r.need(n); err != nil {
		return nil, err
	}
	b := r.buf[r.pos : r.pos+n]
	r.pos += n
	return b, nil
}

func (r *Reader) U8() (uint8, error) {
	b, err := r.Bytes(1)
	if err != nil {
		return 0, err
	}
	return b[0], nil
}

func (r *Reader) U16() (uint16, error) {
	b, err := r.Bytes(2)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint16(b), nil
}

func (r *Reader) U32() (uint32, error) {
	b, err := r.Bytes(4)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(b), nil
}

func (r *Reader) U64() (uint64, error) {
	b, err := r.Bytes(8)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(b), nil
}

func (r *Reader) F32() (float32, error) {
	v, err := r.U32()
	if err != nil {
		return 0, err
	}
	return math.Float32frombits(v), nil
}

// Hash reads a 16-byte Hash.
func (r *Reader) Hash() (Hash, error) {
	var h Hash
	b, err := r.Bytes(HashSize)
	if err != nil {
		return h, err
	}
	copy(h[:], b)
	return h, nil
}

// String reads a 16-bit length prefix followed by that many raw bytes (no
// terminator), per spec.md §4.1.
func (r *Reader) String() (string, error) {
	n, err := r.U16()
	if err != nil {
		return "", err
	}
	b, err := r.Bytes(int(n))
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// FileSize64 reads the dual-width ed2k file size: a 4-byte low part,
// optionally followed by a 4-byte high part. hasHigh must be determined by
// the caller from context (a tag's declared width, or a protocol-level
// "large files" flag) since the wire form is not self-describing on its own
// (spec.md §4.1).
func (r *Reader) FileSize64(hasHigh bool) (uint64, error) {
	lo, err := r.U32()
	if err != nil {
		return 0, err
	}
	if !hasHigh {
		return uint64(lo), nil
	}
	hi, err := r.U32()
	if err != nil {
		return 0, err
	}
	return uint64(hi)<<32 | uint64(lo), nil
}

// Writer accumulates little-endian primitives into a byte buffer.
type Writer struct {
	buf bytes.Buffer
}

func NewWriter() *Writer { return &Writer{} }

func (w *Writer) Bytes() []byte { return w.buf.Bytes() }

func (w *Writer) Raw(b []byte) { w.buf.Write(b) }

func (w *Writer) U8(v uint8) { w.buf.WriteByte(v) }

func (w *Writer) U16(v uint16) {
	var b [2]byte
	binary.LittleEndian.PutUint16(b[:], v)
	w.buf.Write(b[:])
}

func (w *Writer) U32(v uint32) {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	w.buf.Write(b[:])
}

func (w *Writer) U64(v uint64) {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], v)
	w.buf.Write(b[:])
}

func (w *Writer) F32(v float32) { w.U32(math.Float32bits(v)) }

func (w *Writer) Hash(h Hash) { w.buf.Write(h[:]) }

// String writes a 16-bit length prefix followed by the raw bytes of s.
func (w *Writer) String(s string) {
	w.U16(uint16(len(s)))
	w.buf.WriteString(s)
}

// FileSize64 writes the dual-width size; the high part is emitted only when
// non-zero, matching spec.md §4.1 ("readers must accept both widths").
func (w *Writer) FileSize64(size uint64) {
	w.U32(uint32(size))
	if hi := uint32(size >> 32); hi != 0 {
		w.U32(hi)
	}
}

// ReadAll drains r fully into a byte slice, used when framing a whole
// packet body before dispatch.
func ReadAll(r io.Reader, max int) ([]byte, error) {
	lr := io.LimitReader(r, int64(max)+1)
	b, err := io.ReadAll(lr)
	if err != nil {
		return nil, err
	}
	if len(b) > max {
		return nil, fmt.Errorf("wire: body exceeds max size %d", max)
	}
	return b, nil
}
