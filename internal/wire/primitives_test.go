package wire

import (
	"bytes"
	"testing"
)

func TestPrimitivesRoundTrip(t *testing.T) {
	w := NewWriter()
	w.U8(0x7F)
	w.U16(0xBEEF)
	w.U32(0xDEADBEEF)
	w.U64(0x0123456789ABCDEF)
	w.F32(3.14159)
	h := Hash{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15, 16}
	w.Hash(h)
	w.String("hello ed2k")

	r := NewReader(w.Bytes())

	if v, err := r.U8(); err != nil || v != 0x7F {
		t.Fatalf("U8: got %v, %v", v, err)
	}
	if v, err := r.U16(); err != nil || v != 0xBEEF {
		t.Fatalf("U16: got %v, %v", v, err)
	}
	if v, err := r.U32(); err != nil || v != 0xDEADBEEF {
		t.Fatalf("U32: got %v, %v", v, err)
	}
	if v, err := r.U64(); err != nil || v != 0x0123456789ABCDEF {
		t.Fatalf("U64: got %v, %v", v, err)
	}
	if v, err := r.F32(); err != nil || v != float32(3.14159) {
		t.Fatalf("F32: got %v, %v", v, err)
	}
	if v, err := r.Hash(); err != nil || v != h {
		t.Fatalf("Hash: got %v, %v", v, err)
	}
	if v, err := r.String(); err != nil || v != "hello ed2k" {
		t.Fatalf("String: got %q, %v", v, err)
	}
	if r.Remaining() != 0 {
		t.Fatalf("expected reader exhausted, %d bytes remaining", r.Remaining())
	}
}

func TestFileSize64RoundTrip(t *testing.T) {
	cases := []struct {
		size    uint64
		hasHigh bool
	}{
		{size: 1234, hasHigh: false},
		{size: 1 << 33, hasHigh: true},
	}
	for _, c := range cases {
		w := NewWriter()
		w.FileSize64(c.size)
		r := NewReader(w.Bytes())
		got, err := r.FileSize64(c.hasHigh)
		if err != nil {
			t.Fatalf("FileSize64(%v): %v", c, err)
		}
		if c.hasHigh && got != c.size {
			t.Fatalf("FileSize64(%v): got %d", c, got)
		}
		if !c.hasHigh && got != c.size {
			t.Fatalf("FileSize64(%v): got %d", c, got)
		}
	}
}

func TestReaderShortRead(t *testing.T) {
	r := NewReader([]byte{0x01, 0x02})
	if _, err := r.U32(); err == nil {
		t.Fatal("expected short-read error")
	}
}

func TestReadAllEnforcesMax(t *testing.T) {
	big := bytes.Repeat([]byte{0xAA}, 100)
	if _, err := ReadAll(bytes.NewReader(big), 10); err == nil {
		t.Fatal("expected max-size error")
	}
	small := bytes.Repeat([]byte{0xBB}, 10)
	out, err := ReadAll(bytes.NewReader(small), 10)
	if err != nil || len(out) != 10 {
		t.Fatalf("ReadAll: got %v, %v", out, err)
	}
}
