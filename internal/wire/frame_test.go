package wire

import (
	"bytes"
	"testing"

	"ed2kcore/internal/errs"
)

func TestFrameRoundTrip(t *testing.T) {
	f := &Frame{Protocol: ProtocolED2K, Opcode: OpHello, Body: []byte("hello body")}
	var buf bytes.Buffer
	if _, err := f.WriteTo(&buf); err != nil {
		t.Fatalf("WriteTo: %v", err)
	}

	got, err := ReadFrame(&buf, 1<<16)
	if err != nil {
		t.Fatalf("ReadFrame: %v", err)
	}
	if got.Protocol != f.Protocol || got.Opcode != f.Opcode || !bytes.Equal(got.Body, f.Body) {
		t.Fatalf("round trip mismatch: %+v != %+v", got, f)
	}
}

func TestFrameRejectsUnknownProtocol(t *testing.T) {
	buf := bytes.NewBuffer([]byte{0x99, 0x02, 0x00, 0x00, 0x00, OpHello})
	_, err := ReadFrame(buf, 1<<16)
	if errs.KindOf(err) != errs.KindInvalidProtocolType {
		t.Fatalf("expected KindInvalidProtocolType, got %v", err)
	}
}

func TestFrameRejectsOversizedLength(t *testing.T) {
	hdr := []byte{byte(ProtocolED2K), 0xFF, 0xFF, 0xFF, 0x7F}
	buf := bytes.NewBuffer(hdr)
	_, err := ReadFrame(buf, 1024)
	if errs.KindOf(err) != errs.KindInvalidPacketSize {
		t.Fatalf("expected KindInvalidPacketSize, got %v", err)
	}
}

func TestPackedFrameRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	body := []byte("a reasonably compressible payload, repeated repeated repeated")
	if _, err := WritePacked(&buf, OpServerMessage, body); err != nil {
		t.Fatalf("WritePacked: %v", err)
	}

	got, err := ReadFrame(&buf, 1<<16)
	if err != nil {
		t.Fatalf("ReadFrame(packed): %v", err)
	}
	if got.Protocol != ProtocolED2K {
		t.Fatalf("expected inflated frame to report ProtocolED2K, got %v", got.Protocol)
	}
	if got.Opcode != OpServerMessage || !bytes.Equal(got.Body, body) {
		t.Fatalf("packed round trip mismatch: opcode=%x body=%q", got.Opcode, got.Body)
	}
}

func TestPackedFrameCorruptDropsSilently(t *testing.T) {
	garbage := []byte{0x01, 0x02, 0x03, 0x04}
	hdr := []byte{byte(ProtocolPacked)}
	hdr = appendLE32(hdr, uint32(len(garbage)))
	buf := bytes.NewBuffer(append(hdr, garbage...))

	f, err := ReadFrame(buf, 1<<16)
	if err != nil {
		t.Fatalf("corrupt packed frame should drop silently, not error: %v", err)
	}
	if f != nil {
		t.Fatalf("expected nil frame for dropped packet, got %+v", f)
	}
}

func TestProtocolString(t *testing.T) {
	if ProtocolED2K.String() != "ed2k" {
		t.Fatalf("unexpected String(): %s", ProtocolED2K.String())
	}
	if ProtocolKad.String() != "kad" {
		t.Fatalf("unexpected String(): %s", ProtocolKad.String())
	}
	if Protocol(0x00).String() == "" {
		t.Fatal("expected non-empty string for unknown protocol")
	}
}
