// Package wire implements the ED2K/eMule packet framing and primitive
// codec (spec.md §4.1, C1): `[protocol:1][length:4 LE][opcode:1][body]`,
// little-endian primitives, self-describing tags, and optional per-packet
// zlib ("packed") compression.
package wire

import (
	"bytes"
	"compress/zlib"
	"fmt"
	"io"

	"ed2kcore/internal/errs"
)

// Protocol is the first byte of every frame.
type Protocol uint8

const (
	ProtocolED2K   Protocol = 0xE3
	ProtocolEMule  Protocol = 0xC5
	ProtocolPacked Protocol = 0xD4

	// ProtocolKad tags a Kademlia UDP datagram. The core never decodes
	// these (spec.md §1: DHT logic is out of scope) but the session's
	// UDP demultiplexer needs the byte to route them to an external
	// handler instead of silently dropping them.
	ProtocolKad Protocol = 0xE4
)

func (p Protocol) String() string {
	switch p {
	case ProtocolED2K:
		return "ed2k"
	case ProtocolEMule:
		return "emule"
	case ProtocolPacked:
		return "packed"
	case ProtocolKad:
		return "kad"
	default:
		return fmt.Sprintf("unknown(0x%02x)", uint8(p))
	}
}

// Frame is a single decoded wire packet: protocol byte, one opcode byte,
// and the remaining body.
type Frame struct {
	Protocol Protocol
	Opcode   uint8
	Body     []byte
}

// ReadFrame reads one frame from r. maxBodySize bounds `length` (body size
// plus the opcode byte) to guard against a hostile or corrupt peer; a
// length above it disconnects the caller with KindInvalidPacketSize. An
// unrecognized protocol byte disconnects with KindInvalidProtocolType. A
// `packed` frame is zlib-inflated and re-returned as if it had arrived
// under ProtocolED2K — callers never see ProtocolPacked.
func ReadFrame(r io.Reader, maxBodySize int) (*Frame, error) {
	var hdr [6]byte
	if _, err := io.ReadFull(r, hdr[:1]); err != nil {
		return nil, err
	}

	proto := Protocol(hdr[0])
	switch proto {
	case ProtocolED2K, ProtocolEMule, ProtocolPacked:
	default:
		return nil, errs.New("wire.ReadFrame", errs.KindInvalidProtocolType)
	}

	if _, err := io.ReadFull(r, hdr[1:5]); err != nil {
		return nil, err
	}
	length := le32(hdr[1:5])
	if length < 1 || int(length) > maxBodySize+1 {
		return nil, errs.New("wire.ReadFrame", errs.KindInvalidPacketSize)
	}

	rest := make([]byte, length)
	if _, err := io.ReadFull(r, rest); err != nil {
		return nil, err
	}

	f := &Frame{Protocol: proto, Opcode: rest[0], Body: rest[1:]}

	if proto == ProtocolPacked {
		inflated, err := inflatePacked(f.Opcode, f.Body, maxBodySize)
		if err != nil {
			// spec.md §4.1: inflate error drops the packet and continues
			// reading, it is not a disconnect-worthy error.
			return nil, nil
		}
		return inflated, nil
	}

	return f, nil
}

// inflatePacked treats opcode+body as a zlib stream (the ed2k `packed`
// framing deflates the opcode byte along with the rest of the body) and
// reparses the result as an ED2K-protocol frame.
func inflatePacked(opcode uint8, body []byte, maxBodySize int) (*Frame, error) {
	raw := append([]byte{opcode}, body...)
	zr, err := zlib.NewReader(bytes.NewReader(raw))
	if err != nil {
		return nil, err
	}
	defer zr.Close()

	out, err := ReadAll(zr, maxBodySize+1)
	if err != nil {
		return nil, err
	}
	if len(out) < 1 {
		return nil, fmt.Errorf("wire: empty inflated packet")
	}

	return &Frame{Protocol: ProtocolED2K, Opcode: out[0], Body: out[1:]}, nil
}

// WriteTo serializes the frame to w under its own Protocol byte
// uncompressed. Use WritePacked to emit a zlib-compressed frame instead.
func (f *Frame) WriteTo(w io.Writer) (int64, error) {
	buf := make([]byte, 0, 6+len(f.Body))
	buf = append(buf, uint8(f.Protocol))
	buf = appendLE32(buf, uint32(1+len(f.Body)))
	buf = append(buf, f.Opcode)
	buf = append(buf, f.Body...)

	n, err := w.Write(buf)
	return int64(n), err
}

// WritePacked deflates opcode+body and writes it under ProtocolPacked.
func WritePacked(w io.Writer, opcode uint8, body []byte) (int64, error) {
	var zbuf bytes.Buffer
	zw := zlib.NewWriter(&zbuf)
	if _, err := zw.Write(append([]byte{opcode}, body...)); err != nil {
		return 0, err
	}
	if err := zw.Close(); err != nil {
		return 0, err
	}

	f := &Frame{Protocol: ProtocolPacked, Opcode: zbuf.Bytes()[0], Body: zbuf.Bytes()[1:]}
	return f.WriteTo(w)
}

func le32(b []byte) uint32 {
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
}

func appendLE32(buf []byte, v uint32) []byte {
	return append(buf, byte(v), byte(v>>8), byte(v>>16), byte(v>>24))
}
