package peerconn

import (
	"bytes"
	"compress/zlib"
	"net/netip"
	"testing"

	"ed2kcore/internal/wire"
)

func testHash(b byte) wire.Hash {
	var h wire.Hash
	h[0] = b
	return h
}

func TestHelloRoundTrip(t *testing.T) {
	want := Hello{
		ClientHash:   testHash(1),
		NetworkPoint: netip.MustParseAddrPort("10.0.0.5:4662"),
		ServerPoint:  netip.MustParseAddrPort("192.168.1.1:4661"),
		ClientName:   "ed2kcore",
		Version:      0x3c,
		UDPPort:      4672,
		MiscOpts1:    Opt1UnicodeSupport,
		MiscOpts2:    Opt2LargeFiles,
	}

	got, err := DecodeHello(EncodeHello(want))
	if err != nil {
		t.Fatalf("DecodeHello: %v", err)
	}
	if got.ClientHash != want.ClientHash {
		t.Fatalf("ClientHash mismatch: %vvs%v", got.ClientHash, want.ClientHash)
	}
	if got.NetworkPoint.Addr() != want.NetworkPoint.Addr() || got.NetworkPoint.Port() != want.NetworkPoint.Port() {
		t.Fatalf("NetworkPoint mismatch: got %v want %v", got.NetworkPoint, want.NetworkPoint)
	}
	if got.ClientName != want.ClientName {
		t.Fatalf("ClientName mismatch: got %q want %q", got.ClientName, want.ClientName)
	}
	if got.Version != want.Version {
		t.Fatalf("Version mismatch: got %d want %d", got.Version, want.Version)
	}
	if got.UDPPort != want.UDPPort {
		t.Fatalf("UDPPort mismatch: got %d want %d", got.UDPPort, want.UDPPort)
	}
	if got.MiscOpts2&Opt2LargeFiles == 0 {
		t.Fatal("expected large-files bit set after round trip")
	}
	if !got.MiscOpts2.LargeFiles() {
		t.Fatal("LargeFiles() should report true")
	}
}

func TestFileAnswerVsNoFile(t *testing.T) {
	h := testHash(9)

	fa, err := DecodeFileAnswer(EncodeFileAnswer(FileAnswer{Hash: h, Filename: "movie.avi"}))
	if err != nil {
		t.Fatalf("decode file answer: %v", err)
	}
	if fa.Filename != "movie.avi" {
		t.Fatalf("filename mismatch: %q", fa.Filename)
	}

	noFileHash, err := DecodeNoFile(EncodeNoFile(h))
	if err != nil {
		t.Fatalf("decode no_file: %v", err)
	}
	if noFileHash != h {
		t.Fatalf("hash mismatch: got %v want %v", noFileHash, h)
	}
}

func TestFileStatusRoundTrip(t *testing.T) {
	h := testHash(3)
	bf := []byte{0xFF, 0x0F}

	got, err := DecodeFileStatus(EncodeFileStatus(FileStatus{Hash: h, Bitfield: bf}))
	if err != nil {
		t.Fatalf("DecodeFileStatus: %v", err)
	}
	if got.Hash != h {
		t.Fatalf("hash mismatch")
	}
	if string(got.Bitfield) != string(bf) {
		t.Fatalf("bitfield mismatch: got %v want %v", got.Bitfield, bf)
	}
}

func TestFileStatusEmptyBitfieldMeansSeed(t *testing.T) {
	h := testHash(4)
	got, err := DecodeFileStatus(EncodeFileStatus(FileStatus{Hash: h}))
	if err != nil {
		t.Fatalf("DecodeFileStatus: %v", err)
	}
	if len(got.Bitfield) != 0 {
		t.Fatalf("expected empty bitfield, got %v", got.Bitfield)
	}
}

func TestRequestPartsRoundTrip32(t *testing.T) {
	h := testHash(5)
	ranges := [3]Range{{0, 100}, {100, 200}, {200, 184320}}

	gotHash, gotRanges, err := DecodeRequestParts(EncodeRequestParts(h, ranges, false), false)
	if err != nil {
		t.Fatalf("DecodeRequestParts: %v", err)
	}
	if gotHash != h {
		t.Fatalf("hash mismatch")
	}
	if gotRanges != ranges {
		t.Fatalf("ranges mismatch: got %v want %v", gotRanges, ranges)
	}
}

func TestRequestPartsRoundTrip64(t *testing.T) {
	h := testHash(6)
	big := uint64(1) << 33 // only representable in the 64-bit variant
	ranges := [3]Range{{0, big}, {big, big + 10}, {big + 10, big + 20}}

	_, gotRanges, err := DecodeRequestParts(EncodeRequestParts(h, ranges, true), true)
	if err != nil {
		t.Fatalf("DecodeRequestParts: %v", err)
	}
	if gotRanges != ranges {
		t.Fatalf("ranges mismatch: got %v want %v", gotRanges, ranges)
	}
}

func TestSendingPartRoundTrip(t *testing.T) {
	h := testHash(7)
	data := []byte("some block bytes")

	got, err := DecodeSendingPart(EncodeSendingPart(SendingPart{Hash: h, Begin: 10, End: 10 + uint64(len(data)), Data: data}, false), false)
	if err != nil {
		t.Fatalf("DecodeSendingPart: %v", err)
	}
	if got.Begin != 10 || got.End != uint64(10+len(data)) {
		t.Fatalf("range mismatch: begin=%d end=%d", got.Begin, got.End)
	}
	if string(got.Data) != string(data) {
		t.Fatalf("data mismatch: got %q want %q", got.Data, data)
	}
}

func TestCompressedPartRoundTrip(t *testing.T) {
	h := testHash(8)
	payload := bytes.Repeat([]byte("hello ed2k"), 100)

	var zbuf bytes.Buffer
	zw := zlib.NewWriter(&zbuf)
	if _, err := zw.Write(payload); err != nil {
		t.Fatalf("zlib write: %v", err)
	}
	if err := zw.Close(); err != nil {
		t.Fatalf("zlib close: %v", err)
	}

	body := EncodeCompressedPart(CompressedPart{
		Hash: h, Begin: 0, UncompressedSize: uint32(len(payload)), ZData: zbuf.Bytes(),
	}, false)

	got, err := DecodeCompressedPart(body, false)
	if err != nil {
		t.Fatalf("DecodeCompressedPart: %v", err)
	}
	if got.UncompressedSize != uint32(len(payload)) {
		t.Fatalf("size mismatch: got %d want %d", got.UncompressedSize, len(payload))
	}

	zr, err := zlib.NewReader(bytes.NewReader(got.ZData))
	if err != nil {
		t.Fatalf("zlib reader: %v", err)
	}
	defer zr.Close()
	var out bytes.Buffer
	if _, err := out.ReadFrom(zr); err != nil {
		t.Fatalf("inflate: %v", err)
	}
	if out.String() != string(payload) {
		t.Fatal("inflated payload mismatch")
	}
}

func TestQueueRankingRoundTrip(t *testing.T) {
	got, err := DecodeQueueRanking(EncodeQueueRanking(42))
	if err != nil {
		t.Fatalf("DecodeQueueRanking: %v", err)
	}
	if got != 42 {
		t.Fatalf("rank mismatch: got %d want 42", got)
	}
}
