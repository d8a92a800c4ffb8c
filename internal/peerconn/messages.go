package peerconn

import (
	"net/netip"

	"ed2kcore/internal/wire"
)

// Tag names used inside the hello/hello_answer tag list (spec.md §4.5,
// grounded on original_source/libed2k/include/ctag.h's CT_* constants).
var (
	tagClientName    = wire.NameID(0x01)
	tagVersion       = wire.NameID(0x11)
	tagPort          = wire.NameID(0x0F)
	tagUDPPort       = wire.NameID(0xFA)
	tagMiscOptions1  = wire.NameID(0xFB)
	tagMiscOptions2  = wire.NameID(0xFE)
)

// Hello is the payload both hello and hello_answer carry (spec.md §4.5:
// "Responder replies hello_answer with the symmetric payload").
type Hello struct {
	ClientHash   wire.Hash
	NetworkPoint netip.AddrPort
	ServerPoint  netip.AddrPort
	ClientName   string
	Version      uint32
	UDPPort      uint16
	MiscOpts1    MiscOptions1
	MiscOpts2    MiscOptions2
}

func encodeAddr(w *wire.Writer, a netip.AddrPort) {
	if !a.IsValid() {
		w.U32(0)
		w.U16(0)
		return
	}
	ip4 := a.Addr().As4()
	w.U32(le32FromBytes(ip4))
	w.U16(a.Port())
}

func le32FromBytes(b [4]byte) uint32 {
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
}

func decodeAddr(r *wire.Reader) (netip.AddrPort, error) {
	ipv, err := r.U32()
	if err != nil {
		return netip.AddrPort{}, err
	}
	port, err := r.U16()
	if err != nil {
		return netip.AddrPort{}, err
	}
	b := [4]byte{byte(ipv), byte(ipv >> 8), byte(ipv >> 16), byte(ipv >> 24)}
	return netip.AddrPortFrom(netip.AddrFrom4(b), port), nil
}

// EncodeHello serializes a hello/hello_answer body: hash_len, client_hash,
// network_point, tag_list{name, version, udp_port, misc options}, server_point.
func EncodeHello(h Hello) []byte {
	w := wire.NewWriter()
	w.U8(wire.HashSize)
	w.Hash(h.ClientHash)
	encodeAddr(w, h.NetworkPoint)

	tags := wire.TagList{
		wire.TagString(tagClientName, h.ClientName),
		wire.TagUint32(tagVersion, h.Version),
		wire.TagUint16(tagUDPPort, h.UDPPort),
		wire.TagUint32(tagMiscOptions1, uint32(h.MiscOpts1)),
		wire.TagUint32(tagMiscOptions2, uint32(h.MiscOpts2)),
	}
	_ = wire.EncodeTagList(w, tags)

	encodeAddr(w, h.ServerPoint)
	return w.Bytes()
}

// DecodeHello parses a hello/hello_answer body.
func DecodeHello(body []byte) (Hello, error) {
	r := wire.NewReader(body)
	hashLen, err := r.U8()
	if err != nil {
		return Hello{}, err
	}
	if int(hashLen) != wire.HashSize {
		return Hello{}, errBadHashLen
	}

	var h Hello
	if h.ClientHash, err = r.Hash(); err != nil {
		return Hello{}, err
	}
	if h.NetworkPoint, err = decodeAddr(r); err != nil {
		return Hello{}, err
	}

	tags, err := wire.DecodeTagList(r)
	if err != nil {
		return Hello{}, err
	}
	for _, t := range tags {
		switch t.Name {
		case tagClientName:
			h.ClientName = t.Str
		case tagVersion:
			h.Version = t.U32
		case tagUDPPort:
			h.UDPPort = t.U16
		case tagMiscOptions1:
			h.MiscOpts1 = MiscOptions1(t.U32)
		case tagMiscOptions2:
			h.MiscOpts2 = MiscOptions2(t.U32)
		}
	}

	if h.ServerPoint, err = decodeAddr(r); err != nil {
		return Hello{}, err
	}
	return h, nil
}

// EncodeFileRequest builds a file_request body: just the hash.
func EncodeFileRequest(hash wire.Hash) []byte {
	w := wire.NewWriter()
	w.Hash(hash)
	return w.Bytes()
}

func DecodeFileRequest(body []byte) (wire.Hash, error) {
	return wire.NewReader(body).Hash()
}

// FileAnswer is the positive reply to file_request, sent under
// OpReqFilenameAnswer. no_file is a separate opcode (OpFileReqAnsNoFile)
// with a hash-only body (spec.md §4.5: "responds with file_answer(hash,
// filename) or no_file(hash)") — the two are never distinguished by body
// shape, only by which opcode the frame carries.
type FileAnswer struct {
	Hash     wire.Hash
	Filename string
}

func EncodeFileAnswer(fa FileAnswer) []byte {
	w := wire.NewWriter()
	w.Hash(fa.Hash)
	w.String(fa.Filename)
	return w.Bytes()
}

// DecodeFileAnswer parses a body under OpReqFilenameAnswer.
func DecodeFileAnswer(body []byte) (FileAnswer, error) {
	r := wire.NewReader(body)
	hash, err := r.Hash()
	if err != nil {
		return FileAnswer{}, err
	}
	name, err := r.String()
	if err != nil {
		return FileAnswer{}, err
	}
	return FileAnswer{Hash: hash, Filename: name}, nil
}

// EncodeNoFile builds a no_file body: only the hash, no filename tag. Sent
// under OpFileReqAnsNoFile.
func EncodeNoFile(hash wire.Hash) []byte {
	w := wire.NewWriter()
	w.Hash(hash)
	return w.Bytes()
}

// DecodeNoFile parses a body under OpFileReqAnsNoFile.
func DecodeNoFile(body []byte) (wire.Hash, error) {
	return wire.NewReader(body).Hash()
}

// EncodeFileStatusRequest/DecodeFileStatusRequest: filestatus_request(hash).
func EncodeFileStatusRequest(hash wire.Hash) []byte { return EncodeFileRequest(hash) }
func DecodeFileStatusRequest(body []byte) (wire.Hash, error) {
	return DecodeFileRequest(body)
}

// FileStatus is the file_status(hash, bitfield) reply. An empty Bitfield
// means the remote is a full seed (spec.md §4.5).
type FileStatus struct {
	Hash     wire.Hash
	Bitfield []byte
}

func EncodeFileStatus(fs FileStatus) []byte {
	w := wire.NewWriter()
	w.Hash(fs.Hash)
	w.U16(uint16(len(fs.Bitfield)))
	w.Raw(fs.Bitfield)
	return w.Bytes()
}

func DecodeFileStatus(body []byte) (FileStatus, error) {
	r := wire.NewReader(body)
	hash, err := r.Hash()
	if err != nil {
		return FileStatus{}, err
	}
	n, err := r.U16()
	if err != nil {
		return FileStatus{}, err
	}
	bf, err := r.Bytes(int(n))
	if err != nil {
		return FileStatus{}, err
	}
	return FileStatus{Hash: hash, Bitfield: append([]byte(nil), bf...)}, nil
}

// Range is a contiguous requested/delivered byte range within one file.
type Range struct {
	Begin uint64
	End   uint64
}

// EncodeRequestParts builds a request_parts body carrying up to three
// ranges. large selects 64-bit range widths (spec.md §4.5: "for a remote
// without large-file support, offsets > 2^32 must never be requested" —
// callers must not pass large=false with an out-of-range offset).
func EncodeRequestParts(hash wire.Hash, ranges [3]Range, large bool) []byte {
	w := wire.NewWriter()
	w.Hash(hash)
	for _, r := range ranges {
		if large {
			w.U64(r.Begin)
		} else {
			w.U32(uint32(r.Begin))
		}
	}
	for _, r := range ranges {
		if large {
			w.U64(r.End)
		} else {
			w.U32(uint32(r.End))
		}
	}
	return w.Bytes()
}

func DecodeRequestParts(body []byte, large bool) (wire.Hash, [3]Range, error) {
	r := wire.NewReader(body)
	var hash wire.Hash
	var ranges [3]Range

	hash, err := r.Hash()
	if err != nil {
		return hash, ranges, err
	}
	readWidth := func() (uint64, error) {
		if large {
			return r.U64()
		}
		v, err := r.U32()
		return uint64(v), err
	}
	for i := 0; i < 3; i++ {
		v, err := readWidth()
		if err != nil {
			return hash, ranges, err
		}
		ranges[i].Begin = v
	}
	for i := 0; i < 3; i++ {
		v, err := readWidth()
		if err != nil {
			return hash, ranges, err
		}
		ranges[i].End = v
	}
	return hash, ranges, nil
}

// SendingPart is one plain (uncompressed) part delivery.
type SendingPart struct {
	Hash  wire.Hash
	Begin uint64
	End   uint64
	Data  []byte
}

func EncodeSendingPart(sp SendingPart, large bool) []byte {
	w := wire.NewWriter()
	w.Hash(sp.Hash)
	if large {
		w.U64(sp.Begin)
		w.U64(sp.End)
	} else {
		w.U32(uint32(sp.Begin))
		w.U32(uint32(sp.End))
	}
	w.Raw(sp.Data)
	return w.Bytes()
}

func DecodeSendingPart(body []byte, large bool) (SendingPart, error) {
	r := wire.NewReader(body)
	hash, err := r.Hash()
	if err != nil {
		return SendingPart{}, err
	}
	readWidth := func() (uint64, error) {
		if large {
			return r.U64()
		}
		v, err := r.U32()
		return uint64(v), err
	}
	begin, err := readWidth()
	if err != nil {
		return SendingPart{}, err
	}
	end, err := readWidth()
	if err != nil {
		return SendingPart{}, err
	}
	data, err := r.Bytes(r.Remaining())
	if err != nil {
		return SendingPart{}, err
	}
	return SendingPart{Hash: hash, Begin: begin, End: end, Data: append([]byte(nil), data...)}, nil
}

// CompressedPart is a zlib-deflated part delivery: [hash][begin]
// [uncompressed_size][zdata] (spec.md §4.5).
type CompressedPart struct {
	Hash             wire.Hash
	Begin            uint64
	UncompressedSize uint32
	ZData            []byte
}

func EncodeCompressedPart(cp CompressedPart, large bool) []byte {
	w := wire.NewWriter()
	w.Hash(cp.Hash)
	if large {
		w.U64(cp.Begin)
	} else {
		w.U32(uint32(cp.Begin))
	}
	w.U32(cp.UncompressedSize)
	w.Raw(cp.ZData)
	return w.Bytes()
}

func DecodeCompressedPart(body []byte, large bool) (CompressedPart, error) {
	r := wire.NewReader(body)
	hash, err := r.Hash()
	if err != nil {
		return CompressedPart{}, err
	}
	var begin uint64
	if large {
		begin, err = r.U64()
	} else {
		var v uint32
		v, err = r.U32()
		begin = uint64(v)
	}
	if err != nil {
		return CompressedPart{}, err
	}
	size, err := r.U32()
	if err != nil {
		return CompressedPart{}, err
	}
	z, err := r.Bytes(r.Remaining())
	if err != nil {
		return CompressedPart{}, err
	}
	return CompressedPart{Hash: hash, Begin: begin, UncompressedSize: size, ZData: append([]byte(nil), z...)}, nil
}

// EncodeStartUploadReq builds a start_upload_req body: just the hash.
func EncodeStartUploadReq(hash wire.Hash) []byte { return EncodeFileRequest(hash) }
func DecodeStartUploadReq(body []byte) (wire.Hash, error) {
	return DecodeFileRequest(body)
}

// EncodeQueueRanking builds a queue_ranking body advertising the peer's
// current position in the upload queue (spec.md §4.5, "Upload side").
func EncodeQueueRanking(rank uint16) []byte {
	w := wire.NewWriter()
	w.U16(rank)
	return w.Bytes()
}

func DecodeQueueRanking(body []byte) (uint16, error) {
	return wire.NewReader(body).U16()
}
