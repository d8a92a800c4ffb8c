package server

import (
	"errors"
	"net/netip"

	"ed2kcore/internal/peerconn"
	"ed2kcore/internal/wire"
)

var errBadHashLen = errors.New("server: unexpected hash length")

// Tag names carried in login_request/server_ident/offer_files tag lists
// (spec.md §4.1, §6, grounded on original_source/libed2k/include/ctag.h's
// CT_* constants, same numbering peerconn/messages.go uses for hello).
var (
	tagName        = wire.NameID(0x01)
	tagVersion     = wire.NameID(0x11)
	tagPort        = wire.NameID(0x0F)
	tagFlags       = wire.NameID(0x20)
	tagFlags2      = wire.NameID(0x21)
	tagDescription = wire.NameID(0x0B)
	tagFileSize    = wire.NameID(0x02)
	tagFileType    = wire.NameID(0x03)
)

func encodeAddr(w *wire.Writer, a netip.AddrPort) {
	if !a.IsValid() {
		w.U32(0)
		w.U16(0)
		return
	}
	ip4 := a.Addr().As4()
	w.U32(uint32(ip4[0]) | uint32(ip4[1])<<8 | uint32(ip4[2])<<16 | uint32(ip4[3])<<24)
	w.U16(a.Port())
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

// LoginRequest is the body of login_request (spec.md §4.7 step 2).
type LoginRequest struct {
	ClientHash   wire.Hash
	NetworkPoint netip.AddrPort
	Name         string
	Version      uint32
	Port         uint16
	MiscOpts1    peerconn.MiscOptions1
	MiscOpts2    peerconn.MiscOptions2
}

// EncodeLoginRequest builds a login_request body: hash_len, client_hash,
// network_point, tag_list{name, version, port, capability flags}.
func EncodeLoginRequest(lr LoginRequest) []byte {
	w := wire.NewWriter()
	w.U8(wire.HashSize)
	w.Hash(lr.ClientHash)
	encodeAddr(w, lr.NetworkPoint)

	tags := wire.TagList{
		wire.TagString(tagName, lr.Name),
		wire.TagUint32(tagVersion, lr.Version),
		wire.TagUint16(tagPort, lr.Port),
		wire.TagUint32(tagFlags, uint32(lr.MiscOpts1)),
	}
	if lr.MiscOpts2 != 0 {
		tags = append(tags, wire.TagUint32(tagFlags2, uint32(lr.MiscOpts2)))
	}
	_ = wire.EncodeTagList(w, tags)
	return w.Bytes()
}

func DecodeLoginRequest(body []byte) (LoginRequest, error) {
	r := wire.NewReader(body)
	hashLen, err := r.U8()
	if err != nil {
		return LoginRequest{}, err
	}
	if int(hashLen) != wire.HashSize {
		return LoginRequest{}, errBadHashLen
	}

	var lr LoginRequest
	if lr.ClientHash, err = r.Hash(); err != nil {
		return LoginRequest{}, err
	}
	if lr.NetworkPoint, err = decodeAddr(r); err != nil {
		return LoginRequest{}, err
	}

	tags, err := wire.DecodeTagList(r)
	if err != nil {
		return LoginRequest{}, err
	}
	for _, t := range tags {
		switch t.Name {
		case tagName:
			lr.Name = t.Str
		case tagVersion:
			lr.Version = t.U32
		case tagPort:
			lr.Port = t.U16
		case tagFlags:
			lr.MiscOpts1 = peerconn.MiscOptions1(t.U32)
		case tagFlags2:
			lr.MiscOpts2 = peerconn.MiscOptions2(t.U32)
		}
	}
	return lr, nil
}

// IDChange is the id_change reply (spec.md §4.7 step 3): the assigned
// client id, the server's advertised capability flags, and an auxiliary
// port some servers use for UDP search/callback.
type IDChange struct {
	ClientID uint32
	TCPFlags uint32
	AuxPort  uint16
}

// LowID reports whether the assigned id disables direct incoming
// connections (spec.md §6, "Low id").
func (c IDChange) LowID() bool { return c.ClientID < wire.LowIDThreshold }

func EncodeIDChange(c IDChange) []byte {
	w := wire.NewWriter()
	w.U32(c.ClientID)
	w.U32(c.TCPFlags)
	if c.AuxPort != 0 {
		w.U16(c.AuxPort)
	}
	return w.Bytes()
}

func DecodeIDChange(body []byte) (IDChange, error) {
	r := wire.NewReader(body)
	var c IDChange
	var err error
	if c.ClientID, err = r.U32(); err != nil {
		return IDChange{}, err
	}
	if r.Remaining() >= 4 {
		if c.TCPFlags, err = r.U32(); err != nil {
			return IDChange{}, err
		}
	}
	if r.Remaining() >= 2 {
		if c.AuxPort, err = r.U16(); err != nil {
			return IDChange{}, err
		}
	}
	return c, nil
}

// ServerStatus is the periodic server_status update: current user and file
// counts advertised by the index server.
type ServerStatus struct {
	UserCount uint32
	FileCount uint32
}

func EncodeServerStatus(s ServerStatus) []byte {
	w := wire.NewWriter()
	w.U32(s.UserCount)
	w.U32(s.FileCount)
	return w.Bytes()
}

func DecodeServerStatus(body []byte) (ServerStatus, error) {
	r := wire.NewReader(body)
	var s ServerStatus
	var err error
	if s.UserCount, err = r.U32(); err != nil {
		return ServerStatus{}, err
	}
	if s.FileCount, err = r.U32(); err != nil {
		return ServerStatus{}, err
	}
	return s, nil
}

// EncodeServerMessage/DecodeServerMessage: a free-form MOTD/notice string
// pushed by the server (spec.md §4.7 step 4).
func EncodeServerMessage(text string) []byte {
	w := wire.NewWriter()
	w.String(text)
	return w.Bytes()
}

func DecodeServerMessage(body []byte) (string, error) {
	return wire.NewReader(body).String()
}

// ServerIdent is server_identity: the server's own hash and endpoint plus a
// descriptive tag list (name, description).
type ServerIdent struct {
	ServerHash  wire.Hash
	Point       netip.AddrPort
	Name        string
	Description string
}

func EncodeServerIdent(si ServerIdent) []byte {
	w := wire.NewWriter()
	w.Hash(si.ServerHash)
	encodeAddr(w, si.Point)
	tags := wire.TagList{
		wire.TagString(tagName, si.Name),
		wire.TagString(tagDescription, si.Description),
	}
	_ = wire.EncodeTagList(w, tags)
	return w.Bytes()
}

func DecodeServerIdent(body []byte) (ServerIdent, error) {
	r := wire.NewReader(body)
	var si ServerIdent
	var err error
	if si.ServerHash, err = r.Hash(); err != nil {
		return ServerIdent{}, err
	}
	if si.Point, err = decodeAddr(r); err != nil {
		return ServerIdent{}, err
	}
	tags, err := wire.DecodeTagList(r)
	if err != nil {
		return ServerIdent{}, err
	}
	for _, t := range tags {
		switch t.Name {
		case tagName:
			si.Name = t.Str
		case tagDescription:
			si.Description = t.Str
		}
	}
	return si, nil
}

// FileOffer is one entry of an offer_files announce: the file hash, the
// endpoint peers should dial (sentinel values for NAT'd/incomplete shares,
// spec.md §6), and descriptive tags (name, size, type, media metadata).
type FileOffer struct {
	Hash  wire.Hash
	Point netip.AddrPort
	Tags  wire.TagList
}

// NewFileOfferTags builds the standard name/size/type tag triple attached
// to one offer_files entry; media metadata tags (bitrate, codec, length)
// are appended by the caller when known.
func NewFileOfferTags(name string, size uint64, fileType string) wire.TagList {
	return wire.TagList{
		wire.TagString(tagName, name),
		wire.TagUint64(tagFileSize, size),
		wire.TagString(tagFileType, fileType),
	}
}

// EncodeOfferFiles builds the offer_files body: a count followed by that
// many FileOffer entries.
func EncodeOfferFiles(files []FileOffer) []byte {
	w := wire.NewWriter()
	w.U32(uint32(len(files)))
	for _, f := range files {
		w.Hash(f.Hash)
		encodeAddr(w, f.Point)
		_ = wire.EncodeTagList(w, f.Tags)
	}
	return w.Bytes()
}

func DecodeOfferFiles(body []byte) ([]FileOffer, error) {
	r := wire.NewReader(body)
	n, err := r.U32()
	if err != nil {
		return nil, err
	}
	out := make([]FileOffer, 0, n)
	for i := uint32(0); i < n; i++ {
		var f FileOffer
		if f.Hash, err = r.Hash(); err != nil {
			return nil, err
		}
		if f.Point, err = decodeAddr(r); err != nil {
			return nil, err
		}
		if f.Tags, err = wire.DecodeTagList(r); err != nil {
			return nil, err
		}
		out = append(out, f)
	}
	return out, nil
}

// EncodeSearchRequest wraps an already-serialized reverse-Polish expression
// (built by the search-expression compiler) verbatim as the search_request
// body; the wire form carries no extra framing of its own (spec.md §6).
func EncodeSearchRequest(expr []byte) []byte { return append([]byte(nil), expr...) }

func DecodeSearchRequest(body []byte) []byte { return append([]byte(nil), body...) }

// EncodeGetSources builds a get_sources(hash, size) body.
func EncodeGetSources(hash wire.Hash, size uint64) []byte {
	w := wire.NewWriter()
	w.Hash(hash)
	w.FileSize64(size)
	return w.Bytes()
}

func DecodeGetSources(body []byte) (wire.Hash, uint64, error) {
	r := wire.NewReader(body)
	hash, err := r.Hash()
	if err != nil {
		return hash, 0, err
	}
	hasHigh := r.Remaining() >= 8
	size, err := r.FileSize64(hasHigh)
	return hash, size, err
}

// FoundSources is the found_sources reply to get_sources: the file hash
// and the endpoints of peers known to hold it.
type FoundSources struct {
	Hash    wire.Hash
	Sources []netip.AddrPort
}

func EncodeFoundSources(fs FoundSources) []byte {
	w := wire.NewWriter()
	w.Hash(fs.Hash)
	w.U8(uint8(len(fs.Sources)))
	for _, s := range fs.Sources {
		encodeAddr(w, s)
	}
	return w.Bytes()
}

func DecodeFoundSources(body []byte) (FoundSources, error) {
	r := wire.NewReader(body)
	var fs FoundSources
	var err error
	if fs.Hash, err = r.Hash(); err != nil {
		return FoundSources{}, err
	}
	n, err := r.U8()
	if err != nil {
		return FoundSources{}, err
	}
	fs.Sources = make([]netip.AddrPort, 0, n)
	for i := uint8(0); i < n; i++ {
		addr, err := decodeAddr(r)
		if err != nil {
			return FoundSources{}, err
		}
		fs.Sources = append(fs.Sources, addr)
	}
	return fs, nil
}

// SearchResultEntry is one file hit of a search_result reply.
type SearchResultEntry struct {
	Hash wire.Hash
	Tags wire.TagList
}

func EncodeSearchResult(entries []SearchResultEntry) []byte {
	w := wire.NewWriter()
	w.U32(uint32(len(entries)))
	for _, e := range entries {
		w.Hash(e.Hash)
		_ = wire.EncodeTagList(w, e.Tags)
	}
	return w.Bytes()
}

func DecodeSearchResult(body []byte) ([]SearchResultEntry, error) {
	r := wire.NewReader(body)
	n, err := r.U32()
	if err != nil {
		return nil, err
	}
	out := make([]SearchResultEntry, 0, n)
	for i := uint32(0); i < n; i++ {
		var e SearchResultEntry
		if e.Hash, err = r.Hash(); err != nil {
			return nil, err
		}
		if e.Tags, err = wire.DecodeTagList(r); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, nil
}

// CallbackRequested is the server asking this client to connect back to a
// low-id peer it otherwise could not dial directly.
type CallbackRequested struct {
	Point netip.AddrPort
}

func EncodeCallbackRequested(cr CallbackRequested) []byte {
	w := wire.NewWriter()
	encodeAddr(w, cr.Point)
	return w.Bytes()
}

func DecodeCallbackRequested(body []byte) (CallbackRequested, error) {
	r := wire.NewReader(body)
	addr, err := decodeAddr(r)
	return CallbackRequested{Point: addr}, err
}

// EncodeCallbackRequest builds the outbound callback_request(target_id)
// asking the server to relay a callback to a low-id peer.
func EncodeCallbackRequest(targetID uint32) []byte {
	w := wire.NewWriter()
	w.U32(targetID)
	return w.Bytes()
}

func DecodeCallbackRequest(body []byte) (uint32, error) {
	return wire.NewReader(body).U32()
}

// ServerList is a server_list reply: a batch of other index servers the
// client can fall back to.
func EncodeServerList(addrs []netip.AddrPort) []byte {
	w := wire.NewWriter()
	w.U8(uint8(len(addrs)))
	for _, a := range addrs {
		encodeAddr(w, a)
	}
	return w.Bytes()
}

func DecodeServerList(body []byte) ([]netip.AddrPort, error) {
	r := wire.NewReader(body)
	n, err := r.U8()
	if err != nil {
		return nil, err
	}
	out := make([]netip.AddrPort, 0, n)
	for i := uint8(0); i < n; i++ {
		addr, err := decodeAddr(r)
		if err != nil {
			return nil, err
		}
		out = append(out, addr)
	}
	return out, nil
}

// EncodeGetServerList/EncodeReject/EncodeQueryMoreResult/EncodeGetServerListKeepAlive:
// fixed, body-less control messages.
func EncodeGetServerList() []byte   { return nil }
func EncodeReject() []byte          { return nil }
func EncodeQueryMoreResult() []byte { return nil }
