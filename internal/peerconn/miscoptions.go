package peerconn

// MiscOptions1 and MiscOptions2 are the two 32-bit capability bitfields
// exchanged during the extended hello (spec.md §4.5.4). The connection
// consults them before choosing message variants (64-bit offsets,
// compressed parts, queue-ranking format, ...).
type MiscOptions1 uint32

const (
	Opt1AICHVersion         MiscOptions1 = 0x7 << 0 // 3-bit field
	Opt1UnicodeSupport      MiscOptions1 = 1 << 3
	Opt1UDPVersion          MiscOptions1 = 0x7 << 4 // 3-bit field
	Opt1DataCompVersion     MiscOptions1 = 0x7 << 7 // 3-bit field
	Opt1SecureIdentSupport  MiscOptions1 = 1 << 10
	Opt1SourceExchange1Ver  MiscOptions1 = 0xF << 11 // 4-bit field
	Opt1ExtendedRequestsVer MiscOptions1 = 0x3 << 15 // 2-bit field
	Opt1AcceptCommentVer    MiscOptions1 = 1 << 17
	Opt1NoViewSharedFiles   MiscOptions1 = 1 << 18
	Opt1MultiPacket         MiscOptions1 = 1 << 19
	Opt1SupportsPreview     MiscOptions1 = 1 << 20
)

// DataCompVer returns the peer-advertised compressed-part protocol
// version, used to decide whether sending_part replies may use
// compressed_part instead (spec.md §4.5, "Upload side").
func (o MiscOptions1) DataCompVer() uint32 {
	return (uint32(o) >> 7) & 0x7
}

type MiscOptions2 uint32

const (
	Opt2LargeFiles       MiscOptions2 = 1 << 0
	Opt2SupportsMultiExt MiscOptions2 = 1 << 1
	Opt2SourceExchange2  MiscOptions2 = 0xF << 2 // 4-bit field
	Opt2SupportCaptcha   MiscOptions2 = 1 << 6
)

// LargeFiles reports whether the remote supports 64-bit file offsets; when
// false, spec.md §4.5 requires offsets above 2^32 are never requested of
// this peer.
func (o MiscOptions2) LargeFiles() bool {
	return o&Opt2LargeFiles != 0
}
