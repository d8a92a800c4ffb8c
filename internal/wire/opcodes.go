package wire

// Opcode is the single byte following the frame length that selects which
// message a Frame's Body decodes as. Every opcode below carries a fixed
// (Protocol, Opcode) pair per spec.md §6 and is table-lookup dispatched on
// receive.

// Client <-> Server TCP opcodes.
const (
	OpLoginRequest      uint8 = 0x01
	OpReject            uint8 = 0x05
	OpGetServerList     uint8 = 0x14
	OpOfferFiles        uint8 = 0x15
	OpSearchRequest     uint8 = 0x16
	OpGetSources        uint8 = 0x19
	OpCallbackRequest   uint8 = 0x1C
	OpQueryMoreResult   uint8 = 0x21
	OpServerList        uint8 = 0x32
	OpSearchResult      uint8 = 0x33
	OpServerStatus      uint8 = 0x34
	OpCallbackRequested uint8 = 0x35
	OpServerMessage     uint8 = 0x38
	OpIDChange          uint8 = 0x40
	OpServerIdent       uint8 = 0x41
	OpFoundSources      uint8 = 0x42
)

// Client <-> Client TCP opcodes (ED2K protocol, 32-bit offsets).
//
// file_request/file_answer/no_file/filestatus_request/file_status follow
// OP_REQUESTFILENAME/OP_REQFILENAMEANSWER/OP_FILEREQANSNOFIL/
// OP_SETREQFILEID/OP_FILESTATUS exactly as packet_struct.hpp defines them;
// do not renumber these without checking that enum first.
const (
	OpHello             uint8 = 0x01
	OpSendingPart       uint8 = 0x46
	OpRequestParts      uint8 = 0x47
	OpFileReqAnsNoFile  uint8 = 0x48
	OpHelloAnswer       uint8 = 0x4C
	OpMessage           uint8 = 0x4E
	OpFileStatusRequest uint8 = 0x4F
	OpFileStatus        uint8 = 0x50
	OpHashSetRequest    uint8 = 0x51
	OpHashSetAnswer     uint8 = 0x52
	OpStartUploadReq    uint8 = 0x54
	OpAcceptUploadReq   uint8 = 0x55
	OpCancelTransfer    uint8 = 0x56
	OpOutOfPartReqs     uint8 = 0x57
	OpRequestFilename   uint8 = 0x58
	OpReqFilenameAnswer uint8 = 0x59
	OpQueueRank         uint8 = 0x5C
)

// eMule protocol (0xC5) 64-bit-offset variants of the large-file messages.
const (
	OpCompressedPartI64 uint8 = 0xA1
	OpSendingPartI64    uint8 = 0xA2
	OpRequestPartsI64   uint8 = 0xA3
	OpQueueRanking      uint8 = 0x60
	OpCompressedPart    uint8 = 0x40
)

// Sentinel announce addresses (spec.md §6): peers without a public IP
// advertise shares with these placeholder IP/port pairs when the server
// supports compression, so other clients know to route through the server
// instead of dialing directly.
const (
	SentinelIncompleteIP   uint32 = 0xFCFCFCFC
	SentinelIncompletePort uint16 = 0xFCFC
	SentinelCompleteIP     uint32 = 0xFBFBFBFB
	SentinelCompletePort   uint16 = 0xFBFB
)

// LowIDThreshold: a client_id below this value is a "low id" — assigned to
// peers behind NAT that the server could not reach on their listen port
// (spec.md §4.7, §6, Glossary).
const LowIDThreshold uint32 = 0x01000000
