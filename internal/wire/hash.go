package wire

import (
	"encoding/hex"
	"errors"
)

// HashSize is the width of every ed2k hash: file hashes, piece hashes and
// peer client identifiers are all 128-bit MD4 digests (spec.md §3).
const HashSize = 16

// Hash is a 128-bit content identifier.
type Hash [HashSize]byte

// TerminalHash is MD4("") — the distinguished value appended to a hash set
// when a file's size is an exact multiple of PieceSize (spec.md §3, §4.2).
var TerminalHash = Hash{
	0x31, 0xD6, 0xCF, 0xE0, 0xD1, 0x6A, 0xE9, 0x31,
	0xB7, 0x3C, 0x59, 0xD7, 0xE0, 0xC0, 0x89, 0xC0,
}

// IsTerminal reports whether h is the distinguished terminal hash.
func (h Hash) IsTerminal() bool { return h == TerminalHash }

// IsZero reports whether h is the all-zero hash (used as "unknown").
func (h Hash) IsZero() bool { return h == Hash{} }

func (h Hash) String() string { return hex.EncodeToString(h[:]) }

// HashFromHex parses a 32-character hex string into a Hash.
func HashFromHex(s string) (Hash, error) {
	var h Hash
	b, err := hex.DecodeString(s)
	if err != nil {
		return h, err
	}
	if len(b) != HashSize {
		return h, errShortHash
	}
	copy(h[:], b)
	return h, nil
}

var errShortHash = errors.New("wire: hash must be exactly 16 bytes")
