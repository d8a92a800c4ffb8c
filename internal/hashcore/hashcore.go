// Package hashcore computes ed2k piece and file hashes (MD4) and runs the
// cancellable hashing worker that turns a filesystem path into an
// add_transfer_params record (spec.md §4.2, C2).
package hashcore

import (
	"io"
	"os"

	"golang.org/x/crypto/md4"

	"ed2kcore/internal/errs"
	"ed2kcore/internal/wire"
)

// PieceSize is the fixed ed2k piece width.
const PieceSize int64 = 9_728_000

// BlockSize is the pipelined request/transfer unit within a piece.
const BlockSize int64 = 180 * 1024

// HashSet is the result of hashing a file: one MD4 digest per real piece,
// an optional terminal entry, and the file-level digest derived from them.
type HashSet struct {
	PieceHashes []wire.Hash
	FileHash    wire.Hash
}

// PieceHash returns the MD4 digest of one piece's bytes, the same digest
// BuildHashSet computes per chunk — exported so the storage adapter can
// verify a piece it just read back off disk without duplicating the MD4
// call.
func PieceHash(b []byte) wire.Hash {
	return md4Sum(b)
}

// md4Sum returns the MD4 digest of b.
func md4Sum(b []byte) wire.Hash {
	h := md4.New()
	h.Write(b)
	var out wire.Hash
	copy(out[:], h.Sum(nil))
	return out
}

// BuildHashSet hashes r, which must yield exactly size bytes, into piece
// hashes and a file hash per spec.md §4.2. size must be known up front
// because the terminal-hash rule depends on whether it is an exact multiple
// of PieceSize.
func BuildHashSet(r io.Reader, size int64) (HashSet, error) {
	if size <= 0 {
		return HashSet{}, errs.New("hashcore.BuildHashSet", errs.KindFilesizeIsZero)
	}

	pieceCount := (size + PieceSize - 1) / PieceSize
	hashes := make([]wire.Hash, 0, pieceCount+1)

	buf := make([]byte, PieceSize)
	var remaining = size
	for remaining > 0 {
		n := PieceSize
		if n > remaining {
			n = remaining
		}
		chunk := buf[:n]
		if _, err := io.ReadFull(r, chunk); err != nil {
			return HashSet{}, errs.Wrap("hashcore.BuildHashSet", errs.KindDecodePacketError, err)
		}
		hashes = append(hashes, md4Sum(chunk))
		remaining -= n
	}

	if size%PieceSize == 0 {
		hashes = append(hashes, wire.TerminalHash)
	}

	return HashSet{PieceHashes: hashes, FileHash: fileHashFromPieces(hashes)}, nil
}

// fileHashFromPieces derives the whole-file hash from its piece hashes per
// spec.md §4.2: the lone piece hash when there is exactly one entry,
// otherwise MD4 of their concatenation.
func fileHashFromPieces(pieceHashes []wire.Hash) wire.Hash {
	if len(pieceHashes) == 1 {
		return pieceHashes[0]
	}
	concat := make([]byte, 0, len(pieceHashes)*wire.HashSize)
	for _, h := range pieceHashes {
		concat = append(concat, h[:]...)
	}
	return md4Sum(concat)
}

// HashFile opens path and builds its HashSet, looking up the size with Stat
// rather than trusting a caller-supplied value. It returns the file size
// alongside the HashSet since callers typically need both.
func HashFile(path string) (HashSet, int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return HashSet{}, 0, errs.Wrap("hashcore.HashFile", errs.KindNoFile, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return HashSet{}, 0, errs.Wrap("hashcore.HashFile", errs.KindNoFile, err)
	}

	hs, err := BuildHashSet(f, info.Size())
	return hs, info.Size(), err
}

// BlocksPerPiece returns how many BlockSize-wide requests cover a piece of
// pieceLen bytes, rounding the final partial block up.
func BlocksPerPiece(pieceLen int64) int {
	return int((pieceLen + BlockSize - 1) / BlockSize)
}
