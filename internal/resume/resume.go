// Package resume bridges transfer.ResumeData to and from the bencoded
// dictionary spec.md §6 names, the same bencoded-dictionary wire shape
// BitTorrent fastresume files use. Grounded line-for-line on
// pkg/bencode's Marshal/Unmarshal(any) design: a resume blob is just
// another bencoded dictionary, so the codec is reused rather than
// reinvented.
package resume

import (
	"ed2kcore/internal/bencode"
	"ed2kcore/internal/errs"
	"ed2kcore/internal/transfer"
	"ed2kcore/internal/wire"
	"ed2kcore/internal/bitfield"
)

const (
	keyFileFormat      = "file-format"
	keyFileVersion     = "file-version"
	keyLibEd2kVersion  = "libed2k-version"
	keyTotalUploaded   = "total_uploaded"
	keyTotalDownloaded = "total_downloaded"
	keyNumSeeds        = "num_seeds"
	keyNumDownloaders  = "num_downloaders"
	keySequentialDL    = "sequential_download"
	keySeedMode        = "seed_mode"
	keyTransferHash    = "transfer-hash"
	keyPieces          = "pieces"
	keyUnfinished      = "unfinished"
	keyHashsetValues   = "hashset-values"
	keyUploadRateLimit = "upload_rate_limit"
	keyDownloadRate    = "download_rate_limit"
	keyMaxConnections  = "max_connections"
	keyMaxUploads      = "max_uploads"
	keyPaused          = "paused"
	keyAutoManaged     = "auto_managed"
	keyPiecePriority   = "piece_priority"

	keyUnfinishedPiece   = "piece"
	keyUnfinishedBitmask = "bitmask"
)

// Encode bencodes rd into the on-disk resume-blob format.
func Encode(rd transfer.ResumeData) ([]byte, error) {
	d := map[string]any{
		keyFileFormat:      rd.FormatTag,
		keyFileVersion:     int64(rd.FormatVersion),
		keyLibEd2kVersion:  int64(rd.LibEd2kVersion),
		keyTotalUploaded:   rd.TotalUploaded,
		keyTotalDownloaded: rd.TotalDownloaded,
		keyNumSeeds:        int64(rd.NumSeeds),
		keyNumDownloaders:  int64(rd.NumDownloaders),
		keySequentialDL:    rd.SequentialDownload,
		keySeedMode:        rd.SeedMode,
		keyTransferHash:    rd.FileHash.String(),
		keyPieces:          rd.HaveBitmap.Bytes(),
		keyUnfinished:      encodeUnfinished(rd.Unfinished),
		keyHashsetValues:   encodeHashset(rd.PieceHashes),
		keyUploadRateLimit: rd.UploadLimit,
		keyDownloadRate:    rd.DownloadLimit,
		keyMaxConnections:  int64(rd.MaxConnections),
		keyMaxUploads:      int64(rd.MaxUploads),
		keyPaused:          rd.Paused,
		keyAutoManaged:     rd.AutoManaged,
		keyPiecePriority:   []byte(rd.Priorities),
	}

	return bencode.Marshal(d)
}

// Decode parses a resume blob previously written by Encode back into a
// ResumeData. A malformed blob (wrong top-level shape, an unparseable
// transfer-hash) is reported with errs.KindFastResumeParseError so the
// caller can fall back to a full recheck (spec.md §4.6).
func Decode(data []byte) (transfer.ResumeData, error) {
	const op = "resume.Decode"

	v, err := bencode.Unmarshal(data)
	if err != nil {
		return transfer.ResumeData{}, errs.Wrap(op, errs.KindFastResumeParseError, err)
	}
	d, ok := v.(map[string]any)
	if !ok {
		return transfer.ResumeData{}, errs.New(op, errs.KindFastResumeParseError)
	}

	hashHex, _ := d[keyTransferHash].(string)
	fileHash, err := wire.HashFromHex(hashHex)
	if err != nil {
		return transfer.ResumeData{}, errs.Wrap(op, errs.KindFastResumeParseError, err)
	}

	pieces, _ := d[keyPieces].(string)

	rd := transfer.ResumeData{
		FormatTag:          stringField(d, keyFileFormat),
		FormatVersion:      int(intField(d, keyFileVersion)),
		LibEd2kVersion:     int(intField(d, keyLibEd2kVersion)),
		FileHash:           fileHash,
		HaveBitmap:         bitfield.FromBytes([]byte(pieces)),
		TotalUploaded:      uint64(intField(d, keyTotalUploaded)),
		TotalDownloaded:    uint64(intField(d, keyTotalDownloaded)),
		NumSeeds:           int(intField(d, keyNumSeeds)),
		NumDownloaders:     int(intField(d, keyNumDownloaders)),
		SequentialDownload: boolField(d, keySequentialDL),
		SeedMode:           boolField(d, keySeedMode),
		UploadLimit:        intField(d, keyUploadRateLimit),
		DownloadLimit:      intField(d, keyDownloadRate),
		MaxConnections:     int(intField(d, keyMaxConnections)),
		MaxUploads:         int(intField(d, keyMaxUploads)),
		Paused:             boolField(d, keyPaused),
		AutoManaged:        boolField(d, keyAutoManaged),
		Priorities:         []byte(stringField(d, keyPiecePriority)),
	}

	if list, ok := d[keyHashsetValues].([]any); ok {
		rd.PieceHashes = make([]wire.Hash, 0, len(list))
		for _, e := range list {
			s, _ := e.(string)
			h, err := wire.HashFromHex(s)
			if err != nil {
				return transfer.ResumeData{}, errs.Wrap(op, errs.KindFastResumeParseError, err)
			}
			rd.PieceHashes = append(rd.PieceHashes, h)
		}
	}

	if list, ok := d[keyUnfinished].([]any); ok {
		for _, e := range list {
			m, ok := e.(map[string]any)
			if !ok {
				return transfer.ResumeData{}, errs.New(op, errs.KindFastResumeParseError)
			}
			rd.Unfinished = append(rd.Unfinished, transfer.UnfinishedPiece{
				Piece:     uint32(intField(m, keyUnfinishedPiece)),
				BlockMask: uint64(intField(m, keyUnfinishedBitmask)),
			})
		}
	}

	return rd, nil
}

func encodeUnfinished(pieces []transfer.UnfinishedPiece) []any {
	out := make([]any, 0, len(pieces))
	for _, p := range pieces {
		out = append(out, map[string]any{
			keyUnfinishedPiece:   int64(p.Piece),
			keyUnfinishedBitmask: int64(p.BlockMask),
		})
	}
	return out
}

func encodeHashset(hashes []wire.Hash) []any {
	out := make([]any, 0, len(hashes))
	for _, h := range hashes {
		out = append(out, h.String())
	}
	return out
}

func stringField(d map[string]any, key string) string {
	s, _ := d[key].(string)
	return s
}

func boolField(d map[string]any, key string) bool {
	switch v := d[key].(type) {
	case bool:
		return v
	case int64:
		return v != 0
	default:
		return false
	}
}

// intField reads a bencoded integer field as int64, tolerating the
// decoder's int64 and, defensively, any stray uint-like value a future
// encoder variant might produce.
func intField(d map[string]any, key string) int64 {
	switch v := d[key].(type) {
	case int64:
		return v
	case uint64:
		return int64(v)
	default:
		return 0
	}
}

