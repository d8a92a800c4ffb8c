package transfer

import (
	"ed2kcore/internal/errs"
	"ed2kcore/internal/piece"
	"ed2kcore/internal/wire"
	"ed2kcore/internal/bitfield"
)

// ResumeFormatTag/ResumeFormatVersion identify the blob layout spec.md §4.6
// names; internal/resume's bencode codec (not this package) is responsible
// for turning a ResumeData to and from the actual on-disk dictionary —
// this struct is the in-memory shape both sides agree on.
const (
	ResumeFormatTag     = "ed2k-resume"
	ResumeFormatVersion = 1

	// ResumeLibEd2kVersion is the libed2k-version field spec.md §6 names;
	// carried through for compatibility logging only, not interpreted.
	ResumeLibEd2kVersion = 0x010300
)

// UnfinishedPiece is one partially-downloaded, not-yet-verified piece's
// block completion mask (spec.md §4.6: "unfinished-piece list
// {piece, block_bitmask}").
type UnfinishedPiece struct {
	Piece      uint32
	BlockMask  uint64
}

// ResumeData is the dictionary spec.md §4.6 names: file identity, the
// verified-piece bitmap, the hash set, in-progress pieces, and policy
// knobs carried across a restart.
type ResumeData struct {
	FormatTag      string
	FormatVersion  int
	LibEd2kVersion int

	FileHash    wire.Hash
	HaveBitmap  bitfield.Bitfield
	PieceHashes []wire.Hash

	Unfinished []UnfinishedPiece

	TotalUploaded   uint64
	TotalDownloaded uint64
	NumSeeds        int
	NumDownloaders  int

	SequentialDownload bool
	SeedMode           bool
	AutoManaged        bool
	Paused             bool

	UploadLimit    int64
	DownloadLimit  int64
	MaxConnections int
	MaxUploads     int
	Priorities     []uint8
}

// BuildResumeData snapshots t's current progress into a ResumeData blob
// ready to be handed to internal/resume for serialization.
func (t *Transfer) BuildResumeData() ResumeData {
	seeds, downloaders := t.peerRoleCounts()

	rd := ResumeData{
		FormatTag:          ResumeFormatTag,
		FormatVersion:      ResumeFormatVersion,
		LibEd2kVersion:     ResumeLibEd2kVersion,
		FileHash:           t.fileHash,
		PieceHashes:        t.pieceHashes,
		TotalUploaded:      t.totalUploaded.Load(),
		TotalDownloaded:    t.totalDownloaded.Load(),
		NumSeeds:           seeds,
		NumDownloaders:     downloaders,
		SequentialDownload: t.cfg.Strategy == piece.StrategySequential,
		Paused:             t.State() == StatePaused,
		MaxConnections:     t.cfg.MaxPeers,
		MaxUploads:         t.cfg.UploadSlots,
	}

	if t.picker.HasPicker() {
		rd.HaveBitmap = t.picker.HaveBitmap()
		rd.SeedMode = rd.HaveBitmap.All()
		for idx, mask := range t.picker.UnfinishedPieceBlocks() {
			rd.Unfinished = append(rd.Unfinished, UnfinishedPiece{Piece: idx, BlockMask: mask})
		}
	}
	return rd
}

// peerRoleCounts classifies each currently-attached peer as a seed (its
// last advertised bitfield is complete) or a partial downloader, for the
// resume blob's num_seeds/num_downloaders fields.
func (t *Transfer) peerRoleCounts() (seeds, downloaders int) {
	t.peerBitMu.Lock()
	defer t.peerBitMu.Unlock()
	for _, bf := range t.peerBits {
		if bf.All() {
			seeds++
		} else {
			downloaders++
		}
	}
	return seeds, downloaders
}

// ApplyResumeData validates rd against this transfer's identity and, if
// consistent, replays its have-bitmap and unfinished blocks into the
// picker. An inconsistent blob (wrong tag, mismatched file hash, a
// have-bitmap shorter than the piece count) is rejected so the caller falls back to a full recheck
// (spec.md §4.6: "An inconsistent blob is rejected and a full recheck is
// queued").
func (t *Transfer) ApplyResumeData(rd ResumeData) error {
	if rd.FormatTag != ResumeFormatTag {
		return errs.New("transfer.ApplyResumeData", errs.KindFastResumeParseError)
	}
	if rd.FileHash != t.fileHash {
		return errs.New("transfer.ApplyResumeData", errs.KindMismatchingTransferHash)
	}

	t.totalDownloaded.Store(rd.TotalDownloaded)
	t.totalUploaded.Store(rd.TotalUploaded)

	if !t.picker.HasPicker() {
		return nil
	}
	if rd.HaveBitmap.Len() < int(t.picker.PieceCount()) {
		return errs.New("transfer.ApplyResumeData", errs.KindFastResumeParseError)
	}

	for i := uint32(0); i < t.picker.PieceCount(); i++ {
		if rd.HaveBitmap.Has(int(i)) {
			t.picker.WeHave(i)
		}
	}
	for _, u := range rd.Unfinished {
		if u.Piece < t.picker.PieceCount() {
			t.picker.RestoreUnfinishedBlocks(u.Piece, u.BlockMask)
		}
	}
	return nil
}

// resumeVerifiedBitmap converts a ResumeData's have-bitmap into the
// per-piece bool slice storage.JobCheckFastresume expects.
func resumeVerifiedBitmap(rd ResumeData, pieceCount int) []bool {
	out := make([]bool, pieceCount)
	for i := range out {
		out[i] = rd.HaveBitmap.Has(i)
	}
	return out
}
