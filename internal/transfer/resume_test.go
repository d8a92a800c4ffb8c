package transfer

import (
	"testing"

	"ed2kcore/internal/errs"
	"ed2kcore/internal/storage"
	"ed2kcore/internal/wire"
	"ed2kcore/internal/bitfield"
)

func testHash(b byte) wire.Hash {
	var h wire.Hash
	h[0] = b
	return h
}

func newTestTransfer(t *testing.T, pieceCount int) *Transfer {
	t.Helper()
	hashes := make([]wire.Hash, pieceCount)
	for i := range hashes {
		hashes[i] = testHash(byte(i + 1))
	}

	dir := t.TempDir()
	cfg := WithDefaultConfig()
	cfg.Storage.DownloadDir = dir

	tr, err := New(&Opts{
		Config:      cfg,
		ClientHash:  testHash(0xAA),
		FileHash:    testHash(0xBB),
		DisplayName: "resume-test-file",
		Files:       []storage.FileEntry{{Length: int64(pieceCount) * 16384}},
		PieceHashes: hashes,
		PieceLength: 16384,
		TotalSize:   uint64(pieceCount) * 16384,
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return tr
}

func TestBuildAndApplyResumeDataRoundTrip(t *testing.T) {
	tr := newTestTransfer(t, 4)

	tr.picker.WeHave(0)
	tr.picker.WeHave(2)

	rd := tr.BuildResumeData()
	if rd.FormatTag != ResumeFormatTag {
		t.Fatalf("BuildResumeData() FormatTag = %q, want %q", rd.FormatTag, ResumeFormatTag)
	}
	if !rd.HaveBitmap.Has(0) || !rd.HaveBitmap.Has(2) {
		t.Errorf("BuildResumeData() have-bitmap missing verified pieces")
	}
	if rd.HaveBitmap.Has(1) || rd.HaveBitmap.Has(3) {
		t.Errorf("BuildResumeData() have-bitmap set on unverified pieces")
	}

	fresh := newTestTransfer(t, 4)
	if err := fresh.ApplyResumeData(rd); err != nil {
		t.Fatalf("ApplyResumeData() error = %v", err)
	}
	if !fresh.picker.HavePiece(0) || !fresh.picker.HavePiece(2) {
		t.Errorf("ApplyResumeData() did not replay verified pieces")
	}
	if fresh.picker.HavePiece(1) {
		t.Errorf("ApplyResumeData() marked an unverified piece as verified")
	}
}

func TestApplyResumeDataRejectsWrongFileHash(t *testing.T) {
	tr := newTestTransfer(t, 2)
	rd := ResumeData{FormatTag: ResumeFormatTag, FileHash: testHash(0xFF)}

	err := tr.ApplyResumeData(rd)
	if err == nil {
		t.Fatalf("ApplyResumeData() error = nil, want mismatch error")
	}
	if errs.KindOf(err) != errs.KindMismatchingTransferHash {
		t.Errorf("ApplyResumeData() kind = %v, want KindMismatchingTransferHash", errs.KindOf(err))
	}
}

func TestApplyResumeDataRejectsWrongFormatTag(t *testing.T) {
	tr := newTestTransfer(t, 2)
	rd := ResumeData{FormatTag: "something-else", FileHash: tr.fileHash}

	err := tr.ApplyResumeData(rd)
	if err == nil {
		t.Fatalf("ApplyResumeData() error = nil, want parse error")
	}
	if errs.KindOf(err) != errs.KindFastResumeParseError {
		t.Errorf("ApplyResumeData() kind = %v, want KindFastResumeParseError", errs.KindOf(err))
	}
}

func TestResumeVerifiedBitmap(t *testing.T) {
	bf := bitfield.New(4)
	bf.Set(0)
	bf.Set(3)
	rd := ResumeData{HaveBitmap: bf}

	got := resumeVerifiedBitmap(rd, 4)
	want := []bool{true, false, false, true}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("resumeVerifiedBitmap()[%d] = %v, want %v", i, got[i], want[i])
		}
	}
}
