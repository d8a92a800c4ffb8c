package resume

import (
	"testing"

	"ed2kcore/internal/errs"
	"ed2kcore/internal/transfer"
	"ed2kcore/internal/wire"
	"ed2kcore/internal/bitfield"
)

func testHash(b byte) wire.Hash {
	var h wire.Hash
	h[0] = b
	return h
}

func sampleResumeData() transfer.ResumeData {
	bf := bitfield.New(4)
	bf.Set(0)
	bf.Set(2)

	return transfer.ResumeData{
		FormatTag:          transfer.ResumeFormatTag,
		FormatVersion:      transfer.ResumeFormatVersion,
		LibEd2kVersion:     transfer.ResumeLibEd2kVersion,
		FileHash:           testHash(0xBB),
		HaveBitmap:         bf,
		PieceHashes:        []wire.Hash{testHash(1), testHash(2), testHash(3), testHash(4)},
		Unfinished:         []transfer.UnfinishedPiece{{Piece: 1, BlockMask: 0b0101}, {Piece: 3, BlockMask: 0b1}},
		TotalUploaded:      12345,
		TotalDownloaded:    67890,
		NumSeeds:           2,
		NumDownloaders:     3,
		SequentialDownload: true,
		SeedMode:           false,
		AutoManaged:        true,
		Paused:             true,
		UploadLimit:        1000,
		DownloadLimit:      2000,
		MaxConnections:     50,
		MaxUploads:         4,
		Priorities:         []uint8{0, 1, 2, 3},
	}
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	rd := sampleResumeData()

	blob, err := Encode(rd)
	if err != nil {
		t.Fatalf("Encode() error = %v", err)
	}

	got, err := Decode(blob)
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}

	if got.FormatTag != rd.FormatTag || got.FormatVersion != rd.FormatVersion {
		t.Errorf("format = (%q, %d), want (%q, %d)", got.FormatTag, got.FormatVersion, rd.FormatTag, rd.FormatVersion)
	}
	if got.FileHash != rd.FileHash {
		t.Errorf("FileHash = %v, want %v", got.FileHash, rd.FileHash)
	}
	if !got.HaveBitmap.Equals(rd.HaveBitmap) {
		t.Errorf("HaveBitmap = %v, want %v", got.HaveBitmap, rd.HaveBitmap)
	}
	if len(got.PieceHashes) != len(rd.PieceHashes) {
		t.Fatalf("PieceHashes len = %d, want %d", len(got.PieceHashes), len(rd.PieceHashes))
	}
	for i, h := range rd.PieceHashes {
		if got.PieceHashes[i] != h {
			t.Errorf("PieceHashes[%d] = %v, want %v", i, got.PieceHashes[i], h)
		}
	}
	if len(got.Unfinished) != len(rd.Unfinished) {
		t.Fatalf("Unfinished len = %d, want %d", len(got.Unfinished), len(rd.Unfinished))
	}
	for i, u := range rd.Unfinished {
		if got.Unfinished[i] != u {
			t.Errorf("Unfinished[%d] = %+v, want %+v", i, got.Unfinished[i], u)
		}
	}

	if got.TotalUploaded != rd.TotalUploaded || got.TotalDownloaded != rd.TotalDownloaded {
		t.Errorf("totals = (%d, %d), want (%d, %d)", got.TotalUploaded, got.TotalDownloaded, rd.TotalUploaded, rd.TotalDownloaded)
	}
	if got.NumSeeds != rd.NumSeeds || got.NumDownloaders != rd.NumDownloaders {
		t.Errorf("peer counts = (%d, %d), want (%d, %d)", got.NumSeeds, got.NumDownloaders, rd.NumSeeds, rd.NumDownloaders)
	}
	if got.SequentialDownload != rd.SequentialDownload || got.SeedMode != rd.SeedMode || got.AutoManaged != rd.AutoManaged || got.Paused != rd.Paused {
		t.Errorf("flags = %+v, want to match input", got)
	}
	if got.UploadLimit != rd.UploadLimit || got.DownloadLimit != rd.DownloadLimit {
		t.Errorf("rate limits = (%d, %d), want (%d, %d)", got.UploadLimit, got.DownloadLimit, rd.UploadLimit, rd.DownloadLimit)
	}
	if got.MaxConnections != rd.MaxConnections || got.MaxUploads != rd.MaxUploads {
		t.Errorf("connection limits = (%d, %d), want (%d, %d)", got.MaxConnections, got.MaxUploads, rd.MaxConnections, rd.MaxUploads)
	}
	if string(got.Priorities) != string(rd.Priorities) {
		t.Errorf("Priorities = %v, want %v", got.Priorities, rd.Priorities)
	}
}

func TestDecodeRejectsMalformedBlob(t *testing.T) {
	tests := []struct {
		name string
		blob []byte
	}{
		{"not-a-dict", []byte("4:spam")},
		{"truncated", []byte("d1:a")},
		{"bad-hash-hex", []byte("d13:transfer-hash3:xyzee")},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Decode(tc.blob)
			if err == nil {
				t.Fatalf("Decode(%q) error = nil, want error", tc.blob)
			}
			if errs.KindOf(err) != errs.KindFastResumeParseError {
				t.Errorf("Decode(%q) kind = %v, want KindFastResumeParseError", tc.blob, errs.KindOf(err))
			}
		})
	}
}

func TestEncodeEmptyResumeData(t *testing.T) {
	blob, err := Encode(transfer.ResumeData{HaveBitmap: bitfield.New(0)})
	if err != nil {
		t.Fatalf("Encode() error = %v", err)
	}

	got, err := Decode(blob)
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	if got.NumSeeds != 0 || got.NumDownloaders != 0 {
		t.Errorf("zero-value resume data decoded with non-zero peer counts: %+v", got)
	}
}
