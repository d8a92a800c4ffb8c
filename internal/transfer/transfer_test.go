package transfer

import (
	"context"
	"sync"
	"testing"

	"ed2kcore/internal/hashcore"
	"ed2kcore/internal/piece"
	"ed2kcore/internal/storage"
	"ed2kcore/internal/wire"
)

func genBytes(n int, seed byte) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = seed + byte(i*3)
	}
	return b
}

func TestTransferFullCheckReachesSeedingWhenFileAlreadyComplete(t *testing.T) {
	const pieceLen = 16384
	data0 := genBytes(pieceLen, 0x11)
	data1 := genBytes(pieceLen, 0x22)
	hashes := []wire.Hash{hashcore.PieceHash(data0), hashcore.PieceHash(data1)}

	cfg := WithDefaultConfig()
	cfg.Storage.DownloadDir = t.TempDir()
	cfg.ResumeSaveInterval = 0

	tr, err := New(&Opts{
		Config:      cfg,
		ClientHash:  testHash(0xAA),
		FileHash:    testHash(0xBB),
		DisplayName: "full-check-file",
		Files:       []storage.FileEntry{{Length: pieceLen * 2}},
		PieceHashes: hashes,
		PieceLength: pieceLen,
		TotalSize:   pieceLen * 2,
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		tr.storage.Run(ctx)
	}()

	if err := tr.storage.WriteSync(0, 0, data0); err != nil {
		t.Fatalf("WriteSync(0) error = %v", err)
	}
	if err := tr.storage.WriteSync(1, 0, data1); err != nil {
		t.Fatalf("WriteSync(1) error = %v", err)
	}

	tr.runChecking(ctx)

	if got := tr.State(); got != StateSeeding {
		t.Errorf("State() = %s, want %s", got, StateSeeding)
	}
	if !tr.picker.HavePiece(0) || !tr.picker.HavePiece(1) {
		t.Errorf("runChecking() did not mark on-disk pieces verified")
	}

	cancel()
	wg.Wait()
}

func TestTransferOnBlockVerifiesAndAdvancesToSeeding(t *testing.T) {
	const pieceLen = 8192
	data := genBytes(pieceLen, 0x33)
	hashes := []wire.Hash{hashcore.PieceHash(data)}

	cfg := WithDefaultConfig()
	cfg.Storage.DownloadDir = t.TempDir()
	cfg.ResumeSaveInterval = 0

	tr, err := New(&Opts{
		Config:      cfg,
		ClientHash:  testHash(0xAA),
		FileHash:    testHash(0xCC),
		DisplayName: "onblock-file",
		Files:       []storage.FileEntry{{Length: pieceLen}},
		PieceHashes: hashes,
		PieceLength: pieceLen,
		TotalSize:   pieceLen,
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	tr.state = StateDownloading

	peer := addr("10.0.0.1:4662")
	blk := piece.BlockInfo{PieceIdx: 0, Begin: 0, Length: pieceLen}
	tr.onBlock(peer, blk, data)

	if !tr.picker.HavePiece(0) {
		t.Fatalf("onBlock() did not verify the piece")
	}
	if got := tr.State(); got != StateSeeding {
		t.Errorf("State() = %s, want %s", got, StateSeeding)
	}
}

func TestTransferOnBlockMismatchPenalizesOffender(t *testing.T) {
	const pieceLen = 4096
	real := genBytes(pieceLen, 0x44)
	corrupt := genBytes(pieceLen, 0x55)
	hashes := []wire.Hash{hashcore.PieceHash(real)}

	cfg := WithDefaultConfig()
	cfg.Storage.DownloadDir = t.TempDir()
	cfg.ResumeSaveInterval = 0

	tr, err := New(&Opts{
		Config:      cfg,
		ClientHash:  testHash(0xAA),
		FileHash:    testHash(0xDD),
		DisplayName: "mismatch-file",
		Files:       []storage.FileEntry{{Length: pieceLen}},
		PieceHashes: hashes,
		PieceLength: pieceLen,
		TotalSize:   pieceLen,
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	tr.state = StateDownloading

	peer := addr("10.0.0.2:4662")
	tr.policy.AddCandidate(peer)
	blk := piece.BlockInfo{PieceIdx: 0, Begin: 0, Length: pieceLen}
	tr.onBlock(peer, blk, corrupt)

	if tr.picker.HavePiece(0) {
		t.Fatalf("onBlock() should not verify a piece whose bytes don't match the hash")
	}
	if _, ok := tr.policy.SelectConnectCandidate(); ok {
		t.Errorf("offending peer should be banned after a hash mismatch")
	}
}

func TestTransferPauseAndResume(t *testing.T) {
	cfg := WithDefaultConfig()
	cfg.Storage.DownloadDir = t.TempDir()

	tr, err := New(&Opts{
		Config:      cfg,
		ClientHash:  testHash(0xAA),
		FileHash:    testHash(0xEE),
		DisplayName: "pause-file",
		Files:       []storage.FileEntry{{Length: 4096}},
		PieceHashes: []wire.Hash{testHash(1)},
		PieceLength: 4096,
		TotalSize:   4096,
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	tr.state = StateDownloading

	tr.Pause()
	if got := tr.State(); got != StatePaused {
		t.Fatalf("State() after Pause() = %s, want %s", got, StatePaused)
	}

	tr.Resume()
	if got := tr.State(); got != StateDownloading {
		t.Errorf("State() after Resume() = %s, want %s", got, StateDownloading)
	}
}

func TestTransferOnRemoteStatusEmptyBitfieldMeansFullSeed(t *testing.T) {
	cfg := WithDefaultConfig()
	cfg.Storage.DownloadDir = t.TempDir()

	tr, err := New(&Opts{
		Config:      cfg,
		ClientHash:  testHash(0xAA),
		FileHash:    testHash(0x12),
		DisplayName: "seed-status-file",
		Files:       []storage.FileEntry{{Length: 8192}},
		PieceHashes: []wire.Hash{testHash(1), testHash(2)},
		PieceLength: 4096,
		TotalSize:   8192,
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	peer := addr("10.0.0.3:4662")
	tr.onRemoteStatus(peer, nil)

	work := tr.requestWork(peer, 2)
	if len(work) != 2 {
		t.Errorf("requestWork() len = %d, want 2 blocks available from a synthesized full-seed bitfield", len(work))
	}
}

func TestTransferBlockRangeAndLocateRoundTrip(t *testing.T) {
	cfg := WithDefaultConfig()
	cfg.Storage.DownloadDir = t.TempDir()
	tr, err := New(&Opts{
		Config:      cfg,
		ClientHash:  testHash(0xAA),
		FileHash:    testHash(0x34),
		DisplayName: "range-file",
		Files:       []storage.FileEntry{{Length: 32768}},
		PieceHashes: []wire.Hash{testHash(1), testHash(2)},
		PieceLength: 16384,
		TotalSize:   32768,
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	blk := piece.BlockInfo{PieceIdx: 1, Begin: 100, Length: 50}
	r := tr.blockRange(blk)
	wantBegin := uint64(16384 + 100)
	if r.Begin != wantBegin || r.End != wantBegin+50 {
		t.Fatalf("blockRange() = %+v, want begin=%d end=%d", r, wantBegin, wantBegin+50)
	}

	pieceIdx, within := tr.locate(r.Begin)
	if pieceIdx != 1 || within != 100 {
		t.Errorf("locate() = (%d, %d), want (1, 100)", pieceIdx, within)
	}
}
