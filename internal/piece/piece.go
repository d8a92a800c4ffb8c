// Package piece implements the piece picker (spec.md §4.3, C3): per-piece
// and per-block state tracking, rarest-first/sequential/random block
// selection biased by peer-advertised availability and piece priority, and
// the geometry helpers translating a file size into piece/block counts.
package piece

import (
	"errors"
	"log/slog"
	"net/netip"
	"sync"
	"time"

	"ed2kcore/internal/wire"
	"ed2kcore/internal/bitfield"
)

// BlockLength is the ed2k block width: the unit of request and wire
// transfer. Pieces (PieceSize-wide) are the unit of hash verification.
const BlockLength uint32 = 180 * 1024

// Status is the lifecycle of a block (spec.md §4.3: none/requested/
// writing/finished) and, by aggregation, of a piece.
type Status uint8

const (
	StatusWant     Status = iota // none
	StatusInflight               // requested
	StatusWriting                // writing: off the network, queued for disk
	StatusDone                   // finished
)

// MaxPriority is the highest piece priority; priority 0 disables picking.
const MaxPriority = 7

type blockOwner struct {
	peer        netip.AddrPort
	requestedAt time.Time
}

type block struct {
	status Status
	owners []*blockOwner
}

type pieceState struct {
	index         uint32
	status        Status
	priority      uint8
	length        uint32
	blockCount    uint32
	lastBlockSize uint32
	doneBlocks    uint32
	verified      bool
	blocks        []*block
	hash          wire.Hash
}

// BlockInfo identifies one requestable block by piece index and byte
// offset within that piece.
type BlockInfo struct {
	PieceIdx uint32
	Begin    uint32
	Length   uint32
}

// PeerView is a snapshot of one remote peer's advertised pieces and current
// choke state, the input PickBlocks needs to decide what to request from
// that peer next.
type PeerView struct {
	Addr     netip.AddrPort
	Bitfield bitfield.Bitfield
	Unchoked bool
}

// Manager is the per-transfer picker. A nil *Manager is valid and denotes a
// pure seed that already has every piece; callers must consult HasPicker
// before using one (spec.md §4.3).
type Manager struct {
	log             *slog.Logger
	mut             sync.RWMutex
	pieces          []*pieceState
	pieceCount      uint32
	nextPiece       uint32
	nextBlock       uint32
	remainingBlocks uint32
	lastPieceLength uint32
	endgame         bool
	endgameFloor    uint32
	strategy        Strategy

	availability *availabilityBucket

	peerMu        sync.RWMutex
	peerBitfields map[netip.AddrPort]bitfield.Bitfield
	peerInflight  map[netip.AddrPort]uint32
}

// Strategy selects which not-yet-downloading piece to start next once the
// in-progress-piece pass has not filled the request budget.
type Strategy uint8

const (
	StrategyRarestFirst Strategy = iota
	StrategySequential
	StrategyRandom
)

// NewManager builds a picker for pieceHashes covering a file of the given
// size and piece length. maxPeers bounds the rarest-first availability
// buckets; endgameFloor is the remaining-block count at or below which the
// picker switches to endgame mode (duplicate requests allowed to finish the
// last few blocks quickly).
func NewManager(
	pieceHashes []wire.Hash,
	pieceLen uint32,
	size uint64,
	maxPeers int,
	endgameFloor uint32,
	strategy Strategy,
	logger *slog.Logger,
) (*Manager, error) {
	lastPieceLen, ok := LastPieceLength(size, pieceLen)
	if !ok {
		return nil, errors.New("piece: out of bounds")
	}

	n := len(pieceHashes)
	pieces := make([]*pieceState, n)
	totalBlocks := uint32(0)

	for i := 0; i < n; i++ {
		currPieceLen, _ := PieceLengthAt(uint32(i), size, pieceLen)
		blockCount, _ := BlocksInPiece(currPieceLen)
		blocks := make([]*block, blockCount)
		totalBlocks += blockCount

		for j := 0; j < int(blockCount); j++ {
			blocks[j] = &block{status: StatusWant}
		}

		lastBlockLen, _ := LastBlockInPiece(currPieceLen)

		pieces[i] = &pieceState{
			index:         uint32(i),
			status:        StatusWant,
			priority:      1,
			length:        currPieceLen,
			verified:      false,
			blocks:        blocks,
			blockCount:    blockCount,
			hash:          pieceHashes[i],
			lastBlockSize: lastBlockLen,
		}
	}

	return &Manager{
		log:             logger,
		pieces:          pieces,
		pieceCount:      uint32(n),
		remainingBlocks: totalBlocks,
		lastPieceLength: lastPieceLen,
		endgameFloor:    endgameFloor,
		strategy:        strategy,
		availability:    newAvailabilityBucket(n, maxPeers),
		peerBitfields:   make(map[netip.AddrPort]bitfield.Bitfield),
		peerInflight:    make(map[netip.AddrPort]uint32),
	}, nil
}

// HasPicker reports whether m is usable; a nil *Manager answers false so a
// pure-seed transfer can pass one around without every caller needing its
// own nil check.
func (m *Manager) HasPicker() bool { return m != nil }

func (m *Manager) PieceCount() uint32 {
	m.mut.RLock()
	defer m.mut.RUnlock()
	return m.pieceCount
}

func (m *Manager) PieceLength(pieceIdx uint32) uint32 {
	m.mut.RLock()
	defer m.mut.RUnlock()
	return m.pieces[pieceIdx].length
}

func (m *Manager) PieceHash(pieceIdx uint32) wire.Hash {
	m.mut.RLock()
	defer m.mut.RUnlock()
	return m.pieces[pieceIdx].hash
}

// HavePiece reports whether the picker has seen this piece fully verified.
func (m *Manager) HavePiece(pieceIdx uint32) bool {
	m.mut.RLock()
	defer m.mut.RUnlock()
	if pieceIdx >= m.pieceCount {
		return false
	}
	return m.pieces[pieceIdx].verified
}

// WeHave marks a piece verified and owned without running it through the
// normal block-by-block completion path — used when seeding from a
// pre-verified resume blob.
func (m *Manager) WeHave(pieceIdx uint32) {
	m.mut.Lock()
	defer m.mut.Unlock()
	if pieceIdx >= m.pieceCount {
		return
	}
	p := m.pieces[pieceIdx]
	if p.verified {
		return
	}
	for _, b := range p.blocks {
		if b.status != StatusDone {
			m.remainingBlocks--
		}
		b.status = StatusDone
		b.owners = nil
	}
	p.doneBlocks = p.blockCount
	p.status = StatusDone
	p.verified = true
}

// WeDontHave discards any progress on a piece, reopening every block for
// picking — used after a failed verification or a seed-mode demotion.
func (m *Manager) WeDontHave(pieceIdx uint32) {
	m.mut.Lock()
	defer m.mut.Unlock()
	if pieceIdx >= m.pieceCount {
		return
	}
	p := m.pieces[pieceIdx]
	for _, b := range p.blocks {
		if b.status == StatusDone {
			m.remainingBlocks++
		}
		b.status = StatusWant
		b.owners = nil
	}
	p.doneBlocks = 0
	p.status = StatusWant
	p.verified = false
}

// IsPieceFinished reports whether every block of pieceIdx is done or
// mid-write (spec.md §4.3: a block queued for disk write still counts,
// since its bytes have already left the network).
func (m *Manager) IsPieceFinished(pieceIdx uint32) bool {
	m.mut.RLock()
	defer m.mut.RUnlock()
	if pieceIdx >= m.pieceCount {
		return false
	}
	p := m.pieces[pieceIdx]
	if len(p.blocks) == 0 {
		return false
	}
	for _, b := range p.blocks {
		if b.status != StatusDone && b.status != StatusWriting {
			return false
		}
	}
	return true
}

// SetPriority sets a piece's picking priority in [0, MaxPriority].
func (m *Manager) SetPriority(pieceIdx uint32, priority uint8) {
	m.mut.Lock()
	defer m.mut.Unlock()
	if pieceIdx >= m.pieceCount {
		return
	}
	if priority > MaxPriority {
		priority = MaxPriority
	}
	m.pieces[pieceIdx].priority = priority
}

func (m *Manager) PieceStatus() []Status {
	m.mut.RLock()
	defer m.mut.RUnlock()
	states := make([]Status, m.pieceCount)
	for i, p := range m.pieces {
		states[i] = p.status
	}
	return states
}

// MarkRequested reserves blk for peer. Safe to call more than once for the
// same (peer, block) pair.
func (m *Manager) MarkRequested(peer netip.AddrPort, blk BlockInfo) {
	m.mut.Lock()
	defer m.mut.Unlock()
	b := m.blockAt(blk)
	if b == nil {
		return
	}
	for _, o := range b.owners {
		if o.peer == peer {
			return
		}
	}
	if b.status == StatusWant {
		m.remainingBlocks--
	}
	b.status = StatusInflight
	b.owners = append(b.owners, &blockOwner{peer: peer, requestedAt: time.Now()})
	m.pieces[blk.PieceIdx].status = StatusInflight
}

// MarkWriting transitions a fully received block to "writing", the state it
// holds while queued for the storage adapter.
func (m *Manager) MarkWriting(blk BlockInfo) {
	m.mut.Lock()
	defer m.mut.Unlock()
	b := m.blockAt(blk)
	if b == nil {
		return
	}
	b.status = StatusWriting
}

// MarkFinished marks blk done once storage confirms the write (and, at
// piece completion, the hash). Returns peers whose redundant (endgame)
// requests for the same block should now be cancelled.
func (m *Manager) MarkFinished(blk BlockInfo) []netip.AddrPort {
	m.mut.Lock()
	defer m.mut.Unlock()
	b := m.blockAt(blk)
	if b == nil || b.status == StatusDone {
		return nil
	}
	b.status = StatusDone
	m.pieces[blk.PieceIdx].doneBlocks++

	var redundant []netip.AddrPort
	for _, o := range b.owners {
		redundant = append(redundant, o.peer)
	}
	b.owners = nil

	if m.remainingBlocks <= m.endgameFloor {
		m.endgame = true
	}
	return redundant
}

// WriteFailed reverts blk from writing back to want and reopens its piece
// for picking, per spec.md §4.3.
func (m *Manager) WriteFailed(blk BlockInfo) {
	m.mut.Lock()
	defer m.mut.Unlock()
	b := m.blockAt(blk)
	if b == nil {
		return
	}
	if b.status == StatusDone {
		m.remainingBlocks++
	}
	b.status = StatusWant
	b.owners = nil
	m.pieces[blk.PieceIdx].status = StatusWant
}

// AbortDownload releases peer's reservation on blk, reopening it for
// picking if no other peer still holds it.
func (m *Manager) AbortDownload(peer netip.AddrPort, blk BlockInfo) {
	m.mut.Lock()
	defer m.mut.Unlock()
	b := m.blockAt(blk)
	if b == nil {
		return
	}
	n := len(b.owners)
	for i := 0; i < n; i++ {
		if b.owners[i].peer == peer {
			b.owners[i] = b.owners[n-1]
			b.owners = b.owners[:n-1]
			if b.status == StatusInflight {
				m.remainingBlocks++
			}
			break
		}
	}
	if len(b.owners) == 0 && b.status == StatusInflight {
		b.status = StatusWant
	}
}

// MarkPieceVerified records the storage layer's hash check of a piece. On
// failure every block is reopened for re-download.
func (m *Manager) MarkPieceVerified(pieceIdx uint32, ok bool) {
	m.mut.Lock()
	defer m.mut.Unlock()
	if pieceIdx >= m.pieceCount {
		return
	}
	p := m.pieces[pieceIdx]
	if p.verified {
		return
	}
	if ok {
		p.verified = true
		p.status = StatusDone
		if m.nextPiece == pieceIdx {
			m.nextPiece++
			m.nextBlock = 0
		}
		return
	}

	for _, b := range p.blocks {
		if b.status == StatusDone || b.status == StatusWriting {
			m.remainingBlocks++
		}
		b.status = StatusWant
		b.owners = nil
	}
	p.doneBlocks = 0
	p.status = StatusWant
}

// HaveBitmap returns one bit per piece, MSB-first and packed eight pieces
// to a byte (not one byte per piece): bit set means verified (spec.md
// §4.6 resume data, "per-piece have-bitmap").
func (m *Manager) HaveBitmap() bitfield.Bitfield {
	m.mut.RLock()
	defer m.mut.RUnlock()
	bf := bitfield.New(int(m.pieceCount))
	for _, p := range m.pieces {
		if p.verified {
			bf.Set(int(p.index))
		}
	}
	return bf
}

// UnfinishedPieceBlocks returns, for every piece with at least one done
// block but not yet verified, a bitmask of its done blocks (bit i = block i
// finished). Pieces with more than 64 blocks are skipped — the bitmask
// resume format only covers up to a 64-block piece (spec.md §4.6).
func (m *Manager) UnfinishedPieceBlocks() map[uint32]uint64 {
	m.mut.RLock()
	defer m.mut.RUnlock()

	out := make(map[uint32]uint64)
	for _, p := range m.pieces {
		if p.verified || p.doneBlocks == 0 || p.blockCount > 64 {
			continue
		}
		var mask uint64
		for bi, b := range p.blocks {
			if b.status == StatusDone {
				mask |= 1 << uint(bi)
			}
		}
		if mask != 0 {
			out[p.index] = mask
		}
	}
	return out
}

// RestoreUnfinishedBlocks marks the blocks named by mask as already done for
// pieceIdx, without promoting the piece to verified — used when reloading
// resume data so partially-downloaded pieces resume where they left off.
func (m *Manager) RestoreUnfinishedBlocks(pieceIdx uint32, mask uint64) {
	m.mut.Lock()
	defer m.mut.Unlock()
	if pieceIdx >= m.pieceCount {
		return
	}
	p := m.pieces[pieceIdx]
	for bi, b := range p.blocks {
		if mask&(1<<uint(bi)) == 0 {
			continue
		}
		if b.status != StatusDone {
			b.status = StatusDone
			p.doneBlocks++
			if m.remainingBlocks > 0 {
				m.remainingBlocks--
			}
		}
	}
	if p.doneBlocks > 0 {
		p.status = StatusInflight
	}
}

func (m *Manager) blockAt(blk BlockInfo) *block {
	if blk.PieceIdx >= m.pieceCount {
		return nil
	}
	p := m.pieces[blk.PieceIdx]
	bi, ok := BlockIndexForBegin(blk.Begin, p.length)
	if !ok || bi >= p.blockCount {
		return nil
	}
	return p.blocks[bi]
}

// OnPeerBitfield records a peer's full advertised bitfield and folds it
// into the rarest-first availability counts.
func (m *Manager) OnPeerBitfield(peer netip.AddrPort, bf bitfield.Bitfield) {
	m.peerMu.Lock()
	m.peerBitfields[peer] = bf
	m.peerMu.Unlock()

	for i := 0; i < bf.Len(); i++ {
		if bf.Has(i) {
			m.availability.Move(i, 1)
		}
	}
}

// OnPeerHave folds a single have_piece announcement into availability.
func (m *Manager) OnPeerHave(peer netip.AddrPort, pieceIdx uint32) {
	if pieceIdx >= m.pieceCount {
		return
	}
	m.peerMu.Lock()
	defer m.peerMu.Unlock()

	bf, ok := m.peerBitfields[peer]
	if !ok {
		bf = bitfield.New(int(m.pieceCount))
	}
	if bf.Has(int(pieceIdx)) {
		return
	}
	bf.Set(int(pieceIdx))
	m.peerBitfields[peer] = bf
	m.availability.Move(int(pieceIdx), 1)
}

// OnPeerGone releases every reservation peer held and reverses its
// contribution to availability.
func (m *Manager) OnPeerGone(peer netip.AddrPort) {
	m.mut.Lock()
	for _, p := range m.pieces {
		for _, b := range p.blocks {
			for i, o := range b.owners {
				if o.peer == peer {
					n := len(b.owners)
					b.owners[i] = b.owners[n-1]
					b.owners = b.owners[:n-1]
					if len(b.owners) == 0 && b.status == StatusInflight {
						b.status = StatusWant
						m.remainingBlocks++
					}
					break
				}
			}
		}
	}
	m.mut.Unlock()

	m.peerMu.Lock()
	bf, ok := m.peerBitfields[peer]
	delete(m.peerBitfields, peer)
	delete(m.peerInflight, peer)
	m.peerMu.Unlock()

	if ok {
		for i := 0; i < bf.Len(); i++ {
			if bf.Has(i) {
				m.availability.Move(i, -1)
			}
		}
	}
}
