package piece

import (
	"net/netip"
	"time"
)

// PickBlocks returns up to count blocks to request from peer, implementing
// spec.md §4.3's pick_blocks: biased first toward finishing pieces already
// in progress, then toward new pieces under the configured Strategy. Once
// the picker has entered endgame (remaining blocks at or below
// endgameFloor) it instead returns additional requests for blocks already
// in flight so the last few blocks finish as soon as any one peer delivers
// them.
func (m *Manager) PickBlocks(peer PeerView, count int) []BlockInfo {
	if !peer.Unchoked || count <= 0 {
		return nil
	}

	m.mut.Lock()
	endgame := m.endgame
	m.mut.Unlock()

	if endgame {
		return m.pickEndgameBlocks(peer, count)
	}

	out := m.pickInProgressBlocks(peer, count)
	if len(out) >= count {
		return out
	}

	remaining := count - len(out)
	var more []BlockInfo
	switch m.strategy {
	case StrategySequential:
		more = m.pickSequential(peer, remaining)
	case StrategyRandom:
		more = m.pickRandom(peer, remaining)
	default:
		more = m.pickRarestFirst(peer, remaining)
	}
	return append(out, more...)
}

// pickInProgressBlocks finishes pieces that already have at least one done
// block before starting anything new, so partially downloaded pieces
// complete (and can be hashed and written) sooner.
func (m *Manager) pickInProgressBlocks(peer PeerView, count int) []BlockInfo {
	m.mut.Lock()
	defer m.mut.Unlock()

	out := make([]BlockInfo, 0, count)
	for _, p := range m.pieces {
		if len(out) >= count {
			break
		}
		if p.verified || p.priority == 0 || p.doneBlocks == 0 || !peer.Bitfield.Has(int(p.index)) {
			continue
		}
		for bi, b := range p.blocks {
			if len(out) >= count {
				break
			}
			if b.status != StatusWant {
				continue
			}
			out = append(out, m.reserveLocked(peer.Addr, p, uint32(bi)))
		}
	}
	return out
}

func (m *Manager) pickSequential(peer PeerView, count int) []BlockInfo {
	m.mut.Lock()
	defer m.mut.Unlock()

	out := make([]BlockInfo, 0, count)
	for m.nextPiece < m.pieceCount && len(out) < count {
		p := m.pieces[m.nextPiece]
		if p.verified || p.priority == 0 || !peer.Bitfield.Has(int(p.index)) {
			m.nextPiece++
			m.nextBlock = 0
			continue
		}
		for bi := m.nextBlock; bi < p.blockCount && len(out) < count; bi++ {
			if p.blocks[bi].status != StatusWant {
				continue
			}
			out = append(out, m.reserveLocked(peer.Addr, p, bi))
			m.nextBlock = bi + 1
		}
		if m.nextBlock >= p.blockCount || len(out) < count {
			m.nextPiece++
			m.nextBlock = 0
		}
	}
	return out
}

func (m *Manager) pickRandom(peer PeerView, count int) []BlockInfo {
	m.mut.Lock()
	defer m.mut.Unlock()

	candidates := make([]uint32, 0, m.pieceCount)
	for _, p := range m.pieces {
		if !p.verified && p.priority > 0 && peer.Bitfield.Has(int(p.index)) {
			candidates = append(candidates, p.index)
		}
	}

	out := make([]BlockInfo, 0, count)
	for _, idx := range candidates {
		if len(out) >= count {
			break
		}
		p := m.pieces[idx]
		for bi, b := range p.blocks {
			if len(out) >= count {
				break
			}
			if b.status != StatusWant {
				continue
			}
			out = append(out, m.reserveLocked(peer.Addr, p, uint32(bi)))
		}
	}
	return out
}

func (m *Manager) pickRarestFirst(peer PeerView, count int) []BlockInfo {
	m.mut.Lock()
	defer m.mut.Unlock()

	out := make([]BlockInfo, 0, count)
	start, ok := m.availability.FirstNonEmpty()
	if !ok {
		return out
	}

	for a := start; a <= m.availability.maxAvail && len(out) < count; a++ {
		for _, idx := range m.availability.Bucket(a) {
			if len(out) >= count {
				break
			}
			p := m.pieces[idx]
			if p.verified || p.priority == 0 || !peer.Bitfield.Has(int(p.index)) {
				continue
			}
			for bi, b := range p.blocks {
				if len(out) >= count {
					break
				}
				if b.status != StatusWant {
					continue
				}
				out = append(out, m.reserveLocked(peer.Addr, p, uint32(bi)))
			}
		}
	}
	return out
}

// pickEndgameBlocks re-requests blocks already in flight (but not yet
// writing or done) from peer, skipping any block peer already holds a
// reservation on, so the last few blocks of a transfer race to completion.
func (m *Manager) pickEndgameBlocks(peer PeerView, count int) []BlockInfo {
	m.mut.Lock()
	defer m.mut.Unlock()

	out := make([]BlockInfo, 0, count)
	for _, p := range m.pieces {
		if len(out) >= count {
			break
		}
		if p.verified || !peer.Bitfield.Has(int(p.index)) {
			continue
		}
		for bi, b := range p.blocks {
			if len(out) >= count {
				break
			}
			if b.status != StatusInflight {
				continue
			}
			alreadyOurs := false
			for _, o := range b.owners {
				if o.peer == peer.Addr {
					alreadyOurs = true
					break
				}
			}
			if alreadyOurs {
				continue
			}
			begin, length, ok := BlockBounds(p.length, uint32(bi))
			if !ok {
				continue
			}
			b.owners = append(b.owners, &blockOwner{peer: peer.Addr, requestedAt: time.Now()})
			out = append(out, BlockInfo{PieceIdx: p.index, Begin: begin, Length: length})
		}
	}
	return out
}

// reserveLocked assigns block bi of piece p to peer. Caller must hold m.mut.
func (m *Manager) reserveLocked(peer netip.AddrPort, p *pieceState, bi uint32) BlockInfo {
	begin, length, _ := BlockBounds(p.length, bi)
	b := p.blocks[bi]
	b.status = StatusInflight
	b.owners = append(b.owners, &blockOwner{peer: peer, requestedAt: time.Now()})
	p.status = StatusInflight
	if m.remainingBlocks > 0 {
		m.remainingBlocks--
	}
	return BlockInfo{PieceIdx: p.index, Begin: begin, Length: length}
}
