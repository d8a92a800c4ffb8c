package transfer

import (
	"net/netip"
	"sync"
	"time"

	"ed2kcore/internal/peerconn"
)

// peerRecord is one known candidate/connection the policy tracks. Records
// live in a slab (policy.records) addressed by a 32-bit index rather than a
// pointer, per spec.md §9 Design Note 2: "replace C++ intrusive pointers
// with an arena {slab of peer records; free list} and 32-bit indices,
// avoiding cyclic owning references to connections."
type peerRecord struct {
	addr       netip.AddrPort
	conn       *peerconn.Conn
	banned     bool
	failCount  int
	lastTriedAt time.Time
	inUse      bool
}

const noIndex uint32 = ^uint32(0)

// Policy maintains the peer candidate list for one transfer: dedup by
// endpoint, a slab+free-list arena of peerRecords, and connect-candidate
// selection gated by the session's half-open throttle (the caller, not
// Policy, owns that throttle — Policy only ever hands back one candidate
// at a time). Grounded on the teacher's Swarm.peers map, generalized from
// a plain map into the arena spec.md's Design Note 2 calls for.
type Policy struct {
	mu      sync.Mutex
	records []peerRecord
	free    []uint32
	byAddr  map[netip.AddrPort]uint32
}

func NewPolicy() *Policy {
	return &Policy{byAddr: make(map[netip.AddrPort]uint32)}
}

// AddCandidate registers addr as a known endpoint for this transfer if it
// isn't already tracked. Returns false if addr is a duplicate.
func (p *Policy) AddCandidate(addr netip.AddrPort) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, ok := p.byAddr[addr]; ok {
		return false
	}

	idx := p.allocLocked()
	p.records[idx] = peerRecord{addr: addr, inUse: true}
	p.byAddr[addr] = idx
	return true
}

func (p *Policy) allocLocked() uint32 {
	if n := len(p.free); n > 0 {
		idx := p.free[n-1]
		p.free = p.free[:n-1]
		return idx
	}
	p.records = append(p.records, peerRecord{})
	return uint32(len(p.records) - 1)
}

// SelectConnectCandidate returns one endpoint eligible for a new outgoing
// connection — conn == nil and not banned — or ok=false if every known
// candidate is either connected, banned, or there are none left
// (spec.md §4.6: "Candidate eligibility requires connection == null and
// no active ban").
func (p *Policy) SelectConnectCandidate() (netip.AddrPort, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	var best *peerRecord
	for i := range p.records {
		r := &p.records[i]
		if !r.inUse || r.banned || r.conn != nil {
			continue
		}
		if best == nil || r.lastTriedAt.Before(best.lastTriedAt) {
			best = r
		}
	}
	if best == nil {
		return netip.AddrPort{}, false
	}
	best.lastTriedAt = time.Now()
	return best.addr, true
}

// Attach records that addr now has a live connection.
func (p *Policy) Attach(addr netip.AddrPort, c *peerconn.Conn) {
	p.mu.Lock()
	defer p.mu.Unlock()
	idx, ok := p.byAddr[addr]
	if !ok {
		idx = p.allocLocked()
		p.records[idx] = peerRecord{addr: addr, inUse: true}
		p.byAddr[addr] = idx
	}
	p.records[idx].conn = c
}

// Detach clears addr's live connection, e.g. on disconnect, freeing it up
// for a future reconnect attempt. failed=true increments the record's
// failure count; three consecutive failures auto-bans the candidate.
func (p *Policy) Detach(addr netip.AddrPort, failed bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	idx, ok := p.byAddr[addr]
	if !ok {
		return
	}
	p.records[idx].conn = nil
	if failed {
		p.records[idx].failCount++
		if p.records[idx].failCount >= 3 {
			p.records[idx].banned = true
		}
	} else {
		p.records[idx].failCount = 0
	}
}

// Ban marks addr ineligible for future connect attempts.
func (p *Policy) Ban(addr netip.AddrPort) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if idx, ok := p.byAddr[addr]; ok {
		p.records[idx].banned = true
	}
}

// Remove frees addr's slab slot entirely, returning it to the free list.
func (p *Policy) Remove(addr netip.AddrPort) {
	p.mu.Lock()
	defer p.mu.Unlock()
	idx, ok := p.byAddr[addr]
	if !ok {
		return
	}
	delete(p.byAddr, addr)
	p.records[idx] = peerRecord{}
	p.free = append(p.free, idx)
}

// Connections returns every currently-attached connection (for broadcast
// operations like pause's "disconnect all peers").
func (p *Policy) Connections() []*peerconn.Conn {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]*peerconn.Conn, 0, len(p.byAddr))
	for _, idx := range p.byAddr {
		if c := p.records[idx].conn; c != nil {
			out = append(out, c)
		}
	}
	return out
}

// Get returns the live connection attached to addr, if any.
func (p *Policy) Get(addr netip.AddrPort) (*peerconn.Conn, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	idx, ok := p.byAddr[addr]
	if !ok || p.records[idx].conn == nil {
		return nil, false
	}
	return p.records[idx].conn, true
}

// Count reports how many candidates the policy is tracking in total and how
// many currently have a live connection.
func (p *Policy) Count() (tracked, connected int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	tracked = len(p.byAddr)
	for _, idx := range p.byAddr {
		if p.records[idx].conn != nil {
			connected++
		}
	}
	return
}
