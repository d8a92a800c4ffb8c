package peerconn

import (
	"context"
	"net/netip"
	"sort"
	"sync"
	"time"

	"ed2kcore/internal/wire"
)

// UploadManager gates upload-slot access across every connection attached
// to one transfer (spec.md §4.5, "Upload side": "newly-contacted peers are
// queued; an accept_upload is sent when their slot opens; a queue_ranking
// is sent periodically to advertise position"). It is deliberately
// transfer-scoped rather than connection-scoped, since ranking only makes
// sense relative to other waiting peers.
type UploadManager struct {
	slots int

	mu      sync.Mutex
	waiting map[netip.AddrPort]*waiter
	active  map[netip.AddrPort]*Conn
}

type waiter struct {
	conn     *Conn
	queuedAt time.Time
}

// Run ticks Rechoke at period until ctx is cancelled (teacher's
// internal/peer/swarm.go chokeLoop idiom, applied to ed2k's queue ranking
// instead of BitTorrent's choke/unchoke).
func (u *UploadManager) Run(ctx context.Context, period time.Duration) {
	ticker := time.NewTicker(period)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			u.Rechoke()
		}
	}
}

func NewUploadManager(slots int) *UploadManager {
	if slots <= 0 {
		slots = 1
	}
	return &UploadManager{
		slots:   slots,
		waiting: make(map[netip.AddrPort]*waiter),
		active:  make(map[netip.AddrPort]*Conn),
	}
}

// Enqueue registers c as wanting an upload slot; a no-op if it is already
// queued or active.
func (u *UploadManager) Enqueue(c *Conn) {
	u.mu.Lock()
	defer u.mu.Unlock()

	if _, ok := u.active[c.addr]; ok {
		return
	}
	if _, ok := u.waiting[c.addr]; ok {
		return
	}
	u.waiting[c.addr] = &waiter{conn: c, queuedAt: time.Now()}
}

// Remove drops c from both the waiting and active sets, e.g. on
// disconnect or cancel_transfer.
func (u *UploadManager) Remove(addr netip.AddrPort) {
	u.mu.Lock()
	defer u.mu.Unlock()
	delete(u.waiting, addr)
	delete(u.active, addr)
}

// Rechoke promotes the longest-waiting peers into active upload slots (up
// to the configured concurrency), sends accept_upload_req to any newly
// promoted connection, and queue_ranking to everyone still waiting.
func (u *UploadManager) Rechoke() {
	u.mu.Lock()
	defer u.mu.Unlock()

	for addr, c := range u.active {
		if c.State() == StateClosed {
			delete(u.active, addr)
		}
	}

	free := u.slots - len(u.active)
	if free > 0 {
		ordered := make([]*waiter, 0, len(u.waiting))
		for _, w := range u.waiting {
			ordered = append(ordered, w)
		}
		sort.Slice(ordered, func(i, j int) bool {
			return ordered[i].queuedAt.Before(ordered[j].queuedAt)
		})

		for i := 0; i < len(ordered) && free > 0; i++ {
			w := ordered[i]
			delete(u.waiting, w.conn.addr)
			u.active[w.conn.addr] = w.conn
			free--
			w.conn.enqueue(frame(wire.ProtocolED2K, wire.OpAcceptUploadReq, nil))
		}
	}

	rank := 1
	ordered := make([]*waiter, 0, len(u.waiting))
	for _, w := range u.waiting {
		ordered = append(ordered, w)
	}
	sort.Slice(ordered, func(i, j int) bool {
		return ordered[i].queuedAt.Before(ordered[j].queuedAt)
	})
	for _, w := range ordered {
		w.conn.enqueue(frame(wire.ProtocolED2K, wire.OpQueueRanking, EncodeQueueRanking(uint16(rank))))
		rank++
	}
}
