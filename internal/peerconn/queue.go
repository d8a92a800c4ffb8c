package peerconn

import (
	"sync"
	"time"

	"ed2kcore/internal/piece"
)

const (
	// defaultDesiredQueueSize is the starting m_desired_queue_size before
	// any throughput sample has been taken.
	defaultDesiredQueueSize = 10

	// maxRequestRanges is the wire limit on ranges per request_parts packet
	// (spec.md §4.5: "up to three contiguous byte ranges per packet").
	maxRequestRanges = 3
)

type pendingRequest struct {
	blk         piece.BlockInfo
	requestedAt time.Time
}

// requestQueues holds the local peer's pipelining state (spec.md §4.5):
// blocks reserved from the picker but not yet on the wire
// (m_request_queue), blocks already wire-requested and awaiting bytes
// (m_download_queue), and the adaptive target queue depth
// (m_desired_queue_size).
type requestQueues struct {
	mu sync.Mutex

	reserved []piece.BlockInfo
	inflight map[piece.BlockInfo]*pendingRequest

	desired    uint32
	maxDesired uint32
}

func newRequestQueues(maxDesired uint32) *requestQueues {
	if maxDesired == 0 {
		maxDesired = 100
	}
	return &requestQueues{
		inflight:   make(map[piece.BlockInfo]*pendingRequest),
		desired:    defaultDesiredQueueSize,
		maxDesired: maxDesired,
	}
}

// Reserve appends freshly-picked blocks to m_request_queue.
func (q *requestQueues) Reserve(blocks []piece.BlockInfo) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.reserved = append(q.reserved, blocks...)
}

// Slots reports how many more blocks may be reserved before reaching the
// desired queue depth (reserved + in-flight counts against the budget).
func (q *requestQueues) Slots() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	have := len(q.reserved) + len(q.inflight)
	want := int(q.desired)
	if want <= have {
		return 0
	}
	return want - have
}

// NextBatch moves up to maxRequestRanges reserved blocks into the
// in-flight map and returns them as the payload for one request_parts
// packet. Returns nil if nothing is reserved.
func (q *requestQueues) NextBatch() []piece.BlockInfo {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.reserved) == 0 {
		return nil
	}

	n := maxRequestRanges
	if n > len(q.reserved) {
		n = len(q.reserved)
	}
	batch := append([]piece.BlockInfo(nil), q.reserved[:n]...)
	q.reserved = q.reserved[n:]

	now := time.Now()
	for _, b := range batch {
		q.inflight[b] = &pendingRequest{blk: b, requestedAt: now}
	}
	return batch
}

// Fulfil removes blk from m_download_queue once its bytes have fully
// arrived (or the request was cancelled).
func (q *requestQueues) Fulfil(blk piece.BlockInfo) {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.inflight, blk)
}

// TimedOut returns in-flight blocks whose request is older than timeout,
// for the caller to re-reserve or abandon.
func (q *requestQueues) TimedOut(timeout time.Duration) []piece.BlockInfo {
	q.mu.Lock()
	defer q.mu.Unlock()

	var out []piece.BlockInfo
	now := time.Now()
	for blk, pr := range q.inflight {
		if now.Sub(pr.requestedAt) > timeout {
			out = append(out, blk)
			delete(q.inflight, blk)
		}
	}
	return out
}

// GrowDesired recomputes m_desired_queue_size from a measured download
// rate (bytes/sec), bounded by maxDesired (spec.md §4.5: "dynamic; grows
// with measured download rate, bounded by a max").
func (q *requestQueues) GrowDesired(downloadRate uint64, blockLen uint32) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if blockLen == 0 {
		return
	}
	want := uint32(2 + downloadRate/uint64(blockLen))
	if want < defaultDesiredQueueSize {
		want = defaultDesiredQueueSize
	}
	if want > q.maxDesired {
		want = q.maxDesired
	}
	q.desired = want
}

// Reset clears both queues, returning every block they held — used on
// choke/disconnect so the caller can hand the blocks back to the picker
// (spec.md §4.5 implies abandonment on disconnect; mirrors
// piece.Manager.AbortDownload's per-(peer,block) release).
func (q *requestQueues) Reset() []piece.BlockInfo {
	q.mu.Lock()
	defer q.mu.Unlock()

	out := make([]piece.BlockInfo, 0, len(q.reserved)+len(q.inflight))
	out = append(out, q.reserved...)
	for _, pr := range q.inflight {
		out = append(out, pr.blk)
	}
	q.reserved = nil
	q.inflight = make(map[piece.BlockInfo]*pendingRequest)
	return out
}

func (q *requestQueues) InflightLen() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.inflight)
}

func (q *requestQueues) ReservedLen() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.reserved)
}
