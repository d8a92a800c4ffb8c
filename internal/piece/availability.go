package piece

import (
	"math/bits"
	"math/rand"
	"time"
)

// availabilityBucket tracks which pieces belong to each availability level
// (how many connected peers currently advertise that piece), giving rarest-
// first selection O(1)-amortized instead of a linear scan per pick.
//
// buckets[a] holds the dense list of piece indices at availability exactly
// a; moving a piece is a swap-with-last removal from its old bucket
// followed by an append to its new one, both O(1).
type availabilityBucket struct {
	buckets      [][]int
	avail        []uint16
	pos          []int
	maxAvail     int
	nonEmptyBits []uint64
	rng          *rand.Rand
}

func newAvailabilityBucket(pieceCount, maxAvail int) *availabilityBucket {
	if maxAvail < 1 {
		maxAvail = 1
	}
	b := &availabilityBucket{
		maxAvail:     maxAvail,
		buckets:      make([][]int, maxAvail+1),
		avail:        make([]uint16, pieceCount),
		pos:          make([]int, pieceCount),
		nonEmptyBits: make([]uint64, (maxAvail>>6)+1),
		rng:          rand.New(rand.NewSource(time.Now().UnixNano())),
	}

	b.buckets[0] = make([]int, pieceCount)
	for i := 0; i < pieceCount; i++ {
		b.buckets[0][i] = i
		b.pos[i] = i
	}
	if pieceCount > 0 {
		b.setBit(0)
	}
	return b
}

// FirstNonEmpty returns the smallest availability level with at least one
// piece in it.
func (b *availabilityBucket) FirstNonEmpty() (int, bool) {
	for w := 0; w < len(b.nonEmptyBits); w++ {
		if x := b.nonEmptyBits[w]; x != 0 {
			return w<<6 + bits.TrailingZeros64(x), true
		}
	}
	return 0, false
}

// Bucket returns a copy of the piece indices at availability level a.
func (b *availabilityBucket) Bucket(a int) []int {
	if a < 0 || a > b.maxAvail {
		return nil
	}
	return append([]int(nil), b.buckets[a]...)
}

// Move changes piece i's availability count by delta (+1 on a peer
// advertising it, -1 on that peer disconnecting).
func (b *availabilityBucket) Move(i, delta int) {
	if i < 0 || i >= len(b.avail) {
		return
	}
	oldA := int(b.avail[i])
	newA := oldA + delta
	if newA < 0 {
		newA = 0
	}
	if newA > b.maxAvail {
		newA = b.maxAvail
	}
	if newA == oldA {
		return
	}

	b.removeFrom(i, oldA)
	b.addTo(i, newA)
	b.avail[i] = uint16(newA)
}

func (b *availabilityBucket) removeFrom(i, avail int) {
	pos := b.pos[i]
	bucket := b.buckets[avail]
	last := len(bucket) - 1
	bucket[pos] = bucket[last]
	b.pos[bucket[pos]] = pos
	bucket = bucket[:last]
	b.buckets[avail] = bucket
	if len(bucket) == 0 {
		b.clearBit(avail)
	}
}

// addTo inserts piece i into bucket avail, shuffling its position so ties at
// the same availability level aren't always served in piece-index order.
func (b *availabilityBucket) addTo(i, avail int) {
	bucket := append(b.buckets[avail], i)
	idx := len(bucket) - 1
	if idx > 0 {
		j := b.rng.Intn(idx + 1)
		bucket[idx], bucket[j] = bucket[j], bucket[idx]
		b.pos[bucket[idx]] = idx
		b.pos[bucket[j]] = j
	} else {
		b.pos[i] = 0
	}
	b.buckets[avail] = bucket
	b.setBit(avail)
}

func (b *availabilityBucket) setBit(a int) {
	w, bit := a>>6, uint(a&63)
	b.nonEmptyBits[w] |= 1 << bit
}

func (b *availabilityBucket) clearBit(a int) {
	w, bit := a>>6, uint(a&63)
	b.nonEmptyBits[w] &^= 1 << bit
}
