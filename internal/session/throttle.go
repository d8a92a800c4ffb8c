package session

import (
	"context"
	"net"
	"sync/atomic"
)

// halfOpen bounds the number of concurrent connecting (not yet
// established) outbound sockets, wrapping every dial the session or a
// transfer's policy initiates (spec.md §5, "Half-open throttle: global cap
// on concurrent connecting sockets to avoid OS connection-table
// exhaustion").
type halfOpen struct {
	slots    chan struct{}
	inFlight atomic.Int32
}

func newHalfOpen(capacity int) *halfOpen {
	if capacity <= 0 {
		capacity = platformHalfOpenDefault()
	}
	return &halfOpen{slots: make(chan struct{}, capacity)}
}

func (h *halfOpen) Capacity() int { return cap(h.slots) }
func (h *halfOpen) InFlight() int { return int(h.inFlight.Load()) }

// Dial acquires a throttle slot, dials addr, then releases the slot
// regardless of outcome — the slot represents the connecting window, not
// the established connection's lifetime.
func (h *halfOpen) Dial(ctx context.Context, dialer *net.Dialer, network, addr string) (net.Conn, error) {
	select {
	case h.slots <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	h.inFlight.Add(1)
	defer func() {
		h.inFlight.Add(-1)
		<-h.slots
	}()

	return dialer.DialContext(ctx, network, addr)
}
