package session

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/netip"

	"ed2kcore/internal/wire"
)

// KadHandler receives a raw Kademlia UDP datagram's payload (everything
// after the protocol byte) and the sender's address. The session never
// implements Kademlia itself (spec.md §1, "Kademlia DHT is mentioned but
// not part of the core spec"); this is only the demultiplexer seam the
// original's src/kademlia/find_data.cpp expects a UDP socket to provide.
type KadHandler func(from netip.AddrPort, payload []byte)

// kadDemux reads one shared UDP socket and routes datagrams tagged with
// wire.ProtocolKad to a registered handler, dropping everything else.
// Grounded on acceptLoop's listener-ownership shape: one goroutine owns
// the socket, Close tears it down, a nil handler is a valid "not wired up
// yet" default rather than an error.
type kadDemux struct {
	log     *slog.Logger
	conn    net.PacketConn
	handler KadHandler
}

func newKadDemux(addr string, log *slog.Logger, handler KadHandler) (*kadDemux, error) {
	conn, err := net.ListenPacket("udp", addr)
	if err != nil {
		return nil, err
	}
	return &kadDemux{log: log, conn: conn, handler: handler}, nil
}

func (d *kadDemux) close() error {
	return d.conn.Close()
}

// run reads datagrams until ctx is done or the socket errors. Datagrams
// whose first byte isn't wire.ProtocolKad are logged and discarded: this
// socket exists solely for the Kad handoff, not as a general UDP relay.
func (d *kadDemux) run(ctx context.Context) error {
	buf := make([]byte, 64*1024)
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		n, addr, err := d.conn.ReadFrom(buf)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return err
		}
		if n == 0 {
			continue
		}

		if wire.Protocol(buf[0]) != wire.ProtocolKad {
			d.log.Debug("dropping non-kad udp datagram", "from", addr, "first_byte", buf[0])
			continue
		}

		if d.handler == nil {
			continue
		}

		ap, err := netip.ParseAddrPort(addr.String())
		if err != nil {
			continue
		}
		payload := make([]byte, n-1)
		copy(payload, buf[1:n])
		d.handler(ap, payload)
	}
}
