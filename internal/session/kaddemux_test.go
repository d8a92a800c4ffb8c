package session

import (
	"context"
	"log/slog"
	"net"
	"net/netip"
	"sync"
	"testing"
	"time"

	"ed2kcore/internal/wire"
)

func TestKadDemuxRoutesTaggedDatagrams(t *testing.T) {
	var (
		mu  sync.Mutex
		got []byte
		from netip.AddrPort
	)

	d, err := newKadDemux("127.0.0.1:0", slog.Default(), func(addr netip.AddrPort, payload []byte) {
		mu.Lock()
		defer mu.Unlock()
		got = payload
		from = addr
	})
	if err != nil {
		t.Fatalf("newKadDemux() error = %v", err)
	}
	defer d.close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan struct{})
	go func() {
		_ = d.run(ctx)
		close(done)
	}()

	sender, err := net.Dial("udp", d.conn.LocalAddr().String())
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	defer sender.Close()

	msg := append([]byte{byte(wire.ProtocolKad)}, []byte("ping")...)
	if _, err := sender.Write(msg); err != nil {
		t.Fatalf("Write() error = %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		mu.Lock()
		gotLen := len(got)
		mu.Unlock()
		if gotLen > 0 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	mu.Lock()
	defer mu.Unlock()
	if string(got) != "ping" {
		t.Fatalf("handler payload = %q, want %q", got, "ping")
	}
	if !from.IsValid() {
		t.Fatalf("handler address = invalid, want sender address")
	}

	cancel()
	<-done
}

func TestKadDemuxDropsUntaggedDatagrams(t *testing.T) {
	called := make(chan struct{}, 1)
	d, err := newKadDemux("127.0.0.1:0", slog.Default(), func(netip.AddrPort, []byte) {
		called <- struct{}{}
	})
	if err != nil {
		t.Fatalf("newKadDemux() error = %v", err)
	}
	defer d.close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go d.run(ctx)

	sender, err := net.Dial("udp", d.conn.LocalAddr().String())
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	defer sender.Close()

	if _, err := sender.Write([]byte{byte(wire.ProtocolED2K), 'x'}); err != nil {
		t.Fatalf("Write() error = %v", err)
	}

	select {
	case <-called:
		t.Fatalf("handler invoked for non-kad datagram")
	case <-time.After(200 * time.Millisecond):
	}
}

func TestKadDemuxNilHandlerDoesNotPanic(t *testing.T) {
	d, err := newKadDemux("127.0.0.1:0", slog.Default(), nil)
	if err != nil {
		t.Fatalf("newKadDemux() error = %v", err)
	}
	defer d.close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go d.run(ctx)

	sender, err := net.Dial("udp", d.conn.LocalAddr().String())
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	defer sender.Close()

	msg := append([]byte{byte(wire.ProtocolKad)}, []byte("x")...)
	if _, err := sender.Write(msg); err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	time.Sleep(100 * time.Millisecond)
}
