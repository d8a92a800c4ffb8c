package server

import (
	"context"
	"net"
	"testing"
	"time"

	"ed2kcore/internal/wire"
)

func newTestConn(t *testing.T, clientConn net.Conn) *Conn {
	t.Helper()
	cfg := WithDefaultConfig()
	cfg.DialTimeout = 2 * time.Second

	c := NewConn(&Opts{
		Config:     cfg,
		Addr:       "test:4661",
		ClientHash: wire.Hash{0xAA},
		ListenPort: 4662,
	})
	c.conn = clientConn
	c.state = StateConnecting
	return c
}

func TestLoginReachesOnlineOnIDChange(t *testing.T) {
	clientConn, serverConn := net.Pipe()
	defer serverConn.Close()

	c := newTestConn(t, clientConn)

	var gotOnline IDChange
	c.hooks.OnOnline = func(id IDChange) { gotOnline = id }

	done := make(chan error, 1)
	go func() {
		f, err := wire.ReadFrame(serverConn, 1<<20)
		if err != nil {
			done <- err
			return
		}
		if f.Opcode != wire.OpLoginRequest {
			done <- errUnexpectedOpcode(f.Opcode)
			return
		}
		idBody := EncodeIDChange(IDChange{ClientID: 0x12345, TCPFlags: 1})
		idFrame := &wire.Frame{Protocol: wire.ProtocolED2K, Opcode: wire.OpIDChange, Body: idBody}
		if _, err := idFrame.WriteTo(serverConn); err != nil {
			done <- err
			return
		}
		done <- nil
	}()

	if err := c.login(context.Background()); err != nil {
		t.Fatalf("login() error = %v", err)
	}
	if err := <-done; err != nil {
		t.Fatalf("fake server side error = %v", err)
	}

	if c.State() != StateOnline {
		t.Errorf("State() = %s, want %s", c.State(), StateOnline)
	}
	if c.ClientID() != 0x12345 {
		t.Errorf("ClientID() = %#x, want %#x", c.ClientID(), 0x12345)
	}
	if !c.LowID() {
		t.Errorf("LowID() = false, want true for client id 0x12345")
	}
	if gotOnline.ClientID != 0x12345 {
		t.Errorf("OnOnline hook got ClientID = %#x, want %#x", gotOnline.ClientID, 0x12345)
	}
}

func TestLoginRejected(t *testing.T) {
	clientConn, serverConn := net.Pipe()
	defer serverConn.Close()

	c := newTestConn(t, clientConn)

	go func() {
		_, _ = wire.ReadFrame(serverConn, 1<<20)
		f := &wire.Frame{Protocol: wire.ProtocolED2K, Opcode: wire.OpReject}
		_, _ = f.WriteTo(serverConn)
	}()

	if err := c.login(context.Background()); err == nil {
		t.Fatalf("login() error = nil, want rejection error")
	}
}

type errUnexpectedOpcode uint8

func (e errUnexpectedOpcode) Error() string { return "unexpected opcode" }
