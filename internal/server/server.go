// Package server implements the ed2k index-server session (spec.md §4.7,
// C7): resolve, connect, login, then a steady-state TCP connection that
// dispatches server-pushed notifications and carries outbound announce,
// search and source-lookup requests. Grounded on the teacher's
// internal/tracker/tracker.go connection lifecycle (tiered endpoints,
// errgroup-wrapped Run, atomic Stats, backoff-on-failure), generalized from
// BitTorrent's stateless announce/response into ed2k's persistent
// logged-in session.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"ed2kcore/internal/errs"
	"ed2kcore/internal/wire"
)

// Hooks lets the owning session observe this connection's steady-state
// traffic without server importing the session package, mirroring
// peerconn.Hooks and transfer's hook wiring.
type Hooks struct {
	OnOnline             func(IDChange)
	OnServerStatus       func(ServerStatus)
	OnServerMessage      func(string)
	OnServerIdent        func(ServerIdent)
	OnSearchResult       func([]SearchResultEntry)
	OnFoundSources       func(FoundSources)
	OnCallbackRequested  func(CallbackRequested)
	OnDisconnect         func(error)
}

// Opts constructs a Conn. Addr is the index server's "host:port"; Conn
// resolves and dials it itself (unlike peerconn.NewConn, which expects an
// already-connected socket) since resolve/connect are phases this
// component owns directly, per spec.md §4.7.
type Opts struct {
	Config     *Config
	Log        *slog.Logger
	Addr       string
	ClientHash wire.Hash
	ListenPort uint16
	Hooks      Hooks
}

// Stats are atomic counters safe to read concurrently with Run's goroutines.
type Stats struct {
	FramesSent     atomic.Uint64
	FramesReceived atomic.Uint64
	Errors         atomic.Uint64
	ConnectedAt    atomic.Int64
}

// Conn is a single logged-in TCP session to one configured index server.
type Conn struct {
	cfg        *Config
	log        *slog.Logger
	addr       string
	clientHash wire.Hash
	listenPort uint16
	hooks      Hooks
	stats      *Stats

	conn net.Conn

	stateMu sync.RWMutex
	state   State

	clientID atomic.Uint32
	tcpFlags atomic.Uint32
	lowID    atomic.Bool

	outbox    chan *wire.Frame
	lastSend  atomic.Int64
	cancel    context.CancelFunc
	closeOnce sync.Once
	stopped   atomic.Bool
}

func NewConn(opts *Opts) *Conn {
	cfg := opts.Config
	if cfg == nil {
		cfg = WithDefaultConfig()
	}
	log := opts.Log
	if log == nil {
		log = slog.Default()
	}
	return &Conn{
		cfg:        cfg,
		log:        log.With("component", "server", "addr", opts.Addr),
		addr:       opts.Addr,
		clientHash: opts.ClientHash,
		listenPort: opts.ListenPort,
		hooks:      opts.Hooks,
		stats:      &Stats{},
		state:      StateResolving,
		outbox:     make(chan *wire.Frame, 32),
	}
}

func (c *Conn) State() State {
	c.stateMu.RLock()
	defer c.stateMu.RUnlock()
	return c.state
}

func (c *Conn) setState(s State) error {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	if !canTransition(c.state, s) {
		return fmt.Errorf("server: illegal transition %s -> %s", c.state, s)
	}
	c.state = s
	return nil
}

// ClientID returns the id assigned by id_change; 0 before login completes.
func (c *Conn) ClientID() uint32 { return c.clientID.Load() }

// LowID reports whether our assigned id disables direct incoming
// connections, gating which sentinel endpoint offer_files advertises
// (spec.md §4.7 step 3, §6).
func (c *Conn) LowID() bool { return c.lowID.Load() }

func (c *Conn) Stats() *Stats { return c.stats }

// Run drives resolve→connect→login, then the steady-state read/write/
// keep-alive loops until ctx is cancelled or the connection fails.
func (c *Conn) Run(ctx context.Context) error {
	defer c.Close()

	ctx, cancel := context.WithCancel(ctx)
	c.cancel = cancel

	if err := c.connect(ctx); err != nil {
		return err
	}
	if err := c.login(ctx); err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return c.readLoop(gctx) })
	g.Go(func() error { return c.writeLoop(gctx) })
	g.Go(func() error { return c.keepAliveLoop(gctx) })

	err := g.Wait()
	if c.hooks.OnDisconnect != nil {
		c.hooks.OnDisconnect(err)
	}
	return err
}

// connect resolves the index server's hostname then dials it (spec.md
// §4.7 step 1-2); a resolve failure never attempts the dial.
func (c *Conn) connect(ctx context.Context) error {
	if err := c.setState(StateResolving); err != nil {
		return err
	}
	host, _, err := net.SplitHostPort(c.addr)
	if err != nil {
		return errs.Wrap("server.connect", errs.KindInvalidProtocolType, err)
	}
	if _, err := net.DefaultResolver.LookupHost(ctx, host); err != nil {
		return errs.Wrap("server.connect", errs.KindTimedOut, err)
	}

	if err := c.setState(StateConnecting); err != nil {
		return err
	}
	dialer := net.Dialer{Timeout: c.cfg.DialTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", c.addr)
	if err != nil {
		return errs.Wrap("server.connect", errs.KindTimedOut, err)
	}
	c.conn = conn
	c.stats.ConnectedAt.Store(time.Now().Unix())
	return nil
}

// login sends login_request and blocks for id_change, tolerating
// server_message/server_status arriving first (spec.md §4.7 step 2-3).
func (c *Conn) login(ctx context.Context) error {
	if err := c.setState(StateLoggingIn); err != nil {
		return err
	}

	networkPoint := netip.AddrPort{}
	if ap, err := netip.ParseAddrPort(c.conn.LocalAddr().String()); err == nil {
		networkPoint = netip.AddrPortFrom(ap.Addr(), c.listenPort)
	}

	body := EncodeLoginRequest(LoginRequest{
		ClientHash:   c.clientHash,
		NetworkPoint: networkPoint,
		Name:         c.cfg.ClientName,
		Version:      c.cfg.ClientVersion,
		Port:         c.listenPort,
	})
	if err := c.writeFrame(&wire.Frame{Protocol: wire.ProtocolED2K, Opcode: wire.OpLoginRequest, Body: body}); err != nil {
		return err
	}

	deadline := time.Now().Add(c.cfg.DialTimeout)
	for {
		if time.Now().After(deadline) {
			return errs.New("server.login", errs.KindTimedOut)
		}
		_ = c.conn.SetReadDeadline(deadline)
		f, err := wire.ReadFrame(c.conn, c.cfg.MaxBodySize)
		if err != nil {
			return errs.Wrap("server.login", errs.KindTimedOut, err)
		}
		if f == nil {
			continue
		}

		switch f.Opcode {
		case wire.OpIDChange:
			id, err := DecodeIDChange(f.Body)
			if err != nil {
				return errs.Wrap("server.login", errs.KindDecodePacketError, err)
			}
			c.clientID.Store(id.ClientID)
			c.tcpFlags.Store(id.TCPFlags)
			c.lowID.Store(id.LowID())
			if err := c.setState(StateOnline); err != nil {
				return err
			}
			if c.hooks.OnOnline != nil {
				c.hooks.OnOnline(id)
			}
			return nil
		case wire.OpReject:
			return errs.New("server.login", errs.KindSelfConnection)
		case wire.OpServerMessage:
			if msg, err := DecodeServerMessage(f.Body); err == nil && c.hooks.OnServerMessage != nil {
				c.hooks.OnServerMessage(msg)
			}
		case wire.OpServerStatus:
			if st, err := DecodeServerStatus(f.Body); err == nil && c.hooks.OnServerStatus != nil {
				c.hooks.OnServerStatus(st)
			}
		}
	}
}

func (c *Conn) Close() {
	c.closeOnce.Do(func() {
		c.stopped.Store(true)
		if c.cancel != nil {
			c.cancel()
		}
		if c.conn != nil {
			_ = c.conn.Close()
		}
		close(c.outbox)
		_ = c.setState(StateDisconnecting)
		_ = c.setState(StateClosed)
		c.log.Debug("server connection closed")
	})
}

// enqueue posts a frame for writeLoop to send; once online, send and
// keepAliveLoop both go through it, and writeFrame resets the keep-alive
// timer on every write.
func (c *Conn) enqueue(f *wire.Frame) bool {
	if c.stopped.Load() {
		return false
	}
	select {
	case c.outbox <- f:
		return true
	default:
		c.log.Warn("server outbox full, dropping frame", "opcode", f.Opcode)
		return false
	}
}

func (c *Conn) writeFrame(f *wire.Frame) error {
	_ = c.conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
	_, err := f.WriteTo(c.conn)
	if err == nil {
		c.lastSend.Store(time.Now().UnixNano())
		c.stats.FramesSent.Add(1)
	}
	return err
}

// OfferFiles announces the given shares (spec.md §4.7, "Outbound
// operations: offer_files").
func (c *Conn) OfferFiles(files []FileOffer) error {
	return c.send(wire.OpOfferFiles, EncodeOfferFiles(files))
}

// Search sends an already-compiled reverse-Polish search expression.
func (c *Conn) Search(expr []byte) error {
	return c.send(wire.OpSearchRequest, EncodeSearchRequest(expr))
}

// GetSources requests the peer list for one file hash.
func (c *Conn) GetSources(hash wire.Hash, size uint64) error {
	return c.send(wire.OpGetSources, EncodeGetSources(hash, size))
}

func (c *Conn) send(opcode uint8, body []byte) error {
	if c.State() != StateOnline {
		return errs.New("server.send", errs.KindSessionIsClosing)
	}
	if !c.enqueue(&wire.Frame{Protocol: wire.ProtocolED2K, Opcode: opcode, Body: body}) {
		return errors.New("server: outbox full")
	}
	return nil
}

func (c *Conn) readLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		_ = c.conn.SetReadDeadline(time.Now().Add(c.cfg.ReadTimeout))
		f, err := wire.ReadFrame(c.conn, c.cfg.MaxBodySize)
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			c.stats.Errors.Add(1)
			return err
		}
		if f == nil {
			continue
		}
		c.stats.FramesReceived.Add(1)
		c.dispatch(f)
	}
}

func (c *Conn) dispatch(f *wire.Frame) {
	switch f.Opcode {
	case wire.OpServerStatus:
		if st, err := DecodeServerStatus(f.Body); err == nil && c.hooks.OnServerStatus != nil {
			c.hooks.OnServerStatus(st)
		}
	case wire.OpServerMessage:
		if msg, err := DecodeServerMessage(f.Body); err == nil && c.hooks.OnServerMessage != nil {
			c.hooks.OnServerMessage(msg)
		}
	case wire.OpServerIdent:
		if si, err := DecodeServerIdent(f.Body); err == nil && c.hooks.OnServerIdent != nil {
			c.hooks.OnServerIdent(si)
		}
	case wire.OpSearchResult:
		if res, err := DecodeSearchResult(f.Body); err == nil && c.hooks.OnSearchResult != nil {
			c.hooks.OnSearchResult(res)
		}
	case wire.OpFoundSources:
		if fs, err := DecodeFoundSources(f.Body); err == nil && c.hooks.OnFoundSources != nil {
			c.hooks.OnFoundSources(fs)
		}
	case wire.OpCallbackRequested:
		if cr, err := DecodeCallbackRequested(f.Body); err == nil && c.hooks.OnCallbackRequested != nil {
			c.hooks.OnCallbackRequested(cr)
		}
	default:
		c.log.Debug("unhandled server opcode", "opcode", f.Opcode)
	}
}

func (c *Conn) writeLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case f, ok := <-c.outbox:
			if !ok {
				return nil
			}
			if err := c.writeFrame(f); err != nil {
				c.stats.Errors.Add(1)
				return err
			}
		}
	}
}

// keepAliveLoop sends server_get_list whenever no outbound packet has gone
// out for a full KeepAliveInterval (spec.md §4.7, "Keep-alive").
func (c *Conn) keepAliveLoop(ctx context.Context) error {
	ticker := time.NewTicker(c.cfg.KeepAliveInterval / 4)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			last := time.Unix(0, c.lastSend.Load())
			if time.Since(last) < c.cfg.KeepAliveInterval {
				continue
			}
			c.enqueue(&wire.Frame{Protocol: wire.ProtocolED2K, Opcode: wire.OpGetServerList, Body: EncodeGetServerList()})
		}
	}
}
