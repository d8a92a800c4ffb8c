// Package session implements the single-threaded event-loop owner (spec.md
// §4.8, C8): the listener/acceptor, the half-open-connect throttle, the
// per-second and per-minute timers, and attach dispatch for newly accepted
// peer connections. Grounded on the teacher's internal/torrent/client.go
// Client (hash-keyed maps, RWMutex, errgroup-driven Run), generalized from
// a GUI-bound torrent registry into the protocol-level reactor spec.md §5
// describes.
package session

import (
	"context"
	"log/slog"
	"net"
	"net/netip"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"ed2kcore/internal/alert"
	"ed2kcore/internal/errs"
	"ed2kcore/internal/peerconn"
	"ed2kcore/internal/piece"
	"ed2kcore/internal/transfer"
	"ed2kcore/internal/wire"
)

// Hooks lets the embedder observe session-level events without session
// importing the server/search packages that would otherwise act on them,
// mirroring peerconn.Hooks/transfer's hook wiring.
type Hooks struct {
	// OnNeedMorePeers fires once per minute for each transfer whose
	// candidate policy has gone empty (spec.md §4.8, "per-minute timer
	// used by transfers to ask for more peers").
	OnNeedMorePeers func(fileHash wire.Hash)
}

// Opts constructs a Session.
type Opts struct {
	Config     *Config
	Log        *slog.Logger
	ClientHash wire.Hash
	Alerts     *alert.Queue // optional; a default bounded queue is created if nil
	Hooks      Hooks

	// KadHandler receives Kademlia-tagged UDP datagrams when
	// Config.KadListenAddr is set. Nil leaves them demultiplexed but
	// discarded, matching spec.md §1's exclusion of DHT logic itself.
	KadHandler KadHandler
}

// Session is the event-loop owner: one listener, one half-open throttle,
// the registry of active transfers, and the timers that drive them.
type Session struct {
	cfg        *Config
	log        *slog.Logger
	clientHash wire.Hash
	alerts     *alert.Queue
	hooks      Hooks
	halfOpen   *halfOpen
	kadHandler KadHandler

	listener   net.Listener
	listenPort atomic.Uint32
	kad        *kadDemux

	mu        sync.RWMutex
	transfers map[wire.Hash]*transfer.Transfer

	cancel    context.CancelFunc
	wg        sync.WaitGroup
	closeOnce sync.Once
	stopped   atomic.Bool
}

func NewSession(opts *Opts) *Session {
	cfg := opts.Config
	if cfg == nil {
		cfg = WithDefaultConfig()
	}
	log := opts.Log
	if log == nil {
		log = slog.Default()
	}
	alerts := opts.Alerts
	if alerts == nil {
		alerts = alert.NewQueue(cfg.AlertQueueCapacity, log, nil)
	}

	return &Session{
		cfg:        cfg,
		log:        log.With("component", "session"),
		clientHash: opts.ClientHash,
		alerts:     alerts,
		hooks:      opts.Hooks,
		halfOpen:   newHalfOpen(cfg.HalfOpenLimit),
		kadHandler: opts.KadHandler,
		transfers:  make(map[wire.Hash]*transfer.Transfer),
	}
}

func (s *Session) Alerts() *alert.Queue { return s.alerts }

// ListenPort reports the TCP port actually bound once Run has started the
// listener (0 before that).
func (s *Session) ListenPort() uint16 { return uint16(s.listenPort.Load()) }

// AddTransfer registers t and starts driving it; its lifetime is tracked
// so Run's shutdown waits for it to unwind.
func (s *Session) AddTransfer(ctx context.Context, t *transfer.Transfer) {
	s.mu.Lock()
	s.transfers[t.FileHash()] = t
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		_ = t.Run(ctx)
	}()
}

// RemoveTransfer stops and unregisters the transfer for hash, if any.
func (s *Session) RemoveTransfer(hash wire.Hash) {
	s.mu.Lock()
	t, ok := s.transfers[hash]
	delete(s.transfers, hash)
	s.mu.Unlock()
	if ok {
		t.Stop()
	}
}

func (s *Session) transferByHash(h wire.Hash) (*transfer.Transfer, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.transfers[h]
	return t, ok
}

func (s *Session) snapshotTransfers() []*transfer.Transfer {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*transfer.Transfer, 0, len(s.transfers))
	for _, t := range s.transfers {
		out = append(out, t)
	}
	return out
}

// Run binds the listener and drives accept, per-second and per-minute
// loops until ctx is cancelled or any of them fails.
func (s *Session) Run(ctx context.Context) error {
	defer s.Close()

	ln, err := net.Listen("tcp", s.cfg.ListenAddr)
	if err != nil {
		return errs.Wrap("session.Run", errs.KindSessionPointerIsNull, err)
	}
	s.listener = ln
	if ap, ok := ln.Addr().(*net.TCPAddr); ok {
		s.listenPort.Store(uint32(ap.Port))
	}

	if s.cfg.KadListenAddr != "" {
		kad, err := newKadDemux(s.cfg.KadListenAddr, s.log, s.kadHandler)
		if err != nil {
			_ = ln.Close()
			return errs.Wrap("session.Run", errs.KindUnknown, err)
		}
		s.kad = kad
	}

	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return s.acceptLoop(gctx) })
	g.Go(func() error { return s.secondTickLoop(gctx) })
	g.Go(func() error { return s.minuteTickLoop(gctx) })
	if s.kad != nil {
		g.Go(func() error { return s.kad.run(gctx) })
	}

	err = g.Wait()
	s.wg.Wait()
	return err
}

func (s *Session) Close() {
	s.closeOnce.Do(func() {
		s.stopped.Store(true)
		if s.cancel != nil {
			s.cancel()
		}
		if s.listener != nil {
			_ = s.listener.Close()
		}
		if s.kad != nil {
			_ = s.kad.close()
		}
		s.log.Debug("session closed")
	})
}

func (s *Session) acceptLoop(ctx context.Context) error {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if s.stopped.Load() {
				return nil
			}
			select {
			case <-ctx.Done():
				return nil
			default:
			}
			return err
		}

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handleAccepted(ctx, conn)
		}()
	}
}

// handleAccepted wires a remote-accepted peer connection's hooks to
// forward dynamically to whichever transfer its file_request names, since
// unlike an outgoing dial the transfer is unknown until that point (spec.md
// §4.8, "Attach dispatch").
func (s *Session) handleAccepted(ctx context.Context, conn net.Conn) {
	var c *peerconn.Conn

	hooks := peerconn.Hooks{
		FileKnown: func(h wire.Hash) bool {
			t, ok := s.transferByHash(h)
			if !ok {
				return false
			}
			return s.resolveDuplicate(t, c.Addr())
		},
		FileName: func(h wire.Hash) string {
			if t, ok := s.transferByHash(h); ok {
				return t.DisplayName()
			}
			return ""
		},
		LocalBitfield: func(h wire.Hash) []byte {
			if t, ok := s.transferByHash(h); ok {
				return t.Hooks().LocalBitfield(h)
			}
			return nil
		},
		OnRemoteStatus: func(a netip.AddrPort, bf []byte) {
			if t, ok := s.transferByHash(c.FileHash()); ok {
				t.Hooks().OnRemoteStatus(a, bf)
			}
		},
		OnBlock: func(a netip.AddrPort, blk piece.BlockInfo, data []byte) {
			if t, ok := s.transferByHash(c.FileHash()); ok {
				t.Hooks().OnBlock(a, blk, data)
			}
		},
		RequestWork: func(a netip.AddrPort, slots int) []piece.BlockInfo {
			if t, ok := s.transferByHash(c.FileHash()); ok {
				return t.Hooks().RequestWork(a, slots)
			}
			return nil
		},
		BlockRange: func(blk piece.BlockInfo) peerconn.Range {
			if t, ok := s.transferByHash(c.FileHash()); ok {
				return t.Hooks().BlockRange(blk)
			}
			return peerconn.Range{}
		},
		ReadBlock: func(rctx context.Context, r peerconn.Range) ([]byte, error) {
			if t, ok := s.transferByHash(c.FileHash()); ok {
				return t.Hooks().ReadBlock(rctx, r)
			}
			return nil, errs.New("session.handleAccepted", errs.KindNoFile)
		},
		OnUploadRequested: func(a netip.AddrPort, h wire.Hash) {
			if t, ok := s.transferByHash(h); ok {
				t.Hooks().OnUploadRequested(a, h)
			}
		},
		OnAttached: func(a netip.AddrPort) {
			if t, ok := s.transferByHash(c.FileHash()); ok {
				t.AdoptAccepted(a, c)
				t.Hooks().OnAttached(a)
			}
		},
	}

	c = peerconn.NewConn(conn, &peerconn.Opts{
		Config:     s.cfg.Peerconn,
		Log:        s.log,
		ClientHash: s.clientHash,
		Outgoing:   false,
		Hooks:      hooks,
	})

	err := c.Run(ctx)

	if t, ok := s.transferByHash(c.FileHash()); ok {
		t.DetachAccepted(c.Addr(), err != nil)
	}
	s.alerts.Disconnect(c.Addr(), errs.KindOf(err))
}

// resolveDuplicate implements spec.md §4.8's duplicate-endpoint rule: if t
// already tracks an outgoing connection to addr that has not yet reached
// active, the newly accepted one wins unless addr is a self-connection (our
// own outbound dial looping back to our own listener); otherwise the
// existing outgoing dial is the loser and is closed.
func (s *Session) resolveDuplicate(t *transfer.Transfer, addr netip.AddrPort) bool {
	existing, ok := t.ExistingConn(addr)
	isDuplicate := ok && existing.Outgoing() && existing.State() != peerconn.StateActive
	if !isDuplicate {
		return true
	}

	if s.isSelfConnection(addr) {
		s.alerts.Post(alert.Alert{Category: alert.CategoryPeer, Endpoint: addr, Kind: errs.KindSelfConnection, Message: "rejected self-connection"})
		return false
	}

	existing.Close()
	s.alerts.Post(alert.Alert{Category: alert.CategoryPeer, Endpoint: addr, Kind: errs.KindDuplicatePeerID, Message: "outgoing dial lost to accepted duplicate"})
	return true
}

// isSelfConnection treats an accepted connection whose reported remote
// port equals our own listening port as a loopback of our own outbound
// dial — the cheapest signal available without exchanging a nonce.
func (s *Session) isSelfConnection(remote netip.AddrPort) bool {
	return remote.Port() == uint16(s.listenPort.Load())
}

// DialPeer dials addr through the half-open throttle and, on success,
// attaches the resulting connection to t as an outgoing peer (spec.md §5,
// "Half-open throttle").
func (s *Session) DialPeer(ctx context.Context, t *transfer.Transfer, addr netip.AddrPort) {
	dialer := &net.Dialer{Timeout: s.cfg.DialTimeout}
	conn, err := s.halfOpen.Dial(ctx, dialer, "tcp", addr.String())
	if err != nil {
		s.alerts.Post(alert.Alert{Category: alert.CategoryPeer, Endpoint: addr, Kind: errs.KindTimedOut, Message: "dial failed"})
		return
	}
	t.AttachConn(ctx, conn, true)
}

func (s *Session) secondTickLoop(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.SecondTickInterval)
	defer ticker.Stop()

	last := time.Now()
	for {
		select {
		case <-ctx.Done():
			return nil
		case now := <-ticker.C:
			dt := now.Sub(last)
			last = now
			for _, t := range s.snapshotTransfers() {
				t.SecondTick(dt)
			}
		}
	}
}

// minuteTickLoop asks each empty-policy transfer's owner for more peers
// and opportunistically dials whatever candidate its policy already has
// (spec.md §4.8, "per-minute timer used by transfers to ask for more peers
// when their policy is empty").
func (s *Session) minuteTickLoop(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.MinuteTickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			for _, t := range s.snapshotTransfers() {
				if t.NeedsMorePeers() && s.hooks.OnNeedMorePeers != nil {
					s.hooks.OnNeedMorePeers(t.FileHash())
				}
				if addr, ok := t.NextConnectCandidate(); ok {
					s.DialPeer(ctx, t, addr)
				}
			}
		}
	}
}
