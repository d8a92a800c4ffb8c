// Package peerconn implements the per-peer ed2k/eMule wire state machine
// (spec.md §4.5, C5): handshake, file negotiation, request pipelining,
// inbound block assembly and upload-side queue ranking. It is grounded on
// the teacher's internal/peer/peer.go connection loop and
// internal/protocol/handshake.go exchange, restructured around ed2k
// messages instead of BitTorrent's.
package peerconn

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"ed2kcore/internal/piece"
	"ed2kcore/internal/wire"
)

// Config holds connection-scoped tunables, composed into the root Config
// the way internal/torrent/config.go composes its sub-packages' configs.
type Config struct {
	ReadTimeout      time.Duration
	WriteTimeout     time.Duration
	DialTimeout      time.Duration
	OutboxBacklog    int
	MaxDesiredQueue  uint32
	RequestTimeout   time.Duration
	QueueRankPeriod  time.Duration
	MaxBodySize      int
}

func WithDefaultConfig() *Config {
	return &Config{
		ReadTimeout:     60 * time.Second,
		WriteTimeout:    30 * time.Second,
		DialTimeout:     30 * time.Second,
		OutboxBacklog:   64,
		MaxDesiredQueue: 60,
		RequestTimeout:  2 * time.Minute,
		QueueRankPeriod: 15 * time.Second,
		MaxBodySize:     4 << 20,
	}
}

// Stats mirrors the teacher's PeerStats: atomic counters safe to read
// concurrently with the connection's own goroutines.
type Stats struct {
	Downloaded   atomic.Uint64
	Uploaded     atomic.Uint64
	DownloadRate atomic.Uint64
	UploadRate   atomic.Uint64

	RequestsSent      atomic.Uint64
	RequestsReceived  atomic.Uint64
	RequestsTimedOut  atomic.Uint64
	BlocksReceived    atomic.Uint64
	BlocksSent        atomic.Uint64
	Errors            atomic.Uint64

	ConnectedAt    time.Time
	DisconnectedAt time.Time
}

// Hooks lets the owning transfer observe and drive this connection without
// peerconn importing the transfer package, mirroring the teacher's
// peer.PeerOpts callback fields.
type Hooks struct {
	// OnAttached fires once the connection reaches StateActive.
	OnAttached func(netip.AddrPort)

	// OnRemoteStatus delivers the remote's advertised bitfield once
	// file_status arrives.
	OnRemoteStatus func(netip.AddrPort, []byte)

	// OnBlock delivers one fully-assembled inbound block.
	OnBlock func(netip.AddrPort, piece.BlockInfo, []byte)

	// OnDisconnect fires once, when the connection finally closes.
	OnDisconnect func(netip.AddrPort)

	// ReadBlock services an inbound request_parts range by reading it
	// back from storage for upload; returns the bytes or an error.
	ReadBlock func(ctx context.Context, r Range) ([]byte, error)

	// RequestWork asks the owner to top up this connection's reserved
	// queue from the picker once slots free up or the peer unchokes us.
	RequestWork func(addr netip.AddrPort, slots int) []piece.BlockInfo

	// BlockRange translates a picker block (piece-relative) into the
	// whole-file byte range request_parts actually carries on the wire.
	BlockRange func(piece.BlockInfo) Range

	// FileKnown reports whether the local side recognizes hash at all,
	// gating file_answer vs no_file for a remote-accepted connection.
	FileKnown func(wire.Hash) bool

	// FileName returns the display filename to send back in file_answer.
	FileName func(wire.Hash) string

	// LocalBitfield returns the piece bitfield to report in file_status.
	LocalBitfield func(wire.Hash) []byte

	// OnUploadRequested fires when the remote sends start_upload_req,
	// letting the owner enqueue this connection in its upload ranking.
	OnUploadRequested func(netip.AddrPort, wire.Hash)
}

// Conn is one ed2k peer connection: either locally-initiated (dialed,
// transfer hash known up front) or remotely-accepted (hash learned once
// file_request arrives).
type Conn struct {
	cfg    *Config
	log    *slog.Logger
	conn   net.Conn
	addr   netip.AddrPort
	hooks  Hooks
	stats  *Stats

	clientHash wire.Hash
	fileHash   wire.Hash
	outgoing   bool
	largeFiles bool

	stateMu sync.RWMutex
	state   State

	queue *requestQueues

	outbox    chan *wire.Frame
	closeOnce sync.Once
	cancel    context.CancelFunc
	stopped   atomic.Bool

	peerChokingUs bool
	weChokePeer   bool

	lastTickDownloaded atomic.Uint64
	lastTickUploaded   atomic.Uint64
}

// Opts constructs a Conn either over a freshly-dialed net.Conn (outgoing)
// or an accepted net.Conn (incoming); NewConn never dials itself, the
// caller is expected to have already connected (mirrors the half-open
// throttle living in session, spec.md §5).
type Opts struct {
	Config     *Config
	Log        *slog.Logger
	ClientHash wire.Hash
	FileHash   wire.Hash // zero for an accepted connection awaiting file_request
	Outgoing   bool
	Hooks      Hooks
}

func NewConn(conn net.Conn, opts *Opts) *Conn {
	cfg := opts.Config
	if cfg == nil {
		cfg = WithDefaultConfig()
	}

	addr := netip.AddrPort{}
	if ap, err := netip.ParseAddrPort(conn.RemoteAddr().String()); err == nil {
		addr = ap
	}

	return &Conn{
		cfg:        cfg,
		log:        opts.Log.With("component", "peerconn", "addr", addr),
		conn:       conn,
		addr:       addr,
		hooks:      opts.Hooks,
		stats:      &Stats{ConnectedAt: time.Now()},
		clientHash: opts.ClientHash,
		fileHash:   opts.FileHash,
		outgoing:   opts.Outgoing,
		state:      StateConnecting,
		queue:      newRequestQueues(cfg.MaxDesiredQueue),
		outbox:     make(chan *wire.Frame, cfg.OutboxBacklog),
	}
}

func (c *Conn) Addr() netip.AddrPort { return c.addr }
func (c *Conn) FileHash() wire.Hash  { return c.fileHash }

// Outgoing reports whether this connection was locally dialed rather than
// accepted, used by the session to resolve accept-vs-dial races against the
// same endpoint (spec.md §4.8, "duplicate-endpoint handling").
func (c *Conn) Outgoing() bool { return c.outgoing }

// Stats exposes this connection's atomic counters for the session's
// per-second bandwidth roll-up and the embedder's stats surface.
func (c *Conn) Stats() *Stats { return c.stats }

// Tick rolls this connection's bandwidth-rate counters from the delta in
// cumulative bytes transferred since the previous call (spec.md §4.8,
// "per-tick timer ... rolls bandwidth statistics"). Owned by the session,
// invoked once per second per connection.
func (c *Conn) Tick(dt time.Duration) {
	if dt <= 0 {
		return
	}
	secs := dt.Seconds()
	down := c.stats.Downloaded.Load()
	up := c.stats.Uploaded.Load()
	prevDown := c.lastTickDownloaded.Swap(down)
	prevUp := c.lastTickUploaded.Swap(up)
	c.stats.DownloadRate.Store(uint64(float64(down-prevDown) / secs))
	c.stats.UploadRate.Store(uint64(float64(up-prevUp) / secs))
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
		return fmt.Errorf("peerconn: illegal transition %s -> %s", c.state, s)
	}
	c.state = s
	return nil
}

// Run drives the connection's handshake, then its read/write/queue-fill
// loops until ctx is cancelled or an unrecoverable error occurs (teacher's
// errgroup-per-connection shape, internal/peer/peer.go Run).
func (c *Conn) Run(ctx context.Context) error {
	defer c.Close()

	ctx, cancel := context.WithCancel(ctx)
	c.cancel = cancel

	if err := c.handshake(ctx); err != nil {
		c.stats.Errors.Add(1)
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return c.readLoop(gctx) })
	g.Go(func() error { return c.writeLoop(gctx) })
	g.Go(func() error { return c.queueFillLoop(gctx) })
	g.Go(func() error { return c.timeoutLoop(gctx) })

	return g.Wait()
}

func (c *Conn) Close() {
	c.closeOnce.Do(func() {
		c.stopped.Store(true)
		if c.cancel != nil {
			c.cancel()
		}
		_ = c.conn.Close()
		close(c.outbox)
		c.stats.DisconnectedAt = time.Now()
		c.setState(StateClosed)

		if c.hooks.OnDisconnect != nil {
			c.hooks.OnDisconnect(c.addr)
		}
		c.log.Debug("peer connection closed")
	})
}

func (c *Conn) enqueue(f *wire.Frame) bool {
	if c.stopped.Load() {
		return false
	}
	select {
	case c.outbox <- f:
		return true
	default:
		c.log.Warn("outbox full, dropping frame", "opcode", f.Opcode)
		return false
	}
}

func frame(proto wire.Protocol, opcode uint8, body []byte) *wire.Frame {
	return &wire.Frame{Protocol: proto, Opcode: opcode, Body: body}
}

func (c *Conn) readLoop(ctx context.Context) error {
	l := c.log.With("loop", "read")
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
			l.Debug("read failed, closing", "error", err)
			return err
		}
		if f == nil {
			// dropped packed frame (zlib error) — spec.md §4.1: continue.
			continue
		}

		if err := c.handleFrame(ctx, f); err != nil {
			c.stats.Errors.Add(1)
			l.Debug("handle frame failed, closing", "opcode", f.Opcode, "error", err)
			return err
		}
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
			_ = c.conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
			if _, err := f.WriteTo(c.conn); err != nil {
				c.stats.Errors.Add(1)
				return err
			}
			c.onFrameWritten(f)
		}
	}
}

// queueFillLoop tops up m_request_queue from the picker whenever slots
// open and the remote is not choking us, then flushes reserved blocks into
// request_parts packets of up to three ranges (spec.md §4.5).
func (c *Conn) queueFillLoop(ctx context.Context) error {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if !c.State().attached() || c.peerChokingUs {
				continue
			}

			if slots := c.queue.Slots(); slots > 0 && c.hooks.RequestWork != nil {
				picked := c.hooks.RequestWork(c.addr, slots)
				if len(picked) > 0 {
					c.queue.Reserve(picked)
				}
			}

			for {
				batch := c.queue.NextBatch()
				if len(batch) == 0 {
					break
				}
				c.sendRequestParts(batch)
			}
		}
	}
}

func (c *Conn) timeoutLoop(ctx context.Context) error {
	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			timedOut := c.queue.TimedOut(c.cfg.RequestTimeout)
			c.stats.RequestsTimedOut.Add(uint64(len(timedOut)))
		}
	}
}

func (c *Conn) sendRequestParts(batch []piece.BlockInfo) {
	var ranges [3]Range
	for i, b := range batch {
		if c.hooks.BlockRange != nil {
			ranges[i] = c.hooks.BlockRange(b)
		} else {
			ranges[i] = Range{Begin: uint64(b.Begin), End: uint64(b.Begin) + uint64(b.Length)}
		}
	}
	for i := len(batch); i < 3; i++ {
		ranges[i] = ranges[len(batch)-1]
	}

	opcode := wire.OpRequestParts
	if c.largeFiles {
		opcode = wire.OpRequestPartsI64
	}
	body := EncodeRequestParts(c.fileHash, ranges, c.largeFiles)
	c.enqueue(frame(wire.ProtocolED2K, opcode, body))
	c.stats.RequestsSent.Add(uint64(len(batch)))
}

func (c *Conn) onFrameWritten(f *wire.Frame) {
	switch f.Opcode {
	case wire.OpHello:
		if c.State() == StateConnecting {
			_ = c.setState(StateHelloSent)
		}
	case wire.OpSendingPart, wire.OpSendingPartI64, wire.OpCompressedPart, wire.OpCompressedPartI64:
		c.stats.BlocksSent.Add(1)
	}
}
