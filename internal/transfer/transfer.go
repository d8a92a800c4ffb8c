package transfer

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
	"ed2kcore/internal/storage"
	"ed2kcore/internal/wire"
	"ed2kcore/internal/bitfield"
)

// Stats mirrors the teacher's torrent.Stats: an aggregate snapshot across
// every attached connection plus picker progress.
type Stats struct {
	State       State
	Progress    float64
	Downloaded  uint64
	Uploaded    uint64
	Peers       int
	PeersActive int
}

// Opts constructs a Transfer. LoadResume is optional: when set, it is
// consulted on entry to checking_resume_data; SaveResume, when set, is
// invoked periodically and on pause.
type Opts struct {
	Config      *Config
	Log         *slog.Logger
	ClientHash  wire.Hash
	FileHash    wire.Hash
	DisplayName string
	Files       []storage.FileEntry
	PieceHashes []wire.Hash
	PieceLength uint32
	TotalSize   uint64

	Alerts     *alert.Queue
	LoadResume func() (ResumeData, bool)
	SaveResume func(ResumeData)
}

// Transfer is the per-file aggregate (spec.md §4.6): owns the storage
// adapter, the piece picker, the peer policy and every attached connection,
// and drives the queued_for_checking -> ... -> seeding state machine.
// Grounded on the teacher's internal/torrent/torrent.go Torrent.
type Transfer struct {
	cfg  *Config
	log  *slog.Logger
	name string

	clientHash  wire.Hash
	fileHash    wire.Hash
	pieceHashes []wire.Hash
	pieceLen    uint32
	size        uint64

	storage *storage.Adapter
	picker  *piece.Manager
	policy  *Policy
	uploads *peerconn.UploadManager
	alerts  *alert.Queue

	loadResume func() (ResumeData, bool)
	saveResume func(ResumeData)

	stateMu     sync.RWMutex
	state       State
	statePaused State // state to resume into, set by Pause

	peerBitMu sync.Mutex
	peerBits  map[netip.AddrPort]bitfield.Bitfield

	lastPeerMu sync.Mutex
	lastPeer   map[uint32]netip.AddrPort

	cancel context.CancelFunc
	wg     sync.WaitGroup

	// totalDownloaded/totalUploaded accumulate a connection's final byte
	// counters once it detaches, since peerconn.Conn's own atomics reset
	// to zero the moment a peer disconnects and a fresh Conn replaces it.
	totalDownloaded atomic.Uint64
	totalUploaded   atomic.Uint64
}

func New(opts *Opts) (*Transfer, error) {
	cfg := opts.Config
	if cfg == nil {
		cfg = WithDefaultConfig()
	}
	log := opts.Log
	if log == nil {
		log = slog.Default()
	}
	log = log.With("component", "transfer", "file", opts.FileHash.String())

	storageAdapter, err := storage.NewAdapter(
		opts.DisplayName, opts.Files, opts.PieceHashes, opts.PieceLength, opts.TotalSize,
		cfg.Storage, log,
	)
	if err != nil {
		return nil, err
	}

	picker, err := piece.NewManager(
		opts.PieceHashes, opts.PieceLength, opts.TotalSize,
		cfg.MaxPeers, cfg.EndgameFloor, cfg.Strategy, log,
	)
	if err != nil {
		return nil, err
	}

	return &Transfer{
		cfg:         cfg,
		log:         log,
		name:        opts.DisplayName,
		clientHash:  opts.ClientHash,
		fileHash:    opts.FileHash,
		pieceHashes: opts.PieceHashes,
		pieceLen:    opts.PieceLength,
		size:        opts.TotalSize,
		storage:     storageAdapter,
		picker:      picker,
		policy:      NewPolicy(),
		uploads:     peerconn.NewUploadManager(cfg.UploadSlots),
		alerts:      opts.Alerts,
		loadResume:  opts.LoadResume,
		saveResume:  opts.SaveResume,
		state:       StateQueuedForChecking,
		peerBits:    make(map[netip.AddrPort]bitfield.Bitfield),
		lastPeer:    make(map[uint32]netip.AddrPort),
	}, nil
}

func (t *Transfer) FileHash() wire.Hash { return t.fileHash }

func (t *Transfer) State() State {
	t.stateMu.RLock()
	defer t.stateMu.RUnlock()
	return t.state
}

func (t *Transfer) setState(s State) bool {
	t.stateMu.Lock()
	defer t.stateMu.Unlock()
	if !canTransition(t.state, s) {
		t.log.Warn("illegal transfer state transition", "from", t.state, "to", s)
		return false
	}
	t.log.Info("transfer state transition", "from", t.state, "to", s)
	t.state = s
	return true
}

// Run drives the storage adapter, the checking pipeline, the upload
// rechoke loop and the periodic resume-data save until ctx is cancelled.
func (t *Transfer) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	t.cancel = cancel

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return t.storage.Run(gctx) })
	g.Go(func() error { t.runChecking(gctx); return nil })
	g.Go(func() error { t.uploads.Run(gctx, t.cfg.Peerconn.QueueRankPeriod); return nil })
	g.Go(func() error { return t.resumeSaveLoop(gctx) })

	err := g.Wait()
	t.wg.Wait() // let in-flight peer connection goroutines unwind
	return err
}

func (t *Transfer) Stop() {
	if t.cancel != nil {
		t.cancel()
	}
}

// runChecking drives checking_resume_data -> (checking_files) -> downloading
// or seeding (spec.md §4.6).
func (t *Transfer) runChecking(ctx context.Context) {
	t.setState(StateCheckingResumeData)

	needFullCheck := true
	if t.loadResume != nil {
		if rd, ok := t.loadResume(); ok {
			if err := t.ApplyResumeData(rd); err == nil {
				result := t.checkFastresumeSync(ctx, rd)
				needFullCheck = result
			} else {
				t.log.Warn("rejecting resume data", "error", err)
			}
		}
	}

	if needFullCheck {
		if !t.setState(StateCheckingFiles) {
			return
		}
		t.runFullCheck(ctx)
	}

	t.advanceAfterChecking()
}

// checkFastresumeSync round-trips one JobCheckFastresume through the
// storage adapter's async queue and reports whether a full recheck is
// still required.
func (t *Transfer) checkFastresumeSync(ctx context.Context, rd ResumeData) bool {
	job := storage.Job{Kind: storage.JobCheckFastresume, ResumeVerified: resumeVerifiedBitmap(rd, len(t.pieceHashes))}
	select {
	case t.storage.Jobs <- job:
	case <-ctx.Done():
		return true
	}
	select {
	case res := <-t.storage.Results:
		return res.FullCheckNeeded
	case <-ctx.Done():
		return true
	}
}

// runFullCheck streams JobCheckFiles across every piece, marking each
// verified piece in the picker as it completes.
func (t *Transfer) runFullCheck(ctx context.Context) {
	for idx := uint32(0); ; idx++ {
		select {
		case t.storage.Jobs <- storage.Job{Kind: storage.JobCheckFiles, PieceIdx: idx}:
		case <-ctx.Done():
			return
		}

		select {
		case res := <-t.storage.Results:
			if res.Verified {
				t.picker.WeHave(res.PieceIndex)
			}
			if res.Done {
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

// advanceAfterChecking enters downloading or seeding depending on how much
// of the file checking already confirmed.
func (t *Transfer) advanceAfterChecking() {
	if t.allPiecesDone() {
		t.setState(StateSeeding)
		return
	}
	t.setState(StateDownloading)
}

func (t *Transfer) allPiecesDone() bool {
	if !t.picker.HasPicker() {
		return true
	}
	for i := uint32(0); i < t.picker.PieceCount(); i++ {
		if !t.picker.HavePiece(i) {
			return false
		}
	}
	return true
}

// resumeSaveLoop periodically snapshots progress via SaveResume.
func (t *Transfer) resumeSaveLoop(ctx context.Context) error {
	if t.saveResume == nil || t.cfg.ResumeSaveInterval <= 0 {
		<-ctx.Done()
		return nil
	}
	ticker := time.NewTicker(t.cfg.ResumeSaveInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			t.saveResume(t.BuildResumeData())
		}
	}
}

// SecondTick rolls bandwidth-rate counters for every attached connection
// (spec.md §4.8, "per-tick timer ... rolls bandwidth statistics"), driven
// by the session's per-second timer.
func (t *Transfer) SecondTick(dt time.Duration) {
	for _, c := range t.policy.Connections() {
		c.Tick(dt)
	}
}

// NeedsMorePeers reports whether this transfer's candidate policy is empty,
// the session's per-minute timer's trigger for asking the index server for
// more sources (spec.md §4.8, "per-minute timer used by transfers to ask
// for more peers when their policy is empty").
func (t *Transfer) NeedsMorePeers() bool {
	tracked, _ := t.policy.Count()
	return tracked == 0
}

// NextConnectCandidate returns the next endpoint the session should dial,
// gated by its own half-open throttle (spec.md §4.6 Policy).
func (t *Transfer) NextConnectCandidate() (netip.AddrPort, bool) {
	return t.policy.SelectConnectCandidate()
}

// AddCandidate registers addr as a known source for this file (e.g. from a
// server's get_sources reply).
func (t *Transfer) AddCandidate(addr netip.AddrPort) {
	t.policy.AddCandidate(addr)
}

// AttachConn wraps conn in a peerconn.Conn wired to this transfer's hooks
// and runs it until it disconnects, tracked so Run's shutdown waits for it.
func (t *Transfer) AttachConn(ctx context.Context, conn net.Conn, outgoing bool) *peerconn.Conn {
	addr := netip.AddrPort{}
	if ap, err := netip.ParseAddrPort(conn.RemoteAddr().String()); err == nil {
		addr = ap
	}

	c := peerconn.NewConn(conn, &peerconn.Opts{
		Config:     t.cfg.Peerconn,
		Log:        t.log,
		ClientHash: t.clientHash,
		FileHash:   t.fileHash,
		Outgoing:   outgoing,
		Hooks:      t.hooksFor(),
	})
	t.policy.Attach(addr, c)

	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		err := c.Run(ctx)
		t.accumulateStats(c)
		t.policy.Detach(addr, err != nil)
		t.uploads.Remove(addr)
		if t.alerts != nil {
			t.alerts.Disconnect(addr, errs.KindOf(err))
		}
	}()
	return c
}

// accumulateStats folds a detaching connection's lifetime byte counters
// into this transfer's running totals before the connection is dropped,
// so total_uploaded/total_downloaded survive past any one peer's churn
// for internal/resume to persist.
func (t *Transfer) accumulateStats(c *peerconn.Conn) {
	st := c.Stats()
	t.totalDownloaded.Add(st.Downloaded.Load())
	t.totalUploaded.Add(st.Uploaded.Load())
}

// Hooks exposes this transfer's peerconn callback set so the session can
// wire an accepted connection to it once file_request reveals which
// transfer the remote peer wants (spec.md §4.8, "Attach dispatch").
func (t *Transfer) Hooks() peerconn.Hooks { return t.hooksFor() }

// DisplayName returns the filename reported in file_answer.
func (t *Transfer) DisplayName() string { return t.name }

// ExistingConn reports the currently-tracked connection for addr, if any,
// letting the session resolve accept-vs-dial races against the same
// endpoint (spec.md §4.8, "duplicate-endpoint handling").
func (t *Transfer) ExistingConn(addr netip.AddrPort) (*peerconn.Conn, bool) {
	return t.policy.Get(addr)
}

// AdoptAccepted registers an already-running connection the session
// accepted and hook-wired to this transfer (its FileHash matched during
// file_request) under this transfer's policy. Unlike AttachConn, the
// session — not this transfer — owns the connection's Run goroutine and
// lifecycle, since which transfer it belonged to was unknown until the
// remote's file_request revealed it; pair with DetachAccepted once the
// session observes the connection's Run return.
func (t *Transfer) AdoptAccepted(addr netip.AddrPort, c *peerconn.Conn) {
	t.policy.Attach(addr, c)
}

// DetachAccepted undoes AdoptAccepted, mirroring the policy/upload
// bookkeeping AttachConn performs inline once its own monitor goroutine
// observes disconnect. The session posts the disconnect alert itself,
// since only it has the Run error this transfer never saw.
func (t *Transfer) DetachAccepted(addr netip.AddrPort, failed bool) {
	if c, ok := t.policy.Get(addr); ok {
		t.accumulateStats(c)
	}
	t.policy.Detach(addr, failed)
	t.uploads.Remove(addr)
}

func (t *Transfer) hooksFor() peerconn.Hooks {
	return peerconn.Hooks{
		OnAttached:        t.onAttached,
		OnRemoteStatus:    t.onRemoteStatus,
		OnBlock:           t.onBlock,
		OnDisconnect:      func(netip.AddrPort) {},
		ReadBlock:         t.readBlock,
		RequestWork:       t.requestWork,
		BlockRange:        t.blockRange,
		FileKnown:         func(h wire.Hash) bool { return h == t.fileHash },
		FileName:          func(wire.Hash) string { return t.name },
		LocalBitfield:     t.localBitfield,
		OnUploadRequested: t.onUploadRequested,
	}
}

func (t *Transfer) onAttached(addr netip.AddrPort) {
	if t.alerts != nil {
		t.alerts.Post(alert.Alert{Category: alert.CategoryPeer, Endpoint: addr, Message: "peer attached"})
	}
}

func (t *Transfer) onRemoteStatus(addr netip.AddrPort, bf []byte) {
	var bits bitfield.Bitfield
	if len(bf) == 0 {
		// Empty bitfield means the remote is a full seed (spec.md §4.5).
		bits = bitfield.New(int(t.picker.PieceCount()))
		for i := 0; i < bits.Len(); i++ {
			bits.Set(i)
		}
	} else {
		bits = bitfield.FromBytes(bf)
	}

	t.peerBitMu.Lock()
	t.peerBits[addr] = bits
	t.peerBitMu.Unlock()

	if t.picker.HasPicker() {
		t.picker.OnPeerBitfield(addr, bits)
	}
}

func (t *Transfer) requestWork(addr netip.AddrPort, slots int) []piece.BlockInfo {
	if !t.picker.HasPicker() {
		return nil
	}
	t.peerBitMu.Lock()
	bits, ok := t.peerBits[addr]
	t.peerBitMu.Unlock()
	if !ok {
		return nil
	}
	return t.picker.PickBlocks(piece.PeerView{Addr: addr, Bitfield: bits, Unchoked: true}, slots)
}

func (t *Transfer) blockRange(blk piece.BlockInfo) peerconn.Range {
	base := uint64(blk.PieceIdx) * uint64(t.pieceLen)
	return peerconn.Range{Begin: base + uint64(blk.Begin), End: base + uint64(blk.Begin) + uint64(blk.Length)}
}

func (t *Transfer) locate(begin uint64) (pieceIdx uint32, within uint32) {
	pieceIdx = uint32(begin / uint64(t.pieceLen))
	within = uint32(begin % uint64(t.pieceLen))
	return
}

func (t *Transfer) readBlock(_ context.Context, r peerconn.Range) ([]byte, error) {
	pieceIdx, within := t.locate(r.Begin)
	return t.storage.ReadSync(pieceIdx, within, uint32(r.End-r.Begin))
}

func (t *Transfer) localBitfield(wire.Hash) []byte {
	if !t.picker.HasPicker() {
		return nil
	}
	return t.picker.HaveBitmap().Bytes()
}

func (t *Transfer) onUploadRequested(addr netip.AddrPort, _ wire.Hash) {
	if c, ok := t.policy.Get(addr); ok {
		t.uploads.Enqueue(c)
	}
}

// onBlock writes a newly-arrived block to disk, and on piece completion
// verifies it, penalizing the offending peer on a mismatch (spec.md §4.6,
// "Piece verification").
func (t *Transfer) onBlock(addr netip.AddrPort, blk piece.BlockInfo, data []byte) {
	if !t.picker.HasPicker() {
		return
	}
	t.picker.MarkWriting(blk)

	t.lastPeerMu.Lock()
	t.lastPeer[blk.PieceIdx] = addr
	t.lastPeerMu.Unlock()

	if err := t.storage.WriteSync(blk.PieceIdx, blk.Begin, data); err != nil {
		t.log.Warn("block write failed", "piece", blk.PieceIdx, "error", err)
		t.picker.WriteFailed(blk)
		return
	}
	t.picker.MarkFinished(blk)

	if !t.picker.IsPieceFinished(blk.PieceIdx) {
		return
	}
	t.verifyPiece(blk.PieceIdx)
}

func (t *Transfer) verifyPiece(pieceIdx uint32) {
	ok, err := t.storage.VerifyPiece(pieceIdx, t.pieceHashes[pieceIdx])
	if err != nil {
		t.log.Warn("piece verify read failed", "piece", pieceIdx, "error", err)
		ok = false
	}
	t.picker.MarkPieceVerified(pieceIdx, ok)

	if !ok {
		t.lastPeerMu.Lock()
		offender, had := t.lastPeer[pieceIdx]
		t.lastPeerMu.Unlock()
		if had {
			// A hash mismatch is a stronger signal than a dropped connection,
			// so it bans outright rather than going through Detach's
			// three-strikes counter.
			t.policy.Ban(offender)
		}
		if t.alerts != nil {
			t.alerts.Post(alert.Alert{Category: alert.CategoryStorage, Kind: errs.KindCorruptData, Message: "piece hash mismatch"})
		}
		return
	}

	if t.picker.PieceCount() > 0 {
		t.checkCompletion()
	}
}

func (t *Transfer) checkCompletion() {
	if t.State() != StateDownloading || !t.allPiecesDone() {
		return
	}
	t.setState(StateFinished)
	t.releaseForSeeding()
	t.setState(StateSeeding)
}

// releaseForSeeding disconnects peers that are themselves pure seeds (no
// reason to stay attached once we have everything) per spec.md §4.6,
// "Entry finished: ... all peer connections that are themselves seeds are
// disconnected".
func (t *Transfer) releaseForSeeding() {
	for _, c := range t.policy.Connections() {
		t.peerBitMu.Lock()
		bf, ok := t.peerBits[c.Addr()]
		t.peerBitMu.Unlock()
		if ok && bf.All() {
			c.Close()
		}
	}
}

// Pause transitions to paused, closes every peer connection (Conn.Close
// passes no disconnect reason), offers a JobReleaseFiles to the storage
// adapter without blocking (it is dropped if the job queue is full) and
// hands a resume snapshot to SaveResume when set.
func (t *Transfer) Pause() {
	t.stateMu.Lock()
	if t.state == StatePaused {
		t.stateMu.Unlock()
		return
	}
	t.statePaused = t.state
	t.state = StatePaused
	t.stateMu.Unlock()

	for _, c := range t.policy.Connections() {
		c.Close()
	}
	select {
	case t.storage.Jobs <- storage.Job{Kind: storage.JobReleaseFiles}:
	default:
	}
	if t.saveResume != nil {
		t.saveResume(t.BuildResumeData())
	}
}

// Resume re-enters the state active before Pause.
func (t *Transfer) Resume() {
	t.stateMu.Lock()
	defer t.stateMu.Unlock()
	if t.state != StatePaused {
		return
	}
	t.state = t.statePaused
}

func (t *Transfer) Stats() Stats {
	tracked, connected := t.policy.Count()
	var progress float64
	if t.picker.HasPicker() && t.picker.PieceCount() > 0 {
		done := 0
		for i := uint32(0); i < t.picker.PieceCount(); i++ {
			if t.picker.HavePiece(i) {
				done++
			}
		}
		progress = float64(done) / float64(t.picker.PieceCount()) * 100.0
	} else {
		progress = 100.0
	}
	downloaded, uploaded := t.totalDownloaded.Load(), t.totalUploaded.Load()
	for _, c := range t.policy.Connections() {
		st := c.Stats()
		downloaded += st.Downloaded.Load()
		uploaded += st.Uploaded.Load()
	}

	return Stats{
		State:       t.State(),
		Progress:    progress,
		Downloaded:  downloaded,
		Uploaded:    uploaded,
		Peers:       tracked,
		PeersActive: connected,
	}
}
