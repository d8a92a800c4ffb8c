// Package storage implements the async storage adapter (spec.md §4.4, C4):
// multi-file byte-range mapping for a single shared file, a capped LRU file
// handle pool, and a job/result channel pair so disk I/O never runs on the
// session's event-loop goroutine.
package storage

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"

	"golang.org/x/sync/errgroup"

	"ed2kcore/internal/errs"
	"ed2kcore/internal/hashcore"
	"ed2kcore/internal/wire"
)

type Config struct {
	DownloadDir     string
	JobQueueSize    int
	ResultQueueSize int
	MaxOpenFiles    int
}

func WithDefaultConfig() *Config {
	return &Config{
		DownloadDir:     getDefaultDownloadDir(),
		JobQueueSize:    200,
		ResultQueueSize: 200,
		MaxOpenFiles:    64,
	}
}

func getDefaultDownloadDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		if cwd, err := os.Getwd(); err == nil {
			return filepath.Join(cwd, "downloads")
		}
		return "./downloads"
	}

	switch runtime.GOOS {
	case "windows", "darwin":
		return filepath.Join(home, "Downloads", "ed2kcore")
	default: // linux, bsd, etc.
		return filepath.Join(home, ".local", "share", "ed2kcore", "downloads")
	}
}

// FileEntry describes one file within a shared collection (normally a single
// entry, since ed2k shares whole files rather than BitTorrent's multi-file
// archives; the straddling logic below stays general so a future
// .emulecollection grouping of several known files can reuse it).
type FileEntry struct {
	RelPath []string
	Length  int64
}

type fileSpan struct {
	path   string
	offset int64
	length int64
}

// Adapter owns one shared file's on-disk storage: the byte-range mapping
// across its constituent files, a capped file-handle pool, and the
// asynchronous job loop spec.md §4.4 names.
type Adapter struct {
	cfg         *Config
	log         *slog.Logger
	files       []fileSpan
	pieceHashes []wire.Hash
	pieceLen    uint32
	totalSize   uint64
	handles     *handlePool

	Jobs    chan Job
	Results chan Result
}

// NewAdapter lays out files under cfg.DownloadDir/name and returns an
// adapter ready to Run. pieceHashes/pieceLen back CheckFastresume and
// CheckFiles's from-disk hash verification.
func NewAdapter(
	name string,
	files []FileEntry,
	pieceHashes []wire.Hash,
	pieceLen uint32,
	totalSize uint64,
	cfg *Config,
	log *slog.Logger,
) (*Adapter, error) {
	if log == nil {
		log = slog.Default()
	}
	log = log.With("component", "storage", "name", name)

	if cfg == nil {
		cfg = WithDefaultConfig()
	}

	root := filepath.Join(cfg.DownloadDir, name)
	spans, err := setupFiles(root, files)
	if err != nil {
		return nil, errs.Wrap("storage.NewAdapter", errs.KindPermissionDenied, err)
	}

	return &Adapter{
		cfg:         cfg,
		log:         log,
		files:       spans,
		pieceHashes: pieceHashes,
		pieceLen:    pieceLen,
		totalSize:   totalSize,
		handles:     newHandlePool(cfg.MaxOpenFiles),
		Jobs:        make(chan Job, cfg.JobQueueSize),
		Results:     make(chan Result, cfg.ResultQueueSize),
	}, nil
}

// Run drives the job loop until ctx is cancelled or Jobs is closed, in the
// teacher's errgroup-owned-worker-loop style.
func (a *Adapter) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return a.jobLoop(gctx) })
	a.log.Info("storage adapter started")
	return g.Wait()
}

func (a *Adapter) jobLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case job, ok := <-a.Jobs:
			if !ok {
				return nil
			}
			a.Results <- a.process(job)
		}
	}
}

func (a *Adapter) process(job Job) Result {
	switch job.Kind {
	case JobCheckFastresume:
		return a.checkFastresume(job)
	case JobCheckFiles:
		return a.checkFiles(job)
	case JobRead:
		return a.read(job)
	case JobWrite:
		return a.write(job)
	case JobReleaseFiles:
		return a.releaseFiles(job)
	case JobDeleteFiles:
		return a.deleteFiles(job)
	case JobRename:
		return a.rename(job)
	case JobMoveStorage:
		return a.moveStorage(job)
	case JobSaveResumeData:
		return a.saveResumeData(job)
	default:
		return Result{Job: job, Err: errs.New("storage.process", errs.KindUnknown)}
	}
}

// ReadSync and WriteSync read/write a piece-relative byte range directly,
// bypassing the Jobs/Results channel pair. The handle pool is its own
// mutex-guarded resource, so calling these concurrently from many
// connection goroutines is safe; they exist for the upload-serving and
// per-block-write paths, which need a result (or completion) before the
// caller's next step rather than a channel round trip (spec.md §4.5,
// "Upload side" services request_parts by reading the range straight back).
func (a *Adapter) ReadSync(pieceIdx, offset, length uint32) ([]byte, error) {
	buf := make([]byte, length)
	abs := pieceAbsOffset(pieceIdx, a.pieceLen) + int64(offset)
	if err := a.readAt(buf, abs); err != nil {
		return nil, errs.Wrap("storage.ReadSync", diskErrKind(err), err)
	}
	return buf, nil
}

func (a *Adapter) WriteSync(pieceIdx, offset uint32, data []byte) error {
	abs := pieceAbsOffset(pieceIdx, a.pieceLen) + int64(offset)
	if err := a.writeAt(data, abs); err != nil {
		return errs.Wrap("storage.WriteSync", diskErrKind(err), err)
	}
	return nil
}

// VerifyPiece reads pieceIdx back and compares its MD4 against want,
// synchronously — used right after a piece's last block lands, instead of
// round-tripping a JobCheckFiles through the async queue.
func (a *Adapter) VerifyPiece(pieceIdx uint32, want wire.Hash) (bool, error) {
	length := pieceLength(pieceIdx, uint32(len(a.pieceHashes)), a.pieceLen, a.totalSize)
	buf, err := a.ReadSync(pieceIdx, 0, length)
	if err != nil {
		return false, err
	}
	return hashcore.PieceHash(buf) == want, nil
}

// read returns the bytes at [job.Offset, job.Offset+job.Length) within
// piece job.PieceIdx.
func (a *Adapter) read(job Job) Result {
	buf := make([]byte, job.Length)
	abs := pieceAbsOffset(job.PieceIdx, a.pieceLen) + int64(job.Offset)
	if err := a.readAt(buf, abs); err != nil {
		return Result{Job: job, Err: errs.Wrap("storage.read", diskErrKind(err), err)}
	}
	return Result{Job: job, Data: buf}
}

// write persists job.Data at [job.Offset, job.Offset+len(job.Data)) within
// piece job.PieceIdx.
func (a *Adapter) write(job Job) Result {
	abs := pieceAbsOffset(job.PieceIdx, a.pieceLen) + int64(job.Offset)
	if err := a.writeAt(job.Data, abs); err != nil {
		return Result{Job: job, Err: errs.Wrap("storage.write", diskErrKind(err), err)}
	}
	return Result{Job: job}
}

// checkFiles hashes the single piece job.PieceIdx against pieceHashes and
// reports whether it verifies; the caller submits one job per piece index
// and stops once Done is set on the last piece (spec.md §4.4: "repeatedly
// returns next verified piece index until done").
func (a *Adapter) checkFiles(job Job) Result {
	n := len(a.pieceHashes)
	if job.PieceIdx >= uint32(n) {
		return Result{Job: job, Done: true}
	}

	length := pieceLength(job.PieceIdx, uint32(n), a.pieceLen, a.totalSize)
	buf := make([]byte, length)
	abs := pieceAbsOffset(job.PieceIdx, a.pieceLen)
	verified := false
	if err := a.readAt(buf, abs); err == nil {
		verified = hashcore.PieceHash(buf) == a.pieceHashes[job.PieceIdx]
	}

	return Result{
		Job:        job,
		PieceIndex: job.PieceIdx,
		Verified:   verified,
		Done:       job.PieceIdx+1 >= uint32(n),
	}
}

// checkFastresume verifies only the pieces the resume blob claims are
// already complete (job.ResumeVerified), asking for a full check if the
// claimed list's length differs from the piece count or any claimed piece
// fails to read or to match its hash.
func (a *Adapter) checkFastresume(job Job) Result {
	if job.ResumeVerified == nil || len(job.ResumeVerified) != len(a.pieceHashes) {
		return Result{Job: job, FullCheckNeeded: true}
	}

	for i, claimedDone := range job.ResumeVerified {
		if !claimedDone {
			continue
		}
		idx := uint32(i)
		length := pieceLength(idx, uint32(len(a.pieceHashes)), a.pieceLen, a.totalSize)
		buf := make([]byte, length)
		if err := a.readAt(buf, pieceAbsOffset(idx, a.pieceLen)); err != nil {
			return Result{Job: job, FullCheckNeeded: true}
		}
		if hashcore.PieceHash(buf) != a.pieceHashes[idx] {
			return Result{Job: job, FullCheckNeeded: true}
		}
	}

	return Result{Job: job, FullCheckNeeded: false}
}

func (a *Adapter) releaseFiles(job Job) Result {
	if err := a.handles.closeAll(); err != nil {
		return Result{Job: job, Err: errs.Wrap("storage.releaseFiles", errs.KindPermissionDenied, err)}
	}
	return Result{Job: job}
}

func (a *Adapter) deleteFiles(job Job) Result {
	if err := a.handles.closeAll(); err != nil {
		return Result{Job: job, Err: errs.Wrap("storage.deleteFiles", errs.KindPermissionDenied, err)}
	}
	for _, f := range a.files {
		if err := os.Remove(f.path); err != nil && !os.IsNotExist(err) {
			return Result{Job: job, Err: errs.Wrap("storage.deleteFiles", errs.KindPermissionDenied, err)}
		}
	}
	return Result{Job: job}
}

func (a *Adapter) rename(job Job) Result {
	if job.NewName == "" {
		return Result{Job: job, Err: errs.New("storage.rename", errs.KindUnknown)}
	}
	if err := a.handles.closeAll(); err != nil {
		return Result{Job: job, Err: errs.Wrap("storage.rename", errs.KindPermissionDenied, err)}
	}
	for i, f := range a.files {
		newPath := filepath.Join(filepath.Dir(f.path), job.NewName, filepath.Base(f.path))
		if len(a.files) == 1 {
			newPath = filepath.Join(filepath.Dir(f.path), job.NewName)
		}
		if err := os.MkdirAll(filepath.Dir(newPath), 0o755); err != nil {
			return Result{Job: job, Err: errs.Wrap("storage.rename", errs.KindPermissionDenied, err)}
		}
		if err := os.Rename(f.path, newPath); err != nil {
			return Result{Job: job, Err: errs.Wrap("storage.rename", errs.KindPermissionDenied, err)}
		}
		a.files[i].path = newPath
	}
	return Result{Job: job}
}

func (a *Adapter) moveStorage(job Job) Result {
	if job.NewPath == "" {
		return Result{Job: job, Err: errs.New("storage.moveStorage", errs.KindUnknown)}
	}
	if err := a.handles.closeAll(); err != nil {
		return Result{Job: job, Err: errs.Wrap("storage.moveStorage", errs.KindPermissionDenied, err)}
	}
	if err := os.MkdirAll(job.NewPath, 0o755); err != nil {
		return Result{Job: job, Err: errs.Wrap("storage.moveStorage", errs.KindPermissionDenied, err)}
	}
	for i, f := range a.files {
		newPath := filepath.Join(job.NewPath, filepath.Base(f.path))
		if err := moveFile(f.path, newPath); err != nil {
			return Result{Job: job, Err: errs.Wrap("storage.moveStorage", errs.KindPermissionDenied, err)}
		}
		a.files[i].path = newPath
	}
	return Result{Job: job}
}

func (a *Adapter) saveResumeData(job Job) Result {
	verified := make([]bool, len(a.pieceHashes))
	for i := range a.pieceHashes {
		idx := uint32(i)
		length := pieceLength(idx, uint32(len(a.pieceHashes)), a.pieceLen, a.totalSize)
		buf := make([]byte, length)
		if err := a.readAt(buf, pieceAbsOffset(idx, a.pieceLen)); err != nil {
			continue
		}
		verified[i] = hashcore.PieceHash(buf) == a.pieceHashes[i]
	}
	return Result{Job: job, ResumeVerified: verified}
}

// readAt/writeAt straddle one or more underlying files for an absolute byte
// range within the shared file, the same mapping logic as the teacher's
// readPiece/writePiece generalized to an arbitrary [offset, offset+len(buf))
// span instead of one whole piece at a time.
func (a *Adapter) readAt(buf []byte, absOffset int64) error {
	return a.forEachSpan(buf, absOffset, func(f *os.File, b []byte, off int64) (int, error) {
		return f.ReadAt(b, off)
	})
}

func (a *Adapter) writeAt(buf []byte, absOffset int64) error {
	return a.forEachSpan(buf, absOffset, func(f *os.File, b []byte, off int64) (int, error) {
		return f.WriteAt(b, off)
	})
}

func (a *Adapter) forEachSpan(buf []byte, absStart int64, do func(*os.File, []byte, int64) (int, error)) error {
	absEnd := absStart + int64(len(buf))

	for _, span := range a.files {
		spanStart, spanEnd := span.offset, span.offset+span.length

		overlapStart := max(absStart, spanStart)
		overlapEnd := min(absEnd, spanEnd)
		if overlapStart >= overlapEnd {
			continue
		}

		length := overlapEnd - overlapStart
		offsetInFile := overlapStart - spanStart
		offsetInBuf := overlapStart - absStart

		f, err := a.handles.acquire(span.path)
		if err != nil {
			return fmt.Errorf("open %s: %w", span.path, err)
		}

		n, err := do(f, buf[offsetInBuf:offsetInBuf+length], offsetInFile)
		if err != nil {
			return fmt.Errorf("%s: %w", span.path, err)
		}
		if int64(n) != length {
			return fmt.Errorf("%s: %w", span.path, io.ErrShortWrite)
		}
	}

	return nil
}

func setupFiles(root string, files []FileEntry) ([]fileSpan, error) {
	if len(files) == 0 {
		return nil, fmt.Errorf("storage: no files given")
	}

	var (
		offset int64
		spans  []fileSpan
	)

	single := len(files) == 1 && len(files[0].RelPath) == 0
	for _, f := range files {
		path := root
		if !single {
			parts := append([]string{root}, f.RelPath...)
			path = filepath.Join(parts...)
		}
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, err
		}
		if err := preallocate(path, f.Length); err != nil {
			return nil, err
		}

		spans = append(spans, fileSpan{path: path, offset: offset, length: f.Length})
		offset += f.Length
	}

	return spans, nil
}

func preallocate(path string, size int64) error {
	file, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return err
	}
	defer file.Close()
	return file.Truncate(size)
}

func moveFile(oldPath, newPath string) error {
	if err := os.Rename(oldPath, newPath); err == nil {
		return nil
	}
	// os.Rename fails across filesystems; fall back to copy + remove.
	src, err := os.Open(oldPath)
	if err != nil {
		return err
	}
	defer src.Close()

	dst, err := os.Create(newPath)
	if err != nil {
		return err
	}
	defer dst.Close()

	if _, err := io.Copy(dst, src); err != nil {
		return err
	}
	return os.Remove(oldPath)
}

func pieceAbsOffset(pieceIdx uint32, pieceLen uint32) int64 {
	return int64(pieceIdx) * int64(pieceLen)
}

func pieceLength(pieceIdx, pieceCount, pieceLen uint32, totalSize uint64) uint32 {
	if pieceIdx != pieceCount-1 {
		return pieceLen
	}
	last := totalSize % uint64(pieceLen)
	if last == 0 {
		return pieceLen
	}
	return uint32(last)
}

func diskErrKind(err error) errs.Kind {
	switch {
	case os.IsPermission(err):
		return errs.KindPermissionDenied
	default:
		return errs.KindUnknown
	}
}
