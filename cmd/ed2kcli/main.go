// Command ed2kcli is a headless driver for the ed2k core: it loads
// configuration, opens the known.met store, brings up the session's peer
// listener, optionally logs into an index server, and optionally starts a
// single download. Grounded on the teacher's cmd/rabbit/main.go
// (setupLogger + config.Init + client construction + run), stripped of the
// wails UI binding this core has no equivalent of.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"ed2kcore/internal/config"
	"ed2kcore/internal/knownfiles"
	"ed2kcore/internal/logging"
	"ed2kcore/internal/resume"
	"ed2kcore/internal/server"
	"ed2kcore/internal/session"
	"ed2kcore/internal/storage"
	"ed2kcore/internal/transfer"
	"ed2kcore/internal/wire"
)

func main() {
	setupLogger()

	var (
		serverAddr = flag.String("server", "", "ed2k index server address (host:port); skipped if empty")
		fileHash   = flag.String("hash", "", "hex file hash of the transfer to add")
		fileName   = flag.String("name", "", "display name of the transfer to add")
		fileSize   = flag.Int64("size", 0, "size in bytes of the transfer to add")
	)
	flag.Parse()

	if err := run(*serverAddr, *fileHash, *fileName, *fileSize); err != nil {
		slog.Error("ed2kcli exited with error", "error", err)
		os.Exit(1)
	}
}

func setupLogger() {
	opts := logging.DefaultOptions()
	opts.SlogOpts.Level = slog.LevelInfo
	opts.SlogOpts.AddSource = false

	h := logging.NewPrettyHandler(os.Stdout, &opts)
	l := slog.New(h)
	slog.SetDefault(l)
}

func run(serverAddr, fileHashHex, fileName string, fileSize int64) error {
	cfg, err := config.Default()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := cfg.EnsureLayout(); err != nil {
		return fmt.Errorf("ensure layout: %w", err)
	}
	slog.Info("config loaded",
		"data_dir", cfg.DataDir,
		"download_dir", cfg.DownloadDir,
		"client_hash", cfg.ClientHash.String())

	known, err := knownfiles.Open(cfg.KnownMetPath())
	if err != nil {
		return fmt.Errorf("open known.met store: %w", err)
	}
	defer known.Close()
	slog.Info("known.met store opened", "path", cfg.KnownMetPath(), "known_files", known.Count())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	sess := session.NewSession(&session.Opts{
		Config:     cfg.Session,
		ClientHash: cfg.ClientHash,
		Hooks: session.Hooks{
			OnNeedMorePeers: func(h wire.Hash) {
				slog.Info("transfer needs more sources", "file_hash", h.String())
			},
		},
	})
	defer sess.Close()

	go drainAlerts(ctx, sess)

	if serverAddr != "" {
		go runServerConn(ctx, cfg, serverAddr)
	}

	if fileHashHex != "" {
		if err := addTransfer(ctx, sess, cfg, fileHashHex, fileName, fileSize); err != nil {
			return fmt.Errorf("add transfer: %w", err)
		}
	}

	slog.Info("session starting", "listen_addr", cfg.Session.ListenAddr)
	return sess.Run(ctx)
}

func drainAlerts(ctx context.Context, sess *session.Session) {
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for {
				a, ok := sess.Alerts().Poll()
				if !ok {
					break
				}
				slog.Info("alert",
					"category", a.Category.String(),
					"endpoint", a.Endpoint,
					"message", a.Message)
			}
		}
	}
}

func runServerConn(ctx context.Context, cfg *config.Config, addr string) {
	conn := server.NewConn(&server.Opts{
		Addr:       addr,
		ClientHash: cfg.ClientHash,
		ListenPort: cfg.ListenPort,
		Hooks: server.Hooks{
			OnServerMessage: func(msg string) { slog.Info("server message", "text", msg) },
			OnServerStatus:  func(s server.ServerStatus) { slog.Info("server status", "users", s.UserCount, "files", s.FileCount) },
			OnDisconnect:    func(err error) { slog.Warn("server disconnected", "error", err) },
		},
	})
	if err := conn.Run(ctx); err != nil && ctx.Err() == nil {
		slog.Error("server connection failed", "addr", addr, "error", err)
	}
}

func addTransfer(ctx context.Context, sess *session.Session, cfg *config.Config, hashHex, name string, size int64) error {
	fileHash, err := wire.HashFromHex(hashHex)
	if err != nil {
		return fmt.Errorf("parse file hash: %w", err)
	}
	if name == "" {
		name = hashHex
	}

	resumePath := filepath.Join(cfg.ResumeDir(), hashHex+".resume")

	t, err := transfer.New(&transfer.Opts{
		Config:      cfg.Transfer,
		ClientHash:  cfg.ClientHash,
		FileHash:    fileHash,
		DisplayName: name,
		Files:       []storage.FileEntry{{RelPath: []string{name}, Length: size}},
		TotalSize:   uint64(size),
		Alerts:      sess.Alerts(),
		LoadResume:  loadResumeFunc(resumePath),
		SaveResume:  saveResumeFunc(resumePath),
	})
	if err != nil {
		return err
	}

	sess.AddTransfer(ctx, t)
	return nil
}

func loadResumeFunc(path string) func() (transfer.ResumeData, bool) {
	return func() (transfer.ResumeData, bool) {
		data, err := os.ReadFile(path)
		if err != nil {
			return transfer.ResumeData{}, false
		}
		rd, err := resume.Decode(data)
		if err != nil {
			slog.Warn("discarding unreadable resume blob", "path", path, "error", err)
			return transfer.ResumeData{}, false
		}
		return rd, true
	}
}

func saveResumeFunc(path string) func(transfer.ResumeData) {
	return func(rd transfer.ResumeData) {
		data, err := resume.Encode(rd)
		if err != nil {
			slog.Warn("failed to encode resume blob", "path", path, "error", err)
			return
		}
		if err := os.WriteFile(path, data, 0o644); err != nil {
			slog.Warn("failed to write resume blob", "path", path, "error", err)
		}
	}
}
