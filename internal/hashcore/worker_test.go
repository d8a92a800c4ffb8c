package hashcore

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"ed2kcore/internal/alert"
)

func TestHasherProcessesSubmittedJob(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "sample.bin")
	if err := os.WriteFile(path, []byte("hello ed2k hashing worker"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	log := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
	alerts := alert.NewQueue(8, log, nil)
	hasher := NewHasher(log, alerts, 4)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- hasher.Run(ctx) }()

	if err := hasher.Submit(ctx, Job{FilePath: path}); err != nil {
		t.Fatalf("Submit: %v", err)
	}

	deadline := time.After(2 * time.Second)
	for {
		a, ok := alerts.Poll()
		if ok {
			res, ok := a.Data.(Result)
			if !ok {
				t.Fatalf("expected Result alert data, got %T", a.Data)
			}
			if res.FileSize == 0 {
				t.Fatal("expected nonzero file size")
			}
			if len(res.HashSet.PieceHashes) != 1 {
				t.Fatalf("expected 1 piece hash, got %d", len(res.HashSet.PieceHashes))
			}
			break
		}
		select {
		case <-deadline:
			t.Fatal("timed out waiting for hashing result alert")
		case <-time.After(time.Millisecond):
		}
	}

	cancel()
	if err := <-done; err != nil {
		t.Fatalf("Run returned error: %v", err)
	}
}

func TestHasherPostsErrorAlertOnMissingFile(t *testing.T) {
	log := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
	alerts := alert.NewQueue(8, log, nil)
	hasher := NewHasher(log, alerts, 4)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go hasher.Run(ctx)

	if err := hasher.Submit(ctx, Job{FilePath: "/nonexistent/path/for/test"}); err != nil {
		t.Fatalf("Submit: %v", err)
	}

	deadline := time.After(2 * time.Second)
	for {
		a, ok := alerts.Poll()
		if ok {
			if a.Category != alert.CategoryError {
				t.Fatalf("expected CategoryError, got %v", a.Category)
			}
			return
		}
		select {
		case <-deadline:
			t.Fatal("timed out waiting for error alert")
		case <-time.After(time.Millisecond):
		}
	}
}
