package hashcore

import (
	"context"
	"log/slog"

	"ed2kcore/internal/alert"
	"ed2kcore/internal/errs"
)

// Job names a file to be added to a transfer once hashed, mirroring the
// original "(collection_path, file_path)" pair fed to the hashing worker
// (spec.md §4.2). CollectionPath is the informational grouping the alert is
// tagged with; it plays no role in hashing itself.
type Job struct {
	CollectionPath string
	FilePath       string
}

// Result is posted back through the alert queue once a Job finishes,
// carrying the add_transfer_params the session needs to start a transfer.
type Result struct {
	Job      Job
	HashSet  HashSet
	FileSize int64
}

// Hasher runs Jobs fed through a cancellable FIFO, one at a time, on its own
// goroutine. Results and failures are both posted to the alert queue so a
// single embedder callback sees every outcome.
type Hasher struct {
	log    *slog.Logger
	alerts *alert.Queue
	jobs   chan Job
}

func NewHasher(log *slog.Logger, alerts *alert.Queue, queueSize int) *Hasher {
	return &Hasher{
		log:    log.With("component", "hashcore"),
		alerts: alerts,
		jobs:   make(chan Job, queueSize),
	}
}

// Submit enqueues a job for hashing. It blocks if the queue is full; callers
// that must not block should select on a context alongside this call.
func (h *Hasher) Submit(ctx context.Context, job Job) error {
	select {
	case h.jobs <- job:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run drains the job queue until ctx is cancelled, hashing one file at a
// time and posting a status_notification alert with the Result (or an
// error_notification on failure).
func (h *Hasher) Run(ctx context.Context) error {
	h.log.Debug("hashing worker started")
	for {
		select {
		case <-ctx.Done():
			h.log.Info("hashing worker shutting down", "reason", ctx.Err().Error())
			return nil

		case job, ok := <-h.jobs:
			if !ok {
				return nil
			}
			h.process(job)
		}
	}
}

func (h *Hasher) process(job Job) {
	hs, size, err := HashFile(job.FilePath)
	if err != nil {
		h.log.Warn("hashing failed", "file", job.FilePath, "err", err)
		h.alerts.Post(alert.Alert{
			Category: alert.CategoryError,
			Kind:     errs.KindOf(err),
			Message:  "hashing failed: " + job.FilePath,
			Data:     job,
		})
		return
	}

	h.log.Info("hashed file", "file", job.FilePath, "hash", hs.FileHash.String(), "pieces", len(hs.PieceHashes))
	h.alerts.Post(alert.Alert{
		Category: alert.CategoryStatus,
		Message:  "add_transfer_params",
		Data:     Result{Job: job, HashSet: hs, FileSize: size},
	})
}
