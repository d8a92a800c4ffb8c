// Package alert implements the bounded notification channel the session
// dispatches to an embedding application (spec.md §4.8, §7). Every
// disconnect, disk error and state transition in the core is surfaced here
// instead of being logged-and-forgotten, so an embedder can drive UI or
// automation off of it.
package alert

import (
	"log/slog"
	"net/netip"

	"github.com/google/uuid"

	"ed2kcore/internal/errs"
)

// Category buckets alerts the way an embedder would want to filter them.
type Category uint8

const (
	CategoryStatus Category = iota
	CategoryServer
	CategoryPeer
	CategoryError
	CategoryStorage
)

func (c Category) String() string {
	switch c {
	case CategoryStatus:
		return "status_notification"
	case CategoryServer:
		return "server_notification"
	case CategoryPeer:
		return "peer_notification"
	case CategoryError:
		return "error_notification"
	case CategoryStorage:
		return "storage_notification"
	default:
		return "unknown"
	}
}

// Alert is the single notification type posted onto the queue. Endpoint and
// Kind are populated for disconnect-style alerts; Message/Data carry
// free-form payloads for everything else (search results, progress, etc).
type Alert struct {
	ID       uuid.UUID
	Category Category
	Endpoint netip.AddrPort
	Kind     errs.Kind
	Message  string
	Data     any
}

// Queue is a bounded, high-watermark alert channel with an optional
// dispatch callback. When Dispatch is set, Post calls it synchronously in
// addition to enqueuing; when the channel is full, the new alert is not
// enqueued (alerts already queued are kept) and a drop counter increments
// (the embedder is expected to poll the queue promptly, not to cushion a
// slow consumer).
type Queue struct {
	log      *slog.Logger
	ch       chan Alert
	dispatch func(Alert)
	dropped  uint64
}

func NewQueue(capacity int, log *slog.Logger, dispatch func(Alert)) *Queue {
	if capacity <= 0 {
		capacity = 1024
	}
	return &Queue{
		log:      log.With("component", "alert"),
		ch:       make(chan Alert, capacity),
		dispatch: dispatch,
	}
}

// Post enqueues a. If the queue is full, a is dropped and a warning is
// logged; Post never blocks the caller (the event loop must never suspend
// on alert delivery).
func (q *Queue) Post(a Alert) {
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}

	select {
	case q.ch <- a:
	default:
		q.dropped++
		q.log.Warn("alert queue full, dropping", "category", a.Category.String(), "dropped_total", q.dropped)
	}

	if q.dispatch != nil {
		q.dispatch(a)
	}
}

// Poll returns the next pending alert, or ok=false if the queue is empty.
func (q *Queue) Poll() (Alert, bool) {
	select {
	case a := <-q.ch:
		return a, true
	default:
		return Alert{}, false
	}
}

// Dropped reports the number of alerts discarded because the queue was full.
func (q *Queue) Dropped() uint64 { return q.dropped }

// Disconnect posts a peer/error alert for a connection teardown, the most
// common alert shape named by spec.md §7 ("every disconnect posts an alert
// carrying both the endpoint and the error kind").
func (q *Queue) Disconnect(endpoint netip.AddrPort, kind errs.Kind) {
	q.Post(Alert{
		Category: CategoryPeer,
		Endpoint: endpoint,
		Kind:     kind,
		Message:  "peer disconnected",
	})
}
