package session

import (
	"time"

	"ed2kcore/internal/peerconn"
)

const (
	fallbackHalfOpenDefault = 50
	minHalfOpenDefault      = 10
	maxHalfOpenDefault      = 256
)

// Config holds session-scoped tunables, composed the way
// internal/torrent/config.go composes its sub-packages' configs.
type Config struct {
	ListenAddr string

	// HalfOpenLimit bounds concurrent connecting-but-not-established
	// outbound sockets (spec.md §5, "Half-open throttle"). Zero selects a
	// platform-derived default.
	HalfOpenLimit int

	DialTimeout time.Duration

	// SecondTickInterval drives per-connection bandwidth rolling, idle
	// request expiry and transfer keep-alives (spec.md §4.8).
	SecondTickInterval time.Duration

	// MinuteTickInterval drives the "ask for more peers" check on
	// transfers whose policy has gone empty (spec.md §4.8).
	MinuteTickInterval time.Duration

	AlertQueueCapacity int

	// Peerconn configures connections the session itself constructs for
	// accepted sockets, before any transfer has claimed them.
	Peerconn *peerconn.Config

	// KadListenAddr, when non-empty, binds a UDP socket that demultiplexes
	// Kademlia-tagged datagrams to Opts.KadHandler (spec.md §1's "UDP
	// packet demultiplexer" integration point). Empty disables it.
	KadListenAddr string
}

func WithDefaultConfig() *Config {
	return &Config{
		ListenAddr:         ":4662",
		HalfOpenLimit:      0,
		DialTimeout:        30 * time.Second,
		SecondTickInterval: time.Second,
		MinuteTickInterval: time.Minute,
		AlertQueueCapacity: 1024,
		Peerconn:           peerconn.WithDefaultConfig(),
		KadListenAddr:      "",
	}
}
