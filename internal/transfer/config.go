// Package transfer implements the per-file aggregate (spec.md §4.6, C6):
// the queued_for_checking/checking/downloading/finished/seeding state
// machine, resume-data handling, piece verification and the peer policy
// that drives which candidates the session dials next. Grounded on the
// teacher's internal/torrent/torrent.go Torrent, which composes the same
// storage+picker+swarm+tracker shape around a BitTorrent .torrent instead
// of an ed2k file hash.
package transfer

import (
	"time"

	"ed2kcore/internal/peerconn"
	"ed2kcore/internal/piece"
	"ed2kcore/internal/storage"
)

type Config struct {
	Peerconn *peerconn.Config
	Storage  *storage.Config

	MaxPeers     int
	UploadSlots  int
	Strategy     piece.Strategy
	EndgameFloor uint32

	CheckConcurrency  int
	StatsInterval     time.Duration
	ResumeSaveInterval time.Duration
}

func WithDefaultConfig() *Config {
	return &Config{
		Peerconn:           peerconn.WithDefaultConfig(),
		Storage:            storage.WithDefaultConfig(),
		MaxPeers:           50,
		UploadSlots:        4,
		Strategy:           piece.StrategyRarestFirst,
		EndgameFloor:       20,
		CheckConcurrency:   4,
		StatsInterval:      time.Second,
		ResumeSaveInterval: 2 * time.Minute,
	}
}
