package server

import "time"

// Config holds connection-scoped tunables for the server session, composed
// into the root config the way internal/torrent/config.go composes its
// sub-packages' configs.
type Config struct {
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	MaxBodySize  int

	// KeepAliveInterval bounds the gap between outbound packets once
	// online; server_get_list is sent if nothing else went out in time
	// (spec.md §4.7, "Keep-alive").
	KeepAliveInterval time.Duration

	ClientName    string
	ClientVersion uint32

	ReconnectBackoff    time.Duration
	MaxReconnectBackoff time.Duration
}

func WithDefaultConfig() *Config {
	return &Config{
		DialTimeout:         30 * time.Second,
		ReadTimeout:         2 * time.Minute,
		WriteTimeout:        30 * time.Second,
		MaxBodySize:         1 << 20,
		KeepAliveInterval:   2 * time.Minute,
		ClientName:          "ed2kcore",
		ClientVersion:       0x3C,
		ReconnectBackoff:    15 * time.Second,
		MaxReconnectBackoff: 5 * time.Minute,
	}
}
