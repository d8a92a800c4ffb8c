// Package config assembles the top-level application configuration: the
// client hash identity, on-disk layout (download directory, known.met,
// server.met, resume blobs) and the session/transfer/storage sub-configs
// those packages already define. Grounded on the teacher's
// internal/config/config.go (DefaultConfig/getDefaultDownloadDir/hasIPV6
// shape), adapted from a single flat BitTorrent Config into a thin
// aggregate over the already-domain-specific session.Config,
// transfer.Config, storage.Config and peerconn.Config.
package config

import (
	"crypto/rand"
	"net"
	"os"
	"path/filepath"

	"ed2kcore/internal/session"
	"ed2kcore/internal/transfer"
	"ed2kcore/internal/wire"
)

// Config is the root configuration an ed2kcli process loads at startup.
type Config struct {
	// ClientHash is this client's ed2k identity, a random 16-byte value
	// (spec.md §2's "hash identifying the local client" — distinct from
	// any file hash). Default generates a fresh one on every call; this
	// package does not persist it.
	ClientHash wire.Hash

	// DataDir holds known.met, server.met and saved resume blobs.
	DataDir string

	// DownloadDir is where new transfers write their files.
	DownloadDir string

	Session  *session.Config
	Transfer *transfer.Config

	// ListenPort is the client's TCP port. Default sets it to 4662 and
	// sets Session.ListenAddr to ":4662" separately; nothing copies one
	// field into the other.
	ListenPort uint16
}

// KnownMetPath is the known.met store's on-disk location under DataDir.
func (c *Config) KnownMetPath() string {
	return filepath.Join(c.DataDir, "known.met.db")
}

// ServerMetPath is the server.met list's on-disk location under DataDir.
func (c *Config) ServerMetPath() string {
	return filepath.Join(c.DataDir, "server.met")
}

// ResumeDir holds one resume blob per active transfer, named by file hash.
func (c *Config) ResumeDir() string {
	return filepath.Join(c.DataDir, "resume")
}

// Default returns sensible defaults for most use cases, generating a new
// random client identity.
func Default() (*Config, error) {
	dataDir, err := defaultDataDir()
	if err != nil {
		return nil, err
	}
	downloadDir, err := defaultDownloadDir()
	if err != nil {
		return nil, err
	}

	clientHash, err := generateClientHash()
	if err != nil {
		return nil, err
	}

	sessionCfg := session.WithDefaultConfig()
	sessionCfg.ListenAddr = ":4662"

	transferCfg := transfer.WithDefaultConfig()
	transferCfg.Storage.DownloadDir = downloadDir

	return &Config{
		ClientHash:  clientHash,
		DataDir:     dataDir,
		DownloadDir: downloadDir,
		Session:     sessionCfg,
		Transfer:    transferCfg,
		ListenPort:  4662,
	}, nil
}

// EnsureLayout creates DataDir, ResumeDir and DownloadDir if missing.
func (c *Config) EnsureLayout() error {
	for _, dir := range []string{c.DataDir, c.ResumeDir(), c.DownloadDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	return nil
}

func defaultDataDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		cwd, err := os.Getwd()
		if err != nil {
			return "", err
		}
		return filepath.Join(cwd, ".ed2kcli"), nil
	}
	return filepath.Join(home, ".local", "share", "ed2kcli"), nil
}

func defaultDownloadDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		cwd, err := os.Getwd()
		if err != nil {
			return "", err
		}
		return filepath.Join(cwd, "downloads"), nil
	}
	return filepath.Join(home, "Downloads", "ed2kcli"), nil
}

// hasIPV6 reports whether any non-loopback interface has a global-unicast
// IPv6 address, used to decide whether to advertise IPv6 capability during
// the LoginRequest handshake.
func hasIPV6() bool {
	ifaces, _ := net.Interfaces()

	for _, ifi := range ifaces {
		if (ifi.Flags & net.FlagUp) == 0 {
			continue
		}
		addrs, _ := ifi.Addrs()
		for _, a := range addrs {
			ipNet, ok := a.(*net.IPNet)
			if !ok {
				continue
			}

			ip := ipNet.IP
			if ip == nil || ip.To4() != nil {
				continue
			}
			if ip.IsGlobalUnicast() && !ip.IsLinkLocalUnicast() && !ip.IsLoopback() {
				return true
			}
		}
	}

	return false
}

// HasIPV6 exposes hasIPV6 for callers outside the package.
func HasIPV6() bool { return hasIPV6() }

func generateClientHash() (wire.Hash, error) {
	var h wire.Hash
	if _, err := rand.Read(h[:]); err != nil {
		return wire.Hash{}, err
	}
	return h, nil
}
