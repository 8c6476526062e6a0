package udprelay

import (
	"log/slog"
	"time"

	"github.com/postalsys/muti-metroo/internal/noncecache"
	"github.com/postalsys/muti-metroo/internal/sscrypto"
)

// Config holds everything a Relay needs to service UdpPeer entries.
// Immutable for the process lifetime, mirroring tcprelay.Config.
type Config struct {
	CipherSpec sscrypto.CipherSpec
	MasterKey  []byte

	RemoteAddrs []string // candidate upstreams; one chosen at random per peer
	PluginAddr  string    // overrides RemoteAddrs selection entirely

	// Timeout is the idle eviction window: a UdpPeer with no traffic
	// for this long is torn down, per spec.md §4.H.
	Timeout time.Duration

	// MaxDatagramSize bounds the local-socket read buffer.
	MaxDatagramSize int

	NonceCache *noncecache.Cache
	Logger     *slog.Logger
}

func (c *Config) datagramSize() int {
	if c.MaxDatagramSize > 0 {
		return c.MaxDatagramSize
	}
	return 1472 // common MTU minus IPv4/UDP headers
}

func (c *Config) idleTimeout() time.Duration {
	if c.Timeout > 0 {
		return c.Timeout
	}
	return 5 * time.Minute
}
