package tcprelay

import (
	"log/slog"
	"net"
	"time"

	"golang.org/x/time/rate"

	"github.com/postalsys/muti-metroo/internal/bypass"
	"github.com/postalsys/muti-metroo/internal/noncecache"
	"github.com/postalsys/muti-metroo/internal/sscrypto"
)

// MptcpMode mirrors the configuration contract's mptcp_mode field.
type MptcpMode int

const (
	MptcpOff MptcpMode = iota
	MptcpAny
)

// MaxConnectTimeout bounds the per-connection connect-timeout
// regardless of the configured watchdog timeout, per spec.md §4.G.
const MaxConnectTimeout = 10 * time.Second

// Config holds everything a Handler needs to service Connections. It
// is built once by cmd/ss-local from parsed configuration and is
// immutable for the process lifetime, matching spec.md §5's "master
// key and CipherSpec are immutable after init."
type Config struct {
	CipherSpec sscrypto.CipherSpec
	MasterKey  []byte

	RemoteAddrs []string // upstream sockaddrs; one is chosen at random per spec.md §3
	PluginAddr  string    // when set, overrides RemoteAddrs selection entirely

	Timeout        time.Duration // per-connection watchdog
	TCPFastOpen    bool
	MptcpMode      MptcpMode
	BufSize        int // bound on sniff accumulation and relay chunk size

	ACL bypass.Policy

	// MaxConcurrentDials bounds outbound dials in flight; 0 disables
	// the bound.
	MaxConcurrentDials int64
	// RateLimit, if non-nil, throttles relayed bytes. The one limiter is
	// shared by every Connection the Handler serves and by both
	// directions; it is not a per-Connection limit.
	RateLimit *rate.Limiter

	NonceCache *noncecache.Cache
	Logger     *slog.Logger

	// udpBind is the local UDP relay's bind address, advertised in the
	// SOCKS5 UDP ASSOCIATE reply. Set via SetUDPBind once the UDP
	// listener has actually bound, since its ephemeral port is only
	// known at that point.
	udpBind *net.UDPAddr
}

// SetUDPBind records the UDP relay's bound address for the SOCKS5 UDP
// ASSOCIATE reply. NewHandler copies the Config, so this must be
// called before the Config is passed to NewHandler.
func (c *Config) SetUDPBind(addr *net.UDPAddr) {
	c.udpBind = addr
}

// connectTimeout is min(MaxConnectTimeout, c.Timeout) per spec.md §4.G.
func (c *Config) connectTimeout() time.Duration {
	if c.Timeout > 0 && c.Timeout < MaxConnectTimeout {
		return c.Timeout
	}
	return MaxConnectTimeout
}

func (c *Config) bufSize() int {
	if c.BufSize > 0 {
		return c.BufSize
	}
	return 16384
}
