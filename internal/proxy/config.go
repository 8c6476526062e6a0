package proxy

import (
	"log/slog"

	"github.com/postalsys/muti-metroo/internal/tcprelay"
	"github.com/postalsys/muti-metroo/internal/udprelay"
)

// Config aggregates everything Server needs to run the SOCKS5 front
// end and, optionally, the UDP relay. It is the plain CORE-facing
// configuration struct that cmd/ss-local translates a parsed
// config.Config into, per spec.md's "config file loading is an
// external collaborator" non-goal.
type Config struct {
	// LocalAddr is the TCP SOCKS5 listener address.
	LocalAddr string

	// UDPLocalAddr, if non-empty, binds a UDP relay at this address
	// and enables SOCKS5 UDP ASSOCIATE. Empty disables UDP entirely.
	UDPLocalAddr string

	TCP tcprelay.Config
	UDP udprelay.Config

	// MaxConnections bounds concurrent TCP relay connections (0 = unlimited).
	MaxConnections int

	Logger *slog.Logger
}
