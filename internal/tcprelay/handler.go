package tcprelay

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"net"
	"sync/atomic"
	"syscall"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/postalsys/muti-metroo/internal/logging"
	"github.com/postalsys/muti-metroo/internal/metrics"
	"github.com/postalsys/muti-metroo/internal/recovery"
	"github.com/postalsys/muti-metroo/internal/sscrypto"
	"github.com/postalsys/muti-metroo/internal/sserr"
)

// Handler owns the process-wide state shared by every Connection:
// the dial concurrency limiter and the TCP Fast Open capability
// probe, both of which spec.md §9 calls out as process-wide rather
// than per-connection state.
type Handler struct {
	cfg Config

	dialSem *semaphore.Weighted

	// fastOpenSupported starts optimistic and is cleared, once,
	// process-wide, the first time the platform reports the option is
	// not supported (ENOPROTOOPT/EOPNOTSUPP), per spec.md §4.G.
	fastOpenSupported atomic.Bool

	logger  *slog.Logger
	metrics *metrics.Metrics
}

// NewHandler builds a Handler from cfg. cfg is not copied defensively;
// callers must not mutate it afterward.
func NewHandler(cfg Config) *Handler {
	h := &Handler{cfg: cfg, logger: cfg.Logger, metrics: metrics.Default()}
	if h.logger == nil {
		h.logger = logging.NopLogger()
	}
	h.logger = h.logger.With(logging.KeyComponent, "tcprelay")
	if cfg.MaxConcurrentDials > 0 {
		h.dialSem = semaphore.NewWeighted(cfg.MaxConcurrentDials)
	}
	h.fastOpenSupported.Store(cfg.TCPFastOpen)
	return h
}

// Serve drives one client connection through the SOCKS5 state machine
// to STREAM and relays it to completion. It never returns an error to
// the caller: all Connection-scoped failures are logged and the
// Connection is torn down locally, per spec.md §7's propagation rule.
func (h *Handler) Serve(ctx context.Context, client net.Conn) {
	defer recovery.RecoverWithCallback(h.logger, "tcprelay.Handler.Serve", func(any) {
		h.metrics.RecordPanicRecovered("tcprelay.Handler.Serve")
	})
	defer client.Close()

	c := &conn{
		h:      h,
		client: client,
		stage:  stageInit,
		start:  time.Now(),
	}
	c.run(ctx)
}

// conn is one TCP Connection. Two goroutines (client->remote,
// remote->client) are spawned once it reaches STREAM; these replace
// the four discrete reactor watchers of spec.md §4.G/§5 — each
// direction's goroutine is the suspension point its watcher used to
// be, and Go's blocking I/O supplies the ordering and backpressure
// guarantees spec.md §5 specifies without manual buffer bookkeeping.
type conn struct {
	h      *Handler
	client net.Conn
	remote net.Conn

	stage  stage
	direct bool

	enc *sscrypto.Writer
	dec *sscrypto.Reader

	sent atomic.Int64
	recv atomic.Int64

	start    time.Time
	logAttrs []any
}

type stage int

const (
	stageInit stage = iota
	stageHandshake
	stageParse
	stageStream
)

func (c *conn) log() *slog.Logger {
	return c.h.logger.With(c.logAttrs...)
}

func (c *conn) run(ctx context.Context) {
	c.logAttrs = []any{logging.KeyRemoteAddr, c.client.RemoteAddr().String()}

	req, err := c.handshake()
	if err != nil {
		c.recordHandshakeError(err)
		c.log().Debug("handshake failed", logging.KeyError, err)
		return
	}
	if req == nil {
		return // UDP ASSOCIATE: reply already sent, association handled elsewhere
	}

	if err := c.parseAndConnect(ctx, req); err != nil {
		c.recordHandshakeError(err)
		c.log().Debug("connect failed", logging.KeyError, err)
		return
	}
	defer c.remote.Close()

	c.stream(ctx)
}

// recordHandshakeError labels a HANDSHAKE/PARSE-stage failure by its
// sserr.Kind, falling back to io_fatal for errors that weren't raised
// through sserr.New.
func (c *conn) recordHandshakeError(err error) {
	kind, ok := sserr.KindOf(err)
	if !ok {
		kind = sserr.KindIoFatal
	}
	c.h.metrics.RecordTCPHandshakeError(kind.String())
}

// pickUpstream selects one of the configured upstream addresses at
// random, per spec.md §3 ("round-robin index increments are not
// required; random selection is the specified policy"), or the
// plugin address override when configured.
func (c *conn) pickUpstream() (string, error) {
	if c.h.cfg.PluginAddr != "" {
		return c.h.cfg.PluginAddr, nil
	}
	addrs := c.h.cfg.RemoteAddrs
	if len(addrs) == 0 {
		return "", fmt.Errorf("tcprelay: no upstream addresses configured")
	}
	return addrs[rand.Intn(len(addrs))], nil
}

// dial connects to address, applying the dial-concurrency limiter,
// TCP Fast Open, and MPTCP per the Handler's config capabilities.
func (c *conn) dial(ctx context.Context, address string, fastOpen bool) (net.Conn, error) {
	if c.h.dialSem != nil {
		if err := c.h.dialSem.Acquire(ctx, 1); err != nil {
			return nil, err
		}
		defer c.h.dialSem.Release(1)
	}

	dialer := net.Dialer{Timeout: c.h.cfg.connectTimeout()}
	if c.h.cfg.MptcpMode == MptcpAny {
		dialer.SetMultipathTCP(true)
	}
	if fastOpen && c.h.fastOpenSupported.Load() {
		dialer.Control = c.h.fastOpenControl()
	}

	return dialer.DialContext(ctx, "tcp", address)
}

// fastOpenControl returns a Dialer.Control hook that attempts to set
// TCP_FASTOPEN_CONNECT before connect, clearing the Handler's
// capability flag process-wide if the platform rejects the option.
func (h *Handler) fastOpenControl() func(network, address string, c syscall.RawConn) error {
	return func(network, address string, rc syscall.RawConn) error {
		if !setFastOpenConnect(rc) {
			h.fastOpenSupported.Store(false)
		}
		return nil
	}
}
