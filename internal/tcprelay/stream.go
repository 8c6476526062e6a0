package tcprelay

import (
	"context"
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/postalsys/muti-metroo/internal/logging"
	"github.com/postalsys/muti-metroo/internal/recovery"
	"github.com/postalsys/muti-metroo/internal/sscrypto"
	"github.com/postalsys/muti-metroo/internal/sserr"
)

func newTunnelWriter(cfg Config) *sscrypto.Writer {
	w, err := sscrypto.NewWriter(cfg.CipherSpec, cfg.MasterKey)
	if err != nil {
		// Salt generation failure here means crypto/rand is broken;
		// nothing downstream can recover from that.
		panic(err)
	}
	return w
}

func newTunnelReader(cfg Config) *sscrypto.Reader {
	return sscrypto.NewReader(cfg.CipherSpec, cfg.MasterKey, cfg.NonceCache)
}

// halfCloser is implemented by *net.TCPConn and lets one relay
// direction signal EOF to its peer without tearing down the whole
// Connection.
type halfCloser interface {
	CloseWrite() error
}

// byteDirection labels the data-transfer metrics by which leg of the
// route the bytes crossed, matching RecordBytesSent/Received's
// ("upstream" or "direct") contract.
func (c *conn) byteDirection() string {
	if c.direct {
		return "direct"
	}
	return "upstream"
}

// stream runs the STREAM stage to completion: two goroutines copy in
// each direction, encrypting/decrypting as they go when the route is
// tunneled, until both sides have reached EOF or hit the watchdog
// timeout. This is the Go realization of spec.md §4.G's four STREAM
// events (client_recv, remote_write_ready, remote_recv,
// client_write_ready): a blocking Read followed by a blocking Write is
// the client_recv+remote_write_ready pair (and symmetrically for the
// other direction), with partial writes retained by the runtime's own
// write buffering and backpressure applied by the blocking Write
// itself rather than a manual idx..len retained tail.
func (c *conn) stream(ctx context.Context) {
	var wg sync.WaitGroup
	wg.Add(2)

	go func() {
		defer wg.Done()
		defer recovery.RecoverWithLog(c.log(), "tcprelay.conn.clientToRemote")
		c.clientToRemote(ctx)
	}()
	go func() {
		defer wg.Done()
		defer recovery.RecoverWithLog(c.log(), "tcprelay.conn.remoteToClient")
		c.remoteToClient(ctx)
	}()

	wg.Wait()

	c.log().Debug("connection closed",
		logging.KeyDuration, time.Since(c.start).String(),
		"sent", humanize.Bytes(uint64(c.sent.Load())),
		"received", humanize.Bytes(uint64(c.recv.Load())),
	)
}

func (c *conn) clientToRemote(ctx context.Context) {
	defer closeWrite(c.remote)

	buf := make([]byte, c.h.cfg.bufSize())
	for {
		c.touch()
		n, err := c.client.Read(buf)
		if n > 0 {
			if c.h.cfg.RateLimit != nil {
				if werr := c.h.cfg.RateLimit.WaitN(ctx, n); werr != nil {
					return
				}
			}
			payload := buf[:n]
			if !c.direct {
				payload = c.enc.Seal(payload)
			}
			if _, werr := c.remote.Write(payload); werr != nil {
				return
			}
			c.sent.Add(int64(n))
			c.h.metrics.RecordBytesSent(c.byteDirection(), n)
		}
		if err != nil {
			return
		}
	}
}

func (c *conn) remoteToClient(ctx context.Context) {
	defer closeWrite(c.client)

	buf := make([]byte, c.h.cfg.bufSize())
	for {
		c.touch()
		n, err := c.remote.Read(buf)
		if n > 0 {
			if c.h.cfg.RateLimit != nil {
				if werr := c.h.cfg.RateLimit.WaitN(ctx, n); werr != nil {
					return
				}
			}
			if c.direct {
				if _, werr := c.client.Write(buf[:n]); werr != nil {
					return
				}
			} else {
				plain, derr := c.dec.Feed(buf[:n])
				if derr != nil && !isNeedMore(derr) {
					if errors.Is(derr, sscrypto.ErrReplayedSalt) {
						c.h.metrics.RecordNonceReplayRejected()
					} else {
						c.h.metrics.RecordCipherError("open_tcp")
					}
					c.log().Info("invalid password or cipher", logging.KeyError, derr)
					return
				}
				if len(plain) > 0 {
					if _, werr := c.client.Write(plain); werr != nil {
						return
					}
				}
			}
			c.recv.Add(int64(n))
			c.h.metrics.RecordBytesReceived(c.byteDirection(), n)
		}
		if err != nil {
			return
		}
	}
}

func (c *conn) touch() {
	if c.h.cfg.Timeout <= 0 {
		return
	}
	deadline := time.Now().Add(c.h.cfg.Timeout)
	_ = c.client.SetDeadline(deadline)
	if c.remote != nil {
		_ = c.remote.SetDeadline(deadline)
	}
}

func closeWrite(conn interface {
	Write([]byte) (int, error)
}) {
	if hc, ok := conn.(halfCloser); ok {
		_ = hc.CloseWrite()
	} else if closer, ok := conn.(io.Closer); ok {
		_ = closer.Close()
	}
}

func isNeedMore(err error) bool {
	return sserr.Is(err, sserr.KindNeedMore)
}
