package tcprelay

import (
	"context"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/postalsys/muti-metroo/internal/logging"
	"github.com/postalsys/muti-metroo/internal/sniff"
	"github.com/postalsys/muti-metroo/internal/socks5"
	"github.com/postalsys/muti-metroo/internal/ssaddr"
	"github.com/postalsys/muti-metroo/internal/sserr"
)

// sniffWindow is how long STREAM's delayed-connect waits for more
// client bytes to arrive before giving the sniffer its best shot —
// the Go equivalent of spec.md §4.G's "short timer (~50ms)" armed
// after preparing STREAM: the remote connect itself is what's
// delayed, realized here as a bounded blocking read rather than a
// timer callback, since the calling goroutine has nothing else to do
// in the meantime anyway.
const sniffWindow = 50 * time.Millisecond

// handshake drives INIT and HANDSHAKE. It returns the parsed CONNECT
// request, or a nil request (with nil error) when the client sent
// UDP ASSOCIATE and has already been replied to — the caller's only
// remaining job is to keep the TCP control connection open.
func (c *conn) handshake() (*socks5.Request, error) {
	c.stage = stageInit
	if err := socks5.Greet(c.client); err != nil {
		return nil, sserr.New(sserr.KindProtocolViolation, err)
	}

	c.stage = stageHandshake
	req, err := socks5.ReadRequest(c.client)
	if err != nil {
		return nil, sserr.New(sserr.KindProtocolViolation, err)
	}

	switch req.Command {
	case socks5.CmdUDPAssociate:
		bindIP, bindPort, ok := c.h.udpBindAddr()
		if !ok {
			_ = socks5.WriteReply(c.client, socks5.ReplyCmdNotSupported, nil, 0)
			return nil, sserr.New(sserr.KindProtocolViolation, fmt.Errorf("udp associate not enabled"))
		}
		if err := socks5.WriteReply(c.client, socks5.ReplySucceeded, bindIP, bindPort); err != nil {
			return nil, err
		}
		// Per spec.md §4.G: "reply with the local UDP bind sockaddr
		// then wait for client close." The TCP connection's only job
		// now is to detect when the client goes away.
		_, _ = io.Copy(io.Discard, c.client)
		return nil, nil

	case socks5.CmdConnect:
		if err := socks5.WriteReply(c.client, socks5.ReplySucceeded, nil, 0); err != nil {
			return nil, err
		}
		return req, nil

	default:
		_ = socks5.WriteReply(c.client, socks5.ReplyCmdNotSupported, nil, 0)
		return nil, sserr.New(sserr.KindProtocolViolation, fmt.Errorf("unsupported command %d", req.Command))
	}
}

// parseAndConnect drives PARSE then the routing decision in STREAM's
// setup: build the tunnel address header, optionally sniff a
// hostname, evaluate bypass, dial, and prepare c.remote along with
// any already-buffered client payload that must be forwarded first.
func (c *conn) parseAndConnect(ctx context.Context, req *socks5.Request) error {
	c.stage = stageParse

	header := requestToHeader(req)
	var pending []byte

	if req.AddrType != socks5.AddrTypeDomain {
		name, rest := c.sniffHostname(req.DestPort)
		pending = rest
		if name != "" {
			header = ssaddr.Header{Type: ssaddr.TypeDomain, Host: name, Port: req.DestPort}
		}
	}

	bypassHost := ""
	bypassIP := req.DestAddr
	if header.Type == ssaddr.TypeDomain {
		bypassHost = header.Host
		bypassIP = ""
	}
	c.direct = c.h.cfg.ACL.Decide(bypassHost, bypassIP)

	outcome := "proxied"
	if c.direct {
		outcome = "direct"
	}
	c.h.metrics.RecordBypassDecision(outcome)
	c.logAttrs = append(c.logAttrs, logging.KeyBypass, c.direct)
	if bypassHost != "" {
		c.logAttrs = append(c.logAttrs, logging.KeyHostname, bypassHost)
	}

	c.stage = stageStream

	if c.direct {
		target := net.JoinHostPort(req.DestAddr, portString(req.DestPort))
		dialStart := time.Now()
		remote, err := c.dial(ctx, target, false)
		if err != nil {
			return sserr.New(sserr.KindIoFatal, err)
		}
		c.h.metrics.RecordTCPConnectLatency(time.Since(dialStart).Seconds())
		c.logAttrs = append(c.logAttrs, logging.KeyUpstream, target)
		c.remote = remote
		if len(pending) > 0 {
			if _, err := remote.Write(pending); err != nil {
				return sserr.New(sserr.KindIoFatal, err)
			}
		}
		return nil
	}

	upstream, err := c.pickUpstream()
	if err != nil {
		return sserr.New(sserr.KindInvalidConfig, err)
	}
	dialStart := time.Now()
	remote, err := c.dial(ctx, upstream, c.h.cfg.TCPFastOpen)
	if err != nil {
		return sserr.New(sserr.KindIoFatal, err)
	}
	c.h.metrics.RecordTCPConnectLatency(time.Since(dialStart).Seconds())
	c.logAttrs = append(c.logAttrs, logging.KeyUpstream, upstream, logging.KeyCipher, c.h.cfg.CipherSpec.Name)
	c.remote = remote

	c.enc = newTunnelWriter(c.h.cfg)
	addrWire, err := ssaddr.Encode(header)
	if err != nil {
		return sserr.New(sserr.KindProtocolViolation, err)
	}
	first := append(addrWire, pending...)
	if _, err := remote.Write(c.enc.Seal(first)); err != nil {
		return sserr.New(sserr.KindIoFatal, err)
	}
	c.dec = newTunnelReader(c.h.cfg)

	return nil
}

// sniffHostname blocks briefly for additional client bytes and
// attempts to recover a hostname per spec.md §4.E, bounded by
// BufSize. It returns the sniffed hostname (empty if none) and every
// byte it read from the client, which the caller must still forward.
func (c *conn) sniffHostname(port uint16) (hostname string, buffered []byte) {
	buf := make([]byte, c.h.cfg.bufSize())
	total := 0

	_ = c.client.SetReadDeadline(time.Now().Add(sniffWindow))
	defer c.client.SetReadDeadline(time.Time{})

	for total < len(buf) {
		n, err := c.client.Read(buf[total:])
		total += n
		if n > 0 {
			res, name := sniff.Sniff(buf[:total], port)
			switch res {
			case sniff.Found:
				return name, buf[:total]
			case sniff.None:
				return "", buf[:total]
			}
			// NotEnough: keep accumulating until BufSize or deadline.
		}
		if err != nil {
			break // deadline exceeded or client closed; proceed without a sniff
		}
	}
	return "", buf[:total]
}

func requestToHeader(req *socks5.Request) ssaddr.Header {
	switch req.AddrType {
	case socks5.AddrTypeIPv4, socks5.AddrTypeIPv6:
		typ := byte(ssaddr.TypeIPv4)
		if req.AddrType == socks5.AddrTypeIPv6 {
			typ = ssaddr.TypeIPv6
		}
		return ssaddr.Header{Type: typ, IP: req.DestIP, Host: req.DestAddr, Port: req.DestPort}
	default:
		return ssaddr.Header{Type: ssaddr.TypeDomain, Host: req.DestAddr, Port: req.DestPort}
	}
}

func portString(port uint16) string {
	return fmt.Sprintf("%d", port)
}

// udpBindAddr returns the IP/port the SOCKS5 reply should advertise
// for a UDP ASSOCIATE, and whether UDP relay is enabled at all; spec.md
// §9 leaves BND.ADDR content an open question that either a real bind
// or zeros satisfies, and here it reads directly from the Handler's
// configured UDP listener address. ok is false when no UDP relay was
// ever bound (proxy.Config.UDPLocalAddr empty), in which case UDP
// ASSOCIATE is refused rather than advertising a bind that forwards
// nowhere.
func (h *Handler) udpBindAddr() (ip net.IP, port uint16, ok bool) {
	if h.cfg.udpBind == nil {
		return nil, 0, false
	}
	return h.cfg.udpBind.IP, uint16(h.cfg.udpBind.Port), true
}
