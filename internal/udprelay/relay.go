// Package udprelay implements the per-peer NAT relay for SOCKS5 UDP
// ASSOCIATE: strip the SOCKS5 UDP header, prepend the Shadowsocks
// address header, encrypt with single-record UDP AEAD framing, and
// relay datagrams to/from a per-client upstream socket, evicting idle
// peers after Config.Timeout.
package udprelay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"net"
	"sync"
	"time"

	"github.com/postalsys/muti-metroo/internal/logging"
	"github.com/postalsys/muti-metroo/internal/metrics"
	"github.com/postalsys/muti-metroo/internal/recovery"
	"github.com/postalsys/muti-metroo/internal/socks5"
	"github.com/postalsys/muti-metroo/internal/sscrypto"
	"github.com/postalsys/muti-metroo/internal/ssaddr"
)

// Relay owns the local UDP socket and the live peer table.
type Relay struct {
	cfg   Config
	local *net.UDPConn

	mu    sync.Mutex
	peers map[string]*peer

	logger  *slog.Logger
	metrics *metrics.Metrics
}

// NewRelay builds a Relay bound to local. The caller owns local's
// lifecycle (Relay.Close closes it).
func NewRelay(local *net.UDPConn, cfg Config) *Relay {
	r := &Relay{
		cfg:     cfg,
		local:   local,
		peers:   make(map[string]*peer),
		logger:  cfg.Logger,
		metrics: metrics.Default(),
	}
	if r.logger == nil {
		r.logger = logging.NopLogger()
	}
	r.logger = r.logger.With(logging.KeyComponent, "udprelay")
	return r
}

// Addr returns the relay's bound local address.
func (r *Relay) Addr() *net.UDPAddr {
	return r.local.LocalAddr().(*net.UDPAddr)
}

// Serve reads client datagrams until ctx is canceled or the socket
// errors, and runs the idle-eviction sweep concurrently.
func (r *Relay) Serve(ctx context.Context) error {
	go func() {
		defer recovery.RecoverWithLog(r.logger, "udprelay.Relay.evictLoop")
		r.evictLoop(ctx)
	}()

	buf := make([]byte, r.cfg.datagramSize())
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		n, clientAddr, err := r.local.ReadFromUDP(buf)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}
		r.handleClientDatagram(append([]byte(nil), buf[:n]...), clientAddr)
	}
}

// Close tears down every live peer and the local socket.
func (r *Relay) Close() error {
	r.mu.Lock()
	for key, p := range r.peers {
		p.close()
		delete(r.peers, key)
	}
	r.mu.Unlock()
	return r.local.Close()
}

func (r *Relay) handleClientDatagram(datagram []byte, clientAddr *net.UDPAddr) {
	hdr, payload, err := socks5.ParseUDPHeader(datagram)
	if err != nil {
		r.logger.Debug("dropping malformed UDP datagram", logging.KeyError, err)
		return
	}

	addrHdr := udpHeaderToSSAddr(hdr)
	addrWire, err := ssaddr.Encode(addrHdr)
	if err != nil {
		r.logger.Debug("dropping UDP datagram with bad address header", logging.KeyError, err)
		return
	}

	sealed, err := sscrypto.SealUDP(r.cfg.CipherSpec, r.cfg.MasterKey, append(addrWire, payload...))
	if err != nil {
		r.metrics.RecordCipherError("seal_udp")
		r.logger.Debug("failed to seal UDP datagram", logging.KeyError, err)
		return
	}

	p, err := r.peerFor(clientAddr)
	if err != nil {
		r.logger.Debug("failed to create UDP peer", logging.KeyError, err)
		return
	}
	p.touch()

	if _, err := p.remote.Write(sealed); err != nil {
		r.logger.Debug("failed to write to upstream", logging.KeyError, err)
		return
	}
	r.metrics.RecordUDPPacketSent()
}

func (r *Relay) peerFor(clientAddr *net.UDPAddr) (*peer, error) {
	key := clientAddr.String()

	r.mu.Lock()
	if p, ok := r.peers[key]; ok {
		r.mu.Unlock()
		return p, nil
	}
	r.mu.Unlock()

	upstream, err := r.pickUpstream()
	if err != nil {
		return nil, err
	}
	remoteAddr, err := net.ResolveUDPAddr("udp", upstream)
	if err != nil {
		return nil, fmt.Errorf("udprelay: resolve upstream %s: %w", upstream, err)
	}
	remote, err := net.DialUDP("udp", nil, remoteAddr)
	if err != nil {
		return nil, fmt.Errorf("udprelay: dial upstream %s: %w", upstream, err)
	}

	p := newPeer(clientAddr, remote)

	r.mu.Lock()
	if existing, ok := r.peers[key]; ok {
		r.mu.Unlock()
		p.close()
		return existing, nil
	}
	r.peers[key] = p
	r.mu.Unlock()

	r.metrics.RecordUDPPeerCreated()
	go func() {
		defer recovery.RecoverWithLog(r.logger, "udprelay.Relay.peerReadLoop")
		r.peerReadLoop(key, p)
	}()

	return p, nil
}

func (r *Relay) peerReadLoop(key string, p *peer) {
	buf := make([]byte, r.cfg.datagramSize()+64) // headroom for the AEAD salt/tag and address header
	for {
		n, err := p.remote.Read(buf)
		if err != nil {
			r.removePeer(key, p)
			return
		}

		plain, err := sscrypto.OpenUDP(r.cfg.CipherSpec, r.cfg.MasterKey, r.cfg.NonceCache, buf[:n])
		if err != nil {
			if errors.Is(err, sscrypto.ErrReplayedSalt) {
				r.metrics.RecordNonceReplayRejected()
			} else {
				r.metrics.RecordCipherError("open_udp")
			}
			r.logger.Info("invalid password or cipher", logging.KeyError, err)
			continue
		}

		addrHdr, consumed, err := ssaddr.Decode(plain)
		if err != nil {
			r.logger.Debug("dropping UDP reply with bad address header", logging.KeyError, err)
			continue
		}

		reply := buildSOCKS5UDPReply(addrHdr, plain[consumed:])
		if _, err := r.local.WriteToUDP(reply, p.clientAddr); err != nil {
			r.logger.Debug("failed to write UDP reply to client", logging.KeyError, err)
			continue
		}
		p.touch()
		r.metrics.RecordUDPPacketReceived()
	}
}

func (r *Relay) removePeer(key string, p *peer) {
	r.mu.Lock()
	if current, ok := r.peers[key]; ok && current == p {
		delete(r.peers, key)
	}
	r.mu.Unlock()
	p.close()
	r.metrics.RecordUDPPeerEvicted()
}

func (r *Relay) evictLoop(ctx context.Context) {
	interval := r.cfg.idleTimeout() / 2
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.evictIdle()
		}
	}
}

func (r *Relay) evictIdle() {
	limit := r.cfg.idleTimeout()

	r.mu.Lock()
	var stale []string
	for key, p := range r.peers {
		if p.idleSince() >= limit {
			stale = append(stale, key)
		}
	}
	for _, key := range stale {
		p := r.peers[key]
		delete(r.peers, key)
		p.close()
	}
	r.mu.Unlock()
}

// pickUpstream selects one of the configured upstream addresses at
// random, or the plugin address override when configured, mirroring
// tcprelay's selection policy.
func (r *Relay) pickUpstream() (string, error) {
	if r.cfg.PluginAddr != "" {
		return r.cfg.PluginAddr, nil
	}
	addrs := r.cfg.RemoteAddrs
	if len(addrs) == 0 {
		return "", fmt.Errorf("udprelay: no upstream addresses configured")
	}
	return addrs[rand.Intn(len(addrs))], nil
}

func udpHeaderToSSAddr(hdr *socks5.UDPHeader) ssaddr.Header {
	switch hdr.AddrType {
	case socks5.AddrTypeDomain:
		return ssaddr.Header{Type: ssaddr.TypeDomain, Host: hdr.Domain, Port: hdr.Port}
	case socks5.AddrTypeIPv6:
		return ssaddr.Header{Type: ssaddr.TypeIPv6, IP: hdr.Address, Host: hdr.Address.String(), Port: hdr.Port}
	default:
		return ssaddr.Header{Type: ssaddr.TypeIPv4, IP: hdr.Address, Host: hdr.Address.String(), Port: hdr.Port}
	}
}

func buildSOCKS5UDPReply(addrHdr ssaddr.Header, payload []byte) []byte {
	var atyp byte
	var addr []byte
	switch addrHdr.Type {
	case ssaddr.TypeIPv4:
		atyp = socks5.AddrTypeIPv4
		addr = addrHdr.IP.To4()
	case ssaddr.TypeIPv6:
		atyp = socks5.AddrTypeIPv6
		addr = addrHdr.IP.To16()
	default:
		atyp = socks5.AddrTypeDomain
		addr = append([]byte{byte(len(addrHdr.Host))}, addrHdr.Host...)
	}

	header := socks5.BuildUDPHeader(atyp, addr, addrHdr.Port)
	return append(header, payload...)
}
