package udprelay

import (
	"net"
	"sync/atomic"
	"time"
)

// peer is a UdpPeer: one client sockaddr's NAT entry, owning a remote
// UDP socket connected to the selected upstream and its own session
// key material (derived fresh per datagram by sscrypto, so the peer
// itself holds no cipher state beyond the remote socket).
type peer struct {
	clientAddr *net.UDPAddr
	remote     *net.UDPConn

	lastActive atomic.Int64 // unix nanos, updated on every datagram in either direction

	done chan struct{}
}

func newPeer(clientAddr *net.UDPAddr, remote *net.UDPConn) *peer {
	p := &peer{clientAddr: clientAddr, remote: remote, done: make(chan struct{})}
	p.touch()
	return p
}

func (p *peer) touch() {
	p.lastActive.Store(time.Now().UnixNano())
}

func (p *peer) idleSince() time.Duration {
	return time.Since(time.Unix(0, p.lastActive.Load()))
}

func (p *peer) close() {
	select {
	case <-p.done:
		return
	default:
		close(p.done)
	}
	_ = p.remote.Close()
}
