// Package proxy is the listener/supervisor: it accepts SOCKS5 TCP
// connections, optionally runs the UDP relay, tracks every live
// Connection, and tears them all down on shutdown, per spec.md §4.I.
package proxy

import (
	"context"
	"fmt"
	"net"
	"sync"

	"log/slog"

	"github.com/postalsys/muti-metroo/internal/logging"
	"github.com/postalsys/muti-metroo/internal/metrics"
	"github.com/postalsys/muti-metroo/internal/recovery"
	"github.com/postalsys/muti-metroo/internal/tcprelay"
	"github.com/postalsys/muti-metroo/internal/udprelay"
)

// Server owns the TCP listener, the optional UDP relay, and the
// registry of live Connections.
type Server struct {
	cfg     Config
	handler *tcprelay.Handler
	logger  *slog.Logger
	metrics *metrics.Metrics

	tcpListener net.Listener
	udpConn     *net.UDPConn
	udpRelay    *udprelay.Relay

	registry *connRegistry[net.Conn]

	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// New builds a Server from cfg. cfg.TCP's udpBind is set by Start once
// the UDP relay (if any) has actually bound its ephemeral port.
func New(cfg Config) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = logging.NopLogger()
	}
	logger = logger.With(logging.KeyComponent, "proxy")
	cfg.TCP.Logger = logger
	cfg.UDP.Logger = logger

	return &Server{
		cfg:      cfg,
		handler:  tcprelay.NewHandler(cfg.TCP),
		logger:   logger,
		metrics:  metrics.Default(),
		registry: newConnRegistry[net.Conn](),
		stopCh:   make(chan struct{}),
	}
}

// Start binds the TCP (and, if configured, UDP) listeners and begins
// accepting connections. It returns once both listeners are bound;
// the accept loop and UDP relay continue running in the background
// until ctx is canceled or Stop is called.
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.LocalAddr)
	if err != nil {
		return fmt.Errorf("proxy: listen %s: %w", s.cfg.LocalAddr, err)
	}
	s.tcpListener = ln

	if s.cfg.UDPLocalAddr != "" {
		udpAddr, err := net.ResolveUDPAddr("udp", s.cfg.UDPLocalAddr)
		if err != nil {
			ln.Close()
			return fmt.Errorf("proxy: resolve udp %s: %w", s.cfg.UDPLocalAddr, err)
		}
		udpConn, err := net.ListenUDP("udp", udpAddr)
		if err != nil {
			ln.Close()
			return fmt.Errorf("proxy: listen udp %s: %w", s.cfg.UDPLocalAddr, err)
		}
		s.udpConn = udpConn
		s.udpRelay = udprelay.NewRelay(udpConn, s.cfg.UDP)
		s.cfg.TCP.SetUDPBind(s.udpRelay.Addr())
		// NewHandler copies the Config, so rebuild it to pick up the bind.
		s.handler = tcprelay.NewHandler(s.cfg.TCP)

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer recovery.RecoverWithLog(s.logger, "proxy.Server.udpRelay")
			if err := s.udpRelay.Serve(ctx); err != nil && ctx.Err() == nil {
				s.logger.Error("udp relay exited", logging.KeyError, err)
			}
		}()
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer recovery.RecoverWithLog(s.logger, "proxy.Server.acceptLoop")
		s.acceptLoop(ctx)
	}()

	return nil
}

// Stop closes both listeners, tears down every live Connection, and
// waits for the accept loop and UDP relay goroutines to exit.
func (s *Server) Stop() {
	s.stopOnce.Do(func() {
		close(s.stopCh)
		if s.tcpListener != nil {
			s.tcpListener.Close()
		}
		if s.udpRelay != nil {
			s.udpRelay.Close()
		}
		s.registry.closeAll()
	})
	s.wg.Wait()
}

// ConnectionCount returns the number of active TCP relay connections.
func (s *Server) ConnectionCount() int64 {
	return s.registry.Count()
}

// Addr returns the bound TCP listener address, or nil before Start.
func (s *Server) Addr() net.Addr {
	if s.tcpListener == nil {
		return nil
	}
	return s.tcpListener.Addr()
}

func (s *Server) acceptLoop(ctx context.Context) {
	for {
		conn, err := s.tcpListener.Accept()
		if err != nil {
			select {
			case <-s.stopCh:
				return
			default:
				s.logger.Debug("accept error", logging.KeyError, err)
				continue
			}
		}

		if s.cfg.MaxConnections > 0 && s.registry.Count() >= int64(s.cfg.MaxConnections) {
			conn.Close()
			continue
		}

		s.registry.add(conn)
		s.metrics.RecordTCPConnect()
		s.logger.Debug("connection accepted",
			logging.KeyRemoteAddr, conn.RemoteAddr().String(),
			logging.KeyCount, s.registry.Count(),
		)
		s.wg.Add(1)
		go s.handleConn(ctx, conn)
	}
}

func (s *Server) handleConn(ctx context.Context, conn net.Conn) {
	defer s.wg.Done()
	defer s.registry.remove(conn)
	defer s.metrics.RecordTCPDisconnect()

	s.handler.Serve(ctx, conn)
}
