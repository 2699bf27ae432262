package socks5

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/postalsys/qtun/internal/logging"
	"github.com/postalsys/qtun/internal/metrics"
)

// ServerConfig holds server configuration.
type ServerConfig struct {
	// Address to listen on (e.g., "127.0.0.1:1080")
	Address string

	// MaxConnections limits concurrent connections (0 = unlimited)
	MaxConnections int

	// ConnectTimeout is kept with the config; the handler does not apply it,
	// so an outbound dial is bounded only by the Dialer and by the client
	// disconnecting.
	ConnectTimeout time.Duration

	// IdleTimeout is set as each connection's deadline on accept, bounding
	// the handshake and request; it is cleared once a CONNECT or UDP
	// ASSOCIATE reply succeeds.
	IdleTimeout time.Duration

	// Authenticators for authentication
	Authenticators []Authenticator

	// Dialer for making outbound connections; a TunnelDialer in production.
	Dialer Dialer

	// UDPHandler drives UDP ASSOCIATE through the tunnel. Nil disables it.
	UDPHandler UDPAssociationHandler

	// Metrics records connection counters. Nil disables recording.
	Metrics *metrics.Metrics

	Logger *slog.Logger
}

// DefaultServerConfig returns sensible defaults.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		Address:        "127.0.0.1:1080",
		MaxConnections: 1000,
		ConnectTimeout: 30 * time.Second,
		IdleTimeout:    5 * time.Minute,
		Authenticators: []Authenticator{&NoAuthAuthenticator{}},
		Dialer:         &DirectDialer{},
	}
}

func (cfg ServerConfig) logger() *slog.Logger {
	if cfg.Logger == nil {
		return slog.Default()
	}
	return cfg.Logger
}

// Server is a SOCKS5 proxy server: the local front-end applications connect
// to, which forwards CONNECT and UDP ASSOCIATE through the handler's Dialer
// and UDPAssociationHandler.
type Server struct {
	cfg      ServerConfig
	handler  *Handler
	listener net.Listener
	log      *slog.Logger

	tracker *connTracker[net.Conn]

	running  atomic.Bool
	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// NewServer creates a new SOCKS5 server.
func NewServer(cfg ServerConfig) *Server {
	if cfg.Dialer == nil {
		cfg.Dialer = &DirectDialer{}
	}
	if len(cfg.Authenticators) == 0 {
		cfg.Authenticators = []Authenticator{&NoAuthAuthenticator{}}
	}

	handler := NewHandler(cfg.Authenticators, cfg.Dialer)
	handler.SetLogger(cfg.logger())
	handler.SetMetrics(cfg.Metrics)
	if cfg.UDPHandler != nil {
		handler.SetUDPHandler(cfg.UDPHandler)
		if host, _, err := net.SplitHostPort(cfg.Address); err == nil {
			if ip := net.ParseIP(host); ip != nil {
				handler.SetUDPBindIP(ip)
			}
		}
	}

	return &Server{
		cfg:     cfg,
		handler: handler,
		log:     cfg.logger(),
		tracker: newConnTracker[net.Conn](),
		stopCh:  make(chan struct{}),
	}
}

// Start starts the SOCKS5 server.
func (s *Server) Start() error {
	if s.running.Load() {
		return fmt.Errorf("server already running")
	}

	listener, err := net.Listen("tcp", s.cfg.Address)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}

	s.listener = listener
	s.running.Store(true)

	s.wg.Add(1)
	go s.acceptLoop()

	return nil
}

// Stop gracefully stops the server.
func (s *Server) Stop() error {
	var err error
	s.stopOnce.Do(func() {
		s.running.Store(false)
		close(s.stopCh)

		if s.listener != nil {
			err = s.listener.Close()
		}

		s.tracker.closeAll()
	})

	s.wg.Wait()
	return err
}

// StopWithContext stops with a timeout.
func (s *Server) StopWithContext(ctx context.Context) error {
	done := make(chan error, 1)
	go func() {
		done <- s.Stop()
	}()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Address returns the listening address.
func (s *Server) Address() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// ConnectionCount returns the number of active connections.
func (s *Server) ConnectionCount() int64 {
	return s.tracker.count()
}

// IsRunning returns true if the server is running.
func (s *Server) IsRunning() bool {
	return s.running.Load()
}

// SetUDPHandler sets the UDP association handler.
// This enables SOCKS5 UDP ASSOCIATE support.
func (s *Server) SetUDPHandler(handler UDPAssociationHandler) {
	s.handler.SetUDPHandler(handler)

	if host, _, err := net.SplitHostPort(s.cfg.Address); err == nil {
		if ip := net.ParseIP(host); ip != nil {
			s.handler.SetUDPBindIP(ip)
		}
	}
}

// acceptLoop accepts new connections.
func (s *Server) acceptLoop() {
	defer s.wg.Done()

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.stopCh:
				return
			default:
				s.log.Debug("socks5 accept error", logging.KeyError, err)
				continue
			}
		}

		if s.cfg.MaxConnections > 0 && s.tracker.count() >= int64(s.cfg.MaxConnections) {
			conn.Close()
			continue
		}

		s.tracker.add(conn)
		s.wg.Add(1)
		go s.handleConn(conn)
	}
}

// handleConn handles a single connection.
func (s *Server) handleConn(conn net.Conn) {
	defer s.wg.Done()
	defer s.tracker.remove(conn)
	defer conn.Close()

	if s.cfg.IdleTimeout > 0 {
		conn.SetDeadline(time.Now().Add(s.cfg.IdleTimeout))
	}

	if s.cfg.Metrics != nil {
		s.cfg.Metrics.RecordSOCKS5Connect()
		defer s.cfg.Metrics.RecordSOCKS5Disconnect()
	}

	if err := s.handler.Handle(conn); err != nil {
		s.log.Debug("socks5 connection error", logging.KeyError, err)
	}
}

// WithAuthenticators returns a new server config with authenticators.
func (cfg ServerConfig) WithAuthenticators(auths ...Authenticator) ServerConfig {
	cfg.Authenticators = auths
	return cfg
}

// WithDialer returns a new server config with a custom dialer.
func (cfg ServerConfig) WithDialer(dialer Dialer) ServerConfig {
	cfg.Dialer = dialer
	return cfg
}

// WithMaxConnections returns a new server config with max connections.
func (cfg ServerConfig) WithMaxConnections(max int) ServerConfig {
	cfg.MaxConnections = max
	return cfg
}
