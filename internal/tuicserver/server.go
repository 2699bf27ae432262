package tuicserver

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"sync"

	"github.com/quic-go/quic-go"

	"github.com/postalsys/qtun/internal/quictransport"
)

// Listener accepts qtun QUIC connections and runs the server FSM for each.
type Listener struct {
	cfg Config
	ln  *quic.Listener

	mu    sync.Mutex
	conns map[*Conn]struct{}
}

// Listen binds addr and returns a Listener ready to Serve.
func Listen(addr string, tlsConfig *tls.Config, transportCfg quictransport.Config, cfg Config) (*Listener, error) {
	if cfg.Authenticator == nil {
		return nil, fmt.Errorf("tuicserver: Config.Authenticator is required")
	}
	transportCfg.TLSConfig = tlsConfig

	ln, err := quictransport.Listen(addr, transportCfg)
	if err != nil {
		return nil, err
	}

	if cfg.AuthTimeout <= 0 {
		cfg.AuthTimeout = DefaultConfig().AuthTimeout
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = DefaultConfig().ConnectTimeout
	}

	return &Listener{cfg: cfg, ln: ln, conns: make(map[*Conn]struct{})}, nil
}

// Serve accepts connections until ctx is cancelled, spawning a Conn per
// accepted connection.
func (l *Listener) Serve(ctx context.Context) error {
	for {
		quicConn, err := l.ln.Accept(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}

		conn := NewConn(quicConn, l.cfg)
		l.track(conn)
		go func() {
			defer l.untrack(conn)
			conn.Serve(ctx)
		}()
	}
}

func (l *Listener) track(c *Conn) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.conns[c] = struct{}{}
}

func (l *Listener) untrack(c *Conn) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.conns, c)
}

// ActiveConnections returns the number of QUIC connections currently being
// served, including ones still awaiting authentication.
func (l *Listener) ActiveConnections() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.conns)
}

// ActiveUDPSessions returns the total number of open UDP sessions across
// every connection currently being served.
func (l *Listener) ActiveUDPSessions() int {
	l.mu.Lock()
	conns := make([]*Conn, 0, len(l.conns))
	for c := range l.conns {
		conns = append(conns, c)
	}
	l.mu.Unlock()

	total := 0
	for _, c := range conns {
		total += c.UDPSessionCount()
	}
	return total
}

// Close stops accepting new connections.
func (l *Listener) Close() error {
	return l.ln.Close()
}

// Addr returns the listener's bound address.
func (l *Listener) Addr() net.Addr {
	return l.ln.Addr()
}
