package tuicserver

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/quic-go/quic-go"

	"github.com/postalsys/qtun/internal/heartbeat"
	"github.com/postalsys/qtun/internal/logging"
	"github.com/postalsys/qtun/internal/metrics"
	"github.com/postalsys/qtun/internal/protocol"
	"github.com/postalsys/qtun/internal/ratelimit"
	"github.com/postalsys/qtun/internal/recovery"
	"github.com/postalsys/qtun/internal/udprelay"
)

// State is a server connection's authentication lifecycle
// (spec.md §4.6: AwaitingAuth -> Authenticated -> Closed).
type State int

const (
	StateAwaitingAuth State = iota
	StateAuthenticated
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateAwaitingAuth:
		return "AWAITING_AUTH"
	case StateAuthenticated:
		return "AUTHENTICATED"
	case StateClosed:
		return "CLOSED"
	default:
		return "UNKNOWN"
	}
}

// Conn is one client's QUIC connection to the server: its authentication
// state, its UDP session table, and the four concurrent acceptors that
// service it (control stream, additional bidi streams, uni streams,
// datagrams).
type Conn struct {
	quicConn quic.Connection
	cfg      Config
	log      *slog.Logger

	mu    sync.Mutex
	state State

	control      quic.Stream
	table        *udprelay.Table
	connectGuard *ratelimit.Guard
	wg           sync.WaitGroup
	activity     *heartbeat.Activity
}

// NewConn wraps an accepted QUIC connection. Call Serve to run it to completion.
func NewConn(quicConn quic.Connection, cfg Config) *Conn {
	return &Conn{
		quicConn:     quicConn,
		cfg:          cfg,
		log:          cfg.logger().With(logging.KeyRemoteAddr, quicConn.RemoteAddr().String()),
		state:        StateAwaitingAuth,
		connectGuard: ratelimit.New(cfg.ConnectRatePerSecond, cfg.ConnectRateBurst),
		activity:     heartbeat.NewActivity(),
	}
}

// UDPSessionCount returns the number of open UDP sessions on this
// connection. Zero before authentication completes.
func (c *Conn) UDPSessionCount() int {
	c.mu.Lock()
	table := c.table
	c.mu.Unlock()
	if table == nil {
		return 0
	}
	return table.Count()
}

func (c *Conn) getState() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Conn) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

// Serve authenticates the connection, then runs every acceptor until the
// connection closes or a fatal protocol error occurs. It blocks until the
// connection is fully torn down.
func (c *Conn) Serve(ctx context.Context) {
	defer recovery.RecoverWithLog(c.log, "tuicserver.Conn.Serve")

	acceptStart := time.Now()
	control, err := c.acceptControlStream(ctx)
	if err != nil {
		c.log.Debug("auth handshake failed", logging.KeyError, err)
		if c.cfg.Metrics != nil {
			c.cfg.Metrics.RecordAuthFailure()
		}
		return
	}
	if c.cfg.Metrics != nil {
		c.cfg.Metrics.RecordConnect(time.Since(acceptStart).Seconds())
		defer c.cfg.Metrics.RecordDisconnect()
	}

	c.control = control
	udpCfg := c.cfg.UDPRelay
	udpCfg.Metrics = c.cfg.Metrics
	table := udprelay.NewTable(udpCfg, &quicSender{conn: c.quicConn, activity: c.activity}, c.cfg.Resolver, c.log)
	c.mu.Lock()
	c.table = table
	c.mu.Unlock()
	defer table.Close()

	c.wg.Add(4)
	go c.runControlLoop(control)
	go c.runBidiLoop(ctx)
	go c.runUniLoop(ctx)
	go c.runDatagramLoop(ctx)

	if c.cfg.HeartbeatInterval > 0 {
		c.wg.Add(1)
		go func() {
			defer c.wg.Done()
			heartbeat.Run(ctx, c.cfg.HeartbeatInterval, c.activity, c, c.log)
		}()
	}

	c.wg.Wait()
	c.setState(StateClosed)
}

// Heartbeat sends a Heartbeat command on the control stream, satisfying
// heartbeat.Sender.
func (c *Conn) Heartbeat() error {
	err := protocol.WriteCommand(c.control, protocol.HeartbeatCommand{})
	if c.cfg.Metrics != nil {
		c.cfg.Metrics.RecordHeartbeatSent(err)
	}
	return err
}

// acceptControlStream waits for the client's first bidirectional stream
// within AuthTimeout and validates its Authenticate command. The first
// stream a client opens is, by convention, the long-lived control stream
// that subsequently carries Heartbeat and Dissociate.
func (c *Conn) acceptControlStream(ctx context.Context) (quic.Stream, error) {
	authCtx := ctx
	var cancel context.CancelFunc
	if c.cfg.AuthTimeout > 0 {
		authCtx, cancel = context.WithTimeout(ctx, c.cfg.AuthTimeout)
		defer cancel()
	}

	stream, err := c.quicConn.AcceptStream(authCtx)
	if err != nil {
		c.quicConn.CloseWithError(protocol.CodeAuthTimeout, "authentication timeout")
		return nil, fmt.Errorf("tuicserver: accept control stream: %w", err)
	}

	cmd, err := protocol.ReadCommand(stream)
	if err != nil {
		c.quicConn.CloseWithError(protocol.CodeProtocolError, "malformed authenticate command")
		return nil, fmt.Errorf("tuicserver: read authenticate: %w", err)
	}

	authCmd, ok := cmd.(protocol.AuthenticateCommand)
	if !ok {
		c.quicConn.CloseWithError(protocol.CodeProtocolError, "expected authenticate command")
		return nil, fmt.Errorf("tuicserver: first command was %T, want AuthenticateCommand", cmd)
	}

	if !c.cfg.Authenticator.Verify(authCmd.Digest) {
		c.quicConn.CloseWithError(protocol.CodeUnauthenticated, "authentication failed")
		return nil, protocol.ErrAuthenticationFailed
	}

	c.setState(StateAuthenticated)
	c.log.Info("client authenticated")
	return stream, nil
}

// runControlLoop reads Heartbeat and Dissociate commands from the control
// stream for the lifetime of the connection. A second Authenticate on this
// stream is a protocol error (spec.md §9).
func (c *Conn) runControlLoop(control quic.Stream) {
	defer c.wg.Done()

	for {
		cmd, err := protocol.ReadCommand(control)
		if err != nil {
			if !errors.Is(err, io.EOF) {
				c.log.Debug("control stream closed", logging.KeyError, err)
			}
			c.quicConn.CloseWithError(protocol.CodeShutdown, "control stream closed")
			return
		}

		switch v := cmd.(type) {
		case protocol.HeartbeatCommand:
			c.log.Debug("heartbeat received")
		case protocol.DissociateCommand:
			c.table.Dissociate(v.AssocID)
		default:
			c.log.Warn("unexpected command on control stream", "type", fmt.Sprintf("%T", cmd))
			c.quicConn.CloseWithError(protocol.CodeProtocolError, "unexpected control command")
			return
		}
	}
}

// runBidiLoop accepts every bidi stream after the control stream; each one
// opens a TCP relay with a leading Connect command.
func (c *Conn) runBidiLoop(ctx context.Context) {
	defer c.wg.Done()

	for {
		stream, err := c.quicConn.AcceptStream(ctx)
		if err != nil {
			return
		}
		go c.handleConnectStream(ctx, stream)
	}
}

func (c *Conn) handleConnectStream(ctx context.Context, stream quic.Stream) {
	defer recovery.RecoverWithLog(c.log, "tuicserver.handleConnectStream")

	if !c.connectGuard.Allow() {
		c.log.Debug("connect rate limit exceeded")
		_ = protocol.WriteCommand(stream, protocol.ResponseCommand{OK: false})
		stream.Close()
		return
	}

	cmd, err := protocol.ReadCommand(stream)
	if err != nil {
		stream.CancelRead(0)
		stream.Close()
		return
	}

	connectCmd, ok := cmd.(protocol.ConnectCommand)
	if !ok {
		c.log.Warn("unexpected command on relay stream", "type", fmt.Sprintf("%T", cmd))
		stream.CancelRead(0)
		stream.Close()
		return
	}

	dialCtx := ctx
	var cancel context.CancelFunc
	if c.cfg.ConnectTimeout > 0 {
		dialCtx, cancel = context.WithTimeout(ctx, c.cfg.ConnectTimeout)
		defer cancel()
	}

	dialStart := time.Now()
	var d net.Dialer
	target, err := d.DialContext(dialCtx, "tcp", connectCmd.Addr.String())
	if err != nil {
		c.log.Debug("connect dial failed", logging.KeyAddress, connectCmd.Addr.String(), logging.KeyError, err)
		if c.cfg.Metrics != nil {
			c.cfg.Metrics.RecordStreamFailure(dialFailureReason(err))
		}
		_ = protocol.WriteCommand(stream, protocol.ResponseCommand{OK: false})
		stream.Close()
		return
	}
	defer target.Close()

	if err := protocol.WriteCommand(stream, protocol.ResponseCommand{OK: true}); err != nil {
		return
	}
	c.activity.Notify()

	if c.cfg.Metrics != nil {
		c.cfg.Metrics.RecordStreamOpen(time.Since(dialStart).Seconds())
		defer c.cfg.Metrics.RecordStreamClose()
	}

	c.log.Debug("relaying tcp stream", logging.KeyAddress, connectCmd.Addr.String())
	splice(stream, target, c.cfg.Metrics)
}

func dialFailureReason(err error) string {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return "dial_timeout"
	}
	return "dial_failed"
}

// runUniLoop accepts every uni stream: each carries one reliable UDP
// fragment, framed as a Packet command followed by the fragment bytes.
func (c *Conn) runUniLoop(ctx context.Context) {
	defer c.wg.Done()

	for {
		stream, err := c.quicConn.AcceptUniStream(ctx)
		if err != nil {
			return
		}
		go c.handleUniStream(stream)
	}
}

func (c *Conn) handleUniStream(stream quic.ReceiveStream) {
	defer recovery.RecoverWithLog(c.log, "tuicserver.handleUniStream")

	cmd, err := protocol.ReadCommand(stream)
	if err != nil {
		return
	}
	pkt, ok := cmd.(protocol.PacketCommand)
	if !ok {
		c.log.Warn("unexpected command on uni stream", "type", fmt.Sprintf("%T", cmd))
		return
	}

	fragment, err := io.ReadAll(stream)
	if err != nil {
		return
	}

	if err := c.table.HandlePacket(pkt.AssocID, pkt.Addr, pkt.Len, fragment, true); err != nil {
		c.log.Debug("udp relay failed", logging.KeyAssocID, pkt.AssocID, logging.KeyError, err)
	}
}

// runDatagramLoop receives every unreliable UDP fragment delivered as a
// QUIC datagram, framed as a bare UDPHeader followed by the fragment bytes.
func (c *Conn) runDatagramLoop(ctx context.Context) {
	defer c.wg.Done()

	for {
		buf, err := c.quicConn.ReceiveDatagram(ctx)
		if err != nil {
			return
		}

		header, fragment, err := protocol.ParseUDPHeader(buf)
		if err != nil {
			c.log.Debug("malformed udp datagram", logging.KeyError, err)
			continue
		}

		if err := c.table.HandlePacket(header.AssocID, header.Addr, header.Len, fragment, false); err != nil {
			c.log.Debug("udp relay failed", logging.KeyAssocID, header.AssocID, logging.KeyError, err)
		}
	}
}

// splice copies bytes in both directions between a QUIC stream and a TCP
// connection until either side closes.
func splice(stream quic.Stream, target net.Conn, m *metrics.Metrics) {
	var wg sync.WaitGroup
	wg.Add(2)

	go func() {
		defer wg.Done()
		n, _ := io.Copy(target, stream)
		if m != nil {
			m.RecordBytesRelayed("upstream", int(n))
		}
		if tcpConn, ok := target.(*net.TCPConn); ok {
			tcpConn.CloseWrite()
		}
	}()
	go func() {
		defer wg.Done()
		n, _ := io.Copy(stream, target)
		if m != nil {
			m.RecordBytesRelayed("downstream", int(n))
		}
		stream.Close()
	}()

	wg.Wait()
}
