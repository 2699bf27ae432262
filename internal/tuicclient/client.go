package tuicclient

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/quic-go/quic-go"

	"github.com/postalsys/qtun/internal/auth"
	"github.com/postalsys/qtun/internal/heartbeat"
	"github.com/postalsys/qtun/internal/logging"
	"github.com/postalsys/qtun/internal/metrics"
	"github.com/postalsys/qtun/internal/protocol"
	"github.com/postalsys/qtun/internal/quictransport"
	"github.com/postalsys/qtun/internal/recovery"
)

// Client is an authenticated connection to a qtun server. It exposes the
// operations a SOCKS5 front-end drives: connect, associate, send_packet,
// and dissociate.
type Client struct {
	quicConn quic.Connection
	control  quic.Stream
	cfg      Config
	log      *slog.Logger

	mu    sync.Mutex
	assoc map[uint32]*Association

	nextAssocID atomic.Uint32
	activity    *heartbeat.Activity
}

// Dial opens a QUIC connection to addr, authenticates it, and returns a
// ready-to-use Client. The returned Client owns background goroutines that
// demultiplex inbound UDP traffic until ctx is cancelled or Close is called.
func Dial(ctx context.Context, addr string, tlsConfig *tls.Config, transportCfg quictransport.Config, cfg Config) (*Client, error) {
	if cfg.Token == "" {
		return nil, fmt.Errorf("tuicclient: Config.Token is required")
	}
	transportCfg.TLSConfig = tlsConfig

	quicConn, err := quictransport.Dial(ctx, addr, transportCfg)
	if err != nil {
		return nil, err
	}

	c := &Client{
		quicConn: quicConn,
		cfg:      cfg,
		log:      cfg.logger().With(logging.KeyRemoteAddr, addr),
		assoc:    make(map[uint32]*Association),
		activity: heartbeat.NewActivity(),
	}

	authStart := time.Now()
	authCtx := ctx
	var cancel context.CancelFunc
	if cfg.AuthTimeout > 0 {
		authCtx, cancel = context.WithTimeout(ctx, cfg.AuthTimeout)
		defer cancel()
	}

	control, err := quicConn.OpenStreamSync(authCtx)
	if err != nil {
		quicConn.CloseWithError(protocol.CodeProtocolError, "failed to open control stream")
		if cfg.Metrics != nil {
			cfg.Metrics.RecordAuthFailure()
		}
		return nil, fmt.Errorf("tuicclient: open control stream: %w", err)
	}

	digest := auth.Digest(cfg.Token)
	if err := protocol.WriteCommand(control, protocol.AuthenticateCommand{Digest: digest}); err != nil {
		quicConn.CloseWithError(protocol.CodeProtocolError, "failed to send authenticate")
		if cfg.Metrics != nil {
			cfg.Metrics.RecordAuthFailure()
		}
		return nil, fmt.Errorf("tuicclient: send authenticate: %w", err)
	}
	if cfg.Metrics != nil {
		cfg.Metrics.RecordConnect(time.Since(authStart).Seconds())
	}

	c.control = control
	go c.acceptUniLoop(ctx)
	go c.acceptDatagramLoop(ctx)

	if cfg.HeartbeatInterval > 0 {
		go heartbeat.Run(ctx, cfg.HeartbeatInterval, c.activity, c, c.log)
	}

	return c, nil
}

// Connect opens a new bidi stream, sends a Connect command for addr, and
// returns the stream once the server's Response arrives. On failure the
// server's reported failure is returned as protocol.ErrRemoteConnectFailed.
func (c *Client) Connect(ctx context.Context, addr protocol.Address) (io.ReadWriteCloser, error) {
	c.activity.Notify()

	openStart := time.Now()
	stream, err := c.quicConn.OpenStreamSync(ctx)
	if err != nil {
		c.recordStreamFailure("open_failed")
		return nil, fmt.Errorf("tuicclient: open relay stream: %w", err)
	}

	if err := protocol.WriteCommand(stream, protocol.ConnectCommand{Addr: addr}); err != nil {
		stream.Close()
		c.recordStreamFailure("send_failed")
		return nil, fmt.Errorf("tuicclient: send connect: %w", err)
	}

	cmd, err := protocol.ReadCommand(stream)
	if err != nil {
		stream.Close()
		c.recordStreamFailure("response_failed")
		return nil, fmt.Errorf("tuicclient: read response: %w", err)
	}
	resp, ok := cmd.(protocol.ResponseCommand)
	if !ok {
		stream.Close()
		c.recordStreamFailure("unexpected_response")
		return nil, fmt.Errorf("tuicclient: unexpected response command %T", cmd)
	}
	if !resp.OK {
		stream.Close()
		c.recordStreamFailure("remote_refused")
		return nil, protocol.ErrRemoteConnectFailed
	}

	if c.cfg.Metrics != nil {
		c.cfg.Metrics.RecordStreamOpen(time.Since(openStart).Seconds())
	}

	return &meteredStream{Stream: stream, metrics: c.cfg.Metrics}, nil
}

func (c *Client) recordStreamFailure(reason string) {
	if c.cfg.Metrics != nil {
		c.cfg.Metrics.RecordStreamFailure(reason)
	}
}

// Associate allocates a fresh assoc_id, monotonic per connection, and
// registers it for inbound dispatch.
func (c *Client) Associate() *Association {
	id := c.nextAssocID.Add(1)

	c.mu.Lock()
	defer c.mu.Unlock()
	a := newAssociation(id)
	c.assoc[id] = a
	return a
}

// SendPacket fragments payload per Config.MaxDatagramFragment (for
// reliable=false) and sends it to the server for relay to addr, using the
// uni-stream channel when reliable is true and datagrams otherwise.
func (c *Client) SendPacket(a *Association, addr protocol.Address, payload []byte, reliable bool) error {
	c.activity.Notify()
	if reliable {
		return c.sendReliable(a.AssocID, addr, payload)
	}
	return c.sendFragmentedUnreliable(a.AssocID, addr, payload)
}

func (c *Client) sendReliable(assocID uint32, addr protocol.Address, payload []byte) error {
	stream, err := c.quicConn.OpenUniStreamSync(context.Background())
	if err != nil {
		return fmt.Errorf("tuicclient: open uni stream: %w", err)
	}
	defer stream.Close()

	cmd := protocol.PacketCommand{AssocID: assocID, Len: uint16(len(payload)), Addr: addr}
	if err := protocol.WriteCommand(stream, cmd); err != nil {
		return fmt.Errorf("tuicclient: write packet command: %w", err)
	}
	_, err = stream.Write(payload)
	return err
}

func (c *Client) sendFragmentedUnreliable(assocID uint32, addr protocol.Address, payload []byte) error {
	max := c.cfg.MaxDatagramFragment
	if max <= 0 {
		max = len(payload)
		if max == 0 {
			max = 1
		}
	}
	if len(payload) == 0 {
		return c.sendDatagramFragment(assocID, addr, uint16(len(payload)), nil)
	}
	for off := 0; off < len(payload); off += max {
		end := off + max
		if end > len(payload) {
			end = len(payload)
		}
		if err := c.sendDatagramFragment(assocID, addr, uint16(len(payload)), payload[off:end]); err != nil {
			return err
		}
	}
	return nil
}

func (c *Client) sendDatagramFragment(assocID uint32, addr protocol.Address, total uint16, fragment []byte) error {
	header := protocol.UDPHeader{AssocID: assocID, Len: total, Addr: addr}
	buf := make([]byte, 0, header.SerializedLen()+len(fragment))
	buf = header.WriteTo(buf)
	buf = append(buf, fragment...)
	return c.quicConn.SendDatagram(buf)
}

// Dissociate tears down an association locally and tells the server to
// release its matching session.
func (c *Client) Dissociate(a *Association) error {
	c.activity.Notify()

	c.mu.Lock()
	delete(c.assoc, a.AssocID)
	c.mu.Unlock()
	a.close()

	return protocol.WriteCommand(c.control, protocol.DissociateCommand{AssocID: a.AssocID})
}

// Heartbeat sends a Heartbeat command on the control stream.
func (c *Client) Heartbeat() error {
	err := protocol.WriteCommand(c.control, protocol.HeartbeatCommand{})
	if c.cfg.Metrics != nil {
		c.cfg.Metrics.RecordHeartbeatSent(err)
	}
	return err
}

// Close shuts down the QUIC connection and every tracked association.
func (c *Client) Close() error {
	c.mu.Lock()
	for id, a := range c.assoc {
		a.close()
		delete(c.assoc, id)
	}
	c.mu.Unlock()

	if c.cfg.Metrics != nil {
		c.cfg.Metrics.RecordDisconnect()
	}

	return c.quicConn.CloseWithError(protocol.CodeShutdown, "client closing")
}

// meteredStream wraps a relay stream so Connect's caller (typically a SOCKS5
// handler splicing it against a local TCP connection) doesn't need to know
// about metrics to keep byte and stream-close counters accurate.
type meteredStream struct {
	quic.Stream
	metrics   *metrics.Metrics
	closeOnce sync.Once
}

func (m *meteredStream) Read(p []byte) (int, error) {
	n, err := m.Stream.Read(p)
	if n > 0 && m.metrics != nil {
		m.metrics.RecordBytesRelayed("downstream", n)
	}
	return n, err
}

func (m *meteredStream) Write(p []byte) (int, error) {
	n, err := m.Stream.Write(p)
	if n > 0 && m.metrics != nil {
		m.metrics.RecordBytesRelayed("upstream", n)
	}
	return n, err
}

func (m *meteredStream) Close() error {
	err := m.Stream.Close()
	m.closeOnce.Do(func() {
		if m.metrics != nil {
			m.metrics.RecordStreamClose()
		}
	})
	return err
}

func (c *Client) acceptUniLoop(ctx context.Context) {
	defer recovery.RecoverWithLog(c.log, "tuicclient.acceptUniLoop")

	for {
		stream, err := c.quicConn.AcceptUniStream(ctx)
		if err != nil {
			return
		}
		go c.handleUniStream(stream)
	}
}

func (c *Client) handleUniStream(stream quic.ReceiveStream) {
	defer recovery.RecoverWithLog(c.log, "tuicclient.handleUniStream")

	cmd, err := protocol.ReadCommand(stream)
	if err != nil {
		return
	}
	pkt, ok := cmd.(protocol.PacketCommand)
	if !ok {
		return
	}

	fragment, err := io.ReadAll(stream)
	if err != nil {
		return
	}

	c.dispatch(pkt.AssocID, pkt.Addr, pkt.Len, fragment)
}

func (c *Client) acceptDatagramLoop(ctx context.Context) {
	defer recovery.RecoverWithLog(c.log, "tuicclient.acceptDatagramLoop")

	for {
		buf, err := c.quicConn.ReceiveDatagram(ctx)
		if err != nil {
			return
		}

		header, fragment, err := protocol.ParseUDPHeader(buf)
		if err != nil {
			continue
		}
		c.dispatch(header.AssocID, header.Addr, header.Len, fragment)
	}
}

func (c *Client) dispatch(assocID uint32, addr protocol.Address, total uint16, fragment []byte) {
	c.mu.Lock()
	a, ok := c.assoc[assocID]
	c.mu.Unlock()
	if !ok {
		return
	}
	a.deliver(addr, total, fragment)
}
