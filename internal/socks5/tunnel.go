package socks5

import (
	"context"
	"io"
	"net"
	"strconv"
	"time"

	"github.com/postalsys/qtun/internal/protocol"
	"github.com/postalsys/qtun/internal/tuicclient"
)

// TunnelDialer implements Dialer by opening a relay stream through an
// authenticated tuicclient.Client rather than dialing the destination
// directly. This is how CONNECT requests leave the local SOCKS5 front-end
// and reach the remote qtun server for the actual outbound dial.
type TunnelDialer struct {
	Client *tuicclient.Client
}

// Dial satisfies Dialer for callers that don't need cancellation.
func (d *TunnelDialer) Dial(network, address string) (net.Conn, error) {
	return d.DialContext(context.Background(), network, address)
}

// DialContext resolves address into a protocol.Address and asks the tunnel
// client to relay a CONNECT for it.
func (d *TunnelDialer) DialContext(ctx context.Context, network, address string) (net.Conn, error) {
	addr, err := addressFromHostPort(address)
	if err != nil {
		return nil, err
	}
	stream, err := d.Client.Connect(ctx, addr)
	if err != nil {
		return nil, err
	}
	return &tunnelConn{ReadWriteCloser: stream}, nil
}

// addressFromHostPort parses a "host:port" pair into the wire Address
// variant the tunnel protocol expects, preferring a literal IP over a
// domain lookup so the server does the resolving.
func addressFromHostPort(hostport string) (protocol.Address, error) {
	host, portStr, err := net.SplitHostPort(hostport)
	if err != nil {
		return protocol.Address{}, err
	}
	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil {
		return protocol.Address{}, err
	}

	if ip := net.ParseIP(host); ip != nil {
		if v4 := ip.To4(); v4 != nil {
			return protocol.NewIPv4Address(v4, uint16(port))
		}
		return protocol.NewIPv6Address(ip, uint16(port))
	}
	return protocol.NewDomainAddress(host, uint16(port))
}

// tunnelConn adapts a relay stream's io.ReadWriteCloser to net.Conn so it
// flows through Handler's relay path unchanged. The tunnel has no
// meaningful socket addresses or deadlines on the SOCKS5 side of the
// connection, so those methods are stubs.
type tunnelConn struct {
	io.ReadWriteCloser
}

func (c *tunnelConn) LocalAddr() net.Addr              { return tunnelAddr{} }
func (c *tunnelConn) RemoteAddr() net.Addr             { return tunnelAddr{} }
func (c *tunnelConn) SetDeadline(time.Time) error      { return nil }
func (c *tunnelConn) SetReadDeadline(time.Time) error  { return nil }
func (c *tunnelConn) SetWriteDeadline(time.Time) error { return nil }

type tunnelAddr struct{}

func (tunnelAddr) Network() string { return "qtun" }
func (tunnelAddr) String() string  { return "qtun-tunnel" }
