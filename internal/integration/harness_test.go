// Package integration exercises a qtun client and server together over a
// real loopback QUIC connection, the way the unit tests in each package
// never do: end to end, against the wire protocol rather than a mock.
package integration

import (
	"context"
	"crypto/tls"
	"testing"
	"time"

	"github.com/postalsys/qtun/internal/auth"
	"github.com/postalsys/qtun/internal/certutil"
	"github.com/postalsys/qtun/internal/quictransport"
	"github.com/postalsys/qtun/internal/tuicclient"
	"github.com/postalsys/qtun/internal/tuicserver"
	"github.com/postalsys/qtun/internal/udprelay"
)

const testToken = "hunter2"

// pair is a running server and an authenticated client dialed against it.
type pair struct {
	listener *tuicserver.Listener
	client   *tuicclient.Client
	cancel   context.CancelFunc
}

func (p *pair) Close() {
	p.client.Close()
	p.listener.Close()
	p.cancel()
}

// newPair starts a server on 127.0.0.1 with a self-signed certificate and
// dials it with a client using the given token. configure, if non-nil, can
// tune the server Config before Listen (UDP relay limits, heartbeat
// interval) for scenarios that need something other than the defaults.
func newPair(t *testing.T, token string, configure func(*tuicserver.Config)) *pair {
	t.Helper()
	return newPairWithClient(t, token, configure, nil)
}

// newPairWithClient is newPair plus a hook to tune the client Config (used by
// the fragmentation scenario, which needs a small MaxDatagramFragment to
// force multiple datagrams out of a single SendPacket call).
func newPairWithClient(t *testing.T, token string, configureServer func(*tuicserver.Config), configureClient func(*tuicclient.Config)) *pair {
	t.Helper()

	gen, err := certutil.GenerateCert(certutil.DefaultServerOptions("localhost"))
	if err != nil {
		t.Fatalf("generate cert: %v", err)
	}
	tlsCert, err := gen.TLSCertificate()
	if err != nil {
		t.Fatalf("tls certificate: %v", err)
	}
	serverTLS := &tls.Config{Certificates: []tls.Certificate{tlsCert}}

	serverCfg := tuicserver.DefaultConfig()
	serverCfg.Authenticator = auth.New(token)
	serverCfg.UDPRelay.IdleTimeout = 0
	if configureServer != nil {
		configureServer(&serverCfg)
	}

	ln, err := tuicserver.Listen("127.0.0.1:0", serverTLS, quictransport.Config{}, serverCfg)
	if err != nil {
		t.Fatalf("listen: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	go ln.Serve(ctx)

	clientCfg := tuicclient.DefaultConfig()
	clientCfg.Token = token
	if configureClient != nil {
		configureClient(&clientCfg)
	}

	dialCtx, dialCancel := context.WithTimeout(ctx, 5*time.Second)
	defer dialCancel()
	client, err := tuicclient.Dial(dialCtx, ln.Addr().String(), insecureClientTLS(), quictransportConfig(), clientCfg)
	if err != nil {
		ln.Close()
		cancel()
		t.Fatalf("dial: %v", err)
	}

	return &pair{listener: ln, client: client, cancel: cancel}
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met after %s", timeout)
}

func defaultUDPConfig() udprelay.Config {
	cfg := udprelay.DefaultConfig()
	cfg.IdleTimeout = 0
	return cfg
}

// insecureClientTLS skips verification: the loopback server's certificate is
// generated fresh per test and never meant to be checked against a CA.
func insecureClientTLS() *tls.Config {
	return &tls.Config{InsecureSkipVerify: true}
}

func quictransportConfig() quictransport.Config {
	return quictransport.Config{}
}
