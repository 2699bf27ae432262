// Package main provides the CLI entry point for the qtun relay server.
package main

import (
	"context"
	"crypto/rand"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/charmbracelet/huh"
	"github.com/dustin/go-humanize"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/postalsys/qtun/internal/auth"
	"github.com/postalsys/qtun/internal/certutil"
	"github.com/postalsys/qtun/internal/config"
	"github.com/postalsys/qtun/internal/control"
	"github.com/postalsys/qtun/internal/logging"
	"github.com/postalsys/qtun/internal/metrics"
	"github.com/postalsys/qtun/internal/quictransport"
	"github.com/postalsys/qtun/internal/resolver"
	"github.com/postalsys/qtun/internal/tuicserver"
	"github.com/postalsys/qtun/internal/udprelay"
)

// Version is set at build time via ldflags.
var Version = "dev"

func main() {
	rootCmd := &cobra.Command{
		Use:     "qtun-server",
		Short:   "qtun relay server",
		Long:    "qtun-server terminates client QUIC connections and relays the TCP and UDP traffic they tunnel.",
		Version: Version,
	}

	rootCmd.AddCommand(runCmd())
	rootCmd.AddCommand(initCmd())
	rootCmd.AddCommand(statusCmd())
	rootCmd.AddCommand(versionCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the server version",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Println(Version)
			return nil
		},
	}
}

func statusCmd() *cobra.Command {
	var socketPath string

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Query a running server's control socket",
		RunE: func(cmd *cobra.Command, args []string) error {
			client := control.NewClient(socketPath)
			defer client.Close()

			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()

			st, err := client.Status(ctx)
			if err != nil {
				return fmt.Errorf("query status: %w", err)
			}

			fmt.Printf("Version:             %s\n", st.Version)
			fmt.Printf("Active connections:  %d\n", st.ActiveConnections)
			fmt.Printf("Active UDP sessions: %d\n", st.ActiveUDPSessions)
			fmt.Printf("Uptime:              %s\n", humanize.Time(time.Now().Add(-time.Duration(st.UptimeSeconds)*time.Second)))
			return nil
		},
	}

	cmd.Flags().StringVar(&socketPath, "socket", control.DefaultServerConfig().SocketPath, "path to the control unix socket")
	return cmd
}

func initCmd() *cobra.Command {
	var path string
	var force bool
	var interactive bool

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a starter configuration file",
		Long:  "Write a qtun-server configuration file with defaults and a freshly generated token, ready to edit.",
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists (use --force to overwrite)", path)
			}

			cfg := config.DefaultServerConfig()
			cfg.ListenAddr = "0.0.0.0:4433"
			cfg.Token = randomToken()
			cfg.TLS.SelfSigned = true

			if interactive {
				if err := runServerWizard(cfg); err != nil {
					return err
				}
			}

			if err := os.WriteFile(path, []byte(cfg.StringUnsafe()), 0600); err != nil {
				return fmt.Errorf("write config: %w", err)
			}
			fmt.Printf("wrote %s\n", path)
			fmt.Println("a fresh token was generated; copy it into the matching qtun-client config")
			return nil
		},
	}

	cmd.Flags().StringVarP(&path, "output", "o", "./qtun-server.yaml", "path to write the configuration file")
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing file")
	cmd.Flags().BoolVarP(&interactive, "interactive", "i", false, "prompt for listen address and resource limits instead of using defaults")

	return cmd
}

// runServerWizard walks the operator through the handful of settings worth
// tuning at setup time, leaving everything else at its default.
func runServerWizard(cfg *config.ServerConfig) error {
	var selfSigned bool = cfg.TLS.SelfSigned
	var maxAssociations string = fmt.Sprintf("%d", cfg.MaxAssociations)

	form := huh.NewForm(
		huh.NewGroup(
			huh.NewInput().
				Title("Listen address").
				Description("host:port the server binds for incoming QUIC connections").
				Value(&cfg.ListenAddr),
			huh.NewInput().
				Title("Pre-shared token").
				Description("leave the generated value, or paste your own").
				Value(&cfg.Token),
			huh.NewConfirm().
				Title("Generate a self-signed certificate?").
				Description("answer no if you already have a certificate/key pair to set in tls.cert / tls.key").
				Value(&selfSigned),
			huh.NewInput().
				Title("Max UDP associations per connection").
				Description("0 means unlimited").
				Value(&maxAssociations),
		),
	)
	if err := form.Run(); err != nil {
		return fmt.Errorf("setup wizard: %w", err)
	}

	cfg.TLS.SelfSigned = selfSigned
	if n, err := strconv.Atoi(maxAssociations); err == nil {
		cfg.MaxAssociations = n
	}
	return nil
}

func runCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the relay server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(configPath)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "./qtun-server.yaml", "path to the configuration file")

	return cmd
}

func run(configPath string) error {
	cfg, err := config.LoadServerConfig(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	log := logging.NewLogger(cfg.LogLevel, cfg.LogFormat)
	log.Info("starting qtun-server", "version", Version, "listen_addr", cfg.ListenAddr,
		"max_udp_packet_size", humanize.Bytes(uint64(cfg.MaxUDPPacketSize)),
		"max_reassembly_buffer", humanize.Bytes(uint64(cfg.MaxReassemblyBuffer)))

	tlsConfig, err := serverTLSConfig(cfg.TLS)
	if err != nil {
		return fmt.Errorf("tls setup: %w", err)
	}

	reg := prometheus.NewRegistry()
	metricsSet := metrics.NewMetricsWithRegistry(reg)

	var res udprelay.DNSResolver
	if len(cfg.DNS.Servers) > 0 {
		res = resolver.New(resolver.Config{
			Servers:  cfg.DNS.Servers,
			Timeout:  cfg.DNS.Timeout,
			CacheTTL: cfg.DNS.CacheTTL,
		})
	}

	udpCfg := udprelay.DefaultConfig()
	udpCfg.Metrics = metricsSet
	udpCfg.EnableIPv6 = cfg.EnableIPv6
	if cfg.MaxUDPPacketSize > 0 {
		udpCfg.MaxUDPPacketSize = cfg.MaxUDPPacketSize
	}
	udpCfg.MaxAssociations = cfg.MaxAssociations
	if cfg.MaxReassemblyBuffer > 0 {
		udpCfg.MaxReassemblyBuffer = cfg.MaxReassemblyBuffer
	}
	if cfg.UDPIdleTimeout > 0 {
		udpCfg.IdleTimeout = cfg.UDPIdleTimeout
	}

	serverCfg := tuicserver.DefaultConfig()
	serverCfg.Authenticator = auth.New(cfg.Token)
	if cfg.AuthTimeout > 0 {
		serverCfg.AuthTimeout = cfg.AuthTimeout
	}
	if cfg.ConnectTimeout > 0 {
		serverCfg.ConnectTimeout = cfg.ConnectTimeout
	}
	serverCfg.UDPRelay = udpCfg
	serverCfg.Resolver = res
	serverCfg.ConnectRatePerSecond = cfg.ConnectRatePerSecond
	serverCfg.ConnectRateBurst = cfg.ConnectRateBurst
	serverCfg.HeartbeatInterval = cfg.HeartbeatInterval
	serverCfg.Metrics = metricsSet
	serverCfg.Logger = log

	listener, err := tuicserver.Listen(cfg.ListenAddr, tlsConfig, quictransport.Config{}, serverCfg)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	defer listener.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	serveErrCh := make(chan error, 1)
	go func() {
		serveErrCh <- listener.Serve(ctx)
	}()

	var metricsServer *http.Server
	if cfg.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
		metricsServer = &http.Server{Addr: cfg.MetricsAddr, Handler: mux}
		go func() {
			log.Info("metrics listening", "addr", cfg.MetricsAddr)
			if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Error("metrics server failed", logging.KeyError, err)
			}
		}()
	}

	startTime := time.Now()
	status := &serverStatus{listener: listener, version: Version, startTime: startTime}
	controlCfg := control.DefaultServerConfig()
	controlServer := control.NewServer(controlCfg, status)
	if err := controlServer.Start(); err != nil {
		log.Warn("control socket failed to start", logging.KeyError, err)
	} else {
		defer controlServer.Stop()
		log.Info("control socket listening", "path", controlServer.SocketPath())
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		log.Info("shutting down", "signal", sig.String())
		cancel()
	case err := <-serveErrCh:
		if err != nil {
			log.Error("listener stopped", logging.KeyError, err)
			return err
		}
	}

	if metricsServer != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		_ = metricsServer.Shutdown(shutdownCtx)
	}

	<-serveErrCh
	log.Info("stopped")
	return nil
}

// serverStatus adapts a *tuicserver.Listener to control.ServerStatus.
type serverStatus struct {
	listener  *tuicserver.Listener
	version   string
	startTime time.Time
}

func (s *serverStatus) Version() string        { return s.version }
func (s *serverStatus) ActiveConnections() int { return s.listener.ActiveConnections() }
func (s *serverStatus) ActiveUDPSessions() int { return s.listener.ActiveUDPSessions() }
func (s *serverStatus) Uptime() time.Duration  { return time.Since(s.startTime) }

func serverTLSConfig(tlsCfg config.ServerTLSConfig) (*tls.Config, error) {
	if tlsCfg.SelfSigned && !tlsCfg.HasCert() {
		opts := certutil.DefaultServerOptions("qtun-server")
		gc, err := certutil.GenerateCert(opts)
		if err != nil {
			return nil, fmt.Errorf("generate self-signed cert: %w", err)
		}
		cert, err := gc.TLSCertificate()
		if err != nil {
			return nil, err
		}
		slog.Default().Warn("using an ephemeral self-signed certificate; pin tls.ca on every client", "fingerprint", gc.Fingerprint())
		return &tls.Config{Certificates: []tls.Certificate{cert}}, nil
	}

	certPEM, err := tlsCfg.GetCertPEM()
	if err != nil {
		return nil, err
	}
	keyPEM, err := tlsCfg.GetKeyPEM()
	if err != nil {
		return nil, err
	}
	gc, err := certutil.ParseCert(certPEM, keyPEM)
	if err != nil {
		return nil, fmt.Errorf("parse certificate: %w", err)
	}
	cert, err := gc.TLSCertificate()
	if err != nil {
		return nil, err
	}
	return &tls.Config{Certificates: []tls.Certificate{cert}}, nil
}

func randomToken() string {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "change-me"
	}
	const hextable = "0123456789abcdef"
	out := make([]byte, len(b)*2)
	for i, v := range b {
		out[i*2] = hextable[v>>4]
		out[i*2+1] = hextable[v&0x0f]
	}
	return string(out)
}
