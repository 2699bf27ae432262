// Package main provides the CLI entry point for the qtun client.
package main

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"
	"golang.org/x/crypto/bcrypt"
	"golang.org/x/term"

	"github.com/postalsys/qtun/internal/certutil"
	"github.com/postalsys/qtun/internal/config"
	"github.com/postalsys/qtun/internal/logging"
	"github.com/postalsys/qtun/internal/metrics"
	"github.com/postalsys/qtun/internal/quictransport"
	"github.com/postalsys/qtun/internal/socks5"
	"github.com/postalsys/qtun/internal/tuicclient"
)

// Version is set at build time via ldflags.
var Version = "dev"

func main() {
	rootCmd := &cobra.Command{
		Use:     "qtun-client",
		Short:   "qtun client",
		Long:    "qtun-client dials a qtun relay server over QUIC and exposes it to local applications as a SOCKS5 proxy.",
		Version: Version,
	}

	rootCmd.AddCommand(runCmd())
	rootCmd.AddCommand(initCmd())
	rootCmd.AddCommand(hashCmd())
	rootCmd.AddCommand(versionCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the client version",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Println(Version)
			return nil
		},
	}
}

func initCmd() *cobra.Command {
	var path string
	var force bool
	var serverAddr string
	var token string
	var interactive bool

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a starter configuration file",
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists (use --force to overwrite)", path)
			}

			cfg := config.DefaultClientConfig()
			cfg.ServerAddr = serverAddr
			cfg.Token = token

			if interactive {
				if err := runClientWizard(cfg); err != nil {
					return err
				}
			}

			if err := os.WriteFile(path, []byte(cfg.StringUnsafe()), 0600); err != nil {
				return fmt.Errorf("write config: %w", err)
			}
			fmt.Printf("wrote %s\n", path)
			if cfg.TLS.CA == "" && cfg.TLS.CAPEM == "" {
				fmt.Println("tls.ca is unset; if the server uses a self-signed certificate, pin its PEM there")
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&path, "output", "o", "./qtun-client.yaml", "path to write the configuration file")
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing file")
	cmd.Flags().StringVar(&serverAddr, "server", "", "qtun-server address (host:port)")
	cmd.Flags().StringVar(&token, "token", "", "pre-shared token matching the server's config")
	cmd.Flags().BoolVarP(&interactive, "interactive", "i", false, "prompt for the server address, token, and CA certificate path")

	return cmd
}

// runClientWizard walks the operator through the settings needed to reach a
// specific server, leaving SOCKS5 defaults untouched.
func runClientWizard(cfg *config.ClientConfig) error {
	form := huh.NewForm(
		huh.NewGroup(
			huh.NewInput().
				Title("Server address").
				Description("qtun-server host:port").
				Value(&cfg.ServerAddr),
			huh.NewInput().
				Title("Pre-shared token").
				Description("must match the server's configured token").
				Value(&cfg.Token),
			huh.NewInput().
				Title("CA certificate path").
				Description("leave empty to trust the system root store").
				Value(&cfg.TLS.CA),
			huh.NewInput().
				Title("Local SOCKS5 listen address").
				Value(&cfg.SOCKS5Addr),
		),
	)
	if err := form.Run(); err != nil {
		return fmt.Errorf("setup wizard: %w", err)
	}
	return nil
}

func hashCmd() *cobra.Command {
	var cost int

	cmd := &cobra.Command{
		Use:   "hash [password]",
		Short: "Generate a bcrypt hash for a socks5_auth user entry",
		Long: `Generate a bcrypt password hash for use as socks5_auth.users[].password_hash.

If no password is given as an argument, you will be prompted interactively.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var password string
			if len(args) > 0 {
				password = args[0]
			} else {
				fmt.Print("Enter password: ")
				pwBytes, err := term.ReadPassword(int(os.Stdin.Fd()))
				fmt.Println()
				if err != nil {
					return fmt.Errorf("read password: %w", err)
				}

				fmt.Print("Confirm password: ")
				confirmBytes, err := term.ReadPassword(int(os.Stdin.Fd()))
				fmt.Println()
				if err != nil {
					return fmt.Errorf("read confirmation: %w", err)
				}
				if string(pwBytes) != string(confirmBytes) {
					return fmt.Errorf("passwords do not match")
				}
				password = string(pwBytes)
			}

			if password == "" {
				return fmt.Errorf("password cannot be empty")
			}
			if cost < bcrypt.MinCost || cost > bcrypt.MaxCost {
				return fmt.Errorf("cost must be between %d and %d", bcrypt.MinCost, bcrypt.MaxCost)
			}

			hash, err := bcrypt.GenerateFromPassword([]byte(password), cost)
			if err != nil {
				return fmt.Errorf("generate hash: %w", err)
			}
			fmt.Println(string(hash))
			return nil
		},
	}

	cmd.Flags().IntVar(&cost, "cost", bcrypt.DefaultCost, "bcrypt cost factor (4-31)")
	return cmd
}

func runCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Connect to the relay server and serve a local SOCKS5 proxy",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(configPath)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "./qtun-client.yaml", "path to the configuration file")
	return cmd
}

func run(configPath string) error {
	cfg, err := config.LoadClientConfig(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	log := logging.NewLogger(cfg.LogLevel, cfg.LogFormat)
	log.Info("starting qtun-client", "version", Version, "server_addr", cfg.ServerAddr)

	tlsConfig, err := clientTLSConfig(cfg.TLS, cfg.ServerAddr)
	if err != nil {
		return fmt.Errorf("tls setup: %w", err)
	}

	metricsSet := metrics.Default()

	clientCfg := tuicclient.DefaultConfig()
	clientCfg.Token = cfg.Token
	if cfg.AuthTimeout > 0 {
		clientCfg.AuthTimeout = cfg.AuthTimeout
	}
	if cfg.MaxDatagramFragment > 0 {
		clientCfg.MaxDatagramFragment = cfg.MaxDatagramFragment
	}
	clientCfg.HeartbeatInterval = cfg.HeartbeatInterval
	clientCfg.Metrics = metricsSet
	clientCfg.Logger = log

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	client, err := tuicclient.Dial(ctx, cfg.ServerAddr, tlsConfig, quictransport.Config{}, clientCfg)
	if err != nil {
		return fmt.Errorf("dial %s: %w", cfg.ServerAddr, err)
	}
	defer client.Close()

	log.Info("authenticated with relay server")

	socksCfg := socks5.DefaultServerConfig()
	socksCfg.Address = cfg.SOCKS5Addr
	socksCfg.Dialer = &socks5.TunnelDialer{Client: client}
	socksCfg.UDPHandler = &socks5.TunnelUDPHandler{Client: client}
	socksCfg.Metrics = metricsSet
	socksCfg.Logger = log
	if auths := socks5AuthConfig(cfg.SOCKS5Auth); auths != nil {
		socksCfg.Authenticators = auths
	}

	socksServer := socks5.NewServer(socksCfg)
	if err := socksServer.Start(); err != nil {
		return fmt.Errorf("start socks5 server: %w", err)
	}
	defer socksServer.Stop()

	log.Info("socks5 proxy listening", "addr", socksServer.Address().String())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	log.Info("shutting down", "signal", sig.String())

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	_ = socksServer.StopWithContext(shutdownCtx)
	cancel()

	log.Info("stopped")
	return nil
}

func socks5AuthConfig(cfg config.SOCKS5AuthConfig) []socks5.Authenticator {
	if !cfg.Enabled {
		return nil
	}
	hashed := make(map[string]string, len(cfg.Users))
	for _, u := range cfg.Users {
		hashed[u.Username] = u.PasswordHash
	}
	if len(hashed) == 0 {
		// No credential can match an empty store, so every handshake fails.
		return []socks5.Authenticator{socks5.NewUserPassAuthenticator(socks5.HashedCredentials{})}
	}
	return socks5.CreateAuthenticators(socks5.AuthConfig{
		Enabled:     true,
		Required:    true,
		HashedUsers: hashed,
	})
}

func clientTLSConfig(tlsCfg config.ClientTLSConfig, serverAddr string) (*tls.Config, error) {
	out := &tls.Config{InsecureSkipVerify: tlsCfg.InsecureSkipVerify}
	if tlsCfg.ServerName != "" {
		out.ServerName = tlsCfg.ServerName
	} else if host, _, err := net.SplitHostPort(serverAddr); err == nil {
		out.ServerName = host
	}

	if !tlsCfg.HasCA() {
		return out, nil
	}

	caPEM, err := tlsCfg.GetCAPEM()
	if err != nil {
		return nil, err
	}
	pool, err := certutil.CreateCertPool(caPEM)
	if err != nil {
		return nil, fmt.Errorf("parse ca: %w", err)
	}
	out.RootCAs = pool
	return out, nil
}
