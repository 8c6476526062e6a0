// Package main provides the CLI entry point for ss-local, the
// SOCKS5-to-Shadowsocks local proxy.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"golang.org/x/time/rate"

	"github.com/postalsys/muti-metroo/internal/aclset"
	"github.com/postalsys/muti-metroo/internal/bypass"
	"github.com/postalsys/muti-metroo/internal/config"
	"github.com/postalsys/muti-metroo/internal/logging"
	"github.com/postalsys/muti-metroo/internal/noncecache"
	"github.com/postalsys/muti-metroo/internal/proxy"
	"github.com/postalsys/muti-metroo/internal/sscrypto"
	"github.com/postalsys/muti-metroo/internal/tcprelay"
	"github.com/postalsys/muti-metroo/internal/udprelay"
)

// Version is set at build time via ldflags.
var Version = "dev"

func main() {
	rootCmd := &cobra.Command{
		Use:     "ss-local",
		Short:   "SOCKS5 local proxy for a Shadowsocks upstream",
		Version: Version,
	}

	rootCmd.AddCommand(runCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func runCmd() *cobra.Command {
	var (
		configPath string
		localAddr  string
		udpAddr    string
		serverAddr string
		password   string
		method     string
		timeout    time.Duration
		fastOpen   bool
		mptcp      bool
		aclMode    string
		aclFile    string
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the local proxy",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configPath, localAddr, udpAddr, serverAddr, password, method, timeout, fastOpen, mptcp, aclMode, aclFile)
			if err != nil {
				return fmt.Errorf("failed to build config: %w", err)
			}

			logger := logging.NewLogger(cfg.Log.Level, cfg.Log.Format)
			logger.Info("starting ss-local", "config", cfg.String())

			proxyCfg, err := toProxyConfig(cfg, logger)
			if err != nil {
				return fmt.Errorf("failed to translate config: %w", err)
			}

			if cfg.Metrics.Enabled {
				go serveMetrics(cfg.Metrics.Address, logger)
			}

			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()

			return proxy.Run(ctx, proxyCfg)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to YAML config file")
	cmd.Flags().StringVarP(&localAddr, "local", "l", "", "SOCKS5 listen address (e.g. 127.0.0.1:1080)")
	cmd.Flags().StringVarP(&udpAddr, "udp", "u", "", "UDP relay listen address; empty disables UDP ASSOCIATE")
	cmd.Flags().StringVarP(&serverAddr, "server", "s", "", "Upstream shadowsocks server address (host:port)")
	cmd.Flags().StringVarP(&password, "password", "k", "", "Shadowsocks password")
	cmd.Flags().StringVarP(&method, "method", "m", "", "AEAD cipher method")
	cmd.Flags().DurationVarP(&timeout, "timeout", "t", 0, "Per-connection idle timeout")
	cmd.Flags().BoolVar(&fastOpen, "fast-open", false, "Enable TCP Fast Open on the upstream dial")
	cmd.Flags().BoolVar(&mptcp, "mptcp", false, "Enable Multipath TCP on the upstream dial")
	cmd.Flags().StringVar(&aclMode, "acl-mode", "", "ACL mode: blacklist or whitelist")
	cmd.Flags().StringVar(&aclFile, "acl", "", "Path to a newline-delimited ACL entries file")

	return cmd
}

// loadConfig builds a config.Config from an optional file plus flag
// overrides; flags win over the file, which wins over Default().
func loadConfig(path, local, udp, server, password, method string, timeout time.Duration, fastOpen, mptcp bool, aclMode, aclFile string) (*config.Config, error) {
	var cfg *config.Config
	if path != "" {
		loaded, err := config.Load(path)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	} else {
		cfg = config.Default()
	}

	if local != "" {
		cfg.Local.Address = local
	}
	if udp != "" {
		cfg.Local.UDPAddress = udp
	}
	if server != "" {
		cfg.Server.RemoteAddrs = []string{server}
	}
	if password != "" {
		cfg.Crypto.Password = password
	}
	if method != "" {
		cfg.Crypto.Method = method
	}
	if timeout > 0 {
		cfg.Server.Timeout = timeout
	}
	if fastOpen {
		cfg.Server.TCPFastOpen = true
	}
	if mptcp {
		cfg.Server.MPTCP = true
	}
	if aclMode != "" {
		cfg.ACL.Mode = aclMode
	}
	if aclFile != "" {
		cfg.ACL.File = aclFile
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// toProxyConfig derives the master key, ACL oracle, and rate limiter
// from a validated config.Config and assembles proxy.Config.
func toProxyConfig(cfg *config.Config, logger *slog.Logger) (proxy.Config, error) {
	spec, err := sscrypto.Lookup(cfg.Crypto.Method)
	if err != nil {
		return proxy.Config{}, err
	}

	masterKey, err := deriveMasterKey(cfg.Crypto, spec)
	if err != nil {
		return proxy.Config{}, err
	}

	policy, err := buildACLPolicy(cfg.ACL)
	if err != nil {
		return proxy.Config{}, err
	}

	nonceCache := noncecache.New(noncecache.DefaultCapacity)

	var limiter *rate.Limiter
	if cfg.Local.RateLimitBytesPerSec > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.Local.RateLimitBytesPerSec), cfg.Local.RateLimitBytesPerSec)
	}

	mptcpMode := tcprelay.MptcpOff
	if cfg.Server.MPTCP {
		mptcpMode = tcprelay.MptcpAny
	}

	tcpCfg := tcprelay.Config{
		CipherSpec:         spec,
		MasterKey:          masterKey,
		RemoteAddrs:        cfg.Server.RemoteAddrs,
		PluginAddr:         cfg.Plugin.Address,
		Timeout:            cfg.Server.Timeout,
		TCPFastOpen:        cfg.Server.TCPFastOpen,
		MptcpMode:          mptcpMode,
		BufSize:            cfg.Local.MTU,
		ACL:                policy,
		MaxConcurrentDials: cfg.Local.MaxConcurrentDials,
		RateLimit:          limiter,
		NonceCache:         nonceCache,
		Logger:             logger,
	}

	udpLocalAddr := cfg.Local.UDPAddress
	udpCfg := udprelay.Config{
		CipherSpec:      spec,
		MasterKey:       masterKey,
		RemoteAddrs:     cfg.Server.RemoteAddrs,
		PluginAddr:      cfg.Plugin.Address,
		Timeout:         cfg.Server.Timeout,
		MaxDatagramSize: cfg.Local.MTU,
		NonceCache:      nonceCache,
		Logger:          logger,
	}

	return proxy.Config{
		LocalAddr:      cfg.Local.Address,
		UDPLocalAddr:   udpLocalAddr,
		TCP:            tcpCfg,
		UDP:            udpCfg,
		MaxConnections: 0,
		Logger:         logger,
	}, nil
}

func deriveMasterKey(c config.CryptoConfig, spec sscrypto.CipherSpec) ([]byte, error) {
	if c.Key != "" {
		return sscrypto.ParseExplicitKey(c.Key, spec.KeyLen)
	}
	return sscrypto.DeriveMasterKeyFromPassword(c.Password, spec.KeyLen), nil
}

func buildACLPolicy(c config.ACLConfig) (bypass.Policy, error) {
	mode := bypass.BlackList
	if strings.EqualFold(c.Mode, "whitelist") {
		mode = bypass.WhiteList
	}

	entries := append([]string{}, c.Entries...)
	if c.File != "" {
		lines, err := readACLFile(c.File)
		if err != nil {
			return bypass.Policy{}, err
		}
		entries = append(entries, lines...)
	}

	if len(entries) == 0 {
		return bypass.Policy{Mode: mode}, nil
	}
	return bypass.Policy{Mode: mode, Oracle: aclset.New(entries)}, nil
}

func readACLFile(path string) ([]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read acl file: %w", err)
	}
	return strings.Split(string(data), "\n"), nil
}

func serveMetrics(addr string, logger *slog.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	logger.Info("metrics listening", logging.KeyLocalAddr, addr)
	if err := http.ListenAndServe(addr, mux); err != nil {
		logger.Error("metrics server exited", logging.KeyError, err)
	}
}
