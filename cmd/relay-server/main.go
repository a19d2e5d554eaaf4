// Command relay-server runs the border-wars WebSocket relay: it
// upgrades incoming connections, registers or reauthenticates them
// against an embedded identity store, and fans out binary frames
// between clients keyed by ClientID.
package main

import (
	"context"
	"crypto/tls"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/carlmjohnson/versioninfo"
	"github.com/charmbracelet/log"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/CoCoSol007/border-wars/internal/config"
	"github.com/CoCoSol007/border-wars/internal/metrics"
	"github.com/CoCoSol007/border-wars/relayserver"
)

func main() {
	configPath := flag.String("config", "relay-server.toml", "path to TOML config file")
	versioninfo.AddFlag(nil)
	flag.Parse()

	logger := log.NewWithOptions(os.Stderr, log.Options{ReportTimestamp: true})

	if err := run(*configPath, logger); err != nil {
		logger.Fatal("relay-server: exiting", "err", err)
	}
}

func run(configPath string, logger *log.Logger) error {
	cfg, err := config.LoadRelayServerConfig(configPath)
	if err != nil {
		return fmt.Errorf("relay-server: %w", err)
	}

	srv, err := relayserver.New(cfg.StorePath, logger, relayserver.WithMaxSessions(cfg.MaxSessions))
	if err != nil {
		return fmt.Errorf("relay-server: %w", err)
	}
	defer srv.Close()

	reg := metrics.NewRegistry()
	if err := relayserver.RegisterMetrics(reg); err != nil {
		return fmt.Errorf("relay-server: %w", err)
	}

	ln, err := net.Listen("tcp", cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("relay-server: listen: %w", err)
	}
	if cfg.TLSCertPath != "" {
		cert, err := tls.LoadX509KeyPair(cfg.TLSCertPath, cfg.TLSKeyPath)
		if err != nil {
			return fmt.Errorf("relay-server: load TLS keypair: %w", err)
		}
		ln = tls.NewListener(ln, &tls.Config{Certificates: []tls.Certificate{cert}})
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if cfg.MetricsAddr != "" {
		go serveMetrics(ctx, cfg.MetricsAddr, reg, logger)
	}

	logger.Info("relay-server: listening", "addr", cfg.ListenAddr, "version", versioninfo.Short())
	return srv.Serve(ctx, ln)
}

func serveMetrics(ctx context.Context, addr string, reg *prometheus.Registry, logger *log.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler(reg))
	httpSrv := &http.Server{Addr: addr, Handler: mux}

	go func() {
		<-ctx.Done()
		httpSrv.Close()
	}()

	if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Warn("relay-server: metrics server exited", "err", err)
	}
}
