// Package main is the entrypoint for Ferrum Gateway.
//
// The gateway is a reverse proxy that sits between clients and backend
// services, providing routing, authentication, rate limiting, request/
// response transformation and logging through a plugin pipeline, with
// its routing and plugin configuration distributed across nodes by one
// of four Distribution Plane modes (database polling, file, or a
// control-plane/data-plane RPC pair).
package main

import (
	"context"
	"crypto/tls"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/quic-go/quic-go/http3"
	"github.com/rs/zerolog/log"

	"github.com/ferrumgw/ferrum-gateway/internal/config"
	"github.com/ferrumgw/ferrum-gateway/internal/configstore"
	"github.com/ferrumgw/ferrum-gateway/internal/distribution"
	"github.com/ferrumgw/ferrum-gateway/internal/dnscache"
	"github.com/ferrumgw/ferrum-gateway/internal/gateway"
	"github.com/ferrumgw/ferrum-gateway/internal/health"
	"github.com/ferrumgw/ferrum-gateway/internal/logging"
	"github.com/ferrumgw/ferrum-gateway/internal/plugin"
	"github.com/ferrumgw/ferrum-gateway/internal/plugin/builtin"
	"github.com/ferrumgw/ferrum-gateway/internal/proxy"
	"github.com/ferrumgw/ferrum-gateway/internal/router"
)

// Version information (set during build via ldflags)
var (
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

func main() {
	if err := run(); err != nil {
		log.Fatal().Err(err).Msg("gateway failed to start")
		os.Exit(1)
	}
}

// run wires every component the active mode needs, starts the listeners,
// and blocks until a shutdown signal or a listener error arrives.
func run() error {
	printBanner()

	if err := godotenv.Load(); err != nil {
		log.Debug().Msg("no .env file found, using environment variables")
	}

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}

	if err := logging.Setup(cfg.LogLevel, cfg.LogFormat); err != nil {
		return fmt.Errorf("setting up logging: %w", err)
	}

	log.Info().
		Str("version", Version).
		Str("build_time", BuildTime).
		Str("git_commit", GitCommit).
		Str("mode", string(cfg.Mode)).
		Msg("ferrum gateway starting")

	store := configstore.NewStore()
	rt := router.New()

	overrides, err := cfg.DNSOverrides()
	if err != nil {
		return fmt.Errorf("parsing DNS_OVERRIDES: %w", err)
	}
	dnsCache := dnscache.New(dnscache.NewDNSResolver(""), overrides, time.Duration(cfg.DNSCacheTTLSeconds)*time.Second)

	registry := plugin.NewRegistry()
	builtin.Register(registry)

	reloader := gateway.New(store, rt, dnsCache, registry)

	source, err := distribution.New(cfg, store)
	if err != nil {
		return fmt.Errorf("building distribution source: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sourceErrors := make(chan error, 1)
	go func() {
		sourceErrors <- source.Run(ctx)
	}()

	reloader.Bootstrap()
	reloaderStop := make(chan struct{})
	go reloader.Run(reloaderStop)
	defer close(reloaderStop)

	if cfg.Mode == config.ModeControlPlane {
		cpServer, err := distribution.NewControlPlaneServer(cfg, store)
		if err != nil {
			return fmt.Errorf("building control-plane server: %w", err)
		}
		go func() {
			if err := cpServer.Start(ctx); err != nil {
				sourceErrors <- fmt.Errorf("control-plane server: %w", err)
			}
		}()
	}

	transportPool := proxy.NewTransportPool(proxy.DefaultTransportConfig(), dnsCache)
	limits := proxy.Limits{MaxHeaderBytes: cfg.MaxHeaderSizeBytes, MaxBodyBytes: cfg.MaxBodySizeBytes}
	dispatcher := proxy.New(rt, store, dnsCache, registry, transportPool, limits)

	healthHandler := health.NewHandler(source.Checker(), store)
	adminMux := http.NewServeMux()
	adminMux.HandleFunc("/health", healthHandler.Health)
	adminMux.HandleFunc("/ready", healthHandler.Ready)

	servers := startListeners(cfg, dispatcher, adminMux)

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-sourceErrors:
		servers.shutdown(context.Background())
		return fmt.Errorf("distribution source stopped: %w", err)
	case err := <-servers.errs:
		servers.shutdown(context.Background())
		return fmt.Errorf("listener stopped: %w", err)
	case sig := <-shutdown:
		log.Info().Str("signal", sig.String()).Msg("shutdown signal received, draining")
	}

	drainCtx, drainCancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer drainCancel()
	servers.shutdown(drainCtx)
	cancel()

	log.Info().Msg("gateway stopped gracefully")
	return nil
}

// listenerSet bundles every net.Listener this process owns so shutdown
// can drain them uniformly regardless of which mode started which ones.
type listenerSet struct {
	http  *http.Server
	https *http.Server
	http3 *http3.Server
	admin *http.Server
	errs  chan error
}

func (s *listenerSet) shutdown(ctx context.Context) {
	if s.http != nil {
		s.http.Shutdown(ctx)
	}
	if s.https != nil {
		s.https.Shutdown(ctx)
	}
	if s.http3 != nil {
		s.http3.Close()
	}
	if s.admin != nil {
		s.admin.Shutdown(ctx)
	}
}

// startListeners brings up the proxy's HTTP, HTTPS (+h2 via ALPN) and
// HTTP/3 (QUIC) listeners per §6, plus the admin listener carrying
// /health and /ready. Data-plane traffic only starts for modes that
// serve it (cfg.IsDataPlane); a pure Control-Plane node exposes only
// its admin listener and CP gRPC server.
func startListeners(cfg *config.EnvConfig, dispatcher http.Handler, adminMux http.Handler) *listenerSet {
	set := &listenerSet{errs: make(chan error, 4)}

	set.admin = &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.AdminHTTPPort),
		Handler:      adminMux,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
	}
	go runServer(set.admin.ListenAndServe, "admin_http", cfg.AdminHTTPPort, set.errs)

	if !cfg.IsDataPlane() {
		return set
	}

	set.http = &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.ProxyHTTPPort),
		Handler:      dispatcher,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0, // streaming/WebSocket responses may run long
		IdleTimeout:  120 * time.Second,
	}
	go runServer(set.http.ListenAndServe, "proxy_http", cfg.ProxyHTTPPort, set.errs)

	if cfg.ProxyTLSCertPath == "" || cfg.ProxyTLSKeyPath == "" {
		log.Warn().Msg("PROXY_TLS_CERT_PATH/PROXY_TLS_KEY_PATH unset, HTTPS and HTTP/3 proxy listeners disabled")
		return set
	}

	cert, err := tls.LoadX509KeyPair(cfg.ProxyTLSCertPath, cfg.ProxyTLSKeyPath)
	if err != nil {
		set.errs <- fmt.Errorf("loading proxy TLS cert/key: %w", err)
		return set
	}
	tlsConfig := &tls.Config{
		Certificates: []tls.Certificate{cert},
		NextProtos:   []string{"h2", "http/1.1"},
		MinVersion:   tls.VersionTLS12,
	}

	set.https = &http.Server{
		Addr:        fmt.Sprintf(":%d", cfg.ProxyHTTPSPort),
		Handler:     dispatcher,
		TLSConfig:   tlsConfig,
		ReadTimeout: 30 * time.Second,
		IdleTimeout: 120 * time.Second,
	}
	go runServer(func() error {
		return set.https.ListenAndServeTLS("", "")
	}, "proxy_https", cfg.ProxyHTTPSPort, set.errs)

	h3TLSConfig := tlsConfig.Clone()
	h3TLSConfig.NextProtos = []string{"h3"}
	set.http3 = &http3.Server{
		Addr:      fmt.Sprintf(":%d", cfg.ProxyHTTP3Port),
		Handler:   dispatcher,
		TLSConfig: h3TLSConfig,
	}
	go runServer(set.http3.ListenAndServe, "proxy_http3", cfg.ProxyHTTP3Port, set.errs)

	return set
}

func runServer(listenAndServe func() error, component string, port int, errs chan<- error) {
	log.Info().Str("component", component).Int("port", port).Msg("listener starting")
	if err := listenAndServe(); err != nil && err != http.ErrServerClosed {
		errs <- fmt.Errorf("%s: %w", component, err)
	}
}

func printBanner() {
	const banner = `
  ferrum gateway
  ---------------------------------------------
  reverse proxy / api gateway
`
	fmt.Println(banner)
	fmt.Printf("version: %s | build: %s | commit: %s\n\n", Version, BuildTime, GitCommit)
}
