// Package proxy implements the Proxy Dispatcher (§4.F): route match,
// plugin pipeline, backend invocation, and writing the response.
package proxy

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"net"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/ferrumgw/ferrum-gateway/internal/config"
	"github.com/ferrumgw/ferrum-gateway/internal/dnscache"
)

// TransportConfig holds the pool-wide connection settings shared by every
// backend transport this node opens.
type TransportConfig struct {
	MaxIdleConns        int
	MaxIdleConnsPerHost int
	MaxConnsPerHost     int

	KeepAlive             time.Duration
	IdleConnTimeout       time.Duration
	TLSHandshakeTimeout   time.Duration
	ResponseHeaderTimeout time.Duration
	ExpectContinueTimeout time.Duration
}

// DefaultTransportConfig returns production-ready pool settings.
func DefaultTransportConfig() *TransportConfig {
	return &TransportConfig{
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: 32,
		MaxConnsPerHost:     100,

		KeepAlive:             30 * time.Second,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ResponseHeaderTimeout: 10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}
}

// transportKey identifies a pooled connection group: the §4.F step 9
// "(protocol, host, port, TLS params)" matching key.
type transportKey struct {
	protocol config.BackendProtocol
	host     string
	port     int
	tls      bool
	certPath string
	caPath   string
}

// TransportPool lazily builds and caches one *http.Transport per distinct
// backend target, each with its own DialContext that resolves through the
// shared DNS Cache instead of net.Dialer's own resolver, and its own TLS
// client config when the target is a client-cert or custom-CA backend.
type TransportPool struct {
	cfg      *TransportConfig
	dnsCache *dnscache.Cache

	mu         sync.RWMutex
	transports map[transportKey]*httpTransport
}

// NewTransportPool builds an empty pool backed by cache for backend host
// resolution.
func NewTransportPool(cfg *TransportConfig, cache *dnscache.Cache) *TransportPool {
	if cfg == nil {
		cfg = DefaultTransportConfig()
	}
	return &TransportPool{
		cfg:        cfg,
		dnsCache:   cache,
		transports: make(map[transportKey]*httpTransport),
	}
}

// Get returns the pooled transport for proxy's backend target, building
// and caching one on first use.
func (p *TransportPool) Get(proxy *config.Proxy) (*httpTransport, error) {
	key := transportKey{
		protocol: proxy.BackendProtocol,
		host:     proxy.BackendHost,
		port:     proxy.BackendPort,
		tls:      proxy.BackendProtocol.TLS(),
	}
	if proxy.BackendTLSClientCertPath != nil {
		key.certPath = *proxy.BackendTLSClientCertPath
	}
	if proxy.BackendTLSServerCACertPath != nil {
		key.caPath = *proxy.BackendTLSServerCACertPath
	}

	p.mu.RLock()
	t, ok := p.transports[key]
	p.mu.RUnlock()
	if ok {
		return t, nil
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if t, ok := p.transports[key]; ok {
		return t, nil
	}

	t, err := p.build(proxy, key)
	if err != nil {
		return nil, err
	}
	p.transports[key] = t
	log.Info().
		Str("component", "proxy_transport").
		Str("host", key.host).Int("port", key.port).Bool("tls", key.tls).
		Msg("backend transport created")
	return t, nil
}

// httpTransport pairs a configured *http.Client with the read timeout its
// proxy specified, since http.Client has no separate read-timeout knob.
type httpTransport struct {
	client      *http.Client
	readTimeout time.Duration
}

func (p *TransportPool) build(proxy *config.Proxy, key transportKey) (*httpTransport, error) {
	dialer := &cacheDialer{
		cache:       p.dnsCache,
		dnsOverride: stringOrEmpty(proxy.DNSOverride),
		ttl:         dnsTTL(proxy.DNSCacheTTLSeconds),
		dialer: &net.Dialer{
			Timeout:   time.Duration(proxy.BackendConnectTimeoutMs) * time.Millisecond,
			KeepAlive: p.cfg.KeepAlive,
		},
		writeTimeout: time.Duration(proxy.BackendWriteTimeoutMs) * time.Millisecond,
	}

	transport := &http.Transport{
		MaxIdleConns:          p.cfg.MaxIdleConns,
		MaxIdleConnsPerHost:   p.cfg.MaxIdleConnsPerHost,
		MaxConnsPerHost:       p.cfg.MaxConnsPerHost,
		IdleConnTimeout:       p.cfg.IdleConnTimeout,
		TLSHandshakeTimeout:   p.cfg.TLSHandshakeTimeout,
		ResponseHeaderTimeout: p.cfg.ResponseHeaderTimeout,
		ExpectContinueTimeout: p.cfg.ExpectContinueTimeout,
		DialContext:           dialer.DialContext,
		DisableCompression:    true,
		ForceAttemptHTTP2:     true,
	}

	if key.tls {
		tlsConfig, err := buildTLSConfig(proxy)
		if err != nil {
			return nil, err
		}
		transport.TLSClientConfig = tlsConfig
	}

	readTimeout := time.Duration(proxy.BackendReadTimeoutMs) * time.Millisecond
	if readTimeout <= 0 {
		readTimeout = 30 * time.Second
	}

	return &httpTransport{
		client: &http.Client{
			Transport: transport,
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		readTimeout: readTimeout,
	}, nil
}

func dnsTTL(seconds *int) time.Duration {
	if seconds == nil || *seconds <= 0 {
		return 0
	}
	return time.Duration(*seconds) * time.Second
}

func stringOrEmpty(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

// cacheDialer resolves hostnames through the shared DNS Cache before
// dialing, so every backend connection this node opens benefits from the
// same cache the gateway Reloader warms on every config swap (§4.F step
// 6, §8's DNS Cache invariant).
type cacheDialer struct {
	cache        *dnscache.Cache
	dnsOverride  string
	ttl          time.Duration
	dialer       *net.Dialer
	writeTimeout time.Duration
}

func (d *cacheDialer) DialContext(ctx context.Context, network, addr string) (net.Conn, error) {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return nil, fmt.Errorf("proxy: invalid dial address %q: %w", addr, err)
	}

	ips, err := d.cache.Lookup(ctx, host, d.dnsOverride, d.ttl)
	if err != nil {
		return nil, fmt.Errorf("proxy: dns lookup for %q failed: %w", host, err)
	}
	if len(ips) == 0 {
		return nil, fmt.Errorf("proxy: dns lookup for %q returned no addresses", host)
	}

	var lastErr error
	for _, ip := range ips {
		conn, err := d.dialer.DialContext(ctx, network, net.JoinHostPort(ip, port))
		if err == nil {
			if d.writeTimeout <= 0 {
				return conn, nil
			}
			return &writeDeadlineConn{Conn: conn, timeout: d.writeTimeout}, nil
		}
		lastErr = err
	}
	return nil, lastErr
}

// writeDeadlineConn enforces BackendWriteTimeoutMs on every Write, the
// upload-side counterpart to the context deadline invokeBackend already
// applies to the read side. http.Transport has no separate write-timeout
// knob, so the deadline is set directly on the dialed connection before
// each write, the same way the connect timeout is set on the dialer.
type writeDeadlineConn struct {
	net.Conn
	timeout time.Duration
}

func (c *writeDeadlineConn) Write(b []byte) (int, error) {
	if err := c.Conn.SetWriteDeadline(time.Now().Add(c.timeout)); err != nil {
		return 0, err
	}
	return c.Conn.Write(b)
}

// wrapTLS performs a client-side TLS handshake over an already-dialed
// plain connection, for the websocket path which dials raw TCP itself
// rather than going through http.Transport.
func wrapTLS(conn net.Conn, cfg *tls.Config) (net.Conn, error) {
	tlsConn := tls.Client(conn, cfg)
	if err := tlsConn.Handshake(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("proxy: tls handshake failed: %w", err)
	}
	return tlsConn, nil
}

func buildTLSConfig(proxy *config.Proxy) (*tls.Config, error) {
	cfg := &tls.Config{
		ServerName:         proxy.BackendHost,
		InsecureSkipVerify: !proxy.BackendTLSVerifyServerCert,
		MinVersion:         tls.VersionTLS12,
	}

	if proxy.BackendTLSClientCertPath != nil && proxy.BackendTLSClientKeyPath != nil {
		cert, err := tls.LoadX509KeyPair(*proxy.BackendTLSClientCertPath, *proxy.BackendTLSClientKeyPath)
		if err != nil {
			return nil, fmt.Errorf("proxy: loading backend client cert/key: %w", err)
		}
		cfg.Certificates = []tls.Certificate{cert}
	}

	if proxy.BackendTLSServerCACertPath != nil {
		pem, err := os.ReadFile(*proxy.BackendTLSServerCACertPath)
		if err != nil {
			return nil, fmt.Errorf("proxy: reading backend CA bundle: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("proxy: backend CA bundle %q contains no usable certificates", *proxy.BackendTLSServerCACertPath)
		}
		cfg.RootCAs = pool
	}

	return cfg, nil
}
