package proxy

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/ferrumgw/ferrum-gateway/internal/config"
)

// isWebSocketUpgrade reports whether r asks to upgrade to the websocket
// protocol (§4.F step 9's "WebSocket upgrades" case, §6's "WebSocket
// upgrades over HTTP/1.1 and HTTP/2 supported").
func isWebSocketUpgrade(r *http.Request) bool {
	return strings.EqualFold(r.Header.Get("Upgrade"), "websocket") &&
		headerContainsToken(r.Header.Get("Connection"), "upgrade")
}

func headerContainsToken(header, token string) bool {
	for _, part := range strings.Split(header, ",") {
		if strings.EqualFold(strings.TrimSpace(part), token) {
			return true
		}
	}
	return false
}

// proxyWebSocket hijacks the client connection, dials the backend over
// raw TCP (or TLS, for wss), replays the original upgrade request to it,
// and once the backend answers splices the two connections bidirectionally
// until either side closes. This bypasses the pooled http.Transport
// entirely: a hijacked connection is no longer an HTTP round trip.
func (disp *Dispatcher) proxyWebSocket(w http.ResponseWriter, r *http.Request, proxy *config.Proxy, backendHost string, backendPort int, forwardPath string) error {
	hijacker, ok := w.(http.Hijacker)
	if !ok {
		return fmt.Errorf("proxy: response writer does not support hijacking")
	}

	dialCtx, cancel := context.WithTimeout(r.Context(), time.Duration(proxy.BackendConnectTimeoutMs)*time.Millisecond)
	defer cancel()

	addr := net.JoinHostPort(backendHost, fmt.Sprintf("%d", backendPort))
	ips, err := disp.dnsCache.Lookup(dialCtx, backendHost, stringOrEmpty(proxy.DNSOverride), dnsTTL(proxy.DNSCacheTTLSeconds))
	if err != nil {
		return fmt.Errorf("proxy: websocket dns lookup failed: %w", err)
	}
	if len(ips) > 0 {
		addr = net.JoinHostPort(ips[0], fmt.Sprintf("%d", backendPort))
	}

	var backendConn net.Conn
	if proxy.BackendProtocol == config.ProtocolWSS {
		tlsConfig, tlsErr := buildTLSConfig(proxy)
		if tlsErr != nil {
			return tlsErr
		}
		backendConn, err = (&net.Dialer{Timeout: time.Duration(proxy.BackendConnectTimeoutMs) * time.Millisecond}).DialContext(dialCtx, "tcp", addr)
		if err == nil {
			backendConn, err = wrapTLS(backendConn, tlsConfig)
		}
	} else {
		backendConn, err = (&net.Dialer{Timeout: time.Duration(proxy.BackendConnectTimeoutMs) * time.Millisecond}).DialContext(dialCtx, "tcp", addr)
	}
	if err != nil {
		return fmt.Errorf("proxy: websocket backend dial failed: %w", err)
	}

	upgradeReq := r.Clone(r.Context())
	upgradeReq.URL.Path = forwardPath
	upgradeReq.RequestURI = ""
	if !proxy.PreserveHostHeader {
		upgradeReq.Host = net.JoinHostPort(backendHost, fmt.Sprintf("%d", backendPort))
	}

	if err := upgradeReq.Write(backendConn); err != nil {
		backendConn.Close()
		return fmt.Errorf("proxy: writing websocket upgrade request to backend: %w", err)
	}

	clientConn, clientBuf, err := hijacker.Hijack()
	if err != nil {
		backendConn.Close()
		return fmt.Errorf("proxy: hijacking client connection: %w", err)
	}

	backendReader := bufio.NewReader(backendConn)
	backendResp, err := http.ReadResponse(backendReader, upgradeReq)
	if err != nil {
		clientConn.Close()
		backendConn.Close()
		return fmt.Errorf("proxy: reading websocket upgrade response from backend: %w", err)
	}
	if err := backendResp.Write(clientConn); err != nil {
		clientConn.Close()
		backendConn.Close()
		return fmt.Errorf("proxy: relaying websocket upgrade response to client: %w", err)
	}

	splice(clientConn, clientBuf, backendConn)
	return nil
}

// splice copies bytes between the two connections in both directions
// until one side closes, then closes the other. clientBuf may still hold
// bytes the client sent before the hijack completed and must be drained
// first.
func splice(clientConn net.Conn, clientBuf *bufio.ReadWriter, backendConn net.Conn) {
	done := make(chan struct{}, 2)

	go func() {
		// clientBuf.Reader wraps clientConn directly: once its buffered
		// bytes (anything the client sent before Hijack completed) are
		// drained, reads fall through to the live connection.
		io.Copy(backendConn, clientBuf)
		done <- struct{}{}
	}()
	go func() {
		io.Copy(clientConn, backendConn)
		done <- struct{}{}
	}()

	<-done
	clientConn.Close()
	backendConn.Close()
	log.Debug().Str("component", "proxy_websocket").Msg("websocket connection closed")
}
