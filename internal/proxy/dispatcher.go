package proxy

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/ferrumgw/ferrum-gateway/internal/config"
	"github.com/ferrumgw/ferrum-gateway/internal/configstore"
	"github.com/ferrumgw/ferrum-gateway/internal/dnscache"
	"github.com/ferrumgw/ferrum-gateway/internal/ferrors"
	"github.com/ferrumgw/ferrum-gateway/internal/logging"
	"github.com/ferrumgw/ferrum-gateway/internal/plugin"
	"github.com/ferrumgw/ferrum-gateway/internal/router"
)

// Limits are the §4.F step 1 request-size ceilings. A value of 0 disables
// the corresponding check.
type Limits struct {
	MaxHeaderBytes int
	MaxBodyBytes   int
}

// Dispatcher implements the Proxy Dispatcher (§4.F): it owns routing,
// path synthesis, backend invocation and writing the response, and calls
// into a plugin.Dispatcher for the plugin-owned pipeline phases.
type Dispatcher struct {
	router   *router.Router
	store    *configstore.Store
	dnsCache *dnscache.Cache
	plugins  *plugin.Dispatcher
	registry *plugin.Registry
	pool     *TransportPool
	limits   Limits
}

// New builds a Dispatcher. store supplies the current config snapshot per
// request; registry is the compiled plugin set Compile keeps current.
func New(r *router.Router, store *configstore.Store, dnsCache *dnscache.Cache, registry *plugin.Registry, pool *TransportPool, limits Limits) *Dispatcher {
	return &Dispatcher{
		router:   r,
		store:    store,
		dnsCache: dnsCache,
		plugins:  plugin.NewDispatcher(registry),
		registry: registry,
		pool:     pool,
		limits:   limits,
	}
}

// ServeHTTP implements http.Handler, running the full §4.F pipeline.
func (d *Dispatcher) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	received := time.Now()

	// Step 1: parse & limits.
	if d.limits.MaxHeaderBytes > 0 && headerSize(r.Header) > d.limits.MaxHeaderBytes {
		d.writeError(w, ferrors.Limit(ferrors.CodeHeaderTooLarge, http.StatusRequestHeaderFieldsTooLarge))
		return
	}
	if d.limits.MaxBodyBytes > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, int64(d.limits.MaxBodyBytes))
	}

	// Step 2: route.
	proxyID, ok := d.router.Match(r.URL.Path)
	if !ok {
		d.writeError(w, ferrors.Route(ferrors.CodeRouteMiss))
		return
	}
	snap := d.store.GetSnapshot()
	proxy, ok := snap.Proxies[proxyID]
	if !ok {
		d.writeError(w, ferrors.Route(ferrors.CodeRouteMiss))
		return
	}

	// Step 3: build context.
	ctx := plugin.NewRequestContext(r, clientIP(r), proxy, consumerList(snap))

	// WebSocket upgrades bypass the buffered-response pipeline entirely:
	// plugin phases that mutate headers still run, but the eventual
	// backend call is a raw splice, not an http.Client round trip.
	if isWebSocketUpgrade(r) && (proxy.BackendProtocol == config.ProtocolWS || proxy.BackendProtocol == config.ProtocolWSS) {
		d.serveWebSocket(w, r, ctx, proxy)
		return
	}

	// Steps 4-5: resolve plugin list, run pre-proxy pipeline.
	outcome := d.plugins.PreProxy(ctx)
	if outcome.ShortCircuited {
		d.finish(w, ctx, outcome.Plugins, outcome.StatusCode, outcome.Body, nil)
		return
	}

	// Steps 6-9: path synthesis, backend invocation.
	resp, err := d.invokeBackend(ctx, proxy)
	if err != nil {
		fe, _ := ferrors.As(err)
		status := http.StatusBadGateway
		if fe != nil {
			status = fe.Status
		}
		d.finish(w, ctx, outcome.Plugins, status, []byte(err.Error()), nil)
		return
	}

	// Step 10: post-proxy pipeline.
	d.plugins.PostProxy(ctx, outcome.Plugins, resp)

	ctx.Latency.Total = time.Since(received)
	d.writeResponse(w, resp)

	// Step 11: log phase, detached.
	d.plugins.Log(ctx, outcome.Plugins, resp, nil)
}

func (d *Dispatcher) finish(w http.ResponseWriter, ctx *plugin.RequestContext, plugins []pluginResolved, statusCode int, body []byte, resp *plugin.BackendResponse) {
	if resp == nil {
		resp = &plugin.BackendResponse{StatusCode: statusCode, Header: make(http.Header), Body: body}
	}
	d.plugins.PostProxy(ctx, plugins, resp)
	ctx.Latency.Total = ctx.Elapsed()
	d.writeResponse(w, resp)
	d.plugins.Log(ctx, plugins, resp, nil)
}

// pluginResolved avoids importing plugin.Resolved under a long name at
// every call site in this file.
type pluginResolved = plugin.Resolved

func (d *Dispatcher) writeResponse(w http.ResponseWriter, resp *plugin.BackendResponse) {
	for name, values := range resp.Header {
		for _, v := range values {
			w.Header().Add(name, v)
		}
	}
	w.WriteHeader(resp.StatusCode)
	if len(resp.Body) > 0 {
		w.Write(resp.Body)
	}
}

func (d *Dispatcher) writeError(w http.ResponseWriter, err *ferrors.Error) {
	ferrors.WriteHeader(w, err)
	http.Error(w, err.Error(), err.Status)
}

// invokeBackend implements §4.F steps 6-9: path synthesis, host header
// policy, forwarded headers, and the pooled backend round trip with
// response-body capture for any plugin that requested it.
func (d *Dispatcher) invokeBackend(ctx *plugin.RequestContext, proxy *config.Proxy) (*plugin.BackendResponse, error) {
	forwardPath := router.ForwardPath(ctx.Request.URL.Path, proxy.ListenPath, proxy.StripListenPath, stringOrEmpty(proxy.BackendPath))

	backendURL := fmt.Sprintf("%s://%s:%d%s", backendScheme(proxy.BackendProtocol), proxy.BackendHost, proxy.BackendPort, forwardPath)
	if ctx.Request.URL.RawQuery != "" {
		backendURL += "?" + ctx.Request.URL.RawQuery
	}

	backendReq, err := http.NewRequestWithContext(ctx.Request.Context(), ctx.Request.Method, backendURL, ctx.Request.Body)
	if err != nil {
		return nil, ferrors.Upstream(ferrors.CodeUpstreamConnect, http.StatusBadGateway, err)
	}
	backendReq.Header = ctx.Request.Header.Clone()

	// Step 7: host header policy.
	if proxy.PreserveHostHeader {
		backendReq.Host = ctx.Request.Host
	} else {
		backendReq.Host = net.JoinHostPort(proxy.BackendHost, fmt.Sprintf("%d", proxy.BackendPort))
	}

	// Step 8: standard forwarded headers.
	setForwardedHeaders(backendReq, ctx.Request, ctx.ClientIP)

	if ctx.RequestCaptureLimit() > 0 && backendReq.Body != nil {
		capture := &capturingReader{r: backendReq.Body, limit: ctx.RequestCaptureLimit()}
		backendReq.Body = capture
		defer func() { ctx.SetCapturedRequestBody(capture.buf) }()
	}

	transport, err := d.pool.Get(proxy)
	if err != nil {
		return nil, ferrors.Upstream(ferrors.CodeUpstreamConnect, http.StatusBadGateway, err)
	}

	backendCtx, cancel := context.WithTimeout(backendReq.Context(), transport.readTimeout)
	defer cancel()
	backendReq = backendReq.WithContext(backendCtx)

	backendStart := time.Now()
	httpResp, err := transport.client.Do(backendReq)
	if err != nil {
		var maxBytesErr *http.MaxBytesError
		if errors.As(err, &maxBytesErr) {
			return nil, ferrors.Limit(ferrors.CodeBodyTooLarge, http.StatusRequestEntityTooLarge)
		}
		if backendCtx.Err() == context.DeadlineExceeded {
			return nil, ferrors.Upstream(ferrors.CodeUpstreamTimeout, http.StatusGatewayTimeout, err)
		}
		return nil, ferrors.Upstream(ferrors.CodeUpstreamConnect, http.StatusBadGateway, err)
	}
	defer httpResp.Body.Close()
	ctx.Latency.BackendTTFB = time.Since(backendStart)

	resp := &plugin.BackendResponse{
		StatusCode: httpResp.StatusCode,
		Header:     httpResp.Header.Clone(),
	}

	if ctx.ResponseCaptureLimit() > 0 {
		limit := ctx.ResponseCaptureLimit()
		buf := make([]byte, 0, limit)
		pr, pw := io.Pipe()
		go func() {
			tee := io.TeeReader(httpResp.Body, pw)
			io.Copy(io.Discard, tee)
			pw.Close()
		}()
		full, _ := io.ReadAll(pr)
		captured := full
		if len(captured) > limit {
			captured = captured[:limit]
		}
		buf = append(buf, captured...)
		ctx.SetCapturedResponseBody(buf)
		resp.Body = full
	} else {
		body, err := io.ReadAll(httpResp.Body)
		if err != nil {
			return nil, ferrors.Upstream(ferrors.CodeUpstreamConnect, http.StatusBadGateway, err)
		}
		resp.Body = body
	}

	ctx.Latency.BackendTotal = time.Since(backendStart)
	ctx.Latency.GatewayProcessing = ctx.Elapsed() - ctx.Latency.BackendTotal
	return resp, nil
}

func (d *Dispatcher) serveWebSocket(w http.ResponseWriter, r *http.Request, ctx *plugin.RequestContext, proxy *config.Proxy) {
	outcome := d.plugins.PreProxy(ctx)
	if outcome.ShortCircuited {
		d.finish(w, ctx, outcome.Plugins, outcome.StatusCode, outcome.Body, nil)
		return
	}

	forwardPath := router.ForwardPath(r.URL.Path, proxy.ListenPath, proxy.StripListenPath, stringOrEmpty(proxy.BackendPath))
	if err := d.proxyWebSocket(w, r, proxy, proxy.BackendHost, proxy.BackendPort, forwardPath); err != nil {
		logging.WithError("proxy_dispatcher", err).Str("proxy_id", proxy.ID).Msg("websocket proxying failed")
		d.writeError(w, ferrors.Upstream(ferrors.CodeUpstreamConnect, http.StatusBadGateway, err))
		d.plugins.Log(ctx, outcome.Plugins, &plugin.BackendResponse{StatusCode: http.StatusBadGateway}, nil)
		return
	}
	d.plugins.Log(ctx, outcome.Plugins, &plugin.BackendResponse{StatusCode: http.StatusSwitchingProtocols}, nil)
}

func backendScheme(protocol config.BackendProtocol) string {
	if protocol.TLS() {
		return "https"
	}
	return "http"
}

func setForwardedHeaders(backendReq, originalReq *http.Request, clientIP string) {
	if clientIP != "" {
		if prior := backendReq.Header.Get("X-Forwarded-For"); prior != "" {
			backendReq.Header.Set("X-Forwarded-For", prior+", "+clientIP)
		} else {
			backendReq.Header.Set("X-Forwarded-For", clientIP)
		}
	}
	proto := "http"
	if originalReq.TLS != nil {
		proto = "https"
	}
	backendReq.Header.Set("X-Forwarded-Proto", proto)
	backendReq.Header.Set("X-Forwarded-Host", originalReq.Host)
}

func clientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		if idx := strings.Index(xff, ","); idx > 0 {
			return strings.TrimSpace(xff[:idx])
		}
		return strings.TrimSpace(xff)
	}
	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return strings.TrimSpace(xri)
	}
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}

func headerSize(h http.Header) int {
	n := 0
	for name, values := range h {
		for _, v := range values {
			n += len(name) + len(v) + 4
		}
	}
	return n
}

func consumerList(snap *configstore.Snapshot) []*config.Consumer {
	out := make([]*config.Consumer, 0, len(snap.Consumers))
	for _, c := range snap.Consumers {
		out = append(out, c)
	}
	return out
}

// capturingReader tees up to limit bytes of an io.ReadCloser into buf
// while still passing every byte through unchanged, for §4.F's request
// body capture used by transaction_debugger.
type capturingReader struct {
	r     io.ReadCloser
	limit int
	buf   []byte
	mu    sync.Mutex
}

func (c *capturingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	if n > 0 {
		c.mu.Lock()
		if remaining := c.limit - len(c.buf); remaining > 0 {
			take := n
			if take > remaining {
				take = remaining
			}
			c.buf = append(c.buf, p[:take]...)
		}
		c.mu.Unlock()
	}
	return n, err
}

func (c *capturingReader) Close() error { return c.r.Close() }
