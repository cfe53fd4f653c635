// Package plugin implements the request/response pipeline's plugin
// capability model (§4.F step 5, 10, 11). A plugin is any type that
// implements Name plus zero or more of the hook interfaces below; the
// Dispatcher in chain.go composes a pipeline out of whichever hooks each
// configured plugin happens to satisfy, the way http.Flusher and
// http.Hijacker let an http.ResponseWriter opt into extra behavior without
// a shared base type. This replaces a single Phase-tagged Execute method
// with six independently optional hooks: on_request_received,
// authenticate, authorize, before_proxy, after_proxy, log.
package plugin

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/ferrumgw/ferrum-gateway/internal/config"
)

// Plugin is the minimum every plugin implementation satisfies. Everything
// else is optional: a plugin that only needs to inspect responses for
// logging implements Name and LogHook and nothing more.
type Plugin interface {
	Name() string
}

// RequestReceivedHook lets a plugin inspect or mutate the request before
// authentication runs. Returning cont=false stops the pipeline; the
// plugin must have already called ctx.ShortCircuit to supply a response.
type RequestReceivedHook interface {
	OnRequestReceived(ctx *RequestContext) (cont bool, err error)
}

// AuthenticateHook attempts to identify the caller. See chain.go for how
// the Dispatcher sequences multiple authenticators attached to the same
// Proxy under Single vs Multi auth mode.
type AuthenticateHook interface {
	Authenticate(ctx *RequestContext) (cont bool, err error)
}

// AuthorizeHook makes an allow/deny decision once identification (if any)
// is complete.
type AuthorizeHook interface {
	Authorize(ctx *RequestContext) (cont bool, err error)
}

// BeforeProxyHook performs final request mutation immediately before the
// backend call: header/query rewriting, rate limiting, and similar.
type BeforeProxyHook interface {
	BeforeProxy(ctx *RequestContext) (cont bool, err error)
}

// AfterProxyHook mutates the backend's response before it is written to
// the client. It cannot short-circuit; a response already exists by this
// point.
type AfterProxyHook interface {
	AfterProxy(ctx *RequestContext, resp *BackendResponse) error
}

// LogHook observes the completed transaction. Log hooks are dispatched as
// detached goroutines after the response has been written to the client
// (§4.F step 11, §5: "dispatched as detached tasks so they cannot delay
// client response") and cannot affect what the client received.
type LogHook interface {
	Log(ctx *RequestContext, resp *BackendResponse)
}

// Factory constructs a configured Plugin instance from its raw JSON
// config blob, validating the config as part of construction. This is how
// validate_config and instantiate are unified: the admin surface calls the
// same factory to validate a config before persisting it, and discards the
// instance if it only wanted the validation.
type Factory func(rawConfig json.RawMessage) (Plugin, error)

// BackendResponse is the subset of a proxied response the post-proxy and
// log hooks observe. Body holds the whole backend body: the dispatcher
// reads it into memory before after_proxy runs and writes it to the
// client afterwards, so the response body is not streamed. A plugin that
// requested capture (RequestContext.CaptureResponseBody) also gets a copy
// capped at its limit via CapturedResponseBody.
type BackendResponse struct {
	StatusCode int
	Header     http.Header
	Body       []byte
	Truncated  bool
}

// Latency is the timing breakdown a log hook typically reports.
type Latency struct {
	Total             time.Duration
	GatewayProcessing time.Duration
	BackendTTFB       time.Duration
	BackendTotal      time.Duration
}

// RequestContext is the mutable state threaded through one request's
// pipeline (§4.F step 3): the matched Proxy, the identified_consumer slot,
// a freeform plugin_state bag, and timing anchors.
type RequestContext struct {
	Request  *http.Request
	ClientIP string
	Proxy    *config.Proxy
	AuthMode config.AuthMode
	Latency  Latency

	// Consumer is the identified_consumer slot. Once set by an
	// AuthenticateHook it is sticky: SetConsumer is a no-op if a consumer
	// is already identified (§4.F Multi mode semantics).
	Consumer *config.Consumer

	// Consumers is the full consumer set from the snapshot this request
	// was routed against, for authenticators (key_auth, basic_auth) that
	// must search credentials to find a match. It is a snapshot-owned
	// slice, never mutated.
	Consumers []*config.Consumer

	ReceivedAt time.Time

	shortCircuited bool
	statusCode     int
	body           []byte
	header         http.Header

	requestCaptureMax  int
	responseCaptureMax int
	capturedRequest    []byte
	capturedResponse   []byte

	mu    sync.Mutex
	state map[string]any
}

// NewRequestContext builds the pipeline context for one accepted request.
// consumers is the snapshot's full consumer set, passed through for
// authenticators that search credentials rather than looking up by id.
func NewRequestContext(r *http.Request, clientIP string, proxy *config.Proxy, consumers []*config.Consumer) *RequestContext {
	return &RequestContext{
		Request:    r,
		ClientIP:   clientIP,
		Proxy:      proxy,
		AuthMode:   proxy.AuthMode,
		Consumers:  consumers,
		ReceivedAt: time.Now(),
		header:     make(http.Header),
		state:      make(map[string]any),
	}
}

// SetConsumer implements the sticky identified_consumer slot: the first
// authenticator to succeed wins, and later authenticators (run
// unconditionally in Multi mode) cannot overwrite it.
func (c *RequestContext) SetConsumer(consumer *config.Consumer) {
	if c.Consumer == nil {
		c.Consumer = consumer
	}
}

// Identified reports whether a consumer has been set.
func (c *RequestContext) Identified() bool {
	return c.Consumer != nil
}

// ShortCircuit records a final response and signals the Dispatcher to
// stop running further hooks (§4.F: "Any phase may short-circuit by
// producing a final response").
func (c *RequestContext) ShortCircuit(statusCode int, body []byte) {
	c.shortCircuited = true
	c.statusCode = statusCode
	c.body = body
}

// ShortCircuited reports whether a hook has already short-circuited the
// pipeline for this request.
func (c *RequestContext) ShortCircuited() bool {
	return c.shortCircuited
}

// ShortCircuitResponse returns the status, body and header set a
// ShortCircuit call recorded. Only meaningful if ShortCircuited is true.
func (c *RequestContext) ShortCircuitResponse() (int, []byte, http.Header) {
	return c.statusCode, c.body, c.header
}

// Header returns the header set a short-circuit response will carry.
func (c *RequestContext) Header() http.Header {
	return c.header
}

// CaptureRequestBody asks the dispatcher to tee up to maxBytes of the
// request body into CapturedRequestBody while still streaming the full
// body to the backend unchanged. Only transaction_debugger uses this; it
// costs nothing when no plugin calls it (requestCaptureMax stays 0).
func (c *RequestContext) CaptureRequestBody(maxBytes int) {
	if maxBytes > c.requestCaptureMax {
		c.requestCaptureMax = maxBytes
	}
}

// CaptureResponseBody is CaptureRequestBody's response-side counterpart.
func (c *RequestContext) CaptureResponseBody(maxBytes int) {
	if maxBytes > c.responseCaptureMax {
		c.responseCaptureMax = maxBytes
	}
}

// RequestCaptureLimit and ResponseCaptureLimit are read by the dispatcher
// to size the tee buffers it installs, if any plugin requested capture.
func (c *RequestContext) RequestCaptureLimit() int  { return c.requestCaptureMax }
func (c *RequestContext) ResponseCaptureLimit() int { return c.responseCaptureMax }

// SetCapturedRequestBody and SetCapturedResponseBody are called by the
// dispatcher once the corresponding tee buffer is filled.
func (c *RequestContext) SetCapturedRequestBody(b []byte)  { c.capturedRequest = b }
func (c *RequestContext) SetCapturedResponseBody(b []byte) { c.capturedResponse = b }

// CapturedRequestBody and CapturedResponseBody return whatever bytes were
// captured, nil if capture was never requested.
func (c *RequestContext) CapturedRequestBody() []byte  { return c.capturedRequest }
func (c *RequestContext) CapturedResponseBody() []byte { return c.capturedResponse }

// Set stores a value in the plugin_state bag, keyed by plugin-chosen name.
// Used to pass data between hooks of the same request, e.g. a rate
// limiter's decision feeding response headers added in after_proxy.
func (c *RequestContext) Set(key string, value any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state[key] = value
}

// Get retrieves a value previously stored with Set.
func (c *RequestContext) Get(key string) (any, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.state[key]
	return v, ok
}

// GetString is a convenience wrapper over Get for string-typed state.
func (c *RequestContext) GetString(key string) string {
	v, ok := c.Get(key)
	if !ok {
		return ""
	}
	s, _ := v.(string)
	return s
}

// Elapsed returns the time elapsed since the request was received.
func (c *RequestContext) Elapsed() time.Duration {
	return time.Since(c.ReceivedAt)
}
