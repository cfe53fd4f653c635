package builtin

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/ferrumgw/ferrum-gateway/internal/plugin"
)

// TransactionDebuggerConfig configures TransactionDebuggerPlugin.
type TransactionDebuggerConfig struct {
	LogRequestBody  bool `json:"log_request_body"`
	LogResponseBody bool `json:"log_response_body"`
	MaxBodySize     int  `json:"max_body_size"`
}

// DefaultTransactionDebuggerConfig mirrors the original plugin's serde
// defaults.
func DefaultTransactionDebuggerConfig() TransactionDebuggerConfig {
	return TransactionDebuggerConfig{MaxBodySize: 1024 * 10}
}

// TransactionDebuggerPlugin logs headers and, optionally, capped request
// and response bodies for a transaction.
//
// The original plugin split this across on_request_received (logs the
// request) and after_proxy (logs the response); here OnRequestReceived
// logs the request headers and registers body capture, and the response
// half moves to a LogHook, since body capture happens out-of-band via
// RequestContext.CaptureRequestBody/CaptureResponseBody and both bodies
// are available together once the transaction is complete.
type TransactionDebuggerPlugin struct {
	config TransactionDebuggerConfig
}

// NewTransactionDebuggerPlugin is a plugin.Factory.
func NewTransactionDebuggerPlugin(rawConfig json.RawMessage) (plugin.Plugin, error) {
	cfg := DefaultTransactionDebuggerConfig()
	if len(rawConfig) > 0 && string(rawConfig) != "{}" {
		if err := json.Unmarshal(rawConfig, &cfg); err != nil {
			return nil, fmt.Errorf("transaction_debugger: invalid config: %w", err)
		}
	}
	return &TransactionDebuggerPlugin{config: cfg}, nil
}

func (p *TransactionDebuggerPlugin) Name() string { return "transaction_debugger" }

// OnRequestReceived implements plugin.RequestReceivedHook, registering the
// body capture the dispatcher needs to perform before this plugin's Log
// hook can see the bodies.
func (p *TransactionDebuggerPlugin) OnRequestReceived(ctx *plugin.RequestContext) (bool, error) {
	if p.config.LogRequestBody {
		ctx.CaptureRequestBody(p.config.MaxBodySize)
	}
	if p.config.LogResponseBody {
		ctx.CaptureResponseBody(p.config.MaxBodySize)
	}
	log.Debug().
		Str("component", "transaction_debugger").
		Str("method", ctx.Request.Method).
		Str("uri", ctx.Request.URL.String()).
		Str("headers", formatHeaders(ctx.Request.Header)).
		Msg("request received")
	return true, nil
}

// Log implements plugin.LogHook.
func (p *TransactionDebuggerPlugin) Log(ctx *plugin.RequestContext, resp *plugin.BackendResponse) {
	proxyName := "unnamed"
	if ctx.Proxy.Name != nil && *ctx.Proxy.Name != "" {
		proxyName = *ctx.Proxy.Name
	}

	statusCode := 0
	var headers http.Header
	if resp != nil {
		statusCode = resp.StatusCode
		headers = resp.Header
	}

	event := log.Info().
		Str("component", "transaction_debugger").
		Int("status", statusCode).
		Str("proxy", proxyName).
		Str("path", ctx.Request.URL.Path)

	if p.config.LogRequestBody {
		event = event.Str("request_body", truncatedBody(ctx.CapturedRequestBody(), p.config.MaxBodySize))
	}
	if p.config.LogResponseBody {
		event = event.Str("response_body", truncatedBody(ctx.CapturedResponseBody(), p.config.MaxBodySize))
	}
	event.Str("response_headers", formatHeaders(headers)).Msg("transaction complete")
}

func formatHeaders(h http.Header) string {
	var b strings.Builder
	for name, values := range h {
		for _, v := range values {
			fmt.Fprintf(&b, "%s: %s\n", name, v)
		}
	}
	return b.String()
}

func truncatedBody(body []byte, maxBodySize int) string {
	if len(body) == 0 {
		return "<empty>"
	}
	if len(body) > maxBodySize {
		return fmt.Sprintf("<first %d bytes of %d total>: %s", maxBodySize, len(body), string(body[:maxBodySize]))
	}
	return string(body)
}
