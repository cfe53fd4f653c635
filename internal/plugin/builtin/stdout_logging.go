package builtin

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/ferrumgw/ferrum-gateway/internal/plugin"
)

// StdoutLoggingConfig configures StdoutLoggingPlugin.
type StdoutLoggingConfig struct {
	JSONFormat bool `json:"json_format"`
}

// DefaultStdoutLoggingConfig mirrors the original plugin's serde default.
func DefaultStdoutLoggingConfig() StdoutLoggingConfig {
	return StdoutLoggingConfig{JSONFormat: true}
}

// StdoutLoggingPlugin writes one transaction summary line per request to
// the process log, either structured (zerolog's usual JSON) or a
// human-readable one-liner.
type StdoutLoggingPlugin struct {
	config StdoutLoggingConfig
}

// NewStdoutLoggingPlugin is a plugin.Factory.
func NewStdoutLoggingPlugin(rawConfig json.RawMessage) (plugin.Plugin, error) {
	cfg := DefaultStdoutLoggingConfig()
	if len(rawConfig) > 0 && string(rawConfig) != "{}" {
		if err := json.Unmarshal(rawConfig, &cfg); err != nil {
			return nil, fmt.Errorf("stdout_logging: invalid config: %w", err)
		}
	}
	return &StdoutLoggingPlugin{config: cfg}, nil
}

func (p *StdoutLoggingPlugin) Name() string { return "stdout_logging" }

// Log implements plugin.LogHook.
func (p *StdoutLoggingPlugin) Log(ctx *plugin.RequestContext, resp *plugin.BackendResponse) {
	summary := buildTransactionSummary(ctx, resp)

	if p.config.JSONFormat {
		log.Info().
			Str("component", "stdout_logging").
			Time("timestamp", summary.Timestamp).
			Str("client_ip", summary.ClientIP).
			Str("consumer_id", summary.ConsumerID).
			Str("consumer_username", summary.ConsumerUsername).
			Str("http_method", summary.HTTPMethod).
			Str("request_path", summary.RequestPath).
			Str("proxy_id", summary.ProxyID).
			Str("proxy_name", summary.ProxyName).
			Str("backend_target_url", summary.BackendTargetURL).
			Int("status_code", summary.StatusCode).
			Dur("latency_total", summary.LatencyTotal).
			Dur("latency_gateway_processing", summary.LatencyGatewayProcessing).
			Dur("latency_backend_ttfb", summary.LatencyBackendTTFB).
			Dur("latency_backend_total", summary.LatencyBackendTotal).
			Str("user_agent", summary.UserAgent).
			Msg("transaction")
		return
	}

	log.Info().Msgf(
		"%s %s %s -> %d (%s) [proxy=%s consumer=%s]",
		summary.Timestamp.Format(time.RFC3339),
		summary.HTTPMethod,
		summary.RequestPath,
		summary.StatusCode,
		summary.LatencyTotal,
		summary.ProxyName,
		summary.ConsumerUsername,
	)
}
