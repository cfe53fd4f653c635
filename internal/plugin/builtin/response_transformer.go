package builtin

import (
	"encoding/json"
	"fmt"

	"github.com/ferrumgw/ferrum-gateway/internal/plugin"
)

// ResponseTransformerConfig configures ResponseTransformerPlugin.
type ResponseTransformerConfig struct {
	AddHeaders      map[string]string `json:"add_headers"`
	RemoveHeaders   []string          `json:"remove_headers"`
	ReplaceHeaders  map[string]string `json:"replace_headers"`
	HideServerHeader bool             `json:"hide_server_header"`
	AddViaHeader    bool              `json:"add_via_header"`
	ViaValue        string            `json:"via_value"`
}

// DefaultResponseTransformerConfig mirrors the original plugin's serde
// defaults.
func DefaultResponseTransformerConfig() ResponseTransformerConfig {
	return ResponseTransformerConfig{ViaValue: "Ferrum Gateway"}
}

// ResponseTransformerPlugin rewrites response headers before they reach
// the client.
type ResponseTransformerPlugin struct {
	config ResponseTransformerConfig
}

// NewResponseTransformerPlugin is a plugin.Factory.
func NewResponseTransformerPlugin(rawConfig json.RawMessage) (plugin.Plugin, error) {
	cfg := DefaultResponseTransformerConfig()
	if len(rawConfig) > 0 && string(rawConfig) != "{}" {
		if err := json.Unmarshal(rawConfig, &cfg); err != nil {
			return nil, fmt.Errorf("response_transformer: invalid config: %w", err)
		}
	}
	return &ResponseTransformerPlugin{config: cfg}, nil
}

func (p *ResponseTransformerPlugin) Name() string { return "response_transformer" }

// AfterProxy implements plugin.AfterProxyHook.
func (p *ResponseTransformerPlugin) AfterProxy(ctx *plugin.RequestContext, resp *plugin.BackendResponse) error {
	for _, name := range p.config.RemoveHeaders {
		resp.Header.Del(name)
	}
	if p.config.HideServerHeader {
		resp.Header.Del("Server")
	}
	if p.config.AddViaHeader {
		resp.Header.Set("Via", "1.1 "+p.config.ViaValue)
	}
	for name, value := range p.config.ReplaceHeaders {
		if resp.Header.Get(name) != "" {
			resp.Header.Set(name, value)
		}
	}
	for name, value := range p.config.AddHeaders {
		if resp.Header.Get(name) == "" {
			resp.Header.Set(name, value)
		}
	}
	return nil
}
