package builtin

import (
	"encoding/json"
	"fmt"

	"github.com/ferrumgw/ferrum-gateway/internal/plugin"
)

// RequestTransformerConfig configures RequestTransformerPlugin.
type RequestTransformerConfig struct {
	AddHeaders        map[string]string `json:"add_headers"`
	RemoveHeaders     []string          `json:"remove_headers"`
	ReplaceHeaders    map[string]string `json:"replace_headers"`
	AddQueryParams    map[string]string `json:"add_query_params"`
	RemoveQueryParams []string          `json:"remove_query_params"`
	ReplaceQueryParams map[string]string `json:"replace_query_params"`
}

// RequestTransformerPlugin rewrites request headers and query parameters
// immediately before the backend call.
type RequestTransformerPlugin struct {
	config RequestTransformerConfig
}

// NewRequestTransformerPlugin is a plugin.Factory.
func NewRequestTransformerPlugin(rawConfig json.RawMessage) (plugin.Plugin, error) {
	var cfg RequestTransformerConfig
	if len(rawConfig) > 0 && string(rawConfig) != "{}" {
		if err := json.Unmarshal(rawConfig, &cfg); err != nil {
			return nil, fmt.Errorf("request_transformer: invalid config: %w", err)
		}
	}
	return &RequestTransformerPlugin{config: cfg}, nil
}

func (p *RequestTransformerPlugin) Name() string { return "request_transformer" }

// BeforeProxy implements plugin.BeforeProxyHook.
func (p *RequestTransformerPlugin) BeforeProxy(ctx *plugin.RequestContext) (bool, error) {
	req := ctx.Request

	for _, name := range p.config.RemoveHeaders {
		req.Header.Del(name)
	}
	for name, value := range p.config.ReplaceHeaders {
		if req.Header.Get(name) != "" {
			req.Header.Set(name, value)
		}
	}
	for name, value := range p.config.AddHeaders {
		if req.Header.Get(name) == "" {
			req.Header.Set(name, value)
		}
	}

	if len(p.config.AddQueryParams) > 0 || len(p.config.RemoveQueryParams) > 0 || len(p.config.ReplaceQueryParams) > 0 {
		q := req.URL.Query()
		for _, name := range p.config.RemoveQueryParams {
			q.Del(name)
		}
		for name, value := range p.config.ReplaceQueryParams {
			if q.Has(name) {
				q.Set(name, value)
			}
		}
		for name, value := range p.config.AddQueryParams {
			if !q.Has(name) {
				q.Set(name, value)
			}
		}
		req.URL.RawQuery = q.Encode()
	}

	return true, nil
}
