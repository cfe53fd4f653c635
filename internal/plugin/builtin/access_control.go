package builtin

import (
	"encoding/json"
	"fmt"

	"github.com/ferrumgw/ferrum-gateway/internal/plugin"
)

// AccessControlConfig configures AccessControlPlugin.
type AccessControlConfig struct {
	AllowedConsumers    []string `json:"allowed_consumers"`
	DisallowedConsumers []string `json:"disallowed_consumers"`
	AllowAnonymous      bool     `json:"allow_anonymous"`
}

// AccessControlPlugin authorizes a request based on the identified
// Consumer's username against allow/deny lists, gating anonymous access
// separately.
type AccessControlPlugin struct {
	config     AccessControlConfig
	allowed    map[string]bool
	disallowed map[string]bool
}

// NewAccessControlPlugin is a plugin.Factory.
func NewAccessControlPlugin(rawConfig json.RawMessage) (plugin.Plugin, error) {
	var cfg AccessControlConfig
	if len(rawConfig) > 0 && string(rawConfig) != "{}" {
		if err := json.Unmarshal(rawConfig, &cfg); err != nil {
			return nil, fmt.Errorf("access_control: invalid config: %w", err)
		}
	}

	allowed := make(map[string]bool, len(cfg.AllowedConsumers))
	for _, u := range cfg.AllowedConsumers {
		allowed[u] = true
	}
	disallowed := make(map[string]bool, len(cfg.DisallowedConsumers))
	for _, u := range cfg.DisallowedConsumers {
		disallowed[u] = true
	}

	return &AccessControlPlugin{config: cfg, allowed: allowed, disallowed: disallowed}, nil
}

func (p *AccessControlPlugin) Name() string { return "access_control" }

// Authorize implements plugin.AuthorizeHook.
func (p *AccessControlPlugin) Authorize(ctx *plugin.RequestContext) (bool, error) {
	consumer := ctx.Consumer
	if consumer == nil {
		if p.config.AllowAnonymous {
			return true, nil
		}
		ctx.ShortCircuit(403, []byte("access denied: no identified consumer"))
		return false, nil
	}

	if p.disallowed[consumer.Username] {
		ctx.ShortCircuit(403, []byte(fmt.Sprintf("access denied for consumer %q", consumer.Username)))
		return false, nil
	}

	if len(p.allowed) > 0 && !p.allowed[consumer.Username] {
		ctx.ShortCircuit(403, []byte(fmt.Sprintf("access denied for consumer %q", consumer.Username)))
		return false, nil
	}

	return true, nil
}
