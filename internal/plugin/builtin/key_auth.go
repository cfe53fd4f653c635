package builtin

import (
	"encoding/json"
	"fmt"
	"net/http"

	"golang.org/x/crypto/bcrypt"

	"github.com/ferrumgw/ferrum-gateway/internal/config"
	"github.com/ferrumgw/ferrum-gateway/internal/plugin"
)

// KeyLocation selects where a KeyAuthPlugin looks for the API key.
type KeyLocation string

const (
	KeyLocationHeader KeyLocation = "header"
	KeyLocationQuery  KeyLocation = "query"
)

// KeyAuthConfig configures KeyAuthPlugin.
type KeyAuthConfig struct {
	KeyLocation KeyLocation `json:"key_location"`
	HeaderName  string      `json:"header_name"`
	QueryName   string      `json:"query_name"`
	HashKeys    bool        `json:"hash_keys"`
}

// DefaultKeyAuthConfig mirrors the original plugin's serde defaults.
func DefaultKeyAuthConfig() KeyAuthConfig {
	return KeyAuthConfig{
		KeyLocation: KeyLocationHeader,
		HeaderName:  "X-API-Key",
		QueryName:   "apikey",
		HashKeys:    false,
	}
}

// KeyAuthPlugin identifies a Consumer by an API key carried in a header or
// query parameter, matched against each Consumer's credentials["api_keys"].
type KeyAuthPlugin struct {
	config KeyAuthConfig
}

// NewKeyAuthPlugin is a plugin.Factory.
func NewKeyAuthPlugin(rawConfig json.RawMessage) (plugin.Plugin, error) {
	cfg := DefaultKeyAuthConfig()
	if len(rawConfig) > 0 && string(rawConfig) != "{}" {
		if err := json.Unmarshal(rawConfig, &cfg); err != nil {
			return nil, fmt.Errorf("key_auth: invalid config: %w", err)
		}
	}
	if cfg.KeyLocation != KeyLocationHeader && cfg.KeyLocation != KeyLocationQuery {
		return nil, fmt.Errorf("key_auth: invalid key_location %q", cfg.KeyLocation)
	}
	return &KeyAuthPlugin{config: cfg}, nil
}

func (p *KeyAuthPlugin) Name() string { return "key_auth" }

func (p *KeyAuthPlugin) extractKey(r *http.Request) string {
	switch p.config.KeyLocation {
	case KeyLocationQuery:
		return r.URL.Query().Get(p.config.QueryName)
	default:
		return r.Header.Get(p.config.HeaderName)
	}
}

func (p *KeyAuthPlugin) findConsumer(apiKey string, consumers []*config.Consumer) *config.Consumer {
	for _, c := range consumers {
		raw, ok := c.Credentials["api_keys"]
		if !ok {
			continue
		}
		var keys []string
		if err := json.Unmarshal(raw, &keys); err != nil {
			continue
		}
		for _, k := range keys {
			if k == apiKey {
				return c
			}
			if p.config.HashKeys && bcrypt.CompareHashAndPassword([]byte(k), []byte(apiKey)) == nil {
				return c
			}
		}
	}
	return nil
}

// Authenticate implements plugin.AuthenticateHook.
func (p *KeyAuthPlugin) Authenticate(ctx *plugin.RequestContext) (bool, error) {
	if ctx.Identified() {
		return true, nil
	}

	apiKey := p.extractKey(ctx.Request)
	if apiKey == "" {
		return ctx.AuthMode == config.AuthModeMulti, nil
	}

	consumer := p.findConsumer(apiKey, ctx.Consumers)
	if consumer == nil {
		return ctx.AuthMode == config.AuthModeMulti, nil
	}

	ctx.SetConsumer(consumer)
	return true, nil
}
