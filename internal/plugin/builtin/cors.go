package builtin

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/ferrumgw/ferrum-gateway/internal/plugin"
)

// CORSConfig configures CORSPlugin.
type CORSConfig struct {
	AllowedOrigins   []string `json:"allowed_origins"`
	AllowedMethods   []string `json:"allowed_methods"`
	AllowedHeaders   []string `json:"allowed_headers"`
	ExposedHeaders   []string `json:"exposed_headers"`
	AllowCredentials bool     `json:"allow_credentials"`
	MaxAge           int      `json:"max_age"`
}

// DefaultCORSConfig returns permissive, browser-safe defaults.
func DefaultCORSConfig() CORSConfig {
	return CORSConfig{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "PATCH", "OPTIONS"},
		AllowedHeaders:   []string{"Content-Type", "Authorization", "X-Requested-With", "Accept"},
		ExposedHeaders:   []string{"X-Request-ID"},
		AllowCredentials: false,
		MaxAge:           86400,
	}
}

// CORSPlugin adds Cross-Origin Resource Sharing headers and answers
// preflight OPTIONS requests itself, before a request ever reaches
// authentication or the backend.
type CORSPlugin struct {
	config CORSConfig
}

// NewCORSPlugin is a plugin.Factory.
func NewCORSPlugin(rawConfig json.RawMessage) (plugin.Plugin, error) {
	cfg := DefaultCORSConfig()
	if len(rawConfig) > 0 && string(rawConfig) != "{}" {
		if err := json.Unmarshal(rawConfig, &cfg); err != nil {
			return nil, fmt.Errorf("cors: invalid config: %w", err)
		}
	}
	if cfg.AllowCredentials {
		for _, origin := range cfg.AllowedOrigins {
			if origin == "*" {
				return nil, fmt.Errorf("cors: allow_credentials cannot be true when allowed_origins contains \"*\"")
			}
		}
	}
	if cfg.MaxAge < 0 {
		return nil, fmt.Errorf("cors: max_age must not be negative")
	}
	return &CORSPlugin{config: cfg}, nil
}

func (p *CORSPlugin) Name() string { return "cors" }

// OnRequestReceived implements plugin.RequestReceivedHook. A preflight
// request is answered here directly, before auth runs: browsers never
// send credentials on a preflight, so there is nothing to authenticate.
func (p *CORSPlugin) OnRequestReceived(ctx *plugin.RequestContext) (bool, error) {
	origin := ctx.Request.Header.Get("Origin")
	if origin == "" {
		return true, nil
	}
	if !p.originAllowed(origin) {
		log.Debug().Str("component", "cors").Str("origin", origin).Msg("origin not allowed")
		return true, nil
	}

	ctx.Set("cors_origin", origin)

	if ctx.Request.Method == "OPTIONS" {
		p.addHeaders(ctx.Header(), origin)
		ctx.Header().Set("Access-Control-Max-Age", strconv.Itoa(p.config.MaxAge))
		ctx.ShortCircuit(204, nil)
		return false, nil
	}

	return true, nil
}

// AfterProxy implements plugin.AfterProxyHook, adding CORS headers to the
// eventual backend response for non-preflight CORS requests.
func (p *CORSPlugin) AfterProxy(ctx *plugin.RequestContext, resp *plugin.BackendResponse) error {
	origin := ctx.GetString("cors_origin")
	if origin == "" {
		return nil
	}
	p.addHeaders(resp.Header, origin)
	return nil
}

func (p *CORSPlugin) addHeaders(h headerSetter, origin string) {
	if p.hasWildcardOrigin() {
		h.Set("Access-Control-Allow-Origin", "*")
	} else {
		h.Set("Access-Control-Allow-Origin", origin)
	}
	if len(p.config.AllowedMethods) > 0 {
		h.Set("Access-Control-Allow-Methods", strings.Join(p.config.AllowedMethods, ", "))
	}
	if len(p.config.AllowedHeaders) > 0 {
		h.Set("Access-Control-Allow-Headers", strings.Join(p.config.AllowedHeaders, ", "))
	}
	if len(p.config.ExposedHeaders) > 0 {
		h.Set("Access-Control-Expose-Headers", strings.Join(p.config.ExposedHeaders, ", "))
	}
	if p.config.AllowCredentials {
		h.Set("Access-Control-Allow-Credentials", "true")
	}
	h.Add("Vary", "Origin")
}

func (p *CORSPlugin) originAllowed(origin string) bool {
	if p.hasWildcardOrigin() {
		return true
	}
	for _, allowed := range p.config.AllowedOrigins {
		if allowed == origin {
			return true
		}
		if strings.HasPrefix(allowed, "*.") && strings.HasSuffix(origin, allowed[2:]) {
			return true
		}
	}
	return false
}

func (p *CORSPlugin) hasWildcardOrigin() bool {
	for _, origin := range p.config.AllowedOrigins {
		if origin == "*" {
			return true
		}
	}
	return false
}

// headerSetter is the subset of http.Header CORSPlugin needs; satisfied
// by both RequestContext.Header() and a BackendResponse.Header.
type headerSetter interface {
	Set(key, value string)
	Add(key, value string)
}
