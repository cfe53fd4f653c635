package builtin

import (
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/ferrumgw/ferrum-gateway/internal/plugin"
	"github.com/ferrumgw/ferrum-gateway/internal/ratelimit"
)

// RateLimitBy selects the key a RateLimitingPlugin counts requests under.
type RateLimitBy string

const (
	RateLimitByConsumer RateLimitBy = "consumer"
	RateLimitByIP       RateLimitBy = "ip"
)

// RateLimitingConfig configures RateLimitingPlugin.
type RateLimitingConfig struct {
	LimitBy           RateLimitBy `json:"limit_by"`
	RequestsPerSecond int         `json:"requests_per_second"`
	RequestsPerMinute int         `json:"requests_per_minute"`
	RequestsPerHour   int         `json:"requests_per_hour"`
	AddHeaders        bool        `json:"add_headers"`
}

// DefaultRateLimitingConfig mirrors the original plugin's serde defaults.
func DefaultRateLimitingConfig() RateLimitingConfig {
	return RateLimitingConfig{LimitBy: RateLimitByConsumer, AddHeaders: true}
}

// RateLimitingPlugin enforces independent per-second/minute/hour request
// caps against an in-memory Limiter, keyed by consumer or client IP.
//
// Per the gateway's distribution topology this hooks before_proxy rather
// than authenticate: it needs the identified consumer (when limiting by
// consumer) to already be settled, and must still run before the backend
// call to reject over-quota requests without proxying them.
type RateLimitingPlugin struct {
	config  RateLimitingConfig
	limiter *ratelimit.Limiter
}

// NewRateLimitingPlugin is a plugin.Factory that gives every instance of
// this plugin (one per PluginConfig) its own Limiter and counters, since a Global rate_limiting config and a Proxy-scoped
// one are conceptually different quotas.
func NewRateLimitingPlugin(rawConfig json.RawMessage) (plugin.Plugin, error) {
	cfg := DefaultRateLimitingConfig()
	if len(rawConfig) > 0 && string(rawConfig) != "{}" {
		if err := json.Unmarshal(rawConfig, &cfg); err != nil {
			return nil, fmt.Errorf("rate_limiting: invalid config: %w", err)
		}
	}
	if cfg.LimitBy != RateLimitByConsumer && cfg.LimitBy != RateLimitByIP {
		return nil, fmt.Errorf("rate_limiting: invalid limit_by %q", cfg.LimitBy)
	}
	return &RateLimitingPlugin{config: cfg, limiter: ratelimit.NewLimiter()}, nil
}

func (p *RateLimitingPlugin) Name() string { return "rate_limiting" }

func (p *RateLimitingPlugin) key(ctx *plugin.RequestContext) string {
	if p.config.LimitBy == RateLimitByConsumer && ctx.Consumer != nil {
		return "consumer:" + ctx.Consumer.ID
	}
	return "ip:" + ctx.ClientIP
}

// BeforeProxy implements plugin.BeforeProxyHook.
func (p *RateLimitingPlugin) BeforeProxy(ctx *plugin.RequestContext) (bool, error) {
	limits := ratelimit.Limits{
		PerSecond: p.config.RequestsPerSecond,
		PerMinute: p.config.RequestsPerMinute,
		PerHour:   p.config.RequestsPerHour,
	}

	result := p.limiter.Allow(p.key(ctx), limits)

	if p.config.AddHeaders {
		for window, remaining := range result.Remaining {
			ctx.Header().Set("X-RateLimit-Remaining-"+string(window), strconv.Itoa(remaining))
		}
	}

	if !result.Allowed {
		if p.config.AddHeaders {
			ctx.Header().Set("Retry-After", strconv.Itoa(int(result.RetryAfter.Seconds())))
		}
		ctx.ShortCircuit(429, []byte(fmt.Sprintf("rate limit exceeded (%s window)", result.ExceededWindow)))
		return false, nil
	}

	return true, nil
}
