package builtin

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"github.com/ferrumgw/ferrum-gateway/internal/config"
	"github.com/ferrumgw/ferrum-gateway/internal/plugin"
)

// JWTTokenLookup selects where JWTAuthPlugin looks for the token.
type JWTTokenLookup string

const (
	JWTLookupHeader JWTTokenLookup = "header"
	JWTLookupQuery  JWTTokenLookup = "query"
	JWTLookupCookie JWTTokenLookup = "cookie"
)

// JWTAuthConfig configures JWTAuthPlugin.
type JWTAuthConfig struct {
	TokenLookup         JWTTokenLookup `json:"token_lookup"`
	ConsumerClaimField  string         `json:"consumer_claim_field"`
	Algorithm           string         `json:"algorithm"`
	Secret              string         `json:"secret"`
	PublicKey           string         `json:"public_key"`
	AllowNoExpiry       bool           `json:"allow_tokens_without_exp"`
	Issuer              string         `json:"issuer"`
	Audience            string         `json:"audience"`
}

// DefaultJWTAuthConfig mirrors the original plugin's serde defaults.
func DefaultJWTAuthConfig() JWTAuthConfig {
	return JWTAuthConfig{
		TokenLookup:        JWTLookupHeader,
		ConsumerClaimField: "sub",
		Algorithm:          "HS256",
	}
}

// JWTAuthPlugin identifies a Consumer from a JWT bearer token, verified
// with an HMAC secret or an RSA/ECDSA public key and matched against the
// consumer_claim_field claim.
type JWTAuthPlugin struct {
	config JWTAuthConfig
	keyFn  jwt.Keyfunc
}

// NewJWTAuthPlugin is a plugin.Factory.
func NewJWTAuthPlugin(rawConfig json.RawMessage) (plugin.Plugin, error) {
	cfg := DefaultJWTAuthConfig()
	if len(rawConfig) > 0 && string(rawConfig) != "{}" {
		if err := json.Unmarshal(rawConfig, &cfg); err != nil {
			return nil, fmt.Errorf("jwt_auth: invalid config: %w", err)
		}
	}

	p := &JWTAuthPlugin{config: cfg}

	switch {
	case strings.HasPrefix(cfg.Algorithm, "HS"):
		if cfg.Secret == "" {
			return nil, fmt.Errorf("jwt_auth: HMAC algorithms require a secret")
		}
		p.keyFn = func(*jwt.Token) (any, error) { return []byte(cfg.Secret), nil }
	case strings.HasPrefix(cfg.Algorithm, "RS"), strings.HasPrefix(cfg.Algorithm, "ES"):
		if cfg.PublicKey == "" {
			return nil, fmt.Errorf("jwt_auth: RSA/ECDSA algorithms require a public_key")
		}
		var key any
		var err error
		if strings.HasPrefix(cfg.Algorithm, "ES") {
			key, err = jwt.ParseECPublicKeyFromPEM([]byte(cfg.PublicKey))
		} else {
			key, err = jwt.ParseRSAPublicKeyFromPEM([]byte(cfg.PublicKey))
		}
		if err != nil {
			return nil, fmt.Errorf("jwt_auth: invalid public_key: %w", err)
		}
		p.keyFn = func(*jwt.Token) (any, error) { return key, nil }
	default:
		return nil, fmt.Errorf("jwt_auth: unsupported algorithm %q", cfg.Algorithm)
	}

	return p, nil
}

func (p *JWTAuthPlugin) Name() string { return "jwt_auth" }

func (p *JWTAuthPlugin) extractToken(r *http.Request) (string, bool) {
	switch p.config.TokenLookup {
	case JWTLookupQuery:
		token := r.URL.Query().Get("access_token")
		return token, token != ""
	case JWTLookupCookie:
		cookie, err := r.Cookie("access_token")
		if err != nil {
			return "", false
		}
		return cookie.Value, true
	default:
		header := r.Header.Get("Authorization")
		const prefix = "Bearer "
		if !strings.HasPrefix(header, prefix) {
			return "", false
		}
		return strings.TrimSpace(strings.TrimPrefix(header, prefix)), true
	}
}

func (p *JWTAuthPlugin) parserOptions() []jwt.ParserOption {
	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{p.config.Algorithm})}
	if p.config.AllowNoExpiry {
		opts = append(opts, jwt.WithoutClaimsValidation())
	}
	if p.config.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(p.config.Issuer))
	}
	if p.config.Audience != "" {
		opts = append(opts, jwt.WithAudience(p.config.Audience))
	}
	return opts
}

func (p *JWTAuthPlugin) findConsumer(claims jwt.MapClaims, consumers []*config.Consumer) *config.Consumer {
	raw, ok := claims[p.config.ConsumerClaimField]
	if !ok {
		return nil
	}
	id := fmt.Sprintf("%v", raw)
	for _, c := range consumers {
		if c.ID == id {
			return c
		}
	}
	for _, c := range consumers {
		if c.CustomID != nil && *c.CustomID == id {
			return c
		}
	}
	for _, c := range consumers {
		if c.Username == id {
			return c
		}
	}
	return nil
}

// Authenticate implements plugin.AuthenticateHook.
func (p *JWTAuthPlugin) Authenticate(ctx *plugin.RequestContext) (bool, error) {
	if ctx.Identified() {
		return true, nil
	}

	tokenStr, ok := p.extractToken(ctx.Request)
	if !ok {
		return ctx.AuthMode == config.AuthModeMulti, nil
	}

	claims := jwt.MapClaims{}
	_, err := jwt.ParseWithClaims(tokenStr, claims, p.keyFn, p.parserOptions()...)
	if err != nil {
		return ctx.AuthMode == config.AuthModeMulti, nil
	}

	consumer := p.findConsumer(claims, ctx.Consumers)
	if consumer == nil {
		return ctx.AuthMode == config.AuthModeMulti, nil
	}

	ctx.SetConsumer(consumer)
	return true, nil
}
