package builtin

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/ferrumgw/ferrum-gateway/internal/config"
	"github.com/ferrumgw/ferrum-gateway/internal/plugin"
)

// OAuth2ValidationMode selects how OAuth2AuthPlugin validates a bearer
// token.
type OAuth2ValidationMode string

const (
	OAuth2ModeIntrospection OAuth2ValidationMode = "introspection"
	OAuth2ModeJWKS          OAuth2ValidationMode = "jwks"
)

// OAuth2AuthConfig configures OAuth2AuthPlugin.
type OAuth2AuthConfig struct {
	ValidationMode          OAuth2ValidationMode `json:"validation_mode"`
	IntrospectionURL        string               `json:"introspection_url"`
	IntrospectionClientID   string               `json:"introspection_client_id"`
	IntrospectionClientSecret string             `json:"introspection_client_secret"`
	JWKSURI                 string               `json:"jwks_uri"`
	Issuer                  string               `json:"issuer"`
	Audience                string               `json:"audience"`
	ConsumerClaimField      string               `json:"consumer_claim_field"`
	ProviderName            string               `json:"provider_name"`
}

// DefaultOAuth2AuthConfig mirrors the original plugin's serde defaults.
func DefaultOAuth2AuthConfig() OAuth2AuthConfig {
	return OAuth2AuthConfig{
		ValidationMode:     OAuth2ModeIntrospection,
		ConsumerClaimField: "sub",
		ProviderName:       "oauth2",
	}
}

// OAuth2AuthPlugin identifies a Consumer from a bearer token validated
// either by RFC 7662 introspection or by verifying a JWT against a JWKS
// endpoint's keys.
type OAuth2AuthPlugin struct {
	config     OAuth2AuthConfig
	httpClient *http.Client
	jwks       *jwksCache
}

// NewOAuth2AuthPlugin is a plugin.Factory.
func NewOAuth2AuthPlugin(rawConfig json.RawMessage) (plugin.Plugin, error) {
	cfg := DefaultOAuth2AuthConfig()
	if len(rawConfig) > 0 && string(rawConfig) != "{}" {
		if err := json.Unmarshal(rawConfig, &cfg); err != nil {
			return nil, fmt.Errorf("oauth2_auth: invalid config: %w", err)
		}
	}

	p := &OAuth2AuthPlugin{
		config:     cfg,
		httpClient: &http.Client{Timeout: 5 * time.Second},
	}

	switch cfg.ValidationMode {
	case OAuth2ModeIntrospection:
		if cfg.IntrospectionURL == "" {
			return nil, fmt.Errorf("oauth2_auth: introspection_url is required for introspection mode")
		}
	case OAuth2ModeJWKS:
		if cfg.JWKSURI == "" {
			return nil, fmt.Errorf("oauth2_auth: jwks_uri is required for jwks mode")
		}
		p.jwks = newJWKSCache(cfg.JWKSURI, p.httpClient)
	default:
		return nil, fmt.Errorf("oauth2_auth: unknown validation_mode %q", cfg.ValidationMode)
	}

	return p, nil
}

func (p *OAuth2AuthPlugin) Name() string { return "oauth2_auth" }

func extractBearerToken(r *http.Request) (string, bool) {
	header := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if !strings.HasPrefix(header, prefix) {
		return "", false
	}
	return strings.TrimSpace(strings.TrimPrefix(header, prefix)), true
}

// validate returns the token's claims, or an error if it cannot be
// validated by the configured mode.
func (p *OAuth2AuthPlugin) validate(token string) (jwt.MapClaims, error) {
	if p.config.ValidationMode == OAuth2ModeJWKS {
		return p.validateJWKS(token)
	}
	return p.validateIntrospection(token)
}

func (p *OAuth2AuthPlugin) validateIntrospection(token string) (jwt.MapClaims, error) {
	form := url.Values{}
	form.Set("token", token)
	form.Set("token_type_hint", "access_token")

	req, err := http.NewRequest(http.MethodPost, p.config.IntrospectionURL, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	if p.config.IntrospectionClientID != "" {
		req.SetBasicAuth(p.config.IntrospectionClientID, p.config.IntrospectionClientSecret)
	}

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("oauth2_auth: introspection endpoint returned %d", resp.StatusCode)
	}

	var result map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, err
	}
	active, _ := result["active"].(bool)
	if !active {
		return nil, fmt.Errorf("oauth2_auth: token is not active")
	}
	return jwt.MapClaims(result), nil
}

func (p *OAuth2AuthPlugin) validateJWKS(token string) (jwt.MapClaims, error) {
	claims := jwt.MapClaims{}
	_, err := jwt.ParseWithClaims(token, claims, p.jwks.keyFunc)
	if err != nil {
		return nil, err
	}
	if p.config.Issuer != "" {
		if iss, _ := claims.GetIssuer(); iss != p.config.Issuer {
			return nil, fmt.Errorf("oauth2_auth: unexpected issuer %q", iss)
		}
	}
	if p.config.Audience != "" {
		aud, _ := claims.GetAudience()
		found := false
		for _, a := range aud {
			if a == p.config.Audience {
				found = true
				break
			}
		}
		if !found {
			return nil, fmt.Errorf("oauth2_auth: token not valid for audience %q", p.config.Audience)
		}
	}
	return claims, nil
}

func (p *OAuth2AuthPlugin) findConsumer(claims jwt.MapClaims, consumers []*config.Consumer) *config.Consumer {
	raw, ok := claims[p.config.ConsumerClaimField]
	if !ok {
		return nil
	}
	id := fmt.Sprintf("%v", raw)
	for _, c := range consumers {
		if c.ID == id || c.Username == id || (c.CustomID != nil && *c.CustomID == id) {
			return c
		}
	}
	return nil
}

// Authenticate implements plugin.AuthenticateHook.
func (p *OAuth2AuthPlugin) Authenticate(ctx *plugin.RequestContext) (bool, error) {
	if ctx.Identified() {
		return true, nil
	}

	token, ok := extractBearerToken(ctx.Request)
	if !ok {
		return ctx.AuthMode == config.AuthModeMulti, nil
	}

	claims, err := p.validate(token)
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
