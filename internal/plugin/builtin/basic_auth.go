package builtin

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"golang.org/x/crypto/bcrypt"

	"github.com/ferrumgw/ferrum-gateway/internal/config"
	"github.com/ferrumgw/ferrum-gateway/internal/plugin"
)

// BasicAuthConfig configures BasicAuthPlugin.
type BasicAuthConfig struct {
	Realm string `json:"realm"`
}

// DefaultBasicAuthConfig mirrors the original plugin's serde defaults.
func DefaultBasicAuthConfig() BasicAuthConfig {
	return BasicAuthConfig{Realm: "API Gateway"}
}

// BasicAuthPlugin identifies a Consumer by RFC 7617 HTTP Basic credentials,
// matched against credentials["password"] (plaintext, dev-only) or
// credentials["hashed_password"] (bcrypt).
type BasicAuthPlugin struct {
	config BasicAuthConfig
}

// NewBasicAuthPlugin is a plugin.Factory.
func NewBasicAuthPlugin(rawConfig json.RawMessage) (plugin.Plugin, error) {
	cfg := DefaultBasicAuthConfig()
	if len(rawConfig) > 0 && string(rawConfig) != "{}" {
		if err := json.Unmarshal(rawConfig, &cfg); err != nil {
			return nil, fmt.Errorf("basic_auth: invalid config: %w", err)
		}
	}
	return &BasicAuthPlugin{config: cfg}, nil
}

func (p *BasicAuthPlugin) Name() string { return "basic_auth" }

func extractBasicCredentials(r *http.Request) (username, password string, ok bool) {
	header := r.Header.Get("Authorization")
	const prefix = "Basic "
	if !strings.HasPrefix(header, prefix) {
		return "", "", false
	}
	decoded, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(header, prefix))
	if err != nil {
		return "", "", false
	}
	user, pass, found := strings.Cut(string(decoded), ":")
	if !found || user == "" {
		return "", "", false
	}
	return user, pass, true
}

func (p *BasicAuthPlugin) authenticateUser(username, password string, consumers []*config.Consumer) *config.Consumer {
	for _, c := range consumers {
		if c.Username != username {
			continue
		}
		if raw, ok := c.Credentials["password"]; ok {
			var stored string
			if json.Unmarshal(raw, &stored) == nil && stored == password {
				return c
			}
		}
		if raw, ok := c.Credentials["hashed_password"]; ok {
			var hash string
			if json.Unmarshal(raw, &hash) == nil && bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) == nil {
				return c
			}
		}
		return nil
	}
	return nil
}

// Authenticate implements plugin.AuthenticateHook.
func (p *BasicAuthPlugin) Authenticate(ctx *plugin.RequestContext) (bool, error) {
	if ctx.Identified() {
		return true, nil
	}

	username, password, ok := extractBasicCredentials(ctx.Request)
	if !ok {
		return ctx.AuthMode == config.AuthModeMulti, nil
	}

	consumer := p.authenticateUser(username, password, ctx.Consumers)
	if consumer == nil {
		if ctx.AuthMode == config.AuthModeMulti {
			return true, nil
		}
		ctx.Header().Set("WWW-Authenticate", fmt.Sprintf(`Basic realm="%s"`, p.config.Realm))
		return false, nil
	}

	ctx.SetConsumer(consumer)
	return true, nil
}
