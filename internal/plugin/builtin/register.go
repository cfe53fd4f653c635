package builtin

import "github.com/ferrumgw/ferrum-gateway/internal/plugin"

// Register attaches every built-in plugin factory to registry under its
// plugin_name. Call once at startup before the first configstore snapshot
// is compiled.
func Register(registry *plugin.Registry) {
	registry.Register("key_auth", NewKeyAuthPlugin)
	registry.Register("basic_auth", NewBasicAuthPlugin)
	registry.Register("jwt_auth", NewJWTAuthPlugin)
	registry.Register("oauth2_auth", NewOAuth2AuthPlugin)
	registry.Register("access_control", NewAccessControlPlugin)
	registry.Register("request_transformer", NewRequestTransformerPlugin)
	registry.Register("response_transformer", NewResponseTransformerPlugin)
	registry.Register("rate_limiting", NewRateLimitingPlugin)
	registry.Register("stdout_logging", NewStdoutLoggingPlugin)
	registry.Register("http_logging", NewHTTPLoggingPlugin)
	registry.Register("transaction_debugger", NewTransactionDebuggerPlugin)
	registry.Register("cors", NewCORSPlugin)
}
