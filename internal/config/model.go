// Package config holds the typed configuration entities that the rest of
// the gateway operates on (Proxy, Consumer, PluginConfig) and the
// environment-variable driven process configuration.
package config

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// BackendProtocol is the wire protocol spoken to a Proxy's backend target.
type BackendProtocol string

const (
	ProtocolHTTP  BackendProtocol = "http"
	ProtocolHTTPS BackendProtocol = "https"
	ProtocolWS    BackendProtocol = "ws"
	ProtocolWSS   BackendProtocol = "wss"
	ProtocolGRPC  BackendProtocol = "grpc"
)

func (p BackendProtocol) valid() bool {
	switch p {
	case ProtocolHTTP, ProtocolHTTPS, ProtocolWS, ProtocolWSS, ProtocolGRPC:
		return true
	}
	return false
}

// TLS reports whether this protocol implies a TLS connection to the backend.
func (p BackendProtocol) TLS() bool {
	return p == ProtocolHTTPS || p == ProtocolWSS
}

// AuthMode selects how a Proxy's attached authenticator plugins are
// evaluated (see §4.F of SPEC_FULL.md).
type AuthMode string

const (
	AuthModeSingle AuthMode = "single"
	AuthModeMulti  AuthMode = "multi"
)

func (m AuthMode) valid() bool {
	return m == AuthModeSingle || m == AuthModeMulti
}

// PluginScope is the attachment level of a PluginConfig.
type PluginScope string

const (
	ScopeGlobal   PluginScope = "global"
	ScopeProxy    PluginScope = "proxy"
	ScopeConsumer PluginScope = "consumer"
)

func (s PluginScope) valid() bool {
	switch s {
	case ScopeGlobal, ScopeProxy, ScopeConsumer:
		return true
	}
	return false
}

// ReasonCode distinguishes why a model failed validation, per §4.A.
type ReasonCode string

const (
	ReasonInvalidField     ReasonCode = "invalid_field"
	ReasonMissingRequired  ReasonCode = "missing_required"
	ReasonReferenceNotFound ReasonCode = "reference_not_found"
)

// ValidationError reports one field-level violation found while
// constructing a model value.
type ValidationError struct {
	Entity  string
	Field   string
	Reason  ReasonCode
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s.%s: %s (%s)", e.Entity, e.Field, e.Message, e.Reason)
}

func fieldErr(entity, field string, reason ReasonCode, msg string, args ...any) error {
	return &ValidationError{Entity: entity, Field: field, Reason: reason, Message: fmt.Sprintf(msg, args...)}
}

// PluginAssociation attaches an already-defined PluginConfig to a Proxy,
// with an association-level priority used to order the pipeline (§4.F
// step 4) and an optional per-attachment config override.
type PluginAssociation struct {
	PluginConfigID string          `json:"plugin_config_id"`
	Priority       int             `json:"priority"`
	EmbeddedConfig json.RawMessage `json:"embedded_config,omitempty"`
}

// Proxy is a routing rule: a listen path mapped to a backend target, with
// timeouts, optional TLS/mTLS, DNS overrides, an auth mode, and an ordered
// list of plugin attachments. See §3 and §4.A.
type Proxy struct {
	ID     string  `json:"id"`
	Name   *string `json:"name,omitempty"`
	ListenPath string `json:"listen_path"`

	BackendProtocol BackendProtocol `json:"backend_protocol"`
	BackendHost     string          `json:"backend_host"`
	BackendPort     int             `json:"backend_port"`
	BackendPath     *string         `json:"backend_path,omitempty"`

	StripListenPath    bool `json:"strip_listen_path"`
	PreserveHostHeader bool `json:"preserve_host_header"`

	BackendConnectTimeoutMs int `json:"backend_connect_timeout_ms"`
	BackendReadTimeoutMs    int `json:"backend_read_timeout_ms"`
	BackendWriteTimeoutMs   int `json:"backend_write_timeout_ms"`

	BackendTLSClientCertPath   *string `json:"backend_tls_client_cert_path,omitempty"`
	BackendTLSClientKeyPath    *string `json:"backend_tls_client_key_path,omitempty"`
	BackendTLSVerifyServerCert bool    `json:"backend_tls_verify_server_cert"`
	BackendTLSServerCACertPath *string `json:"backend_tls_server_ca_cert_path,omitempty"`

	DNSOverride        *string `json:"dns_override,omitempty"`
	DNSCacheTTLSeconds *int    `json:"dns_cache_ttl_seconds,omitempty"`

	AuthMode AuthMode             `json:"auth_mode"`
	Plugins  []PluginAssociation  `json:"plugins"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// NewProxy validates p and returns an immutable copy, or a *ValidationError
// (possibly wrapping the first violation found) if p is invalid. Updates to
// a Proxy are expressed by calling NewProxy again on a modified copy, never
// by mutating a validated instance in place.
func NewProxy(p Proxy) (*Proxy, error) {
	if p.ID == "" {
		return nil, fieldErr("Proxy", "id", ReasonMissingRequired, "id is required")
	}
	if p.ListenPath == "" {
		return nil, fieldErr("Proxy", "listen_path", ReasonMissingRequired, "listen_path is required")
	}
	if !strings.HasPrefix(p.ListenPath, "/") {
		return nil, fieldErr("Proxy", "listen_path", ReasonInvalidField, "listen_path must start with '/'")
	}
	if !p.BackendProtocol.valid() {
		return nil, fieldErr("Proxy", "backend_protocol", ReasonInvalidField, "unknown backend_protocol %q", p.BackendProtocol)
	}
	if p.BackendHost == "" {
		return nil, fieldErr("Proxy", "backend_host", ReasonMissingRequired, "backend_host is required")
	}
	if p.BackendPort < 1 || p.BackendPort > 65535 {
		return nil, fieldErr("Proxy", "backend_port", ReasonInvalidField, "backend_port %d out of range", p.BackendPort)
	}
	if p.BackendConnectTimeoutMs <= 0 {
		return nil, fieldErr("Proxy", "backend_connect_timeout_ms", ReasonInvalidField, "must be > 0")
	}
	if p.BackendReadTimeoutMs <= 0 {
		return nil, fieldErr("Proxy", "backend_read_timeout_ms", ReasonInvalidField, "must be > 0")
	}
	if p.BackendWriteTimeoutMs <= 0 {
		return nil, fieldErr("Proxy", "backend_write_timeout_ms", ReasonInvalidField, "must be > 0")
	}
	if (p.BackendTLSClientCertPath == nil) != (p.BackendTLSClientKeyPath == nil) {
		return nil, fieldErr("Proxy", "backend_tls_client_key_path", ReasonInvalidField, "client cert and key must be set together")
	}
	if p.AuthMode == "" {
		p.AuthMode = AuthModeSingle
	}
	if !p.AuthMode.valid() {
		return nil, fieldErr("Proxy", "auth_mode", ReasonInvalidField, "unknown auth_mode %q", p.AuthMode)
	}
	if p.DNSOverride != nil && *p.DNSOverride == "" {
		return nil, fieldErr("Proxy", "dns_override", ReasonInvalidField, "dns_override must not be empty when set")
	}

	out := p
	out.Plugins = append([]PluginAssociation(nil), p.Plugins...)
	return &out, nil
}

// Consumer is an authenticated identity with zero or more credentials
// keyed by scheme name. Secret-bearing credential payloads are stored
// already hashed (see ferrors and the builtin auth plugins); the core
// never sees or persists plaintext secrets.
type Consumer struct {
	ID          string                     `json:"id"`
	Username    string                     `json:"username"`
	CustomID    *string                    `json:"custom_id,omitempty"`
	Credentials map[string]json.RawMessage `json:"credentials"`
	// Metadata is an intentionally opaque freeform bag (§9 open question):
	// passed through to logging/plugins, never interpreted by the core.
	Metadata  map[string]any `json:"metadata,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
}

// NewConsumer validates c and returns an immutable copy.
func NewConsumer(c Consumer) (*Consumer, error) {
	if c.ID == "" {
		return nil, fieldErr("Consumer", "id", ReasonMissingRequired, "id is required")
	}
	if c.Username == "" {
		return nil, fieldErr("Consumer", "username", ReasonMissingRequired, "username is required")
	}
	out := c
	out.Credentials = cloneRawMap(c.Credentials)
	out.Metadata = cloneAnyMap(c.Metadata)
	return &out, nil
}

// PluginConfig is an enabled, configured instance of a named plugin
// implementation, scoped to Global, a single Proxy, or a single Consumer.
type PluginConfig struct {
	ID         string          `json:"id"`
	PluginName string          `json:"plugin_name"`
	Scope      PluginScope     `json:"scope"`
	ProxyID    *string         `json:"proxy_id,omitempty"`
	ConsumerID *string         `json:"consumer_id,omitempty"`
	Config     json.RawMessage `json:"config"`
	Enabled    bool            `json:"enabled"`
	CreatedAt  time.Time       `json:"created_at"`
	UpdatedAt  time.Time       `json:"updated_at"`
}

// NewPluginConfig validates pc against invariant I2 (scope implies
// reference pattern) and returns an immutable copy.
func NewPluginConfig(pc PluginConfig) (*PluginConfig, error) {
	if pc.ID == "" {
		return nil, fieldErr("PluginConfig", "id", ReasonMissingRequired, "id is required")
	}
	if pc.PluginName == "" {
		return nil, fieldErr("PluginConfig", "plugin_name", ReasonMissingRequired, "plugin_name is required")
	}
	if !pc.Scope.valid() {
		return nil, fieldErr("PluginConfig", "scope", ReasonInvalidField, "unknown scope %q", pc.Scope)
	}
	switch pc.Scope {
	case ScopeGlobal:
		if pc.ProxyID != nil || pc.ConsumerID != nil {
			return nil, fieldErr("PluginConfig", "scope", ReasonInvalidField, "global scope must not set proxy_id or consumer_id")
		}
	case ScopeProxy:
		if pc.ProxyID == nil || *pc.ProxyID == "" {
			return nil, fieldErr("PluginConfig", "proxy_id", ReasonMissingRequired, "proxy scope requires proxy_id")
		}
		if pc.ConsumerID != nil {
			return nil, fieldErr("PluginConfig", "consumer_id", ReasonInvalidField, "proxy scope must not set consumer_id")
		}
	case ScopeConsumer:
		if pc.ConsumerID == nil || *pc.ConsumerID == "" {
			return nil, fieldErr("PluginConfig", "consumer_id", ReasonMissingRequired, "consumer scope requires consumer_id")
		}
		if pc.ProxyID != nil {
			return nil, fieldErr("PluginConfig", "proxy_id", ReasonInvalidField, "consumer scope must not set proxy_id")
		}
	}
	if pc.Config == nil {
		pc.Config = json.RawMessage("{}")
	}
	out := pc
	return &out, nil
}

func cloneRawMap(m map[string]json.RawMessage) map[string]json.RawMessage {
	if m == nil {
		return nil
	}
	out := make(map[string]json.RawMessage, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func cloneAnyMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
