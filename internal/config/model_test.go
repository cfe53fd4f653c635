package config

import "testing"

func validProxy() Proxy {
	return Proxy{
		ID:                      "p1",
		ListenPath:              "/api/",
		BackendProtocol:         ProtocolHTTP,
		BackendHost:             "backend.internal",
		BackendPort:             8080,
		StripListenPath:         true,
		BackendConnectTimeoutMs: 1000,
		BackendReadTimeoutMs:    1000,
		BackendWriteTimeoutMs:   1000,
		AuthMode:                AuthModeSingle,
	}
}

func TestNewProxy_Valid(t *testing.T) {
	p, err := NewProxy(validProxy())
	if err != nil {
		t.Fatalf("expected valid proxy, got error: %v", err)
	}
	if p.AuthMode != AuthModeSingle {
		t.Errorf("expected auth mode single, got %s", p.AuthMode)
	}
}

func TestNewProxy_DefaultsAuthMode(t *testing.T) {
	p := validProxy()
	p.AuthMode = ""
	out, err := NewProxy(p)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out.AuthMode != AuthModeSingle {
		t.Errorf("expected default auth mode single, got %s", out.AuthMode)
	}
}

func TestNewProxy_InvalidListenPath(t *testing.T) {
	p := validProxy()
	p.ListenPath = "api/no-leading-slash"
	if _, err := NewProxy(p); err == nil {
		t.Error("expected error for listen_path without leading slash")
	}
}

func TestNewProxy_InvalidProtocol(t *testing.T) {
	p := validProxy()
	p.BackendProtocol = "ftp"
	if _, err := NewProxy(p); err == nil {
		t.Error("expected error for unknown backend_protocol")
	}
}

func TestNewProxy_MTLSCertWithoutKey(t *testing.T) {
	p := validProxy()
	cert := "/etc/certs/client.pem"
	p.BackendTLSClientCertPath = &cert
	if _, err := NewProxy(p); err == nil {
		t.Error("expected error when client cert path is set without key path")
	}
}

func TestNewProxy_ImmutableCopyIndependentOfInput(t *testing.T) {
	p := validProxy()
	p.Plugins = []PluginAssociation{{PluginConfigID: "pc1", Priority: 10}}
	out, err := NewProxy(p)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	p.Plugins[0].Priority = 99
	if out.Plugins[0].Priority != 10 {
		t.Error("NewProxy did not deep-copy plugin associations")
	}
}

func TestNewPluginConfig_ScopeInvariants(t *testing.T) {
	proxyID := "p1"
	consumerID := "c1"

	cases := []struct {
		name    string
		pc      PluginConfig
		wantErr bool
	}{
		{"global ok", PluginConfig{ID: "a", PluginName: "cors", Scope: ScopeGlobal}, false},
		{"global with proxy ref rejected", PluginConfig{ID: "a", PluginName: "cors", Scope: ScopeGlobal, ProxyID: &proxyID}, true},
		{"proxy ok", PluginConfig{ID: "a", PluginName: "key_auth", Scope: ScopeProxy, ProxyID: &proxyID}, false},
		{"proxy missing ref rejected", PluginConfig{ID: "a", PluginName: "key_auth", Scope: ScopeProxy}, true},
		{"consumer ok", PluginConfig{ID: "a", PluginName: "rate_limiting", Scope: ScopeConsumer, ConsumerID: &consumerID}, false},
		{"consumer missing ref rejected", PluginConfig{ID: "a", PluginName: "rate_limiting", Scope: ScopeConsumer}, true},
		{"unknown scope rejected", PluginConfig{ID: "a", PluginName: "x", Scope: "bogus"}, true},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := NewPluginConfig(tc.pc)
			if (err != nil) != tc.wantErr {
				t.Errorf("NewPluginConfig() error = %v, wantErr %v", err, tc.wantErr)
			}
		})
	}
}

func TestNewConsumer_RequiresUsername(t *testing.T) {
	if _, err := NewConsumer(Consumer{ID: "c1"}); err == nil {
		t.Error("expected error for missing username")
	}
}

func TestNewConsumer_MetadataPassthrough(t *testing.T) {
	c, err := NewConsumer(Consumer{ID: "c1", Username: "alice", Metadata: map[string]any{"team": "payments"}})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if c.Metadata["team"] != "payments" {
		t.Errorf("expected metadata to pass through opaquely, got %v", c.Metadata)
	}
}
