package plugin

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/ferrumgw/ferrum-gateway/internal/config"
	"github.com/ferrumgw/ferrum-gateway/internal/configstore"
)

type namedPlugin struct{ name string }

func (p namedPlugin) Name() string { return p.name }

func factoryFor(name string) Factory {
	return func(json.RawMessage) (Plugin, error) {
		return namedPlugin{name: name}, nil
	}
}

func names(rs []Resolved) []string {
	out := make([]string, len(rs))
	for i, r := range rs {
		out[i] = r.Plugin.Name()
	}
	return out
}

// TestRegistry_WithConsumer_ReMergesConsumerScopedPlugins covers
// Registry.WithConsumer: PreAuth returns global+proxy-scoped plugins only,
// and WithConsumer re-merges in whatever is scoped to the now-identified
// consumer, in priority order.
func TestRegistry_WithConsumer_ReMergesConsumerScopedPlugins(t *testing.T) {
	r := NewRegistry()
	r.Register("global_plugin", factoryFor("global_plugin"))
	r.Register("proxy_plugin", factoryFor("proxy_plugin"))
	r.Register("consumer_plugin", factoryFor("consumer_plugin"))

	proxyID := "p1"
	consumerID := "c1"

	globalPC, err := config.NewPluginConfig(config.PluginConfig{
		ID: "pc-global", PluginName: "global_plugin", Scope: config.ScopeGlobal, Enabled: true,
	})
	if err != nil {
		t.Fatalf("NewPluginConfig(global): %v", err)
	}
	proxyPC, err := config.NewPluginConfig(config.PluginConfig{
		ID: "pc-proxy", PluginName: "proxy_plugin", Scope: config.ScopeProxy, ProxyID: &proxyID, Enabled: true,
	})
	if err != nil {
		t.Fatalf("NewPluginConfig(proxy): %v", err)
	}
	consumerPC, err := config.NewPluginConfig(config.PluginConfig{
		ID: "pc-consumer", PluginName: "consumer_plugin", Scope: config.ScopeConsumer, ConsumerID: &consumerID, Enabled: true,
	})
	if err != nil {
		t.Fatalf("NewPluginConfig(consumer): %v", err)
	}

	proxy, err := config.NewProxy(config.Proxy{
		ID: proxyID, ListenPath: "/api",
		BackendProtocol: config.ProtocolHTTP, BackendHost: "h", BackendPort: 80,
		BackendConnectTimeoutMs: 100, BackendReadTimeoutMs: 100, BackendWriteTimeoutMs: 100,
		AuthMode: config.AuthModeSingle,
	})
	if err != nil {
		t.Fatalf("NewProxy: %v", err)
	}

	store := configstore.NewStore()
	if err := store.ApplyFull([]*config.Proxy{proxy}, nil, []*config.PluginConfig{globalPC, proxyPC, consumerPC}, 1, time.Now()); err != nil {
		t.Fatalf("ApplyFull: %v", err)
	}

	if err := r.Compile(store.GetSnapshot()); err != nil {
		t.Fatalf("Compile: %v", err)
	}

	preAuth := r.PreAuth(proxy)
	if got := names(preAuth); !sameSet(got, []string{"global_plugin", "proxy_plugin"}) {
		t.Errorf("PreAuth() = %v, want [global_plugin proxy_plugin] (no consumer-scoped plugin before identification)", got)
	}

	withConsumer := r.WithConsumer(preAuth, consumerID)
	if got := names(withConsumer); !sameSet(got, []string{"global_plugin", "proxy_plugin", "consumer_plugin"}) {
		t.Errorf("WithConsumer() = %v, want all three plugins merged in", got)
	}

	// An unidentified request (empty consumer id) must not pick up any
	// consumer-scoped plugin, and WithConsumer must leave preAuth's slice
	// alone rather than mutating it in place.
	unidentified := r.WithConsumer(preAuth, "")
	if got := names(unidentified); !sameSet(got, []string{"global_plugin", "proxy_plugin"}) {
		t.Errorf("WithConsumer(preAuth, \"\") = %v, want preAuth unchanged", got)
	}
	if got := names(preAuth); !sameSet(got, []string{"global_plugin", "proxy_plugin"}) {
		t.Errorf("PreAuth result mutated by WithConsumer: %v", got)
	}
}

func sameSet(got, want []string) bool {
	if len(got) != len(want) {
		return false
	}
	seen := make(map[string]bool, len(want))
	for _, w := range want {
		seen[w] = true
	}
	for _, g := range got {
		if !seen[g] {
			return false
		}
	}
	return true
}
