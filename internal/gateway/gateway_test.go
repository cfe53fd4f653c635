package gateway

import (
	"testing"
	"time"

	"github.com/ferrumgw/ferrum-gateway/internal/config"
	"github.com/ferrumgw/ferrum-gateway/internal/configstore"
	"github.com/ferrumgw/ferrum-gateway/internal/dnscache"
	"github.com/ferrumgw/ferrum-gateway/internal/router"
)

func mustProxy(id, listenPath, host string) *config.Proxy {
	p, err := config.NewProxy(config.Proxy{
		ID: id, ListenPath: listenPath,
		BackendProtocol: config.ProtocolHTTP, BackendHost: host, BackendPort: 80,
		BackendConnectTimeoutMs: 100, BackendReadTimeoutMs: 100, BackendWriteTimeoutMs: 100,
		AuthMode: config.AuthModeSingle,
	})
	if err != nil {
		panic(err)
	}
	return p
}

func TestUniqueHostnames_SkipsDNSOverride(t *testing.T) {
	override := "203.0.113.9"
	p1 := mustProxy("a", "/a", "api.internal")
	p2, err := config.NewProxy(config.Proxy{
		ID: "b", ListenPath: "/b",
		BackendProtocol: config.ProtocolHTTP, BackendHost: "skip.internal", BackendPort: 80,
		BackendConnectTimeoutMs: 100, BackendReadTimeoutMs: 100, BackendWriteTimeoutMs: 100,
		AuthMode: config.AuthModeSingle, DNSOverride: &override,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	got := uniqueHostnames([]*config.Proxy{p1, p2})
	if _, ok := got["skip.internal"]; ok {
		t.Error("expected overridden hostname to be skipped")
	}
	if ttl, ok := got["api.internal"]; !ok || ttl != dnscache.DefaultTTL {
		t.Errorf("expected api.internal with default TTL, got %v ok=%v", ttl, ok)
	}
}

func TestUniqueHostnames_UsesSmallestTTLForSharedHost(t *testing.T) {
	short := 30
	p1 := mustProxy("a", "/a", "shared.internal")
	p2, err := config.NewProxy(config.Proxy{
		ID: "b", ListenPath: "/b",
		BackendProtocol: config.ProtocolHTTP, BackendHost: "shared.internal", BackendPort: 80,
		BackendConnectTimeoutMs: 100, BackendReadTimeoutMs: 100, BackendWriteTimeoutMs: 100,
		AuthMode: config.AuthModeSingle, DNSCacheTTLSeconds: &short,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	got := uniqueHostnames([]*config.Proxy{p1, p2})
	if ttl := got["shared.internal"]; ttl != 30*time.Second {
		t.Errorf("expected 30s ttl to win, got %v", ttl)
	}
}

func TestReloader_BootstrapAppliesCurrentSnapshot(t *testing.T) {
	store := configstore.NewStore()
	if err := store.ApplyFull([]*config.Proxy{mustProxy("a", "/a", "api.internal")}, nil, nil, 1, time.Now()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	rt := router.New()
	g := New(store, rt, nil, nil)
	g.Bootstrap()

	id, ok := rt.Match("/a/x")
	if !ok || id != "a" {
		t.Fatalf("expected router to have loaded proxy a, got id=%q ok=%v", id, ok)
	}
}

func TestReloader_RunAppliesSubsequentEvents(t *testing.T) {
	store := configstore.NewStore()
	rt := router.New()
	g := New(store, rt, nil, nil)

	stop := make(chan struct{})
	done := make(chan struct{})
	go func() {
		g.Run(stop)
		close(done)
	}()

	if err := store.ApplyFull([]*config.Proxy{mustProxy("a", "/a", "api.internal")}, nil, nil, 1, time.Now()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		if _, ok := rt.Match("/a/x"); ok {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("router never picked up applied snapshot")
		}
		time.Sleep(5 * time.Millisecond)
	}

	close(stop)
	<-done
}

func TestReloader_ApplyKeepsPriorRoutesOnRejectedReload(t *testing.T) {
	store := configstore.NewStore()
	rt := router.New()
	if err := rt.Reload([]*config.Proxy{mustProxy("a", "/a", "api.internal")}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	g := New(store, rt, nil, nil)

	conflicting := &configstore.Snapshot{
		Proxies: map[string]*config.Proxy{
			"x": mustProxy("x", "/a", "h1"),
			"y": mustProxy("y", "/a", "h2"),
		},
	}
	g.apply(conflicting)

	id, ok := rt.Match("/a/x")
	if !ok || id != "a" {
		t.Fatalf("expected prior route to survive rejected reload, got id=%q ok=%v", id, ok)
	}
}
