package router

import (
	"testing"

	"github.com/ferrumgw/ferrum-gateway/internal/config"
)

func mustProxy(id, listenPath string) *config.Proxy {
	p, err := config.NewProxy(config.Proxy{
		ID: id, ListenPath: listenPath,
		BackendProtocol: config.ProtocolHTTP, BackendHost: "h", BackendPort: 80,
		BackendConnectTimeoutMs: 100, BackendReadTimeoutMs: 100, BackendWriteTimeoutMs: 100,
		AuthMode: config.AuthModeSingle,
	})
	if err != nil {
		panic(err)
	}
	return p
}

func TestRouter_LongestPrefixMatch(t *testing.T) {
	r := New()
	if err := r.Reload([]*config.Proxy{mustProxy("a", "/a"), mustProxy("ab", "/a/b")}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	cases := []struct {
		path     string
		wantID   string
		wantMiss bool
	}{
		{"/a/b/x", "ab", false},
		{"/a/c", "a", false},
		{"/a", "a", false},
		{"/elsewhere", "", true},
	}

	for _, tc := range cases {
		id, ok := r.Match(tc.path)
		if tc.wantMiss {
			if ok {
				t.Errorf("Match(%q) = %q, want miss", tc.path, id)
			}
			continue
		}
		if !ok || id != tc.wantID {
			t.Errorf("Match(%q) = (%q, %v), want %q", tc.path, id, ok, tc.wantID)
		}
	}
}

func TestRouter_DoesNotMatchSiblingWithSharedPrefix(t *testing.T) {
	r := New()
	if err := r.Reload([]*config.Proxy{mustProxy("api", "/api")}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	misses := []string{"/apiv2", "/api2", "/apiextra/thing"}
	for _, path := range misses {
		if id, ok := r.Match(path); ok {
			t.Errorf("Match(%q) = %q, want miss (byte-prefix collision with /api)", path, id)
		}
	}

	hits := []struct{ path, want string }{
		{"/api", "api"},
		{"/api/", "api"},
		{"/api/widgets", "api"},
	}
	for _, tc := range hits {
		if id, ok := r.Match(tc.path); !ok || id != tc.want {
			t.Errorf("Match(%q) = (%q, %v), want (%q, true)", tc.path, id, ok, tc.want)
		}
	}
}

func TestRouter_RebuildRejectsDuplicateListenPath(t *testing.T) {
	r := New()
	if err := r.Reload([]*config.Proxy{mustProxy("a", "/x")}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	err := r.Reload([]*config.Proxy{mustProxy("a", "/x"), mustProxy("b", "/x")})
	if err == nil {
		t.Fatal("expected conflict error for duplicate listen_path")
	}

	// Prior tree must still be intact.
	if id, ok := r.Match("/x/y"); !ok || id != "a" {
		t.Errorf("expected prior tree retained, got (%q, %v)", id, ok)
	}
}

func TestRouter_DeletionRemovesFromTree(t *testing.T) {
	r := New()
	if err := r.Reload([]*config.Proxy{mustProxy("a", "/a"), mustProxy("b", "/b")}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := r.Reload([]*config.Proxy{mustProxy("a", "/a")}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, ok := r.Match("/b/x"); ok {
		t.Error("expected /b to be gone after deletion")
	}
}

func TestForwardPath(t *testing.T) {
	cases := []struct {
		name        string
		incoming    string
		listen      string
		strip       bool
		backendPath string
		want        string
	}{
		{"strip with backend path", "/api/users/3", "/api/", true, "/v1", "/v1/users/3"},
		{"strip, no remaining", "/api/", "/api/", true, "/v1", "/v1"},
		{"strip, no backend path", "/api/users", "/api/", true, "", "/users"},
		{"no strip", "/api/users", "/api", false, "/v1", "/v1/api/users"},
		{"no strip, trailing slash backend", "/api/users", "/api", false, "/v1/", "/v1/api/users"},
		{"no strip, leading slash remaining avoids double slash", "/api/users", "/api", false, "/v1", "/v1/api/users"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := ForwardPath(tc.incoming, tc.listen, tc.strip, tc.backendPath)
			if got != tc.want {
				t.Errorf("ForwardPath() = %q, want %q", got, tc.want)
			}
		})
	}
}
