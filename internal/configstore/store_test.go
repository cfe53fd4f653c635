package configstore

import (
	"testing"
	"time"

	"github.com/ferrumgw/ferrum-gateway/internal/config"
)

func proxy(id, listenPath string) *config.Proxy {
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

func TestApplyFull_RejectsDuplicateListenPath(t *testing.T) {
	s := NewStore()
	err := s.ApplyFull([]*config.Proxy{proxy("a", "/api"), proxy("b", "/api")}, nil, nil, 1, time.Now())
	if err == nil {
		t.Fatal("expected uniqueness violation error")
	}
	if s.GetSnapshot().Version != 0 {
		t.Error("prior snapshot must be retained on ApplyFull failure")
	}
}

func TestApplyFull_Idempotent(t *testing.T) {
	s := NewStore()
	proxies := []*config.Proxy{proxy("a", "/api")}
	if err := s.ApplyFull(proxies, nil, nil, 1, time.Now()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	first := s.GetSnapshot()

	if err := s.ApplyFull(proxies, nil, nil, 1, first.LastUpdatedAt); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	second := s.GetSnapshot()

	if len(first.Proxies) != len(second.Proxies) || first.Proxies["a"].ListenPath != second.Proxies["a"].ListenPath {
		t.Error("two applications of the same snapshot should be observationally equivalent")
	}
}

func TestApplyDelta_VersionStrictlyIncreases(t *testing.T) {
	s := NewStore()
	if err := s.ApplyFull([]*config.Proxy{proxy("a", "/api")}, nil, nil, 1, time.Now()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	err := s.ApplyDelta(Delta{UpsertProxies: []*config.Proxy{proxy("b", "/other")}, Version: 2})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if s.GetSnapshot().Version != 2 {
		t.Errorf("expected version 2, got %d", s.GetSnapshot().Version)
	}

	// A delta with a stale version must be rejected.
	err = s.ApplyDelta(Delta{UpsertProxies: []*config.Proxy{proxy("c", "/third")}, Version: 2})
	if err == nil {
		t.Error("expected stale-version delta to be rejected")
	}
}

func TestApplyDelta_RemovesBeforeUpserts(t *testing.T) {
	s := NewStore()
	if err := s.ApplyFull([]*config.Proxy{proxy("a", "/a"), proxy("b", "/b")}, nil, nil, 1, time.Now()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// Remove B and simultaneously re-introduce a proxy reusing B's old
	// listen_path under a new id; this should succeed because removal
	// happens before the upsert revalidation.
	err := s.ApplyDelta(Delta{
		RemoveProxyIDs: []string{"b"},
		UpsertProxies:  []*config.Proxy{proxy("c", "/b")},
		Version:        2,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	snap := s.GetSnapshot()
	if _, ok := snap.Proxies["b"]; ok {
		t.Error("expected proxy b to be removed")
	}
	if snap.Proxies["c"].ListenPath != "/b" {
		t.Error("expected proxy c to take over listen_path /b")
	}
}

func TestApplyDelta_RejectsUniquenessViolationAsUnit(t *testing.T) {
	s := NewStore()
	if err := s.ApplyFull([]*config.Proxy{proxy("a", "/a")}, nil, nil, 1, time.Now()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	err := s.ApplyDelta(Delta{UpsertProxies: []*config.Proxy{proxy("b", "/a")}, Version: 2})
	if err == nil {
		t.Fatal("expected uniqueness violation")
	}
	if s.GetSnapshot().Version != 1 {
		t.Error("entire delta must be rejected, prior snapshot retained")
	}
}

func TestSubscribe_ReceivesEvents(t *testing.T) {
	s := NewStore()
	ch, cancel := s.Subscribe()
	defer cancel()

	if err := s.ApplyFull([]*config.Proxy{proxy("a", "/a")}, nil, nil, 5, time.Now()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	select {
	case ev := <-ch:
		if ev.Type != SnapshotApplied || ev.Version != 5 {
			t.Errorf("unexpected event: %+v", ev)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for ConfigEvent")
	}
}
