package distribution

import (
	"context"
	"testing"
	"time"

	"github.com/ferrumgw/ferrum-gateway/internal/config"
	"github.com/ferrumgw/ferrum-gateway/internal/configstore"
)

type fakeRepo struct {
	latest       time.Time
	fullProxies  []*config.Proxy
	deltaUpsert  []*config.Proxy
	deltaRemoves []string
	loadFullN    int
	loadDeltaN   int
}

func (f *fakeRepo) LatestUpdate(_ context.Context) (time.Time, error) {
	return f.latest, nil
}

func (f *fakeRepo) LoadFull(_ context.Context) ([]*config.Proxy, []*config.Consumer, []*config.PluginConfig, error) {
	f.loadFullN++
	return f.fullProxies, nil, nil, nil
}

func (f *fakeRepo) LoadDelta(_ context.Context, _ time.Time) ([]*config.Proxy, []string, []*config.Consumer, []string, []*config.PluginConfig, []string, error) {
	f.loadDeltaN++
	return f.deltaUpsert, f.deltaRemoves, nil, nil, nil, nil, nil
}

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

func TestDatabasePoller_LoadFullAppliesSnapshot(t *testing.T) {
	store := configstore.NewStore()
	repo := &fakeRepo{latest: time.Now(), fullProxies: []*config.Proxy{mustProxy("a", "/a", "h")}}
	p := &DatabasePoller{repo: repo, store: store, incrementalPolling: true}

	if err := p.loadFull(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	snap := store.GetSnapshot()
	if len(snap.Proxies) != 1 {
		t.Fatalf("expected 1 proxy in snapshot, got %d", len(snap.Proxies))
	}
	if snap.Version != 1 {
		t.Errorf("expected version 1, got %d", snap.Version)
	}
}

func TestDatabasePoller_CheckAndPollSkipsWhenNoChange(t *testing.T) {
	store := configstore.NewStore()
	now := time.Now()
	repo := &fakeRepo{latest: now}
	p := &DatabasePoller{repo: repo, store: store, incrementalPolling: true, lastSeen: now}

	p.checkAndPoll(context.Background())

	if repo.loadFullN != 0 || repo.loadDeltaN != 0 {
		t.Errorf("expected no load when latest == lastSeen, got full=%d delta=%d", repo.loadFullN, repo.loadDeltaN)
	}
}

func TestDatabasePoller_CheckAndPollUsesDeltaWhenIncremental(t *testing.T) {
	store := configstore.NewStore()
	past := time.Now().Add(-time.Minute)
	now := time.Now()
	repo := &fakeRepo{
		latest:      now,
		deltaUpsert: []*config.Proxy{mustProxy("a", "/a", "h")},
	}
	p := &DatabasePoller{repo: repo, store: store, incrementalPolling: true, lastSeen: past}

	p.checkAndPoll(context.Background())

	if repo.loadDeltaN != 1 {
		t.Fatalf("expected exactly one delta load, got %d", repo.loadDeltaN)
	}
	if repo.loadFullN != 0 {
		t.Errorf("expected no full load when incremental polling succeeds, got %d", repo.loadFullN)
	}

	snap := store.GetSnapshot()
	if len(snap.Proxies) != 1 {
		t.Fatalf("expected delta upsert to land in snapshot, got %d proxies", len(snap.Proxies))
	}
}

func TestDatabasePoller_CheckAndPollUsesFullLoadWhenNotIncremental(t *testing.T) {
	store := configstore.NewStore()
	past := time.Now().Add(-time.Minute)
	now := time.Now()
	repo := &fakeRepo{latest: now, fullProxies: []*config.Proxy{mustProxy("a", "/a", "h")}}
	p := &DatabasePoller{repo: repo, store: store, incrementalPolling: false, lastSeen: past}

	p.checkAndPoll(context.Background())

	if repo.loadFullN != 1 {
		t.Fatalf("expected exactly one full load, got %d", repo.loadFullN)
	}
	if repo.loadDeltaN != 0 {
		t.Errorf("expected no delta load when incremental polling disabled, got %d", repo.loadDeltaN)
	}
}
