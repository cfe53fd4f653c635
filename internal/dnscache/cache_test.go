package dnscache

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

type fakeResolver struct {
	mu      sync.Mutex
	calls   int32
	answers map[string][]string
	err     error
}

func (f *fakeResolver) Resolve(ctx context.Context, hostname string) ([]string, error) {
	atomic.AddInt32(&f.calls, 1)
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	ips, ok := f.answers[hostname]
	if !ok {
		return nil, errors.New("no answer configured")
	}
	return ips, nil
}

func TestLookup_PerProxyOverrideBypassesEverything(t *testing.T) {
	r := &fakeResolver{}
	c := New(r, nil, time.Minute)

	ips, err := c.Lookup(context.Background(), "backend.internal", "10.0.0.9", time.Minute)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(ips) != 1 || ips[0] != "10.0.0.9" {
		t.Errorf("got %v, want [10.0.0.9]", ips)
	}
	if r.calls != 0 {
		t.Errorf("resolver should not be called when dns_override is set, got %d calls", r.calls)
	}
}

func TestLookup_GlobalOverrideBypassesCache(t *testing.T) {
	r := &fakeResolver{}
	c := New(r, map[string]string{"svc.internal": "10.0.0.1"}, time.Minute)

	ips, err := c.Lookup(context.Background(), "svc.internal", "", 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(ips) != 1 || ips[0] != "10.0.0.1" {
		t.Errorf("got %v, want [10.0.0.1]", ips)
	}
	if r.calls != 0 {
		t.Errorf("resolver should not be called for global override, got %d calls", r.calls)
	}
}

func TestLookup_CacheHitAvoidsResolve(t *testing.T) {
	r := &fakeResolver{answers: map[string][]string{"api.example.com": {"1.2.3.4"}}}
	c := New(r, nil, time.Minute)

	if _, err := c.Lookup(context.Background(), "api.example.com", "", time.Minute); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := c.Lookup(context.Background(), "api.example.com", "", time.Minute); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if r.calls != 1 {
		t.Errorf("expected exactly one resolve call, got %d", r.calls)
	}
}

func TestLookup_ServesStaleOnResolutionFailure(t *testing.T) {
	r := &fakeResolver{answers: map[string][]string{"api.example.com": {"1.2.3.4"}}}
	c := New(r, nil, 10*time.Millisecond)

	if _, err := c.Lookup(context.Background(), "api.example.com", "", 10*time.Millisecond); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	time.Sleep(20 * time.Millisecond) // force expiry
	r.mu.Lock()
	r.err = errors.New("resolution failed")
	r.mu.Unlock()

	ips, err := c.Lookup(context.Background(), "api.example.com", "", 10*time.Millisecond)
	if err != nil {
		t.Fatalf("expected stale entry to be served, got error: %v", err)
	}
	if len(ips) != 1 || ips[0] != "1.2.3.4" {
		t.Errorf("got %v, want stale [1.2.3.4]", ips)
	}
}

func TestLookup_PropagatesErrorWithNoStaleEntry(t *testing.T) {
	r := &fakeResolver{err: errors.New("nxdomain")}
	c := New(r, nil, time.Minute)

	_, err := c.Lookup(context.Background(), "never-seen.example.com", "", time.Minute)
	if err == nil {
		t.Fatal("expected error when there is no cache entry to fall back on")
	}
}

func TestLookup_SingleFlightDedupesConcurrentMisses(t *testing.T) {
	r := &fakeResolver{answers: map[string][]string{"api.example.com": {"1.2.3.4"}}}
	c := New(r, nil, time.Minute)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = c.Lookup(context.Background(), "api.example.com", "", time.Minute)
		}()
	}
	wg.Wait()

	if r.calls != 1 {
		t.Errorf("expected single-flight to collapse concurrent lookups into one resolve call, got %d", r.calls)
	}
}

func TestWarm_SkipsAlreadyCachedHostnames(t *testing.T) {
	r := &fakeResolver{answers: map[string][]string{"a.example.com": {"1.1.1.1"}, "b.example.com": {"2.2.2.2"}}}
	c := New(r, nil, time.Minute)

	if _, err := c.Lookup(context.Background(), "a.example.com", "", time.Minute); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	c.Warm(map[string]time.Duration{"a.example.com": time.Minute, "b.example.com": time.Minute})

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if atomic.LoadInt32(&r.calls) >= 2 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	if r.calls != 2 {
		t.Errorf("expected warm to resolve only the uncached hostname, got %d total calls", r.calls)
	}
}

func TestPurge_RemovesUnreferencedEntries(t *testing.T) {
	r := &fakeResolver{answers: map[string][]string{"a.example.com": {"1.1.1.1"}, "b.example.com": {"2.2.2.2"}}}
	c := New(r, nil, time.Minute)
	_, _ = c.Lookup(context.Background(), "a.example.com", "", time.Minute)
	_, _ = c.Lookup(context.Background(), "b.example.com", "", time.Minute)

	c.Purge(map[string]struct{}{"a.example.com": {}})

	c.mu.RLock()
	_, hasA := c.entries["a.example.com"]
	_, hasB := c.entries["b.example.com"]
	c.mu.RUnlock()
	if !hasA {
		t.Error("expected a.example.com to be retained")
	}
	if hasB {
		t.Error("expected b.example.com to be purged")
	}
}
