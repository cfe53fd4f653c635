// Package gateway wires the Config Store's event stream to the
// components that must rebuild themselves on every snapshot swap: the
// Router (§4.C), the DNS Cache's warmup/purge cycle (§4.B), and the
// plugin Registry's compiled per-scope plugin lists (§4.F step 4). It
// replaces the teacher's per-entity-type "HandleConfigChange" callback
// with a single subscriber, because every Distribution Plane mode
// (§4.E) now funnels through one Config Store regardless of where the
// change came from (DB poll, file reload, CP push).
package gateway

import (
	"time"

	"github.com/rs/zerolog/log"

	"github.com/ferrumgw/ferrum-gateway/internal/config"
	"github.com/ferrumgw/ferrum-gateway/internal/configstore"
	"github.com/ferrumgw/ferrum-gateway/internal/dnscache"
	"github.com/ferrumgw/ferrum-gateway/internal/plugin"
	"github.com/ferrumgw/ferrum-gateway/internal/router"
)

// Reloader subscribes to a Store and keeps a Router, DNS Cache and
// plugin Registry in sync with its current Snapshot.
type Reloader struct {
	store    *configstore.Store
	router   *router.Router
	dns      *dnscache.Cache
	registry *plugin.Registry
}

// New creates a Reloader. Call Run in a goroutine to start consuming
// Config Store events; call Bootstrap once at startup to apply the
// current snapshot before the first event arrives. registry may be nil
// for callers that only need routing and DNS kept current.
func New(store *configstore.Store, rt *router.Router, dns *dnscache.Cache, registry *plugin.Registry) *Reloader {
	return &Reloader{store: store, router: rt, dns: dns, registry: registry}
}

// Bootstrap applies the Store's current snapshot immediately, so the
// Router and DNS Cache are correct even if the Store was seeded before
// any subscriber existed (e.g. an initial File-mode load during
// startup, before Run's subscription goroutine is up).
func (g *Reloader) Bootstrap() {
	g.apply(g.store.GetSnapshot())
}

// Run blocks, applying every ConfigEvent the Store publishes, until
// stop is closed. Once subscribed it first applies the Store's current
// snapshot, so a snapshot applied before the subscription is not missed.
func (g *Reloader) Run(stop <-chan struct{}) {
	events, cancel := g.store.Subscribe()
	defer cancel()
	g.apply(g.store.GetSnapshot())

	for {
		select {
		case <-stop:
			return
		case _, ok := <-events:
			if !ok {
				return
			}
			g.apply(g.store.GetSnapshot())
		}
	}
}

func (g *Reloader) apply(snap *configstore.Snapshot) {
	proxies := snap.ProxyList()

	if err := g.router.Reload(proxies); err != nil {
		log.Error().Err(err).Str("component", "gateway").Msg("router reload rejected, serving prior routes")
		return
	}

	if g.dns != nil {
		hostnames := uniqueHostnames(proxies)
		g.dns.Warm(hostnames)
		keep := make(map[string]struct{}, len(hostnames))
		for h := range hostnames {
			keep[h] = struct{}{}
		}
		g.dns.Purge(keep)
	}

	if g.registry != nil {
		if err := g.registry.Compile(snap); err != nil {
			log.Error().Err(err).Str("component", "gateway").Msg("plugin registry compile failed, serving prior plugin chain")
		}
	}

	log.Info().
		Str("component", "gateway").
		Uint64("version", snap.Version).
		Int("proxies", len(proxies)).
		Msg("configuration reloaded")
}

// uniqueHostnames collects the (hostname, ttl) pairs the DNS Cache
// needs to warm, skipping proxies with a literal dns_override since
// those never touch the cache (§4.B startup warmup).
func uniqueHostnames(proxies []*config.Proxy) map[string]time.Duration {
	out := make(map[string]time.Duration)
	for _, p := range proxies {
		if p.DNSOverride != nil && *p.DNSOverride != "" {
			continue
		}
		ttl := dnscache.DefaultTTL
		if p.DNSCacheTTLSeconds != nil && *p.DNSCacheTTLSeconds > 0 {
			ttl = time.Duration(*p.DNSCacheTTLSeconds) * time.Second
		}
		if existing, ok := out[p.BackendHost]; !ok || ttl < existing {
			out[p.BackendHost] = ttl
		}
	}
	return out
}
