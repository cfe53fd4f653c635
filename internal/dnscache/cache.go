// Package dnscache implements the DNS Cache component (§4.B): a
// hostname → (ip_addresses, resolved_at, ttl) map with per-proxy and
// global literal overrides, single-flight dedup of concurrent lookups
// for the same hostname, serve-stale-on-error, and background
// prefetch of entries nearing expiry.
package dnscache

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/miekg/dns"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"
)

const (
	// DefaultTTL is used when neither a per-proxy nor a global TTL is
	// configured (§4.B TTL resolution order, final fallback).
	DefaultTTL = 300 * time.Second

	// prefetchWindow is how far ahead of expiry a background refresh is
	// scheduled, grounded on the original prototype's 60s window.
	prefetchWindow = 60 * time.Second
)

type entry struct {
	ips       []string
	resolvedAt time.Time
	ttl       time.Duration
}

func (e *entry) expired(now time.Time) bool {
	return now.After(e.resolvedAt.Add(e.ttl))
}

func (e *entry) timeUntilExpiry(now time.Time) time.Duration {
	d := e.resolvedAt.Add(e.ttl).Sub(now)
	if d < 0 {
		return 0
	}
	return d
}

// Resolver performs the actual hostname → IP lookup. The production
// implementation queries the configured upstream over the wire with
// github.com/miekg/dns so query timeouts and transport are under the
// gateway's control rather than the OS resolver's; tests substitute a
// fake.
type Resolver interface {
	Resolve(ctx context.Context, hostname string) ([]string, error)
}

// DNSResolver resolves A records against a configured upstream DNS
// server using a raw github.com/miekg/dns exchange.
type DNSResolver struct {
	Upstream string // e.g. "8.8.8.8:53"
	Client   *dns.Client
}

// NewDNSResolver returns a DNSResolver with a default 2s UDP client.
func NewDNSResolver(upstream string) *DNSResolver {
	return &DNSResolver{
		Upstream: upstream,
		Client:   &dns.Client{Timeout: 2 * time.Second},
	}
}

func (r *DNSResolver) Resolve(ctx context.Context, hostname string) ([]string, error) {
	msg := new(dns.Msg)
	msg.SetQuestion(dns.Fqdn(hostname), dns.TypeA)
	msg.RecursionDesired = true

	resp, _, err := r.Client.ExchangeContext(ctx, msg, r.Upstream)
	if err != nil {
		return nil, fmt.Errorf("dnscache: exchange for %s failed: %w", hostname, err)
	}
	if resp.Rcode != dns.RcodeSuccess {
		return nil, fmt.Errorf("dnscache: %s answered rcode %s", hostname, dns.RcodeToString[resp.Rcode])
	}

	var ips []string
	for _, rr := range resp.Answer {
		if a, ok := rr.(*dns.A); ok {
			ips = append(ips, a.A.String())
		}
	}
	if len(ips) == 0 {
		return nil, fmt.Errorf("dnscache: no A records for %s", hostname)
	}
	return ips, nil
}

// Cache is the DNS Cache component. Safe for concurrent use.
type Cache struct {
	resolver Resolver

	mu      sync.RWMutex
	entries map[string]*entry

	overridesMu sync.RWMutex
	overrides   map[string]string // global DNS_OVERRIDES, hostname -> literal IP

	defaultTTL time.Duration
	group      singleflight.Group
}

// New constructs an empty Cache. overrides is the global DNS_OVERRIDES
// map (§4.B lookup policy step 2); defaultTTL is the gateway-wide
// DNS_CACHE_TTL_SECONDS fallback.
func New(resolver Resolver, overrides map[string]string, defaultTTL time.Duration) *Cache {
	if defaultTTL <= 0 {
		defaultTTL = DefaultTTL
	}
	ov := make(map[string]string, len(overrides))
	for k, v := range overrides {
		ov[k] = v
	}
	return &Cache{
		resolver:   resolver,
		entries:    make(map[string]*entry),
		overrides:  ov,
		defaultTTL: defaultTTL,
	}
}

// SetOverrides atomically replaces the global override map, applied on
// every config swap.
func (c *Cache) SetOverrides(overrides map[string]string) {
	ov := make(map[string]string, len(overrides))
	for k, v := range overrides {
		ov[k] = v
	}
	c.overridesMu.Lock()
	c.overrides = ov
	c.overridesMu.Unlock()
}

// Lookup resolves hostname following the full §4.B policy: per-proxy
// override first, then the global override map, then the cache, then
// a deduplicated async resolution with serve-stale-on-error. ttl is the
// per-proxy dns_cache_ttl_seconds (0 to fall back to the cache's
// default). dnsOverride, if non-empty, is the per-proxy literal IP and
// takes precedence over everything else. A hostname that is already an
// IP literal is returned as is, without a query.
func (c *Cache) Lookup(ctx context.Context, hostname, dnsOverride string, ttl time.Duration) ([]string, error) {
	if dnsOverride != "" {
		return []string{dnsOverride}, nil
	}
	if net.ParseIP(hostname) != nil {
		return []string{hostname}, nil
	}

	c.overridesMu.RLock()
	if ip, ok := c.overrides[hostname]; ok {
		c.overridesMu.RUnlock()
		return []string{ip}, nil
	}
	c.overridesMu.RUnlock()

	if ttl <= 0 {
		ttl = c.defaultTTL
	}

	now := time.Now()
	c.mu.RLock()
	e, ok := c.entries[hostname]
	c.mu.RUnlock()
	if ok && !e.expired(now) {
		return e.ips, nil
	}

	ips, err := c.resolveOnce(ctx, hostname, ttl)
	if err != nil {
		if ok {
			log.Warn().Str("component", "dnscache").Str("hostname", hostname).Err(err).
				Msg("resolution failed, serving stale entry")
			return e.ips, nil
		}
		return nil, err
	}
	return ips, nil
}

// resolveOnce performs a single-flight deduplicated resolution: if a
// resolution for hostname is already in flight, the caller waits on it
// rather than issuing a duplicate query (§4.B concurrency clause).
func (c *Cache) resolveOnce(ctx context.Context, hostname string, ttl time.Duration) ([]string, error) {
	v, err, _ := c.group.Do(hostname, func() (interface{}, error) {
		ips, err := c.resolver.Resolve(ctx, hostname)
		if err != nil {
			return nil, err
		}
		c.mu.Lock()
		c.entries[hostname] = &entry{ips: ips, resolvedAt: time.Now(), ttl: ttl}
		c.mu.Unlock()
		return ips, nil
	})
	if err != nil {
		return nil, err
	}
	return v.([]string), nil
}

// Warm schedules resolution for hostnames not already cached, without
// blocking the caller. Used on startup and on every config swap for the
// set of newly-introduced (hostname, ttl) pairs (§4.B startup warmup).
func (c *Cache) Warm(hostnames map[string]time.Duration) {
	for hostname, ttl := range hostnames {
		c.mu.RLock()
		_, cached := c.entries[hostname]
		c.mu.RUnlock()
		if cached {
			continue
		}
		go func(hostname string, ttl time.Duration) {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if _, err := c.resolveOnce(ctx, hostname, ttl); err != nil {
				log.Warn().Str("component", "dnscache").Str("hostname", hostname).Err(err).
					Msg("warmup resolution failed")
			}
		}(hostname, ttl)
	}
}

// PrefetchNearExpiry scans all cached entries and kicks off a background
// refresh for any expiring within prefetchWindow, logging if the
// refreshed IP set differs from the prior one. Intended to be called
// periodically (e.g. every 30s) from the owning node's main loop.
func (c *Cache) PrefetchNearExpiry(ctx context.Context) {
	now := time.Now()

	c.mu.RLock()
	var due []string
	for hostname, e := range c.entries {
		if !e.expired(now) && e.timeUntilExpiry(now) < prefetchWindow {
			due = append(due, hostname)
		}
	}
	c.mu.RUnlock()

	for _, hostname := range due {
		c.overridesMu.RLock()
		_, overridden := c.overrides[hostname]
		c.overridesMu.RUnlock()
		if overridden {
			continue
		}

		go func(hostname string) {
			c.mu.RLock()
			prior := c.entries[hostname]
			c.mu.RUnlock()
			if prior == nil {
				return
			}

			ips, err := c.resolver.Resolve(ctx, hostname)
			if err != nil {
				log.Warn().Str("component", "dnscache").Str("hostname", hostname).Err(err).Msg("prefetch failed")
				return
			}

			c.mu.Lock()
			c.entries[hostname] = &entry{ips: ips, resolvedAt: time.Now(), ttl: prior.ttl}
			c.mu.Unlock()

			if !equalIPs(prior.ips, ips) {
				log.Debug().Str("component", "dnscache").Str("hostname", hostname).
					Strs("old_ips", prior.ips).Strs("new_ips", ips).Msg("prefetch observed IP change")
			}
		}(hostname)
	}
}

// Purge drops entries for hostnames no longer referenced by any active
// Proxy, called on config swap (§4.B "entries referenced by no active
// Proxy may be dropped").
func (c *Cache) Purge(keep map[string]struct{}) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for hostname := range c.entries {
		if _, ok := keep[hostname]; !ok {
			delete(c.entries, hostname)
		}
	}
}

func equalIPs(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
