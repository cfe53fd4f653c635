// Package configstore implements the in-memory Config Store (§4.D): the
// current (Proxies, Consumers, PluginConfigs) triple plus a monotonic
// version, with full-snapshot and delta application and a subscriber
// fan-out used by the Router builder, the DNS Cache warmup task, and the
// Control Plane's push-to-subscribers path.
package configstore

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/ferrumgw/ferrum-gateway/internal/config"
)

// Snapshot is the current (Proxies, Consumers, PluginConfigs) triple plus
// version and timestamp (§3, §4.D). Once published, a Snapshot is never
// mutated; readers hold their handle for the lifetime of one request so
// mid-request config churn cannot change routing decisions for that
// request (§9 "Shared mutable snapshot").
type Snapshot struct {
	Proxies       map[string]*config.Proxy
	Consumers     map[string]*config.Consumer
	PluginConfigs map[string]*config.PluginConfig
	Version       uint64
	LastUpdatedAt time.Time
}

func emptySnapshot() *Snapshot {
	return &Snapshot{
		Proxies:       map[string]*config.Proxy{},
		Consumers:     map[string]*config.Consumer{},
		PluginConfigs: map[string]*config.PluginConfig{},
	}
}

func (s *Snapshot) clone() *Snapshot {
	out := &Snapshot{
		Proxies:       make(map[string]*config.Proxy, len(s.Proxies)),
		Consumers:     make(map[string]*config.Consumer, len(s.Consumers)),
		PluginConfigs: make(map[string]*config.PluginConfig, len(s.PluginConfigs)),
		Version:       s.Version,
		LastUpdatedAt: s.LastUpdatedAt,
	}
	for k, v := range s.Proxies {
		out.Proxies[k] = v
	}
	for k, v := range s.Consumers {
		out.Consumers[k] = v
	}
	for k, v := range s.PluginConfigs {
		out.PluginConfigs[k] = v
	}
	return out
}

// ProxyList returns the snapshot's proxies in a deterministic order
// (by listen_path) for router construction.
func (s *Snapshot) ProxyList() []*config.Proxy {
	out := make([]*config.Proxy, 0, len(s.Proxies))
	for _, p := range s.Proxies {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ListenPath < out[j].ListenPath })
	return out
}

// Delta is an additive set of changes plus deletion ids and a new version,
// applied atomically (§4.D).
type Delta struct {
	UpsertProxies          []*config.Proxy
	RemoveProxyIDs         []string
	UpsertConsumers        []*config.Consumer
	RemoveConsumerIDs      []string
	UpsertPluginConfigs    []*config.PluginConfig
	RemovePluginConfigIDs  []string
	Version                uint64
	UpdatedAt               time.Time
}

// IsEmpty reports whether the delta carries no changes at all.
func (d *Delta) IsEmpty() bool {
	return len(d.UpsertProxies) == 0 && len(d.RemoveProxyIDs) == 0 &&
		len(d.UpsertConsumers) == 0 && len(d.RemoveConsumerIDs) == 0 &&
		len(d.UpsertPluginConfigs) == 0 && len(d.RemovePluginConfigIDs) == 0
}

// EventType distinguishes the two kinds of published ConfigEvent.
type EventType int

const (
	SnapshotApplied EventType = iota
	DeltaApplied
)

// ConfigEvent is broadcast to subscribers whenever the store swaps in a
// new snapshot.
type ConfigEvent struct {
	Type    EventType
	Version uint64
}

// Store holds the single current Snapshot under a single-writer discipline
// and fans out ConfigEvents to subscribers (Router, DNS warmup, CP push).
type Store struct {
	mu      sync.RWMutex
	current *Snapshot

	subMu sync.Mutex
	subs  map[int]chan ConfigEvent
	nextID int
}

// NewStore returns a Store seeded with an empty snapshot at version 0.
func NewStore() *Store {
	return &Store{current: emptySnapshot(), subs: map[int]chan ConfigEvent{}}
}

// GetSnapshot returns the current snapshot handle. It is cheap to hold:
// the returned value is never mutated after publication.
func (s *Store) GetSnapshot() *Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current
}

// ApplyFull validates listen_path uniqueness (I1) across the incoming
// triple, and on success swaps it in atomically as the new current
// snapshot. On failure the prior snapshot is retained unchanged and the
// conflicting listen_path is reported.
func (s *Store) ApplyFull(proxies []*config.Proxy, consumers []*config.Consumer, plugins []*config.PluginConfig, version uint64, updatedAt time.Time) error {
	candidate := emptySnapshot()
	for _, p := range proxies {
		candidate.Proxies[p.ID] = p
	}
	for _, c := range consumers {
		candidate.Consumers[c.ID] = c
	}
	for _, pc := range plugins {
		candidate.PluginConfigs[pc.ID] = pc
	}

	if err := validateListenPathUniqueness(candidate.Proxies); err != nil {
		return err
	}

	candidate.Version = version
	candidate.LastUpdatedAt = updatedAt

	s.mu.Lock()
	s.current = candidate
	s.mu.Unlock()

	s.publish(ConfigEvent{Type: SnapshotApplied, Version: version})
	return nil
}

// ApplyDelta applies removes then upserts into a provisional copy of the
// current snapshot, revalidates listen_path uniqueness, and swaps
// atomically. On any conflict the entire delta is rejected as a unit and
// the prior snapshot is retained.
func (s *Store) ApplyDelta(d Delta) error {
	s.mu.RLock()
	provisional := s.current.clone()
	s.mu.RUnlock()

	for _, id := range d.RemoveProxyIDs {
		delete(provisional.Proxies, id)
	}
	for _, id := range d.RemoveConsumerIDs {
		delete(provisional.Consumers, id)
	}
	for _, id := range d.RemovePluginConfigIDs {
		delete(provisional.PluginConfigs, id)
	}

	for _, p := range d.UpsertProxies {
		provisional.Proxies[p.ID] = p
	}
	for _, c := range d.UpsertConsumers {
		provisional.Consumers[c.ID] = c
	}
	for _, pc := range d.UpsertPluginConfigs {
		provisional.PluginConfigs[pc.ID] = pc
	}

	if err := validateListenPathUniqueness(provisional.Proxies); err != nil {
		return err
	}

	s.mu.Lock()
	if d.Version != 0 && d.Version <= s.current.Version {
		s.mu.Unlock()
		return fmt.Errorf("configstore: delta version %d is not greater than current version %d", d.Version, s.current.Version)
	}
	if d.Version == 0 {
		d.Version = s.current.Version + 1
	}
	provisional.Version = d.Version
	if !d.UpdatedAt.IsZero() {
		provisional.LastUpdatedAt = d.UpdatedAt
	} else {
		provisional.LastUpdatedAt = time.Now()
	}
	s.current = provisional
	s.mu.Unlock()

	s.publish(ConfigEvent{Type: DeltaApplied, Version: provisional.Version})
	return nil
}

// Subscribe registers a new event consumer. The returned channel is
// buffered; a slow consumer that falls behind has its oldest pending
// event dropped rather than blocking the publisher (§9 back-pressure
// design, applied uniformly to every internal subscriber).
func (s *Store) Subscribe() (ch <-chan ConfigEvent, cancel func()) {
	s.subMu.Lock()
	defer s.subMu.Unlock()

	id := s.nextID
	s.nextID++
	c := make(chan ConfigEvent, 8)
	s.subs[id] = c

	return c, func() {
		s.subMu.Lock()
		defer s.subMu.Unlock()
		if existing, ok := s.subs[id]; ok {
			close(existing)
			delete(s.subs, id)
		}
	}
}

func (s *Store) publish(ev ConfigEvent) {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	for _, c := range s.subs {
		select {
		case c <- ev:
		default:
			// Drop the oldest queued event to make room rather than block
			// the writer; the newest version always wins for a slow reader.
			select {
			case <-c:
			default:
			}
			select {
			case c <- ev:
			default:
			}
		}
	}
}

func validateListenPathUniqueness(proxies map[string]*config.Proxy) error {
	seen := make(map[string]string, len(proxies))
	for id, p := range proxies {
		if existing, ok := seen[p.ListenPath]; ok {
			return fmt.Errorf("configstore: listen_path %q used by both %q and %q", p.ListenPath, existing, id)
		}
		seen[p.ListenPath] = id
	}
	return nil
}
