package distribution

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/ferrumgw/ferrum-gateway/internal/config"
	"github.com/ferrumgw/ferrum-gateway/internal/configstore"
	"github.com/ferrumgw/ferrum-gateway/internal/database"
	"github.com/ferrumgw/ferrum-gateway/internal/health"
	"github.com/ferrumgw/ferrum-gateway/internal/snapshotcache"
)

// configRepository is the subset of *database.Repository the poller
// needs; narrowed to an interface so tests can substitute a fake loader
// without a live Postgres connection.
type configRepository interface {
	LatestUpdate(ctx context.Context) (time.Time, error)
	LoadFull(ctx context.Context) ([]*config.Proxy, []*config.Consumer, []*config.PluginConfig, error)
	LoadDelta(ctx context.Context, since time.Time) ([]*config.Proxy, []string, []*config.Consumer, []string, []*config.PluginConfig, []string, error)
}

// DatabasePoller feeds the Config Store from Postgres on two cadences
// (§4.E Database/CP polling): a frequent check tick that looks only at
// the latest update timestamp, and a less frequent full tick that
// unconditionally reloads everything for drift correction.
type DatabasePoller struct {
	db                 health.SourceChecker
	repo               configRepository
	store              *configstore.Store
	cache              *snapshotcache.Cache
	checkInterval      time.Duration
	fullInterval       time.Duration
	incrementalPolling bool

	lastSeen time.Time
}

// NewDatabasePoller builds a poller from cfg, storing into store. When
// REDIS_URL is set, every successful load is also mirrored to the
// repurposed snapshot resilience cache so a node that restarts during a
// database outage can still hydrate from the last known-good snapshot
// instead of starting empty (§4.E resilience contract extended across
// restarts, not just mid-process outages).
func NewDatabasePoller(cfg *config.EnvConfig, store *configstore.Store, db *database.DB) *DatabasePoller {
	cache, err := snapshotcache.New(cfg.RedisURL, cfg.SnapshotCacheKey)
	if err != nil {
		log.Warn().Str("component", "distribution.database").Err(err).
			Msg("snapshot resilience cache disabled")
		cache = &snapshotcache.Cache{}
	}
	return &DatabasePoller{
		db:                 db,
		repo:               database.NewRepository(db),
		store:              store,
		cache:              cache,
		checkInterval:      cfg.DBPollCheckInterval,
		fullInterval:       cfg.DBPollInterval,
		incrementalPolling: cfg.DBIncrementalPolling,
	}
}

// Checker exposes the underlying database connection's health for /health.
func (p *DatabasePoller) Checker() health.SourceChecker {
	return p.db
}

// Run loads the initial configuration synchronously, then alternates
// check ticks and full ticks until ctx is cancelled. A failed load at any
// point is logged and retried on the next tick; the Config Store's prior
// snapshot keeps serving traffic throughout (§4.E resilience contract).
func (p *DatabasePoller) Run(ctx context.Context) error {
	if err := p.loadFull(ctx); err != nil {
		log.Error().Str("component", "distribution.database").Err(err).
			Msg("initial configuration load failed, attempting snapshot resilience cache")
		if err := p.hydrateFromCache(ctx); err != nil {
			log.Error().Str("component", "distribution.database").Err(err).
				Msg("snapshot resilience cache hydration failed, starting with an empty snapshot")
		}
	}

	checkTicker := time.NewTicker(p.checkInterval)
	defer checkTicker.Stop()
	fullTicker := time.NewTicker(p.fullInterval)
	defer fullTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-checkTicker.C:
			p.checkAndPoll(ctx)
		case <-fullTicker.C:
			if err := p.loadFull(ctx); err != nil {
				log.Error().Str("component", "distribution.database").Err(err).Msg("full configuration reload failed")
			}
		}
	}
}

func (p *DatabasePoller) checkAndPoll(ctx context.Context) {
	latest, err := p.repo.LatestUpdate(ctx)
	if err != nil {
		log.Error().Str("component", "distribution.database").Err(err).Msg("failed to check latest update timestamp")
		return
	}
	if !latest.After(p.lastSeen) {
		return
	}

	log.Debug().Str("component", "distribution.database").Time("latest", latest).Msg("configuration change detected")

	if !p.incrementalPolling {
		if err := p.loadFull(ctx); err != nil {
			log.Error().Str("component", "distribution.database").Err(err).Msg("full configuration load failed during check tick")
		}
		return
	}

	if err := p.loadDelta(ctx, latest); err != nil {
		log.Error().Str("component", "distribution.database").Err(err).
			Msg("incremental configuration load failed, falling back to full load")
		if err := p.loadFull(ctx); err != nil {
			log.Error().Str("component", "distribution.database").Err(err).Msg("fallback full configuration load failed")
		}
	}
}

func (p *DatabasePoller) loadFull(ctx context.Context) error {
	proxies, consumers, plugins, err := p.repo.LoadFull(ctx)
	if err != nil {
		return err
	}
	latest, err := p.repo.LatestUpdate(ctx)
	if err != nil {
		latest = time.Now()
	}
	if err := p.store.ApplyFull(proxies, consumers, plugins, p.nextVersion(), latest); err != nil {
		return err
	}
	p.lastSeen = latest
	p.persistSnapshot(ctx)
	log.Info().Str("component", "distribution.database").
		Int("proxies", len(proxies)).Int("consumers", len(consumers)).
		Int("plugin_configs", len(plugins)).Msg("full configuration loaded")
	return nil
}

func (p *DatabasePoller) loadDelta(ctx context.Context, latest time.Time) error {
	upsertProxies, removeProxyIDs, upsertConsumers, removeConsumerIDs, upsertPlugins, removePluginIDs, err := p.repo.LoadDelta(ctx, p.lastSeen)
	if err != nil {
		return err
	}

	d := configstore.Delta{
		UpsertProxies:         upsertProxies,
		RemoveProxyIDs:        removeProxyIDs,
		UpsertConsumers:       upsertConsumers,
		RemoveConsumerIDs:     removeConsumerIDs,
		UpsertPluginConfigs:   upsertPlugins,
		RemovePluginConfigIDs: removePluginIDs,
		Version:               p.nextVersion(),
		UpdatedAt:             latest,
	}
	if d.IsEmpty() {
		p.lastSeen = latest
		return nil
	}

	if err := p.store.ApplyDelta(d); err != nil {
		return err
	}
	p.lastSeen = latest
	p.persistSnapshot(ctx)
	log.Info().Str("component", "distribution.database").
		Int("upsert_proxies", len(upsertProxies)).Int("remove_proxies", len(removeProxyIDs)).
		Int("upsert_consumers", len(upsertConsumers)).Int("remove_consumers", len(removeConsumerIDs)).
		Int("upsert_plugin_configs", len(upsertPlugins)).Int("remove_plugin_configs", len(removePluginIDs)).
		Msg("incremental configuration applied")
	return nil
}

func (p *DatabasePoller) nextVersion() uint64 {
	return p.store.GetSnapshot().Version + 1
}

// persistSnapshot mirrors the Config Store's current snapshot to the
// resilience cache, reusing the File mode wire shape (fileDocument) so
// one decoder serves both. A silent no-op when REDIS_URL is unset.
func (p *DatabasePoller) persistSnapshot(ctx context.Context) {
	if p.cache == nil || !p.cache.Enabled() {
		return
	}
	snap := p.store.GetSnapshot()
	doc := fileDocument{
		Proxies:       derefProxies(snap.ProxyList()),
		Consumers:     derefConsumers(snap.Consumers),
		PluginConfigs: derefPluginConfigs(snap.PluginConfigs),
	}
	raw, err := json.Marshal(doc)
	if err != nil {
		log.Warn().Str("component", "distribution.database").Err(err).
			Msg("failed to encode snapshot for resilience cache")
		return
	}
	p.cache.Save(ctx, raw)
}

// hydrateFromCache applies the last cached snapshot, if any, when the
// initial database load fails. Returns nil (no-op) when the cache is
// disabled or empty, matching the resilience contract: a missing cache
// is not itself an error, only a missed opportunity.
func (p *DatabasePoller) hydrateFromCache(ctx context.Context) error {
	if p.cache == nil {
		return nil
	}
	raw, err := p.cache.Load(ctx)
	if err != nil {
		return err
	}
	if raw == nil {
		return nil
	}
	var doc fileDocument
	if err := json.Unmarshal(raw, &doc); err != nil {
		return err
	}
	proxies := refProxies(doc.Proxies)
	consumers := refConsumers(doc.Consumers)
	rawPlugins := append(append([]config.PluginConfig(nil), doc.PluginConfigs...), doc.Plugins...)
	plugins := refPluginConfigs(rawPlugins)
	if err := p.store.ApplyFull(proxies, consumers, plugins, p.nextVersion(), time.Now()); err != nil {
		return err
	}
	log.Info().Str("component", "distribution.database").
		Int("proxies", len(proxies)).Int("consumers", len(consumers)).Int("plugin_configs", len(plugins)).
		Msg("hydrated snapshot from resilience cache")
	return nil
}

func derefProxies(in []*config.Proxy) []config.Proxy {
	out := make([]config.Proxy, len(in))
	for i, p := range in {
		out[i] = *p
	}
	return out
}

func derefConsumers(in map[string]*config.Consumer) []config.Consumer {
	out := make([]config.Consumer, 0, len(in))
	for _, c := range in {
		out = append(out, *c)
	}
	return out
}

func derefPluginConfigs(in map[string]*config.PluginConfig) []config.PluginConfig {
	out := make([]config.PluginConfig, 0, len(in))
	for _, pc := range in {
		out = append(out, *pc)
	}
	return out
}

func refProxies(in []config.Proxy) []*config.Proxy {
	out := make([]*config.Proxy, len(in))
	for i := range in {
		out[i] = &in[i]
	}
	return out
}

func refConsumers(in []config.Consumer) []*config.Consumer {
	out := make([]*config.Consumer, len(in))
	for i := range in {
		out[i] = &in[i]
	}
	return out
}

func refPluginConfigs(in []config.PluginConfig) []*config.PluginConfig {
	out := make([]*config.PluginConfig, len(in))
	for i := range in {
		out[i] = &in[i]
	}
	return out
}
