package plugin

import (
	"fmt"
	"sort"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/ferrumgw/ferrum-gateway/internal/config"
	"github.com/ferrumgw/ferrum-gateway/internal/configstore"
)

// Resolved pairs an instantiated Plugin with the PluginConfig it was built
// from and the ordering key the Dispatcher sorts it by.
type Resolved struct {
	Plugin   Plugin
	Config   *config.PluginConfig
	Priority int
}

// Registry holds the set of known plugin implementations (by plugin_name)
// and, once Compile has run against a configstore snapshot, the
// instantiated, ordered plugin lists each Proxy's pipeline needs.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory

	global    []Resolved
	byProxy   map[string][]Resolved // proxy-scoped only, keyed by proxy id
	byConsumer map[string][]Resolved // consumer-scoped only, keyed by consumer id
}

// NewRegistry creates an empty registry. Call Register for every builtin
// plugin before the first Compile.
func NewRegistry() *Registry {
	return &Registry{
		factories:  make(map[string]Factory),
		byProxy:    make(map[string][]Resolved),
		byConsumer: make(map[string][]Resolved),
	}
}

// Register attaches a factory to a plugin_name. Registering the same name
// twice overwrites the previous factory.
func (r *Registry) Register(name string, factory Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.factories[name]; exists {
		log.Warn().Str("component", "plugin_registry").Str("plugin", name).
			Msg("plugin factory already registered, overwriting")
	}
	r.factories[name] = factory
}

// Names returns every registered plugin_name, for diagnostics and
// validation error messages.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.factories))
	for name := range r.factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Validate instantiates pluginName with rawConfig and discards the
// instance, returning only whether construction succeeded. Used by the
// admin write path to reject bad plugin configs before they are
// persisted (§4.A validate-before-write).
func (r *Registry) Validate(pluginName string, rawConfig []byte) error {
	r.mu.RLock()
	factory, ok := r.factories[pluginName]
	r.mu.RUnlock()
	if !ok {
		return fmt.Errorf("unknown plugin %q (registered: %v)", pluginName, r.Names())
	}
	_, err := factory(rawConfig)
	return err
}

// Compile instantiates every enabled PluginConfig in snap and buckets the
// results by scope (§4.F step 4), replacing whatever a previous Compile
// produced. It is called whenever the gateway picks up a new config
// snapshot, the same way router.Rebuild recomputes the routing tree.
func (r *Registry) Compile(snap *configstore.Snapshot) error {
	r.mu.RLock()
	factories := r.factories
	r.mu.RUnlock()

	var global []Resolved
	byProxy := make(map[string][]Resolved)
	byConsumer := make(map[string][]Resolved)

	// priority for proxy-scoped plugins comes from the referencing
	// Proxy's association entry; a given PluginConfig can be attached to
	// several proxies at different priorities so this is computed per
	// proxy, not once per config.
	priorityFor := func(proxy *config.Proxy, pluginConfigID string) int {
		for _, assoc := range proxy.Plugins {
			if assoc.PluginConfigID == pluginConfigID {
				return assoc.Priority
			}
		}
		return 0
	}

	for _, pc := range snap.PluginConfigs {
		if !pc.Enabled {
			continue
		}
		factory, ok := factories[pc.PluginName]
		if !ok {
			log.Warn().Str("component", "plugin_registry").
				Str("plugin", pc.PluginName).Str("plugin_config_id", pc.ID).
				Msg("no factory registered for plugin, skipping")
			continue
		}

		switch pc.Scope {
		case config.ScopeGlobal:
			instance, err := factory(pc.Config)
			if err != nil {
				log.Error().Err(err).Str("component", "plugin_registry").
					Str("plugin", pc.PluginName).Msg("failed to instantiate global plugin, skipping")
				continue
			}
			global = append(global, Resolved{Plugin: instance, Config: pc, Priority: 0})

		case config.ScopeProxy:
			if pc.ProxyID == nil {
				continue
			}
			proxy, ok := snap.Proxies[*pc.ProxyID]
			if !ok {
				continue
			}
			rawConfig := pc.Config
			for _, assoc := range proxy.Plugins {
				if assoc.PluginConfigID == pc.ID && assoc.EmbeddedConfig != nil {
					rawConfig = assoc.EmbeddedConfig
				}
			}
			instance, err := factory(rawConfig)
			if err != nil {
				log.Error().Err(err).Str("component", "plugin_registry").
					Str("plugin", pc.PluginName).Str("proxy_id", *pc.ProxyID).
					Msg("failed to instantiate proxy-scoped plugin, skipping")
				continue
			}
			byProxy[*pc.ProxyID] = append(byProxy[*pc.ProxyID], Resolved{
				Plugin:   instance,
				Config:   pc,
				Priority: priorityFor(proxy, pc.ID),
			})

		case config.ScopeConsumer:
			if pc.ConsumerID == nil {
				continue
			}
			instance, err := factory(pc.Config)
			if err != nil {
				log.Error().Err(err).Str("component", "plugin_registry").
					Str("plugin", pc.PluginName).Str("consumer_id", *pc.ConsumerID).
					Msg("failed to instantiate consumer-scoped plugin, skipping")
				continue
			}
			byConsumer[*pc.ConsumerID] = append(byConsumer[*pc.ConsumerID], Resolved{
				Plugin: instance, Config: pc, Priority: 0,
			})
		}
	}

	order := func(list []Resolved) {
		sort.SliceStable(list, func(i, j int) bool {
			if list[i].Priority != list[j].Priority {
				return list[i].Priority < list[j].Priority
			}
			return list[i].Config.PluginName < list[j].Config.PluginName
		})
	}
	order(global)
	for id := range byProxy {
		order(byProxy[id])
	}
	for id := range byConsumer {
		order(byConsumer[id])
	}

	r.mu.Lock()
	r.global = global
	r.byProxy = byProxy
	r.byConsumer = byConsumer
	r.mu.Unlock()

	log.Info().Str("component", "plugin_registry").
		Int("global", len(global)).Int("proxies", len(byProxy)).Int("consumers", len(byConsumer)).
		Msg("plugin registry compiled")
	return nil
}

// PreAuth returns the global and proxy-scoped plugins attached to proxy,
// in pipeline order, before any consumer has been identified (§4.F step
// 4). Consumer-scoped plugins are never included here: they only enter
// the pipeline once identified_consumer is non-empty (§9 open question
// decision).
func (r *Registry) PreAuth(proxy *config.Proxy) []Resolved {
	r.mu.RLock()
	defer r.mu.RUnlock()
	combined := make([]Resolved, 0, len(r.global)+len(r.byProxy[proxy.ID]))
	combined = append(combined, r.global...)
	combined = append(combined, r.byProxy[proxy.ID]...)
	sort.SliceStable(combined, func(i, j int) bool {
		if combined[i].Priority != combined[j].Priority {
			return combined[i].Priority < combined[j].Priority
		}
		return combined[i].Config.PluginName < combined[j].Config.PluginName
	})
	return combined
}

// WithConsumer re-merges preAuth with the plugins scoped to the now
// identified consumer, for the authorize/before_proxy/after_proxy/log
// phases that run once identification is settled.
func (r *Registry) WithConsumer(preAuth []Resolved, consumerID string) []Resolved {
	r.mu.RLock()
	consumerPlugins := r.byConsumer[consumerID]
	r.mu.RUnlock()
	if len(consumerPlugins) == 0 {
		return preAuth
	}
	combined := make([]Resolved, 0, len(preAuth)+len(consumerPlugins))
	combined = append(combined, preAuth...)
	combined = append(combined, consumerPlugins...)
	sort.SliceStable(combined, func(i, j int) bool {
		if combined[i].Priority != combined[j].Priority {
			return combined[i].Priority < combined[j].Priority
		}
		return combined[i].Config.PluginName < combined[j].Config.PluginName
	})
	return combined
}
