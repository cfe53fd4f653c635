package distribution

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"

	"github.com/ferrumgw/ferrum-gateway/internal/config"
	"github.com/ferrumgw/ferrum-gateway/internal/configstore"
	"github.com/ferrumgw/ferrum-gateway/internal/health"
)

// fileDocument is the top-level shape of a configuration file or a file
// within a configuration directory (§6 config file format). "plugins"
// and "plugin_configs" are accepted as synonyms for the same entity.
type fileDocument struct {
	Proxies       []config.Proxy       `json:"proxies"`
	Consumers     []config.Consumer    `json:"consumers"`
	PluginConfigs []config.PluginConfig `json:"plugin_configs"`
	Plugins       []config.PluginConfig `json:"plugins"`
}

// FileSource loads configuration from FILE_CONFIG_PATH at startup and on
// every SIGHUP or filesystem change event (§4.E File mode).
type FileSource struct {
	path    string
	store   *configstore.Store
	version uint64
}

// NewFileSource builds a FileSource for cfg.FileConfigPath.
func NewFileSource(cfg *config.EnvConfig, store *configstore.Store) (*FileSource, error) {
	if cfg.FileConfigPath == "" {
		return nil, fmt.Errorf("distribution: FILE_CONFIG_PATH is required in file mode")
	}
	return &FileSource{path: cfg.FileConfigPath, store: store}, nil
}

// Checker reports nil: File mode has no external connectivity to probe
// between reloads, so /health omits a source check entirely.
func (f *FileSource) Checker() health.SourceChecker {
	return nil
}

// Run performs the initial load synchronously — a failure here is fatal,
// matching the original behavior of treating a bad startup config as a
// process-exit condition rather than something to retry silently — then
// watches for SIGHUP and filesystem changes until ctx is cancelled.
func (f *FileSource) Run(ctx context.Context) error {
	if err := f.reload(); err != nil {
		return fmt.Errorf("distribution: initial configuration load failed: %w", err)
	}

	sighup := make(chan os.Signal, 1)
	signal.Notify(sighup, syscall.SIGHUP)
	defer signal.Stop(sighup)

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		log.Warn().Str("component", "distribution.file").Err(err).
			Msg("failed to start filesystem watcher, relying on SIGHUP only")
	} else {
		defer watcher.Close()
		if err := watcher.Add(f.path); err != nil {
			log.Warn().Str("component", "distribution.file").Err(err).Str("path", f.path).
				Msg("failed to watch configuration path")
		}
	}

	var fsEvents <-chan fsnotify.Event
	if watcher != nil {
		fsEvents = watcher.Events
	}

	debounce := time.NewTimer(0)
	<-debounce.C // start drained

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-sighup:
			log.Info().Str("component", "distribution.file").Str("path", f.path).Msg("received SIGHUP, reloading configuration")
			f.safeReload()
		case ev, ok := <-fsEvents:
			if !ok {
				fsEvents = nil
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			debounce.Reset(200 * time.Millisecond)
		case <-debounce.C:
			log.Info().Str("component", "distribution.file").Str("path", f.path).Msg("configuration file changed, reloading")
			f.safeReload()
		}
	}
}

func (f *FileSource) safeReload() {
	if err := f.reload(); err != nil {
		log.Error().Str("component", "distribution.file").Err(err).Msg("configuration reload failed, keeping prior snapshot")
	}
}

func (f *FileSource) reload() error {
	doc, err := loadFileDocument(f.path)
	if err != nil {
		return err
	}

	proxies := make([]*config.Proxy, 0, len(doc.Proxies))
	for i := range doc.Proxies {
		p, err := config.NewProxy(doc.Proxies[i])
		if err != nil {
			return fmt.Errorf("proxy %d: %w", i, err)
		}
		proxies = append(proxies, p)
	}

	consumers := make([]*config.Consumer, 0, len(doc.Consumers))
	for i := range doc.Consumers {
		c, err := config.NewConsumer(doc.Consumers[i])
		if err != nil {
			return fmt.Errorf("consumer %d: %w", i, err)
		}
		consumers = append(consumers, c)
	}

	rawPlugins := append(append([]config.PluginConfig(nil), doc.PluginConfigs...), doc.Plugins...)
	plugins := make([]*config.PluginConfig, 0, len(rawPlugins))
	for i := range rawPlugins {
		pc, err := config.NewPluginConfig(rawPlugins[i])
		if err != nil {
			return fmt.Errorf("plugin config %d: %w", i, err)
		}
		plugins = append(plugins, pc)
	}

	f.version++
	if err := f.store.ApplyFull(proxies, consumers, plugins, f.version, time.Now()); err != nil {
		f.version--
		return err
	}

	log.Info().Str("component", "distribution.file").
		Int("proxies", len(proxies)).Int("consumers", len(consumers)).
		Int("plugin_configs", len(plugins)).Msg("configuration loaded from file")
	return nil
}

// loadFileDocument reads path, which may be a single file or a directory
// of files merged together (original behavior preserved from the prior
// implementation's directory-loading mode).
func loadFileDocument(path string) (*fileDocument, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("failed to stat configuration path: %w", err)
	}

	if !info.IsDir() {
		return parseConfigFile(path)
	}

	entries, err := os.ReadDir(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read configuration directory: %w", err)
	}

	merged := &fileDocument{}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		ext := strings.ToLower(filepath.Ext(entry.Name()))
		if ext != ".json" && ext != ".yaml" && ext != ".yml" {
			continue
		}
		doc, err := parseConfigFile(filepath.Join(path, entry.Name()))
		if err != nil {
			return nil, fmt.Errorf("%s: %w", entry.Name(), err)
		}
		merged.Proxies = append(merged.Proxies, doc.Proxies...)
		merged.Consumers = append(merged.Consumers, doc.Consumers...)
		merged.PluginConfigs = append(merged.PluginConfigs, doc.PluginConfigs...)
		merged.Plugins = append(merged.Plugins, doc.Plugins...)
	}
	return merged, nil
}

func parseConfigFile(path string) (*fileDocument, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read configuration file %s: %w", path, err)
	}

	ext := strings.ToLower(filepath.Ext(path))
	switch ext {
	case ".json":
		return parseJSONDocument(data)
	case ".yaml", ".yml":
		return parseYAMLDocument(data)
	default:
		if doc, err := parseJSONDocument(data); err == nil {
			return doc, nil
		}
		if doc, err := parseYAMLDocument(data); err == nil {
			return doc, nil
		}
		return nil, fmt.Errorf("unsupported configuration file format for %s, expected JSON or YAML", path)
	}
}

func parseJSONDocument(data []byte) (*fileDocument, error) {
	var doc fileDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse JSON configuration: %w", err)
	}
	return &doc, nil
}

// parseYAMLDocument decodes via an interface{} intermediate so the
// resulting string-keyed maps round-trip through JSON into fileDocument,
// since the domain types only carry `json` tags.
func parseYAMLDocument(data []byte) (*fileDocument, error) {
	var raw interface{}
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("failed to parse YAML configuration: %w", err)
	}
	jsonBytes, err := json.Marshal(raw)
	if err != nil {
		return nil, fmt.Errorf("failed to convert YAML configuration: %w", err)
	}
	return parseJSONDocument(jsonBytes)
}
