// Package database - Repository layer
//
// Implements the read paths the Distribution Plane's Database and
// Control-Plane modes need (§4.E): a full load of every entity table,
// an incremental delta load since a watermark, and the cheap
// check-tick query that decides which of the two to run. Every row is
// converted into a validated internal/config domain type before it
// leaves this package, so a malformed row never reaches the Config
// Store.
package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/ferrumgw/ferrum-gateway/internal/config"
)

// Repository provides data access methods for Proxies, Consumers, and
// PluginConfigs.
type Repository struct {
	db *DB
}

// NewRepository creates a new repository instance.
func NewRepository(db *DB) *Repository {
	return &Repository{db: db}
}

// LatestUpdate is the result of the cheap check-tick query: the
// maximum updated_at across the three entity tables and the maximum
// deleted_at across the three deletion tables, combined into a single
// watermark. A watermark greater than the caller's last-seen value
// means a delta load is worth attempting.
func (r *Repository) LatestUpdate(ctx context.Context) (time.Time, error) {
	const query = `
		SELECT GREATEST(
			COALESCE((SELECT MAX(updated_at) FROM proxies), 'epoch'),
			COALESCE((SELECT MAX(updated_at) FROM consumers), 'epoch'),
			COALESCE((SELECT MAX(updated_at) FROM plugin_configs), 'epoch'),
			COALESCE((SELECT MAX(deleted_at) FROM proxy_deletions), 'epoch'),
			COALESCE((SELECT MAX(deleted_at) FROM consumer_deletions), 'epoch'),
			COALESCE((SELECT MAX(deleted_at) FROM plugin_config_deletions), 'epoch')
		)
	`
	var latest time.Time
	if err := r.db.pool.QueryRowContext(ctx, query).Scan(&latest); err != nil {
		return time.Time{}, fmt.Errorf("failed to query latest update timestamp: %w", err)
	}
	return latest, nil
}

// LoadFull loads every row of every entity table and returns the
// validated domain types, for apply_full / full-tick resync.
func (r *Repository) LoadFull(ctx context.Context) ([]*config.Proxy, []*config.Consumer, []*config.PluginConfig, error) {
	proxies, err := r.loadProxies(ctx, nil)
	if err != nil {
		return nil, nil, nil, err
	}
	consumers, err := r.loadConsumers(ctx, nil)
	if err != nil {
		return nil, nil, nil, err
	}
	plugins, err := r.loadPluginConfigs(ctx, nil)
	if err != nil {
		return nil, nil, nil, err
	}

	log.Debug().
		Str("component", "repository").
		Int("proxies", len(proxies)).
		Int("consumers", len(consumers)).
		Int("plugin_configs", len(plugins)).
		Msg("loaded full configuration")

	return proxies, consumers, plugins, nil
}

// LoadDelta loads rows updated since `since` plus ids deleted since
// `since`, for incremental polling (§4.E delta load).
func (r *Repository) LoadDelta(ctx context.Context, since time.Time) (
	upsertProxies []*config.Proxy, removeProxyIDs []string,
	upsertConsumers []*config.Consumer, removeConsumerIDs []string,
	upsertPluginConfigs []*config.PluginConfig, removePluginConfigIDs []string,
	err error,
) {
	upsertProxies, err = r.loadProxies(ctx, &since)
	if err != nil {
		return nil, nil, nil, nil, nil, nil, err
	}
	upsertConsumers, err = r.loadConsumers(ctx, &since)
	if err != nil {
		return nil, nil, nil, nil, nil, nil, err
	}
	upsertPluginConfigs, err = r.loadPluginConfigs(ctx, &since)
	if err != nil {
		return nil, nil, nil, nil, nil, nil, err
	}

	removeProxyIDs, err = r.loadDeletions(ctx, "proxy_deletions", since)
	if err != nil {
		return nil, nil, nil, nil, nil, nil, err
	}
	removeConsumerIDs, err = r.loadDeletions(ctx, "consumer_deletions", since)
	if err != nil {
		return nil, nil, nil, nil, nil, nil, err
	}
	removePluginConfigIDs, err = r.loadDeletions(ctx, "plugin_config_deletions", since)
	if err != nil {
		return nil, nil, nil, nil, nil, nil, err
	}

	return upsertProxies, removeProxyIDs, upsertConsumers, removeConsumerIDs, upsertPluginConfigs, removePluginConfigIDs, nil
}

func nullStringPtr(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	return &ns.String
}

func (r *Repository) queryRows(ctx context.Context, baseQuery string, since *time.Time) (*sql.Rows, error) {
	if since == nil {
		return r.db.pool.QueryContext(ctx, baseQuery)
	}
	return r.db.pool.QueryContext(ctx, baseQuery+" WHERE updated_at > $1", *since)
}

func (r *Repository) loadProxies(ctx context.Context, since *time.Time) ([]*config.Proxy, error) {
	const query = `
		SELECT id, listen_path, backend_protocol, backend_host, backend_port, backend_path,
		       strip_listen_path, preserve_host_header,
		       backend_connect_timeout_ms, backend_read_timeout_ms, backend_write_timeout_ms,
		       backend_tls_client_cert_path, backend_tls_client_key_path,
		       backend_tls_verify_server_cert, backend_tls_server_ca_cert_path,
		       dns_override, dns_cache_ttl_seconds, auth_mode, created_at, updated_at
		FROM proxies
	`
	rows, err := r.queryRows(ctx, query, since)
	if err != nil {
		return nil, fmt.Errorf("failed to query proxies: %w", err)
	}
	defer rows.Close()

	var raw []proxyRow
	for rows.Next() {
		var pr proxyRow
		if err := rows.Scan(
			&pr.ID, &pr.ListenPath, &pr.BackendProtocol, &pr.BackendHost, &pr.BackendPort, &pr.BackendPath,
			&pr.StripListenPath, &pr.PreserveHostHeader,
			&pr.BackendConnectTimeoutMs, &pr.BackendReadTimeoutMs, &pr.BackendWriteTimeoutMs,
			&pr.BackendTLSClientCertPath, &pr.BackendTLSClientKeyPath,
			&pr.BackendTLSVerifyServerCert, &pr.BackendTLSServerCACertPath,
			&pr.DNSOverride, &pr.DNSCacheTTLSeconds, &pr.AuthMode, &pr.CreatedAt, &pr.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan proxy: %w", err)
		}
		raw = append(raw, pr)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating proxies: %w", err)
	}

	ids := make([]string, 0, len(raw))
	for _, pr := range raw {
		ids = append(ids, pr.ID)
	}
	associations, err := r.loadPluginAssociations(ctx, ids)
	if err != nil {
		return nil, err
	}

	out := make([]*config.Proxy, 0, len(raw))
	for _, pr := range raw {
		var dnsTTL *int
		if pr.DNSCacheTTLSeconds.Valid {
			v := int(pr.DNSCacheTTLSeconds.Int64)
			dnsTTL = &v
		}
		p, err := config.NewProxy(config.Proxy{
			ID:                         pr.ID,
			ListenPath:                 pr.ListenPath,
			BackendProtocol:            config.BackendProtocol(pr.BackendProtocol),
			BackendHost:                pr.BackendHost,
			BackendPort:                pr.BackendPort,
			BackendPath:                nullStringPtr(pr.BackendPath),
			StripListenPath:            pr.StripListenPath,
			PreserveHostHeader:         pr.PreserveHostHeader,
			BackendConnectTimeoutMs:    pr.BackendConnectTimeoutMs,
			BackendReadTimeoutMs:       pr.BackendReadTimeoutMs,
			BackendWriteTimeoutMs:      pr.BackendWriteTimeoutMs,
			BackendTLSClientCertPath:   nullStringPtr(pr.BackendTLSClientCertPath),
			BackendTLSClientKeyPath:    nullStringPtr(pr.BackendTLSClientKeyPath),
			BackendTLSVerifyServerCert: pr.BackendTLSVerifyServerCert,
			BackendTLSServerCACertPath: nullStringPtr(pr.BackendTLSServerCACertPath),
			DNSOverride:                nullStringPtr(pr.DNSOverride),
			DNSCacheTTLSeconds:         dnsTTL,
			AuthMode:                   config.AuthMode(pr.AuthMode),
			Plugins:                    associations[pr.ID],
			CreatedAt:                  pr.CreatedAt,
			UpdatedAt:                  pr.UpdatedAt,
		})
		if err != nil {
			return nil, fmt.Errorf("invalid proxy row %s: %w", pr.ID, err)
		}
		out = append(out, p)
	}
	return out, nil
}

func (r *Repository) loadPluginAssociations(ctx context.Context, proxyIDs []string) (map[string][]config.PluginAssociation, error) {
	result := make(map[string][]config.PluginAssociation)
	if len(proxyIDs) == 0 {
		return result, nil
	}

	rows, err := r.db.pool.QueryContext(ctx, `
		SELECT proxy_id, plugin_config_id, priority, embedded_config
		FROM proxy_plugin_associations
		ORDER BY proxy_id, priority ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query plugin associations: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var a pluginAssociationRow
		if err := rows.Scan(&a.ProxyID, &a.PluginConfigID, &a.Priority, &a.EmbeddedConfig); err != nil {
			return nil, fmt.Errorf("failed to scan plugin association: %w", err)
		}
		result[a.ProxyID] = append(result[a.ProxyID], config.PluginAssociation{
			PluginConfigID: a.PluginConfigID,
			Priority:       a.Priority,
			EmbeddedConfig: a.EmbeddedConfig,
		})
	}
	return result, rows.Err()
}

func (r *Repository) loadConsumers(ctx context.Context, since *time.Time) ([]*config.Consumer, error) {
	const query = `
		SELECT id, username, custom_id, credentials, metadata, created_at, updated_at
		FROM consumers
	`
	rows, err := r.queryRows(ctx, query, since)
	if err != nil {
		return nil, fmt.Errorf("failed to query consumers: %w", err)
	}
	defer rows.Close()

	var out []*config.Consumer
	for rows.Next() {
		var cr consumerRow
		if err := rows.Scan(&cr.ID, &cr.Username, &cr.CustomID, &cr.Credentials, &cr.Metadata, &cr.CreatedAt, &cr.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan consumer: %w", err)
		}

		var credentials map[string]json.RawMessage
		if len(cr.Credentials) > 0 {
			if err := json.Unmarshal(cr.Credentials, &credentials); err != nil {
				return nil, fmt.Errorf("invalid credentials for consumer %s: %w", cr.ID, err)
			}
		}
		var metadata map[string]interface{}
		if len(cr.Metadata) > 0 {
			if err := json.Unmarshal(cr.Metadata, &metadata); err != nil {
				return nil, fmt.Errorf("invalid metadata for consumer %s: %w", cr.ID, err)
			}
		}

		c, err := config.NewConsumer(config.Consumer{
			ID:          cr.ID,
			Username:    cr.Username,
			CustomID:    nullStringPtr(cr.CustomID),
			Credentials: credentials,
			Metadata:    metadata,
			CreatedAt:   cr.CreatedAt,
			UpdatedAt:   cr.UpdatedAt,
		})
		if err != nil {
			return nil, fmt.Errorf("invalid consumer row %s: %w", cr.ID, err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (r *Repository) loadPluginConfigs(ctx context.Context, since *time.Time) ([]*config.PluginConfig, error) {
	const query = `
		SELECT id, plugin_name, scope, proxy_id, consumer_id, config, enabled, created_at, updated_at
		FROM plugin_configs
	`
	rows, err := r.queryRows(ctx, query, since)
	if err != nil {
		return nil, fmt.Errorf("failed to query plugin configs: %w", err)
	}
	defer rows.Close()

	var out []*config.PluginConfig
	for rows.Next() {
		var pcr pluginConfigRow
		if err := rows.Scan(&pcr.ID, &pcr.PluginName, &pcr.Scope, &pcr.ProxyID, &pcr.ConsumerID, &pcr.Config, &pcr.Enabled, &pcr.CreatedAt, &pcr.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan plugin config: %w", err)
		}

		pc, err := config.NewPluginConfig(config.PluginConfig{
			ID:         pcr.ID,
			PluginName: pcr.PluginName,
			Scope:      config.PluginScope(pcr.Scope),
			ProxyID:    nullStringPtr(pcr.ProxyID),
			ConsumerID: nullStringPtr(pcr.ConsumerID),
			Config:     pcr.Config,
			Enabled:    pcr.Enabled,
			CreatedAt:  pcr.CreatedAt,
			UpdatedAt:  pcr.UpdatedAt,
		})
		if err != nil {
			return nil, fmt.Errorf("invalid plugin config row %s: %w", pcr.ID, err)
		}
		out = append(out, pc)
	}
	return out, rows.Err()
}

func (r *Repository) loadDeletions(ctx context.Context, table string, since time.Time) ([]string, error) {
	query := fmt.Sprintf(`SELECT id FROM %s WHERE deleted_at > $1`, table)
	rows, err := r.db.pool.QueryContext(ctx, query, since)
	if err != nil {
		return nil, fmt.Errorf("failed to query %s: %w", table, err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan %s row: %w", table, err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
