// Package database provides PostgreSQL connectivity and the Repository
// that loads Proxies, Consumers, and PluginConfigs (§6 persistent
// state) for Database-mode and Control-Plane nodes.
//
// This file holds the row-level scan targets that mirror the SQL
// schema; Repository converts each row into the validated
// internal/config domain types via their constructors so a malformed
// row can never reach the Config Store.
package database

import (
	"database/sql"
	"time"
)

// proxyRow mirrors one row of the 'proxies' table.
type proxyRow struct {
	ID                         string
	ListenPath                 string
	BackendProtocol            string
	BackendHost                string
	BackendPort                int
	BackendPath                sql.NullString
	StripListenPath            bool
	PreserveHostHeader         bool
	BackendConnectTimeoutMs    int
	BackendReadTimeoutMs       int
	BackendWriteTimeoutMs      int
	BackendTLSClientCertPath   sql.NullString
	BackendTLSClientKeyPath    sql.NullString
	BackendTLSVerifyServerCert bool
	BackendTLSServerCACertPath sql.NullString
	DNSOverride                sql.NullString
	DNSCacheTTLSeconds         sql.NullInt64
	AuthMode                   string
	CreatedAt                  time.Time
	UpdatedAt                  time.Time
}

// pluginAssociationRow mirrors one row of 'proxy_plugin_associations'.
type pluginAssociationRow struct {
	ProxyID        string
	PluginConfigID string
	Priority       int
	EmbeddedConfig []byte
}

// consumerRow mirrors one row of the 'consumers' table.
type consumerRow struct {
	ID          string
	Username    string
	CustomID    sql.NullString
	Credentials []byte
	Metadata    []byte
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// pluginConfigRow mirrors one row of the 'plugin_configs' table.
type pluginConfigRow struct {
	ID         string
	PluginName string
	Scope      string
	ProxyID    sql.NullString
	ConsumerID sql.NullString
	Config     []byte
	Enabled    bool
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// deletionRow mirrors one row of any of the three *_deletions tables.
type deletionRow struct {
	ID        string
	DeletedAt time.Time
}
