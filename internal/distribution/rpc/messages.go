// Package rpc defines the Control-Plane/Data-Plane streaming RPC contract
// (§4.E, §6 wire — control↔data RPC) as plain Go structs carried over
// gRPC with a JSON wire codec instead of generated Protocol Buffers code,
// since this module is built without running the protoc toolchain.
package rpc

import (
	"time"

	"github.com/ferrumgw/ferrum-gateway/internal/config"
)

// UpdateType distinguishes a full resync from an incremental change set,
// per the ConfigUpdate shape in §6.
type UpdateType int32

const (
	UpdateTypeFull UpdateType = iota
	UpdateTypeDelta
)

func (t UpdateType) String() string {
	if t == UpdateTypeDelta {
		return "DELTA"
	}
	return "FULL"
}

// ConfigSnapshot is the full (proxies, consumers, plugin_configs) triple
// at a point in time.
type ConfigSnapshot struct {
	Version       uint64                 `json:"version"`
	UpdatedAt     time.Time              `json:"updated_at"`
	Proxies       []*config.Proxy        `json:"proxies"`
	Consumers     []*config.Consumer     `json:"consumers"`
	PluginConfigs []*config.PluginConfig `json:"plugin_configs"`
}

// ConfigDelta is an additive change set plus deletion ids, mirroring
// configstore.Delta for wire transport.
type ConfigDelta struct {
	Version                uint64                 `json:"version"`
	UpdatedAt              time.Time              `json:"updated_at"`
	UpsertProxies          []*config.Proxy        `json:"upsert_proxies"`
	RemoveProxyIDs         []string               `json:"remove_proxy_ids"`
	UpsertConsumers        []*config.Consumer     `json:"upsert_consumers"`
	RemoveConsumerIDs      []string               `json:"remove_consumer_ids"`
	UpsertPluginConfigs    []*config.PluginConfig `json:"upsert_plugin_configs"`
	RemovePluginConfigIDs  []string               `json:"remove_plugin_config_ids"`
}

// ConfigUpdate is the single message type streamed from CP to DP;
// exactly one of Snapshot or Delta is set, selected by UpdateType.
type ConfigUpdate struct {
	UpdateType UpdateType      `json:"update_type"`
	Version    uint64          `json:"version"`
	UpdatedAt  time.Time       `json:"updated_at"`
	Snapshot   *ConfigSnapshot `json:"snapshot,omitempty"`
	Delta      *ConfigDelta    `json:"delta,omitempty"`
}

// SubscribeRequest opens the update stream. CurrentVersion lets the CP
// skip the initial FULL snapshot when it already matches the CP's
// version; otherwise a FULL snapshot is sent. No catch-up DELTA is sent.
type SubscribeRequest struct {
	NodeID         string `json:"node_id"`
	CurrentVersion uint64 `json:"current_version"`
}

// GetSnapshotRequest asks for an on-demand full snapshot outside the
// subscription stream (used on first connect and after a hard resync).
type GetSnapshotRequest struct {
	NodeID string `json:"node_id"`
}

// HealthReport is a DP node's self-reported liveness, for CP-side
// operator visibility only (§4.E method 3).
type HealthReport struct {
	NodeID          string    `json:"node_id"`
	ObservedVersion uint64    `json:"observed_version"`
	Timestamp       time.Time `json:"timestamp"`
}

// HealthAck acknowledges a HealthReport.
type HealthAck struct {
	Acknowledged bool `json:"acknowledged"`
}
