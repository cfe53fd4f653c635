// Package dataplane implements the Data-Plane side of the Distribution
// Plane (§4.E): a gRPC client that connects to a Control Plane, applies
// the initial snapshot and every subsequent update to the local Config
// Store, and reconnects with capped exponential backoff on disconnect.
package dataplane

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog/log"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"

	"github.com/ferrumgw/ferrum-gateway/internal/config"
	"github.com/ferrumgw/ferrum-gateway/internal/configstore"
	"github.com/ferrumgw/ferrum-gateway/internal/distribution/rpc"
	"github.com/ferrumgw/ferrum-gateway/internal/health"
)

// Client connects to a Control Plane's gRPC endpoint and keeps store in
// sync. It satisfies distribution.Source.
type Client struct {
	cpURL     string
	authToken string
	nodeID    string
	minDelay  time.Duration
	maxDelay  time.Duration
	store     *configstore.Store

	lastVersion uint64
	connected   bool
}

// New builds a Client for Data Plane mode from cfg.
func New(cfg *config.EnvConfig, store *configstore.Store) *Client {
	return &Client{
		cpURL:     cfg.DPCPGRPCURL,
		authToken: cfg.DPGRPCAuthToken,
		nodeID:    nodeID(),
		minDelay:  cfg.DPReconnectMinMs,
		maxDelay:  cfg.DPReconnectMaxMs,
		store:     store,
	}
}

func nodeID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		return "data-plane-node"
	}
	return host
}

// Checker exposes Client's connectivity for /health.
func (c *Client) Checker() health.SourceChecker {
	return c
}

// Health reports whether the stream to the Control Plane is currently up.
func (c *Client) Health(_ context.Context) map[string]interface{} {
	if c.connected {
		return map[string]interface{}{"status": "healthy", "cp_url": c.cpURL, "last_version": c.lastVersion}
	}
	return map[string]interface{}{"status": "unhealthy", "error": "not connected to control plane"}
}

// Run connects and reconnects until ctx is cancelled. On disconnect the
// Config Store's last snapshot keeps serving traffic (§4.E resilience
// contract) while Run retries with capoff-v4 exponential backoff.
func (c *Client) Run(ctx context.Context) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = c.minDelay
	bo.MaxInterval = c.maxDelay
	bo.MaxElapsedTime = 0 // retry forever; outage never aborts the process

	for {
		if ctx.Err() != nil {
			return nil
		}

		err := c.connectAndStream(ctx)
		wasConnected := c.connected
		c.connected = false
		if ctx.Err() != nil {
			return nil
		}
		if wasConnected {
			bo.Reset()
		}

		delay := bo.NextBackOff()
		log.Error().Str("component", "dataplane").Err(err).Dur("retry_in", delay).
			Msg("control plane connection lost, reconnecting")

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(delay):
		}
	}
}

func (c *Client) connectAndStream(ctx context.Context) error {
	log.Info().Str("component", "dataplane").Str("cp_url", c.cpURL).Msg("connecting to control plane")

	conn, err := grpc.DialContext(ctx, c.cpURL,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.CallContentSubtype("json")),
	)
	if err != nil {
		return fmt.Errorf("dataplane: failed to dial control plane: %w", err)
	}
	defer conn.Close()

	client := rpc.NewConfigServiceClient(conn)
	authCtx := metadata.AppendToOutgoingContext(ctx, "authorization", "Bearer "+c.authToken)

	snap, err := client.GetConfigSnapshot(authCtx, &rpc.GetSnapshotRequest{NodeID: c.nodeID})
	if err != nil {
		return fmt.Errorf("dataplane: failed to fetch initial snapshot: %w", err)
	}
	if err := c.applySnapshot(snap); err != nil {
		return fmt.Errorf("dataplane: failed to apply initial snapshot: %w", err)
	}
	c.connected = true
	log.Info().Str("component", "dataplane").Uint64("version", snap.Version).
		Int("proxies", len(snap.Proxies)).Msg("initial configuration loaded")

	stream, err := client.SubscribeConfigUpdates(authCtx, &rpc.SubscribeRequest{
		NodeID:         c.nodeID,
		CurrentVersion: c.lastVersion,
	})
	if err != nil {
		return fmt.Errorf("dataplane: failed to subscribe: %w", err)
	}

	for {
		update, err := stream.Recv()
		if err != nil {
			return fmt.Errorf("dataplane: stream error: %w", err)
		}
		if err := c.applyUpdate(update); err != nil {
			log.Error().Str("component", "dataplane").Err(err).Msg("failed to apply configuration update")
			continue
		}
		log.Info().Str("component", "dataplane").Str("type", update.UpdateType.String()).
			Uint64("version", update.Version).Msg("configuration updated")
	}
}

func (c *Client) applySnapshot(snap *rpc.ConfigSnapshot) error {
	if err := c.store.ApplyFull(snap.Proxies, snap.Consumers, snap.PluginConfigs, snap.Version, snap.UpdatedAt); err != nil {
		return err
	}
	c.lastVersion = snap.Version
	return nil
}

func (c *Client) applyUpdate(update *rpc.ConfigUpdate) error {
	switch update.UpdateType {
	case rpc.UpdateTypeFull:
		if update.Snapshot == nil {
			return fmt.Errorf("full update missing snapshot body")
		}
		if err := c.store.ApplyFull(update.Snapshot.Proxies, update.Snapshot.Consumers, update.Snapshot.PluginConfigs, update.Version, update.UpdatedAt); err != nil {
			return err
		}
	case rpc.UpdateTypeDelta:
		if update.Delta == nil {
			return fmt.Errorf("delta update missing delta body")
		}
		d := update.Delta
		if err := c.store.ApplyDelta(configstore.Delta{
			UpsertProxies:         d.UpsertProxies,
			RemoveProxyIDs:        d.RemoveProxyIDs,
			UpsertConsumers:       d.UpsertConsumers,
			RemoveConsumerIDs:     d.RemoveConsumerIDs,
			UpsertPluginConfigs:   d.UpsertPluginConfigs,
			RemovePluginConfigIDs: d.RemovePluginConfigIDs,
			Version:               update.Version,
			UpdatedAt:             update.UpdatedAt,
		}); err != nil {
			return err
		}
	default:
		return fmt.Errorf("unknown update type %d", update.UpdateType)
	}
	c.lastVersion = update.Version
	return nil
}
