// Package controlplane implements the Control-Plane side of the
// Distribution Plane (§4.E): a gRPC server that authenticates Data Plane
// nodes with an HS256 JWT and streams Config Store events to them.
package controlplane

import (
	"context"
	"fmt"
	"net"
	"strings"
	"sync"

	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog/log"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"github.com/ferrumgw/ferrum-gateway/internal/configstore"
	"github.com/ferrumgw/ferrum-gateway/internal/distribution/rpc"
)

// dpClaims are the claims expected in a Data Plane node's bearer token.
type dpClaims struct {
	jwt.RegisteredClaims
	Role string `json:"role,omitempty"`
}

// Server is the CP gRPC server. It holds no state of its own beyond the
// Config Store it reads from; subscriber bookkeeping lives for the
// lifetime of each SubscribeConfigUpdates call.
type Server struct {
	listenAddr string
	jwtSecret  string
	store      *configstore.Store

	mu        sync.Mutex
	connected map[string]struct{}

	grpcServer *grpc.Server
}

// NewServer builds a Server bound to listenAddr, authenticating against
// jwtSecret, and serving snapshots/deltas from store.
func NewServer(listenAddr, jwtSecret string, store *configstore.Store) *Server {
	return &Server{
		listenAddr: listenAddr,
		jwtSecret:  jwtSecret,
		store:      store,
		connected:  map[string]struct{}{},
	}
}

// Start listens and serves until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	lis, err := net.Listen("tcp", s.listenAddr)
	if err != nil {
		return fmt.Errorf("controlplane: failed to listen on %s: %w", s.listenAddr, err)
	}

	s.grpcServer = grpc.NewServer()
	rpc.RegisterConfigServiceServer(s.grpcServer, s)

	log.Info().Str("component", "controlplane").Str("addr", s.listenAddr).Msg("gRPC server listening")

	errCh := make(chan error, 1)
	go func() { errCh <- s.grpcServer.Serve(lis) }()

	select {
	case <-ctx.Done():
		s.grpcServer.GracefulStop()
		return nil
	case err := <-errCh:
		return fmt.Errorf("controlplane: gRPC server stopped: %w", err)
	}
}

// authenticate validates the "authorization: Bearer <token>" metadata
// entry against jwtSecret, per §4.E method auth and §6 JWT wire contract.
func (s *Server) authenticate(ctx context.Context) error {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return status.Error(codes.Unauthenticated, "missing metadata")
	}
	values := md.Get("authorization")
	if len(values) == 0 {
		return status.Error(codes.Unauthenticated, "missing authorization header")
	}
	token, ok := strings.CutPrefix(values[0], "Bearer ")
	if !ok {
		return status.Error(codes.Unauthenticated, "invalid authorization format")
	}

	claims := &dpClaims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (interface{}, error) {
		return []byte(s.jwtSecret), nil
	}, jwt.WithValidMethods([]string{"HS256"}))
	if err != nil || !parsed.Valid {
		return status.Errorf(codes.Unauthenticated, "invalid token: %v", err)
	}
	if claims.Role != "" && claims.Role != "data_plane" {
		return status.Errorf(codes.Unauthenticated, "invalid role: %s", claims.Role)
	}
	return nil
}

// SubscribeConfigUpdates sends one initial update (skipped entirely when
// the requester's CurrentVersion already matches, since it just fetched
// that version via GetConfigSnapshot), then streams every subsequent
// Config Store event until the client disconnects or a Send fails (§4.E
// method 1). A subscriber that falls behind is not dropped: the Store's
// per-subscriber queue discards its oldest events, and the next update
// is computed from the latest snapshot. An event published by
// ApplyFull is always forwarded as a full resync; an event published by
// ApplyDelta is forwarded as a ConfigDelta computed against the snapshot
// this subscriber was last sent, so a long-lived stream carries only the
// rows that actually changed instead of re-sending the whole
// configuration on every edit.
func (s *Server) SubscribeConfigUpdates(req *rpc.SubscribeRequest, stream rpc.ConfigService_SubscribeConfigUpdatesServer) error {
	if err := s.authenticate(stream.Context()); err != nil {
		return err
	}

	s.markConnected(req.NodeID, true)
	defer s.markConnected(req.NodeID, false)

	lastSent := s.store.GetSnapshot()
	if req.CurrentVersion != lastSent.Version {
		initial := &rpc.ConfigUpdate{
			UpdateType: rpc.UpdateTypeFull,
			Version:    lastSent.Version,
			UpdatedAt:  lastSent.LastUpdatedAt,
			Snapshot:   snapshotToWire(lastSent),
		}
		if err := stream.Send(initial); err != nil {
			return err
		}
	}

	events, cancel := s.store.Subscribe()
	defer cancel()

	log.Info().Str("component", "controlplane").Str("node_id", req.NodeID).
		Uint64("initial_version", lastSent.Version).Msg("data plane node subscribed")

	for {
		select {
		case <-stream.Context().Done():
			return nil
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			latest := s.store.GetSnapshot()

			var update *rpc.ConfigUpdate
			if ev.Type == configstore.DeltaApplied {
				update = &rpc.ConfigUpdate{
					UpdateType: rpc.UpdateTypeDelta,
					Version:    latest.Version,
					UpdatedAt:  latest.LastUpdatedAt,
					Delta:      diffSnapshots(lastSent, latest),
				}
			} else {
				update = &rpc.ConfigUpdate{
					UpdateType: rpc.UpdateTypeFull,
					Version:    latest.Version,
					UpdatedAt:  latest.LastUpdatedAt,
					Snapshot:   snapshotToWire(latest),
				}
			}

			if err := stream.Send(update); err != nil {
				log.Warn().Str("component", "controlplane").Str("node_id", req.NodeID).
					Err(err).Msg("data plane node disconnected, dropping subscriber")
				return err
			}
			lastSent = latest
		}
	}
}

// GetConfigSnapshot returns the current full snapshot on demand (§4.E
// method 2).
func (s *Server) GetConfigSnapshot(ctx context.Context, req *rpc.GetSnapshotRequest) (*rpc.ConfigSnapshot, error) {
	if err := s.authenticate(ctx); err != nil {
		return nil, err
	}
	snap := s.store.GetSnapshot()
	log.Info().Str("component", "controlplane").Str("node_id", req.NodeID).
		Uint64("version", snap.Version).Msg("data plane node requested snapshot")
	return snapshotToWire(snap), nil
}

// ReportHealth records a Data Plane node's self-reported liveness for
// operator visibility only (§4.E method 3); it never feeds back into
// routing decisions.
func (s *Server) ReportHealth(ctx context.Context, req *rpc.HealthReport) (*rpc.HealthAck, error) {
	if err := s.authenticate(ctx); err != nil {
		return nil, err
	}
	log.Debug().Str("component", "controlplane").Str("node_id", req.NodeID).
		Uint64("observed_version", req.ObservedVersion).Msg("data plane health report")
	return &rpc.HealthAck{Acknowledged: true}, nil
}

func (s *Server) markConnected(nodeID string, connected bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if connected {
		s.connected[nodeID] = struct{}{}
	} else {
		delete(s.connected, nodeID)
	}
}

// ConnectedNodes returns the currently subscribed Data Plane node ids.
func (s *Server) ConnectedNodes() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.connected))
	for id := range s.connected {
		out = append(out, id)
	}
	return out
}

// diffSnapshots computes the ConfigDelta that takes a subscriber holding
// prev to latest. Snapshot.clone() carries forward the same *config.Proxy/
// *config.Consumer/*config.PluginConfig pointers for every row a delta
// didn't touch, so a pointer-identity comparison is enough to tell an
// untouched row from an upserted one without a deep comparison.
func diffSnapshots(prev, latest *configstore.Snapshot) *rpc.ConfigDelta {
	d := &rpc.ConfigDelta{
		Version:   latest.Version,
		UpdatedAt: latest.LastUpdatedAt,
	}

	for id, p := range latest.Proxies {
		if prior, ok := prev.Proxies[id]; !ok || prior != p {
			d.UpsertProxies = append(d.UpsertProxies, p)
		}
	}
	for id := range prev.Proxies {
		if _, ok := latest.Proxies[id]; !ok {
			d.RemoveProxyIDs = append(d.RemoveProxyIDs, id)
		}
	}

	for id, c := range latest.Consumers {
		if prior, ok := prev.Consumers[id]; !ok || prior != c {
			d.UpsertConsumers = append(d.UpsertConsumers, c)
		}
	}
	for id := range prev.Consumers {
		if _, ok := latest.Consumers[id]; !ok {
			d.RemoveConsumerIDs = append(d.RemoveConsumerIDs, id)
		}
	}

	for id, pc := range latest.PluginConfigs {
		if prior, ok := prev.PluginConfigs[id]; !ok || prior != pc {
			d.UpsertPluginConfigs = append(d.UpsertPluginConfigs, pc)
		}
	}
	for id := range prev.PluginConfigs {
		if _, ok := latest.PluginConfigs[id]; !ok {
			d.RemovePluginConfigIDs = append(d.RemovePluginConfigIDs, id)
		}
	}

	return d
}

func snapshotToWire(snap *configstore.Snapshot) *rpc.ConfigSnapshot {
	out := &rpc.ConfigSnapshot{
		Version:   snap.Version,
		UpdatedAt: snap.LastUpdatedAt,
	}
	out.Proxies = snap.ProxyList()
	for _, c := range snap.Consumers {
		out.Consumers = append(out.Consumers, c)
	}
	for _, pc := range snap.PluginConfigs {
		out.PluginConfigs = append(out.PluginConfigs, pc)
	}
	return out
}
