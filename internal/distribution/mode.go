// Package distribution runs the active Distribution Plane mode (§4.E):
// Database and Control-Plane polling against Postgres, File loading with
// reload-on-signal, and the Control-Plane/Data-Plane streaming RPC pair
// that fans a Control Plane's Config Store out to Data Plane nodes.
package distribution

import (
	"context"
	"fmt"

	"github.com/ferrumgw/ferrum-gateway/internal/config"
	"github.com/ferrumgw/ferrum-gateway/internal/configstore"
	"github.com/ferrumgw/ferrum-gateway/internal/database"
	"github.com/ferrumgw/ferrum-gateway/internal/distribution/controlplane"
	"github.com/ferrumgw/ferrum-gateway/internal/distribution/dataplane"
	"github.com/ferrumgw/ferrum-gateway/internal/health"
)

// Source is whatever is currently feeding the Config Store. Run blocks
// until ctx is cancelled; Checker exposes connectivity for /health.
type Source interface {
	Run(ctx context.Context) error
	Checker() health.SourceChecker
}

// New constructs the Source for cfg.Mode. Database and ControlPlane modes
// both poll Postgres (§4.E); ControlPlane additionally serves the CP gRPC
// API, which the caller starts alongside the Source without waiting for
// its first load to complete (see cmd/gateway).
func New(cfg *config.EnvConfig, store *configstore.Store) (Source, error) {
	switch cfg.Mode {
	case config.ModeDatabase:
		return newDatabaseSource(cfg, store)
	case config.ModeFile:
		return NewFileSource(cfg, store)
	case config.ModeControlPlane:
		return newDatabaseSource(cfg, store)
	case config.ModeDataPlane:
		return dataplane.New(cfg, store), nil
	default:
		return nil, fmt.Errorf("distribution: unknown mode %q", cfg.Mode)
	}
}

func newDatabaseSource(cfg *config.EnvConfig, store *configstore.Store) (Source, error) {
	dbCfg := database.Config{
		DSN:             cfg.DBURL,
		MaxOpenConns:    cfg.DBMaxOpenConns,
		MaxIdleConns:    cfg.DBMaxIdleConns,
		ConnMaxLifetime: cfg.DBConnMaxLifetime,
		ConnectTimeout:  cfg.DBConnectTimeout,
	}
	db, err := database.NewDB(dbCfg)
	if err != nil {
		return nil, fmt.Errorf("distribution: failed to open database: %w", err)
	}
	return NewDatabasePoller(cfg, store, db), nil
}

// NewControlPlaneServer builds the CP gRPC server for ControlPlane mode,
// wired to push events from store to its subscribers. Separate from New
// because the RPC server's lifecycle (listening, accepting) is owned by
// cmd/gateway alongside the proxy and admin listeners, not by the Source
// polling loop.
func NewControlPlaneServer(cfg *config.EnvConfig, store *configstore.Store) (*controlplane.Server, error) {
	if cfg.CPGRPCJWTSecret == "" {
		return nil, fmt.Errorf("distribution: CP_GRPC_JWT_SECRET is required in control-plane mode")
	}
	return controlplane.NewServer(cfg.CPGRPCListenAddr, cfg.CPGRPCJWTSecret, store), nil
}
