package main

import (
	"context"
	"fmt"
	"log"
	"time"

	"voxelcraft.ai/blockorigin/internal/config"
	"voxelcraft.ai/blockorigin/internal/oracle"
	"voxelcraft.ai/blockorigin/internal/oracleclient"
	"voxelcraft.ai/blockorigin/internal/persistence/auditdb"
)

type oracleBackend struct {
	oracle oracle.Oracle
	// local is set for the sqlite backend. It also receives placements and is
	// served to remote resolvers.
	local *auditdb.SQLiteIndex
	close func() error
}

func openOracleBackend(ctx context.Context, cfg config.Oracle, logger *log.Logger) (*oracleBackend, error) {
	switch cfg.Backend {
	case config.BackendNone:
		return &oracleBackend{oracle: oracle.Disabled{}, close: func() error { return nil }}, nil
	case config.BackendSQLite:
		idx, err := auditdb.OpenSQLite(cfg.SQLitePath)
		if err != nil {
			return nil, err
		}
		return &oracleBackend{oracle: idx, local: idx, close: idx.Close}, nil
	case config.BackendRemote:
		dctx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
		c, err := oracleclient.Dial(dctx, oracleclient.Options{
			URL:            cfg.RemoteURL,
			Name:           "originsrv",
			RedialInterval: time.Duration(envInt("BO_ORACLE_REDIAL_MS", 2000)) * time.Millisecond,
			Logger:         logger,
		})
		if err != nil {
			return nil, err
		}
		return &oracleBackend{oracle: c, close: c.Close}, nil
	default:
		return nil, fmt.Errorf("unsupported oracle backend: %s", cfg.Backend)
	}
}
