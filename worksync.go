// Package worksync provides a minimal public API for embedding the sync
// engine in other Go programs.
//
// Most integrations should drive wsync through its CLI or webhook surface.
// This package exports only the types and constructors needed to open a
// worksync database and run executions programmatically.
package worksync

import (
	"context"

	"github.com/worksync/worksync/internal/engine"
	"github.com/worksync/worksync/internal/registry"
	"github.com/worksync/worksync/internal/store"
	"github.com/worksync/worksync/internal/types"
	"github.com/worksync/worksync/internal/vault"
)

// Core types for working with connectors and sync configurations
type (
	Connector     = types.Connector
	SyncConfig    = types.SyncConfig
	SyncExecution = types.SyncExecution
	SyncConflict  = types.SyncConflict
	WorkItem      = types.WorkItem
)

// Direction constants
const (
	DirectionOneWay        = types.DirectionOneWay
	DirectionBidirectional = types.DirectionBidirectional
)

// Conflict strategy constants
const (
	StrategyLastWriteWins  = types.StrategyLastWriteWins
	StrategySourcePriority = types.StrategySourcePriority
	StrategyTargetPriority = types.StrategyTargetPriority
	StrategyMerge          = types.StrategyMerge
	StrategyManual         = types.StrategyManual
)

// Store provides the persistence interface for embedding orchestration
type Store = store.Store

// Open opens a worksync SQLite database for programmatic access.
func Open(ctx context.Context, dsn string) (Store, error) {
	return store.Open(ctx, dsn)
}

// Engine aliases the sync engine so embedders can run executions directly.
type Engine = engine.Engine

// Options aliases the per-run execution options.
type Options = engine.Options

// NewEngine builds a sync engine for one configuration. The vault secret
// must be the same one the credentials were stored with.
func NewEngine(s Store, cfg *SyncConfig, vaultSecret string) (*Engine, error) {
	v, err := vault.New(vaultSecret)
	if err != nil {
		return nil, err
	}
	reg := registry.New(s, v)
	return engine.New(cfg, engine.Deps{Store: s, Registry: reg}), nil
}
