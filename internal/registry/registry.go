// Package registry instantiates connector drivers from stored configuration
// and caches the live instances. It also drives metadata discovery: walking a
// connector's work item types and persisting fields and statuses with
// mapping-suggestion scores.
package registry

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/worksync/worksync/internal/connector"
	"github.com/worksync/worksync/internal/debug"
	"github.com/worksync/worksync/internal/store"
	"github.com/worksync/worksync/internal/types"
	"github.com/worksync/worksync/internal/vault"
)

// ErrInactive is returned when a sync references a disabled connector.
var ErrInactive = errors.New("connector is inactive")

// Registry builds and caches connector instances keyed by connector id.
// Instances are shared across workers; drivers must tolerate concurrent use
// of their public operations.
type Registry struct {
	store store.Store
	vault *vault.Vault

	mu    sync.Mutex
	cache map[string]connector.Connector
}

// New creates a registry over the given store and credential vault.
func New(st store.Store, v *vault.Vault) *Registry {
	return &Registry{
		store: st,
		vault: v,
		cache: make(map[string]connector.Connector),
	}
}

// Get returns a connected driver for the connector row. The first call per
// id decrypts credentials, builds the driver, and connects; later calls
// reuse the cached instance until ClearCache invalidates it.
func (r *Registry) Get(ctx context.Context, connectorID string) (connector.Connector, error) {
	r.mu.Lock()
	if inst, ok := r.cache[connectorID]; ok {
		r.mu.Unlock()
		return inst, nil
	}
	r.mu.Unlock()

	inst, err := r.build(ctx, connectorID)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	// A concurrent builder may have won; keep the first instance and drop ours.
	if existing, ok := r.cache[connectorID]; ok {
		inst.Close()
		return existing, nil
	}
	r.cache[connectorID] = inst
	return inst, nil
}

func (r *Registry) build(ctx context.Context, connectorID string) (connector.Connector, error) {
	row, err := r.store.GetConnector(ctx, connectorID)
	if err != nil {
		return nil, fmt.Errorf("load connector %s: %w", connectorID, err)
	}
	if !row.Active {
		return nil, fmt.Errorf("connector %q: %w", row.Name, ErrInactive)
	}

	creds, err := r.vault.DecryptCredentials(row.EncryptedCredentials)
	if err != nil {
		return nil, fmt.Errorf("connector %q: %w", row.Name, err)
	}

	inst, err := connector.New(connector.Config{
		ID:          row.ID,
		Name:        row.Name,
		Kind:        row.Kind,
		BaseURL:     row.BaseURL,
		Endpoint:    row.Endpoint,
		AuthKind:    row.AuthKind,
		Credentials: creds,
		Metadata:    row.Metadata,
	})
	if err != nil {
		return nil, err
	}
	if err := inst.Connect(ctx); err != nil {
		inst.Close()
		return nil, fmt.Errorf("connect %q: %w", row.Name, err)
	}
	debug.Logf("registry: built %s connector %q\n", row.Kind, row.Name)
	return inst, nil
}

// ClearCache drops the cached instance for one connector. Call after the
// connector row is updated or deleted.
func (r *Registry) ClearCache(connectorID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if inst, ok := r.cache[connectorID]; ok {
		inst.Close()
		delete(r.cache, connectorID)
	}
}

// Close releases every cached instance.
func (r *Registry) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, inst := range r.cache {
		inst.Close()
		delete(r.cache, id)
	}
}

// Test checks a connector's stored configuration end to end: decryption,
// driver construction, and a cheap authenticated call. Failures come back in
// the result rather than as errors so callers can show them directly.
func (r *Registry) Test(ctx context.Context, connectorID string) (*types.TestResult, error) {
	row, err := r.store.GetConnector(ctx, connectorID)
	if err != nil {
		return nil, fmt.Errorf("load connector %s: %w", connectorID, err)
	}

	creds, err := r.vault.DecryptCredentials(row.EncryptedCredentials)
	if err != nil {
		// No driver call is attempted on decrypt failure; the stored
		// credentials are unusable until re-entered.
		return &types.TestResult{
			Success: false,
			Message: fmt.Sprintf("stored credentials for %q cannot be decrypted; re-enter them to continue", row.Name),
		}, nil
	}

	inst, err := connector.New(connector.Config{
		ID:          row.ID,
		Name:        row.Name,
		Kind:        row.Kind,
		BaseURL:     row.BaseURL,
		Endpoint:    row.Endpoint,
		AuthKind:    row.AuthKind,
		Credentials: creds,
		Metadata:    row.Metadata,
	})
	if err != nil {
		return &types.TestResult{Success: false, Message: err.Error()}, nil
	}
	defer inst.Close()

	if err := inst.Connect(ctx); err != nil {
		return &types.TestResult{Success: false, Message: fmt.Sprintf("connect failed: %v", err)}, nil
	}
	return inst.TestConnection(ctx)
}

// DiscoverMetadata walks the connector's work item types and loads each
// type's fields and statuses concurrently. Nothing is persisted; pass the
// result to SaveDiscoveredMetadata.
func (r *Registry) DiscoverMetadata(ctx context.Context, connectorID string) (*types.DiscoveryResult, error) {
	inst, err := r.Get(ctx, connectorID)
	if err != nil {
		return nil, err
	}

	itemTypes, err := inst.GetWorkItemTypes(ctx)
	if err != nil {
		return nil, fmt.Errorf("discover types: %w", err)
	}

	result := &types.DiscoveryResult{
		ConnectorID: connectorID,
		Types:       make([]types.DiscoveredType, len(itemTypes)),
	}

	g, gctx := errgroup.WithContext(ctx)
	for i := range itemTypes {
		result.Types[i].Type = itemTypes[i]
		result.Types[i].Type.ConnectorID = connectorID

		remoteID := itemTypes[i].RemoteID
		if remoteID == "" {
			remoteID = itemTypes[i].Name
		}
		slot := &result.Types[i]
		g.Go(func() error {
			fields, err := inst.GetFields(gctx, remoteID)
			if err != nil {
				return fmt.Errorf("fields of %q: %w", slot.Type.Name, err)
			}
			slot.Fields = fields
			return nil
		})
		g.Go(func() error {
			statuses, err := inst.GetStatuses(gctx, remoteID)
			if err != nil {
				return fmt.Errorf("statuses of %q: %w", slot.Type.Name, err)
			}
			slot.Statuses = statuses
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	debug.Logf("registry: discovered %d types from connector %s\n", len(result.Types), connectorID)
	return result, nil
}

// SaveDiscoveredMetadata scores every field and persists the whole result in
// one transaction, upserting by the natural keys so repeated discovery
// refreshes rather than duplicates.
func (r *Registry) SaveDiscoveredMetadata(ctx context.Context, result *types.DiscoveryResult) error {
	for i := range result.Types {
		for j := range result.Types[i].Fields {
			f := &result.Types[i].Fields[j]
			f.SuggestionScore = ScoreField(f)
		}
	}
	return r.store.SaveDiscoveredMetadata(ctx, result)
}

// commonRefs are the references users map first; fields carrying them rank
// at the top of mapping suggestions.
var commonRefs = map[string]bool{
	"title":       true,
	"description": true,
	"state":       true,
	"status":      true,
	"priority":    true,
	"type":        true,
}

// ScoreField computes the 0-100 suggestion score used to pre-rank fields in
// mapping editors: +50 for common core references, +30 when required, -40
// when read-only, +20 for simple data types.
func ScoreField(f *types.FieldDef) int {
	score := 0
	if commonRefs[f.ReferenceName] {
		score += 50
	}
	if f.Required {
		score += 30
	}
	if f.ReadOnly {
		score -= 40
	}
	if f.DataType.IsSimple() {
		score += 20
	}
	if score < 0 {
		return 0
	}
	if score > 100 {
		return 100
	}
	return score
}
