package store

import (
	"context"
	"testing"
	"time"

	"github.com/worksync/worksync/internal/types"
)

// newTestStore opens a store on a per-test temp file. A temp file is more
// reliable than :memory: once connection pooling is involved.
func newTestStore(t *testing.T) *DB {
	t.Helper()
	s, err := Open(context.Background(), t.TempDir()+"/worksync.db")
	if err != nil {
		t.Fatalf("open test store: %v", err)
	}
	t.Cleanup(func() {
		if err := s.Close(); err != nil {
			t.Errorf("close test store: %v", err)
		}
	})
	return s
}

func seedConnector(t *testing.T, s *DB, name string) *types.Connector {
	t.Helper()
	c := &types.Connector{
		Name:                 name,
		Kind:                 "azure-devops",
		BaseURL:              "https://dev.azure.com/acme",
		Endpoint:             "Platform",
		AuthKind:             types.AuthPAT,
		EncryptedCredentials: "6fa2...stub",
		Active:               true,
	}
	if err := s.CreateConnector(context.Background(), c); err != nil {
		t.Fatalf("seed connector %q: %v", name, err)
	}
	return c
}

func seedConfig(t *testing.T, s *DB, sourceID, targetID string) *types.SyncConfig {
	t.Helper()
	cfg := &types.SyncConfig{
		Name:              "seed-" + sourceID[:8],
		SourceConnectorID: sourceID,
		TargetConnectorID: targetID,
		Active:            true,
		TriggerKind:       types.TriggerManual,
		Direction:         types.DirectionOneWay,
		TrackVersions:     true,
		ConflictStrategy:  types.StrategyLastWriteWins,
		Options:           types.SyncOptions{SyncComments: true, SyncLinks: true},
	}
	if err := s.CreateSyncConfig(context.Background(), cfg); err != nil {
		t.Fatalf("seed sync config: %v", err)
	}
	return cfg
}

// seedPair creates two connectors and a config joining them.
func seedPair(t *testing.T, s *DB) (*types.Connector, *types.Connector, *types.SyncConfig) {
	t.Helper()
	src := seedConnector(t, s, "azure-src")
	tgt := seedConnector(t, s, "sdp-tgt")
	cfg := seedConfig(t, s, src.ID, tgt.ID)
	return src, tgt, cfg
}

// seedDiscovery persists one type with a couple of fields and statuses for
// the connector and returns the saved result with ids filled in.
func seedDiscovery(t *testing.T, s *DB, connectorID, typeName string) *types.DiscoveryResult {
	t.Helper()
	result := &types.DiscoveryResult{
		ConnectorID:  connectorID,
		DiscoveredAt: time.Now().UTC(),
		Types: []types.DiscoveredType{
			{
				Type: types.WorkItemType{Name: typeName, RemoteID: "remote-" + typeName},
				Fields: []types.FieldDef{
					{Name: "Title", ReferenceName: "title", DataType: types.FieldString, Required: true, SuggestionScore: 100},
					{Name: "Description", ReferenceName: "description", DataType: types.FieldHTML, SuggestionScore: 50},
					{Name: "State", ReferenceName: "state", DataType: types.FieldPicklist, SuggestionScore: 70},
				},
				Statuses: []types.StatusDef{
					{Name: "New", Value: "new", Category: types.CategoryProposed, SortOrder: 1},
					{Name: "Active", Value: "active", Category: types.CategoryInProgress, SortOrder: 2},
					{Name: "Closed", Value: "closed", Category: types.CategoryCompleted, SortOrder: 3},
				},
			},
		},
	}
	if err := s.SaveDiscoveredMetadata(context.Background(), result); err != nil {
		t.Fatalf("seed discovery for %q: %v", typeName, err)
	}
	return result
}

func seedSyncedItem(t *testing.T, s *DB, cfg *types.SyncConfig, sourceItemID, targetItemID string) *types.SyncedItem {
	t.Helper()
	item := &types.SyncedItem{
		SyncConfigID:      cfg.ID,
		SourceConnectorID: cfg.SourceConnectorID,
		TargetConnectorID: cfg.TargetConnectorID,
		SourceItemID:      sourceItemID,
		TargetItemID:      targetItemID,
		SourceItemType:    "Bug",
		TargetItemType:    "Incident",
		SyncCount:         1,
	}
	if err := s.CreateSyncedItem(context.Background(), item); err != nil {
		t.Fatalf("seed synced item %s: %v", sourceItemID, err)
	}
	return item
}
