package main

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/worksync/worksync/internal/store"
	"github.com/worksync/worksync/internal/types"
)

// withTestStore swaps the package-global store for an isolated one so the
// resolve helpers run against real rows.
func withTestStore(t *testing.T) store.Store {
	t.Helper()
	s, err := store.Open(context.Background(), t.TempDir()+"/wsync.db")
	if err != nil {
		t.Fatalf("open test store: %v", err)
	}
	prev := db
	db = s
	t.Cleanup(func() {
		db = prev
		if err := s.Close(); err != nil {
			t.Errorf("close test store: %v", err)
		}
	})
	return s
}

func seedMappingFixture(t *testing.T, s store.Store) *types.SyncConfig {
	t.Helper()
	ctx := context.Background()

	src := &types.Connector{
		Name: "ado", Kind: "azure-devops", BaseURL: "https://dev.azure.com/acme",
		AuthKind: types.AuthPAT, EncryptedCredentials: "sealed", Active: true,
	}
	tgt := &types.Connector{
		Name: "sdp", Kind: "servicedesk-plus", BaseURL: "https://sdp.acme.com",
		AuthKind: types.AuthAPIKey, EncryptedCredentials: "sealed", Active: true,
	}
	for _, c := range []*types.Connector{src, tgt} {
		if err := s.CreateConnector(ctx, c); err != nil {
			t.Fatalf("seed connector %q: %v", c.Name, err)
		}
	}

	err := s.SaveDiscoveredMetadata(ctx, &types.DiscoveryResult{
		ConnectorID:  src.ID,
		DiscoveredAt: time.Now().UTC(),
		Types: []types.DiscoveredType{{
			Type: types.WorkItemType{Name: "Bug", RemoteID: "Bug"},
			Fields: []types.FieldDef{
				{Name: "Title", ReferenceName: "title", DataType: types.FieldString, Required: true},
				{Name: "Description", ReferenceName: "description", DataType: types.FieldHTML},
				{Name: "Priority", ReferenceName: "priority", DataType: types.FieldInt},
			},
			Statuses: []types.StatusDef{
				{Name: "New", Value: "new", Category: types.CategoryProposed, SortOrder: 1},
				{Name: "Closed", Value: "closed", Category: types.CategoryCompleted, SortOrder: 2},
			},
		}},
	})
	if err != nil {
		t.Fatalf("seed source discovery: %v", err)
	}

	err = s.SaveDiscoveredMetadata(ctx, &types.DiscoveryResult{
		ConnectorID:  tgt.ID,
		DiscoveredAt: time.Now().UTC(),
		Types: []types.DiscoveredType{{
			Type: types.WorkItemType{Name: "Incident", RemoteID: "100"},
			Fields: []types.FieldDef{
				{Name: "Subject", ReferenceName: "title", DataType: types.FieldString, Required: true},
				{Name: "Description", ReferenceName: "long_description", DataType: types.FieldHTML},
				{Name: "Priority", ReferenceName: "priority", DataType: types.FieldPicklist},
				{Name: "Origin", ReferenceName: "udf_origin", DataType: types.FieldString},
			},
			Statuses: []types.StatusDef{
				{Name: "Open", Value: "open", Category: types.CategoryProposed, SortOrder: 1},
				{Name: "Closed", Value: "closed", Category: types.CategoryCompleted, SortOrder: 2},
			},
		}},
	})
	if err != nil {
		t.Fatalf("seed target discovery: %v", err)
	}

	cfg := &types.SyncConfig{
		Name:              "ado-to-sdp",
		SourceConnectorID: src.ID,
		TargetConnectorID: tgt.ID,
		Active:            true,
		TriggerKind:       types.TriggerManual,
		Direction:         types.DirectionOneWay,
		ConflictStrategy:  types.StrategyLastWriteWins,
	}
	if err := s.CreateSyncConfig(ctx, cfg); err != nil {
		t.Fatalf("seed sync config: %v", err)
	}
	return cfg
}

func TestResolveBundle(t *testing.T) {
	s := withTestStore(t)
	cfg := seedMappingFixture(t, s)
	ctx := context.Background()

	bundle := &mappingBundle{Types: []typeBundle{{
		SourceType: "bug", // case-insensitive on purpose
		TargetType: "Incident",
		Fields: []fieldBundle{
			{Source: "title", Target: "title", Kind: "direct", Required: true},
			{Source: "description", Target: "Description"}, // display-name fallback
			{Target: "udf_origin", Value: "azure"},         // kind inferred: constant
			{
				Source: "priority", Target: "priority",
				Transformation: []bundleStep{{Name: "priorityMap", Args: map[string]any{"1": "High"}}},
			},
		},
		Statuses: []statusBundle{
			{Source: "New", Target: "Open"},
			{Source: "closed", Target: "closed"}, // matches on value too
		},
	}}}

	rows, err := resolveBundle(ctx, cfg, bundle)
	if err != nil {
		t.Fatalf("resolveBundle: %v", err)
	}
	if len(rows) != 1 {
		t.Fatalf("expected 1 resolved type, got %d", len(rows))
	}
	row := rows[0]

	if row.typeMapping.SyncConfigID != cfg.ID {
		t.Errorf("type mapping bound to %q, want %q", row.typeMapping.SyncConfigID, cfg.ID)
	}
	if !row.typeMapping.Active {
		t.Error("type mapping should default to active")
	}
	if row.typeMapping.SourceTypeID == "" || row.typeMapping.TargetTypeID == "" {
		t.Error("type ids were not resolved")
	}

	if len(row.fields) != 4 {
		t.Fatalf("expected 4 field mappings, got %d", len(row.fields))
	}
	title := row.fields[0]
	if title.Kind != types.MappingDirect || !title.Required {
		t.Errorf("title mapping: kind=%s required=%t", title.Kind, title.Required)
	}
	if title.SourceFieldID == "" || title.TargetFieldID == "" {
		t.Error("title field ids were not resolved")
	}

	origin := row.fields[2]
	if origin.Kind != types.MappingConstant {
		t.Errorf("constant kind not inferred from value, got %s", origin.Kind)
	}
	if string(origin.ConstantValue) != `"azure"` {
		t.Errorf("constant value = %s, want %q", origin.ConstantValue, `"azure"`)
	}
	if origin.SourceFieldID != "" {
		t.Error("constant mapping should not resolve a source field")
	}

	prio := row.fields[3]
	if prio.Kind != types.MappingTransformation {
		t.Errorf("transformation kind not inferred from steps, got %s", prio.Kind)
	}
	if len(prio.Transformation) == 0 {
		t.Error("transformation spec was not encoded")
	}

	if len(row.statuses) != 2 {
		t.Fatalf("expected 2 status mappings, got %d", len(row.statuses))
	}
	for i, sm := range row.statuses {
		if sm.SourceStatusID == "" || sm.TargetStatusID == "" {
			t.Errorf("status mapping %d was not resolved", i)
		}
	}
}

func TestResolveBundleErrors(t *testing.T) {
	s := withTestStore(t)
	cfg := seedMappingFixture(t, s)
	ctx := context.Background()

	cases := []struct {
		name    string
		bundle  mappingBundle
		wantErr string
	}{
		{
			name: "unknown source type",
			bundle: mappingBundle{Types: []typeBundle{{
				SourceType: "Story", TargetType: "Incident",
				Fields: []fieldBundle{{Source: "title", Target: "title"}},
			}}},
			wantErr: `no discovered source type named "Story"`,
		},
		{
			name: "unknown target field",
			bundle: mappingBundle{Types: []typeBundle{{
				SourceType: "Bug", TargetType: "Incident",
				Fields: []fieldBundle{{Source: "title", Target: "subject_line"}},
			}}},
			wantErr: `has no field "subject_line"`,
		},
		{
			name: "unknown transformation",
			bundle: mappingBundle{Types: []typeBundle{{
				SourceType: "Bug", TargetType: "Incident",
				Fields: []fieldBundle{{
					Source: "title", Target: "title",
					Transformation: []bundleStep{{Name: "sparkles"}},
				}},
			}}},
			wantErr: `unknown transformation "sparkles"`,
		},
		{
			name: "missing source on direct mapping",
			bundle: mappingBundle{Types: []typeBundle{{
				SourceType: "Bug", TargetType: "Incident",
				Fields: []fieldBundle{{Target: "title", Kind: "direct"}},
			}}},
			wantErr: "needs a source field",
		},
		{
			name: "unknown status",
			bundle: mappingBundle{Types: []typeBundle{{
				SourceType: "Bug", TargetType: "Incident",
				Fields:   []fieldBundle{{Source: "title", Target: "title"}},
				Statuses: []statusBundle{{Source: "New", Target: "Pending"}},
			}}},
			wantErr: `has no status "Pending"`,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := resolveBundle(ctx, cfg, &tc.bundle)
			if err == nil {
				t.Fatal("expected an error")
			}
			if !strings.Contains(err.Error(), tc.wantErr) {
				t.Errorf("error = %q, want it to mention %q", err, tc.wantErr)
			}
		})
	}
}

func TestResolveBundleNeedsDiscovery(t *testing.T) {
	s := withTestStore(t)
	ctx := context.Background()

	// A config whose connectors were never discovered.
	src := &types.Connector{Name: "bare-src", Kind: "fake", BaseURL: "https://a.example.com",
		AuthKind: types.AuthPAT, EncryptedCredentials: "sealed", Active: true}
	tgt := &types.Connector{Name: "bare-tgt", Kind: "fake", BaseURL: "https://b.example.com",
		AuthKind: types.AuthPAT, EncryptedCredentials: "sealed", Active: true}
	for _, c := range []*types.Connector{src, tgt} {
		if err := s.CreateConnector(ctx, c); err != nil {
			t.Fatalf("create connector: %v", err)
		}
	}
	cfg := &types.SyncConfig{Name: "bare", SourceConnectorID: src.ID, TargetConnectorID: tgt.ID,
		Active: true, TriggerKind: types.TriggerManual, Direction: types.DirectionOneWay,
		ConflictStrategy: types.StrategyLastWriteWins}
	if err := s.CreateSyncConfig(ctx, cfg); err != nil {
		t.Fatalf("create config: %v", err)
	}

	bundle := &mappingBundle{Types: []typeBundle{{
		SourceType: "Bug", TargetType: "Incident",
		Fields: []fieldBundle{{Source: "title", Target: "title"}},
	}}}
	_, err := resolveBundle(ctx, cfg, bundle)
	if err == nil || !strings.Contains(err.Error(), "no discovered metadata") {
		t.Fatalf("expected discovery hint, got %v", err)
	}
}

func TestNormalizeValue(t *testing.T) {
	nested := map[string]any{
		"outer": map[any]any{
			1:      "one",
			"deep": []any{map[any]any{true: "yes"}},
		},
	}
	got := normalizeArgs(nested)

	outer, ok := got["outer"].(map[string]any)
	if !ok {
		t.Fatalf("outer not normalized: %T", got["outer"])
	}
	if outer["1"] != "one" {
		t.Errorf("int key not stringified: %v", outer["1"])
	}
	list, ok := outer["deep"].([]any)
	if !ok || len(list) != 1 {
		t.Fatalf("deep list not normalized: %v", outer["deep"])
	}
	inner, ok := list[0].(map[string]any)
	if !ok || inner["true"] != "yes" {
		t.Errorf("nested map in list not normalized: %v", list[0])
	}
}

func TestParseKeyValues(t *testing.T) {
	got, err := parseKeyValues([]string{"pat=abc123", "org=acme"}, "credential")
	if err != nil {
		t.Fatalf("parseKeyValues: %v", err)
	}
	if got["pat"] != "abc123" || got["org"] != "acme" {
		t.Errorf("parsed map = %v", got)
	}

	if _, err := parseKeyValues([]string{"no-separator"}, "credential"); err == nil {
		t.Error("expected error for a pair without '='")
	}
	if _, err := parseKeyValues([]string{"=value"}, "metadata"); err == nil {
		t.Error("expected error for an empty key")
	}
	if m, err := parseKeyValues(nil, "metadata"); err != nil || m != nil {
		t.Errorf("empty input: map=%v err=%v", m, err)
	}
}
