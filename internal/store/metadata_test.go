package store

import (
	"context"
	"testing"

	"github.com/worksync/worksync/internal/types"
)

func TestSaveDiscoveredMetadata(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	conn := seedConnector(t, s, "azure")

	result := seedDiscovery(t, s, conn.ID, "Bug")
	typeID := result.Types[0].Type.ID
	if typeID == "" {
		t.Fatal("expected type id to be assigned")
	}

	typesList, err := s.ListWorkItemTypes(ctx, conn.ID)
	if err != nil {
		t.Fatalf("ListWorkItemTypes: %v", err)
	}
	if len(typesList) != 1 || typesList[0].Name != "Bug" {
		t.Fatalf("types = %+v", typesList)
	}

	fields, err := s.ListFields(ctx, typeID)
	if err != nil {
		t.Fatalf("ListFields: %v", err)
	}
	if len(fields) != 3 {
		t.Fatalf("got %d fields, want 3", len(fields))
	}
	// Ordered by suggestion score, highest first.
	if fields[0].ReferenceName != "title" || fields[1].ReferenceName != "state" {
		t.Errorf("field order = %q, %q, %q", fields[0].ReferenceName, fields[1].ReferenceName, fields[2].ReferenceName)
	}

	statuses, err := s.ListStatuses(ctx, typeID)
	if err != nil {
		t.Fatalf("ListStatuses: %v", err)
	}
	if len(statuses) != 3 || statuses[0].Name != "New" || statuses[2].Name != "Closed" {
		t.Errorf("statuses = %+v", statuses)
	}
}

// Re-running discovery must refresh attributes without changing row ids, so
// mappings that reference fields survive a metadata refresh.
func TestDiscoveryRefreshPreservesIDs(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	conn := seedConnector(t, s, "azure")

	first := seedDiscovery(t, s, conn.ID, "Bug")
	firstTypeID := first.Types[0].Type.ID
	firstTitleID := first.Types[0].Fields[0].ID

	refresh := &types.DiscoveryResult{
		ConnectorID: conn.ID,
		Types: []types.DiscoveredType{
			{
				Type: types.WorkItemType{Name: "Bug", RemoteID: "remote-Bug", Description: "defects"},
				Fields: []types.FieldDef{
					{Name: "Title (renamed)", ReferenceName: "title", DataType: types.FieldString, Required: true, SuggestionScore: 100},
					{Name: "Severity", ReferenceName: "severity", DataType: types.FieldPicklist, SuggestionScore: 40},
				},
			},
		},
	}
	if err := s.SaveDiscoveredMetadata(ctx, refresh); err != nil {
		t.Fatalf("refresh discovery: %v", err)
	}

	if got := refresh.Types[0].Type.ID; got != firstTypeID {
		t.Errorf("type id changed on refresh: %s -> %s", firstTypeID, got)
	}
	if got := refresh.Types[0].Fields[0].ID; got != firstTitleID {
		t.Errorf("field id changed on refresh: %s -> %s", firstTitleID, got)
	}

	fields, err := s.ListFields(ctx, firstTypeID)
	if err != nil {
		t.Fatalf("ListFields: %v", err)
	}
	byRef := make(map[string]types.FieldDef, len(fields))
	for _, f := range fields {
		byRef[f.ReferenceName] = f
	}
	if byRef["title"].Name != "Title (renamed)" {
		t.Errorf("title field not updated: %+v", byRef["title"])
	}
	if _, ok := byRef["severity"]; !ok {
		t.Error("new severity field not inserted")
	}

	updated, err := s.GetWorkItemType(ctx, firstTypeID)
	if err != nil {
		t.Fatalf("GetWorkItemType: %v", err)
	}
	if updated.Description != "defects" {
		t.Errorf("type description not refreshed: %q", updated.Description)
	}
}

func TestSaveDiscoveredMetadataRequiresConnector(t *testing.T) {
	s := newTestStore(t)
	if err := s.SaveDiscoveredMetadata(context.Background(), &types.DiscoveryResult{}); err == nil {
		t.Fatal("expected error for missing connector id")
	}
}

func TestFieldAllowedValuesRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	conn := seedConnector(t, s, "sdp")

	result := &types.DiscoveryResult{
		ConnectorID: conn.ID,
		Types: []types.DiscoveredType{
			{
				Type: types.WorkItemType{Name: "Request"},
				Fields: []types.FieldDef{
					{Name: "Priority", ReferenceName: "priority", DataType: types.FieldPicklist,
						AllowedValues: []string{"Low", "Medium", "High"}, SuggestionScore: 60},
				},
			},
		},
	}
	if err := s.SaveDiscoveredMetadata(ctx, result); err != nil {
		t.Fatalf("SaveDiscoveredMetadata: %v", err)
	}

	fields, err := s.ListFields(ctx, result.Types[0].Type.ID)
	if err != nil {
		t.Fatalf("ListFields: %v", err)
	}
	if len(fields) != 1 {
		t.Fatalf("got %d fields, want 1", len(fields))
	}
	got := fields[0].AllowedValues
	if len(got) != 3 || got[0] != "Low" || got[2] != "High" {
		t.Errorf("allowed values = %v", got)
	}
}

func TestMetadataCascadesWithConnector(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	conn := seedConnector(t, s, "azure")
	result := seedDiscovery(t, s, conn.ID, "Bug")

	if err := s.DeleteConnector(ctx, conn.ID); err != nil {
		t.Fatalf("DeleteConnector: %v", err)
	}

	typesList, err := s.ListWorkItemTypes(ctx, conn.ID)
	if err != nil {
		t.Fatalf("ListWorkItemTypes: %v", err)
	}
	if len(typesList) != 0 {
		t.Errorf("types survived connector delete: %+v", typesList)
	}
	fields, err := s.ListFields(ctx, result.Types[0].Type.ID)
	if err != nil {
		t.Fatalf("ListFields: %v", err)
	}
	if len(fields) != 0 {
		t.Errorf("fields survived connector delete: %+v", fields)
	}
}
