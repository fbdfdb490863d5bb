package store

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/worksync/worksync/internal/types"
)

func seedConflict(t *testing.T, s *DB, cfg *types.SyncConfig, field string) *types.SyncConflict {
	t.Helper()
	c := &types.SyncConflict{
		SyncConfigID:     cfg.ID,
		SourceWorkItemID: "A-1",
		TargetWorkItemID: "B-7",
		WorkItemType:     "Bug",
		Kind:             types.ConflictField,
		FieldName:        field,
		SourceValue:      json.RawMessage(`"Priority 1"`),
		TargetValue:      json.RawMessage(`"Priority 3"`),
		BaseValue:        json.RawMessage(`"Priority 2"`),
	}
	if err := s.SaveConflicts(context.Background(), []*types.SyncConflict{c}); err != nil {
		t.Fatalf("seed conflict: %v", err)
	}
	return c
}

func TestSaveConflictsBulk(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	_, _, cfg := seedPair(t, s)

	batch := []*types.SyncConflict{
		{SyncConfigID: cfg.ID, SourceWorkItemID: "A-1", TargetWorkItemID: "B-7",
			Kind: types.ConflictField, FieldName: "title",
			SourceValue: json.RawMessage(`"a"`), TargetValue: json.RawMessage(`"b"`)},
		{SyncConfigID: cfg.ID, SourceWorkItemID: "A-1", TargetWorkItemID: "B-7",
			Kind: types.ConflictField, FieldName: "priority",
			SourceValue: json.RawMessage(`1`), TargetValue: json.RawMessage(`3`)},
		{SyncConfigID: cfg.ID, SourceWorkItemID: "A-2", TargetWorkItemID: "B-8",
			Kind: types.ConflictDeletion},
	}
	if err := s.SaveConflicts(ctx, batch); err != nil {
		t.Fatalf("SaveConflicts: %v", err)
	}
	for _, c := range batch {
		if c.ID == "" {
			t.Error("conflict id not assigned")
		}
		if c.Status != types.ConflictUnresolved {
			t.Errorf("status = %q, want unresolved", c.Status)
		}
	}

	unresolved, err := s.ListConflicts(ctx, cfg.ID, types.ConflictUnresolved)
	if err != nil {
		t.Fatalf("ListConflicts: %v", err)
	}
	if len(unresolved) != 3 {
		t.Errorf("got %d unresolved, want 3", len(unresolved))
	}
}

func TestSaveConflictsEmptyBatch(t *testing.T) {
	s := newTestStore(t)
	if err := s.SaveConflicts(context.Background(), nil); err != nil {
		t.Fatalf("empty batch: %v", err)
	}
}

func TestConflictRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	_, _, cfg := seedPair(t, s)
	c := seedConflict(t, s, cfg, "priority")

	got, err := s.GetConflict(ctx, c.ID)
	if err != nil {
		t.Fatalf("GetConflict: %v", err)
	}
	if got.Kind != types.ConflictField || got.FieldName != "priority" {
		t.Errorf("got %+v", got)
	}
	if string(got.SourceValue) != `"Priority 1"` || string(got.TargetValue) != `"Priority 3"` {
		t.Errorf("values = %s / %s", got.SourceValue, got.TargetValue)
	}
	if string(got.BaseValue) != `"Priority 2"` {
		t.Errorf("base = %s", got.BaseValue)
	}
	if got.ResolvedAt != nil || got.ResolvedBy != "" {
		t.Errorf("fresh conflict carries resolution fields: %+v", got)
	}

	if _, err := s.GetConflict(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestMarkConflictResolved(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	_, _, cfg := seedPair(t, s)
	c := seedConflict(t, s, cfg, "priority")

	err := s.MarkConflictResolved(ctx, c.ID, types.StrategyLastWriteWins, []byte(`"Priority 1"`), "system")
	if err != nil {
		t.Fatalf("MarkConflictResolved: %v", err)
	}

	got, _ := s.GetConflict(ctx, c.ID)
	if got.Status != types.ConflictResolved {
		t.Errorf("status = %q, want resolved", got.Status)
	}
	if got.ResolutionStrategy != types.StrategyLastWriteWins {
		t.Errorf("strategy = %q", got.ResolutionStrategy)
	}
	if string(got.ResolvedValue) != `"Priority 1"` || got.ResolvedBy != "system" {
		t.Errorf("resolution fields = %s by %q", got.ResolvedValue, got.ResolvedBy)
	}
	if got.ResolvedAt == nil {
		t.Error("resolved_at not stamped")
	}

	unresolved, _ := s.ListConflicts(ctx, cfg.ID, types.ConflictUnresolved)
	if len(unresolved) != 0 {
		t.Errorf("resolved conflict still listed as unresolved")
	}
	resolved, _ := s.ListConflicts(ctx, cfg.ID, types.ConflictResolved)
	if len(resolved) != 1 {
		t.Errorf("got %d resolved, want 1", len(resolved))
	}
}

func TestMarkConflictIgnored(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	_, _, cfg := seedPair(t, s)
	c := seedConflict(t, s, cfg, "state")

	if err := s.MarkConflictIgnored(ctx, c.ID, "pm@acme.com"); err != nil {
		t.Fatalf("MarkConflictIgnored: %v", err)
	}
	got, _ := s.GetConflict(ctx, c.ID)
	if got.Status != types.ConflictIgnored || got.ResolvedBy != "pm@acme.com" {
		t.Errorf("got %+v", got)
	}
}

func TestResolutionAuditTrail(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	_, _, cfg := seedPair(t, s)
	c := seedConflict(t, s, cfg, "priority")

	first := &types.ConflictResolution{
		ConflictID:        c.ID,
		Strategy:          types.StrategyLastWriteWins,
		PreviousValue:     json.RawMessage(`"Priority 3"`),
		ResolvedValue:     json.RawMessage(`"Priority 1"`),
		ResolvedBy:        "system",
		AppliedToTarget:   false,
		ApplicationResult: "update failed: 503 service unavailable",
	}
	if err := s.InsertResolution(ctx, first); err != nil {
		t.Fatalf("InsertResolution: %v", err)
	}
	second := &types.ConflictResolution{
		ConflictID:      c.ID,
		Strategy:        types.StrategyManual,
		ResolvedValue:   json.RawMessage(`"Priority 2"`),
		Rationale:       "agreed in triage",
		ResolvedBy:      "pm@acme.com",
		AppliedToTarget: true,
	}
	if err := s.InsertResolution(ctx, second); err != nil {
		t.Fatalf("InsertResolution second: %v", err)
	}

	trail, err := s.ListResolutions(ctx, c.ID)
	if err != nil {
		t.Fatalf("ListResolutions: %v", err)
	}
	if len(trail) != 2 {
		t.Fatalf("got %d resolutions, want 2", len(trail))
	}
	if trail[0].ApplicationResult == "" || trail[0].AppliedToTarget {
		t.Errorf("failed application not recorded: %+v", trail[0])
	}
	if trail[1].Rationale != "agreed in triage" || !trail[1].AppliedToTarget {
		t.Errorf("manual resolution = %+v", trail[1])
	}
}

func TestListConflictsAllStatuses(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	_, _, cfg := seedPair(t, s)
	a := seedConflict(t, s, cfg, "title")
	seedConflict(t, s, cfg, "priority")

	if err := s.MarkConflictIgnored(ctx, a.ID, "pm"); err != nil {
		t.Fatalf("MarkConflictIgnored: %v", err)
	}

	all, err := s.ListConflicts(ctx, cfg.ID, "")
	if err != nil {
		t.Fatalf("ListConflicts all: %v", err)
	}
	if len(all) != 2 {
		t.Errorf("got %d conflicts, want 2", len(all))
	}
}
