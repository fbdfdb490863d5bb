package store

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/worksync/worksync/internal/types"
)

func TestExecutionLifecycle(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	_, _, cfg := seedPair(t, s)

	e := &types.SyncExecution{
		SyncConfigID: cfg.ID,
		Direction:    types.SourceToTarget,
		Trigger:      types.TriggeredManual,
	}
	if err := s.CreateExecution(ctx, e); err != nil {
		t.Fatalf("CreateExecution: %v", err)
	}
	if e.Status != types.ExecutionRunning {
		t.Errorf("initial status = %q, want running", e.Status)
	}
	if e.StartedAt.IsZero() {
		t.Error("started_at not stamped")
	}

	got, err := s.GetExecution(ctx, e.ID)
	if err != nil {
		t.Fatalf("GetExecution: %v", err)
	}
	if got.CompletedAt != nil {
		t.Errorf("running execution has completed_at = %v", got.CompletedAt)
	}

	e.Status = types.ExecutionCompletedWithErrors
	e.ItemsCreated = 2
	e.ItemsUpdated = 5
	e.ItemsSynced = 7
	e.ItemsFailed = 1
	e.ConflictsDetected = 3
	e.ConflictsResolved = 2
	e.Logs = json.RawMessage(`["mapped A-1","create failed for A-9"]`)
	if err := s.CompleteExecution(ctx, e); err != nil {
		t.Fatalf("CompleteExecution: %v", err)
	}

	final, err := s.GetExecution(ctx, e.ID)
	if err != nil {
		t.Fatalf("GetExecution after complete: %v", err)
	}
	if final.Status != types.ExecutionCompletedWithErrors {
		t.Errorf("status = %q", final.Status)
	}
	if final.CompletedAt == nil {
		t.Error("completed_at not stamped")
	}
	if final.ItemsSynced != 7 || final.ItemsFailed != 1 || final.ConflictsDetected != 3 {
		t.Errorf("counters = %+v", final)
	}
	var logs []string
	if err := json.Unmarshal(final.Logs, &logs); err != nil {
		t.Fatalf("unmarshal logs: %v", err)
	}
	if len(logs) != 2 || logs[1] != "create failed for A-9" {
		t.Errorf("logs = %v", logs)
	}
}

func TestGetExecutionNotFound(t *testing.T) {
	s := newTestStore(t)
	if _, err := s.GetExecution(context.Background(), "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestListExecutionsNewestFirstWithLimit(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	_, _, cfg := seedPair(t, s)

	var ids []string
	for i := 0; i < 4; i++ {
		e := &types.SyncExecution{
			SyncConfigID: cfg.ID,
			Direction:    types.SourceToTarget,
			Trigger:      types.TriggeredScheduled,
		}
		// Distinct start times so the ordering assertion is deterministic.
		e.StartedAt = nowUTC().Add(-time.Duration(i) * time.Minute)
		if err := s.CreateExecution(ctx, e); err != nil {
			t.Fatalf("CreateExecution #%d: %v", i, err)
		}
		ids = append(ids, e.ID)
	}

	all, err := s.ListExecutions(ctx, cfg.ID, 0)
	if err != nil {
		t.Fatalf("ListExecutions: %v", err)
	}
	if len(all) != 4 {
		t.Fatalf("got %d executions, want 4", len(all))
	}
	if all[0].ID != ids[0] {
		t.Errorf("newest execution = %s, want %s", all[0].ID, ids[0])
	}

	limited, err := s.ListExecutions(ctx, cfg.ID, 2)
	if err != nil {
		t.Fatalf("ListExecutions limited: %v", err)
	}
	if len(limited) != 2 {
		t.Errorf("got %d executions, want 2", len(limited))
	}
}

func TestSyncErrors(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	_, _, cfg := seedPair(t, s)

	e := &types.SyncExecution{SyncConfigID: cfg.ID, Direction: types.SourceToTarget, Trigger: types.TriggeredAPI}
	if err := s.CreateExecution(ctx, e); err != nil {
		t.Fatalf("CreateExecution: %v", err)
	}

	perItem := &types.SyncError{
		ExecutionID: e.ID,
		WorkItemID:  "A-9",
		Message:     "create work item: 401 unauthorized",
		Detail:      "remote rejected the personal access token",
	}
	if err := s.InsertSyncError(ctx, perItem); err != nil {
		t.Fatalf("InsertSyncError: %v", err)
	}
	if perItem.ErrorType != "sync_failed" {
		t.Errorf("default error type = %q, want sync_failed", perItem.ErrorType)
	}

	engineLevel := &types.SyncError{
		ExecutionID: e.ID,
		ErrorType:   "execution_failed",
		Message:     "load mappings: sync config missing",
	}
	if err := s.InsertSyncError(ctx, engineLevel); err != nil {
		t.Fatalf("InsertSyncError engine: %v", err)
	}

	errs, err := s.ListSyncErrors(ctx, e.ID)
	if err != nil {
		t.Fatalf("ListSyncErrors: %v", err)
	}
	if len(errs) != 2 {
		t.Fatalf("got %d errors, want 2", len(errs))
	}
	if errs[0].WorkItemID != "A-9" || errs[1].ErrorType != "execution_failed" {
		t.Errorf("errors = %+v", errs)
	}
}
