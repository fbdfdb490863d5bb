package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/worksync/worksync/internal/types"
)

const executionColumns = `id, sync_config_id, direction, trigger_source, status,
	started_at, completed_at, items_created, items_updated, items_synced, items_failed,
	conflicts_detected, conflicts_resolved, error_message, logs`

// CreateExecution inserts the running row for an engine run. Counters and
// logs are filled in by CompleteExecution when the run finishes.
func (s *DB) CreateExecution(ctx context.Context, e *types.SyncExecution) error {
	if e.ID == "" {
		e.ID = newID()
	}
	if e.Status == "" {
		e.Status = types.ExecutionRunning
	}
	if e.StartedAt.IsZero() {
		e.StartedAt = nowUTC()
	}
	_, err := s.exec(ctx, `
		INSERT INTO sync_executions (`+executionColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.SyncConfigID, string(e.Direction), string(e.Trigger), string(e.Status),
		e.StartedAt, timeArg(e.CompletedAt), e.ItemsCreated, e.ItemsUpdated, e.ItemsSynced,
		e.ItemsFailed, e.ConflictsDetected, e.ConflictsResolved, e.ErrorMessage, orEmptyJSONArray(e.Logs))
	if err != nil {
		return fmt.Errorf("create execution: %w", err)
	}
	return nil
}

// GetExecution returns one execution row by id.
func (s *DB) GetExecution(ctx context.Context, id string) (*types.SyncExecution, error) {
	var e types.SyncExecution
	err := s.queryRow(ctx, func(row *sql.Row) error {
		return scanExecution(row, &e)
	}, `SELECT `+executionColumns+` FROM sync_executions WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get execution: %w", err)
	}
	return &e, nil
}

// ListExecutions returns a configuration's executions newest first. A limit
// of 0 or less means no limit.
func (s *DB) ListExecutions(ctx context.Context, configID string, limit int) ([]*types.SyncExecution, error) {
	query := `SELECT ` + executionColumns + ` FROM sync_executions
		WHERE sync_config_id = ? ORDER BY started_at DESC, id`
	args := []any{configID}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list executions: %w", err)
	}
	defer rows.Close()

	var out []*types.SyncExecution
	for rows.Next() {
		var e types.SyncExecution
		if err := scanExecution(rows, &e); err != nil {
			return nil, err
		}
		out = append(out, &e)
	}
	return out, rows.Err()
}

// CompleteExecution writes the terminal state of a run in one update:
// status, completion time, counters, error message, and accumulated logs.
func (s *DB) CompleteExecution(ctx context.Context, e *types.SyncExecution) error {
	if e.CompletedAt == nil {
		now := nowUTC()
		e.CompletedAt = &now
	}
	res, err := s.exec(ctx, `
		UPDATE sync_executions
		SET status = ?, completed_at = ?, items_created = ?, items_updated = ?,
			items_synced = ?, items_failed = ?, conflicts_detected = ?, conflicts_resolved = ?,
			error_message = ?, logs = ?
		WHERE id = ?`,
		string(e.Status), timeArg(e.CompletedAt), e.ItemsCreated, e.ItemsUpdated,
		e.ItemsSynced, e.ItemsFailed, e.ConflictsDetected, e.ConflictsResolved,
		e.ErrorMessage, orEmptyJSONArray(e.Logs), e.ID)
	if err != nil {
		return fmt.Errorf("complete execution: %w", err)
	}
	return requireRow(res, "execution", e.ID)
}

// InsertSyncError appends one per-item error row to an execution.
func (s *DB) InsertSyncError(ctx context.Context, e *types.SyncError) error {
	if e.ID == "" {
		e.ID = newID()
	}
	if e.ErrorType == "" {
		e.ErrorType = "sync_failed"
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = nowUTC()
	}
	_, err := s.exec(ctx, `
		INSERT INTO sync_errors (id, execution_id, error_type, work_item_id, message, detail, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.ExecutionID, e.ErrorType, e.WorkItemID, e.Message, e.Detail, e.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert sync error: %w", err)
	}
	return nil
}

// ListSyncErrors returns the error rows of one execution, oldest first.
func (s *DB) ListSyncErrors(ctx context.Context, executionID string) ([]types.SyncError, error) {
	rows, err := s.query(ctx, `
		SELECT id, execution_id, error_type, work_item_id, message, detail, created_at
		FROM sync_errors WHERE execution_id = ? ORDER BY created_at, id`, executionID)
	if err != nil {
		return nil, fmt.Errorf("list sync errors: %w", err)
	}
	defer rows.Close()

	var out []types.SyncError
	for rows.Next() {
		var e types.SyncError
		if err := rows.Scan(&e.ID, &e.ExecutionID, &e.ErrorType, &e.WorkItemID,
			&e.Message, &e.Detail, &e.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func scanExecution(sc scanner, e *types.SyncExecution) error {
	var completed sql.NullTime
	var logs string
	if err := sc.Scan(&e.ID, &e.SyncConfigID, &e.Direction, &e.Trigger, &e.Status,
		&e.StartedAt, &completed, &e.ItemsCreated, &e.ItemsUpdated, &e.ItemsSynced,
		&e.ItemsFailed, &e.ConflictsDetected, &e.ConflictsResolved, &e.ErrorMessage, &logs); err != nil {
		return err
	}
	e.CompletedAt = nullTime(completed)
	if logs != "" && logs != "[]" {
		e.Logs = []byte(logs)
	}
	return nil
}

func orEmptyJSONArray(raw []byte) string {
	if len(raw) == 0 {
		return "[]"
	}
	return string(raw)
}
