package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/worksync/worksync/internal/types"
)

const conflictColumns = `id, sync_config_id, execution_id, source_work_item_id, target_work_item_id,
	work_item_type, conflict_kind, field_name, source_value, target_value, base_value,
	status, resolution_strategy, resolved_value, resolved_by, resolved_at, metadata, detected_at`

// SaveConflicts persists a batch of detected conflicts in one transaction.
// New rows always start unresolved; the resolver flips them later.
func (s *DB) SaveConflicts(ctx context.Context, conflicts []*types.SyncConflict) error {
	if len(conflicts) == 0 {
		return nil
	}
	return s.inTx(ctx, func(q txQuerier) error {
		for _, c := range conflicts {
			if c.ID == "" {
				c.ID = newID()
			}
			c.Status = types.ConflictUnresolved
			if c.DetectedAt.IsZero() {
				c.DetectedAt = nowUTC()
			}
			_, err := q.exec(ctx, `
				INSERT INTO sync_conflicts (`+conflictColumns+`)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
				c.ID, c.SyncConfigID, c.ExecutionID, c.SourceWorkItemID, c.TargetWorkItemID,
				c.WorkItemType, string(c.Kind), c.FieldName,
				string(c.SourceValue), string(c.TargetValue), string(c.BaseValue),
				string(c.Status), string(c.ResolutionStrategy), string(c.ResolvedValue),
				c.ResolvedBy, timeArg(c.ResolvedAt), orEmptyJSON(c.Metadata), c.DetectedAt)
			if err != nil {
				return fmt.Errorf("save conflict %s: %w", c.FieldName, err)
			}
		}
		return nil
	})
}

// GetConflict returns one conflict row by id.
func (s *DB) GetConflict(ctx context.Context, id string) (*types.SyncConflict, error) {
	var c types.SyncConflict
	err := s.queryRow(ctx, func(row *sql.Row) error {
		return scanConflict(row, &c)
	}, `SELECT `+conflictColumns+` FROM sync_conflicts WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get conflict: %w", err)
	}
	return &c, nil
}

// ListConflicts returns a configuration's conflicts newest first, optionally
// filtered by status. An empty status returns all of them.
func (s *DB) ListConflicts(ctx context.Context, configID string, status types.ConflictStatus) ([]*types.SyncConflict, error) {
	query := `SELECT ` + conflictColumns + ` FROM sync_conflicts WHERE sync_config_id = ?`
	args := []any{configID}
	if status != "" {
		query += ` AND status = ?`
		args = append(args, string(status))
	}
	query += ` ORDER BY detected_at DESC, id`

	rows, err := s.query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list conflicts: %w", err)
	}
	defer rows.Close()

	var out []*types.SyncConflict
	for rows.Next() {
		var c types.SyncConflict
		if err := scanConflict(rows, &c); err != nil {
			return nil, err
		}
		out = append(out, &c)
	}
	return out, rows.Err()
}

// MarkConflictResolved flips a conflict to resolved and records how. The
// resolution audit row is inserted separately via InsertResolution.
func (s *DB) MarkConflictResolved(ctx context.Context, id string, strategy types.ConflictStrategy, resolvedValue []byte, resolvedBy string) error {
	res, err := s.exec(ctx, `
		UPDATE sync_conflicts
		SET status = ?, resolution_strategy = ?, resolved_value = ?, resolved_by = ?, resolved_at = ?
		WHERE id = ?`,
		string(types.ConflictResolved), string(strategy), string(resolvedValue), resolvedBy, nowUTC(), id)
	if err != nil {
		return fmt.Errorf("mark conflict resolved: %w", err)
	}
	return requireRow(res, "conflict", id)
}

// MarkConflictIgnored flips a conflict to ignored without resolving it.
func (s *DB) MarkConflictIgnored(ctx context.Context, id, by string) error {
	res, err := s.exec(ctx, `
		UPDATE sync_conflicts
		SET status = ?, resolved_by = ?, resolved_at = ?
		WHERE id = ?`, string(types.ConflictIgnored), by, nowUTC(), id)
	if err != nil {
		return fmt.Errorf("mark conflict ignored: %w", err)
	}
	return requireRow(res, "conflict", id)
}

// InsertResolution appends one resolution audit row. Failed applications are
// recorded here too, with ApplicationResult carrying the error.
func (s *DB) InsertResolution(ctx context.Context, r *types.ConflictResolution) error {
	if r.ID == "" {
		r.ID = newID()
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = nowUTC()
	}
	_, err := s.exec(ctx, `
		INSERT INTO conflict_resolutions (id, conflict_id, strategy, previous_value, resolved_value,
			rationale, resolved_by, applied_to_source, applied_to_target, application_result, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.ConflictID, string(r.Strategy), string(r.PreviousValue), string(r.ResolvedValue),
		r.Rationale, r.ResolvedBy, r.AppliedToSource, r.AppliedToTarget, r.ApplicationResult, r.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert resolution: %w", err)
	}
	return nil
}

// ListResolutions returns the audit trail of one conflict, oldest first.
func (s *DB) ListResolutions(ctx context.Context, conflictID string) ([]types.ConflictResolution, error) {
	rows, err := s.query(ctx, `
		SELECT id, conflict_id, strategy, previous_value, resolved_value,
			rationale, resolved_by, applied_to_source, applied_to_target, application_result, created_at
		FROM conflict_resolutions WHERE conflict_id = ? ORDER BY created_at, id`, conflictID)
	if err != nil {
		return nil, fmt.Errorf("list resolutions: %w", err)
	}
	defer rows.Close()

	var out []types.ConflictResolution
	for rows.Next() {
		var r types.ConflictResolution
		var prev, resolved string
		if err := rows.Scan(&r.ID, &r.ConflictID, &r.Strategy, &prev, &resolved,
			&r.Rationale, &r.ResolvedBy, &r.AppliedToSource, &r.AppliedToTarget,
			&r.ApplicationResult, &r.CreatedAt); err != nil {
			return nil, err
		}
		r.PreviousValue = rawOrNil(prev)
		r.ResolvedValue = rawOrNil(resolved)
		out = append(out, r)
	}
	return out, rows.Err()
}

func scanConflict(sc scanner, c *types.SyncConflict) error {
	var sourceVal, targetVal, baseVal, resolvedVal, metadata string
	var resolvedAt sql.NullTime
	if err := sc.Scan(&c.ID, &c.SyncConfigID, &c.ExecutionID, &c.SourceWorkItemID, &c.TargetWorkItemID,
		&c.WorkItemType, &c.Kind, &c.FieldName, &sourceVal, &targetVal, &baseVal,
		&c.Status, &c.ResolutionStrategy, &resolvedVal, &c.ResolvedBy, &resolvedAt,
		&metadata, &c.DetectedAt); err != nil {
		return err
	}
	c.SourceValue = rawOrNil(sourceVal)
	c.TargetValue = rawOrNil(targetVal)
	c.BaseValue = rawOrNil(baseVal)
	c.ResolvedValue = rawOrNil(resolvedVal)
	if metadata != "" && metadata != "{}" {
		c.Metadata = []byte(metadata)
	}
	c.ResolvedAt = nullTime(resolvedAt)
	return nil
}

func rawOrNil(s string) []byte {
	if s == "" {
		return nil
	}
	return []byte(s)
}

func orEmptyJSON(raw []byte) string {
	if len(raw) == 0 {
		return "{}"
	}
	return string(raw)
}
