package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/worksync/worksync/internal/types"
)

const versionColumns = `id, sync_config_id, connector_id, work_item_id, version,
	revision, changed_date, changed_by, fields_snapshot, hash, execution_id, captured_at`

// InsertVersion appends a snapshot, allocating version = MAX(version)+1 for
// the (config, connector, item) tuple inside the insert transaction. The
// unique index backstops the allocation; a concurrent writer that loses the
// race is retried with a fresh number.
func (s *DB) InsertVersion(ctx context.Context, v *types.WorkItemVersion) error {
	if v.ID == "" {
		v.ID = newID()
	}
	if v.CapturedAt.IsZero() {
		v.CapturedAt = nowUTC()
	}
	if len(v.FieldsSnapshot) == 0 {
		v.FieldsSnapshot = []byte("{}")
	}

	var err error
	for attempt := 0; attempt < 3; attempt++ {
		err = s.insertVersionOnce(ctx, v)
		if err == nil || !errors.Is(err, ErrDuplicate) {
			return err
		}
	}
	return err
}

func (s *DB) insertVersionOnce(ctx context.Context, v *types.WorkItemVersion) error {
	return s.inTx(ctx, func(q txQuerier) error {
		query := `
			SELECT COALESCE(MAX(version), 0) FROM work_item_versions
			WHERE sync_config_id = ? AND connector_id = ? AND work_item_id = ?`
		if s.dialect == DialectMySQL {
			// Gap-locks the index range so concurrent allocators serialize.
			query += " FOR UPDATE"
		}
		var current int
		err := q.queryRow(ctx, func(row *sql.Row) error {
			return row.Scan(&current)
		}, query, v.SyncConfigID, v.ConnectorID, v.WorkItemID)
		if err != nil {
			return fmt.Errorf("allocate version: %w", err)
		}
		v.Version = current + 1

		_, err = q.exec(ctx, `
			INSERT INTO work_item_versions (`+versionColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			v.ID, v.SyncConfigID, v.ConnectorID, v.WorkItemID, v.Version,
			v.Revision, timeArg(v.ChangedDate), v.ChangedBy, string(v.FieldsSnapshot),
			v.Hash, v.ExecutionID, v.CapturedAt)
		if err != nil {
			if isUniqueViolation(err) {
				return fmt.Errorf("version %d of %s: %w", v.Version, v.WorkItemID, ErrDuplicate)
			}
			return fmt.Errorf("insert version: %w", err)
		}
		return nil
	})
}

// LatestVersion returns the newest snapshot of one side of a synced item, or
// ErrNotFound when no snapshot has been captured yet.
func (s *DB) LatestVersion(ctx context.Context, configID, connectorID, workItemID string) (*types.WorkItemVersion, error) {
	var v types.WorkItemVersion
	err := s.queryRow(ctx, func(row *sql.Row) error {
		return scanVersion(row, &v)
	}, `SELECT `+versionColumns+` FROM work_item_versions
		WHERE sync_config_id = ? AND connector_id = ? AND work_item_id = ?
		ORDER BY version DESC LIMIT 1`, configID, connectorID, workItemID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("latest version: %w", err)
	}
	return &v, nil
}

// ListVersions returns snapshots newest first. A limit of 0 or less means
// no limit.
func (s *DB) ListVersions(ctx context.Context, configID, connectorID, workItemID string, limit int) ([]types.WorkItemVersion, error) {
	query := `SELECT ` + versionColumns + ` FROM work_item_versions
		WHERE sync_config_id = ? AND connector_id = ? AND work_item_id = ?
		ORDER BY version DESC`
	args := []any{configID, connectorID, workItemID}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list versions: %w", err)
	}
	defer rows.Close()

	var out []types.WorkItemVersion
	for rows.Next() {
		var v types.WorkItemVersion
		if err := scanVersion(rows, &v); err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

func scanVersion(sc scanner, v *types.WorkItemVersion) error {
	var changed sql.NullTime
	var snapshot string
	if err := sc.Scan(&v.ID, &v.SyncConfigID, &v.ConnectorID, &v.WorkItemID, &v.Version,
		&v.Revision, &changed, &v.ChangedBy, &snapshot, &v.Hash, &v.ExecutionID, &v.CapturedAt); err != nil {
		return err
	}
	v.ChangedDate = nullTime(changed)
	v.FieldsSnapshot = []byte(snapshot)
	return nil
}
