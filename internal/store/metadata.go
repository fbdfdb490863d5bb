package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/worksync/worksync/internal/types"
)

// SaveDiscoveredMetadata persists a discovery walk in one transaction.
// Types, fields, and statuses are upserted by their natural keys
// ((connector, type name), (type, reference), (type, status name)) so a
// refresh never changes the row ids existing mappings point at.
func (s *DB) SaveDiscoveredMetadata(ctx context.Context, result *types.DiscoveryResult) error {
	if result == nil || result.ConnectorID == "" {
		return fmt.Errorf("discovery result missing connector id")
	}
	return s.inTx(ctx, func(q txQuerier) error {
		now := nowUTC()
		for i := range result.Types {
			dt := &result.Types[i]
			typeID, err := upsertWorkItemType(ctx, q, result.ConnectorID, &dt.Type, now)
			if err != nil {
				return fmt.Errorf("upsert type %q: %w", dt.Type.Name, err)
			}
			for j := range dt.Fields {
				if err := upsertField(ctx, q, typeID, &dt.Fields[j]); err != nil {
					return fmt.Errorf("upsert field %q: %w", dt.Fields[j].ReferenceName, err)
				}
			}
			for j := range dt.Statuses {
				if err := upsertStatus(ctx, q, typeID, &dt.Statuses[j]); err != nil {
					return fmt.Errorf("upsert status %q: %w", dt.Statuses[j].Name, err)
				}
			}
		}
		return nil
	})
}

func upsertWorkItemType(ctx context.Context, q querier, connectorID string, t *types.WorkItemType, now any) (string, error) {
	var existingID string
	err := q.queryRow(ctx, func(row *sql.Row) error {
		return row.Scan(&existingID)
	}, `SELECT id FROM work_item_types WHERE connector_id = ? AND name = ?`, connectorID, t.Name)

	switch {
	case errors.Is(err, sql.ErrNoRows):
		t.ID = newID()
		t.ConnectorID = connectorID
		_, err = q.exec(ctx, `
			INSERT INTO work_item_types (id, connector_id, name, remote_id, description, updated_at)
			VALUES (?, ?, ?, ?, ?, ?)`,
			t.ID, connectorID, t.Name, t.RemoteID, t.Description, now)
		return t.ID, err
	case err != nil:
		return "", err
	default:
		t.ID = existingID
		t.ConnectorID = connectorID
		_, err = q.exec(ctx, `
			UPDATE work_item_types SET remote_id = ?, description = ?, updated_at = ? WHERE id = ?`,
			t.RemoteID, t.Description, now, existingID)
		return existingID, err
	}
}

func upsertField(ctx context.Context, q querier, typeID string, f *types.FieldDef) error {
	allowed, err := json.Marshal(orEmptySlice(f.AllowedValues))
	if err != nil {
		return err
	}

	var existingID string
	err = q.queryRow(ctx, func(row *sql.Row) error {
		return row.Scan(&existingID)
	}, `SELECT id FROM work_item_fields WHERE type_id = ? AND reference_name = ?`, typeID, f.ReferenceName)

	switch {
	case errors.Is(err, sql.ErrNoRows):
		f.ID = newID()
		f.TypeID = typeID
		_, err = q.exec(ctx, `
			INSERT INTO work_item_fields (id, type_id, name, reference_name, data_type, required, read_only, allowed_values, default_value, suggestion_score)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			f.ID, typeID, f.Name, f.ReferenceName, string(f.DataType),
			f.Required, f.ReadOnly, string(allowed), f.DefaultValue, f.SuggestionScore)
		return err
	case err != nil:
		return err
	default:
		f.ID = existingID
		f.TypeID = typeID
		_, err = q.exec(ctx, `
			UPDATE work_item_fields
			SET name = ?, data_type = ?, required = ?, read_only = ?, allowed_values = ?, default_value = ?, suggestion_score = ?
			WHERE id = ?`,
			f.Name, string(f.DataType), f.Required, f.ReadOnly,
			string(allowed), f.DefaultValue, f.SuggestionScore, existingID)
		return err
	}
}

func upsertStatus(ctx context.Context, q querier, typeID string, st *types.StatusDef) error {
	var existingID string
	err := q.queryRow(ctx, func(row *sql.Row) error {
		return row.Scan(&existingID)
	}, `SELECT id FROM work_item_statuses WHERE type_id = ? AND name = ?`, typeID, st.Name)

	switch {
	case errors.Is(err, sql.ErrNoRows):
		st.ID = newID()
		st.TypeID = typeID
		_, err = q.exec(ctx, `
			INSERT INTO work_item_statuses (id, type_id, name, value, category, sort_order)
			VALUES (?, ?, ?, ?, ?, ?)`,
			st.ID, typeID, st.Name, st.Value, string(st.Category), st.SortOrder)
		return err
	case err != nil:
		return err
	default:
		st.ID = existingID
		st.TypeID = typeID
		_, err = q.exec(ctx, `
			UPDATE work_item_statuses SET value = ?, category = ?, sort_order = ? WHERE id = ?`,
			st.Value, string(st.Category), st.SortOrder, existingID)
		return err
	}
}

// ListWorkItemTypes returns the discovered types for a connector.
func (s *DB) ListWorkItemTypes(ctx context.Context, connectorID string) ([]types.WorkItemType, error) {
	rows, err := s.query(ctx, `
		SELECT id, connector_id, name, remote_id, description, updated_at
		FROM work_item_types WHERE connector_id = ? ORDER BY name`, connectorID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []types.WorkItemType
	for rows.Next() {
		var t types.WorkItemType
		if err := rows.Scan(&t.ID, &t.ConnectorID, &t.Name, &t.RemoteID, &t.Description, &t.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// GetWorkItemType loads one discovered type by id.
func (s *DB) GetWorkItemType(ctx context.Context, typeID string) (*types.WorkItemType, error) {
	var t types.WorkItemType
	err := s.queryRow(ctx, func(row *sql.Row) error {
		return row.Scan(&t.ID, &t.ConnectorID, &t.Name, &t.RemoteID, &t.Description, &t.UpdatedAt)
	}, `SELECT id, connector_id, name, remote_id, description, updated_at FROM work_item_types WHERE id = ?`, typeID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("work item type %s: %w", typeID, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// ListFields returns the discovered fields for a type, highest suggestion
// score first.
func (s *DB) ListFields(ctx context.Context, typeID string) ([]types.FieldDef, error) {
	rows, err := s.query(ctx, `
		SELECT id, type_id, name, reference_name, data_type, required, read_only, allowed_values, default_value, suggestion_score
		FROM work_item_fields WHERE type_id = ?
		ORDER BY suggestion_score DESC, reference_name`, typeID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []types.FieldDef
	for rows.Next() {
		var f types.FieldDef
		var dataType, allowed string
		if err := rows.Scan(&f.ID, &f.TypeID, &f.Name, &f.ReferenceName, &dataType,
			&f.Required, &f.ReadOnly, &allowed, &f.DefaultValue, &f.SuggestionScore); err != nil {
			return nil, err
		}
		f.DataType = types.FieldDataType(dataType)
		if allowed != "" && allowed != "[]" {
			if err := json.Unmarshal([]byte(allowed), &f.AllowedValues); err != nil {
				return nil, fmt.Errorf("unmarshal allowed values: %w", err)
			}
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

// ListStatuses returns the discovered statuses for a type in sort order.
func (s *DB) ListStatuses(ctx context.Context, typeID string) ([]types.StatusDef, error) {
	rows, err := s.query(ctx, `
		SELECT id, type_id, name, value, category, sort_order
		FROM work_item_statuses WHERE type_id = ? ORDER BY sort_order, name`, typeID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []types.StatusDef
	for rows.Next() {
		var st types.StatusDef
		var category string
		if err := rows.Scan(&st.ID, &st.TypeID, &st.Name, &st.Value, &category, &st.SortOrder); err != nil {
			return nil, err
		}
		st.Category = types.StatusCategory(category)
		out = append(out, st)
	}
	return out, rows.Err()
}

func orEmptySlice(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
