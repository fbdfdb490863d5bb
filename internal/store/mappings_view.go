package store

import (
	"context"
	"database/sql"
	"encoding/json"

	"github.com/worksync/worksync/internal/types"
)

// ConfigMappings is the joined view of everything the mapping engine needs
// for one configuration, loaded in three queries and cached by the caller.
type ConfigMappings struct {
	ConfigID string
	Types    []TypeMappingView
}

// TypeMappingView enriches a type mapping with the names the engine matches
// source items against.
type TypeMappingView struct {
	types.TypeMapping
	SourceTypeName string
	TargetTypeName string
	Fields         []FieldMappingView
	Statuses       []StatusMappingView
}

// FieldMappingView enriches a field mapping with field metadata from both
// sides. Source columns are empty for constant mappings.
type FieldMappingView struct {
	types.FieldMapping
	SourceRef      string
	SourceName     string
	SourceDataType types.FieldDataType
	TargetRef      string
	TargetName     string
	TargetDataType types.FieldDataType
	TargetReadOnly bool
}

// StatusMappingView enriches a status mapping with names and values.
type StatusMappingView struct {
	types.StatusMapping
	SourceStatusName  string
	SourceStatusValue string
	TargetStatusName  string
	TargetStatusValue string
}

// TypeFor returns the view matching a source type name, or nil.
func (cm *ConfigMappings) TypeFor(sourceTypeName string) *TypeMappingView {
	for i := range cm.Types {
		if cm.Types[i].Active && cm.Types[i].SourceTypeName == sourceTypeName {
			return &cm.Types[i]
		}
	}
	return nil
}

// SourceTypeNames lists the active source type names, used to synthesize
// default query filters.
func (cm *ConfigMappings) SourceTypeNames() []string {
	var out []string
	for i := range cm.Types {
		if cm.Types[i].Active {
			out = append(out, cm.Types[i].SourceTypeName)
		}
	}
	return out
}

// LoadConfigMappings loads the full mapping graph for a config: type
// mappings with their type names, field mappings with field metadata on
// both sides, and status mappings with status names.
func (s *DB) LoadConfigMappings(ctx context.Context, configID string) (*ConfigMappings, error) {
	cm := &ConfigMappings{ConfigID: configID}

	rows, err := s.query(ctx, `
		SELECT tm.id, tm.sync_config_id, tm.source_type_id, tm.target_type_id, tm.active,
		       st.name, tt.name
		FROM type_mappings tm
		JOIN work_item_types st ON st.id = tm.source_type_id
		JOIN work_item_types tt ON tt.id = tm.target_type_id
		WHERE tm.sync_config_id = ?`, configID)
	if err != nil {
		return nil, err
	}
	byID := make(map[string]int)
	for rows.Next() {
		var v TypeMappingView
		if err := rows.Scan(&v.ID, &v.SyncConfigID, &v.SourceTypeID, &v.TargetTypeID, &v.Active,
			&v.SourceTypeName, &v.TargetTypeName); err != nil {
			rows.Close()
			return nil, err
		}
		byID[v.ID] = len(cm.Types)
		cm.Types = append(cm.Types, v)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(cm.Types) == 0 {
		return cm, nil
	}

	rows, err = s.query(ctx, `
		SELECT fm.id, fm.type_mapping_id, fm.source_field_id, fm.target_field_id,
		       fm.mapping_kind, fm.constant_value, fm.transformation, fm.reverse_transformation, fm.required,
		       COALESCE(sf.reference_name, ''), COALESCE(sf.name, ''), COALESCE(sf.data_type, ''),
		       COALESCE(tf.reference_name, ''), COALESCE(tf.name, ''), COALESCE(tf.data_type, ''),
		       COALESCE(tf.read_only, 0)
		FROM field_mappings fm
		JOIN type_mappings tm ON tm.id = fm.type_mapping_id
		LEFT JOIN work_item_fields sf ON sf.id = fm.source_field_id
		LEFT JOIN work_item_fields tf ON tf.id = fm.target_field_id
		WHERE tm.sync_config_id = ?`, configID)
	if err != nil {
		return nil, err
	}
	for rows.Next() {
		var v FieldMappingView
		var sourceField, targetField sql.NullString
		var kind, constant, transform, reverse, srcType, tgtType string
		if err := rows.Scan(&v.ID, &v.TypeMappingID, &sourceField, &targetField,
			&kind, &constant, &transform, &reverse, &v.Required,
			&v.SourceRef, &v.SourceName, &srcType,
			&v.TargetRef, &v.TargetName, &tgtType, &v.TargetReadOnly); err != nil {
			rows.Close()
			return nil, err
		}
		v.SourceFieldID = sourceField.String
		v.TargetFieldID = targetField.String
		v.Kind = types.MappingKind(kind)
		if constant != "" {
			v.ConstantValue = json.RawMessage(constant)
		}
		if transform != "" {
			v.Transformation = json.RawMessage(transform)
		}
		if reverse != "" {
			v.ReverseTransformation = json.RawMessage(reverse)
		}
		v.SourceDataType = types.FieldDataType(srcType)
		v.TargetDataType = types.FieldDataType(tgtType)
		if idx, ok := byID[v.TypeMappingID]; ok {
			cm.Types[idx].Fields = append(cm.Types[idx].Fields, v)
		}
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	rows, err = s.query(ctx, `
		SELECT sm.id, sm.type_mapping_id, sm.source_status_id, sm.target_status_id,
		       ss.name, ss.value, ts.name, ts.value
		FROM status_mappings sm
		JOIN type_mappings tm ON tm.id = sm.type_mapping_id
		JOIN work_item_statuses ss ON ss.id = sm.source_status_id
		JOIN work_item_statuses ts ON ts.id = sm.target_status_id
		WHERE tm.sync_config_id = ?`, configID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var v StatusMappingView
		if err := rows.Scan(&v.ID, &v.TypeMappingID, &v.SourceStatusID, &v.TargetStatusID,
			&v.SourceStatusName, &v.SourceStatusValue, &v.TargetStatusName, &v.TargetStatusValue); err != nil {
			return nil, err
		}
		if idx, ok := byID[v.TypeMappingID]; ok {
			cm.Types[idx].Statuses = append(cm.Types[idx].Statuses, v)
		}
	}
	return cm, rows.Err()
}
