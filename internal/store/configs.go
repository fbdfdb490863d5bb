package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/worksync/worksync/internal/types"
)

const configColumns = `id, name, source_connector_id, target_connector_id, active, trigger_kind, cron_expr, direction, track_versions, conflict_strategy, options, sync_filter, last_sync_at, created_at, updated_at`

// CreateSyncConfig inserts a configuration row, assigning id and timestamps.
func (s *DB) CreateSyncConfig(ctx context.Context, cfg *types.SyncConfig) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	if cfg.ID == "" {
		cfg.ID = newID()
	}
	now := nowUTC()
	cfg.CreatedAt = now
	cfg.UpdatedAt = now

	options, err := json.Marshal(cfg.Options)
	if err != nil {
		return fmt.Errorf("marshal sync options: %w", err)
	}
	_, err = s.exec(ctx, `
		INSERT INTO sync_configs (`+configColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		cfg.ID, cfg.Name, cfg.SourceConnectorID, cfg.TargetConnectorID, cfg.Active,
		string(cfg.TriggerKind), cfg.CronExpr, string(cfg.Direction), cfg.TrackVersions,
		string(cfg.ConflictStrategy), string(options), string(cfg.SyncFilter),
		timeArg(cfg.LastSyncAt), cfg.CreatedAt, cfg.UpdatedAt)
	if isUniqueViolation(err) {
		return fmt.Errorf("sync config %q: %w", cfg.Name, ErrDuplicate)
	}
	return err
}

// GetSyncConfig loads one configuration by id.
func (s *DB) GetSyncConfig(ctx context.Context, id string) (*types.SyncConfig, error) {
	return getSyncConfig(ctx, s, id)
}

func getSyncConfig(ctx context.Context, q querier, id string) (*types.SyncConfig, error) {
	var cfg types.SyncConfig
	err := q.queryRow(ctx, func(row *sql.Row) error {
		return scanSyncConfig(row, &cfg)
	}, `SELECT `+configColumns+` FROM sync_configs WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("sync config %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &cfg, nil
}

// ListSyncConfigs returns all configurations ordered by name.
func (s *DB) ListSyncConfigs(ctx context.Context) ([]*types.SyncConfig, error) {
	return s.listConfigsWhere(ctx, ``)
}

// ListScheduledConfigs returns active configs with a scheduled trigger, the
// set the cron scheduler registers on start.
func (s *DB) ListScheduledConfigs(ctx context.Context) ([]*types.SyncConfig, error) {
	return s.listConfigsWhere(ctx, `WHERE active = 1 AND trigger_kind = 'scheduled'`)
}

func (s *DB) listConfigsWhere(ctx context.Context, where string) ([]*types.SyncConfig, error) {
	rows, err := s.query(ctx, `SELECT `+configColumns+` FROM sync_configs `+where+` ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*types.SyncConfig
	for rows.Next() {
		var cfg types.SyncConfig
		if err := scanSyncConfig(rows, &cfg); err != nil {
			return nil, err
		}
		out = append(out, &cfg)
	}
	return out, rows.Err()
}

// UpdateSyncConfig rewrites all mutable columns of a configuration.
func (s *DB) UpdateSyncConfig(ctx context.Context, cfg *types.SyncConfig) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	cfg.UpdatedAt = nowUTC()

	options, err := json.Marshal(cfg.Options)
	if err != nil {
		return fmt.Errorf("marshal sync options: %w", err)
	}
	res, err := s.exec(ctx, `
		UPDATE sync_configs
		SET name = ?, source_connector_id = ?, target_connector_id = ?, active = ?,
		    trigger_kind = ?, cron_expr = ?, direction = ?, track_versions = ?,
		    conflict_strategy = ?, options = ?, sync_filter = ?, updated_at = ?
		WHERE id = ?`,
		cfg.Name, cfg.SourceConnectorID, cfg.TargetConnectorID, cfg.Active,
		string(cfg.TriggerKind), cfg.CronExpr, string(cfg.Direction), cfg.TrackVersions,
		string(cfg.ConflictStrategy), string(options), string(cfg.SyncFilter),
		cfg.UpdatedAt, cfg.ID)
	if err != nil {
		return err
	}
	return requireRow(res, "sync config", cfg.ID)
}

// DeleteSyncConfig removes a configuration; mappings, synced items,
// executions, conflicts, versions, and webhooks cascade away with it.
func (s *DB) DeleteSyncConfig(ctx context.Context, id string) error {
	res, err := s.exec(ctx, `DELETE FROM sync_configs WHERE id = ?`, id)
	if err != nil {
		return err
	}
	return requireRow(res, "sync config", id)
}

// SetLastSyncAt stamps the configuration after a successful execution.
func (s *DB) SetLastSyncAt(ctx context.Context, configID string, at time.Time) error {
	res, err := s.exec(ctx, `UPDATE sync_configs SET last_sync_at = ? WHERE id = ?`, at.UTC(), configID)
	if err != nil {
		return err
	}
	return requireRow(res, "sync config", configID)
}

func scanSyncConfig(row scanner, cfg *types.SyncConfig) error {
	var trigger, direction, strategy, options, filter string
	var lastSync sql.NullTime
	if err := row.Scan(&cfg.ID, &cfg.Name, &cfg.SourceConnectorID, &cfg.TargetConnectorID,
		&cfg.Active, &trigger, &cfg.CronExpr, &direction, &cfg.TrackVersions,
		&strategy, &options, &filter, &lastSync, &cfg.CreatedAt, &cfg.UpdatedAt); err != nil {
		return err
	}
	cfg.TriggerKind = types.TriggerKind(trigger)
	cfg.Direction = types.ConfigDirection(direction)
	cfg.ConflictStrategy = types.ConflictStrategy(strategy)
	cfg.LastSyncAt = nullTime(lastSync)
	if filter != "" {
		cfg.SyncFilter = json.RawMessage(filter)
	}
	if options != "" && options != "{}" {
		if err := json.Unmarshal([]byte(options), &cfg.Options); err != nil {
			return fmt.Errorf("unmarshal sync options: %w", err)
		}
	}
	return nil
}

// CreateTypeMapping inserts a type mapping after checking both type ids
// belong to the config's respective connectors.
func (s *DB) CreateTypeMapping(ctx context.Context, m *types.TypeMapping) error {
	cfg, err := s.GetSyncConfig(ctx, m.SyncConfigID)
	if err != nil {
		return err
	}
	srcType, err := s.GetWorkItemType(ctx, m.SourceTypeID)
	if err != nil {
		return err
	}
	tgtType, err := s.GetWorkItemType(ctx, m.TargetTypeID)
	if err != nil {
		return err
	}
	if srcType.ConnectorID != cfg.SourceConnectorID {
		return fmt.Errorf("type mapping: source type %q belongs to connector %s, not the config's source", srcType.Name, srcType.ConnectorID)
	}
	if tgtType.ConnectorID != cfg.TargetConnectorID {
		return fmt.Errorf("type mapping: target type %q belongs to connector %s, not the config's target", tgtType.Name, tgtType.ConnectorID)
	}
	return createTypeMapping(ctx, s, m)
}

func createTypeMapping(ctx context.Context, q querier, m *types.TypeMapping) error {
	if m.ID == "" {
		m.ID = newID()
	}
	_, err := q.exec(ctx, `
		INSERT INTO type_mappings (id, sync_config_id, source_type_id, target_type_id, active)
		VALUES (?, ?, ?, ?, ?)`,
		m.ID, m.SyncConfigID, m.SourceTypeID, m.TargetTypeID, m.Active)
	return err
}

// CreateFieldMapping inserts a field mapping.
func (s *DB) CreateFieldMapping(ctx context.Context, m *types.FieldMapping) error {
	return createFieldMapping(ctx, s, m)
}

func createFieldMapping(ctx context.Context, q querier, m *types.FieldMapping) error {
	if err := m.Validate(); err != nil {
		return err
	}
	if m.ID == "" {
		m.ID = newID()
	}
	_, err := q.exec(ctx, `
		INSERT INTO field_mappings (id, type_mapping_id, source_field_id, target_field_id, mapping_kind, constant_value, transformation, reverse_transformation, required)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.ID, m.TypeMappingID, nullIfEmpty(m.SourceFieldID), nullIfEmpty(m.TargetFieldID),
		string(m.Kind), string(m.ConstantValue), string(m.Transformation),
		string(m.ReverseTransformation), m.Required)
	return err
}

// CreateStatusMapping inserts a status mapping.
func (s *DB) CreateStatusMapping(ctx context.Context, m *types.StatusMapping) error {
	return createStatusMapping(ctx, s, m)
}

func createStatusMapping(ctx context.Context, q querier, m *types.StatusMapping) error {
	if m.ID == "" {
		m.ID = newID()
	}
	_, err := q.exec(ctx, `
		INSERT INTO status_mappings (id, type_mapping_id, source_status_id, target_status_id)
		VALUES (?, ?, ?, ?)`,
		m.ID, m.TypeMappingID, m.SourceStatusID, m.TargetStatusID)
	return err
}

// ListTypeMappings returns the type mappings for a config.
func (s *DB) ListTypeMappings(ctx context.Context, configID string) ([]types.TypeMapping, error) {
	rows, err := s.query(ctx, `
		SELECT id, sync_config_id, source_type_id, target_type_id, active
		FROM type_mappings WHERE sync_config_id = ?`, configID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []types.TypeMapping
	for rows.Next() {
		var m types.TypeMapping
		if err := rows.Scan(&m.ID, &m.SyncConfigID, &m.SourceTypeID, &m.TargetTypeID, &m.Active); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// ListFieldMappings returns the field mappings under a type mapping.
func (s *DB) ListFieldMappings(ctx context.Context, typeMappingID string) ([]types.FieldMapping, error) {
	rows, err := s.query(ctx, `
		SELECT id, type_mapping_id, source_field_id, target_field_id, mapping_kind, constant_value, transformation, reverse_transformation, required
		FROM field_mappings WHERE type_mapping_id = ?`, typeMappingID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []types.FieldMapping
	for rows.Next() {
		var m types.FieldMapping
		if err := scanFieldMapping(rows, &m); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func scanFieldMapping(row scanner, m *types.FieldMapping) error {
	var sourceField, targetField sql.NullString
	var kind, constant, transform, reverse string
	if err := row.Scan(&m.ID, &m.TypeMappingID, &sourceField, &targetField,
		&kind, &constant, &transform, &reverse, &m.Required); err != nil {
		return err
	}
	m.SourceFieldID = sourceField.String
	m.TargetFieldID = targetField.String
	m.Kind = types.MappingKind(kind)
	if constant != "" {
		m.ConstantValue = json.RawMessage(constant)
	}
	if transform != "" {
		m.Transformation = json.RawMessage(transform)
	}
	if reverse != "" {
		m.ReverseTransformation = json.RawMessage(reverse)
	}
	return nil
}

// ListStatusMappings returns the status mappings under a type mapping.
func (s *DB) ListStatusMappings(ctx context.Context, typeMappingID string) ([]types.StatusMapping, error) {
	rows, err := s.query(ctx, `
		SELECT id, type_mapping_id, source_status_id, target_status_id
		FROM status_mappings WHERE type_mapping_id = ?`, typeMappingID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []types.StatusMapping
	for rows.Next() {
		var m types.StatusMapping
		if err := rows.Scan(&m.ID, &m.TypeMappingID, &m.SourceStatusID, &m.TargetStatusID); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// DeleteTypeMapping removes a type mapping; its field and status mappings
// cascade away with it.
func (s *DB) DeleteTypeMapping(ctx context.Context, id string) error {
	res, err := s.exec(ctx, `DELETE FROM type_mappings WHERE id = ?`, id)
	if err != nil {
		return err
	}
	return requireRow(res, "type mapping", id)
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}
