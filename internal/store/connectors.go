package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/worksync/worksync/internal/types"
)

const connectorColumns = `id, name, kind, base_url, endpoint, auth_kind, encrypted_credentials, active, metadata, created_at, updated_at`

// CreateConnector inserts a connector row, assigning id and timestamps.
func (s *DB) CreateConnector(ctx context.Context, c *types.Connector) error {
	if err := c.Validate(); err != nil {
		return err
	}
	if c.ID == "" {
		c.ID = newID()
	}
	now := nowUTC()
	c.CreatedAt = now
	c.UpdatedAt = now

	meta, err := json.Marshal(orEmptyMap(c.Metadata))
	if err != nil {
		return fmt.Errorf("marshal connector metadata: %w", err)
	}
	_, err = s.exec(ctx, `
		INSERT INTO connectors (`+connectorColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.ID, c.Name, c.Kind, c.BaseURL, c.Endpoint, string(c.AuthKind),
		c.EncryptedCredentials, c.Active, string(meta), c.CreatedAt, c.UpdatedAt)
	if isUniqueViolation(err) {
		return fmt.Errorf("connector %q: %w", c.Name, ErrDuplicate)
	}
	return err
}

// GetConnector loads one connector by id.
func (s *DB) GetConnector(ctx context.Context, id string) (*types.Connector, error) {
	return getConnectorBy(ctx, s, `id = ?`, id)
}

// GetConnectorByName loads one connector by its unique name.
func (s *DB) GetConnectorByName(ctx context.Context, name string) (*types.Connector, error) {
	return getConnectorBy(ctx, s, `name = ?`, name)
}

func getConnectorBy(ctx context.Context, q querier, where string, arg any) (*types.Connector, error) {
	var c types.Connector
	err := q.queryRow(ctx, func(row *sql.Row) error {
		return scanConnector(row, &c)
	}, `SELECT `+connectorColumns+` FROM connectors WHERE `+where, arg)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("connector %v: %w", arg, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// ListConnectors returns all connectors ordered by name.
func (s *DB) ListConnectors(ctx context.Context) ([]*types.Connector, error) {
	rows, err := s.query(ctx, `SELECT `+connectorColumns+` FROM connectors ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*types.Connector
	for rows.Next() {
		var c types.Connector
		if err := scanConnector(rows, &c); err != nil {
			return nil, err
		}
		out = append(out, &c)
	}
	return out, rows.Err()
}

// UpdateConnector rewrites all mutable columns of an existing connector.
// Credentials are replaced wholesale; callers re-encrypt before updating.
func (s *DB) UpdateConnector(ctx context.Context, c *types.Connector) error {
	if err := c.Validate(); err != nil {
		return err
	}
	c.UpdatedAt = nowUTC()

	meta, err := json.Marshal(orEmptyMap(c.Metadata))
	if err != nil {
		return fmt.Errorf("marshal connector metadata: %w", err)
	}
	res, err := s.exec(ctx, `
		UPDATE connectors
		SET name = ?, kind = ?, base_url = ?, endpoint = ?, auth_kind = ?,
		    encrypted_credentials = ?, active = ?, metadata = ?, updated_at = ?
		WHERE id = ?`,
		c.Name, c.Kind, c.BaseURL, c.Endpoint, string(c.AuthKind),
		c.EncryptedCredentials, c.Active, string(meta), c.UpdatedAt, c.ID)
	if err != nil {
		return err
	}
	return requireRow(res, "connector", c.ID)
}

// DeleteConnector removes a connector; discovered metadata, mappings,
// synced items, and versions cascade away with it.
func (s *DB) DeleteConnector(ctx context.Context, id string) error {
	res, err := s.exec(ctx, `DELETE FROM connectors WHERE id = ?`, id)
	if err != nil {
		return err
	}
	return requireRow(res, "connector", id)
}

// scanner is satisfied by *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanConnector(row scanner, c *types.Connector) error {
	var meta string
	var authKind string
	if err := row.Scan(&c.ID, &c.Name, &c.Kind, &c.BaseURL, &c.Endpoint, &authKind,
		&c.EncryptedCredentials, &c.Active, &meta, &c.CreatedAt, &c.UpdatedAt); err != nil {
		return err
	}
	c.AuthKind = types.AuthKind(authKind)
	if meta != "" && meta != "{}" {
		if err := json.Unmarshal([]byte(meta), &c.Metadata); err != nil {
			return fmt.Errorf("unmarshal connector metadata: %w", err)
		}
	}
	return nil
}

func orEmptyMap(m map[string]string) map[string]string {
	if m == nil {
		return map[string]string{}
	}
	return m
}

// requireRow converts a zero-row update/delete into ErrNotFound.
func requireRow(res sql.Result, entity, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%s %s: %w", entity, id, ErrNotFound)
	}
	return nil
}
