package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/worksync/worksync/internal/types"
)

const webhookColumns = `id, name, sync_config_id, connector_id, token, secret,
	active, event_types, trigger_count, last_triggered_at, created_at, updated_at`

// CreateWebhook inserts an inbound trigger endpoint. Token and secret must
// already be generated; the token is unique across all webhooks.
func (s *DB) CreateWebhook(ctx context.Context, w *types.Webhook) error {
	if err := w.Validate(); err != nil {
		return err
	}
	if w.Token == "" {
		return fmt.Errorf("webhook %q: token is required", w.Name)
	}
	if w.ID == "" {
		w.ID = newID()
	}
	now := nowUTC()
	if w.CreatedAt.IsZero() {
		w.CreatedAt = now
	}
	w.UpdatedAt = now

	events, err := json.Marshal(orEmptySlice(w.EventTypes))
	if err != nil {
		return fmt.Errorf("marshal event types: %w", err)
	}
	_, err = s.exec(ctx, `
		INSERT INTO webhooks (`+webhookColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		w.ID, w.Name, w.SyncConfigID, w.ConnectorID, w.Token, w.Secret,
		w.Active, string(events), w.TriggerCount, timeArg(w.LastTriggeredAt), w.CreatedAt, w.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("webhook %q: %w", w.Name, ErrDuplicate)
		}
		return fmt.Errorf("create webhook: %w", err)
	}
	return nil
}

// GetWebhook returns one webhook by id.
func (s *DB) GetWebhook(ctx context.Context, id string) (*types.Webhook, error) {
	return s.getWebhookBy(ctx, "id", id)
}

// GetWebhookByToken resolves the opaque receive-URL token to its webhook.
// Returns ErrNotFound for unknown tokens, which the intake maps to 404.
func (s *DB) GetWebhookByToken(ctx context.Context, token string) (*types.Webhook, error) {
	return s.getWebhookBy(ctx, "token", token)
}

func (s *DB) getWebhookBy(ctx context.Context, column, value string) (*types.Webhook, error) {
	var w types.Webhook
	err := s.queryRow(ctx, func(row *sql.Row) error {
		return scanWebhook(row, &w)
	}, `SELECT `+webhookColumns+` FROM webhooks WHERE `+column+` = ?`, value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get webhook: %w", err)
	}
	return &w, nil
}

// ListWebhooks returns all webhooks ordered by name.
func (s *DB) ListWebhooks(ctx context.Context) ([]*types.Webhook, error) {
	rows, err := s.query(ctx, `SELECT `+webhookColumns+` FROM webhooks ORDER BY name, id`)
	if err != nil {
		return nil, fmt.Errorf("list webhooks: %w", err)
	}
	defer rows.Close()

	var out []*types.Webhook
	for rows.Next() {
		var w types.Webhook
		if err := scanWebhook(rows, &w); err != nil {
			return nil, err
		}
		out = append(out, &w)
	}
	return out, rows.Err()
}

// UpdateWebhook rewrites the mutable columns. Token, secret, and counters
// are managed elsewhere and stay untouched.
func (s *DB) UpdateWebhook(ctx context.Context, w *types.Webhook) error {
	if err := w.Validate(); err != nil {
		return err
	}
	events, err := json.Marshal(orEmptySlice(w.EventTypes))
	if err != nil {
		return fmt.Errorf("marshal event types: %w", err)
	}
	w.UpdatedAt = nowUTC()
	res, err := s.exec(ctx, `
		UPDATE webhooks
		SET name = ?, sync_config_id = ?, connector_id = ?, active = ?, event_types = ?, updated_at = ?
		WHERE id = ?`,
		w.Name, w.SyncConfigID, w.ConnectorID, w.Active, string(events), w.UpdatedAt, w.ID)
	if err != nil {
		return fmt.Errorf("update webhook: %w", err)
	}
	return requireRow(res, "webhook", w.ID)
}

// DeleteWebhook removes a webhook; its deliveries cascade.
func (s *DB) DeleteWebhook(ctx context.Context, id string) error {
	res, err := s.exec(ctx, `DELETE FROM webhooks WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete webhook: %w", err)
	}
	return requireRow(res, "webhook", id)
}

// RecordDelivery inserts one delivery audit row and, for accepted
// deliveries, bumps the trigger counter in the same transaction so the
// audit trail and the counter never drift.
func (s *DB) RecordDelivery(ctx context.Context, d *types.WebhookDelivery, bumpTrigger bool) error {
	if d.ID == "" {
		d.ID = newID()
	}
	if d.CreatedAt.IsZero() {
		d.CreatedAt = nowUTC()
	}
	return s.inTx(ctx, func(q txQuerier) error {
		_, err := q.exec(ctx, `
			INSERT INTO webhook_deliveries (id, webhook_id, event, payload, headers, signature_valid, status, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			d.ID, d.WebhookID, d.Event, string(d.Payload), orEmptyJSON(d.Headers),
			d.SignatureValid, string(d.Status), d.CreatedAt)
		if err != nil {
			return fmt.Errorf("record delivery: %w", err)
		}
		if !bumpTrigger {
			return nil
		}
		_, err = q.exec(ctx, `
			UPDATE webhooks SET trigger_count = trigger_count + 1, last_triggered_at = ?
			WHERE id = ?`, d.CreatedAt, d.WebhookID)
		if err != nil {
			return fmt.Errorf("bump trigger count: %w", err)
		}
		return nil
	})
}

// ListDeliveries returns a webhook's deliveries newest first. A limit of 0
// or less means no limit.
func (s *DB) ListDeliveries(ctx context.Context, webhookID string, limit int) ([]types.WebhookDelivery, error) {
	query := `SELECT id, webhook_id, event, payload, headers, signature_valid, status, created_at
		FROM webhook_deliveries WHERE webhook_id = ? ORDER BY created_at DESC, id`
	args := []any{webhookID}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list deliveries: %w", err)
	}
	defer rows.Close()

	var out []types.WebhookDelivery
	for rows.Next() {
		var d types.WebhookDelivery
		var payload, headers string
		if err := rows.Scan(&d.ID, &d.WebhookID, &d.Event, &payload, &headers,
			&d.SignatureValid, &d.Status, &d.CreatedAt); err != nil {
			return nil, err
		}
		d.Payload = rawOrNil(payload)
		if headers != "" && headers != "{}" {
			d.Headers = []byte(headers)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func scanWebhook(sc scanner, w *types.Webhook) error {
	var events string
	var lastTriggered sql.NullTime
	if err := sc.Scan(&w.ID, &w.Name, &w.SyncConfigID, &w.ConnectorID, &w.Token, &w.Secret,
		&w.Active, &events, &w.TriggerCount, &lastTriggered, &w.CreatedAt, &w.UpdatedAt); err != nil {
		return err
	}
	if events != "" {
		if err := json.Unmarshal([]byte(events), &w.EventTypes); err != nil {
			return fmt.Errorf("unmarshal event types: %w", err)
		}
	}
	w.LastTriggeredAt = nullTime(lastTriggered)
	return nil
}
