package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/worksync/worksync/internal/types"
)

const syncedItemColumns = `id, sync_config_id, source_connector_id, target_connector_id,
	source_item_id, target_item_id, source_item_type, target_item_type,
	first_synced_at, last_synced_at, sync_count, status`

// CreateSyncedItem inserts an identity row linking a source item to its
// target counterpart. Concurrent first syncs of the same pair serialize on
// the (config, source connector, source item) unique index; the loser gets
// ErrDuplicate and should re-read the winner's row.
func (s *DB) CreateSyncedItem(ctx context.Context, item *types.SyncedItem) error {
	if item.ID == "" {
		item.ID = newID()
	}
	if item.Status == "" {
		item.Status = types.ItemSynced
	}
	now := nowUTC()
	if item.FirstSyncedAt.IsZero() {
		item.FirstSyncedAt = now
	}
	if item.LastSyncedAt.IsZero() {
		item.LastSyncedAt = now
	}

	_, err := s.exec(ctx, `
		INSERT INTO synced_items (`+syncedItemColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		item.ID, item.SyncConfigID, item.SourceConnectorID, item.TargetConnectorID,
		item.SourceItemID, item.TargetItemID, item.SourceItemType, item.TargetItemType,
		item.FirstSyncedAt, item.LastSyncedAt, item.SyncCount, string(item.Status))
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("synced item %s/%s: %w", item.SyncConfigID, item.SourceItemID, ErrDuplicate)
		}
		return fmt.Errorf("create synced item: %w", err)
	}
	return nil
}

// GetSyncedItemBySource looks up the identity row for a source item within
// one configuration. Returns ErrNotFound when the item has never synced.
func (s *DB) GetSyncedItemBySource(ctx context.Context, configID, sourceConnectorID, sourceItemID string) (*types.SyncedItem, error) {
	var item types.SyncedItem
	err := s.queryRow(ctx, func(row *sql.Row) error {
		return scanSyncedItem(row, &item)
	}, `SELECT `+syncedItemColumns+` FROM synced_items
		WHERE sync_config_id = ? AND source_connector_id = ? AND source_item_id = ?`,
		configID, sourceConnectorID, sourceItemID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get synced item: %w", err)
	}
	return &item, nil
}

// ListSyncedItems returns every identity row of a configuration, ordered by
// first sync time so the bidirectional pass visits older pairings first.
func (s *DB) ListSyncedItems(ctx context.Context, configID string) ([]*types.SyncedItem, error) {
	rows, err := s.query(ctx, `
		SELECT `+syncedItemColumns+` FROM synced_items
		WHERE sync_config_id = ? ORDER BY first_synced_at, id`, configID)
	if err != nil {
		return nil, fmt.Errorf("list synced items: %w", err)
	}
	defer rows.Close()

	var out []*types.SyncedItem
	for rows.Next() {
		var item types.SyncedItem
		if err := scanSyncedItem(rows, &item); err != nil {
			return nil, err
		}
		out = append(out, &item)
	}
	return out, rows.Err()
}

// TouchSyncedItem records a successful sync: bumps the counter, stamps the
// sync time, and clears any error status.
func (s *DB) TouchSyncedItem(ctx context.Context, id string, at time.Time) error {
	res, err := s.exec(ctx, `
		UPDATE synced_items
		SET sync_count = sync_count + 1, last_synced_at = ?, status = ?
		WHERE id = ?`, at.UTC(), string(types.ItemSynced), id)
	if err != nil {
		return fmt.Errorf("touch synced item: %w", err)
	}
	return requireRow(res, "synced item", id)
}

// SetSyncedItemStatus updates the lifecycle status of an identity row.
func (s *DB) SetSyncedItemStatus(ctx context.Context, id string, status types.ItemSyncStatus) error {
	res, err := s.exec(ctx, `UPDATE synced_items SET status = ? WHERE id = ?`, string(status), id)
	if err != nil {
		return fmt.Errorf("set synced item status: %w", err)
	}
	return requireRow(res, "synced item", id)
}

// DeleteSyncedItem removes an identity row; comments and links cascade.
func (s *DB) DeleteSyncedItem(ctx context.Context, id string) error {
	res, err := s.exec(ctx, `DELETE FROM synced_items WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete synced item: %w", err)
	}
	return requireRow(res, "synced item", id)
}

func scanSyncedItem(sc scanner, item *types.SyncedItem) error {
	return sc.Scan(&item.ID, &item.SyncConfigID, &item.SourceConnectorID, &item.TargetConnectorID,
		&item.SourceItemID, &item.TargetItemID, &item.SourceItemType, &item.TargetItemType,
		&item.FirstSyncedAt, &item.LastSyncedAt, &item.SyncCount, &item.Status)
}

// CreateSyncedComment records one mirrored comment. The (item, source
// comment) unique index makes the comment diff idempotent across runs.
func (s *DB) CreateSyncedComment(ctx context.Context, c *types.SyncedComment) error {
	if c.ID == "" {
		c.ID = newID()
	}
	if c.Status == "" {
		c.Status = types.ItemSynced
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = nowUTC()
	}
	_, err := s.exec(ctx, `
		INSERT INTO synced_comments (id, synced_item_id, source_comment_id, target_comment_id, status, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		c.ID, c.SyncedItemID, c.SourceCommentID, c.TargetCommentID, string(c.Status), c.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("synced comment %s: %w", c.SourceCommentID, ErrDuplicate)
		}
		return fmt.Errorf("create synced comment: %w", err)
	}
	return nil
}

// ListSyncedComments returns the mirrored comments of one synced item.
func (s *DB) ListSyncedComments(ctx context.Context, syncedItemID string) ([]types.SyncedComment, error) {
	rows, err := s.query(ctx, `
		SELECT id, synced_item_id, source_comment_id, target_comment_id, status, created_at
		FROM synced_comments WHERE synced_item_id = ? ORDER BY created_at, id`, syncedItemID)
	if err != nil {
		return nil, fmt.Errorf("list synced comments: %w", err)
	}
	defer rows.Close()

	var out []types.SyncedComment
	for rows.Next() {
		var c types.SyncedComment
		if err := rows.Scan(&c.ID, &c.SyncedItemID, &c.SourceCommentID, &c.TargetCommentID, &c.Status, &c.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// CreateSyncedLink records one mirrored relation. Links to items that have
// no identity row yet are stored with status pending and an empty target id.
func (s *DB) CreateSyncedLink(ctx context.Context, l *types.SyncedLink) error {
	if l.ID == "" {
		l.ID = newID()
	}
	if l.Status == "" {
		l.Status = types.ItemPending
	}
	now := nowUTC()
	if l.CreatedAt.IsZero() {
		l.CreatedAt = now
	}
	if l.UpdatedAt.IsZero() {
		l.UpdatedAt = now
	}
	_, err := s.exec(ctx, `
		INSERT INTO synced_links (id, synced_item_id, source_linked_item_id, target_linked_item_id,
			relation_type, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		l.ID, l.SyncedItemID, l.SourceLinkedItemID, l.TargetLinkedItemID,
		l.RelationType, string(l.Status), l.CreatedAt, l.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("synced link %s -> %s: %w", l.SyncedItemID, l.SourceLinkedItemID, ErrDuplicate)
		}
		return fmt.Errorf("create synced link: %w", err)
	}
	return nil
}

// ListSyncedLinks returns the mirrored relations of one synced item.
func (s *DB) ListSyncedLinks(ctx context.Context, syncedItemID string) ([]types.SyncedLink, error) {
	return s.listLinks(ctx, `
		SELECT id, synced_item_id, source_linked_item_id, target_linked_item_id,
			relation_type, status, created_at, updated_at
		FROM synced_links WHERE synced_item_id = ? ORDER BY created_at, id`, syncedItemID)
}

// ListPendingLinks returns every pending link of a configuration. The link
// promotion pass retries these at the end of each execution, once the items
// they point at may have gained identity rows.
func (s *DB) ListPendingLinks(ctx context.Context, configID string) ([]types.SyncedLink, error) {
	return s.listLinks(ctx, `
		SELECT sl.id, sl.synced_item_id, sl.source_linked_item_id, sl.target_linked_item_id,
			sl.relation_type, sl.status, sl.created_at, sl.updated_at
		FROM synced_links sl
		JOIN synced_items si ON si.id = sl.synced_item_id
		WHERE si.sync_config_id = ? AND sl.status = ?
		ORDER BY sl.created_at, sl.id`, configID, string(types.ItemPending))
}

func (s *DB) listLinks(ctx context.Context, query string, args ...any) ([]types.SyncedLink, error) {
	rows, err := s.query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list synced links: %w", err)
	}
	defer rows.Close()

	var out []types.SyncedLink
	for rows.Next() {
		var l types.SyncedLink
		if err := rows.Scan(&l.ID, &l.SyncedItemID, &l.SourceLinkedItemID, &l.TargetLinkedItemID,
			&l.RelationType, &l.Status, &l.CreatedAt, &l.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

// PromoteSyncedLink fills in the target item id of a pending link and marks
// it synced.
func (s *DB) PromoteSyncedLink(ctx context.Context, id, targetLinkedItemID string) error {
	res, err := s.exec(ctx, `
		UPDATE synced_links
		SET target_linked_item_id = ?, status = ?, updated_at = ?
		WHERE id = ?`, targetLinkedItemID, string(types.ItemSynced), nowUTC(), id)
	if err != nil {
		return fmt.Errorf("promote synced link: %w", err)
	}
	return requireRow(res, "synced link", id)
}
