package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/worksync/worksync/internal/mapping"
	"github.com/worksync/worksync/internal/store"
	"github.com/worksync/worksync/internal/types"
)

// directionalPass runs one one-way pass. Source to target queries the source
// connector and creates or updates target items. Target to source walks the
// existing pairs and reverse-maps target fields back onto source items;
// items that exist only on the target are left alone because reverse
// mappings rename fields and cannot produce a full creation payload.
func (e *Engine) directionalPass(ctx context.Context, exec *types.SyncExecution, opts Options, direction types.SyncDirection, result *Result) error {
	if direction == types.TargetToSource {
		return e.reversePass(ctx, exec, opts, result)
	}
	return e.forwardPass(ctx, exec, opts, result)
}

func (e *Engine) forwardPass(ctx context.Context, exec *types.SyncExecution, opts Options, result *Result) error {
	items, err := e.sourceItems(ctx, exec, opts, result)
	if err != nil {
		return err
	}
	e.log("info", "fetched source items", map[string]any{
		"count":     len(items),
		"connector": e.source.Name(),
	})

	for i := range items {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("cancelled after %d of %d items: %w", i, len(items), err)
		}
		result.Total++
		e.syncItem(ctx, exec, opts, &items[i], result)
	}
	return nil
}

// sourceItems resolves the item set for a forward pass: explicit ids, or the
// query filter. Individual id fetch failures are item failures, not
// execution failures.
func (e *Engine) sourceItems(ctx context.Context, exec *types.SyncExecution, opts Options, result *Result) ([]types.WorkItem, error) {
	if len(opts.WorkItemIDs) == 0 {
		return e.queryByFilter(ctx)
	}
	items := make([]types.WorkItem, 0, len(opts.WorkItemIDs))
	for _, id := range opts.WorkItemIDs {
		item, err := e.source.GetWorkItem(ctx, id)
		if err != nil {
			result.Total++
			e.failItem(ctx, exec, result, id, fmt.Errorf("fetch source item: %w", err))
			continue
		}
		items = append(items, *item)
	}
	return items, nil
}

// queryByFilter runs the config's stored filter, or one synthesized from the
// active type mappings so only mapped types flow.
func (e *Engine) queryByFilter(ctx context.Context) ([]types.WorkItem, error) {
	filter := e.config.SyncFilter
	if len(filter) == 0 {
		mappings, err := e.mapper.Mappings(ctx, e.config.ID)
		if err != nil {
			return nil, fmt.Errorf("load mappings: %w", err)
		}
		if names := mappings.SourceTypeNames(); len(names) > 0 {
			filter, _ = json.Marshal(map[string][]string{"types": names})
		}
	}
	items, err := e.source.QueryWorkItems(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("query source items: %w", err)
	}
	return items, nil
}

// syncItem pushes one source item to the target, creating the identity row
// on first contact. Sub-entity failures (comments, links) are recorded but
// do not undo the field sync.
func (e *Engine) syncItem(ctx context.Context, exec *types.SyncExecution, opts Options, item *types.WorkItem, result *Result) {
	identity, err := e.lookupIdentity(ctx, item.ID)
	if err != nil {
		e.failItem(ctx, exec, result, item.ID, err)
		return
	}

	mapped, err := e.mapper.MapWorkItem(ctx, item, e.config.ID, e.mappingContext(item))
	if err != nil {
		e.failItem(ctx, exec, result, item.ID, fmt.Errorf("map fields: %w", err))
		return
	}
	fields := adaptFields(e.target, mapped.Fields, e.source.Kind())

	if identity == nil {
		e.createItem(ctx, exec, opts, item, mapped, fields, result)
		return
	}
	e.updateItem(ctx, exec, opts, item, identity, fields, result)
}

func (e *Engine) createItem(ctx context.Context, exec *types.SyncExecution, opts Options, item *types.WorkItem, mapped *mapping.Mapped, fields map[string]any, result *Result) {
	if mapped.Type == "" {
		e.failItem(ctx, exec, result, item.ID,
			fmt.Errorf("no active type mapping for source type %q; add one before syncing", item.Type))
		return
	}
	if opts.DryRun {
		result.Created++
		result.record(ItemResult{SourceID: item.ID, Action: ActionCreated})
		e.msgf("[dry-run] would create %q as %s on %s", item.StringField(types.RefTitle), mapped.Type, e.target.Name())
		return
	}

	created, err := e.target.CreateWorkItem(ctx, mapped.Type, fields)
	if err != nil {
		e.failItem(ctx, exec, result, item.ID, fmt.Errorf("create on %s: %w", e.target.Name(), err))
		return
	}
	identity := &types.SyncedItem{
		SyncConfigID:      e.config.ID,
		SourceConnectorID: e.config.SourceConnectorID,
		TargetConnectorID: e.config.TargetConnectorID,
		SourceItemID:      item.ID,
		TargetItemID:      created.ID,
		SourceItemType:    item.Type,
		TargetItemType:    mapped.Type,
		SyncCount:         1,
	}
	if err := e.store.CreateSyncedItem(ctx, identity); err != nil {
		if !errors.Is(err, store.ErrDuplicate) {
			e.failItem(ctx, exec, result, item.ID, fmt.Errorf("record identity: %w", err))
			return
		}
		// A concurrent execution paired this item first; its row wins.
		e.warnf("item %s was paired concurrently; keeping the existing row", item.ID)
		if existing, lerr := e.lookupIdentity(ctx, item.ID); lerr == nil && existing != nil {
			identity = existing
		}
	}
	result.Created++
	result.record(ItemResult{SourceID: item.ID, TargetID: created.ID, Action: ActionCreated})
	e.log("info", "created target item", map[string]any{
		"source": item.ID,
		"target": created.ID,
		"type":   mapped.Type,
	})

	e.syncSubEntities(ctx, exec, item, identity, result)
	e.captureVersion(ctx, exec, e.config.SourceConnectorID, item)
	e.captureVersion(ctx, exec, e.config.TargetConnectorID, created)
}

func (e *Engine) updateItem(ctx context.Context, exec *types.SyncExecution, opts Options, item *types.WorkItem, identity *types.SyncedItem, fields map[string]any, result *Result) {
	if opts.DryRun {
		result.Updated++
		result.record(ItemResult{SourceID: item.ID, TargetID: identity.TargetItemID, Action: ActionUpdated})
		e.msgf("[dry-run] would update %s on %s", identity.TargetItemID, e.target.Name())
		return
	}

	updated, err := e.target.UpdateWorkItem(ctx, identity.TargetItemID, fields)
	if err != nil {
		if serr := e.store.SetSyncedItemStatus(ctx, identity.ID, types.ItemError); serr != nil {
			e.warnf("mark item %s errored: %v", identity.ID, serr)
		}
		e.failItem(ctx, exec, result, item.ID, fmt.Errorf("update %s on %s: %w", identity.TargetItemID, e.target.Name(), err))
		return
	}
	if err := e.store.TouchSyncedItem(ctx, identity.ID, e.now()); err != nil {
		e.warnf("touch synced item %s: %v", identity.ID, err)
	}
	result.Updated++
	result.record(ItemResult{SourceID: item.ID, TargetID: identity.TargetItemID, Action: ActionUpdated})

	e.syncSubEntities(ctx, exec, item, identity, result)
	e.captureVersion(ctx, exec, e.config.SourceConnectorID, item)
	e.captureVersion(ctx, exec, e.config.TargetConnectorID, updated)
}

// syncSubEntities mirrors comments and links per the config options. Their
// failures count as item errors but the field sync stands.
func (e *Engine) syncSubEntities(ctx context.Context, exec *types.SyncExecution, item *types.WorkItem, identity *types.SyncedItem, result *Result) {
	if e.config.Options.SyncComments {
		if err := e.syncComments(ctx, item.ID, identity); err != nil {
			e.itemError(ctx, exec, result, item.ID, fmt.Errorf("sync comments: %w", err))
		}
	}
	if e.config.Options.SyncLinks {
		if err := e.syncLinks(ctx, item.ID, identity); err != nil {
			e.itemError(ctx, exec, result, item.ID, fmt.Errorf("sync links: %w", err))
		}
	}
}

// syncComments mirrors source comments the target has not seen yet. Mirrored
// text carries a provenance preamble with the original author and date.
func (e *Engine) syncComments(ctx context.Context, sourceItemID string, identity *types.SyncedItem) error {
	if !e.source.Capabilities().Comments || !e.target.Capabilities().Comments {
		return nil
	}
	comments, err := e.source.GetComments(ctx, sourceItemID)
	if err != nil {
		return fmt.Errorf("list source comments: %w", err)
	}
	if len(comments) == 0 {
		return nil
	}
	synced, err := e.store.ListSyncedComments(ctx, identity.ID)
	if err != nil {
		return err
	}
	seen := make(map[string]bool, len(synced))
	for _, c := range synced {
		seen[c.SourceCommentID] = true
	}

	for _, c := range comments {
		if c.ID == "" || seen[c.ID] {
			continue
		}
		added, err := e.target.AddComment(ctx, identity.TargetItemID, mirroredComment(e.source.Name(), c))
		if err != nil {
			return fmt.Errorf("mirror comment %s: %w", c.ID, err)
		}
		rec := &types.SyncedComment{
			SyncedItemID:    identity.ID,
			SourceCommentID: c.ID,
			TargetCommentID: added.ID,
		}
		if err := e.store.CreateSyncedComment(ctx, rec); err != nil && !errors.Is(err, store.ErrDuplicate) {
			return err
		}
	}
	return nil
}

func mirroredComment(sourceName string, c types.Comment) string {
	author := c.Author
	if author == "" {
		author = "unknown"
	}
	return fmt.Sprintf("[Synced from %s]\n%s\n\n--- %s (%s)",
		sourceName, c.Text, author, c.CreatedDate.UTC().Format(time.RFC3339))
}

// syncLinks mirrors source relations. Relations whose linked item has no
// pair yet are recorded pending; promotePendingLinks retries them at the end
// of each execution.
func (e *Engine) syncLinks(ctx context.Context, sourceItemID string, identity *types.SyncedItem) error {
	if !e.source.Capabilities().Links || !e.target.Capabilities().Links {
		return nil
	}
	rels, err := e.source.GetRelations(ctx, sourceItemID)
	if err != nil {
		return fmt.Errorf("list source relations: %w", err)
	}
	if len(rels) == 0 {
		return nil
	}
	recorded, err := e.store.ListSyncedLinks(ctx, identity.ID)
	if err != nil {
		return err
	}
	seen := make(map[string]bool, len(recorded))
	for _, l := range recorded {
		seen[l.SourceLinkedItemID] = true
	}

	for _, rel := range rels {
		if rel.LinkedWorkItemID == "" || seen[rel.LinkedWorkItemID] {
			continue
		}
		link := &types.SyncedLink{
			SyncedItemID:       identity.ID,
			SourceLinkedItemID: rel.LinkedWorkItemID,
			RelationType:       rel.Type,
		}

		counterpart, err := e.lookupIdentity(ctx, rel.LinkedWorkItemID)
		if err != nil {
			return err
		}
		if counterpart == nil {
			link.Status = types.ItemPending
		} else {
			if err := e.target.AddRelation(ctx, identity.TargetItemID, types.Relation{
				Type:             rel.Type,
				LinkedWorkItemID: counterpart.TargetItemID,
			}); err != nil {
				return fmt.Errorf("mirror relation to %s: %w", rel.LinkedWorkItemID, err)
			}
			link.TargetLinkedItemID = counterpart.TargetItemID
			link.Status = types.ItemSynced
		}
		if err := e.store.CreateSyncedLink(ctx, link); err != nil && !errors.Is(err, store.ErrDuplicate) {
			return err
		}
	}
	return nil
}

// promotePendingLinks retries pending relations whose linked items may have
// gained identity rows during this run. Failures stay pending for the next
// run.
func (e *Engine) promotePendingLinks(ctx context.Context) {
	if !e.target.Capabilities().Links {
		return
	}
	pending, err := e.store.ListPendingLinks(ctx, e.config.ID)
	if err != nil {
		e.warnf("list pending links: %v", err)
		return
	}
	if len(pending) == 0 {
		return
	}
	pairs, err := e.store.ListSyncedItems(ctx, e.config.ID)
	if err != nil {
		e.warnf("list synced items: %v", err)
		return
	}
	byID := make(map[string]*types.SyncedItem, len(pairs))
	for _, p := range pairs {
		byID[p.ID] = p
	}

	promoted := 0
	for _, link := range pending {
		owner := byID[link.SyncedItemID]
		if owner == nil {
			continue
		}
		counterpart, err := e.lookupIdentity(ctx, link.SourceLinkedItemID)
		if err != nil {
			e.warnf("resolve pending link %s: %v", link.ID, err)
			continue
		}
		if counterpart == nil {
			continue
		}
		if err := e.target.AddRelation(ctx, owner.TargetItemID, types.Relation{
			Type:             link.RelationType,
			LinkedWorkItemID: counterpart.TargetItemID,
		}); err != nil {
			e.warnf("promote link %s: %v", link.ID, err)
			continue
		}
		if err := e.store.PromoteSyncedLink(ctx, link.ID, counterpart.TargetItemID); err != nil {
			e.warnf("promote link %s: %v", link.ID, err)
			continue
		}
		promoted++
	}
	if promoted > 0 {
		e.log("info", "promoted pending links", map[string]any{"count": promoted})
	}
}

// reversePass pushes target fields back onto the source item of every pair.
func (e *Engine) reversePass(ctx context.Context, exec *types.SyncExecution, opts Options, result *Result) error {
	pairs, err := e.store.ListSyncedItems(ctx, e.config.ID)
	if err != nil {
		return fmt.Errorf("list synced items: %w", err)
	}
	pairs = filterPairs(pairs, opts.WorkItemIDs)
	e.log("info", "walking synced pairs", map[string]any{"count": len(pairs)})

	for i, pair := range pairs {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("cancelled after %d of %d pairs: %w", i, len(pairs), err)
		}
		result.Total++

		tgtItem, err := e.target.GetWorkItem(ctx, pair.TargetItemID)
		if err != nil {
			e.failItem(ctx, exec, result, pair.SourceItemID, fmt.Errorf("fetch target %s: %w", pair.TargetItemID, err))
			continue
		}
		e.reverseUpdate(ctx, exec, opts, pair, tgtItem, result)
	}
	return nil
}

// reverseUpdate applies one target item's reverse-mapped fields to its
// source twin. Shared by the reverse pass and the bidirectional pass.
func (e *Engine) reverseUpdate(ctx context.Context, exec *types.SyncExecution, opts Options, pair *types.SyncedItem, tgtItem *types.WorkItem, result *Result) {
	reversed, err := e.mapper.ReverseMapFields(ctx, e.config.ID, pair.SourceItemType, tgtItem.Fields, e.mappingContext(tgtItem))
	if err != nil {
		e.failItem(ctx, exec, result, pair.SourceItemID, fmt.Errorf("reverse map: %w", err))
		return
	}
	if len(reversed) == 0 {
		result.Skipped++
		result.record(ItemResult{SourceID: pair.SourceItemID, TargetID: pair.TargetItemID, Action: ActionSkipped})
		return
	}
	if opts.DryRun {
		result.Updated++
		result.record(ItemResult{SourceID: pair.SourceItemID, TargetID: pair.TargetItemID, Action: ActionReverse})
		e.msgf("[dry-run] would update %s on %s", pair.SourceItemID, e.source.Name())
		return
	}

	fields := adaptFields(e.source, reversed, e.target.Kind())
	updated, err := e.source.UpdateWorkItem(ctx, pair.SourceItemID, fields)
	if err != nil {
		if serr := e.store.SetSyncedItemStatus(ctx, pair.ID, types.ItemError); serr != nil {
			e.warnf("mark item %s errored: %v", pair.ID, serr)
		}
		e.failItem(ctx, exec, result, pair.SourceItemID, fmt.Errorf("update %s on %s: %w", pair.SourceItemID, e.source.Name(), err))
		return
	}
	if err := e.store.TouchSyncedItem(ctx, pair.ID, e.now()); err != nil {
		e.warnf("touch synced item %s: %v", pair.ID, err)
	}
	result.Updated++
	result.record(ItemResult{SourceID: pair.SourceItemID, TargetID: pair.TargetItemID, Action: ActionReverse})

	e.captureVersion(ctx, exec, e.config.SourceConnectorID, updated)
	e.captureVersion(ctx, exec, e.config.TargetConnectorID, tgtItem)
}
