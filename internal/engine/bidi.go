package engine

import (
	"context"
	"fmt"

	"github.com/worksync/worksync/internal/conflict"
	"github.com/worksync/worksync/internal/connector"
	"github.com/worksync/worksync/internal/store"
	"github.com/worksync/worksync/internal/types"
)

// bidirectionalPass reconciles every synced pair in both directions, then
// sweeps the source for items that have no pair yet and creates them. Each
// item is handled exactly once per execution: paired items in the walk, new
// ones in the sweep.
func (e *Engine) bidirectionalPass(ctx context.Context, exec *types.SyncExecution, opts Options, result *Result) error {
	pairs, err := e.store.ListSyncedItems(ctx, e.config.ID)
	if err != nil {
		return fmt.Errorf("list synced items: %w", err)
	}
	pairs = filterPairs(pairs, opts.WorkItemIDs)
	mappings, err := e.mapper.Mappings(ctx, e.config.ID)
	if err != nil {
		return fmt.Errorf("load mappings: %w", err)
	}
	e.log("info", "reconciling synced pairs", map[string]any{"count": len(pairs)})

	for i, pair := range pairs {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("cancelled after %d of %d pairs: %w", i, len(pairs), err)
		}
		result.Total++
		e.syncPair(ctx, exec, opts, mappings, pair, result)
	}

	return e.createSweep(ctx, exec, opts, result)
}

// createSweep picks up source items with no identity row and runs them
// through the forward create path.
func (e *Engine) createSweep(ctx context.Context, exec *types.SyncExecution, opts Options, result *Result) error {
	items, err := e.sourceItems(ctx, exec, opts, result)
	if err != nil {
		return err
	}
	for i := range items {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("cancelled during create sweep: %w", err)
		}
		item := &items[i]
		identity, err := e.lookupIdentity(ctx, item.ID)
		if err != nil {
			result.Total++
			e.failItem(ctx, exec, result, item.ID, err)
			continue
		}
		if identity != nil {
			continue // the pair walk already handled it
		}
		result.Total++
		e.syncItem(ctx, exec, opts, item, result)
	}
	return nil
}

// syncPair reconciles one identity row. Change on each side is computed
// against the latest stored snapshot, never against remote clocks.
func (e *Engine) syncPair(ctx context.Context, exec *types.SyncExecution, opts Options, mappings *store.ConfigMappings, pair *types.SyncedItem, result *Result) {
	srcItem, err := e.source.GetWorkItem(ctx, pair.SourceItemID)
	if err != nil && !connector.IsNotFound(err) {
		e.failItem(ctx, exec, result, pair.SourceItemID, fmt.Errorf("fetch source: %w", err))
		return
	}
	tgtItem, err := e.target.GetWorkItem(ctx, pair.TargetItemID)
	if err != nil && !connector.IsNotFound(err) {
		e.failItem(ctx, exec, result, pair.SourceItemID, fmt.Errorf("fetch target %s: %w", pair.TargetItemID, err))
		return
	}
	if srcItem == nil || tgtItem == nil {
		e.handleDeletion(ctx, exec, opts, pair, srcItem == nil, result)
		return
	}

	srcChange, err := e.det.HasChanged(ctx, e.config.SourceConnectorID, pair.SourceItemID, srcItem.Fields)
	if err != nil {
		e.failItem(ctx, exec, result, pair.SourceItemID, fmt.Errorf("detect source change: %w", err))
		return
	}
	tgtChange, err := e.det.HasChanged(ctx, e.config.TargetConnectorID, pair.TargetItemID, tgtItem.Fields)
	if err != nil {
		e.failItem(ctx, exec, result, pair.SourceItemID, fmt.Errorf("detect target change: %w", err))
		return
	}

	if srcChange.IsNew && tgtChange.IsNew {
		// No baseline on either side: the pair predates version tracking.
		// Snapshot both sides now and reconcile from the next run.
		if !opts.DryRun {
			e.captureVersion(ctx, exec, e.config.SourceConnectorID, srcItem)
			e.captureVersion(ctx, exec, e.config.TargetConnectorID, tgtItem)
		}
		result.Skipped++
		result.record(ItemResult{SourceID: pair.SourceItemID, TargetID: pair.TargetItemID, Action: ActionSkipped})
		return
	}

	switch {
	case !srcChange.Changed && !tgtChange.Changed:
		result.Skipped++
		result.record(ItemResult{SourceID: pair.SourceItemID, TargetID: pair.TargetItemID, Action: ActionSkipped})
	case srcChange.Changed && !tgtChange.Changed:
		e.pairForward(ctx, exec, opts, pair, srcItem, result)
	case !srcChange.Changed && tgtChange.Changed:
		e.reverseUpdate(ctx, exec, opts, pair, tgtItem, result)
	default:
		e.reconcilePair(ctx, exec, opts, mappings, pair, srcItem, tgtItem, srcChange, tgtChange, result)
	}
}

// pairForward propagates source-side changes to the target of one pair.
func (e *Engine) pairForward(ctx context.Context, exec *types.SyncExecution, opts Options, pair *types.SyncedItem, srcItem *types.WorkItem, result *Result) {
	mapped, err := e.mapper.MapWorkItem(ctx, srcItem, e.config.ID, e.mappingContext(srcItem))
	if err != nil {
		e.failItem(ctx, exec, result, pair.SourceItemID, fmt.Errorf("map fields: %w", err))
		return
	}
	if opts.DryRun {
		result.Updated++
		result.record(ItemResult{SourceID: pair.SourceItemID, TargetID: pair.TargetItemID, Action: ActionForward})
		e.msgf("[dry-run] would update %s on %s", pair.TargetItemID, e.target.Name())
		return
	}

	fields := adaptFields(e.target, mapped.Fields, e.source.Kind())
	updated, err := e.target.UpdateWorkItem(ctx, pair.TargetItemID, fields)
	if err != nil {
		if serr := e.store.SetSyncedItemStatus(ctx, pair.ID, types.ItemError); serr != nil {
			e.warnf("mark item %s errored: %v", pair.ID, serr)
		}
		e.failItem(ctx, exec, result, pair.SourceItemID, fmt.Errorf("update %s on %s: %w", pair.TargetItemID, e.target.Name(), err))
		return
	}
	if err := e.store.TouchSyncedItem(ctx, pair.ID, e.now()); err != nil {
		e.warnf("touch synced item %s: %v", pair.ID, err)
	}
	result.Updated++
	result.record(ItemResult{SourceID: pair.SourceItemID, TargetID: pair.TargetItemID, Action: ActionForward})

	e.captureVersion(ctx, exec, e.config.SourceConnectorID, srcItem)
	e.captureVersion(ctx, exec, e.config.TargetConnectorID, updated)
}

// reconcilePair handles a pair where both sides moved. Mapped fields whose
// values collide become conflict rows resolved per the config strategy;
// fields only one side touched still propagate in that side's direction, so
// disjoint edits converge without operator involvement.
func (e *Engine) reconcilePair(ctx context.Context, exec *types.SyncExecution, opts Options, mappings *store.ConfigMappings, pair *types.SyncedItem, srcItem, tgtItem *types.WorkItem, srcChange, tgtChange *conflict.Change, result *Result) {
	var fms []store.FieldMappingView
	if tm := mappings.TypeFor(pair.SourceItemType); tm != nil {
		fms = tm.Fields
	}

	conflicts, err := e.det.DetectConflicts(srcItem, tgtItem, fms, srcChange.Previous, tgtChange.Previous)
	if err != nil {
		e.failItem(ctx, exec, result, pair.SourceItemID, err)
		return
	}
	forward, reverse, err := e.splitPropagation(ctx, pair, srcItem, tgtItem, fms, srcChange.Previous, tgtChange.Previous, conflicts)
	if err != nil {
		e.failItem(ctx, exec, result, pair.SourceItemID, err)
		return
	}

	if opts.DryRun {
		switch {
		case len(conflicts) > 0:
			result.ConflictsDetected += len(conflicts)
			result.record(ItemResult{SourceID: pair.SourceItemID, TargetID: pair.TargetItemID, Action: ActionConflict})
			e.msgf("[dry-run] would record %d conflict(s) for %s", len(conflicts), pair.SourceItemID)
		case len(forward)+len(reverse) > 0:
			result.Updated++
			result.record(ItemResult{SourceID: pair.SourceItemID, TargetID: pair.TargetItemID, Action: ActionUpdated})
			e.msgf("[dry-run] would reconcile %s in both directions", pair.SourceItemID)
		default:
			result.Skipped++
			result.record(ItemResult{SourceID: pair.SourceItemID, TargetID: pair.TargetItemID, Action: ActionSkipped})
		}
		return
	}

	wrote := false
	if len(forward) > 0 {
		if _, err := e.target.UpdateWorkItem(ctx, pair.TargetItemID, adaptFields(e.target, forward, e.source.Kind())); err != nil {
			e.failItem(ctx, exec, result, pair.SourceItemID, fmt.Errorf("update %s on %s: %w", pair.TargetItemID, e.target.Name(), err))
			return
		}
		wrote = true
	}
	if len(reverse) > 0 {
		if _, err := e.source.UpdateWorkItem(ctx, pair.SourceItemID, adaptFields(e.source, reverse, e.target.Kind())); err != nil {
			e.failItem(ctx, exec, result, pair.SourceItemID, fmt.Errorf("update %s on %s: %w", pair.SourceItemID, e.source.Name(), err))
			return
		}
		wrote = true
	}

	if len(conflicts) > 0 {
		if exec != nil {
			for _, c := range conflicts {
				c.ExecutionID = exec.ID
			}
		}
		if err := e.det.SaveConflicts(ctx, conflicts); err != nil {
			e.failItem(ctx, exec, result, pair.SourceItemID, fmt.Errorf("save conflicts: %w", err))
			return
		}
		result.ConflictsDetected += len(conflicts)
		e.log("warn", "conflicts detected", map[string]any{
			"item":  pair.SourceItemID,
			"count": len(conflicts),
		})

		for _, c := range conflicts {
			res, err := e.res.Resolve(ctx, c, "")
			if err != nil {
				e.itemError(ctx, exec, result, pair.SourceItemID, fmt.Errorf("resolve conflict %s: %w", c.ID, err))
				continue
			}
			if res.RequiresManual {
				result.ConflictsManual++
				continue
			}
			result.ConflictsResolved++
		}
	}

	if wrote {
		result.Updated++
		if err := e.store.TouchSyncedItem(ctx, pair.ID, e.now()); err != nil {
			e.warnf("touch synced item %s: %v", pair.ID, err)
		}
	} else if len(conflicts) == 0 {
		result.Skipped++
	}

	action := ActionSkipped
	if wrote {
		action = ActionUpdated
	}
	if len(conflicts) > 0 {
		action = ActionConflict
	}
	result.record(ItemResult{SourceID: pair.SourceItemID, TargetID: pair.TargetItemID, Action: action})

	// Propagation and resolution may have moved either remote; re-fetch so
	// the stored baseline matches what is actually there.
	e.refreshVersions(ctx, exec, pair)
}

// splitPropagation sorts each side's uncontested changes into fields to push
// forward (source moved) and fields to push back (target moved). Forward
// values come from the full mapping projection so transformations and status
// mappings apply; reverse values come from the reverse map.
func (e *Engine) splitPropagation(ctx context.Context, pair *types.SyncedItem, srcItem, tgtItem *types.WorkItem, fms []store.FieldMappingView, srcBase, tgtBase *types.WorkItemVersion, conflicts []*types.SyncConflict) (forward, reverse map[string]any, err error) {
	if len(fms) == 0 {
		return nil, nil, nil
	}

	contested := make(map[string]bool, len(conflicts))
	for _, c := range conflicts {
		if c.Kind == types.ConflictField {
			contested[c.FieldName] = true
		}
	}

	srcBaseFields, err := srcBase.Fields()
	if err != nil {
		return nil, nil, err
	}
	tgtBaseFields, err := tgtBase.Fields()
	if err != nil {
		return nil, nil, err
	}

	var mapped map[string]any
	var reversed map[string]any

	for i := range fms {
		fm := &fms[i]
		if fm.Kind == types.MappingConstant || fm.SourceRef == "" || fm.TargetRef == "" || contested[fm.SourceRef] {
			continue
		}
		srcMoved := !conflict.Equal(srcItem.Field(fm.SourceRef), srcBaseFields[fm.SourceRef])
		tgtMoved := !conflict.Equal(tgtItem.Field(fm.TargetRef), tgtBaseFields[fm.TargetRef])
		switch {
		case srcMoved == tgtMoved:
			// Neither moved, or both moved to values the detector found
			// equal. Nothing to carry either way.
			continue
		case srcMoved:
			if mapped == nil {
				m, merr := e.mapper.MapWorkItem(ctx, srcItem, e.config.ID, e.mappingContext(srcItem))
				if merr != nil {
					return nil, nil, fmt.Errorf("map fields: %w", merr)
				}
				mapped = m.Fields
			}
			if val, ok := mapped[fm.TargetRef]; ok {
				if forward == nil {
					forward = make(map[string]any)
				}
				forward[fm.TargetRef] = val
			}
		default:
			if reversed == nil {
				reversed, err = e.mapper.ReverseMapFields(ctx, e.config.ID, pair.SourceItemType, tgtItem.Fields, e.mappingContext(tgtItem))
				if err != nil {
					return nil, nil, fmt.Errorf("reverse map: %w", err)
				}
			}
			if val, ok := reversed[fm.SourceRef]; ok {
				if reverse == nil {
					reverse = make(map[string]any)
				}
				reverse[fm.SourceRef] = val
			}
		}
	}
	return forward, reverse, nil
}

// handleDeletion records a deletion conflict when one side of a pair with
// history can no longer be fetched. Deletion conflicts always wait for an
// operator: no strategy can decide between recreating the item and
// propagating the delete.
func (e *Engine) handleDeletion(ctx context.Context, exec *types.SyncExecution, opts Options, pair *types.SyncedItem, sourceGone bool, result *Result) {
	connectorID, itemID := e.config.SourceConnectorID, pair.SourceItemID
	side := "source"
	if !sourceGone {
		connectorID, itemID = e.config.TargetConnectorID, pair.TargetItemID
		side = "target"
	}

	c, err := e.det.DetectDeletion(ctx, connectorID, itemID)
	if err != nil {
		e.failItem(ctx, exec, result, pair.SourceItemID, fmt.Errorf("detect deletion: %w", err))
		return
	}
	if c == nil {
		// No stored history contradicts the disappearance.
		result.Skipped++
		result.record(ItemResult{SourceID: pair.SourceItemID, TargetID: pair.TargetItemID, Action: ActionSkipped})
		return
	}
	if e.hasOpenDeletionConflict(ctx, pair) {
		result.Skipped++
		result.record(ItemResult{SourceID: pair.SourceItemID, TargetID: pair.TargetItemID, Action: ActionSkipped})
		return
	}

	c.SourceWorkItemID = pair.SourceItemID
	c.TargetWorkItemID = pair.TargetItemID
	c.WorkItemType = pair.SourceItemType

	if opts.DryRun {
		result.ConflictsDetected++
		result.record(ItemResult{SourceID: pair.SourceItemID, TargetID: pair.TargetItemID, Action: ActionConflict})
		e.msgf("[dry-run] would record a deletion conflict for %s", pair.SourceItemID)
		return
	}

	if exec != nil {
		c.ExecutionID = exec.ID
	}
	if err := e.det.SaveConflicts(ctx, []*types.SyncConflict{c}); err != nil {
		e.failItem(ctx, exec, result, pair.SourceItemID, fmt.Errorf("save deletion conflict: %w", err))
		return
	}
	result.ConflictsDetected++
	result.ConflictsManual++
	if err := e.store.SetSyncedItemStatus(ctx, pair.ID, types.ItemError); err != nil {
		e.warnf("mark item %s errored: %v", pair.ID, err)
	}
	e.log("warn", "item deleted remotely", map[string]any{
		"item": pair.SourceItemID,
		"side": side,
	})
	result.record(ItemResult{SourceID: pair.SourceItemID, TargetID: pair.TargetItemID, Action: ActionConflict})
}

// hasOpenDeletionConflict reports whether this pair already has an
// unresolved deletion conflict, so repeated runs do not stack rows while the
// operator decides.
func (e *Engine) hasOpenDeletionConflict(ctx context.Context, pair *types.SyncedItem) bool {
	open, err := e.store.ListConflicts(ctx, e.config.ID, types.ConflictUnresolved)
	if err != nil {
		e.warnf("list open conflicts: %v", err)
		return false
	}
	for _, c := range open {
		if c.Kind == types.ConflictDeletion &&
			c.SourceWorkItemID == pair.SourceItemID &&
			c.TargetWorkItemID == pair.TargetItemID {
			return true
		}
	}
	return false
}
