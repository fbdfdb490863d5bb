// Package engine orchestrates sync executions. An engine is bound to one
// sync configuration; each Execute resolves the configured connector pair,
// runs the directional or bidirectional pass, records identity rows, version
// snapshots, conflicts, and per-item errors, and completes the durable
// execution row. Items are processed sequentially within one execution;
// concurrency lives at the job-queue level.
package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/worksync/worksync/internal/conflict"
	"github.com/worksync/worksync/internal/connector"
	"github.com/worksync/worksync/internal/mapping"
	"github.com/worksync/worksync/internal/registry"
	"github.com/worksync/worksync/internal/store"
	"github.com/worksync/worksync/internal/telemetry"
	"github.com/worksync/worksync/internal/types"
)

// Deps bundles the shared services an engine needs. Mapper may be nil, in
// which case the engine builds a private one and routes its warnings into
// the execution log.
type Deps struct {
	Store    store.Store
	Registry *registry.Registry
	Mapper   *mapping.Engine
	Metrics  *telemetry.SyncMetrics
}

// Engine runs sync executions for one configuration.
type Engine struct {
	store   store.Store
	reg     *registry.Registry
	mapper  *mapping.Engine
	metrics *telemetry.SyncMetrics
	config  *types.SyncConfig

	source connector.Connector
	target connector.Connector
	det    *conflict.Detector
	res    *conflict.Resolver

	logs *logBuffer

	// OnMessage and OnWarning receive progress lines for interactive
	// callers. Both are optional; the same lines also land in the
	// execution log.
	OnMessage func(msg string)
	OnWarning func(msg string)

	// now supplies timestamps; tests pin it.
	now func() time.Time
}

// New creates an engine bound to one sync configuration.
func New(cfg *types.SyncConfig, deps Deps) *Engine {
	e := &Engine{
		store:   deps.Store,
		reg:     deps.Registry,
		mapper:  deps.Mapper,
		metrics: deps.Metrics,
		config:  cfg,
		now:     func() time.Time { return time.Now().UTC() },
	}
	if e.mapper == nil {
		e.mapper = mapping.NewEngine(deps.Store)
		e.mapper.OnWarning = func(msg string) { e.warnf("%s", msg) }
	}
	return e
}

// Execute runs one synchronization and returns the aggregated result.
// Engine-level failures (connector resolution, source query) fail the
// execution; per-item failures are recorded as sync_errors rows and skipped
// over. A dry run takes every decision but writes nothing.
func (e *Engine) Execute(ctx context.Context, opts Options) (*Result, error) {
	direction, err := e.direction(opts)
	if err != nil {
		return nil, err
	}
	trigger := opts.Trigger
	if trigger == "" {
		trigger = types.TriggeredManual
	}

	if err := e.open(ctx); err != nil {
		return nil, err
	}

	e.logs = &logBuffer{now: e.now}
	result := &Result{Direction: direction}

	var exec *types.SyncExecution
	if !opts.DryRun {
		exec = &types.SyncExecution{
			SyncConfigID: e.config.ID,
			Direction:    direction,
			Trigger:      trigger,
		}
		if err := e.store.CreateExecution(ctx, exec); err != nil {
			return nil, fmt.Errorf("create execution: %w", err)
		}
		result.ExecutionID = exec.ID
		e.metrics.ExecutionStarted(ctx, e.config.ID)
	}
	started := e.now()
	e.log("info", "sync started", map[string]any{
		"config":    e.config.Name,
		"direction": string(direction),
		"trigger":   string(trigger),
		"dry_run":   opts.DryRun,
	})

	var runErr error
	if direction == types.Bidirectional {
		runErr = e.bidirectionalPass(ctx, exec, opts, result)
	} else {
		runErr = e.directionalPass(ctx, exec, opts, direction, result)
	}

	if runErr == nil && !opts.DryRun && e.config.Options.SyncLinks {
		e.promotePendingLinks(ctx)
	}

	if opts.DryRun {
		switch {
		case runErr != nil:
			result.Status = types.ExecutionFailed
			return result, runErr
		case result.Errors > 0:
			result.Status = types.ExecutionCompletedWithErrors
		default:
			result.Status = types.ExecutionCompleted
		}
		return result, nil
	}
	return e.finish(ctx, exec, started, result, runErr)
}

// direction picks the pass for this run. A bidirectional execution is only
// valid on a bidirectional config; the reverse override is allowed so an
// operator can push target changes back through a one-way config on demand.
func (e *Engine) direction(opts Options) (types.SyncDirection, error) {
	d := opts.Direction
	if d == "" {
		if e.config.Direction == types.DirectionBidirectional {
			d = types.Bidirectional
		} else {
			d = types.SourceToTarget
		}
	}
	if !d.IsValid() {
		return "", fmt.Errorf("invalid sync direction %q", d)
	}
	if d == types.Bidirectional && e.config.Direction != types.DirectionBidirectional {
		return "", fmt.Errorf("config %q is one-way; bidirectional runs need a bidirectional config", e.config.Name)
	}
	return d, nil
}

// open resolves and connects both connectors and builds the conflict
// machinery for the pair. The registry caches live instances, so repeated
// executions reuse sessions.
func (e *Engine) open(ctx context.Context) error {
	src, err := e.reg.Get(ctx, e.config.SourceConnectorID)
	if err != nil {
		return fmt.Errorf("source connector: %w", err)
	}
	tgt, err := e.reg.Get(ctx, e.config.TargetConnectorID)
	if err != nil {
		return fmt.Errorf("target connector: %w", err)
	}
	e.source, e.target = src, tgt
	e.det = conflict.NewDetector(e.store, e.config.ID)
	e.res = conflict.NewResolver(e.store, e.config, src, tgt)
	e.res.OnWarning = func(msg string) { e.warnf("%s", msg) }
	return nil
}

// finish completes the execution row, stamps the config's last sync time on
// success, and emits metrics.
func (e *Engine) finish(ctx context.Context, exec *types.SyncExecution, started time.Time, result *Result, runErr error) (*Result, error) {
	exec.ItemsCreated = result.Created
	exec.ItemsUpdated = result.Updated
	exec.ItemsSynced = result.Created + result.Updated
	exec.ItemsFailed = result.Errors
	exec.ConflictsDetected = result.ConflictsDetected
	exec.ConflictsResolved = result.ConflictsResolved

	switch {
	case runErr != nil:
		exec.Status = types.ExecutionFailed
		exec.ErrorMessage = runErr.Error()
		e.log("error", "execution failed", map[string]any{"error": runErr.Error()})
		if err := e.store.InsertSyncError(ctx, &types.SyncError{
			ExecutionID: exec.ID,
			ErrorType:   "execution_failed",
			Message:     runErr.Error(),
		}); err != nil {
			e.warnf("record execution error: %v", err)
		}
	case result.Errors > 0:
		exec.Status = types.ExecutionCompletedWithErrors
	default:
		exec.Status = types.ExecutionCompleted
	}

	e.log("info", "sync finished", map[string]any{
		"status":  string(exec.Status),
		"created": result.Created,
		"updated": result.Updated,
		"skipped": result.Skipped,
		"errors":  result.Errors,
	})
	exec.Logs = e.logs.encode()
	if err := e.store.CompleteExecution(ctx, exec); err != nil {
		e.warnf("complete execution %s: %v", exec.ID, err)
	}
	if runErr == nil {
		if err := e.store.SetLastSyncAt(ctx, e.config.ID, e.now()); err != nil {
			e.warnf("update last sync time: %v", err)
		}
	}
	result.Status = exec.Status

	e.metrics.ExecutionCompleted(ctx, e.config.ID, string(exec.Status), float64(e.now().Sub(started).Milliseconds()))
	e.metrics.ItemsProcessed(ctx, "created", result.Created)
	e.metrics.ItemsProcessed(ctx, "updated", result.Updated)
	e.metrics.ItemsProcessed(ctx, "skipped", result.Skipped)
	e.metrics.ItemsProcessed(ctx, "failed", result.Errors)
	e.metrics.Conflicts(ctx, "detected", result.ConflictsDetected)
	e.metrics.Conflicts(ctx, "resolved", result.ConflictsResolved)

	if runErr != nil {
		return result, runErr
	}
	return result, nil
}

// log appends one structured line to the execution log and fans it out to
// the progress callbacks.
func (e *Engine) log(level, msg string, ctx map[string]any) {
	if e.logs != nil {
		e.logs.add(level, msg, ctx)
	}
	switch level {
	case "info":
		if e.OnMessage != nil {
			e.OnMessage(msg)
		}
	default:
		if e.OnWarning != nil {
			e.OnWarning(msg)
		}
	}
}

func (e *Engine) msgf(format string, args ...any) {
	e.log("info", fmt.Sprintf(format, args...), nil)
}

func (e *Engine) warnf(format string, args ...any) {
	e.log("warn", fmt.Sprintf(format, args...), nil)
}

// itemError counts one per-item failure and appends a sync_errors row. Item
// failures never fail the execution.
func (e *Engine) itemError(ctx context.Context, exec *types.SyncExecution, result *Result, itemID string, err error) {
	result.Errors++
	e.log("error", "item sync failed", map[string]any{"item": itemID, "error": err.Error()})
	if exec == nil {
		return
	}
	row := &types.SyncError{
		ExecutionID: exec.ID,
		ErrorType:   "sync_failed",
		WorkItemID:  itemID,
		Message:     err.Error(),
	}
	if ins := e.store.InsertSyncError(ctx, row); ins != nil {
		e.warnf("record sync error for %s: %v", itemID, ins)
	}
}

// failItem records a hard per-item failure: counted, logged, and surfaced in
// the result items.
func (e *Engine) failItem(ctx context.Context, exec *types.SyncExecution, result *Result, itemID string, err error) {
	e.itemError(ctx, exec, result, itemID, err)
	result.record(ItemResult{SourceID: itemID, Action: ActionFailed, Error: err.Error()})
}

// captureVersion snapshots one side when version tracking is on. Capture
// failures degrade change detection to content hashing on the next run but
// never fail the item. Dry runs never reach this path.
func (e *Engine) captureVersion(ctx context.Context, exec *types.SyncExecution, connectorID string, item *types.WorkItem) {
	if !e.config.TrackVersions || item == nil || exec == nil {
		return
	}
	if _, err := e.det.CaptureVersion(ctx, connectorID, item, exec.ID); err != nil {
		e.warnf("capture version of %s: %v", item.ID, err)
	}
}

// refreshVersions re-fetches both sides of a pair and snapshots them as the
// new comparison baseline. Used after resolution writes, which may have
// moved either remote.
func (e *Engine) refreshVersions(ctx context.Context, exec *types.SyncExecution, pair *types.SyncedItem) {
	if !e.config.TrackVersions || exec == nil {
		return
	}
	if item, err := e.source.GetWorkItem(ctx, pair.SourceItemID); err == nil {
		e.captureVersion(ctx, exec, e.config.SourceConnectorID, item)
	}
	if item, err := e.target.GetWorkItem(ctx, pair.TargetItemID); err == nil {
		e.captureVersion(ctx, exec, e.config.TargetConnectorID, item)
	}
}

// mappingContext supplies the $context values transformations can reference.
func (e *Engine) mappingContext(item *types.WorkItem) map[string]any {
	return map[string]any{
		"sourceConnector": e.source.Name(),
		"targetConnector": e.target.Name(),
		"sourceItemId":    item.ID,
		"sourceUrl":       e.source.GetWorkItemURL(item.ID),
	}
}

// adaptFields runs each mapped value through the destination driver's field
// transformer so system-specific shapes (paths, identities, enums) land
// valid on that side.
func adaptFields(dst connector.Connector, fields map[string]any, sourceKind string) map[string]any {
	out := make(map[string]any, len(fields))
	for ref, val := range fields {
		out[ref] = dst.TransformFieldValue(ref, val, sourceKind)
	}
	return out
}

// filterPairs narrows a pair walk to the requested source items.
func filterPairs(pairs []*types.SyncedItem, ids []string) []*types.SyncedItem {
	if len(ids) == 0 {
		return pairs
	}
	want := make(map[string]bool, len(ids))
	for _, id := range ids {
		want[id] = true
	}
	out := make([]*types.SyncedItem, 0, len(pairs))
	for _, p := range pairs {
		if want[p.SourceItemID] {
			out = append(out, p)
		}
	}
	return out
}

// lookupIdentity fetches the identity row for a source item, mapping the
// not-found case to a nil row.
func (e *Engine) lookupIdentity(ctx context.Context, sourceItemID string) (*types.SyncedItem, error) {
	identity, err := e.store.GetSyncedItemBySource(ctx, e.config.ID, e.config.SourceConnectorID, sourceItemID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("identity lookup: %w", err)
	}
	return identity, nil
}
