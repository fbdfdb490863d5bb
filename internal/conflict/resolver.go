package conflict

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/worksync/worksync/internal/connector"
	"github.com/worksync/worksync/internal/debug"
	"github.com/worksync/worksync/internal/store"
	"github.com/worksync/worksync/internal/types"
)

// Winner identities recorded on resolutions.
const (
	WinnerSource = "source"
	WinnerTarget = "target"
	WinnerManual = "manual"
)

// SystemResolver is the identity stamped on strategy-driven resolutions.
const SystemResolver = "system"

// Resolution is the computed outcome of applying a strategy to one conflict.
type Resolution struct {
	Strategy       types.ConflictStrategy `json:"strategy"`
	Winner         string                 `json:"winner,omitempty"`
	ResolvedValue  json.RawMessage        `json:"resolved_value,omitempty"`
	Rationale      string                 `json:"rationale"`
	RequiresManual bool                   `json:"requires_manual,omitempty"`
}

// Outcome pairs one conflict with its resolution attempt in a batch.
type Outcome struct {
	ConflictID string
	Resolution *Resolution
	Err        error
}

// Resolver applies resolution strategies for one configuration and writes
// winning values back through the pair's connectors.
type Resolver struct {
	store  store.Store
	config *types.SyncConfig
	source connector.Connector
	target connector.Connector

	// OnWarning receives non-fatal resolution problems, notably remote
	// write failures that were absorbed into the audit trail. Optional.
	OnWarning func(msg string)
}

// NewResolver binds a resolver to a configuration and its two live
// connectors.
func NewResolver(st store.Store, cfg *types.SyncConfig, source, target connector.Connector) *Resolver {
	return &Resolver{store: st, config: cfg, source: source, target: target}
}

// Resolve picks a strategy (override, else the config default, else
// last-write-wins), records the audit row, flips the conflict to resolved,
// and writes the winning value out. A manual strategy returns RequiresManual
// and leaves the row unresolved for an operator.
//
// Remote write failures are captured in the audit record; the conflict still
// resolves and is not reopened automatically.
func (r *Resolver) Resolve(ctx context.Context, c *types.SyncConflict, override types.ConflictStrategy) (*Resolution, error) {
	if c.Status == types.ConflictResolved || c.Status == types.ConflictIgnored {
		return nil, fmt.Errorf("conflict %s is already %s", c.ID, c.Status)
	}

	strategy := override
	if strategy == "" {
		strategy = r.config.ConflictStrategy
	}
	if strategy == "" {
		strategy = types.StrategyLastWriteWins
	}
	if !strategy.IsValid() {
		return nil, fmt.Errorf("unknown conflict strategy %q", strategy)
	}

	res := r.decide(c, strategy)
	if res.RequiresManual {
		return res, nil
	}
	if err := r.commit(ctx, c, res, SystemResolver); err != nil {
		return nil, err
	}
	return res, nil
}

// ResolveByID loads one conflict row and resolves it. An empty override uses
// the config default.
func (r *Resolver) ResolveByID(ctx context.Context, id string, override types.ConflictStrategy) (*Resolution, error) {
	c, err := r.store.GetConflict(ctx, id)
	if err != nil {
		return nil, err
	}
	return r.Resolve(ctx, c, override)
}

// ResolveManually resolves with an operator-supplied value, bypassing
// strategy selection. value must be JSON-encoded.
func (r *Resolver) ResolveManually(ctx context.Context, id string, value json.RawMessage, rationale, by string) (*Resolution, error) {
	c, err := r.store.GetConflict(ctx, id)
	if err != nil {
		return nil, err
	}
	if c.Status == types.ConflictResolved || c.Status == types.ConflictIgnored {
		return nil, fmt.Errorf("conflict %s is already %s", c.ID, c.Status)
	}
	if by == "" {
		return nil, fmt.Errorf("manual resolution requires a resolver identity")
	}

	res := &Resolution{
		Strategy:      types.StrategyManual,
		Winner:        WinnerManual,
		ResolvedValue: value,
		Rationale:     rationale,
	}
	if err := r.commit(ctx, c, res, by); err != nil {
		return nil, err
	}
	return res, nil
}

// ResolveMany resolves a batch one by one. Failures are per-conflict; a bad
// apple never aborts the rest.
func (r *Resolver) ResolveMany(ctx context.Context, conflicts []*types.SyncConflict, strategy types.ConflictStrategy) []Outcome {
	outcomes := make([]Outcome, 0, len(conflicts))
	for _, c := range conflicts {
		res, err := r.Resolve(ctx, c, strategy)
		outcomes = append(outcomes, Outcome{ConflictID: c.ID, Resolution: res, Err: err})
	}
	return outcomes
}

// Ignore dismisses a conflict without resolving it.
func (r *Resolver) Ignore(ctx context.Context, id, by string) error {
	return r.store.MarkConflictIgnored(ctx, id, by)
}

// decide computes the outcome for one conflict under one strategy. Deletion
// conflicts always defer to an operator: no strategy can decide between
// recreating an item and propagating its removal.
func (r *Resolver) decide(c *types.SyncConflict, strategy types.ConflictStrategy) *Resolution {
	if c.Kind == types.ConflictDeletion {
		return &Resolution{
			Strategy:       strategy,
			Rationale:      "deletion conflicts require an operator decision",
			RequiresManual: true,
		}
	}

	switch strategy {
	case types.StrategyManual:
		return &Resolution{
			Strategy:       types.StrategyManual,
			Rationale:      "strategy manual defers to an operator",
			RequiresManual: true,
		}

	case types.StrategySourcePriority:
		return &Resolution{
			Strategy:      strategy,
			Winner:        WinnerSource,
			ResolvedValue: c.SourceValue,
			Rationale:     "source side has priority",
		}

	case types.StrategyTargetPriority:
		return &Resolution{
			Strategy:      strategy,
			Winner:        WinnerTarget,
			ResolvedValue: c.TargetValue,
			Rationale:     "target side has priority",
		}

	case types.StrategyMerge:
		if len(c.BaseValue) > 0 && rawEqual(c.SourceValue, c.BaseValue) {
			return &Resolution{
				Strategy:      strategy,
				Winner:        WinnerTarget,
				ResolvedValue: c.TargetValue,
				Rationale:     "source equals base; the target edit carries",
			}
		}
		if len(c.BaseValue) > 0 && rawEqual(c.TargetValue, c.BaseValue) {
			return &Resolution{
				Strategy:      strategy,
				Winner:        WinnerSource,
				ResolvedValue: c.SourceValue,
				Rationale:     "target equals base; the source edit carries",
			}
		}
		res := r.lastWriteWins(c)
		res.Strategy = strategy
		res.Rationale = "both sides diverged from base; " + res.Rationale
		return res

	default: // last-write-wins
		return r.lastWriteWins(c)
	}
}

// lastWriteWins picks the side with the newer changed date; ties and missing
// dates go to the source.
func (r *Resolver) lastWriteWins(c *types.SyncConflict) *Resolution {
	meta := decodeMeta(c)
	res := &Resolution{
		Strategy:      types.StrategyLastWriteWins,
		Winner:        WinnerSource,
		ResolvedValue: c.SourceValue,
		Rationale:     "changed dates unavailable; source wins by default",
	}
	if meta.SourceChangedDate == nil || meta.TargetChangedDate == nil {
		return res
	}
	if meta.TargetChangedDate.After(*meta.SourceChangedDate) {
		res.Winner = WinnerTarget
		res.ResolvedValue = c.TargetValue
		res.Rationale = fmt.Sprintf("target changed %s, after source %s",
			meta.TargetChangedDate.Format(timeFormat), meta.SourceChangedDate.Format(timeFormat))
		return res
	}
	res.Rationale = fmt.Sprintf("source changed %s, not before target %s",
		meta.SourceChangedDate.Format(timeFormat), meta.TargetChangedDate.Format(timeFormat))
	return res
}

const timeFormat = "2006-01-02T15:04:05Z07:00"

// commit applies the winning value, records the audit row, and flips the
// conflict. The caller's copy of the row is updated in place.
func (r *Resolver) commit(ctx context.Context, c *types.SyncConflict, res *Resolution, by string) error {
	toSource, toTarget, applyErr := r.applyResolution(ctx, c, res)

	audit := &types.ConflictResolution{
		ConflictID:        c.ID,
		Strategy:          res.Strategy,
		PreviousValue:     c.TargetValue,
		ResolvedValue:     res.ResolvedValue,
		Rationale:         res.Rationale,
		ResolvedBy:        by,
		AppliedToSource:   toSource,
		AppliedToTarget:   toTarget,
		ApplicationResult: "applied",
	}
	if applyErr != nil {
		audit.ApplicationResult = applyErr.Error()
		r.warn("conflict %s: apply failed: %v", c.ID, applyErr)
	}
	if err := r.store.InsertResolution(ctx, audit); err != nil {
		return fmt.Errorf("record resolution of %s: %w", c.ID, err)
	}
	if err := r.store.MarkConflictResolved(ctx, c.ID, res.Strategy, res.ResolvedValue, by); err != nil {
		return err
	}

	c.Status = types.ConflictResolved
	c.ResolutionStrategy = res.Strategy
	c.ResolvedValue = res.ResolvedValue
	c.ResolvedBy = by
	return nil
}

// applyResolution writes the resolved value to the target, and to the source
// as well on bidirectional configs when the source did not win, so both
// sides converge. Version conflicts carry no single field and apply nothing;
// the engine reconciles them by re-running the pair.
func (r *Resolver) applyResolution(ctx context.Context, c *types.SyncConflict, res *Resolution) (toSource, toTarget bool, err error) {
	meta := decodeMeta(c)
	sourceRef := meta.SourceRef
	if sourceRef == "" {
		sourceRef = c.FieldName
	}
	targetRef := meta.TargetRef
	if targetRef == "" {
		targetRef = c.FieldName
	}
	if sourceRef == "" && targetRef == "" {
		return false, false, nil
	}

	var value any
	if len(res.ResolvedValue) > 0 {
		if err := json.Unmarshal(res.ResolvedValue, &value); err != nil {
			return false, false, fmt.Errorf("decode resolved value: %w", err)
		}
	}

	if targetRef != "" {
		if _, err := r.target.UpdateWorkItem(ctx, c.TargetWorkItemID, map[string]any{targetRef: value}); err != nil {
			return toSource, toTarget, fmt.Errorf("write %s to target item %s: %w", targetRef, c.TargetWorkItemID, err)
		}
		toTarget = true
	}
	if r.config.Direction == types.DirectionBidirectional && res.Winner != WinnerSource && sourceRef != "" {
		if _, err := r.source.UpdateWorkItem(ctx, c.SourceWorkItemID, map[string]any{sourceRef: value}); err != nil {
			return toSource, toTarget, fmt.Errorf("write %s to source item %s: %w", sourceRef, c.SourceWorkItemID, err)
		}
		toSource = true
	}
	return toSource, toTarget, nil
}

func (r *Resolver) warn(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	debug.Logf("conflict: %s\n", msg)
	if r.OnWarning != nil {
		r.OnWarning(msg)
	}
}
