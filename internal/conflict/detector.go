// Package conflict detects and resolves concurrent modifications between the
// two sides of a synced item pair. Detection never trusts remote clocks: the
// last snapshot captured in the version store is the base, and change means
// the content hash moved away from it.
package conflict

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/worksync/worksync/internal/store"
	"github.com/worksync/worksync/internal/types"
)

// Detector captures version snapshots and identifies conflicts for one sync
// configuration.
type Detector struct {
	store    store.Store
	configID string
}

// NewDetector binds a detector to a configuration.
func NewDetector(st store.Store, configID string) *Detector {
	return &Detector{store: st, configID: configID}
}

// Meta is the detection-time context stored on a conflict row. The resolver
// reads the changed dates back out for last-write-wins decisions.
type Meta struct {
	FieldMappingID    string     `json:"field_mapping_id,omitempty"`
	SourceRef         string     `json:"source_ref,omitempty"`
	TargetRef         string     `json:"target_ref,omitempty"`
	SourceChangedDate *time.Time `json:"source_changed_date,omitempty"`
	TargetChangedDate *time.Time `json:"target_changed_date,omitempty"`
	SourceRevision    string     `json:"source_revision,omitempty"`
	TargetRevision    string     `json:"target_revision,omitempty"`
}

func (m *Meta) encode() json.RawMessage {
	raw, err := json.Marshal(m)
	if err != nil {
		return nil
	}
	return raw
}

// decodeMeta reads the detection context off a conflict row. Rows written by
// hand or by older versions may carry none; that decodes to a zero Meta.
func decodeMeta(c *types.SyncConflict) Meta {
	var m Meta
	if len(c.Metadata) > 0 {
		_ = json.Unmarshal(c.Metadata, &m)
	}
	return m
}

// ContentHash returns the deterministic SHA-256 of a fields map: keys sorted,
// each key and its canonical JSON value written length-prefixed. Nil-valued
// keys are skipped so drivers that omit nulls and drivers that send them
// explicitly hash the same item identically.
func ContentHash(fields map[string]any) string {
	keys := make([]string, 0, len(fields))
	for k := range fields {
		if fields[k] == nil {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)

	h := sha256.New()
	var prefix [8]byte
	write := func(b []byte) {
		binary.BigEndian.PutUint64(prefix[:], uint64(len(b)))
		h.Write(prefix[:])
		h.Write(b)
	}
	for _, k := range keys {
		write([]byte(k))
		write(canonicalJSON(fields[k]))
	}
	return hex.EncodeToString(h.Sum(nil))
}

// canonicalJSON renders a value deterministically. encoding/json already
// sorts map keys; anything unmarshalable falls back to its Go formatting so
// a hash is always produced.
func canonicalJSON(v any) []byte {
	raw, err := json.Marshal(v)
	if err != nil {
		return []byte(fmt.Sprintf("%v", v))
	}
	return raw
}

// Equal reports semantic equality between two field values: numbers compare
// as numbers regardless of Go type, strings and booleans directly, and
// composites by canonical JSON.
func Equal(a, b any) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	if fa, ok := asNumber(a); ok {
		if fb, ok := asNumber(b); ok {
			return fa == fb
		}
	}
	if sa, ok := a.(string); ok {
		if sb, ok := b.(string); ok {
			return sa == sb
		}
	}
	if ba, ok := a.(bool); ok {
		if bb, ok := b.(bool); ok {
			return ba == bb
		}
	}
	return bytes.Equal(canonicalJSON(a), canonicalJSON(b))
}

func asNumber(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		if err != nil {
			return 0, false
		}
		return f, true
	}
	return 0, false
}

// rawEqual compares two JSON-encoded values semantically.
func rawEqual(a, b json.RawMessage) bool {
	var va, vb any
	if json.Unmarshal(a, &va) != nil || json.Unmarshal(b, &vb) != nil {
		return bytes.Equal(a, b)
	}
	return Equal(va, vb)
}

// CaptureVersion snapshots one side of a synced item. The store allocates the
// monotonic version number; changed date and author are best-effort reads of
// the canonical fields and may be absent.
func (d *Detector) CaptureVersion(ctx context.Context, connectorID string, item *types.WorkItem, executionID string) (*types.WorkItemVersion, error) {
	snapshot, err := json.Marshal(item.Fields)
	if err != nil {
		return nil, fmt.Errorf("serialize fields of %s: %w", item.ID, err)
	}

	v := &types.WorkItemVersion{
		SyncConfigID:   d.configID,
		ConnectorID:    connectorID,
		WorkItemID:     item.ID,
		Revision:       item.Rev,
		FieldsSnapshot: snapshot,
		Hash:           ContentHash(item.Fields),
		ExecutionID:    executionID,
	}
	if changed, ok := item.ChangedDate(); ok {
		v.ChangedDate = &changed
	}
	switch by := item.Field("changedBy").(type) {
	case string:
		v.ChangedBy = by
	case types.Identity:
		v.ChangedBy = by.String()
	}

	if err := d.store.InsertVersion(ctx, v); err != nil {
		return nil, fmt.Errorf("capture version of %s: %w", item.ID, err)
	}
	return v, nil
}

// Change is the outcome of a change check against the version store.
type Change struct {
	Changed  bool
	IsNew    bool
	Previous *types.WorkItemVersion
}

// HasChanged compares the current fields against the latest stored snapshot.
// An item with no snapshot is both new and changed.
func (d *Detector) HasChanged(ctx context.Context, connectorID, workItemID string, currentFields map[string]any) (*Change, error) {
	prev, err := d.store.LatestVersion(ctx, d.configID, connectorID, workItemID)
	if errors.Is(err, store.ErrNotFound) {
		return &Change{Changed: true, IsNew: true}, nil
	}
	if err != nil {
		return nil, err
	}
	return &Change{
		Changed:  ContentHash(currentFields) != prev.Hash,
		Previous: prev,
	}, nil
}

// DetectConflicts walks the field mappings of a pair and emits field-level
// conflicts where both sides moved away from their bases to values that are
// not semantically equal. When both sides report newer changed dates but no
// mapped field moved at all, a single version conflict is emitted instead:
// something outside the mapped surface changed and cannot be attributed.
// Disjoint or equal edits to mapped fields produce no conflict; the engine
// reconciles those by propagating each side's changes.
//
// sourceBase and targetBase are the latest stored snapshots; a nil base means
// no history, which counts as unchanged (nothing to diverge from).
func (d *Detector) DetectConflicts(sourceItem, targetItem *types.WorkItem, fieldMappings []store.FieldMappingView, sourceBase, targetBase *types.WorkItemVersion) ([]*types.SyncConflict, error) {
	sourceBaseFields, err := snapshotFields(sourceBase)
	if err != nil {
		return nil, err
	}
	targetBaseFields, err := snapshotFields(targetBase)
	if err != nil {
		return nil, err
	}

	meta := Meta{
		SourceRevision: sourceItem.Rev,
		TargetRevision: targetItem.Rev,
	}
	if changed, ok := sourceItem.ChangedDate(); ok {
		meta.SourceChangedDate = &changed
	}
	if changed, ok := targetItem.ChangedDate(); ok {
		meta.TargetChangedDate = &changed
	}

	var conflicts []*types.SyncConflict
	mappedMoved := false
	for i := range fieldMappings {
		fm := &fieldMappings[i]
		if fm.Kind == types.MappingConstant || fm.SourceRef == "" || fm.TargetRef == "" {
			continue
		}

		sourceVal := sourceItem.Field(fm.SourceRef)
		targetVal := targetItem.Field(fm.TargetRef)
		sourceChanged := !Equal(sourceVal, sourceBaseFields[fm.SourceRef])
		targetChanged := !Equal(targetVal, targetBaseFields[fm.TargetRef])
		if sourceChanged || targetChanged {
			mappedMoved = true
		}
		if !sourceChanged || !targetChanged || Equal(sourceVal, targetVal) {
			continue
		}

		fieldMeta := meta
		fieldMeta.FieldMappingID = fm.ID
		fieldMeta.SourceRef = fm.SourceRef
		fieldMeta.TargetRef = fm.TargetRef

		conflicts = append(conflicts, &types.SyncConflict{
			SyncConfigID:     d.configID,
			SourceWorkItemID: sourceItem.ID,
			TargetWorkItemID: targetItem.ID,
			WorkItemType:     sourceItem.Type,
			Kind:             types.ConflictField,
			FieldName:        fm.SourceRef,
			SourceValue:      canonicalJSON(sourceVal),
			TargetValue:      canonicalJSON(targetVal),
			BaseValue:        canonicalJSON(sourceBaseFields[fm.SourceRef]),
			Metadata:         fieldMeta.encode(),
		})
	}

	if len(conflicts) == 0 && !mappedMoved && bothNewer(meta, sourceBase, targetBase) {
		conflicts = append(conflicts, &types.SyncConflict{
			SyncConfigID:     d.configID,
			SourceWorkItemID: sourceItem.ID,
			TargetWorkItemID: targetItem.ID,
			WorkItemType:     sourceItem.Type,
			Kind:             types.ConflictVersion,
			Metadata:         meta.encode(),
		})
	}

	return conflicts, nil
}

// bothNewer reports whether both sides carry changed dates past their bases.
// Missing dates on either side disqualify: without timestamps the hash-based
// field detection above is the only trustworthy signal.
func bothNewer(meta Meta, sourceBase, targetBase *types.WorkItemVersion) bool {
	if meta.SourceChangedDate == nil || meta.TargetChangedDate == nil {
		return false
	}
	if sourceBase == nil || targetBase == nil {
		return false
	}
	if sourceBase.ChangedDate == nil || targetBase.ChangedDate == nil {
		return false
	}
	return meta.SourceChangedDate.After(*sourceBase.ChangedDate) &&
		meta.TargetChangedDate.After(*targetBase.ChangedDate)
}

// DetectDeletion reports a deletion conflict when the version store has a
// snapshot of an item that can no longer be fetched. The caller fills in the
// pair identifiers and execution id before saving; nil means no history
// exists and the disappearance is not a conflict.
func (d *Detector) DetectDeletion(ctx context.Context, connectorID, workItemID string) (*types.SyncConflict, error) {
	prev, err := d.store.LatestVersion(ctx, d.configID, connectorID, workItemID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	meta := Meta{SourceRevision: prev.Revision}
	if prev.ChangedDate != nil {
		meta.SourceChangedDate = prev.ChangedDate
	}
	return &types.SyncConflict{
		SyncConfigID: d.configID,
		Kind:         types.ConflictDeletion,
		SourceValue:  prev.FieldsSnapshot,
		Metadata:     meta.encode(),
	}, nil
}

// SaveConflicts persists a detection batch; rows land unresolved.
func (d *Detector) SaveConflicts(ctx context.Context, conflicts []*types.SyncConflict) error {
	return d.store.SaveConflicts(ctx, conflicts)
}

// snapshotFields decodes a stored snapshot into a field map. A nil version
// yields an empty map.
func snapshotFields(v *types.WorkItemVersion) (map[string]any, error) {
	if v == nil || len(v.FieldsSnapshot) == 0 {
		return map[string]any{}, nil
	}
	var fields map[string]any
	if err := json.Unmarshal(v.FieldsSnapshot, &fields); err != nil {
		return nil, fmt.Errorf("decode snapshot version %d: %w", v.Version, err)
	}
	return fields, nil
}
