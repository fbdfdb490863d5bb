// Package mapping translates canonical work items between the two sides of a
// sync configuration: type mappings pick the target type, status mappings
// rewrite workflow states, and field mappings resolve values as direct
// copies, constants, or transformation chains.
//
// The full mapping graph of a configuration is loaded in one joined read and
// cached with a TTL. Any write through the mapping management surface must
// call ClearCache for the config immediately; the TTL is only the ceiling
// for editors that forget.
package mapping

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/worksync/worksync/internal/debug"
	"github.com/worksync/worksync/internal/store"
	"github.com/worksync/worksync/internal/transform"
	"github.com/worksync/worksync/internal/types"
)

// cacheTTL bounds how stale a cached mapping graph may get.
const cacheTTL = 5 * time.Minute

// Mapped is the outcome of projecting one source item onto the target
// system's vocabulary.
type Mapped struct {
	// Type is the target work item type name; empty when no type mapping
	// matches the source item's type.
	Type string
	// TypeMappingID identifies which mapping produced this projection.
	TypeMappingID string
	// Status is the mapped target state name; empty when the source state
	// has no status mapping.
	Status string
	// Fields holds the resolved target field values keyed by reference name.
	Fields map[string]any
}

// Engine resolves mappings for work items. Safe for concurrent use.
type Engine struct {
	store store.Store

	// OnWarning receives non-fatal mapping problems (skipped fields,
	// reserved kinds). Optional.
	OnWarning func(msg string)

	mu    sync.Mutex
	cache map[string]cacheEntry

	now func() time.Time
}

type cacheEntry struct {
	mappings *store.ConfigMappings
	expires  time.Time
}

// NewEngine creates a mapping engine over the store.
func NewEngine(st store.Store) *Engine {
	return &Engine{
		store: st,
		cache: make(map[string]cacheEntry),
		now:   time.Now,
	}
}

// Mappings returns the cached mapping graph for a config, loading it when
// absent or expired.
func (e *Engine) Mappings(ctx context.Context, configID string) (*store.ConfigMappings, error) {
	e.mu.Lock()
	if entry, ok := e.cache[configID]; ok && e.now().Before(entry.expires) {
		e.mu.Unlock()
		return entry.mappings, nil
	}
	e.mu.Unlock()

	cm, err := e.store.LoadConfigMappings(ctx, configID)
	if err != nil {
		return nil, fmt.Errorf("load mappings for config %s: %w", configID, err)
	}

	e.mu.Lock()
	e.cache[configID] = cacheEntry{mappings: cm, expires: e.now().Add(cacheTTL)}
	e.mu.Unlock()
	return cm, nil
}

// ClearCache drops the cached graph for one config. Mapping mutations call
// this so editors see their changes immediately.
func (e *Engine) ClearCache(configID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.cache, configID)
}

// MapWorkItem projects a source item onto the target vocabulary. mctx values
// substitute $context.<key> references in transformation arguments.
//
// A single field's failure is reported through OnWarning and skips only that
// field; nil results are omitted entirely.
func (e *Engine) MapWorkItem(ctx context.Context, item *types.WorkItem, configID string, mctx map[string]any) (*Mapped, error) {
	cm, err := e.Mappings(ctx, configID)
	if err != nil {
		return nil, err
	}

	out := &Mapped{Fields: make(map[string]any)}

	tm := cm.TypeFor(item.Type)
	if tm == nil {
		return out, nil
	}
	out.Type = tm.TargetTypeName
	out.TypeMappingID = tm.ID

	for i := range tm.Fields {
		fm := &tm.Fields[i]
		value, err := e.resolveField(fm, item, mctx)
		if err != nil {
			e.warn("config %s: field %s -> %s: %v", configID, fm.SourceRef, fm.TargetRef, err)
			continue
		}
		if value == nil {
			continue
		}
		out.Fields[fm.TargetRef] = value
	}

	if state := item.StringField(types.RefState); state != "" {
		if mapped := statusFor(tm, state); mapped != "" {
			out.Status = mapped
			out.Fields[types.RefState] = mapped
		}
	}

	return out, nil
}

// resolveField computes the value for one field mapping.
func (e *Engine) resolveField(fm *store.FieldMappingView, item *types.WorkItem, mctx map[string]any) (any, error) {
	switch fm.Kind {
	case types.MappingDirect:
		return sourceValue(fm, item), nil

	case types.MappingConstant:
		var v any
		if err := json.Unmarshal(fm.ConstantValue, &v); err != nil {
			return nil, fmt.Errorf("decode constant: %w", err)
		}
		return v, nil

	case types.MappingTransformation:
		steps, err := transform.ParseSpec(fm.Transformation)
		if err != nil {
			return nil, err
		}
		expandContext(steps, mctx)
		return transform.Apply(sourceValue(fm, item), steps)

	case types.MappingComputed:
		// Reserved for server-side computed mappings.
		return nil, fmt.Errorf("computed mappings are not implemented; skipping")

	default:
		return nil, fmt.Errorf("unknown mapping kind %q", fm.Kind)
	}
}

// sourceValue reads the source field from the item, preferring the reference
// name and falling back to the display name.
func sourceValue(fm *store.FieldMappingView, item *types.WorkItem) any {
	if v := item.Field(fm.SourceRef); v != nil {
		return v
	}
	if fm.SourceName != "" {
		return item.Field(fm.SourceName)
	}
	return nil
}

// statusFor maps a source state (matched by name, then value) to the target
// status name.
func statusFor(tm *store.TypeMappingView, state string) string {
	for i := range tm.Statuses {
		sm := &tm.Statuses[i]
		if strings.EqualFold(sm.SourceStatusName, state) || strings.EqualFold(sm.SourceStatusValue, state) {
			return sm.TargetStatusName
		}
	}
	return ""
}

// reverseStatusFor maps a target state back to the source status name.
func reverseStatusFor(tm *store.TypeMappingView, state string) string {
	for i := range tm.Statuses {
		sm := &tm.Statuses[i]
		if strings.EqualFold(sm.TargetStatusName, state) || strings.EqualFold(sm.TargetStatusValue, state) {
			return sm.SourceStatusName
		}
	}
	return ""
}

// ReverseMapFields projects target-side fields back onto the source
// vocabulary for bidirectional passes. By default this only renames keys:
// forward transformations are usually lossy, so the target value is written
// back as-is unless the mapping declares an explicit ReverseTransformation.
// Constant mappings have no source side and are skipped.
func (e *Engine) ReverseMapFields(ctx context.Context, configID, sourceTypeName string, targetFields map[string]any, mctx map[string]any) (map[string]any, error) {
	cm, err := e.Mappings(ctx, configID)
	if err != nil {
		return nil, err
	}
	tm := cm.TypeFor(sourceTypeName)
	if tm == nil {
		return nil, fmt.Errorf("no type mapping for source type %q", sourceTypeName)
	}

	out := make(map[string]any)
	for i := range tm.Fields {
		fm := &tm.Fields[i]
		if fm.SourceRef == "" || fm.TargetRef == "" {
			continue
		}
		value, ok := targetFields[fm.TargetRef]
		if !ok || value == nil {
			continue
		}
		if len(fm.ReverseTransformation) > 0 {
			steps, err := transform.ParseSpec(fm.ReverseTransformation)
			if err != nil {
				e.warn("config %s: reverse %s -> %s: %v", configID, fm.TargetRef, fm.SourceRef, err)
				continue
			}
			expandContext(steps, mctx)
			value, err = transform.Apply(value, steps)
			if err != nil {
				e.warn("config %s: reverse %s -> %s: %v", configID, fm.TargetRef, fm.SourceRef, err)
				continue
			}
			if value == nil {
				continue
			}
		}
		out[fm.SourceRef] = value
	}

	if state, ok := targetFields[types.RefState].(string); ok && state != "" {
		if mapped := reverseStatusFor(tm, state); mapped != "" {
			out[types.RefState] = mapped
		}
	}

	return out, nil
}

// expandContext substitutes "$context.<key>" string arguments with values
// from mctx, in place.
func expandContext(steps []transform.Step, mctx map[string]any) {
	if len(mctx) == 0 {
		return
	}
	for i := range steps {
		for k, v := range steps[i].Args {
			s, ok := v.(string)
			if !ok || !strings.HasPrefix(s, "$context.") {
				continue
			}
			key := strings.TrimPrefix(s, "$context.")
			if cv, found := mctx[key]; found {
				steps[i].Args[k] = cv
			}
		}
	}
}

func (e *Engine) warn(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	debug.Logf("mapping: %s\n", msg)
	if e.OnWarning != nil {
		e.OnWarning(msg)
	}
}
