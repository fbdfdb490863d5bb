package mapping

import (
	"context"
	"fmt"

	"github.com/worksync/worksync/internal/store"
	"github.com/worksync/worksync/internal/transform"
	"github.com/worksync/worksync/internal/types"
)

// Severity ranks a validation issue.
type Severity string

// Issue severities. Errors make the configuration unusable; warnings flag
// mappings that will run but may surprise.
const (
	SeverityError   Severity = "error"
	SeverityWarning Severity = "warning"
)

// Issue is one finding from ValidateMappings.
type Issue struct {
	Severity       Severity `json:"severity"`
	TypeMappingID  string   `json:"type_mapping_id,omitempty"`
	FieldMappingID string   `json:"field_mapping_id,omitempty"`
	Message        string   `json:"message"`
}

// ValidationResult aggregates findings. Valid is false only when at least
// one error-severity issue exists.
type ValidationResult struct {
	Valid  bool    `json:"valid"`
	Issues []Issue `json:"issues"`
}

// ValidateMappings checks a configuration's mapping graph: unknown
// transformations are errors; data-type mismatches without a converting
// transformation are warnings, as are transformations that cannot be
// reversed on a bidirectional config.
func (e *Engine) ValidateMappings(ctx context.Context, configID string) (*ValidationResult, error) {
	cfg, err := e.store.GetSyncConfig(ctx, configID)
	if err != nil {
		return nil, err
	}
	cm, err := e.Mappings(ctx, configID)
	if err != nil {
		return nil, err
	}

	result := &ValidationResult{Valid: true}
	add := func(sev Severity, tmID, fmID, format string, args ...any) {
		result.Issues = append(result.Issues, Issue{
			Severity:       sev,
			TypeMappingID:  tmID,
			FieldMappingID: fmID,
			Message:        fmt.Sprintf(format, args...),
		})
		if sev == SeverityError {
			result.Valid = false
		}
	}

	if len(cm.Types) == 0 {
		add(SeverityError, "", "", "configuration has no type mappings")
		return result, nil
	}

	for i := range cm.Types {
		tm := &cm.Types[i]
		for j := range tm.Fields {
			fm := &tm.Fields[j]
			switch fm.Kind {
			case types.MappingTransformation:
				validateSpec(fm.Transformation, "transformation", tm.ID, fm, add)
				if cfg.Direction == types.DirectionBidirectional && len(fm.ReverseTransformation) == 0 {
					add(SeverityWarning, tm.ID, fm.ID,
						"field %s -> %s: transformation has no reverse; bidirectional passes write the target value back unchanged",
						fm.SourceRef, fm.TargetRef)
				}
			case types.MappingDirect:
				if mismatched(fm) {
					add(SeverityWarning, tm.ID, fm.ID,
						"field %s (%s) -> %s (%s): data types differ and no transformation converts them",
						fm.SourceRef, fm.SourceDataType, fm.TargetRef, fm.TargetDataType)
				}
			case types.MappingConstant:
				if len(fm.ConstantValue) == 0 {
					add(SeverityError, tm.ID, fm.ID, "constant mapping to %s has no value", fm.TargetRef)
				}
			case types.MappingComputed:
				add(SeverityWarning, tm.ID, fm.ID, "computed mapping to %s is reserved and will be skipped", fm.TargetRef)
			}
			if len(fm.ReverseTransformation) > 0 {
				validateSpec(fm.ReverseTransformation, "reverse transformation", tm.ID, fm, add)
			}
			if fm.TargetReadOnly {
				add(SeverityWarning, tm.ID, fm.ID, "target field %s is read-only; writes may be rejected", fm.TargetRef)
			}
		}
	}

	return result, nil
}

func validateSpec(raw []byte, what, tmID string, fm *store.FieldMappingView, add func(Severity, string, string, string, ...any)) {
	steps, err := transform.ParseSpec(raw)
	if err != nil {
		add(SeverityError, tmID, fm.ID, "field %s -> %s: %v", fm.SourceRef, fm.TargetRef, err)
		return
	}
	for _, step := range steps {
		if !transform.Known(step.Name) {
			add(SeverityError, tmID, fm.ID, "field %s -> %s: %s names unknown function %q",
				fm.SourceRef, fm.TargetRef, what, step.Name)
		}
	}
}

// mismatched reports a direct mapping whose two sides disagree on data type.
// Unset types (constant mappings, stale metadata) never mismatch.
func mismatched(fm *store.FieldMappingView) bool {
	if fm.SourceDataType == "" || fm.TargetDataType == "" {
		return false
	}
	if fm.SourceDataType == fm.TargetDataType {
		return false
	}
	// string/html carry each other's values without loss in practice.
	textual := func(t types.FieldDataType) bool {
		return t == types.FieldString || t == types.FieldHTML
	}
	return !(textual(fm.SourceDataType) && textual(fm.TargetDataType))
}
