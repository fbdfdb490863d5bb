package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/worksync/worksync/internal/types"
)

// Preview actions.
const (
	PreviewCreate = "create"
	PreviewUpdate = "update"
	PreviewError  = "error"
)

// PreviewItem describes the projected outcome for one source item.
type PreviewItem struct {
	SourceID     string         `json:"source_id"`
	SourceType   string         `json:"source_type,omitempty"`
	Title        string         `json:"title,omitempty"`
	State        string         `json:"state,omitempty"`
	AssignedTo   string         `json:"assigned_to,omitempty"`
	Action       string         `json:"action"`
	Error        string         `json:"error,omitempty"`
	TargetID     string         `json:"target_id,omitempty"`
	LastSyncedAt *time.Time     `json:"last_synced_at,omitempty"`
	SyncCount    int            `json:"sync_count,omitempty"`
	MappedFields map[string]any `json:"mapped_fields,omitempty"`
}

// PreviewResult aggregates a projection of the forward pass.
type PreviewResult struct {
	Items   []PreviewItem `json:"items"`
	Creates int           `json:"creates"`
	Updates int           `json:"updates"`
	Errors  int           `json:"errors"`
}

func (r *PreviewResult) add(p PreviewItem) {
	r.Items = append(r.Items, p)
	switch p.Action {
	case PreviewCreate:
		r.Creates++
	case PreviewUpdate:
		r.Updates++
	case PreviewError:
		r.Errors++
	}
}

// Preview projects what a forward pass would do without touching anything:
// no remote writes, no identity rows, no version snapshots, no execution
// row. Each item carries its mapped fields so an operator can inspect the
// exact payload before running the sync.
func (e *Engine) Preview(ctx context.Context, opts Options) (*PreviewResult, error) {
	if err := e.open(ctx); err != nil {
		return nil, err
	}
	e.logs = &logBuffer{now: e.now}

	out := &PreviewResult{}
	items, err := e.previewSource(ctx, opts, out)
	if err != nil {
		return nil, err
	}
	for i := range items {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		out.add(e.previewItem(ctx, &items[i]))
	}
	return out, nil
}

func (e *Engine) previewSource(ctx context.Context, opts Options, out *PreviewResult) ([]types.WorkItem, error) {
	if len(opts.WorkItemIDs) == 0 {
		return e.queryByFilter(ctx)
	}
	items := make([]types.WorkItem, 0, len(opts.WorkItemIDs))
	for _, id := range opts.WorkItemIDs {
		item, err := e.source.GetWorkItem(ctx, id)
		if err != nil {
			out.add(PreviewItem{SourceID: id, Action: PreviewError, Error: err.Error()})
			continue
		}
		items = append(items, *item)
	}
	return items, nil
}

func (e *Engine) previewItem(ctx context.Context, item *types.WorkItem) PreviewItem {
	p := PreviewItem{
		SourceID:   item.ID,
		SourceType: item.Type,
		Title:      item.StringField(types.RefTitle),
		State:      item.StringField(types.RefState),
		AssignedTo: assigneeText(item.Field(types.RefAssignee)),
	}

	mapped, err := e.mapper.MapWorkItem(ctx, item, e.config.ID, e.mappingContext(item))
	if err != nil {
		p.Action, p.Error = PreviewError, err.Error()
		return p
	}
	p.MappedFields = mapped.Fields

	identity, err := e.lookupIdentity(ctx, item.ID)
	switch {
	case err != nil:
		p.Action, p.Error = PreviewError, err.Error()
	case identity == nil:
		if mapped.Type == "" {
			p.Action = PreviewError
			p.Error = fmt.Sprintf("no active type mapping for source type %q", item.Type)
			return p
		}
		p.Action = PreviewCreate
	default:
		p.Action = PreviewUpdate
		p.TargetID = identity.TargetItemID
		p.LastSyncedAt = &identity.LastSyncedAt
		p.SyncCount = identity.SyncCount
	}
	return p
}

// assigneeText renders a person-valued field for display.
func assigneeText(v any) string {
	switch a := v.(type) {
	case nil:
		return ""
	case string:
		return a
	case types.Identity:
		return a.String()
	case *types.Identity:
		return a.String()
	case map[string]any:
		if name, ok := a["displayName"].(string); ok {
			return name
		}
		return fmt.Sprintf("%v", a)
	default:
		return fmt.Sprintf("%v", a)
	}
}
