// Package fake is an in-memory connector driver. It is fully capable,
// deterministic, and records every mutating call, which makes it the
// backend for engine and end-to-end tests.
package fake

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/worksync/worksync/internal/connector"
	"github.com/worksync/worksync/internal/types"
)

func init() {
	connector.Register("fake", func(cfg connector.Config) (connector.Connector, error) {
		return New(cfg), nil
	})
}

// Driver holds work items in memory. Build instances with New.
type Driver struct {
	mu  sync.Mutex
	cfg connector.Config

	prefix string
	nextID int
	items  map[string]*types.WorkItem

	comments  map[string][]types.Comment
	relations map[string][]types.Relation
	history   map[string][]types.Revision

	// Call records, in call order.
	CreatedIDs []string
	UpdatedIDs []string
	DeletedIDs []string

	// Error injection for failure-path tests.
	ConnectErr error
	CreateErr  error
	UpdateErr  error
	GetErr     error
	QueryErr   error

	// OnQuery runs at the top of QueryWorkItems when set. Tests use it to
	// hold an execution in the running state.
	OnQuery func()

	// Now supplies timestamps; tests pin it for determinism.
	Now func() time.Time
}

// New builds a driver. The id prefix defaults to "F" and can be set through
// the "prefix" metadata key so two fake connectors mint distinct ids.
func New(cfg connector.Config) *Driver {
	prefix := cfg.Metadata["prefix"]
	if prefix == "" {
		prefix = "F"
	}
	return &Driver{
		cfg:       cfg,
		prefix:    prefix,
		items:     make(map[string]*types.WorkItem),
		comments:  make(map[string][]types.Comment),
		relations: make(map[string][]types.Relation),
		history:   make(map[string][]types.Revision),
		Now:       func() time.Time { return time.Now().UTC() },
	}
}

func (d *Driver) Name() string {
	if d.cfg.Name != "" {
		return d.cfg.Name
	}
	return "fake"
}

func (d *Driver) Kind() string { return "fake" }

func (d *Driver) Connect(ctx context.Context) error { return d.ConnectErr }

func (d *Driver) TestConnection(ctx context.Context) (*types.TestResult, error) {
	if d.ConnectErr != nil {
		return &types.TestResult{Success: false, Message: d.ConnectErr.Error()}, nil
	}
	return &types.TestResult{
		Success: true,
		Message: "fake connector ready",
		Details: map[string]any{"items": d.Len()},
	}, nil
}

func (d *Driver) Capabilities() types.Capabilities {
	return types.Capabilities{
		Create: true, Update: true, Delete: true, Query: true,
		Comments: true, Links: true, History: true,
		Bidirectional: true, Webhooks: true,
	}
}

func (d *Driver) Close() error { return nil }

// Put seeds an item directly, bypassing call recording.
func (d *Driver) Put(item *types.WorkItem) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if item.Rev == "" {
		item.Rev = "1"
	}
	d.items[item.ID] = cloneItem(item)
}

// Item returns a copy of a stored item, or nil.
func (d *Driver) Item(id string) *types.WorkItem {
	d.mu.Lock()
	defer d.mu.Unlock()
	it, ok := d.items[id]
	if !ok {
		return nil
	}
	return cloneItem(it)
}

// Len reports how many items the driver holds.
func (d *Driver) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.items)
}

// SeedComment attaches a comment without recording a call.
func (d *Driver) SeedComment(id string, c types.Comment) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.comments[id] = append(d.comments[id], c)
}

// SeedRelation attaches a relation without recording a call.
func (d *Driver) SeedRelation(id string, r types.Relation) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.relations[id] = append(d.relations[id], r)
}

func (d *Driver) GetWorkItemTypes(ctx context.Context) ([]types.WorkItemType, error) {
	names := []string{"Task", "Bug"}
	if raw := d.cfg.Metadata["types"]; raw != "" {
		names = strings.Split(raw, ",")
	}
	out := make([]types.WorkItemType, 0, len(names))
	for _, n := range names {
		n = strings.TrimSpace(n)
		out = append(out, types.WorkItemType{
			ConnectorID: d.cfg.ID,
			Name:        n,
			RemoteID:    strings.ToLower(n),
		})
	}
	return out, nil
}

func (d *Driver) GetFields(ctx context.Context, typeID string) ([]types.FieldDef, error) {
	return []types.FieldDef{
		{Name: "Title", ReferenceName: types.RefTitle, DataType: types.FieldString, Required: true},
		{Name: "Description", ReferenceName: types.RefDescription, DataType: types.FieldHTML},
		{Name: "State", ReferenceName: types.RefState, DataType: types.FieldString, Required: true},
		{Name: "Priority", ReferenceName: types.RefPriority, DataType: types.FieldInt},
		{Name: "Assigned To", ReferenceName: types.RefAssignee, DataType: types.FieldIdentity},
		{Name: "Changed Date", ReferenceName: types.RefChangedDate, DataType: types.FieldDateTime, ReadOnly: true},
	}, nil
}

func (d *Driver) GetStatuses(ctx context.Context, typeID string) ([]types.StatusDef, error) {
	return []types.StatusDef{
		{Name: "New", Value: "new", Category: types.CategoryProposed, SortOrder: 1},
		{Name: "Active", Value: "active", Category: types.CategoryInProgress, SortOrder: 2},
		{Name: "Done", Value: "done", Category: types.CategoryCompleted, SortOrder: 3},
	}, nil
}

func (d *Driver) GetWorkItem(ctx context.Context, id string) (*types.WorkItem, error) {
	if d.GetErr != nil {
		return nil, d.GetErr
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	it, ok := d.items[id]
	if !ok {
		return nil, fmt.Errorf("fake item %s: %w", id, connector.ErrItemNotFound)
	}
	return cloneItem(it), nil
}

// QueryWorkItems understands {"ids": [...]} and {"types": [...]} filters;
// anything else returns every item. Results are ordered by id.
func (d *Driver) QueryWorkItems(ctx context.Context, filter json.RawMessage) ([]types.WorkItem, error) {
	if d.OnQuery != nil {
		d.OnQuery()
	}
	if d.QueryErr != nil {
		return nil, d.QueryErr
	}
	var f struct {
		IDs   []string `json:"ids"`
		Types []string `json:"types"`
	}
	if len(filter) > 0 {
		if err := json.Unmarshal(filter, &f); err != nil {
			return nil, fmt.Errorf("fake filter: %w", err)
		}
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	var out []types.WorkItem
	for _, it := range d.items {
		if len(f.IDs) > 0 && !contains(f.IDs, it.ID) {
			continue
		}
		if len(f.Types) > 0 && !contains(f.Types, it.Type) {
			continue
		}
		out = append(out, *cloneItem(it))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (d *Driver) CreateWorkItem(ctx context.Context, itemType string, fields map[string]any) (*types.WorkItem, error) {
	if d.CreateErr != nil {
		return nil, d.CreateErr
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	d.nextID++
	id := fmt.Sprintf("%s-%d", d.prefix, d.nextID)
	now := d.Now()
	item := &types.WorkItem{
		ID:     id,
		Type:   itemType,
		Rev:    "1",
		URL:    d.GetWorkItemURL(id),
		Fields: map[string]any{types.RefCreatedDate: now, types.RefChangedDate: now, types.RefType: itemType},
	}
	for k, v := range fields {
		item.Fields[k] = v
	}
	d.items[id] = item
	d.CreatedIDs = append(d.CreatedIDs, id)
	d.appendRevision(item, "create")
	return cloneItem(item), nil
}

func (d *Driver) UpdateWorkItem(ctx context.Context, id string, fields map[string]any) (*types.WorkItem, error) {
	if d.UpdateErr != nil {
		return nil, d.UpdateErr
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	item, ok := d.items[id]
	if !ok {
		return nil, fmt.Errorf("fake item %s: %w", id, connector.ErrItemNotFound)
	}
	for k, v := range fields {
		if v == nil {
			delete(item.Fields, k)
			continue
		}
		item.Fields[k] = v
	}
	item.Rev = bumpRev(item.Rev)
	item.Fields[types.RefChangedDate] = d.Now()
	d.UpdatedIDs = append(d.UpdatedIDs, id)
	d.appendRevision(item, "update")
	return cloneItem(item), nil
}

func (d *Driver) DeleteWorkItem(ctx context.Context, id string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.items[id]; !ok {
		return fmt.Errorf("fake item %s: %w", id, connector.ErrItemNotFound)
	}
	delete(d.items, id)
	d.DeletedIDs = append(d.DeletedIDs, id)
	return nil
}

func (d *Driver) GetComments(ctx context.Context, id string) ([]types.Comment, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]types.Comment(nil), d.comments[id]...), nil
}

func (d *Driver) AddComment(ctx context.Context, id, text string) (*types.Comment, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.items[id]; !ok {
		return nil, fmt.Errorf("fake item %s: %w", id, connector.ErrItemNotFound)
	}
	c := types.Comment{
		ID:          fmt.Sprintf("%s-c%d", id, len(d.comments[id])+1),
		Text:        text,
		Author:      "sync@fake",
		CreatedDate: d.Now(),
	}
	d.comments[id] = append(d.comments[id], c)
	return &c, nil
}

func (d *Driver) GetRelations(ctx context.Context, id string) ([]types.Relation, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]types.Relation(nil), d.relations[id]...), nil
}

func (d *Driver) AddRelation(ctx context.Context, id string, rel types.Relation) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.items[id]; !ok {
		return fmt.Errorf("fake item %s: %w", id, connector.ErrItemNotFound)
	}
	d.relations[id] = append(d.relations[id], rel)
	return nil
}

func (d *Driver) GetHistory(ctx context.Context, id string) ([]types.Revision, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]types.Revision(nil), d.history[id]...), nil
}

func (d *Driver) GetWorkItemURL(id string) string {
	return "https://fake.example/items/" + id
}

func (d *Driver) TransformFieldValue(ref string, value any, sourceKind string) any {
	return value
}

func (d *Driver) appendRevision(item *types.WorkItem, action string) {
	d.history[item.ID] = append(d.history[item.ID], types.Revision{
		Rev:         item.Rev,
		ChangedDate: d.Now(),
		ChangedBy:   "fake " + action,
		Fields:      cloneFields(item.Fields),
	})
}

func bumpRev(rev string) string {
	n, err := strconv.Atoi(rev)
	if err != nil {
		return rev + "'"
	}
	return strconv.Itoa(n + 1)
}

func cloneItem(it *types.WorkItem) *types.WorkItem {
	cp := *it
	cp.Fields = cloneFields(it.Fields)
	return &cp
}

func cloneFields(fields map[string]any) map[string]any {
	out := make(map[string]any, len(fields))
	for k, v := range fields {
		out[k] = v
	}
	return out
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}
