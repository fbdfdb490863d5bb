// Package servicedesk is the ManageEngine ServiceDesk Plus driver. It
// speaks the v3 REST API, mapping requests onto canonical work items:
// subject, description, status, priority, and technician onto the canonical
// reference names, request templates as work item types, notes as comments,
// and request links as relations. Nested {"name": ...} objects flatten to
// scalars on read and are rebuilt on write; udf_* references address
// user-defined fields.
package servicedesk

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/worksync/worksync/internal/connector"
	"github.com/worksync/worksync/internal/types"
)

const kind = "servicedesk-plus"

func init() {
	connector.Register(kind, func(cfg connector.Config) (connector.Connector, error) {
		return New(cfg)
	})
}

// writeSkip lists canonical fields with no writable request member. The
// template rides the create route; the timestamps are server-managed.
var writeSkip = map[string]bool{
	types.RefType:          true,
	types.RefCreatedDate:   true,
	types.RefChangedDate:   true,
	types.RefAreaPath:      true,
	types.RefIterationPath: true,
}

// Driver implements connector.Connector against a ServiceDesk Plus
// installation.
type Driver struct {
	cfg    connector.Config
	client *client
	portal string

	mu        sync.Mutex
	connected bool
}

// New builds a driver from the connector configuration. BaseURL points at
// the installation root; the /api/v3 prefix is appended when absent.
func New(cfg connector.Config) (*Driver, error) {
	base := strings.TrimRight(cfg.BaseURL, "/")
	if base == "" {
		return nil, fmt.Errorf("servicedesk connector %q: base_url is required", cfg.Name)
	}
	portal := base
	if i := strings.Index(base, "/api/"); i >= 0 {
		portal = base[:i]
	} else {
		base += "/api/v3"
	}
	auth, err := connector.AuthFor(cfg)
	if err != nil {
		return nil, err
	}
	name := cfg.Name
	if name == "" {
		name = kind
	}
	return &Driver{
		cfg:    cfg,
		client: &client{http: connector.NewTransport(name, auth, cfg.Timeout()), base: base},
		portal: portal,
	}, nil
}

func (d *Driver) Name() string {
	if d.cfg.Name != "" {
		return d.cfg.Name
	}
	return kind
}

func (d *Driver) Kind() string { return kind }

func (d *Driver) Connect(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.connected {
		return nil
	}
	if _, err := d.client.listStatuses(ctx); err != nil {
		return fmt.Errorf("servicedesk connect: %w", err)
	}
	d.connected = true
	return nil
}

func (d *Driver) TestConnection(ctx context.Context) (*types.TestResult, error) {
	statuses, err := d.client.listStatuses(ctx)
	if err != nil {
		return &types.TestResult{Success: false, Message: err.Error()}, nil
	}
	return &types.TestResult{
		Success: true,
		Message: fmt.Sprintf("connected, %d request statuses visible", len(statuses)),
		Details: map[string]any{"status_count": len(statuses)},
	}, nil
}

// Capabilities reports History false: the v3 API exposes no revision feed
// for requests.
func (d *Driver) Capabilities() types.Capabilities {
	return types.Capabilities{
		Create:        true,
		Update:        true,
		Delete:        true,
		Query:         true,
		Comments:      true,
		Links:         true,
		Bidirectional: true,
		Webhooks:      true,
	}
}

func (d *Driver) Close() error { return nil }

func (d *Driver) GetWorkItemTypes(ctx context.Context) ([]types.WorkItemType, error) {
	templates, err := d.client.listTemplates(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]types.WorkItemType, 0, len(templates))
	for _, t := range templates {
		if t.Inactive {
			continue
		}
		out = append(out, types.WorkItemType{
			ConnectorID: d.cfg.ID,
			Name:        t.Name,
			RemoteID:    t.ID,
			Description: t.Description,
		})
	}
	return out, nil
}

// GetFields reports the request schema. The v3 API has no field metadata
// route, so every template shares the standard members; the status and
// priority picklists are filled from their catalog routes.
func (d *Driver) GetFields(ctx context.Context, typeID string) ([]types.FieldDef, error) {
	statuses, err := d.client.listStatuses(ctx)
	if err != nil {
		return nil, fmt.Errorf("list fields: %w", err)
	}
	priorities, err := d.client.listPriorities(ctx)
	if err != nil {
		return nil, fmt.Errorf("list fields: %w", err)
	}
	stateValues := make([]string, 0, len(statuses))
	for _, s := range statuses {
		if !s.Inactive {
			stateValues = append(stateValues, s.Name)
		}
	}
	priorityValues := make([]string, 0, len(priorities))
	for _, p := range priorities {
		priorityValues = append(priorityValues, p.Name)
	}
	return []types.FieldDef{
		{TypeID: typeID, Name: "Subject", ReferenceName: types.RefTitle, DataType: types.FieldString, Required: true},
		{TypeID: typeID, Name: "Description", ReferenceName: types.RefDescription, DataType: types.FieldHTML},
		{TypeID: typeID, Name: "Status", ReferenceName: types.RefState, DataType: types.FieldPicklist, AllowedValues: stateValues},
		{TypeID: typeID, Name: "Priority", ReferenceName: types.RefPriority, DataType: types.FieldPicklist, AllowedValues: priorityValues},
		{TypeID: typeID, Name: "Technician", ReferenceName: types.RefAssignee, DataType: types.FieldIdentity},
		{TypeID: typeID, Name: "Requester", ReferenceName: "requester", DataType: types.FieldIdentity},
		{TypeID: typeID, Name: "Group", ReferenceName: "group", DataType: types.FieldString},
		{TypeID: typeID, Name: "Category", ReferenceName: "category", DataType: types.FieldString},
		{TypeID: typeID, Name: "Site", ReferenceName: "site", DataType: types.FieldString},
		{TypeID: typeID, Name: "Created Time", ReferenceName: types.RefCreatedDate, DataType: types.FieldDateTime, ReadOnly: true},
		{TypeID: typeID, Name: "Last Updated Time", ReferenceName: types.RefChangedDate, DataType: types.FieldDateTime, ReadOnly: true},
	}, nil
}

func (d *Driver) GetStatuses(ctx context.Context, typeID string) ([]types.StatusDef, error) {
	statuses, err := d.client.listStatuses(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]types.StatusDef, 0, len(statuses))
	for _, s := range statuses {
		if s.Inactive {
			continue
		}
		out = append(out, types.StatusDef{
			Name:      s.Name,
			Value:     s.Name,
			Category:  categoryFor(s),
			SortOrder: len(out) + 1,
		})
	}
	return out, nil
}

// categoryFor buckets a status by its internal name. Closed is the only
// completed state; Resolved still counts as open, matching how the SLA
// timers treat it.
func categoryFor(s wireStatus) types.StatusCategory {
	name := s.InternalName
	if name == "" {
		name = s.Name
	}
	switch strings.ToLower(name) {
	case "new", "pending approval":
		return types.CategoryProposed
	case "closed":
		return types.CategoryCompleted
	case "cancelled", "canceled", "trash":
		return types.CategoryRemoved
	default:
		return types.CategoryInProgress
	}
}

func (d *Driver) GetWorkItem(ctx context.Context, id string) (*types.WorkItem, error) {
	req, err := d.client.getRequest(ctx, id)
	if err != nil {
		return nil, err
	}
	return d.toWorkItem(req), nil
}

// QueryWorkItems accepts {"criteria": [...]} as a verbatim search_criteria
// block, or builds one from {"types", "states", "changedSince"}. List rows
// are trimmed projections, so every row is hydrated with a full read.
func (d *Driver) QueryWorkItems(ctx context.Context, filter json.RawMessage) ([]types.WorkItem, error) {
	var f struct {
		Criteria     json.RawMessage `json:"criteria"`
		Types        []string        `json:"types"`
		States       []string        `json:"states"`
		ChangedSince string          `json:"changedSince"`
	}
	if len(filter) > 0 {
		if err := json.Unmarshal(filter, &f); err != nil {
			return nil, fmt.Errorf("servicedesk filter: %w", err)
		}
	}
	criteria := f.Criteria
	if len(criteria) == 0 {
		built, err := buildCriteria(f.Types, f.States, f.ChangedSince)
		if err != nil {
			return nil, err
		}
		if len(built) > 0 {
			raw, err := json.Marshal(built)
			if err != nil {
				return nil, fmt.Errorf("servicedesk filter: %w", err)
			}
			criteria = raw
		}
	}

	items := []types.WorkItem{}
	start := 1
	for {
		page, err := d.client.listRequests(ctx, criteria, start)
		if err != nil {
			return nil, err
		}
		for i := range page.Requests {
			req, err := d.client.getRequest(ctx, page.Requests[i].ID)
			if err != nil {
				return nil, err
			}
			items = append(items, *d.toWorkItem(req))
		}
		if !page.ListInfo.HasMoreRows || len(page.Requests) == 0 {
			break
		}
		start += len(page.Requests)
	}
	return items, nil
}

func buildCriteria(typeNames, states []string, changedSince string) ([]searchCriterion, error) {
	var criteria []searchCriterion
	add := func(field, condition string, values []string) {
		crit := searchCriterion{Field: field, Condition: condition, Values: values}
		if len(criteria) > 0 {
			crit.LogicalOperator = "AND"
		}
		criteria = append(criteria, crit)
	}
	if len(typeNames) > 0 {
		add("template.name", "is", typeNames)
	}
	if len(states) > 0 {
		add("status.name", "is", states)
	}
	if changedSince != "" {
		ts, err := time.Parse(time.RFC3339, changedSince)
		if err != nil {
			return nil, fmt.Errorf("servicedesk filter: changedSince %q: %w", changedSince, err)
		}
		add("last_updated_time", "greater than", []string{strconv.FormatInt(ts.UnixMilli(), 10)})
	}
	return criteria, nil
}

func (d *Driver) CreateWorkItem(ctx context.Context, itemType string, fields map[string]any) (*types.WorkItem, error) {
	req := buildRequest(fields)
	if itemType != "" {
		req.Template = &nameRef{Name: itemType}
	}
	created, err := d.client.createRequest(ctx, req)
	if err != nil {
		return nil, err
	}
	return d.toWorkItem(created), nil
}

func (d *Driver) UpdateWorkItem(ctx context.Context, id string, fields map[string]any) (*types.WorkItem, error) {
	req := buildRequest(fields)
	if emptyRequest(req) {
		return d.GetWorkItem(ctx, id)
	}
	updated, err := d.client.updateRequest(ctx, id, req)
	if err != nil {
		return nil, err
	}
	if updated == nil {
		return d.GetWorkItem(ctx, id)
	}
	return d.toWorkItem(updated), nil
}

func (d *Driver) DeleteWorkItem(ctx context.Context, id string) error {
	return d.client.deleteRequest(ctx, id)
}

func (d *Driver) GetComments(ctx context.Context, id string) ([]types.Comment, error) {
	out := []types.Comment{}
	start := 1
	for {
		page, err := d.client.listNotes(ctx, id, start)
		if err != nil {
			return nil, err
		}
		for _, n := range page.Notes {
			out = append(out, toComment(n))
		}
		if !page.ListInfo.HasMoreRows || len(page.Notes) == 0 {
			break
		}
		start += len(page.Notes)
	}
	return out, nil
}

func (d *Driver) AddComment(ctx context.Context, id, text string) (*types.Comment, error) {
	n, err := d.client.addNote(ctx, id, text)
	if err != nil {
		return nil, err
	}
	c := toComment(*n)
	return &c, nil
}

// GetRelations lists linked requests. Links carry no type of their own, so
// every one surfaces as "related".
func (d *Driver) GetRelations(ctx context.Context, id string) ([]types.Relation, error) {
	links, err := d.client.listLinks(ctx, id)
	if err != nil {
		return nil, err
	}
	out := make([]types.Relation, 0, len(links))
	for _, l := range links {
		if l.LinkedRequest == nil || l.LinkedRequest.ID == "" {
			continue
		}
		out = append(out, types.Relation{
			Type:             "related",
			LinkedWorkItemID: l.LinkedRequest.ID,
			URL:              d.GetWorkItemURL(l.LinkedRequest.ID),
			Comment:          l.Comments,
		})
	}
	return out, nil
}

// AddRelation links two requests. A non-related relation type survives in
// the link comment, since the link itself cannot carry it.
func (d *Driver) AddRelation(ctx context.Context, id string, rel types.Relation) error {
	if rel.LinkedWorkItemID == "" {
		return fmt.Errorf("link from %s: linked work item id is required", id)
	}
	comment := rel.Comment
	if rel.Type != "" && rel.Type != "related" {
		comment = strings.TrimSpace(rel.Type + " " + comment)
	}
	return d.client.addLink(ctx, id, link{
		LinkedRequest: &linkedRequest{ID: rel.LinkedWorkItemID},
		Comments:      comment,
	})
}

func (d *Driver) GetHistory(ctx context.Context, id string) ([]types.Revision, error) {
	return nil, connector.ErrNotSupported
}

func (d *Driver) GetWorkItemURL(id string) string {
	return d.portal + "/app/itdesk/ui/requests/" + id + "/details"
}

// TransformFieldValue coerces the numeric priority scale used by
// development trackers (1 high through 4 backlog) onto the named scale.
func (d *Driver) TransformFieldValue(ref string, value any, sourceKind string) any {
	if ref == types.RefPriority {
		if name, ok := priorityName(value); ok {
			return name
		}
	}
	return value
}

func priorityName(value any) (string, bool) {
	var n int
	switch v := value.(type) {
	case int:
		n = v
	case int64:
		n = int(v)
	case float64:
		n = int(v)
	case string:
		parsed, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return "", false
		}
		n = parsed
	default:
		return "", false
	}
	switch {
	case n < 1:
		return "", false
	case n == 1:
		return "High", true
	case n == 2:
		return "Medium", true
	default:
		return "Low", true
	}
}

// toWorkItem normalizes a request onto the canonical field names. The
// revision is the last-updated epoch value, the closest thing the API has
// to a change counter.
func (d *Driver) toWorkItem(req *request) *types.WorkItem {
	fields := map[string]any{
		types.RefTitle:       req.Subject,
		types.RefDescription: req.Description,
	}
	if req.Status != nil {
		fields[types.RefState] = req.Status.Name
	}
	if req.Priority != nil {
		fields[types.RefPriority] = req.Priority.Name
	}
	if req.Template != nil {
		fields[types.RefType] = req.Template.Name
	}
	if req.Technician != nil {
		fields[types.RefAssignee] = identityOf(req.Technician)
	}
	if req.Requester != nil {
		fields["requester"] = identityOf(req.Requester)
	}
	if req.Group != nil {
		fields["group"] = req.Group.Name
	}
	if req.Category != nil {
		fields["category"] = req.Category.Name
	}
	if req.Site != nil {
		fields["site"] = req.Site.Name
	}
	if ts, ok := req.CreatedTime.time(); ok {
		fields[types.RefCreatedDate] = ts.Format(time.RFC3339)
	}
	rev := ""
	if ts, ok := req.UpdatedTime.time(); ok {
		fields[types.RefChangedDate] = ts.Format(time.RFC3339)
		rev = req.UpdatedTime.Value
	}
	for k, v := range req.UDFFields {
		fields[k] = v
	}
	item := &types.WorkItem{
		ID:     req.ID,
		Rev:    rev,
		URL:    d.GetWorkItemURL(req.ID),
		Fields: fields,
	}
	if req.Template != nil {
		item.Type = req.Template.Name
	}
	return item
}

func identityOf(p *person) types.Identity {
	return types.Identity{DisplayName: p.Name, UniqueName: p.Email}
}

func toComment(n note) types.Comment {
	c := types.Comment{ID: n.ID, Text: n.Description}
	if n.CreatedBy != nil {
		c.Author = n.CreatedBy.Name
	}
	if ts, ok := n.CreatedTime.time(); ok {
		c.CreatedDate = ts
	}
	return c
}

// buildRequest denormalizes canonical fields into the request write shape.
// References without a request member are dropped, except udf_* names,
// which ride in udf_fields.
func buildRequest(fields map[string]any) *request {
	req := &request{}
	for ref, val := range fields {
		if val == nil || writeSkip[ref] {
			continue
		}
		switch ref {
		case types.RefTitle:
			req.Subject = fmt.Sprint(val)
		case types.RefDescription:
			req.Description = fmt.Sprint(val)
		case types.RefState:
			req.Status = &nameRef{Name: fmt.Sprint(val)}
		case types.RefPriority:
			req.Priority = &nameRef{Name: fmt.Sprint(val)}
		case types.RefAssignee:
			req.Technician = personOf(val)
		case "requester":
			req.Requester = personOf(val)
		case "group":
			req.Group = &nameRef{Name: fmt.Sprint(val)}
		case "category":
			req.Category = &nameRef{Name: fmt.Sprint(val)}
		case "site":
			req.Site = &nameRef{Name: fmt.Sprint(val)}
		default:
			if strings.HasPrefix(ref, "udf_") {
				if req.UDFFields == nil {
					req.UDFFields = map[string]any{}
				}
				req.UDFFields[ref] = val
			}
		}
	}
	return req
}

func personOf(val any) *person {
	switch v := val.(type) {
	case types.Identity:
		return &person{Name: v.DisplayName, Email: v.UniqueName}
	case *types.Identity:
		return &person{Name: v.DisplayName, Email: v.UniqueName}
	case map[string]any:
		p := &person{}
		if s, ok := v["displayName"].(string); ok {
			p.Name = s
		}
		if s, ok := v["uniqueName"].(string); ok {
			p.Email = s
		}
		return p
	case string:
		if strings.Contains(v, "@") {
			return &person{Email: v}
		}
		return &person{Name: v}
	default:
		return &person{Name: fmt.Sprint(val)}
	}
}

func emptyRequest(r *request) bool {
	return r.Subject == "" && r.Description == "" &&
		r.Status == nil && r.Priority == nil && r.Template == nil &&
		r.Technician == nil && r.Requester == nil &&
		r.Group == nil && r.Category == nil && r.Site == nil &&
		len(r.UDFFields) == 0
}
