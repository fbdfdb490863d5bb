// Package azure is the Azure DevOps driver. It speaks the REST 7.0 API:
// WIQL for queries, JSON-patch documents for writes, and the dedicated
// comments, relations, and revisions endpoints for the optional surfaces.
// Remote System.* field paths are normalized onto the canonical reference
// names on read and denormalized on write; unknown fields pass through
// under their remote names.
package azure

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/worksync/worksync/internal/connector"
	"github.com/worksync/worksync/internal/types"
)

func init() {
	connector.Register("azure-devops", func(cfg connector.Config) (connector.Connector, error) {
		return New(cfg)
	})
}

// refToRemote maps canonical reference names to Azure DevOps field paths.
var refToRemote = map[string]string{
	types.RefTitle:         "System.Title",
	types.RefDescription:   "System.Description",
	types.RefState:         "System.State",
	types.RefType:          "System.WorkItemType",
	types.RefPriority:      "Microsoft.VSTS.Common.Priority",
	types.RefAssignee:      "System.AssignedTo",
	types.RefCreatedDate:   "System.CreatedDate",
	types.RefChangedDate:   "System.ChangedDate",
	types.RefAreaPath:      "System.AreaPath",
	types.RefIterationPath: "System.IterationPath",
}

var remoteToRef = func() map[string]string {
	m := make(map[string]string, len(refToRemote))
	for ref, remote := range refToRemote {
		m[remote] = ref
	}
	return m
}()

// writeSkip lists canonical fields the server manages itself. The type
// rides the create route and is never patched as a field.
var writeSkip = map[string]bool{
	types.RefCreatedDate: true,
	types.RefChangedDate: true,
	types.RefType:        true,
}

// relToRemote maps the canonical relation vocabulary to Azure link
// reference names.
var relToRemote = map[string]string{
	"parent":      "System.LinkType.Hierarchy-Reverse",
	"child":       "System.LinkType.Hierarchy-Forward",
	"related":     "System.LinkType.Related",
	"duplicate":   "System.LinkType.Duplicate-Forward",
	"predecessor": "System.LinkType.Dependency-Reverse",
	"successor":   "System.LinkType.Dependency-Forward",
}

var remoteToRel = func() map[string]string {
	m := make(map[string]string, len(relToRemote))
	for rel, remote := range relToRemote {
		m[remote] = rel
	}
	return m
}()

// Driver is an Azure DevOps connector bound to one organization and project.
type Driver struct {
	cfg    connector.Config
	client *client

	mu        sync.Mutex
	connected bool
	catalog   map[string]wireField
}

// New builds a driver. BaseURL may be a full organization URL or a bare
// organization name; the "project" metadata key is required.
func New(cfg connector.Config) (*Driver, error) {
	project := cfg.Metadata["project"]
	if project == "" {
		return nil, fmt.Errorf("azure connector %q: project metadata is required", cfg.Name)
	}
	base := strings.TrimSuffix(cfg.BaseURL, "/")
	if base == "" {
		base = cfg.Metadata["organization"]
	}
	if base == "" {
		return nil, fmt.Errorf("azure connector %q: base url or organization metadata is required", cfg.Name)
	}
	if !strings.HasPrefix(base, "http") {
		base = "https://dev.azure.com/" + base
	}

	auth, err := connector.AuthFor(cfg)
	if err != nil {
		return nil, err
	}
	return &Driver{
		cfg: cfg,
		client: &client{
			http:    connector.NewTransport(cfg.Name, auth, cfg.Timeout()),
			base:    base,
			project: project,
		},
	}, nil
}

func (d *Driver) Name() string {
	if d.cfg.Name != "" {
		return d.cfg.Name
	}
	return "azure-devops"
}

func (d *Driver) Kind() string { return "azure-devops" }

// Connect verifies the project is reachable with the configured credential.
func (d *Driver) Connect(ctx context.Context) error {
	d.mu.Lock()
	done := d.connected
	d.mu.Unlock()
	if done {
		return nil
	}
	if _, err := d.client.getProject(ctx); err != nil {
		return fmt.Errorf("azure connect: %w", err)
	}
	d.mu.Lock()
	d.connected = true
	d.mu.Unlock()
	return nil
}

func (d *Driver) TestConnection(ctx context.Context) (*types.TestResult, error) {
	proj, err := d.client.getProject(ctx)
	if err != nil {
		return &types.TestResult{Success: false, Message: err.Error()}, nil
	}
	return &types.TestResult{
		Success: true,
		Message: fmt.Sprintf("connected to project %s", proj.Name),
		Details: map[string]any{"project_id": proj.ID, "state": proj.State},
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

func (d *Driver) GetWorkItemTypes(ctx context.Context) ([]types.WorkItemType, error) {
	wire, err := d.client.listTypes(ctx)
	if err != nil {
		return nil, fmt.Errorf("list work item types: %w", err)
	}
	out := make([]types.WorkItemType, 0, len(wire))
	for _, t := range wire {
		out = append(out, types.WorkItemType{
			ConnectorID: d.cfg.ID,
			Name:        t.Name,
			// Type routes are addressed by name, so the name doubles as
			// the remote id.
			RemoteID:    t.Name,
			Description: t.Description,
		})
	}
	return out, nil
}

// GetFields joins the per-type field list with the org-wide catalog: the
// type endpoint knows requiredness and allowed values, the catalog knows
// data types and read-only flags.
func (d *Driver) GetFields(ctx context.Context, typeID string) ([]types.FieldDef, error) {
	catalog, err := d.fieldCatalog(ctx)
	if err != nil {
		return nil, fmt.Errorf("load field catalog: %w", err)
	}
	wire, err := d.client.listTypeFields(ctx, typeID)
	if err != nil {
		return nil, fmt.Errorf("list fields of %s: %w", typeID, err)
	}

	out := make([]types.FieldDef, 0, len(wire))
	for _, f := range wire {
		meta := catalog[f.ReferenceName]
		ref := f.ReferenceName
		if canon, ok := remoteToRef[f.ReferenceName]; ok {
			ref = canon
		}
		def := types.FieldDef{
			Name:          f.Name,
			ReferenceName: ref,
			DataType:      dataTypeFor(meta),
			Required:      f.AlwaysRequired,
			ReadOnly:      meta.ReadOnly,
		}
		for _, v := range f.AllowedValues {
			def.AllowedValues = append(def.AllowedValues, fmt.Sprint(v))
		}
		if f.DefaultValue != nil {
			def.DefaultValue = fmt.Sprint(f.DefaultValue)
		}
		out = append(out, def)
	}
	return out, nil
}

func (d *Driver) GetStatuses(ctx context.Context, typeID string) ([]types.StatusDef, error) {
	wire, err := d.client.listStates(ctx, typeID)
	if err != nil {
		return nil, fmt.Errorf("list states of %s: %w", typeID, err)
	}
	out := make([]types.StatusDef, 0, len(wire))
	for i, st := range wire {
		out = append(out, types.StatusDef{
			Name:      st.Name,
			Value:     st.Name,
			Category:  categoryFor(st.Category),
			SortOrder: i + 1,
		})
	}
	return out, nil
}

func (d *Driver) GetWorkItem(ctx context.Context, id string) (*types.WorkItem, error) {
	n, err := parseID(id)
	if err != nil {
		return nil, err
	}
	wire, err := d.client.getWorkItem(ctx, n, "all")
	if err != nil {
		return nil, err
	}
	return d.toWorkItem(wire), nil
}

// QueryWorkItems accepts {"wiql": "..."} verbatim, or builds a WIQL query
// from {"types": [...], "states": [...], "changedSince": "..."}. An empty
// filter selects every item in the project.
func (d *Driver) QueryWorkItems(ctx context.Context, filter json.RawMessage) ([]types.WorkItem, error) {
	var f struct {
		WIQL         string   `json:"wiql"`
		Types        []string `json:"types"`
		States       []string `json:"states"`
		ChangedSince string   `json:"changedSince"`
	}
	if len(filter) > 0 {
		if err := json.Unmarshal(filter, &f); err != nil {
			return nil, fmt.Errorf("azure filter: %w", err)
		}
	}

	wiql := f.WIQL
	if wiql == "" {
		clauses := []string{fmt.Sprintf("[System.TeamProject] = '%s'", wiqlEscape(d.client.project))}
		if len(f.Types) > 0 {
			clauses = append(clauses, "[System.WorkItemType] IN ("+quoteList(f.Types)+")")
		}
		if len(f.States) > 0 {
			clauses = append(clauses, "[System.State] IN ("+quoteList(f.States)+")")
		}
		if f.ChangedSince != "" {
			clauses = append(clauses, fmt.Sprintf("[System.ChangedDate] >= '%s'", wiqlEscape(f.ChangedSince)))
		}
		wiql = "SELECT [System.Id] FROM WorkItems WHERE " +
			strings.Join(clauses, " AND ") + " ORDER BY [System.Id]"
	}

	ids, err := d.client.queryIDs(ctx, wiql)
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return []types.WorkItem{}, nil
	}

	out := make([]types.WorkItem, 0, len(ids))
	for start := 0; start < len(ids); start += maxBatch {
		end := start + maxBatch
		if end > len(ids) {
			end = len(ids)
		}
		batch, err := d.client.batchGet(ctx, ids[start:end])
		if err != nil {
			return nil, err
		}
		for i := range batch {
			out = append(out, *d.toWorkItem(&batch[i]))
		}
	}
	return out, nil
}

func (d *Driver) CreateWorkItem(ctx context.Context, itemType string, fields map[string]any) (*types.WorkItem, error) {
	wire, err := d.client.createWorkItem(ctx, itemType, d.patchOps(fields))
	if err != nil {
		return nil, err
	}
	return d.toWorkItem(wire), nil
}

func (d *Driver) UpdateWorkItem(ctx context.Context, id string, fields map[string]any) (*types.WorkItem, error) {
	n, err := parseID(id)
	if err != nil {
		return nil, err
	}
	ops := d.patchOps(fields)
	if len(ops) == 0 {
		return d.GetWorkItem(ctx, id)
	}
	wire, err := d.client.updateWorkItem(ctx, n, ops)
	if err != nil {
		return nil, err
	}
	return d.toWorkItem(wire), nil
}

func (d *Driver) DeleteWorkItem(ctx context.Context, id string) error {
	n, err := parseID(id)
	if err != nil {
		return err
	}
	return d.client.deleteWorkItem(ctx, n)
}

func (d *Driver) GetComments(ctx context.Context, id string) ([]types.Comment, error) {
	n, err := parseID(id)
	if err != nil {
		return nil, err
	}
	wire, err := d.client.listComments(ctx, n)
	if err != nil {
		return nil, fmt.Errorf("list comments of %s: %w", id, err)
	}
	out := make([]types.Comment, 0, len(wire))
	for _, c := range wire {
		out = append(out, toComment(c))
	}
	return out, nil
}

func (d *Driver) AddComment(ctx context.Context, id, text string) (*types.Comment, error) {
	n, err := parseID(id)
	if err != nil {
		return nil, err
	}
	wire, err := d.client.addComment(ctx, n, text)
	if err != nil {
		return nil, fmt.Errorf("add comment to %s: %w", id, err)
	}
	c := toComment(*wire)
	return &c, nil
}

// GetRelations lists item-to-item links. Attachments, hyperlinks, and other
// non-item relations are skipped.
func (d *Driver) GetRelations(ctx context.Context, id string) ([]types.Relation, error) {
	n, err := parseID(id)
	if err != nil {
		return nil, err
	}
	wire, err := d.client.getWorkItem(ctx, n, "relations")
	if err != nil {
		return nil, err
	}
	out := make([]types.Relation, 0, len(wire.Relations))
	for _, rel := range wire.Relations {
		linked := itemIDFromURL(rel.URL)
		if linked == "" {
			continue
		}
		canonical := rel.Rel
		if r, ok := remoteToRel[rel.Rel]; ok {
			canonical = r
		}
		r := types.Relation{Type: canonical, LinkedWorkItemID: linked, URL: rel.URL}
		if c, ok := rel.Attributes["comment"].(string); ok {
			r.Comment = c
		}
		out = append(out, r)
	}
	return out, nil
}

func (d *Driver) AddRelation(ctx context.Context, id string, rel types.Relation) error {
	n, err := parseID(id)
	if err != nil {
		return err
	}
	target, err := parseID(rel.LinkedWorkItemID)
	if err != nil {
		return err
	}
	value := map[string]any{
		"rel": remoteRelType(rel.Type),
		"url": d.client.base + "/" + url.PathEscape(d.client.project) +
			"/_apis/wit/workItems/" + strconv.Itoa(target),
	}
	if rel.Comment != "" {
		value["attributes"] = map[string]any{"comment": rel.Comment}
	}
	ops := []patchOperation{{Op: "add", Path: "/relations/-", Value: value}}
	if _, err := d.client.updateWorkItem(ctx, n, ops); err != nil {
		return fmt.Errorf("link %s to %s: %w", id, rel.LinkedWorkItemID, err)
	}
	return nil
}

func (d *Driver) GetHistory(ctx context.Context, id string) ([]types.Revision, error) {
	n, err := parseID(id)
	if err != nil {
		return nil, err
	}
	wire, err := d.client.listRevisions(ctx, n)
	if err != nil {
		return nil, fmt.Errorf("list revisions of %s: %w", id, err)
	}
	out := make([]types.Revision, 0, len(wire))
	for _, rev := range wire {
		fields := canonicalFields(rev.Fields)
		r := types.Revision{Rev: strconv.Itoa(rev.Rev), Fields: fields}
		if ts, ok := fields[types.RefChangedDate].(string); ok {
			if parsed, err := parseTimestamp(ts); err == nil {
				r.ChangedDate = parsed
			}
		}
		if who, ok := rev.Fields["System.ChangedBy"].(map[string]any); ok {
			if dn, ok := who["displayName"].(string); ok {
				r.ChangedBy = dn
			}
		}
		out = append(out, r)
	}
	return out, nil
}

func (d *Driver) GetWorkItemURL(id string) string {
	return d.client.base + "/" + url.PathEscape(d.client.project) + "/_workitems/edit/" + id
}

// TransformFieldValue re-roots area and iteration paths under this
// connector's project and coerces priorities onto the 1-4 integer scale.
func (d *Driver) TransformFieldValue(ref string, value any, sourceKind string) any {
	switch ref {
	case types.RefAreaPath, types.RefIterationPath:
		if s, ok := value.(string); ok && s != "" {
			return d.rerootPath(s)
		}
	case types.RefPriority:
		if p, ok := coercePriority(value); ok {
			return p
		}
	}
	return value
}

// rerootPath swaps the project segment of a tree path for this connector's
// project, keeping the rest of the tree.
func (d *Driver) rerootPath(path string) string {
	parts := strings.Split(strings.ReplaceAll(path, "/", "\\"), "\\")
	parts[0] = d.client.project
	return strings.Join(parts, "\\")
}

func (d *Driver) fieldCatalog(ctx context.Context) (map[string]wireField, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.catalog != nil {
		return d.catalog, nil
	}
	fields, err := d.client.listFields(ctx)
	if err != nil {
		return nil, err
	}
	catalog := make(map[string]wireField, len(fields))
	for _, f := range fields {
		catalog[f.ReferenceName] = f
	}
	d.catalog = catalog
	return catalog, nil
}

// patchOps denormalizes canonical fields into a JSON-patch document with a
// deterministic op order. Nils and server-managed fields are dropped.
func (d *Driver) patchOps(fields map[string]any) []patchOperation {
	refs := make([]string, 0, len(fields))
	for ref := range fields {
		refs = append(refs, ref)
	}
	sort.Strings(refs)

	ops := make([]patchOperation, 0, len(refs))
	for _, ref := range refs {
		val := fields[ref]
		if val == nil || writeSkip[ref] {
			continue
		}
		remote := ref
		if r, ok := refToRemote[ref]; ok {
			remote = r
		}
		ops = append(ops, patchOperation{Op: "add", Path: "/fields/" + remote, Value: remoteValue(val)})
	}
	return ops
}

func (d *Driver) toWorkItem(w *workItem) *types.WorkItem {
	id := strconv.Itoa(w.ID)
	item := &types.WorkItem{
		ID:     id,
		Rev:    strconv.Itoa(w.Rev),
		URL:    d.GetWorkItemURL(id),
		Fields: canonicalFields(w.Fields),
	}
	if t, ok := item.Fields[types.RefType].(string); ok {
		item.Type = t
	}
	return item
}

// canonicalFields renames known remote field paths to canonical references
// and normalizes values: identities become types.Identity, whole numbers
// become ints, date fields become RFC 3339 strings.
func canonicalFields(fields map[string]any) map[string]any {
	out := make(map[string]any, len(fields))
	for remote, val := range fields {
		ref := remote
		if r, ok := remoteToRef[remote]; ok {
			ref = r
		}
		out[ref] = canonicalValue(remote, val)
	}
	return out
}

func canonicalValue(remote string, v any) any {
	switch val := v.(type) {
	case map[string]any:
		if dn, ok := val["displayName"].(string); ok {
			id := types.Identity{DisplayName: dn}
			if un, ok := val["uniqueName"].(string); ok {
				id.UniqueName = un
			}
			return id
		}
		return val
	case float64:
		if val == math.Trunc(val) {
			return int(val)
		}
		return val
	case string:
		// All Azure date fields end in "Date" (CreatedDate, ClosedDate,
		// TargetDate, ...). Other strings must not be touched.
		if strings.HasSuffix(remote, "Date") {
			if ts, err := parseTimestamp(val); err == nil {
				return ts.UTC().Format(time.RFC3339)
			}
		}
		return val
	}
	return v
}

// remoteValue denormalizes a canonical value for a patch document.
func remoteValue(v any) any {
	switch val := v.(type) {
	case types.Identity:
		return identityString(val)
	case *types.Identity:
		return identityString(*val)
	case map[string]any:
		// An identity that went through a JSON round trip.
		if dn, ok := val["displayName"].(string); ok {
			id := types.Identity{DisplayName: dn}
			if un, ok := val["uniqueName"].(string); ok {
				id.UniqueName = un
			}
			return identityString(id)
		}
		return val
	case time.Time:
		return val.UTC().Format(time.RFC3339)
	}
	return v
}

// identityString renders an identity the way the API accepts assignments:
// the unique name when known, else the display name.
func identityString(id types.Identity) string {
	if id.UniqueName != "" {
		return id.UniqueName
	}
	return id.DisplayName
}

func toComment(c wireComment) types.Comment {
	out := types.Comment{ID: strconv.Itoa(c.ID), Text: c.Text}
	if c.CreatedBy != nil {
		out.Author = c.CreatedBy.DisplayName
	}
	if ts, err := parseTimestamp(c.CreatedDate); err == nil {
		out.CreatedDate = ts
	}
	return out
}

func categoryFor(category string) types.StatusCategory {
	switch category {
	case "Proposed":
		return types.CategoryProposed
	case "Completed":
		return types.CategoryCompleted
	case "Removed":
		return types.CategoryRemoved
	default:
		// InProgress and Resolved: resolved items still count as open in
		// Azure queries.
		return types.CategoryInProgress
	}
}

func dataTypeFor(meta wireField) types.FieldDataType {
	if meta.IsIdentity {
		return types.FieldIdentity
	}
	if meta.IsPicklist {
		return types.FieldPicklist
	}
	switch meta.Type {
	case "integer":
		return types.FieldInt
	case "double":
		return types.FieldDouble
	case "dateTime":
		return types.FieldDateTime
	case "html", "history":
		return types.FieldHTML
	case "boolean":
		return types.FieldBoolean
	case "identity":
		return types.FieldIdentity
	default:
		return types.FieldString
	}
}

// coercePriority maps common priority spellings onto the 1-4 scale where
// 1 is high, 2 medium, 3 low, and 4 backlog.
func coercePriority(v any) (int, bool) {
	switch p := v.(type) {
	case int:
		return clampPriority(p), true
	case int64:
		return clampPriority(int(p)), true
	case float64:
		return clampPriority(int(p)), true
	case string:
		s := strings.TrimSpace(p)
		if n, err := strconv.Atoi(s); err == nil {
			return clampPriority(n), true
		}
		switch strings.ToLower(s) {
		case "critical", "urgent", "highest", "immediate", "high":
			return 1, true
		case "medium", "normal", "moderate":
			return 2, true
		case "low", "minor":
			return 3, true
		case "backlog", "trivial":
			return 4, true
		}
	}
	return 0, false
}

func clampPriority(n int) int {
	if n < 1 {
		return 1
	}
	if n > 4 {
		return 4
	}
	return n
}

func parseID(id string) (int, error) {
	n, err := strconv.Atoi(id)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("azure work item id %q is not numeric", id)
	}
	return n, nil
}

// itemIDFromURL extracts the trailing numeric id of a work item API URL,
// or "" when the URL does not point at a work item.
func itemIDFromURL(u string) string {
	if !strings.Contains(strings.ToLower(u), "/workitems/") {
		return ""
	}
	i := strings.LastIndex(u, "/")
	if i < 0 || i == len(u)-1 {
		return ""
	}
	id := u[i+1:]
	if _, err := strconv.Atoi(id); err != nil {
		return ""
	}
	return id
}

func remoteRelType(t string) string {
	if r, ok := relToRemote[strings.ToLower(t)]; ok {
		return r
	}
	if strings.HasPrefix(t, "System.LinkType.") || strings.HasPrefix(t, "Microsoft.") {
		return t
	}
	return "System.LinkType.Related"
}

func wiqlEscape(s string) string {
	return strings.ReplaceAll(s, "'", "''")
}

func quoteList(vals []string) string {
	quoted := make([]string, len(vals))
	for i, v := range vals {
		quoted[i] = "'" + wiqlEscape(v) + "'"
	}
	return strings.Join(quoted, ", ")
}

func parseTimestamp(ts string) (time.Time, error) {
	if ts == "" {
		return time.Time{}, fmt.Errorf("empty timestamp")
	}
	for _, layout := range []string{time.RFC3339Nano, time.RFC3339, "2006-01-02T15:04:05", "2006-01-02"} {
		if t, err := time.Parse(layout, ts); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized timestamp %q", ts)
}
