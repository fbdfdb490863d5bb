package azure

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/worksync/worksync/internal/connector"
	"github.com/worksync/worksync/internal/types"
)

func newTestDriver(t *testing.T, handler http.Handler) *Driver {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	d, err := New(connector.Config{
		ID:          "conn-ado",
		Name:        "ado-test",
		Kind:        "azure-devops",
		BaseURL:     srv.URL,
		AuthKind:    types.AuthPAT,
		Credentials: map[string]string{"pat": "s3cret"},
		Metadata:    map[string]string{"project": "Phoenix"},
	})
	if err != nil {
		t.Fatal(err)
	}
	return d
}

func decodeOps(t *testing.T, r *http.Request) []patchOperation {
	t.Helper()
	var ops []patchOperation
	if err := json.NewDecoder(r.Body).Decode(&ops); err != nil {
		t.Fatalf("decode patch document: %v", err)
	}
	return ops
}

func opByPath(ops []patchOperation, path string) (patchOperation, bool) {
	for _, op := range ops {
		if op.Path == path {
			return op, true
		}
	}
	return patchOperation{}, false
}

func TestNewValidations(t *testing.T) {
	base := connector.Config{
		Name:        "ado",
		AuthKind:    types.AuthPAT,
		Credentials: map[string]string{"pat": "tok"},
	}

	cfg := base
	cfg.BaseURL = "https://dev.azure.com/contoso"
	if _, err := New(cfg); err == nil || !strings.Contains(err.Error(), "project") {
		t.Errorf("missing project err = %v", err)
	}

	cfg = base
	cfg.Metadata = map[string]string{"project": "Phoenix", "organization": "contoso"}
	d, err := New(cfg)
	if err != nil {
		t.Fatal(err)
	}
	if got := d.GetWorkItemURL("5"); got != "https://dev.azure.com/contoso/Phoenix/_workitems/edit/5" {
		t.Errorf("organization shorthand URL = %q", got)
	}

	cfg = base
	cfg.BaseURL = "contoso"
	cfg.Metadata = map[string]string{"project": "Phoenix"}
	d, err = New(cfg)
	if err != nil {
		t.Fatal(err)
	}
	if got := d.GetWorkItemURL("5"); !strings.HasPrefix(got, "https://dev.azure.com/contoso/") {
		t.Errorf("bare organization URL = %q", got)
	}

	cfg = base
	cfg.BaseURL = "https://dev.azure.com/contoso"
	cfg.Metadata = map[string]string{"project": "Phoenix"}
	cfg.Credentials = nil
	if _, err := New(cfg); err == nil {
		t.Error("missing pat should fail")
	}
}

func TestGetWorkItemCanonicalFields(t *testing.T) {
	var gotVersion, gotPass string
	mux := http.NewServeMux()
	mux.HandleFunc("/Phoenix/_apis/wit/workitems/42", func(w http.ResponseWriter, r *http.Request) {
		gotVersion = r.URL.Query().Get("api-version")
		_, gotPass, _ = r.BasicAuth()
		fmt.Fprint(w, `{
			"id": 42, "rev": 5,
			"fields": {
				"System.Title": "Checkout crashes",
				"System.State": "Active",
				"System.WorkItemType": "Bug",
				"Microsoft.VSTS.Common.Priority": 2,
				"System.AssignedTo": {"displayName": "Dana Li", "uniqueName": "dana@example.com"},
				"System.CreatedDate": "2026-03-01T10:30:00.1234567Z",
				"System.ChangedDate": "2026-03-02T08:00:00Z",
				"System.AreaPath": "Phoenix\\Web",
				"Custom.Escalated": true
			}
		}`)
	})
	d := newTestDriver(t, mux)

	item, err := d.GetWorkItem(context.Background(), "42")
	if err != nil {
		t.Fatal(err)
	}
	if gotVersion != "7.0" {
		t.Errorf("api-version = %q", gotVersion)
	}
	if gotPass != "s3cret" {
		t.Errorf("pat = %q", gotPass)
	}
	if item.ID != "42" || item.Rev != "5" || item.Type != "Bug" {
		t.Errorf("item = %+v", item)
	}
	if got := item.StringField(types.RefTitle); got != "Checkout crashes" {
		t.Errorf("title = %q", got)
	}
	if got := item.Field(types.RefPriority); got != 2 {
		t.Errorf("priority = %v (%T), want int 2", got, got)
	}
	wantAssignee := types.Identity{DisplayName: "Dana Li", UniqueName: "dana@example.com"}
	if got := item.Field(types.RefAssignee); got != wantAssignee {
		t.Errorf("assignee = %#v", got)
	}
	if got := item.StringField(types.RefCreatedDate); got != "2026-03-01T10:30:00Z" {
		t.Errorf("createdDate = %q, want normalized RFC 3339", got)
	}
	if got := item.StringField(types.RefAreaPath); got != `Phoenix\Web` {
		t.Errorf("areaPath = %q", got)
	}
	if got := item.Field("Custom.Escalated"); got != true {
		t.Errorf("pass-through field = %v", got)
	}
	if !strings.HasSuffix(item.URL, "/Phoenix/_workitems/edit/42") {
		t.Errorf("url = %q", item.URL)
	}
}

func TestGetWorkItemNotFound(t *testing.T) {
	d := newTestDriver(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	}))
	_, err := d.GetWorkItem(context.Background(), "9")
	if !errors.Is(err, connector.ErrItemNotFound) {
		t.Fatalf("err = %v, want ErrItemNotFound", err)
	}
}

func TestQueryBuildsWIQLAndPages(t *testing.T) {
	var wiql string
	var batchSizes []int
	mux := http.NewServeMux()
	mux.HandleFunc("/Phoenix/_apis/wit/wiql", func(w http.ResponseWriter, r *http.Request) {
		var req wiqlRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode wiql request: %v", err)
		}
		wiql = req.Query
		refs := make([]string, 201)
		for i := range refs {
			refs[i] = fmt.Sprintf(`{"id": %d}`, i+1)
		}
		fmt.Fprintf(w, `{"workItems": [%s]}`, strings.Join(refs, ","))
	})
	mux.HandleFunc("/Phoenix/_apis/wit/workitems", func(w http.ResponseWriter, r *http.Request) {
		if got := r.URL.Query().Get("$expand"); got != "all" {
			t.Errorf("$expand = %q", got)
		}
		ids := strings.Split(r.URL.Query().Get("ids"), ",")
		batchSizes = append(batchSizes, len(ids))
		items := make([]string, len(ids))
		for i, id := range ids {
			items[i] = fmt.Sprintf(`{"id": %s, "rev": 1, "fields": {"System.Title": "Item %s", "System.WorkItemType": "Task"}}`, id, id)
		}
		fmt.Fprintf(w, `{"count": %d, "value": [%s]}`, len(ids), strings.Join(items, ","))
	})
	d := newTestDriver(t, mux)

	filter := json.RawMessage(`{"types": ["Task", "Bug"], "changedSince": "2026-01-01T00:00:00Z"}`)
	items, err := d.QueryWorkItems(context.Background(), filter)
	if err != nil {
		t.Fatal(err)
	}
	if len(items) != 201 {
		t.Fatalf("items = %d, want 201", len(items))
	}
	if items[0].ID != "1" || items[0].Type != "Task" {
		t.Errorf("first item = %+v", items[0])
	}

	for _, want := range []string{
		"[System.TeamProject] = 'Phoenix'",
		"[System.WorkItemType] IN ('Task', 'Bug')",
		"[System.ChangedDate] >= '2026-01-01T00:00:00Z'",
		"ORDER BY [System.Id]",
	} {
		if !strings.Contains(wiql, want) {
			t.Errorf("wiql %q missing %q", wiql, want)
		}
	}
	if len(batchSizes) != 2 || batchSizes[0] != 200 || batchSizes[1] != 1 {
		t.Errorf("batch sizes = %v, want [200 1]", batchSizes)
	}
}

func TestQueryVerbatimWIQL(t *testing.T) {
	const custom = "SELECT [System.Id] FROM WorkItems WHERE [System.Tags] CONTAINS 'sync'"
	var wiql string
	mux := http.NewServeMux()
	mux.HandleFunc("/Phoenix/_apis/wit/wiql", func(w http.ResponseWriter, r *http.Request) {
		var req wiqlRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		wiql = req.Query
		fmt.Fprint(w, `{"workItems": []}`)
	})
	d := newTestDriver(t, mux)

	items, err := d.QueryWorkItems(context.Background(), json.RawMessage(`{"wiql": "`+custom+`"}`))
	if err != nil {
		t.Fatal(err)
	}
	if len(items) != 0 {
		t.Errorf("items = %d", len(items))
	}
	if wiql != custom {
		t.Errorf("wiql = %q, want verbatim filter query", wiql)
	}
}

func TestCreateWorkItemPatchDocument(t *testing.T) {
	var ops []patchOperation
	var contentType string
	mux := http.NewServeMux()
	mux.HandleFunc("/Phoenix/_apis/wit/workitems/$Bug", func(w http.ResponseWriter, r *http.Request) {
		contentType = r.Header.Get("Content-Type")
		ops = decodeOps(t, r)
		fmt.Fprint(w, `{"id": 101, "rev": 1, "fields": {"System.Title": "New bug", "System.WorkItemType": "Bug"}}`)
	})
	d := newTestDriver(t, mux)

	created, err := d.CreateWorkItem(context.Background(), "Bug", map[string]any{
		types.RefTitle:       "New bug",
		types.RefPriority:    1,
		types.RefAssignee:    types.Identity{DisplayName: "Dana Li", UniqueName: "dana@example.com"},
		types.RefChangedDate: "2026-03-02T08:00:00Z",
		"Custom.Origin":      "sdp",
	})
	if err != nil {
		t.Fatal(err)
	}
	if created.ID != "101" || created.Type != "Bug" {
		t.Errorf("created = %+v", created)
	}
	if contentType != patchContentType {
		t.Errorf("content type = %q", contentType)
	}
	if len(ops) != 4 {
		t.Fatalf("ops = %d (%v), want 4: changedDate is server-managed", len(ops), ops)
	}
	for _, op := range ops {
		if op.Op != "add" {
			t.Errorf("op = %q, want add", op.Op)
		}
	}
	if op, ok := opByPath(ops, "/fields/System.Title"); !ok || op.Value != "New bug" {
		t.Errorf("title op = %+v", op)
	}
	if op, ok := opByPath(ops, "/fields/System.AssignedTo"); !ok || op.Value != "dana@example.com" {
		t.Errorf("assignee op = %+v, want unique name string", op)
	}
	if op, ok := opByPath(ops, "/fields/Microsoft.VSTS.Common.Priority"); !ok || op.Value != float64(1) {
		t.Errorf("priority op = %+v", op)
	}
	if op, ok := opByPath(ops, "/fields/Custom.Origin"); !ok || op.Value != "sdp" {
		t.Errorf("pass-through op = %+v", op)
	}
	if _, ok := opByPath(ops, "/fields/System.ChangedDate"); ok {
		t.Error("changedDate must not be written")
	}
}

func TestUpdateWorkItemSkipsNilsAndEmptyPatch(t *testing.T) {
	var patches, gets atomic.Int32
	var ops []patchOperation
	mux := http.NewServeMux()
	mux.HandleFunc("/Phoenix/_apis/wit/workitems/42", func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodPatch:
			patches.Add(1)
			ops = decodeOps(t, r)
		case http.MethodGet:
			gets.Add(1)
		}
		fmt.Fprint(w, `{"id": 42, "rev": 6, "fields": {"System.Title": "Renamed", "System.WorkItemType": "Bug"}}`)
	})
	d := newTestDriver(t, mux)

	item, err := d.UpdateWorkItem(context.Background(), "42", map[string]any{
		types.RefTitle:       "Renamed",
		types.RefDescription: nil,
	})
	if err != nil {
		t.Fatal(err)
	}
	if item.Rev != "6" {
		t.Errorf("rev = %q", item.Rev)
	}
	if len(ops) != 1 || ops[0].Path != "/fields/System.Title" {
		t.Errorf("ops = %+v, want title only", ops)
	}

	// Only server-managed fields: no patch goes out, the item is re-read.
	if _, err := d.UpdateWorkItem(context.Background(), "42", map[string]any{
		types.RefChangedDate: "2026-03-02T08:00:00Z",
	}); err != nil {
		t.Fatal(err)
	}
	if patches.Load() != 1 || gets.Load() != 1 {
		t.Errorf("patches = %d, gets = %d, want 1 and 1", patches.Load(), gets.Load())
	}
}

func TestDeleteWorkItem(t *testing.T) {
	var gotMethod string
	mux := http.NewServeMux()
	mux.HandleFunc("/Phoenix/_apis/wit/workitems/42", func(w http.ResponseWriter, r *http.Request) {
		gotMethod = r.Method
		fmt.Fprint(w, `{"id": 42}`)
	})
	d := newTestDriver(t, mux)

	if err := d.DeleteWorkItem(context.Background(), "42"); err != nil {
		t.Fatal(err)
	}
	if gotMethod != http.MethodDelete {
		t.Errorf("method = %q", gotMethod)
	}
	if err := d.DeleteWorkItem(context.Background(), "abc"); err == nil {
		t.Error("non-numeric id should fail before any call")
	}
}

func TestDiscovery(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/Phoenix/_apis/wit/workitemtypes", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"value": [
			{"name": "Bug", "referenceName": "Microsoft.VSTS.WorkItemTypes.Bug", "description": "Defects"},
			{"name": "User Story", "referenceName": "Microsoft.VSTS.WorkItemTypes.UserStory"}
		]}`)
	})
	mux.HandleFunc("/Phoenix/_apis/wit/fields", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"value": [
			{"name": "Title", "referenceName": "System.Title", "type": "string"},
			{"name": "Priority", "referenceName": "Microsoft.VSTS.Common.Priority", "type": "integer"},
			{"name": "Risk", "referenceName": "Custom.Risk", "type": "string", "isPicklist": true},
			{"name": "Locked", "referenceName": "Custom.Locked", "type": "boolean", "readOnly": true}
		]}`)
	})
	mux.HandleFunc("/Phoenix/_apis/wit/workitemtypes/Bug/fields", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"value": [
			{"name": "Title", "referenceName": "System.Title", "alwaysRequired": true},
			{"name": "Priority", "referenceName": "Microsoft.VSTS.Common.Priority", "allowedValues": [1, 2, 3, 4], "defaultValue": 2},
			{"name": "Risk", "referenceName": "Custom.Risk", "allowedValues": ["Low", "High"]},
			{"name": "Locked", "referenceName": "Custom.Locked"}
		]}`)
	})
	mux.HandleFunc("/Phoenix/_apis/wit/workitemtypes/Bug/states", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"value": [
			{"name": "New", "category": "Proposed"},
			{"name": "Active", "category": "InProgress"},
			{"name": "Resolved", "category": "Resolved"},
			{"name": "Closed", "category": "Completed"},
			{"name": "Removed", "category": "Removed"}
		]}`)
	})
	d := newTestDriver(t, mux)
	ctx := context.Background()

	itemTypes, err := d.GetWorkItemTypes(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(itemTypes) != 2 {
		t.Fatalf("types = %d", len(itemTypes))
	}
	if itemTypes[0].Name != "Bug" || itemTypes[0].RemoteID != "Bug" || itemTypes[0].Description != "Defects" {
		t.Errorf("type[0] = %+v", itemTypes[0])
	}
	if itemTypes[1].RemoteID != "User Story" {
		t.Errorf("type[1].RemoteID = %q, want the name", itemTypes[1].RemoteID)
	}

	fields, err := d.GetFields(ctx, "Bug")
	if err != nil {
		t.Fatal(err)
	}
	byRef := make(map[string]types.FieldDef, len(fields))
	for _, f := range fields {
		byRef[f.ReferenceName] = f
	}
	title := byRef["title"]
	if !title.Required || title.DataType != types.FieldString || title.Name != "Title" {
		t.Errorf("title def = %+v", title)
	}
	prio := byRef["priority"]
	if prio.DataType != types.FieldInt || prio.DefaultValue != "2" {
		t.Errorf("priority def = %+v", prio)
	}
	if got := prio.AllowedValues; len(got) != 4 || got[0] != "1" {
		t.Errorf("priority allowed values = %v", got)
	}
	risk := byRef["Custom.Risk"]
	if risk.DataType != types.FieldPicklist || len(risk.AllowedValues) != 2 {
		t.Errorf("risk def = %+v", risk)
	}
	if !byRef["Custom.Locked"].ReadOnly {
		t.Error("catalog read-only flag not joined")
	}

	statuses, err := d.GetStatuses(ctx, "Bug")
	if err != nil {
		t.Fatal(err)
	}
	wantCats := []types.StatusCategory{
		types.CategoryProposed, types.CategoryInProgress, types.CategoryInProgress,
		types.CategoryCompleted, types.CategoryRemoved,
	}
	if len(statuses) != len(wantCats) {
		t.Fatalf("statuses = %d", len(statuses))
	}
	for i, st := range statuses {
		if st.Category != wantCats[i] {
			t.Errorf("status %s category = %s, want %s", st.Name, st.Category, wantCats[i])
		}
		if st.SortOrder != i+1 {
			t.Errorf("status %s order = %d", st.Name, st.SortOrder)
		}
	}
}

func TestCommentsRoundTrip(t *testing.T) {
	var gotVersion, gotOrder, postedText string
	mux := http.NewServeMux()
	mux.HandleFunc("/Phoenix/_apis/wit/workItems/42/comments", func(w http.ResponseWriter, r *http.Request) {
		gotVersion = r.URL.Query().Get("api-version")
		switch r.Method {
		case http.MethodGet:
			gotOrder = r.URL.Query().Get("order")
			fmt.Fprint(w, `{"count": 2, "comments": [
				{"id": 1, "text": "first", "createdBy": {"displayName": "Ana"}, "createdDate": "2026-01-05T10:00:00Z"},
				{"id": 2, "text": "second", "createdDate": "2026-01-06T10:00:00Z"}
			]}`)
		case http.MethodPost:
			var in struct {
				Text string `json:"text"`
			}
			_ = json.NewDecoder(r.Body).Decode(&in)
			postedText = in.Text
			fmt.Fprintf(w, `{"id": 55, "text": %q, "createdDate": "2026-01-07T10:00:00Z"}`, in.Text)
		}
	})
	d := newTestDriver(t, mux)
	ctx := context.Background()

	comments, err := d.GetComments(ctx, "42")
	if err != nil {
		t.Fatal(err)
	}
	if gotVersion != commentsVersion || gotOrder != "asc" {
		t.Errorf("api-version = %q, order = %q", gotVersion, gotOrder)
	}
	if len(comments) != 2 {
		t.Fatalf("comments = %d", len(comments))
	}
	if comments[0].ID != "1" || comments[0].Author != "Ana" {
		t.Errorf("comment[0] = %+v", comments[0])
	}
	want := time.Date(2026, 1, 5, 10, 0, 0, 0, time.UTC)
	if !comments[0].CreatedDate.Equal(want) {
		t.Errorf("createdDate = %v", comments[0].CreatedDate)
	}

	added, err := d.AddComment(ctx, "42", "mirrored note")
	if err != nil {
		t.Fatal(err)
	}
	if postedText != "mirrored note" || added.ID != "55" {
		t.Errorf("posted = %q, added = %+v", postedText, added)
	}
}

func TestRelations(t *testing.T) {
	var relOps []patchOperation
	mux := http.NewServeMux()
	mux.HandleFunc("/Phoenix/_apis/wit/workitems/42", func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPatch {
			relOps = decodeOps(t, r)
			fmt.Fprint(w, `{"id": 42, "rev": 7, "fields": {}}`)
			return
		}
		if got := r.URL.Query().Get("$expand"); got != "relations" {
			t.Errorf("$expand = %q", got)
		}
		fmt.Fprint(w, `{"id": 42, "rev": 6, "fields": {}, "relations": [
			{"rel": "System.LinkType.Hierarchy-Reverse", "url": "https://dev.azure.com/contoso/_apis/wit/workItems/7"},
			{"rel": "System.LinkType.Related", "url": "https://dev.azure.com/contoso/_apis/wit/workItems/9", "attributes": {"comment": "same root cause"}},
			{"rel": "AttachedFile", "url": "https://dev.azure.com/contoso/_apis/wit/attachments/abc"},
			{"rel": "Hyperlink", "url": "https://example.com/page"}
		]}`)
	})
	d := newTestDriver(t, mux)
	ctx := context.Background()

	rels, err := d.GetRelations(ctx, "42")
	if err != nil {
		t.Fatal(err)
	}
	if len(rels) != 2 {
		t.Fatalf("relations = %+v, want item links only", rels)
	}
	if rels[0].Type != "parent" || rels[0].LinkedWorkItemID != "7" {
		t.Errorf("rel[0] = %+v", rels[0])
	}
	if rels[1].Type != "related" || rels[1].Comment != "same root cause" {
		t.Errorf("rel[1] = %+v", rels[1])
	}

	if err := d.AddRelation(ctx, "42", types.Relation{Type: "child", LinkedWorkItemID: "9"}); err != nil {
		t.Fatal(err)
	}
	if len(relOps) != 1 || relOps[0].Path != "/relations/-" {
		t.Fatalf("relation ops = %+v", relOps)
	}
	value, ok := relOps[0].Value.(map[string]any)
	if !ok {
		t.Fatalf("relation value = %T", relOps[0].Value)
	}
	if value["rel"] != "System.LinkType.Hierarchy-Forward" {
		t.Errorf("rel = %v", value["rel"])
	}
	if u, _ := value["url"].(string); !strings.HasSuffix(u, "/_apis/wit/workItems/9") {
		t.Errorf("url = %v", value["url"])
	}
}

func TestGetHistory(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/Phoenix/_apis/wit/workitems/42/revisions", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"count": 2, "value": [
			{"id": 42, "rev": 1, "fields": {"System.Title": "v1", "System.ChangedDate": "2026-01-01T00:00:00Z", "System.ChangedBy": {"displayName": "Ana"}}},
			{"id": 42, "rev": 2, "fields": {"System.Title": "v2", "System.ChangedDate": "2026-01-02T00:00:00Z", "System.ChangedBy": {"displayName": "Bo"}}}
		]}`)
	})
	d := newTestDriver(t, mux)

	revs, err := d.GetHistory(context.Background(), "42")
	if err != nil {
		t.Fatal(err)
	}
	if len(revs) != 2 {
		t.Fatalf("revisions = %d", len(revs))
	}
	if revs[0].Rev != "1" || revs[0].ChangedBy != "Ana" {
		t.Errorf("rev[0] = %+v", revs[0])
	}
	if got := revs[0].Fields[types.RefTitle]; got != "v1" {
		t.Errorf("rev[0] title = %v", got)
	}
	want := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	if !revs[0].ChangedDate.Equal(want) {
		t.Errorf("rev[0] changed = %v", revs[0].ChangedDate)
	}
	if revs[1].Rev != "2" {
		t.Errorf("rev[1] = %+v", revs[1])
	}
}

func TestTransformFieldValue(t *testing.T) {
	d, err := New(connector.Config{
		Name:        "ado",
		BaseURL:     "contoso",
		AuthKind:    types.AuthPAT,
		Credentials: map[string]string{"pat": "tok"},
		Metadata:    map[string]string{"project": "Phoenix"},
	})
	if err != nil {
		t.Fatal(err)
	}

	cases := []struct {
		ref  string
		in   any
		want any
	}{
		{types.RefAreaPath, `Legacy\Web\UI`, `Phoenix\Web\UI`},
		{types.RefIterationPath, "Legacy/Sprint 1", `Phoenix\Sprint 1`},
		{types.RefAreaPath, "Legacy", "Phoenix"},
		{types.RefPriority, "High", 1},
		{types.RefPriority, "normal", 2},
		{types.RefPriority, "3", 3},
		{types.RefPriority, float64(2), 2},
		{types.RefPriority, 9, 4},
		{types.RefPriority, "someday", "someday"},
		{types.RefTitle, "unchanged", "unchanged"},
	}
	for _, tc := range cases {
		if got := d.TransformFieldValue(tc.ref, tc.in, "servicedesk-plus"); got != tc.want {
			t.Errorf("TransformFieldValue(%s, %v) = %v, want %v", tc.ref, tc.in, got, tc.want)
		}
	}
}

func TestConnectAndTestConnection(t *testing.T) {
	var calls atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("/_apis/projects/Phoenix", func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		fmt.Fprint(w, `{"id": "p1", "name": "Phoenix", "state": "wellFormed"}`)
	})
	d := newTestDriver(t, mux)
	ctx := context.Background()

	if err := d.Connect(ctx); err != nil {
		t.Fatal(err)
	}
	if err := d.Connect(ctx); err != nil {
		t.Fatal(err)
	}
	if calls.Load() != 1 {
		t.Errorf("project calls = %d, want 1 (connect is idempotent)", calls.Load())
	}

	res, err := d.TestConnection(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if !res.Success || !strings.Contains(res.Message, "Phoenix") {
		t.Errorf("result = %+v", res)
	}
	if res.Details["project_id"] != "p1" {
		t.Errorf("details = %v", res.Details)
	}

	bad := newTestDriver(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "expired token", http.StatusUnauthorized)
	}))
	res, err = bad.TestConnection(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if res.Success || !strings.Contains(res.Message, "401") {
		t.Errorf("result = %+v, want auth failure surfaced as message", res)
	}
}
