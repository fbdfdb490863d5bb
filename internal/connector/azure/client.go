package azure

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/worksync/worksync/internal/connector"
)

// client wraps the shared transport with Azure DevOps URL construction.
// Every call carries an api-version; writes speak JSON-patch.
type client struct {
	http    *connector.Transport
	base    string // organization URL, no trailing slash
	project string
}

// apiURL builds a project-scoped _apis URL. The api-version defaults to 7.0
// unless the query already names one.
func (c *client) apiURL(resource string, q url.Values) string {
	if q == nil {
		q = url.Values{}
	}
	if q.Get("api-version") == "" {
		q.Set("api-version", apiVersion)
	}
	return c.base + "/" + url.PathEscape(c.project) + "/_apis/" + resource + "?" + q.Encode()
}

func (c *client) getProject(ctx context.Context) (*wireProject, error) {
	q := url.Values{}
	q.Set("api-version", apiVersion)
	u := c.base + "/_apis/projects/" + url.PathEscape(c.project) + "?" + q.Encode()

	var out wireProject
	if err := c.http.DoJSON(ctx, http.MethodGet, u, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *client) queryIDs(ctx context.Context, wiql string) ([]int, error) {
	var resp wiqlResponse
	if err := c.http.DoJSON(ctx, http.MethodPost, c.apiURL("wit/wiql", nil), wiqlRequest{Query: wiql}, &resp); err != nil {
		return nil, fmt.Errorf("wiql query: %w", err)
	}
	ids := make([]int, len(resp.WorkItems))
	for i, ref := range resp.WorkItems {
		ids[i] = ref.ID
	}
	return ids, nil
}

func (c *client) batchGet(ctx context.Context, ids []int) ([]workItem, error) {
	strs := make([]string, len(ids))
	for i, id := range ids {
		strs[i] = strconv.Itoa(id)
	}
	q := url.Values{}
	q.Set("ids", strings.Join(strs, ","))
	q.Set("$expand", "all")

	var resp workItemList
	if err := c.http.DoJSON(ctx, http.MethodGet, c.apiURL("wit/workitems", q), nil, &resp); err != nil {
		return nil, fmt.Errorf("batch get %d items: %w", len(ids), err)
	}
	return resp.Value, nil
}

func (c *client) getWorkItem(ctx context.Context, id int, expand string) (*workItem, error) {
	q := url.Values{}
	q.Set("$expand", expand)

	var out workItem
	if err := c.http.DoJSON(ctx, http.MethodGet, c.apiURL("wit/workitems/"+strconv.Itoa(id), q), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *client) createWorkItem(ctx context.Context, itemType string, ops []patchOperation) (*workItem, error) {
	u := c.apiURL("wit/workitems/$"+url.PathEscape(itemType), nil)
	var out workItem
	if err := c.patchJSON(ctx, http.MethodPost, u, ops, &out); err != nil {
		return nil, fmt.Errorf("create %s: %w", itemType, err)
	}
	return &out, nil
}

func (c *client) updateWorkItem(ctx context.Context, id int, ops []patchOperation) (*workItem, error) {
	u := c.apiURL("wit/workitems/"+strconv.Itoa(id), nil)
	var out workItem
	if err := c.patchJSON(ctx, http.MethodPatch, u, ops, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *client) deleteWorkItem(ctx context.Context, id int) error {
	_, err := c.http.Do(ctx, http.MethodDelete, c.apiURL("wit/workitems/"+strconv.Itoa(id), nil), nil, "")
	return err
}

func (c *client) listTypes(ctx context.Context) ([]wireType, error) {
	var resp typeList
	if err := c.http.DoJSON(ctx, http.MethodGet, c.apiURL("wit/workitemtypes", nil), nil, &resp); err != nil {
		return nil, err
	}
	return resp.Value, nil
}

func (c *client) listTypeFields(ctx context.Context, typeName string) ([]wireTypeField, error) {
	q := url.Values{}
	q.Set("$expand", "allowedValues")
	u := c.apiURL("wit/workitemtypes/"+url.PathEscape(typeName)+"/fields", q)

	var resp typeFieldList
	if err := c.http.DoJSON(ctx, http.MethodGet, u, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Value, nil
}

// listFields returns the org-wide field catalog with data types and
// read-only flags, which the per-type endpoint omits.
func (c *client) listFields(ctx context.Context) ([]wireField, error) {
	var resp fieldList
	if err := c.http.DoJSON(ctx, http.MethodGet, c.apiURL("wit/fields", nil), nil, &resp); err != nil {
		return nil, err
	}
	return resp.Value, nil
}

func (c *client) listStates(ctx context.Context, typeName string) ([]wireState, error) {
	var resp stateList
	u := c.apiURL("wit/workitemtypes/"+url.PathEscape(typeName)+"/states", nil)
	if err := c.http.DoJSON(ctx, http.MethodGet, u, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Value, nil
}

func (c *client) listComments(ctx context.Context, id int) ([]wireComment, error) {
	q := url.Values{}
	q.Set("api-version", commentsVersion)
	q.Set("order", "asc")
	u := c.apiURL("wit/workItems/"+strconv.Itoa(id)+"/comments", q)

	var resp commentList
	if err := c.http.DoJSON(ctx, http.MethodGet, u, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Comments, nil
}

func (c *client) addComment(ctx context.Context, id int, text string) (*wireComment, error) {
	q := url.Values{}
	q.Set("api-version", commentsVersion)
	u := c.apiURL("wit/workItems/"+strconv.Itoa(id)+"/comments", q)

	var out wireComment
	if err := c.http.DoJSON(ctx, http.MethodPost, u, map[string]string{"text": text}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *client) listRevisions(ctx context.Context, id int) ([]workItem, error) {
	var resp workItemList
	u := c.apiURL("wit/workitems/"+strconv.Itoa(id)+"/revisions", nil)
	if err := c.http.DoJSON(ctx, http.MethodGet, u, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Value, nil
}

// patchJSON sends a JSON-patch document and decodes the response, which the
// shared transport cannot do directly because of the content type.
func (c *client) patchJSON(ctx context.Context, method, u string, ops []patchOperation, out any) error {
	body, err := json.Marshal(ops)
	if err != nil {
		return fmt.Errorf("encode patch: %w", err)
	}
	raw, err := c.http.Do(ctx, method, u, body, patchContentType)
	if err != nil {
		return err
	}
	if out == nil || len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decode response from %s: %w", u, err)
	}
	return nil
}
