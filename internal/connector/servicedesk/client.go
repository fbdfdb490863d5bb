package servicedesk

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"

	"github.com/worksync/worksync/internal/connector"
)

const formContentType = "application/x-www-form-urlencoded"

// client speaks the v3 wire protocol: every call carries its JSON payload
// in an input_data parameter, in the query string on reads and form-encoded
// in the body on writes, and every response wraps its result next to a
// response_status envelope.
type client struct {
	http *connector.Transport
	base string // ".../api/v3", no trailing slash
}

// get issues a read with input_data in the query string.
func (c *client) get(ctx context.Context, resource string, input, out any) error {
	u := c.base + "/" + resource
	if input != nil {
		data, err := json.Marshal(input)
		if err != nil {
			return fmt.Errorf("encode input_data: %w", err)
		}
		u += "?" + url.Values{"input_data": {string(data)}}.Encode()
	}
	raw, err := c.http.Do(ctx, http.MethodGet, u, nil, "")
	if err != nil {
		return err
	}
	return decodeEnvelope(raw, out)
}

// submit issues a write with input_data form-encoded in the body.
func (c *client) submit(ctx context.Context, method, resource string, input, out any) error {
	var body []byte
	if input != nil {
		data, err := json.Marshal(input)
		if err != nil {
			return fmt.Errorf("encode input_data: %w", err)
		}
		body = []byte(url.Values{"input_data": {string(data)}}.Encode())
	}
	raw, err := c.http.Do(ctx, method, c.base+"/"+resource, body, formContentType)
	if err != nil {
		return err
	}
	return decodeEnvelope(raw, out)
}

// decodeEnvelope checks the response_status block before decoding the
// payload. The API reports failures in the envelope even on HTTP 200.
func decodeEnvelope(raw []byte, out any) error {
	var env struct {
		Status statusField `json:"response_status"`
	}
	if err := json.Unmarshal(raw, &env); err != nil {
		return fmt.Errorf("decode response envelope: %w", err)
	}
	if code := env.Status.Code; code != 0 && code != statusOK {
		msg := env.Status.Status
		for _, m := range env.Status.Messages {
			if m.Message != "" {
				msg = m.Message
				break
			}
		}
		return fmt.Errorf("servicedesk API error %d: %s", code, msg)
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func (c *client) getRequest(ctx context.Context, id string) (*request, error) {
	var env requestEnvelope
	if err := c.get(ctx, "requests/"+url.PathEscape(id), nil, &env); err != nil {
		return nil, fmt.Errorf("get request %s: %w", id, err)
	}
	if env.Request == nil {
		return nil, fmt.Errorf("get request %s: %w", id, connector.ErrItemNotFound)
	}
	return env.Request, nil
}

func (c *client) listRequests(ctx context.Context, criteria json.RawMessage, startIndex int) (*requestListEnvelope, error) {
	in := listInput{ListInfo: listInfo{
		RowCount:       pageSize,
		StartIndex:     startIndex,
		SearchCriteria: criteria,
	}}
	var env requestListEnvelope
	if err := c.get(ctx, "requests", in, &env); err != nil {
		return nil, fmt.Errorf("list requests: %w", err)
	}
	return &env, nil
}

func (c *client) createRequest(ctx context.Context, req *request) (*request, error) {
	var env requestEnvelope
	if err := c.submit(ctx, http.MethodPost, "requests", requestInput{Request: req}, &env); err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if env.Request == nil {
		return nil, fmt.Errorf("create request: response carried no request")
	}
	return env.Request, nil
}

func (c *client) updateRequest(ctx context.Context, id string, req *request) (*request, error) {
	var env requestEnvelope
	if err := c.submit(ctx, http.MethodPut, "requests/"+url.PathEscape(id), requestInput{Request: req}, &env); err != nil {
		return nil, fmt.Errorf("update request %s: %w", id, err)
	}
	return env.Request, nil
}

func (c *client) deleteRequest(ctx context.Context, id string) error {
	if err := c.submit(ctx, http.MethodDelete, "requests/"+url.PathEscape(id), nil, nil); err != nil {
		return fmt.Errorf("delete request %s: %w", id, err)
	}
	return nil
}

func (c *client) listNotes(ctx context.Context, id string, startIndex int) (*noteListEnvelope, error) {
	in := listInput{ListInfo: listInfo{
		RowCount:   pageSize,
		StartIndex: startIndex,
		SortField:  "created_time",
		SortOrder:  "asc",
	}}
	var env noteListEnvelope
	if err := c.get(ctx, "requests/"+url.PathEscape(id)+"/notes", in, &env); err != nil {
		return nil, fmt.Errorf("list notes of %s: %w", id, err)
	}
	return &env, nil
}

func (c *client) addNote(ctx context.Context, id, text string) (*note, error) {
	show := false
	in := noteInput{Note: &note{Description: text, ShowToRequester: &show}}
	var env noteEnvelope
	if err := c.submit(ctx, http.MethodPost, "requests/"+url.PathEscape(id)+"/notes", in, &env); err != nil {
		return nil, fmt.Errorf("add note to %s: %w", id, err)
	}
	if env.Note == nil {
		return nil, fmt.Errorf("add note to %s: response carried no note", id)
	}
	return env.Note, nil
}

func (c *client) listLinks(ctx context.Context, id string) ([]link, error) {
	var env linkListEnvelope
	if err := c.get(ctx, "requests/"+url.PathEscape(id)+"/links", nil, &env); err != nil {
		return nil, fmt.Errorf("list links of %s: %w", id, err)
	}
	return env.Links, nil
}

func (c *client) addLink(ctx context.Context, id string, l link) error {
	in := linkInput{LinkRequests: []link{l}}
	if err := c.submit(ctx, http.MethodPost, "requests/"+url.PathEscape(id)+"/link", in, nil); err != nil {
		return fmt.Errorf("link %s to %s: %w", id, l.LinkedRequest.ID, err)
	}
	return nil
}

func (c *client) listTemplates(ctx context.Context) ([]template, error) {
	in := listInput{ListInfo: listInfo{RowCount: pageSize, StartIndex: 1}}
	var env templateListEnvelope
	if err := c.get(ctx, "request_templates", in, &env); err != nil {
		return nil, fmt.Errorf("list request templates: %w", err)
	}
	return env.Templates, nil
}

func (c *client) listStatuses(ctx context.Context) ([]wireStatus, error) {
	var env statusListEnvelope
	if err := c.get(ctx, "statuses", nil, &env); err != nil {
		return nil, fmt.Errorf("list statuses: %w", err)
	}
	return env.Statuses, nil
}

func (c *client) listPriorities(ctx context.Context) ([]nameRef, error) {
	var env priorityListEnvelope
	if err := c.get(ctx, "priorities", nil, &env); err != nil {
		return nil, fmt.Errorf("list priorities: %w", err)
	}
	return env.Priorities, nil
}
