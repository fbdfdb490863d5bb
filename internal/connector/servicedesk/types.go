package servicedesk

import (
	"encoding/json"
	"strconv"
	"time"
)

const (
	// statusOK is the success code the v3 API reports inside its
	// response envelope.
	statusOK = 2000

	pageSize = 100
)

// responseStatus is the in-body result report. Failures can arrive with
// HTTP 200, so every response is checked for a non-2000 code.
type responseStatus struct {
	Code     int             `json:"status_code"`
	Status   string          `json:"status"`
	Messages []statusMessage `json:"messages"`
}

type statusMessage struct {
	Code    int    `json:"status_code"`
	Message string `json:"message"`
	Field   string `json:"field"`
}

// statusField decodes both envelope shapes the API emits: single-resource
// routes return an object, list routes return a one-element array.
type statusField struct {
	responseStatus
}

func (s *statusField) UnmarshalJSON(data []byte) error {
	if len(data) > 0 && data[0] == '[' {
		var many []responseStatus
		if err := json.Unmarshal(data, &many); err != nil {
			return err
		}
		if len(many) > 0 {
			s.responseStatus = many[0]
		}
		return nil
	}
	return json.Unmarshal(data, &s.responseStatus)
}

// nameRef is the {"id": ..., "name": ...} object the API uses for statuses,
// priorities, templates, groups, categories, and sites.
type nameRef struct {
	ID   string `json:"id,omitempty"`
	Name string `json:"name,omitempty"`
}

// person is a requester or technician reference.
type person struct {
	ID    string `json:"id,omitempty"`
	Name  string `json:"name,omitempty"`
	Email string `json:"email_id,omitempty"`
}

// sdpTime is the API's timestamp shape. Value carries epoch milliseconds
// in a string.
type sdpTime struct {
	DisplayValue string `json:"display_value,omitempty"`
	Value        string `json:"value"`
}

func (t *sdpTime) time() (time.Time, bool) {
	if t == nil || t.Value == "" {
		return time.Time{}, false
	}
	ms, err := strconv.ParseInt(t.Value, 10, 64)
	if err != nil {
		return time.Time{}, false
	}
	return time.UnixMilli(ms).UTC(), true
}

// request is the wire shape of a ServiceDesk Plus request, limited to the
// members the driver maps. User-defined fields ride in udf_fields.
type request struct {
	ID          string         `json:"id,omitempty"`
	Subject     string         `json:"subject,omitempty"`
	Description string         `json:"description,omitempty"`
	Status      *nameRef       `json:"status,omitempty"`
	Priority    *nameRef       `json:"priority,omitempty"`
	Template    *nameRef       `json:"template,omitempty"`
	Technician  *person        `json:"technician,omitempty"`
	Requester   *person        `json:"requester,omitempty"`
	Group       *nameRef       `json:"group,omitempty"`
	Category    *nameRef       `json:"category,omitempty"`
	Site        *nameRef       `json:"site,omitempty"`
	CreatedTime *sdpTime       `json:"created_time,omitempty"`
	UpdatedTime *sdpTime       `json:"last_updated_time,omitempty"`
	UDFFields   map[string]any `json:"udf_fields,omitempty"`
}

// listInfo shapes both the paging block sent with list reads and the one
// echoed back with the results.
type listInfo struct {
	RowCount       int             `json:"row_count,omitempty"`
	StartIndex     int             `json:"start_index,omitempty"`
	SortField      string          `json:"sort_field,omitempty"`
	SortOrder      string          `json:"sort_order,omitempty"`
	SearchCriteria json.RawMessage `json:"search_criteria,omitempty"`
	HasMoreRows    bool            `json:"has_more_rows,omitempty"`
	TotalCount     int             `json:"total_count,omitempty"`
}

type searchCriterion struct {
	Field           string   `json:"field"`
	Condition       string   `json:"condition"`
	Values          []string `json:"values"`
	LogicalOperator string   `json:"logical_operator,omitempty"`
}

type listInput struct {
	ListInfo listInfo `json:"list_info"`
}

type requestInput struct {
	Request *request `json:"request"`
}

type requestEnvelope struct {
	Request *request `json:"request"`
}

type requestListEnvelope struct {
	Requests []request `json:"requests"`
	ListInfo listInfo  `json:"list_info"`
}

// note is a request note, the API's comment primitive.
type note struct {
	ID              string   `json:"id,omitempty"`
	Description     string   `json:"description,omitempty"`
	ShowToRequester *bool    `json:"show_to_requester,omitempty"`
	CreatedBy       *person  `json:"created_by,omitempty"`
	CreatedTime     *sdpTime `json:"created_time,omitempty"`
}

type noteInput struct {
	Note *note `json:"note"`
}

type noteEnvelope struct {
	Note *note `json:"note"`
}

type noteListEnvelope struct {
	Notes    []note   `json:"notes"`
	ListInfo listInfo `json:"list_info"`
}

type linkedRequest struct {
	ID      string `json:"id"`
	Subject string `json:"subject,omitempty"`
}

// link ties two requests together. Links carry no type of their own, only
// an optional comment.
type link struct {
	LinkedRequest *linkedRequest `json:"linked_request"`
	Comments      string         `json:"comments,omitempty"`
}

type linkInput struct {
	LinkRequests []link `json:"link_requests"`
}

type linkListEnvelope struct {
	Links []link `json:"links"`
}

// template is a request template, surfaced as a work item type.
type template struct {
	ID                string `json:"id"`
	Name              string `json:"name"`
	Description       string `json:"description,omitempty"`
	Inactive          bool   `json:"inactive,omitempty"`
	IsServiceTemplate bool   `json:"is_service_template,omitempty"`
}

type templateListEnvelope struct {
	Templates []template `json:"request_templates"`
	ListInfo  listInfo   `json:"list_info"`
}

type wireStatus struct {
	ID           string `json:"id,omitempty"`
	Name         string `json:"name"`
	InternalName string `json:"internal_name,omitempty"`
	Inactive     bool   `json:"inactive,omitempty"`
}

type statusListEnvelope struct {
	Statuses []wireStatus `json:"statuses"`
}

type priorityListEnvelope struct {
	Priorities []nameRef `json:"priorities"`
}
