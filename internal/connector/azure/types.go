package azure

// Wire shapes of the Azure DevOps REST 7.0 surface this driver touches.

const (
	apiVersion      = "7.0"
	commentsVersion = "7.0-preview.3"

	// The work items batch endpoint accepts at most 200 ids per call.
	maxBatch = 200

	patchContentType = "application/json-patch+json"
)

type workItem struct {
	ID        int            `json:"id"`
	Rev       int            `json:"rev"`
	URL       string         `json:"url,omitempty"`
	Fields    map[string]any `json:"fields"`
	Relations []wireRelation `json:"relations,omitempty"`
}

type workItemList struct {
	Count int        `json:"count"`
	Value []workItem `json:"value"`
}

type wireRelation struct {
	Rel        string         `json:"rel"`
	URL        string         `json:"url"`
	Attributes map[string]any `json:"attributes,omitempty"`
}

type wireIdentity struct {
	ID          string `json:"id,omitempty"`
	DisplayName string `json:"displayName"`
	UniqueName  string `json:"uniqueName,omitempty"`
}

// patchOperation is one entry of a JSON-patch document. Creates and updates
// both use op "add": in the work item patch model add upserts, while
// "replace" fails on fields that have no prior value.
type patchOperation struct {
	Op    string `json:"op"`
	Path  string `json:"path"`
	Value any    `json:"value,omitempty"`
}

type wiqlRequest struct {
	Query string `json:"query"`
}

type wiqlResponse struct {
	WorkItems []workItemRef `json:"workItems"`
}

type workItemRef struct {
	ID  int    `json:"id"`
	URL string `json:"url,omitempty"`
}

type wireProject struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	State string `json:"state,omitempty"`
}

type wireType struct {
	Name          string `json:"name"`
	ReferenceName string `json:"referenceName,omitempty"`
	Description   string `json:"description,omitempty"`
}

type typeList struct {
	Value []wireType `json:"value"`
}

// wireTypeField is a field as the per-type endpoint reports it: requiredness
// and allowed values, but no data type. The org-wide field catalog supplies
// the rest.
type wireTypeField struct {
	Name           string `json:"name"`
	ReferenceName  string `json:"referenceName"`
	AlwaysRequired bool   `json:"alwaysRequired"`
	AllowedValues  []any  `json:"allowedValues,omitempty"`
	DefaultValue   any    `json:"defaultValue,omitempty"`
}

type typeFieldList struct {
	Value []wireTypeField `json:"value"`
}

type wireField struct {
	Name          string `json:"name"`
	ReferenceName string `json:"referenceName"`
	Type          string `json:"type"`
	ReadOnly      bool   `json:"readOnly"`
	IsPicklist    bool   `json:"isPicklist"`
	IsIdentity    bool   `json:"isIdentity"`
}

type fieldList struct {
	Value []wireField `json:"value"`
}

type wireState struct {
	Name     string `json:"name"`
	Color    string `json:"color,omitempty"`
	Category string `json:"category"`
}

type stateList struct {
	Value []wireState `json:"value"`
}

type wireComment struct {
	ID          int           `json:"id"`
	Text        string        `json:"text"`
	CreatedBy   *wireIdentity `json:"createdBy,omitempty"`
	CreatedDate string        `json:"createdDate"`
}

type commentList struct {
	Count    int           `json:"count"`
	Comments []wireComment `json:"comments"`
}
