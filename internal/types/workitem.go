package types

import (
	"time"
)

// Canonical field reference names recognized across all drivers. Drivers
// normalize remote payloads onto these keys on read and denormalize on
// write; keys outside this set pass through unchanged.
const (
	RefTitle         = "title"
	RefDescription   = "description"
	RefState         = "state"
	RefType          = "type"
	RefPriority      = "priority"
	RefAssignee      = "assignee"
	RefCreatedDate   = "createdDate"
	RefChangedDate   = "changedDate"
	RefAreaPath      = "areaPath"
	RefIterationPath = "iterationPath"
)

// CoreReferences lists the canonical reference names in a stable order.
var CoreReferences = []string{
	RefTitle, RefDescription, RefState, RefType, RefPriority,
	RefAssignee, RefCreatedDate, RefChangedDate, RefAreaPath, RefIterationPath,
}

// IsCoreReference reports whether ref is one of the canonical names.
func IsCoreReference(ref string) bool {
	for _, r := range CoreReferences {
		if r == ref {
			return true
		}
	}
	return false
}

// WorkItem is the canonical form every driver reads remote items into.
// Fields is keyed by reference name; values are language-native scalars
// plus Identity for people-valued fields.
type WorkItem struct {
	ID     string         `json:"id"`
	Type   string         `json:"type"`
	Rev    string         `json:"rev,omitempty"`
	URL    string         `json:"url,omitempty"`
	Fields map[string]any `json:"fields"`
}

// Field returns the value for ref, or nil when absent.
func (w *WorkItem) Field(ref string) any {
	if w.Fields == nil {
		return nil
	}
	return w.Fields[ref]
}

// StringField returns the field as a string when it is one, else "".
func (w *WorkItem) StringField(ref string) string {
	if s, ok := w.Field(ref).(string); ok {
		return s
	}
	return ""
}

// ChangedDate returns the canonical changed date if the driver supplied one.
func (w *WorkItem) ChangedDate() (time.Time, bool) {
	return timeField(w.Field(RefChangedDate))
}

// CreatedDate returns the canonical created date if the driver supplied one.
func (w *WorkItem) CreatedDate() (time.Time, bool) {
	return timeField(w.Field(RefCreatedDate))
}

func timeField(v any) (time.Time, bool) {
	switch t := v.(type) {
	case time.Time:
		return t, true
	case string:
		for _, layout := range []string{time.RFC3339Nano, time.RFC3339, "2006-01-02T15:04:05", "2006-01-02"} {
			if ts, err := time.Parse(layout, t); err == nil {
				return ts, true
			}
		}
	}
	return time.Time{}, false
}

// Identity is the canonical representation of a person-valued field.
type Identity struct {
	DisplayName string `json:"displayName"`
	UniqueName  string `json:"uniqueName,omitempty"`
}

// String renders the identity for logs and comment preambles.
func (i Identity) String() string {
	if i.UniqueName != "" && i.UniqueName != i.DisplayName {
		return i.DisplayName + " <" + i.UniqueName + ">"
	}
	return i.DisplayName
}

// FieldDataType classifies a remote field for mapping validation.
type FieldDataType string

// Field data types.
const (
	FieldString   FieldDataType = "string"
	FieldInt      FieldDataType = "int"
	FieldDouble   FieldDataType = "double"
	FieldDateTime FieldDataType = "datetime"
	FieldHTML     FieldDataType = "html"
	FieldPicklist FieldDataType = "picklist"
	FieldIdentity FieldDataType = "identity"
	FieldBoolean  FieldDataType = "boolean"
)

// IsSimple reports whether the type maps cleanly without a transformation.
func (t FieldDataType) IsSimple() bool {
	switch t {
	case FieldString, FieldInt, FieldDouble, FieldBoolean:
		return true
	}
	return false
}

// WorkItemType is a work-item type discovered from a connector. RemoteID is
// the remote system's identifier for the type; ID is assigned by the store.
type WorkItemType struct {
	ID          string    `json:"id"`
	ConnectorID string    `json:"connector_id"`
	Name        string    `json:"name"`
	RemoteID    string    `json:"remote_id,omitempty"`
	Description string    `json:"description,omitempty"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// FieldDef is a field discovered under a work-item type. SuggestionScore
// pre-ranks the field for mapping suggestions (0-100, computed when
// discovery results are saved).
type FieldDef struct {
	ID              string        `json:"id"`
	TypeID          string        `json:"type_id"`
	Name            string        `json:"name"`
	ReferenceName   string        `json:"reference_name"`
	DataType        FieldDataType `json:"data_type"`
	Required        bool          `json:"required"`
	ReadOnly        bool          `json:"read_only"`
	AllowedValues   []string      `json:"allowed_values,omitempty"`
	DefaultValue    string        `json:"default_value,omitempty"`
	SuggestionScore int           `json:"suggestion_score"`
}

// StatusCategory groups remote statuses into workflow stages.
type StatusCategory string

// Status categories.
const (
	CategoryProposed   StatusCategory = "proposed"
	CategoryInProgress StatusCategory = "in_progress"
	CategoryCompleted  StatusCategory = "completed"
	CategoryRemoved    StatusCategory = "removed"
)

// StatusDef is a workflow status discovered under a work-item type.
type StatusDef struct {
	ID        string         `json:"id"`
	TypeID    string         `json:"type_id"`
	Name      string         `json:"name"`
	Value     string         `json:"value,omitempty"`
	Category  StatusCategory `json:"category,omitempty"`
	SortOrder int            `json:"sort_order"`
}

// Comment is a canonical work-item comment.
type Comment struct {
	ID          string    `json:"id"`
	Text        string    `json:"text"`
	Author      string    `json:"author,omitempty"`
	CreatedDate time.Time `json:"created_date"`
}

// Relation is a canonical link between two work items on the same system.
type Relation struct {
	Type             string `json:"type"`
	LinkedWorkItemID string `json:"linked_work_item_id"`
	URL              string `json:"url,omitempty"`
	Comment          string `json:"comment,omitempty"`
}

// Revision is one entry of a work item's change history.
type Revision struct {
	Rev         string         `json:"rev"`
	ChangedDate time.Time      `json:"changed_date"`
	ChangedBy   string         `json:"changed_by,omitempty"`
	Fields      map[string]any `json:"fields,omitempty"`
}

// Capabilities advertises which optional operations a driver supports.
// The engine reads this before calling optional operations and treats an
// absent capability as a non-fatal skip.
type Capabilities struct {
	Create        bool `json:"create"`
	Update        bool `json:"update"`
	Delete        bool `json:"delete"`
	Query         bool `json:"query"`
	Comments      bool `json:"comments"`
	Links         bool `json:"links"`
	History       bool `json:"history"`
	Bidirectional bool `json:"bidirectional"`
	Webhooks      bool `json:"webhooks"`
	Realtime      bool `json:"realtime"`
}

// TestResult reports the outcome of a connection test.
type TestResult struct {
	Success bool           `json:"success"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

// DiscoveredType bundles one type with its fields and statuses as returned
// by metadata discovery.
type DiscoveredType struct {
	Type     WorkItemType `json:"type"`
	Fields   []FieldDef   `json:"fields"`
	Statuses []StatusDef  `json:"statuses"`
}

// DiscoveryResult is the composite output of a full metadata discovery walk.
type DiscoveryResult struct {
	ConnectorID  string           `json:"connector_id"`
	Types        []DiscoveredType `json:"types"`
	DiscoveredAt time.Time        `json:"discovered_at"`
}
