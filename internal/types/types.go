// Package types defines the core data structures shared across the worksync
// engine: connectors, sync configurations, mappings, the synced-item identity
// registry, version snapshots, conflicts, and executions.
package types

import (
	"encoding/json"
	"fmt"
	"time"
)

// AuthKind identifies how a connector authenticates against its remote system.
type AuthKind string

// Supported authentication kinds.
const (
	AuthPAT    AuthKind = "pat"
	AuthAPIKey AuthKind = "apikey"
	AuthBasic  AuthKind = "basic"
)

// IsValid returns true for a recognized auth kind.
func (a AuthKind) IsValid() bool {
	switch a {
	case AuthPAT, AuthAPIKey, AuthBasic:
		return true
	}
	return false
}

// Connector is a configured remote tracking system. Credentials are stored
// encrypted (hex iv||tag||ciphertext, see the vault package) and are never
// exposed through the JSON form.
type Connector struct {
	ID                   string            `json:"id"`
	Name                 string            `json:"name" validate:"required,max=200"`
	Kind                 string            `json:"kind" validate:"required"`
	BaseURL              string            `json:"base_url" validate:"required,url"`
	Endpoint             string            `json:"endpoint,omitempty"` // project / site scoping within the remote
	AuthKind             AuthKind          `json:"auth_kind"`
	EncryptedCredentials string            `json:"-"`
	Active               bool              `json:"active"`
	Metadata             map[string]string `json:"metadata,omitempty"`
	CreatedAt            time.Time         `json:"created_at"`
	UpdatedAt            time.Time         `json:"updated_at"`
}

// Validate checks the connector row before it is persisted.
func (c *Connector) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("connector %q: %w", c.Name, err)
	}
	if !c.AuthKind.IsValid() {
		return fmt.Errorf("connector %q: invalid auth kind %q", c.Name, c.AuthKind)
	}
	return nil
}

// TriggerKind selects how a sync configuration is triggered.
type TriggerKind string

// Trigger kinds.
const (
	TriggerManual    TriggerKind = "manual"
	TriggerScheduled TriggerKind = "scheduled"
	TriggerWebhook   TriggerKind = "webhook"
)

// IsValid returns true for a recognized trigger kind.
func (t TriggerKind) IsValid() bool {
	switch t {
	case TriggerManual, TriggerScheduled, TriggerWebhook:
		return true
	}
	return false
}

// ConfigDirection is the declared direction of a sync configuration.
type ConfigDirection string

// Configuration directions.
const (
	DirectionOneWay        ConfigDirection = "one_way"
	DirectionBidirectional ConfigDirection = "bidirectional"
)

// IsValid returns true for a recognized direction.
func (d ConfigDirection) IsValid() bool {
	return d == DirectionOneWay || d == DirectionBidirectional
}

// ConflictStrategy names a resolution policy for concurrent modifications.
type ConflictStrategy string

// Resolution strategies. The string values are persisted and exposed over
// the trigger API, so they are stable.
const (
	StrategyLastWriteWins  ConflictStrategy = "last-write-wins"
	StrategySourcePriority ConflictStrategy = "source-priority"
	StrategyTargetPriority ConflictStrategy = "target-priority"
	StrategyMerge          ConflictStrategy = "merge"
	StrategyManual         ConflictStrategy = "manual"
)

// IsValid returns true for a recognized strategy.
func (s ConflictStrategy) IsValid() bool {
	switch s {
	case StrategyLastWriteWins, StrategySourcePriority, StrategyTargetPriority, StrategyMerge, StrategyManual:
		return true
	}
	return false
}

// SyncOptions are per-config feature toggles stored as JSON alongside the
// configuration row.
type SyncOptions struct {
	SyncComments bool `json:"sync_comments,omitempty"`
	SyncLinks    bool `json:"sync_links,omitempty"`
}

// SyncConfig pairs a source and a target connector with mapping and
// scheduling parameters.
type SyncConfig struct {
	ID                string           `json:"id"`
	Name              string           `json:"name" validate:"required,max=200"`
	SourceConnectorID string           `json:"source_connector_id" validate:"required"`
	TargetConnectorID string           `json:"target_connector_id" validate:"required"`
	Active            bool             `json:"active"`
	TriggerKind       TriggerKind      `json:"trigger_kind"`
	CronExpr          string           `json:"cron_expr,omitempty" validate:"omitempty,cron"`
	Direction         ConfigDirection  `json:"direction"`
	TrackVersions     bool             `json:"track_versions"`
	ConflictStrategy  ConflictStrategy `json:"conflict_strategy"`
	Options           SyncOptions      `json:"options"`
	SyncFilter        json.RawMessage  `json:"sync_filter,omitempty"` // opaque driver query, e.g. WIQL
	LastSyncAt        *time.Time       `json:"last_sync_at,omitempty"`
	CreatedAt         time.Time        `json:"created_at"`
	UpdatedAt         time.Time        `json:"updated_at"`
}

// Validate checks cross-field invariants on the configuration.
func (c *SyncConfig) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("sync config %q: %w", c.Name, err)
	}
	if !c.TriggerKind.IsValid() {
		return fmt.Errorf("sync config %q: invalid trigger kind %q", c.Name, c.TriggerKind)
	}
	if !c.Direction.IsValid() {
		return fmt.Errorf("sync config %q: invalid direction %q", c.Name, c.Direction)
	}
	if !c.ConflictStrategy.IsValid() {
		return fmt.Errorf("sync config %q: invalid conflict strategy %q", c.Name, c.ConflictStrategy)
	}
	if c.TriggerKind == TriggerScheduled && c.CronExpr == "" {
		return fmt.Errorf("sync config %q: scheduled trigger requires a cron expression", c.Name)
	}
	if c.SourceConnectorID == c.TargetConnectorID {
		return fmt.Errorf("sync config %q: source and target connector must differ", c.Name)
	}
	// Bidirectional change detection compares against stored snapshots, so
	// running without version tracking cannot detect concurrent edits.
	if c.Direction == DirectionBidirectional && !c.TrackVersions {
		return fmt.Errorf("sync config %q: bidirectional direction requires track_versions", c.Name)
	}
	return nil
}

// TypeMapping maps a source work-item type to a target type within one
// configuration. Both type ids must belong to the config's respective
// connectors.
type TypeMapping struct {
	ID           string `json:"id"`
	SyncConfigID string `json:"sync_config_id"`
	SourceTypeID string `json:"source_type_id" validate:"required"`
	TargetTypeID string `json:"target_type_id" validate:"required"`
	Active       bool   `json:"active"`
}

// MappingKind selects how a field mapping resolves its value.
type MappingKind string

// Field mapping kinds. Computed is reserved; the mapping engine skips it
// with a warning.
const (
	MappingDirect         MappingKind = "direct"
	MappingConstant       MappingKind = "constant"
	MappingTransformation MappingKind = "transformation"
	MappingComputed       MappingKind = "computed"
)

// IsValid returns true for a recognized mapping kind.
func (k MappingKind) IsValid() bool {
	switch k {
	case MappingDirect, MappingConstant, MappingTransformation, MappingComputed:
		return true
	}
	return false
}

// FieldMapping maps one source field to one target field under a type
// mapping. Transformation payloads hold either a single {name, args} object
// or an ordered chain of them.
//
// Reverse mapping (bidirectional configs) only renames fields by default:
// forward transformations are usually lossy, so the target value is written
// back as-is unless ReverseTransformation declares an explicit inverse.
type FieldMapping struct {
	ID                    string          `json:"id"`
	TypeMappingID         string          `json:"type_mapping_id"`
	SourceFieldID         string          `json:"source_field_id,omitempty"`
	TargetFieldID         string          `json:"target_field_id,omitempty"`
	Kind                  MappingKind     `json:"mapping_kind"`
	ConstantValue         json.RawMessage `json:"constant_value,omitempty"`
	Transformation        json.RawMessage `json:"transformation,omitempty"`
	ReverseTransformation json.RawMessage `json:"reverse_transformation,omitempty"`
	Required              bool            `json:"required"`
}

// Validate enforces the per-kind field requirements.
func (m *FieldMapping) Validate() error {
	if !m.Kind.IsValid() {
		return fmt.Errorf("field mapping: invalid kind %q", m.Kind)
	}
	switch m.Kind {
	case MappingDirect, MappingTransformation:
		if m.SourceFieldID == "" || m.TargetFieldID == "" {
			return fmt.Errorf("field mapping: kind %q requires both source and target fields", m.Kind)
		}
		if m.Kind == MappingTransformation && len(m.Transformation) == 0 {
			return fmt.Errorf("field mapping: kind transformation requires a transformation")
		}
	case MappingConstant:
		if m.TargetFieldID == "" {
			return fmt.Errorf("field mapping: kind constant requires a target field")
		}
		if len(m.ConstantValue) == 0 {
			return fmt.Errorf("field mapping: kind constant requires constant_value")
		}
	}
	return nil
}

// StatusMapping maps a source status to a target status under a type mapping.
type StatusMapping struct {
	ID             string `json:"id"`
	TypeMappingID  string `json:"type_mapping_id"`
	SourceStatusID string `json:"source_status_id" validate:"required"`
	TargetStatusID string `json:"target_status_id" validate:"required"`
}

// ItemSyncStatus is the lifecycle state of a synced-item identity row.
type ItemSyncStatus string

// Synced item statuses.
const (
	ItemSynced  ItemSyncStatus = "synced"
	ItemPending ItemSyncStatus = "pending"
	ItemError   ItemSyncStatus = "error"
)

// SyncedItem records the cross-system identity of one mirrored work item.
// Unique per (SyncConfigID, SourceConnectorID, SourceItemID).
type SyncedItem struct {
	ID                string         `json:"id"`
	SyncConfigID      string         `json:"sync_config_id"`
	SourceConnectorID string         `json:"source_connector_id"`
	TargetConnectorID string         `json:"target_connector_id"`
	SourceItemID      string         `json:"source_item_id"`
	TargetItemID      string         `json:"target_item_id"`
	SourceItemType    string         `json:"source_item_type,omitempty"`
	TargetItemType    string         `json:"target_item_type,omitempty"`
	FirstSyncedAt     time.Time      `json:"first_synced_at"`
	LastSyncedAt      time.Time      `json:"last_synced_at"`
	SyncCount         int            `json:"sync_count"`
	Status            ItemSyncStatus `json:"status"`
}

// SyncedComment records a mirrored comment under a synced item.
type SyncedComment struct {
	ID              string         `json:"id"`
	SyncedItemID    string         `json:"synced_item_id"`
	SourceCommentID string         `json:"source_comment_id"`
	TargetCommentID string         `json:"target_comment_id,omitempty"`
	Status          ItemSyncStatus `json:"status"`
	CreatedAt       time.Time      `json:"created_at"`
}

// SyncedLink records a mirrored relation under a synced item. Links stay
// pending until the linked item gains its own identity row, after which a
// later pass promotes them.
type SyncedLink struct {
	ID                 string         `json:"id"`
	SyncedItemID       string         `json:"synced_item_id"`
	SourceLinkedItemID string         `json:"source_linked_item_id"`
	TargetLinkedItemID string         `json:"target_linked_item_id,omitempty"`
	RelationType       string         `json:"relation_type"`
	Status             ItemSyncStatus `json:"status"`
	CreatedAt          time.Time      `json:"created_at"`
	UpdatedAt          time.Time      `json:"updated_at"`
}

// WorkItemVersion is an append-only snapshot of one side of a synced item.
// Version numbers are strictly monotonic per (config, connector, item) and
// are allocated inside the insert transaction.
type WorkItemVersion struct {
	ID             string          `json:"id"`
	SyncConfigID   string          `json:"sync_config_id"`
	ConnectorID    string          `json:"connector_id"`
	WorkItemID     string          `json:"work_item_id"`
	Version        int             `json:"version"`
	Revision       string          `json:"revision,omitempty"`
	ChangedDate    *time.Time      `json:"changed_date,omitempty"`
	ChangedBy      string          `json:"changed_by,omitempty"`
	FieldsSnapshot json.RawMessage `json:"fields_snapshot"`
	Hash           string          `json:"hash"`
	ExecutionID    string          `json:"execution_id,omitempty"`
	CapturedAt     time.Time       `json:"captured_at"`
}

// Fields decodes the stored snapshot. A nil version or empty snapshot yields
// an empty map.
func (v *WorkItemVersion) Fields() (map[string]any, error) {
	if v == nil || len(v.FieldsSnapshot) == 0 {
		return map[string]any{}, nil
	}
	var fields map[string]any
	if err := json.Unmarshal(v.FieldsSnapshot, &fields); err != nil {
		return nil, fmt.Errorf("decode version %d snapshot: %w", v.Version, err)
	}
	return fields, nil
}

// ConflictKind classifies a detected conflict.
type ConflictKind string

// Conflict kinds.
const (
	ConflictField    ConflictKind = "field_conflict"
	ConflictVersion  ConflictKind = "version_conflict"
	ConflictDeletion ConflictKind = "deletion_conflict"
)

// ConflictStatus is the lifecycle state of a conflict row.
type ConflictStatus string

// Conflict statuses.
const (
	ConflictUnresolved ConflictStatus = "unresolved"
	ConflictResolved   ConflictStatus = "resolved"
	ConflictIgnored    ConflictStatus = "ignored"
)

// SyncConflict records one detected concurrent modification. Values are
// stored JSON-encoded so heterogeneous field types survive round trips.
type SyncConflict struct {
	ID                 string           `json:"id"`
	SyncConfigID       string           `json:"sync_config_id"`
	ExecutionID        string           `json:"execution_id,omitempty"`
	SourceWorkItemID   string           `json:"source_work_item_id"`
	TargetWorkItemID   string           `json:"target_work_item_id"`
	WorkItemType       string           `json:"work_item_type,omitempty"`
	Kind               ConflictKind     `json:"conflict_kind"`
	FieldName          string           `json:"field_name,omitempty"`
	SourceValue        json.RawMessage  `json:"source_value,omitempty"`
	TargetValue        json.RawMessage  `json:"target_value,omitempty"`
	BaseValue          json.RawMessage  `json:"base_value,omitempty"`
	Status             ConflictStatus   `json:"status"`
	ResolutionStrategy ConflictStrategy `json:"resolution_strategy,omitempty"`
	ResolvedValue      json.RawMessage  `json:"resolved_value,omitempty"`
	ResolvedBy         string           `json:"resolved_by,omitempty"`
	ResolvedAt         *time.Time       `json:"resolved_at,omitempty"`
	Metadata           json.RawMessage  `json:"metadata,omitempty"`
	DetectedAt         time.Time        `json:"detected_at"`
}

// ConflictResolution is the audit record of one resolution attempt.
// Application failures are captured here; the conflict row itself stays
// resolved.
type ConflictResolution struct {
	ID                string           `json:"id"`
	ConflictID        string           `json:"conflict_id"`
	Strategy          ConflictStrategy `json:"strategy"`
	PreviousValue     json.RawMessage  `json:"previous_value,omitempty"`
	ResolvedValue     json.RawMessage  `json:"resolved_value,omitempty"`
	Rationale         string           `json:"rationale,omitempty"`
	ResolvedBy        string           `json:"resolved_by"`
	AppliedToSource   bool             `json:"applied_to_source"`
	AppliedToTarget   bool             `json:"applied_to_target"`
	ApplicationResult string           `json:"application_result,omitempty"`
	CreatedAt         time.Time        `json:"created_at"`
}

// SyncDirection selects which pass(es) an execution runs.
type SyncDirection string

// Execution directions.
const (
	SourceToTarget SyncDirection = "source_to_target"
	TargetToSource SyncDirection = "target_to_source"
	Bidirectional  SyncDirection = "bidirectional"
)

// IsValid returns true for a recognized execution direction.
func (d SyncDirection) IsValid() bool {
	switch d {
	case SourceToTarget, TargetToSource, Bidirectional:
		return true
	}
	return false
}

// TriggerSource records what started an execution.
type TriggerSource string

// Trigger sources.
const (
	TriggeredManual    TriggerSource = "manual"
	TriggeredScheduled TriggerSource = "scheduled"
	TriggeredWebhook   TriggerSource = "webhook"
	TriggeredAPI       TriggerSource = "api"
)

// ExecutionStatus is the terminal (or running) state of an execution.
type ExecutionStatus string

// Execution statuses. Item-level errors yield completed_with_errors;
// only engine-level failures yield failed.
const (
	ExecutionRunning             ExecutionStatus = "running"
	ExecutionCompleted           ExecutionStatus = "completed"
	ExecutionCompletedWithErrors ExecutionStatus = "completed_with_errors"
	ExecutionFailed              ExecutionStatus = "failed"
)

// SyncExecution is the durable trace of one engine run.
type SyncExecution struct {
	ID                string          `json:"id"`
	SyncConfigID      string          `json:"sync_config_id"`
	Direction         SyncDirection   `json:"direction"`
	Trigger           TriggerSource   `json:"trigger"`
	Status            ExecutionStatus `json:"status"`
	StartedAt         time.Time       `json:"started_at"`
	CompletedAt       *time.Time      `json:"completed_at,omitempty"`
	ItemsCreated      int             `json:"items_created"`
	ItemsUpdated      int             `json:"items_updated"`
	ItemsSynced       int             `json:"items_synced"`
	ItemsFailed       int             `json:"items_failed"`
	ConflictsDetected int             `json:"conflicts_detected"`
	ConflictsResolved int             `json:"conflicts_resolved"`
	ErrorMessage      string          `json:"error_message,omitempty"`
	Logs              json.RawMessage `json:"logs,omitempty"`
}

// SyncError is a per-item error row linked to an execution.
type SyncError struct {
	ID          string    `json:"id"`
	ExecutionID string    `json:"execution_id"`
	ErrorType   string    `json:"error_type"` // sync_failed or execution_failed
	WorkItemID  string    `json:"work_item_id,omitempty"`
	Message     string    `json:"message"`
	Detail      string    `json:"detail,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// Webhook is an inbound trigger endpoint. Token is the opaque path segment
// of the receive URL; Secret signs payloads.
type Webhook struct {
	ID              string     `json:"id"`
	Name            string     `json:"name" validate:"required,max=200"`
	SyncConfigID    string     `json:"sync_config_id" validate:"required"`
	ConnectorID     string     `json:"connector_id,omitempty"`
	Token           string     `json:"token"`
	Secret          string     `json:"-"`
	Active          bool       `json:"active"`
	EventTypes      []string   `json:"event_types,omitempty"`
	TriggerCount    int        `json:"trigger_count"`
	LastTriggeredAt *time.Time `json:"last_triggered_at,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
}

// Validate checks the webhook row before it is persisted.
func (w *Webhook) Validate() error {
	if err := validate.Struct(w); err != nil {
		return fmt.Errorf("webhook %q: %w", w.Name, err)
	}
	return nil
}

// AcceptsEvent reports whether the webhook's event-type filter admits the
// given event. An empty filter admits everything.
func (w *Webhook) AcceptsEvent(event string) bool {
	if len(w.EventTypes) == 0 {
		return true
	}
	for _, e := range w.EventTypes {
		if e == event {
			return true
		}
	}
	return false
}

// DeliveryStatus is the outcome of one webhook delivery.
type DeliveryStatus string

// Delivery statuses.
const (
	DeliveryAccepted DeliveryStatus = "accepted"
	DeliveryRejected DeliveryStatus = "rejected"
	DeliveryError    DeliveryStatus = "error"
)

// WebhookDelivery is the audit row for one inbound POST.
type WebhookDelivery struct {
	ID             string          `json:"id"`
	WebhookID      string          `json:"webhook_id"`
	Event          string          `json:"event,omitempty"`
	Payload        json.RawMessage `json:"payload,omitempty"`
	Headers        json.RawMessage `json:"headers,omitempty"`
	SignatureValid bool            `json:"signature_valid"`
	Status         DeliveryStatus  `json:"status"`
	CreatedAt      time.Time       `json:"created_at"`
}
