package engine

import (
	"encoding/json"
	"time"

	"github.com/worksync/worksync/internal/types"
)

// Options selects what one execution covers.
type Options struct {
	// WorkItemIDs restricts the run to specific source items. Empty means
	// the config's stored filter, or a filter synthesized from its active
	// type mappings.
	WorkItemIDs []string

	// DryRun computes every decision but persists nothing: no remote
	// writes, no identity rows, no version snapshots, no execution row.
	DryRun bool

	// Direction overrides the pass selection. Empty derives it from the
	// config: bidirectional configs reconcile both ways, one-way configs
	// push source to target.
	Direction types.SyncDirection

	// Trigger records what started the run. Defaults to manual.
	Trigger types.TriggerSource
}

// Per-item actions recorded in Result.Items.
const (
	ActionCreated  = "created"
	ActionUpdated  = "updated"
	ActionSkipped  = "skipped"
	ActionFailed   = "failed"
	ActionConflict = "conflict"
	ActionForward  = "source-to-target"
	ActionReverse  = "target-to-source"
)

// ItemResult records the outcome for one work item or pair.
type ItemResult struct {
	SourceID string `json:"source_id"`
	TargetID string `json:"target_id,omitempty"`
	Action   string `json:"action"`
	Error    string `json:"error,omitempty"`
}

// Result aggregates one execution.
type Result struct {
	ExecutionID       string                `json:"execution_id,omitempty"`
	Status            types.ExecutionStatus `json:"status"`
	Direction         types.SyncDirection   `json:"direction"`
	Total             int                   `json:"total"`
	Created           int                   `json:"created"`
	Updated           int                   `json:"updated"`
	Skipped           int                   `json:"skipped"`
	Errors            int                   `json:"errors"`
	ConflictsDetected int                   `json:"conflicts_detected"`
	ConflictsResolved int                   `json:"conflicts_resolved"`
	ConflictsManual   int                   `json:"conflicts_manual"`
	Items             []ItemResult          `json:"items,omitempty"`
}

func (r *Result) record(item ItemResult) {
	r.Items = append(r.Items, item)
}

// logEntry is one structured line of the execution log.
type logEntry struct {
	Timestamp time.Time      `json:"timestamp"`
	Level     string         `json:"level"`
	Message   string         `json:"message"`
	Context   map[string]any `json:"context,omitempty"`
}

// logBuffer accumulates log lines during a run; the encoded buffer lands on
// the sync_executions row at completion.
type logBuffer struct {
	now     func() time.Time
	entries []logEntry
}

func (l *logBuffer) add(level, message string, ctx map[string]any) {
	l.entries = append(l.entries, logEntry{
		Timestamp: l.now(),
		Level:     level,
		Message:   message,
		Context:   ctx,
	})
}

func (l *logBuffer) encode() json.RawMessage {
	if len(l.entries) == 0 {
		return json.RawMessage("[]")
	}
	raw, err := json.Marshal(l.entries)
	if err != nil {
		return json.RawMessage("[]")
	}
	return raw
}
