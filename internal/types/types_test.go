package types

import (
	"encoding/json"
	"strings"
	"testing"
	"time"
)

func TestSyncConfigValidation(t *testing.T) {
	base := func() SyncConfig {
		return SyncConfig{
			ID:                "cfg-1",
			Name:              "ado to sdp",
			SourceConnectorID: "conn-a",
			TargetConnectorID: "conn-b",
			TriggerKind:       TriggerManual,
			Direction:         DirectionOneWay,
			ConflictStrategy:  StrategyLastWriteWins,
		}
	}

	tests := []struct {
		name    string
		mutate  func(*SyncConfig)
		wantErr bool
		errMsg  string
	}{
		{
			name:   "valid manual one-way config",
			mutate: func(c *SyncConfig) {},
		},
		{
			name: "missing name",
			mutate: func(c *SyncConfig) {
				c.Name = ""
			},
			wantErr: true,
		},
		{
			name: "scheduled without cron",
			mutate: func(c *SyncConfig) {
				c.TriggerKind = TriggerScheduled
			},
			wantErr: true,
			errMsg:  "requires a cron expression",
		},
		{
			name: "scheduled with cron",
			mutate: func(c *SyncConfig) {
				c.TriggerKind = TriggerScheduled
				c.CronExpr = "*/15 * * * *"
			},
		},
		{
			name: "malformed cron",
			mutate: func(c *SyncConfig) {
				c.TriggerKind = TriggerScheduled
				c.CronExpr = "every five minutes"
			},
			wantErr: true,
		},
		{
			name: "same connector both sides",
			mutate: func(c *SyncConfig) {
				c.TargetConnectorID = c.SourceConnectorID
			},
			wantErr: true,
			errMsg:  "must differ",
		},
		{
			name: "bidirectional requires version tracking",
			mutate: func(c *SyncConfig) {
				c.Direction = DirectionBidirectional
				c.TrackVersions = false
			},
			wantErr: true,
			errMsg:  "requires track_versions",
		},
		{
			name: "bidirectional with version tracking",
			mutate: func(c *SyncConfig) {
				c.Direction = DirectionBidirectional
				c.TrackVersions = true
			},
		},
		{
			name: "unknown strategy",
			mutate: func(c *SyncConfig) {
				c.ConflictStrategy = "newest-wins"
			},
			wantErr: true,
			errMsg:  "invalid conflict strategy",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := base()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Fatalf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.wantErr && tt.errMsg != "" && !strings.Contains(err.Error(), tt.errMsg) {
				t.Errorf("Validate() error = %q, want substring %q", err, tt.errMsg)
			}
		})
	}
}

func TestFieldMappingValidation(t *testing.T) {
	tests := []struct {
		name    string
		mapping FieldMapping
		wantErr bool
		errMsg  string
	}{
		{
			name: "direct with both fields",
			mapping: FieldMapping{
				Kind:          MappingDirect,
				SourceFieldID: "f-1",
				TargetFieldID: "f-2",
			},
		},
		{
			name: "direct missing target",
			mapping: FieldMapping{
				Kind:          MappingDirect,
				SourceFieldID: "f-1",
			},
			wantErr: true,
			errMsg:  "requires both source and target",
		},
		{
			name: "constant with value",
			mapping: FieldMapping{
				Kind:          MappingConstant,
				TargetFieldID: "f-2",
				ConstantValue: json.RawMessage(`"Imported"`),
			},
		},
		{
			name: "constant without value",
			mapping: FieldMapping{
				Kind:          MappingConstant,
				TargetFieldID: "f-2",
			},
			wantErr: true,
			errMsg:  "requires constant_value",
		},
		{
			name: "transformation without payload",
			mapping: FieldMapping{
				Kind:          MappingTransformation,
				SourceFieldID: "f-1",
				TargetFieldID: "f-2",
			},
			wantErr: true,
			errMsg:  "requires a transformation",
		},
		{
			name: "unknown kind",
			mapping: FieldMapping{
				Kind: "lookup",
			},
			wantErr: true,
			errMsg:  "invalid kind",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.mapping.Validate()
			if (err != nil) != tt.wantErr {
				t.Fatalf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.wantErr && tt.errMsg != "" && !strings.Contains(err.Error(), tt.errMsg) {
				t.Errorf("Validate() error = %q, want substring %q", err, tt.errMsg)
			}
		})
	}
}

func TestConnectorValidation(t *testing.T) {
	conn := Connector{
		Name:     "ado-prod",
		Kind:     "azuredevops",
		BaseURL:  "https://dev.azure.com/acme",
		AuthKind: AuthPAT,
	}
	if err := conn.Validate(); err != nil {
		t.Fatalf("Validate() unexpected error: %v", err)
	}

	conn.AuthKind = "oauth"
	if err := conn.Validate(); err == nil {
		t.Fatal("Validate() expected error for unknown auth kind")
	}

	conn.AuthKind = AuthBasic
	conn.BaseURL = "not a url"
	if err := conn.Validate(); err == nil {
		t.Fatal("Validate() expected error for malformed base URL")
	}
}

func TestWorkItemFieldAccessors(t *testing.T) {
	item := WorkItem{
		ID:   "A-1",
		Type: "Task",
		Fields: map[string]any{
			RefTitle:       "Hello",
			RefChangedDate: "2026-03-01T10:30:00Z",
			RefPriority:    2,
		},
	}

	if got := item.StringField(RefTitle); got != "Hello" {
		t.Errorf("StringField(title) = %q, want %q", got, "Hello")
	}
	if got := item.StringField(RefPriority); got != "" {
		t.Errorf("StringField(priority) = %q, want empty for non-string", got)
	}
	if got := item.Field("missing"); got != nil {
		t.Errorf("Field(missing) = %v, want nil", got)
	}

	changed, ok := item.ChangedDate()
	if !ok {
		t.Fatal("ChangedDate() not parsed")
	}
	want := time.Date(2026, 3, 1, 10, 30, 0, 0, time.UTC)
	if !changed.Equal(want) {
		t.Errorf("ChangedDate() = %v, want %v", changed, want)
	}

	if _, ok := (&WorkItem{}).ChangedDate(); ok {
		t.Error("ChangedDate() on empty item should not parse")
	}
}

func TestWebhookAcceptsEvent(t *testing.T) {
	open := Webhook{Name: "all", SyncConfigID: "cfg-1"}
	if !open.AcceptsEvent("workitem.updated") {
		t.Error("empty filter should accept every event")
	}

	filtered := Webhook{Name: "updates", SyncConfigID: "cfg-1", EventTypes: []string{"workitem.updated", "workitem.created"}}
	if !filtered.AcceptsEvent("workitem.created") {
		t.Error("listed event should be accepted")
	}
	if filtered.AcceptsEvent("workitem.deleted") {
		t.Error("unlisted event should be rejected")
	}
}

func TestIdentityString(t *testing.T) {
	id := Identity{DisplayName: "Jane Doe", UniqueName: "jane@example.com"}
	if got := id.String(); got != "Jane Doe <jane@example.com>" {
		t.Errorf("String() = %q", got)
	}
	bare := Identity{DisplayName: "builder"}
	if got := bare.String(); got != "builder" {
		t.Errorf("String() = %q", got)
	}
}

func TestIsCoreReference(t *testing.T) {
	for _, ref := range CoreReferences {
		if !IsCoreReference(ref) {
			t.Errorf("IsCoreReference(%q) = false", ref)
		}
	}
	if IsCoreReference("customField") {
		t.Error("IsCoreReference(customField) = true, want false")
	}
}
