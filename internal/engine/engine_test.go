package engine

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/worksync/worksync/internal/conflict"
	"github.com/worksync/worksync/internal/connector/fake"
	"github.com/worksync/worksync/internal/registry"
	"github.com/worksync/worksync/internal/store"
	"github.com/worksync/worksync/internal/types"
	"github.com/worksync/worksync/internal/vault"
)

// kit wires a real store, a vault-backed registry, and two fake drivers
// behind one sync config with a Task->Task mapping (title, description,
// state, plus an Open->Open / Done->Closed status table).
type kit struct {
	t      *testing.T
	ctx    context.Context
	store  *store.DB
	reg    *registry.Registry
	cfg    *types.SyncConfig
	source *fake.Driver
	target *fake.Driver
	clock  time.Time
}

func newKit(t *testing.T, direction types.ConfigDirection, strategy types.ConflictStrategy) *kit {
	t.Helper()
	ctx := context.Background()

	s, err := store.Open(ctx, t.TempDir()+"/worksync.db")
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	v, err := vault.New("engine-test-secret")
	require.NoError(t, err)
	reg := registry.New(s, v)
	t.Cleanup(reg.Close)

	src := seedConnector(t, s, v, "tracker-a", "A")
	tgt := seedConnector(t, s, v, "tracker-b", "B")

	cfg := &types.SyncConfig{
		Name:              "a-to-b",
		SourceConnectorID: src.ID,
		TargetConnectorID: tgt.ID,
		Active:            true,
		TriggerKind:       types.TriggerManual,
		Direction:         direction,
		TrackVersions:     true,
		ConflictStrategy:  strategy,
		Options:           types.SyncOptions{SyncComments: true, SyncLinks: true},
	}
	require.NoError(t, s.CreateSyncConfig(ctx, cfg))
	seedMappings(t, s, cfg)

	k := &kit{t: t, ctx: ctx, store: s, reg: reg, cfg: cfg}
	k.clock = time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)

	srcConn, err := reg.Get(ctx, src.ID)
	require.NoError(t, err)
	k.source = srcConn.(*fake.Driver)
	tgtConn, err := reg.Get(ctx, tgt.ID)
	require.NoError(t, err)
	k.target = tgtConn.(*fake.Driver)

	k.source.Now = func() time.Time { return k.clock }
	k.target.Now = func() time.Time { return k.clock }
	return k
}

func seedConnector(t *testing.T, s *store.DB, v *vault.Vault, name, prefix string) *types.Connector {
	t.Helper()
	creds, err := v.EncryptCredentials(map[string]string{"token": "t0ken"})
	require.NoError(t, err)

	c := &types.Connector{
		Name:                 name,
		Kind:                 "fake",
		BaseURL:              "https://" + name + ".example",
		AuthKind:             types.AuthPAT,
		EncryptedCredentials: creds,
		Active:               true,
		Metadata:             map[string]string{"prefix": prefix},
	}
	require.NoError(t, s.CreateConnector(context.Background(), c))
	return c
}

func seedMappings(t *testing.T, s *store.DB, cfg *types.SyncConfig) {
	t.Helper()
	ctx := context.Background()

	taskFields := func() []types.FieldDef {
		return []types.FieldDef{
			{Name: "Title", ReferenceName: types.RefTitle, DataType: types.FieldString, Required: true},
			{Name: "Description", ReferenceName: types.RefDescription, DataType: types.FieldString},
			{Name: "State", ReferenceName: types.RefState, DataType: types.FieldPicklist},
		}
	}
	srcMeta := &types.DiscoveryResult{
		ConnectorID:  cfg.SourceConnectorID,
		DiscoveredAt: time.Now().UTC(),
		Types: []types.DiscoveredType{{
			Type:   types.WorkItemType{Name: "Task", RemoteID: "task-a"},
			Fields: taskFields(),
			Statuses: []types.StatusDef{
				{Name: "Open", Value: "open", Category: types.CategoryProposed, SortOrder: 1},
				{Name: "Done", Value: "done", Category: types.CategoryCompleted, SortOrder: 2},
			},
		}},
	}
	require.NoError(t, s.SaveDiscoveredMetadata(ctx, srcMeta))

	tgtMeta := &types.DiscoveryResult{
		ConnectorID:  cfg.TargetConnectorID,
		DiscoveredAt: time.Now().UTC(),
		Types: []types.DiscoveredType{{
			Type:   types.WorkItemType{Name: "Task", RemoteID: "task-b"},
			Fields: taskFields(),
			Statuses: []types.StatusDef{
				{Name: "Open", Value: "open", Category: types.CategoryProposed, SortOrder: 1},
				{Name: "Closed", Value: "closed", Category: types.CategoryCompleted, SortOrder: 2},
			},
		}},
	}
	require.NoError(t, s.SaveDiscoveredMetadata(ctx, tgtMeta))

	tm := &types.TypeMapping{
		SyncConfigID: cfg.ID,
		SourceTypeID: srcMeta.Types[0].Type.ID,
		TargetTypeID: tgtMeta.Types[0].Type.ID,
		Active:       true,
	}
	require.NoError(t, s.CreateTypeMapping(ctx, tm))

	fieldID := func(dt *types.DiscoveredType, ref string) string {
		for _, fd := range dt.Fields {
			if fd.ReferenceName == ref {
				return fd.ID
			}
		}
		t.Fatalf("no field %q", ref)
		return ""
	}
	for _, ref := range []string{types.RefTitle, types.RefDescription, types.RefState} {
		require.NoError(t, s.CreateFieldMapping(ctx, &types.FieldMapping{
			TypeMappingID: tm.ID,
			Kind:          types.MappingDirect,
			SourceFieldID: fieldID(&srcMeta.Types[0], ref),
			TargetFieldID: fieldID(&tgtMeta.Types[0], ref),
		}))
	}

	statusID := func(dt *types.DiscoveredType, name string) string {
		for _, sd := range dt.Statuses {
			if sd.Name == name {
				return sd.ID
			}
		}
		t.Fatalf("no status %q", name)
		return ""
	}
	require.NoError(t, s.CreateStatusMapping(ctx, &types.StatusMapping{
		TypeMappingID:  tm.ID,
		SourceStatusID: statusID(&srcMeta.Types[0], "Open"),
		TargetStatusID: statusID(&tgtMeta.Types[0], "Open"),
	}))
	require.NoError(t, s.CreateStatusMapping(ctx, &types.StatusMapping{
		TypeMappingID:  tm.ID,
		SourceStatusID: statusID(&srcMeta.Types[0], "Done"),
		TargetStatusID: statusID(&tgtMeta.Types[0], "Closed"),
	}))
}

func (k *kit) engine() *Engine {
	eng := New(k.cfg, Deps{Store: k.store, Registry: k.reg})
	eng.now = func() time.Time { return k.clock }
	return eng
}

func (k *kit) run(opts Options) *Result {
	k.t.Helper()
	res, err := k.engine().Execute(k.ctx, opts)
	require.NoError(k.t, err)
	return res
}

func (k *kit) seedSource(id, itemType, title string) *types.WorkItem {
	item := &types.WorkItem{
		ID:   id,
		Type: itemType,
		Fields: map[string]any{
			types.RefTitle:       title,
			types.RefState:       "Open",
			types.RefType:        itemType,
			types.RefCreatedDate: k.clock,
			types.RefChangedDate: k.clock,
		},
	}
	k.source.Put(item)
	return item
}

// edit mutates one stored item in place, stamping the changed date the way
// the remote system would.
func (k *kit) edit(d *fake.Driver, id string, at time.Time, fields map[string]any) {
	k.t.Helper()
	item := d.Item(id)
	require.NotNil(k.t, item, "item %s not found", id)
	for ref, val := range fields {
		item.Fields[ref] = val
	}
	item.Fields[types.RefChangedDate] = at
	d.Put(item)
}

func (k *kit) identity(sourceItemID string) *types.SyncedItem {
	k.t.Helper()
	row, err := k.store.GetSyncedItemBySource(k.ctx, k.cfg.ID, k.cfg.SourceConnectorID, sourceItemID)
	require.NoError(k.t, err)
	return row
}

func (k *kit) lastExecution() *types.SyncExecution {
	k.t.Helper()
	execs, err := k.store.ListExecutions(k.ctx, k.cfg.ID, 1)
	require.NoError(k.t, err)
	require.NotEmpty(k.t, execs)
	return execs[0]
}

func (k *kit) openConflicts() []*types.SyncConflict {
	k.t.Helper()
	open, err := k.store.ListConflicts(k.ctx, k.cfg.ID, types.ConflictUnresolved)
	require.NoError(k.t, err)
	return open
}

func TestExecuteFirstSyncCreates(t *testing.T) {
	k := newKit(t, types.DirectionOneWay, types.StrategyLastWriteWins)
	k.seedSource("A-1", "Task", "Hello")

	res := k.run(Options{})

	assert.Equal(t, types.ExecutionCompleted, res.Status)
	assert.Equal(t, 1, res.Total)
	assert.Equal(t, 1, res.Created)
	assert.Zero(t, res.Errors)
	require.Len(t, res.Items, 1)
	assert.Equal(t, ActionCreated, res.Items[0].Action)

	require.Equal(t, []string{"B-1"}, k.target.CreatedIDs)
	created := k.target.Item("B-1")
	require.NotNil(t, created)
	assert.Equal(t, "Task", created.Type)
	assert.Equal(t, "Hello", created.StringField(types.RefTitle))
	assert.Equal(t, "Open", created.StringField(types.RefState))

	pair := k.identity("A-1")
	assert.Equal(t, "B-1", pair.TargetItemID)
	assert.Equal(t, 1, pair.SyncCount)
	assert.Equal(t, types.ItemSynced, pair.Status)

	exec := k.lastExecution()
	assert.Equal(t, res.ExecutionID, exec.ID)
	assert.Equal(t, types.ExecutionCompleted, exec.Status)
	assert.Equal(t, types.SourceToTarget, exec.Direction)
	assert.Equal(t, types.TriggeredManual, exec.Trigger)
	assert.Equal(t, 1, exec.ItemsCreated)
	assert.Equal(t, 1, exec.ItemsSynced)
	require.NotNil(t, exec.CompletedAt)

	var lines []map[string]any
	require.NoError(t, json.Unmarshal(exec.Logs, &lines))
	require.NotEmpty(t, lines)
	assert.Contains(t, lines[0], "timestamp")
	assert.Contains(t, lines[0], "level")
	assert.Contains(t, lines[0], "message")

	cfg, err := k.store.GetSyncConfig(k.ctx, k.cfg.ID)
	require.NoError(t, err)
	require.NotNil(t, cfg.LastSyncAt)

	srcVer, err := k.store.LatestVersion(k.ctx, k.cfg.ID, k.cfg.SourceConnectorID, "A-1")
	require.NoError(t, err)
	assert.Equal(t, 1, srcVer.Version)
	tgtVer, err := k.store.LatestVersion(k.ctx, k.cfg.ID, k.cfg.TargetConnectorID, "B-1")
	require.NoError(t, err)
	assert.Equal(t, 1, tgtVer.Version)
}

func TestExecuteResyncUpdatesExisting(t *testing.T) {
	k := newKit(t, types.DirectionOneWay, types.StrategyLastWriteWins)
	k.seedSource("A-1", "Task", "Hello")
	k.run(Options{})

	k.clock = k.clock.Add(time.Hour)
	k.edit(k.source, "A-1", k.clock, map[string]any{types.RefTitle: "Hello again"})
	res := k.run(Options{})

	assert.Equal(t, types.ExecutionCompleted, res.Status)
	assert.Equal(t, 1, res.Updated)
	assert.Zero(t, res.Created)

	assert.Equal(t, 1, k.target.Len(), "resync must not mint new target items")
	assert.Equal(t, "Hello again", k.target.Item("B-1").StringField(types.RefTitle))

	pair := k.identity("A-1")
	assert.Equal(t, 2, pair.SyncCount)

	tgtVer, err := k.store.LatestVersion(k.ctx, k.cfg.ID, k.cfg.TargetConnectorID, "B-1")
	require.NoError(t, err)
	assert.Equal(t, 2, tgtVer.Version)
}

func TestExecuteDryRunWritesNothing(t *testing.T) {
	k := newKit(t, types.DirectionOneWay, types.StrategyLastWriteWins)
	k.seedSource("A-1", "Task", "Hello")

	var msgs []string
	eng := k.engine()
	eng.OnMessage = func(m string) { msgs = append(msgs, m) }
	res, err := eng.Execute(k.ctx, Options{DryRun: true})
	require.NoError(t, err)

	assert.Equal(t, types.ExecutionCompleted, res.Status)
	assert.Equal(t, 1, res.Created)
	assert.Empty(t, res.ExecutionID)

	assert.Zero(t, k.target.Len())
	assert.Empty(t, k.target.CreatedIDs)

	_, err = k.store.GetSyncedItemBySource(k.ctx, k.cfg.ID, k.cfg.SourceConnectorID, "A-1")
	assert.ErrorIs(t, err, store.ErrNotFound)

	execs, err := k.store.ListExecutions(k.ctx, k.cfg.ID, 10)
	require.NoError(t, err)
	assert.Empty(t, execs)

	_, err = k.store.LatestVersion(k.ctx, k.cfg.ID, k.cfg.SourceConnectorID, "A-1")
	assert.ErrorIs(t, err, store.ErrNotFound)

	cfg, err := k.store.GetSyncConfig(k.ctx, k.cfg.ID)
	require.NoError(t, err)
	assert.Nil(t, cfg.LastSyncAt)

	found := false
	for _, m := range msgs {
		if strings.Contains(m, "[dry-run] would create") {
			found = true
		}
	}
	assert.True(t, found, "dry run should narrate the create it skipped")
}

func TestExecuteUnmappedTypeIsItemError(t *testing.T) {
	k := newKit(t, types.DirectionOneWay, types.StrategyLastWriteWins)
	k.source.Put(&types.WorkItem{
		ID:   "A-9",
		Type: "Bug",
		Fields: map[string]any{
			types.RefTitle: "boom",
			types.RefType:  "Bug",
		},
	})

	res := k.run(Options{WorkItemIDs: []string{"A-9"}})

	assert.Equal(t, types.ExecutionCompletedWithErrors, res.Status)
	assert.Equal(t, 1, res.Errors)
	assert.Zero(t, res.Created)
	assert.Zero(t, k.target.Len())
	require.Len(t, res.Items, 1)
	assert.Contains(t, res.Items[0].Error, `no active type mapping for source type "Bug"`)

	rows, err := k.store.ListSyncErrors(k.ctx, res.ExecutionID)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "sync_failed", rows[0].ErrorType)
	assert.Equal(t, "A-9", rows[0].WorkItemID)
}

func TestExecuteMissingItemContinues(t *testing.T) {
	k := newKit(t, types.DirectionOneWay, types.StrategyLastWriteWins)
	k.seedSource("A-1", "Task", "Hello")

	res := k.run(Options{WorkItemIDs: []string{"A-404", "A-1"}})

	assert.Equal(t, types.ExecutionCompletedWithErrors, res.Status)
	assert.Equal(t, 1, res.Created)
	assert.Equal(t, 1, res.Errors)
	assert.Equal(t, 2, res.Total)
	assert.Equal(t, 1, k.target.Len())

	exec := k.lastExecution()
	assert.Equal(t, types.ExecutionCompletedWithErrors, exec.Status)
	assert.Equal(t, 1, exec.ItemsFailed)
}

func TestExecuteSyncsCommentsOnce(t *testing.T) {
	k := newKit(t, types.DirectionOneWay, types.StrategyLastWriteWins)
	k.seedSource("A-1", "Task", "Hello")
	k.source.SeedComment("A-1", types.Comment{
		ID:          "c1",
		Text:        "please prioritize",
		Author:      "sam@acme.com",
		CreatedDate: k.clock,
	})

	k.run(Options{})
	k.run(Options{}) // second pass must not duplicate the mirror

	comments, err := k.target.GetComments(k.ctx, "B-1")
	require.NoError(t, err)
	require.Len(t, comments, 1)
	assert.True(t, strings.HasPrefix(comments[0].Text, "[Synced from tracker-a]\n"), comments[0].Text)
	assert.Contains(t, comments[0].Text, "please prioritize")
	assert.Contains(t, comments[0].Text, "sam@acme.com")

	recs, err := k.store.ListSyncedComments(k.ctx, k.identity("A-1").ID)
	require.NoError(t, err)
	assert.Len(t, recs, 1)
}

func TestExecutePromotesPendingLinks(t *testing.T) {
	k := newKit(t, types.DirectionOneWay, types.StrategyLastWriteWins)
	k.seedSource("A-1", "Task", "parent")
	k.seedSource("A-2", "Task", "child")
	k.source.SeedRelation("A-1", types.Relation{Type: "related", LinkedWorkItemID: "A-2"})

	res := k.run(Options{})
	assert.Equal(t, 2, res.Created)

	// A-1 synced before A-2 existed on the target, so its link started
	// pending and the promotion pass finished it within the same run.
	links, err := k.store.ListSyncedLinks(k.ctx, k.identity("A-1").ID)
	require.NoError(t, err)
	require.Len(t, links, 1)
	assert.Equal(t, types.ItemSynced, links[0].Status)
	assert.Equal(t, "B-2", links[0].TargetLinkedItemID)

	rels, err := k.target.GetRelations(k.ctx, "B-1")
	require.NoError(t, err)
	require.Len(t, rels, 1)
	assert.Equal(t, "related", rels[0].Type)
	assert.Equal(t, "B-2", rels[0].LinkedWorkItemID)
}

func TestExecuteTargetToSource(t *testing.T) {
	k := newKit(t, types.DirectionOneWay, types.StrategyLastWriteWins)
	k.seedSource("A-1", "Task", "Hello")
	k.run(Options{})

	k.clock = k.clock.Add(time.Hour)
	k.edit(k.target, "B-1", k.clock, map[string]any{types.RefTitle: "renamed on target"})

	res := k.run(Options{Direction: types.TargetToSource})

	assert.Equal(t, types.ExecutionCompleted, res.Status)
	assert.Equal(t, 1, res.Updated)
	require.Len(t, res.Items, 1)
	assert.Equal(t, ActionReverse, res.Items[0].Action)

	assert.Equal(t, "renamed on target", k.source.Item("A-1").StringField(types.RefTitle))

	exec := k.lastExecution()
	assert.Equal(t, types.TargetToSource, exec.Direction)
}

func TestExecuteRejectsBidirectionalOnOneWayConfig(t *testing.T) {
	k := newKit(t, types.DirectionOneWay, types.StrategyLastWriteWins)
	k.seedSource("A-1", "Task", "Hello")

	_, err := k.engine().Execute(k.ctx, Options{Direction: types.Bidirectional})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "one-way")

	execs, err := k.store.ListExecutions(k.ctx, k.cfg.ID, 10)
	require.NoError(t, err)
	assert.Empty(t, execs, "rejected runs must not leave execution rows")
}

func TestBidirectionalResolvesByLastWrite(t *testing.T) {
	k := newKit(t, types.DirectionBidirectional, types.StrategyLastWriteWins)
	k.seedSource("A-1", "Task", "Hello")
	k.run(Options{})

	// Target edited first, source edited later: the source value wins.
	t1 := k.clock.Add(30 * time.Minute)
	k.edit(k.target, "B-1", t1, map[string]any{types.RefTitle: "T"})
	t2 := k.clock.Add(time.Hour)
	k.edit(k.source, "A-1", t2, map[string]any{types.RefTitle: "S"})
	k.clock = t2

	res := k.run(Options{})

	assert.Equal(t, types.ExecutionCompleted, res.Status)
	assert.Equal(t, 1, res.ConflictsDetected)
	assert.Equal(t, 1, res.ConflictsResolved)
	assert.Zero(t, res.ConflictsManual)
	assert.Equal(t, "S", k.target.Item("B-1").StringField(types.RefTitle))
	assert.Equal(t, "S", k.source.Item("A-1").StringField(types.RefTitle))

	assert.Empty(t, k.openConflicts())

	resolved, err := k.store.ListConflicts(k.ctx, k.cfg.ID, types.ConflictResolved)
	require.NoError(t, err)
	require.Len(t, resolved, 1)
	assert.Equal(t, types.ConflictField, resolved[0].Kind)
	assert.Equal(t, types.RefTitle, resolved[0].FieldName)
	assert.JSONEq(t, `"S"`, string(resolved[0].SourceValue))
	assert.JSONEq(t, `"T"`, string(resolved[0].TargetValue))

	// The refreshed baselines mean the next run has nothing left to move.
	k.clock = k.clock.Add(time.Hour)
	res2 := k.run(Options{})
	assert.Zero(t, res2.ConflictsDetected)
	assert.Equal(t, 1, res2.Skipped)
}

func TestBidirectionalManualConflictHeldThenResolved(t *testing.T) {
	k := newKit(t, types.DirectionBidirectional, types.StrategyManual)
	k.seedSource("A-1", "Task", "Hello")
	k.run(Options{})

	t1 := k.clock.Add(30 * time.Minute)
	k.edit(k.target, "B-1", t1, map[string]any{types.RefTitle: "T"})
	t2 := k.clock.Add(time.Hour)
	k.edit(k.source, "A-1", t2, map[string]any{types.RefTitle: "S"})
	k.clock = t2

	res := k.run(Options{})

	assert.Equal(t, 1, res.ConflictsDetected)
	assert.Zero(t, res.ConflictsResolved)
	assert.Equal(t, 1, res.ConflictsManual)

	// Held conflicts must not move either remote.
	assert.Equal(t, "S", k.source.Item("A-1").StringField(types.RefTitle))
	assert.Equal(t, "T", k.target.Item("B-1").StringField(types.RefTitle))

	open := k.openConflicts()
	require.Len(t, open, 1)

	resolver := conflict.NewResolver(k.store, k.cfg, k.source, k.target)
	_, err := resolver.ResolveManually(k.ctx, open[0].ID, json.RawMessage(`"T"`), "target wording is right", "alice")
	require.NoError(t, err)

	assert.Equal(t, "T", k.source.Item("A-1").StringField(types.RefTitle))
	assert.Equal(t, "T", k.target.Item("B-1").StringField(types.RefTitle))

	stored, err := k.store.GetConflict(k.ctx, open[0].ID)
	require.NoError(t, err)
	assert.Equal(t, types.ConflictResolved, stored.Status)
	assert.Equal(t, "alice", stored.ResolvedBy)
}

func TestBidirectionalDisjointEditsConverge(t *testing.T) {
	k := newKit(t, types.DirectionBidirectional, types.StrategyLastWriteWins)
	k.seedSource("A-1", "Task", "Hello")
	k.run(Options{})

	t1 := k.clock.Add(30 * time.Minute)
	k.edit(k.target, "B-1", t1, map[string]any{types.RefDescription: "notes from b"})
	t2 := k.clock.Add(time.Hour)
	k.edit(k.source, "A-1", t2, map[string]any{types.RefTitle: "retitled on a"})
	k.clock = t2

	res := k.run(Options{})

	assert.Equal(t, types.ExecutionCompleted, res.Status)
	assert.Zero(t, res.ConflictsDetected, "disjoint edits are not conflicts")
	assert.Equal(t, 1, res.Updated)

	assert.Equal(t, "retitled on a", k.target.Item("B-1").StringField(types.RefTitle))
	assert.Equal(t, "notes from b", k.target.Item("B-1").StringField(types.RefDescription))
	assert.Equal(t, "retitled on a", k.source.Item("A-1").StringField(types.RefTitle))
	assert.Equal(t, "notes from b", k.source.Item("A-1").StringField(types.RefDescription))

	assert.Empty(t, k.openConflicts())

	k.clock = k.clock.Add(time.Hour)
	res2 := k.run(Options{})
	assert.Equal(t, 1, res2.Skipped, "converged pair should be quiet on the next run")
	assert.Zero(t, res2.Updated)
}

func TestBidirectionalNewTargetChangesFlowBack(t *testing.T) {
	k := newKit(t, types.DirectionBidirectional, types.StrategyLastWriteWins)
	k.seedSource("A-1", "Task", "Hello")
	k.run(Options{})

	k.clock = k.clock.Add(time.Hour)
	k.edit(k.target, "B-1", k.clock, map[string]any{types.RefTitle: "fixed on target"})

	res := k.run(Options{})

	assert.Equal(t, 1, res.Updated)
	require.Len(t, res.Items, 1)
	assert.Equal(t, ActionReverse, res.Items[0].Action)
	assert.Equal(t, "fixed on target", k.source.Item("A-1").StringField(types.RefTitle))
}

func TestBidirectionalDeletionNeedsOperator(t *testing.T) {
	k := newKit(t, types.DirectionBidirectional, types.StrategyLastWriteWins)
	k.seedSource("A-1", "Task", "Hello")
	k.run(Options{})

	require.NoError(t, k.source.DeleteWorkItem(k.ctx, "A-1"))
	k.clock = k.clock.Add(time.Hour)

	res := k.run(Options{})

	assert.Equal(t, 1, res.ConflictsDetected)
	assert.Equal(t, 1, res.ConflictsManual)
	assert.Equal(t, 1, k.target.Len(), "deletion must not propagate without an operator")

	open := k.openConflicts()
	require.Len(t, open, 1)
	assert.Equal(t, types.ConflictDeletion, open[0].Kind)
	assert.Equal(t, "A-1", open[0].SourceWorkItemID)
	assert.Equal(t, "B-1", open[0].TargetWorkItemID)

	pair := k.identity("A-1")
	assert.Equal(t, types.ItemError, pair.Status)

	// Re-running while the operator decides must not stack more rows.
	k.clock = k.clock.Add(time.Hour)
	res2 := k.run(Options{})
	assert.Zero(t, res2.ConflictsDetected)
	assert.Len(t, k.openConflicts(), 1)
}

func TestPreviewProjectsWithoutWriting(t *testing.T) {
	k := newKit(t, types.DirectionOneWay, types.StrategyLastWriteWins)
	k.seedSource("A-1", "Task", "Hello")
	k.run(Options{})

	k.seedSource("A-2", "Task", "Brand new")
	k.source.Put(&types.WorkItem{
		ID:     "A-9",
		Type:   "Bug",
		Fields: map[string]any{types.RefTitle: "unmappable", types.RefType: "Bug"},
	})
	target := k.target.Len()

	res, err := k.engine().Preview(k.ctx, Options{WorkItemIDs: []string{"A-1", "A-2", "A-9"}})
	require.NoError(t, err)

	assert.Equal(t, 1, res.Creates)
	assert.Equal(t, 1, res.Updates)
	assert.Equal(t, 1, res.Errors)
	require.Len(t, res.Items, 3)

	byID := map[string]PreviewItem{}
	for _, it := range res.Items {
		byID[it.SourceID] = it
	}
	assert.Equal(t, PreviewUpdate, byID["A-1"].Action)
	assert.Equal(t, "B-1", byID["A-1"].TargetID)
	assert.Equal(t, 1, byID["A-1"].SyncCount)
	assert.Equal(t, PreviewCreate, byID["A-2"].Action)
	assert.Equal(t, "Brand new", byID["A-2"].Title)
	assert.Equal(t, "Brand new", byID["A-2"].MappedFields[types.RefTitle])
	assert.Equal(t, PreviewError, byID["A-9"].Action)
	assert.Contains(t, byID["A-9"].Error, "no active type mapping")

	assert.Equal(t, target, k.target.Len(), "preview must not write")
	assert.Len(t, k.target.CreatedIDs, 1, "preview must not create")
	execs, err := k.store.ListExecutions(k.ctx, k.cfg.ID, 10)
	require.NoError(t, err)
	assert.Len(t, execs, 1, "preview must not add execution rows")
}

func TestExecuteQueriesByMappedTypes(t *testing.T) {
	k := newKit(t, types.DirectionOneWay, types.StrategyLastWriteWins)
	k.seedSource("A-1", "Task", "wanted")
	k.source.Put(&types.WorkItem{
		ID:     "A-9",
		Type:   "Bug",
		Fields: map[string]any{types.RefTitle: "filtered out", types.RefType: "Bug"},
	})

	res := k.run(Options{})

	// Without an explicit filter only mapped types flow, so the Bug never
	// reaches the target or the error list.
	assert.Equal(t, 1, res.Total)
	assert.Equal(t, 1, res.Created)
	assert.Zero(t, res.Errors)
	assert.Equal(t, 1, k.target.Len())
}
