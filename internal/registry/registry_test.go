package registry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	_ "github.com/worksync/worksync/internal/connector/fake"
	"github.com/worksync/worksync/internal/store"
	"github.com/worksync/worksync/internal/types"
	"github.com/worksync/worksync/internal/vault"
)

func newTestRegistry(t *testing.T) (*Registry, *store.DB, *vault.Vault) {
	t.Helper()
	s, err := store.Open(context.Background(), t.TempDir()+"/worksync.db")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	v, err := vault.New("registry-test-secret")
	require.NoError(t, err)

	r := New(s, v)
	t.Cleanup(r.Close)
	return r, s, v
}

func seedFakeConnector(t *testing.T, s *store.DB, v *vault.Vault, name string, active bool) *types.Connector {
	t.Helper()
	creds, err := v.EncryptCredentials(map[string]string{"token": "t0ken"})
	require.NoError(t, err)

	c := &types.Connector{
		Name:                 name,
		Kind:                 "fake",
		BaseURL:              "https://fake.example",
		AuthKind:             types.AuthPAT,
		EncryptedCredentials: creds,
		Active:               active,
	}
	require.NoError(t, s.CreateConnector(context.Background(), c))
	return c
}

func TestGetBuildsAndCaches(t *testing.T) {
	r, s, v := newTestRegistry(t)
	row := seedFakeConnector(t, s, v, "fake-a", true)

	ctx := context.Background()
	first, err := r.Get(ctx, row.ID)
	require.NoError(t, err)
	require.NotNil(t, first)
	assert.Equal(t, "fake", first.Kind())

	second, err := r.Get(ctx, row.ID)
	require.NoError(t, err)
	assert.Same(t, first, second, "second Get should return the cached instance")

	r.ClearCache(row.ID)
	third, err := r.Get(ctx, row.ID)
	require.NoError(t, err)
	assert.NotSame(t, first, third, "ClearCache should force a rebuild")
}

func TestGetRefusesInactive(t *testing.T) {
	r, s, v := newTestRegistry(t)
	row := seedFakeConnector(t, s, v, "fake-off", false)

	_, err := r.Get(context.Background(), row.ID)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInactive)
}

func TestGetSurfacesDecryptFailure(t *testing.T) {
	r, s, v := newTestRegistry(t)
	row := seedFakeConnector(t, s, v, "fake-bad", true)

	// Corrupt the stored ciphertext by flipping one hex digit.
	corrupted := []byte(row.EncryptedCredentials)
	if corrupted[10] == 'a' {
		corrupted[10] = 'b'
	} else {
		corrupted[10] = 'a'
	}
	row.EncryptedCredentials = string(corrupted)
	require.NoError(t, s.UpdateConnector(context.Background(), row))

	_, err := r.Get(context.Background(), row.ID)
	require.Error(t, err)
	assert.ErrorIs(t, err, vault.ErrDecrypt)
}

func TestTestReportsDecryptFailureWithoutDriverCall(t *testing.T) {
	r, s, v := newTestRegistry(t)
	row := seedFakeConnector(t, s, v, "fake-test", true)

	row.EncryptedCredentials = "deadbeef" + row.EncryptedCredentials[8:]
	require.NoError(t, s.UpdateConnector(context.Background(), row))

	result, err := r.Test(context.Background(), row.ID)
	require.NoError(t, err)
	assert.False(t, result.Success)
	assert.Contains(t, result.Message, "re-enter")
}

func TestTestSucceedsAgainstFake(t *testing.T) {
	r, s, v := newTestRegistry(t)
	row := seedFakeConnector(t, s, v, "fake-ok", true)

	result, err := r.Test(context.Background(), row.ID)
	require.NoError(t, err)
	assert.True(t, result.Success)
}

func TestDiscoverAndSaveMetadata(t *testing.T) {
	r, s, v := newTestRegistry(t)
	row := seedFakeConnector(t, s, v, "fake-disc", true)

	ctx := context.Background()
	result, err := r.DiscoverMetadata(ctx, row.ID)
	require.NoError(t, err)
	require.Len(t, result.Types, 2, "fake driver exposes Task and Bug")
	for _, dt := range result.Types {
		assert.NotEmpty(t, dt.Fields)
		assert.NotEmpty(t, dt.Statuses)
	}

	require.NoError(t, r.SaveDiscoveredMetadata(ctx, result))

	saved, err := s.ListWorkItemTypes(ctx, row.ID)
	require.NoError(t, err)
	assert.Len(t, saved, 2)

	fields, err := s.ListFields(ctx, saved[0].ID)
	require.NoError(t, err)
	require.NotEmpty(t, fields)

	// Title is a required core-reference string: 50 + 30 + 20.
	for _, f := range fields {
		if f.ReferenceName == types.RefTitle {
			assert.Equal(t, 100, f.SuggestionScore)
		}
	}
}

func TestScoreField(t *testing.T) {
	tests := []struct {
		name  string
		field types.FieldDef
		want  int
	}{
		{
			name:  "required core string",
			field: types.FieldDef{ReferenceName: "title", DataType: types.FieldString, Required: true},
			want:  100,
		},
		{
			name:  "plain passthrough string",
			field: types.FieldDef{ReferenceName: "customField", DataType: types.FieldString},
			want:  20,
		},
		{
			name:  "read-only core field",
			field: types.FieldDef{ReferenceName: "state", DataType: types.FieldPicklist, ReadOnly: true},
			want:  10,
		},
		{
			name:  "read-only passthrough clamps at zero",
			field: types.FieldDef{ReferenceName: "audit", DataType: types.FieldHTML, ReadOnly: true},
			want:  0,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ScoreField(&tt.field))
		})
	}
}
