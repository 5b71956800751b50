package datastore

import (
	"context"
	"testing"

	"github.com/ed-platform/ed-graphql/orm"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newStore(t *testing.T) *Store {
	t.Helper()
	db, err := orm.NewInMemoryConnection(nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = orm.Close(db) })

	s := NewStore(db, nil)
	require.NoError(t, s.Migrate(context.Background()))
	return s
}

func TestStore_GetActive(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)

	desc := "raw uploads"
	ds := &Datastore{Name: "uploads", Description: &desc, IsActive: true}
	require.NoError(t, s.Create(ctx, ds))
	require.NotEqual(t, uuid.Nil, ds.ID)

	got, err := s.GetActive(ctx, ds.ID.String())
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "uploads", got.Name)
	assert.Equal(t, "raw uploads", *got.Description)
	assert.False(t, got.CreatedAt.IsZero())
}

func TestStore_GetActiveMisses(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)

	inactive := &Datastore{Name: "off", IsActive: true}
	require.NoError(t, s.Create(ctx, inactive))
	require.NoError(t, s.Deactivate(ctx, inactive.ID))

	deleted := &Datastore{Name: "gone", IsActive: true}
	require.NoError(t, s.Create(ctx, deleted))
	require.NoError(t, s.db.Delete(deleted).Error)

	tests := []struct {
		name string
		id   string
	}{
		{"absent", uuid.NewString()},
		{"inactive", inactive.ID.String()},
		{"soft deleted", deleted.ID.String()},
		{"not a uuid", "not-a-uuid"},
		{"empty", ""},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			got, err := s.GetActive(ctx, test.id)
			assert.NoError(t, err)
			assert.Nil(t, got)
		})
	}
}

func TestStore_GetActiveReflectsUpdates(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)

	ds := &Datastore{Name: "before", IsActive: true}
	require.NoError(t, s.Create(ctx, ds))

	require.NoError(t, s.db.Model(ds).Update("name", "after").Error)

	got, err := s.GetActive(ctx, ds.ID.String())
	require.NoError(t, err)
	assert.Equal(t, "after", got.Name)
}
