package orm

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type widget struct {
	ModelUUID
	Name string
}

func TestSQLitePath(t *testing.T) {
	tests := []struct {
		config   SQLiteConfig
		expected string
		err      error
	}{
		{SQLiteConfig{Database: "test"}, "db/test.sqlite", nil},
		{SQLiteConfig{Database: "test", Path: "tmp/x.sqlite"}, "tmp/x.sqlite", nil},
		{SQLiteConfig{}, "", ErrorDatabaseNotDefined},
	}

	for _, test := range tests {
		path, err := sqlitePath(test.config)
		assert.ErrorIs(t, err, test.err)
		assert.Equal(t, test.expected, path)
	}
}

func TestOpen_InMemory(t *testing.T) {
	db, err := Open(Config{Driver: InMemoryDriver}, &widget{})
	require.NoError(t, err)
	defer Close(db)

	w := widget{Name: "w"}
	require.NoError(t, db.Create(&w).Error)
	assert.NotEqual(t, uuid.Nil, w.ID)

	var got widget
	require.NoError(t, db.First(&got, "id = ?", w.ID).Error)
	assert.Equal(t, "w", got.Name)
}

func TestOpen_InMemoryIsolated(t *testing.T) {
	a, err := Open(Config{Driver: InMemoryDriver}, &widget{})
	require.NoError(t, err)
	defer Close(a)
	b, err := Open(Config{Driver: InMemoryDriver}, &widget{})
	require.NoError(t, err)
	defer Close(b)

	require.NoError(t, a.Create(&widget{Name: "only-a"}).Error)

	var n int64
	require.NoError(t, b.Model(&widget{}).Count(&n).Error)
	assert.Zero(t, n)
}

func TestOpen_SQLiteFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ed.sqlite")
	db, err := Open(Config{Driver: SQLiteDriver, SQLite: SQLiteConfig{Path: path}}, &widget{})
	require.NoError(t, err)
	defer Close(db)

	assert.FileExists(t, path)
}

func TestOpen_UnknownDriver(t *testing.T) {
	_, err := Open(Config{Driver: "oracle"})
	assert.Error(t, err)
}

func TestContext(t *testing.T) {
	assert.Nil(t, FromContext(context.Background()))

	db, err := NewInMemoryConnection(nil)
	require.NoError(t, err)
	defer Close(db)

	ctx := ToContext(context.Background(), db)
	assert.Same(t, db, FromContext(ctx))
}
