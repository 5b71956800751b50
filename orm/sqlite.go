package orm

import (
	"errors"
	"fmt"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

var (
	ErrorDatabaseNotDefined = errors.New("database is required but not defined")
)

type SQLiteConfig struct {
	Database string
	Path     string
}

func sqlitePath(config SQLiteConfig) (string, error) {
	if config.Path != "" {
		return config.Path, nil
	}
	if config.Database == "" {
		return "", ErrorDatabaseNotDefined
	}
	return fmt.Sprintf("db/%s.sqlite", config.Database), nil
}

// NewSQLiteConnection opens a file backed SQLite database.
func NewSQLiteConnection(config SQLiteConfig, logger *logrus.Entry) (*gorm.DB, error) {
	path, err := sqlitePath(config)
	if err != nil {
		return nil, err
	}

	trace("opening sqlite database %s", path)

	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{Logger: NewLogger(path, logger)})
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}
	return db, nil
}

// NewInMemoryConnection opens a private in-memory database, mostly for
// tests. Each call gets its own database.
func NewInMemoryConnection(logger *logrus.Entry) (*gorm.DB, error) {
	name := fmt.Sprintf("file:memdb_%s?mode=memory&cache=shared", uuid.NewString())

	db, err := gorm.Open(sqlite.Open(name), &gorm.Config{Logger: NewLogger("in-memory", logger)})
	if err != nil {
		return nil, fmt.Errorf("open in-memory sqlite: %w", err)
	}
	return db, nil
}
