package orm

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

const (
	InMemoryDriver Driver = "in-memory"
	SQLiteDriver   Driver = "sqlite"
	PostgresDriver Driver = "postgres"
)

type contextKeyT struct{}

var contextKey = &contextKeyT{}

type Driver string

type Config struct {
	Driver   Driver
	Postgres PostgresConfig
	SQLite   SQLiteConfig

	Logger *logrus.Entry
}

// Open connects with the configured driver and migrates models.
func Open(config Config, modelsToMigrate ...any) (*gorm.DB, error) {
	var (
		db  *gorm.DB
		err error
	)

	switch config.Driver {
	case InMemoryDriver:
		db, err = NewInMemoryConnection(config.Logger)
	case SQLiteDriver:
		db, err = NewSQLiteConnection(config.SQLite, config.Logger)
	case PostgresDriver, "":
		db, err = NewPostgresConnection(config.Postgres, config.Logger)
	default:
		return nil, fmt.Errorf("database driver %q not supported", config.Driver)
	}
	if err != nil {
		return nil, err
	}

	if len(modelsToMigrate) > 0 {
		trace("migrating %d models", len(modelsToMigrate))
		if err := db.AutoMigrate(modelsToMigrate...); err != nil {
			return db, fmt.Errorf("auto migrate: %w", err)
		}
	}

	return db, nil
}

func ToContext(parent context.Context, db *gorm.DB) context.Context {
	return context.WithValue(parent, contextKey, db)
}

func FromContext(ctx context.Context) *gorm.DB {
	if ctx != nil {
		if d, ok := ctx.Value(contextKey).(*gorm.DB); ok {
			return d
		}
	}
	return nil
}

// Close closes the pool behind db.
func Close(db *gorm.DB) error {
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}

	return sqlDB.Close()
}

func trace(format string, args ...interface{}) {
	logrus.StandardLogger().Tracef("[ORM] "+format, args...)
}
