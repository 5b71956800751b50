package datastore

import (
	"context"
	"errors"
	"fmt"

	"github.com/ed-platform/ed-graphql/orm"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// Datastore is a row of the datastores table. Only the fields the
// realtime API exposes are mapped.
type Datastore struct {
	orm.ModelUUID

	Name        string  `gorm:"not null" json:"name"`
	Description *string `json:"description,omitempty"`
	IsActive    bool    `gorm:"not null;default:true" json:"isActive"`
}

func (Datastore) TableName() string { return "datastores" }

// Store reads datastores for subscription snapshots.
type Store struct {
	db     *gorm.DB
	logger *logrus.Entry
}

func NewStore(db *gorm.DB, logger *logrus.Entry) *Store {
	if logger == nil {
		logger = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Store{db: db, logger: logger.WithField("component", "datastore")}
}

// Migrate creates or updates the datastores table.
func (s *Store) Migrate(ctx context.Context) error {
	return s.db.WithContext(ctx).AutoMigrate(&Datastore{})
}

func (s *Store) Create(ctx context.Context, ds *Datastore) error {
	if err := s.db.WithContext(ctx).Create(ds).Error; err != nil {
		return fmt.Errorf("create datastore: %w", err)
	}
	return nil
}

func (s *Store) Save(ctx context.Context, ds *Datastore) error {
	if err := s.db.WithContext(ctx).Save(ds).Error; err != nil {
		return fmt.Errorf("save datastore %s: %w", ds.ID, err)
	}
	return nil
}

// GetActive returns the datastore with id, or nil when it does not exist,
// is soft deleted or is inactive. An id that is not a uuid can never match
// and also yields nil.
func (s *Store) GetActive(ctx context.Context, id string) (*Datastore, error) {
	key, err := uuid.Parse(id)
	if err != nil {
		s.logger.Debugf("ignoring lookup of non-uuid datastore id %q", id)
		return nil, nil
	}

	var ds Datastore
	err = s.db.WithContext(ctx).
		Where("id = ? AND is_active = ?", key, true).
		First(&ds).Error

	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		return nil, nil
	case err != nil:
		return nil, fmt.Errorf("get datastore %s: %w", id, err)
	}
	return &ds, nil
}

// Deactivate flips is_active off. Used by the admin side and in tests.
func (s *Store) Deactivate(ctx context.Context, id uuid.UUID) error {
	return s.db.WithContext(ctx).
		Model(&Datastore{}).
		Where("id = ?", id).
		Update("is_active", false).Error
}
