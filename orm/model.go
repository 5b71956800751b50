package orm

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// ModelUUID is the base for tables keyed by uuid.
type ModelUUID struct {
	ID        uuid.UUID      `gorm:"type:uuid;primaryKey" json:"id"`
	CreatedAt time.Time      `json:"createdAt"`
	UpdatedAt time.Time      `json:"updatedAt"`
	DeletedAt gorm.DeletedAt `gorm:"index" json:"deletedAt,omitempty"`
}

func NewModelUUID() ModelUUID {
	return ModelUUID{ID: uuid.New()}
}

// BeforeCreate fills in an id when the caller left it zero.
func (m *ModelUUID) BeforeCreate(*gorm.DB) error {
	if m.ID == uuid.Nil {
		m.ID = uuid.New()
	}
	return nil
}
