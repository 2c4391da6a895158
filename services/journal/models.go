package journal

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Entry is one persisted escrow event.
type Entry struct {
	ID          uuid.UUID `gorm:"type:uuid;primaryKey"`
	Seq         int64     `gorm:"uniqueIndex;not null"`
	AgreementID string    `gorm:"size:64;index"`
	Type        string    `gorm:"size:64;index"`
	Status      string    `gorm:"size:32"`
	Attributes  string    `gorm:"type:text"`
	CreatedAt   time.Time
}

// TableName pins the table name across drivers.
func (Entry) TableName() string { return "rental_events" }

// AutoMigrate performs all schema migrations for the journal.
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(&Entry{})
}
