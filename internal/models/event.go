package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Event types.
const (
	EventTypeParticipant = "participant"
)

// Event is an append-only audit record of a state change.
type Event struct {
	ID            string         `gorm:"primaryKey;type:uuid" json:"id"`
	ParticipantID *string        `gorm:"type:uuid;index" json:"participant_id"`
	Type          string         `gorm:"not null;index" json:"type"`
	Action        string         `gorm:"not null" json:"action"`
	Payload       datatypes.JSON `json:"payload"`
	CreatedAt     time.Time      `gorm:"index" json:"created_at"`
}

func (e *Event) BeforeCreate(tx *gorm.DB) error {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	return nil
}
