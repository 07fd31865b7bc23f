package models

import "gorm.io/datatypes"

// Email templates spooled through the outbound queue.
const (
	TemplateVerification       = "verification"
	TemplateVerificationNotice = "verification-notice"
)

// QueuedEmail is a spooled outbound message. Rows are deleted as they are
// flushed; the number of user-initiated rows for a participant doubles as
// the throttle counter.
type QueuedEmail struct {
	BaseModel

	ParticipantID string       `gorm:"type:uuid;not null;index" json:"participant_id"`
	Participant   *Participant `gorm:"foreignKey:ParticipantID" json:"-"`

	Template string `gorm:"not null" json:"template"`

	// Address overrides the participant's primary address as the
	// recipient, used when the message concerns a specific address.
	Address *string `json:"address"`

	UserInitiated bool `gorm:"default:true" json:"user_initiated"`

	Context datatypes.JSON `json:"context"`
}
