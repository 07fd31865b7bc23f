package models

import (
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Participant is an account holder on the platform.
type Participant struct {
	ID       string `gorm:"primaryKey;type:uuid" json:"id"`
	Username string `gorm:"uniqueIndex;not null" json:"username"`

	// EmailAddress is the primary address, set once an address has been
	// verified. Nil until then.
	EmailAddress *string `gorm:"index" json:"email_address"`
	EmailLang    string  `gorm:"default:en" json:"email_lang"`

	IsClosed  bool `gorm:"default:false" json:"is_closed"`
	IsSuspect bool `gorm:"default:false" json:"is_suspect"`

	Emails []EmailAddress `gorm:"foreignKey:ParticipantID" json:"-"`
	Teams  []Team         `gorm:"foreignKey:OwnerID" json:"-"`

	CreatedAt time.Time `gorm:"index" json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// BeforeCreate ensures a UUID is present before persisting.
func (p *Participant) BeforeCreate(tx *gorm.DB) error {
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	return nil
}

// MailboxName renders the participant as an RFC 5322 mailbox for the given
// address, e.g. `alice <alice@example.com>`.
func (p *Participant) MailboxName(address string) string {
	return p.Username + " <" + address + ">"
}

// UsernameLower returns the canonical lowercase form used for lookups.
func (p *Participant) UsernameLower() string {
	return strings.ToLower(p.Username)
}
