package models

import "time"

// EmailAddress tracks an address a participant has added to their account and
// the state of its verification.
//
// Verified is tri-state in the schema but only two states are ever written:
// nil while a verification is pending and true once the address is confirmed.
// Nothing sets false. A given address may appear unverified on any number of
// accounts but verified on at most one; that last constraint is a partial
// unique index created in migrations.
type EmailAddress struct {
	BaseModel

	ParticipantID string       `gorm:"type:uuid;not null;index;uniqueIndex:idx_participant_address" json:"participant_id"`
	Participant   *Participant `gorm:"foreignKey:ParticipantID" json:"-"`

	Address  string `gorm:"not null;index;uniqueIndex:idx_participant_address" json:"address"`
	Verified *bool  `json:"verified"`

	// Nonce is the secret embedded in the verification link. Cleared once
	// the address is verified.
	Nonce             *string    `gorm:"index" json:"-"`
	VerificationStart *time.Time `json:"-"`
	VerificationEnd   *time.Time `json:"-"`
}

// IsVerified reports whether the address has been confirmed.
func (e *EmailAddress) IsVerified() bool {
	return e.Verified != nil && *e.Verified
}
