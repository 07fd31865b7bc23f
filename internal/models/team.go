package models

// Team collects money on behalf of a project.
type Team struct {
	BaseModel

	Slug      string `gorm:"uniqueIndex;not null" json:"slug"`
	SlugLower string `gorm:"uniqueIndex;not null" json:"-"`
	Name      string `gorm:"not null" json:"name"`

	Homepage         string `json:"homepage"`
	ProductOrService string `json:"product_or_service"`

	OwnerID string       `gorm:"type:uuid;not null;index" json:"owner_id"`
	Owner   *Participant `gorm:"foreignKey:OwnerID" json:"-"`

	// IsApproved is nil while review is pending.
	IsApproved *bool `json:"is_approved"`
}
