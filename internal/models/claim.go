package models

// Claim records that an in-flight email verification, identified by its
// nonce, should link the participant to a package once the address is
// verified. Claims are deleted when the nonce they reference is rotated or
// the address is removed.
type Claim struct {
	BaseModel

	Nonce string `gorm:"not null;index;uniqueIndex:idx_nonce_package" json:"nonce"`

	PackageID string   `gorm:"type:uuid;not null;uniqueIndex:idx_nonce_package" json:"package_id"`
	Package   *Package `gorm:"foreignKey:PackageID" json:"package,omitempty"`
}
