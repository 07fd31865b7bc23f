package models

import "time"

// TeamPackage is the join row linking a team to the package it represents.
// Both columns are individually unique: a team mirrors at most one package
// and a package is mirrored by at most one team.
type TeamPackage struct {
	TeamID    string   `gorm:"type:uuid;primaryKey;uniqueIndex" json:"team_id"`
	Team      *Team    `gorm:"foreignKey:TeamID" json:"-"`
	PackageID string   `gorm:"type:uuid;primaryKey;uniqueIndex" json:"package_id"`
	Package   *Package `gorm:"foreignKey:PackageID" json:"-"`

	CreatedAt time.Time `json:"created_at"`
}

// TableName keeps the historical join table name.
func (TeamPackage) TableName() string {
	return "teams_to_packages"
}
