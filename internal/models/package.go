package models

import (
	"gorm.io/datatypes"
)

// NPM is the only package manager currently mirrored.
const NPM = "npm"

// Package is an entry mirrored from an upstream package manager registry.
type Package struct {
	BaseModel

	PackageManager string `gorm:"not null;default:npm;uniqueIndex:idx_manager_name" json:"package_manager"`
	Name           string `gorm:"not null;uniqueIndex:idx_manager_name" json:"name"`
	Description    string `json:"description"`

	// Emails holds the addresses listed for the package in the upstream
	// registry. Anyone who verifies one of them may claim the package.
	Emails datatypes.JSONSlice[string] `json:"emails"`
}

// URLPath returns the canonical path for the package on this site.
func (p *Package) URLPath() string {
	return "/on/" + p.PackageManager + "/" + p.Name + "/"
}

// RemoteHomepage returns the package's page on the upstream registry.
func (p *Package) RemoteHomepage() string {
	return "https://www.npmjs.com/package/" + p.Name
}

// HasEmail reports whether the given address is listed for the package.
func (p *Package) HasEmail(address string) bool {
	for _, email := range p.Emails {
		if email == address {
			return true
		}
	}
	return false
}
