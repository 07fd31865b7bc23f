package services

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/gratipay/gratipay-server/internal/models"
	apperrors "github.com/gratipay/gratipay-server/pkg/errors"
	"github.com/gratipay/gratipay-server/pkg/metrics"
)

// PackageOption customises the PackageService.
type PackageOption func(*PackageService)

// WithSlugTokenSource overrides the generator for the random slug fallback.
func WithSlugTokenSource(source func() string) PackageOption {
	return func(s *PackageService) {
		if source != nil {
			s.slugToken = source
		}
	}
}

// PackageService resolves packages mirrored from upstream registries and
// links them to teams when they are claimed.
type PackageService struct {
	db        *gorm.DB
	events    *EventService
	slugToken func() string
}

// NewPackageService constructs a PackageService with the provided dependencies.
func NewPackageService(db *gorm.DB, events *EventService, opts ...PackageOption) (*PackageService, error) {
	if db == nil {
		return nil, errors.New("package service: db is required")
	}

	service := &PackageService{db: db, events: events, slugToken: uuid.NewString}
	for _, opt := range opts {
		opt(service)
	}
	return service, nil
}

// FromNames returns an existing package based on package manager and package
// names.
func (s *PackageService) FromNames(ctx context.Context, manager, name string) (*models.Package, error) {
	ctx = ensureContext(ctx)

	var pkg models.Package
	err := s.db.WithContext(ctx).
		Where("package_manager = ? AND name = ?", manager, name).
		First(&pkg).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, apperrors.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("package service: look up package: %w", err)
	}
	return &pkg, nil
}

// FromID returns an existing package based on id.
func (s *PackageService) FromID(ctx context.Context, id string) (*models.Package, error) {
	ctx = ensureContext(ctx)

	var pkg models.Package
	err := s.db.WithContext(ctx).Where("id = ?", id).First(&pkg).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, apperrors.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("package service: look up package: %w", err)
	}
	return &pkg, nil
}

// LoadTeam returns the team linked to the package, or nil if the package is
// unclaimed.
func (s *PackageService) LoadTeam(ctx context.Context, pkg *models.Package) (*models.Team, error) {
	ctx = ensureContext(ctx)
	return s.loadTeam(s.db.WithContext(ctx), pkg)
}

func (s *PackageService) loadTeam(tx *gorm.DB, pkg *models.Package) (*models.Team, error) {
	var link models.TeamPackage
	err := tx.Where("package_id = ?", pkg.ID).First(&link).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("package service: look up link: %w", err)
	}

	var team models.Team
	if err := tx.Where("id = ?", link.TeamID).First(&team).Error; err != nil {
		return nil, fmt.Errorf("package service: load linked team: %w", err)
	}
	return &team, nil
}

// GetOrCreateLinkedTeam returns the team linked to the package, creating one
// owned by the given participant if the package is unclaimed. The call is
// idempotent: a package that already has a team gets that same team back.
func (s *PackageService) GetOrCreateLinkedTeam(ctx context.Context, owner *models.Participant, pkg *models.Package) (*models.Team, error) {
	ctx = ensureContext(ctx)

	var team *models.Team
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		team, err = s.getOrCreateLinkedTeam(ctx, tx, owner, pkg)
		return err
	})
	if err != nil {
		return nil, err
	}
	return team, nil
}

func (s *PackageService) getOrCreateLinkedTeam(ctx context.Context, tx *gorm.DB, owner *models.Participant, pkg *models.Package) (*models.Team, error) {
	team, err := s.loadTeam(tx, pkg)
	if err != nil {
		return nil, err
	}
	if team != nil {
		metrics.PackageClaims.WithLabelValues("existing").Inc()
		return team, nil
	}
	return s.createLinkedTeam(ctx, tx, owner, pkg)
}

// slugCandidates yields the slugs to try for a new team: the package's own
// name, numbered variants, and finally a random token.
func (s *PackageService) slugCandidates(name string) []string {
	candidates := make([]string, 0, 11)
	candidates = append(candidates, name)
	for i := 1; i < 10; i++ {
		candidates = append(candidates, fmt.Sprintf("%s-%d", name, i))
	}
	return append(candidates, s.slugToken())
}

func (s *PackageService) createLinkedTeam(ctx context.Context, tx *gorm.DB, owner *models.Participant, pkg *models.Package) (*models.Team, error) {
	var team *models.Team
	for _, slug := range s.slugCandidates(pkg.Name) {
		var taken int64
		err := tx.Model(&models.Team{}).
			Where("slug = ?", slug).
			Count(&taken).Error
		if err != nil {
			return nil, fmt.Errorf("package service: check slug: %w", err)
		}
		if taken > 0 {
			continue
		}

		candidate := &models.Team{
			Slug:             slug,
			SlugLower:        strings.ToLower(slug),
			Name:             pkg.Name,
			Homepage:         pkg.RemoteHomepage(),
			ProductOrService: pkg.Description,
			OwnerID:          owner.ID,
		}
		if err := tx.Create(candidate).Error; err != nil {
			if isUniqueConstraintError(err) {
				// A concurrent claim won the slug between our
				// check and the insert.
				return nil, apperrors.ErrConflict.WithInternal(err)
			}
			return nil, fmt.Errorf("package service: create team: %w", err)
		}
		team = candidate
		break
	}
	if team == nil {
		return nil, ErrOutOfOptions
	}

	link := models.TeamPackage{TeamID: team.ID, PackageID: pkg.ID}
	if err := tx.Create(&link).Error; err != nil {
		if isUniqueConstraintError(err) {
			return nil, apperrors.ErrConflict.WithInternal(err)
		}
		return nil, fmt.Errorf("package service: link package: %w", err)
	}

	recordEvent(s.events, ctx, tx, EventEntry{
		ParticipantID: &owner.ID,
		Action:        "create-team",
		Values:        map[string]any{"slug": team.Slug, "package_id": pkg.ID},
	})

	metrics.PackageClaims.WithLabelValues("created").Inc()
	return team, nil
}

// ProcessClaims resolves the claims riding on a verification nonce, linking
// each claimed package to a team owned by the participant. It returns the
// packages that were claimed and deletes the claims.
func (s *PackageService) ProcessClaims(ctx context.Context, tx *gorm.DB, participant *models.Participant, nonce string) ([]models.Package, error) {
	var claims []models.Claim
	err := tx.Preload("Package").Where("nonce = ?", nonce).Find(&claims).Error
	if err != nil {
		return nil, fmt.Errorf("package service: load claims: %w", err)
	}
	if len(claims) == 0 {
		return nil, nil
	}

	var (
		packages   []models.Package
		packageIDs []string
	)
	for _, claim := range claims {
		if claim.Package == nil {
			continue
		}
		if _, err := s.getOrCreateLinkedTeam(ctx, tx, participant, claim.Package); err != nil {
			return nil, err
		}
		packages = append(packages, *claim.Package)
		packageIDs = append(packageIDs, claim.PackageID)
	}

	if err := tx.Where("nonce = ?", nonce).Delete(&models.Claim{}).Error; err != nil {
		return nil, fmt.Errorf("package service: clear claims: %w", err)
	}

	recordEvent(s.events, ctx, tx, EventEntry{
		ParticipantID: &participant.ID,
		Action:        "finish-claim",
		Values:        map[string]any{"package_ids": packageIDs},
	})
	return packages, nil
}
