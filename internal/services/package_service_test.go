package services

import (
	"context"
	"fmt"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/gratipay/gratipay-server/internal/database/testutil"
	"github.com/gratipay/gratipay-server/internal/models"
	apperrors "github.com/gratipay/gratipay-server/pkg/errors"
)

func newPackageServiceForTest(t *testing.T, opts ...PackageOption) (*PackageService, *gorm.DB) {
	t.Helper()

	db := testutil.MustOpenTestDB(t)

	events, err := NewEventService(db)
	require.NoError(t, err)

	svc, err := NewPackageService(db, events, opts...)
	require.NoError(t, err)

	return svc, db
}

func TestFromNames(t *testing.T) {
	svc, db := newPackageServiceForTest(t)
	ctx := context.Background()

	created := makePackage(t, db, "left-pad", "maintainer@example.com")

	pkg, err := svc.FromNames(ctx, models.NPM, "left-pad")
	require.NoError(t, err)
	require.Equal(t, created.ID, pkg.ID)

	_, err = svc.FromNames(ctx, models.NPM, "no-such-package")
	require.ErrorIs(t, err, apperrors.ErrNotFound)
}

func TestGetOrCreateLinkedTeamCreatesTeam(t *testing.T) {
	svc, db := newPackageServiceForTest(t)
	ctx := context.Background()

	alice := makeParticipant(t, db, "alice")
	pkg := makePackage(t, db, "left-pad", "alice@example.com")

	team, err := svc.GetOrCreateLinkedTeam(ctx, alice, pkg)
	require.NoError(t, err)
	require.Equal(t, "left-pad", team.Slug)
	require.Equal(t, "left-pad", team.SlugLower)
	require.Equal(t, pkg.Name, team.Name)
	require.Equal(t, "https://www.npmjs.com/package/left-pad", team.Homepage)
	require.Equal(t, pkg.Description, team.ProductOrService)
	require.Equal(t, alice.ID, team.OwnerID)
	require.Nil(t, team.IsApproved)

	var link models.TeamPackage
	require.NoError(t, db.Where("package_id = ?", pkg.ID).First(&link).Error)
	require.Equal(t, team.ID, link.TeamID)
}

func TestGetOrCreateLinkedTeamIsIdempotent(t *testing.T) {
	svc, db := newPackageServiceForTest(t)
	ctx := context.Background()

	alice := makeParticipant(t, db, "alice")
	pkg := makePackage(t, db, "left-pad", "alice@example.com")

	first, err := svc.GetOrCreateLinkedTeam(ctx, alice, pkg)
	require.NoError(t, err)

	second, err := svc.GetOrCreateLinkedTeam(ctx, alice, pkg)
	require.NoError(t, err)
	require.Equal(t, first.ID, second.ID)

	var teams int64
	require.NoError(t, db.Model(&models.Team{}).Count(&teams).Error)
	require.EqualValues(t, 1, teams)
}

func TestCreateLinkedTeamWalksSlugLadder(t *testing.T) {
	svc, db := newPackageServiceForTest(t)
	ctx := context.Background()

	alice := makeParticipant(t, db, "alice")
	bob := makeParticipant(t, db, "bob")
	pkg := makePackage(t, db, "left-pad", "alice@example.com")

	for _, slug := range []string{"left-pad", "left-pad-1"} {
		require.NoError(t, db.Create(&models.Team{
			Slug:      slug,
			SlugLower: strings.ToLower(slug),
			Name:      slug,
			OwnerID:   bob.ID,
		}).Error)
	}

	team, err := svc.GetOrCreateLinkedTeam(ctx, alice, pkg)
	require.NoError(t, err)
	require.Equal(t, "left-pad-2", team.Slug)
}

func TestCreateLinkedTeamFallsBackToRandomSlug(t *testing.T) {
	svc, db := newPackageServiceForTest(t)
	ctx := context.Background()

	alice := makeParticipant(t, db, "alice")
	bob := makeParticipant(t, db, "bob")
	pkg := makePackage(t, db, "left-pad", "alice@example.com")

	slugs := []string{"left-pad"}
	for i := 1; i < 10; i++ {
		slugs = append(slugs, fmt.Sprintf("left-pad-%d", i))
	}
	for _, slug := range slugs {
		require.NoError(t, db.Create(&models.Team{
			Slug:      slug,
			SlugLower: strings.ToLower(slug),
			Name:      slug,
			OwnerID:   bob.ID,
		}).Error)
	}

	team, err := svc.GetOrCreateLinkedTeam(ctx, alice, pkg)
	require.NoError(t, err)
	require.NotContains(t, team.Slug, "left-pad")
	_, parseErr := uuid.Parse(team.Slug)
	require.NoError(t, parseErr)
}

func TestCreateLinkedTeamFailsWhenEverySlugIsTaken(t *testing.T) {
	svc, db := newPackageServiceForTest(t, WithSlugTokenSource(func() string {
		return "occupied-token"
	}))
	ctx := context.Background()

	alice := makeParticipant(t, db, "alice")
	bob := makeParticipant(t, db, "bob")
	pkg := makePackage(t, db, "left-pad", "alice@example.com")

	slugs := []string{"left-pad", "occupied-token"}
	for i := 1; i < 10; i++ {
		slugs = append(slugs, fmt.Sprintf("left-pad-%d", i))
	}
	for _, slug := range slugs {
		require.NoError(t, db.Create(&models.Team{
			Slug:      slug,
			SlugLower: strings.ToLower(slug),
			Name:      slug,
			OwnerID:   bob.ID,
		}).Error)
	}

	_, err := svc.GetOrCreateLinkedTeam(ctx, alice, pkg)
	require.ErrorIs(t, err, ErrOutOfOptions)

	team, err := svc.LoadTeam(ctx, pkg)
	require.NoError(t, err)
	require.Nil(t, team)
}

func TestPackageLinksToOneTeamOnly(t *testing.T) {
	svc, db := newPackageServiceForTest(t)
	ctx := context.Background()

	alice := makeParticipant(t, db, "alice")
	pkg := makePackage(t, db, "left-pad", "alice@example.com")

	team, err := svc.GetOrCreateLinkedTeam(ctx, alice, pkg)
	require.NoError(t, err)

	other := &models.Team{
		Slug:      "other",
		SlugLower: "other",
		Name:      "other",
		OwnerID:   alice.ID,
	}
	require.NoError(t, db.Create(other).Error)

	err = db.Create(&models.TeamPackage{TeamID: other.ID, PackageID: pkg.ID}).Error
	require.Error(t, err)
	require.True(t, isUniqueConstraintError(err))

	loaded, err := svc.LoadTeam(ctx, pkg)
	require.NoError(t, err)
	require.Equal(t, team.ID, loaded.ID)
}

func TestProcessClaimsWithNoClaims(t *testing.T) {
	svc, db := newPackageServiceForTest(t)
	ctx := context.Background()

	alice := makeParticipant(t, db, "alice")

	packages, err := svc.ProcessClaims(ctx, db, alice, uuid.NewString())
	require.NoError(t, err)
	require.Empty(t, packages)
}

func TestProcessClaimsLinksEveryPackage(t *testing.T) {
	svc, db := newPackageServiceForTest(t)
	ctx := context.Background()

	alice := makeParticipant(t, db, "alice")
	first := makePackage(t, db, "left-pad", "alice@example.com")
	second := makePackage(t, db, "right-pad", "alice@example.com")

	nonce := uuid.NewString()
	require.NoError(t, db.Create(&models.Claim{Nonce: nonce, PackageID: first.ID}).Error)
	require.NoError(t, db.Create(&models.Claim{Nonce: nonce, PackageID: second.ID}).Error)

	claimed, err := svc.ProcessClaims(ctx, db, alice, nonce)
	require.NoError(t, err)
	require.Len(t, claimed, 2)

	for _, pkg := range []*models.Package{first, second} {
		team, err := svc.LoadTeam(ctx, pkg)
		require.NoError(t, err)
		require.NotNil(t, team)
		require.Equal(t, alice.ID, team.OwnerID)
	}

	var remaining int64
	require.NoError(t, db.Model(&models.Claim{}).Where("nonce = ?", nonce).Count(&remaining).Error)
	require.Zero(t, remaining)
}
