package handlers

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/gratipay/gratipay-server/internal/middleware"
	"github.com/gratipay/gratipay-server/internal/services"
	appErrors "github.com/gratipay/gratipay-server/pkg/errors"
	"github.com/gratipay/gratipay-server/pkg/response"
)

// PackageHandler serves package pages and the claiming workflow.
type PackageHandler struct {
	participants *services.ParticipantService
	packages     *services.PackageService
	emails       *services.EmailService
}

// NewPackageHandler constructs a PackageHandler.
func NewPackageHandler(participants *services.ParticipantService, packages *services.PackageService, emails *services.EmailService) (*PackageHandler, error) {
	if participants == nil || packages == nil || emails == nil {
		return nil, errors.New("package handler: participant, package and email services are required")
	}
	return &PackageHandler{participants: participants, packages: packages, emails: emails}, nil
}

// Show handles GET /on/:manager/:name. It is public.
func (h *PackageHandler) Show(c *gin.Context) {
	ctx := requestContext(c)

	pkg, err := h.packages.FromNames(ctx, c.Param("manager"), c.Param("name"))
	if err != nil {
		response.Error(c, err)
		return
	}

	team, err := h.packages.LoadTeam(ctx, pkg)
	if err != nil {
		response.Error(c, err)
		return
	}

	payload := gin.H{
		"package_manager": pkg.PackageManager,
		"name":            pkg.Name,
		"description":     pkg.Description,
		"emails":          []string(pkg.Emails),
		"url_path":        pkg.URLPath(),
		"claimed":         team != nil,
	}
	if team != nil {
		payload["team"] = gin.H{
			"slug": team.Slug,
			"name": team.Name,
		}
	}

	response.Success(c, http.StatusOK, payload)
}

type claimPackageRequest struct {
	Email string `json:"email" validate:"required"`
}

// Claim handles POST /on/:manager/:name/claim. The caller picks one of the
// addresses the registry lists for the package; verifying it completes the
// claim.
func (h *PackageHandler) Claim(c *gin.Context) {
	ctx := requestContext(c)

	participant, err := h.participants.FromID(ctx, c.GetString(middleware.CtxParticipantIDKey))
	if err != nil {
		response.Error(c, err)
		return
	}

	pkg, err := h.packages.FromNames(ctx, c.Param("manager"), c.Param("name"))
	if err != nil {
		response.Error(c, err)
		return
	}

	var req claimPackageRequest
	if !bindAndValidate(c, &req) {
		return
	}

	address := strings.TrimSpace(req.Email)
	if !addressLooksValid(address) {
		response.Error(c, appErrors.NewBadRequest("invalid email address"))
		return
	}

	if err := h.emails.StartEmailVerification(ctx, participant, address, *pkg); err != nil {
		response.Error(c, err)
		return
	}

	response.Success(c, http.StatusOK, gin.H{
		"package": pkg.Name,
		"email":   address,
	})
}
