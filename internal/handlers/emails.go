package handlers

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/gratipay/gratipay-server/internal/middleware"
	"github.com/gratipay/gratipay-server/internal/models"
	"github.com/gratipay/gratipay-server/internal/services"
	appErrors "github.com/gratipay/gratipay-server/pkg/errors"
	"github.com/gratipay/gratipay-server/pkg/querystring"
	"github.com/gratipay/gratipay-server/pkg/response"
)

// maxAddressLength is the longest address we accept. 254 is the RFC 5321
// ceiling for a path.
const maxAddressLength = 254

// EmailHandler serves the email addresses section of a participant's account.
type EmailHandler struct {
	participants *services.ParticipantService
	emails       *services.EmailService
}

// NewEmailHandler constructs an EmailHandler.
func NewEmailHandler(participants *services.ParticipantService, emails *services.EmailService) (*EmailHandler, error) {
	if participants == nil || emails == nil {
		return nil, errors.New("email handler: participant and email services are required")
	}
	return &EmailHandler{participants: participants, emails: emails}, nil
}

type modifyEmailRequest struct {
	Action  string `json:"action" validate:"required,oneof=add-email resend set-primary remove"`
	Address string `json:"address" validate:"required"`
}

// Modify handles POST /~:user/emails/modify.json.
func (h *EmailHandler) Modify(c *gin.Context) {
	participant, ok := h.authorizedParticipant(c)
	if !ok {
		return
	}

	var req modifyEmailRequest
	if !bindAndValidate(c, &req) {
		return
	}

	address := strings.TrimSpace(req.Address)
	if !addressLooksValid(address) {
		response.Error(c, appErrors.NewBadRequest("invalid email address"))
		return
	}

	ctx := requestContext(c)

	var err error
	switch req.Action {
	case "add-email":
		err = h.emails.StartEmailVerification(ctx, participant, address)
	case "resend":
		var record *models.EmailAddress
		record, err = h.emails.GetEmail(ctx, participant, address)
		if err == nil && record == nil {
			err = services.ErrEmailNotOnFile
		}
		if err == nil {
			err = h.emails.StartEmailVerification(ctx, participant, address)
		}
	case "set-primary":
		err = h.emails.UpdateEmail(ctx, participant, address)
	case "remove":
		err = h.emails.RemoveEmail(ctx, participant, address)
	}
	if err != nil {
		response.Error(c, err)
		return
	}

	response.Success(c, http.StatusOK, gin.H{
		"action":  req.Action,
		"address": address,
	})
}

// Verify handles GET /~:user/emails/verify.html. The address arrives in the
// email2 parameter, reversibly encoded; the legacy email parameter carries it
// in the clear.
func (h *EmailHandler) Verify(c *gin.Context) {
	participant, ok := h.authorizedParticipant(c)
	if !ok {
		return
	}

	address, err := verifyAddressParam(c)
	if err != nil {
		response.Error(c, err)
		return
	}
	nonce := c.Query("nonce")

	result, packages, err := h.emails.FinishEmailVerification(requestContext(c), participant, address, nonce)
	if err != nil {
		response.Error(c, err)
		return
	}

	names := make([]string, 0, len(packages))
	for _, pkg := range packages {
		names = append(names, pkg.Name)
	}

	response.Success(c, http.StatusOK, gin.H{
		"result":   result.String(),
		"packages": names,
	})
}

// List handles GET /~:user/emails.
func (h *EmailHandler) List(c *gin.Context) {
	participant, ok := h.authorizedParticipant(c)
	if !ok {
		return
	}

	records, err := h.emails.GetEmails(requestContext(c), participant)
	if err != nil {
		response.Error(c, err)
		return
	}

	type emailView struct {
		Address  string `json:"address"`
		Verified bool   `json:"verified"`
		Primary  bool   `json:"primary"`
	}

	views := make([]emailView, 0, len(records))
	for _, record := range records {
		views = append(views, emailView{
			Address:  record.Address,
			Verified: record.IsVerified(),
			Primary:  participant.EmailAddress != nil && *participant.EmailAddress == record.Address,
		})
	}

	response.Success(c, http.StatusOK, gin.H{"emails": views})
}

// authorizedParticipant resolves the :user route parameter and checks that
// the authenticated participant is operating on their own account.
func (h *EmailHandler) authorizedParticipant(c *gin.Context) (*models.Participant, bool) {
	participant, err := h.participants.FromUsername(requestContext(c), c.Param("user"))
	if err != nil {
		response.Error(c, err)
		return nil, false
	}

	if c.GetString(middleware.CtxParticipantIDKey) != participant.ID {
		response.Error(c, appErrors.ErrForbidden)
		return nil, false
	}
	return participant, true
}

func verifyAddressParam(c *gin.Context) (string, error) {
	if encoded := c.Query("email2"); encoded != "" {
		address, err := querystring.Decode(encoded)
		if err != nil {
			return "", appErrors.NewBadRequest("invalid email2 parameter")
		}
		return address, nil
	}
	// Links sent before the encoding change carry the address directly.
	return c.Query("email"), nil
}

// addressLooksValid applies the same cheap sanity checks the original form
// used: something before an @, a dot in the domain, and a sane length.
func addressLooksValid(address string) bool {
	if address == "" || len(address) > maxAddressLength {
		return false
	}
	at := strings.LastIndex(address, "@")
	if at < 1 || at == len(address)-1 {
		return false
	}
	domain := address[at+1:]
	return strings.Contains(domain, ".")
}
