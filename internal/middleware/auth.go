package middleware

import (
	"strings"

	"github.com/gin-gonic/gin"

	iauth "github.com/gratipay/gratipay-server/internal/auth"
	"github.com/gratipay/gratipay-server/pkg/errors"
	"github.com/gratipay/gratipay-server/pkg/response"
)

const (
	CtxClaimsKey        = "authClaims"
	CtxParticipantIDKey = "participantID"
	CtxUsernameKey      = "username"
)

// Auth enforces JWT authentication using the supplied JWT service.
func Auth(jwt *iauth.JWTService) gin.HandlerFunc {
	return func(c *gin.Context) {
		authz := c.GetHeader("Authorization")
		if len(authz) < 8 || !strings.EqualFold(authz[:7], "Bearer ") {
			response.Error(c, errors.ErrUnauthorized)
			c.Abort()
			return
		}

		token := strings.TrimSpace(authz[7:])
		claims, err := jwt.ValidateAccessToken(token)
		if err != nil {
			// Normalise all validation failures to 401
			c.Header("WWW-Authenticate", "Bearer")
			response.Error(c, errors.ErrUnauthorized)
			c.Abort()
			return
		}

		// Propagate identity into request context
		c.Set(CtxClaimsKey, claims)
		c.Set(CtxParticipantIDKey, claims.ParticipantID)
		if claims.Username != "" {
			c.Set(CtxUsernameKey, claims.Username)
		}

		c.Next()
	}
}
