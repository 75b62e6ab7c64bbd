package middleware

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/stemsi/pengawas-backend/internal/response"
	"github.com/stemsi/pengawas-backend/internal/service"
)

const claimsContextKey = "auth_claims"

// extractToken pulls the bearer token from the Authorization header, falling
// back to the token query parameter for websocket upgrades, where browsers
// cannot set headers.
func extractToken(c *gin.Context) string {
	header := c.GetHeader("Authorization")
	if strings.HasPrefix(header, "Bearer ") {
		return strings.TrimPrefix(header, "Bearer ")
	}
	return c.Query("token")
}

func requireToken(auth *service.AuthService, tokenType string, typeErr response.ErrCode) gin.HandlerFunc {
	return func(c *gin.Context) {
		tokenString := extractToken(c)
		if tokenString == "" {
			response.AbortFail(c, http.StatusUnauthorized, response.ErrTokenRequired)
			return
		}

		claims, err := auth.ValidateToken(tokenString)
		if err != nil {
			if errors.Is(err, service.ErrTokenExpired) {
				response.AbortFail(c, http.StatusUnauthorized, response.ErrTokenExpired)
				return
			}
			response.AbortFail(c, http.StatusUnauthorized, response.ErrTokenInvalid)
			return
		}
		if claims.TokenType != tokenType {
			response.AbortFail(c, http.StatusForbidden, typeErr)
			return
		}

		c.Set(claimsContextKey, claims)
		c.Next()
	}
}

// RequireParticipantJWT guards participant-only routes.
func RequireParticipantJWT(auth *service.AuthService) gin.HandlerFunc {
	return requireToken(auth, service.TokenTypeParticipant, response.ErrParticipantAccessOnly)
}

// RequireMonitorJWT guards monitor-only routes.
func RequireMonitorJWT(auth *service.AuthService) gin.HandlerFunc {
	return requireToken(auth, service.TokenTypeMonitor, response.ErrMonitorAccessOnly)
}

// GetClaims retrieves the validated claims placed by the JWT middleware.
func GetClaims(c *gin.Context) (*service.Claims, bool) {
	v, ok := c.Get(claimsContextKey)
	if !ok {
		return nil, false
	}
	claims, ok := v.(*service.Claims)
	return claims, ok
}
