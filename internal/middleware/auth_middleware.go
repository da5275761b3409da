package middleware

import (
	"strings"

	"podster/internal/services"
	podster_errors "podster/pkg/errors"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// RequireHost admits only host tokens. Ownership of the addressed session is
// checked by the service.
func RequireHost(auth *services.AuthService, cookieName string) gin.HandlerFunc {
	return func(c *gin.Context) {
		p, err := auth.AuthenticateHost(ExtractToken(c, cookieName))
		if err != nil {
			abortWithError(c, err)
			return
		}
		setPrincipal(c, p)
		c.Next()
	}
}

// RequireAny admits a host token or a guest token scoped to the :id session.
func RequireAny(auth *services.AuthService, cookieName string) gin.HandlerFunc {
	return func(c *gin.Context) {
		sessionID, err := uuid.Parse(c.Param("id"))
		if err != nil {
			abortWithError(c, podster_errors.ErrSessionNotFound)
			return
		}
		p, err := auth.AuthenticateAny(ExtractToken(c, cookieName), sessionID)
		if err != nil {
			abortWithError(c, err)
			return
		}
		setPrincipal(c, p)
		c.Next()
	}
}

func setPrincipal(c *gin.Context, p services.Principal) {
	c.Request = c.Request.WithContext(services.WithPrincipal(c.Request.Context(), p))
}

func abortWithError(c *gin.Context, err error) {
	_ = c.Error(err)
	c.Abort()
}

// ExtractToken reads the bearer header first, then the named cookie.
func ExtractToken(c *gin.Context, cookieName string) string {
	if token := extractBearer(c); token != "" {
		return token
	}
	if cookieName == "" {
		return ""
	}
	token, err := c.Cookie(cookieName)
	if err != nil {
		return ""
	}
	return token
}

func extractBearer(c *gin.Context) string {
	value := c.GetHeader("Authorization")
	parts := strings.SplitN(value, " ", 2)
	if len(parts) != 2 {
		return ""
	}
	if !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}
