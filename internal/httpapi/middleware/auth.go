package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/mdekabs/diagnosy/internal/auth"
	"github.com/mdekabs/diagnosy/internal/common"
)

const (
	UserIDKey    = "auth_user_id"
	PrincipalKey = "auth_principal"
)

// BearerToken extracts the token from "Authorization: Bearer <token>".
// Returns "" when the header is missing or malformed.
func BearerToken(c *gin.Context) string {
	header := c.GetHeader("Authorization")
	if header == "" {
		return ""
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}

func AuthRequired(v *auth.Verifier) gin.HandlerFunc {
	return func(c *gin.Context) {
		p, err := v.Verify(c.Request.Context(), BearerToken(c))
		if err != nil {
			common.Fail(c, http.StatusUnauthorized, 40101, "unauthorized")
			c.Abort()
			return
		}
		c.Set(UserIDKey, p.UserID)
		c.Set(PrincipalKey, p)
		c.Next()
	}
}

// AdminRequired must run after AuthRequired.
func AdminRequired() gin.HandlerFunc {
	return func(c *gin.Context) {
		v, ok := c.Get(PrincipalKey)
		if !ok {
			common.Fail(c, http.StatusUnauthorized, 40101, "unauthorized")
			c.Abort()
			return
		}
		p, ok := v.(auth.Principal)
		if !ok || !p.Admin {
			common.Fail(c, http.StatusForbidden, 40301, "admin access required")
			c.Abort()
			return
		}
		c.Next()
	}
}
