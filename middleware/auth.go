package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"collabhub/tools/security"
)

// Context keys set by Auth; handlers read the verified identity through
// these.
const (
	CtxPrincipalID = "principalId"
	CtxDisplayName = "displayName"
)

// Auth verifies the Bearer token and stores the principal in the request
// context. Requests without a valid token never reach the handler.
func Auth(opts security.Options) gin.HandlerFunc {
	return func(c *gin.Context) {
		token := bearerToken(c)
		if token == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing bearer token"})
			return
		}
		principal, err := security.Verify(opts, token)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid or expired token"})
			return
		}
		c.Set(CtxPrincipalID, principal.ID)
		c.Set(CtxDisplayName, principal.DisplayName)
		c.Next()
	}
}

func bearerToken(c *gin.Context) string {
	authz := strings.TrimSpace(c.GetHeader("Authorization"))
	if authz == "" {
		return ""
	}
	if !strings.HasPrefix(strings.ToLower(authz), "bearer ") {
		return ""
	}
	return strings.TrimSpace(authz[len("bearer "):])
}

// Principal reads the identity Auth stored, with ok=false on unauthenticated
// routes.
func Principal(c *gin.Context) (id, name string, ok bool) {
	id = c.GetString(CtxPrincipalID)
	if id == "" {
		return "", "", false
	}
	return id, c.GetString(CtxDisplayName), true
}
