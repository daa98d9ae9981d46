package auth

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

// tenantKey is the gin context key holding the authenticated tenant id.
const tenantKey = "tenant_id"

// StaffAuth enforces bearer JWT tokens signed with HS256 and stores the
// tenant scope on the request context.
func StaffAuth(signingKey, issuer string) gin.HandlerFunc {
	return func(c *gin.Context) {
		authz := c.GetHeader("Authorization")
		if authz == "" || !strings.HasPrefix(strings.ToLower(authz), "bearer ") {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing bearer token"})
			return
		}
		tokenStr := strings.TrimSpace(authz[len("bearer "):])
		claims, err := Parse(tokenStr, signingKey, issuer)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}
		c.Set("claims", claims)
		c.Set(tenantKey, claims.TenantID)
		c.Next()
	}
}

// TenantID returns the authenticated tenant for the request, or empty when
// the middleware did not run.
func TenantID(c *gin.Context) string {
	return c.GetString(tenantKey)
}
