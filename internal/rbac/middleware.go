package rbac

import (
	"net/http"

	"dialer-platform/internal/auth"

	"github.com/gin-gonic/gin"
)

// RequireUser rejects requests without an authenticated user id.
func RequireUser() gin.HandlerFunc {
	return func(c *gin.Context) {
		if uid, err := auth.UserID(c.Request.Context()); err != nil || uid == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "user_id required"})
			return
		}
		c.Next()
	}
}

// RequireAnyRole allows the request if the caller holds one of allowed.
// super_admin always passes; hidden roles pass only when listed.
func RequireAnyRole(allowed ...string) gin.HandlerFunc {
	allowedSet := make(map[string]struct{}, len(allowed))
	for _, r := range allowed {
		allowedSet[r] = struct{}{}
	}

	return func(c *gin.Context) {
		role, err := auth.Role(c.Request.Context())
		if err != nil || role == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "role required"})
			return
		}
		if IsSuperAdmin(role) {
			c.Next()
			return
		}
		if _, ok := allowedSet[role]; !ok {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "forbidden"})
			return
		}
		c.Next()
	}
}
