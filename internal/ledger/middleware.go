package ledger

import (
	"context"
	"net/http"
	"strings"

	"dialer-platform/internal/auth"
	"dialer-platform/internal/rbac"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
)

const headerEstimatedCredits = "X-Estimated-Credits"

// BalanceReader is the slice of Service the middleware needs.
type BalanceReader interface {
	Balance(ctx context.Context, userID string) (decimal.Decimal, error)
}

// RequireCredits blocks call-placing requests from users who cannot pay.
// The balance must be positive and, when X-Estimated-Credits is sent, at
// least that estimate. super_admin and the pool operator role bypass.
func RequireCredits(svc BalanceReader) gin.HandlerFunc {
	return func(c *gin.Context) {
		role, _ := auth.Role(c.Request.Context())
		if rbac.BypassesBalance(role) {
			c.Next()
			return
		}

		userID, err := auth.UserID(c.Request.Context())
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "user_id required"})
			return
		}

		need := decimal.Zero
		if raw := strings.TrimSpace(c.GetHeader(headerEstimatedCredits)); raw != "" {
			need, err = decimal.NewFromString(raw)
			if err != nil || need.IsNegative() {
				c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "estimated credits invalid"})
				return
			}
		}

		bal, err := svc.Balance(c.Request.Context(), userID)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "balance lookup failed"})
			return
		}
		if !bal.IsPositive() || bal.LessThan(need) {
			c.AbortWithStatusJSON(http.StatusPaymentRequired, gin.H{"error": "insufficient credits", "balance": bal.String()})
			return
		}
		c.Next()
	}
}
