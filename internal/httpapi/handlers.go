package httpapi

import (
	"net/http"
	"time"

	"dialer-platform/internal/audit"
	"dialer-platform/internal/auth"
	"dialer-platform/internal/billing"
	"dialer-platform/internal/bindings"
	"dialer-platform/internal/ledger"
	"dialer-platform/internal/migration"
	"dialer-platform/internal/payments"
	"dialer-platform/internal/pool"
	"dialer-platform/internal/reporting"
	"dialer-platform/internal/retry"

	"github.com/gin-gonic/gin"
)

// Handlers groups HTTP handlers for dependency injection.
// Keep these thin: parse/validate input, call internal services, return JSON.
type Handlers struct {
	Auth      *auth.Manager
	Pool      *pool.Manager
	Bindings  bindings.Store
	Migration *migration.Engine
	Retry     *retry.Scheduler
	Ledger    *ledger.Service
	Billing   *billing.Settler
	Payments  *payments.Service
	Audit     *audit.Service
	Reports   *reporting.Service

	// DevLogin enables POST /v1/auth/login, which issues tokens without
	// checking credentials. Never enable in production.
	DevLogin bool

	// CallbackSecret verifies the signed user and credential on call
	// completion callbacks. Empty accepts unsigned callbacks.
	CallbackSecret string

	Now func() time.Time
}

func (h Handlers) now() time.Time {
	if h.Now != nil {
		return h.Now()
	}
	return time.Now()
}

// actor builds the audit actor from the authenticated request.
func actor(c *gin.Context) audit.Actor {
	uid, _ := auth.UserID(c.Request.Context())
	role, _ := auth.Role(c.Request.Context())
	return audit.Actor{UserID: uid, Role: role, IP: c.ClientIP()}
}

func (h Handlers) Healthz(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

type loginRequest struct {
	UserID string `json:"user_id"`
	Role   string `json:"role"`
}

// Login issues a JWT token pair for local development.
func (h Handlers) Login(c *gin.Context) {
	if h.Auth == nil || !h.DevLogin {
		c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": "not found"})
		return
	}
	var req loginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	if req.UserID == "" || req.Role == "" {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "user_id, role required"})
		return
	}
	pair, err := h.Auth.IssuePair(h.now(), req.UserID, req.Role)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "token issuance failed"})
		return
	}
	c.JSON(http.StatusOK, pair)
}

func (h Handlers) Me(c *gin.Context) {
	uid, _ := auth.UserID(c.Request.Context())
	role, _ := auth.Role(c.Request.Context())
	out := gin.H{"user_id": uid, "role": role}
	if h.Bindings != nil {
		if pref, err := h.Bindings.PreferredCredential(c.Request.Context(), uid); err == nil && pref != "" {
			out["preferred_credential_id"] = pref
		}
	}
	c.JSON(http.StatusOK, out)
}
