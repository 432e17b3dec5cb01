package httpapi

import (
	"dialer-platform/internal/ledger"
	"dialer-platform/internal/rbac"

	"github.com/gin-gonic/gin"
)

// Register mounts every API route. authMW verifies access tokens.
func (h Handlers) Register(r *gin.Engine, authMW gin.HandlerFunc) {
	r.GET("/healthz", h.Healthz)

	// Provider and gateway callbacks authenticate by HMAC signature, not by
	// user token.
	hooks := r.Group("/webhooks")
	{
		hooks.POST("/calls/:engine/completed", h.CallCompleted)
		hooks.POST("/payments/:gateway/refund", h.PaymentRefund)
	}

	r.POST("/v1/auth/login", h.Login)

	v1 := r.Group("/v1")
	v1.Use(authMW, rbac.RequireUser())
	{
		v1.GET("/me", h.Me)
		v1.GET("/credits/balance", h.MyBalance)
		v1.GET("/credits/history", h.MyHistory)
		v1.GET("/credits/usage", h.MyUsage)
		v1.POST("/calls/slot", ledger.RequireCredits(h.Ledger), h.ReserveCallSlot)
	}

	admin := v1.Group("/admin")
	admin.Use(rbac.RequireAnyRole(rbac.RoleOwner, rbac.RoleOperator))
	{
		admin.GET("/pool/stats", h.PoolStats)
		admin.POST("/pool/credentials", h.AddCredential)
		admin.POST("/pool/credentials/:id/activate", h.ActivateCredential)
		admin.POST("/pool/credentials/:id/deactivate", h.DeactivateCredential)
		admin.POST("/pool/health-checks", h.RunHealthChecks)
		admin.POST("/pool/reserve", h.ReserveSlot)
		admin.POST("/pool/release", h.ReleaseSlot)

		admin.POST("/users/:user_id/migrate", h.MigrateUser)
		admin.POST("/users/:user_id/auto-migrate", h.AutoMigrateUser)
		admin.GET("/users/:user_id/migrations", h.ListAttempts)
		admin.GET("/migrations/:id", h.GetAttempt)

		admin.POST("/campaigns/:id/blocked", h.ReportBlockedCampaign)
		admin.POST("/retry/run", h.RunRetryQueue)
	}

	finance := v1.Group("/admin/credits")
	finance.Use(rbac.RequireAnyRole(rbac.RoleOwner, rbac.RoleFinance))
	{
		finance.GET("/:user_id/balance", h.UserBalance)
		finance.GET("/:user_id/history", h.UserHistory)
		finance.GET("/:user_id/usage", h.UserUsage)
		finance.POST("/:user_id/credit", h.ManualCredit)
	}
}
