package httpapi

import (
	"errors"
	"net/http"
	"strconv"

	"dialer-platform/internal/classifier"
	"dialer-platform/internal/migration"

	"github.com/gin-gonic/gin"
)

type migrateRequest struct {
	FromCredentialID string `json:"from_credential_id"`
	ToCredentialID   string `json:"to_credential_id"`
	migration.Options
}

func (h Handlers) MigrateUser(c *gin.Context) {
	userID := c.Param("user_id")
	var req migrateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}

	ctx := c.Request.Context()
	from := req.FromCredentialID
	if from == "" {
		cur, err := h.Migration.GetUserCurrentCredential(ctx, userID)
		if err != nil {
			writeError(c, err)
			return
		}
		if cur == "" {
			writeError(c, migration.ErrNoResources)
			return
		}
		from = cur
	}

	res, err := h.Migration.MigrateUserResources(ctx, userID, from, req.ToCredentialID, req.Options)
	if err != nil {
		writeError(c, err)
		return
	}
	if !res.DryRun {
		h.Audit.LogMigration(ctx, actor(c), userID, res.AttemptID, migrationMessage(res), res)
	}
	c.JSON(migrationStatus(res), res)
}

func (h Handlers) AutoMigrateUser(c *gin.Context) {
	userID := c.Param("user_id")
	ctx := c.Request.Context()

	cur, err := h.Migration.GetUserCurrentCredential(ctx, userID)
	if err != nil {
		writeError(c, err)
		return
	}
	if cur == "" {
		writeError(c, migration.ErrNoResources)
		return
	}
	res, err := h.Migration.AutoMigrateUser(ctx, userID, cur)
	if err != nil {
		writeError(c, err)
		return
	}
	if !res.NoCapacity {
		h.Audit.LogMigration(ctx, actor(c), userID, res.AttemptID, migrationMessage(res), res)
	}
	c.JSON(migrationStatus(res), res)
}

// migrationStatus is 200 on success, 409 when no target had room and 207
// when some resources moved before a failure.
func migrationStatus(res migration.Result) int {
	switch {
	case res.Success || res.DryRun:
		return http.StatusOK
	case res.NoCapacity:
		return http.StatusConflict
	default:
		return http.StatusMultiStatus
	}
}

func migrationMessage(res migration.Result) string {
	if res.Success {
		return "migration completed " + res.FromCredentialID + " -> " + res.ToCredentialID
	}
	return "migration stopped: " + res.Error
}

func (h Handlers) ListAttempts(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "20"))
	atts, err := h.Migration.ListAttempts(c.Request.Context(), c.Param("user_id"), limit)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"attempts": atts})
}

func (h Handlers) GetAttempt(c *gin.Context) {
	att, err := h.Migration.GetAttempt(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, att)
}

type blockedCampaignRequest struct {
	StatusCode int    `json:"status_code"`
	Error      string `json:"error"`
	Body       string `json:"body"`
}

// ReportBlockedCampaign records a failed dial for a campaign. Recoverable
// capacity failures are queued for retry; anything else is returned as
// not recoverable so the caller can surface it.
func (h Handlers) ReportBlockedCampaign(c *gin.Context) {
	var req blockedCampaignRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	cls := classifier.ClassifyFields(classifier.Fields{StatusCode: req.StatusCode, Message: req.Error, Body: req.Body})
	if !cls.IsRecoverable() {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"recoverable": false, "classification": cls})
		return
	}

	msg := req.Error
	if msg == "" {
		msg = http.StatusText(req.StatusCode)
	}
	camp, err := h.Retry.MarkForRetry(c.Request.Context(), c.Param("id"), errors.New(msg))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"recoverable": true, "classification": cls, "campaign": camp})
}

func (h Handlers) RunRetryQueue(c *gin.Context) {
	sum, err := h.Retry.RunNow(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	h.Audit.LogAdminAction(c.Request.Context(), actor(c), "retry queue run", sum)
	c.JSON(http.StatusOK, sum)
}
