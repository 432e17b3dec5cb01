package httpapi

import (
	"io"
	"net/http"
	"strconv"
	"time"

	"dialer-platform/internal/audit"
	"dialer-platform/internal/auth"
	"dialer-platform/internal/calls"
	"dialer-platform/internal/ledger"
	"dialer-platform/internal/payments"
	"dialer-platform/internal/reporting"
	"dialer-platform/internal/telephony"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
)

func (h Handlers) balanceFor(c *gin.Context, userID string) {
	bal, err := h.Ledger.Balance(c.Request.Context(), userID)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"user_id": userID, "balance": bal})
}

func (h Handlers) historyFor(c *gin.Context, userID string) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	entries, err := h.Ledger.History(c.Request.Context(), userID, limit)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"user_id": userID, "entries": entries})
}

func (h Handlers) MyBalance(c *gin.Context) {
	uid, _ := auth.UserID(c.Request.Context())
	h.balanceFor(c, uid)
}

func (h Handlers) MyHistory(c *gin.Context) {
	uid, _ := auth.UserID(c.Request.Context())
	h.historyFor(c, uid)
}

func (h Handlers) UserBalance(c *gin.Context) { h.balanceFor(c, c.Param("user_id")) }
func (h Handlers) UserHistory(c *gin.Context) { h.historyFor(c, c.Param("user_id")) }

// usageFor summarizes credit movements. from/to are RFC3339; the default
// window is the last 30 days.
func (h Handlers) usageFor(c *gin.Context, userID string) {
	to := h.now().UTC()
	from := to.AddDate(0, 0, -30)
	var err error
	if raw := c.Query("from"); raw != "" {
		if from, err = time.Parse(time.RFC3339, raw); err != nil {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "from must be RFC3339"})
			return
		}
	}
	if raw := c.Query("to"); raw != "" {
		if to, err = time.Parse(time.RFC3339, raw); err != nil {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "to must be RFC3339"})
			return
		}
	}
	out, err := h.Reports.UsageSummary(c.Request.Context(), reporting.UsageRequest{
		UserID: userID,
		Range:  reporting.TimeRange{From: from, To: to},
	})
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, out)
}

func (h Handlers) MyUsage(c *gin.Context) {
	uid, _ := auth.UserID(c.Request.Context())
	h.usageFor(c, uid)
}

func (h Handlers) UserUsage(c *gin.Context) { h.usageFor(c, c.Param("user_id")) }

type manualCreditRequest struct {
	Amount    decimal.Decimal `json:"amount"`
	Reference string          `json:"reference"`
	Reason    string          `json:"reason"`
}

// ManualCredit grants credits. The caller-supplied reference makes the
// request safe to retry.
func (h Handlers) ManualCredit(c *gin.Context) {
	userID := c.Param("user_id")
	var req manualCreditRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	if req.Reference == "" || req.Reason == "" {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "reference and reason required"})
		return
	}
	ref := "admin:" + req.Reference
	res, err := h.Ledger.Credit(c.Request.Context(), userID, req.Amount, ref, req.Reason)
	if err != nil {
		writeError(c, err)
		return
	}
	if !res.AlreadyProcessed {
		h.Audit.LogCreditAdjustment(c.Request.Context(), actor(c), userID, ref, "manual credit "+req.Amount.String()+": "+req.Reason)
	}
	c.JSON(http.StatusOK, res)
}

// CallCompleted settles an engine's end-of-call callback. Redelivery is
// answered 200 with the original settlement outcome.
func (h Handlers) CallCompleted(c *gin.Context) {
	comp, err := telephony.ParseStatusCallback(c.Request, c.Param("engine"), h.now())
	if err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if h.CallbackSecret != "" {
		sig := c.Query(calls.SignatureParam)
		if !payments.VerifySignature(h.CallbackSecret, calls.CallbackPayload(comp.UserID, comp.CredentialID), sig) {
			writeError(c, payments.ErrBadSignature)
			return
		}
	}
	s, err := h.Billing.Settle(c.Request.Context(), comp)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, s)
}

func (h Handlers) PaymentRefund(c *gin.Context) {
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, 1<<20))
	if err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "read body"})
		return
	}
	res, err := h.Payments.HandleRefundWebhook(c.Request.Context(), c.Param("gateway"), body, c.GetHeader("X-Signature"))
	if err != nil {
		writeError(c, err)
		return
	}
	if !res.AlreadyProcessed {
		h.Audit.Record(c.Request.Context(), auditRefund(res))
	}
	c.JSON(http.StatusOK, res)
}

func auditRefund(res ledger.Result) audit.Event {
	return audit.Event{
		Type:          audit.EventTypeCreditAdjustment,
		SubjectUserID: res.Entry.UserID,
		Reference:     res.Entry.Reference,
		Message:       "gateway refund removed " + res.Entry.Amount.Neg().String() + " credits",
	}
}
