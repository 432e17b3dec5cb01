package httpapi

import (
	"errors"
	"net/http"

	"dialer-platform/internal/bindings"
	"dialer-platform/internal/calls"
	"dialer-platform/internal/ledger"
	"dialer-platform/internal/migration"
	"dialer-platform/internal/payments"
	"dialer-platform/internal/pool"
	"dialer-platform/internal/pricing"
	"dialer-platform/internal/reporting"
	"dialer-platform/internal/retry"
	"dialer-platform/internal/telephony"
	"dialer-platform/pkg/logger"

	"github.com/gin-gonic/gin"
)

// statusFor maps domain errors onto HTTP status codes.
func statusFor(err error) int {
	var apiErr *telephony.APIError
	switch {
	case errors.Is(err, ledger.ErrInsufficientFunds):
		return http.StatusPaymentRequired
	case errors.Is(err, pool.ErrCapacityExhausted),
		errors.Is(err, retry.ErrRunInProgress),
		errors.Is(err, bindings.ErrStaleBinding),
		errors.Is(err, migration.ErrAttemptFinal):
		return http.StatusConflict
	case errors.Is(err, pool.ErrCredentialInvalid),
		errors.Is(err, migration.ErrSameCredential),
		errors.Is(err, migration.ErrNoResources):
		return http.StatusUnprocessableEntity
	case errors.Is(err, pool.ErrCredentialNotFound),
		errors.Is(err, retry.ErrCampaignNotFound),
		errors.Is(err, bindings.ErrNotFound),
		errors.Is(err, migration.ErrAttemptNotFound),
		errors.Is(err, pricing.ErrPricingNotFound):
		return http.StatusNotFound
	case errors.Is(err, pool.ErrInvalidArgument),
		errors.Is(err, ledger.ErrInvalidArgument),
		errors.Is(err, migration.ErrInvalidInput),
		errors.Is(err, bindings.ErrInvalidInput),
		errors.Is(err, calls.ErrInvalidCompletion),
		errors.Is(err, pricing.ErrInvalidPricingReq),
		errors.Is(err, reporting.ErrInvalidRequest),
		errors.Is(err, payments.ErrInvalidEvent),
		errors.Is(err, payments.ErrUnknownGateway):
		return http.StatusBadRequest
	case errors.Is(err, payments.ErrBadSignature):
		return http.StatusUnauthorized
	case errors.Is(err, payments.ErrNotProcessed):
		return http.StatusAccepted
	case errors.As(err, &apiErr):
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

func writeError(c *gin.Context, err error) {
	code := statusFor(err)
	msg := err.Error()
	if code == http.StatusInternalServerError {
		logger.FromGin(c).Error("request failed", "err", err)
		msg = "internal error"
	}
	_ = c.Error(err)
	c.AbortWithStatusJSON(code, gin.H{"error": msg})
}
