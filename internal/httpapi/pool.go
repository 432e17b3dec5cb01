package httpapi

import (
	"errors"
	"io"
	"net/http"

	"dialer-platform/internal/auth"
	"dialer-platform/internal/pool"

	"github.com/gin-gonic/gin"
)

func (h Handlers) PoolStats(c *gin.Context) {
	st, err := h.Pool.Stats(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, st)
}

type addCredentialRequest struct {
	ID             string `json:"id"`
	Provider       string `json:"provider"`
	APIKey         string `json:"api_key"`
	Tier           string `json:"tier"`
	MaxConcurrency int    `json:"max_concurrency"`
	Active         *bool  `json:"active"`
}

func (h Handlers) AddCredential(c *gin.Context) {
	var req addCredentialRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	active := req.Active == nil || *req.Active
	err := h.Pool.AddCredential(c.Request.Context(), pool.Credential{
		ID:             req.ID,
		Provider:       req.Provider,
		APIKey:         req.APIKey,
		Tier:           req.Tier,
		MaxConcurrency: req.MaxConcurrency,
		IsActive:       active,
	})
	if err != nil {
		writeError(c, err)
		return
	}
	h.Audit.LogCredentialChange(c.Request.Context(), actor(c), req.ID, "credential registered")
	cred, err := h.Pool.Get(c.Request.Context(), req.ID)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, cred)
}

func (h Handlers) setActive(active bool) gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.Param("id")
		if err := h.Pool.SetActive(c.Request.Context(), id, active); err != nil {
			writeError(c, err)
			return
		}
		msg := "credential deactivated"
		if active {
			msg = "credential activated"
		}
		h.Audit.LogCredentialChange(c.Request.Context(), actor(c), id, msg)
		c.JSON(http.StatusOK, gin.H{"id": id, "active": active})
	}
}

func (h Handlers) ActivateCredential(c *gin.Context)   { h.setActive(true)(c) }
func (h Handlers) DeactivateCredential(c *gin.Context) { h.setActive(false)(c) }

func (h Handlers) RunHealthChecks(c *gin.Context) {
	res, err := h.Pool.PerformHealthChecks(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"results": res})
}

type reserveRequest struct {
	Tier         string `json:"tier"`
	CredentialID string `json:"credential_id"`
}

type slotResponse struct {
	CredentialID string `json:"credential_id"`
	Provider     string `json:"provider"`
	Tier         string `json:"tier"`
	CurrentLoad  int    `json:"current_load"`
	Max          int    `json:"max_concurrency"`
}

func toSlot(cred pool.Credential) slotResponse {
	return slotResponse{
		CredentialID: cred.ID,
		Provider:     cred.Provider,
		Tier:         cred.Tier,
		CurrentLoad:  cred.CurrentLoad,
		Max:          cred.MaxConcurrency,
	}
}

// ReserveSlot is the operator tool: reserve on a named credential or on
// the best one in a tier.
func (h Handlers) ReserveSlot(c *gin.Context) {
	var req reserveRequest
	if err := bindOptionalJSON(c, &req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	var (
		cred pool.Credential
		ok   bool
		err  error
	)
	if req.CredentialID != "" {
		cred, ok, err = h.Pool.ReserveSlotOnCredential(c.Request.Context(), req.CredentialID)
	} else {
		cred, ok, err = h.Pool.ReserveSlot(c.Request.Context(), req.Tier)
	}
	if err != nil {
		writeError(c, err)
		return
	}
	if !ok {
		writeError(c, pool.ErrCapacityExhausted)
		return
	}
	c.JSON(http.StatusOK, toSlot(cred))
}

type releaseRequest struct {
	CredentialID string `json:"credential_id"`
	CallID       string `json:"call_id"`
}

func (h Handlers) ReleaseSlot(c *gin.Context) {
	var req releaseRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.CredentialID == "" {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "credential_id required"})
		return
	}
	released := true
	var err error
	if req.CallID != "" {
		released, err = h.Pool.ReleaseSlotOnce(c.Request.Context(), req.CredentialID, req.CallID)
	} else {
		err = h.Pool.ReleaseSlot(c.Request.Context(), req.CredentialID)
	}
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"released": released})
}

// ReserveCallSlot reserves capacity for the caller's next call, preferring
// the credential the user's resources live on.
func (h Handlers) ReserveCallSlot(c *gin.Context) {
	ctx := c.Request.Context()
	userID, _ := auth.UserID(ctx)

	var req reserveRequest
	if err := bindOptionalJSON(c, &req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}

	pref, err := h.Bindings.PreferredCredential(ctx, userID)
	if err != nil {
		writeError(c, err)
		return
	}
	if pref != "" {
		cred, ok, err := h.Pool.ReserveSlotOnCredential(ctx, pref)
		if err != nil && !errors.Is(err, pool.ErrCredentialNotFound) {
			writeError(c, err)
			return
		}
		if ok {
			c.JSON(http.StatusOK, toSlot(cred))
			return
		}
	}

	cred, ok, err := h.Pool.ReserveSlot(ctx, req.Tier)
	if err != nil {
		writeError(c, err)
		return
	}
	if !ok {
		writeError(c, pool.ErrCapacityExhausted)
		return
	}
	c.JSON(http.StatusOK, toSlot(cred))
}

// bindOptionalJSON binds a JSON body whose fields are all optional; an
// empty body is not an error.
func bindOptionalJSON(c *gin.Context, dst any) error {
	if c.Request.ContentLength == 0 {
		return nil
	}
	if err := c.ShouldBindJSON(dst); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}
