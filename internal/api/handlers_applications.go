package api

import (
	"strconv"
	"time"

	"sankey-license-server/internal/auth"
	"sankey-license-server/internal/database"

	"github.com/gin-gonic/gin"
)

// ownerForRequest resolves which owner's data the call targets. Operators
// may act on any owner via the owner_id query parameter; users always act
// on their own records.
func ownerForRequest(c *gin.Context) string {
	if auth.IsOperator(c) {
		if owner := c.Query("owner_id"); owner != "" {
			return owner
		}
	}
	return auth.GetUserID(c)
}

// handleListApplications lists the caller's applications. Operators may
// instead page through all applications in a given status.
func (s *Server) handleListApplications(c *gin.Context) {
	ctx := c.Request.Context()

	if status := c.Query("status"); status != "" && auth.IsOperator(c) {
		limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
		offset, _ := strconv.Atoi(c.DefaultQuery("offset", "0"))

		apps, total, err := s.lifecycle.ListByStatus(ctx, database.Status(status), limit, offset)
		if err != nil {
			respondError(c, err)
			return
		}
		respondOK(c, "applications retrieved", gin.H{
			"applications": apps,
			"total":        total,
			"limit":        limit,
			"offset":       offset,
		})
		return
	}

	apps, err := s.lifecycle.ListByOwner(ctx, ownerForRequest(c))
	if err != nil {
		respondError(c, err)
		return
	}
	respondOK(c, "applications retrieved", gin.H{"applications": apps})
}

// handleGetApplication returns one application owned by the caller.
func (s *Server) handleGetApplication(c *gin.Context) {
	app, err := s.lifecycle.Get(c.Request.Context(), ownerForRequest(c), c.Param("appKey"))
	if err != nil {
		respondError(c, err)
		return
	}
	respondOK(c, "application retrieved", app)
}

// handleGetHistory returns the audit trail of one application.
func (s *Server) handleGetHistory(c *gin.Context) {
	history, err := s.lifecycle.History(c.Request.Context(), ownerForRequest(c), c.Param("appKey"))
	if err != nil {
		respondError(c, err)
		return
	}
	respondOK(c, "history retrieved", gin.H{"history": history})
}

type approveRequest struct {
	OwnerID string     `json:"ownerId" binding:"required"`
	Expiry  *time.Time `json:"expiry,omitempty"`
}

// handleApproveApplication approves a pending application and schedules
// license issuance.
func (s *Server) handleApproveApplication(c *gin.Context) {
	var req approveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondValidation(c, "ownerId is required")
		return
	}

	app, err := s.lifecycle.Approve(c.Request.Context(), auth.GetUserID(c), req.OwnerID, c.Param("appKey"), req.Expiry)
	if err != nil {
		respondError(c, err)
		return
	}
	respondOK(c, "application approved", app)
}

type rejectRequest struct {
	OwnerID string `json:"ownerId" binding:"required"`
	Reason  string `json:"reason,omitempty"`
}

// handleRejectApplication rejects a pending application.
func (s *Server) handleRejectApplication(c *gin.Context) {
	var req rejectRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondValidation(c, "ownerId is required")
		return
	}

	if err := s.lifecycle.Reject(c.Request.Context(), auth.GetUserID(c), req.OwnerID, c.Param("appKey"), req.Reason); err != nil {
		respondError(c, err)
		return
	}
	respondOK(c, "application rejected", nil)
}

// handleCancelApplication lets the owner withdraw an approved application
// before its license is issued.
func (s *Server) handleCancelApplication(c *gin.Context) {
	caller := auth.GetUserID(c)
	if err := s.lifecycle.Cancel(c.Request.Context(), caller, ownerForRequest(c), c.Param("appKey")); err != nil {
		respondError(c, err)
		return
	}
	respondOK(c, "application cancelled", nil)
}

// handleRevokeApplication revokes an active license.
func (s *Server) handleRevokeApplication(c *gin.Context) {
	var req rejectRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondValidation(c, "ownerId is required")
		return
	}

	if err := s.lifecycle.Revoke(c.Request.Context(), auth.GetUserID(c), req.OwnerID, c.Param("appKey"), req.Reason); err != nil {
		respondError(c, err)
		return
	}
	respondOK(c, "license revoked", nil)
}

type retryRequest struct {
	OwnerID string `json:"ownerId" binding:"required"`
}

// handleRetryNotification requeues a failed notification.
func (s *Server) handleRetryNotification(c *gin.Context) {
	var req retryRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondValidation(c, "ownerId is required")
		return
	}

	if err := s.lifecycle.Retry(c.Request.Context(), auth.GetUserID(c), req.OwnerID, c.Param("appKey")); err != nil {
		respondError(c, err)
		return
	}
	respondOK(c, "notification retry scheduled", nil)
}
