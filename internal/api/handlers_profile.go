package api

import (
	"time"

	"sankey-license-server/internal/auth"
	"sankey-license-server/internal/database"
	"sankey-license-server/internal/license"

	"github.com/gin-gonic/gin"
)

// handleGetProfile returns the caller's profile, creating it on first use.
func (s *Server) handleGetProfile(c *gin.Context) {
	profile, err := s.repo.GetOrCreateUserProfile(c.Request.Context(), auth.GetUserID(c))
	if err != nil {
		respondError(c, err)
		return
	}
	respondOK(c, "profile retrieved", profile)
}

type notificationSettingsRequest struct {
	Enabled     bool   `json:"enabled"`
	CallbackURL string `json:"callbackUrl"`
}

// handleUpdateNotifications updates the caller's callback settings.
func (s *Server) handleUpdateNotifications(c *gin.Context) {
	var req notificationSettingsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondValidation(c, "invalid request body")
		return
	}
	if req.Enabled && req.CallbackURL == "" {
		respondValidation(c, "callbackUrl is required when notifications are enabled")
		return
	}

	ownerID := auth.GetUserID(c)
	if err := s.repo.UpdateNotificationSettings(c.Request.Context(), ownerID, req.Enabled, req.CallbackURL); err != nil {
		respondError(c, err)
		return
	}
	respondOK(c, "notification settings updated", nil)
}

// handleSetupTest verifies the caller's provisioning end to end: the master
// key must be obtainable and a license blob must survive an encrypt-decrypt
// round trip under it. Success advances a SETUP user to the TEST phase.
func (s *Server) handleSetupTest(c *gin.Context) {
	ctx := c.Request.Context()
	ownerID := auth.GetUserID(c)

	result := &database.TestResult{Timestamp: time.Now().UTC()}

	key, err := s.secretStore.EnsureSecret(ctx, ownerID)
	if err != nil {
		result.Error = "master key unavailable"
	} else {
		payload := license.NewPayload("SetupProbe", "0000000", ownerID,
			time.Now().UTC().Add(time.Hour), time.Now().UTC())
		blob, encErr := license.Encrypt(key, payload)
		if encErr != nil {
			result.Error = "encryption failed"
		} else if _, decErr := license.Decrypt(key, blob, "0000000"); decErr != nil {
			result.Error = "decryption failed"
		} else {
			result.Success = true
			result.Details = "master key provisioned, codec round trip verified"
		}
	}

	if err := s.repo.SaveSetupTestResult(ctx, ownerID, result); err != nil {
		respondError(c, err)
		return
	}

	phaseAdvanced := false
	if result.Success {
		advanced, err := s.repo.AdvanceSetupPhase(ctx, ownerID, database.PhaseSetup, database.PhaseTest)
		if err != nil {
			s.logger.Error("Failed to advance setup phase", "owner_id", ownerID, "error", err)
		} else {
			phaseAdvanced = advanced
		}
	}

	respondOK(c, "setup test finished", gin.H{
		"result":        result,
		"phaseAdvanced": phaseAdvanced,
	})
}
