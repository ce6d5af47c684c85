package api

import (
	"fmt"

	"sankey-license-server/internal/apperr"
	"sankey-license-server/internal/webhook"

	"github.com/gin-gonic/gin"
)

// handleWebhookSubmission ingests a license application from the external
// form-automation client. Authentication is the submission token itself;
// every failure collapses to the same opaque 401.
func (s *Server) handleWebhookSubmission(c *gin.Context) {
	var req webhook.SubmissionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, apperr.AuthenticationFailed(fmt.Errorf("malformed body: %w", err)))
		return
	}
	if req.UserID == "" || req.Data == "" {
		respondError(c, apperr.AuthenticationFailed(fmt.Errorf("missing userId or data")))
		return
	}

	ctx := c.Request.Context()

	secret, err := s.secretStore.EnsureSecret(ctx, req.UserID)
	if err != nil {
		s.logger.Error("Secret lookup failed for webhook", "user_id", req.UserID, "error", err)
		respondError(c, apperr.Transient("secret store unavailable", err))
		return
	}

	claims, err := webhook.Verify(req.Data, secret)
	if err != nil {
		s.logger.Warn("Webhook token rejected", "user_id", req.UserID)
		respondError(c, err)
		return
	}
	if claims.UserID != "" && claims.UserID != req.UserID {
		respondError(c, apperr.AuthenticationFailed(fmt.Errorf("token user mismatch")))
		return
	}

	app, err := s.lifecycle.Create(ctx, req.UserID, claims.Data)
	if err != nil {
		respondError(c, err)
		return
	}

	// Tagged submissions also advance the integration test record. The
	// application itself stands regardless of how the report fares.
	if testID := claims.Data.IntegrationTestID; testID != "" {
		if err := s.protocol.RecordWebhookReceived(ctx, req.UserID, testID); err != nil {
			s.logger.Warn("Failed to record integration test webhook", "user_id", req.UserID,
				"test_id", testID, "error", err)
		}
	}

	respondCreated(c, "application received", gin.H{
		"appKey": app.AppKey,
		"status": app.Status,
	})
}
