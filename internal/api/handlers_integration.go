package api

import (
	"sankey-license-server/internal/auth"

	"github.com/gin-gonic/gin"
)

type startTestRequest struct {
	Endpoint string `json:"endpoint" binding:"required"`
}

// handleStartIntegrationTest begins a synthetic end-to-end run.
func (s *Server) handleStartIntegrationTest(c *gin.Context) {
	var req startTestRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondValidation(c, "endpoint is required")
		return
	}

	test, err := s.protocol.Start(c.Request.Context(), auth.GetUserID(c), req.Endpoint)
	if err != nil {
		respondError(c, err)
		return
	}
	respondCreated(c, "integration test started", test)
}

// handleIntegrationTestStatus returns the caller's current test record.
func (s *Server) handleIntegrationTestStatus(c *gin.Context) {
	test, err := s.protocol.Status(c.Request.Context(), auth.GetUserID(c))
	if err != nil {
		respondError(c, err)
		return
	}
	if test == nil {
		respondOK(c, "no integration test on record", nil)
		return
	}
	respondOK(c, "integration test status", test)
}

// completeTestRequest mirrors the automation client's completion call. The
// userId/licenseId/applicationId fields it also sends are ignored; identity
// comes from the bearer token.
type completeTestRequest struct {
	TestID     string `json:"testId" binding:"required"`
	TestResult struct {
		Success bool   `json:"success"`
		Details string `json:"details,omitempty"`
		Error   string `json:"error,omitempty"`
	} `json:"testResult"`
}

// handleCompleteIntegrationTest records the final verdict of a run.
func (s *Server) handleCompleteIntegrationTest(c *gin.Context) {
	var req completeTestRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondValidation(c, "testId is required")
		return
	}

	details := req.TestResult.Details
	if details == "" {
		details = req.TestResult.Error
	}
	if err := s.protocol.Complete(c.Request.Context(), auth.GetUserID(c), req.TestID, req.TestResult.Success, details); err != nil {
		respondError(c, err)
		return
	}
	respondOK(c, "integration test completed", nil)
}
