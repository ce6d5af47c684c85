package api

import (
	"net/http"
	"time"

	"sankey-license-server/internal/apperr"

	"github.com/gin-gonic/gin"
)

// Response is the uniform envelope for every API reply.
type Response struct {
	Success   bool        `json:"success"`
	Message   string      `json:"message"`
	Timestamp string      `json:"timestamp"`
	Data      interface{} `json:"data,omitempty"`
}

func respondOK(c *gin.Context, message string, data interface{}) {
	c.JSON(http.StatusOK, Response{
		Success:   true,
		Message:   message,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Data:      data,
	})
}

func respondCreated(c *gin.Context, message string, data interface{}) {
	c.JSON(http.StatusCreated, Response{
		Success:   true,
		Message:   message,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Data:      data,
	})
}

// respondError maps a domain error to its HTTP status. Authentication and
// license decode failures deliberately collapse to one opaque message.
func respondError(c *gin.Context, err error) {
	c.JSON(apperr.HTTPStatus(err), Response{
		Success:   false,
		Message:   apperr.CallerMessage(err),
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}

func respondValidation(c *gin.Context, message string) {
	respondError(c, apperr.Validation(message))
}
