package common

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// OK writes data as the response body with status 200.
func OK(c *gin.Context, data any) {
	c.JSON(http.StatusOK, data)
}

// Fail writes the {error} envelope and aborts the handler chain.
func Fail(c *gin.Context, httpStatus int, msg string) {
	c.AbortWithStatusJSON(httpStatus, gin.H{"error": msg})
}

type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

func FailValidation(c *gin.Context, details []FieldError) {
	c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
		"error":   "Invalid request",
		"details": details,
	})
}

func Unauthorized(c *gin.Context) {
	Fail(c, http.StatusUnauthorized, "Unauthorized")
}
