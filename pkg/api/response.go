package api

import "github.com/gin-gonic/gin"

// respondError sends a structured JSON error response
func respondError(c *gin.Context, code int, message string) {
	respondDetails(c, code, message, nil)
}

// respondDetails is respondError with a list of field diagnostics.
func respondDetails(c *gin.Context, code int, message string, details any) {
	body := gin.H{
		"message": message,
		"status":  code,
	}
	if details != nil {
		body["details"] = details
	}
	c.JSON(code, gin.H{"error": body})
	c.Abort()
}
