// Package validation provides request input validation for the gateway.
package validation

import (
	"net/http"
	"regexp"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/trustgate/internal/erc8004"
)

// MaxRequestSize is the maximum request body size (1MB)
const MaxRequestSize = 1 << 20

var ethAddressRegex = regexp.MustCompile(`^0x[a-fA-F0-9]{40}$`)

// RequestSizeMiddleware limits request body size
func RequestSizeMiddleware(maxSize int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxSize)
		c.Next()
	}
}

// IsValidEthAddress checks if a string is a 0x-prefixed 40-hex-digit address.
func IsValidEthAddress(addr string) bool {
	return ethAddressRegex.MatchString(addr)
}

// ValidationError represents a validation error on one field.
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// ValidationErrors is a collection of validation errors
type ValidationErrors []ValidationError

// Error implements the error interface
func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return "validation failed"
	}
	parts := make([]string, len(e))
	for i, v := range e {
		parts[i] = v.Field + ": " + v.Message
	}
	return strings.Join(parts, "; ")
}

// Validate runs each validator and collects the failures.
func Validate(validators ...func() *ValidationError) ValidationErrors {
	var errs ValidationErrors
	for _, v := range validators {
		if err := v(); err != nil {
			errs = append(errs, *err)
		}
	}
	return errs
}

// AgentID checks that a field holds a canonical agent id.
func AgentID(field, value string) func() *ValidationError {
	return func() *ValidationError {
		if value == "" {
			return &ValidationError{Field: field, Message: "is required"}
		}
		if _, err := erc8004.ParseAgentID(value); err != nil {
			return &ValidationError{Field: field, Message: "must be a non-negative integer"}
		}
		return nil
	}
}

// Abort writes a 400 with field-level detail and stops the handler chain.
func Abort(c *gin.Context, errs ValidationErrors) {
	c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
		"error":   "invalid_request",
		"message": errs.Error(),
		"fields":  errs,
	})
}

// AgentIDParamMiddleware rejects a malformed :id route parameter before any
// later middleware (payment included) runs. The chain selector is not
// checked: unknown selectors resolve to the default chain.
func AgentIDParamMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if errs := Validate(AgentID("agentId", c.Param("id"))); len(errs) > 0 {
			Abort(c, errs)
			return
		}
		c.Next()
	}
}
