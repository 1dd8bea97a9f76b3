// Package security provides HTTP hardening for the gateway: response
// headers, CORS and outbound request guards.
package security

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

// Headers a browser client may send or read. The x402 payment headers must be
// listed or cross-origin callers cannot pay.
var (
	allowedRequestHeaders = []string{
		"Authorization", "Content-Type", "X-Request-ID",
		"X-PAYMENT", "X-Payment-Proof",
	}
	exposedResponseHeaders = []string{
		"X-Request-ID", "X-PAYMENT-RESPONSE",
		"X-Payment-Required", "X-Payment-Amount", "X-Payment-Currency",
		"X-Payment-Recipient", "X-Payment-Chain",
	}
)

// HeadersMiddleware adds security headers to all responses
func HeadersMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("X-Content-Type-Options", "nosniff")
		c.Header("X-Frame-Options", "DENY")
		c.Header("X-XSS-Protection", "1; mode=block")
		c.Header("Referrer-Policy", "strict-origin-when-cross-origin")
		// JSON API only; nothing here should ever render as a page.
		c.Header("Content-Security-Policy", "default-src 'none'; frame-ancestors 'none'")
		c.Header("Permissions-Policy", "geolocation=(), microphone=(), camera=()")

		c.Next()
	}
}

// CORSMiddleware handles CORS for API endpoints
func CORSMiddleware(allowedOrigins []string) gin.HandlerFunc {
	originsMap := make(map[string]bool)
	for _, o := range allowedOrigins {
		originsMap[o] = true
	}
	allowHeaders := strings.Join(allowedRequestHeaders, ", ")
	exposeHeaders := strings.Join(exposedResponseHeaders, ", ")

	return func(c *gin.Context) {
		origin := c.GetHeader("Origin")

		if len(allowedOrigins) == 0 || originsMap[origin] || originsMap["*"] {
			if origin != "" {
				c.Header("Access-Control-Allow-Origin", origin)
				c.Header("Vary", "Origin")
			}
			c.Header("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			c.Header("Access-Control-Allow-Headers", allowHeaders)
			c.Header("Access-Control-Expose-Headers", exposeHeaders)
			c.Header("Access-Control-Max-Age", "86400")
			// wildcard + credentials is rejected by browsers
			if !originsMap["*"] {
				c.Header("Access-Control-Allow-Credentials", "true")
			}
		}

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}
