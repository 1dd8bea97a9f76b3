package security

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
)

func serveWith(mw gin.HandlerFunc, method, origin string) *httptest.ResponseRecorder {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(mw)
	r.POST("/agent/score/invoke", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"output": gin.H{}}) })

	req := httptest.NewRequest(method, "/agent/score/invoke", nil)
	if origin != "" {
		req.Header.Set("Origin", origin)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestHeadersMiddleware_JSONOnlyPolicy(t *testing.T) {
	w := serveWith(HeadersMiddleware(), http.MethodPost, "")

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "nosniff", w.Header().Get("X-Content-Type-Options"))
	assert.Equal(t, "DENY", w.Header().Get("X-Frame-Options"))
	assert.Equal(t, "strict-origin-when-cross-origin", w.Header().Get("Referrer-Policy"))
	assert.Equal(t, "default-src 'none'; frame-ancestors 'none'", w.Header().Get("Content-Security-Policy"))
	assert.NotEmpty(t, w.Header().Get("Permissions-Policy"))
}

func TestCORSMiddleware_Origins(t *testing.T) {
	tests := []struct {
		name        string
		allowed     []string
		origin      string
		wantOrigin  string
		wantCreds   string
		wantExposed bool
	}{
		{"listed origin", []string{"https://wallet.example"}, "https://wallet.example", "https://wallet.example", "true", true},
		{"wildcard echoes origin without credentials", []string{"*"}, "https://agent.example", "https://agent.example", "", true},
		{"unlisted origin", []string{"https://wallet.example"}, "https://evil.example", "", "", false},
		{"empty list allows all", nil, "https://agent.example", "https://agent.example", "true", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := serveWith(CORSMiddleware(tt.allowed), http.MethodPost, tt.origin)

			assert.Equal(t, http.StatusOK, w.Code)
			assert.Equal(t, tt.wantOrigin, w.Header().Get("Access-Control-Allow-Origin"))
			assert.Equal(t, tt.wantCreds, w.Header().Get("Access-Control-Allow-Credentials"))
			if tt.wantExposed {
				assert.Contains(t, w.Header().Get("Access-Control-Expose-Headers"), "X-PAYMENT-RESPONSE")
				assert.Equal(t, "Origin", w.Header().Get("Vary"))
			} else {
				assert.Empty(t, w.Header().Get("Access-Control-Expose-Headers"))
			}
		})
	}
}

func TestCORSMiddleware_PreflightAllowsPaymentHeaders(t *testing.T) {
	w := serveWith(CORSMiddleware([]string{"*"}), http.MethodOptions, "https://agent.example")

	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, "GET, POST, OPTIONS", w.Header().Get("Access-Control-Allow-Methods"))
	allow := w.Header().Get("Access-Control-Allow-Headers")
	assert.Contains(t, allow, "X-PAYMENT")
	assert.Contains(t, allow, "X-Payment-Proof")
	assert.Contains(t, w.Header().Get("Access-Control-Expose-Headers"), "X-Payment-Amount")
	assert.Equal(t, "86400", w.Header().Get("Access-Control-Max-Age"))
}
