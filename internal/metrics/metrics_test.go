package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStatusBucket(t *testing.T) {
	tests := []struct {
		code int
		want string
	}{
		{100, "1xx"},
		{200, "2xx"},
		{201, "2xx"},
		{301, "3xx"},
		{400, "4xx"},
		{402, "402"},
		{404, "4xx"},
		{500, "5xx"},
		{502, "5xx"},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, statusBucket(tt.code), "code %d", tt.code)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.GET("/metrics", Handler())

	PaymentDecisionsTotal.WithLabelValues("jsonrpc", "rejected").Inc()

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	require.Equal(t, http.StatusOK, w.Code)
	body := w.Body.String()
	assert.True(t, strings.Contains(body, "trustgate_goroutines"))
	assert.True(t, strings.Contains(body, "trustgate_paywall_decisions_total"))
}

func TestMiddleware_RecordsRoutePattern(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(Middleware())
	r.GET("/agent/:id/profile", func(c *gin.Context) {
		c.JSON(http.StatusPaymentRequired, gin.H{"error": "payment_required"})
	})

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/agent/42/profile", nil))
	require.Equal(t, http.StatusPaymentRequired, w.Code)

	var m dto.Metric
	require.NoError(t, HTTPRequestsTotal.WithLabelValues(http.MethodGet, "/agent/:id/profile", "402").Write(&m))
	assert.GreaterOrEqual(t, m.GetCounter().GetValue(), float64(1))
}
