package paywall

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/trustgate/pkg/x402"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func newRouter(g *Gate) *gin.Engine {
	r := gin.New()
	agent := r.Group("/agent", g.Middleware())
	agent.GET("/health", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"status": "ok"}) })
	agent.GET("/:id/profile", func(c *gin.Context) {
		out, _ := OutcomeFrom(c)
		c.JSON(http.StatusOK, gin.H{"decision": out.Decision})
	})
	return r
}

func TestMiddleware_NoPaymentReturns402(t *testing.T) {
	r := newRouter(testGate(t, &fakeVerifier{}))

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/agent/1/profile", nil))

	assert.Equal(t, http.StatusPaymentRequired, w.Code)
	assert.Equal(t, "true", w.Header().Get("X-Payment-Required"))
	assert.Equal(t, "USDC", w.Header().Get("X-Payment-Currency"))
	assert.Equal(t, "0.01", w.Header().Get("X-Payment-Amount"))
	assert.Equal(t, testPayTo, w.Header().Get("X-Payment-Recipient"))
	assert.Equal(t, "base-sepolia", w.Header().Get("X-Payment-Chain"))

	var body x402.PaymentRequiredResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, 1, body.X402Version)
	require.Len(t, body.Accepts, 1)
	assert.Equal(t, "10000", body.Accepts[0].MaxAmountRequired)
	assert.Equal(t, "https://gw.example/agent/1/profile", body.Accepts[0].Resource)
}

func TestMiddleware_FreePathIgnoresJunkHeader(t *testing.T) {
	r := newRouter(testGate(t, &fakeVerifier{}))

	req := httptest.NewRequest(http.MethodGet, "/agent/health", nil)
	req.Header.Set(x402.HeaderPayment, "not a payment")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
}

func TestMiddleware_MalformedHeaderIs402(t *testing.T) {
	r := newRouter(testGate(t, &fakeVerifier{}))

	req := httptest.NewRequest(http.MethodGet, "/agent/1/profile", nil)
	req.Header.Set(x402.HeaderPayment, "not a payment")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	assert.Equal(t, http.StatusPaymentRequired, w.Code)
	var body x402.PaymentRequiredResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Contains(t, body.Error, "malformed")
}

func TestMiddleware_PaidFlow(t *testing.T) {
	g := testGate(t, &fakeVerifier{})
	r := newRouter(g)

	// First call: collect the nonce.
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/agent/5/profile", nil))
	require.Equal(t, http.StatusPaymentRequired, w.Code)
	var required x402.PaymentRequiredResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &required))

	header, err := x402.NewPayment("base-sepolia", testTx, testPayer, required.Accepts[0].Extra.Nonce).Encode()
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/agent/5/profile", nil)
	req.Header.Set(x402.HeaderPayment, header)
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.JSONEq(t, `{"decision":"paid"}`, w.Body.String())

	settlement, err := x402.DecodeSettlement(w.Header().Get(x402.HeaderPaymentResponse))
	require.NoError(t, err)
	assert.True(t, settlement.Success)
	assert.Equal(t, testTx, settlement.Transaction)
	assert.Equal(t, testPayer, settlement.Payer)
}

func TestMiddleware_LegacyProofHeader(t *testing.T) {
	g := testGate(t, &fakeVerifier{})
	r := newRouter(g)
	p := payFor(t, g, rest("/agent/2/profile"))

	raw, err := json.Marshal(p.Payload)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/agent/2/profile", nil)
	req.Header.Set(x402.HeaderLegacyProof, string(raw))
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code, w.Body.String())
}

func TestMiddleware_ResourceFromHost(t *testing.T) {
	g := testGate(t, nil, func(c *Config) { c.PublicBaseURL = "" })
	r := newRouter(g)

	req := httptest.NewRequest(http.MethodGet, "/agent/1/profile?chain=base", nil)
	req.Host = "localhost:8080"
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	var body x402.PaymentRequiredResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "http://localhost:8080/agent/1/profile?chain=base", body.Accepts[0].Resource)
}
