package trust

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/trustgate/internal/chains"
	"github.com/mbd888/trustgate/internal/checks"
	"github.com/mbd888/trustgate/internal/erc8004"
	"github.com/mbd888/trustgate/internal/paywall"
	"github.com/mbd888/trustgate/internal/registration"
	"github.com/mbd888/trustgate/internal/scoring"
)

const (
	testOwner = "0x1111111111111111111111111111111111111111"
	testPayTo = "0x2222222222222222222222222222222222222222"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type stubRegistry struct {
	uri         string
	uriErr      error
	owner       string
	ownerErr    error
	feedback    []erc8004.FeedbackSample
	feedbackErr error

	uriCalls atomic.Int32
}

func (s *stubRegistry) TokenURI(context.Context, erc8004.AgentID) (string, error) {
	s.uriCalls.Add(1)
	return s.uri, s.uriErr
}

func (s *stubRegistry) OwnerOf(context.Context, erc8004.AgentID) (string, error) {
	return s.owner, s.ownerErr
}

func (s *stubRegistry) AgentWallet(context.Context, erc8004.AgentID) (string, error) {
	return "", erc8004.ErrNoMetadata
}

func (s *stubRegistry) ReadFeedback(context.Context, erc8004.AgentID) ([]erc8004.FeedbackSample, error) {
	return s.feedback, s.feedbackErr
}

type reachableProber struct{}

func (reachableProber) Probe(context.Context, string) checks.ProbeResult {
	return checks.ProbeResult{Status: checks.ProbeReachable, HTTPStatus: http.StatusOK}
}

func dataURI(t *testing.T, doc map[string]any) string {
	t.Helper()
	raw, err := json.Marshal(doc)
	require.NoError(t, err)
	return "data:application/json;base64," + base64.StdEncoding.EncodeToString(raw)
}

func completeDoc() map[string]any {
	return map[string]any{
		"name":           "Oracle",
		"description":    "A price oracle agent that answers quotes for a dozen token pairs on Base.",
		"endpoints":      []map[string]any{{"name": "A2A", "endpoint": "https://oracle.example/a2a"}},
		"supportedTrust": []string{"reputation"},
	}
}

func newTestService(t *testing.T, reg *stubRegistry) (*Service, *chains.Table) {
	t.Helper()
	table, err := chains.NewTable("base-sepolia", chains.Builtin())
	require.NoError(t, err)
	svc := NewService(
		table,
		func(chains.Chain) Registry { return reg },
		registration.NewResolver(),
		checks.NewPipeline(reachableProber{}, slog.Default()),
		slog.Default(),
	)
	return svc, table
}

func TestService_Profile(t *testing.T) {
	reg := &stubRegistry{uri: dataURI(t, completeDoc()), owner: testOwner}
	svc, table := newTestService(t, reg)

	p, err := svc.Profile(context.Background(), 7, table.Resolve("base"))
	require.NoError(t, err)
	assert.Equal(t, "7", p.AgentID)
	assert.Equal(t, "base", p.Chain)
	assert.Equal(t, testOwner, p.Owner)
	assert.Equal(t, "Oracle", p.Registration.Name)
	assert.Empty(t, p.Warnings)
}

func TestService_ProfileOwnerFailureIsAWarning(t *testing.T) {
	reg := &stubRegistry{uri: dataURI(t, completeDoc()), ownerErr: erc8004.ErrUpstream}
	svc, table := newTestService(t, reg)

	p, err := svc.Profile(context.Background(), 7, table.Default())
	require.NoError(t, err)
	assert.Empty(t, p.Owner)
	assert.Equal(t, []string{"owner lookup failed"}, p.Warnings)
}

func TestService_Score(t *testing.T) {
	reg := &stubRegistry{
		uri:      dataURI(t, completeDoc()),
		feedback: []erc8004.FeedbackSample{{Score: 90}, {Score: 90}},
	}
	svc, table := newTestService(t, reg)

	s, err := svc.Score(context.Background(), 1, table.Default())
	require.NoError(t, err)
	assert.Equal(t, 2, s.FeedbackCount)
	assert.Equal(t, 90.0, s.AverageFeedback)
	// 90 + 60*0.3 + (6+20)*0.2 = 113.2, clamped.
	assert.Equal(t, 100, s.TrustScore.Score)
	assert.Equal(t, scoring.VerdictHighlyTrusted, s.TrustScore.Verdict)
}

func TestService_ScoreFeedbackFailureScoresAsNone(t *testing.T) {
	reg := &stubRegistry{uri: dataURI(t, completeDoc()), feedbackErr: erc8004.ErrUpstream}
	svc, table := newTestService(t, reg)

	s, err := svc.Score(context.Background(), 1, table.Default())
	require.NoError(t, err)
	assert.Equal(t, 0, s.FeedbackCount)
	assert.Equal(t, 50.0, s.TrustScore.Breakdown.FeedbackScore)
	assert.Equal(t, 0.0, s.TrustScore.Breakdown.ReputationConfidence)
	assert.Len(t, s.Warnings, 1)
}

func TestService_ValidateFlattensReport(t *testing.T) {
	reg := &stubRegistry{uri: dataURI(t, completeDoc()), owner: testOwner}
	svc, table := newTestService(t, reg)

	v, err := svc.Validate(context.Background(), 3, table.Default(), []checks.Check{checks.CheckWallet})
	require.NoError(t, err)

	raw, err := json.Marshal(v)
	require.NoError(t, err)
	var body map[string]any
	require.NoError(t, json.Unmarshal(raw, &body))
	assert.Equal(t, "3", body["agentId"])
	assert.Equal(t, "base-sepolia", body["chain"])
	assert.Equal(t, "validated", body["overallVerdict"])
	assert.Contains(t, body, "walletStatus")
	assert.NotContains(t, body, "endpointStatus")
}

func TestService_RunRejectsBadInput(t *testing.T) {
	reg := &stubRegistry{uri: dataURI(t, completeDoc())}
	svc, _ := newTestService(t, reg)

	for _, in := range []Input{
		{AgentID: ""},
		{AgentID: "-1"},
		{AgentID: "0x10"},
		{AgentID: "1.5"},
		{AgentID: "abc"},
		{AgentID: "1", Checks: []string{"dns"}},
	} {
		_, err := svc.Run(context.Background(), OpValidate, in)
		e := Describe(err)
		assert.Equal(t, http.StatusBadRequest, e.Status, in)
		assert.NotEmpty(t, e.Fields)
	}
	assert.Zero(t, reg.uriCalls.Load(), "invalid input must not reach the registry")
}

func TestDescribe(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"registry not found", erc8004.ErrNotFound, http.StatusNotFound},
		{"document not found", &registration.Error{Kind: registration.KindNotFound, Status: 404}, http.StatusNotFound},
		{"gateway failure", &registration.Error{Kind: registration.KindUpstream, Status: 503}, http.StatusBadGateway},
		{"rpc down", erc8004.ErrUpstream, http.StatusBadGateway},
		{"deadline", context.DeadlineExceeded, http.StatusBadGateway},
		{"other", errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := Describe(tt.err)
			assert.Equal(t, tt.want, e.Status)
			assert.NotContains(t, e.Message, "boom")
		})
	}
}

func TestPricesEntries(t *testing.T) {
	prices, err := paywall.NewPriceTable(
		paywall.PriceEntry{Price: "0.05"},
		Prices{Profile: "0.001", Score: "0.01", Validate: "0.02", Message: "0.03"}.PriceEntries()...,
	)
	require.NoError(t, err)

	assert.Equal(t, "0.001", prices.PriceFor("/agent/42/profile"))
	assert.Equal(t, "0.001", prices.PriceFor("/agent/profile/invoke"))
	assert.Equal(t, "0.01", prices.PriceFor("/agent/42/score"))
	assert.Equal(t, "0.02", prices.PriceFor("/agent/validate/invoke"))
	assert.Equal(t, "0.03", prices.Lookup(paywall.Request{Transport: paywall.TransportJSONRPC, RPCMethod: "message/send"}).Price)
}

// -----------------------------------------------------------------------------
// HTTP
// -----------------------------------------------------------------------------

func newTestRouter(t *testing.T, reg *stubRegistry, bypass bool) *gin.Engine {
	t.Helper()
	svc, _ := newTestService(t, reg)
	prices, err := paywall.NewPriceTable(
		paywall.PriceEntry{Price: "0.01"},
		Prices{Profile: "0.01", Score: "0.01", Validate: "0.02", Message: "0.01"}.PriceEntries()...,
	)
	require.NoError(t, err)

	cfg := paywall.DefaultConfig()
	cfg.PayTo = testPayTo
	cfg.Network = "base-sepolia"
	cfg.Bypass = bypass
	gate := paywall.NewGate(cfg, prices, nil, slog.Default())

	r := gin.New()
	NewHandler(svc, gate).RegisterRoutes(r.Group("/agent"))
	return r
}

func do(r http.Handler, method, path, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestREST_BadAgentIDIs400BeforePayment(t *testing.T) {
	reg := &stubRegistry{uri: dataURI(t, completeDoc())}
	r := newTestRouter(t, reg, false)

	for _, path := range []string{"/agent/abc/profile", "/agent/-3/score", "/agent/1e5/validate"} {
		w := do(r, http.MethodGet, path, "")
		assert.Equal(t, http.StatusBadRequest, w.Code, path)

		var body map[string]any
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
		assert.Equal(t, "invalid_request", body["error"])
		assert.NotEmpty(t, body["fields"])
	}
	assert.Zero(t, reg.uriCalls.Load())
}

func TestREST_UnknownCheckIs400(t *testing.T) {
	r := newTestRouter(t, &stubRegistry{}, false)
	w := do(r, http.MethodGet, "/agent/1/validate?checks=wallet,dns", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestREST_PaymentRequired(t *testing.T) {
	reg := &stubRegistry{uri: dataURI(t, completeDoc())}
	r := newTestRouter(t, reg, false)

	w := do(r, http.MethodGet, "/agent/1/validate", "")
	assert.Equal(t, http.StatusPaymentRequired, w.Code)
	assert.Equal(t, "0.02", w.Header().Get("X-Payment-Amount"))
	assert.Zero(t, reg.uriCalls.Load())
}

func TestREST_Bypassed(t *testing.T) {
	reg := &stubRegistry{uri: dataURI(t, completeDoc()), owner: testOwner}
	r := newTestRouter(t, reg, true)

	w := do(r, http.MethodGet, "/agent/9/profile?chain=base", "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var p Profile
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &p))
	assert.Equal(t, "9", p.AgentID)
	assert.Equal(t, "base", p.Chain)
}

func TestREST_UnknownChainFallsBack(t *testing.T) {
	reg := &stubRegistry{uri: dataURI(t, completeDoc()), owner: testOwner}
	r := newTestRouter(t, reg, true)

	for _, sel := range []string{"dogechain", "base_sepolia", "a.b", "polygon.zkevm", "Base%20Sepolia", "%3Cscript%3E"} {
		t.Run(sel, func(t *testing.T) {
			w := do(r, http.MethodGet, "/agent/9/score?chain="+sel, "")
			require.Equal(t, http.StatusOK, w.Code, w.Body.String())
			var s Score
			require.NoError(t, json.Unmarshal(w.Body.Bytes(), &s))
			assert.Equal(t, "base-sepolia", s.Chain)
		})
	}

	w := do(r, http.MethodPost, "/agent/score/invoke", `{"input":{"agentId":"9","chain":"base_sepolia"}}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Contains(t, w.Body.String(), `"chain":"base-sepolia"`)
}

func TestREST_NotFoundAndUpstream(t *testing.T) {
	w := do(newTestRouter(t, &stubRegistry{uriErr: erc8004.ErrNotFound}, true), http.MethodGet, "/agent/9/profile", "")
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = do(newTestRouter(t, &stubRegistry{uriErr: erc8004.ErrUpstream}, true), http.MethodGet, "/agent/9/profile", "")
	assert.Equal(t, http.StatusBadGateway, w.Code)
	assert.NotContains(t, w.Body.String(), "erc8004")
}

func TestInvoke(t *testing.T) {
	reg := &stubRegistry{uri: dataURI(t, completeDoc()), owner: testOwner}
	r := newTestRouter(t, reg, true)

	w := do(r, http.MethodPost, "/agent/validate/invoke", `{"input":{"agentId":"4","checks":["wallet"]}}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var body struct {
		Output map[string]any `json:"output"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "4", body.Output["agentId"])
	assert.Equal(t, []any{"wallet"}, body.Output["checks"])
}

func TestInvoke_Errors(t *testing.T) {
	reg := &stubRegistry{uri: dataURI(t, completeDoc())}
	r := newTestRouter(t, reg, false)

	tests := []struct {
		name string
		path string
		body string
		want int
	}{
		{"unknown operation", "/agent/teleport/invoke", `{"input":{"agentId":"1"}}`, http.StatusNotFound},
		{"not json", "/agent/score/invoke", `agentId=1`, http.StatusBadRequest},
		{"missing input", "/agent/score/invoke", `{}`, http.StatusBadRequest},
		{"numeric id", "/agent/score/invoke", `{"input":{"agentId":1}}`, http.StatusBadRequest},
		{"bad id", "/agent/score/invoke", `{"input":{"agentId":"x1"}}`, http.StatusBadRequest},
		{"unknown check", "/agent/validate/invoke", `{"input":{"agentId":"1","checks":["x"]}}`, http.StatusBadRequest},
		{"unpaid", "/agent/score/invoke", `{"input":{"agentId":"1"}}`, http.StatusPaymentRequired},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := do(r, http.MethodPost, tt.path, tt.body)
			assert.Equal(t, tt.want, w.Code, w.Body.String())
		})
	}
	assert.Zero(t, reg.uriCalls.Load())
}
