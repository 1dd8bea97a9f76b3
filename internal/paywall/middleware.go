package paywall

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/trustgate/pkg/x402"
)

const outcomeKey = "paywall_outcome"

// Middleware gates REST routes. Validation middleware that must reject bad
// input without charging belongs before it in the chain.
func (g *Gate) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !g.Authorize(c, g.RESTRequest(c)) {
			return
		}
		c.Next()
	}
}

// RESTRequest describes the current gin request for the gate.
func (g *Gate) RESTRequest(c *gin.Context) Request {
	return Request{
		Transport: TransportREST,
		Path:      c.Request.URL.Path,
		Resource:  g.resourceURL(c.Request),
	}
}

// Authorize enforces payment for req. On rejection it writes the 402 reply,
// aborts the chain and returns false. On success it sets the settlement
// header, if any, and records the outcome on the context.
func (g *Gate) Authorize(c *gin.Context, req Request) bool {
	// Decoding is skipped for free routes so a junk header cannot fail them.
	var (
		payment *x402.PaymentPayload
		perr    error
	)
	if g.Classify(req) == DecisionPaid {
		payment, perr = x402.FromRequest(c.Request)
	}

	out := g.Enforce(c.Request.Context(), req, payment, perr)
	if !out.Allowed {
		WriteRejection(c, out)
		return false
	}
	if out.Settlement != nil {
		if v, err := out.Settlement.Encode(); err == nil {
			c.Header(x402.HeaderPaymentResponse, v)
		}
	}
	c.Set(outcomeKey, out)
	return true
}

// WriteRejection writes a 402 reply for out and aborts the chain.
func WriteRejection(c *gin.Context, out Outcome) {
	if out.Required != nil && len(out.Required.Accepts) > 0 {
		a := out.Required.Accepts[0]
		c.Header("X-Payment-Required", "true")
		c.Header("X-Payment-Currency", "USDC")
		c.Header("X-Payment-Amount", out.Price.Price)
		c.Header("X-Payment-Recipient", a.PayTo)
		c.Header("X-Payment-Chain", a.Network)
	}
	c.AbortWithStatusJSON(http.StatusPaymentRequired, out.Required)
}

// OutcomeFrom returns the gate outcome recorded for this request, if any.
func OutcomeFrom(c *gin.Context) (Outcome, bool) {
	v, ok := c.Get(outcomeKey)
	if !ok {
		return Outcome{}, false
	}
	out, ok := v.(Outcome)
	return out, ok
}

func (g *Gate) resourceURL(r *http.Request) string {
	if base := strings.TrimRight(g.cfg.PublicBaseURL, "/"); base != "" {
		return base + r.URL.RequestURI()
	}
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	return scheme + "://" + r.Host + r.URL.RequestURI()
}
