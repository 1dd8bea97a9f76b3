package x402

import (
	"fmt"
	"net/http"
	"strings"
	"time"
)

// PaymentRequiredError is returned by Client when the server answers 402.
type PaymentRequiredError struct {
	Resource string
	Response *PaymentRequiredResponse
}

func (e *PaymentRequiredError) Error() string {
	if e.Response == nil || len(e.Response.Accepts) == 0 {
		return "payment required"
	}
	a := e.Response.Accepts[0]
	price := a.MaxAmountRequired + " atomic units"
	if a.Extra != nil && a.Extra.Price != "" {
		price = a.Extra.Price + " " + a.Extra.Currency
	}
	return fmt.Sprintf("payment required: %s to %s on %s", price, a.PayTo, a.Network)
}

// Client wraps http.Client, attaching a preconfigured payment header to
// every request and turning 402 replies into *PaymentRequiredError.
//
// It does not sign or submit transfers; the payment value is produced
// out of band (for example by a wallet) and supplied as-is.
type Client struct {
	httpClient *http.Client
	payment    string
}

// NewClient creates a client. payment is an X-PAYMENT header value and may
// be empty, in which case paid routes return *PaymentRequiredError.
func NewClient(payment string) *Client {
	return &Client{
		httpClient: &http.Client{Timeout: 60 * time.Second},
		payment:    strings.TrimSpace(payment),
	}
}

// WithHTTPClient replaces the underlying HTTP client.
func (c *Client) WithHTTPClient(hc *http.Client) *Client {
	c.httpClient = hc
	return c
}

// Do performs req. On 402 the body is consumed and closed and a
// *PaymentRequiredError is returned; any other response is returned as-is.
func (c *Client) Do(req *http.Request) (*http.Response, error) {
	if c.payment != "" {
		req.Header.Set(HeaderPayment, c.payment)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	if !Is402Response(resp) {
		return resp, nil
	}

	defer func() { _ = resp.Body.Close() }()
	prr, err := ParsePaymentRequired(resp)
	if err != nil {
		return nil, fmt.Errorf("payment required, unreadable requirements: %w", err)
	}
	return nil, &PaymentRequiredError{Resource: req.URL.String(), Response: prr}
}

// Settlement decodes the X-PAYMENT-RESPONSE header of resp, if present.
func Settlement(resp *http.Response) (*SettlementResponse, bool) {
	v := resp.Header.Get(HeaderPaymentResponse)
	if v == "" {
		return nil, false
	}
	s, err := DecodeSettlement(v)
	if err != nil {
		return nil, false
	}
	return s, true
}
