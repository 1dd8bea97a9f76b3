// Package x402 implements the x402 payment protocol wire types: the 402
// requirements body, the X-PAYMENT proof header and the X-PAYMENT-RESPONSE
// settlement header.
package x402

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// Version is the protocol version spoken by this package.
const Version = 1

// SchemeExact is the only payment scheme supported: pay exactly the price.
const SchemeExact = "exact"

// Header names.
const (
	HeaderPayment         = "X-PAYMENT"
	HeaderPaymentResponse = "X-PAYMENT-RESPONSE"
	// HeaderLegacyProof carries a bare ProofPayload as raw JSON.
	HeaderLegacyProof = "X-Payment-Proof"
)

// ErrMalformedPayment is returned when a payment header cannot be decoded.
var ErrMalformedPayment = errors.New("x402: malformed payment header")

// Extra carries human-readable pricing alongside the atomic amount.
type Extra struct {
	Price    string `json:"price"`
	Currency string `json:"currency"`
	Nonce    string `json:"nonce,omitempty"`
}

// PaymentRequirements describes one accepted way to pay for a resource.
type PaymentRequirements struct {
	Scheme            string `json:"scheme"`
	Network           string `json:"network"`
	MaxAmountRequired string `json:"maxAmountRequired"`
	Resource          string `json:"resource"`
	Description       string `json:"description"`
	MimeType          string `json:"mimeType"`
	PayTo             string `json:"payTo"`
	MaxTimeoutSeconds int    `json:"maxTimeoutSeconds"`
	Asset             string `json:"asset"`
	Extra             *Extra `json:"extra,omitempty"`
}

// PaymentRequiredResponse is the body of a 402 reply.
type PaymentRequiredResponse struct {
	X402Version int                   `json:"x402Version"`
	Error       string                `json:"error"`
	Accepts     []PaymentRequirements `json:"accepts"`
}

// ProofPayload identifies the on-chain transfer that pays for a request.
type ProofPayload struct {
	TxHash    string `json:"txHash"`
	From      string `json:"from"`
	Nonce     string `json:"nonce,omitempty"`
	Timestamp int64  `json:"timestamp"`
}

// PaymentPayload is the decoded X-PAYMENT header.
type PaymentPayload struct {
	X402Version int          `json:"x402Version"`
	Scheme      string       `json:"scheme"`
	Network     string       `json:"network"`
	Payload     ProofPayload `json:"payload"`
}

// SettlementResponse is the decoded X-PAYMENT-RESPONSE header.
type SettlementResponse struct {
	Success     bool   `json:"success"`
	Transaction string `json:"transaction"`
	Network     string `json:"network"`
	Payer       string `json:"payer"`
	ErrorReason string `json:"errorReason,omitempty"`
}

// NewPayment builds a payment for a transfer that has already been mined.
func NewPayment(network, txHash, from, nonce string) *PaymentPayload {
	return &PaymentPayload{
		X402Version: Version,
		Scheme:      SchemeExact,
		Network:     network,
		Payload: ProofPayload{
			TxHash:    txHash,
			From:      from,
			Nonce:     nonce,
			Timestamp: time.Now().Unix(),
		},
	}
}

// Encode renders the payment as a base64 X-PAYMENT header value.
func (p *PaymentPayload) Encode() (string, error) {
	return encode(p)
}

// DecodePayment parses an X-PAYMENT header. Both base64 and raw JSON forms
// are accepted, and a bare ProofPayload is wrapped as an exact payment.
func DecodePayment(value string) (*PaymentPayload, error) {
	data, err := headerJSON(value)
	if err != nil {
		return nil, err
	}

	var probe struct {
		Payload json.RawMessage `json:"payload"`
		TxHash  string          `json:"txHash"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedPayment, err)
	}

	var p PaymentPayload
	switch {
	case len(probe.Payload) > 0:
		if err := json.Unmarshal(data, &p); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedPayment, err)
		}
	case probe.TxHash != "":
		if err := json.Unmarshal(data, &p.Payload); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedPayment, err)
		}
		p.X402Version, p.Scheme = Version, SchemeExact
	default:
		return nil, fmt.Errorf("%w: no payload", ErrMalformedPayment)
	}

	if p.Scheme == "" {
		p.Scheme = SchemeExact
	}
	if p.Payload.TxHash == "" {
		return nil, fmt.Errorf("%w: missing txHash", ErrMalformedPayment)
	}
	return &p, nil
}

// DecodeLegacyProof parses an X-Payment-Proof header (raw ProofPayload JSON).
func DecodeLegacyProof(value string) (*PaymentPayload, error) {
	var proof ProofPayload
	if err := json.Unmarshal([]byte(strings.TrimSpace(value)), &proof); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedPayment, err)
	}
	if proof.TxHash == "" {
		return nil, fmt.Errorf("%w: missing txHash", ErrMalformedPayment)
	}
	return &PaymentPayload{X402Version: Version, Scheme: SchemeExact, Payload: proof}, nil
}

// FromRequest extracts a payment from r. It returns (nil, nil) when the
// request carries no payment header at all.
func FromRequest(r *http.Request) (*PaymentPayload, error) {
	if v := r.Header.Get(HeaderPayment); v != "" {
		return DecodePayment(v)
	}
	if v := r.Header.Get(HeaderLegacyProof); v != "" {
		return DecodeLegacyProof(v)
	}
	return nil, nil
}

// Encode renders the settlement as a base64 X-PAYMENT-RESPONSE value.
func (s *SettlementResponse) Encode() (string, error) {
	return encode(s)
}

// DecodeSettlement parses an X-PAYMENT-RESPONSE header.
func DecodeSettlement(value string) (*SettlementResponse, error) {
	data, err := headerJSON(value)
	if err != nil {
		return nil, err
	}
	var s SettlementResponse
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedPayment, err)
	}
	return &s, nil
}

// Is402Response checks if an HTTP response is a 402 Payment Required
func Is402Response(resp *http.Response) bool {
	return resp.StatusCode == http.StatusPaymentRequired
}

// ParsePaymentRequired extracts the requirements body from a 402 response.
func ParsePaymentRequired(resp *http.Response) (*PaymentRequiredResponse, error) {
	if resp.StatusCode != http.StatusPaymentRequired {
		return nil, fmt.Errorf("not a 402 response: got %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	var prr PaymentRequiredResponse
	if err := json.Unmarshal(body, &prr); err != nil {
		return nil, fmt.Errorf("failed to parse payment requirements: %w", err)
	}
	if len(prr.Accepts) == 0 {
		return nil, errors.New("402 response lists no accepted payment")
	}
	return &prr, nil
}

func encode(v any) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(data), nil
}

// headerJSON returns the JSON bytes of a header value that is either raw
// JSON or base64 (standard or URL alphabet, padded or not).
func headerJSON(value string) ([]byte, error) {
	v := strings.TrimSpace(value)
	if v == "" {
		return nil, fmt.Errorf("%w: empty", ErrMalformedPayment)
	}
	if strings.HasPrefix(v, "{") {
		return []byte(v), nil
	}
	for _, enc := range []*base64.Encoding{
		base64.StdEncoding, base64.RawStdEncoding, base64.URLEncoding, base64.RawURLEncoding,
	} {
		if data, err := enc.DecodeString(v); err == nil {
			data = bytes.TrimSpace(data)
			if len(data) > 0 && data[0] == '{' {
				return data, nil
			}
		}
	}
	return nil, fmt.Errorf("%w: not base64 JSON", ErrMalformedPayment)
}
