// Package paywall decides whether a request must be paid for and enforces
// payment with the x402 protocol. The decision is the same whichever
// transport (REST or JSON-RPC) carried the request.
package paywall

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/mbd888/trustgate/internal/metrics"
	"github.com/mbd888/trustgate/pkg/x402"
)

// Transport identifies how a request reached the gateway.
type Transport string

const (
	TransportREST    Transport = "rest"
	TransportJSONRPC Transport = "jsonrpc"
)

// Request describes an inbound request for a payment decision.
type Request struct {
	Transport Transport
	// Path is the URL path for REST requests.
	Path string
	// RPCMethod is the JSON-RPC method name for envelope requests.
	RPCMethod string
	// Resource is the absolute URL advertised in a 402 reply.
	Resource string
	// Bypass marks a trusted internal call.
	Bypass bool
}

// Decision classifies a request before any verification.
type Decision string

const (
	DecisionFree   Decision = "free"
	DecisionBypass Decision = "bypass"
	DecisionPaid   Decision = "paid"
)

// Outcome is the result of Enforce. Exactly one of Allowed or Required
// describes what to do next.
type Outcome struct {
	Allowed    bool
	Decision   Decision
	Reason     string
	Price      PriceEntry
	Required   *x402.PaymentRequiredResponse
	Settlement *x402.SettlementResponse
}

// Requirement is what a payment has to satisfy.
type Requirement struct {
	PayTo   string
	Network string
	Asset   string
	Price   PriceEntry
}

// Verifier validates a payment against a requirement and returns the
// settlement details echoed to the caller.
type Verifier interface {
	Verify(ctx context.Context, p *x402.PaymentPayload, req Requirement) (*x402.SettlementResponse, error)
}

// Config holds the static gate settings.
type Config struct {
	// PaidPrefix is the paid REST namespace, e.g. "/agent/".
	PaidPrefix string
	// FreePaths are exact paths inside the paid namespace that are free.
	FreePaths []string
	// PaidRPCMethods are the JSON-RPC methods that submit work.
	PaidRPCMethods []string
	// Bypass disables enforcement process-wide.
	Bypass bool

	PayTo         string
	Network       string
	Asset         string
	PublicBaseURL string
	// ValidFor is the nonce lifetime and the maxTimeoutSeconds advertised.
	ValidFor time.Duration
}

// DefaultConfig returns the gateway's route classification.
func DefaultConfig() Config {
	return Config{
		PaidPrefix:     "/agent/",
		FreePaths:      []string{"/agent/health", "/agent/entrypoints"},
		PaidRPCMethods: []string{"message/send", "message/stream"},
		ValidFor:       5 * time.Minute,
	}
}

// Gate is the payment enforcement point.
type Gate struct {
	cfg       Config
	freePaths map[string]bool
	paidRPC   map[string]bool
	prices    *PriceTable
	verifier  Verifier
	nonces    *nonceStore
	logger    *slog.Logger
}

// NewGate creates a gate. A nil verifier rejects every paid request that
// is not bypassed.
func NewGate(cfg Config, prices *PriceTable, verifier Verifier, logger *slog.Logger) *Gate {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.ValidFor <= 0 {
		cfg.ValidFor = 5 * time.Minute
	}
	g := &Gate{
		cfg:       cfg,
		freePaths: make(map[string]bool, len(cfg.FreePaths)),
		paidRPC:   make(map[string]bool, len(cfg.PaidRPCMethods)),
		prices:    prices,
		verifier:  verifier,
		nonces:    newNonceStore(),
		logger:    logger.With("component", "paywall"),
	}
	g.nonces.maxAge = 2 * cfg.ValidFor
	for _, p := range cfg.FreePaths {
		g.freePaths[p] = true
	}
	for _, m := range cfg.PaidRPCMethods {
		g.paidRPC[m] = true
	}
	return g
}

// Prices returns the gate's price table.
func (g *Gate) Prices() *PriceTable {
	return g.prices
}

// RequiresPayment reports whether req is in the paid set, ignoring bypass.
func (g *Gate) RequiresPayment(req Request) bool {
	switch req.Transport {
	case TransportJSONRPC:
		return g.paidRPC[req.RPCMethod]
	case TransportREST:
		if g.freePaths[req.Path] {
			return false
		}
		return g.cfg.PaidPrefix != "" && strings.HasPrefix(req.Path, g.cfg.PaidPrefix)
	default:
		return false
	}
}

// Classify returns the decision for req before any payment is looked at.
func (g *Gate) Classify(req Request) Decision {
	if !g.RequiresPayment(req) {
		return DecisionFree
	}
	if g.cfg.Bypass || req.Bypass {
		return DecisionBypass
	}
	return DecisionPaid
}

// Enforce decides whether req may proceed. payment and paymentErr are the
// result of decoding the caller's payment header; both may be nil.
// Nothing is consumed for free or bypassed requests.
func (g *Gate) Enforce(ctx context.Context, req Request, payment *x402.PaymentPayload, paymentErr error) Outcome {
	decision := g.Classify(req)
	if decision != DecisionPaid {
		metrics.PaymentDecisionsTotal.WithLabelValues(string(req.Transport), string(decision)).Inc()
		return Outcome{Allowed: true, Decision: decision}
	}

	price := g.prices.Lookup(req)
	settlement, err := g.verify(ctx, price, payment, paymentErr)
	if err != nil {
		metrics.PaymentDecisionsTotal.WithLabelValues(string(req.Transport), "rejected").Inc()
		g.logger.Info("payment rejected",
			"transport", req.Transport, "path", req.Path, "rpc_method", req.RPCMethod, "reason", err.Error())
		return g.reject(req, price, err)
	}

	metrics.PaymentDecisionsTotal.WithLabelValues(string(req.Transport), "paid").Inc()
	return Outcome{Allowed: true, Decision: DecisionPaid, Price: price, Settlement: settlement}
}

var (
	errNoPayment    = errors.New("X-PAYMENT header is required")
	errNoVerifier   = errors.New("payment verification is unavailable")
	errNonce        = errors.New("invalid or expired nonce")
	errStaleProof   = errors.New("payment proof expired or has future timestamp")
	errTxHashFormat = errors.New("invalid transaction hash format")
	errFromFormat   = errors.New("invalid payer address format")
	errWrongScheme  = errors.New("unsupported payment scheme")
	errWrongNetwork = errors.New("payment is for a different network")
)

var (
	txHashRe  = regexp.MustCompile(`^0x[0-9a-fA-F]{64}$`)
	addressRe = regexp.MustCompile(`^0x[0-9a-fA-F]{40}$`)
)

func (g *Gate) verify(ctx context.Context, price PriceEntry, p *x402.PaymentPayload, perr error) (*x402.SettlementResponse, error) {
	if perr != nil {
		return nil, perr
	}
	if p == nil {
		return nil, errNoPayment
	}
	if g.verifier == nil {
		return nil, errNoVerifier
	}
	if p.Scheme != "" && p.Scheme != x402.SchemeExact {
		return nil, errWrongScheme
	}
	if p.Network != "" && g.cfg.Network != "" && p.Network != g.cfg.Network {
		return nil, errWrongNetwork
	}

	proof := p.Payload
	if !strings.HasPrefix(proof.TxHash, "0x") {
		proof.TxHash = "0x" + proof.TxHash
	}
	if !txHashRe.MatchString(proof.TxHash) {
		return nil, errTxHashFormat
	}
	if !addressRe.MatchString(proof.From) {
		return nil, errFromFormat
	}
	if proof.Timestamp > 0 {
		age := time.Since(time.Unix(proof.Timestamp, 0))
		if age > g.cfg.ValidFor || age < -30*time.Second {
			return nil, errStaleProof
		}
	}
	// Nonces are single use; a failed verification burns it.
	if proof.Nonce == "" || !g.nonces.consume(proof.Nonce, g.cfg.ValidFor) {
		return nil, errNonce
	}

	normalized := *p
	normalized.Payload = proof
	settlement, err := g.verifier.Verify(ctx, &normalized, Requirement{
		PayTo:   g.cfg.PayTo,
		Network: g.cfg.Network,
		Asset:   g.cfg.Asset,
		Price:   price,
	})
	if err != nil {
		return nil, fmt.Errorf("payment verification failed: %w", err)
	}
	return settlement, nil
}

func (g *Gate) reject(req Request, price PriceEntry, reason error) Outcome {
	nonce, err := generateSecureNonce()
	if err != nil {
		g.logger.Error("nonce generation failed", "error", err)
	} else {
		g.nonces.issue(nonce)
	}

	resource := req.Resource
	if resource == "" {
		resource = strings.TrimRight(g.cfg.PublicBaseURL, "/") + req.Path
	}
	return Outcome{
		Decision: DecisionPaid,
		Reason:   reason.Error(),
		Price:    price,
		Required: &x402.PaymentRequiredResponse{
			X402Version: x402.Version,
			Error:       reason.Error(),
			Accepts: []x402.PaymentRequirements{{
				Scheme:            x402.SchemeExact,
				Network:           g.cfg.Network,
				MaxAmountRequired: price.Amount().String(),
				Resource:          resource,
				Description:       price.Description,
				MimeType:          "application/json",
				PayTo:             g.cfg.PayTo,
				MaxTimeoutSeconds: int(g.cfg.ValidFor.Seconds()),
				Asset:             g.cfg.Asset,
				Extra:             &x402.Extra{Price: price.Price, Currency: "USDC", Nonce: nonce},
			}},
		},
	}
}

// nonceSweepInterval is the minimum time between purges of expired nonces.
// consume checks age itself, so entries outliving maxAge until the next
// sweep are never accepted.
const nonceSweepInterval = time.Minute

// nonceStore tracks issued nonces to prevent replay attacks.
type nonceStore struct {
	mu        sync.Mutex
	nonces    map[string]time.Time // nonce -> issued-at
	maxAge    time.Duration
	lastSweep time.Time
	now       func() time.Time
}

func newNonceStore() *nonceStore {
	return &nonceStore{nonces: make(map[string]time.Time), maxAge: 10 * time.Minute, now: time.Now}
}

func (ns *nonceStore) issue(nonce string) {
	ns.mu.Lock()
	defer ns.mu.Unlock()
	now := ns.now()
	ns.nonces[nonce] = now
	if now.Sub(ns.lastSweep) < nonceSweepInterval {
		return
	}
	ns.lastSweep = now
	cutoff := now.Add(-ns.maxAge)
	for k, t := range ns.nonces {
		if t.Before(cutoff) {
			delete(ns.nonces, k)
		}
	}
}

func (ns *nonceStore) consume(nonce string, maxAge time.Duration) bool {
	ns.mu.Lock()
	defer ns.mu.Unlock()
	issued, ok := ns.nonces[nonce]
	if !ok {
		return false
	}
	delete(ns.nonces, nonce) // One-time use
	return ns.now().Sub(issued) <= maxAge
}

// generateSecureNonce creates a cryptographically secure nonce
func generateSecureNonce() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}
	return hex.EncodeToString(b), nil
}
