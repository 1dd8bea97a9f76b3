// Package erc8004 reads agent identity and reputation records from the
// ERC-8004 registries.
package erc8004

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/rpc"

	"github.com/mbd888/trustgate/internal/chains"
	"github.com/mbd888/trustgate/internal/circuitbreaker"
	"github.com/mbd888/trustgate/internal/metrics"
	"github.com/mbd888/trustgate/internal/traces"
)

// -----------------------------------------------------------------------------
// Errors
// -----------------------------------------------------------------------------

var (
	ErrInvalidAgentID = errors.New("erc8004: agent id must be a non-negative integer")
	ErrNotFound       = errors.New("erc8004: agent not found")
	ErrReverted       = errors.New("erc8004: call reverted")
	ErrNoMetadata     = errors.New("erc8004: metadata not set")
	ErrUpstream       = errors.New("erc8004: registry unavailable")
)

// -----------------------------------------------------------------------------
// Interfaces
// -----------------------------------------------------------------------------

// Caller is the subset of ethclient.Client the registry reader needs.
type Caller interface {
	CallContract(ctx context.Context, call ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	BlockNumber(ctx context.Context) (uint64, error)
}

// Dialer opens a Caller for one RPC URL.
type Dialer func(ctx context.Context, rawURL string) (Caller, error)

func dialEth(ctx context.Context, rawURL string) (Caller, error) {
	return ethclient.DialContext(ctx, rawURL)
}

// -----------------------------------------------------------------------------
// ABI
// -----------------------------------------------------------------------------

// Identity and reputation registry reads. Both contracts share one ABI
// here since method names do not collide.
const registryABIJSON = `[
	{"inputs":[{"name":"tokenId","type":"uint256"}],"name":"tokenURI","outputs":[{"name":"","type":"string"}],"stateMutability":"view","type":"function"},
	{"inputs":[{"name":"tokenId","type":"uint256"}],"name":"ownerOf","outputs":[{"name":"","type":"address"}],"stateMutability":"view","type":"function"},
	{"inputs":[{"name":"agentId","type":"uint256"},{"name":"key","type":"string"}],"name":"getMetadata","outputs":[{"name":"","type":"bytes"}],"stateMutability":"view","type":"function"},
	{"inputs":[{"name":"agentId","type":"uint256"},{"name":"clientAddresses","type":"address[]"},{"name":"tag1","type":"bytes32"},{"name":"tag2","type":"bytes32"},{"name":"includeRevoked","type":"bool"}],"name":"readAllFeedback","outputs":[{"name":"clients","type":"address[]"},{"name":"scores","type":"uint8[]"},{"name":"tag1s","type":"bytes32[]"},{"name":"tag2s","type":"bytes32[]"},{"name":"revokedStatuses","type":"bool[]"}],"stateMutability":"view","type":"function"}
]`

// MetadataWalletKey is the metadata key under which an agent may declare a
// payment wallet distinct from its owner.
const MetadataWalletKey = "agentWallet"

var registryABI = mustParseABI(registryABIJSON)

func mustParseABI(def string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(def))
	if err != nil {
		panic(fmt.Sprintf("erc8004: parse registry ABI: %v", err))
	}
	return parsed
}

// -----------------------------------------------------------------------------
// Client
// -----------------------------------------------------------------------------

// FeedbackSample is one non-revoked reputation entry.
type FeedbackSample struct {
	Score         float64 `json:"score"`
	ClientAddress string  `json:"clientAddress"`
}

// Client issues registry reads over a pool of RPC connections keyed by URL.
// It is safe for concurrent use.
type Client struct {
	dial    Dialer
	breaker *circuitbreaker.Breaker
	logger  *slog.Logger

	mu    sync.Mutex
	conns map[string]Caller
}

// Option configures a Client.
type Option func(*Client)

// WithDialer replaces the ethclient dialer (for testing).
func WithDialer(d Dialer) Option {
	return func(c *Client) { c.dial = d }
}

// WithBreaker sets the per-endpoint circuit breaker.
func WithBreaker(b *circuitbreaker.Breaker) Option {
	return func(c *Client) { c.breaker = b }
}

// WithLogger sets the client logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) { c.logger = l }
}

// NewClient creates a registry client.
func NewClient(opts ...Option) *Client {
	c := &Client{
		dial:    dialEth,
		breaker: circuitbreaker.New(3, 30*time.Second),
		logger:  slog.Default(),
		conns:   make(map[string]Caller),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// On binds the client to one chain's registries.
func (c *Client) On(chain chains.Chain) *Reader {
	return &Reader{client: c, chain: chain}
}

// Close releases pooled connections.
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for u, conn := range c.conns {
		if closer, ok := conn.(interface{ Close() }); ok {
			closer.Close()
		}
		delete(c.conns, u)
	}
}

func (c *Client) conn(ctx context.Context, rawURL string) (Caller, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if conn, ok := c.conns[rawURL]; ok {
		return conn, nil
	}
	conn, err := c.dial(ctx, rawURL)
	if err != nil {
		return nil, err
	}
	c.conns[rawURL] = conn
	return conn, nil
}

// do runs fn against each RPC URL in order until one answers. A transport
// failure moves on to the next URL; an execution error (revert) is an
// answer and stops the walk.
func (c *Client) do(ctx context.Context, urls []string, fn func(Caller) error) error {
	countable := func(err error) bool {
		return !isExecutionError(err) && ctx.Err() == nil
	}

	var lastErr error
	for _, u := range urls {
		err := c.breaker.Execute(u, func() error {
			conn, err := c.conn(ctx, u)
			if err != nil {
				return err
			}
			return fn(conn)
		}, countable)
		if err == nil {
			return nil
		}
		if isExecutionError(err) {
			return fmt.Errorf("%w: %v", ErrReverted, err)
		}
		if ctx.Err() != nil {
			return fmt.Errorf("%w: %v", ErrUpstream, ctx.Err())
		}
		c.logger.Debug("rpc endpoint failed, trying next", "endpoint", u, "error", err)
		lastErr = err
	}
	if lastErr == nil {
		lastErr = errors.New("no RPC endpoints configured")
	}
	return fmt.Errorf("%w: %v", ErrUpstream, lastErr)
}

func (c *Client) call(ctx context.Context, chain chains.Chain, to common.Address, method string, args ...any) ([]any, error) {
	ctx, span := traces.StartSpan(ctx, "erc8004."+method, traces.Chain(chain.Name), traces.Method(method))
	values, err := c.callUntraced(ctx, chain, to, method, args...)
	traces.End(span, err)

	result := "ok"
	switch {
	case errors.Is(err, ErrReverted):
		result = "reverted"
	case err != nil:
		result = "upstream"
	}
	metrics.RegistryCallsTotal.WithLabelValues(method, result).Inc()
	return values, err
}

func (c *Client) callUntraced(ctx context.Context, chain chains.Chain, to common.Address, method string, args ...any) ([]any, error) {
	input, err := registryABI.Pack(method, args...)
	if err != nil {
		return nil, fmt.Errorf("erc8004: pack %s: %w", method, err)
	}
	msg := ethereum.CallMsg{To: &to, Data: input}

	var out []byte
	err = c.do(ctx, chain.RPCURLs, func(conn Caller) error {
		var callErr error
		out, callErr = conn.CallContract(ctx, msg, nil)
		return callErr
	})
	if err != nil {
		return nil, err
	}
	// Calls to an address without code succeed with empty output.
	if len(out) == 0 {
		return nil, fmt.Errorf("%w: %s returned no data", ErrReverted, method)
	}
	values, err := registryABI.Unpack(method, out)
	if err != nil {
		return nil, fmt.Errorf("%w: decode %s: %v", ErrUpstream, method, err)
	}
	return values, nil
}

// isExecutionError reports whether err is the node's answer that the call
// reverted, as opposed to the node failing to answer.
func isExecutionError(err error) bool {
	var rpcErr rpc.Error
	if !errors.As(err, &rpcErr) {
		return false
	}
	if rpcErr.ErrorCode() == 3 {
		return true
	}
	return strings.Contains(strings.ToLower(rpcErr.Error()), "revert")
}

// -----------------------------------------------------------------------------
// Reader
// -----------------------------------------------------------------------------

// Reader performs registry reads on one chain.
type Reader struct {
	client *Client
	chain  chains.Chain
}

// Chain returns the chain this reader is bound to.
func (r *Reader) Chain() chains.Chain {
	return r.chain
}

// TokenURI returns the registration URI of an agent.
func (r *Reader) TokenURI(ctx context.Context, id AgentID) (string, error) {
	values, err := r.client.call(ctx, r.chain, r.chain.IdentityRegistry, "tokenURI", id.Big())
	if err != nil {
		return "", identityErr(err)
	}
	uri, ok := values[0].(string)
	if !ok {
		return "", fmt.Errorf("%w: unexpected tokenURI result %T", ErrUpstream, values[0])
	}
	return uri, nil
}

// OwnerOf returns the checksummed owner address of an agent.
func (r *Reader) OwnerOf(ctx context.Context, id AgentID) (string, error) {
	values, err := r.client.call(ctx, r.chain, r.chain.IdentityRegistry, "ownerOf", id.Big())
	if err != nil {
		return "", identityErr(err)
	}
	owner, ok := values[0].(common.Address)
	if !ok {
		return "", fmt.Errorf("%w: unexpected ownerOf result %T", ErrUpstream, values[0])
	}
	return owner.Hex(), nil
}

// AgentWallet returns the wallet an agent declared in its on-chain
// metadata. ErrNoMetadata means nothing usable is set.
func (r *Reader) AgentWallet(ctx context.Context, id AgentID) (string, error) {
	values, err := r.client.call(ctx, r.chain, r.chain.IdentityRegistry, "getMetadata", id.Big(), MetadataWalletKey)
	if err != nil {
		if errors.Is(err, ErrReverted) {
			return "", ErrNoMetadata
		}
		return "", err
	}
	raw, ok := values[0].([]byte)
	if !ok {
		return "", fmt.Errorf("%w: unexpected getMetadata result %T", ErrUpstream, values[0])
	}
	wallet, ok := decodeWallet(raw)
	if !ok {
		return "", ErrNoMetadata
	}
	return wallet, nil
}

// ReadFeedback returns all non-revoked feedback for an agent. An agent with
// no feedback yields an empty slice, not an error.
func (r *Reader) ReadFeedback(ctx context.Context, id AgentID) ([]FeedbackSample, error) {
	values, err := r.client.call(ctx, r.chain, r.chain.ReputationRegistry, "readAllFeedback",
		id.Big(), []common.Address{}, [32]byte{}, [32]byte{}, false)
	if err != nil {
		if errors.Is(err, ErrReverted) {
			// The reputation registry reverts for agents it has never seen.
			return []FeedbackSample{}, nil
		}
		return nil, err
	}

	clients, ok1 := values[0].([]common.Address)
	scores, ok2 := values[1].([]uint8)
	revoked, ok3 := values[4].([]bool)
	if !ok1 || !ok2 || !ok3 || len(clients) != len(scores) {
		return nil, fmt.Errorf("%w: malformed readAllFeedback result", ErrUpstream)
	}

	samples := make([]FeedbackSample, 0, len(scores))
	for i, score := range scores {
		if i < len(revoked) && revoked[i] {
			continue
		}
		samples = append(samples, FeedbackSample{
			Score:         float64(score),
			ClientAddress: clients[i].Hex(),
		})
	}
	return samples, nil
}

// Ping checks that at least one RPC endpoint of the chain answers.
func (r *Reader) Ping(ctx context.Context) error {
	return r.client.do(ctx, r.chain.RPCURLs, func(conn Caller) error {
		_, err := conn.BlockNumber(ctx)
		return err
	})
}

func identityErr(err error) error {
	if errors.Is(err, ErrReverted) {
		return fmt.Errorf("%w: %v", ErrNotFound, err)
	}
	return err
}

// decodeWallet accepts the encodings seen in the wild for agentWallet
// metadata: a raw 20-byte address, a 32-byte ABI word, or text (optionally
// CAIP-10 "eip155:<chain>:<address>").
func decodeWallet(raw []byte) (string, bool) {
	switch {
	case len(raw) == 0:
		return "", false
	case len(raw) == common.AddressLength:
		return common.BytesToAddress(raw).Hex(), true
	case len(raw) == 32 && isZero(raw[:12]):
		return common.BytesToAddress(raw[12:]).Hex(), true
	}

	if !utf8.Valid(raw) {
		return "", false
	}
	text := strings.TrimSpace(string(raw))
	if i := strings.LastIndex(text, ":"); i >= 0 {
		text = text[i+1:]
	}
	if text == "" {
		return "", false
	}
	return text, true
}

func isZero(b []byte) bool {
	for _, v := range b {
		if v != 0 {
			return false
		}
	}
	return true
}
