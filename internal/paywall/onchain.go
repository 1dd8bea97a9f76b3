package paywall

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"

	"github.com/mbd888/trustgate/internal/retry"
	"github.com/mbd888/trustgate/internal/traces"
	"github.com/mbd888/trustgate/pkg/x402"
)

var (
	ErrTxNotMined         = errors.New("transaction not mined")
	ErrTxFailed           = errors.New("transaction reverted")
	ErrTxAlreadyUsed      = errors.New("transaction already used for a payment")
	ErrNoMatchingTransfer = errors.New("no matching USDC transfer in transaction")
)

// transferTopic is keccak256("Transfer(address,address,uint256)").
var transferTopic = crypto.Keccak256Hash([]byte("Transfer(address,address,uint256)"))

// ReceiptReader fetches transaction receipts.
type ReceiptReader interface {
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
}

// DefaultReceiptRetry covers a payer that sends X-PAYMENT right after
// broadcasting, before the transfer is mined or visible to our node.
var DefaultReceiptRetry = retry.Policy{Attempts: 4, BaseDelay: 500 * time.Millisecond, MaxDelay: 2 * time.Second}

// OnchainVerifier accepts a payment when the referenced transaction emitted
// a USDC Transfer from the payer to the pay-to address for at least the
// price. Each transaction can settle one request only.
type OnchainVerifier struct {
	reader ReceiptReader
	asset  common.Address
	retry  retry.Policy

	mu   sync.Mutex
	used map[common.Hash]time.Time
}

// VerifierOption configures an OnchainVerifier.
type VerifierOption func(*OnchainVerifier)

// WithReceiptRetry sets how receipt lookups are retried.
func WithReceiptRetry(p retry.Policy) VerifierOption {
	return func(v *OnchainVerifier) { v.retry = p }
}

// NewOnchainVerifier creates a verifier reading receipts from reader.
// asset is the USDC contract whose Transfer logs count.
func NewOnchainVerifier(reader ReceiptReader, asset common.Address, opts ...VerifierOption) *OnchainVerifier {
	v := &OnchainVerifier{
		reader: reader,
		asset:  asset,
		retry:  DefaultReceiptRetry,
		used:   make(map[common.Hash]time.Time),
	}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// DialOnchainVerifier connects to rpcURL and creates a verifier.
func DialOnchainVerifier(ctx context.Context, rpcURL string, asset common.Address, opts ...VerifierOption) (*OnchainVerifier, func(), error) {
	client, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, nil, fmt.Errorf("dial %s: %w", rpcURL, err)
	}
	return NewOnchainVerifier(client, asset, opts...), client.Close, nil
}

// Verify implements Verifier.
func (v *OnchainVerifier) Verify(ctx context.Context, p *x402.PaymentPayload, req Requirement) (_ *x402.SettlementResponse, err error) {
	ctx, span := traces.StartSpan(ctx, "paywall.VerifyOnchain")
	defer func() { traces.End(span, err) }()

	hash := common.HexToHash(p.Payload.TxHash)
	if !v.reserve(hash) {
		return nil, ErrTxAlreadyUsed
	}
	defer func() {
		if err != nil {
			v.release(hash)
		}
	}()

	receipt, err := v.receipt(ctx, hash)
	if err != nil {
		return nil, err
	}
	if receipt.Status == types.ReceiptStatusFailed {
		return nil, ErrTxFailed
	}

	asset := v.asset
	if req.Asset != "" {
		asset = common.HexToAddress(req.Asset)
	}
	from := common.HexToAddress(p.Payload.From)
	to := common.HexToAddress(req.PayTo)
	if !matchTransfer(receipt.Logs, asset, from, to, req.Price.Amount()) {
		return nil, ErrNoMatchingTransfer
	}

	return &x402.SettlementResponse{
		Success:     true,
		Transaction: hash.Hex(),
		Network:     req.Network,
		Payer:       from.Hex(),
	}, nil
}

// receipt fetches the receipt for hash, retrying while it is not yet
// visible or the node errors.
func (v *OnchainVerifier) receipt(ctx context.Context, hash common.Hash) (*types.Receipt, error) {
	var receipt *types.Receipt
	err := retry.Do(ctx, v.retry, func(ctx context.Context) error {
		r, err := v.reader.TransactionReceipt(ctx, hash)
		if err != nil {
			if errors.Is(err, ethereum.NotFound) {
				return ErrTxNotMined
			}
			return fmt.Errorf("failed to get receipt: %w", err)
		}
		receipt = r
		return nil
	})
	return receipt, err
}

func matchTransfer(logs []*types.Log, asset, from, to common.Address, minAmount *big.Int) bool {
	for _, log := range logs {
		if log == nil || log.Address != asset {
			continue
		}
		if len(log.Topics) < 3 || log.Topics[0] != transferTopic {
			continue
		}

		eventFrom := common.BytesToAddress(log.Topics[1].Bytes())
		eventTo := common.BytesToAddress(log.Topics[2].Bytes())
		eventAmount := new(big.Int).SetBytes(log.Data)

		if eventFrom == from && eventTo == to && eventAmount.Cmp(minAmount) >= 0 {
			return true
		}
	}
	return false
}

func (v *OnchainVerifier) reserve(h common.Hash) bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	if _, ok := v.used[h]; ok {
		return false
	}
	v.used[h] = time.Now()
	return true
}

func (v *OnchainVerifier) release(h common.Hash) {
	v.mu.Lock()
	defer v.mu.Unlock()
	delete(v.used, h)
}

// Used reports whether a transaction has already settled a request.
func (v *OnchainVerifier) Used(txHash string) bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	_, ok := v.used[common.HexToHash(strings.TrimSpace(txHash))]
	return ok
}
