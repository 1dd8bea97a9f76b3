// Package chains holds the table of supported networks and their ERC-8004
// registry deployments.
package chains

import (
	"fmt"
	"sort"
	"strings"

	"github.com/ethereum/go-ethereum/common"
)

// Registry deployments. The same vanity addresses are used on every
// testnet and on every mainnet.
var (
	TestnetIdentityRegistry   = common.HexToAddress("0x8004A818BFB912233c491871b3d84c89A494BD9e")
	TestnetReputationRegistry = common.HexToAddress("0x8004B663056A597Dffe9eCcC1965A193B7388713")
	MainnetIdentityRegistry   = common.HexToAddress("0x8004A169FB4a3325136EB29fA0ceB6D2e539a432")
	MainnetReputationRegistry = common.HexToAddress("0x8004BAa17C55a88189AE136b182e5fdA19dE9b63")
)

// Chain describes one network the gateway can read registries from.
type Chain struct {
	Name               string
	ChainID            int64
	RPCURLs            []string
	IdentityRegistry   common.Address
	ReputationRegistry common.Address
	USDC               common.Address
}

// clone returns a copy that shares no slices with c.
func (c Chain) clone() Chain {
	c.RPCURLs = append([]string(nil), c.RPCURLs...)
	return c
}

// Builtin returns the networks known out of the box.
func Builtin() []Chain {
	return []Chain{
		{
			Name:    "base",
			ChainID: 8453,
			RPCURLs: []string{
				"https://mainnet.base.org",
				"https://base-rpc.publicnode.com",
				"https://base.llamarpc.com",
			},
			IdentityRegistry:   MainnetIdentityRegistry,
			ReputationRegistry: MainnetReputationRegistry,
			USDC:               common.HexToAddress("0x833589fCD6eDb6E08f4c7C32D4f71b54bdA02913"),
		},
		{
			Name:    "base-sepolia",
			ChainID: 84532,
			RPCURLs: []string{
				"https://sepolia.base.org",
				"https://base-sepolia-rpc.publicnode.com",
			},
			IdentityRegistry:   TestnetIdentityRegistry,
			ReputationRegistry: TestnetReputationRegistry,
			USDC:               common.HexToAddress("0x036CbD53842c5426634e7929541eC2318f3dCF7e"),
		},
		{
			Name:    "ethereum",
			ChainID: 1,
			RPCURLs: []string{
				"https://ethereum-rpc.publicnode.com",
				"https://eth.llamarpc.com",
				"https://cloudflare-eth.com",
			},
			IdentityRegistry:   MainnetIdentityRegistry,
			ReputationRegistry: MainnetReputationRegistry,
			USDC:               common.HexToAddress("0xA0b86991c6218b36c1d19D4a2e9Eb0cE3606eB48"),
		},
		{
			Name:    "sepolia",
			ChainID: 11155111,
			RPCURLs: []string{
				"https://ethereum-sepolia-rpc.publicnode.com",
				"https://rpc.sepolia.org",
			},
			IdentityRegistry:   TestnetIdentityRegistry,
			ReputationRegistry: TestnetReputationRegistry,
			USDC:               common.HexToAddress("0x1c7D4B196Cb0C7B01d743Fbc6116a902379C7238"),
		},
	}
}

// Table is an immutable set of chains with a default selector.
// It is safe for concurrent use.
type Table struct {
	chains      map[string]Chain
	defaultName string
}

// NewTable builds a table from the given chains. defaultName must name one
// of them.
func NewTable(defaultName string, chains []Chain) (*Table, error) {
	t := &Table{
		chains:      make(map[string]Chain, len(chains)),
		defaultName: normalize(defaultName),
	}
	for _, c := range chains {
		name := normalize(c.Name)
		if name == "" {
			return nil, fmt.Errorf("chains: chain with empty name")
		}
		if len(c.RPCURLs) == 0 {
			return nil, fmt.Errorf("chains: %s has no RPC URLs", name)
		}
		c.Name = name
		t.chains[name] = c.clone()
	}
	if _, ok := t.chains[t.defaultName]; !ok {
		return nil, fmt.Errorf("chains: default chain %q is not configured", defaultName)
	}
	return t, nil
}

// Resolve maps a selector to a chain. Unknown or empty selectors resolve to
// the default chain.
func (t *Table) Resolve(selector string) Chain {
	if c, ok := t.chains[normalize(selector)]; ok {
		return c.clone()
	}
	return t.chains[t.defaultName].clone()
}

// Lookup returns the chain with the exact name, if any.
func (t *Table) Lookup(name string) (Chain, bool) {
	c, ok := t.chains[normalize(name)]
	if !ok {
		return Chain{}, false
	}
	return c.clone(), true
}

// Default returns the default chain.
func (t *Table) Default() Chain {
	return t.chains[t.defaultName].clone()
}

// Names lists configured selectors in sorted order.
func (t *Table) Names() []string {
	names := make([]string, 0, len(t.chains))
	for n := range t.chains {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// EnvKey returns the environment variable that overrides RPC URLs for a
// chain, e.g. "base-sepolia" -> "RPC_URLS_BASE_SEPOLIA".
func EnvKey(name string) string {
	return "RPC_URLS_" + strings.ToUpper(strings.ReplaceAll(normalize(name), "-", "_"))
}

func normalize(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}
