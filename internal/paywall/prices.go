package paywall

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/mbd888/trustgate/internal/usdc"
)

// PriceEntry prices one route or one JSON-RPC method. Route patterns are
// slash-separated; a "*" segment matches any single path segment.
type PriceEntry struct {
	Route       string
	RPCMethod   string
	Price       string
	Description string

	amount *big.Int
}

// Amount returns the price in atomic USDC units.
func (e PriceEntry) Amount() *big.Int {
	if e.amount == nil {
		return new(big.Int)
	}
	return new(big.Int).Set(e.amount)
}

func (e PriceEntry) matches(req Request) bool {
	if req.Transport == TransportJSONRPC {
		return e.RPCMethod != "" && e.RPCMethod == req.RPCMethod
	}
	if e.Route == "" {
		return false
	}
	return matchRoute(e.Route, req.Path)
}

func matchRoute(pattern, path string) bool {
	ps := strings.Split(strings.Trim(pattern, "/"), "/")
	xs := strings.Split(strings.Trim(path, "/"), "/")
	if len(ps) != len(xs) {
		return false
	}
	for i := range ps {
		if ps[i] != "*" && ps[i] != xs[i] {
			return false
		}
	}
	return true
}

// PriceTable is the immutable set of prices the gate charges. The first
// matching entry wins; unmatched paid requests use the fallback.
type PriceTable struct {
	entries  []PriceEntry
	fallback PriceEntry
}

// NewPriceTable validates every price and builds a table.
func NewPriceTable(fallback PriceEntry, entries ...PriceEntry) (*PriceTable, error) {
	var err error
	if fallback, err = parseEntry(fallback); err != nil {
		return nil, fmt.Errorf("fallback price: %w", err)
	}
	t := &PriceTable{fallback: fallback, entries: make([]PriceEntry, len(entries))}
	for i, e := range entries {
		if e.Route == "" && e.RPCMethod == "" {
			return nil, fmt.Errorf("price entry %d matches nothing", i)
		}
		if t.entries[i], err = parseEntry(e); err != nil {
			return nil, fmt.Errorf("price for %s%s: %w", e.Route, e.RPCMethod, err)
		}
	}
	return t, nil
}

func parseEntry(e PriceEntry) (PriceEntry, error) {
	amount, err := usdc.ParsePrice(e.Price)
	if err != nil {
		return e, err
	}
	e.amount = amount
	e.Price = usdc.Format(amount)
	return e, nil
}

// Lookup returns the entry that prices req.
func (t *PriceTable) Lookup(req Request) PriceEntry {
	for _, e := range t.entries {
		if e.matches(req) {
			return e
		}
	}
	return t.fallback
}

// PriceFor returns the decimal price of a route, for manifests.
func (t *PriceTable) PriceFor(path string) string {
	return t.Lookup(Request{Transport: TransportREST, Path: path}).Price
}
