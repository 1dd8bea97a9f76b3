// Package usdc converts between decimal USDC prices and atomic units.
//
// USDC uses 6 decimal places: 1 USDC = 1,000,000 atomic units. Prices in
// configuration and in 402 replies are decimal strings ("0.01"); on-chain
// transfer amounts and x402 maxAmountRequired are atomic.
package usdc

import (
	"errors"
	"math/big"
	"strings"
)

// Decimals is the number of fractional digits USDC carries.
const Decimals = 6

var (
	ErrInvalidAmount = errors.New("usdc: invalid amount")
	ErrNotPositive   = errors.New("usdc: amount must be greater than zero")
	ErrTooPrecise    = errors.New("usdc: more than 6 decimal places")
)

// Parse converts a decimal string such as "1.50" or "$0.01" to atomic units.
// Fractions finer than one atomic unit are rejected rather than truncated.
func Parse(s string) (*big.Int, error) {
	s = strings.TrimPrefix(strings.TrimSpace(s), "$")
	if s == "" {
		return nil, ErrInvalidAmount
	}

	whole, frac, hasDot := strings.Cut(s, ".")
	if hasDot && (whole == "" || frac == "") {
		return nil, ErrInvalidAmount
	}
	if !digitsOnly(whole) || !digitsOnly(frac) {
		return nil, ErrInvalidAmount
	}
	if len(frac) > Decimals {
		if strings.Trim(frac[Decimals:], "0") != "" {
			return nil, ErrTooPrecise
		}
		frac = frac[:Decimals]
	}
	frac += strings.Repeat("0", Decimals-len(frac))

	v, ok := new(big.Int).SetString(whole+frac, 10)
	if !ok {
		return nil, ErrInvalidAmount
	}
	return v, nil
}

// ParsePrice is Parse plus a positivity check.
func ParsePrice(s string) (*big.Int, error) {
	v, err := Parse(s)
	if err != nil {
		return nil, err
	}
	if v.Sign() <= 0 {
		return nil, ErrNotPositive
	}
	return v, nil
}

// Format renders atomic units as a decimal string with trailing fractional
// zeros removed: 1500000 -> "1.5", 10000 -> "0.01", 2000000 -> "2".
func Format(amount *big.Int) string {
	if amount == nil {
		return "0"
	}
	neg := amount.Sign() < 0
	s := new(big.Int).Abs(amount).String()
	if len(s) <= Decimals {
		s = strings.Repeat("0", Decimals+1-len(s)) + s
	}
	whole, frac := s[:len(s)-Decimals], strings.TrimRight(s[len(s)-Decimals:], "0")

	out := whole
	if frac != "" {
		out += "." + frac
	}
	if neg {
		out = "-" + out
	}
	return out
}

func digitsOnly(s string) bool {
	for _, c := range s {
		if c < '0' || c > '9' {
			return false
		}
	}
	return true
}
