package erc8004

import (
	"math/big"
	"regexp"
	"strconv"
)

var agentIDPattern = regexp.MustCompile(`^\d+$`)

// AgentID is the token id of an agent in the identity registry.
type AgentID uint64

// ParseAgentID parses the canonical decimal form of an agent id. Signs,
// whitespace, hex and values beyond uint64 are rejected rather than coerced.
func ParseAgentID(s string) (AgentID, error) {
	if !agentIDPattern.MatchString(s) {
		return 0, ErrInvalidAgentID
	}
	n, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, ErrInvalidAgentID
	}
	return AgentID(n), nil
}

func (id AgentID) String() string {
	return strconv.FormatUint(uint64(id), 10)
}

// Big returns the id as a uint256 call argument.
func (id AgentID) Big() *big.Int {
	return new(big.Int).SetUint64(uint64(id))
}
