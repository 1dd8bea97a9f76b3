package trust

import (
	"strings"

	"github.com/mbd888/trustgate/internal/checks"
	"github.com/mbd888/trustgate/internal/erc8004"
	"github.com/mbd888/trustgate/internal/paywall"
	"github.com/mbd888/trustgate/internal/validation"
)

// Op names a paid trust operation.
type Op string

const (
	OpProfile  Op = "profile"
	OpScore    Op = "score"
	OpValidate Op = "validate"
)

// Ops lists the operations in the order they are advertised.
var Ops = []Op{OpProfile, OpScore, OpValidate}

// ParseOp maps a name to an operation. Anything else is not an operation.
func ParseOp(s string) (Op, bool) {
	switch Op(strings.ToLower(strings.TrimSpace(s))) {
	case OpProfile:
		return OpProfile, true
	case OpScore:
		return OpScore, true
	case OpValidate:
		return OpValidate, true
	}
	return "", false
}

// Description is the one-line summary advertised for an operation.
func (op Op) Description() string {
	switch op {
	case OpProfile:
		return "Fetch an agent's ERC-8004 identity record and registration file"
	case OpScore:
		return "Compute a 0-100 trust score from reputation feedback and identity completeness"
	case OpValidate:
		return "Validate an agent's endpoints, wallet and declared trust methods"
	}
	return ""
}

// InvokePath is the envelope endpoint of an operation.
func (op Op) InvokePath() string {
	return "/agent/" + string(op) + "/invoke"
}

// RoutePattern is the REST route of an operation as a price pattern.
func (op Op) RoutePattern() string {
	return "/agent/*/" + string(op)
}

// InputSchema returns a value whose type describes the operation input.
func (op Op) InputSchema() any {
	if op == OpValidate {
		return &ValidateInput{}
	}
	return &AgentInput{}
}

// AgentInput selects an agent on a chain.
type AgentInput struct {
	AgentID string `json:"agentId" jsonschema:"required,pattern=^[0-9]+$,description=ERC-8004 agent token id"`
	Chain   string `json:"chain,omitempty" jsonschema:"description=Chain selector; unknown values use the default chain,example=base-sepolia"`
}

// ValidateInput additionally selects which checks to run.
type ValidateInput struct {
	AgentInput
	Checks []string `json:"checks,omitempty" jsonschema:"description=Checks to run; all when empty,enum=endpoints,enum=wallet,enum=attestations"`
}

// Input is the union of all operation inputs, as decoded from requests.
type Input struct {
	AgentID string   `json:"agentId"`
	Chain   string   `json:"chain,omitempty"`
	Checks  []string `json:"checks,omitempty"`
}

// Validate checks the input for op field by field. The returned errors are
// nil when the input is usable. Any chain selector is usable.
func (in Input) Validate(op Op) validation.ValidationErrors {
	errs := validation.Validate(validation.AgentID("agentId", in.AgentID))
	if op == OpValidate {
		if _, err := checks.ParseChecks(in.Checks); err != nil {
			errs = append(errs, validation.ValidationError{Field: "checks", Message: err.Error()})
		}
	}
	return errs
}

// parse converts validated input to typed values.
func (in Input) parse() (erc8004.AgentID, []checks.Check, error) {
	id, err := erc8004.ParseAgentID(in.AgentID)
	if err != nil {
		return 0, nil, validation.ValidationErrors{{Field: "agentId", Message: "must be a non-negative integer"}}
	}
	cs, err := checks.ParseChecks(in.Checks)
	if err != nil {
		return 0, nil, validation.ValidationErrors{{Field: "checks", Message: err.Error()}}
	}
	return id, cs, nil
}

// Prices is the price of each operation and of a paid JSON-RPC message.
type Prices struct {
	Profile  string
	Score    string
	Validate string
	Message  string
}

// PriceEntries builds the gate's price entries. REST and envelope routes
// of one operation cost the same.
func (p Prices) PriceEntries() []paywall.PriceEntry {
	byOp := map[Op]string{OpProfile: p.Profile, OpScore: p.Score, OpValidate: p.Validate}
	var entries []paywall.PriceEntry
	for _, op := range Ops {
		entries = append(entries,
			paywall.PriceEntry{Route: op.RoutePattern(), Price: byOp[op], Description: op.Description()},
			paywall.PriceEntry{Route: op.InvokePath(), Price: byOp[op], Description: op.Description()},
		)
	}
	for _, m := range []string{"message/send", "message/stream"} {
		entries = append(entries, paywall.PriceEntry{RPCMethod: m, Price: p.Message, Description: "Agent trust task"})
	}
	return entries
}
