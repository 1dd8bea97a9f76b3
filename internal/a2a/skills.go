package a2a

import (
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"

	"github.com/mbd888/trustgate/internal/tasks"
	"github.com/mbd888/trustgate/internal/trust"
)

// DefaultSkill runs when a message names no skill.
const DefaultSkill = trust.OpProfile

var (
	agentIDToken = regexp.MustCompile(`\b\d+\b`)
	wordSplit    = regexp.MustCompile(`[^a-zA-Z0-9-]+`)
)

// keywords map free-text words to skills. The first matching word wins,
// scanning validate before score before profile.
var keywords = []struct {
	op    trust.Op
	words []string
}{
	{trust.OpValidate, []string{"validate", "validation", "verify", "check", "checks"}},
	{trust.OpScore, []string{"score", "trust", "trustworthy", "reputation", "rating"}},
	{trust.OpProfile, []string{"profile", "identity", "registration", "who"}},
}

// selection is the skill and input a message asks for.
type selection struct {
	op    trust.Op
	input trust.Input
}

// selectSkill reads the skill and its input from a message. A data part
// wins over metadata, which wins over free text.
func selectSkill(msg tasks.Message, metadata map[string]any, chainNames []string) (selection, error) {
	var (
		sel      selection
		skill    string
		haveData bool
	)

	for _, p := range msg.Parts {
		if p.Kind != "data" || p.Data == nil {
			continue
		}
		haveData = true
		skill = stringField(p.Data, "skill")
		id, err := agentIDField(p.Data["agentId"])
		if err != nil {
			return sel, err
		}
		sel.input.AgentID = id
		sel.input.Chain = stringField(p.Data, "chain")
		if sel.input.Checks, err = checksField(p.Data["checks"]); err != nil {
			return sel, err
		}
		break
	}

	if skill == "" {
		skill = stringField(msg.Metadata, "skill")
	}
	if skill == "" {
		skill = stringField(metadata, "skill")
	}

	text := messageText(msg)
	if !haveData {
		sel.input = fromText(text, chainNames)
	}

	switch {
	case skill != "":
		op, ok := trust.ParseOp(skill)
		if !ok {
			return sel, fmt.Errorf("unknown skill %q", skill)
		}
		sel.op = op
	default:
		sel.op = skillFromText(text)
	}
	return sel, nil
}

func messageText(msg tasks.Message) string {
	var b strings.Builder
	for _, p := range msg.Parts {
		if p.Kind == "text" && p.Text != "" {
			if b.Len() > 0 {
				b.WriteByte(' ')
			}
			b.WriteString(p.Text)
		}
	}
	return b.String()
}

// fromText takes the first integer as the agent id and any known chain
// name or check name mentioned.
func fromText(text string, chainNames []string) trust.Input {
	var in trust.Input
	if m := agentIDToken.FindString(text); m != "" {
		in.AgentID = m
	}
	known := make(map[string]bool, len(chainNames))
	for _, n := range chainNames {
		known[n] = true
	}
	for _, w := range wordSplit.Split(strings.ToLower(text), -1) {
		switch {
		case in.Chain == "" && known[w]:
			in.Chain = w
		case w == "endpoints" || w == "wallet" || w == "attestations":
			in.Checks = append(in.Checks, w)
		}
	}
	return in
}

func skillFromText(text string) trust.Op {
	words := make(map[string]bool)
	for _, w := range wordSplit.Split(strings.ToLower(text), -1) {
		words[w] = true
	}
	for _, k := range keywords {
		for _, w := range k.words {
			if words[w] {
				return k.op
			}
		}
	}
	return DefaultSkill
}

func stringField(m map[string]any, key string) string {
	if m == nil {
		return ""
	}
	s, _ := m[key].(string)
	return strings.TrimSpace(s)
}

// agentIDField accepts the id as a string or as an integral JSON number.
func agentIDField(v any) (string, error) {
	switch id := v.(type) {
	case nil:
		return "", nil
	case string:
		return strings.TrimSpace(id), nil
	case float64:
		if id < 0 || id != math.Trunc(id) || id > 1<<53 {
			return "", fmt.Errorf("agentId must be a non-negative integer")
		}
		return strconv.FormatUint(uint64(id), 10), nil
	}
	return "", fmt.Errorf("agentId must be a string or integer")
}

// checksField accepts a list of names or a comma separated string.
func checksField(v any) ([]string, error) {
	switch cs := v.(type) {
	case nil:
		return nil, nil
	case string:
		if strings.TrimSpace(cs) == "" {
			return nil, nil
		}
		return strings.Split(cs, ","), nil
	case []any:
		out := make([]string, 0, len(cs))
		for _, c := range cs {
			s, ok := c.(string)
			if !ok {
				return nil, fmt.Errorf("checks must be strings")
			}
			out = append(out, s)
		}
		return out, nil
	}
	return nil, fmt.Errorf("checks must be a list of names")
}
