// Package trust implements the paid trust operations: agent profile, trust
// score and validation report.
package trust

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/mbd888/trustgate/internal/chains"
	"github.com/mbd888/trustgate/internal/checks"
	"github.com/mbd888/trustgate/internal/erc8004"
	"github.com/mbd888/trustgate/internal/registration"
	"github.com/mbd888/trustgate/internal/scoring"
	"github.com/mbd888/trustgate/internal/traces"
)

// Registry is the set of registry reads the operations need on one chain.
type Registry interface {
	registration.URIReader
	checks.AgentReader
}

// RegistryFunc binds registry reads to a chain.
type RegistryFunc func(chain chains.Chain) Registry

// Resolver resolves an agent's registration file.
type Resolver interface {
	Resolve(ctx context.Context, reader registration.URIReader, id erc8004.AgentID) (string, *registration.File, error)
}

// Validator runs validation checks.
type Validator interface {
	Run(ctx context.Context, subj checks.Subject, requested []checks.Check) *checks.Report
}

// Profile is an agent's identity record.
type Profile struct {
	AgentID      string             `json:"agentId"`
	Chain        string             `json:"chain"`
	Owner        string             `json:"owner,omitempty"`
	TokenURI     string             `json:"tokenURI"`
	Registration *registration.File `json:"registration"`
	Warnings     []string           `json:"warnings,omitempty"`
}

// Score is an agent's trust score with the feedback it was computed from.
type Score struct {
	AgentID         string         `json:"agentId"`
	Chain           string         `json:"chain"`
	FeedbackCount   int            `json:"feedbackCount"`
	AverageFeedback float64        `json:"averageFeedback"`
	TrustScore      scoring.Result `json:"trustScore"`
	Warnings        []string       `json:"warnings,omitempty"`
}

// Validation is a validation report for one agent.
type Validation struct {
	AgentID string
	Chain   string
	Report  *checks.Report
}

// MarshalJSON flattens the report next to the agent id and chain.
func (v Validation) MarshalJSON() ([]byte, error) {
	raw, err := json.Marshal(v.Report)
	if err != nil {
		return nil, err
	}
	fields := map[string]json.RawMessage{}
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, err
	}
	fields["agentId"], _ = json.Marshal(v.AgentID)
	fields["chain"], _ = json.Marshal(v.Chain)
	fields["checks"], _ = json.Marshal(checks.Names(v.Report.Checks))
	return json.Marshal(fields)
}

// Service runs trust operations against the configured chains.
type Service struct {
	chains     *chains.Table
	registries RegistryFunc
	resolver   Resolver
	validator  Validator
	logger     *slog.Logger
}

// NewService creates a trust service.
func NewService(table *chains.Table, registries RegistryFunc, resolver Resolver, validator Validator, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		chains:     table,
		registries: registries,
		resolver:   resolver,
		validator:  validator,
		logger:     logger.With("component", "trust"),
	}
}

// Run executes op. Invalid input returns validation.ValidationErrors.
func (s *Service) Run(ctx context.Context, op Op, in Input) (any, error) {
	if errs := in.Validate(op); len(errs) > 0 {
		return nil, errs
	}
	id, cs, err := in.parse()
	if err != nil {
		return nil, err
	}
	chain := s.chains.Resolve(in.Chain)

	switch op {
	case OpProfile:
		return s.Profile(ctx, id, chain)
	case OpScore:
		return s.Score(ctx, id, chain)
	case OpValidate:
		return s.Validate(ctx, id, chain, cs)
	}
	return nil, fmt.Errorf("unknown operation %q", op)
}

// Chain resolves a selector, falling back to the default chain.
func (s *Service) Chain(selector string) chains.Chain {
	return s.chains.Resolve(selector)
}

// Profile returns the agent's registration and owner. An owner lookup
// failure is reported as a warning.
func (s *Service) Profile(ctx context.Context, id erc8004.AgentID, chain chains.Chain) (_ *Profile, err error) {
	ctx, span := traces.StartSpan(ctx, "trust.Profile", traces.AgentID(id.String()), traces.Chain(chain.Name))
	defer func() { traces.End(span, err) }()

	reg := s.registries(chain)
	uri, file, err := s.resolver.Resolve(ctx, reg, id)
	if err != nil {
		return nil, err
	}

	p := &Profile{AgentID: id.String(), Chain: chain.Name, TokenURI: uri, Registration: file}
	owner, err := reg.OwnerOf(ctx, id)
	if err != nil {
		s.logger.Warn("owner lookup failed", "agent_id", id.String(), "chain", chain.Name, "error", err)
		p.Warnings = append(p.Warnings, "owner lookup failed")
	} else {
		p.Owner = owner
	}
	return p, nil
}

// Score computes the agent's trust score. A feedback read failure is
// scored as no feedback and reported as a warning.
func (s *Service) Score(ctx context.Context, id erc8004.AgentID, chain chains.Chain) (_ *Score, err error) {
	ctx, span := traces.StartSpan(ctx, "trust.Score", traces.AgentID(id.String()), traces.Chain(chain.Name))
	defer func() { traces.End(span, err) }()

	reg := s.registries(chain)
	_, file, err := s.resolver.Resolve(ctx, reg, id)
	if err != nil {
		return nil, err
	}

	var warnings []string
	samples, err := reg.ReadFeedback(ctx, id)
	if err != nil {
		s.logger.Warn("feedback read failed", "agent_id", id.String(), "chain", chain.Name, "error", err)
		warnings = append(warnings, "reputation feedback unavailable; scored as no feedback")
		samples = nil
	}

	scores := make([]float64, len(samples))
	for i, f := range samples {
		scores[i] = f.Score
	}
	count, avg := scoring.Summary(scores)

	return &Score{
		AgentID:         id.String(),
		Chain:           chain.Name,
		FeedbackCount:   count,
		AverageFeedback: avg,
		TrustScore: scoring.Compute(scoring.Input{
			HasEndpoints:      file.HasEndpoints(),
			HasSupportedTrust: file.HasSupportedTrust(),
			Description:       file.Description,
			Scores:            scores,
		}),
		Warnings: warnings,
	}, nil
}

// Validate runs the requested checks. An empty set runs all of them.
func (s *Service) Validate(ctx context.Context, id erc8004.AgentID, chain chains.Chain, requested []checks.Check) (_ *Validation, err error) {
	ctx, span := traces.StartSpan(ctx, "trust.Validate", traces.AgentID(id.String()), traces.Chain(chain.Name))
	defer func() { traces.End(span, err) }()

	if len(requested) == 0 {
		requested = checks.All
	}
	reg := s.registries(chain)
	_, file, err := s.resolver.Resolve(ctx, reg, id)
	if err != nil {
		return nil, err
	}

	report := s.validator.Run(ctx, checks.Subject{ID: id, File: file, Reader: reg}, requested)
	return &Validation{AgentID: id.String(), Chain: chain.Name, Report: report}, nil
}
