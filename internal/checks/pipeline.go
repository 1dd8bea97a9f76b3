package checks

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/mbd888/trustgate/internal/erc8004"
	"github.com/mbd888/trustgate/internal/registration"
	"github.com/mbd888/trustgate/internal/scoring"
	"github.com/mbd888/trustgate/internal/validation"
)

// maxConcurrentProbes caps in-flight probes for one agent.
const maxConcurrentProbes = 8

// AgentReader is the registry access the pipeline needs.
type AgentReader interface {
	OwnerOf(ctx context.Context, id erc8004.AgentID) (string, error)
	AgentWallet(ctx context.Context, id erc8004.AgentID) (string, error)
	ReadFeedback(ctx context.Context, id erc8004.AgentID) ([]erc8004.FeedbackSample, error)
}

// Subject is the agent being validated.
type Subject struct {
	ID     erc8004.AgentID
	File   *registration.File
	Reader AgentReader
}

// Pipeline runs validation checks against one agent.
type Pipeline struct {
	prober Prober
	logger *slog.Logger
}

// NewPipeline creates a pipeline that probes endpoints with prober.
func NewPipeline(prober Prober, logger *slog.Logger) *Pipeline {
	if logger == nil {
		logger = slog.Default()
	}
	return &Pipeline{prober: prober, logger: logger.With("component", "checks")}
}

// Run executes the requested checks and returns a finished report. The
// verdict is never pending on return. Registry failures inside a check are
// recorded as issues or warnings, never returned as errors.
func (p *Pipeline) Run(ctx context.Context, subj Subject, requested []Check) *Report {
	r := newReport(requested)

	for _, c := range requested {
		switch c {
		case CheckEndpoints:
			p.checkEndpoints(ctx, subj, r)
		case CheckWallet:
			p.checkWallet(ctx, subj, r)
		case CheckAttestations:
			p.checkAttestations(ctx, subj, r)
		}
	}

	r.finalize()
	return r
}

func (p *Pipeline) checkEndpoints(ctx context.Context, subj Subject, r *Report) {
	if subj.File == nil || len(subj.File.Endpoints) == 0 {
		r.EndpointStatus = []EndpointStatus{}
		r.issuef("no endpoints declared")
		return
	}

	eps := subj.File.Endpoints
	results := make([]EndpointStatus, len(eps))

	var g errgroup.Group
	g.SetLimit(maxConcurrentProbes)
	for i, ep := range eps {
		g.Go(func() error {
			results[i] = p.probe(ctx, ep)
			return nil
		})
	}
	_ = g.Wait()

	for _, st := range results {
		if st.Status != ProbeReachable {
			r.issuef("endpoint %s (%s) is %s", endpointLabel(st), st.Endpoint, st.Status)
		}
	}
	r.EndpointStatus = results
}

func (p *Pipeline) probe(ctx context.Context, ep registration.Endpoint) EndpointStatus {
	st := EndpointStatus{Name: ep.Name, Endpoint: ep.Endpoint}
	if strings.TrimSpace(ep.Endpoint) == "" {
		st.Status = ProbeError
		st.Detail = "endpoint URL missing"
		return st
	}

	res := p.prober.Probe(ctx, ep.Endpoint)
	st.Status = res.Status
	st.HTTPStatus = res.HTTPStatus
	st.LatencyMs = res.Latency.Milliseconds()
	st.Detail = res.Detail
	return st
}

func endpointLabel(st EndpointStatus) string {
	if st.Name != "" {
		return st.Name
	}
	return "<unnamed>"
}

func (p *Pipeline) checkWallet(ctx context.Context, subj Subject, r *Report) {
	owner, ownerErr := subj.Reader.OwnerOf(ctx, subj.ID)
	if ownerErr != nil {
		p.logger.Warn("owner lookup failed", "agent_id", subj.ID.String(), "error", ownerErr)
	}

	ws := &WalletStatus{Source: WalletUnresolved}
	wallet, walletErr := subj.Reader.AgentWallet(ctx, subj.ID)
	switch {
	case walletErr == nil && wallet != "":
		ws.Address, ws.Source = wallet, WalletFromMetadata
	case ownerErr == nil:
		ws.Address, ws.Source = owner, WalletFromOwner
		if walletErr != nil && !errors.Is(walletErr, erc8004.ErrNoMetadata) {
			p.logger.Warn("wallet metadata read failed", "agent_id", subj.ID.String(), "error", walletErr)
			r.warnf("wallet metadata could not be read; using owner address")
		}
	}
	r.WalletStatus = ws

	if ws.Source == WalletUnresolved {
		r.issuef("wallet address could not be resolved")
		return
	}

	ws.Valid = validation.IsValidEthAddress(ws.Address)
	if !ws.Valid {
		r.issuef("wallet address %q is not a valid 0x-prefixed 40-hex-digit address", ws.Address)
		return
	}

	if ownerErr != nil {
		r.warnf("owner lookup failed; isOwner could not be determined")
		return
	}
	ws.IsOwner = strings.EqualFold(ws.Address, owner)
}

// trustMethod is the closed set of supportedTrust values the pipeline knows.
type trustMethod int

const (
	methodUnknown trustMethod = iota
	methodReputation
	methodTEEAttestation
	methodCryptoEconomic
)

func classifyMethod(s string) trustMethod {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "reputation":
		return methodReputation
	case "tee-attestation":
		return methodTEEAttestation
	case "crypto-economic":
		return methodCryptoEconomic
	default:
		return methodUnknown
	}
}

func (p *Pipeline) checkAttestations(ctx context.Context, subj Subject, r *Report) {
	var declared []string
	if subj.File != nil {
		declared = subj.File.SupportedTrust
	}
	r.Attestations = make([]Attestation, 0, len(declared))

	// Feedback is read at most once even if reputation is listed twice.
	var (
		feedback   []erc8004.FeedbackSample
		feedbackOK bool
		readDone   bool
	)
	readFeedback := func() {
		if readDone {
			return
		}
		readDone = true
		samples, err := subj.Reader.ReadFeedback(ctx, subj.ID)
		if err != nil {
			p.logger.Warn("feedback read failed", "agent_id", subj.ID.String(), "error", err)
			r.warnf("reputation feedback could not be read")
			return
		}
		feedback, feedbackOK = samples, true
	}

	for _, m := range declared {
		a := Attestation{Method: m}
		switch classifyMethod(m) {
		case methodReputation:
			readFeedback()
			if !feedbackOK {
				a.Status = AttestationUnavailable
				a.Detail = "feedback could not be read"
				break
			}
			scores := make([]float64, len(feedback))
			for i, s := range feedback {
				scores[i] = s.Score
			}
			count, avg := scoring.Summary(scores)
			a.FeedbackCount, a.AverageScore = &count, &avg
			if count == 0 {
				a.Status = AttestationNoFeedback
				a.Detail = "no feedback recorded"
			} else {
				a.Status = AttestationActive
				a.Detail = fmt.Sprintf("%d feedback entries, average %.2f", count, avg)
			}
		case methodTEEAttestation, methodCryptoEconomic:
			a.Status = AttestationDeclared
			a.Detail = "declared by the agent; verification not yet implemented"
		default:
			a.Status = AttestationUnknown
			a.Detail = "unrecognized trust method"
		}
		r.Attestations = append(r.Attestations, a)
	}
}
