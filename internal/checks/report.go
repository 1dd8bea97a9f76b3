// Package checks runs the agent validation pipeline: endpoint liveness
// probes, wallet address checks and trust-method attestation classification.
package checks

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Check is one validation the caller can request.
type Check string

const (
	CheckEndpoints    Check = "endpoints"
	CheckWallet       Check = "wallet"
	CheckAttestations Check = "attestations"
)

// All is every check, in execution order.
var All = []Check{CheckEndpoints, CheckWallet, CheckAttestations}

// UnknownCheckError names a requested check that does not exist.
type UnknownCheckError struct {
	Name string
}

func (e *UnknownCheckError) Error() string {
	return fmt.Sprintf("unknown check %q (want one of endpoints, wallet, attestations)", e.Name)
}

// ParseChecks turns a caller-supplied list into a check set. An empty list
// selects every check. Names are case-insensitive; duplicates collapse.
func ParseChecks(names []string) ([]Check, error) {
	seen := make(map[Check]bool)
	for _, raw := range names {
		n := strings.ToLower(strings.TrimSpace(raw))
		if n == "" {
			continue
		}
		c := Check(n)
		switch c {
		case CheckEndpoints, CheckWallet, CheckAttestations:
			seen[c] = true
		default:
			return nil, &UnknownCheckError{Name: raw}
		}
	}
	if len(seen) == 0 {
		return append([]Check(nil), All...), nil
	}
	out := make([]Check, 0, len(seen))
	for _, c := range All {
		if seen[c] {
			out = append(out, c)
		}
	}
	return out, nil
}

// SplitChecks parses a comma separated query value such as "wallet,endpoints".
func SplitChecks(csv string) ([]Check, error) {
	if strings.TrimSpace(csv) == "" {
		return ParseChecks(nil)
	}
	return ParseChecks(strings.Split(csv, ","))
}

// Verdict is the overall outcome of a validation run.
type Verdict string

const (
	VerdictPending               Verdict = "pending"
	VerdictValidated             Verdict = "validated"
	VerdictValidatedWithWarnings Verdict = "validated-with-warnings"
	VerdictPartial               Verdict = "partial"
	VerdictFailed                Verdict = "failed"
)

// ProbeStatus classifies one endpoint probe.
type ProbeStatus string

const (
	ProbeReachable   ProbeStatus = "reachable"
	ProbeUnreachable ProbeStatus = "unreachable"
	ProbeError       ProbeStatus = "error"
)

// EndpointStatus is the probe result for one declared endpoint.
type EndpointStatus struct {
	Name       string      `json:"name"`
	Endpoint   string      `json:"endpoint"`
	Status     ProbeStatus `json:"status"`
	HTTPStatus int         `json:"httpStatus,omitempty"`
	LatencyMs  int64       `json:"latencyMs"`
	Detail     string      `json:"detail,omitempty"`
}

// WalletSource records where the effective wallet address came from.
type WalletSource string

const (
	WalletFromMetadata WalletSource = "metadata"
	WalletFromOwner    WalletSource = "owner"
	WalletUnresolved   WalletSource = "unresolved"
)

// WalletStatus is the wallet check result.
type WalletStatus struct {
	Address string       `json:"address"`
	Valid   bool         `json:"valid"`
	IsOwner bool         `json:"isOwner"`
	Source  WalletSource `json:"source"`
}

// AttestationStatus classifies one declared trust method.
type AttestationStatus string

const (
	AttestationActive     AttestationStatus = "active"
	AttestationNoFeedback AttestationStatus = "no-feedback"
	AttestationDeclared   AttestationStatus = "declared"
	AttestationUnknown    AttestationStatus = "unknown"
	// AttestationUnavailable is reported when feedback could not be read.
	AttestationUnavailable AttestationStatus = "unavailable"
)

// Attestation is the classification of one supportedTrust entry.
type Attestation struct {
	Method        string            `json:"method"`
	Status        AttestationStatus `json:"status"`
	Detail        string            `json:"detail,omitempty"`
	FeedbackCount *int              `json:"feedbackCount,omitempty"`
	AverageScore  *float64          `json:"averageScore,omitempty"`
}

// Report is the result of a validation run. Sections for checks that were
// not requested are omitted from the JSON form.
type Report struct {
	Checks         []Check
	EndpointStatus []EndpointStatus
	WalletStatus   *WalletStatus
	Attestations   []Attestation
	Issues         []string
	Warnings       []string
	OverallVerdict Verdict
}

func newReport(checks []Check) *Report {
	return &Report{
		Checks:         checks,
		Issues:         []string{},
		Warnings:       []string{},
		OverallVerdict: VerdictPending,
	}
}

// Requested reports whether c was part of the run.
func (r *Report) Requested(c Check) bool {
	for _, x := range r.Checks {
		if x == c {
			return true
		}
	}
	return false
}

func (r *Report) issuef(format string, args ...any) {
	r.Issues = append(r.Issues, fmt.Sprintf(format, args...))
}

func (r *Report) warnf(format string, args ...any) {
	r.Warnings = append(r.Warnings, fmt.Sprintf(format, args...))
}

// MarshalJSON emits only the sections of requested checks.
func (r Report) MarshalJSON() ([]byte, error) {
	type wire struct {
		EndpointStatus *[]EndpointStatus `json:"endpointStatus,omitempty"`
		WalletStatus   *WalletStatus     `json:"walletStatus,omitempty"`
		Attestations   *[]Attestation    `json:"attestations,omitempty"`
		Issues         []string          `json:"issues"`
		Warnings       []string          `json:"warnings"`
		OverallVerdict Verdict           `json:"overallVerdict"`
	}
	w := wire{
		Issues:         nonNil(r.Issues),
		Warnings:       nonNil(r.Warnings),
		OverallVerdict: r.OverallVerdict,
	}
	if r.Requested(CheckEndpoints) {
		eps := r.EndpointStatus
		if eps == nil {
			eps = []EndpointStatus{}
		}
		w.EndpointStatus = &eps
	}
	if r.Requested(CheckWallet) {
		w.WalletStatus = r.WalletStatus
	}
	if r.Requested(CheckAttestations) {
		atts := r.Attestations
		if atts == nil {
			atts = []Attestation{}
		}
		w.Attestations = &atts
	}
	return json.Marshal(w)
}

// finalize computes the overall verdict once every requested check is done.
func (r *Report) finalize() {
	if len(r.Issues) == 0 {
		r.OverallVerdict = VerdictValidated
		return
	}

	allReachable, anyReachable := true, false
	if r.Requested(CheckEndpoints) {
		for _, ep := range r.EndpointStatus {
			if ep.Status == ProbeReachable {
				anyReachable = true
			} else {
				allReachable = false
			}
		}
	}
	walletRequested := r.Requested(CheckWallet)
	walletValid := walletRequested && r.WalletStatus != nil && r.WalletStatus.Valid

	switch {
	case allReachable && (!walletRequested || walletValid):
		r.OverallVerdict = VerdictValidatedWithWarnings
	case anyReachable || walletValid:
		r.OverallVerdict = VerdictPartial
	default:
		r.OverallVerdict = VerdictFailed
	}
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

// Names renders a check set for responses and logs.
func Names(cs []Check) []string {
	out := make([]string, len(cs))
	for i, c := range cs {
		out[i] = string(c)
	}
	return out
}
