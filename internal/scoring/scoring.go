// Package scoring computes an agent trust score from reputation feedback
// and identity completeness. It performs no I/O.
package scoring

import (
	"math"
	"unicode/utf8"
)

// Verdict is the trust band a score falls into.
type Verdict string

const (
	VerdictUntrusted     Verdict = "untrusted"
	VerdictLowTrust      Verdict = "low-trust"
	VerdictNeutral       Verdict = "neutral"
	VerdictTrusted       Verdict = "trusted"
	VerdictHighlyTrusted Verdict = "highly-trusted"
)

// Identity maturity weights.
const (
	endpointsWeight      = 30
	supportedTrustWeight = 20
	descriptionWeight    = 10
	descriptionMinLength = 50
)

// Reputation confidence caps.
const (
	maxVolumeScore      = 30
	volumePerFeedback   = 3
	maxConsistencyScore = 20
)

// neutralBaseScore stands in for the feedback average when an agent has no
// feedback yet.
const neutralBaseScore = 50

// Input holds the signals a score is computed from.
type Input struct {
	HasEndpoints      bool
	HasSupportedTrust bool
	Description       string
	Scores            []float64
}

// Breakdown shows how each component contributed.
type Breakdown struct {
	FeedbackScore        float64 `json:"feedbackScore"`
	IdentityMaturity     float64 `json:"identityMaturity"`
	ReputationConfidence float64 `json:"reputationConfidence"`
}

// Result is a complete trust score.
type Result struct {
	Score     int       `json:"score"`
	Verdict   Verdict   `json:"verdict"`
	Breakdown Breakdown `json:"breakdown"`
}

// Compute scores an agent. The result is always fully populated and the
// score is always within [0, 100].
func Compute(in Input) Result {
	identity := identityMaturity(in)
	confidence := reputationConfidence(in.Scores)

	base := float64(neutralBaseScore)
	if len(in.Scores) > 0 {
		base = mean(in.Scores)
	}

	raw := base + identity*0.3 + confidence*0.2
	score := int(math.Round(clamp(raw, 0, 100)))

	return Result{
		Score:   score,
		Verdict: VerdictFor(score),
		Breakdown: Breakdown{
			FeedbackScore:        round2(base),
			IdentityMaturity:     round2(identity),
			ReputationConfidence: round2(confidence),
		},
	}
}

// VerdictFor maps a score to its band. Each band includes its lower bound.
func VerdictFor(score int) Verdict {
	switch {
	case score >= 80:
		return VerdictHighlyTrusted
	case score >= 60:
		return VerdictTrusted
	case score >= 40:
		return VerdictNeutral
	case score >= 20:
		return VerdictLowTrust
	default:
		return VerdictUntrusted
	}
}

// Summary returns the count and mean of feedback scores (mean 0 when empty).
func Summary(scores []float64) (count int, average float64) {
	if len(scores) == 0 {
		return 0, 0
	}
	return len(scores), round2(mean(scores))
}

func identityMaturity(in Input) float64 {
	var v float64
	if in.HasEndpoints {
		v += endpointsWeight
	}
	if in.HasSupportedTrust {
		v += supportedTrustWeight
	}
	if utf8.RuneCountInString(in.Description) > descriptionMinLength {
		v += descriptionWeight
	}
	return v
}

func reputationConfidence(scores []float64) float64 {
	n := len(scores)
	if n == 0 {
		return 0
	}
	volume := math.Min(maxVolumeScore, float64(n*volumePerFeedback))
	consistency := math.Min(maxConsistencyScore, (100-stddev(scores))/5)
	return volume + consistency
}

func mean(xs []float64) float64 {
	var sum float64
	for _, x := range xs {
		sum += x
	}
	return sum / float64(len(xs))
}

// stddev is the population standard deviation.
func stddev(xs []float64) float64 {
	m := mean(xs)
	var sq float64
	for _, x := range xs {
		d := x - m
		sq += d * d
	}
	return math.Sqrt(sq / float64(len(xs)))
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
