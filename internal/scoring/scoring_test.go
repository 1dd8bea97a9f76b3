package scoring

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

var longDescription = strings.Repeat("a", 51)

func TestCompute_NoFeedbackIsNeutral(t *testing.T) {
	got := Compute(Input{})

	assert.Equal(t, 50, got.Score)
	assert.Equal(t, VerdictNeutral, got.Verdict)
	assert.Equal(t, Breakdown{FeedbackScore: 50, IdentityMaturity: 0, ReputationConfidence: 0}, got.Breakdown)
}

func TestCompute_EmptyFeedbackInvariants(t *testing.T) {
	inputs := []Input{
		{},
		{HasEndpoints: true},
		{HasEndpoints: true, HasSupportedTrust: true, Description: longDescription},
		{Scores: []float64{}},
	}
	for _, in := range inputs {
		got := Compute(in)
		assert.Equal(t, float64(50), got.Breakdown.FeedbackScore)
		assert.Equal(t, float64(0), got.Breakdown.ReputationConfidence)
	}
}

func TestCompute(t *testing.T) {
	tests := []struct {
		name    string
		in      Input
		score   int
		verdict Verdict
		bd      Breakdown
	}{
		{
			name:    "complete identity without feedback",
			in:      Input{HasEndpoints: true, HasSupportedTrust: true, Description: longDescription},
			score:   68,
			verdict: VerdictTrusted,
			bd:      Breakdown{FeedbackScore: 50, IdentityMaturity: 60},
		},
		{
			name:    "consistent feedback",
			in:      Input{Scores: []float64{80, 80, 80, 80, 80}},
			score:   87,
			verdict: VerdictHighlyTrusted,
			bd:      Breakdown{FeedbackScore: 80, ReputationConfidence: 35},
		},
		{
			name:    "polarised feedback",
			in:      Input{Scores: []float64{0, 100}},
			score:   53,
			verdict: VerdictNeutral,
			bd:      Breakdown{FeedbackScore: 50, ReputationConfidence: 16},
		},
		{
			name:    "uniformly bad feedback",
			in:      Input{Scores: []float64{0, 0, 0, 0, 0, 0, 0, 0, 0, 0}},
			score:   10,
			verdict: VerdictUntrusted,
			bd:      Breakdown{FeedbackScore: 0, ReputationConfidence: 50},
		},
		{
			name:    "endpoints only",
			in:      Input{HasEndpoints: true, Scores: []float64{60}},
			score:   74,
			verdict: VerdictTrusted,
			bd:      Breakdown{FeedbackScore: 60, IdentityMaturity: 30, ReputationConfidence: 23},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Compute(tt.in)
			assert.Equal(t, tt.score, got.Score)
			assert.Equal(t, tt.verdict, got.Verdict)
			assert.Equal(t, tt.bd, got.Breakdown)
		})
	}
}

func TestCompute_ClampsExtremes(t *testing.T) {
	high := make([]float64, 10000)
	for i := range high {
		high[i] = 100
	}
	got := Compute(Input{HasEndpoints: true, HasSupportedTrust: true, Description: longDescription, Scores: high})
	assert.Equal(t, 100, got.Score)
	assert.Equal(t, VerdictHighlyTrusted, got.Verdict)

	got = Compute(Input{Scores: []float64{0, 255}})
	assert.GreaterOrEqual(t, got.Score, 0)
	assert.LessOrEqual(t, got.Score, 100)

	got = Compute(Input{Scores: []float64{-1000}})
	assert.Equal(t, 0, got.Score)
	assert.Equal(t, VerdictUntrusted, got.Verdict)
}

func TestCompute_DescriptionCountsCharacters(t *testing.T) {
	exactly50 := strings.Repeat("b", 50)
	assert.Equal(t, float64(0), Compute(Input{Description: exactly50}).Breakdown.IdentityMaturity)
	assert.Equal(t, float64(10), Compute(Input{Description: longDescription}).Breakdown.IdentityMaturity)

	// 26 two-byte runes: 52 bytes but only 26 characters.
	accented := strings.Repeat("é", 26)
	assert.Equal(t, float64(0), Compute(Input{Description: accented}).Breakdown.IdentityMaturity)
}

func TestCompute_Deterministic(t *testing.T) {
	in := Input{HasEndpoints: true, Description: "short", Scores: []float64{12.5, 99, 47}}
	assert.Equal(t, Compute(in), Compute(in))
}

func TestVerdictFor_Boundaries(t *testing.T) {
	tests := []struct {
		score int
		want  Verdict
	}{
		{100, VerdictHighlyTrusted},
		{80, VerdictHighlyTrusted},
		{79, VerdictTrusted},
		{60, VerdictTrusted},
		{59, VerdictNeutral},
		{40, VerdictNeutral},
		{39, VerdictLowTrust},
		{20, VerdictLowTrust},
		{19, VerdictUntrusted},
		{0, VerdictUntrusted},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, VerdictFor(tt.score), "score %d", tt.score)
	}
}

func TestSummary(t *testing.T) {
	n, avg := Summary(nil)
	assert.Equal(t, 0, n)
	assert.Equal(t, float64(0), avg)

	n, avg = Summary([]float64{90, 70, 85})
	assert.Equal(t, 3, n)
	assert.Equal(t, 81.67, avg)
}
