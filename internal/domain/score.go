package domain

// CompositeWeights holds the weighted-sum coefficients sourced from
// effective RiskParameters (spec §4.5: "weights drawn from effective
// RiskParameters so operators can tune the pipeline without code changes").
// Open question in spec.md §9 resolved in favor of this path exclusively —
// no hard-coded fallback weights.
type CompositeWeights struct {
	Momentum  float64
	Volume    float64
	Catalyst  float64
	Technical float64
}

// Composite computes the deterministic composite score in [0,100] from
// per-component scores and weights. Pure function: same inputs, same
// output, satisfying the score-determinism property (spec §8).
func Composite(momentum, volume, catalyst, technical float64, w CompositeWeights) float64 {
	total := w.Momentum + w.Volume + w.Catalyst + w.Technical
	if total <= 0 {
		return 0
	}
	sum := momentum*w.Momentum + volume*w.Volume + catalyst*w.Catalyst + technical*w.Technical
	score := sum / total
	if score < 0 {
		return 0
	}
	if score > 100 {
		return 100
	}
	return score
}
