package anomaly

import (
	"math"
	"math/rand/v2"

	"gonum.org/v1/gonum/stat/distuv"

	"github.com/mbd888/riskledger/internal/features"
)

// MinTrainingSamples is the smallest history the trainer fits on. Below it
// the model is bootstrapped from synthetic data.
const MinTrainingSamples = 10

const (
	syntheticNormal    = 500
	syntheticAnomalies = 25
)

// Synthetic returns a seeded population of normal banking activity
// (moderate amounts, business hours, weekdays, low frequency) followed by a
// small anomalous one (large amounts, small hours, weekends, rapid fire).
func Synthetic(seed uint64) []features.Vector {
	src := rand.NewPCG(seed, seed)
	rng := rand.New(src)

	amount := distuv.LogNormal{Mu: 4, Sigma: 1, Src: src}
	hour := distuv.Normal{Mu: 14, Sigma: 3, Src: src}
	freq := distuv.Poisson{Lambda: 2, Src: src}
	bigAmount := distuv.Uniform{Min: 8000, Max: 50000, Src: src}

	out := make([]features.Vector, 0, syntheticNormal+syntheticAnomalies)
	for i := 0; i < syntheticNormal; i++ {
		out = append(out, features.Vector{
			Amount:          clamp(amount.Rand(), 10, 5000),
			HourOfDay:       int(clamp(hour.Rand(), 0, 23)),
			DayOfWeek:       rng.IntN(5),
			SenderFrequency: int(freq.Rand()),
		})
	}
	for i := 0; i < syntheticAnomalies; i++ {
		out = append(out, features.Vector{
			Amount:          bigAmount.Rand(),
			HourOfDay:       rng.IntN(5),
			DayOfWeek:       5 + rng.IntN(2),
			SenderFrequency: 8 + rng.IntN(12),
		})
	}
	return out
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}
