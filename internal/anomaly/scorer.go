package anomaly

import (
	"fmt"
	"math"

	"github.com/mbd888/riskledger/internal/features"
	"github.com/mbd888/riskledger/internal/ledger"
)

// Default verdict thresholds.
const (
	DefaultSuspiciousThreshold = 0.5
	DefaultCriticalThreshold   = 0.8
)

// ReasonNotTrained is the Assessment reason when no model is installed.
const ReasonNotTrained = "model not trained"

// Thresholds partition the risk range into verdicts.
type Thresholds struct {
	Suspicious float64
	Critical   float64
}

// DefaultThresholds returns the 0.5 / 0.8 thresholds.
func DefaultThresholds() Thresholds {
	return Thresholds{Suspicious: DefaultSuspiciousThreshold, Critical: DefaultCriticalThreshold}
}

// Verdict maps a risk score onto a tier.
func (t Thresholds) Verdict(score float64) ledger.Verdict {
	switch {
	case score >= t.Critical:
		return ledger.VerdictCritical
	case score >= t.Suspicious:
		return ledger.VerdictSuspicious
	default:
		return ledger.VerdictSafe
	}
}

// Assessment is the scorer's output for one vector.
type Assessment struct {
	Score        float64        `json:"riskScore"`
	Verdict      ledger.Verdict `json:"verdict"`
	Raw          float64        `json:"rawScore"`
	Outlier      bool           `json:"outlier"`
	ModelVersion string         `json:"modelVersion,omitempty"`
	Reason       string         `json:"reason,omitempty"`
}

// Scorer evaluates vectors against the model in a Handle.
type Scorer struct {
	handle     *Handle
	thresholds Thresholds
}

// NewScorer creates a scorer reading its model from h.
func NewScorer(h *Handle, t Thresholds) *Scorer {
	return &Scorer{handle: h, thresholds: t}
}

// Handle returns the scorer's model handle.
func (s *Scorer) Handle() *Handle { return s.handle }

// Score returns the risk of v. Without a model it returns a SAFE zero score
// rather than an error; only an invalid vector fails.
func (s *Scorer) Score(v features.Vector) (Assessment, error) {
	if err := v.Validate(); err != nil {
		return Assessment{}, err
	}
	m := s.handle.Current()
	if m == nil {
		return Assessment{Score: 0, Verdict: ledger.VerdictSafe, Reason: ReasonNotTrained}, nil
	}

	raw, err := m.Decision(v.Slice())
	if err != nil {
		return Assessment{}, fmt.Errorf("score: %w", err)
	}
	a := s.assess(raw)
	a.ModelVersion = m.Version
	return a, nil
}

// assess classifies the unrounded risk; only the reported score is rounded.
func (s *Scorer) assess(raw float64) Assessment {
	outlier := raw < 0
	risk := Normalize(raw, outlier)
	return Assessment{
		Score:   math.Round(risk*10000) / 10000,
		Verdict: s.thresholds.Verdict(risk),
		Raw:     raw,
		Outlier: outlier,
	}
}

// Normalize maps a decision value onto [0,1]: outliers land in [0.6, 1.0],
// inliers in [0.0, 0.4], placed by severity within each band.
func Normalize(raw float64, outlier bool) float64 {
	var risk float64
	if outlier {
		risk = 0.6 + math.Min(0.4, math.Abs(raw)*2)
	} else {
		risk = math.Max(0, 0.4-raw*0.5)
	}
	return clamp(risk, 0, 1)
}
