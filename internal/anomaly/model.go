package anomaly

import (
	"fmt"
	"time"

	"github.com/mbd888/riskledger/internal/features"
)

// Train fits a forest on feature vectors. With fewer than
// MinTrainingSamples vectors it trains on Synthetic(opts.Seed) instead, so
// the pipeline is never left without a model.
func Train(vectors []features.Vector, opts Options) (*Model, error) {
	synthetic := len(vectors) < MinTrainingSamples
	if synthetic {
		vectors = Synthetic(opts.Seed)
	}

	rows := make([][]float64, len(vectors))
	for i, v := range vectors {
		if err := v.Validate(); err != nil {
			return nil, fmt.Errorf("training row %d: %w", i, err)
		}
		rows[i] = v.Slice()
	}

	m, err := Fit(rows, opts)
	if err != nil {
		return nil, err
	}
	m.Synthetic = synthetic
	m.TrainedAt = time.Now().UTC()
	m.Version = fmt.Sprintf("iforest-%s-n%d", m.TrainedAt.Format("20060102T150405Z"), m.Samples)
	if synthetic {
		m.Version += "-synthetic"
	}
	return m, nil
}

// Source reports where the model's training data came from.
func (m *Model) Source() string {
	if m.Synthetic {
		return "synthetic"
	}
	return "history"
}
