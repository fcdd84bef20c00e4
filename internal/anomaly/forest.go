// Package anomaly scores feature vectors with an isolation forest.
//
// A forest is an ensemble of random partition trees, each grown on a random
// subsample of the training data. Points that are isolated after few splits
// are anomalous. The raw model output is a signed decision value, negative
// for outliers, which Scorer maps onto a bounded risk score and a verdict.
package anomaly

import (
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
	"sort"
	"time"
)

// Training defaults.
const (
	DefaultTrees         = 200
	DefaultMaxSamples    = 256
	DefaultContamination = 0.05
	DefaultSeed          = 42
)

const eulerGamma = 0.5772156649015329

var (
	ErrNoTrainingData    = errors.New("no training data")
	ErrDimensionMismatch = errors.New("feature dimension mismatch")
)

// Options controls forest training.
type Options struct {
	Trees         int     // number of trees; 0 means DefaultTrees
	MaxSamples    int     // subsample size; 0 means min(DefaultMaxSamples, n)
	Contamination float64 // expected outlier share in (0, 0.5]; 0 means DefaultContamination
	Seed          uint64
}

// DefaultOptions returns the options the scoring pipeline trains with.
func DefaultOptions() Options {
	return Options{
		Trees:         DefaultTrees,
		MaxSamples:    DefaultMaxSamples,
		Contamination: DefaultContamination,
		Seed:          DefaultSeed,
	}
}

// node is one node of a flattened isolation tree. Leaves have Left == -1.
type node struct {
	Feature int     `json:"f"`
	Split   float64 `json:"s"`
	Left    int32   `json:"l"`
	Right   int32   `json:"r"`
	Size    int     `json:"n"`
}

type tree struct {
	Nodes []node `json:"nodes"`
}

// Model is a trained isolation forest. It is immutable once trained and safe
// for concurrent use.
type Model struct {
	Version       string    `json:"version"`
	TrainedAt     time.Time `json:"trainedAt"`
	Samples       int       `json:"samples"`
	Synthetic     bool      `json:"synthetic"`
	Dimensions    int       `json:"dimensions"`
	SampleSize    int       `json:"sampleSize"`
	Contamination float64   `json:"contamination"`
	Offset        float64   `json:"offset"`
	Trees         []tree    `json:"trees"`
}

// Fit trains a forest on rows. Every row must have the same length.
func Fit(rows [][]float64, opts Options) (*Model, error) {
	if len(rows) == 0 {
		return nil, ErrNoTrainingData
	}
	dims := len(rows[0])
	if dims == 0 {
		return nil, fmt.Errorf("%w: empty rows", ErrDimensionMismatch)
	}
	for i, r := range rows {
		if len(r) != dims {
			return nil, fmt.Errorf("%w: row %d has %d features, want %d", ErrDimensionMismatch, i, len(r), dims)
		}
	}

	if opts.Trees <= 0 {
		opts.Trees = DefaultTrees
	}
	if opts.MaxSamples <= 0 {
		opts.MaxSamples = DefaultMaxSamples
	}
	if opts.Contamination <= 0 || opts.Contamination > 0.5 {
		opts.Contamination = DefaultContamination
	}
	psi := min(opts.MaxSamples, len(rows))
	heightLimit := int(math.Ceil(math.Log2(float64(max(psi, 2)))))

	rng := rand.New(rand.NewPCG(opts.Seed, opts.Seed))
	m := &Model{
		Samples:       len(rows),
		Dimensions:    dims,
		SampleSize:    psi,
		Contamination: opts.Contamination,
		Trees:         make([]tree, opts.Trees),
	}
	for t := range m.Trees {
		idx := rng.Perm(len(rows))[:psi]
		b := builder{rows: rows, rng: rng, limit: heightLimit}
		b.grow(idx, 0)
		m.Trees[t] = tree{Nodes: b.nodes}
	}

	scores := make([]float64, len(rows))
	for i, r := range rows {
		scores[i] = -m.anomalyScore(r)
	}
	m.Offset = percentile(scores, 100*opts.Contamination)
	return m, nil
}

type builder struct {
	rows  [][]float64
	rng   *rand.Rand
	limit int
	nodes []node
}

// grow appends the subtree for idx and returns its index.
func (b *builder) grow(idx []int, depth int) int32 {
	at := int32(len(b.nodes))
	b.nodes = append(b.nodes, node{Left: -1, Right: -1, Size: len(idx)})
	if depth >= b.limit || len(idx) <= 1 {
		return at
	}

	// Pick a random feature among those that still vary.
	dims := len(b.rows[0])
	lo, hi := make([]float64, dims), make([]float64, dims)
	for f := 0; f < dims; f++ {
		lo[f], hi[f] = math.Inf(1), math.Inf(-1)
		for _, i := range idx {
			v := b.rows[i][f]
			lo[f] = math.Min(lo[f], v)
			hi[f] = math.Max(hi[f], v)
		}
	}
	var candidates []int
	for f := 0; f < dims; f++ {
		if hi[f] > lo[f] {
			candidates = append(candidates, f)
		}
	}
	if len(candidates) == 0 {
		return at
	}
	f := candidates[b.rng.IntN(len(candidates))]
	split := lo[f] + b.rng.Float64()*(hi[f]-lo[f])

	var left, right []int
	for _, i := range idx {
		if b.rows[i][f] < split {
			left = append(left, i)
		} else {
			right = append(right, i)
		}
	}

	l := b.grow(left, depth+1)
	r := b.grow(right, depth+1)
	b.nodes[at].Feature = f
	b.nodes[at].Split = split
	b.nodes[at].Left = l
	b.nodes[at].Right = r
	return at
}

// check rejects trees that pathLength could not walk. Children always come
// after their parent, which also rules out cycles.
func (t *tree) check(dims int) error {
	if len(t.Nodes) == 0 {
		return errors.New("empty tree")
	}
	last := int32(len(t.Nodes) - 1)
	for i, n := range t.Nodes {
		if n.Left < 0 {
			continue
		}
		at := int32(i)
		if n.Left <= at || n.Left > last || n.Right <= at || n.Right > last {
			return fmt.Errorf("node %d has children %d/%d outside the tree", i, n.Left, n.Right)
		}
		if n.Feature < 0 || n.Feature >= dims {
			return fmt.Errorf("node %d splits on feature %d of %d", i, n.Feature, dims)
		}
	}
	return nil
}

func (t *tree) pathLength(x []float64) float64 {
	i, depth := int32(0), 0.0
	for {
		n := t.Nodes[i]
		if n.Left < 0 {
			return depth + averagePathLength(n.Size)
		}
		if x[n.Feature] < n.Split {
			i = n.Left
		} else {
			i = n.Right
		}
		depth++
	}
}

// anomalyScore is 2^(-E[h(x)]/c(psi)), in (0, 1]; higher is more anomalous.
func (m *Model) anomalyScore(x []float64) float64 {
	var total float64
	for i := range m.Trees {
		total += m.Trees[i].pathLength(x)
	}
	mean := total / float64(len(m.Trees))
	return math.Pow(2, -mean/averagePathLength(m.SampleSize))
}

// Decision returns the signed decision value of x. Negative means outlier.
func (m *Model) Decision(x []float64) (float64, error) {
	if len(x) != m.Dimensions {
		return 0, fmt.Errorf("%w: got %d features, want %d", ErrDimensionMismatch, len(x), m.Dimensions)
	}
	return -m.anomalyScore(x) - m.Offset, nil
}

// averagePathLength is c(n), the mean path length of an unsuccessful search
// in a binary search tree of n points.
func averagePathLength(n int) float64 {
	switch {
	case n <= 1:
		return 0
	case n == 2:
		return 1
	}
	fn := float64(n)
	return 2*(math.Log(fn-1)+eulerGamma) - 2*(fn-1)/fn
}

// percentile returns the p-th percentile of xs with linear interpolation
// between closest ranks.
func percentile(xs []float64, p float64) float64 {
	s := append([]float64(nil), xs...)
	sort.Float64s(s)
	if len(s) == 1 {
		return s[0]
	}
	pos := p / 100 * float64(len(s)-1)
	lo := int(math.Floor(pos))
	hi := int(math.Ceil(pos))
	frac := pos - float64(lo)
	return s[lo] + frac*(s[hi]-s[lo])
}
