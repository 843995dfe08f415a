package moe

import (
	"fmt"
	"math/rand/v2"
)

// Gater decides, per example, which expert blocks run and with what weight:
// projection -> NoisyReLU -> SortFilter.
type Gater struct {
	Proj   *Expert
	Gate   *NoisyReLU
	Filter *SortFilter
	Width  int
}

func NewGater(proj *Expert, gate *NoisyReLU, filter *SortFilter, width int) (*Gater, error) {
	s := proj.Store.Shape
	if s.OutBlocks != 1 || s.OutSize != width {
		return nil, fmt.Errorf("gater projection produces %d blocks of %d, expected 1 block of %d", s.OutBlocks, s.OutSize, width)
	}
	return &Gater{Proj: proj, Gate: gate, Filter: filter, Width: width}, nil
}

// Scores projects one example to its raw gate scores.
func (g *Gater) Scores(x Activation) ([]float32, error) {
	y, _, err := g.Proj.Apply(x, denseRoute())
	if err != nil {
		return nil, fmt.Errorf("gater: %w", err)
	}
	return y.Data, nil
}

// Route runs the gater on a single example with freshly drawn noise.
func (g *Gater) Route(x Activation, rng *rand.Rand) (Route, error) {
	r, _, err := g.RouteWithNoise(x, g.Gate.Noise(g.Width, rng))
	return r, err
}

// RouteWithNoise runs projection, rectifier and filter on one example using
// noise drawn by the caller. It also returns the rectified scores, which
// the filter adapts its threshold on.
func (g *Gater) RouteWithNoise(x Activation, noise []float32) (Route, []float32, error) {
	if len(noise) != g.Width {
		return Route{}, nil, fmt.Errorf("gater: noise has %d values, expected %d", len(noise), g.Width)
	}
	scores, err := g.Scores(x)
	if err != nil {
		return Route{}, nil, err
	}
	gated := g.Gate.Activate(scores, noise)
	return g.Filter.Select(gated), gated, nil
}

// Backward routes ∂L/∂weight of the selected units through the filter and
// the rectifier into the projection. It accumulates projection gradients
// and adds the input gradient into dx.
func (g *Gater) Backward(x Activation, r Route, dWeights []float32, dx Activation) {
	dScores := make([]float32, g.Width)
	// 選択されたユニットはrelu(z) > 0なので、微分はそのまま通る。
	for k, idx := range r.Indices {
		dScores[idx] = dWeights[k]
	}
	g.Proj.Backward(x, denseRoute(), nil, dScores, dx)
}

func (g *Gater) SetTraining(training bool) {
	g.Gate.Training = training
	g.Filter.Training = training
}
