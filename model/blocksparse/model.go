// Package blocksparse implements a three-stage conditional-computation
// layer. Stages A and B route every example through a sparse subset of
// expert blocks chosen by a noisy gater; stage C maps the selected blocks of
// the last hidden layer to the output.
//
//	x -> A: tanh(ExpertA(x, GaterA(x))) -> B: tanh(ExpertB(h1, GaterB(h1))) -> C: tanh(ExpertC(h2)) -> y
//
// Parameters are updated in place by Update, only on the blocks the last
// forward pass used, so the model cannot be combined with momentum.
package blocksparse

import (
	"fmt"
	"math/rand/v2"

	"github.com/sw965/blocksparse/blas32/tensor/2d"
	"github.com/sw965/blocksparse/layer"
	"github.com/sw965/blocksparse/mathx/randx"
	"github.com/sw965/blocksparse/moe"
)

const (
	projA = iota
	expertA
	projB
	expertB
	expertC
	numStores
)

var stageNames = [3]string{"A", "B", "C"}

type Model struct {
	layer.Acts
	Config Config

	stores [numStores]*moe.Store
	stages [3]*moe.Mixture
	rng    *rand.Rand

	scale     float32
	forwarded bool
}

func New(cfg Config) (*Model, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	rng, err := randx.New(cfg.Source, cfg.Seed)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConfig, err)
	}

	bs1, bs2 := cfg.BlockSize(0), cfg.BlockSize(1)
	g1, g2 := cfg.GaterSizes[0], cfg.GaterSizes[1]
	shapes := [numStores]moe.Shape{
		projA:   {InBlocks: 1, InSize: cfg.InputSize, OutBlocks: 1, OutSize: g1},
		expertA: {InBlocks: 1, InSize: cfg.InputSize, OutBlocks: g1, OutSize: bs1},
		projB:   {InBlocks: g1, InSize: bs1, OutBlocks: 1, OutSize: g2},
		expertB: {InBlocks: g1, InSize: bs1, OutBlocks: g2, OutSize: bs2},
		expertC: {InBlocks: g2, InSize: bs2, OutBlocks: 1, OutSize: cfg.OutputSize},
	}
	var stores [numStores]*moe.Store
	for i, shape := range shapes {
		stores[i], err = moe.NewStore(shape)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrConfig, err)
		}
	}

	m, err := build(cfg, stores, rng)
	if err != nil {
		return nil, err
	}
	m.Reset()
	return m, nil
}

// build wires the stages around existing stores without touching their
// values.
func build(cfg Config, stores [numStores]*moe.Store, rng *rand.Rand) (*Model, error) {
	newGater := func(proj *moe.Store, width int) (*moe.Gater, error) {
		filter, err := moe.NewSortFilter(cfg.SparsityFactor, cfg.ThresholdLR)
		if err != nil {
			return nil, err
		}
		gate := moe.NewNoisyReLU(cfg.NoiseStd, cfg.Anneal)
		return moe.NewGater(moe.NewExpert(proj, cfg.Kernel), gate, filter, width)
	}

	gaterA, err := newGater(stores[projA], cfg.GaterSizes[0])
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConfig, err)
	}
	gaterB, err := newGater(stores[projB], cfg.GaterSizes[1])
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConfig, err)
	}

	gaters := [3]*moe.Gater{gaterA, gaterB, nil}
	experts := [3]*moe.Store{stores[expertA], stores[expertB], stores[expertC]}
	m := &Model{
		Config: cfg,
		stores: stores,
		rng:    rng,
		scale:  1,
	}
	for s := range m.stages {
		st, err := moe.NewMixture(stageNames[s], gaters[s], moe.NewExpert(experts[s], cfg.Kernel), rng)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrConfig, err)
		}
		st.Parallel = cfg.Parallel
		m.stages[s] = st
	}
	return m, nil
}

// Stages returns the A, B and C stages.
func (m *Model) Stages() [3]*moe.Mixture {
	return m.stages
}

func (m *Model) Forward(carry layer.Carry) (layer.Carry, error) {
	m.forwarded = false
	x := m.InputAct()
	if x.Cols != m.Config.InputSize {
		return carry, fmt.Errorf("input has %d columns, expected %d", x.Cols, m.Config.InputSize)
	}

	acts := make([]moe.Activation, x.Rows)
	for i := range acts {
		acts[i] = moe.NewDenseActivation(tensor2d.Row(x, i))
	}

	var err error
	for _, st := range m.stages {
		acts, err = st.Forward(acts)
		if err != nil {
			return carry, err
		}
	}

	out := m.Config.OutputSize
	y := tensor2d.NewZeros(x.Rows, out)
	for i, a := range acts {
		copy(tensor2d.Row(y, i), a.Scatter(1, out))
	}
	m.SetOutputAct(y)
	m.forwarded = true
	return carry, nil
}

// Backward computes the input gradient and accumulates the gradients of the
// parameter blocks used by the last forward pass. carry.Scale is kept for
// the next Update. A second Backward needs a new Forward.
func (m *Model) Backward(carry layer.Carry) (layer.Carry, error) {
	if !m.forwarded {
		return carry, fmt.Errorf("blocksparse: %w", moe.ErrNoForward)
	}
	m.scale = carry.ScaleOrOne()

	dy := m.OutputGrad()
	y := m.OutputAct()
	if dy.Rows != y.Rows || dy.Cols != y.Cols {
		return carry, fmt.Errorf("output grad is %dx%d, expected %dx%d", dy.Rows, dy.Cols, y.Rows, y.Cols)
	}

	grads := make([]moe.Activation, dy.Rows)
	for i := range grads {
		row := make([]float32, dy.Cols)
		copy(row, tensor2d.Row(dy, i))
		grads[i] = moe.Activation{Blocks: []int{0}, Data: row}
	}

	var err error
	for s := len(m.stages) - 1; s >= 0; s-- {
		grads, err = m.stages[s].Backward(grads)
		if err != nil {
			return carry, err
		}
	}

	dx := tensor2d.NewZeros(dy.Rows, m.Config.InputSize)
	for i, g := range grads {
		copy(tensor2d.Row(dx, i), g.Data)
	}
	m.SetInputGrad(dx)
	m.forwarded = false
	return carry, nil
}

// Update applies p -= lr * LearningRates[stage] * scale * grad to every
// block holding gradient and clears the consumed gradients.
func (m *Model) Update(lr float32) error {
	if lr < 0 {
		return fmt.Errorf("learning rate must be >= 0, got %v", lr)
	}
	for s, st := range m.stages {
		st.Update(lr * m.Config.LearningRates[s] * m.scale)
	}
	return nil
}

func (m *Model) ZeroGradients() {
	for _, st := range m.stages {
		st.ZeroGradients()
	}
}

func (m *Model) collect(active bool) []layer.Param {
	params := func(e *moe.Expert, prefix string) []layer.Param {
		if active {
			return e.ActiveParameters(prefix)
		}
		return e.Parameters(prefix)
	}

	var ps []layer.Param
	for s, st := range m.stages {
		name := stageNames[s]
		if st.Gater != nil {
			ps = append(ps, params(st.Gater.Proj, name+".gater.")...)
		}
		ps = append(ps, params(st.Expert, name+".expert.")...)
	}
	return ps
}

func (m *Model) Parameters() []layer.Param {
	return m.collect(false)
}

// ActiveParameters returns the parameter blocks used by the last forward
// pass, or all of them before the first one.
func (m *Model) ActiveParameters() []layer.Param {
	return m.collect(true)
}

// Reset reinitializes the parameters, which are shared with every clone,
// and clears thresholds, step counters and caches.
func (m *Model) Reset() {
	for _, st := range m.stages {
		st.Reset(m.Config.SparseInit, m.Config.SparseInitFanIn, m.rng)
	}
	m.scale = 1
	m.forwarded = false
}

// CloneShared returns a model reading and updating the same parameters.
// The clone has its own gradients, caches, thresholds and random source;
// thresholds and step counters start from the current values of m.
func (m *Model) CloneShared() (*Model, error) {
	rng, err := randx.New(m.Config.Source, m.rng.Uint64())
	if err != nil {
		return nil, err
	}

	var stores [numStores]*moe.Store
	for i, s := range m.stores {
		stores[i] = s.Retain()
	}
	clone, err := build(m.Config, stores, rng)
	if err != nil {
		for _, s := range stores {
			s.Release()
		}
		return nil, err
	}

	for s, st := range m.stages {
		if st.Gater == nil {
			continue
		}
		g := clone.stages[s].Gater
		g.Gate.Step = st.Gater.Gate.Step
		g.Filter.Threshold = st.Gater.Filter.Threshold
		g.SetTraining(st.Gater.Gate.Training)
	}
	return clone, nil
}

// Release drops this instance's reference to the shared parameters.
func (m *Model) Release() {
	for _, s := range m.stores {
		s.Release()
	}
}

func (m *Model) SetType(d layer.DType) error {
	if d != layer.Float32 {
		return fmt.Errorf("blocksparse: %w: %v", layer.ErrUnsupportedType, d)
	}
	return nil
}

func (m *Model) Tags() layer.Tags {
	return layer.Tags{layer.TagNoMomentum: true}
}

// SetTraining switches between training and evaluation. Evaluation turns
// off the gate noise, the threshold adaptation and the step counter.
func (m *Model) SetTraining(training bool) {
	for _, st := range m.stages {
		st.SetTraining(training)
	}
}

type Report struct {
	Scale        float32
	Step         int
	Alpha        float32
	Thresholds   [2]float32
	Achieved     [2]float32
	ActiveBlocks [3]int
}

func (r Report) String() string {
	return fmt.Sprintf("step=%d alpha=%.4f scale=%.3g thresholds=%.4f achieved=%.3f active=%v",
		r.Step, r.Alpha, r.Scale, r.Thresholds, r.Achieved, r.ActiveBlocks)
}

func (m *Model) Report() Report {
	r := Report{Scale: m.scale}
	gate := m.stages[0].Gater.Gate
	r.Step = gate.Step
	r.Alpha = gate.Alpha()
	for s := 0; s < 2; s++ {
		f := m.stages[s].Gater.Filter
		r.Thresholds[s] = f.Threshold
		r.Achieved[s] = f.Achieved
	}
	for s, st := range m.stages {
		r.ActiveBlocks[s] = st.Expert.ActiveOutBlocks()
	}
	return r
}

var (
	_ layer.Interface = (*Model)(nil)
	_ layer.Updater   = (*Model)(nil)
)
