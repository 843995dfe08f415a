package moe

import (
	"fmt"
	"math/rand/v2"

	"github.com/sw965/blocksparse/blas32/tensor/2d"
	"github.com/sw965/blocksparse/blas32/vector"
	"github.com/sw965/blocksparse/kernel"
	"github.com/sw965/blocksparse/layer"
	"gonum.org/v1/gonum/blas/blas32"
)

// Expert is a linear transform partitioned into blocks. For one example,
// output block j is computed only if the route selects it:
//
//	y_j = g_j * (b_j + Σ_i W_ji x_i)
//
// where i runs over the active blocks of the input.
type Expert struct {
	Store  *Store
	Kernel kernel.Interface

	weightGrad []float32
	biasGrad   []float32

	// usedW / usedB record the blocks read by the last forward pass,
	// touchedW / touchedB the blocks holding gradient.
	usedW, touchedW []bool
	usedB, touchedB []bool
	forwarded       bool
}

func NewExpert(store *Store, k kernel.Interface) *Expert {
	if k == nil {
		k = kernel.BLAS{}
	}
	nBlocks := store.OutBlocks * store.InBlocks
	return &Expert{
		Store:      store,
		Kernel:     k,
		weightGrad: make([]float32, len(store.Weight)),
		biasGrad:   make([]float32, len(store.Bias)),
		usedW:      make([]bool, nBlocks),
		touchedW:   make([]bool, nBlocks),
		usedB:      make([]bool, store.OutBlocks),
		touchedB:   make([]bool, store.OutBlocks),
	}
}

// Share returns an expert aliasing the same parameters with its own
// gradient buffers.
func (e *Expert) Share() *Expert {
	return NewExpert(e.Store.Retain(), e.Kernel)
}

func (e *Expert) blockIdx(out, in int) int {
	return out*e.Store.InBlocks + in
}

// Apply computes the routed output of one example. It returns the output
// activation (on the blocks of r, in route order) and the pre-gate values
// b_j + Σ_i W_ji x_i needed by Backward. Apply does not modify e.
func (e *Expert) Apply(x Activation, r Route) (Activation, []float32, error) {
	s := e.Store
	if err := x.validate(s.InBlocks, s.InSize); err != nil {
		return Activation{}, nil, fmt.Errorf("expert input: %w", err)
	}
	if err := r.validate(s.OutBlocks); err != nil {
		return Activation{}, nil, fmt.Errorf("expert route: %w", err)
	}

	pre := make([]float32, r.Len()*s.OutSize)
	y := Activation{
		Blocks: r.Indices,
		Data:   make([]float32, len(pre)),
	}
	for k, j := range r.Indices {
		preK := pre[k*s.OutSize : (k+1)*s.OutSize]
		copy(preK, s.BiasBlock(s.Bias, j))
		for m, i := range x.Blocks {
			e.Kernel.MulAdd(1.0, s.WeightBlock(s.Weight, j, i), x.Block(m, s.InSize), preK)
		}
		g := r.Weights[k]
		yK := y.Block(k, s.OutSize)
		for u, v := range preK {
			yK[u] = g * v
		}
	}
	return y, pre, nil
}

func (e *Expert) markUsed(x Activation, r Route) {
	for _, j := range r.Indices {
		e.usedB[j] = true
		for _, i := range x.Blocks {
			e.usedW[e.blockIdx(j, i)] = true
		}
	}
	e.forwarded = true
}

func (e *Expert) clearUsed() {
	clear(e.usedW)
	clear(e.usedB)
	e.forwarded = false
}

// Backward accumulates the parameter gradients of the blocks selected by r,
// adds the input gradient into dx (which must be on the blocks of x) and
// returns ∂L/∂g for each route entry. pre may be nil when the gate
// gradient is not needed.
func (e *Expert) Backward(x Activation, r Route, pre, dy []float32, dx Activation) []float32 {
	s := e.Store
	dg := make([]float32, r.Len())
	dpre := make([]float32, s.OutSize)
	for k, j := range r.Indices {
		dyK := dy[k*s.OutSize : (k+1)*s.OutSize]
		g := r.Weights[k]
		for u, v := range dyK {
			dpre[u] = g * v
		}
		if pre != nil {
			preK := pre[k*s.OutSize : (k+1)*s.OutSize]
			dg[k] = blas32.Dot(vector.FromSlice(dyK), vector.FromSlice(preK))
		}

		bGrad := s.BiasBlock(e.biasGrad, j)
		for u, v := range dpre {
			bGrad[u] += v
		}
		e.touchedB[j] = true

		for m, i := range x.Blocks {
			xM := x.Block(m, s.InSize)
			e.Kernel.OuterAdd(1.0, dpre, xM, s.WeightBlock(e.weightGrad, j, i))
			e.Kernel.MulAddTrans(1.0, s.WeightBlock(s.Weight, j, i), dpre, dx.Block(m, s.InSize))
			e.touchedW[e.blockIdx(j, i)] = true
		}
	}
	return dg
}

// Update applies w -= alpha * grad to every block holding gradient and
// clears the consumed gradient.
func (e *Expert) Update(alpha float32) {
	s := e.Store
	s.mu.Lock()
	defer s.mu.Unlock()

	for j := 0; j < s.OutBlocks; j++ {
		if e.touchedB[j] {
			bias := s.BiasBlock(s.Bias, j)
			bGrad := s.BiasBlock(e.biasGrad, j)
			blas32.Axpy(-alpha, vector.FromSlice(bGrad), vector.FromSlice(bias))
			clear(bGrad)
			e.touchedB[j] = false
		}
		for i := 0; i < s.InBlocks; i++ {
			idx := e.blockIdx(j, i)
			if !e.touchedW[idx] {
				continue
			}
			w := s.WeightBlock(s.Weight, j, i)
			wGrad := s.WeightBlock(e.weightGrad, j, i)
			tensor2d.Axpy(-alpha, wGrad, w)
			tensor2d.Zero(wGrad)
			e.touchedW[idx] = false
		}
	}
}

func (e *Expert) ZeroGradients() {
	clear(e.weightGrad)
	clear(e.biasGrad)
	clear(e.touchedW)
	clear(e.touchedB)
}

// Reset reinitializes the shared parameters. Dense initialization draws
// U(-1/√fanIn, 1/√fanIn); sparse initialization keeps a bounded number of
// gaussian incoming weights per unit and zeroes the biases.
func (e *Expert) Reset(sparse bool, sparseFanIn int, rng *rand.Rand) {
	s := e.Store
	fanIn := s.FanIn()
	for j := 0; j < s.OutBlocks; j++ {
		rows := s.WeightRows(s.Weight, j)
		if sparse {
			tensor2d.FillSparse(rows, sparseFanIn, rng)
		} else {
			tensor2d.FillUniform(rows, fanIn, rng)
		}
	}
	if sparse {
		clear(s.Bias)
	} else {
		bias := tensor2d.View(s.Bias, 1, len(s.Bias))
		tensor2d.FillUniform(bias, fanIn, rng)
	}
	e.ZeroGradients()
	e.clearUsed()
}

// WeightGrad returns the gradient view of block (out, in).
func (e *Expert) WeightGrad(out, in int) blas32.General {
	return e.Store.WeightBlock(e.weightGrad, out, in)
}

func (e *Expert) BiasGrad(out int) []float32 {
	return e.Store.BiasBlock(e.biasGrad, out)
}

func (e *Expert) weightParam(prefix string, out, in int) layer.Param {
	s := e.Store
	return layer.Param{
		Name:  fmt.Sprintf("%sweight[%d,%d]", prefix, out, in),
		Value: s.WeightBlock(s.Weight, out, in),
		Grad:  s.WeightBlock(e.weightGrad, out, in),
	}
}

func (e *Expert) biasParam(prefix string, out int) layer.Param {
	s := e.Store
	return layer.Param{
		Name:  fmt.Sprintf("%sbias[%d]", prefix, out),
		Value: tensor2d.View(s.BiasBlock(s.Bias, out), 1, s.OutSize),
		Grad:  tensor2d.View(s.BiasBlock(e.biasGrad, out), 1, s.OutSize),
	}
}

// Parameters returns every block of the expert.
func (e *Expert) Parameters(prefix string) []layer.Param {
	s := e.Store
	params := make([]layer.Param, 0, s.OutBlocks*(s.InBlocks+1))
	for j := 0; j < s.OutBlocks; j++ {
		for i := 0; i < s.InBlocks; i++ {
			params = append(params, e.weightParam(prefix, j, i))
		}
		params = append(params, e.biasParam(prefix, j))
	}
	return params
}

// ActiveParameters returns the blocks read by the last forward pass, or
// every block if there was none.
func (e *Expert) ActiveParameters(prefix string) []layer.Param {
	if !e.forwarded {
		return e.Parameters(prefix)
	}
	s := e.Store
	var params []layer.Param
	for j := 0; j < s.OutBlocks; j++ {
		for i := 0; i < s.InBlocks; i++ {
			if e.usedW[e.blockIdx(j, i)] {
				params = append(params, e.weightParam(prefix, j, i))
			}
		}
		if e.usedB[j] {
			params = append(params, e.biasParam(prefix, j))
		}
	}
	return params
}

// ActiveOutBlocks returns how many output blocks the last forward pass used.
func (e *Expert) ActiveOutBlocks() int {
	n := 0
	for _, used := range e.usedB {
		if used {
			n++
		}
	}
	return n
}
