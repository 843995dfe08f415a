package moe

import (
	"fmt"
	"slices"
)

// Activation is one example's block-sparse activation. Block k of Data holds
// the values of block Blocks[k].
type Activation struct {
	Blocks []int
	Data   []float32
}

func NewDenseActivation(row []float32) Activation {
	return Activation{Blocks: []int{0}, Data: row}
}

func (a Activation) Block(k, size int) []float32 {
	return a.Data[k*size : (k+1)*size]
}

// ZerosLike returns an activation on the same blocks with zeroed values.
func (a Activation) ZerosLike() Activation {
	return Activation{
		Blocks: a.Blocks,
		Data:   make([]float32, len(a.Data)),
	}
}

// Scatter expands the activation into a dense vector of numBlocks*size values.
func (a Activation) Scatter(numBlocks, size int) []float32 {
	y := make([]float32, numBlocks*size)
	for k, b := range a.Blocks {
		copy(y[b*size:(b+1)*size], a.Block(k, size))
	}
	return y
}

func (a Activation) validate(numBlocks, size int) error {
	if len(a.Data) != len(a.Blocks)*size {
		return fmt.Errorf("activation has %d values for %d blocks of size %d", len(a.Data), len(a.Blocks), size)
	}
	for _, b := range a.Blocks {
		if b < 0 || b >= numBlocks {
			return fmt.Errorf("block index %d out of range [0, %d)", b, numBlocks)
		}
	}
	return nil
}

// Route is the ordered selection a gater makes for one example.
type Route struct {
	Indices []int
	Weights []float32
}

// denseRoute selects the single output block with weight 1.
func denseRoute() Route {
	return Route{Indices: []int{0}, Weights: []float32{1.0}}
}

func (r Route) Len() int {
	return len(r.Indices)
}

func (r Route) Contains(idx int) bool {
	return slices.Contains(r.Indices, idx)
}

func (r Route) validate(numBlocks int) error {
	if len(r.Indices) != len(r.Weights) {
		return fmt.Errorf("route has %d indices and %d weights", len(r.Indices), len(r.Weights))
	}
	for _, idx := range r.Indices {
		if idx < 0 || idx >= numBlocks {
			return fmt.Errorf("route index %d out of range [0, %d)", idx, numBlocks)
		}
	}
	return nil
}
