package ml

import (
	"fmt"

	"github.com/chewxy/math32"
	"github.com/sw965/blocksparse/blas32/tensor/2d"
	"github.com/sw965/blocksparse/layer"
	"gonum.org/v1/gonum/blas/blas32"
)

// SumSquaredError returns 0.5 * Σ (y - t)² over the whole batch.
func SumSquaredError(y, t blas32.General) (float32, error) {
	if y.Rows != t.Rows || y.Cols != t.Cols {
		return 0.0, fmt.Errorf("y is %dx%d and t is %dx%d", y.Rows, y.Cols, t.Rows, t.Cols)
	}
	sqSum := float32(0.0)
	for r := 0; r < y.Rows; r++ {
		tr := tensor2d.Row(t, r)
		for c, e := range tensor2d.Row(y, r) {
			diff := e - tr[c]
			sqSum += diff * diff
		}
	}
	return 0.5 * sqSum, nil
}

func SumSquaredErrorDerivative(y, t blas32.General) (blas32.General, error) {
	if y.Rows != t.Rows || y.Cols != t.Cols {
		return blas32.General{}, fmt.Errorf("y is %dx%d and t is %dx%d", y.Rows, y.Cols, t.Rows, t.Cols)
	}
	grad := tensor2d.NewZeros(y.Rows, y.Cols)
	for r := 0; r < y.Rows; r++ {
		copy(tensor2d.Row(grad, r), tensor2d.Row(y, r))
	}
	tensor2d.Axpy(-1.0, t, grad)
	return grad, nil
}

// L2NormClipFactor returns the factor that scales the joint gradient of
// params down to maxNorm, or 1 if it is already shorter. maxNorm <= 0
// disables clipping.
func L2NormClipFactor(maxNorm float32, params []layer.Param) float32 {
	if maxNorm <= 0.0 {
		return 1.0
	}
	sqSum := float32(0.0)
	for _, p := range params {
		for r := 0; r < p.Grad.Rows; r++ {
			row := tensor2d.Row(p.Grad, r)
			n := blas32.Nrm2(blas32.Vector{N: len(row), Inc: 1, Data: row})
			sqSum += n * n
		}
	}
	norm := math32.Sqrt(sqSum)
	if norm == 0 {
		return 1.0
	}
	c := maxNorm / norm
	if c < 1.0 {
		return c
	}
	return 1.0
}
