// Package kernel provides the block matrix primitive used by the block-sparse
// expert transform. Every call touches exactly one weight block, so the cost of
// a forward or backward pass is proportional to the number of selected blocks.
package kernel

import (
	"fmt"

	"github.com/sw965/blocksparse/blas32/vector"
	"gonum.org/v1/gonum/blas"
	"gonum.org/v1/gonum/blas/blas32"
)

type Interface interface {
	// MulAdd computes y += alpha * w * x.
	MulAdd(alpha float32, w blas32.General, x, y []float32)
	// MulAddTrans computes dx += alpha * wᵀ * dy.
	MulAddTrans(alpha float32, w blas32.General, dy, dx []float32)
	// OuterAdd computes dw += alpha * dy * xᵀ.
	OuterAdd(alpha float32, dy, x []float32, dw blas32.General)
}

func checkShape(w blas32.General, in, out int) {
	if w.Cols != in || w.Rows != out {
		panic(fmt.Sprintf("kernel: block is %dx%d, vectors are out=%d in=%d", w.Rows, w.Cols, out, in))
	}
}

// Reference is the portable fallback written with plain loops.
type Reference struct{}

func (Reference) MulAdd(alpha float32, w blas32.General, x, y []float32) {
	checkShape(w, len(x), len(y))
	for r := 0; r < w.Rows; r++ {
		row := w.Data[r*w.Stride : r*w.Stride+w.Cols]
		var sum float32
		for c, e := range row {
			sum += e * x[c]
		}
		y[r] += alpha * sum
	}
}

func (Reference) MulAddTrans(alpha float32, w blas32.General, dy, dx []float32) {
	checkShape(w, len(dx), len(dy))
	for r := 0; r < w.Rows; r++ {
		a := alpha * dy[r]
		if a == 0 {
			continue
		}
		row := w.Data[r*w.Stride : r*w.Stride+w.Cols]
		for c, e := range row {
			dx[c] += a * e
		}
	}
}

func (Reference) OuterAdd(alpha float32, dy, x []float32, dw blas32.General) {
	checkShape(dw, len(x), len(dy))
	for r := 0; r < dw.Rows; r++ {
		a := alpha * dy[r]
		if a == 0 {
			continue
		}
		row := dw.Data[r*dw.Stride : r*dw.Stride+dw.Cols]
		for c := range row {
			row[c] += a * x[c]
		}
	}
}

// BLAS dispatches to gonum's blas32, which runs the pure Go implementation
// unless another one was installed with blas32.Use (see the netlib build tag).
type BLAS struct{}

func (BLAS) MulAdd(alpha float32, w blas32.General, x, y []float32) {
	checkShape(w, len(x), len(y))
	blas32.Gemv(blas.NoTrans, alpha, w, vector.FromSlice(x), 1.0, vector.FromSlice(y))
}

func (BLAS) MulAddTrans(alpha float32, w blas32.General, dy, dx []float32) {
	checkShape(w, len(dx), len(dy))
	blas32.Gemv(blas.Trans, alpha, w, vector.FromSlice(dy), 1.0, vector.FromSlice(dx))
}

func (BLAS) OuterAdd(alpha float32, dy, x []float32, dw blas32.General) {
	checkShape(dw, len(x), len(dy))
	blas32.Ger(alpha, vector.FromSlice(dy), vector.FromSlice(x), dw)
}
