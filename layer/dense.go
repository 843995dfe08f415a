package layer

import (
	"fmt"
	"math/rand/v2"

	"github.com/sw965/blocksparse/blas32/tensor/2d"
	"gonum.org/v1/gonum/blas"
	"gonum.org/v1/gonum/blas/blas32"
)

// Dense is a fully connected layer y = xW + b with W stored as in x out.
type Dense struct {
	Acts
	W     blas32.General
	B     blas32.General
	WGrad blas32.General
	BGrad blas32.General

	rng *rand.Rand
}

func NewDense(in, out int, rng *rand.Rand) *Dense {
	d := &Dense{
		W:     tensor2d.NewZeros(in, out),
		B:     tensor2d.NewZeros(1, out),
		WGrad: tensor2d.NewZeros(in, out),
		BGrad: tensor2d.NewZeros(1, out),
		rng:   rng,
	}
	d.Reset()
	return d
}

func (d *Dense) Forward(carry Carry) (Carry, error) {
	x := d.InputAct()
	if x.Cols != d.W.Rows {
		return carry, fmt.Errorf("dense: input has %d cols, expected %d", x.Cols, d.W.Rows)
	}
	y := tensor2d.NewZeros(x.Rows, d.W.Cols)
	bias := tensor2d.Row(d.B, 0)
	for r := 0; r < y.Rows; r++ {
		copy(tensor2d.Row(y, r), bias)
	}
	blas32.Gemm(blas.NoTrans, blas.NoTrans, 1.0, x, d.W, 1.0, y)
	d.SetOutputAct(y)
	return carry, nil
}

func (d *Dense) Backward(carry Carry) (Carry, error) {
	x := d.InputAct()
	dout := d.OutputGrad()
	if x.Data == nil {
		return carry, fmt.Errorf("dense: backward called before forward")
	}
	if dout.Rows != x.Rows || dout.Cols != d.W.Cols {
		return carry, fmt.Errorf("dense: output grad is %dx%d, expected %dx%d", dout.Rows, dout.Cols, x.Rows, d.W.Cols)
	}

	// ∂L/∂W = xᵀ・dout
	blas32.Gemm(blas.Trans, blas.NoTrans, 1.0, x, dout, 1.0, d.WGrad)
	// ∂L/∂b
	bGrad := tensor2d.Row(d.BGrad, 0)
	for r := 0; r < dout.Rows; r++ {
		for c, e := range tensor2d.Row(dout, r) {
			bGrad[c] += e
		}
	}

	dx := tensor2d.NewZeros(x.Rows, x.Cols)
	blas32.Gemm(blas.NoTrans, blas.Trans, 1.0, dout, d.W, 0.0, dx)
	d.SetInputGrad(dx)
	return carry, nil
}

func (d *Dense) Parameters() []Param {
	return []Param{
		{Name: "weight", Value: d.W, Grad: d.WGrad},
		{Name: "bias", Value: d.B, Grad: d.BGrad},
	}
}

func (d *Dense) SetType(t DType) error {
	if t != Float32 {
		return fmt.Errorf("dense: %w: %v", ErrUnsupportedType, t)
	}
	return nil
}

func (d *Dense) Reset() {
	tensor2d.FillUniform(d.W, d.W.Rows, d.rng)
	clear(d.B.Data)
	d.ZeroGradients()
}

func (d *Dense) ZeroGradients() {
	clear(d.WGrad.Data)
	clear(d.BGrad.Data)
}

func (d *Dense) Tags() Tags {
	return Tags{}
}
