package optimizer

import (
	"errors"
	"fmt"

	"github.com/sw965/blocksparse/blas32/tensor/2d"
	"github.com/sw965/blocksparse/layer"
	"gonum.org/v1/gonum/blas/blas32"
)

var ErrMomentumUnsupported = errors.New("layer updates its parameters in place and cannot use momentum")

type Interface interface {
	Train(layer.Interface) error
}

// TrainAll runs opt on every layer in order and stops at the first error.
func TrainAll(opt Interface, layers ...layer.Interface) error {
	for _, l := range layers {
		if err := opt.Train(l); err != nil {
			return err
		}
	}
	return nil
}

type SGD struct {
	LearningRate float32
}

// Train hands the step to layers that update themselves and applies
// w -= lr * grad to the parameters of the others. Gradients are cleared.
func (o *SGD) Train(l layer.Interface) error {
	if u, ok := l.(layer.Updater); ok {
		return u.Update(o.LearningRate)
	}
	for _, p := range l.Parameters() {
		tensor2d.Axpy(-o.LearningRate, p.Grad, p.Value)
		tensor2d.Zero(p.Grad)
	}
	return nil
}

// https://github.com/oreilly-japan/deep-learning-from-scratch/blob/master/common/optimizer.py
type Momentum struct {
	LearningRate float32
	MomentumRate float32
	velocity     map[*float32]blas32.General
}

func NewMomentum(lr float32) *Momentum {
	return &Momentum{
		LearningRate: lr,
		MomentumRate: 0.9,
		velocity:     map[*float32]blas32.General{},
	}
}

func (o *Momentum) Train(l layer.Interface) error {
	if layer.HasTag(l, layer.TagNoMomentum) {
		return fmt.Errorf("%T: %w", l, ErrMomentumUnsupported)
	}
	if o.velocity == nil {
		o.velocity = map[*float32]blas32.General{}
	}
	for _, p := range l.Parameters() {
		if len(p.Value.Data) == 0 {
			continue
		}
		// 速度はパラメータの記憶領域ごとに保持する。
		key := &p.Value.Data[0]
		v, ok := o.velocity[key]
		if !ok {
			v = tensor2d.NewZeros(p.Value.Rows, p.Value.Cols)
			o.velocity[key] = v
		}
		tensor2d.Scal(o.MomentumRate, v)
		tensor2d.Axpy(-o.LearningRate, p.Grad, v)
		tensor2d.Axpy(1.0, v, p.Value)
		tensor2d.Zero(p.Grad)
	}
	return nil
}
