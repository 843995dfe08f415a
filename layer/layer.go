// Package layer defines the capability interface shared by every trainable
// component: anything that can run forward, run backward, expose its
// parameters, change precision, reset and report tags is a layer.
package layer

import (
	"errors"
	"fmt"

	"gonum.org/v1/gonum/blas/blas32"
)

var ErrUnsupportedType = errors.New("unsupported type")

type DType int

const (
	Float32 DType = iota
	Float64
)

func (d DType) String() string {
	switch d {
	case Float32:
		return "float32"
	case Float64:
		return "float64"
	}
	return fmt.Sprintf("DType(%d)", int(d))
}

// Carry is threaded through Forward and Backward within one step.
type Carry struct {
	// Scale weights the examples of the step; zero means 1.
	Scale   float32
	Targets blas32.General
}

func (c Carry) ScaleOrOne() float32 {
	if c.Scale == 0 {
		return 1.0
	}
	return c.Scale
}

type Param struct {
	Name  string
	Value blas32.General
	Grad  blas32.General
}

const TagNoMomentum = "no-momentum"

type Tags map[string]bool

type Interface interface {
	SetInputAct(blas32.General)
	OutputAct() blas32.General
	SetOutputGrad(blas32.General)
	InputGrad() blas32.General

	Forward(Carry) (Carry, error)
	Backward(Carry) (Carry, error)
	Parameters() []Param
	SetType(DType) error
	Reset()
	Tags() Tags
}

// Updater is implemented by layers that apply their own gradients in place.
type Updater interface {
	Update(lr float32) error
}

func HasTag(l Interface, tag string) bool {
	return l.Tags()[tag]
}

// Acts holds the activation and gradient slots of a layer.
type Acts struct {
	inputAct   blas32.General
	outputAct  blas32.General
	outputGrad blas32.General
	inputGrad  blas32.General
}

func (a *Acts) SetInputAct(x blas32.General)   { a.inputAct = x }
func (a *Acts) InputAct() blas32.General       { return a.inputAct }
func (a *Acts) SetOutputAct(y blas32.General)  { a.outputAct = y }
func (a *Acts) OutputAct() blas32.General      { return a.outputAct }
func (a *Acts) SetOutputGrad(g blas32.General) { a.outputGrad = g }
func (a *Acts) OutputGrad() blas32.General     { return a.outputGrad }
func (a *Acts) SetInputGrad(g blas32.General)  { a.inputGrad = g }
func (a *Acts) InputGrad() blas32.General      { return a.inputGrad }

type Sequence []Interface

func (s Sequence) Forward(x blas32.General, carry Carry) (blas32.General, Carry, error) {
	var err error
	for _, l := range s {
		l.SetInputAct(x)
		carry, err = l.Forward(carry)
		if err != nil {
			return blas32.General{}, carry, err
		}
		x = l.OutputAct()
	}
	y := x
	return y, carry, nil
}

func (s Sequence) Backward(dy blas32.General, carry Carry) (blas32.General, Carry, error) {
	var err error
	for i := len(s) - 1; i >= 0; i-- {
		s[i].SetOutputGrad(dy)
		carry, err = s[i].Backward(carry)
		if err != nil {
			return blas32.General{}, carry, err
		}
		dy = s[i].InputGrad()
	}
	dx := dy
	return dx, carry, nil
}

func (s Sequence) Parameters() []Param {
	var params []Param
	for _, l := range s {
		params = append(params, l.Parameters()...)
	}
	return params
}

func (s Sequence) Reset() {
	for _, l := range s {
		l.Reset()
	}
}

func (s Sequence) SetType(d DType) error {
	for _, l := range s {
		if err := l.SetType(d); err != nil {
			return err
		}
	}
	return nil
}
