package moe

import (
	"fmt"
	"sync"
	"sync/atomic"

	"gonum.org/v1/gonum/blas/blas32"
)

// Shape describes how an expert's parameters are partitioned. The input has
// InBlocks blocks of InSize values, the output OutBlocks blocks of OutSize.
type Shape struct {
	InBlocks  int
	InSize    int
	OutBlocks int
	OutSize   int
}

func (s Shape) Validate() error {
	if s.InBlocks <= 0 || s.InSize <= 0 || s.OutBlocks <= 0 || s.OutSize <= 0 {
		return fmt.Errorf("invalid expert shape %+v", s)
	}
	return nil
}

// FanIn is the number of incoming weights of one output unit.
func (s Shape) FanIn() int {
	return s.InBlocks * s.InSize
}

func (s Shape) weightLen() int {
	return s.OutBlocks * s.OutSize * s.FanIn()
}

func (s Shape) biasLen() int {
	return s.OutBlocks * s.OutSize
}

// WeightBlock returns the OutSize x InSize view of block (out, in) inside a
// weight arena. Each output unit keeps its whole fan-in contiguous, so the
// view is strided.
func (s Shape) WeightBlock(arena []float32, out, in int) blas32.General {
	stride := s.FanIn()
	offset := out*s.OutSize*stride + in*s.InSize
	end := offset + (s.OutSize-1)*stride + s.InSize
	return blas32.General{
		Rows:   s.OutSize,
		Cols:   s.InSize,
		Stride: stride,
		Data:   arena[offset:end],
	}
}

// WeightRows returns the OutSize x FanIn matrix of output block out.
func (s Shape) WeightRows(arena []float32, out int) blas32.General {
	stride := s.FanIn()
	n := s.OutSize * stride
	return blas32.General{
		Rows:   s.OutSize,
		Cols:   stride,
		Stride: stride,
		Data:   arena[out*n : (out+1)*n],
	}
}

func (s Shape) BiasBlock(arena []float32, out int) []float32 {
	return arena[out*s.OutSize : (out+1)*s.OutSize]
}

// Store owns the parameter arena of one expert transform. Clones alias it
// through Retain; only one of them may run Update at a time.
type Store struct {
	Shape
	Weight []float32
	Bias   []float32

	mu   sync.Mutex
	refs atomic.Int32
}

func NewStore(shape Shape) (*Store, error) {
	if err := shape.Validate(); err != nil {
		return nil, err
	}
	s := &Store{
		Shape:  shape,
		Weight: make([]float32, shape.weightLen()),
		Bias:   make([]float32, shape.biasLen()),
	}
	s.refs.Store(1)
	return s, nil
}

func (s *Store) Retain() *Store {
	s.refs.Add(1)
	return s
}

// Release drops one reference and returns how many remain.
func (s *Store) Release() int32 {
	return s.refs.Add(-1)
}

func (s *Store) Refs() int32 {
	return s.refs.Load()
}
