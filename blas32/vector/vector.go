package vector

import (
	"gonum.org/v1/gonum/blas/blas32"
)

func NewZeros(n int) blas32.Vector {
	return blas32.Vector{
		N:    n,
		Inc:  1,
		Data: make([]float32, n),
	}
}

// FromSlice はdataをコピーせずにベクトルとして扱う。
func FromSlice(data []float32) blas32.Vector {
	return blas32.Vector{
		N:    len(data),
		Inc:  1,
		Data: data,
	}
}

// Block returns a view of the i-th contiguous block of size n.
func Block(data []float32, i, n int) []float32 {
	return data[i*n : (i+1)*n]
}

func CountNonZero(data []float32) int {
	n := 0
	for _, e := range data {
		if e != 0 {
			n++
		}
	}
	return n
}

func IsZero(data []float32) bool {
	for _, e := range data {
		if e != 0 {
			return false
		}
	}
	return true
}
