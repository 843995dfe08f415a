package tensor2d_test

import (
	"math/rand/v2"
	"slices"
	"testing"

	"github.com/sw965/blocksparse/blas32/tensor/2d"
	"gonum.org/v1/gonum/blas/blas32"
)

func TestFromRows(t *testing.T) {
	gen, err := tensor2d.FromRows([][]float32{{1, 2}, {3, 4}, {5, 6}})
	if err != nil {
		t.Fatal(err)
	}
	if gen.Rows != 3 || gen.Cols != 2 {
		t.Fatalf("shape: %dx%d", gen.Rows, gen.Cols)
	}
	if !slices.Equal(tensor2d.Row(gen, 2), []float32{5, 6}) {
		t.Errorf("row 2: %v", tensor2d.Row(gen, 2))
	}

	if _, err := tensor2d.FromRows([][]float32{{1, 2}, {3}}); err == nil {
		t.Errorf("ragged rows must fail")
	}
}

func TestAxpyScal(t *testing.T) {
	x := tensor2d.View([]float32{1, 2, 3, 4}, 2, 2)
	y := tensor2d.View([]float32{1, 1, 1, 1}, 2, 2)
	tensor2d.Axpy(2.0, x, y)
	tensor2d.Scal(0.5, y)
	expected := []float32{1.5, 2.5, 3.5, 4.5}
	if !slices.Equal(y.Data, expected) {
		t.Errorf("got %v, expected %v", y.Data, expected)
	}
}

func TestAxpyStrided(t *testing.T) {
	// 2x2 views inside 2x3 arenas; the last column is padding.
	x := blas32.General{Rows: 2, Cols: 2, Stride: 3, Data: []float32{1, 2, 9, 3, 4}}
	y := blas32.General{Rows: 2, Cols: 2, Stride: 3, Data: []float32{1, 1, 7, 1, 1}}
	tensor2d.Axpy(-1.0, x, y)
	expected := []float32{0, -1, 7, -2, -3}
	if !slices.Equal(y.Data, expected) {
		t.Errorf("got %v, expected %v", y.Data, expected)
	}
	tensor2d.Zero(y)
	if !slices.Equal(y.Data, []float32{0, 0, 7, 0, 0}) {
		t.Errorf("Zero touched the padding: %v", y.Data)
	}
}

func TestFillSparse(t *testing.T) {
	rng := rand.New(rand.NewPCG(1, 2))
	gen := tensor2d.NewZeros(6, 10)
	tensor2d.FillUniform(gen, 10, rng)
	tensor2d.FillSparse(gen, 15, rng)

	k := tensor2d.SparseFanIn(10, 15)
	if k != 5 {
		t.Fatalf("SparseFanIn(10, 15) = %d", k)
	}
	for r, n := range tensor2d.CountNonZeroByRow(gen) {
		if n > k {
			t.Errorf("row %d has %d nonzeros, limit %d", r, n, k)
		}
	}
}

func TestSparseFanIn(t *testing.T) {
	cases := []struct {
		fanIn, limit, expected int
	}{
		{100, 15, 15},
		{10, 15, 5},
		{1, 15, 1},
		{3, 1, 1},
	}
	for _, c := range cases {
		if got := tensor2d.SparseFanIn(c.fanIn, c.limit); got != c.expected {
			t.Errorf("SparseFanIn(%d, %d) = %d, expected %d", c.fanIn, c.limit, got, c.expected)
		}
	}
}
