package tensor2d

import (
	"fmt"
	"math/rand/v2"

	"github.com/chewxy/math32"
	"github.com/sw965/blocksparse/blas32/vector"
	"github.com/sw965/blocksparse/mathx/randx"
	"gonum.org/v1/gonum/blas/blas32"
)

func NewZeros(rows, cols int) blas32.General {
	return blas32.General{
		Rows:   rows,
		Cols:   cols,
		Stride: cols,
		Data:   make([]float32, rows*cols),
	}
}

func FromRows(rows [][]float32) (blas32.General, error) {
	if len(rows) == 0 {
		return blas32.General{}, fmt.Errorf("rows is empty")
	}
	cols := len(rows[0])
	gen := NewZeros(len(rows), cols)
	for i, row := range rows {
		if len(row) != cols {
			return blas32.General{}, fmt.Errorf("row %d has %d cols, expected %d", i, len(row), cols)
		}
		copy(Row(gen, i), row)
	}
	return gen, nil
}

// View はdataをコピーせずに rows x cols の行列として扱う。
func View(data []float32, rows, cols int) blas32.General {
	if len(data) != rows*cols {
		panic(fmt.Sprintf("tensor2d.View: len(data) = %d, expected %d", len(data), rows*cols))
	}
	return blas32.General{
		Rows:   rows,
		Cols:   cols,
		Stride: cols,
		Data:   data,
	}
}

func At(gen blas32.General, row, col int) int {
	return row*gen.Stride + col
}

func Row(gen blas32.General, row int) []float32 {
	offset := row * gen.Stride
	return gen.Data[offset : offset+gen.Cols]
}

// Scal と Axpy は Stride を考慮し、行ごとに処理する。
func Scal(alpha float32, gen blas32.General) {
	for r := 0; r < gen.Rows; r++ {
		blas32.Scal(alpha, vector.FromSlice(Row(gen, r)))
	}
}

func Axpy(alpha float32, x, y blas32.General) {
	if x.Rows != y.Rows || x.Cols != y.Cols {
		panic("tensor2d.Axpy: shape mismatch")
	}
	for r := 0; r < x.Rows; r++ {
		blas32.Axpy(alpha, vector.FromSlice(Row(x, r)), vector.FromSlice(Row(y, r)))
	}
}

// Zero clears every element of gen, leaving any padding between rows untouched.
func Zero(gen blas32.General) {
	for r := 0; r < gen.Rows; r++ {
		clear(Row(gen, r))
	}
}

// FillUniform は各要素を U(-1/√fanIn, 1/√fanIn) で初期化する。
func FillUniform(gen blas32.General, fanIn int, rng *rand.Rand) {
	limit := 1.0 / math32.Sqrt(float32(fanIn))
	for r := 0; r < gen.Rows; r++ {
		randx.FillUniform(Row(gen, r), -limit, limit, rng)
	}
}

// SparseFanIn is the number of nonzero incoming weights per unit used by
// FillSparse for a unit with the given fan-in. A fan-in of 1 keeps its single
// weight, so such a unit is no sparser than a dense one.
func SparseFanIn(fanIn, limit int) int {
	k := (fanIn + 1) / 2
	if limit < k {
		k = limit
	}
	if k < 1 {
		k = 1
	}
	return k
}

// FillSparse zeroes every row and then gives it SparseFanIn(cols, limit)
// gaussian entries (Martens 2010).
func FillSparse(gen blas32.General, limit int, rng *rand.Rand) {
	k := SparseFanIn(gen.Cols, limit)
	std := 1.0 / math32.Sqrt(float32(k))
	for r := 0; r < gen.Rows; r++ {
		row := Row(gen, r)
		clear(row)
		for _, c := range randx.Choose(gen.Cols, k, rng) {
			row[c] = std * randx.Normal32(rng)
		}
	}
}

func CountNonZeroByRow(gen blas32.General) []int {
	counts := make([]int, gen.Rows)
	for r := range counts {
		counts[r] = vector.CountNonZero(Row(gen, r))
	}
	return counts
}
