package moe

import (
	"fmt"

	"github.com/chewxy/math32"
	"github.com/sw965/omw/slicesx"
)

// SortFilter keeps the ceil(SparsityFactor*width) largest scores of each
// example. Threshold is a floor adapted after every training batch so that
// the fraction of scores above it approaches SparsityFactor.
type SortFilter struct {
	SparsityFactor float32
	ThresholdLR    float32
	Threshold      float32
	Training       bool

	// Achieved is the fraction of scores above the threshold in the last
	// adapted batch.
	Achieved float32
}

func NewSortFilter(sparsityFactor, thresholdLR float32) (*SortFilter, error) {
	if sparsityFactor <= 0 || sparsityFactor > 1 {
		return nil, fmt.Errorf("sparsity factor must be in (0, 1], got %v", sparsityFactor)
	}
	if thresholdLR < 0 {
		return nil, fmt.Errorf("threshold learning rate must be >= 0, got %v", thresholdLR)
	}
	return &SortFilter{
		SparsityFactor: sparsityFactor,
		ThresholdLR:    thresholdLR,
		Training:       true,
	}, nil
}

// K is the maximum number of units kept out of width.
func (f *SortFilter) K(width int) int {
	// 0.3*10 のような積が丸め誤差で整数をわずかに超えても切り上げない。
	k := int(math32.Ceil(f.SparsityFactor*float32(width) - 1e-4))
	if k < 1 {
		k = 1
	}
	if k > width {
		k = width
	}
	return k
}

func (f *SortFilter) floor() float32 {
	return math32.Max(0, f.Threshold)
}

// Select returns the largest scores in descending order. Only scores strictly
// above max(0, Threshold) can be selected, so the route may be shorter than K
// or empty.
func (f *SortFilter) Select(scores []float32) Route {
	k := f.K(len(scores))
	floor := f.floor()
	ascIdxs := slicesx.Argsort(scores)

	r := Route{
		Indices: make([]int, 0, k),
		Weights: make([]float32, 0, k),
	}
	for n := len(ascIdxs) - 1; n >= 0 && r.Len() < k; n-- {
		idx := ascIdxs[n]
		s := scores[idx]
		if s <= floor {
			break
		}
		r.Indices = append(r.Indices, idx)
		r.Weights = append(r.Weights, s)
	}
	return r
}

// Adapt moves the threshold by ThresholdLR*(achieved-SparsityFactor), where
// achieved is the mean fraction of scores above the threshold.
func (f *SortFilter) Adapt(batch [][]float32) {
	if !f.Training || len(batch) == 0 {
		return
	}
	var achieved float32
	for _, scores := range batch {
		if len(scores) == 0 {
			continue
		}
		above := 0
		for _, s := range scores {
			if s > f.Threshold {
				above++
			}
		}
		achieved += float32(above) / float32(len(scores))
	}
	achieved /= float32(len(batch))
	f.Achieved = achieved
	f.Threshold += f.ThresholdLR * (achieved - f.SparsityFactor)
}

func (f *SortFilter) Reset() {
	f.Threshold = 0
	f.Achieved = 0
}
