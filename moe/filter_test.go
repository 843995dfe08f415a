package moe_test

import (
	"slices"
	"testing"

	"github.com/sw965/blocksparse/moe"
)

func newFilter(t *testing.T, f, lr float32) *moe.SortFilter {
	t.Helper()
	filter, err := moe.NewSortFilter(f, lr)
	if err != nil {
		t.Fatal(err)
	}
	return filter
}

func TestNewSortFilterRejectsBadFactor(t *testing.T) {
	for _, f := range []float32{0, -0.1, 1.5} {
		if _, err := moe.NewSortFilter(f, 0.1); err == nil {
			t.Errorf("factor %v must be rejected", f)
		}
	}
}

func TestSortFilterK(t *testing.T) {
	cases := []struct {
		f        float32
		width    int
		expected int
	}{
		{0.5, 4, 2},
		{0.5, 3, 2},
		{0.1, 10, 1},
		{0.3, 10, 3},
		{0.01, 4, 1},
		{1.0, 7, 7},
	}
	for _, c := range cases {
		if k := newFilter(t, c.f, 0).K(c.width); k != c.expected {
			t.Errorf("K(%v, %d) = %d, expected %d", c.f, c.width, k, c.expected)
		}
	}
}

func TestSortFilterSelect(t *testing.T) {
	filter := newFilter(t, 0.5, 0.1)
	r := filter.Select([]float32{0.1, 0.9, 0.0, 0.4})
	if !slices.Equal(r.Indices, []int{1, 3}) {
		t.Errorf("indices = %v", r.Indices)
	}
	if !slices.Equal(r.Weights, []float32{0.9, 0.4}) {
		t.Errorf("weights = %v", r.Weights)
	}
}

func TestSortFilterSelectOnlyPositive(t *testing.T) {
	filter := newFilter(t, 0.75, 0.1)
	r := filter.Select([]float32{0, 0.2, 0, 0})
	if !slices.Equal(r.Indices, []int{1}) {
		t.Errorf("indices = %v", r.Indices)
	}

	r = filter.Select([]float32{0, 0, 0, 0})
	if r.Len() != 0 {
		t.Errorf("all-zero scores selected %v", r.Indices)
	}
}

func TestSortFilterThresholdFloor(t *testing.T) {
	filter := newFilter(t, 1.0, 0.1)
	filter.Threshold = 0.5
	r := filter.Select([]float32{0.6, 0.5, 0.2, 0.9})
	if !slices.Equal(r.Indices, []int{3, 0}) {
		t.Errorf("indices = %v", r.Indices)
	}
}

func TestSortFilterAdapt(t *testing.T) {
	filter := newFilter(t, 0.25, 0.5)
	// 4つ中3つが閾値0を超えるので、閾値は上がる。
	filter.Adapt([][]float32{{1, 1, 1, 0}, {1, 1, 1, 0}})
	if filter.Achieved != 0.75 {
		t.Errorf("Achieved = %v", filter.Achieved)
	}
	if filter.Threshold != 0.25 {
		t.Errorf("Threshold = %v, expected 0.25", filter.Threshold)
	}

	// 閾値0.25を超えるものがなければ、閾値は下がる。
	filter.Adapt([][]float32{{0.1, 0, 0, 0}})
	if filter.Threshold != 0.125 {
		t.Errorf("Threshold = %v, expected 0.125", filter.Threshold)
	}

	filter.Training = false
	filter.Adapt([][]float32{{1, 1, 1, 1}})
	if filter.Threshold != 0.125 {
		t.Errorf("evaluation must not adapt, Threshold = %v", filter.Threshold)
	}

	filter.Reset()
	if filter.Threshold != 0 {
		t.Errorf("Reset left Threshold = %v", filter.Threshold)
	}
}
