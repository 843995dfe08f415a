package moe

import (
	"fmt"
	"math/rand/v2"

	"github.com/sw965/blocksparse/mathx"
	"github.com/sw965/blocksparse/mathx/randx"
)

// Anneal moves the noise coefficient linearly from Start to End over
// Horizon steps and holds it at End afterwards.
type Anneal struct {
	Start   float32 `json:"start"`
	Horizon int     `json:"horizon"`
	End     float32 `json:"end"`
}

func (a Anneal) Validate() error {
	if a.Horizon < 0 {
		return fmt.Errorf("anneal horizon must be >= 0, got %d", a.Horizon)
	}
	if a.Start < 0 || a.End < 0 {
		return fmt.Errorf("anneal start and end must be >= 0, got %v", a)
	}
	if a.End > a.Start {
		return fmt.Errorf("anneal end (%v) must not exceed start (%v)", a.End, a.Start)
	}
	return nil
}

func (a Anneal) Alpha(step int) float32 {
	if step >= a.Horizon {
		return a.End
	}
	if step <= 0 {
		return a.Start
	}
	return mathx.ConvertScale(float32(step), 0, float32(a.Horizon), a.Start, a.End)
}

// NoisyReLU computes relu(scores + α(step)·std·ε) with ε ~ N(0, 1).
// Step counts training batches.
type NoisyReLU struct {
	Std      float32
	Anneal   Anneal
	Step     int
	Training bool
}

func NewNoisyReLU(std float32, anneal Anneal) *NoisyReLU {
	return &NoisyReLU{Std: std, Anneal: anneal, Training: true}
}

func (n *NoisyReLU) Alpha() float32 {
	return n.Anneal.Alpha(n.Step)
}

// Noise draws n values from the current noise distribution. Outside
// training, or when the magnitude is zero, it returns zeros without
// touching rng.
func (n *NoisyReLU) Noise(size int, rng *rand.Rand) []float32 {
	noise := make([]float32, size)
	std := n.Alpha() * n.Std
	if !n.Training || std == 0 {
		return noise
	}
	randx.FillNormal(noise, std, rng)
	return noise
}

func (n *NoisyReLU) Activate(scores, noise []float32) []float32 {
	y := make([]float32, len(scores))
	for i, s := range scores {
		z := s + noise[i]
		if z > 0 {
			y[i] = z
		}
	}
	return y
}

func (n *NoisyReLU) Forward(scores []float32, rng *rand.Rand) []float32 {
	return n.Activate(scores, n.Noise(len(scores), rng))
}

// Advance counts one training batch.
func (n *NoisyReLU) Advance() {
	if n.Training {
		n.Step++
	}
}
