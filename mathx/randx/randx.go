package randx

import (
	"fmt"
	"math/rand/v2"

	"github.com/seehuhn/mt19937"
)

type Source int

const (
	PCG Source = iota
	MT19937
)

func (s Source) String() string {
	switch s {
	case PCG:
		return "pcg"
	case MT19937:
		return "mt19937"
	}
	return fmt.Sprintf("Source(%d)", int(s))
}

func ParseSource(name string) (Source, error) {
	switch name {
	case "", "pcg":
		return PCG, nil
	case "mt19937":
		return MT19937, nil
	}
	return 0, fmt.Errorf("unknown random source %q", name)
}

func (s Source) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *Source) UnmarshalText(text []byte) error {
	src, err := ParseSource(string(text))
	if err != nil {
		return err
	}
	*s = src
	return nil
}

// New は同じseedから常に同じ系列を生成する乱数生成器を返す。
func New(src Source, seed uint64) (*rand.Rand, error) {
	switch src {
	case PCG:
		return rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15)), nil
	case MT19937:
		mt := mt19937.New()
		mt.Seed(int64(seed))
		return rand.New(mt), nil
	}
	return nil, fmt.Errorf("unknown random source %v", src)
}

func Normal32(rng *rand.Rand) float32 {
	return float32(rng.NormFloat64())
}

func Uniform32(min, max float32, rng *rand.Rand) float32 {
	return min + (max-min)*rng.Float32()
}

func FillNormal(data []float32, std float32, rng *rand.Rand) {
	for i := range data {
		data[i] = std * Normal32(rng)
	}
}

func FillUniform(data []float32, min, max float32, rng *rand.Rand) {
	for i := range data {
		data[i] = Uniform32(min, max, rng)
	}
}

// Choose returns k distinct integers from [0, n) in random order.
func Choose(n, k int, rng *rand.Rand) []int {
	if k > n {
		k = n
	}
	idxs := make([]int, n)
	for i := range idxs {
		idxs[i] = i
	}
	for i := 0; i < k; i++ {
		j := i + rng.IntN(n-i)
		idxs[i], idxs[j] = idxs[j], idxs[i]
	}
	return idxs[:k]
}
