package blocksparse

import (
	"errors"
	"fmt"

	"github.com/sw965/blocksparse/kernel"
	"github.com/sw965/blocksparse/mathx/randx"
	"github.com/sw965/blocksparse/moe"
	"github.com/sw965/omw/encoding/jsonx"
)

var ErrConfig = errors.New("invalid blocksparse config")

// Config describes a three-stage model. HiddenSizes[i] units are split into
// GaterSizes[i] blocks of HiddenSizes[i]/GaterSizes[i] units each.
type Config struct {
	InputSize   int    `json:"input_size"`
	HiddenSizes [2]int `json:"hidden_sizes"`
	GaterSizes  [2]int `json:"gater_sizes"`
	OutputSize  int    `json:"output_size"`

	// LearningRates are per-stage multipliers of the rate passed to Update.
	// Zero means 1.
	LearningRates [3]float32 `json:"learning_rates"`

	SparseInit      bool `json:"sparse_init"`
	SparseInitFanIn int  `json:"sparse_init_fan_in"`

	SparsityFactor float32    `json:"sparsity_factor"`
	ThresholdLR    float32    `json:"threshold_lr"`
	Anneal         moe.Anneal `json:"anneal"`
	NoiseStd       float32    `json:"noise_std"`

	Seed     uint64       `json:"seed"`
	Source   randx.Source `json:"source"`
	Parallel int          `json:"parallel"`

	Kernel kernel.Interface `json:"-"`
}

// NewConfig returns a config with the default hyperparameters.
func NewConfig(inputSize int, hiddenSizes, gaterSizes [2]int, outputSize int) Config {
	return Config{
		InputSize:       inputSize,
		HiddenSizes:     hiddenSizes,
		GaterSizes:      gaterSizes,
		OutputSize:      outputSize,
		LearningRates:   [3]float32{1, 1, 1},
		SparseInitFanIn: 15,
		SparsityFactor:  0.1,
		ThresholdLR:     0.1,
		Anneal:          moe.Anneal{Start: 0.5, Horizon: 1000, End: 0.01},
		NoiseStd:        0.1,
		Source:          randx.PCG,
		Parallel:        1,
		Kernel:          kernel.BLAS{},
	}
}

// configFile shadows the hyperparameters whose zero value is meaningful, so
// that keys missing from a file can be told apart from explicit zeros.
type configFile struct {
	Config
	SparsityFactor *float32    `json:"sparsity_factor"`
	ThresholdLR    *float32    `json:"threshold_lr"`
	Anneal         *moe.Anneal `json:"anneal"`
	NoiseStd       *float32    `json:"noise_std"`
}

// LoadConfigJSON reads a config saved by SaveJSON. Keys missing from the
// file keep the NewConfig defaults. The result is validated.
func LoadConfigJSON(path string) (Config, error) {
	f, err := jsonx.Load[configFile](path)
	if err != nil {
		return Config{}, err
	}
	c := NewConfig(f.InputSize, f.HiddenSizes, f.GaterSizes, f.OutputSize)
	c.SparseInit = f.Config.SparseInit
	c.Seed = f.Config.Seed
	c.Source = f.Config.Source
	if f.Config.LearningRates != ([3]float32{}) {
		c.LearningRates = f.Config.LearningRates
	}
	if f.Config.SparseInitFanIn != 0 {
		c.SparseInitFanIn = f.Config.SparseInitFanIn
	}
	if f.Config.Parallel != 0 {
		c.Parallel = f.Config.Parallel
	}
	if f.SparsityFactor != nil {
		c.SparsityFactor = *f.SparsityFactor
	}
	if f.ThresholdLR != nil {
		c.ThresholdLR = *f.ThresholdLR
	}
	if f.Anneal != nil {
		c.Anneal = *f.Anneal
	}
	if f.NoiseStd != nil {
		c.NoiseStd = *f.NoiseStd
	}
	if err := c.Validate(); err != nil {
		return Config{}, fmt.Errorf("%s: %w", path, err)
	}
	return c, nil
}

// SaveJSON writes every field except Kernel.
func (c Config) SaveJSON(path string) error {
	return jsonx.Save[Config](c, path)
}

// BlockSize returns the number of units per block of hidden layer i.
func (c *Config) BlockSize(i int) int {
	return c.HiddenSizes[i] / c.GaterSizes[i]
}

// Validate fills the structural defaults and checks the hyperparameters.
func (c *Config) Validate() error {
	if c.Kernel == nil {
		c.Kernel = kernel.BLAS{}
	}
	if c.Parallel < 1 {
		c.Parallel = 1
	}
	if c.SparseInitFanIn == 0 {
		c.SparseInitFanIn = 15
	}
	for i, lr := range c.LearningRates {
		if lr == 0 {
			c.LearningRates[i] = 1
		}
	}

	if c.InputSize <= 0 || c.OutputSize <= 0 {
		return fmt.Errorf("%w: input size %d and output size %d must be positive", ErrConfig, c.InputSize, c.OutputSize)
	}
	for i := range c.HiddenSizes {
		h, g := c.HiddenSizes[i], c.GaterSizes[i]
		if h <= 0 || g <= 0 {
			return fmt.Errorf("%w: hidden size %d and gater size %d must be positive", ErrConfig, h, g)
		}
		if h%g != 0 {
			return fmt.Errorf("%w: hidden size %d is not divisible by gater size %d", ErrConfig, h, g)
		}
	}
	for i, lr := range c.LearningRates {
		if lr < 0 {
			return fmt.Errorf("%w: learning rate of stage %d is negative (%v)", ErrConfig, i, lr)
		}
	}
	if c.SparseInitFanIn < 0 {
		return fmt.Errorf("%w: sparse init fan-in %d is negative", ErrConfig, c.SparseInitFanIn)
	}
	if c.SparsityFactor <= 0 || c.SparsityFactor > 1 {
		return fmt.Errorf("%w: sparsity factor must be in (0, 1], got %v", ErrConfig, c.SparsityFactor)
	}
	if c.ThresholdLR < 0 {
		return fmt.Errorf("%w: threshold learning rate %v is negative", ErrConfig, c.ThresholdLR)
	}
	if c.NoiseStd < 0 {
		return fmt.Errorf("%w: noise std %v is negative", ErrConfig, c.NoiseStd)
	}
	if err := c.Anneal.Validate(); err != nil {
		return fmt.Errorf("%w: %w", ErrConfig, err)
	}
	// fan-in 1 は疎にしても密と同じになる。
	if c.SparseInit {
		if fanIn := min(c.InputSize, c.HiddenSizes[0], c.HiddenSizes[1]); fanIn < 2 {
			return fmt.Errorf("%w: sparse init needs a fan-in of at least 2, got %d", ErrConfig, fanIn)
		}
	}
	return nil
}
