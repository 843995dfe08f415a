package moe

import (
	"errors"
	"fmt"
	"math/rand/v2"

	"github.com/chewxy/math32"
	"github.com/sw965/omw/parallel"
)

var ErrNoForward = errors.New("backward called without a matching forward")

// Mixture couples one gater with one expert: y = tanh(Expert(x, Gater(x))).
// Without a gater every example uses output block 0 with weight 1.
type Mixture struct {
	Name     string
	Gater    *Gater
	Expert   *Expert
	Parallel int

	rng    *rand.Rand
	cache  *mixtureCache
	routes []Route
}

// mixtureCache keeps the routing decisions of the last forward pass. They
// cannot be recomputed in Backward because the gate noise is random.
type mixtureCache struct {
	x      []Activation
	routes []Route
	pre    [][]float32
	y      []Activation
}

func NewMixture(name string, gater *Gater, expert *Expert, rng *rand.Rand) (*Mixture, error) {
	if gater != nil {
		gs, es := gater.Proj.Store.Shape, expert.Store.Shape
		if gater.Width != es.OutBlocks {
			return nil, fmt.Errorf("%s: gater width %d != expert output blocks %d", name, gater.Width, es.OutBlocks)
		}
		if gs.InBlocks != es.InBlocks || gs.InSize != es.InSize {
			return nil, fmt.Errorf("%s: gater input %dx%d != expert input %dx%d", name, gs.InBlocks, gs.InSize, es.InBlocks, es.InSize)
		}
	} else if expert.Store.OutBlocks != 1 {
		return nil, fmt.Errorf("%s: an ungated expert must have 1 output block, got %d", name, expert.Store.OutBlocks)
	}
	return &Mixture{
		Name:     name,
		Gater:    gater,
		Expert:   expert,
		Parallel: 1,
		rng:      rng,
	}, nil
}

func (m *Mixture) workers(n int) int {
	p := m.Parallel
	if p < 1 {
		p = 1
	}
	if p > n && n > 0 {
		p = n
	}
	return p
}

func (m *Mixture) route(x []Activation) ([]Route, error) {
	n := len(x)
	routes := make([]Route, n)
	if m.Gater == nil {
		for i := range routes {
			routes[i] = denseRoute()
		}
		return routes, nil
	}

	if n == 0 {
		return routes, nil
	}

	g := m.Gater
	// ノイズはワーカー数に依存しないよう、先に逐次生成しておく。
	noise := g.Gate.Noise(n*g.Width, m.rng)
	scores := make([][]float32, n)
	err := parallel.For(n, m.workers(n), func(workerId, idx int) error {
		var err error
		routes[idx], scores[idx], err = g.RouteWithNoise(x[idx], noise[idx*g.Width:(idx+1)*g.Width])
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("%s: %w", m.Name, err)
	}

	g.Filter.Adapt(scores)
	g.Gate.Advance()
	for i := range x {
		g.Proj.markUsed(x[i], denseRoute())
	}
	return routes, nil
}

// Forward runs the stage on a batch and caches what Backward needs.
func (m *Mixture) Forward(x []Activation) ([]Activation, error) {
	m.cache = nil
	m.routes = nil
	m.Expert.clearUsed()
	if m.Gater != nil {
		m.Gater.Proj.clearUsed()
	}

	routes, err := m.route(x)
	if err != nil {
		return nil, err
	}

	n := len(x)
	pre := make([][]float32, n)
	y := make([]Activation, n)
	err = parallel.For(n, m.workers(n), func(workerId, idx int) error {
		yi, prei, err := m.Expert.Apply(x[idx], routes[idx])
		if err != nil {
			return err
		}
		for k, v := range yi.Data {
			yi.Data[k] = math32.Tanh(v)
		}
		y[idx] = yi
		pre[idx] = prei
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("%s: %w", m.Name, err)
	}

	for i := range x {
		m.Expert.markUsed(x[i], routes[i])
	}
	m.cache = &mixtureCache{x: x, routes: routes, pre: pre, y: y}
	m.routes = routes
	return y, nil
}

// Backward takes ∂L/∂y on the blocks of the last output and returns ∂L/∂x
// on the blocks of the last input. Parameter gradients of the blocks used by
// each example are accumulated on the way. Each Forward allows one Backward.
func (m *Mixture) Backward(dy []Activation) ([]Activation, error) {
	c := m.cache
	if c == nil {
		return nil, fmt.Errorf("%s: %w", m.Name, ErrNoForward)
	}
	if len(dy) != len(c.y) {
		return nil, fmt.Errorf("%s: output grad has %d examples, forward had %d", m.Name, len(dy), len(c.y))
	}

	dx := make([]Activation, len(dy))
	for i := range dy {
		y := c.y[i]
		if len(dy[i].Data) != len(y.Data) {
			return nil, fmt.Errorf("%s: example %d: output grad has %d values, expected %d", m.Name, i, len(dy[i].Data), len(y.Data))
		}
		// tanh' = 1 - y²
		dout := make([]float32, len(y.Data))
		for k, v := range y.Data {
			dout[k] = dy[i].Data[k] * (1 - v*v)
		}

		dx[i] = c.x[i].ZerosLike()
		dWeights := m.Expert.Backward(c.x[i], c.routes[i], c.pre[i], dout, dx[i])
		if m.Gater != nil {
			m.Gater.Backward(c.x[i], c.routes[i], dWeights, dx[i])
		}
	}
	// 勾配は一度だけ積む。
	m.cache = nil
	return dx, nil
}

// Routes returns the routing decisions of the last forward pass. They stay
// available after Backward has consumed the cache.
func (m *Mixture) Routes() []Route {
	return m.routes
}

func (m *Mixture) Update(alpha float32) {
	m.Expert.Update(alpha)
	if m.Gater != nil {
		m.Gater.Proj.Update(alpha)
	}
}

func (m *Mixture) ZeroGradients() {
	m.Expert.ZeroGradients()
	if m.Gater != nil {
		m.Gater.Proj.ZeroGradients()
	}
}

func (m *Mixture) Reset(sparse bool, sparseFanIn int, rng *rand.Rand) {
	m.Expert.Reset(sparse, sparseFanIn, rng)
	if m.Gater != nil {
		m.Gater.Proj.Reset(sparse, sparseFanIn, rng)
		m.Gater.Gate.Step = 0
		m.Gater.Filter.Reset()
	}
	m.cache = nil
	m.routes = nil
}

func (m *Mixture) SetTraining(training bool) {
	if m.Gater != nil {
		m.Gater.SetTraining(training)
	}
}
