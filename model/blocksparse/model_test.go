package blocksparse_test

import (
	"errors"
	"math/rand/v2"
	"os"
	"path/filepath"
	"slices"
	"testing"

	"github.com/sw965/blocksparse/blas32/tensor/2d"
	"github.com/sw965/blocksparse/layer"
	"github.com/sw965/blocksparse/mathx/randx"
	"github.com/sw965/blocksparse/model/blocksparse"
	"github.com/sw965/blocksparse/moe"
	"gonum.org/v1/gonum/blas/blas32"
)

func newConfig() blocksparse.Config {
	cfg := blocksparse.NewConfig(10, [2]int{8, 6}, [2]int{4, 3}, 2)
	cfg.SparsityFactor = 0.5
	cfg.Seed = 1
	return cfg
}

func newModel(t *testing.T, cfg blocksparse.Config) *blocksparse.Model {
	t.Helper()
	m, err := blocksparse.New(cfg)
	if err != nil {
		t.Fatal(err)
	}
	return m
}

func randomGeneral(rows, cols int, rng *rand.Rand) blas32.General {
	gen := tensor2d.NewZeros(rows, cols)
	randx.FillNormal(gen.Data, 1.0, rng)
	return gen
}

func step(t *testing.T, m *blocksparse.Model, x, dy blas32.General, scale, lr float32) {
	t.Helper()
	m.SetInputAct(x)
	if _, err := m.Forward(layer.Carry{}); err != nil {
		t.Fatal(err)
	}
	m.SetOutputGrad(dy)
	if _, err := m.Backward(layer.Carry{Scale: scale}); err != nil {
		t.Fatal(err)
	}
	if err := m.Update(lr); err != nil {
		t.Fatal(err)
	}
}

func blockChanged(s *moe.Store, before []float32, out, in int) bool {
	w := s.WeightBlock(s.Weight, out, in)
	old := s.WeightBlock(before, out, in)
	for r := 0; r < w.Rows; r++ {
		for c := 0; c < w.Cols; c++ {
			idx := tensor2d.At(w, r, c)
			if w.Data[idx] != old.Data[idx] {
				return true
			}
		}
	}
	return false
}

type block struct{ out, in int }

func TestUpdateOnlyTouchesSelectedBlocks(t *testing.T) {
	m := newModel(t, newConfig())
	rng := rand.New(rand.NewPCG(1, 2))
	x := randomGeneral(5, 10, rng)
	dy := randomGeneral(5, 2, rng)

	stages := m.Stages()
	before := make([][]float32, 3)
	for s, st := range stages {
		before[s] = append([]float32(nil), st.Expert.Store.Weight...)
	}
	step(t, m, x, dy, 1, 0.01)

	routesA, routesB := stages[0].Routes(), stages[1].Routes()
	if len(routesA) != 5 || len(routesB) != 5 {
		t.Fatalf("got %d and %d routes", len(routesA), len(routesB))
	}
	for s, routes := range [][]moe.Route{routesA, routesB} {
		k := stages[s].Gater.Filter.K(stages[s].Gater.Width)
		for i, r := range routes {
			if r.Len() > k {
				t.Errorf("stage %d example %d: route of %d > %d", s, i, r.Len(), k)
			}
		}
	}

	selected := [3]map[block]bool{{}, {}, {}}
	mustChange := [3]map[block]bool{{}, {}, {}}
	for i := range routesA {
		for _, j := range routesA[i].Indices {
			selected[0][block{j, 0}] = true
			// ステージBで何も選ばれなかった例には勾配が戻らない。
			if routesB[i].Len() > 0 {
				mustChange[0][block{j, 0}] = true
			}
			for _, k := range routesB[i].Indices {
				selected[1][block{k, j}] = true
				mustChange[1][block{k, j}] = true
			}
		}
		for _, k := range routesB[i].Indices {
			selected[2][block{0, k}] = true
			mustChange[2][block{0, k}] = true
		}
	}

	for s, st := range stages {
		store := st.Expert.Store
		for j := 0; j < store.OutBlocks; j++ {
			for i := 0; i < store.InBlocks; i++ {
				b := block{j, i}
				changed := blockChanged(store, before[s], j, i)
				if changed && !selected[s][b] {
					t.Errorf("stage %d: unselected block %v changed", s, b)
				}
				if !changed && mustChange[s][b] {
					t.Errorf("stage %d: selected block %v did not change", s, b)
				}
			}
		}
	}
}

func TestCloneSharedObservesUpdates(t *testing.T) {
	m := newModel(t, newConfig())
	clone, err := m.CloneShared()
	if err != nil {
		t.Fatal(err)
	}
	store := m.Stages()[1].Expert.Store
	if clone.Stages()[1].Expert.Store != store {
		t.Fatalf("clone does not share the parameter store")
	}
	if store.Refs() != 2 {
		t.Errorf("Refs() = %d, want 2", store.Refs())
	}

	rng := rand.New(rand.NewPCG(3, 4))
	x := randomGeneral(5, 10, rng)
	shared := m.Stages()[2].Expert.Store
	before := append(slices.Clone(shared.Weight), shared.Bias...)
	step(t, clone, x, randomGeneral(5, 2, rng), 1, 0.1)

	after := append(slices.Clone(shared.Weight), shared.Bias...)
	changed := !slices.Equal(before, after)
	if !changed {
		t.Errorf("the original does not observe the clone's update")
	}
	for _, p := range m.Parameters() {
		for r := 0; r < p.Grad.Rows; r++ {
			for _, v := range tensor2d.Row(p.Grad, r) {
				if v != 0 {
					t.Fatalf("%s: the clone wrote into the original's gradients", p.Name)
				}
			}
		}
	}

	for s := 0; s < 2; s++ {
		m.Stages()[s].Gater.Filter.Threshold = clone.Stages()[s].Gater.Filter.Threshold
	}
	m.SetTraining(false)
	clone.SetTraining(false)
	m.SetInputAct(x)
	clone.SetInputAct(x)
	if _, err := m.Forward(layer.Carry{}); err != nil {
		t.Fatal(err)
	}
	if _, err := clone.Forward(layer.Carry{}); err != nil {
		t.Fatal(err)
	}
	y1, y2 := m.OutputAct(), clone.OutputAct()
	for k := range y1.Data {
		if y1.Data[k] != y2.Data[k] {
			t.Fatalf("outputs differ: %v != %v", y1.Data, y2.Data)
		}
	}

	clone.Release()
	if store.Refs() != 1 {
		t.Errorf("Refs() after Release = %d, want 1", store.Refs())
	}
}

func TestSparseInitHasFewerNonZeros(t *testing.T) {
	denseCfg := newConfig()
	sparseCfg := newConfig()
	sparseCfg.SparseInit = true
	dense := newModel(t, denseCfg)
	sparse := newModel(t, sparseCfg)

	stores := func(m *blocksparse.Model) []*moe.Store {
		st := m.Stages()
		return []*moe.Store{
			st[0].Gater.Proj.Store, st[0].Expert.Store,
			st[1].Gater.Proj.Store, st[1].Expert.Store,
			st[2].Expert.Store,
		}
	}
	ds, ss := stores(dense), stores(sparse)
	for k := range ds {
		d, s := ds[k], ss[k]
		for j := 0; j < d.OutBlocks; j++ {
			dn := tensor2d.CountNonZeroByRow(d.WeightRows(d.Weight, j))
			sn := tensor2d.CountNonZeroByRow(s.WeightRows(s.Weight, j))
			for u := range dn {
				if sn[u] >= dn[u] {
					t.Errorf("store %d block %d unit %d: sparse %d >= dense %d", k, j, u, sn[u], dn[u])
				}
				if want := tensor2d.SparseFanIn(s.FanIn(), 15); sn[u] != want {
					t.Errorf("store %d block %d unit %d: %d nonzeros, want %d", k, j, u, sn[u], want)
				}
			}
		}
	}
}

func TestConfigErrors(t *testing.T) {
	testCases := []struct {
		name   string
		modify func(*blocksparse.Config)
	}{
		{"zero input", func(c *blocksparse.Config) { c.InputSize = 0 }},
		{"indivisible hidden", func(c *blocksparse.Config) { c.HiddenSizes[1] = 7 }},
		{"zero gater", func(c *blocksparse.Config) { c.GaterSizes[0] = 0 }},
		{"zero sparsity", func(c *blocksparse.Config) { c.SparsityFactor = 0 }},
		{"sparsity above one", func(c *blocksparse.Config) { c.SparsityFactor = 1.5 }},
		{"negative threshold lr", func(c *blocksparse.Config) { c.ThresholdLR = -0.1 }},
		{"negative noise", func(c *blocksparse.Config) { c.NoiseStd = -1 }},
		{"rising anneal", func(c *blocksparse.Config) { c.Anneal.End = 1 }},
		{"negative horizon", func(c *blocksparse.Config) { c.Anneal.Horizon = -1 }},
		{"negative stage lr", func(c *blocksparse.Config) { c.LearningRates[2] = -1 }},
		{"sparse init with unit fan-in", func(c *blocksparse.Config) { c.SparseInit = true; c.InputSize = 1 }},
	}
	for _, tc := range testCases {
		cfg := newConfig()
		tc.modify(&cfg)
		if _, err := blocksparse.New(cfg); !errors.Is(err, blocksparse.ErrConfig) {
			t.Errorf("%s: err = %v, want ErrConfig", tc.name, err)
		}
	}
}

func TestConfigDefaults(t *testing.T) {
	cfg := blocksparse.Config{
		InputSize:      4,
		HiddenSizes:    [2]int{4, 4},
		GaterSizes:     [2]int{2, 2},
		OutputSize:     1,
		SparsityFactor: 0.5,
	}
	if err := cfg.Validate(); err != nil {
		t.Fatal(err)
	}
	if cfg.Kernel == nil || cfg.Parallel != 1 || cfg.SparseInitFanIn != 15 {
		t.Errorf("defaults not filled: %+v", cfg)
	}
	if cfg.LearningRates != [3]float32{1, 1, 1} {
		t.Errorf("LearningRates = %v", cfg.LearningRates)
	}
}

func TestConfigJSONRoundTrip(t *testing.T) {
	cfg := newConfig()
	cfg.ThresholdLR = 0
	cfg.NoiseStd = 0.3
	cfg.Source = randx.MT19937
	cfg.SparseInit = true
	path := filepath.Join(t.TempDir(), "config.json")
	if err := cfg.SaveJSON(path); err != nil {
		t.Fatal(err)
	}

	got, err := blocksparse.LoadConfigJSON(path)
	if err != nil {
		t.Fatal(err)
	}
	if got.Kernel == nil {
		t.Errorf("Kernel was not filled")
	}
	got.Kernel = cfg.Kernel
	if got != cfg {
		t.Errorf("got %+v, want %+v", got, cfg)
	}
}

func TestConfigJSONFillsDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	data := []byte(`{"input_size": 8, "hidden_sizes": [6, 4], "gater_sizes": [3, 2], "output_size": 1, "noise_std": 0}`)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatal(err)
	}

	got, err := blocksparse.LoadConfigJSON(path)
	if err != nil {
		t.Fatal(err)
	}
	want := blocksparse.NewConfig(8, [2]int{6, 4}, [2]int{3, 2}, 1)
	want.NoiseStd = 0
	if got != want {
		t.Errorf("got %+v, want %+v", got, want)
	}
}

func TestConfigJSONValidates(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	data := []byte(`{"input_size": 8, "hidden_sizes": [6, 4], "gater_sizes": [4, 2], "output_size": 1}`)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := blocksparse.LoadConfigJSON(path); !errors.Is(err, blocksparse.ErrConfig) {
		t.Errorf("err = %v, want ErrConfig", err)
	}
}

func TestBackwardOncePerForward(t *testing.T) {
	m := newModel(t, newConfig())
	rng := rand.New(rand.NewPCG(21, 22))
	m.SetInputAct(randomGeneral(3, 10, rng))
	if _, err := m.Forward(layer.Carry{}); err != nil {
		t.Fatal(err)
	}
	m.SetOutputGrad(randomGeneral(3, 2, rng))
	if _, err := m.Backward(layer.Carry{}); err != nil {
		t.Fatal(err)
	}
	if _, err := m.Backward(layer.Carry{}); !errors.Is(err, moe.ErrNoForward) {
		t.Errorf("second backward: err = %v, want ErrNoForward", err)
	}
}

func TestBackwardBeforeForward(t *testing.T) {
	m := newModel(t, newConfig())
	m.SetOutputGrad(tensor2d.NewZeros(5, 2))
	if _, err := m.Backward(layer.Carry{}); !errors.Is(err, moe.ErrNoForward) {
		t.Errorf("err = %v, want ErrNoForward", err)
	}
}

func TestForwardRejectsWrongWidth(t *testing.T) {
	m := newModel(t, newConfig())
	m.SetInputAct(tensor2d.NewZeros(3, 9))
	if _, err := m.Forward(layer.Carry{}); err == nil {
		t.Errorf("expected an error")
	}
}

func TestForwardOutput(t *testing.T) {
	cfg := newConfig()
	cfg.Parallel = 3
	m := newModel(t, cfg)
	rng := rand.New(rand.NewPCG(5, 6))
	m.SetInputAct(randomGeneral(7, 10, rng))
	if _, err := m.Forward(layer.Carry{}); err != nil {
		t.Fatal(err)
	}
	y := m.OutputAct()
	if y.Rows != 7 || y.Cols != 2 {
		t.Fatalf("output is %dx%d", y.Rows, y.Cols)
	}
	for _, v := range y.Data {
		if v <= -1 || v >= 1 {
			t.Errorf("output %v outside (-1, 1)", v)
		}
	}

	r := m.Report()
	if r.Step != 1 {
		t.Errorf("Step = %d, want 1", r.Step)
	}
	if r.ActiveBlocks[2] != 1 {
		t.Errorf("ActiveBlocks = %v", r.ActiveBlocks)
	}
	if len(m.ActiveParameters()) > len(m.Parameters()) {
		t.Errorf("more active parameters than parameters")
	}
}

func TestSameSeedSameModel(t *testing.T) {
	for _, src := range []randx.Source{randx.PCG, randx.MT19937} {
		cfg := newConfig()
		cfg.Source = src
		a, b := newModel(t, cfg), newModel(t, cfg)
		x := randomGeneral(4, 10, rand.New(rand.NewPCG(7, 8)))
		a.SetInputAct(x)
		b.SetInputAct(x)
		if _, err := a.Forward(layer.Carry{}); err != nil {
			t.Fatal(err)
		}
		if _, err := b.Forward(layer.Carry{}); err != nil {
			t.Fatal(err)
		}
		for k, v := range a.OutputAct().Data {
			if v != b.OutputAct().Data[k] {
				t.Fatalf("%v: outputs differ", src)
			}
		}
	}
}

func TestEvaluationMode(t *testing.T) {
	m := newModel(t, newConfig())
	m.SetTraining(false)
	m.SetInputAct(randomGeneral(4, 10, rand.New(rand.NewPCG(9, 10))))

	var first []float32
	for i := 0; i < 2; i++ {
		if _, err := m.Forward(layer.Carry{}); err != nil {
			t.Fatal(err)
		}
		y := m.OutputAct().Data
		if first == nil {
			first = append([]float32(nil), y...)
			continue
		}
		for k := range y {
			if y[k] != first[k] {
				t.Fatalf("evaluation is not deterministic")
			}
		}
	}
	r := m.Report()
	if r.Step != 0 || r.Thresholds != [2]float32{} {
		t.Errorf("evaluation changed the training state: %v", r)
	}
}

func TestScaleMultipliesLearningRate(t *testing.T) {
	a, b := newModel(t, newConfig()), newModel(t, newConfig())
	rng := rand.New(rand.NewPCG(11, 12))
	x, dy := randomGeneral(5, 10, rng), randomGeneral(5, 2, rng)

	step(t, a, x, dy, 2, 0.005)
	step(t, b, x, dy, 0, 0.01)

	pa, pb := a.Parameters(), b.Parameters()
	for k := range pa {
		for r := 0; r < pa[k].Value.Rows; r++ {
			ra, rb := tensor2d.Row(pa[k].Value, r), tensor2d.Row(pb[k].Value, r)
			for c := range ra {
				if ra[c] != rb[c] {
					t.Fatalf("%s differs: %v != %v", pa[k].Name, ra[c], rb[c])
				}
			}
		}
	}
	if a.Report().Scale != 2 {
		t.Errorf("Scale = %v", a.Report().Scale)
	}
}

func TestCapabilities(t *testing.T) {
	m := newModel(t, newConfig())
	if !layer.HasTag(m, layer.TagNoMomentum) {
		t.Errorf("missing %q tag", layer.TagNoMomentum)
	}
	if err := m.SetType(layer.Float32); err != nil {
		t.Errorf("SetType(Float32) = %v", err)
	}
	if err := m.SetType(layer.Float64); !errors.Is(err, layer.ErrUnsupportedType) {
		t.Errorf("SetType(Float64) = %v", err)
	}
	if err := m.Update(-1); err == nil {
		t.Errorf("negative learning rate must fail")
	}
}

func TestInSequence(t *testing.T) {
	rng := rand.New(rand.NewPCG(13, 14))
	m := newModel(t, newConfig())
	seq := layer.Sequence{m, layer.NewDense(2, 3, rng)}

	x := randomGeneral(4, 10, rng)
	y, _, err := seq.Forward(x, layer.Carry{})
	if err != nil {
		t.Fatal(err)
	}
	if y.Rows != 4 || y.Cols != 3 {
		t.Fatalf("output is %dx%d", y.Rows, y.Cols)
	}
	dx, _, err := seq.Backward(randomGeneral(4, 3, rng), layer.Carry{})
	if err != nil {
		t.Fatal(err)
	}
	if dx.Rows != 4 || dx.Cols != 10 {
		t.Errorf("input grad is %dx%d", dx.Rows, dx.Cols)
	}
}
