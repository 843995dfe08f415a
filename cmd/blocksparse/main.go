// Command blocksparse trains a BlockSparse model on a synthetic regression
// task and logs the loss and the routing statistics.
package main

import (
	"flag"
	"log"
	"math/rand/v2"

	"github.com/chewxy/math32"
	"github.com/sw965/blocksparse/blas32/tensor/2d"
	"github.com/sw965/blocksparse/layer"
	"github.com/sw965/blocksparse/mathx/randx"
	"github.com/sw965/blocksparse/ml"
	"github.com/sw965/blocksparse/model/blocksparse"
	"github.com/sw965/blocksparse/optimizer"
	omwrandx "github.com/sw965/omw/mathx/randx"
	"gonum.org/v1/gonum/blas/blas32"
)

type options struct {
	configPath string
	savePath   string
	epochs     int
	batchSize  int
	samples    int
	lr         float64
	clip       float64
	clones     int
	seed       uint64
	source     string
	parallel   int
	sparseInit bool
}

func parseFlags() options {
	var o options
	flag.StringVar(&o.configPath, "config", "", "JSON model config (overrides the built-in defaults)")
	flag.StringVar(&o.savePath, "save-config", "", "write the resolved config as JSON to this path")
	flag.IntVar(&o.epochs, "epochs", 20, "number of epochs")
	flag.IntVar(&o.batchSize, "batch", 32, "mini-batch size")
	flag.IntVar(&o.samples, "samples", 1024, "number of synthetic training examples")
	flag.Float64Var(&o.lr, "lr", 0.05, "learning rate")
	flag.Float64Var(&o.clip, "clip", 5.0, "gradient L2 norm limit (<= 0 disables clipping)")
	flag.IntVar(&o.clones, "clones", 1, "number of shared clones trained round-robin")
	flag.Uint64Var(&o.seed, "seed", 0, "random seed (0 picks one)")
	flag.StringVar(&o.source, "source", "pcg", "random source: pcg or mt19937")
	flag.IntVar(&o.parallel, "parallel", 4, "forward workers")
	flag.BoolVar(&o.sparseInit, "sparse-init", false, "use sparse initialization")
	flag.Parse()
	return o
}

func loadConfig(o options) (blocksparse.Config, error) {
	cfg := blocksparse.NewConfig(32, [2]int{64, 64}, [2]int{16, 16}, 4)
	cfg.SparsityFactor = 0.25
	if o.configPath != "" {
		var err error
		cfg, err = blocksparse.LoadConfigJSON(o.configPath)
		if err != nil {
			return cfg, err
		}
	}

	src, err := randx.ParseSource(o.source)
	if err != nil {
		return cfg, err
	}
	cfg.Source = src
	cfg.Parallel = o.parallel
	cfg.SparseInit = cfg.SparseInit || o.sparseInit
	cfg.Seed = o.seed
	if cfg.Seed == 0 {
		cfg.Seed = omwrandx.NewPCGFromGlobalSeed().Uint64()
	}
	return cfg, cfg.Validate()
}

// makeDataset は t = tanh(xA) を満たす合成データを生成する。
func makeDataset(n, in, out int, rng *rand.Rand) (blas32.General, blas32.General) {
	x := tensor2d.NewZeros(n, in)
	randx.FillNormal(x.Data, 1.0, rng)
	a := tensor2d.NewZeros(in, out)
	randx.FillNormal(a.Data, 1.0/math32.Sqrt(float32(in)), rng)

	t := tensor2d.NewZeros(n, out)
	for i := 0; i < n; i++ {
		xi := tensor2d.Row(x, i)
		ti := tensor2d.Row(t, i)
		for j := range ti {
			var sum float32
			for k, e := range xi {
				sum += e * a.Data[tensor2d.At(a, k, j)]
			}
			ti[j] = math32.Tanh(sum)
		}
	}
	return x, t
}

func rows(gen blas32.General, idxs []int) blas32.General {
	batch := tensor2d.NewZeros(len(idxs), gen.Cols)
	for i, idx := range idxs {
		copy(tensor2d.Row(batch, i), tensor2d.Row(gen, idx))
	}
	return batch
}

func trainStep(m *blocksparse.Model, opt *optimizer.SGD, x, t blas32.General, clip float32) (float32, error) {
	m.SetInputAct(x)
	if _, err := m.Forward(layer.Carry{}); err != nil {
		return 0, err
	}
	y := m.OutputAct()
	loss, err := ml.SumSquaredError(y, t)
	if err != nil {
		return 0, err
	}
	dy, err := ml.SumSquaredErrorDerivative(y, t)
	if err != nil {
		return 0, err
	}

	m.SetOutputGrad(dy)
	scale := 1.0 / float32(x.Rows)
	if _, err := m.Backward(layer.Carry{Scale: scale, Targets: t}); err != nil {
		return 0, err
	}

	// 勾配は scale 倍されて更新されるため、クリップ係数も scale 倍の勾配で計算する。
	c := ml.L2NormClipFactor(clip/scale, m.ActiveParameters())
	lr := opt.LearningRate
	opt.LearningRate = lr * c
	err = opt.Train(m)
	opt.LearningRate = lr
	return loss / float32(x.Rows), err
}

func main() {
	o := parseFlags()
	cfg, err := loadConfig(o)
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	log.Printf("config: in=%d hidden=%v gaters=%v out=%d f=%.3f seed=%d source=%v",
		cfg.InputSize, cfg.HiddenSizes, cfg.GaterSizes, cfg.OutputSize, cfg.SparsityFactor, cfg.Seed, cfg.Source)
	if o.savePath != "" {
		if err := cfg.SaveJSON(o.savePath); err != nil {
			log.Fatalf("save config: %v", err)
		}
	}

	model, err := blocksparse.New(cfg)
	if err != nil {
		log.Fatal(err)
	}
	models := []*blocksparse.Model{model}
	for i := 1; i < o.clones; i++ {
		clone, err := model.CloneShared()
		if err != nil {
			log.Fatal(err)
		}
		defer clone.Release()
		models = append(models, clone)
	}

	rng := rand.New(rand.NewPCG(cfg.Seed, 1))
	x, t := makeDataset(o.samples, cfg.InputSize, cfg.OutputSize, rng)
	xTest, tTest := makeDataset(o.samples/4, cfg.InputSize, cfg.OutputSize, rng)
	log.Printf("dataset: %d train / %d test examples", x.Rows, xTest.Rows)

	opt := &optimizer.SGD{LearningRate: float32(o.lr)}
	clip := float32(o.clip)
	for epoch := 0; epoch < o.epochs; epoch++ {
		perm := rng.Perm(x.Rows)
		var sum float32
		n := 0
		for start := 0; start < len(perm); start += o.batchSize {
			end := min(start+o.batchSize, len(perm))
			m := models[n%len(models)]
			loss, err := trainStep(m, opt, rows(x, perm[start:end]), rows(t, perm[start:end]), clip)
			if err != nil {
				log.Fatal(err)
			}
			sum += loss
			n++
		}

		model.SetTraining(false)
		model.SetInputAct(xTest)
		if _, err := model.Forward(layer.Carry{}); err != nil {
			log.Fatal(err)
		}
		testLoss, err := ml.SumSquaredError(model.OutputAct(), tTest)
		if err != nil {
			log.Fatal(err)
		}
		model.SetTraining(true)

		log.Printf("epoch %d: train %.5f test %.5f %v", epoch+1, sum/float32(n), testLoss/float32(xTest.Rows), model.Report())
	}
}
