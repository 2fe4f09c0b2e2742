package detrvae

import (
	"math"
	"testing"

	G "gorgonia.org/gorgonia"
	"gorgonia.org/tensor"
)

// TestSamplerDraw checks shape, freshness, and seeded determinism
func TestSamplerDraw(t *testing.T) {
	const dim, batch = 4, 3

	sampler := NewSampler(dim, 42)
	noise := sampler.Draw(batch)

	shape := noise.Shape()
	if shape[0] != batch || shape[1] != dim {
		t.Fatalf("expected shape (%v, %v) but got %v", batch, dim, shape)
	}

	// Consecutive draws differ
	second := sampler.Draw(batch)
	same := true
	a := noise.Data().([]float64)
	b := second.Data().([]float64)
	for i := range a {
		if a[i] != b[i] {
			same = false
			break
		}
	}
	if same {
		t.Error("consecutive draws returned identical noise")
	}

	// Same seed reproduces the first draw
	replay := NewSampler(dim, 42).Draw(batch)
	c := replay.Data().([]float64)
	for i := range a {
		if a[i] != c[i] {
			t.Fatalf("seeded draws differ at index %v: %v and %v", i,
				a[i], c[i])
		}
	}
}

// TestReparametrizeZeroVariance checks that a log-variance of -1000
// collapses the sample onto the mean regardless of the noise.
func TestReparametrizeZeroVariance(t *testing.T) {
	const batch, dim = 2, 3

	g := G.NewGraph()
	mu := G.NewMatrix(g, tensor.Float64, G.WithShape(batch, dim),
		G.WithName("mu"), G.WithValue(tensor.New(
			tensor.WithShape(batch, dim),
			tensor.WithBacking([]float64{1, -2, 3, 0.5, 0, -0.5}),
		)))

	logVarBacking := make([]float64, batch*dim)
	for i := range logVarBacking {
		logVarBacking[i] = -1000.0
	}
	logVar := G.NewMatrix(g, tensor.Float64, G.WithShape(batch, dim),
		G.WithName("logvar"), G.WithValue(tensor.New(
			tensor.WithShape(batch, dim),
			tensor.WithBacking(logVarBacking),
		)))

	eps := G.NewMatrix(g, tensor.Float64, G.WithShape(batch, dim),
		G.WithName("eps"), G.WithValue(NewSampler(dim, 7).Draw(batch)))

	z := reparametrize(mu, logVar, eps)

	vm := G.NewTapeMachine(g)
	defer vm.Close()
	if err := vm.RunAll(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	got := z.Value().Data().([]float64)
	want := mu.Value().Data().([]float64)
	for i := range want {
		if math.Abs(got[i]-want[i]) > 1e-9 {
			t.Errorf("index %v: expected %v but got %v", i, want[i],
				got[i])
		}
	}
}
