package detrvae

import (
	"golang.org/x/exp/rand"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat/distmv"
	G "gorgonia.org/gorgonia"
	"gorgonia.org/tensor"

	"github.com/samuelfneumann/goact/utils/floatutils"
)

// Sampler draws the latent noise for the reparameterization trick. A
// fresh draw is made on every training-mode forward call; inference
// never touches the Sampler.
type Sampler struct {
	rng distmv.Rander
	dim int
}

// NewSampler returns a Sampler drawing dim-dimensional standard
// normal noise from a source seeded with seed.
func NewSampler(dim int, seed uint64) *Sampler {
	means := make([]float64, dim)
	sigma := mat.NewDiagDense(dim, floatutils.Ones(dim))
	source := rand.NewSource(seed)

	normal, ok := distmv.NewNormal(means, sigma, source)
	if !ok {
		panic("newsampler: could not create standard normal noise source")
	}
	return &Sampler{rng: normal, dim: dim}
}

// Draw returns a fresh (batch, dim) noise tensor
func (s *Sampler) Draw(batch int) *tensor.Dense {
	backing := make([]float64, batch*s.dim)
	for b := 0; b < batch; b++ {
		s.rng.Rand(backing[b*s.dim : (b+1)*s.dim])
	}
	return tensor.New(
		tensor.WithShape(batch, s.dim),
		tensor.WithBacking(backing),
	)
}

// SetSource replaces the Sampler's noise source. Useful for
// deterministic tests.
func (s *Sampler) SetSource(rng distmv.Rander) {
	s.rng = rng
}

// reparametrize adds z = mu + exp(logvar/2) * eps to the computational
// graph. Because eps enters as data rather than as a random op,
// gradients flow through mu and logvar while the sampling itself stays
// stochastic.
func reparametrize(mu, logvar, eps *G.Node) *G.Node {
	std := G.Must(G.Exp(G.Must(G.Mul(logvar, G.NewConstant(0.5)))))
	return G.Must(G.Add(mu, G.Must(G.HadamardProd(std, eps))))
}
