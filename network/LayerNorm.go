package network

import (
	"fmt"

	G "gorgonia.org/gorgonia"
	"gorgonia.org/tensor"
)

// layerNormEpsilon offsets the variance from 0 for numerical stability
const layerNormEpsilon = 1e-5

// LayerNorm normalizes its input over the feature axis and applies a
// learned per-feature gain and offset.
type LayerNorm struct {
	gain     *G.Node
	offset   *G.Node
	eps      *G.Node
	features int
}

// NewLayerNorm returns a new LayerNorm over features features on
// graph g. The name must be unique within g.
func NewLayerNorm(g *G.ExprGraph, features int, name string) *LayerNorm {
	gain := G.NewMatrix(
		g,
		tensor.Float64,
		G.WithShape(1, features),
		G.WithName(name+"/gain"),
		G.WithInit(G.Ones()),
	)
	offset := G.NewMatrix(
		g,
		tensor.Float64,
		G.WithShape(1, features),
		G.WithName(name+"/offset"),
		G.WithInit(G.Zeroes()),
	)

	return &LayerNorm{
		gain:     gain,
		offset:   offset,
		eps:      G.NewConstant(layerNormEpsilon),
		features: features,
	}
}

// Fwd adds the forward pass of the normalization to the computational
// graph. The input must be a matrix of shape (batch, features).
func (l *LayerNorm) Fwd(x *G.Node) (*G.Node, error) {
	if !x.IsMatrix() || x.Shape()[1] != l.features {
		return nil, fmt.Errorf("fwd: layer norm expected shape (batch, %v) "+
			"but got %v", l.features, x.Shape())
	}
	rows := x.Shape()[0]

	mean := G.Must(G.Mean(x, 1))
	mean = G.Must(G.Reshape(mean, tensor.Shape{rows, 1}))
	centred := G.Must(G.BroadcastSub(x, mean, nil, []byte{1}))

	variance := G.Must(G.Mean(G.Must(G.Square(centred)), 1))
	variance = G.Must(G.Reshape(variance, tensor.Shape{rows, 1}))
	std := G.Must(G.Sqrt(G.Must(G.Add(variance, l.eps))))

	norm := G.Must(G.BroadcastHadamardDiv(centred, std, nil, []byte{1}))
	norm = G.Must(G.BroadcastHadamardProd(norm, l.gain, nil, []byte{0}))
	return G.Must(G.BroadcastAdd(norm, l.offset, nil, []byte{0})), nil
}

// FwdSeq applies the normalization to every position of a rank-3
// input of shape (batch, length, features).
func (l *LayerNorm) FwdSeq(x *G.Node) (*G.Node, error) {
	shape := x.Shape()
	if len(shape) != 3 {
		return nil, fmt.Errorf("fwdseq: input must have shape (batch, "+
			"length, features) but got %v", shape)
	}

	flat := G.Must(G.Reshape(x, tensor.Shape{shape[0] * shape[1], shape[2]}))
	out, err := l.Fwd(flat)
	if err != nil {
		return nil, err
	}
	return G.Must(G.Reshape(out, tensor.Shape{shape[0], shape[1], shape[2]})),
		nil
}

// Learnables returns the learnable nodes of the normalization
func (l *LayerNorm) Learnables() G.Nodes {
	return G.Nodes{l.gain, l.offset}
}
