package network

import (
	"fmt"

	G "gorgonia.org/gorgonia"
	"gorgonia.org/tensor"
)

// Linear implements a fully connected layer. Weights are created on a
// computational graph at construction; Fwd adds the forward pass of
// the layer to that graph.
type Linear struct {
	weights *G.Node
	bias    *G.Node
	act     *Activation
	in, out int
}

// NewLinear returns a new fully connected layer mapping in features
// to out features on graph g. The weight matrix is initialized with
// init and the bias with zeroes. If act is nil or the nil Activation,
// no activation is applied. The name must be unique within g.
func NewLinear(g *G.ExprGraph, in, out int, init G.InitWFn, act *Activation,
	name string) *Linear {
	weights := G.NewMatrix(
		g,
		tensor.Float64,
		G.WithShape(in, out),
		G.WithName(name+"/W"),
		G.WithInit(init),
	)
	bias := G.NewMatrix(
		g,
		tensor.Float64,
		G.WithShape(1, out),
		G.WithName(name+"/b"),
		G.WithInit(G.Zeroes()),
	)

	return &Linear{
		weights: weights,
		bias:    bias,
		act:     act,
		in:      in,
		out:     out,
	}
}

// Fwd adds the forward pass of the layer to the computational graph.
// The input must be a matrix of shape (batch, in).
func (l *Linear) Fwd(x *G.Node) (*G.Node, error) {
	if !x.IsMatrix() {
		return nil, fmt.Errorf("fwd: input to linear layer must be a "+
			"matrix but got shape %v", x.Shape())
	}
	if x.Shape()[1] != l.in {
		return nil, fmt.Errorf("fwd: invalid number of input features "+
			"\n\twant(%v) \n\thave(%v)", l.in, x.Shape()[1])
	}

	x = G.Must(G.Mul(x, l.weights))

	// Broadcast the bias weights to all samples along the batch
	// dimension
	x = G.Must(G.BroadcastAdd(x, l.bias, nil, []byte{0}))

	if l.act.IsNil() || l.act.IsIdentity() {
		return x, nil
	}
	return l.act.fwd(x)
}

// FwdSeq applies the layer to every position of a rank-3 input of
// shape (batch, length, in), returning (batch, length, out).
func (l *Linear) FwdSeq(x *G.Node) (*G.Node, error) {
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
	return G.Must(G.Reshape(out, tensor.Shape{shape[0], shape[1], l.out})),
		nil
}

// Learnables returns the learnable nodes of the layer
func (l *Linear) Learnables() G.Nodes {
	return G.Nodes{l.weights, l.bias}
}
