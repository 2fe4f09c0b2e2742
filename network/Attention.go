package network

import (
	"fmt"
	"math"

	G "gorgonia.org/gorgonia"
	"gorgonia.org/tensor"
)

// Attention implements multi-head scaled dot-product attention over
// batch-first rank-3 inputs of shape (batch, length, hidden).
//
// Position embeddings are not baked into the inputs: following the
// detection-transformer convention they are added to the queries and
// keys (but never the values) on every call, so each layer of a stack
// re-applies them.
type Attention struct {
	wq, wk, wv, wo *Linear
	scale          *G.Node

	heads   int
	hidden  int
	headDim int
}

// NewAttention returns new multi-head attention with the given number
// of heads over hidden features. The hidden width must be divisible by
// the number of heads. The name must be unique within g.
func NewAttention(g *G.ExprGraph, hidden, heads int, init G.InitWFn,
	name string) (*Attention, error) {
	if hidden%heads != 0 {
		return nil, fmt.Errorf("newattention: hidden width %v is not "+
			"divisible by %v heads", hidden, heads)
	}
	headDim := hidden / heads

	return &Attention{
		wq:      NewLinear(g, hidden, hidden, init, Nil(), name+"/Wq"),
		wk:      NewLinear(g, hidden, hidden, init, Nil(), name+"/Wk"),
		wv:      NewLinear(g, hidden, hidden, init, Nil(), name+"/Wv"),
		wo:      NewLinear(g, hidden, hidden, init, Nil(), name+"/Wo"),
		scale:   G.NewConstant(1.0 / math.Sqrt(float64(headDim))),
		heads:   heads,
		hidden:  hidden,
		headDim: headDim,
	}, nil
}

// Fwd adds the forward pass of the attention to the computational
// graph.
//
// query has shape (batch, lq, hidden) and key and value have shape
// (batch, lk, hidden). qPos and kPos are optional position embeddings
// of shape (1, lq, hidden) and (1, lk, hidden), broadcast over the
// batch and added to the queries and keys respectively. mask is an
// optional additive key-padding mask of shape (batch, 1, lk) holding 0
// for attendable positions and a large negative value for padding; it
// is added to the attention scores before the softmax so that padded
// key positions receive zero weight.
func (a *Attention) Fwd(query, key, value, qPos, kPos,
	mask *G.Node) (*G.Node, error) {
	if query.Shape()[2] != a.hidden || key.Shape()[2] != a.hidden {
		return nil, fmt.Errorf("fwd: attention expected hidden width %v "+
			"but got query %v and key %v", a.hidden, query.Shape(),
			key.Shape())
	}
	batch := query.Shape()[0]
	lq := query.Shape()[1]
	lk := key.Shape()[1]

	if qPos != nil {
		query = G.Must(G.BroadcastAdd(query, qPos, nil, []byte{0}))
	}
	if kPos != nil {
		key = G.Must(G.BroadcastAdd(key, kPos, nil, []byte{0}))
	}

	q, err := a.wq.FwdSeq(query)
	if err != nil {
		return nil, fmt.Errorf("fwd: could not project queries: %v", err)
	}
	k, err := a.wk.FwdSeq(key)
	if err != nil {
		return nil, fmt.Errorf("fwd: could not project keys: %v", err)
	}
	v, err := a.wv.FwdSeq(value)
	if err != nil {
		return nil, fmt.Errorf("fwd: could not project values: %v", err)
	}

	q = a.splitHeads(q, batch, lq)
	k = a.splitHeads(k, batch, lk)
	v = a.splitHeads(v, batch, lk)

	// Scores have shape (batch*heads, lq, lk)
	kT := G.Must(G.Transpose(k, 0, 2, 1))
	scores := G.Must(G.BatchedMatMul(q, kT))
	scores = G.Must(G.Mul(scores, a.scale))

	if mask != nil {
		grouped := G.Must(G.Reshape(scores,
			tensor.Shape{batch, a.heads * lq, lk}))
		grouped = G.Must(G.BroadcastAdd(grouped, mask, nil, []byte{1}))
		scores = G.Must(G.Reshape(grouped,
			tensor.Shape{batch * a.heads, lq, lk}))
	}

	weights := G.Must(G.SoftMax(scores, 2))

	// A batched product of one-by-one weight matrices collapses to
	// scalars and cannot be multiplied against the values, so a single
	// query over a single key instead scales the value vectors by its
	// one weight directly.
	var context *G.Node
	if lq == 1 && lk == 1 {
		context = G.Must(G.BroadcastHadamardProd(v, weights, nil,
			[]byte{2}))
	} else {
		context = G.Must(G.BatchedMatMul(weights, v))
	}

	return a.wo.FwdSeq(a.mergeHeads(context, batch, lq))
}

// splitHeads reshapes (batch, length, hidden) into
// (batch*heads, length, headDim) so a single batched matrix product
// attends over every head of every batch element.
func (a *Attention) splitHeads(x *G.Node, batch, length int) *G.Node {
	x = G.Must(G.Reshape(x, tensor.Shape{batch, length, a.heads, a.headDim}))
	x = G.Must(G.Transpose(x, 0, 2, 1, 3))
	return G.Must(G.Reshape(x,
		tensor.Shape{batch * a.heads, length, a.headDim}))
}

// mergeHeads is the inverse of splitHeads
func (a *Attention) mergeHeads(x *G.Node, batch, length int) *G.Node {
	x = G.Must(G.Reshape(x, tensor.Shape{batch, a.heads, length, a.headDim}))
	x = G.Must(G.Transpose(x, 0, 2, 1, 3))
	return G.Must(G.Reshape(x, tensor.Shape{batch, length, a.hidden}))
}

// Learnables returns the learnable nodes of the attention
func (a *Attention) Learnables() G.Nodes {
	nodes := make(G.Nodes, 0, 8)
	nodes = append(nodes, a.wq.Learnables()...)
	nodes = append(nodes, a.wk.Learnables()...)
	nodes = append(nodes, a.wv.Learnables()...)
	nodes = append(nodes, a.wo.Learnables()...)
	return nodes
}
