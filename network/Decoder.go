package network

import (
	"fmt"

	G "gorgonia.org/gorgonia"
)

// DecoderConfig describes a transformer decoder stack
type DecoderConfig struct {
	Hidden      int     // Model hidden width
	Heads       int     // Attention heads per layer
	FeedForward int     // Feed-forward inner width
	Layers      int     // Number of decoder layers
	Dropout     float64 // Dropout probability, 0 disables dropout
	PreNorm     bool    // Normalize before (true) or after (false) sublayers
}

// Validate returns an error describing the first invalid field of the
// configuration, if any.
func (c DecoderConfig) Validate() error {
	if err := EncoderConfig(c).Validate(); err != nil {
		return fmt.Errorf("decoderconfig: %v", err)
	}
	return nil
}

// decoderLayer is one self-attention + cross-attention + feed-forward
// layer of a Decoder
type decoderLayer struct {
	selfAttn            *Attention
	crossAttn           *Attention
	ff1, ff2            *Linear
	norm1, norm2, norm3 *LayerNorm
}

// Decoder implements a stack of transformer decoder layers. Each layer
// runs self-attention over the query slots, cross-attention from the
// query slots into a memory sequence, and a feed-forward block. Query
// position embeddings and memory position embeddings are re-added to
// the relevant queries and keys at every layer. The stack ends with a
// final normalization.
type Decoder struct {
	layers []*decoderLayer
	norm   *LayerNorm
	config DecoderConfig
}

// NewDecoder returns a new Decoder on graph g described by config.
// Parameters are initialized with init. The name must be unique
// within g.
func NewDecoder(g *G.ExprGraph, config DecoderConfig, init G.InitWFn,
	name string) (*Decoder, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("newdecoder: %v", err)
	}

	layers := make([]*decoderLayer, config.Layers)
	for i := range layers {
		prefix := fmt.Sprintf("%v/Layer%d", name, i)
		selfAttn, err := NewAttention(g, config.Hidden, config.Heads, init,
			prefix+"/SelfAttn")
		if err != nil {
			return nil, fmt.Errorf("newdecoder: %v", err)
		}
		crossAttn, err := NewAttention(g, config.Hidden, config.Heads, init,
			prefix+"/CrossAttn")
		if err != nil {
			return nil, fmt.Errorf("newdecoder: %v", err)
		}
		layers[i] = &decoderLayer{
			selfAttn:  selfAttn,
			crossAttn: crossAttn,
			ff1: NewLinear(g, config.Hidden, config.FeedForward, init,
				ReLU(), prefix+"/FF1"),
			ff2: NewLinear(g, config.FeedForward, config.Hidden, init,
				Nil(), prefix+"/FF2"),
			norm1: NewLayerNorm(g, config.Hidden, prefix+"/Norm1"),
			norm2: NewLayerNorm(g, config.Hidden, prefix+"/Norm2"),
			norm3: NewLayerNorm(g, config.Hidden, prefix+"/Norm3"),
		}
	}

	return &Decoder{
		layers: layers,
		norm:   NewLayerNorm(g, config.Hidden, name+"/Norm"),
		config: config,
	}, nil
}

// Fwd adds the forward pass of the decoder stack to the computational
// graph. tgt has shape (batch, queries, hidden) and memory has shape
// (batch, length, hidden). queryPos is a position embedding of shape
// (1, queries, hidden) for the query slots, and memPos of shape
// (1, length, hidden) for the memory. Dropout is applied only when
// train is true. The output has shape (batch, queries, hidden).
func (d *Decoder) Fwd(tgt, memory, queryPos, memPos *G.Node,
	train bool) (*G.Node, error) {
	var err error
	for i, layer := range d.layers {
		if d.config.PreNorm {
			tgt, err = layer.fwdPreNorm(tgt, memory, queryPos, memPos,
				d.config.Dropout, train)
		} else {
			tgt, err = layer.fwdPostNorm(tgt, memory, queryPos, memPos,
				d.config.Dropout, train)
		}
		if err != nil {
			return nil, fmt.Errorf("fwd: could not compute decoder "+
				"layer %v: %v", i, err)
		}
	}
	return d.norm.FwdSeq(tgt)
}

func (l *decoderLayer) fwdPostNorm(tgt, memory, queryPos, memPos *G.Node,
	p float64, train bool) (*G.Node, error) {
	selfOut, err := l.selfAttn.Fwd(tgt, tgt, tgt, queryPos, queryPos, nil)
	if err != nil {
		return nil, err
	}
	tgt = G.Must(G.Add(tgt, dropout(selfOut, p, train)))
	if tgt, err = l.norm1.FwdSeq(tgt); err != nil {
		return nil, err
	}

	crossOut, err := l.crossAttn.Fwd(tgt, memory, memory, queryPos, memPos,
		nil)
	if err != nil {
		return nil, err
	}
	tgt = G.Must(G.Add(tgt, dropout(crossOut, p, train)))
	if tgt, err = l.norm2.FwdSeq(tgt); err != nil {
		return nil, err
	}

	ff, err := l.feedForward(tgt, p, train)
	if err != nil {
		return nil, err
	}
	tgt = G.Must(G.Add(tgt, dropout(ff, p, train)))
	return l.norm3.FwdSeq(tgt)
}

func (l *decoderLayer) fwdPreNorm(tgt, memory, queryPos, memPos *G.Node,
	p float64, train bool) (*G.Node, error) {
	normed, err := l.norm1.FwdSeq(tgt)
	if err != nil {
		return nil, err
	}
	selfOut, err := l.selfAttn.Fwd(normed, normed, normed, queryPos,
		queryPos, nil)
	if err != nil {
		return nil, err
	}
	tgt = G.Must(G.Add(tgt, dropout(selfOut, p, train)))

	normed, err = l.norm2.FwdSeq(tgt)
	if err != nil {
		return nil, err
	}
	crossOut, err := l.crossAttn.Fwd(normed, memory, memory, queryPos,
		memPos, nil)
	if err != nil {
		return nil, err
	}
	tgt = G.Must(G.Add(tgt, dropout(crossOut, p, train)))

	normed, err = l.norm3.FwdSeq(tgt)
	if err != nil {
		return nil, err
	}
	ff, err := l.feedForward(normed, p, train)
	if err != nil {
		return nil, err
	}
	return G.Must(G.Add(tgt, dropout(ff, p, train))), nil
}

func (l *decoderLayer) feedForward(x *G.Node, p float64,
	train bool) (*G.Node, error) {
	hidden, err := l.ff1.FwdSeq(x)
	if err != nil {
		return nil, err
	}
	return l.ff2.FwdSeq(dropout(hidden, p, train))
}

// Learnables returns the learnable nodes of the decoder
func (d *Decoder) Learnables() G.Nodes {
	var nodes G.Nodes
	for _, l := range d.layers {
		nodes = append(nodes, l.selfAttn.Learnables()...)
		nodes = append(nodes, l.crossAttn.Learnables()...)
		nodes = append(nodes, l.ff1.Learnables()...)
		nodes = append(nodes, l.ff2.Learnables()...)
		nodes = append(nodes, l.norm1.Learnables()...)
		nodes = append(nodes, l.norm2.Learnables()...)
		nodes = append(nodes, l.norm3.Learnables()...)
	}
	nodes = append(nodes, d.norm.Learnables()...)
	return nodes
}
